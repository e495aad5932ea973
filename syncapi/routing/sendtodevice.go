// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package routing

import (
	"encoding/json"
	"net/http"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/synchrotron/internal/httputil"
	"github.com/element-hq/synchrotron/syncapi/mailbox"
	userapi "github.com/element-hq/synchrotron/userapi/api"
)

// allDevices addresses every device of a user.
const allDevices = "*"

type sendToDeviceRequest struct {
	Messages map[string]map[string]json.RawMessage `json:"messages"`
}

// SendToDevice handles PUT /_matrix/client/r0/sendToDevice/{eventType}/{txnId}
// Repeating a transaction ID does not deliver the messages twice.
func SendToDevice(
	req *http.Request, device *userapi.Device,
	mbox *mailbox.Mailbox, devices userapi.DeviceLister,
	eventType, txnID string,
) util.JSONResponse {
	var httpReq sendToDeviceRequest
	if resErr := httputil.UnmarshalJSONRequest(req, &httpReq); resErr != nil {
		return *resErr
	}

	logger := util.GetLogger(req.Context())
	msg := mailbox.Message{
		Sender:   device.UserID,
		TxnID:    txnID,
		Type:     eventType,
		Messages: make(map[string]map[string]spec.RawJSON, len(httpReq.Messages)),
	}
	for userID, byDevice := range httpReq.Messages {
		if _, err := spec.NewUserID(userID, true); err != nil {
			return util.JSONResponse{
				Code: http.StatusBadRequest,
				JSON: spec.InvalidParam("Invalid user ID " + userID),
			}
		}
		out := make(map[string]spec.RawJSON, len(byDevice))
		for deviceID, content := range byDevice {
			if deviceID != allDevices {
				out[deviceID] = spec.RawJSON(content)
				continue
			}
			deviceIDs, err := devices.QueryDeviceIDs(req.Context(), userID)
			if err != nil {
				logger.WithError(err).WithField("user_id", userID).Error("QueryDeviceIDs failed")
				return util.JSONResponse{
					Code: http.StatusInternalServerError,
					JSON: spec.InternalServerError{},
				}
			}
			for _, id := range deviceIDs {
				if _, ok := byDevice[id]; !ok {
					out[id] = spec.RawJSON(content)
				}
			}
		}
		msg.Messages[userID] = out
	}

	if _, err := mbox.Send(req.Context(), msg); err != nil {
		logger.WithError(err).WithFields(logrus.Fields{
			"event_type": eventType,
			"txn_id":     txnID,
		}).Error("mbox.Send failed")
		return util.JSONResponse{
			Code: http.StatusInternalServerError,
			JSON: spec.InternalServerError{},
		}
	}
	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: struct{}{},
	}
}
