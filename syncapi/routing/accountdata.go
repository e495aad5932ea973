// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package routing

import (
	"fmt"
	"net/http"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"

	"github.com/element-hq/synchrotron/internal/httputil"
	syncinternal "github.com/element-hq/synchrotron/syncapi/internal"
	"github.com/element-hq/synchrotron/syncapi/synctypes"
	"github.com/element-hq/synchrotron/syncapi/userdata"
	userapi "github.com/element-hq/synchrotron/userapi/api"
)

// GetAccountData implements GET /user/{userId}/[rooms/{roomid}/]account_data/{type}
func GetAccountData(
	req *http.Request, device *userapi.Device, accountData *userdata.AccountDataStore,
	userID, roomID, dataType string,
) util.JSONResponse {
	if userID != device.UserID {
		return util.JSONResponse{
			Code: http.StatusForbidden,
			JSON: spec.Forbidden("userID does not match the current user"),
		}
	}
	data, ok := accountData.Get(userID, roomID, dataType)
	if !ok {
		return util.JSONResponse{
			Code: http.StatusNotFound,
			JSON: spec.NotFound("data not found"),
		}
	}
	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: data.Content,
	}
}

// SaveAccountData implements PUT /user/{userId}/[rooms/{roomId}/]account_data/{type}
func SaveAccountData(
	req *http.Request, device *userapi.Device, accountData *userdata.AccountDataStore,
	userID, roomID, dataType string,
) util.JSONResponse {
	if userID != device.UserID {
		return util.JSONResponse{
			Code: http.StatusForbidden,
			JSON: spec.Forbidden("userID does not match the current user"),
		}
	}
	if dataType == "m.fully_read" || dataType == "m.push_rules" {
		return util.JSONResponse{
			Code: http.StatusForbidden,
			JSON: spec.Forbidden(fmt.Sprintf("Unable to modify %q using this API", dataType)),
		}
	}
	body, resErr := httputil.ReadJSONBody(req)
	if resErr != nil {
		return *resErr
	}
	if _, err := accountData.Put(req.Context(), userID, roomID, dataType, body); err != nil {
		return syncinternal.ErrorResponse(util.GetLogger(req.Context()), err)
	}
	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: struct{}{},
	}
}

// GetTags implements GET /_matrix/client/r0/user/{userID}/rooms/{roomID}/tags
func GetTags(
	req *http.Request, device *userapi.Device, accountData *userdata.AccountDataStore,
	userID, roomID string,
) util.JSONResponse {
	if device.UserID != userID {
		return util.JSONResponse{
			Code: http.StatusForbidden,
			JSON: spec.Forbidden("Cannot retrieve another user's tags"),
		}
	}
	tags, err := accountData.Tags(userID, roomID)
	if err != nil {
		return syncinternal.ErrorResponse(util.GetLogger(req.Context()), err)
	}
	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: tags,
	}
}

// PutTag implements PUT /_matrix/client/r0/user/{userId}/rooms/{roomId}/tags/{tag}
func PutTag(
	req *http.Request, device *userapi.Device, accountData *userdata.AccountDataStore,
	userID, roomID, tag string,
) util.JSONResponse {
	if device.UserID != userID {
		return util.JSONResponse{
			Code: http.StatusForbidden,
			JSON: spec.Forbidden("Cannot modify another user's tags"),
		}
	}
	var properties synctypes.TagProperties
	if reqErr := httputil.UnmarshalJSONRequest(req, &properties); reqErr != nil {
		return *reqErr
	}
	if _, err := accountData.SetTag(req.Context(), userID, roomID, tag, properties); err != nil {
		return syncinternal.ErrorResponse(util.GetLogger(req.Context()), err)
	}
	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: struct{}{},
	}
}

// DeleteTag implements DELETE /_matrix/client/r0/user/{userId}/rooms/{roomId}/tags/{tag}
func DeleteTag(
	req *http.Request, device *userapi.Device, accountData *userdata.AccountDataStore,
	userID, roomID, tag string,
) util.JSONResponse {
	if device.UserID != userID {
		return util.JSONResponse{
			Code: http.StatusForbidden,
			JSON: spec.Forbidden("Cannot modify another user's tags"),
		}
	}
	if _, err := accountData.RemoveTag(req.Context(), userID, roomID, tag); err != nil {
		return syncinternal.ErrorResponse(util.GetLogger(req.Context()), err)
	}
	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: struct{}{},
	}
}
