// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"context"
	"net/http"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/synchrotron/internal"
	"github.com/element-hq/synchrotron/internal/httputil"
	"github.com/element-hq/synchrotron/setup/config"
	syncinternal "github.com/element-hq/synchrotron/syncapi/internal"
	"github.com/element-hq/synchrotron/syncapi/mailbox"
	"github.com/element-hq/synchrotron/syncapi/notifier"
	"github.com/element-hq/synchrotron/syncapi/synctypes"
	"github.com/element-hq/synchrotron/syncapi/timeline"
	"github.com/element-hq/synchrotron/syncapi/types"
	"github.com/element-hq/synchrotron/syncapi/userdata"
	userapi "github.com/element-hq/synchrotron/userapi/api"
)

// RequestPool manages connections to the client /sync and /events APIs.
type RequestPool struct {
	cfg         *config.SyncAPI
	epoch       string
	timeline    *timeline.Store
	mailbox     *mailbox.Mailbox
	presence    *userdata.PresenceStore
	accountData *userdata.AccountDataStore
	notifier    *notifier.Notifier
	filters     *syncinternal.Filters
	now         func() time.Time
}

// NewRequestPool makes a new RequestPool.
func NewRequestPool(
	cfg *config.SyncAPI, epoch string,
	rooms *timeline.Store, mbox *mailbox.Mailbox,
	presence *userdata.PresenceStore, accountData *userdata.AccountDataStore,
	n *notifier.Notifier, filters *syncinternal.Filters,
) *RequestPool {
	return &RequestPool{
		cfg:         cfg,
		epoch:       epoch,
		timeline:    rooms,
		mailbox:     mbox,
		presence:    presence,
		accountData: accountData,
		notifier:    n,
		filters:     filters,
		now:         time.Now,
	}
}

// Epoch returns the store epoch that cursors are bound to.
func (rp *RequestPool) Epoch() string {
	return rp.epoch
}

// OnIncomingSyncRequest is called when a client makes a /sync request. This function MUST be
// called in a dedicated goroutine for this request. This function will block the goroutine
// until a response is ready, or it times out.
func (rp *RequestPool) OnIncomingSyncRequest(req *http.Request, device *userapi.Device) util.JSONResponse {
	trace, ctx := internal.StartTask(req.Context(), "Sync")
	defer trace.EndTask()
	trace.SetTag("user_id", device.UserID)
	trace.SetTag("device_id", device.ID)
	req = req.WithContext(ctx)
	logger := util.GetLogger(ctx).WithField("user_id", device.UserID)

	syncReq, err := rp.newSyncRequest(req, device)
	if err != nil {
		return syncinternal.ErrorResponse(logger, err)
	}
	trace.SetTag("initial", syncReq.IsInitial())
	trace.SetTag("full_state", syncReq.WantFullState)

	start := time.Now()
	res, state, err := rp.Sync(syncReq)
	observeSyncOutcome(state, time.Since(start))
	trace.SetTag("state", state.String())
	switch {
	case state == Cancelled:
		syncReq.Log.WithField("status", httputil.StatusClientClosedRequest).Debug("Client disconnected while waiting")
		return util.JSONResponse{Code: httputil.StatusClientClosedRequest}
	case err != nil:
		return syncinternal.ErrorResponse(syncReq.Log, err)
	}

	syncReq.Log.WithFields(logrus.Fields{
		"state":       state.String(),
		"next_batch":  res.NextBatch.Describe(),
		"rooms_join":  len(res.Rooms.Join),
		"to_device":   len(res.ToDevice.Events),
		"presence":    len(res.Presence.Events),
		"duration_ms": time.Since(start).Milliseconds(),
	}).Debug("Responding to sync")
	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: res,
	}
}

// Sync assembles the response for a parsed /sync request, parking the
// calling goroutine until there is data, the timeout expires or the request
// context is done. The response is nil only when the state is Cancelled or
// an error is returned.
func (rp *RequestPool) Sync(req *types.SyncRequest) (*types.Response, SyncState, error) {
	ctx := req.Context
	device := req.Device

	if err := rp.updatePresence(ctx, req.SetPresence, device.UserID); err != nil {
		return nil, Immediate, err
	}
	if req.Since != nil {
		rp.mailbox.Acknowledge(ctx, device.UserID, device.ID, req.Since.SendToDevicePosition)
	}

	compute := func() (*types.Response, bool, error) {
		res, err := rp.buildResponse(ctx, req)
		if err != nil {
			return nil, false, err
		}
		return res, !res.IsEmpty(), nil
	}
	if req.IsInitial() || req.WantFullState {
		res, _, err := compute()
		return res, Immediate, err
	}

	listener := rp.notifier.ListenUser(device.UserID)
	defer listener.Close()
	return longPoll(ctx, listener, req.Timeout, compute)
}

// updatePresence marks the syncing user as present. set_presence=offline
// leaves the stored presence alone.
func (rp *RequestPool) updatePresence(ctx context.Context, presence, userID string) error {
	switch presence {
	case synctypes.PresenceOffline:
		return nil
	case "":
		presence = synctypes.PresenceOnline
	}
	var statusMsg *string
	if prev, ok := rp.presence.Get(userID); ok {
		statusMsg = prev.StatusMsg
	}
	_, _, err := rp.presence.SetPresence(ctx, userID, presence, statusMsg, spec.AsTimestamp(rp.now()))
	return err
}
