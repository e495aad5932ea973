// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"

	"github.com/element-hq/synchrotron/internal"
	"github.com/element-hq/synchrotron/internal/httputil"
	syncinternal "github.com/element-hq/synchrotron/syncapi/internal"
	"github.com/element-hq/synchrotron/syncapi/notifier"
	"github.com/element-hq/synchrotron/syncapi/synctypes"
	"github.com/element-hq/synchrotron/syncapi/types"
	userapi "github.com/element-hq/synchrotron/userapi/api"
)

// EventsResponse is the body of a legacy /events response.
type EventsResponse struct {
	Chunk []synctypes.ClientEvent `json:"chunk"`
	Start types.StreamingToken    `json:"start"`
	End   types.StreamingToken    `json:"end"`
}

// OnIncomingEventsRequest handles the legacy /events API, a long-poll over
// the timelines of the rooms the user is joined to, or of one room.
func (rp *RequestPool) OnIncomingEventsRequest(req *http.Request, device *userapi.Device) util.JSONResponse {
	trace, ctx := internal.StartTask(req.Context(), "Events")
	defer trace.EndTask()
	trace.SetTag("user_id", device.UserID)
	logger := util.GetLogger(ctx).WithField("user_id", device.UserID)

	query := req.URL.Query()
	timeout, err := parseTimeout(query.Get("timeout"), defaultEventsTimeout, rp.cfg.MaxTimeout())
	if err != nil {
		return syncinternal.ErrorResponse(logger, err)
	}
	var from *types.StreamingToken
	if f := query.Get("from"); f != "" {
		tok, err := types.DecodeCursor(f, rp.epoch)
		switch {
		case errors.Is(err, types.ErrMalformedCursor):
			return syncinternal.ErrorResponse(logger, fmt.Errorf("%w: %w", types.ErrBadPagination, err))
		case err != nil:
			return syncinternal.ErrorResponse(logger, err)
		}
		from = &tok
	}

	res, state, err := rp.Events(ctx, device, query.Get("room_id"), from, timeout)
	trace.SetTag("state", state.String())
	switch {
	case state == Cancelled:
		return util.JSONResponse{Code: httputil.StatusClientClosedRequest}
	case err != nil:
		return syncinternal.ErrorResponse(logger, err)
	}
	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: res,
	}
}

// Events waits for new timeline events after from. With a room ID only that
// room is watched and the user must be joined or the room world readable.
// Rooms the token does not know about start at their latest event.
func (rp *RequestPool) Events(
	ctx context.Context, device *userapi.Device, roomID string, from *types.StreamingToken, timeout time.Duration,
) (*EventsResponse, SyncState, error) {
	var rooms []string
	if roomID != "" {
		if !rp.timeline.Snapshot(roomID).Readable(device.UserID) {
			return nil, Immediate, fmt.Errorf("%w: not a member of %s", types.ErrForbidden, roomID)
		}
		rooms = []string{roomID}
	} else {
		for id, membership := range rp.timeline.MembershipsForUser(device.UserID) {
			if membership == spec.Join {
				rooms = append(rooms, id)
			}
		}
	}

	start := rp.currentPosition(device)
	if from != nil {
		start = from.Clone()
	}
	for _, id := range rooms {
		if _, ok := start.Rooms[id]; !ok {
			start.Rooms[id] = rp.timeline.Latest(id)
		}
	}

	var listener *notifier.Listener
	if roomID != "" {
		listener = rp.notifier.ListenRoom(roomID)
	} else {
		listener = rp.notifier.ListenUser(device.UserID)
	}
	defer listener.Close()

	return longPoll(ctx, listener, timeout, func() (*EventsResponse, bool, error) {
		res := &EventsResponse{
			Chunk: []synctypes.ClientEvent{},
			Start: start,
			End:   start.Clone(),
		}
		for _, id := range rooms {
			end := rp.roomEventsSince(id, start.Rooms[id], res)
			res.End.Rooms[id] = end
		}
		return res, len(res.Chunk) > 0, nil
	})
}

// roomEventsSince appends events after since to the response and returns the
// position reached.
func (rp *RequestPool) roomEventsSince(roomID string, since types.StreamPosition, res *EventsResponse) types.StreamPosition {
	snap := rp.timeline.Snapshot(roomID)
	pos := since
	for seq, ev := range snap.ReadSince(since, synctypes.MaxTimelineLimit) {
		res.Chunk = append(res.Chunk, *ev)
		pos = seq
	}
	return pos
}

// currentPosition returns a token at the head of every stream the user can
// see, as if they had just synced.
func (rp *RequestPool) currentPosition(device *userapi.Device) types.StreamingToken {
	tok := types.StreamingToken{
		Epoch:                rp.epoch,
		Rooms:                map[string]types.StreamPosition{},
		AccountDataPosition:  rp.accountData.Latest(),
		PresencePosition:     rp.presence.Latest(),
		SendToDevicePosition: rp.mailbox.Latest(),
	}
	for roomID := range rp.timeline.MembershipsForUser(device.UserID) {
		tok.Rooms[roomID] = rp.timeline.Latest(roomID)
	}
	return tok
}
