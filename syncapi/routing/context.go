// Copyright 2024 New Vector Ltd.
// Copyright 2022 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package routing

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/synchrotron/internal"
	syncinternal "github.com/element-hq/synchrotron/syncapi/internal"
	"github.com/element-hq/synchrotron/syncapi/synctypes"
	"github.com/element-hq/synchrotron/syncapi/timeline"
	"github.com/element-hq/synchrotron/syncapi/types"
	userapi "github.com/element-hq/synchrotron/userapi/api"
)

type ContextResponse struct {
	End          types.TopologyToken     `json:"end"`
	Event        *synctypes.ClientEvent  `json:"event,omitempty"`
	EventsAfter  []synctypes.ClientEvent `json:"events_after"`
	EventsBefore []synctypes.ClientEvent `json:"events_before"`
	Start        types.TopologyToken     `json:"start"`
	State        []synctypes.ClientEvent `json:"state"`
}

// Context implements GET /_matrix/client/v3/rooms/{roomId}/context/{eventId}
func Context(
	req *http.Request, device *userapi.Device, rooms *timeline.Store, roomID, eventID string,
) util.JSONResponse {
	trace, ctx := internal.StartTask(req.Context(), "Context")
	defer trace.EndTask()
	trace.SetTag("room_id", roomID)
	trace.SetTag("event_id", eventID)
	logger := util.GetLogger(ctx).WithFields(logrus.Fields{
		"room_id":  roomID,
		"event_id": eventID,
	})

	limit := timeline.DefaultContextLimit
	if l := req.URL.Query().Get("limit"); l != "" {
		var err error
		if limit, err = strconv.Atoi(l); err != nil {
			return syncinternal.ErrorResponse(logger, fmt.Errorf("%w: limit %q", types.ErrBadPagination, l))
		}
	}

	if !rooms.Snapshot(roomID).Readable(device.UserID) {
		return util.JSONResponse{
			Code: http.StatusForbidden,
			JSON: spec.Forbidden("User is not allowed to query context"),
		}
	}

	ec, err := rooms.Context(roomID, eventID, limit)
	if err != nil {
		return syncinternal.ErrorResponse(logger, err)
	}
	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: ContextResponse{
			Start:        ec.Start,
			End:          ec.End,
			Event:        ec.Event,
			EventsBefore: dereference(ec.EventsBefore),
			EventsAfter:  dereference(ec.EventsAfter),
			State:        dereference(ec.State),
		},
	}
}

func dereference(events []*synctypes.ClientEvent) []synctypes.ClientEvent {
	out := make([]synctypes.ClientEvent, 0, len(events))
	for _, ev := range events {
		out = append(out, *ev)
	}
	return out
}
