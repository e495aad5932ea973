// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/element-hq/synchrotron/syncapi/synctypes"
	userapi "github.com/element-hq/synchrotron/userapi/api"
)

// ClientEvents is a wrapper for a list of events, as used in most sections
// of the sync response.
type ClientEvents struct {
	Events []synctypes.ClientEvent `json:"events"`
}

func NewClientEvents() *ClientEvents {
	return &ClientEvents{Events: []synctypes.ClientEvent{}}
}

// Timeline is the timeline section of a room in the sync response.
type Timeline struct {
	Events    []synctypes.ClientEvent `json:"events"`
	Limited   bool                    `json:"limited"`
	PrevBatch *TopologyToken          `json:"prev_batch,omitempty"`
}

// JoinResponse represents a /sync response for a room which is under the 'join' key.
type JoinResponse struct {
	State       *ClientEvents `json:"state"`
	Timeline    *Timeline     `json:"timeline"`
	AccountData *ClientEvents `json:"account_data"`
}

// NewJoinResponse creates an empty response with initialised arrays.
func NewJoinResponse() *JoinResponse {
	return &JoinResponse{
		State:       NewClientEvents(),
		Timeline:    &Timeline{Events: []synctypes.ClientEvent{}},
		AccountData: NewClientEvents(),
	}
}

// IsEmpty returns true if nothing would be reported for the room.
func (jr *JoinResponse) IsEmpty() bool {
	return len(jr.State.Events) == 0 &&
		len(jr.Timeline.Events) == 0 &&
		len(jr.AccountData.Events) == 0
}

// InviteResponse represents a /sync response for a room which is under the 'invite' key.
type InviteResponse struct {
	InviteState *ClientEvents `json:"invite_state"`
}

// NewInviteResponse creates an empty response with initialised arrays.
func NewInviteResponse() *InviteResponse {
	return &InviteResponse{InviteState: NewClientEvents()}
}

// LeaveResponse represents a /sync response for a room which is under the 'leave' key.
type LeaveResponse struct {
	State    *ClientEvents `json:"state"`
	Timeline *Timeline     `json:"timeline"`
}

// NewLeaveResponse creates an empty response with initialised arrays.
func NewLeaveResponse() *LeaveResponse {
	return &LeaveResponse{
		State:    NewClientEvents(),
		Timeline: &Timeline{Events: []synctypes.ClientEvent{}},
	}
}

// RoomsResponse groups rooms by the requesting user's membership.
type RoomsResponse struct {
	Join   map[string]*JoinResponse   `json:"join"`
	Invite map[string]*InviteResponse `json:"invite"`
	Leave  map[string]*LeaveResponse  `json:"leave"`
}

// ToDeviceResponse holds the to-device messages delivered by one sync.
type ToDeviceResponse struct {
	Events []synctypes.SendToDeviceEvent `json:"events"`
}

// Response represents a /sync API response. See https://matrix.org/docs/spec/client_server/r0.2.0.html#get-matrix-client-r0-sync
type Response struct {
	NextBatch   StreamingToken    `json:"next_batch"`
	AccountData *ClientEvents     `json:"account_data"`
	Presence    *ClientEvents     `json:"presence"`
	Rooms       *RoomsResponse    `json:"rooms"`
	ToDevice    *ToDeviceResponse `json:"to_device"`
}

// NewResponse creates an empty response with initialised maps.
func NewResponse() *Response {
	return &Response{
		AccountData: NewClientEvents(),
		Presence:    NewClientEvents(),
		Rooms: &RoomsResponse{
			Join:   map[string]*JoinResponse{},
			Invite: map[string]*InviteResponse{},
			Leave:  map[string]*LeaveResponse{},
		},
		ToDevice: &ToDeviceResponse{Events: []synctypes.SendToDeviceEvent{}},
	}
}

// IsEmpty returns true if the response is empty, i.e. used to decided whether
// to return the response immediately to the client or to wait for more data.
func (r *Response) IsEmpty() bool {
	return len(r.Rooms.Join) == 0 &&
		len(r.Rooms.Invite) == 0 &&
		len(r.Rooms.Leave) == 0 &&
		len(r.AccountData.Events) == 0 &&
		len(r.Presence.Events) == 0 &&
		len(r.ToDevice.Events) == 0
}

// SyncRequest is a parsed and validated /sync request.
type SyncRequest struct {
	Context       context.Context
	Log           *logrus.Entry
	Device        *userapi.Device
	Filter        *synctypes.CompiledFilter
	Since         *StreamingToken // nil for an initial sync
	Timeout       time.Duration
	WantFullState bool
	SetPresence   string
}

// IsInitial reports whether the request carries no since token.
func (r *SyncRequest) IsInitial() bool {
	return r.Since == nil
}
