// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package jetstream

import (
	"time"

	"github.com/nats-io/nats.go"
)

const (
	UserID       = "user_id"
	RoomID       = "room_id"
	EventID      = "event_id"
	Presence     = "presence"
	StatusMsg    = "status_msg"
	LastActiveTS = "last_active_ts"
)

var (
	OutputRoomEvent     = "OutputRoomEvent"
	OutputPresenceEvent = "OutputPresenceEvent"
)

var streams = []*nats.StreamConfig{
	{
		Name:      OutputRoomEvent,
		Retention: nats.InterestPolicy,
		Storage:   nats.FileStorage,
	},
	{
		Name:      OutputPresenceEvent,
		Retention: nats.InterestPolicy,
		Storage:   nats.MemoryStorage,
		MaxAge:    time.Minute * 5,
	},
}
