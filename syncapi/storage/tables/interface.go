// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package tables

import (
	"context"
	"database/sql"

	"github.com/element-hq/synchrotron/syncapi/mailbox"
	"github.com/element-hq/synchrotron/syncapi/synctypes"
	"github.com/element-hq/synchrotron/syncapi/types"
	"github.com/element-hq/synchrotron/syncapi/userdata"
)

// Stream names used with the StreamID table.
const (
	SendToDeviceStream = "send_to_device"
)

// Epoch holds the single epoch that cursor tokens are bound to.
type Epoch interface {
	// SelectEpoch returns sql.ErrNoRows if no epoch has been written yet.
	SelectEpoch(ctx context.Context, txn *sql.Tx) (string, error)
	UpsertEpoch(ctx context.Context, txn *sql.Tx, epoch string) error
}

// StreamID records the high-water mark of streams whose rows may be deleted.
type StreamID interface {
	SelectStreamID(ctx context.Context, txn *sql.Tx, streamName string) (types.StreamPosition, error)
	// AdvanceStreamID raises the stored position, never lowering it.
	AdvanceStreamID(ctx context.Context, txn *sql.Tx, streamName string, pos types.StreamPosition) error
}

// RoomEvent is a journalled timeline event at its room sequence number.
type RoomEvent struct {
	Seq   types.StreamPosition
	Event *synctypes.ClientEvent
}

type OutputRoomEvents interface {
	InsertEvent(ctx context.Context, txn *sql.Tx, seq types.StreamPosition, ev *synctypes.ClientEvent) error
	UpdateEvent(ctx context.Context, txn *sql.Tx, seq types.StreamPosition, ev *synctypes.ClientEvent) error
	// SelectEvents returns every event ordered by room and sequence number.
	SelectEvents(ctx context.Context, txn *sql.Tx) ([]RoomEvent, error)
}

type SendToDevice interface {
	InsertSendToDeviceMessage(ctx context.Context, txn *sql.Tx, entry *mailbox.Entry) error
	DeleteSendToDeviceMessages(ctx context.Context, txn *sql.Tx, userID, deviceID string, upTo types.StreamPosition) error
	// SelectSendToDeviceMessages returns every pending message in revision order.
	SelectSendToDeviceMessages(ctx context.Context, txn *sql.Tx) ([]mailbox.Entry, error)
}

type Presence interface {
	UpsertPresence(ctx context.Context, txn *sql.Tx, p *userdata.Presence) error
	SelectAllPresence(ctx context.Context, txn *sql.Tx) ([]userdata.Presence, error)
}

type AccountData interface {
	UpsertAccountData(ctx context.Context, txn *sql.Tx, data *userdata.AccountData) error
	// SelectAllAccountData returns every account data entry in revision order.
	SelectAllAccountData(ctx context.Context, txn *sql.Tx) ([]userdata.AccountData, error)
}

type Filter interface {
	// SelectFilter returns sql.ErrNoRows if the filter does not exist for the user.
	SelectFilter(ctx context.Context, txn *sql.Tx, target *synctypes.Filter, userID string, filterID int64) error
	// InsertFilter stores the filter, returning the ID of an identical
	// existing filter for the user if there is one.
	InsertFilter(ctx context.Context, txn *sql.Tx, filter *synctypes.Filter, userID string) (filterID string, err error)
}
