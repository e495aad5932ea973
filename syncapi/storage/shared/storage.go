// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package shared

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/synchrotron/internal/sqlutil"
	"github.com/element-hq/synchrotron/syncapi/mailbox"
	"github.com/element-hq/synchrotron/syncapi/storage/tables"
	"github.com/element-hq/synchrotron/syncapi/synctypes"
	"github.com/element-hq/synchrotron/syncapi/timeline"
	"github.com/element-hq/synchrotron/syncapi/types"
	"github.com/element-hq/synchrotron/syncapi/userdata"
)

// Database implements the sync API storage on top of the backend specific
// tables. Every write goes through the Writer.
type Database struct {
	DB           *sql.DB
	Writer       sqlutil.Writer
	Epochs       tables.Epoch
	StreamIDs    tables.StreamID
	OutputEvents tables.OutputRoomEvents
	SendToDevice tables.SendToDevice
	Presence     tables.Presence
	AccountData  tables.AccountData
	Filter       tables.Filter
}

// Epoch returns the persisted epoch, creating one on first use.
func (d *Database) Epoch(ctx context.Context) (epoch string, err error) {
	err = d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		epoch, err = d.Epochs.SelectEpoch(ctx, txn)
		if errors.Is(err, sql.ErrNoRows) {
			epoch = uuid.NewString()
			return d.Epochs.UpsertEpoch(ctx, txn, epoch)
		}
		return err
	})
	return
}

// ResetEpoch replaces the persisted epoch, which makes every previously
// issued sync token stale.
func (d *Database) ResetEpoch(ctx context.Context) (string, error) {
	epoch := uuid.NewString()
	err := d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.Epochs.UpsertEpoch(ctx, txn, epoch)
	})
	if err != nil {
		return "", err
	}
	return epoch, nil
}

func (d *Database) StoreRoomEvent(ctx context.Context, seq types.StreamPosition, ev *synctypes.ClientEvent) error {
	err := d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.OutputEvents.InsertEvent(ctx, txn, seq, ev)
	})
	if sqlutil.IsUniqueConstraintViolationErr(err) {
		// already written by an earlier attempt
		return nil
	}
	return err
}

func (d *Database) UpdateRoomEvent(ctx context.Context, seq types.StreamPosition, ev *synctypes.ClientEvent) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.OutputEvents.UpdateEvent(ctx, txn, seq, ev)
	})
}

func (d *Database) StoreSendToDevice(ctx context.Context, entry *mailbox.Entry) error {
	err := d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		if err := d.SendToDevice.InsertSendToDeviceMessage(ctx, txn, entry); err != nil {
			return err
		}
		return d.StreamIDs.AdvanceStreamID(ctx, txn, tables.SendToDeviceStream, entry.Rev)
	})
	if sqlutil.IsUniqueConstraintViolationErr(err) {
		return nil
	}
	return err
}

func (d *Database) DeleteSendToDevice(ctx context.Context, userID, deviceID string, upTo types.StreamPosition) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.SendToDevice.DeleteSendToDeviceMessages(ctx, txn, userID, deviceID, upTo)
	})
}

func (d *Database) StorePresence(ctx context.Context, p *userdata.Presence) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.Presence.UpsertPresence(ctx, txn, p)
	})
}

func (d *Database) StoreAccountData(ctx context.Context, data *userdata.AccountData) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.AccountData.UpsertAccountData(ctx, txn, data)
	})
}

// PutFilter stores a filter for the user and returns its ID.
func (d *Database) PutFilter(ctx context.Context, userID string, filter *synctypes.Filter) (filterID string, err error) {
	err = d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		filterID, err = d.Filter.InsertFilter(ctx, txn, filter, userID)
		return err
	})
	return
}

// GetFilter returns the filter with the given ID or types.ErrUnknownFilter.
func (d *Database) GetFilter(ctx context.Context, userID, filterID string) (*synctypes.Filter, error) {
	id, err := strconv.ParseInt(filterID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", types.ErrUnknownFilter, filterID)
	}
	var filter synctypes.Filter
	err = d.Filter.SelectFilter(ctx, nil, &filter, userID, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %q", types.ErrUnknownFilter, filterID)
	}
	if err != nil {
		return nil, err
	}
	return &filter, nil
}

// Restore loads everything journalled into the in-memory stores. It must run
// before the stores accept writes.
func (d *Database) Restore(
	ctx context.Context,
	rooms *timeline.Store, mbox *mailbox.Mailbox,
	presence *userdata.PresenceStore, accountData *userdata.AccountDataStore,
) error {
	events, err := d.OutputEvents.SelectEvents(ctx, nil)
	if err != nil {
		return fmt.Errorf("d.OutputEvents.SelectEvents: %w", err)
	}
	for _, ev := range events {
		if err = rooms.Restore(ev.Event, ev.Seq); err != nil {
			return err
		}
	}

	entries, err := d.SendToDevice.SelectSendToDeviceMessages(ctx, nil)
	if err != nil {
		return fmt.Errorf("d.SendToDevice.SelectSendToDeviceMessages: %w", err)
	}
	for _, entry := range entries {
		mbox.Restore(entry)
	}
	latest, err := d.StreamIDs.SelectStreamID(ctx, nil, tables.SendToDeviceStream)
	if err != nil {
		return fmt.Errorf("d.StreamIDs.SelectStreamID: %w", err)
	}
	mbox.SetLatest(latest)

	allPresence, err := d.Presence.SelectAllPresence(ctx, nil)
	if err != nil {
		return fmt.Errorf("d.Presence.SelectAllPresence: %w", err)
	}
	for _, p := range allPresence {
		presence.Restore(p)
	}

	allAccountData, err := d.AccountData.SelectAllAccountData(ctx, nil)
	if err != nil {
		return fmt.Errorf("d.AccountData.SelectAllAccountData: %w", err)
	}
	for _, data := range allAccountData {
		accountData.Restore(data)
	}

	logrus.WithFields(logrus.Fields{
		"events":                len(events),
		"send_to_device":        len(entries),
		"send_to_device_latest": latest,
		"presence":              len(allPresence),
		"account_data":          len(allAccountData),
	}).Info("Restored sync state from the database")
	return nil
}
