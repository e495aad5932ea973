// Copyright 2024 New Vector Ltd.
// Copyright 2017-2018 New Vector Ltd
// Copyright 2019-2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"

	"github.com/element-hq/synchrotron/internal/sqlutil"
	"github.com/element-hq/synchrotron/setup/config"
	"github.com/element-hq/synchrotron/syncapi/storage/shared"
)

// NewDatabase creates a new sync server database backed by sqlite
func NewDatabase(ctx context.Context, conMan *sqlutil.Connections, dbProperties *config.DatabaseOptions) (*shared.Database, error) {
	db, writer, err := conMan.Connection(dbProperties)
	if err != nil {
		return nil, err
	}
	d := &shared.Database{
		DB:     db,
		Writer: writer,
	}
	if d.Epochs, err = NewSqliteEpochTable(db); err != nil {
		return nil, err
	}
	if d.StreamIDs, err = NewSqliteStreamIDTable(db); err != nil {
		return nil, err
	}
	if d.OutputEvents, err = NewSqliteEventsTable(db); err != nil {
		return nil, err
	}
	if d.SendToDevice, err = NewSqliteSendToDeviceTable(db); err != nil {
		return nil, err
	}
	if d.Presence, err = NewSqlitePresenceTable(db); err != nil {
		return nil, err
	}
	if d.AccountData, err = NewSqliteAccountDataTable(db); err != nil {
		return nil, err
	}
	if d.Filter, err = NewSqliteFilterTable(db); err != nil {
		return nil, err
	}
	return d, nil
}
