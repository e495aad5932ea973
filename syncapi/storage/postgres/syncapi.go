// Copyright 2024 New Vector Ltd.
// Copyright 2017-2018 New Vector Ltd
// Copyright 2019-2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"context"

	"github.com/element-hq/synchrotron/internal/sqlutil"
	"github.com/element-hq/synchrotron/setup/config"
	"github.com/element-hq/synchrotron/syncapi/storage/shared"
	_ "github.com/lib/pq"
)

// NewDatabase creates a new sync server database backed by postgres
func NewDatabase(ctx context.Context, conMan *sqlutil.Connections, dbProperties *config.DatabaseOptions) (*shared.Database, error) {
	db, writer, err := conMan.Connection(dbProperties)
	if err != nil {
		return nil, err
	}
	d := &shared.Database{
		DB:     db,
		Writer: writer,
	}
	if d.Epochs, err = NewPostgresEpochTable(db); err != nil {
		return nil, err
	}
	if d.StreamIDs, err = NewPostgresStreamIDTable(db); err != nil {
		return nil, err
	}
	if d.OutputEvents, err = NewPostgresEventsTable(db); err != nil {
		return nil, err
	}
	if d.SendToDevice, err = NewPostgresSendToDeviceTable(db); err != nil {
		return nil, err
	}
	if d.Presence, err = NewPostgresPresenceTable(db); err != nil {
		return nil, err
	}
	if d.AccountData, err = NewPostgresAccountDataTable(db); err != nil {
		return nil, err
	}
	if d.Filter, err = NewPostgresFilterTable(db); err != nil {
		return nil, err
	}
	return d, nil
}
