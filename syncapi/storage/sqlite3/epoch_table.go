// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/synchrotron/internal/sqlutil"
	"github.com/element-hq/synchrotron/syncapi/storage/tables"
)

const epochSchema = `
-- Holds the epoch that sync tokens are bound to. Replacing the epoch
-- invalidates every token handed out before.
CREATE TABLE IF NOT EXISTS syncapi_epoch (
	-- Always 1, there is only ever one row
	id INTEGER PRIMARY KEY CHECK (id = 1),
	epoch TEXT NOT NULL,
	-- When the epoch was created, in milliseconds
	created_ts BIGINT NOT NULL
);
`

const selectEpochSQL = "" +
	"SELECT epoch FROM syncapi_epoch WHERE id = 1"

const upsertEpochSQL = "" +
	"INSERT INTO syncapi_epoch (id, epoch, created_ts) VALUES (1, $1, $2)" +
	" ON CONFLICT (id) DO UPDATE SET epoch = excluded.epoch, created_ts = excluded.created_ts"

type epochStatements struct {
	selectEpochStmt *sql.Stmt
	upsertEpochStmt *sql.Stmt
}

func NewSqliteEpochTable(db *sql.DB) (tables.Epoch, error) {
	_, err := db.Exec(epochSchema)
	if err != nil {
		return nil, err
	}
	s := &epochStatements{}
	return s, sqlutil.StatementList{
		{&s.selectEpochStmt, selectEpochSQL},
		{&s.upsertEpochStmt, upsertEpochSQL},
	}.Prepare(db)
}

func (s *epochStatements) SelectEpoch(ctx context.Context, txn *sql.Tx) (epoch string, err error) {
	err = sqlutil.TxStmt(txn, s.selectEpochStmt).QueryRowContext(ctx).Scan(&epoch)
	return
}

func (s *epochStatements) UpsertEpoch(ctx context.Context, txn *sql.Tx, epoch string) error {
	_, err := sqlutil.TxStmt(txn, s.upsertEpochStmt).ExecContext(ctx, epoch, spec.AsTimestamp(time.Now()))
	return err
}
