// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"
	"errors"

	"github.com/element-hq/synchrotron/internal/sqlutil"
	"github.com/element-hq/synchrotron/syncapi/storage/tables"
	"github.com/element-hq/synchrotron/syncapi/types"
)

const streamIDTableSchema = `
-- High-water marks of streams whose rows are deleted once delivered.
CREATE TABLE IF NOT EXISTS syncapi_stream_id (
	stream_name TEXT NOT NULL PRIMARY KEY,
	stream_id INTEGER NOT NULL DEFAULT 0
);
`

const selectStreamIDStmt = "" +
	"SELECT stream_id FROM syncapi_stream_id WHERE stream_name = $1"

const advanceStreamIDStmt = "" +
	"INSERT INTO syncapi_stream_id (stream_name, stream_id) VALUES ($1, $2)" +
	" ON CONFLICT (stream_name) DO UPDATE SET stream_id = MAX(syncapi_stream_id.stream_id, excluded.stream_id)"

type streamIDStatements struct {
	selectStreamIDStmt  *sql.Stmt
	advanceStreamIDStmt *sql.Stmt
}

func NewSqliteStreamIDTable(db *sql.DB) (tables.StreamID, error) {
	_, err := db.Exec(streamIDTableSchema)
	if err != nil {
		return nil, err
	}
	s := &streamIDStatements{}
	return s, sqlutil.StatementList{
		{&s.selectStreamIDStmt, selectStreamIDStmt},
		{&s.advanceStreamIDStmt, advanceStreamIDStmt},
	}.Prepare(db)
}

func (s *streamIDStatements) SelectStreamID(ctx context.Context, txn *sql.Tx, streamName string) (pos types.StreamPosition, err error) {
	err = sqlutil.TxStmt(txn, s.selectStreamIDStmt).QueryRowContext(ctx, streamName).Scan(&pos)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return
}

func (s *streamIDStatements) AdvanceStreamID(ctx context.Context, txn *sql.Tx, streamName string, pos types.StreamPosition) error {
	_, err := sqlutil.TxStmt(txn, s.advanceStreamIDStmt).ExecContext(ctx, streamName, pos)
	return err
}
