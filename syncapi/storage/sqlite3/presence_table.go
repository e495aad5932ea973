// Copyright 2024 New Vector Ltd.
// Copyright 2021 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"

	"github.com/element-hq/synchrotron/internal"
	"github.com/element-hq/synchrotron/internal/sqlutil"
	"github.com/element-hq/synchrotron/syncapi/storage/tables"
	"github.com/element-hq/synchrotron/syncapi/userdata"
)

const presenceSchema = `
-- Stores the last known presence of each user.
CREATE TABLE IF NOT EXISTS syncapi_presence (
	-- The Matrix user ID
	user_id TEXT NOT NULL PRIMARY KEY,
	-- The actual presence
	presence TEXT NOT NULL,
	-- The status message
	status_msg TEXT,
	-- The last time an action was received by this user
	last_active_ts BIGINT NOT NULL,
	-- The presence stream position of the last change
	id BIGINT NOT NULL
);
`

const upsertPresenceSQL = "" +
	"INSERT INTO syncapi_presence (user_id, presence, status_msg, last_active_ts, id)" +
	" VALUES ($1, $2, $3, $4, $5)" +
	" ON CONFLICT (user_id) DO UPDATE SET" +
	" presence = excluded.presence, status_msg = excluded.status_msg," +
	" last_active_ts = excluded.last_active_ts, id = excluded.id"

const selectAllPresenceSQL = "" +
	"SELECT user_id, presence, status_msg, last_active_ts, id FROM syncapi_presence ORDER BY id ASC"

type presenceStatements struct {
	upsertPresenceStmt    *sql.Stmt
	selectAllPresenceStmt *sql.Stmt
}

func NewSqlitePresenceTable(db *sql.DB) (tables.Presence, error) {
	_, err := db.Exec(presenceSchema)
	if err != nil {
		return nil, err
	}
	s := &presenceStatements{}
	return s, sqlutil.StatementList{
		{&s.upsertPresenceStmt, upsertPresenceSQL},
		{&s.selectAllPresenceStmt, selectAllPresenceSQL},
	}.Prepare(db)
}

func (s *presenceStatements) UpsertPresence(ctx context.Context, txn *sql.Tx, p *userdata.Presence) error {
	_, err := sqlutil.TxStmt(txn, s.upsertPresenceStmt).ExecContext(
		ctx, p.UserID, p.Presence, p.StatusMsg, p.LastActiveTS, p.Rev,
	)
	return err
}

func (s *presenceStatements) SelectAllPresence(ctx context.Context, txn *sql.Tx) ([]userdata.Presence, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectAllPresenceStmt).QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectAllPresence: rows.close() failed")

	var result []userdata.Presence
	for rows.Next() {
		var p userdata.Presence
		var statusMsg sql.NullString
		if err = rows.Scan(&p.UserID, &p.Presence, &statusMsg, &p.LastActiveTS, &p.Rev); err != nil {
			return nil, err
		}
		if statusMsg.Valid {
			p.StatusMsg = &statusMsg.String
		}
		result = append(result, p)
	}
	return result, rows.Err()
}
