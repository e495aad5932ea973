// Copyright 2024 New Vector Ltd.
// Copyright 2017-2018 New Vector Ltd
// Copyright 2019-2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"context"
	"database/sql"

	"github.com/element-hq/synchrotron/internal"
	"github.com/element-hq/synchrotron/internal/sqlutil"
	"github.com/element-hq/synchrotron/syncapi/storage/tables"
	"github.com/element-hq/synchrotron/syncapi/userdata"
)

const accountDataSchema = `
CREATE TABLE IF NOT EXISTS syncapi_account_data (
	-- The account data stream position of the last change
	id BIGINT NOT NULL,
	user_id TEXT NOT NULL,
	-- Empty for global account data
	room_id TEXT NOT NULL,
	type TEXT NOT NULL,
	content TEXT NOT NULL,
	CONSTRAINT syncapi_account_data_unique UNIQUE (user_id, room_id, type)
);
`

const upsertAccountDataSQL = "" +
	"INSERT INTO syncapi_account_data (id, user_id, room_id, type, content) VALUES ($1, $2, $3, $4, $5)" +
	" ON CONFLICT (user_id, room_id, type) DO UPDATE SET id = EXCLUDED.id, content = EXCLUDED.content"

const selectAllAccountDataSQL = "" +
	"SELECT id, user_id, room_id, type, content FROM syncapi_account_data ORDER BY id ASC"

type accountDataStatements struct {
	upsertAccountDataStmt    *sql.Stmt
	selectAllAccountDataStmt *sql.Stmt
}

func NewPostgresAccountDataTable(db *sql.DB) (tables.AccountData, error) {
	_, err := db.Exec(accountDataSchema)
	if err != nil {
		return nil, err
	}
	s := &accountDataStatements{}
	return s, sqlutil.StatementList{
		{&s.upsertAccountDataStmt, upsertAccountDataSQL},
		{&s.selectAllAccountDataStmt, selectAllAccountDataSQL},
	}.Prepare(db)
}

func (s *accountDataStatements) UpsertAccountData(ctx context.Context, txn *sql.Tx, data *userdata.AccountData) error {
	_, err := sqlutil.TxStmt(txn, s.upsertAccountDataStmt).ExecContext(
		ctx, data.Rev, data.UserID, data.RoomID, data.Type, string(data.Content),
	)
	return err
}

func (s *accountDataStatements) SelectAllAccountData(ctx context.Context, txn *sql.Tx) ([]userdata.AccountData, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectAllAccountDataStmt).QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectAllAccountData: rows.close() failed")

	var result []userdata.AccountData
	for rows.Next() {
		var data userdata.AccountData
		var content string
		if err = rows.Scan(&data.Rev, &data.UserID, &data.RoomID, &data.Type, &content); err != nil {
			return nil, err
		}
		data.Content = []byte(content)
		result = append(result, data)
	}
	return result, rows.Err()
}
