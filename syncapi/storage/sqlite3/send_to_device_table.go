// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"

	"github.com/element-hq/synchrotron/internal"
	"github.com/element-hq/synchrotron/internal/sqlutil"
	"github.com/element-hq/synchrotron/syncapi/mailbox"
	"github.com/element-hq/synchrotron/syncapi/storage/sqlite3/deltas"
	"github.com/element-hq/synchrotron/syncapi/storage/tables"
	"github.com/element-hq/synchrotron/syncapi/types"
)

const sendToDeviceSchema = `
-- Stores send-to-device messages until the recipient device acknowledges them.
CREATE TABLE IF NOT EXISTS syncapi_send_to_device (
	-- The mailbox revision of the message
	id INTEGER PRIMARY KEY,
	-- The user ID to send the message to.
	user_id TEXT NOT NULL,
	-- The device ID to send the message to.
	device_id TEXT NOT NULL,
	sender TEXT NOT NULL,
	txn_id TEXT NOT NULL,
	type TEXT NOT NULL,
	-- The event content JSON.
	content TEXT NOT NULL
);
`

const insertSendToDeviceMessageSQL = "" +
	"INSERT INTO syncapi_send_to_device (id, user_id, device_id, sender, txn_id, type, content)" +
	" VALUES ($1, $2, $3, $4, $5, $6, $7)"

const deleteSendToDeviceMessagesSQL = "" +
	"DELETE FROM syncapi_send_to_device WHERE user_id = $1 AND device_id = $2 AND id <= $3"

const selectSendToDeviceMessagesSQL = "" +
	"SELECT id, user_id, device_id, sender, txn_id, type, content" +
	" FROM syncapi_send_to_device ORDER BY id ASC"

type sendToDeviceStatements struct {
	insertSendToDeviceMessageStmt  *sql.Stmt
	deleteSendToDeviceMessagesStmt *sql.Stmt
	selectSendToDeviceMessagesStmt *sql.Stmt
}

func NewSqliteSendToDeviceTable(db *sql.DB) (tables.SendToDevice, error) {
	s := &sendToDeviceStatements{}
	_, err := db.Exec(sendToDeviceSchema)
	if err != nil {
		return nil, err
	}
	m := sqlutil.NewMigrator(db)
	m.AddMigrations(sqlutil.Migration{
		Version: "syncapi: add send_to_device recipient index",
		Up:      deltas.UpSendToDeviceRecipientIndex,
	})
	if err = m.Up(context.Background()); err != nil {
		return nil, err
	}
	return s, sqlutil.StatementList{
		{&s.insertSendToDeviceMessageStmt, insertSendToDeviceMessageSQL},
		{&s.deleteSendToDeviceMessagesStmt, deleteSendToDeviceMessagesSQL},
		{&s.selectSendToDeviceMessagesStmt, selectSendToDeviceMessagesSQL},
	}.Prepare(db)
}

func (s *sendToDeviceStatements) InsertSendToDeviceMessage(
	ctx context.Context, txn *sql.Tx, entry *mailbox.Entry,
) error {
	_, err := sqlutil.TxStmt(txn, s.insertSendToDeviceMessageStmt).ExecContext(
		ctx, entry.Rev, entry.RecipientUser, entry.RecipientDevice,
		entry.Sender, entry.TxnID, entry.Type, string(entry.Content),
	)
	return err
}

func (s *sendToDeviceStatements) DeleteSendToDeviceMessages(
	ctx context.Context, txn *sql.Tx, userID, deviceID string, upTo types.StreamPosition,
) error {
	_, err := sqlutil.TxStmt(txn, s.deleteSendToDeviceMessagesStmt).ExecContext(ctx, userID, deviceID, upTo)
	return err
}

func (s *sendToDeviceStatements) SelectSendToDeviceMessages(ctx context.Context, txn *sql.Tx) ([]mailbox.Entry, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectSendToDeviceMessagesStmt).QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectSendToDeviceMessages: rows.close() failed")

	var entries []mailbox.Entry
	for rows.Next() {
		var entry mailbox.Entry
		var content string
		if err = rows.Scan(
			&entry.Rev, &entry.RecipientUser, &entry.RecipientDevice,
			&entry.Sender, &entry.TxnID, &entry.Type, &content,
		); err != nil {
			return nil, err
		}
		entry.Content = []byte(content)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
