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
	"encoding/json"
	"fmt"

	"github.com/element-hq/synchrotron/internal"
	"github.com/element-hq/synchrotron/internal/sqlutil"
	"github.com/element-hq/synchrotron/syncapi/storage/tables"
	"github.com/element-hq/synchrotron/syncapi/synctypes"
	"github.com/element-hq/synchrotron/syncapi/types"
)

const outputRoomEventsSchema = `
-- Stores output room events received from the roomserver.
CREATE TABLE IF NOT EXISTS syncapi_output_room_events (
	room_id TEXT NOT NULL,
	-- The position of the event in its room timeline, starting at 1
	seq BIGINT NOT NULL,
	event_id TEXT NOT NULL,
	type TEXT NOT NULL,
	-- The client event JSON, replaced with the pruned event on redaction
	event_json TEXT NOT NULL,
	PRIMARY KEY (room_id, seq)
);
CREATE UNIQUE INDEX IF NOT EXISTS syncapi_output_room_events_event_id_idx ON syncapi_output_room_events(event_id);
`

const insertEventSQL = "" +
	"INSERT INTO syncapi_output_room_events (room_id, seq, event_id, type, event_json)" +
	" VALUES ($1, $2, $3, $4, $5)"

const updateEventJSONSQL = "" +
	"UPDATE syncapi_output_room_events SET event_json = $1 WHERE room_id = $2 AND seq = $3"

const selectEventsSQL = "" +
	"SELECT seq, event_json FROM syncapi_output_room_events ORDER BY room_id ASC, seq ASC"

type outputRoomEventsStatements struct {
	insertEventStmt     *sql.Stmt
	updateEventJSONStmt *sql.Stmt
	selectEventsStmt    *sql.Stmt
}

func NewPostgresEventsTable(db *sql.DB) (tables.OutputRoomEvents, error) {
	_, err := db.Exec(outputRoomEventsSchema)
	if err != nil {
		return nil, err
	}
	s := &outputRoomEventsStatements{}
	return s, sqlutil.StatementList{
		{&s.insertEventStmt, insertEventSQL},
		{&s.updateEventJSONStmt, updateEventJSONSQL},
		{&s.selectEventsStmt, selectEventsSQL},
	}.Prepare(db)
}

func (s *outputRoomEventsStatements) InsertEvent(
	ctx context.Context, txn *sql.Tx, seq types.StreamPosition, ev *synctypes.ClientEvent,
) error {
	eventJSON, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = sqlutil.TxStmt(txn, s.insertEventStmt).ExecContext(ctx, ev.RoomID, seq, ev.EventID, ev.Type, string(eventJSON))
	return err
}

func (s *outputRoomEventsStatements) UpdateEvent(
	ctx context.Context, txn *sql.Tx, seq types.StreamPosition, ev *synctypes.ClientEvent,
) error {
	eventJSON, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = sqlutil.TxStmt(txn, s.updateEventJSONStmt).ExecContext(ctx, string(eventJSON), ev.RoomID, seq)
	return err
}

func (s *outputRoomEventsStatements) SelectEvents(ctx context.Context, txn *sql.Tx) ([]tables.RoomEvent, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectEventsStmt).QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectEvents: rows.close() failed")

	var result []tables.RoomEvent
	for rows.Next() {
		var seq types.StreamPosition
		var eventJSON []byte
		if err = rows.Scan(&seq, &eventJSON); err != nil {
			return nil, err
		}
		var ev synctypes.ClientEvent
		if err = json.Unmarshal(eventJSON, &ev); err != nil {
			return nil, fmt.Errorf("event at seq %d: %w", seq, err)
		}
		result = append(result, tables.RoomEvent{Seq: seq, Event: &ev})
	}
	return result, rows.Err()
}
