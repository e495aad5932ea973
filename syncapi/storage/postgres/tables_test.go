// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/synchrotron/syncapi/storage/tables"
	"github.com/element-hq/synchrotron/syncapi/synctypes"
	"github.com/element-hq/synchrotron/syncapi/types"
)

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})
	return db, mock
}

func expectFilterTable(mock sqlmock.Sqlmock) {
	mock.ExpectExec(filterSchema).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectPrepare(selectFilterSQL)
	mock.ExpectPrepare(selectFilterIDByContentSQL)
	mock.ExpectPrepare(insertFilterSQL)
}

func TestInsertFilterReusesIdenticalFilter(t *testing.T) {
	db, mock := newMock(t)
	expectFilterTable(mock)
	mock.ExpectQuery(selectFilterIDByContentSQL).
		WithArgs("@alice:test", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(3))

	table, err := NewPostgresFilterTable(db)
	require.NoError(t, err)

	filter := synctypes.DefaultFilter()
	filterID, err := table.InsertFilter(context.Background(), nil, &filter, "@alice:test")
	require.NoError(t, err)
	assert.Equal(t, "3", filterID)
}

func TestInsertFilterReturnsNewID(t *testing.T) {
	db, mock := newMock(t)
	expectFilterTable(mock)
	mock.ExpectQuery(selectFilterIDByContentSQL).
		WithArgs("@alice:test", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(insertFilterSQL).
		WithArgs(sqlmock.AnyArg(), "@alice:test").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))

	table, err := NewPostgresFilterTable(db)
	require.NoError(t, err)

	filter := synctypes.DefaultFilter()
	filterID, err := table.InsertFilter(context.Background(), nil, &filter, "@alice:test")
	require.NoError(t, err)
	assert.Equal(t, "7", filterID)
}

func TestSelectFilterNotFound(t *testing.T) {
	db, mock := newMock(t)
	expectFilterTable(mock)
	mock.ExpectQuery(selectFilterSQL).
		WithArgs("@alice:test", 12).
		WillReturnRows(sqlmock.NewRows([]string{"filter"}))

	table, err := NewPostgresFilterTable(db)
	require.NoError(t, err)

	var filter synctypes.Filter
	err = table.SelectFilter(context.Background(), nil, &filter, "@alice:test", 12)
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestStreamIDs(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectExec(streamIDTableSchema).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectPrepare(selectStreamIDStmt)
	mock.ExpectPrepare(advanceStreamIDStmt)
	mock.ExpectQuery(selectStreamIDStmt).
		WithArgs(tables.SendToDeviceStream).
		WillReturnRows(sqlmock.NewRows([]string{"stream_id"}))
	mock.ExpectExec(advanceStreamIDStmt).
		WithArgs(tables.SendToDeviceStream, 5).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(selectStreamIDStmt).
		WithArgs(tables.SendToDeviceStream).
		WillReturnRows(sqlmock.NewRows([]string{"stream_id"}).AddRow(5))

	table, err := NewPostgresStreamIDTable(db)
	require.NoError(t, err)
	ctx := context.Background()

	pos, err := table.SelectStreamID(ctx, nil, tables.SendToDeviceStream)
	require.NoError(t, err)
	assert.Equal(t, types.StreamPosition(0), pos, "a missing stream starts at zero")

	require.NoError(t, table.AdvanceStreamID(ctx, nil, tables.SendToDeviceStream, 5))

	pos, err = table.SelectStreamID(ctx, nil, tables.SendToDeviceStream)
	require.NoError(t, err)
	assert.Equal(t, types.StreamPosition(5), pos)
}

func TestEpochMissing(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectExec(epochSchema).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectPrepare(selectEpochSQL)
	mock.ExpectPrepare(upsertEpochSQL)
	mock.ExpectQuery(selectEpochSQL).WillReturnRows(sqlmock.NewRows([]string{"epoch"}))
	mock.ExpectExec(upsertEpochSQL).
		WithArgs("3f0b", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	table, err := NewPostgresEpochTable(db)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = table.SelectEpoch(ctx, nil)
	assert.ErrorIs(t, err, sql.ErrNoRows)
	assert.NoError(t, table.UpsertEpoch(ctx, nil, "3f0b"))
}
