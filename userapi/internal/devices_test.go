// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/synchrotron/setup/config"
	"github.com/element-hq/synchrotron/userapi/api"
	"github.com/element-hq/synchrotron/userapi/internal"
)

func TestStaticDeviceAPI(t *testing.T) {
	ctx := context.Background()
	devices, err := internal.NewStaticDeviceAPI(&config.ClientAPI{
		StaticDevices: []config.StaticDevice{
			{UserID: "@alice:test", DeviceID: "PHONE", AccessToken: "a1"},
			{UserID: "@alice:test", DeviceID: "LAPTOP", AccessToken: "a2", AccountType: "admin"},
			{UserID: "@bob:test", DeviceID: "BOB", AccessToken: "b1", AccountType: "guest"},
		},
	})
	require.NoError(t, err)

	t.Run("query by token", func(t *testing.T) {
		dev, err := devices.QueryDevice(ctx, "a2")
		require.NoError(t, err)
		assert.Equal(t, &api.Device{
			ID:          "LAPTOP",
			UserID:      "@alice:test",
			AccessToken: "a2",
			AccountType: api.AccountTypeAdmin,
		}, dev)

		dev, err = devices.QueryDevice(ctx, "b1")
		require.NoError(t, err)
		assert.Equal(t, api.AccountTypeGuest, dev.AccountType)
	})

	t.Run("unknown token", func(t *testing.T) {
		_, err := devices.QueryDevice(ctx, "nope")
		assert.ErrorIs(t, err, api.ErrUnknownToken)
	})

	t.Run("returned device is a copy", func(t *testing.T) {
		dev, err := devices.QueryDevice(ctx, "a1")
		require.NoError(t, err)
		dev.UserID = "@mallory:test"
		dev, err = devices.QueryDevice(ctx, "a1")
		require.NoError(t, err)
		assert.Equal(t, "@alice:test", dev.UserID)
	})

	t.Run("list devices", func(t *testing.T) {
		ids, err := devices.QueryDeviceIDs(ctx, "@alice:test")
		require.NoError(t, err)
		assert.Equal(t, []string{"LAPTOP", "PHONE"}, ids)

		ids, err = devices.QueryDeviceIDs(ctx, "@nobody:test")
		require.NoError(t, err)
		assert.Empty(t, ids)
	})
}

func TestStaticDeviceAPIRejectsSharedToken(t *testing.T) {
	_, err := internal.NewStaticDeviceAPI(&config.ClientAPI{
		StaticDevices: []config.StaticDevice{
			{UserID: "@alice:test", DeviceID: "A", AccessToken: "same"},
			{UserID: "@bob:test", DeviceID: "B", AccessToken: "same"},
		},
	})
	assert.Error(t, err)
}
