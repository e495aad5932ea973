// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"context"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/element-hq/synchrotron/setup/config"
	"github.com/element-hq/synchrotron/userapi/api"
)

// StaticDeviceAPI answers device queries from the devices listed in the
// client API config. The table is fixed for the life of the process.
type StaticDeviceAPI struct {
	byToken map[string]*api.Device
	byUser  map[string][]string
}

// NewStaticDeviceAPI indexes the configured devices by access token and by user.
func NewStaticDeviceAPI(cfg *config.ClientAPI) (*StaticDeviceAPI, error) {
	a := &StaticDeviceAPI{
		byToken: make(map[string]*api.Device, len(cfg.StaticDevices)),
		byUser:  map[string][]string{},
	}
	for _, d := range cfg.StaticDevices {
		if _, ok := a.byToken[d.AccessToken]; ok {
			return nil, fmt.Errorf("device %q of %q reuses an access token", d.DeviceID, d.UserID)
		}
		a.byToken[d.AccessToken] = &api.Device{
			ID:          d.DeviceID,
			UserID:      d.UserID,
			AccessToken: d.AccessToken,
			DisplayName: d.DisplayName,
			AccountType: accountType(d.AccountType),
		}
		a.byUser[d.UserID] = append(a.byUser[d.UserID], d.DeviceID)
	}
	for _, ids := range a.byUser {
		sort.Strings(ids)
	}
	logrus.WithField("devices", len(a.byToken)).Info("Loaded static devices")
	return a, nil
}

func accountType(s string) api.AccountType {
	switch s {
	case "guest":
		return api.AccountTypeGuest
	case "admin":
		return api.AccountTypeAdmin
	case "appservice":
		return api.AccountTypeAppService
	default:
		return api.AccountTypeUser
	}
}

// QueryDevice implements api.DeviceDatabase.
func (a *StaticDeviceAPI) QueryDevice(_ context.Context, accessToken string) (*api.Device, error) {
	d, ok := a.byToken[accessToken]
	if !ok {
		return nil, api.ErrUnknownToken
	}
	dev := *d
	return &dev, nil
}

// QueryDeviceIDs implements api.DeviceLister. Unknown users have no devices.
func (a *StaticDeviceAPI) QueryDeviceIDs(_ context.Context, userID string) ([]string, error) {
	return append([]string(nil), a.byUser[userID]...), nil
}
