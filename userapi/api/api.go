// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package api

import (
	"context"
	"errors"
)

// AccountType defines the type of an account.
type AccountType int

const (
	// AccountTypeUser indicates this is a user account
	AccountTypeUser AccountType = 1
	// AccountTypeGuest indicates this is a guest account
	AccountTypeGuest AccountType = 2
	// AccountTypeAdmin indicates this is an admin account
	AccountTypeAdmin AccountType = 3
	// AccountTypeAppService indicates this is an appservice account
	AccountTypeAppService AccountType = 4
)

// Device represents a client's device (mobile, web, etc)
type Device struct {
	ID     string
	UserID string
	// The access_token granted to this device.
	// This uniquely identifies the device from all other devices and clients.
	AccessToken string
	DisplayName string
	AccountType AccountType
}

// ErrUnknownToken is returned by QueryDevice when no device owns the access token.
var ErrUnknownToken = errors.New("unknown access token")

// DeviceDatabase resolves access tokens to devices.
type DeviceDatabase interface {
	QueryDevice(ctx context.Context, accessToken string) (*Device, error)
}

// DeviceLister lists the devices belonging to a local user. It is used to
// expand "*" recipients when sending to-device messages.
type DeviceLister interface {
	QueryDeviceIDs(ctx context.Context, userID string) ([]string, error)
}

// DeviceAPI is the device surface the user API exposes to other components.
type DeviceAPI interface {
	DeviceDatabase
	DeviceLister
}
