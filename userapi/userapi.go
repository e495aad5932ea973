// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package userapi

import (
	"github.com/element-hq/synchrotron/setup/config"
	"github.com/element-hq/synchrotron/userapi/api"
	"github.com/element-hq/synchrotron/userapi/internal"
)

// NewInternalAPI returns a concrete implementation of the device API for
// the devices configured in the client API section.
func NewInternalAPI(cfg *config.ClientAPI) (api.DeviceAPI, error) {
	devices, err := internal.NewStaticDeviceAPI(cfg)
	if err != nil {
		return nil, err
	}
	return devices, nil
}
