// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/matrix-org/util"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/synchrotron/syncapi/synctypes"
	"github.com/element-hq/synchrotron/syncapi/types"
	userapi "github.com/element-hq/synchrotron/userapi/api"
)

// defaultEventsTimeout is the wait of an /events request without a timeout.
const defaultEventsTimeout = 30 * time.Second

func (rp *RequestPool) newSyncRequest(req *http.Request, device *userapi.Device) (*types.SyncRequest, error) {
	ctx := req.Context()
	query := req.URL.Query()

	timeout, err := parseTimeout(query.Get("timeout"), 0, rp.cfg.MaxTimeout())
	if err != nil {
		return nil, err
	}

	var since *types.StreamingToken
	if s := query.Get("since"); s != "" {
		tok, err := types.DecodeCursor(s, rp.epoch)
		if err != nil {
			return nil, err
		}
		since = &tok
	}

	var wantFullState bool
	switch fs := query.Get("full_state"); fs {
	case "", "false":
	case "true":
		wantFullState = true
	default:
		return nil, fmt.Errorf("%w: full_state must be true or false", types.ErrInvalidParam)
	}

	setPresence := query.Get("set_presence")
	if setPresence != "" && !synctypes.IsValidPresence(setPresence) {
		return nil, fmt.Errorf("%w: set_presence must be one of online, offline or unavailable", types.ErrInvalidParam)
	}

	filter, err := rp.filters.Resolve(ctx, device.UserID, query.Get("filter"))
	if err != nil {
		return nil, err
	}

	logger := util.GetLogger(ctx).WithFields(logrus.Fields{
		"user_id":   device.UserID,
		"device_id": device.ID,
		"since":     query.Get("since") != "",
		"timeout":   timeout,
	})
	return &types.SyncRequest{
		Context:       ctx,
		Log:           logger,
		Device:        device,
		Filter:        filter,
		Since:         since,
		Timeout:       timeout,
		WantFullState: wantFullState,
		SetPresence:   setPresence,
	}, nil
}

// parseTimeout parses a timeout in milliseconds, clamped to max.
func parseTimeout(s string, def, max time.Duration) (time.Duration, error) {
	if s == "" {
		return min(def, max), nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms < 0 {
		return 0, fmt.Errorf("%w: timeout must be a non-negative integer", types.ErrInvalidParam)
	}
	if ms > max.Milliseconds() {
		return max, nil
	}
	return time.Duration(ms) * time.Millisecond, nil
}
