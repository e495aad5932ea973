// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import (
	"errors"

	"github.com/element-hq/synchrotron/syncapi/synctypes"
)

var (
	// ErrMalformedCursor is returned when a since/from token cannot be decoded.
	ErrMalformedCursor = errors.New("malformed cursor")
	// ErrStaleCursor is returned when a token was produced by a different store
	// epoch. Clients must restart with an initial sync.
	ErrStaleCursor = errors.New("stale cursor")
	// ErrInvalidParam is returned for query parameters with invalid values.
	ErrInvalidParam = errors.New("invalid parameter")
	// ErrBadPagination is returned for malformed from/limit parameters.
	ErrBadPagination = errors.New("bad pagination")
	// ErrUnknownFilter is returned when a filter ID does not exist for the user.
	ErrUnknownFilter = errors.New("unknown filter")
	// ErrUnknownEvent is returned when an event ID does not exist in the room.
	ErrUnknownEvent = errors.New("unknown event")
	// ErrForbidden is returned when the user may not see the room.
	ErrForbidden = errors.New("forbidden")
	// ErrInvalidFilter is returned when a filter definition fails validation.
	ErrInvalidFilter = synctypes.ErrInvalidFilter
)
