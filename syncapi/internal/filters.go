// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/element-hq/synchrotron/internal/caching"
	"github.com/element-hq/synchrotron/syncapi/synctypes"
	"github.com/element-hq/synchrotron/syncapi/types"
)

// FilterDatabase persists filter definitions. GetFilter returns
// types.ErrUnknownFilter when the filter does not exist for the user.
type FilterDatabase interface {
	PutFilter(ctx context.Context, userID string, filter *synctypes.Filter) (string, error)
	GetFilter(ctx context.Context, userID, filterID string) (*synctypes.Filter, error)
}

// Filters stores filter definitions and resolves the filter parameter of
// sync requests into compiled filters.
type Filters struct {
	db     FilterDatabase
	caches *caching.Caches
}

// NewFilters creates a filter service.
func NewFilters(db FilterDatabase, caches *caching.Caches) *Filters {
	return &Filters{db: db, caches: caches}
}

// Put validates and stores a filter definition, returning its ID. Storing a
// definition identical to an existing one returns the existing ID.
func (f *Filters) Put(ctx context.Context, userID string, filter *synctypes.Filter) (string, error) {
	compiled, err := synctypes.Compile(*filter)
	if err != nil {
		return "", err
	}
	filterID, err := f.db.PutFilter(ctx, userID, filter)
	if err != nil {
		return "", fmt.Errorf("f.db.PutFilter: %w", err)
	}
	f.caches.StoreFilter(userID, filterID, compiled)
	return filterID, nil
}

// Get returns a stored filter definition.
func (f *Filters) Get(ctx context.Context, userID, filterID string) (*synctypes.Filter, error) {
	if compiled, ok := f.caches.GetFilter(userID, filterID); ok {
		def := compiled.Definition()
		return &def, nil
	}
	filter, err := f.db.GetFilter(ctx, userID, filterID)
	if err != nil {
		return nil, err
	}
	return filter, nil
}

// Resolve turns the filter query parameter of a sync request into a
// compiled filter. The parameter is either empty, a stored filter ID or an
// inline JSON filter definition.
func (f *Filters) Resolve(ctx context.Context, userID, param string) (*synctypes.CompiledFilter, error) {
	switch {
	case param == "":
		return synctypes.MustCompile(synctypes.DefaultFilter()), nil
	case strings.HasPrefix(param, "{"):
		raw := []byte(param)
		if compiled, ok := f.caches.GetInlineFilter(raw); ok {
			return compiled, nil
		}
		filter, err := synctypes.ParseFilter(raw)
		if err != nil {
			return nil, err
		}
		compiled, err := synctypes.Compile(*filter)
		if err != nil {
			return nil, err
		}
		f.caches.StoreInlineFilter(raw, compiled)
		return compiled, nil
	}

	if compiled, ok := f.caches.GetFilter(userID, param); ok {
		return compiled, nil
	}
	filter, err := f.db.GetFilter(ctx, userID, param)
	if err != nil {
		if !errors.Is(err, types.ErrUnknownFilter) {
			logrus.WithError(err).WithField("filter_id", param).Error("Failed to load filter")
		}
		return nil, err
	}
	compiled, err := synctypes.Compile(*filter)
	if err != nil {
		return nil, err
	}
	f.caches.StoreFilter(userID, param, compiled)
	return compiled, nil
}
