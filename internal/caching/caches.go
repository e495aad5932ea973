// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package caching

import (
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/patrickmn/go-cache"
	"github.com/zeebo/blake3"

	"github.com/element-hq/synchrotron/syncapi/synctypes"
)

const (
	DefaultFilterCacheTTL = 10 * time.Minute
	// inlineFilterCacheCost bounds the summed size of cached inline filter JSON.
	inlineFilterCacheCost = 4 * 1024 * 1024
)

// Caches holds the in-memory caches used by the sync API.
type Caches struct {
	Filters       *cache.Cache // "user_id\x00filter_id" -> *synctypes.CompiledFilter
	InlineFilters *ristretto.Cache // blake3(json) -> *synctypes.CompiledFilter
	inlineTTL     time.Duration
}

// NewCaches creates the caches. Entries expire after ttl of not being
// stored again; ttl <= 0 uses DefaultFilterCacheTTL.
func NewCaches(ttl time.Duration) *Caches {
	if ttl <= 0 {
		ttl = DefaultFilterCacheTTL
	}
	inline, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10 * inlineFilterCacheCost / 1024,
		MaxCost:     inlineFilterCacheCost,
		BufferItems: 64,
	})
	if err != nil {
		// Only returned for an invalid static config.
		panic(err)
	}
	return &Caches{
		Filters:       cache.New(ttl, ttl*2),
		InlineFilters: inline,
		inlineTTL:     ttl,
	}
}

// FilterCache caches compiled stored filters.
type FilterCache interface {
	GetFilter(userID, filterID string) (*synctypes.CompiledFilter, bool)
	StoreFilter(userID, filterID string, f *synctypes.CompiledFilter)
	EvictFilter(userID, filterID string)
}

// InlineFilterCache caches filters passed as JSON in the filter parameter,
// keyed by a digest of the raw JSON.
type InlineFilterCache interface {
	GetInlineFilter(raw []byte) (*synctypes.CompiledFilter, bool)
	StoreInlineFilter(raw []byte, f *synctypes.CompiledFilter)
}

func filterKey(userID, filterID string) string {
	return userID + "\x00" + filterID
}

func (c *Caches) GetFilter(userID, filterID string) (*synctypes.CompiledFilter, bool) {
	v, ok := c.Filters.Get(filterKey(userID, filterID))
	if !ok {
		return nil, false
	}
	return v.(*synctypes.CompiledFilter), true
}

func (c *Caches) StoreFilter(userID, filterID string, f *synctypes.CompiledFilter) {
	c.Filters.SetDefault(filterKey(userID, filterID), f)
}

func (c *Caches) EvictFilter(userID, filterID string) {
	c.Filters.Delete(filterKey(userID, filterID))
}

func inlineKey(raw []byte) string {
	sum := blake3.Sum256(raw)
	return string(sum[:])
}

func (c *Caches) GetInlineFilter(raw []byte) (*synctypes.CompiledFilter, bool) {
	v, ok := c.InlineFilters.Get(inlineKey(raw))
	if !ok {
		return nil, false
	}
	return v.(*synctypes.CompiledFilter), true
}

// StoreInlineFilter stores a compiled inline filter, costed by the size of
// its JSON. Once the cache is full the least useful entries are evicted.
func (c *Caches) StoreInlineFilter(raw []byte, f *synctypes.CompiledFilter) {
	if c.InlineFilters.SetWithTTL(inlineKey(raw), f, int64(len(raw)), c.inlineTTL) {
		c.InlineFilters.Wait()
	}
}
