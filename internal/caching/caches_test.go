// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package caching

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/synchrotron/syncapi/synctypes"
)

func TestFilterCache_StoreAndRetrieve(t *testing.T) {
	t.Parallel()

	c := NewCaches(time.Minute)
	f := synctypes.MustCompile(synctypes.DefaultFilter())

	_, ok := c.GetFilter("@alice:test", "1")
	assert.False(t, ok)

	c.StoreFilter("@alice:test", "1", f)
	got, ok := c.GetFilter("@alice:test", "1")
	require.True(t, ok)
	assert.Same(t, f, got)

	_, ok = c.GetFilter("@bob:test", "1")
	assert.False(t, ok, "filters are scoped to their owner")

	c.EvictFilter("@alice:test", "1")
	_, ok = c.GetFilter("@alice:test", "1")
	assert.False(t, ok)
}

func TestFilterCache_Expires(t *testing.T) {
	t.Parallel()

	c := NewCaches(10 * time.Millisecond)
	c.StoreFilter("@alice:test", "1", synctypes.MustCompile(synctypes.DefaultFilter()))
	time.Sleep(30 * time.Millisecond)
	_, ok := c.GetFilter("@alice:test", "1")
	assert.False(t, ok)
}

func TestInlineFilterCache_KeyedByContent(t *testing.T) {
	t.Parallel()

	c := NewCaches(0)
	f := synctypes.MustCompile(synctypes.DefaultFilter())
	c.StoreInlineFilter([]byte(`{"room":{"rooms":["!a:test"]}}`), f)

	got, ok := c.GetInlineFilter([]byte(`{"room":{"rooms":["!a:test"]}}`))
	require.True(t, ok)
	assert.Same(t, f, got)

	_, ok = c.GetInlineFilter([]byte(`{"room":{"rooms":["!b:test"]}}`))
	assert.False(t, ok)
}

func TestInlineFilterCache_Expires(t *testing.T) {
	t.Parallel()

	c := NewCaches(10 * time.Millisecond)
	raw := []byte(`{"presence":{"types":[]}}`)
	c.StoreInlineFilter(raw, synctypes.MustCompile(synctypes.DefaultFilter()))
	time.Sleep(30 * time.Millisecond)
	_, ok := c.GetInlineFilter(raw)
	assert.False(t, ok)
}
