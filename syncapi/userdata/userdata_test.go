// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package userdata

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/synchrotron/syncapi/synctypes"
	"github.com/element-hq/synchrotron/syncapi/types"
)

const (
	alice = "@alice:test"
	bob   = "@bob:test"
	room  = "!room:test"
)

type journal struct {
	mu       sync.Mutex
	presence []Presence
	data     []AccountData
	fail     bool
}

func (j *journal) StorePresence(_ context.Context, p *Presence) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.fail {
		return errors.New("journal down")
	}
	j.presence = append(j.presence, *p)
	return nil
}

func (j *journal) StoreAccountData(_ context.Context, d *AccountData) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.fail {
		return errors.New("journal down")
	}
	j.data = append(j.data, *d)
	return nil
}

type recorder struct {
	mu    sync.Mutex
	users []string
}

func (r *recorder) OnNewPresence(userID string, _ types.StreamPosition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users = append(r.users, userID)
}

func (r *recorder) OnNewAccountData(userID string, _ types.StreamPosition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users = append(r.users, userID)
}

func TestPresenceOnlyBumpsOnChange(t *testing.T) {
	ctx := context.Background()
	j := &journal{}
	s := NewPresenceStore(j)
	r := &recorder{}
	s.SetObserver(r)

	rev, changed, err := s.SetPresence(ctx, alice, synctypes.PresenceOnline, nil, 1000)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, types.StreamPosition(1), rev)

	rev, changed, err = s.SetPresence(ctx, alice, synctypes.PresenceOnline, nil, 2000)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, types.StreamPosition(1), rev)
	p, ok := s.Get(alice)
	require.True(t, ok)
	assert.Equal(t, spec.Timestamp(2000), p.LastActiveTS)

	msg := "lunch"
	rev, changed, err = s.SetPresence(ctx, alice, synctypes.PresenceOnline, &msg, 3000)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, types.StreamPosition(2), rev)

	assert.Len(t, j.presence, 2)
	assert.Equal(t, []string{alice, alice}, r.users)
}

func TestPresenceRejectsUnknownState(t *testing.T) {
	s := NewPresenceStore(nil)
	_, _, err := s.SetPresence(context.Background(), alice, "busy", nil, 0)
	assert.ErrorIs(t, err, synctypes.ErrInvalidContent)
	assert.Equal(t, types.StreamPosition(0), s.Latest())
}

func TestPresenceJournalFailureLeavesStateUntouched(t *testing.T) {
	s := NewPresenceStore(&journal{fail: true})
	_, _, err := s.SetPresence(context.Background(), alice, synctypes.PresenceOnline, nil, 0)
	require.Error(t, err)
	_, ok := s.Get(alice)
	assert.False(t, ok)
	assert.Equal(t, types.StreamPosition(0), s.Latest())
}

func TestPresenceSince(t *testing.T) {
	ctx := context.Background()
	s := NewPresenceStore(nil)
	_, _, err := s.SetPresence(ctx, alice, synctypes.PresenceOnline, nil, 0)
	require.NoError(t, err)
	_, _, err = s.SetPresence(ctx, bob, synctypes.PresenceUnavailable, nil, 0)
	require.NoError(t, err)
	_, _, err = s.SetPresence(ctx, "@carol:test", synctypes.PresenceOnline, nil, 0)
	require.NoError(t, err)

	users := map[string]struct{}{alice: {}, bob: {}}
	got := s.Since(users, 0, s.Latest())
	require.Len(t, got, 2)
	assert.Equal(t, alice, got[0].UserID)
	assert.Equal(t, bob, got[1].UserID)

	assert.Len(t, s.Since(users, 1, s.Latest()), 1)
	assert.Empty(t, s.Since(users, 0, 0))
}

func TestPresenceClientEvent(t *testing.T) {
	now := time.UnixMilli(10_000)
	msg := "away"
	p := Presence{UserID: alice, Presence: synctypes.PresenceOnline, StatusMsg: &msg, LastActiveTS: 4000}
	ev := p.ClientEvent(now)
	assert.Equal(t, synctypes.MPresence, ev.Type)
	assert.Equal(t, alice, ev.Sender)

	var content map[string]any
	require.NoError(t, json.Unmarshal(ev.Content, &content))
	assert.Equal(t, "online", content["presence"])
	assert.Equal(t, "away", content["status_msg"])
	assert.Equal(t, true, content["currently_active"])
	assert.EqualValues(t, 6000, content["last_active_ago"])
}

func TestPresenceRestore(t *testing.T) {
	s := NewPresenceStore(nil)
	s.Restore(Presence{UserID: alice, Presence: synctypes.PresenceOffline, Rev: 5})
	assert.Equal(t, types.StreamPosition(5), s.Latest())
	rev, changed, err := s.SetPresence(context.Background(), alice, synctypes.PresenceOnline, nil, 0)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, types.StreamPosition(6), rev)
}

func TestAccountDataPutAndSince(t *testing.T) {
	ctx := context.Background()
	j := &journal{}
	s := NewAccountDataStore(j)
	r := &recorder{}
	s.SetObserver(r)

	rev1, err := s.Put(ctx, alice, "", "m.push_rules", spec.RawJSON(`{"a":1}`))
	require.NoError(t, err)
	rev2, err := s.Put(ctx, alice, room, "m.fully_read", spec.RawJSON(`{"event_id":"$e"}`))
	require.NoError(t, err)
	rev3, err := s.Put(ctx, alice, "", "m.push_rules", spec.RawJSON(`{"a":2}`))
	require.NoError(t, err)
	assert.Equal(t, []types.StreamPosition{1, 2, 3}, []types.StreamPosition{rev1, rev2, rev3})

	got := s.Since(alice, 0, s.Latest())
	require.Len(t, got, 2, "only the latest value per type is kept")
	assert.Equal(t, room, got[0].RoomID)
	assert.JSONEq(t, `{"a":2}`, string(got[1].Content))

	assert.Len(t, s.Since(alice, 2, s.Latest()), 1)
	assert.Empty(t, s.Since(bob, 0, s.Latest()))
	assert.Len(t, j.data, 3)
	assert.Len(t, r.users, 3)
}

func TestAccountDataRejectsNonObject(t *testing.T) {
	s := NewAccountDataStore(nil)
	_, err := s.Put(context.Background(), alice, "", "m.custom", spec.RawJSON(`[1,2]`))
	assert.ErrorIs(t, err, synctypes.ErrInvalidContent)
	assert.Equal(t, types.StreamPosition(0), s.Latest())
}

func TestTags(t *testing.T) {
	ctx := context.Background()
	s := NewAccountDataStore(nil)

	tags, err := s.Tags(alice, room)
	require.NoError(t, err)
	assert.Empty(t, tags.Tags)

	order := 0.5
	_, err = s.SetTag(ctx, alice, room, "m.favourite", synctypes.TagProperties{Order: &order})
	require.NoError(t, err)
	_, err = s.SetTag(ctx, alice, room, "u.work", synctypes.TagProperties{})
	require.NoError(t, err)

	tags, err = s.Tags(alice, room)
	require.NoError(t, err)
	require.Len(t, tags.Tags, 2)
	assert.Equal(t, 0.5, *tags.Tags["m.favourite"].Order)

	_, err = s.RemoveTag(ctx, alice, room, "m.favourite")
	require.NoError(t, err)
	tags, err = s.Tags(alice, room)
	require.NoError(t, err)
	assert.Len(t, tags.Tags, 1)
	assert.Contains(t, tags.Tags, "u.work")

	// removing a tag that is not there still succeeds
	rev, err := s.RemoveTag(ctx, alice, room, "m.lowpriority")
	require.NoError(t, err)
	assert.Equal(t, s.Latest(), rev)
}

func TestConcurrentTagUpdatesAreNotLost(t *testing.T) {
	ctx := context.Background()
	s := NewAccountDataStore(nil)
	var wg sync.WaitGroup
	for _, tag := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		wg.Add(1)
		go func(tag string) {
			defer wg.Done()
			_, err := s.SetTag(ctx, alice, room, "u."+tag, synctypes.TagProperties{})
			assert.NoError(t, err)
		}(tag)
	}
	wg.Wait()
	tags, err := s.Tags(alice, room)
	require.NoError(t, err)
	assert.Len(t, tags.Tags, 8)
	assert.Equal(t, types.StreamPosition(8), s.Latest())
}
