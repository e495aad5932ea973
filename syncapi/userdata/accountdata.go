// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package userdata

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"go.uber.org/atomic"

	"github.com/element-hq/synchrotron/internal"
	"github.com/element-hq/synchrotron/syncapi/synctypes"
	"github.com/element-hq/synchrotron/syncapi/types"
)

// AccountData is the latest value of one account data type for a user,
// either global (RoomID == "") or scoped to a room.
type AccountData struct {
	UserID  string
	RoomID  string
	Type    string
	Content spec.RawJSON
	Rev     types.StreamPosition
}

// ClientEvent renders the account data as a client event.
func (a *AccountData) ClientEvent() synctypes.ClientEvent {
	return synctypes.ClientEvent{Type: a.Type, Content: a.Content}
}

// AccountDataJournal durably records account data changes.
type AccountDataJournal interface {
	StoreAccountData(ctx context.Context, data *AccountData) error
}

// AccountDataObserver is told when a user's account data changes.
type AccountDataObserver interface {
	OnNewAccountData(userID string, rev types.StreamPosition)
}

type accountDataObserverBox struct {
	AccountDataObserver
}

type accountDataKey struct {
	roomID, dataType string
}

// AccountDataStore keeps the latest account data per (user, room, type).
type AccountDataStore struct {
	journal  AccountDataJournal
	observer atomic.Pointer[accountDataObserverBox]
	latest   atomic.Int64

	writeMu sync.Mutex
	mu      sync.RWMutex
	byUser  map[string]map[accountDataKey]*AccountData
}

// NewAccountDataStore creates an empty store. A nil journal disables persistence.
func NewAccountDataStore(journal AccountDataJournal) *AccountDataStore {
	return &AccountDataStore{
		journal: journal,
		byUser:  map[string]map[accountDataKey]*AccountData{},
	}
}

// SetObserver installs the observer notified after each change.
func (s *AccountDataStore) SetObserver(o AccountDataObserver) {
	s.observer.Store(&accountDataObserverBox{o})
}

// Latest returns the highest account data revision.
func (s *AccountDataStore) Latest() types.StreamPosition {
	return types.StreamPosition(s.latest.Load())
}

// Put replaces the content of an account data type.
func (s *AccountDataStore) Put(ctx context.Context, userID, roomID, dataType string, content spec.RawJSON) (types.StreamPosition, error) {
	return s.Update(ctx, userID, roomID, dataType, func(spec.RawJSON) (spec.RawJSON, error) {
		return content, nil
	})
}

// Update applies fn to the current content (nil if unset) and stores the
// result. Updates are serialised, so fn sees the latest value.
func (s *AccountDataStore) Update(
	ctx context.Context, userID, roomID, dataType string,
	fn func(current spec.RawJSON) (spec.RawJSON, error),
) (types.StreamPosition, error) {
	s.writeMu.Lock()
	current, _ := s.Get(userID, roomID, dataType)
	content, err := fn(current.Content)
	if err != nil {
		s.writeMu.Unlock()
		return 0, err
	}
	if _, err = synctypes.ParseContent(dataType, content); err != nil {
		s.writeMu.Unlock()
		return 0, err
	}
	next := &AccountData{
		UserID:  userID,
		RoomID:  roomID,
		Type:    dataType,
		Content: content,
		Rev:     s.Latest() + 1,
	}
	if s.journal != nil {
		if err = internal.RetryOnce(ctx, func() error {
			return s.journal.StoreAccountData(ctx, next)
		}); err != nil {
			s.writeMu.Unlock()
			return 0, fmt.Errorf("journal: %w", err)
		}
	}
	s.set(next)
	s.latest.Store(int64(next.Rev))
	s.writeMu.Unlock()

	if o := s.observer.Load(); o != nil {
		o.OnNewAccountData(userID, next.Rev)
	}
	return next.Rev, nil
}

func (s *AccountDataStore) set(data *AccountData) {
	s.mu.Lock()
	defer s.mu.Unlock()
	forUser, ok := s.byUser[data.UserID]
	if !ok {
		forUser = map[accountDataKey]*AccountData{}
		s.byUser[data.UserID] = forUser
	}
	forUser[accountDataKey{data.RoomID, data.Type}] = data
}

// Restore re-applies journalled account data on startup.
func (s *AccountDataStore) Restore(data AccountData) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.set(&data)
	if int64(data.Rev) > s.latest.Load() {
		s.latest.Store(int64(data.Rev))
	}
}

// Get returns the current account data of the given type.
func (s *AccountDataStore) Get(userID, roomID, dataType string) (AccountData, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.byUser[userID][accountDataKey{roomID, dataType}]
	if !ok {
		return AccountData{}, false
	}
	return *data, true
}

// Since returns the user's account data changed with since < rev <= upTo,
// in ascending revision order.
func (s *AccountDataStore) Since(userID string, since, upTo types.StreamPosition) []AccountData {
	s.mu.RLock()
	var out []AccountData
	for _, data := range s.byUser[userID] {
		if data.Rev > since && data.Rev <= upTo {
			out = append(out, *data)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Rev < out[j].Rev })
	return out
}

// Tags returns the m.tag content of a room for the user.
func (s *AccountDataStore) Tags(userID, roomID string) (synctypes.TagContent, error) {
	data, _ := s.Get(userID, roomID, synctypes.MTag)
	return parseTags(data.Content)
}

// SetTag adds or replaces a room tag.
func (s *AccountDataStore) SetTag(ctx context.Context, userID, roomID, tag string, props synctypes.TagProperties) (types.StreamPosition, error) {
	return s.Update(ctx, userID, roomID, synctypes.MTag, func(current spec.RawJSON) (spec.RawJSON, error) {
		tags, err := parseTags(current)
		if err != nil {
			return nil, err
		}
		tags.Tags[tag] = props
		return json.Marshal(tags)
	})
}

// RemoveTag deletes a room tag. Removing a missing tag still bumps the
// revision so clients see a consistent tag list.
func (s *AccountDataStore) RemoveTag(ctx context.Context, userID, roomID, tag string) (types.StreamPosition, error) {
	return s.Update(ctx, userID, roomID, synctypes.MTag, func(current spec.RawJSON) (spec.RawJSON, error) {
		tags, err := parseTags(current)
		if err != nil {
			return nil, err
		}
		delete(tags.Tags, tag)
		return json.Marshal(tags)
	})
}

func parseTags(raw spec.RawJSON) (synctypes.TagContent, error) {
	if len(raw) == 0 {
		return synctypes.TagContent{Tags: map[string]synctypes.TagProperties{}}, nil
	}
	c, err := synctypes.ParseContent(synctypes.MTag, raw)
	if err != nil {
		return synctypes.TagContent{}, err
	}
	tags := c.(synctypes.TagContent)
	if tags.Tags == nil {
		tags.Tags = map[string]synctypes.TagProperties{}
	}
	return tags, nil
}

func mustJSON(v any) spec.RawJSON {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
