// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package userdata

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"go.uber.org/atomic"

	"github.com/element-hq/synchrotron/internal"
	"github.com/element-hq/synchrotron/syncapi/synctypes"
	"github.com/element-hq/synchrotron/syncapi/types"
)

// Presence is the last known presence of a user.
type Presence struct {
	UserID       string
	Presence     string
	StatusMsg    *string
	LastActiveTS spec.Timestamp
	Rev          types.StreamPosition
}

// ClientEvent renders the presence as an m.presence event.
func (p *Presence) ClientEvent(now time.Time) synctypes.ClientEvent {
	content := map[string]any{
		"presence":         p.Presence,
		"currently_active": p.Presence == synctypes.PresenceOnline,
	}
	if p.StatusMsg != nil {
		content["status_msg"] = *p.StatusMsg
	}
	if p.LastActiveTS > 0 {
		ago := now.Sub(p.LastActiveTS.Time()).Milliseconds()
		if ago < 0 {
			ago = 0
		}
		content["last_active_ago"] = ago
	}
	return synctypes.ClientEvent{
		Type:    synctypes.MPresence,
		Sender:  p.UserID,
		Content: mustJSON(content),
	}
}

func statusEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// PresenceJournal durably records presence changes.
type PresenceJournal interface {
	StorePresence(ctx context.Context, p *Presence) error
}

// PresenceObserver is told when a user's presence changes.
type PresenceObserver interface {
	OnNewPresence(userID string, rev types.StreamPosition)
}

type presenceObserverBox struct {
	PresenceObserver
}

// PresenceStore keeps the latest presence of every user. The presence
// revision only moves when a user's presence or status message changes.
type PresenceStore struct {
	journal  PresenceJournal
	observer atomic.Pointer[presenceObserverBox]
	latest   atomic.Int64

	writeMu sync.Mutex
	mu      sync.RWMutex
	byUser  map[string]*Presence
}

// NewPresenceStore creates an empty store. A nil journal disables persistence.
func NewPresenceStore(journal PresenceJournal) *PresenceStore {
	return &PresenceStore{
		journal: journal,
		byUser:  map[string]*Presence{},
	}
}

// SetObserver installs the observer notified after each change.
func (s *PresenceStore) SetObserver(o PresenceObserver) {
	s.observer.Store(&presenceObserverBox{o})
}

// Latest returns the highest presence revision.
func (s *PresenceStore) Latest() types.StreamPosition {
	return types.StreamPosition(s.latest.Load())
}

// SetPresence records the presence of a user. It returns the new revision
// and whether anything visible changed; last_active_ts is always refreshed.
func (s *PresenceStore) SetPresence(ctx context.Context, userID, presence string, statusMsg *string, lastActive spec.Timestamp) (types.StreamPosition, bool, error) {
	if !synctypes.IsValidPresence(presence) {
		return 0, false, fmt.Errorf("%w: presence %q", synctypes.ErrInvalidContent, presence)
	}
	s.writeMu.Lock()
	s.mu.RLock()
	prev, ok := s.byUser[userID]
	s.mu.RUnlock()

	if ok && prev.Presence == presence && statusEqual(prev.StatusMsg, statusMsg) {
		s.mu.Lock()
		if lastActive > prev.LastActiveTS {
			updated := *prev
			updated.LastActiveTS = lastActive
			s.byUser[userID] = &updated
		}
		s.mu.Unlock()
		s.writeMu.Unlock()
		return prev.Rev, false, nil
	}

	next := &Presence{
		UserID:       userID,
		Presence:     presence,
		StatusMsg:    statusMsg,
		LastActiveTS: lastActive,
		Rev:          s.Latest() + 1,
	}
	if s.journal != nil {
		if err := internal.RetryOnce(ctx, func() error {
			return s.journal.StorePresence(ctx, next)
		}); err != nil {
			s.writeMu.Unlock()
			return 0, false, fmt.Errorf("journal: %w", err)
		}
	}
	s.mu.Lock()
	s.byUser[userID] = next
	s.mu.Unlock()
	s.latest.Store(int64(next.Rev))
	s.writeMu.Unlock()

	if o := s.observer.Load(); o != nil {
		o.OnNewPresence(userID, next.Rev)
	}
	return next.Rev, true, nil
}

// Restore re-applies a journalled presence on startup.
func (s *PresenceStore) Restore(p Presence) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.mu.Lock()
	s.byUser[p.UserID] = &p
	s.mu.Unlock()
	if int64(p.Rev) > s.latest.Load() {
		s.latest.Store(int64(p.Rev))
	}
}

// Get returns the presence of a user.
func (s *PresenceStore) Get(userID string) (Presence, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byUser[userID]
	if !ok {
		return Presence{}, false
	}
	return *p, true
}

// Since returns presence changes with since < rev <= upTo for the given
// users, in ascending revision order.
func (s *PresenceStore) Since(users map[string]struct{}, since, upTo types.StreamPosition) []Presence {
	s.mu.RLock()
	var out []Presence
	for userID := range users {
		p, ok := s.byUser[userID]
		if ok && p.Rev > since && p.Rev <= upTo {
			out = append(out, *p)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Rev < out[j].Rev })
	return out
}
