// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package timeline

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"sync"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/element-hq/synchrotron/internal"
	"github.com/element-hq/synchrotron/syncapi/synctypes"
	"github.com/element-hq/synchrotron/syncapi/types"
)

var appendedEvents = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "synchrotron",
		Subsystem: "syncapi",
		Name:      "timeline_appended_events",
		Help:      "Number of events appended to room timelines",
	},
	[]string{"type"},
)

func init() {
	prometheus.MustRegister(appendedEvents)
}

// Journal durably records timeline changes before they become visible.
type Journal interface {
	StoreRoomEvent(ctx context.Context, seq types.StreamPosition, ev *synctypes.ClientEvent) error
	UpdateRoomEvent(ctx context.Context, seq types.StreamPosition, ev *synctypes.ClientEvent) error
}

// Observer is told about every appended event once it is visible to readers.
// wake holds the users whose sync streams may be affected.
type Observer interface {
	OnNewEvent(ev *synctypes.ClientEvent, seq types.StreamPosition, wake []string)
}

type room struct {
	mu    sync.Mutex // held by the single writer
	snap  atomic.Pointer[Snapshot]
	index sync.Map // event ID -> types.StreamPosition
}

// Store holds the timelines of every room. Appends to one room are
// serialised; appends to different rooms proceed in parallel. Readers never
// take a lock, they work on published snapshots.
type Store struct {
	journal  Journal
	observer atomic.Pointer[observerBox]
	rooms    sync.Map // room ID -> *room

	membersMu sync.RWMutex
	byUser    map[string]map[string]string   // user -> room -> current membership
	joined    map[string]map[string]struct{} // room -> joined users
}

type observerBox struct {
	Observer
}

// NewStore creates an empty store. A nil journal disables persistence.
func NewStore(journal Journal) *Store {
	return &Store{
		journal: journal,
		byUser:  map[string]map[string]string{},
		joined:  map[string]map[string]struct{}{},
	}
}

// SetObserver installs the observer notified after each append.
func (s *Store) SetObserver(o Observer) {
	s.observer.Store(&observerBox{o})
}

func (s *Store) room(roomID string) *room {
	if r, ok := s.rooms.Load(roomID); ok {
		return r.(*room)
	}
	r := &room{}
	r.snap.Store(&Snapshot{roomID: roomID})
	actual, _ := s.rooms.LoadOrStore(roomID, r)
	return actual.(*room)
}

// Append adds an event to the end of its room timeline and returns its seq.
// Appending an event ID that is already present returns the existing seq.
func (s *Store) Append(ctx context.Context, ev *synctypes.ClientEvent) (types.StreamPosition, error) {
	if err := ev.Validate(); err != nil {
		return 0, err
	}
	r := s.room(ev.RoomID)

	r.mu.Lock()
	if existing, ok := r.index.Load(ev.EventID); ok {
		r.mu.Unlock()
		return existing.(types.StreamPosition), nil
	}
	cur := r.snap.Load()
	seq := cur.Position() + 1

	var redacted *synctypes.ClientEvent
	var redactedSeq types.StreamPosition
	if targetID := redactionTarget(ev); targetID != "" {
		if v, ok := r.index.Load(targetID); ok {
			redactedSeq = v.(types.StreamPosition)
			var err error
			if redacted, err = redact(cur.EventBySeq(redactedSeq), ev); err != nil {
				r.mu.Unlock()
				return 0, fmt.Errorf("redact: %w", err)
			}
		}
	}

	if s.journal != nil {
		err := internal.RetryOnce(ctx, func() error {
			return s.journal.StoreRoomEvent(ctx, seq, ev)
		})
		if err == nil && redacted != nil {
			err = internal.RetryOnce(ctx, func() error {
				return s.journal.UpdateRoomEvent(ctx, redactedSeq, redacted)
			})
		}
		if err != nil {
			r.mu.Unlock()
			return 0, fmt.Errorf("journal: %w", err)
		}
	}

	next := cur
	if redacted != nil {
		next = next.withReplaced(redactedSeq, redacted)
	}
	next = next.withAppended(ev)
	r.index.Store(ev.EventID, seq)
	r.snap.Store(next)
	wake := s.updateMembership(ev)
	r.mu.Unlock()

	appendedEvents.WithLabelValues(ev.Type).Inc()
	if o := s.observer.Load(); o != nil {
		o.OnNewEvent(ev, seq, wake)
	}
	return seq, nil
}

// Restore re-applies a journalled event on startup. Events must be restored
// in seq order per room.
func (s *Store) Restore(ev *synctypes.ClientEvent, seq types.StreamPosition) error {
	r := s.room(ev.RoomID)
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.snap.Load()
	if seq != cur.Position()+1 {
		return fmt.Errorf("room %s: restoring seq %d after %d", ev.RoomID, seq, cur.Position())
	}
	r.index.Store(ev.EventID, seq)
	r.snap.Store(cur.withAppended(ev))
	s.updateMembership(ev)
	return nil
}

// updateMembership maintains the membership index and returns the users to
// wake for the event: everyone joined plus the target of a membership change.
func (s *Store) updateMembership(ev *synctypes.ClientEvent) []string {
	s.membersMu.Lock()
	defer s.membersMu.Unlock()

	var target string
	if membership := synctypes.Membership(ev); membership != "" {
		target = *ev.StateKey
		rooms, ok := s.byUser[target]
		if !ok {
			rooms = map[string]string{}
			s.byUser[target] = rooms
		}
		rooms[ev.RoomID] = membership
		joined, ok := s.joined[ev.RoomID]
		if !ok {
			joined = map[string]struct{}{}
			s.joined[ev.RoomID] = joined
		}
		if membership == spec.Join {
			joined[target] = struct{}{}
		} else {
			delete(joined, target)
		}
	}

	wake := make([]string, 0, len(s.joined[ev.RoomID])+1)
	for userID := range s.joined[ev.RoomID] {
		wake = append(wake, userID)
	}
	if target != "" {
		if _, ok := s.joined[ev.RoomID][target]; !ok {
			wake = append(wake, target)
		}
	}
	return wake
}

// Snapshot returns the current snapshot of a room. Unknown rooms yield an
// empty snapshot.
func (s *Store) Snapshot(roomID string) *Snapshot {
	if r, ok := s.rooms.Load(roomID); ok {
		return r.(*room).snap.Load()
	}
	return &Snapshot{roomID: roomID}
}

// Latest returns the seq of the newest event in the room.
func (s *Store) Latest(roomID string) types.StreamPosition {
	return s.Snapshot(roomID).Position()
}

// ReadSince yields events after since, see Snapshot.ReadSince.
func (s *Store) ReadSince(roomID string, since types.StreamPosition, limit int) iter.Seq2[types.StreamPosition, *synctypes.ClientEvent] {
	return s.Snapshot(roomID).ReadSince(since, limit)
}

// StateAt returns the room state at seq, see Snapshot.StateAt.
func (s *Store) StateAt(roomID string, seq types.StreamPosition) map[synctypes.StateKeyTuple]*synctypes.ClientEvent {
	return s.Snapshot(roomID).StateAt(seq)
}

// SeqOf returns the seq of an event in the room.
func (s *Store) SeqOf(roomID, eventID string) (types.StreamPosition, bool) {
	r, ok := s.rooms.Load(roomID)
	if !ok {
		return 0, false
	}
	v, ok := r.(*room).index.Load(eventID)
	if !ok {
		return 0, false
	}
	return v.(types.StreamPosition), true
}

// Rooms returns every known room ID, sorted.
func (s *Store) Rooms() []string {
	var roomIDs []string
	s.rooms.Range(func(key, _ any) bool {
		roomIDs = append(roomIDs, key.(string))
		return true
	})
	sort.Strings(roomIDs)
	return roomIDs
}

// MembershipsForUser returns the current membership of the user in every
// room they have a membership event in.
func (s *Store) MembershipsForUser(userID string) map[string]string {
	s.membersMu.RLock()
	defer s.membersMu.RUnlock()
	out := make(map[string]string, len(s.byUser[userID]))
	for roomID, membership := range s.byUser[userID] {
		out[roomID] = membership
	}
	return out
}

// JoinedUsers returns the users currently joined to the room.
func (s *Store) JoinedUsers(roomID string) []string {
	s.membersMu.RLock()
	defer s.membersMu.RUnlock()
	out := make([]string, 0, len(s.joined[roomID]))
	for userID := range s.joined[roomID] {
		out = append(out, userID)
	}
	return out
}

// UsersSharingRooms returns every user joined to at least one room userID is
// joined to, including userID itself.
func (s *Store) UsersSharingRooms(userID string) map[string]struct{} {
	s.membersMu.RLock()
	defer s.membersMu.RUnlock()
	out := map[string]struct{}{userID: {}}
	for roomID, membership := range s.byUser[userID] {
		if membership != spec.Join {
			continue
		}
		for other := range s.joined[roomID] {
			out[other] = struct{}{}
		}
	}
	return out
}

// LogStats writes a summary of the store at debug level.
func (s *Store) LogStats() {
	var rooms, events int
	s.rooms.Range(func(_, v any) bool {
		rooms++
		events += int(v.(*room).snap.Load().Position())
		return true
	})
	logrus.WithFields(logrus.Fields{
		"rooms":  rooms,
		"events": events,
	}).Debug("Timeline store loaded")
}
