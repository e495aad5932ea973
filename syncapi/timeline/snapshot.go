// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package timeline

import (
	"iter"
	"sort"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/synchrotron/syncapi/synctypes"
	"github.com/element-hq/synchrotron/syncapi/types"
)

// Snapshot is an immutable view of a room timeline. events[i] holds the
// event with seq i+1. Snapshots share backing arrays with later snapshots of
// the same room, which only ever append past their length.
type Snapshot struct {
	roomID    string
	events    []*synctypes.ClientEvent
	stateSeqs []types.StreamPosition
}

// RoomID returns the room the snapshot belongs to.
func (s *Snapshot) RoomID() string {
	return s.roomID
}

// Position returns the seq of the newest event in the snapshot, or 0.
func (s *Snapshot) Position() types.StreamPosition {
	return types.StreamPosition(len(s.events))
}

// EventBySeq returns the event at seq, or nil if it is not in the snapshot.
func (s *Snapshot) EventBySeq(seq types.StreamPosition) *synctypes.ClientEvent {
	if seq < 1 || int(seq) > len(s.events) {
		return nil
	}
	return s.events[seq-1]
}

// ReadSince yields events with seq strictly greater than since in ascending
// order, at most limit of them (limit <= 0 means no limit). The sequence is
// finite and may be iterated more than once.
func (s *Snapshot) ReadSince(since types.StreamPosition, limit int) iter.Seq2[types.StreamPosition, *synctypes.ClientEvent] {
	return func(yield func(types.StreamPosition, *synctypes.ClientEvent) bool) {
		if since < 0 {
			since = 0
		}
		n := 0
		for i := int(since); i < len(s.events); i++ {
			if limit > 0 && n >= limit {
				return
			}
			if !yield(types.StreamPosition(i+1), s.events[i]) {
				return
			}
			n++
		}
	}
}

// Backwards yields events with seq in (after, before] from newest to oldest.
func (s *Snapshot) Backwards(after, before types.StreamPosition) iter.Seq2[types.StreamPosition, *synctypes.ClientEvent] {
	return func(yield func(types.StreamPosition, *synctypes.ClientEvent) bool) {
		if int(before) > len(s.events) {
			before = types.StreamPosition(len(s.events))
		}
		for seq := before; seq > after && seq > 0; seq-- {
			if !yield(seq, s.events[seq-1]) {
				return
			}
		}
	}
}

// StateAt folds every state event at or before seq into the room state.
func (s *Snapshot) StateAt(seq types.StreamPosition) map[synctypes.StateKeyTuple]*synctypes.ClientEvent {
	n := sort.Search(len(s.stateSeqs), func(i int) bool { return s.stateSeqs[i] > seq })
	state := make(map[synctypes.StateKeyTuple]*synctypes.ClientEvent, n)
	for _, stateSeq := range s.stateSeqs[:n] {
		ev := s.events[stateSeq-1]
		state[ev.StateTuple()] = ev
	}
	return state
}

// StateEventsAt is StateAt as a list ordered by seq.
func (s *Snapshot) StateEventsAt(seq types.StreamPosition) []*synctypes.ClientEvent {
	return s.StateEventsBetween(0, seq)
}

// StateEventsBetween returns the latest event for each (type, state_key)
// changed in (after, upTo], ordered by seq.
func (s *Snapshot) StateEventsBetween(after, upTo types.StreamPosition) []*synctypes.ClientEvent {
	lo := sort.Search(len(s.stateSeqs), func(i int) bool { return s.stateSeqs[i] > after })
	hi := sort.Search(len(s.stateSeqs), func(i int) bool { return s.stateSeqs[i] > upTo })
	if lo >= hi {
		return nil
	}
	latest := make(map[synctypes.StateKeyTuple]int, hi-lo)
	for i := lo; i < hi; i++ {
		latest[s.events[s.stateSeqs[i]-1].StateTuple()] = i
	}
	out := make([]*synctypes.ClientEvent, 0, len(latest))
	for i := lo; i < hi; i++ {
		ev := s.events[s.stateSeqs[i]-1]
		if latest[ev.StateTuple()] == i {
			out = append(out, ev)
		}
	}
	return out
}

// MembershipAt returns the membership of userID at seq and the seq of the
// membership event, or "" and 0 if the user has no membership event yet.
func (s *Snapshot) MembershipAt(userID string, seq types.StreamPosition) (string, types.StreamPosition) {
	n := sort.Search(len(s.stateSeqs), func(i int) bool { return s.stateSeqs[i] > seq })
	for i := n - 1; i >= 0; i-- {
		ev := s.events[s.stateSeqs[i]-1]
		if ev.Type == synctypes.MRoomMember && ev.StateKeyEquals(userID) {
			return synctypes.Membership(ev), s.stateSeqs[i]
		}
	}
	return "", 0
}

// Readable reports whether userID may read the room at the snapshot
// position. Joined members always can; anyone can read a world readable room.
func (s *Snapshot) Readable(userID string) bool {
	pos := s.Position()
	if membership, _ := s.MembershipAt(userID, pos); membership == spec.Join {
		return true
	}
	return s.HistoryVisibilityAt(pos) == synctypes.WorldReadable
}

// HistoryVisibilityAt returns the history visibility in force at seq.
func (s *Snapshot) HistoryVisibilityAt(seq types.StreamPosition) string {
	n := sort.Search(len(s.stateSeqs), func(i int) bool { return s.stateSeqs[i] > seq })
	for i := n - 1; i >= 0; i-- {
		ev := s.events[s.stateSeqs[i]-1]
		if ev.Type != synctypes.MRoomHistoryVisibility || !ev.StateKeyEquals("") {
			continue
		}
		c, err := synctypes.ParseContent(ev.Type, ev.Content)
		if err != nil {
			break
		}
		return c.(synctypes.HistoryVisibilityContent).HistoryVisibility
	}
	return synctypes.Shared
}

func (s *Snapshot) withAppended(ev *synctypes.ClientEvent) *Snapshot {
	next := &Snapshot{
		roomID:    s.roomID,
		events:    append(s.events, ev),
		stateSeqs: s.stateSeqs,
	}
	if ev.IsState() {
		next.stateSeqs = append(s.stateSeqs, next.Position())
	}
	return next
}

// withReplaced returns a copy of the snapshot where the event at seq is
// replaced. The events slice is copied so that older snapshots are untouched.
func (s *Snapshot) withReplaced(seq types.StreamPosition, ev *synctypes.ClientEvent) *Snapshot {
	events := make([]*synctypes.ClientEvent, len(s.events), cap(s.events))
	copy(events, s.events)
	events[seq-1] = ev
	return &Snapshot{
		roomID:    s.roomID,
		events:    events,
		stateSeqs: s.stateSeqs,
	}
}
