// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package timeline

import (
	"fmt"
	"slices"

	"github.com/element-hq/synchrotron/syncapi/synctypes"
	"github.com/element-hq/synchrotron/syncapi/types"
)

// Context limits.
const (
	DefaultContextLimit = 10
	MaxContextLimit     = 100
)

// EventContext is the result of a context lookup around an anchor event.
// Events are ordered oldest to newest.
type EventContext struct {
	Start        types.TopologyToken
	End          types.TopologyToken
	EventsBefore []*synctypes.ClientEvent
	Event        *synctypes.ClientEvent
	EventsAfter  []*synctypes.ClientEvent
	State        []*synctypes.ClientEvent
	AnchorSeq    types.StreamPosition
}

// Context returns up to limit events on each side of eventID plus the room
// state at the anchor. It fails with types.ErrUnknownEvent if the event is
// not in the room.
func (s *Store) Context(roomID, eventID string, limit int) (*EventContext, error) {
	switch {
	case limit < 0:
		return nil, fmt.Errorf("%w: negative limit", types.ErrBadPagination)
	case limit > MaxContextLimit:
		limit = MaxContextLimit
	}
	snap := s.Snapshot(roomID)
	anchor, ok := s.SeqOf(roomID, eventID)
	if !ok || anchor > snap.Position() {
		return nil, fmt.Errorf("%w: %s in %s", types.ErrUnknownEvent, eventID, roomID)
	}

	ec := &EventContext{
		Event:        snap.EventBySeq(anchor),
		AnchorSeq:    anchor,
		Start:        types.TopologyToken{Seq: anchor},
		End:          types.TopologyToken{Seq: anchor},
		EventsBefore: []*synctypes.ClientEvent{},
		EventsAfter:  []*synctypes.ClientEvent{},
	}
	if limit > 0 {
		for seq, ev := range snap.Backwards(0, anchor-1) {
			ec.EventsBefore = append(ec.EventsBefore, ev)
			ec.Start.Seq = seq
			if len(ec.EventsBefore) == limit {
				break
			}
		}
		slices.Reverse(ec.EventsBefore)
		for seq, ev := range snap.ReadSince(anchor, limit) {
			ec.EventsAfter = append(ec.EventsAfter, ev)
			ec.End.Seq = seq
		}
	}
	ec.State = snap.StateEventsAt(anchor)
	return ec, nil
}
