// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// StreamPosition represents the offset in a stream. Positions start at 1;
// zero means "nothing seen yet".
type StreamPosition int64

// TopologyToken is a pagination token pointing at a position inside a
// single room timeline. It is used for the context and prev_batch tokens.
type TopologyToken struct {
	Seq StreamPosition
}

func (t TopologyToken) String() string {
	return fmt.Sprintf("t%d", t.Seq)
}

// NewTopologyTokenFromString parses a token of the form "t<seq>".
func NewTopologyTokenFromString(tok string) (TopologyToken, error) {
	if len(tok) < 2 || tok[0] != 't' {
		return TopologyToken{}, fmt.Errorf("%w: topology token must start with 't'", ErrBadPagination)
	}
	seq, err := strconv.ParseInt(tok[1:], 10, 64)
	if err != nil || seq < 0 {
		return TopologyToken{}, fmt.Errorf("%w: invalid topology position %q", ErrBadPagination, tok[1:])
	}
	return TopologyToken{Seq: StreamPosition(seq)}, nil
}

// StreamingToken is the sync cursor. It carries one position per room
// timeline plus the account data, presence and send-to-device streams,
// all bound to the store epoch that produced them.
type StreamingToken struct {
	Epoch                string
	Rooms                map[string]StreamPosition
	AccountDataPosition  StreamPosition
	PresencePosition     StreamPosition
	SendToDevicePosition StreamPosition
}

// RoomPosition returns the position for the given room and whether the
// token knows about the room at all.
func (t *StreamingToken) RoomPosition(roomID string) (StreamPosition, bool) {
	if t == nil || t.Rooms == nil {
		return 0, false
	}
	pos, ok := t.Rooms[roomID]
	return pos, ok
}

// Clone returns a deep copy of the token.
func (t StreamingToken) Clone() StreamingToken {
	c := t
	c.Rooms = make(map[string]StreamPosition, len(t.Rooms))
	for roomID, pos := range t.Rooms {
		c.Rooms[roomID] = pos
	}
	return c
}

// IsAfter returns true if any position in this token is greater than the
// corresponding position in other.
func (t *StreamingToken) IsAfter(other StreamingToken) bool {
	switch {
	case t.AccountDataPosition > other.AccountDataPosition:
		return true
	case t.PresencePosition > other.PresencePosition:
		return true
	case t.SendToDevicePosition > other.SendToDevicePosition:
		return true
	}
	for roomID, pos := range t.Rooms {
		if pos > other.Rooms[roomID] {
			return true
		}
	}
	return false
}

// ApplyUpdates takes the maximum of every position in both tokens.
func (t *StreamingToken) ApplyUpdates(other StreamingToken) {
	if other.AccountDataPosition > t.AccountDataPosition {
		t.AccountDataPosition = other.AccountDataPosition
	}
	if other.PresencePosition > t.PresencePosition {
		t.PresencePosition = other.PresencePosition
	}
	if other.SendToDevicePosition > t.SendToDevicePosition {
		t.SendToDevicePosition = other.SendToDevicePosition
	}
	if len(other.Rooms) > 0 && t.Rooms == nil {
		t.Rooms = make(map[string]StreamPosition, len(other.Rooms))
	}
	for roomID, pos := range other.Rooms {
		if pos > t.Rooms[roomID] {
			t.Rooms[roomID] = pos
		}
	}
}

// Describe renders a human readable form of the token for logs. It is not
// a valid cursor.
func (t StreamingToken) Describe() string {
	roomIDs := make([]string, 0, len(t.Rooms))
	for roomID := range t.Rooms {
		roomIDs = append(roomIDs, roomID)
	}
	sort.Strings(roomIDs)
	var b strings.Builder
	fmt.Fprintf(&b, "epoch=%s a=%d p=%d d=%d", t.Epoch, t.AccountDataPosition, t.PresencePosition, t.SendToDevicePosition)
	for _, roomID := range roomIDs {
		fmt.Fprintf(&b, " %s=%d", roomID, t.Rooms[roomID])
	}
	return b.String()
}

// MarshalText lets the token be used directly as a JSON string.
func (t TopologyToken) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText parses a token of the form "t<seq>".
func (t *TopologyToken) UnmarshalText(text []byte) error {
	tok, err := NewTopologyTokenFromString(string(text))
	if err != nil {
		return err
	}
	*t = tok
	return nil
}
