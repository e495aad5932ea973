// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package synctypes

import (
	"fmt"

	"github.com/matrix-org/gomatrixserverlib/spec"
)

// ClientEvent is an event in the format served to Matrix clients.
// Every field is omitempty so that event_fields projections survive a round trip through this type.
type ClientEvent struct {
	Content        spec.RawJSON   `json:"content,omitempty"`
	EventID        string         `json:"event_id,omitempty"`
	OriginServerTS spec.Timestamp `json:"origin_server_ts,omitempty"`
	RoomID         string         `json:"room_id,omitempty"`
	Sender         string         `json:"sender,omitempty"`
	StateKey       *string        `json:"state_key,omitempty"`
	Type           string         `json:"type,omitempty"`
	Redacts        string         `json:"redacts,omitempty"`
	Unsigned       spec.RawJSON   `json:"unsigned,omitempty"`
}

// StateKeyTuple identifies an entry in the room state.
type StateKeyTuple struct {
	EventType string
	StateKey  string
}

func (t StateKeyTuple) String() string {
	return fmt.Sprintf("(%s, %q)", t.EventType, t.StateKey)
}

// IsState returns true if the event carries a state key.
func (e *ClientEvent) IsState() bool {
	return e.StateKey != nil
}

// StateKeyEquals returns true if the event is a state event with the given key.
func (e *ClientEvent) StateKeyEquals(stateKey string) bool {
	return e.StateKey != nil && *e.StateKey == stateKey
}

// StateTuple returns the (type, state_key) pair of a state event.
func (e *ClientEvent) StateTuple() StateKeyTuple {
	if e.StateKey == nil {
		return StateKeyTuple{EventType: e.Type}
	}
	return StateKeyTuple{EventType: e.Type, StateKey: *e.StateKey}
}

// Validate checks the envelope fields the sync engine relies on.
func (e *ClientEvent) Validate() error {
	switch {
	case e.EventID == "":
		return fmt.Errorf("%w: missing event_id", ErrInvalidEvent)
	case e.RoomID == "":
		return fmt.Errorf("%w: missing room_id", ErrInvalidEvent)
	case e.Type == "":
		return fmt.Errorf("%w: missing type", ErrInvalidEvent)
	case e.Sender == "":
		return fmt.Errorf("%w: missing sender", ErrInvalidEvent)
	}
	if _, err := ParseContent(e.Type, e.Content); err != nil {
		return err
	}
	return nil
}

// Copy returns a shallow copy of the event with its own content buffers.
func (e *ClientEvent) Copy() *ClientEvent {
	c := *e
	if e.Content != nil {
		c.Content = append(spec.RawJSON(nil), e.Content...)
	}
	if e.Unsigned != nil {
		c.Unsigned = append(spec.RawJSON(nil), e.Unsigned...)
	}
	if e.StateKey != nil {
		sk := *e.StateKey
		c.StateKey = &sk
	}
	return &c
}

// SendToDeviceEvent is the client-facing shape of a to-device message.
type SendToDeviceEvent struct {
	Sender  string       `json:"sender"`
	Type    string       `json:"type"`
	Content spec.RawJSON `json:"content"`
}

// StrPtr is a helper for building state keys.
func StrPtr(s string) *string {
	return &s
}
