// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package synctypes

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/matrix-org/gomatrixserverlib/spec"
)

// Event types whose content the sync engine interprets.
const (
	MRoomCreate            = "m.room.create"
	MRoomMember            = "m.room.member"
	MRoomRedaction         = "m.room.redaction"
	MRoomHistoryVisibility = "m.room.history_visibility"
	MRoomJoinRules         = "m.room.join_rules"
	MRoomPowerLevels       = "m.room.power_levels"
	MRoomName              = "m.room.name"
	MRoomAvatar            = "m.room.avatar"
	MRoomCanonicalAlias    = "m.room.canonical_alias"
	MRoomEncryption        = "m.room.encryption"
	MTag                   = "m.tag"
	MPresence              = "m.presence"
)

// History visibility values.
const (
	WorldReadable = "world_readable"
	Shared        = "shared"
	Invited       = "invited"
	Joined        = "joined"
)

var (
	// ErrInvalidEvent is returned for events missing required envelope fields.
	ErrInvalidEvent = errors.New("invalid event")
	// ErrInvalidContent is returned when content of an interpreted event type
	// does not have the expected shape.
	ErrInvalidContent = errors.New("invalid content")
)

// Content is the closed set of content shapes the engine understands.
// Anything else is OpaqueContent and is passed through untouched.
type Content interface {
	isContent()
}

type MemberContent struct {
	Membership  string `json:"membership"`
	DisplayName string `json:"displayname,omitempty"`
}

type RedactionContent struct {
	Redacts string `json:"redacts"`
	Reason  string `json:"reason,omitempty"`
}

type HistoryVisibilityContent struct {
	HistoryVisibility string `json:"history_visibility"`
}

type TagContent struct {
	Tags map[string]TagProperties `json:"tags"`
}

// TagProperties holds the optional order of a room tag.
type TagProperties struct {
	Order *float64 `json:"order,omitempty"`
}

type PresenceContent struct {
	Presence  string  `json:"presence"`
	StatusMsg *string `json:"status_msg,omitempty"`
}

type OpaqueContent struct {
	Raw spec.RawJSON
}

func (MemberContent) isContent()            {}
func (RedactionContent) isContent()         {}
func (HistoryVisibilityContent) isContent() {}
func (TagContent) isContent()               {}
func (PresenceContent) isContent()          {}
func (OpaqueContent) isContent()            {}

// ParseContent decodes content for the given event type. Known types are
// validated; unknown types only need to be a JSON object.
func ParseContent(eventType string, raw []byte) (Content, error) {
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	switch eventType {
	case MRoomMember:
		var c MemberContent
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("%w: %s: %s", ErrInvalidContent, eventType, err)
		}
		switch c.Membership {
		case spec.Join, spec.Invite, spec.Leave, spec.Ban, "knock":
		case "":
			// Redacted membership events keep their membership key, so an
			// empty one can only come from a malformed producer.
			return nil, fmt.Errorf("%w: %s: missing membership", ErrInvalidContent, eventType)
		default:
			return nil, fmt.Errorf("%w: %s: unknown membership %q", ErrInvalidContent, eventType, c.Membership)
		}
		return c, nil
	case MRoomRedaction:
		var c RedactionContent
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("%w: %s: %s", ErrInvalidContent, eventType, err)
		}
		return c, nil
	case MRoomHistoryVisibility:
		var c HistoryVisibilityContent
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("%w: %s: %s", ErrInvalidContent, eventType, err)
		}
		return c, nil
	case MTag:
		var c TagContent
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("%w: %s: %s", ErrInvalidContent, eventType, err)
		}
		if c.Tags == nil {
			c.Tags = map[string]TagProperties{}
		}
		return c, nil
	case MPresence:
		var c PresenceContent
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("%w: %s: %s", ErrInvalidContent, eventType, err)
		}
		if !IsValidPresence(c.Presence) {
			return nil, fmt.Errorf("%w: %s: unknown presence %q", ErrInvalidContent, eventType, c.Presence)
		}
		return c, nil
	default:
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, fmt.Errorf("%w: %s: content must be an object", ErrInvalidContent, eventType)
		}
		return OpaqueContent{Raw: raw}, nil
	}
}

// Membership returns the membership carried by an m.room.member event, or
// "" for any other event.
func Membership(ev *ClientEvent) string {
	if ev.Type != MRoomMember || ev.StateKey == nil {
		return ""
	}
	c, err := ParseContent(ev.Type, ev.Content)
	if err != nil {
		return ""
	}
	return c.(MemberContent).Membership
}

// Presence values.
const (
	PresenceOnline      = "online"
	PresenceOffline     = "offline"
	PresenceUnavailable = "unavailable"
)

// IsValidPresence returns true for the three presence states.
func IsValidPresence(p string) bool {
	switch p {
	case PresenceOnline, PresenceOffline, PresenceUnavailable:
		return true
	}
	return false
}
