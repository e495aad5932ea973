// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package synctypes

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// patternList is a compiled include or exclude list. A nil *patternList
// means the list was absent from the filter.
type patternList struct {
	exact    map[string]struct{}
	prefixes []string
}

func compilePatterns(list *[]string, allowWildcards bool) *patternList {
	if list == nil {
		return nil
	}
	p := &patternList{exact: make(map[string]struct{}, len(*list))}
	for _, entry := range *list {
		if allowWildcards && strings.HasSuffix(entry, "*") {
			p.prefixes = append(p.prefixes, strings.TrimSuffix(entry, "*"))
			continue
		}
		p.exact[entry] = struct{}{}
	}
	return p
}

func (p *patternList) contains(value string) bool {
	if _, ok := p.exact[value]; ok {
		return true
	}
	for _, prefix := range p.prefixes {
		if strings.HasPrefix(value, prefix) {
			return true
		}
	}
	return false
}

// includes applies include-list semantics: absent matches everything, an
// empty list matches nothing.
func (p *patternList) includes(value string) bool {
	return p == nil || p.contains(value)
}

// excludes applies exclude-list semantics: absent excludes nothing.
func (p *patternList) excludes(value string) bool {
	return p != nil && p.contains(value)
}

type eventMatcher struct {
	types, notTypes     *patternList
	senders, notSenders *patternList
	rooms, notRooms     *patternList
}

func newEventMatcher(types, notTypes, senders, notSenders, rooms, notRooms *[]string) eventMatcher {
	return eventMatcher{
		types:      compilePatterns(types, true),
		notTypes:   compilePatterns(notTypes, true),
		senders:    compilePatterns(senders, false),
		notSenders: compilePatterns(notSenders, false),
		rooms:      compilePatterns(rooms, false),
		notRooms:   compilePatterns(notRooms, false),
	}
}

func (m *eventMatcher) match(roomID, eventType, sender string) bool {
	if m.notRooms.excludes(roomID) || !m.rooms.includes(roomID) {
		return false
	}
	if m.notTypes.excludes(eventType) || !m.types.includes(eventType) {
		return false
	}
	if m.notSenders.excludes(sender) || !m.senders.includes(sender) {
		return false
	}
	return true
}

// CompiledFilter is a validated filter ready for matching. It is immutable
// and safe for concurrent use.
type CompiledFilter struct {
	def             Filter
	rooms, notRooms *patternList
	timeline        eventMatcher
	state           eventMatcher
	presence        eventMatcher
	accountData     eventMatcher
	roomAccountData eventMatcher
	fieldPaths      []string
}

// Compile validates the filter and prepares it for matching.
func Compile(f Filter) (*CompiledFilter, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	c := &CompiledFilter{
		def:      f,
		rooms:    compilePatterns(f.Room.Rooms, false),
		notRooms: compilePatterns(f.Room.NotRooms, false),
		timeline: newEventMatcher(
			f.Room.Timeline.Types, f.Room.Timeline.NotTypes,
			f.Room.Timeline.Senders, f.Room.Timeline.NotSenders,
			f.Room.Timeline.Rooms, f.Room.Timeline.NotRooms,
		),
		state: newEventMatcher(
			f.Room.State.Types, f.Room.State.NotTypes,
			f.Room.State.Senders, f.Room.State.NotSenders,
			f.Room.State.Rooms, f.Room.State.NotRooms,
		),
		presence: newEventMatcher(
			f.Presence.Types, f.Presence.NotTypes,
			f.Presence.Senders, f.Presence.NotSenders,
			nil, nil,
		),
		accountData: newEventMatcher(
			f.AccountData.Types, f.AccountData.NotTypes,
			nil, nil, nil, nil,
		),
		roomAccountData: newEventMatcher(
			f.Room.AccountData.Types, f.Room.AccountData.NotTypes,
			nil, nil,
			f.Room.AccountData.Rooms, f.Room.AccountData.NotRooms,
		),
	}
	for _, field := range f.EventFields {
		path, err := toJSONPath(field)
		if err != nil {
			return nil, err
		}
		c.fieldPaths = append(c.fieldPaths, path)
	}
	return c, nil
}

// MustCompile is like Compile but panics on error. Intended for tests and
// for the default filter.
func MustCompile(f Filter) *CompiledFilter {
	c, err := Compile(f)
	if err != nil {
		panic(err)
	}
	return c
}

// Definition returns the filter the compiled form was built from.
func (c *CompiledFilter) Definition() Filter {
	return c.def
}

// AllowsRoom reports whether the top-level room filter admits the room.
func (c *CompiledFilter) AllowsRoom(roomID string) bool {
	return !c.notRooms.excludes(roomID) && c.rooms.includes(roomID)
}

// MatchesTimelineEvent reports whether an event belongs in a room timeline.
func (c *CompiledFilter) MatchesTimelineEvent(ev *ClientEvent) bool {
	return c.AllowsRoom(ev.RoomID) && c.timeline.match(ev.RoomID, ev.Type, ev.Sender)
}

// MatchesStateEvent reports whether a state event belongs in a room state block.
func (c *CompiledFilter) MatchesStateEvent(ev *ClientEvent) bool {
	return c.AllowsRoom(ev.RoomID) && c.state.match(ev.RoomID, ev.Type, ev.Sender)
}

// MatchesPresence reports whether presence for the given user is wanted.
func (c *CompiledFilter) MatchesPresence(userID string) bool {
	return c.presence.match("", MPresence, userID)
}

// MatchesAccountData reports whether global account data of the given type is wanted.
func (c *CompiledFilter) MatchesAccountData(dataType string) bool {
	return c.accountData.match("", dataType, "")
}

// MatchesRoomAccountData reports whether room account data of the given type is wanted.
func (c *CompiledFilter) MatchesRoomAccountData(roomID, dataType string) bool {
	return c.AllowsRoom(roomID) && c.roomAccountData.match(roomID, dataType, "")
}

// IncludeLeave reports whether rooms the user has left should be returned.
func (c *CompiledFilter) IncludeLeave() bool {
	return c.def.Room.IncludeLeave
}

// TimelineLimit returns the number of timeline events to return per room.
func (c *CompiledFilter) TimelineLimit() int {
	limit := c.def.Room.Timeline.Limit
	switch {
	case limit <= 0:
		return DefaultTimelineLimit
	case limit > MaxTimelineLimit:
		return MaxTimelineLimit
	}
	return limit
}

// PresenceLimit returns the maximum number of presence events, or 0 for no limit.
func (c *CompiledFilter) PresenceLimit() int {
	return c.def.Presence.Limit
}

// HasProjection reports whether event_fields restricts the returned fields.
func (c *CompiledFilter) HasProjection() bool {
	return len(c.fieldPaths) > 0
}

// Project returns the event restricted to the event_fields of the filter.
// Matching is never affected by projection. Paths that do not exist in the
// event are skipped.
func (c *CompiledFilter) Project(ev *ClientEvent) (*ClientEvent, error) {
	if len(c.fieldPaths) == 0 {
		return ev, nil
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("json.Marshal: %w", err)
	}
	out := []byte("{}")
	for _, path := range c.fieldPaths {
		res := gjson.GetBytes(raw, path)
		if !res.Exists() {
			continue
		}
		if out, err = sjson.SetRawBytes(out, path, []byte(res.Raw)); err != nil {
			return nil, fmt.Errorf("sjson.SetRawBytes: %w", err)
		}
	}
	var projected ClientEvent
	if err = json.Unmarshal(out, &projected); err != nil {
		return nil, fmt.Errorf("json.Unmarshal: %w", err)
	}
	return &projected, nil
}

// toJSONPath converts a Matrix event_fields entry into a gjson path. Matrix
// separates keys with '.' and uses '\' to escape a literal dot.
func toJSONPath(field string) (string, error) {
	var parts []string
	var cur strings.Builder
	escaped := false
	for _, r := range field {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case r == '.':
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	if escaped {
		cur.WriteRune('\\')
	}
	parts = append(parts, cur.String())
	for i, part := range parts {
		if part == "" {
			return "", fmt.Errorf("%w: event_fields entry %q has an empty key", ErrInvalidFilter, field)
		}
		parts[i] = escapePathKey(part)
	}
	return strings.Join(parts, "."), nil
}

// escapePathKey escapes every character gjson and sjson would otherwise treat
// as path syntax.
func escapePathKey(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		case r < 0x80:
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
