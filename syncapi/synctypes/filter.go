// Copyright 2024 New Vector Ltd.
// Copyright 2017 Jan Christian Grünhage
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package synctypes

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidFilter is returned when a filter definition fails validation.
var ErrInvalidFilter = errors.New("invalid filter")

// Filter is used by clients to specify how the server should filter responses to e.g. sync requests
// Specified by: https://spec.matrix.org/v1.6/client-server-api/#filtering
type Filter struct {
	EventFields []string    `json:"event_fields,omitempty"`
	EventFormat string      `json:"event_format,omitempty"`
	Presence    EventFilter `json:"presence,omitempty"`
	AccountData EventFilter `json:"account_data,omitempty"`
	Room        RoomFilter  `json:"room,omitempty"`
}

// EventFilter is used to define filtering rules for events
type EventFilter struct {
	Limit      int       `json:"limit,omitempty"`
	NotSenders *[]string `json:"not_senders,omitempty"`
	NotTypes   *[]string `json:"not_types,omitempty"`
	Senders    *[]string `json:"senders,omitempty"`
	Types      *[]string `json:"types,omitempty"`
}

// RoomFilter is used to define filtering rules for room-related events
type RoomFilter struct {
	NotRooms     *[]string       `json:"not_rooms,omitempty"`
	Rooms        *[]string       `json:"rooms,omitempty"`
	Ephemeral    RoomEventFilter `json:"ephemeral,omitempty"`
	IncludeLeave bool            `json:"include_leave,omitempty"`
	State        StateFilter     `json:"state,omitempty"`
	Timeline     RoomEventFilter `json:"timeline,omitempty"`
	AccountData  RoomEventFilter `json:"account_data,omitempty"`
}

// StateFilter is used to define filtering rules for state events
type StateFilter struct {
	NotSenders              *[]string `json:"not_senders,omitempty"`
	NotTypes                *[]string `json:"not_types,omitempty"`
	Senders                 *[]string `json:"senders,omitempty"`
	Types                   *[]string `json:"types,omitempty"`
	LazyLoadMembers         bool      `json:"lazy_load_members,omitempty"`
	IncludeRedundantMembers bool      `json:"include_redundant_members,omitempty"`
	NotRooms                *[]string `json:"not_rooms,omitempty"`
	Rooms                   *[]string `json:"rooms,omitempty"`
	Limit                   int       `json:"limit,omitempty"`
	ContainsURL             *bool     `json:"contains_url,omitempty"`
}

// RoomEventFilter is used to define filtering rules for events in rooms
type RoomEventFilter struct {
	Limit                   int       `json:"limit,omitempty"`
	NotSenders              *[]string `json:"not_senders,omitempty"`
	NotTypes                *[]string `json:"not_types,omitempty"`
	Senders                 *[]string `json:"senders,omitempty"`
	Types                   *[]string `json:"types,omitempty"`
	LazyLoadMembers         bool      `json:"lazy_load_members,omitempty"`
	IncludeRedundantMembers bool      `json:"include_redundant_members,omitempty"`
	NotRooms                *[]string `json:"not_rooms,omitempty"`
	Rooms                   *[]string `json:"rooms,omitempty"`
	ContainsURL             *bool     `json:"contains_url,omitempty"`
}

// Event formats.
const (
	EventFormatClient     = "client"
	EventFormatFederation = "federation"
)

// Timeline limits.
const (
	DefaultTimelineLimit = 20
	MaxTimelineLimit     = 1000
)

// DefaultFilter returns the default filter used by the Matrix server if no filter is provided in
// the request
func DefaultFilter() Filter {
	return Filter{
		AccountData: DefaultEventFilter(),
		EventFields: nil,
		EventFormat: EventFormatClient,
		Presence:    DefaultEventFilter(),
		Room: RoomFilter{
			AccountData:  DefaultRoomEventFilter(),
			Ephemeral:    DefaultRoomEventFilter(),
			IncludeLeave: false,
			NotRooms:     nil,
			Rooms:        nil,
			State:        DefaultStateFilter(),
			Timeline:     DefaultRoomEventFilter(),
		},
	}
}

// DefaultEventFilter returns the default event filter used by the Matrix server if no filter is
// provided in the request
func DefaultEventFilter() EventFilter {
	return EventFilter{
		Limit: DefaultTimelineLimit,
	}
}

// DefaultStateFilter returns the default state event filter used by the Matrix server if no filter
// is provided in the request
func DefaultStateFilter() StateFilter {
	return StateFilter{}
}

// DefaultRoomEventFilter returns the default room event filter used by the Matrix server if no
// filter is provided in the request
func DefaultRoomEventFilter() RoomEventFilter {
	return RoomEventFilter{
		Limit: DefaultTimelineLimit,
	}
}

// ParseFilter decodes a filter definition from JSON. Unknown keys are ignored,
// type errors are reported as ErrInvalidFilter.
func ParseFilter(data []byte) (*Filter, error) {
	var f Filter
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidFilter, err)
	}
	return &f, nil
}

// Validate checks if the filter contains valid property values
func (filter *Filter) Validate() error {
	switch filter.EventFormat {
	case "", EventFormatClient, EventFormatFederation:
	default:
		return fmt.Errorf("%w: unknown event_format %q", ErrInvalidFilter, filter.EventFormat)
	}
	for _, field := range filter.EventFields {
		if field == "" {
			return fmt.Errorf("%w: empty event_fields entry", ErrInvalidFilter)
		}
	}
	limits := map[string]int{
		"presence.limit":          filter.Presence.Limit,
		"account_data.limit":      filter.AccountData.Limit,
		"room.timeline.limit":     filter.Room.Timeline.Limit,
		"room.state.limit":        filter.Room.State.Limit,
		"room.ephemeral.limit":    filter.Room.Ephemeral.Limit,
		"room.account_data.limit": filter.Room.AccountData.Limit,
	}
	for name, limit := range limits {
		if limit < 0 {
			return fmt.Errorf("%w: %s must not be negative", ErrInvalidFilter, name)
		}
	}
	for name, list := range map[string]*[]string{
		"room.rooms":              filter.Room.Rooms,
		"room.not_rooms":          filter.Room.NotRooms,
		"room.timeline.rooms":     filter.Room.Timeline.Rooms,
		"room.timeline.not_rooms": filter.Room.Timeline.NotRooms,
		"room.state.rooms":        filter.Room.State.Rooms,
		"room.state.not_rooms":    filter.Room.State.NotRooms,
	} {
		if list == nil {
			continue
		}
		for _, roomID := range *list {
			if roomID == "" {
				return fmt.Errorf("%w: %s contains an empty room ID", ErrInvalidFilter, name)
			}
		}
	}
	return nil
}
