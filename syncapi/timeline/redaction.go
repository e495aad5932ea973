// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package timeline

import (
	"encoding/json"
	"fmt"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/tidwall/sjson"

	"github.com/element-hq/synchrotron/syncapi/synctypes"
)

// preservedContentKeys lists the content keys that survive redaction, per
// event type.
var preservedContentKeys = map[string][]string{
	synctypes.MRoomMember:            {"membership"},
	synctypes.MRoomCreate:            {"creator"},
	synctypes.MRoomJoinRules:         {"join_rule"},
	synctypes.MRoomHistoryVisibility: {"history_visibility"},
	synctypes.MRoomPowerLevels: {
		"ban", "events", "events_default", "kick", "redact",
		"state_default", "users", "users_default",
	},
}

// redactionTarget returns the event ID a redaction event points at.
func redactionTarget(ev *synctypes.ClientEvent) string {
	if ev.Type != synctypes.MRoomRedaction {
		return ""
	}
	if ev.Redacts != "" {
		return ev.Redacts
	}
	c, err := synctypes.ParseContent(ev.Type, ev.Content)
	if err != nil {
		return ""
	}
	return c.(synctypes.RedactionContent).Redacts
}

// redact returns a copy of target with its content stripped down to the
// preserved keys and unsigned.redacted_because set to the redaction event.
func redact(target, redaction *synctypes.ClientEvent) (*synctypes.ClientEvent, error) {
	redacted := target.Copy()
	var content map[string]json.RawMessage
	if len(target.Content) > 0 {
		if err := json.Unmarshal(target.Content, &content); err != nil {
			return nil, fmt.Errorf("json.Unmarshal: %w", err)
		}
	}
	kept := map[string]json.RawMessage{}
	for _, key := range preservedContentKeys[target.Type] {
		if v, ok := content[key]; ok {
			kept[key] = v
		}
	}
	b, err := json.Marshal(kept)
	if err != nil {
		return nil, fmt.Errorf("json.Marshal: %w", err)
	}
	redacted.Content = spec.RawJSON(b)

	because, err := json.Marshal(redaction)
	if err != nil {
		return nil, fmt.Errorf("json.Marshal: %w", err)
	}
	unsigned, err := sjson.SetRawBytes([]byte("{}"), "redacted_because", because)
	if err != nil {
		return nil, fmt.Errorf("sjson.SetRawBytes: %w", err)
	}
	redacted.Unsigned = spec.RawJSON(unsigned)
	return redacted, nil
}
