// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package synctypes

import (
	"testing"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseContent(t *testing.T) {
	tests := []struct {
		name      string
		eventType string
		content   string
		want      Content
		wantErr   bool
	}{
		{
			name:      "member join",
			eventType: MRoomMember,
			content:   `{"membership":"join","displayname":"Alice"}`,
			want:      MemberContent{Membership: spec.Join, DisplayName: "Alice"},
		},
		{
			name:      "member unknown membership",
			eventType: MRoomMember,
			content:   `{"membership":"lurking"}`,
			wantErr:   true,
		},
		{
			name:      "member missing membership",
			eventType: MRoomMember,
			content:   `{}`,
			wantErr:   true,
		},
		{
			name:      "redaction",
			eventType: MRoomRedaction,
			content:   `{"redacts":"$abc","reason":"spam"}`,
			want:      RedactionContent{Redacts: "$abc", Reason: "spam"},
		},
		{
			name:      "history visibility",
			eventType: MRoomHistoryVisibility,
			content:   `{"history_visibility":"world_readable"}`,
			want:      HistoryVisibilityContent{HistoryVisibility: WorldReadable},
		},
		{
			name:      "empty tags",
			eventType: MTag,
			content:   `{}`,
			want:      TagContent{Tags: map[string]TagProperties{}},
		},
		{
			name:      "bad presence",
			eventType: MPresence,
			content:   `{"presence":"busy"}`,
			wantErr:   true,
		},
		{
			name:      "opaque object",
			eventType: "m.room.message",
			content:   `{"body":"hi"}`,
			want:      OpaqueContent{Raw: spec.RawJSON(`{"body":"hi"}`)},
		},
		{
			name:      "opaque non-object",
			eventType: "m.room.message",
			content:   `[1,2,3]`,
			wantErr:   true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseContent(tt.eventType, []byte(tt.content))
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidContent)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidateEvent(t *testing.T) {
	ev := &ClientEvent{
		EventID:  "$1",
		RoomID:   "!r:test",
		Sender:   "@u:test",
		Type:     MRoomMember,
		StateKey: StrPtr("@u:test"),
		Content:  spec.RawJSON(`{"membership":"join"}`),
	}
	require.NoError(t, ev.Validate())
	assert.Equal(t, spec.Join, Membership(ev))

	noRoom := ev.Copy()
	noRoom.RoomID = ""
	assert.ErrorIs(t, noRoom.Validate(), ErrInvalidEvent)

	badContent := ev.Copy()
	badContent.Content = spec.RawJSON(`{"membership":42}`)
	assert.ErrorIs(t, badContent.Validate(), ErrInvalidContent)
	assert.Equal(t, "", Membership(badContent))
}

func TestCopyIsDeep(t *testing.T) {
	ev := &ClientEvent{StateKey: StrPtr("a"), Content: spec.RawJSON(`{"a":1}`)}
	c := ev.Copy()
	*c.StateKey = "b"
	c.Content[2] = 'b'
	assert.Equal(t, "a", *ev.StateKey)
	assert.Equal(t, `{"a":1}`, string(ev.Content))
}
