// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

// Cursor wire format:
//
//	s1_<base64url(cbor(cursorWire))>
//	z1_<base64url(zstd(cbor(cursorWire)))>
//
// The compressed form is used once the CBOR payload grows past
// compressThreshold, which happens for users in many rooms.
const (
	plainCursorPrefix      = "s1_"
	compressedCursorPrefix = "z1_"
	compressThreshold      = 512
	maxCursorLength        = 1 << 20
)

type cursorWire struct {
	Epoch       string           `cbor:"1,keyasint"`
	Rooms       map[string]int64 `cbor:"2,keyasint,omitempty"`
	AccountData int64            `cbor:"3,keyasint,omitempty"`
	Presence    int64            `cbor:"4,keyasint,omitempty"`
	Device      int64            `cbor:"5,keyasint,omitempty"`
}

var (
	cursorEncMode, _ = cbor.CanonicalEncOptions().EncMode()
	cursorDecMode, _ = cbor.DecOptions{MaxMapPairs: 1 << 18}.DecMode()
	zstdEncoder, _   = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	zstdDecoder, _   = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxCursorLength))
	cursorEncoding   = base64.RawURLEncoding
)

// String encodes the token into an opaque, printable cursor.
func (t StreamingToken) String() string {
	wire := cursorWire{
		Epoch:       t.Epoch,
		AccountData: int64(t.AccountDataPosition),
		Presence:    int64(t.PresencePosition),
		Device:      int64(t.SendToDevicePosition),
	}
	if len(t.Rooms) > 0 {
		wire.Rooms = make(map[string]int64, len(t.Rooms))
		for roomID, pos := range t.Rooms {
			wire.Rooms[roomID] = int64(pos)
		}
	}
	payload, err := cursorEncMode.Marshal(wire)
	if err != nil {
		// cursorWire only holds strings and integers
		panic(fmt.Sprintf("cursor encoding failed: %s", err))
	}
	if len(payload) > compressThreshold {
		return compressedCursorPrefix + cursorEncoding.EncodeToString(zstdEncoder.EncodeAll(payload, nil))
	}
	return plainCursorPrefix + cursorEncoding.EncodeToString(payload)
}

// MarshalText lets the token be used directly as a JSON string.
func (t StreamingToken) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText decodes the cursor without checking its epoch.
func (t *StreamingToken) UnmarshalText(text []byte) error {
	tok, err := NewStreamTokenFromString(string(text))
	if err != nil {
		return err
	}
	*t = tok
	return nil
}

// NewStreamTokenFromString decodes a cursor. Any structural problem is
// reported as ErrMalformedCursor. The epoch is not checked, see DecodeCursor.
func NewStreamTokenFromString(tok string) (StreamingToken, error) {
	if len(tok) > maxCursorLength {
		return StreamingToken{}, fmt.Errorf("%w: token too long", ErrMalformedCursor)
	}
	var compressed bool
	switch {
	case strings.HasPrefix(tok, plainCursorPrefix):
		tok = tok[len(plainCursorPrefix):]
	case strings.HasPrefix(tok, compressedCursorPrefix):
		tok = tok[len(compressedCursorPrefix):]
		compressed = true
	default:
		return StreamingToken{}, fmt.Errorf("%w: unknown token version", ErrMalformedCursor)
	}
	payload, err := cursorEncoding.DecodeString(tok)
	if err != nil {
		return StreamingToken{}, fmt.Errorf("%w: %s", ErrMalformedCursor, err)
	}
	if compressed {
		payload, err = zstdDecoder.DecodeAll(payload, nil)
		if err != nil {
			return StreamingToken{}, fmt.Errorf("%w: %s", ErrMalformedCursor, err)
		}
	}
	var wire cursorWire
	if err = cursorDecMode.Unmarshal(payload, &wire); err != nil {
		return StreamingToken{}, fmt.Errorf("%w: %s", ErrMalformedCursor, err)
	}
	if wire.Epoch == "" {
		return StreamingToken{}, fmt.Errorf("%w: missing epoch", ErrMalformedCursor)
	}
	if wire.AccountData < 0 || wire.Presence < 0 || wire.Device < 0 {
		return StreamingToken{}, fmt.Errorf("%w: negative stream position", ErrMalformedCursor)
	}
	t := StreamingToken{
		Epoch:                wire.Epoch,
		Rooms:                make(map[string]StreamPosition, len(wire.Rooms)),
		AccountDataPosition:  StreamPosition(wire.AccountData),
		PresencePosition:     StreamPosition(wire.Presence),
		SendToDevicePosition: StreamPosition(wire.Device),
	}
	for roomID, pos := range wire.Rooms {
		if roomID == "" || pos < 0 {
			return StreamingToken{}, fmt.Errorf("%w: invalid room position", ErrMalformedCursor)
		}
		t.Rooms[roomID] = StreamPosition(pos)
	}
	return t, nil
}

// DecodeCursor decodes a cursor and rejects it with ErrStaleCursor if it was
// produced under a different epoch than currentEpoch.
func DecodeCursor(tok, currentEpoch string) (StreamingToken, error) {
	t, err := NewStreamTokenFromString(tok)
	if err != nil {
		return StreamingToken{}, err
	}
	if t.Epoch != currentEpoch {
		return StreamingToken{}, fmt.Errorf("%w: token epoch %q does not match %q", ErrStaleCursor, t.Epoch, currentEpoch)
	}
	return t, nil
}
