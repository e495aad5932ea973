// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package timeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/synchrotron/syncapi/synctypes"
	"github.com/element-hq/synchrotron/syncapi/types"
)

const (
	roomA = "!a:test"
	roomB = "!b:test"
	alice = "@alice:test"
	bob   = "@bob:test"
)

var eventCounter = 0

func message(roomID, sender, body string) *synctypes.ClientEvent {
	eventCounter++
	return &synctypes.ClientEvent{
		EventID: fmt.Sprintf("$msg%d", eventCounter),
		RoomID:  roomID,
		Sender:  sender,
		Type:    "m.room.message",
		Content: spec.RawJSON(fmt.Sprintf(`{"msgtype":"m.text","body":%q}`, body)),
	}
}

func member(roomID, userID, membership string) *synctypes.ClientEvent {
	eventCounter++
	return &synctypes.ClientEvent{
		EventID:  fmt.Sprintf("$member%d", eventCounter),
		RoomID:   roomID,
		Sender:   userID,
		Type:     synctypes.MRoomMember,
		StateKey: synctypes.StrPtr(userID),
		Content:  spec.RawJSON(fmt.Sprintf(`{"membership":%q}`, membership)),
	}
}

func state(roomID, eventType, stateKey, content string) *synctypes.ClientEvent {
	eventCounter++
	return &synctypes.ClientEvent{
		EventID:  fmt.Sprintf("$state%d", eventCounter),
		RoomID:   roomID,
		Sender:   alice,
		Type:     eventType,
		StateKey: synctypes.StrPtr(stateKey),
		Content:  spec.RawJSON(content),
	}
}

type recordingObserver struct {
	mu    sync.Mutex
	seqs  []types.StreamPosition
	wakes [][]string
}

func (o *recordingObserver) OnNewEvent(_ *synctypes.ClientEvent, seq types.StreamPosition, wake []string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.seqs = append(o.seqs, seq)
	o.wakes = append(o.wakes, wake)
}

type failingJournal struct {
	failures int
	calls    int
	stored   []types.StreamPosition
	updated  []types.StreamPosition
}

func (j *failingJournal) StoreRoomEvent(_ context.Context, seq types.StreamPosition, _ *synctypes.ClientEvent) error {
	j.calls++
	if j.calls <= j.failures {
		return errors.New("disk on fire")
	}
	j.stored = append(j.stored, seq)
	return nil
}

func (j *failingJournal) UpdateRoomEvent(_ context.Context, seq types.StreamPosition, _ *synctypes.ClientEvent) error {
	j.updated = append(j.updated, seq)
	return nil
}

func collect(snap *Snapshot, since types.StreamPosition, limit int) []types.StreamPosition {
	var seqs []types.StreamPosition
	for seq := range snap.ReadSince(since, limit) {
		seqs = append(seqs, seq)
	}
	return seqs
}

func TestAppendAssignsSequentialSeqs(t *testing.T) {
	ctx := context.Background()
	s := NewStore(nil)
	obs := &recordingObserver{}
	s.SetObserver(obs)

	for i := 1; i <= 5; i++ {
		seq, err := s.Append(ctx, message(roomA, alice, "hi"))
		require.NoError(t, err)
		assert.Equal(t, types.StreamPosition(i), seq)
	}
	seq, err := s.Append(ctx, message(roomB, alice, "other room"))
	require.NoError(t, err)
	assert.Equal(t, types.StreamPosition(1), seq)

	assert.Equal(t, types.StreamPosition(5), s.Latest(roomA))
	assert.Equal(t, []types.StreamPosition{1, 2, 3, 4, 5, 1}, obs.seqs)
	assert.Equal(t, []string{roomA, roomB}, s.Rooms())
}

func TestAppendIsIdempotentOnEventID(t *testing.T) {
	ctx := context.Background()
	s := NewStore(nil)
	ev := message(roomA, alice, "once")
	first, err := s.Append(ctx, ev)
	require.NoError(t, err)
	_, err = s.Append(ctx, message(roomA, alice, "twice"))
	require.NoError(t, err)
	again, err := s.Append(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, first, again)
	assert.Equal(t, types.StreamPosition(2), s.Latest(roomA))
}

func TestAppendRejectsInvalidEvents(t *testing.T) {
	s := NewStore(nil)
	bad := member(roomA, alice, "lurking")
	_, err := s.Append(context.Background(), bad)
	require.ErrorIs(t, err, synctypes.ErrInvalidContent)
	assert.Equal(t, types.StreamPosition(0), s.Latest(roomA))
}

func TestAppendRetriesJournalOnce(t *testing.T) {
	ctx := context.Background()

	j := &failingJournal{failures: 1}
	s := NewStore(j)
	seq, err := s.Append(ctx, message(roomA, alice, "retry"))
	require.NoError(t, err)
	assert.Equal(t, types.StreamPosition(1), seq)
	assert.Equal(t, 2, j.calls)

	j = &failingJournal{failures: 5}
	s = NewStore(j)
	_, err = s.Append(ctx, message(roomA, alice, "fail"))
	require.Error(t, err)
	assert.Equal(t, 2, j.calls)
	assert.Equal(t, types.StreamPosition(0), s.Latest(roomA), "failed appends must not become visible")
}

func TestConcurrentAppendsAreGapless(t *testing.T) {
	ctx := context.Background()
	s := NewStore(nil)
	const writers, perWriter = 8, 50

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				ev := &synctypes.ClientEvent{
					EventID: fmt.Sprintf("$w%d_%d", w, i),
					RoomID:  []string{roomA, roomB}[w%2],
					Sender:  alice,
					Type:    "m.room.message",
					Content: spec.RawJSON(`{}`),
				}
				_, err := s.Append(ctx, ev)
				assert.NoError(t, err)
			}
		}(w)
	}

	// readers run concurrently with the writers
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			snap := s.Snapshot(roomA)
			seqs := collect(snap, 0, 0)
			for j, seq := range seqs {
				assert.Equal(t, types.StreamPosition(j+1), seq)
			}
		}
	}()
	wg.Wait()
	<-done

	for _, roomID := range []string{roomA, roomB} {
		seqs := collect(s.Snapshot(roomID), 0, 0)
		require.Len(t, seqs, writers/2*perWriter)
		for i, seq := range seqs {
			assert.Equal(t, types.StreamPosition(i+1), seq)
		}
	}
}

func TestReadSinceIsLazyAndRestartable(t *testing.T) {
	ctx := context.Background()
	s := NewStore(nil)
	for i := 0; i < 10; i++ {
		_, err := s.Append(ctx, message(roomA, alice, "hi"))
		require.NoError(t, err)
	}
	snap := s.Snapshot(roomA)
	_, err := s.Append(ctx, message(roomA, alice, "after snapshot"))
	require.NoError(t, err)

	assert.Equal(t, []types.StreamPosition{4, 5, 6}, collect(snap, 3, 3))
	assert.Equal(t, []types.StreamPosition{4, 5, 6}, collect(snap, 3, 3))
	assert.Equal(t, []types.StreamPosition{9, 10}, collect(snap, 8, 0))
	assert.Empty(t, collect(snap, 10, 0))

	var first types.StreamPosition
	for seq := range s.ReadSince(roomA, 0, 0) {
		first = seq
		break
	}
	assert.Equal(t, types.StreamPosition(1), first)
	assert.Len(t, collect(s.Snapshot(roomA), 0, 0), 11)
}

func TestStateAt(t *testing.T) {
	ctx := context.Background()
	s := NewStore(nil)
	add := func(ev *synctypes.ClientEvent) types.StreamPosition {
		seq, err := s.Append(ctx, ev)
		require.NoError(t, err)
		return seq
	}
	add(state(roomA, synctypes.MRoomCreate, "", `{"creator":"@alice:test"}`))
	add(member(roomA, alice, spec.Join))
	nameV1 := add(state(roomA, synctypes.MRoomName, "", `{"name":"one"}`))
	add(message(roomA, alice, "hello"))
	nameV2 := add(state(roomA, synctypes.MRoomName, "", `{"name":"two"}`))
	add(member(roomA, bob, spec.Join))

	snap := s.Snapshot(roomA)
	nameKey := synctypes.StateKeyTuple{EventType: synctypes.MRoomName}

	atV1 := s.StateAt(roomA, nameV1)
	assert.Len(t, atV1, 3)
	assert.JSONEq(t, `{"name":"one"}`, string(atV1[nameKey].Content))

	atV2 := snap.StateAt(nameV2)
	assert.Len(t, atV2, 3)
	assert.JSONEq(t, `{"name":"two"}`, string(atV2[nameKey].Content))

	assert.Len(t, snap.StateAt(snap.Position()), 4)
	assert.Empty(t, snap.StateAt(0))

	between := snap.StateEventsBetween(nameV1, snap.Position())
	require.Len(t, between, 2)
	assert.Equal(t, synctypes.MRoomName, between[0].Type)
	assert.Equal(t, synctypes.MRoomMember, between[1].Type)

	membership, at := snap.MembershipAt(bob, snap.Position())
	assert.Equal(t, spec.Join, membership)
	assert.Equal(t, snap.Position(), at)
	membership, _ = snap.MembershipAt(bob, nameV2)
	assert.Equal(t, "", membership)
}

func TestMembershipIndexAndWakeSet(t *testing.T) {
	ctx := context.Background()
	s := NewStore(nil)
	obs := &recordingObserver{}
	s.SetObserver(obs)

	_, err := s.Append(ctx, member(roomA, alice, spec.Join))
	require.NoError(t, err)
	_, err = s.Append(ctx, member(roomA, bob, spec.Invite))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{alice, bob}, obs.wakes[1], "invite target is woken")

	_, err = s.Append(ctx, member(roomA, bob, spec.Join))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{alice, bob}, s.JoinedUsers(roomA))
	assert.Equal(t, map[string]string{roomA: spec.Join}, s.MembershipsForUser(bob))
	assert.Len(t, s.UsersSharingRooms(alice), 2)

	_, err = s.Append(ctx, member(roomA, bob, spec.Leave))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{alice}, s.JoinedUsers(roomA))
	assert.ElementsMatch(t, []string{alice, bob}, obs.wakes[3], "leaving user is woken")
	assert.Equal(t, map[string]string{roomA: spec.Leave}, s.MembershipsForUser(bob))
	assert.Len(t, s.UsersSharingRooms(bob), 1)
}

func TestRedaction(t *testing.T) {
	ctx := context.Background()
	j := &failingJournal{}
	s := NewStore(j)
	target := message(roomA, alice, "secret")
	targetSeq, err := s.Append(ctx, target)
	require.NoError(t, err)
	before := s.Snapshot(roomA)

	redaction := &synctypes.ClientEvent{
		EventID: "$redaction",
		RoomID:  roomA,
		Sender:  alice,
		Type:    synctypes.MRoomRedaction,
		Redacts: target.EventID,
		Content: spec.RawJSON(`{}`),
	}
	_, err = s.Append(ctx, redaction)
	require.NoError(t, err)

	after := s.Snapshot(roomA).EventBySeq(targetSeq)
	assert.JSONEq(t, `{}`, string(after.Content))
	assert.Contains(t, string(after.Unsigned), "$redaction")
	assert.Equal(t, []types.StreamPosition{targetSeq}, j.updated)

	// older snapshots are immutable
	assert.Contains(t, string(before.EventBySeq(targetSeq).Content), "secret")

	// membership survives redaction
	m := member(roomA, bob, spec.Join)
	m.Content = spec.RawJSON(`{"membership":"join","displayname":"Bob"}`)
	mSeq, err := s.Append(ctx, m)
	require.NoError(t, err)
	_, err = s.Append(ctx, &synctypes.ClientEvent{
		EventID: "$redaction2", RoomID: roomA, Sender: alice, Type: synctypes.MRoomRedaction,
		Content: spec.RawJSON(fmt.Sprintf(`{"redacts":%q}`, m.EventID)),
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"membership":"join"}`, string(s.Snapshot(roomA).EventBySeq(mSeq).Content))
}

func TestRestore(t *testing.T) {
	s := NewStore(nil)
	require.NoError(t, s.Restore(member(roomA, alice, spec.Join), 1))
	require.NoError(t, s.Restore(message(roomA, alice, "hi"), 2))
	require.Error(t, s.Restore(message(roomA, alice, "gap"), 4))
	assert.Equal(t, types.StreamPosition(2), s.Latest(roomA))
	assert.Equal(t, []string{alice}, s.JoinedUsers(roomA))
}

func TestContext(t *testing.T) {
	ctx := context.Background()
	s := NewStore(nil)
	_, err := s.Append(ctx, member(roomA, alice, spec.Join))
	require.NoError(t, err)
	var ids []string
	for i := 0; i < 30; i++ {
		ev := message(roomA, alice, fmt.Sprintf("m%d", i))
		ids = append(ids, ev.EventID)
		_, err = s.Append(ctx, ev)
		require.NoError(t, err)
	}
	_, err = s.Append(ctx, state(roomA, synctypes.MRoomName, "", `{"name":"late"}`))
	require.NoError(t, err)

	anchor := ids[15] // seq 17
	ec, err := s.Context(roomA, anchor, DefaultContextLimit)
	require.NoError(t, err)
	assert.Equal(t, anchor, ec.Event.EventID)
	require.Len(t, ec.EventsBefore, 10)
	require.Len(t, ec.EventsAfter, 10)
	assert.Equal(t, ids[5], ec.EventsBefore[0].EventID, "events_before is oldest first")
	assert.Equal(t, ids[14], ec.EventsBefore[9].EventID)
	assert.Equal(t, ids[16], ec.EventsAfter[0].EventID)
	assert.Equal(t, types.TopologyToken{Seq: 7}, ec.Start)
	assert.Equal(t, types.TopologyToken{Seq: 27}, ec.End)
	require.Len(t, ec.State, 1, "state is taken at the anchor")
	assert.Equal(t, synctypes.MRoomMember, ec.State[0].Type)

	ec, err = s.Context(roomA, ids[1], 5)
	require.NoError(t, err)
	assert.Len(t, ec.EventsBefore, 2)
	assert.Len(t, ec.EventsAfter, 5)

	ec, err = s.Context(roomA, ids[1], 0)
	require.NoError(t, err)
	assert.Empty(t, ec.EventsBefore)
	assert.Empty(t, ec.EventsAfter)

	_, err = s.Context(roomA, "$missing", 10)
	assert.ErrorIs(t, err, types.ErrUnknownEvent)
	_, err = s.Context(roomB, anchor, 10)
	assert.ErrorIs(t, err, types.ErrUnknownEvent)
	_, err = s.Context(roomA, anchor, -1)
	assert.ErrorIs(t, err, types.ErrBadPagination)
}
