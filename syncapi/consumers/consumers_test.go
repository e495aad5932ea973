// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package consumers

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gotest.tools/v3/poll"

	"github.com/element-hq/synchrotron/setup/config"
	"github.com/element-hq/synchrotron/setup/jetstream"
	"github.com/element-hq/synchrotron/setup/process"
	"github.com/element-hq/synchrotron/syncapi/synctypes"
	"github.com/element-hq/synchrotron/syncapi/timeline"
	"github.com/element-hq/synchrotron/syncapi/types"
	"github.com/element-hq/synchrotron/syncapi/userdata"
)

const (
	roomID = "!room:test"
	alice  = "@alice:test"
)

func mustCreateJetStream(t *testing.T) (*process.ProcessContext, *config.SyncAPI, nats.JetStreamContext) {
	t.Helper()
	processCtx := process.NewProcessContext()
	cfg := &config.SyncAPI{
		Matrix: &config.Global{
			JetStream: config.JetStream{
				StoragePath: config.Path(t.TempDir()),
				TopicPrefix: "Test",
				InMemory:    true,
				NoLog:       true,
			},
		},
	}
	js, nc, err := (&jetstream.NATSInstance{}).Prepare(processCtx, &cfg.Matrix.JetStream)
	require.NoError(t, err)
	t.Cleanup(func() {
		nc.Close()
		processCtx.ShutdownSynchrotron()
		processCtx.WaitForComponentsToFinish()
	})
	return processCtx, cfg, js
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if cond() {
			return poll.Success()
		}
		return poll.Continue("waiting for %s", what)
	}, poll.WithTimeout(10*time.Second), poll.WithDelay(10*time.Millisecond))
}

func publishEvent(t *testing.T, js nats.JetStreamContext, subject string, ev any) {
	t.Helper()
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	_, err = js.PublishMsg(&nats.Msg{Subject: subject, Data: data})
	require.NoError(t, err)
}

func message(eventID, body string) *synctypes.ClientEvent {
	return &synctypes.ClientEvent{
		EventID: eventID,
		RoomID:  roomID,
		Sender:  alice,
		Type:    "m.room.message",
		Content: spec.RawJSON(`{"msgtype":"m.text","body":"` + body + `"}`),
	}
}

// flakyJournal fails the first failures writes.
type flakyJournal struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (j *flakyJournal) StoreRoomEvent(context.Context, types.StreamPosition, *synctypes.ClientEvent) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.calls++
	if j.calls <= j.failures {
		return errors.New("database is locked")
	}
	return nil
}

func (j *flakyJournal) UpdateRoomEvent(context.Context, types.StreamPosition, *synctypes.ClientEvent) error {
	return nil
}

func (j *flakyJournal) Calls() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.calls
}

func TestOutputRoomEventConsumer(t *testing.T) {
	processCtx, cfg, js := mustCreateJetStream(t)
	rooms := timeline.NewStore(nil)
	consumer := NewOutputRoomEventConsumer(processCtx, cfg, js, rooms)
	require.NoError(t, consumer.Start())
	subject := cfg.Matrix.JetStream.Prefixed(jetstream.OutputRoomEvent)

	_, err := js.PublishMsg(&nats.Msg{Subject: subject, Data: []byte("not json")})
	require.NoError(t, err)
	publishEvent(t, js, subject, &synctypes.ClientEvent{EventID: "$nosender", RoomID: roomID, Type: "m.room.message"})
	publishEvent(t, js, subject, message("$one", "hello"))
	publishEvent(t, js, subject, message("$two", "world"))

	waitFor(t, "both events", func() bool { return rooms.Latest(roomID) == 2 })
	seq, ok := rooms.SeqOf(roomID, "$two")
	assert.True(t, ok)
	assert.Equal(t, types.StreamPosition(2), seq)
	_, ok = rooms.SeqOf(roomID, "$nosender")
	assert.False(t, ok, "invalid events must be dropped")
}

func TestOutputRoomEventConsumerRedeliversOnStoreFault(t *testing.T) {
	processCtx, cfg, js := mustCreateJetStream(t)
	journal := &flakyJournal{failures: 2}
	rooms := timeline.NewStore(journal)
	consumer := NewOutputRoomEventConsumer(processCtx, cfg, js, rooms)
	require.NoError(t, consumer.Start())

	publishEvent(t, js, cfg.Matrix.JetStream.Prefixed(jetstream.OutputRoomEvent), message("$retry", "again"))

	waitFor(t, "redelivered event", func() bool { return rooms.Latest(roomID) == 1 })
	assert.Equal(t, 3, journal.Calls())
}

func TestPresenceConsumer(t *testing.T) {
	processCtx, cfg, js := mustCreateJetStream(t)
	presence := userdata.NewPresenceStore(nil)
	consumer := NewPresenceConsumer(processCtx, cfg, js, presence)
	consumer.now = func() time.Time { return time.UnixMilli(5000) }
	require.NoError(t, consumer.Start())
	subject := cfg.Matrix.JetStream.Prefixed(jetstream.OutputPresenceEvent)

	publish := func(header nats.Header) {
		t.Helper()
		msg := nats.NewMsg(subject)
		msg.Header = header
		_, err := js.PublishMsg(msg)
		require.NoError(t, err)
	}

	publish(nats.Header{jetstream.UserID: {"not-a-user"}, jetstream.Presence: {"online"}})
	publish(nats.Header{jetstream.UserID: {"@bob:test"}, jetstream.Presence: {"dancing"}})
	publish(nats.Header{jetstream.UserID: {"@carol:test"}, jetstream.Presence: {"online"}, jetstream.LastActiveTS: {"yesterday"}})
	publish(nats.Header{
		jetstream.UserID:       {alice},
		jetstream.Presence:     {"unavailable"},
		jetstream.StatusMsg:    {"lunch"},
		jetstream.LastActiveTS: {"1234"},
	})
	publish(nats.Header{jetstream.UserID: {"@dave:test"}, jetstream.Presence: {"online"}})

	waitFor(t, "presence of dave", func() bool {
		_, ok := presence.Get("@dave:test")
		return ok
	})

	p, ok := presence.Get(alice)
	require.True(t, ok)
	assert.Equal(t, "unavailable", p.Presence)
	require.NotNil(t, p.StatusMsg)
	assert.Equal(t, "lunch", *p.StatusMsg)
	assert.Equal(t, spec.Timestamp(1234), p.LastActiveTS)

	p, _ = presence.Get("@dave:test")
	assert.Nil(t, p.StatusMsg)
	assert.Equal(t, spec.Timestamp(5000), p.LastActiveTS)

	for _, userID := range []string{"not-a-user", "@bob:test", "@carol:test"} {
		_, ok := presence.Get(userID)
		assert.False(t, ok, userID)
	}
}
