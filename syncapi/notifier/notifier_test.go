// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package notifier

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/synchrotron/syncapi/synctypes"
)

const (
	alice = "@alice:localhost"
	bob   = "@bob:localhost"
	carol = "@carol:localhost"
	room  = "!room:localhost"
)

type sharedRooms map[string]map[string]struct{}

func (s sharedRooms) UsersSharingRooms(userID string) map[string]struct{} {
	return s[userID]
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestWakeClosesChannel(t *testing.T) {
	n := NewNotifier(nil)
	l := n.ListenUser(alice)
	defer l.Close()

	assert.False(t, isClosed(l.C()))
	n.WakeUsers(bob)
	assert.False(t, isClosed(l.C()), "other users do not wake alice")
	n.WakeUsers(alice)
	assert.True(t, isClosed(l.C()))

	l.Rearm()
	assert.False(t, isClosed(l.C()), "rearming picks up a fresh channel")
}

func TestWakeBeforeWaitIsNotLost(t *testing.T) {
	n := NewNotifier(nil)
	l := n.ListenUser(alice)
	defer l.Close()
	// a wake between listening and waiting must still be seen
	n.WakeUsers(alice)
	select {
	case <-l.C():
	case <-time.After(time.Second):
		t.Fatal("wake was lost")
	}
}

func TestCloseRemovesStream(t *testing.T) {
	n := NewNotifier(nil)
	l1 := n.ListenUser(alice)
	l2 := n.ListenUser(alice)
	r := n.ListenRoom(room)
	assert.Equal(t, 2, n.ActiveStreams())

	l1.Close()
	l1.Close()
	assert.Equal(t, 2, n.ActiveStreams(), "double close must not release l2")
	l2.Close()
	r.Close()
	assert.Equal(t, 0, n.ActiveStreams())

	// waking a user nobody listens to is a no-op
	n.WakeUsers(alice)
	assert.Equal(t, 0, n.ActiveStreams())
}

func TestOnNewEventWakesUsersAndRoom(t *testing.T) {
	n := NewNotifier(nil)
	a := n.ListenUser(alice)
	defer a.Close()
	c := n.ListenUser(carol)
	defer c.Close()
	r := n.ListenRoom(room)
	defer r.Close()

	n.OnNewEvent(&synctypes.ClientEvent{RoomID: room, EventID: "$e"}, 1, []string{alice, bob})
	assert.True(t, isClosed(a.C()))
	assert.False(t, isClosed(c.C()))
	assert.True(t, isClosed(r.C()))
}

func TestOnNewPresenceWakesSharedRooms(t *testing.T) {
	n := NewNotifier(sharedRooms{alice: {alice: {}, bob: {}}})
	b := n.ListenUser(bob)
	defer b.Close()
	c := n.ListenUser(carol)
	defer c.Close()

	n.OnNewPresence(alice, 1)
	assert.True(t, isClosed(b.C()))
	assert.False(t, isClosed(c.C()))
}

func TestOnNewSendToDeviceAndAccountData(t *testing.T) {
	n := NewNotifier(nil)
	l := n.ListenUser(alice)
	defer l.Close()
	n.OnNewSendToDevice(alice, []string{"DEV"}, 3)
	require.True(t, isClosed(l.C()))
	l.Rearm()
	n.OnNewAccountData(alice, 4)
	assert.True(t, isClosed(l.C()))
}

func TestConcurrentListenersDoNotLeak(t *testing.T) {
	n := NewNotifier(nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l := n.ListenUser(alice)
			defer l.Close()
			select {
			case <-l.C():
			case <-time.After(time.Millisecond):
			}
		}()
	}
	for i := 0; i < 10; i++ {
		n.WakeUsers(alice)
	}
	wg.Wait()
	assert.Equal(t, 0, n.ActiveStreams())
}
