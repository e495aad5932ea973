// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package notifier

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/synchrotron/syncapi/synctypes"
	"github.com/element-hq/synchrotron/syncapi/types"
)

var activeStreams = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "synchrotron",
		Subsystem: "syncapi",
		Name:      "notifier_streams",
		Help:      "Number of user and room streams with at least one listener",
	},
)

func init() {
	prometheus.MustRegister(activeStreams)
}

// RoomMembers reports which users share rooms with a user, so that presence
// changes wake the right listeners.
type RoomMembers interface {
	UsersSharingRooms(userID string) map[string]struct{}
}

// Notifier wakes parked sync requests when something they may care about
// changes. It does not know what changed: woken listeners recompute their
// response and park again if nothing passes their filter.
//
// Streams only exist while somebody listens on them, so abandoned
// connections leave nothing behind.
type Notifier struct {
	members RoomMembers
	lock    sync.Mutex
	streams map[string]*stream
}

type stream struct {
	signal     chan struct{}
	numWaiting int
}

// NewNotifier creates a notifier. members may be nil, in which case presence
// changes only wake the user whose presence changed.
func NewNotifier(members RoomMembers) *Notifier {
	return &Notifier{
		members: members,
		streams: map[string]*stream{},
	}
}

func userKey(userID string) string { return "u:" + userID }
func roomKey(roomID string) string { return "r:" + roomID }

// Listener is a registration on one stream. Its channel is closed by the
// first wake after the listener was created or last re-armed.
type Listener struct {
	n      *Notifier
	key    string
	signal chan struct{}
	once   sync.Once
}

// ListenUser registers for wakes addressed to the user.
func (n *Notifier) ListenUser(userID string) *Listener {
	return n.listen(userKey(userID))
}

// ListenRoom registers for wakes on every new event in the room.
func (n *Notifier) ListenRoom(roomID string) *Listener {
	return n.listen(roomKey(roomID))
}

func (n *Notifier) listen(key string) *Listener {
	n.lock.Lock()
	defer n.lock.Unlock()
	s, ok := n.streams[key]
	if !ok {
		s = &stream{signal: make(chan struct{})}
		n.streams[key] = s
		activeStreams.Inc()
	}
	s.numWaiting++
	return &Listener{n: n, key: key, signal: s.signal}
}

// C returns a channel that is closed on the next wake.
func (l *Listener) C() <-chan struct{} {
	return l.signal
}

// Rearm picks up the current signal channel of the stream. Call it before
// recomputing a response after a wake so that later wakes are not missed.
func (l *Listener) Rearm() {
	l.n.lock.Lock()
	defer l.n.lock.Unlock()
	if s, ok := l.n.streams[l.key]; ok {
		l.signal = s.signal
	}
}

// Close releases the listener. It is safe to call more than once.
func (l *Listener) Close() {
	l.once.Do(func() {
		l.n.lock.Lock()
		defer l.n.lock.Unlock()
		s, ok := l.n.streams[l.key]
		if !ok {
			return
		}
		s.numWaiting--
		if s.numWaiting <= 0 {
			delete(l.n.streams, l.key)
			activeStreams.Dec()
		}
	})
}

// ActiveStreams returns the number of streams with listeners.
func (n *Notifier) ActiveStreams() int {
	n.lock.Lock()
	defer n.lock.Unlock()
	return len(n.streams)
}

// WakeUsers wakes every listener of the given users.
func (n *Notifier) WakeUsers(userIDs ...string) {
	n.lock.Lock()
	defer n.lock.Unlock()
	for _, userID := range userIDs {
		n.wakeLocked(userKey(userID))
	}
}

// WakeRoom wakes every listener of the room stream.
func (n *Notifier) WakeRoom(roomID string) {
	n.lock.Lock()
	defer n.lock.Unlock()
	n.wakeLocked(roomKey(roomID))
}

func (n *Notifier) wakeLocked(key string) {
	s, ok := n.streams[key]
	if !ok {
		return
	}
	close(s.signal)
	s.signal = make(chan struct{})
}

// OnNewEvent is called by the timeline store after an event is appended.
func (n *Notifier) OnNewEvent(ev *synctypes.ClientEvent, seq types.StreamPosition, wake []string) {
	logrus.WithFields(logrus.Fields{
		"room_id": ev.RoomID,
		"seq":     seq,
		"wake":    len(wake),
	}).Trace("Notifier: new room event")
	n.lock.Lock()
	defer n.lock.Unlock()
	for _, userID := range wake {
		n.wakeLocked(userKey(userID))
	}
	n.wakeLocked(roomKey(ev.RoomID))
}

// OnNewSendToDevice is called by the mailbox after messages are enqueued.
func (n *Notifier) OnNewSendToDevice(userID string, _ []string, _ types.StreamPosition) {
	n.WakeUsers(userID)
}

// OnNewAccountData is called after a user's account data changes.
func (n *Notifier) OnNewAccountData(userID string, _ types.StreamPosition) {
	n.WakeUsers(userID)
}

// OnNewPresence is called after a user's presence changes. Everyone sharing
// a room with the user is woken.
func (n *Notifier) OnNewPresence(userID string, _ types.StreamPosition) {
	if n.members == nil {
		n.WakeUsers(userID)
		return
	}
	users := n.members.UsersSharingRooms(userID)
	n.lock.Lock()
	defer n.lock.Unlock()
	n.wakeLocked(userKey(userID))
	for other := range users {
		if other != userID {
			n.wakeLocked(userKey(other))
		}
	}
}
