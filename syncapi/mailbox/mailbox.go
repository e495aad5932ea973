// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package mailbox

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/element-hq/synchrotron/internal"
	"github.com/element-hq/synchrotron/syncapi/types"
)

var enqueuedMessages = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "synchrotron",
		Subsystem: "syncapi",
		Name:      "send_to_device_enqueued",
		Help:      "Number of to-device messages placed into device mailboxes",
	},
)

func init() {
	prometheus.MustRegister(enqueuedMessages)
}

// DefaultTxnTTL is how long a (sender, txn_id) pair is remembered once its
// entry has been acknowledged. Unacknowledged entries dedupe from the queue.
const DefaultTxnTTL = 30 * time.Minute

// Entry is a to-device message waiting in one device's mailbox.
type Entry struct {
	Rev             types.StreamPosition
	RecipientUser   string
	RecipientDevice string
	Sender          string
	TxnID           string
	Type            string
	Content         spec.RawJSON
}

// Message is a batch of to-device messages sent in one transaction.
// Messages maps user ID to device ID to content.
type Message struct {
	Sender   string
	TxnID    string
	Type     string
	Messages map[string]map[string]spec.RawJSON
}

// Journal durably records mailbox changes.
type Journal interface {
	StoreSendToDevice(ctx context.Context, entry *Entry) error
	DeleteSendToDevice(ctx context.Context, userID, deviceID string, upTo types.StreamPosition) error
}

// Observer is told when a device has new mail.
type Observer interface {
	OnNewSendToDevice(userID string, deviceIDs []string, rev types.StreamPosition)
}

type deviceKey struct {
	userID, deviceID string
}

type queue struct {
	mu      sync.Mutex
	entries []Entry
}

// find returns the revision of the queued entry from sender with txnID.
func (q *queue) find(sender, txnID string) (types.StreamPosition, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.entries {
		if q.entries[i].Sender == sender && q.entries[i].TxnID == txnID {
			return q.entries[i].Rev, true
		}
	}
	return 0, false
}

// Mailbox holds per-device queues of to-device messages. Revisions are
// global: every enqueued entry gets the next revision, and an entry is
// visible before any later revision is published.
type Mailbox struct {
	journal  Journal
	observer atomic.Pointer[observerBox]
	txns     *cache.Cache
	latest   atomic.Int64

	enqueueMu sync.Mutex // serialises revision allocation and publication
	queuesMu  sync.RWMutex
	queues    map[deviceKey]*queue
}

type observerBox struct {
	Observer
}

// New creates an empty mailbox. A nil journal disables persistence.
func New(journal Journal, txnTTL time.Duration) *Mailbox {
	if txnTTL <= 0 {
		txnTTL = DefaultTxnTTL
	}
	return &Mailbox{
		journal: journal,
		txns:    cache.New(txnTTL, txnTTL*2),
		queues:  map[deviceKey]*queue{},
	}
}

// SetObserver installs the observer notified after each send.
func (m *Mailbox) SetObserver(o Observer) {
	m.observer.Store(&observerBox{o})
}

func txnKey(sender, txnID, userID, deviceID string) string {
	return sender + "\x00" + txnID + "\x00" + userID + "\x00" + deviceID
}

// Latest returns the highest revision published so far.
func (m *Mailbox) Latest() types.StreamPosition {
	return types.StreamPosition(m.latest.Load())
}

func (m *Mailbox) queue(userID, deviceID string, create bool) *queue {
	key := deviceKey{userID, deviceID}
	m.queuesMu.RLock()
	q, ok := m.queues[key]
	m.queuesMu.RUnlock()
	if ok || !create {
		return q
	}
	m.queuesMu.Lock()
	defer m.queuesMu.Unlock()
	if q, ok = m.queues[key]; !ok {
		q = &queue{}
		m.queues[key] = q
	}
	return q
}

// Send enqueues one entry per recipient device. Recipients already seen for
// the same (sender, txn_id) are skipped. It returns the highest revision
// belonging to the transaction.
func (m *Mailbox) Send(ctx context.Context, msg Message) (types.StreamPosition, error) {
	if msg.Sender == "" || msg.TxnID == "" || msg.Type == "" {
		return 0, fmt.Errorf("mailbox: sender, txn_id and type are required")
	}

	userIDs := make([]string, 0, len(msg.Messages))
	for userID := range msg.Messages {
		userIDs = append(userIDs, userID)
	}
	sort.Strings(userIDs)

	var highest types.StreamPosition
	woken := map[string][]string{}

	m.enqueueMu.Lock()
	for _, userID := range userIDs {
		deviceIDs := make([]string, 0, len(msg.Messages[userID]))
		for deviceID := range msg.Messages[userID] {
			deviceIDs = append(deviceIDs, deviceID)
		}
		sort.Strings(deviceIDs)
		for _, deviceID := range deviceIDs {
			if rev, ok := m.seen(msg.Sender, msg.TxnID, userID, deviceID); ok {
				highest = max(highest, rev)
				continue
			}
			entry := Entry{
				Rev:             m.Latest() + 1,
				RecipientUser:   userID,
				RecipientDevice: deviceID,
				Sender:          msg.Sender,
				TxnID:           msg.TxnID,
				Type:            msg.Type,
				Content:         msg.Messages[userID][deviceID],
			}
			if m.journal != nil {
				err := internal.RetryOnce(ctx, func() error {
					return m.journal.StoreSendToDevice(ctx, &entry)
				})
				if err != nil {
					m.enqueueMu.Unlock()
					m.notify(woken, highest)
					return 0, fmt.Errorf("journal: %w", err)
				}
			}
			q := m.queue(userID, deviceID, true)
			q.mu.Lock()
			q.entries = append(q.entries, entry)
			q.mu.Unlock()
			m.latest.Store(int64(entry.Rev))
			highest = entry.Rev
			woken[userID] = append(woken[userID], deviceID)
			enqueuedMessages.Inc()
		}
	}
	m.enqueueMu.Unlock()

	m.notify(woken, highest)
	return highest, nil
}

// seen returns the revision already given to (sender, txnID) for the device,
// either from its queue or, once acknowledged, from the txn cache.
func (m *Mailbox) seen(sender, txnID, userID, deviceID string) (types.StreamPosition, bool) {
	if q := m.queue(userID, deviceID, false); q != nil {
		if rev, ok := q.find(sender, txnID); ok {
			return rev, true
		}
	}
	if rev, ok := m.txns.Get(txnKey(sender, txnID, userID, deviceID)); ok {
		return rev.(types.StreamPosition), true
	}
	return 0, false
}

func (m *Mailbox) notify(woken map[string][]string, rev types.StreamPosition) {
	o := m.observer.Load()
	if o == nil {
		return
	}
	for userID, deviceIDs := range woken {
		o.OnNewSendToDevice(userID, deviceIDs, rev)
	}
}

// Restore re-applies a journalled entry on startup. Entries must be restored
// in revision order.
func (m *Mailbox) Restore(entry Entry) {
	m.enqueueMu.Lock()
	defer m.enqueueMu.Unlock()
	q := m.queue(entry.RecipientUser, entry.RecipientDevice, true)
	q.mu.Lock()
	q.entries = append(q.entries, entry)
	q.mu.Unlock()
	if int64(entry.Rev) > m.latest.Load() {
		m.latest.Store(int64(entry.Rev))
	}
}

// SetLatest raises the published revision, used on startup when every
// journalled entry has already been acknowledged.
func (m *Mailbox) SetLatest(rev types.StreamPosition) {
	m.enqueueMu.Lock()
	defer m.enqueueMu.Unlock()
	if int64(rev) > m.latest.Load() {
		m.latest.Store(int64(rev))
	}
}

// Drain returns entries for the device with since < rev <= upTo in
// ascending order, at most limit of them (limit <= 0 means no limit).
// Entries are not removed, see Acknowledge.
func (m *Mailbox) Drain(userID, deviceID string, since, upTo types.StreamPosition, limit int) []Entry {
	q := m.queue(userID, deviceID, false)
	if q == nil {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	start := sort.Search(len(q.entries), func(i int) bool { return q.entries[i].Rev > since })
	var out []Entry
	for _, entry := range q.entries[start:] {
		if entry.Rev > upTo || (limit > 0 && len(out) >= limit) {
			break
		}
		out = append(out, entry)
	}
	return out
}

// Pending returns the number of entries waiting for the device.
func (m *Mailbox) Pending(userID, deviceID string) int {
	q := m.queue(userID, deviceID, false)
	if q == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Acknowledge removes entries with rev <= upTo for the device. Journal
// failures are only logged.
func (m *Mailbox) Acknowledge(ctx context.Context, userID, deviceID string, upTo types.StreamPosition) {
	q := m.queue(userID, deviceID, false)
	if q == nil {
		return
	}
	q.mu.Lock()
	n := sort.Search(len(q.entries), func(i int) bool { return q.entries[i].Rev > upTo })
	if n == 0 {
		q.mu.Unlock()
		return
	}
	for _, entry := range q.entries[:n] {
		m.txns.SetDefault(txnKey(entry.Sender, entry.TxnID, userID, deviceID), entry.Rev)
	}
	q.entries = append([]Entry(nil), q.entries[n:]...)
	empty := len(q.entries) == 0
	q.mu.Unlock()

	if empty {
		m.enqueueMu.Lock()
		m.queuesMu.Lock()
		q.mu.Lock()
		if len(q.entries) == 0 {
			delete(m.queues, deviceKey{userID, deviceID})
		}
		q.mu.Unlock()
		m.queuesMu.Unlock()
		m.enqueueMu.Unlock()
	}

	if m.journal != nil {
		if err := m.journal.DeleteSendToDevice(ctx, userID, deviceID, upTo); err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"user_id":   userID,
				"device_id": deviceID,
				"up_to":     upTo,
			}).Warn("Failed to delete acknowledged send-to-device messages")
		}
	}
}
