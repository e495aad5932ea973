// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"context"
	"time"

	"github.com/element-hq/synchrotron/syncapi/notifier"
)

// SyncState is the outcome of a long-poll.
type SyncState int

const (
	// Immediate means data was available without parking, or arrived
	// while parked.
	Immediate SyncState = iota
	// Waiting is the state of a parked request. It is never returned.
	Waiting
	// TimedOut means the timeout expired with nothing new to report.
	TimedOut
	// Cancelled means the client went away while parked.
	Cancelled
)

func (s SyncState) String() string {
	switch s {
	case Immediate:
		return "immediate"
	case Waiting:
		return "waiting"
	case TimedOut:
		return "timed_out"
	case Cancelled:
		return "cancelled"
	}
	return "unknown"
}

// longPoll runs compute until it reports data, the timeout expires or ctx
// is done. The listener must be registered before the first compute so that
// no wake is lost between computing and parking. After every wake the
// listener is re-armed before recomputing, so a wake for data the filter
// drops does not end the request early.
func longPoll[T any](
	ctx context.Context, l *notifier.Listener, timeout time.Duration,
	compute func() (T, bool, error),
) (T, SyncState, error) {
	res, ok, err := compute()
	if err != nil || ok || timeout <= 0 {
		return res, Immediate, err
	}

	waitingSyncRequests.Inc()
	defer waitingSyncRequests.Dec()
	parked := time.Now()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-l.C():
			l.Rearm()
			res, ok, err = compute()
			if err != nil {
				return res, Immediate, err
			}
			if ok {
				syncLagSeconds.Set(time.Since(parked).Seconds())
				return res, Immediate, nil
			}
		case <-timer.C:
			// Anything committed in the final instant is still reported.
			res, _, err = compute()
			return res, TimedOut, err
		case <-ctx.Done():
			var zero T
			return zero, Cancelled, ctx.Err()
		}
	}
}
