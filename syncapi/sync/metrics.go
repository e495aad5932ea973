// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	syncDurationHistogram = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "synchrotron",
			Subsystem: "syncapi",
			Name:      "sync_duration_seconds",
			Help:      "Time taken to answer a /sync request, by outcome",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 5, 10, 30, 60, 120, 300},
		},
		[]string{"state"},
	)
	syncLagSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "synchrotron",
			Subsystem: "syncapi",
			Name:      "sync_lag_seconds",
			Help:      "Time the most recent woken /sync request spent parked before data arrived",
		},
	)
	waitingSyncRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "synchrotron",
			Subsystem: "syncapi",
			Name:      "waiting_syncs",
			Help:      "The number of sync requests waiting for new data",
		},
	)
)

func init() {
	prometheus.MustRegister(syncDurationHistogram, syncLagSeconds, waitingSyncRequests)
}

// observeSyncMetrics records a sync that completed with data after being
// parked for waited.
func observeSyncMetrics(duration, waited time.Duration) {
	observeSyncOutcome(Immediate, duration)
	syncLagSeconds.Set(waited.Seconds())
}

func observeSyncOutcome(state SyncState, duration time.Duration) {
	syncDurationHistogram.WithLabelValues(state.String()).Observe(duration.Seconds())
}
