// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package consumers

import "github.com/prometheus/client_golang/prometheus"

const (
	outcomeStored   = "stored"
	outcomeRejected = "rejected"
	outcomeRetry    = "retry"
)

var consumedMessages = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "synchrotron",
		Subsystem: "syncapi",
		Name:      "consumed_messages",
		Help:      "Number of upstream messages consumed, by stream and outcome",
	},
	[]string{"stream", "outcome"},
)

func init() {
	prometheus.MustRegister(consumedMessages)
}
