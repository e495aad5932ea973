// Copyright 2024 New Vector Ltd.
// Copyright 2022 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package consumers

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"github.com/element-hq/synchrotron/setup/config"
	"github.com/element-hq/synchrotron/setup/jetstream"
	"github.com/element-hq/synchrotron/setup/process"
	"github.com/element-hq/synchrotron/syncapi/synctypes"
	"github.com/element-hq/synchrotron/syncapi/userdata"
)

// PresenceConsumer consumes presence updates published by other components.
type PresenceConsumer struct {
	ctx       context.Context
	jetstream nats.JetStreamContext
	durable   string
	topic     string
	presence  *userdata.PresenceStore
	now       func() time.Time
}

// NewPresenceConsumer creates a new PresenceConsumer.
// Call Start() to begin consuming events.
func NewPresenceConsumer(
	process *process.ProcessContext,
	cfg *config.SyncAPI,
	js nats.JetStreamContext,
	presence *userdata.PresenceStore,
) *PresenceConsumer {
	return &PresenceConsumer{
		ctx:       process.Context(),
		jetstream: js,
		topic:     cfg.Matrix.JetStream.Prefixed(jetstream.OutputPresenceEvent),
		durable:   cfg.Matrix.JetStream.Durable("SyncAPIPresenceConsumer"),
		presence:  presence,
		now:       time.Now,
	}
}

// Start consuming presence events.
func (s *PresenceConsumer) Start() error {
	return jetstream.JetStreamConsumer(
		s.ctx, s.jetstream, s.topic, s.durable, 1,
		s.onMessage, nats.DeliverAll(), nats.ManualAck(),
	)
}

func (s *PresenceConsumer) onMessage(ctx context.Context, msgs []*nats.Msg) bool {
	msg := msgs[0] // Guaranteed to exist if onMessage is called
	userID := msg.Header.Get(jetstream.UserID)
	presence := msg.Header.Get(jetstream.Presence)
	log.Tracef("syncAPI received presence event: %+v", msg.Header)

	if _, err := spec.NewUserID(userID, true); err != nil {
		s.reject(fmt.Errorf("presence: invalid user ID %q: %w", userID, err))
		return true
	}

	lastActive := spec.AsTimestamp(s.now())
	if ts := msg.Header.Get(jetstream.LastActiveTS); ts != "" {
		parsed, err := strconv.ParseUint(ts, 10, 64)
		if err != nil {
			s.reject(fmt.Errorf("presence: invalid last_active_ts %q: %w", ts, err))
			return true
		}
		lastActive = spec.Timestamp(parsed)
	}

	var statusMsg *string
	if data, ok := msg.Header[jetstream.StatusMsg]; ok && len(data) > 0 {
		newMsg := msg.Header.Get(jetstream.StatusMsg)
		statusMsg = &newMsg
	}

	rev, changed, err := s.presence.SetPresence(ctx, userID, presence, statusMsg, lastActive)
	switch {
	case errors.Is(err, synctypes.ErrInvalidContent):
		s.reject(err)
		return true
	case err != nil:
		log.WithError(err).WithField("user_id", userID).Error("presence: failed to store presence, will retry")
		consumedMessages.WithLabelValues(jetstream.OutputPresenceEvent, outcomeRetry).Inc()
		return false
	}
	log.WithFields(log.Fields{
		"user_id": userID,
		"rev":     rev,
		"changed": changed,
	}).Debug("Sync API consumer stored presence")
	consumedMessages.WithLabelValues(jetstream.OutputPresenceEvent, outcomeStored).Inc()
	return true
}

func (s *PresenceConsumer) reject(err error) {
	log.WithError(err).Error("presence output log: rejecting message")
	sentry.CaptureException(err)
	consumedMessages.WithLabelValues(jetstream.OutputPresenceEvent, outcomeRejected).Inc()
}
