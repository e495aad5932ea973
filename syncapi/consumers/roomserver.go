// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package consumers

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/getsentry/sentry-go"
	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"github.com/element-hq/synchrotron/setup/config"
	"github.com/element-hq/synchrotron/setup/jetstream"
	"github.com/element-hq/synchrotron/setup/process"
	"github.com/element-hq/synchrotron/syncapi/synctypes"
	"github.com/element-hq/synchrotron/syncapi/timeline"
)

// OutputRoomEventConsumer consumes events that originated in the room server.
type OutputRoomEventConsumer struct {
	ctx       context.Context
	jetstream nats.JetStreamContext
	durable   string
	topic     string
	rooms     *timeline.Store
}

// NewOutputRoomEventConsumer creates a new OutputRoomEventConsumer. Call Start() to begin consuming from room servers.
func NewOutputRoomEventConsumer(
	process *process.ProcessContext,
	cfg *config.SyncAPI,
	js nats.JetStreamContext,
	rooms *timeline.Store,
) *OutputRoomEventConsumer {
	return &OutputRoomEventConsumer{
		ctx:       process.Context(),
		jetstream: js,
		topic:     cfg.Matrix.JetStream.Prefixed(jetstream.OutputRoomEvent),
		durable:   cfg.Matrix.JetStream.Durable("SyncAPIRoomServerConsumer"),
		rooms:     rooms,
	}
}

// Start consuming from room servers
func (s *OutputRoomEventConsumer) Start() error {
	return jetstream.JetStreamConsumer(
		s.ctx, s.jetstream, s.topic, s.durable, 1,
		s.onMessage, nats.DeliverAll(), nats.ManualAck(),
	)
}

// onMessage is called when the sync server receives a new event from the room server output log.
// Returning false makes JetStream redeliver the message.
func (s *OutputRoomEventConsumer) onMessage(ctx context.Context, msgs []*nats.Msg) bool {
	msg := msgs[0] // Guaranteed to exist if onMessage is called
	var ev synctypes.ClientEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		// If the message was invalid, log it and move on to the next message in the stream
		log.WithError(err).Errorf("roomserver output log: message parse failure")
		sentry.CaptureException(err)
		consumedMessages.WithLabelValues(jetstream.OutputRoomEvent, outcomeRejected).Inc()
		return true
	}

	logger := log.WithFields(log.Fields{
		"event_id": ev.EventID,
		"room_id":  ev.RoomID,
		"type":     ev.Type,
	})
	seq, err := s.rooms.Append(ctx, &ev)
	switch {
	case errors.Is(err, synctypes.ErrInvalidEvent), errors.Is(err, synctypes.ErrInvalidContent):
		logger.WithError(err).Error("roomserver output log: rejecting invalid event")
		sentry.CaptureException(err)
		consumedMessages.WithLabelValues(jetstream.OutputRoomEvent, outcomeRejected).Inc()
		return true
	case err != nil:
		logger.WithError(err).Error("roomserver output log: failed to store event, will retry")
		consumedMessages.WithLabelValues(jetstream.OutputRoomEvent, outcomeRetry).Inc()
		return false
	}

	logger.WithField("seq", seq).Debug("Sync API consumer stored event")
	consumedMessages.WithLabelValues(jetstream.OutputRoomEvent, outcomeStored).Inc()
	return true
}
