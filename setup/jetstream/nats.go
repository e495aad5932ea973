// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package jetstream

import (
	"crypto/tls"
	"fmt"
	"strings"
	"sync"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/synchrotron/setup/config"
	"github.com/element-hq/synchrotron/setup/process"
)

type NATSInstance struct {
	*natsserver.Server
	nc *nats.Conn
	js nats.JetStreamContext
}

var natsLock sync.Mutex

// Prepare connects to the configured NATS servers, or starts an embedded
// server when none are configured, and makes sure every stream exists.
func (s *NATSInstance) Prepare(process *process.ProcessContext, cfg *config.JetStream) (nats.JetStreamContext, *nats.Conn, error) {
	natsLock.Lock()
	defer natsLock.Unlock()
	// check if we need an in-process NATS Server
	if len(cfg.Addresses) != 0 {
		// reuse existing connections
		if s.nc != nil {
			return s.js, s.nc, nil
		}
		var err error
		s.js, s.nc, err = setupNATS(cfg, nil)
		return s.js, s.nc, err
	}
	if s.Server == nil {
		var err error
		opts := &natsserver.Options{
			ServerName:      "monolith",
			DontListen:      true,
			JetStream:       true,
			StoreDir:        string(cfg.StoragePath),
			NoSystemAccount: true,
			MaxPayload:      16 * 1024 * 1024,
			NoSigs:          true,
			NoLog:           cfg.NoLog,
			SyncAlways:      true,
		}
		s.Server, err = natsserver.NewServer(opts)
		if err != nil {
			return nil, nil, fmt.Errorf("natsserver.NewServer: %w", err)
		}
		s.ConfigureLogger()
		go func() {
			process.ComponentStarted()
			s.Start()
		}()
		go func() {
			<-process.WaitForShutdown()
			s.Shutdown()
			s.WaitForShutdown()
			process.ComponentFinished()
		}()
	}
	if !s.ReadyForConnections(time.Second * 60) {
		return nil, nil, fmt.Errorf("NATS did not start in time")
	}
	// reuse existing connections
	if s.nc != nil {
		return s.js, s.nc, nil
	}
	nc, err := nats.Connect("", nats.InProcessServer(s))
	if err != nil {
		return nil, nil, fmt.Errorf("nats.Connect: %w", err)
	}
	s.js, s.nc, err = setupNATS(cfg, nc)
	return s.js, s.nc, err
}

func setupNATS(cfg *config.JetStream, nc *nats.Conn) (nats.JetStreamContext, *nats.Conn, error) {
	if nc == nil {
		var err error
		opts := []nats.Option{}
		if cfg.DisableTLSValidation {
			opts = append(opts, nats.Secure(&tls.Config{
				InsecureSkipVerify: true,
			}))
		}
		if string(cfg.Credentials) != "" {
			opts = append(opts, nats.UserCredentials(string(cfg.Credentials)))
		}
		nc, err = nats.Connect(strings.Join(cfg.Addresses, ","), opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("nats.Connect: %w", err)
		}
	}

	js, err := nc.JetStream()
	if err != nil {
		return nil, nil, fmt.Errorf("nc.JetStream: %w", err)
	}

	for _, stream := range streams { // streams are defined in streams.go
		name := cfg.Prefixed(stream.Name)
		info, err := js.StreamInfo(name)
		if err != nil && err != nats.ErrStreamNotFound {
			return nil, nil, fmt.Errorf("js.StreamInfo: %w", err)
		}
		subjects := stream.Subjects
		if len(subjects) == 0 {
			// By default we want each stream to listen for the subjects
			// that are either an exact match for the stream name, or where
			// the first part of the subject is the stream name. ">" is a
			// wildcard in NATS for one or more subject tokens. In the case
			// that the stream is called "Foo", this will match any message
			// with the subject "Foo", "Foo.Bar" or "Foo.Bar.Baz" etc.
			subjects = []string{name, name + ".>"}
		}
		if info != nil {
			continue
		}
		// Namespace the streams without modifying the original streams
		// array, otherwise we end up with namespaces on namespaces.
		namespaced := *stream
		namespaced.Name = name
		namespaced.Subjects = subjects
		// If we're trying to keep everything in memory (e.g. unit tests)
		// then overwrite the storage policy.
		if cfg.InMemory {
			namespaced.Storage = nats.MemoryStorage
		}
		if _, err = js.AddStream(&namespaced); err != nil {
			logrus.WithError(err).WithField("stream", name).WithField("subjects", subjects).Error("Unable to add stream")
			return nil, nil, fmt.Errorf("js.AddStream: %w", err)
		}
	}
	return js, nc, nil
}
