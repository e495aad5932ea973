// Copyright 2024 New Vector Ltd.
// Copyright 2023 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlutil

import (
	"database/sql"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/element-hq/synchrotron/setup/config"
	"github.com/element-hq/synchrotron/setup/process"
)

type Connections struct {
	globalConfig   config.DatabaseOptions
	processContext *process.ProcessContext

	mu                  sync.Mutex
	existingConnections map[config.DataSource]*con
}

type con struct {
	db     *sql.DB
	writer Writer
}

func NewConnectionManager(processCtx *process.ProcessContext, globalConfig config.DatabaseOptions) *Connections {
	return &Connections{
		globalConfig:        globalConfig,
		processContext:      processCtx,
		existingConnections: map[config.DataSource]*con{},
	}
}

// Connection returns the database and writer for the given options, falling back
// to the global database options when no connection string is set. Components
// sharing a connection string share the same connection and writer.
func (c *Connections) Connection(dbProperties *config.DatabaseOptions) (*sql.DB, Writer, error) {
	if dbProperties.ConnectionString == "" {
		dbProperties = &c.globalConfig
		if dbProperties.ConnectionString == "" {
			return nil, nil, fmt.Errorf("no database connections configured")
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.existingConnections[dbProperties.ConnectionString]; ok {
		return existing.db, existing.writer, nil
	}

	writer := NewDummyWriter()
	if dbProperties.ConnectionString.IsSQLite() {
		writer = NewExclusiveWriter()
	}
	db, err := Open(dbProperties, writer)
	if err != nil {
		return nil, nil, err
	}
	c.existingConnections[dbProperties.ConnectionString] = &con{db: db, writer: writer}

	if c.processContext != nil {
		// close the connection once the process shuts down
		c.processContext.ComponentStarted()
		go func() {
			<-c.processContext.WaitForShutdown()
			if err := db.Close(); err != nil {
				logrus.WithError(err).Warn("Failed to close database connection")
			}
			c.processContext.ComponentFinished()
		}()
	}
	return db, writer, nil
}

// Close closes every connection handed out so far. Later calls to
// Connection open new ones.
func (c *Connections) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for dsn, existing := range c.existingConnections {
		if err := existing.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(c.existingConnections, dsn)
	}
	return firstErr
}
