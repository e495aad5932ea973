// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gotest.tools/v3/poll"

	"github.com/element-hq/synchrotron/setup/config"
)

type failingCloser struct{}

func (failingCloser) Close() error { return errors.New("already closed") }

func TestCloseAndLogIfError(t *testing.T) {
	hook := logrustest.NewGlobal()
	defer hook.Reset()

	CloseAndLogIfError(context.Background(), nil, "nil closer")
	CloseAndLogIfError(context.Background(), failingCloser{}, "rows.Close() failed")

	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)
	assert.Equal(t, "rows.Close() failed", hook.LastEntry().Message)
	assert.Len(t, hook.AllEntries(), 1)
}

func TestRetryOnce(t *testing.T) {
	ctx := context.Background()

	calls := 0
	err := RetryOnce(ctx, func() error {
		calls++
		if calls == 1 {
			return errors.New("database is locked")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 2, calls)

	calls = 0
	err = RetryOnce(ctx, func() error {
		calls++
		return errors.New("still broken")
	})
	assert.Error(t, err)
	assert.Equal(t, 2, calls, "only one retry")

	calls = 0
	err = RetryOnce(ctx, func() error {
		calls++
		return backoff.Permanent(errors.New("constraint"))
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls, "permanent errors are not retried")
}

func TestVersionString(t *testing.T) {
	assert.True(t, strings.HasPrefix(VersionString(), "0.3.1"), VersionString())
}

func TestSetupHookLoggingFileHook(t *testing.T) {
	dir := t.TempDir()
	out := logrus.StandardLogger().Out
	level := logrus.GetLevel()
	t.Cleanup(func() {
		logrus.SetOutput(out)
		logrus.SetLevel(level)
	})

	SetupHookLogging([]config.LogrusHook{
		{Type: "file", Level: "info", Params: map[string]interface{}{"path": dir}},
	})
	logrus.WithField("room_id", "!a:test").Warn("hook logging works")

	// The file hook writes from a background goroutine.
	var data []byte
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		var err error
		data, err = os.ReadFile(filepath.Join(dir, "synchrotron.log"))
		if err != nil || !strings.Contains(string(data), "hook logging works") {
			return poll.Continue("waiting for log file")
		}
		return poll.Success()
	}, poll.WithTimeout(5*time.Second))
	assert.Contains(t, string(data), "room_id=!a:test")
}
