// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package base

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/element-hq/synchrotron/internal/httputil"
	"github.com/element-hq/synchrotron/setup/config"
)

func TestNewExternalRouter(t *testing.T) {
	cfg := &config.Synchrotron{}
	cfg.Defaults(config.DefaultOpts{})
	cfg.Global.Metrics.Enabled = true
	cfg.Global.Metrics.BasicAuth.Username = "metrics"
	cfg.Global.Metrics.BasicAuth.Password = "secret"

	client := httputil.NewRouter().PathPrefix(httputil.PublicClientPathPrefix).Subrouter()
	client.HandleFunc("/v3/ping", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	router := NewExternalRouter(cfg, client)

	serve := func(path string, auth bool) int {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if auth {
			req.SetBasicAuth("metrics", "secret")
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusTeapot, serve("/_matrix/client/v3/ping", false))
	assert.Equal(t, http.StatusNotFound, serve("/_matrix/media/v3/config", false))
	assert.Equal(t, http.StatusForbidden, serve(httputil.MetricsPath, false))
	assert.Equal(t, http.StatusOK, serve(httputil.MetricsPath, true))

	cfg.Global.Metrics.Enabled = false
	router = NewExternalRouter(cfg, client)
	assert.Equal(t, http.StatusNotFound, serve(httputil.MetricsPath, true))
}
