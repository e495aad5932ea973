// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package base

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/synchrotron/internal"
	"github.com/element-hq/synchrotron/internal/httputil"
	"github.com/element-hq/synchrotron/setup/config"
	"github.com/element-hq/synchrotron/setup/process"
)

// HTTPServerTimeout is the write timeout of the HTTP server. It must exceed
// the longest sync wait.
const HTTPServerTimeout = time.Minute * 6

// NewExternalRouter mounts the client API router under the Matrix client path
// prefix and, if enabled, the metrics endpoint.
func NewExternalRouter(cfg *config.Synchrotron, client *mux.Router) *mux.Router {
	externalRouter := httputil.NewRouter()
	externalRouter.PathPrefix(httputil.PublicClientPathPrefix).Handler(client)
	if cfg.Global.Metrics.Enabled {
		externalRouter.Handle(httputil.MetricsPath, httputil.WrapHandlerInBasicAuth(promhttp.Handler(), httputil.BasicAuth{
			Username: cfg.Global.Metrics.BasicAuth.Username,
			Password: cfg.Global.Metrics.BasicAuth.Password,
		}))
	}
	return externalRouter
}

// RegisterUpMetric exports synchrotron_up, labelled with the running version.
func RegisterUpMetric() {
	upCounter := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "synchrotron",
		Name:      "up",
		ConstLabels: map[string]string{
			"version": internal.VersionString(),
		},
	})
	upCounter.Add(1)
	prometheus.MustRegister(upCounter)
}

// SetupAndServeHTTP serves the router on addr until the process shuts down.
func SetupAndServeHTTP(processCtx *process.ProcessContext, cfg *config.Synchrotron, addr string, router http.Handler) {
	handler := router
	if cfg.Global.Sentry.Enabled {
		handler = sentryhttp.New(sentryhttp.Options{Repanic: true}).Handle(router)
	}
	server := &http.Server{
		Addr:         addr,
		WriteTimeout: HTTPServerTimeout,
		Handler:      handler,
		BaseContext: func(_ net.Listener) context.Context {
			return processCtx.Context()
		},
	}

	go func() {
		logrus.Infof("Starting HTTP listener on %s", server.Addr)
		processCtx.ComponentStarted()
		defer processCtx.ComponentFinished()
		go func() {
			<-processCtx.WaitForShutdown()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logrus.WithError(err).Error("failed to shutdown HTTP server")
			}
		}()
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Fatal("failed to serve HTTP")
		}
		logrus.Infof("Stopped HTTP listener on %s", server.Addr)
	}()
}

// WaitForShutdown blocks until a signal arrives or something else shuts the
// process down, then waits for every component to finish.
func WaitForShutdown(processCtx *process.ProcessContext) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigs:
	case <-processCtx.WaitForShutdown():
	}
	signal.Reset(syscall.SIGINT, syscall.SIGTERM)

	logrus.Warnf("Shutdown signal received")

	processCtx.ShutdownSynchrotron()
	processCtx.WaitForComponentsToFinish()

	logrus.Warnf("Synchrotron is exiting now")
}
