// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/element-hq/synchrotron/internal"
	"github.com/element-hq/synchrotron/internal/httputil"
	"github.com/element-hq/synchrotron/internal/sqlutil"
	"github.com/element-hq/synchrotron/setup/base"
	"github.com/element-hq/synchrotron/setup/config"
	"github.com/element-hq/synchrotron/setup/jetstream"
	"github.com/element-hq/synchrotron/setup/process"
	"github.com/element-hq/synchrotron/syncapi"
	"github.com/element-hq/synchrotron/userapi"
)

func main() {
	flagSet := pflag.NewFlagSet("synchrotron", pflag.ExitOnError)
	configPath := flagSet.StringP("config", "c", "synchrotron.yaml", "The path to the config file. For more information, see the config file in this repository.")
	version := flagSet.Bool("version", false, "Shows the current version and exits immediately.")
	generate := flagSet.Bool("generate-config", false, "Writes a sample config to stdout and exits.")
	httpBindAddr := flagSet.String("http-bind-address", "", "The HTTP listening address for the server, overriding sync_api.listen")
	resetEpoch := flagSet.Bool("reset-epoch", false, "Invalidates every issued sync token and exits.")
	_ = flagSet.Parse(os.Args[1:])

	if *version {
		fmt.Println(internal.VersionString())
		return
	}
	if *generate {
		if err := config.WriteSample(os.Stdout); err != nil {
			logrus.WithError(err).Fatal("failed to write sample config")
		}
		return
	}

	internal.SetupStdLogging()
	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.Fatalf("Invalid config file: %s", err)
	}
	internal.SetupHookLogging(cfg.Global.Logging)
	logrus.Infof("Synchrotron version %s", internal.VersionString())

	closer, err := cfg.SetupTracing()
	if err != nil {
		logrus.WithError(err).Panicf("failed to start opentracing")
	}
	defer closer.Close() // nolint: errcheck

	if *resetEpoch {
		epoch, resetErr := syncapi.ResetEpoch(context.Background(), cfg)
		if resetErr != nil {
			logrus.WithError(resetErr).Fatal("failed to reset epoch")
		}
		logrus.WithField("epoch", epoch).Info("Sync epoch reset, every client will start again with an initial sync")
		return
	}

	processCtx := process.NewProcessContext()
	cm := sqlutil.NewConnectionManager(processCtx, cfg.Global.DatabaseOptions)

	if cfg.Global.Sentry.Enabled {
		logrus.Info("Setting up Sentry for debugging...")
		err = sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.Global.Sentry.DSN,
			Environment:      cfg.Global.Sentry.Environment,
			Debug:            true,
			ServerName:       string(cfg.Global.ServerName),
			Release:          "synchrotron@" + internal.VersionString(),
			AttachStacktrace: true,
		})
		if err != nil {
			logrus.WithError(err).Panic("failed to start Sentry")
		}
		defer func() {
			if !sentry.Flush(time.Second * 5) {
				logrus.Warnf("failed to flush all Sentry events!")
			}
		}()
	}

	devices, err := userapi.NewInternalAPI(&cfg.ClientAPI)
	if err != nil {
		logrus.WithError(err).Fatal("failed to load devices")
	}

	clientRouter := httputil.NewRouter().PathPrefix(httputil.PublicClientPathPrefix).Subrouter()
	syncapi.AddPublicRoutes(processCtx, clientRouter, cfg, cm, &jetstream.NATSInstance{}, devices)

	if cfg.Global.Metrics.Enabled {
		base.RegisterUpMetric()
	}

	addr := cfg.SyncAPI.Listen
	if *httpBindAddr != "" {
		addr = *httpBindAddr
	}
	base.SetupAndServeHTTP(processCtx, cfg, addr, base.NewExternalRouter(cfg, clientRouter))

	base.WaitForShutdown(processCtx)
}
