// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package syncapi

import (
	"context"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/synchrotron/internal"
	"github.com/element-hq/synchrotron/internal/caching"
	"github.com/element-hq/synchrotron/internal/httputil"
	"github.com/element-hq/synchrotron/internal/sqlutil"
	"github.com/element-hq/synchrotron/setup/config"
	"github.com/element-hq/synchrotron/setup/jetstream"
	"github.com/element-hq/synchrotron/setup/process"
	"github.com/element-hq/synchrotron/syncapi/consumers"
	syncinternal "github.com/element-hq/synchrotron/syncapi/internal"
	"github.com/element-hq/synchrotron/syncapi/mailbox"
	"github.com/element-hq/synchrotron/syncapi/notifier"
	"github.com/element-hq/synchrotron/syncapi/routing"
	"github.com/element-hq/synchrotron/syncapi/storage"
	"github.com/element-hq/synchrotron/syncapi/sync"
	"github.com/element-hq/synchrotron/syncapi/timeline"
	"github.com/element-hq/synchrotron/syncapi/userdata"
	userapi "github.com/element-hq/synchrotron/userapi/api"
)

// DeviceAPI authenticates requests and lists the devices of a user.
type DeviceAPI interface {
	userapi.DeviceDatabase
	userapi.DeviceLister
}

// AddPublicRoutes sets up and registers HTTP handlers for the SyncAPI
// component.
func AddPublicRoutes(
	processContext *process.ProcessContext,
	csMux *mux.Router,
	cfg *config.Synchrotron,
	cm *sqlutil.Connections,
	natsInstance *jetstream.NATSInstance,
	devices DeviceAPI,
) {
	ctx := processContext.Context()
	js, _, err := natsInstance.Prepare(processContext, &cfg.Global.JetStream)
	if err != nil {
		logrus.WithError(err).Panic("failed to connect to NATS")
	}

	dbOptions := cfg.SyncAPI.DatabaseFor()
	syncDB, err := storage.NewSyncServerDatasource(ctx, cm, &dbOptions)
	if err != nil {
		logrus.WithError(err).Panicf("failed to connect to sync db")
	}

	epoch, err := syncDB.Epoch(ctx)
	if err != nil {
		logrus.WithError(err).Panicf("failed to load sync epoch")
	}

	rooms := timeline.NewStore(syncDB)
	mbox := mailbox.New(syncDB, cfg.SyncAPI.SendToDeviceTxnTTL)
	presence := userdata.NewPresenceStore(syncDB)
	accountData := userdata.NewAccountDataStore(syncDB)
	if err = syncDB.Restore(ctx, rooms, mbox, presence, accountData); err != nil {
		logrus.WithError(err).Panicf("failed to restore sync state")
	}
	rooms.LogStats()

	// Observers are installed after restoring so that replaying the journal
	// wakes nobody.
	notifier := notifier.NewNotifier(rooms)
	rooms.SetObserver(notifier)
	mbox.SetObserver(notifier)
	presence.SetObserver(notifier)
	accountData.SetObserver(notifier)

	filters := syncinternal.NewFilters(syncDB, caching.NewCaches(cfg.SyncAPI.FilterCacheTTL))
	requestPool := sync.NewRequestPool(&cfg.SyncAPI, epoch, rooms, mbox, presence, accountData, notifier, filters)

	rateLimits := httputil.NewRateLimits(&cfg.ClientAPI.RateLimiting)
	go func() {
		<-processContext.WaitForShutdown()
		rateLimits.Stop()
	}()

	roomConsumer := consumers.NewOutputRoomEventConsumer(processContext, &cfg.SyncAPI, js, rooms)
	if err = roomConsumer.Start(); err != nil {
		logrus.WithError(err).Panicf("failed to start room server consumer")
	}
	presenceConsumer := consumers.NewPresenceConsumer(processContext, &cfg.SyncAPI, js, presence)
	if err = presenceConsumer.Start(); err != nil {
		logrus.WithError(err).Panicf("failed to start presence consumer")
	}

	routing.Setup(csMux, &routing.Dependencies{
		RequestPool: requestPool,
		Timeline:    rooms,
		Filters:     filters,
		Mailbox:     mbox,
		AccountData: accountData,
		Devices:     devices,
		DeviceIDs:   devices,
		RateLimits:  rateLimits,
	})

	logrus.WithFields(logrus.Fields{
		"epoch": epoch,
		"rooms": len(rooms.Rooms()),
	}).Info("Sync API ready")
}

// ResetEpoch replaces the stored epoch so that every sync token issued so far
// is rejected. The running process keeps its epoch until restarted.
func ResetEpoch(ctx context.Context, cfg *config.Synchrotron) (string, error) {
	cm := sqlutil.NewConnectionManager(nil, cfg.Global.DatabaseOptions)
	defer internal.CloseAndLogIfError(ctx, cm, "failed to close sync database")
	dbOptions := cfg.SyncAPI.DatabaseFor()
	syncDB, err := storage.NewSyncServerDatasource(ctx, cm, &dbOptions)
	if err != nil {
		return "", err
	}
	return syncDB.ResetEpoch(ctx)
}
