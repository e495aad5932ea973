// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package storage

import (
	"context"

	syncinternal "github.com/element-hq/synchrotron/syncapi/internal"
	"github.com/element-hq/synchrotron/syncapi/mailbox"
	"github.com/element-hq/synchrotron/syncapi/timeline"
	"github.com/element-hq/synchrotron/syncapi/userdata"
)

type Database interface {
	timeline.Journal
	mailbox.Journal
	userdata.PresenceJournal
	userdata.AccountDataJournal
	syncinternal.FilterDatabase

	// Epoch returns the epoch that sync tokens are bound to, creating it
	// the first time the database is used.
	Epoch(ctx context.Context) (string, error)
	// ResetEpoch replaces the epoch, invalidating all issued sync tokens.
	ResetEpoch(ctx context.Context) (string, error)
	// Restore loads the journalled state into freshly created stores.
	Restore(
		ctx context.Context,
		rooms *timeline.Store, mbox *mailbox.Mailbox,
		presence *userdata.PresenceStore, accountData *userdata.AccountDataStore,
	) error
}
