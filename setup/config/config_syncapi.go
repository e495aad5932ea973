package config

import (
	"time"
)

type SyncAPI struct {
	Matrix *Global `yaml:"-"`

	// The sync API database stores the room timelines, device mailboxes,
	// presence, account data and filters.
	Database DatabaseOptions `yaml:"database,omitempty"`

	// The maximum number of to-device messages returned by one sync.
	// Anything left over is returned by the next sync.
	MaxToDevicePerSync int `yaml:"max_to_device_per_sync"`

	// The longest a sync or events request may wait for new data, in
	// milliseconds. Larger client timeouts are clamped to this.
	MaxTimeoutMS int64 `yaml:"max_timeout_ms"`

	// How long a compiled filter stays in memory after its last use.
	FilterCacheTTL time.Duration `yaml:"filter_cache_ttl"`

	// How long (sender, txn_id) pairs are remembered for sendToDevice
	// deduplication.
	SendToDeviceTxnTTL time.Duration `yaml:"send_to_device_txn_ttl"`

	// The address to listen on for client HTTP requests.
	Listen string `yaml:"listen"`
}

const (
	defaultMaxToDevicePerSync = 100
	defaultMaxTimeoutMS       = 5 * 60 * 1000
)

func (c *SyncAPI) Defaults(opts DefaultOpts) {
	c.MaxToDevicePerSync = defaultMaxToDevicePerSync
	c.MaxTimeoutMS = defaultMaxTimeoutMS
	c.FilterCacheTTL = 10 * time.Minute
	c.SendToDeviceTxnTTL = 30 * time.Minute
	c.Listen = ":8008"
	if opts.Generate {
		if !opts.SingleDatabase {
			c.Database.ConnectionString = "file:syncapi.db"
		}
	}
}

func (c *SyncAPI) Verify(configErrs *ConfigErrors) {
	if c.Matrix.DatabaseOptions.ConnectionString == "" {
		checkNotEmpty(configErrs, "sync_api.database.connection_string", string(c.Database.ConnectionString))
	}
	checkNotEmpty(configErrs, "sync_api.listen", c.Listen)
	checkPositive(configErrs, "sync_api.max_to_device_per_sync", int64(c.MaxToDevicePerSync))
	checkPositive(configErrs, "sync_api.max_timeout_ms", c.MaxTimeoutMS)
	checkPositive(configErrs, "sync_api.filter_cache_ttl", int64(c.FilterCacheTTL))
	checkPositive(configErrs, "sync_api.send_to_device_txn_ttl", int64(c.SendToDeviceTxnTTL))
}

// DatabaseFor returns the database options of the sync API, falling back to
// the global database when none are configured.
func (c *SyncAPI) DatabaseFor() DatabaseOptions {
	if c.Database.ConnectionString != "" {
		return c.Database
	}
	return c.Matrix.DatabaseOptions
}

// MaxTimeout returns the configured maximum wait as a duration.
func (c *SyncAPI) MaxTimeout() time.Duration {
	return time.Duration(c.MaxTimeoutMS) * time.Millisecond
}
