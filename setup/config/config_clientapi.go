package config

import (
	"fmt"
	"net"
	"strings"
)

type ClientAPI struct {
	Matrix *Global `yaml:"-"`

	// Rate-limiting options
	RateLimiting RateLimiting `yaml:"rate_limiting"`

	// Devices that may use the API. Each device is identified by its access
	// token. Authentication proper is handled by the homeserver in front of
	// this service; the static table is enough for tests and small setups.
	StaticDevices []StaticDevice `yaml:"static_devices"`
}

func (c *ClientAPI) Defaults(opts DefaultOpts) {
	c.RateLimiting.Defaults()
	if opts.Generate {
		c.StaticDevices = []StaticDevice{
			{UserID: "@alice:localhost", DeviceID: "ALICEDEVICE", AccessToken: "change_me"},
		}
	}
}

func (c *ClientAPI) Verify(configErrs *ConfigErrors) {
	c.RateLimiting.Verify(configErrs)
	seen := make(map[string]struct{}, len(c.StaticDevices))
	for i, device := range c.StaticDevices {
		device.Verify(configErrs, i)
		if _, ok := seen[device.AccessToken]; ok && device.AccessToken != "" {
			configErrs.Add(fmt.Sprintf("duplicate access token for config key %q", fmt.Sprintf("client_api.static_devices[%d].access_token", i)))
		}
		seen[device.AccessToken] = struct{}{}
	}
}

type StaticDevice struct {
	UserID      string `yaml:"user_id"`
	DeviceID    string `yaml:"device_id"`
	AccessToken string `yaml:"access_token"`
	DisplayName string `yaml:"display_name"`
	// One of "user", "guest", "admin" or "appservice". Defaults to "user".
	AccountType string `yaml:"account_type"`
}

func (d *StaticDevice) Verify(configErrs *ConfigErrors, i int) {
	key := fmt.Sprintf("client_api.static_devices[%d]", i)
	checkNotEmpty(configErrs, key+".user_id", d.UserID)
	checkNotEmpty(configErrs, key+".device_id", d.DeviceID)
	checkNotEmpty(configErrs, key+".access_token", d.AccessToken)
	if d.UserID != "" && (!strings.HasPrefix(d.UserID, "@") || !strings.Contains(d.UserID, ":")) {
		configErrs.Add(fmt.Sprintf("invalid value for config key %q: %s", key+".user_id", d.UserID))
	}
	switch d.AccountType {
	case "", "user", "guest", "admin", "appservice":
	default:
		configErrs.Add(fmt.Sprintf("invalid value for config key %q: %s", key+".account_type", d.AccountType))
	}
}

type RateLimiting struct {
	// Is rate limiting enabled or disabled?
	Enabled bool `yaml:"enabled"`

	// How many "slots" a user can occupy sending requests to a rate-limited
	// endpoint before we apply rate-limiting
	Threshold int64 `yaml:"threshold"`

	// The cooloff period in milliseconds after a request before the "slot"
	// is freed again
	CooloffMS int64 `yaml:"cooloff_ms"`

	// A list of users that are exempt from rate limiting, i.e. if you want
	// to run Mjolnir or other bots.
	ExemptUserIDs []string `yaml:"exempt_user_ids"`

	// A list of IP addresses or CIDR ranges that bypass rate limiting.
	ExemptIPAddresses []string `yaml:"exempt_ip_addresses"`

	// Per-endpoint overrides allow custom thresholds and cooloff periods for specific routes.
	PerEndpointOverrides map[string]RateLimitEndpointOverride `yaml:"per_endpoint_overrides"`
}

func (r *RateLimiting) Verify(configErrs *ConfigErrors) {
	if r.Enabled {
		// Validate that both threshold and cooloff are positive when rate limiting is enabled
		if r.Threshold <= 0 || r.CooloffMS <= 0 {
			configErrs.Add(
				"client_api.rate_limiting: both 'threshold' and 'cooloff_ms' must be positive when rate limiting is enabled. " +
					"Set 'enabled: false' to disable rate limiting, or provide valid positive values for both parameters.",
			)
		} else {
			checkPositive(configErrs, "client_api.rate_limiting.threshold", r.Threshold)
			checkPositive(configErrs, "client_api.rate_limiting.cooloff_ms", r.CooloffMS)
		}

		// Validate per-endpoint overrides
		for name, override := range r.PerEndpointOverrides {
			if override.Threshold <= 0 || override.CooloffMS <= 0 {
				configErrs.Add(
					fmt.Sprintf("client_api.rate_limiting.per_endpoint_overrides.%s: both 'threshold' and 'cooloff_ms' must be positive", name),
				)
			} else {
				checkPositive(
					configErrs,
					fmt.Sprintf("client_api.rate_limiting.per_endpoint_overrides.%s.threshold", name),
					override.Threshold,
				)
				checkPositive(
					configErrs,
					fmt.Sprintf("client_api.rate_limiting.per_endpoint_overrides.%s.cooloff_ms", name),
					override.CooloffMS,
				)
			}
		}

		// Validate IP exemptions
		for _, ip := range r.ExemptIPAddresses {
			if _, _, err := net.ParseCIDR(ip); err != nil {
				if parsedIP := net.ParseIP(ip); parsedIP == nil {
					configErrs.Add(fmt.Sprintf("invalid IP address or CIDR for config key %q: %s", "client_api.rate_limiting.exempt_ip_addresses", ip))
				}
			}
		}
	}
}

func (r *RateLimiting) Defaults() {
	// Disabled unless configured. The sync endpoints are cheap to call
	// repeatedly, sendToDevice is the one worth limiting.
	r.Enabled = false
	r.Threshold = 5
	r.CooloffMS = 500
	if r.PerEndpointOverrides == nil {
		r.PerEndpointOverrides = make(map[string]RateLimitEndpointOverride)
	}
}

type RateLimitEndpointOverride struct {
	// Threshold defines how many concurrent slots the override allows.
	Threshold int64 `yaml:"threshold"`
	// CooloffMS controls how long in milliseconds before a slot is released.
	CooloffMS int64 `yaml:"cooloff_ms"`
}
