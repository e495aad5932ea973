package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/sirupsen/logrus"
	jaegerconfig "github.com/uber/jaeger-client-go/config"
	jaegermetrics "github.com/uber/jaeger-lib/metrics"
	"gopkg.in/yaml.v2"
)

// Version is the current version of the config format.
// This will change whenever we make breaking changes to the config format.
const Version = 1

// Synchrotron contains all the config used by a synchrotron process.
type Synchrotron struct {
	// The version of the configuration file.
	// If the version in a file doesn't match the current synchrotron config
	// version then we can give a clear error message telling the user
	// to update their config file to the current version.
	Version int `yaml:"version"`

	Global    Global    `yaml:"global"`
	ClientAPI ClientAPI `yaml:"client_api"`
	SyncAPI   SyncAPI   `yaml:"sync_api"`

	Tracing struct {
		// Set to true to enable tracer hooks. If false, no tracing is set up.
		Enabled bool `yaml:"enabled"`
		// The config for the jaeger opentracing reporter.
		Jaeger jaegerconfig.Configuration `yaml:"jaeger"`
	} `yaml:"tracing"`

	// Any information derived from the configuration options for later use.
	Derived Derived `yaml:"-"`
}

// Derived holds values computed from the config after loading.
type Derived struct {
	// Absolute path of the config file, if loaded from disk.
	ConfigPath string
}

// DefaultOpts controls how Defaults fills in a config.
type DefaultOpts struct {
	// Generate fills in values suitable for writing out a sample config.
	Generate bool
	// SingleDatabase uses global.database for every component.
	SingleDatabase bool
}

// SetupTracing configures the opentracing using the supplied configuration.
func (c *Synchrotron) SetupTracing() (closer io.Closer, err error) {
	if !c.Tracing.Enabled {
		return io.NopCloser(bytes.NewReader([]byte{})), nil
	}
	return c.Tracing.Jaeger.InitGlobalTracer(
		"Synchrotron",
		jaegerconfig.Logger(logrusLogger{logrus.StandardLogger()}),
		jaegerconfig.Metrics(jaegermetrics.NullFactory),
	)
}

// logrusLogger is a small wrapper that implements jaeger.Logger using logrus.
type logrusLogger struct {
	l *logrus.Logger
}

func (l logrusLogger) Error(msg string) {
	l.l.Error(msg)
}

func (l logrusLogger) Infof(msg string, args ...interface{}) {
	l.l.Infof(msg, args...)
}

// A Path on the filesystem.
type Path string

// A DataSource for opening a database connection.
type DataSource string

func (d DataSource) IsSQLite() bool {
	return strings.HasPrefix(string(d), "file:")
}

func (d DataSource) IsPostgres() bool {
	return strings.HasPrefix(string(d), "postgres://") || strings.HasPrefix(string(d), "postgresql://")
}

// DatabaseOptions are the options for connecting to a database.
type DatabaseOptions struct {
	// The connection string, file:filename.db or postgres://server....
	ConnectionString DataSource `yaml:"connection_string"`
	// Maximum open connections to the DB (0 = use default, negative means unlimited)
	MaxOpenConnections int `yaml:"max_open_conns"`
	// Maximum idle connections to the DB (0 = use default, negative means unlimited)
	MaxIdleConnections int `yaml:"max_idle_conns"`
	// maximum amount of time (in seconds) a connection may be reused (<= 0 means unlimited)
	ConnMaxLifetimeSeconds int `yaml:"conn_max_lifetime"`
}

func (c *DatabaseOptions) Defaults(conns int) {
	c.MaxOpenConnections = conns
	c.MaxIdleConnections = 2
	c.ConnMaxLifetimeSeconds = -1
}

func (c *DatabaseOptions) Verify(configErrs *ConfigErrors) {}

// MaxIdleConns returns maximum idle connections to the DB
func (c DatabaseOptions) MaxIdleConns() int {
	return c.MaxIdleConnections
}

// MaxOpenConns returns maximum open connections to the DB
func (c DatabaseOptions) MaxOpenConns() int {
	return c.MaxOpenConnections
}

// ConnMaxLifetime returns maximum amount of time a connection may be reused
func (c DatabaseOptions) ConnMaxLifetime() int {
	return c.ConnMaxLifetimeSeconds
}

// ConfigErrors stores problems encountered when parsing a config file.
// It implements the error interface.
type ConfigErrors []string

// Add appends an error to the list of errors in this configErrors.
// It is a wrapper to the builtin append and hides pointers from
// the client code.
// This method is safe to use with an uninitialized configErrors because
// if it is nil, it will be properly allocated.
func (errs *ConfigErrors) Add(str string) {
	*errs = append(*errs, str)
}

// Error returns a string detailing how many errors were contained within a
// configErrors type.
func (errs ConfigErrors) Error() string {
	if len(errs) == 1 {
		return errs[0]
	}
	return fmt.Sprintf(
		"%s (and %d other problems)", errs[0], len(errs)-1,
	)
}

// Load a yaml config file for a server run as multiple processes or as a monolith.
// Checks the config to ensure that it is valid.
func Load(configPath string) (*Synchrotron, error) {
	configData, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}
	basePath, err := filepath.Abs(".")
	if err != nil {
		return nil, err
	}
	cfg, err := loadConfig(basePath, configData)
	if err != nil {
		return nil, err
	}
	if cfg.Derived.ConfigPath, err = filepath.Abs(configPath); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadConfig(basePath string, configData []byte) (*Synchrotron, error) {
	var c Synchrotron
	c.Defaults(DefaultOpts{})
	if err := yaml.Unmarshal(configData, &c); err != nil {
		return nil, err
	}
	if err := c.check(); err != nil {
		return nil, err
	}
	c.Global.JetStream.StoragePath = absPath(basePath, c.Global.JetStream.StoragePath)
	for i := range c.Global.Logging {
		if c.Global.Logging[i].Type == "file" {
			if dir, ok := c.Global.Logging[i].Params["path"].(string); ok {
				c.Global.Logging[i].Params["path"] = string(absPath(basePath, Path(dir)))
			}
		}
	}
	c.Wiring()
	return &c, nil
}

// Defaults fills in every section with its default values.
func (c *Synchrotron) Defaults(opts DefaultOpts) {
	c.Version = Version
	c.Global.Defaults(opts)
	c.ClientAPI.Defaults(opts)
	c.SyncAPI.Defaults(opts)
	c.Tracing.Enabled = false
	c.Tracing.Jaeger.ServiceName = "Synchrotron"
	c.Wiring()
}

// Verify checks every section and collects the problems.
func (c *Synchrotron) Verify(configErrs *ConfigErrors) {
	type verifiable interface {
		Verify(configErrs *ConfigErrors)
	}
	for _, c := range []verifiable{
		&c.Global, &c.ClientAPI, &c.SyncAPI,
	} {
		c.Verify(configErrs)
	}
}

// Wiring points every section back at the global config.
func (c *Synchrotron) Wiring() {
	c.ClientAPI.Matrix = &c.Global
	c.SyncAPI.Matrix = &c.Global
}

func (c *Synchrotron) check() error {
	var configErrs ConfigErrors
	if c.Version != Version {
		configErrs.Add(fmt.Sprintf(
			"config version is %q, expected %q - this means that the format of the configuration "+
				"file has changed in some significant way, so please revisit the sample config "+
				"and ensure you are not missing any important options that may have been added "+
				"or changed recently!",
			c.Version, Version,
		))
		return configErrs
	}
	c.Verify(&configErrs)
	if len(configErrs) > 0 {
		return configErrs
	}
	return nil
}

// Global contains config options shared by every component.
type Global struct {
	// The name of the server. This is usually the domain name, e.g 'matrix.org', 'localhost'.
	ServerName spec.ServerName `yaml:"server_name"`

	// The default database options, used by every component that does not
	// configure its own database.
	DatabaseOptions DatabaseOptions `yaml:"database,omitempty"`

	// JetStream configuration
	JetStream JetStream `yaml:"jetstream"`

	// Metrics configuration
	Metrics Metrics `yaml:"metrics"`

	// Sentry configuration
	Sentry Sentry `yaml:"sentry"`

	// Logging configuration
	Logging []LogrusHook `yaml:"logging"`
}

func (c *Global) Defaults(opts DefaultOpts) {
	if opts.Generate {
		c.ServerName = "localhost"
		if opts.SingleDatabase {
			c.DatabaseOptions.ConnectionString = "file:synchrotron.db"
		}
	}
	c.DatabaseOptions.Defaults(90)
	c.JetStream.Defaults(opts)
	c.Metrics.Defaults(opts)
	c.Sentry.Defaults()
}

func (c *Global) Verify(configErrs *ConfigErrors) {
	checkNotEmpty(configErrs, "global.server_name", string(c.ServerName))
	c.JetStream.Verify(configErrs)
	c.Metrics.Verify(configErrs)
	c.Sentry.Verify(configErrs)
	for i, hook := range c.Logging {
		hook.Verify(configErrs, i)
	}
}

// Metrics controls the /metrics endpoint.
type Metrics struct {
	// Whether or not the metrics are enabled
	Enabled bool `yaml:"enabled"`
	// Use BasicAuth for Authorization
	BasicAuth struct {
		// Authorization via Static Username & Password
		// Hardcoded Username and Password
		Username string `yaml:"username"`
		Password string `yaml:"password"`
	} `yaml:"basic_auth"`
}

func (c *Metrics) Defaults(opts DefaultOpts) {
	c.Enabled = false
	if opts.Generate {
		c.BasicAuth.Username = "metrics"
		c.BasicAuth.Password = "metrics"
	}
}

func (c *Metrics) Verify(configErrs *ConfigErrors) {
}

// Sentry controls error reporting.
type Sentry struct {
	Enabled bool `yaml:"enabled"`
	// The DSN to connect to e.g "https://examplePublicKey@o0.ingest.sentry.io/0"
	// See https://docs.sentry.io/platforms/go/configuration/options/
	DSN string `yaml:"dsn"`
	// The environment e.g "production"
	// See https://docs.sentry.io/platforms/go/configuration/environments/
	Environment string `yaml:"environment"`
}

func (c *Sentry) Defaults() {
	c.Enabled = false
}

func (c *Sentry) Verify(configErrs *ConfigErrors) {
	if c.Enabled {
		checkNotEmpty(configErrs, "global.sentry.dsn", c.DSN)
	}
}

// LogrusHook represents a single logrus hook. At this point, only parsing and
// verification of the proper values for type and level are done.
// Validity/integrity checks on the parameters are done when configuring logrus.
type LogrusHook struct {
	// The type of hook, currently only "file" is supported.
	Type string `yaml:"type"`

	// The level of the logs to produce. Will output only this level and above.
	Level string `yaml:"level"`

	// The parameters for this hook.
	Params map[string]interface{} `yaml:"params"`
}

func (h *LogrusHook) Verify(configErrs *ConfigErrors, i int) {
	key := fmt.Sprintf("global.logging[%d]", i)
	switch h.Type {
	case "file", "std":
	default:
		configErrs.Add(fmt.Sprintf("invalid value for config key %q: %s", key+".type", h.Type))
	}
	if _, err := logrus.ParseLevel(h.Level); err != nil {
		configErrs.Add(fmt.Sprintf("invalid value for config key %q: %s", key+".level", h.Level))
	}
	if h.Type == "file" {
		if path, ok := h.Params["path"].(string); !ok || path == "" {
			configErrs.Add(fmt.Sprintf("missing config key %q", key+".params.path"))
		}
	}
}

// checkNotEmpty verifies the given value is not empty in the configuration.
// If it is, adds an error to the list.
func checkNotEmpty(configErrs *ConfigErrors, key, value string) {
	if value == "" {
		configErrs.Add(fmt.Sprintf("missing config key %q", key))
	}
}

// checkPositive verifies that the value is positive. If it isn't, adds an
// error to the list.
func checkPositive(configErrs *ConfigErrors, key string, value int64) {
	if value < 0 {
		configErrs.Add(fmt.Sprintf("invalid value for config key %q: %d", key, value))
	}
}

func absPath(dir string, path Path) Path {
	if path == "" || filepath.IsAbs(string(path)) {
		return path
	}
	return Path(filepath.Join(dir, string(path)))
}

// WriteSample writes a config populated with generated defaults.
func WriteSample(w io.Writer) error {
	var c Synchrotron
	c.Defaults(DefaultOpts{Generate: true, SingleDatabase: true})
	out, err := yaml.Marshal(&c)
	if err != nil {
		return err
	}
	_, err = w.Write(out)
	return err
}
