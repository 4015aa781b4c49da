// Package config loads, validates, and defaults fusion.yaml, the serving
// configuration for fused-tool servers. Tool registration itself stays in
// code; the file covers the serving surface (transport, limits, journal
// retention, logging).
package config

import (
	"log/slog"
	"time"

	"github.com/vinkius-labs/mcp-fusion/schemafmt"
)

// Transport names accepted in server.transport.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
)

// Default timeouts and bounds applied when fusion.yaml leaves a field
// unset.
const (
	defaultHost         = "0.0.0.0"
	defaultPort         = 8080
	defaultCORSOrigin   = "*"
	defaultMaxBody      = 1 << 20
	defaultReadTimeout  = "30s"
	defaultWriteTimeout = "60s"

	defaultRetentionDays = 7
	defaultPruneSchedule = "0 3 * * *"

	defaultLogLevel = "info"
)

// Config is the parsed shape of fusion.yaml.
type Config struct {
	// SchemaVersion is the config format version (SemVer; the MAJOR
	// component is checked against this build).
	SchemaVersion string `yaml:"schema_version"`

	Server  ServerConfig  `yaml:"server"`
	Limits  LimitsConfig  `yaml:"limits"`
	Journal JournalConfig `yaml:"journal"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig selects the transport and its HTTP parameters.
type ServerConfig struct {
	// Transport is "stdio" or "http".
	Transport string `yaml:"transport"`

	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	CORSOrigin string `yaml:"cors_origin"`
	MaxBody    int64  `yaml:"max_body"`

	// ReadTimeout and WriteTimeout are Go duration strings ("30s").
	ReadTimeout  string `yaml:"read_timeout"`
	WriteTimeout string `yaml:"write_timeout"`

	// SQLitePath locates the event journal. Empty disables the journal
	// unless the serve command resolves a default path.
	SQLitePath string `yaml:"sqlite_path"`

	// OTelEndpoint enables OTLP/HTTP trace export when set.
	OTelEndpoint string `yaml:"otel_endpoint"`
}

// LimitsConfig supplies dispatch defaults for tools that do not configure
// their own.
type LimitsConfig struct {
	// MaxActive and MaxQueue configure the admission guard. Zero
	// MaxActive leaves tools ungated.
	MaxActive int `yaml:"max_active"`
	MaxQueue  int `yaml:"max_queue"`

	// MaxResultBytes bounds response size. Zero keeps the built-in
	// default.
	MaxResultBytes int `yaml:"max_result_bytes"`
}

// JournalConfig controls event journal retention.
type JournalConfig struct {
	// RetentionDays is how long journal rows are kept. An explicit zero
	// keeps them forever and disables pruning; absent means the default.
	RetentionDays *int `yaml:"retention_days"`

	// PruneSchedule is a five-field UTC cron expression.
	PruneSchedule string `yaml:"prune_schedule"`
}

// LoggingConfig selects the slog level.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
}

// Default returns a Config with every field at its default, suitable for
// serving without a fusion.yaml.
func Default() *Config {
	cfg := &Config{
		SchemaVersion: schemafmt.CurrentConfigSchemaVersion,
		Server: ServerConfig{
			Transport: TransportStdio,
		},
	}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills unset fields in place. Transport intentionally has
// no default here: files must choose one, and Default() sets stdio.
func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = defaultHost
	}
	if c.Server.Port == 0 {
		c.Server.Port = defaultPort
	}
	if c.Server.CORSOrigin == "" {
		c.Server.CORSOrigin = defaultCORSOrigin
	}
	if c.Server.MaxBody == 0 {
		c.Server.MaxBody = defaultMaxBody
	}
	if c.Server.ReadTimeout == "" {
		c.Server.ReadTimeout = defaultReadTimeout
	}
	if c.Server.WriteTimeout == "" {
		c.Server.WriteTimeout = defaultWriteTimeout
	}
	if c.Journal.RetentionDays == nil {
		days := defaultRetentionDays
		c.Journal.RetentionDays = &days
	}
	if c.Journal.PruneSchedule == "" {
		c.Journal.PruneSchedule = defaultPruneSchedule
	}
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}

// ReadTimeoutDuration returns the parsed read timeout; validation
// guarantees parseability, so failures fall back to the default.
func (c ServerConfig) ReadTimeoutDuration() time.Duration {
	return parseDurationOr(c.ReadTimeout, 30*time.Second)
}

// WriteTimeoutDuration returns the parsed write timeout.
func (c ServerConfig) WriteTimeoutDuration() time.Duration {
	return parseDurationOr(c.WriteTimeout, 60*time.Second)
}

func parseDurationOr(value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// SlogLevel maps the configured level to a slog.Level.
func (c LoggingConfig) SlogLevel() slog.Level {
	switch c.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Retention returns retention_days with the default applied. Zero means
// keep forever.
func (c JournalConfig) Retention() int {
	if c.RetentionDays == nil {
		return defaultRetentionDays
	}
	return *c.RetentionDays
}

// PruneEnabled reports whether scheduled pruning should run.
func (c JournalConfig) PruneEnabled() bool {
	return c.Retention() > 0
}

// RetentionDuration converts retention_days into the duration the journal
// pruner keeps events for.
func (c JournalConfig) RetentionDuration() time.Duration {
	return time.Duration(c.Retention()) * 24 * time.Hour
}
