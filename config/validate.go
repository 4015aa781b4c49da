package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/vinkius-labs/mcp-fusion/schemafmt"
)

// Issue is a single validation finding, addressed by config field path.
type Issue struct {
	Field   string
	Message string
}

func (i Issue) String() string {
	return fmt.Sprintf("%s: %s", i.Field, i.Message)
}

// ValidationError carries every issue found in one pass so callers can
// list them all instead of fixing one at a time.
type ValidationError struct {
	Issues []Issue
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 1 {
		return fmt.Sprintf("validation error: %s", e.Issues[0])
	}
	return fmt.Sprintf("%d validation errors (first: %s)", len(e.Issues), e.Issues[0])
}

// pruneScheduleParser accepts five-field cron expressions
// (minute hour dom month dow).
var pruneScheduleParser = cron.NewParser(
	cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow,
)

// Validate checks the config after defaults have been applied. It returns
// a *ValidationError listing every issue, or nil.
func (c *Config) Validate() error {
	var issues []Issue
	add := func(field, format string, args ...any) {
		issues = append(issues, Issue{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if err := schemafmt.ValidateSchemaVersion(c.SchemaVersion, schemafmt.SupportedConfigSchemaMajor); err != nil {
		add("schema_version", "%v", err)
	}

	switch c.Server.Transport {
	case TransportStdio, TransportHTTP:
	case "":
		add("server.transport", "is required (%q or %q)", TransportStdio, TransportHTTP)
	default:
		add("server.transport", "unsupported transport %q (%q or %q)", c.Server.Transport, TransportStdio, TransportHTTP)
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		add("server.port", "must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.MaxBody < 1 {
		add("server.max_body", "must be positive, got %d", c.Server.MaxBody)
	}
	if _, err := parsePositiveDuration(c.Server.ReadTimeout); err != nil {
		add("server.read_timeout", "%v", err)
	}
	if _, err := parsePositiveDuration(c.Server.WriteTimeout); err != nil {
		add("server.write_timeout", "%v", err)
	}

	if c.Limits.MaxActive < 0 {
		add("limits.max_active", "must not be negative, got %d", c.Limits.MaxActive)
	}
	if c.Limits.MaxQueue < 0 {
		add("limits.max_queue", "must not be negative, got %d", c.Limits.MaxQueue)
	}
	if c.Limits.MaxQueue > 0 && c.Limits.MaxActive == 0 {
		add("limits.max_queue", "requires limits.max_active to be set")
	}
	if c.Limits.MaxResultBytes < 0 {
		add("limits.max_result_bytes", "must not be negative, got %d", c.Limits.MaxResultBytes)
	}

	if c.Journal.Retention() < 0 {
		add("journal.retention_days", "must not be negative, got %d", c.Journal.Retention())
	}
	if c.Journal.PruneEnabled() {
		if err := validateCronUTC(c.Journal.PruneSchedule); err != nil {
			add("journal.prune_schedule", "%v", err)
		}
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		add("logging.level", "unsupported level %q (debug, info, warn, error)", c.Logging.Level)
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}

func parsePositiveDuration(value string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", value)
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration %q must be positive", value)
	}
	return d, nil
}

// validateCronUTC rejects timezone prefixes; the prune scheduler always
// runs in UTC.
func validateCronUTC(expr string) error {
	clean := strings.TrimSpace(expr)
	if clean == "" {
		return fmt.Errorf("cron expression is required")
	}
	upper := strings.ToUpper(clean)
	if strings.Contains(upper, "CRON_TZ=") || strings.Contains(upper, "TZ=") {
		return fmt.Errorf("cron expression must be UTC-only (timezone prefixes are not allowed)")
	}
	if _, err := pruneScheduleParser.Parse(clean); err != nil {
		return fmt.Errorf("invalid cron expression: %v", err)
	}
	return nil
}
