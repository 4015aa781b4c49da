// Package schemafmt formats JSON Schema constraint metadata and argument
// values into the short, actionable hints embedded in validation error
// reports. It also validates the schema_version field of fusion config
// files.
package schemafmt

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

const (
	// SupportedConfigSchemaMajor is the config schema major version this
	// build understands.
	SupportedConfigSchemaMajor = 1

	// CurrentConfigSchemaVersion is the version written by fusion when it
	// generates config files.
	CurrentConfigSchemaVersion = "1.0.0"
)

// reprMaxLen bounds the rendered length of argument values in reports so a
// single oversized argument cannot blow up an error envelope.
const reprMaxLen = 80

var semverPattern = regexp.MustCompile(
	`^(0|[1-9][0-9]*)\.(0|[1-9][0-9]*)\.(0|[1-9][0-9]*)` +
		`(?:-((?:0|[1-9][0-9]*|[0-9A-Za-z-]*[A-Za-z-][0-9A-Za-z-]*)` +
		`(?:\.(?:0|[1-9][0-9]*|[0-9A-Za-z-]*[A-Za-z-][0-9A-Za-z-]*))*))?` +
		`(?:\+([0-9A-Za-z-]+(?:\.[0-9A-Za-z-]+)*))?$`,
)

// ValidateSchemaVersion ensures schema_version is a valid SemVer 2.0.0
// string and that its MAJOR version is supported.
func ValidateSchemaVersion(version string, supportedMajor int) error {
	v := strings.TrimSpace(version)
	if v == "" {
		return fmt.Errorf("schema_version is required")
	}

	match := semverPattern.FindStringSubmatch(v)
	if match == nil {
		return fmt.Errorf("schema_version %q must be a valid semantic version (MAJOR.MINOR.PATCH)", version)
	}

	major, err := strconv.Atoi(match[1])
	if err != nil {
		return fmt.Errorf("parsing schema_version major: %w", err)
	}
	if major != supportedMajor {
		return fmt.Errorf("schema_version %q has unsupported major %d (supported: %d.x.x)", version, major, supportedMajor)
	}

	return nil
}

// Repr renders an argument value for a validation report. Missing values
// render as "(missing)", strings are quoted, everything else is JSON
// encoded. Long values are cut to a fixed width.
func Repr(value any, present bool) string {
	if !present {
		return "(missing)"
	}

	var rendered string
	switch v := value.(type) {
	case nil:
		rendered = "null"
	case string:
		rendered = strconv.Quote(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			rendered = fmt.Sprintf("%v", v)
		} else {
			rendered = string(data)
		}
	}

	if len(rendered) > reprMaxLen {
		rendered = rendered[:reprMaxLen] + "…"
	}
	return rendered
}

// Constraint derives a one-line fix hint from a field's declared schema:
// the expected type plus whichever bounds, length limits or enum options
// the schema carries. Returns "" when the schema offers nothing usable.
func Constraint(schema map[string]any) string {
	if len(schema) == 0 {
		return ""
	}

	parts := make([]string, 0, 4)
	if t, ok := schema["type"].(string); ok && t != "" {
		parts = append(parts, "expected "+t)
	}

	if hint := rangeHint(schema, "minimum", "maximum"); hint != "" {
		parts = append(parts, hint)
	}
	if hint := boundedHint(schema, "minLength", "maxLength", "length"); hint != "" {
		parts = append(parts, hint)
	}
	if hint := boundedHint(schema, "minItems", "maxItems", "item count"); hint != "" {
		parts = append(parts, hint)
	}
	if options := enumOptions(schema); len(options) > 0 {
		parts = append(parts, "one of: "+strings.Join(options, ", "))
	}
	if pattern, ok := schema["pattern"].(string); ok && pattern != "" {
		parts = append(parts, "matching pattern "+pattern)
	}

	return strings.Join(parts, ", ")
}

// PropertyNames returns a schema's declared property names, sorted.
// Used to coach callers who sent unrecognized keys.
func PropertyNames(schema map[string]any) []string {
	props, ok := schema["properties"].(map[string]any)
	if !ok || len(props) == 0 {
		return nil
	}
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// rangeHint renders "between X and Y", "at least X" or "at most Y" from
// numeric bounds.
func rangeHint(schema map[string]any, minKey, maxKey string) string {
	minVal, hasMin := numericValue(schema[minKey])
	maxVal, hasMax := numericValue(schema[maxKey])
	switch {
	case hasMin && hasMax:
		return fmt.Sprintf("between %s and %s", formatNumber(minVal), formatNumber(maxVal))
	case hasMin:
		return "at least " + formatNumber(minVal)
	case hasMax:
		return "at most " + formatNumber(maxVal)
	default:
		return ""
	}
}

// boundedHint renders length/count bounds with a unit label.
func boundedHint(schema map[string]any, minKey, maxKey, label string) string {
	minVal, hasMin := numericValue(schema[minKey])
	maxVal, hasMax := numericValue(schema[maxKey])
	switch {
	case hasMin && hasMax:
		return fmt.Sprintf("%s %s to %s", label, formatNumber(minVal), formatNumber(maxVal))
	case hasMin:
		return fmt.Sprintf("%s at least %s", label, formatNumber(minVal))
	case hasMax:
		return fmt.Sprintf("%s at most %s", label, formatNumber(maxVal))
	default:
		return ""
	}
}

func enumOptions(schema map[string]any) []string {
	raw, ok := schema["enum"].([]any)
	if !ok {
		return nil
	}
	options := make([]string, 0, len(raw))
	for _, opt := range raw {
		switch v := opt.(type) {
		case string:
			options = append(options, strconv.Quote(v))
		default:
			options = append(options, fmt.Sprintf("%v", v))
		}
	}
	return options
}

// numericValue accepts the numeric shapes a schema literal can carry after
// living in a Go map: int for hand-written schemas, float64 and
// json.Number for decoded ones.
func numericValue(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
