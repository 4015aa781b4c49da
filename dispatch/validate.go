package dispatch

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	fusion "github.com/vinkius-labs/mcp-fusion"
	"github.com/vinkius-labs/mcp-fusion/schemafmt"
)

// validateArgs checks the call's arguments against the action's compiled
// schema. The discriminator is stripped before validation and re-injected
// afterwards; keys not declared under the schema's properties are dropped.
//
// A violation produces a coaching error envelope: one line per violated
// field with the failure reason, a repr of the value actually sent, and a
// fix hint derived from the field's declared schema. Actions without a
// schema pass their arguments through unchanged.
func validateArgs(action *fusion.Action, discriminator string, rawArgs map[string]any) (map[string]any, *rejection) {
	if action.Schema() == nil {
		return rawArgs, nil
	}

	candidate := make(map[string]any, len(rawArgs))
	for k, v := range rawArgs {
		if k == discriminator {
			continue
		}
		candidate[k] = v
	}

	if err := action.Schema().Validate(candidate); err != nil {
		return nil, &rejection{
			code:   fusion.ErrorCodeValidation,
			result: validationEnvelope(action, candidate, err),
		}
	}

	sanitized := make(map[string]any, len(candidate)+1)
	for k, v := range candidate {
		if action.Property(k) {
			sanitized[k] = v
		}
	}
	sanitized[discriminator] = action.Key
	return sanitized, nil
}

// validationEnvelope renders a schema violation into the VALIDATION_ERROR
// envelope with a per-field correction report.
func validationEnvelope(action *fusion.Action, args map[string]any, err error) *fusion.Result {
	var lines []string
	var ve *jsonschema.ValidationError
	if errors.As(err, &ve) {
		lines = correctionLines(action, args, collectLeaves(ve))
	}
	if len(lines) == 0 {
		lines = []string{"- arguments: " + err.Error()}
	}

	return fusion.ErrorResultf(fusion.ErrorCodeValidation,
		"invalid arguments for action %q:\n%s\nCorrect the arguments and resubmit.",
		action.Key, strings.Join(lines, "\n"))
}

// collectLeaves flattens a validation error tree into its leaf causes, the
// individual keyword violations.
func collectLeaves(ve *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*jsonschema.ValidationError{ve}
	}
	leaves := make([]*jsonschema.ValidationError, 0, len(ve.Causes))
	for _, cause := range ve.Causes {
		leaves = append(leaves, collectLeaves(cause)...)
	}
	return leaves
}

// correctionLines renders one report line per violation, deduplicated:
// overlapping schema branches can flag the same field twice.
func correctionLines(action *fusion.Action, args map[string]any, leaves []*jsonschema.ValidationError) []string {
	lines := make([]string, 0, len(leaves))
	seen := make(map[string]bool)
	for _, leaf := range leaves {
		for _, line := range leafLines(action, args, leaf) {
			if seen[line] {
				continue
			}
			seen[line] = true
			lines = append(lines, line)
		}
	}
	return lines
}

func leafLines(action *fusion.Action, args map[string]any, leaf *jsonschema.ValidationError) []string {
	switch keywordOf(leaf) {
	case "required":
		names := quotedNames(leaf.Message)
		lines := make([]string, 0, len(names))
		for _, name := range names {
			lines = append(lines, reportLine(name, "required but missing", "(missing)",
				schemafmt.Constraint(schemaAt(action.InputSchema, leaf.InstanceLocation+"/"+name))))
		}
		return lines

	case "additionalProperties":
		declared := schemafmt.PropertyNames(schemaAt(action.InputSchema, leaf.InstanceLocation))
		fix := ""
		if len(declared) > 0 {
			fix = "declared arguments: " + strings.Join(declared, ", ")
		}
		names := quotedNames(leaf.Message)
		lines := make([]string, 0, len(names))
		for _, name := range names {
			value, present := valueAt(args, leaf.InstanceLocation+"/"+name)
			lines = append(lines, reportLine(name, "not a declared argument",
				schemafmt.Repr(value, present), fix))
		}
		return lines

	default:
		field := fieldPath(leaf.InstanceLocation)
		if field == "" {
			field = "arguments"
		}
		value, present := valueAt(args, leaf.InstanceLocation)
		fix := schemafmt.Constraint(schemaAt(action.InputSchema, leaf.InstanceLocation))
		return []string{reportLine(field, leaf.Message, schemafmt.Repr(value, present), fix)}
	}
}

func reportLine(field, reason, sent, fix string) string {
	line := fmt.Sprintf("- %s: %s (sent: %s)", field, reason, sent)
	if fix != "" {
		line += "; fix: " + fix
	}
	return line
}

// keywordOf returns the violated keyword, the last segment of the
// keyword location.
func keywordOf(leaf *jsonschema.ValidationError) string {
	loc := leaf.KeywordLocation
	if i := strings.LastIndex(loc, "/"); i >= 0 {
		return loc[i+1:]
	}
	return loc
}

var quotedNamePattern = regexp.MustCompile(`'([^']*)'`)

// quotedNames extracts the single-quoted property names the validator
// embeds in required and additionalProperties messages.
func quotedNames(message string) []string {
	matches := quotedNamePattern.FindAllStringSubmatch(message, -1)
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, m[1])
	}
	return names
}

// fieldPath converts a JSON pointer instance location into a dotted field
// path for the report.
func fieldPath(instanceLocation string) string {
	loc := strings.TrimPrefix(instanceLocation, "/")
	if loc == "" {
		return ""
	}
	return strings.ReplaceAll(loc, "/", ".")
}

// valueAt walks the argument map along a JSON pointer and reports whether
// a value is present there.
func valueAt(args map[string]any, instanceLocation string) (any, bool) {
	loc := strings.TrimPrefix(instanceLocation, "/")
	if loc == "" {
		return args, true
	}
	var current any = args
	for _, seg := range strings.Split(loc, "/") {
		switch node := current.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			current = v
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

// schemaAt walks the declared schema document along a JSON pointer,
// descending through properties for object keys and items for array
// indexes. Returns nil when the walk leaves the declared shape.
func schemaAt(schema map[string]any, instanceLocation string) map[string]any {
	if schema == nil {
		return nil
	}
	loc := strings.TrimPrefix(instanceLocation, "/")
	if loc == "" {
		return schema
	}
	current := schema
	for _, seg := range strings.Split(loc, "/") {
		if _, err := strconv.Atoi(seg); err == nil {
			items, ok := current["items"].(map[string]any)
			if !ok {
				return nil
			}
			current = items
			continue
		}
		props, ok := current["properties"].(map[string]any)
		if !ok {
			return nil
		}
		sub, ok := props[seg].(map[string]any)
		if !ok {
			return nil
		}
		current = sub
	}
	return current
}
