package schemafmt

import (
	"strings"
	"testing"
)

func TestRepr(t *testing.T) {
	tests := []struct {
		name    string
		value   any
		present bool
		want    string
	}{
		{name: "missing", value: nil, present: false, want: "(missing)"},
		{name: "null", value: nil, present: true, want: "null"},
		{name: "string quoted", value: "limit", present: true, want: `"limit"`},
		{name: "number", value: 42, present: true, want: "42"},
		{name: "bool", value: true, present: true, want: "true"},
		{name: "array", value: []any{1, 2}, present: true, want: "[1,2]"},
		{name: "object", value: map[string]any{"a": 1}, present: true, want: `{"a":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Repr(tt.value, tt.present)
			if got != tt.want {
				t.Fatalf("Repr() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestReprTruncatesLongValues(t *testing.T) {
	long := strings.Repeat("x", 500)
	got := Repr(long, true)
	if !strings.HasSuffix(got, "…") {
		t.Fatalf("Repr() = %q, want truncation marker suffix", got)
	}
	if len(got) > reprMaxLen+len("…") {
		t.Fatalf("Repr() length = %d, want at most %d", len(got), reprMaxLen+len("…"))
	}
}

func TestConstraint(t *testing.T) {
	tests := []struct {
		name   string
		schema map[string]any
		want   string
	}{
		{
			name:   "empty schema",
			schema: nil,
			want:   "",
		},
		{
			name:   "type only",
			schema: map[string]any{"type": "string"},
			want:   "expected string",
		},
		{
			name:   "numeric range",
			schema: map[string]any{"type": "integer", "minimum": 1, "maximum": 100},
			want:   "expected integer, between 1 and 100",
		},
		{
			name:   "minimum only",
			schema: map[string]any{"type": "number", "minimum": 0.5},
			want:   "expected number, at least 0.5",
		},
		{
			name:   "string length",
			schema: map[string]any{"type": "string", "minLength": 1, "maxLength": 64},
			want:   "expected string, length 1 to 64",
		},
		{
			name:   "item count",
			schema: map[string]any{"type": "array", "maxItems": 10},
			want:   "expected array, item count at most 10",
		},
		{
			name:   "enum",
			schema: map[string]any{"type": "string", "enum": []any{"asc", "desc"}},
			want:   `expected string, one of: "asc", "desc"`,
		},
		{
			name:   "pattern",
			schema: map[string]any{"type": "string", "pattern": "^[a-z]+$"},
			want:   "expected string, matching pattern ^[a-z]+$",
		},
		{
			name:   "float64 bounds from decoded schema",
			schema: map[string]any{"type": "integer", "minimum": float64(2), "maximum": float64(8)},
			want:   "expected integer, between 2 and 8",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Constraint(tt.schema)
			if got != tt.want {
				t.Fatalf("Constraint() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPropertyNames(t *testing.T) {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{"type": "string"},
			"limit": map[string]any{"type": "integer"},
			"order": map[string]any{"type": "string"},
		},
	}

	got := PropertyNames(schema)
	want := []string{"limit", "order", "query"}
	if len(got) != len(want) {
		t.Fatalf("PropertyNames() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("PropertyNames()[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	if names := PropertyNames(map[string]any{"type": "object"}); names != nil {
		t.Fatalf("PropertyNames() without properties = %v, want nil", names)
	}
}

func TestValidateSchemaVersion(t *testing.T) {
	tests := []struct {
		name           string
		version        string
		supportedMajor int
		wantErr        bool
	}{
		{name: "valid supported", version: "1.2.3", supportedMajor: 1},
		{name: "valid prerelease", version: "1.2.3-alpha.1", supportedMajor: 1},
		{name: "invalid format", version: "1.2", supportedMajor: 1, wantErr: true},
		{name: "unsupported major", version: "2.0.0", supportedMajor: 1, wantErr: true},
		{name: "empty", version: "", supportedMajor: 1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSchemaVersion(tt.version, tt.supportedMajor)
			if tt.wantErr && err == nil {
				t.Fatal("ValidateSchemaVersion() error = nil, want error")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("ValidateSchemaVersion() error = %v", err)
			}
		})
	}
}
