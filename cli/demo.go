package cli

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	fusion "github.com/vinkius-labs/mcp-fusion"
	"github.com/vinkius-labs/mcp-fusion/config"
)

// NewDemoRegistry builds the registry the fusion binary serves out of the
// box: a single "notes" fused tool over an in-memory store. Embedding
// applications replace it with their own registry; the demo exists so
// `fusion serve` answers tools/list and tools/call without any setup.
//
// Limits from fusion.yaml become the tool's admission guard and result
// bound when the config sets them; otherwise the demo picks small values
// so the guard path is easy to trip by hand.
func NewDemoRegistry(limits config.LimitsConfig) *fusion.Registry {
	store := newNoteStore()

	maxActive, maxQueue := limits.MaxActive, limits.MaxQueue
	if maxActive <= 0 {
		maxActive, maxQueue = 4, 8
	}

	b := fusion.NewTool("notes").
		Description("Manage a small in-memory notebook. Route calls with the \"action\" argument.").
		Guard(maxActive, maxQueue)
	if limits.MaxResultBytes > 0 {
		b = b.MaxResultBytes(limits.MaxResultBytes)
	}

	tool := b.
		Action("list").
		Description("List notes, oldest first.").
		ReadOnly().
		Schema(map[string]any{
			"type": "object",
			"properties": map[string]any{
				"take": map[string]any{
					"type":        "integer",
					"minimum":     1,
					"maximum":     50,
					"description": "Maximum number of notes to return.",
				},
				"prefix": map[string]any{
					"type":        "string",
					"description": "Only return notes whose title starts with this prefix.",
				},
			},
		}).
		Handle(store.list).
		Done().
		Action("get").
		Description("Fetch one note by id.").
		ReadOnly().
		Idempotent().
		Schema(map[string]any{
			"type": "object",
			"properties": map[string]any{
				"id": map[string]any{
					"type":        "string",
					"description": "Note id, e.g. \"note-1\".",
				},
			},
			"required": []any{"id"},
		}).
		Handle(store.get).
		Done().
		Action("create").
		Description("Create a note and return it.").
		Schema(map[string]any{
			"type": "object",
			"properties": map[string]any{
				"title": map[string]any{
					"type":      "string",
					"minLength": 1,
					"maxLength": 120,
				},
				"body": map[string]any{
					"type": "string",
				},
			},
			"required": []any{"title"},
		}).
		Handle(store.create).
		Done().
		Action("delete").
		Description("Delete a note by id. Deletes of the same note are serialized.").
		Destructive().
		SerialKey(func(args map[string]any) string {
			id, _ := args["id"].(string)
			return "notes/" + id
		}).
		Schema(map[string]any{
			"type": "object",
			"properties": map[string]any{
				"id": map[string]any{
					"type": "string",
				},
			},
			"required": []any{"id"},
		}).
		Handle(store.delete).
		Done().
		Action("export").
		Description("Render every note as markdown, streaming progress per note.").
		ReadOnly().
		HandleStream(store.export).
		Done().
		MustBuild()

	reg := fusion.NewRegistry()
	reg.MustRegister(tool)
	return reg
}

type note struct {
	ID      string    `json:"id"`
	Title   string    `json:"title"`
	Body    string    `json:"body,omitempty"`
	Created time.Time `json:"created"`
}

// noteStore is the demo's in-memory backing store. It is safe for the
// concurrent calls a guard of maxActive > 1 allows through.
type noteStore struct {
	mu    sync.Mutex
	notes map[string]note
	next  int
}

func newNoteStore() *noteStore {
	s := &noteStore{notes: make(map[string]note)}
	s.add("Welcome", "This server hosts a fused notes tool. Route calls with the \"action\" argument.")
	s.add("Try streaming", "Call the export action with a progressToken to watch updates arrive.")
	return s
}

func (s *noteStore) add(title, body string) note {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	n := note{
		ID:      fmt.Sprintf("note-%d", s.next),
		Title:   title,
		Body:    body,
		Created: time.Now().UTC(),
	}
	s.notes[n.ID] = n
	return n
}

// snapshot returns the notes ordered by creation.
func (s *noteStore) snapshot() []note {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]note, 0, len(s.notes))
	for _, n := range s.notes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return noteOrdinal(out[i].ID) < noteOrdinal(out[j].ID) })
	return out
}

func noteOrdinal(id string) int {
	var n int
	fmt.Sscanf(id, "note-%d", &n)
	return n
}

func (s *noteStore) list(ctx context.Context, args map[string]any) (any, error) {
	take := 20
	if v, ok := args["take"].(float64); ok {
		take = int(v)
	}
	prefix, _ := args["prefix"].(string)

	all := s.snapshot()
	out := make([]note, 0, len(all))
	for _, n := range all {
		if prefix != "" && !strings.HasPrefix(n.Title, prefix) {
			continue
		}
		out = append(out, n)
		if len(out) == take {
			break
		}
	}
	return map[string]any{"notes": out, "total": len(all)}, nil
}

func (s *noteStore) get(ctx context.Context, args map[string]any) (any, error) {
	id, _ := args["id"].(string)
	s.mu.Lock()
	n, ok := s.notes[id]
	s.mu.Unlock()
	if !ok {
		return fusion.ErrorResultf("NOT_FOUND", "note %q does not exist", id), nil
	}
	return map[string]any{"note": n}, nil
}

func (s *noteStore) create(ctx context.Context, args map[string]any) (any, error) {
	title, _ := args["title"].(string)
	body, _ := args["body"].(string)
	n := s.add(title, body)
	return map[string]any{"note": n}, nil
}

func (s *noteStore) delete(ctx context.Context, args map[string]any) (any, error) {
	id, _ := args["id"].(string)
	s.mu.Lock()
	_, ok := s.notes[id]
	delete(s.notes, id)
	s.mu.Unlock()
	if !ok {
		return fusion.ErrorResultf("NOT_FOUND", "note %q does not exist", id), nil
	}
	return map[string]any{"deleted": id}, nil
}

func (s *noteStore) export(ctx context.Context, args map[string]any) (fusion.Updates, error) {
	all := s.snapshot()
	ch := make(chan fusion.Update, len(all)+1)
	go func() {
		defer close(ch)
		var out strings.Builder
		out.WriteString("# Notebook export\n")
		for i, n := range all {
			// Pace the stream so progress is observable over SSE.
			select {
			case <-ctx.Done():
				ch <- fusion.Update{Done: true, Err: ctx.Err()}
				return
			case <-time.After(25 * time.Millisecond):
			}
			fmt.Fprintf(&out, "\n## %s (%s)\n\n%s\n", n.Title, n.ID, n.Body)
			ch <- fusion.Update{
				Progress: float64(i + 1),
				Total:    float64(len(all)),
				Message:  fmt.Sprintf("rendered %s", n.ID),
			}
		}
		ch <- fusion.Update{Done: true, Value: out.String()}
	}()
	return ch, nil
}
