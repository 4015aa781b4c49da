package dispatch

import (
	"strings"
	"testing"
	"unicode/utf8"

	fusion "github.com/vinkius-labs/mcp-fusion"
)

func TestBoundResult_WithinBoundSamePointer(t *testing.T) {
	res := fusion.TextResult("a short answer")

	got, truncated := boundResult(res, 2048)
	if truncated {
		t.Error("boundResult() truncated = true, want false")
	}
	if got != res {
		t.Error("within-bound result should be returned as the same pointer")
	}
}

func TestBoundResult_TruncatesOverBound(t *testing.T) {
	// 5,000 two-byte runes: 10,000 bytes of all-multibyte text.
	text := strings.Repeat("é", 5000)
	res := fusion.TextResult(text)

	got, truncated := boundResult(res, 2048)
	if !truncated {
		t.Fatal("boundResult() truncated = false, want true")
	}
	if got == res {
		t.Fatal("truncation must build a new envelope, not mutate the original")
	}

	out := got.Content[0].Text
	if len(out) >= 10000 {
		t.Errorf("output length = %d, want strictly shorter than the input", len(out))
	}
	if !strings.Contains(out, "[output truncated:") {
		t.Errorf("output = %q..., want the truncation notice", out[:40])
	}
	if !utf8.ValidString(out) {
		t.Error("truncated output splits a multi-byte character")
	}
	if len(out) > 2048+len(truncationNotice) {
		t.Errorf("output length = %d, want at most bound plus notice", len(out))
	}

	// Envelope immutability: the input is untouched.
	if len(res.Content[0].Text) != 10000 {
		t.Errorf("input text length = %d after bounding, want 10000", len(res.Content[0].Text))
	}
}

func TestBoundResult_ClampsFloor(t *testing.T) {
	res := fusion.TextResult(strings.Repeat("x", 5000))

	got, truncated := boundResult(res, 10)
	if !truncated {
		t.Fatal("boundResult() truncated = false, want true")
	}
	prefix := strings.TrimSuffix(got.Content[0].Text, truncationNotice)
	if len(prefix) != MinResultBytes {
		t.Errorf("prefix length = %d, want the %d byte floor", len(prefix), MinResultBytes)
	}
}

func TestBoundResult_PreservesErrorFlag(t *testing.T) {
	res := fusion.ErrorResult("HANDLER_ERROR", strings.Repeat("e", 5000))

	got, truncated := boundResult(res, 2048)
	if !truncated {
		t.Fatal("boundResult() truncated = false, want true")
	}
	if !got.IsError {
		t.Error("truncation dropped the error flag")
	}
}

func TestBoundResult_DominantBlockIsLargest(t *testing.T) {
	small := fusion.TextBlock("summary")
	large := fusion.TextBlock(strings.Repeat("d", 5000))
	res := fusion.NewResult(small, large)

	got, truncated := boundResult(res, 2048)
	if !truncated {
		t.Fatal("boundResult() truncated = false, want true")
	}
	if got.Content[0].Text != "summary" {
		t.Errorf("non-dominant block = %q, want untouched", got.Content[0].Text)
	}
	if !strings.Contains(got.Content[1].Text, "[output truncated:") {
		t.Error("dominant block should carry the truncation notice")
	}
}

func TestBoundResult_NoTextBlocks(t *testing.T) {
	res := fusion.NewResult(fusion.ImageBlock("image/png", strings.Repeat("A", 5000)))

	got, truncated := boundResult(res, 2048)
	if truncated {
		t.Error("boundResult() truncated = true, want false for non-text content")
	}
	if got != res {
		t.Error("non-text result should be returned as the same pointer")
	}
}

func TestTruncateText_NeverSplitsRune(t *testing.T) {
	text := "ééééé" // 10 bytes, 2 per rune
	for maxBytes := 1; maxBytes <= 10; maxBytes++ {
		got := truncateText(text, maxBytes)
		if len(got) > maxBytes {
			t.Errorf("maxBytes=%d: length = %d, want <= %d", maxBytes, len(got), maxBytes)
		}
		if !utf8.ValidString(got) {
			t.Errorf("maxBytes=%d: %q splits a rune", maxBytes, got)
		}
	}
}
