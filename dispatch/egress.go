package dispatch

import (
	"unicode/utf8"

	fusion "github.com/vinkius-labs/mcp-fusion"
)

// MinResultBytes is the floor every configured output bound is clamped
// to, preventing pathological truncation of responses that are mostly
// notice text.
const MinResultBytes = 1024

// truncationNotice is appended to a truncated response. It names the
// cause and coaches the caller toward a smaller request.
const truncationNotice = "\n\n[output truncated: the full response exceeded the size limit; narrow the request with filters or pagination and call again]"

// boundResult enforces the byte bound on the envelope's dominant text
// block, the largest one. Within bound the same envelope is returned
// untouched; over bound a new envelope is built with the text cut to the
// largest prefix that fits without splitting a multi-byte character, the
// truncation notice appended, and the error flag preserved.
func boundResult(res *fusion.Result, maxBytes int) (*fusion.Result, bool) {
	if res == nil {
		return res, false
	}
	if maxBytes < MinResultBytes {
		maxBytes = MinResultBytes
	}

	dominant := -1
	for i, block := range res.Content {
		if block.Type != fusion.ContentTypeText {
			continue
		}
		if dominant < 0 || len(block.Text) > len(res.Content[dominant].Text) {
			dominant = i
		}
	}
	if dominant < 0 || len(res.Content[dominant].Text) <= maxBytes {
		return res, false
	}

	bounded := &fusion.Result{
		Content:           make([]fusion.ContentBlock, len(res.Content)),
		StructuredContent: res.StructuredContent,
		IsError:           res.IsError,
	}
	copy(bounded.Content, res.Content)
	bounded.Content[dominant].Text = truncateText(res.Content[dominant].Text, maxBytes) + truncationNotice
	return bounded, true
}

// truncateText returns the largest prefix of text whose byte length is at
// most maxBytes, walking backward off any multi-byte character the cut
// would split.
func truncateText(text string, maxBytes int) string {
	if len(text) <= maxBytes {
		return text
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}
