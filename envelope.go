package fusion

import (
	"encoding/json"
	"fmt"
)

// Content block types mirroring the MCP content union.
const (
	ContentTypeText  = "text"
	ContentTypeImage = "image"
	ContentTypeAudio = "audio"
)

// ContentBlock is one item of a tool response: plain text, or base64
// payload data with a MIME type.
type ContentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// TextBlock creates a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: ContentTypeText, Text: text}
}

// ImageBlock creates an image content block from base64 data.
func ImageBlock(mimeType, data string) ContentBlock {
	return ContentBlock{Type: ContentTypeImage, Data: data, MimeType: mimeType}
}

// AudioBlock creates an audio content block from base64 data.
func AudioBlock(mimeType, data string) ContentBlock {
	return ContentBlock{Type: ContentTypeAudio, Data: data, MimeType: mimeType}
}

// Result is the canonical response envelope for one call: an ordered
// sequence of content blocks, optional structured content, and an error
// flag. A Result is produced once per call and must not be mutated after
// construction; the egress guard copies before truncating.
type Result struct {
	Content           []ContentBlock `json:"content,omitempty"`
	StructuredContent map[string]any `json:"structuredContent,omitempty"`
	IsError           bool           `json:"isError,omitempty"`
}

// NewResult creates a success result from the given blocks.
func NewResult(blocks ...ContentBlock) *Result {
	return &Result{Content: blocks}
}

// TextResult creates a success result with a single text block.
func TextResult(text string) *Result {
	return &Result{Content: []ContentBlock{TextBlock(text)}}
}

// JSONResult encodes v as indented JSON into a text block. Maps are also
// exposed as structured content. Encoding failures degrade to a handler
// error envelope rather than panicking.
func JSONResult(v any) *Result {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return ErrorResult(ErrorCodeHandlerError, fmt.Sprintf("encoding result: %v", err))
	}
	res := TextResult(string(data))
	if m, ok := v.(map[string]any); ok {
		res.StructuredContent = m
	}
	return res
}

// ResultBuilder is implemented by response builder objects. When a handler
// returns a ResultBuilder, the dispatcher finalizes it via BuildResult.
type ResultBuilder interface {
	BuildResult() (*Result, error)
}
