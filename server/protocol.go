// Package server binds a registry of fused tools and a dispatcher to the
// MCP wire protocol. The same request handling backs two transports:
// newline-delimited JSON-RPC over stdio and an HTTP endpoint with an SSE
// event stream per call.
package server

import (
	"encoding/json"
	"fmt"

	fusion "github.com/vinkius-labs/mcp-fusion"
)

// protocolVersion is the MCP revision this server speaks.
const protocolVersion = "2024-11-05"

const jsonRPCVersion = "2.0"

// JSON-RPC 2.0 error codes.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

// nullID is the response ID when the request ID could not be read.
var nullID = json.RawMessage("null")

// Message is a JSON-RPC 2.0 message: request, notification, or response.
// The ID stays raw so responses echo the client's identifier byte for
// byte, whether it was a number or a string.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// IsNotification reports whether the message carries no ID and therefore
// expects no response.
func (m Message) IsNotification() bool {
	return len(m.ID) == 0 || string(m.ID) == "null"
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	return fmt.Sprintf("server: rpc error %d: %s", e.Code, e.Message)
}

// newResponse builds a success response echoing the request ID.
func newResponse(id json.RawMessage, result any) (*Message, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("server: encode result: %w", err)
	}
	return &Message{JSONRPC: jsonRPCVersion, ID: id, Result: data}, nil
}

// newErrorResponse builds an error response echoing the request ID.
func newErrorResponse(id json.RawMessage, code int, message string) *Message {
	if len(id) == 0 {
		id = nullID
	}
	return &Message{
		JSONRPC: jsonRPCVersion,
		ID:      id,
		Error:   &RPCError{Code: code, Message: message},
	}
}

// ClientInfo identifies the connecting client.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerInfo identifies this server.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeParams is the payload of an initialize request.
type InitializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities,omitempty"`
	ClientInfo      ClientInfo     `json:"clientInfo"`
}

// InitializeResult is the payload of an initialize response.
type InitializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ServerInfo      ServerInfo     `json:"serverInfo"`
}

// ToolsListResult is the payload of a tools/list response. Each
// descriptor advertises the fused input schema: the discriminator enum
// plus one subschema per action.
type ToolsListResult struct {
	Tools []fusion.Descriptor `json:"tools"`
}

// CallMeta is MCP request metadata. A progress token asks the server to
// send notifications/progress while the call runs.
type CallMeta struct {
	ProgressToken any `json:"progressToken,omitempty"`
}

// ToolsCallParams is the payload of a tools/call request.
type ToolsCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Meta      *CallMeta      `json:"_meta,omitempty"`
}

// ToolsCallResult is the payload of a tools/call response: the result
// envelope plus metadata carrying the call ID, so HTTP clients can follow
// the call's event stream.
type ToolsCallResult struct {
	Content           []fusion.ContentBlock `json:"content"`
	StructuredContent map[string]any        `json:"structuredContent,omitempty"`
	IsError           bool                  `json:"isError,omitempty"`
	Meta              map[string]any        `json:"_meta,omitempty"`
}

// ProgressParams is the payload of a notifications/progress notification.
type ProgressParams struct {
	ProgressToken any     `json:"progressToken"`
	Progress      float64 `json:"progress"`
	Total         float64 `json:"total,omitempty"`
	Message       string  `json:"message,omitempty"`
}
