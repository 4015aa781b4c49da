package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	fusion "github.com/vinkius-labs/mcp-fusion"
	"github.com/vinkius-labs/mcp-fusion/bus"
	"github.com/vinkius-labs/mcp-fusion/dispatch"
)

// Method names the server answers.
const (
	methodInitialize  = "initialize"
	methodInitialized = "notifications/initialized"
	methodPing        = "ping"
	methodToolsList   = "tools/list"
	methodToolsCall   = "tools/call"
	methodProgress    = "notifications/progress"
)

// Config configures a Server instance.
type Config struct {
	// Registry holds the tools the server exposes. Required.
	Registry *fusion.Registry

	// Dispatcher runs tools/call requests. Required.
	Dispatcher *dispatch.Dispatcher

	// Bus and EventStore back the per-call SSE stream on the HTTP
	// transport. Optional; without them the events route is not
	// mounted.
	Bus        bus.EventBus
	EventStore bus.EventStore

	// Name and Version identify the server during initialize.
	Name    string
	Version string

	// CORSOrigin is the Access-Control-Allow-Origin value for the HTTP
	// transport. Defaults to "*".
	CORSOrigin string

	// MaxBody bounds HTTP request bodies in bytes. Defaults to 1 MB.
	MaxBody int64

	// Logger receives request-level logs. Defaults to slog.Default().
	Logger *slog.Logger
}

// NotifyFunc delivers a server-to-client notification. Transports supply
// one per connection; a nil NotifyFunc drops notifications.
type NotifyFunc func(ctx context.Context, msg Message)

// Server answers MCP requests against a registry of fused tools.
type Server struct {
	registry   *fusion.Registry
	dispatcher *dispatch.Dispatcher
	bus        bus.EventBus
	eventStore bus.EventStore
	name       string
	version    string
	corsOrigin string
	maxBody    int64
	logger     *slog.Logger
}

// New creates a Server with the given configuration.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	name := cfg.Name
	if name == "" {
		name = "mcp-fusion"
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	corsOrigin := cfg.CORSOrigin
	if corsOrigin == "" {
		corsOrigin = "*"
	}
	maxBody := cfg.MaxBody
	if maxBody <= 0 {
		maxBody = 1 << 20 // 1 MB default
	}
	return &Server{
		registry:   cfg.Registry,
		dispatcher: cfg.Dispatcher,
		bus:        cfg.Bus,
		eventStore: cfg.EventStore,
		name:       name,
		version:    version,
		corsOrigin: corsOrigin,
		maxBody:    maxBody,
		logger:     logger,
	}
}

// Handle answers one JSON-RPC message. It returns nil when the message is
// a notification. notify delivers server-initiated notifications for the
// duration of this request; pass nil when the transport has no back
// channel.
func (s *Server) Handle(ctx context.Context, msg Message, notify NotifyFunc) *Message {
	if msg.JSONRPC != jsonRPCVersion {
		if msg.IsNotification() {
			return nil
		}
		return newErrorResponse(msg.ID, codeInvalidRequest, fmt.Sprintf("unsupported jsonrpc version %q", msg.JSONRPC))
	}

	switch msg.Method {
	case methodInitialize:
		return s.handleInitialize(msg)
	case methodInitialized:
		return nil
	case methodPing:
		return s.respond(msg.ID, struct{}{})
	case methodToolsList:
		return s.respond(msg.ID, ToolsListResult{Tools: s.registry.Descriptors()})
	case methodToolsCall:
		return s.handleToolsCall(ctx, msg, notify)
	default:
		if msg.IsNotification() {
			return nil
		}
		return newErrorResponse(msg.ID, codeMethodNotFound, fmt.Sprintf("method %q is not supported", msg.Method))
	}
}

func (s *Server) handleInitialize(msg Message) *Message {
	var params InitializeParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return newErrorResponse(msg.ID, codeInvalidParams, fmt.Sprintf("invalid initialize params: %v", err))
		}
	}

	s.logger.Info("client initialized",
		"client", params.ClientInfo.Name,
		"client_version", params.ClientInfo.Version,
		"protocol_version", params.ProtocolVersion)

	return s.respond(msg.ID, InitializeResult{
		ProtocolVersion: protocolVersion,
		Capabilities: map[string]any{
			"tools": map[string]any{"listChanged": false},
		},
		ServerInfo: ServerInfo{Name: s.name, Version: s.version},
	})
}

// handleToolsCall routes a tools/call request through the dispatcher. The
// dispatcher returns coaching envelopes for routing, validation, and
// load-shed failures; only calls that never produced an envelope (cancelled
// while queued, guard closed) surface as JSON-RPC errors.
func (s *Server) handleToolsCall(ctx context.Context, msg Message, notify NotifyFunc) *Message {
	var params ToolsCallParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return newErrorResponse(msg.ID, codeInvalidParams, fmt.Sprintf("invalid tools/call params: %v", err))
	}

	tool, ok := s.registry.Get(params.Name)
	if !ok {
		return newErrorResponse(msg.ID, codeInvalidParams, fmt.Sprintf("unknown tool %q", params.Name))
	}

	opts := dispatch.Options{CallID: uuid.NewString()}
	if params.Meta != nil && params.Meta.ProgressToken != nil && notify != nil {
		opts.ProgressToken = params.Meta.ProgressToken
		opts.ProgressSink = s.progressSink(notify)
	}

	start := time.Now()
	res, err := s.dispatcher.Execute(ctx, tool, params.Arguments, opts)
	if err != nil {
		s.logger.Error("call aborted",
			"tool", params.Name,
			"call_id", opts.CallID,
			"error", err)
		return newErrorResponse(msg.ID, codeInternalError, err.Error())
	}

	s.logger.Debug("call completed",
		"tool", params.Name,
		"call_id", opts.CallID,
		"is_error", res.IsError,
		"duration_ms", time.Since(start).Milliseconds())

	return s.respond(msg.ID, ToolsCallResult{
		Content:           res.Content,
		StructuredContent: res.StructuredContent,
		IsError:           res.IsError,
		Meta:              map[string]any{"call_id": opts.CallID},
	})
}

// progressSink forwards streamed handler updates as notifications/progress.
// The dispatcher stamps each update with the request's progress token.
func (s *Server) progressSink(notify NotifyFunc) fusion.ProgressSink {
	return fusion.ProgressSinkFunc(func(ctx context.Context, p fusion.Progress) error {
		params, err := json.Marshal(ProgressParams{
			ProgressToken: p.Token,
			Progress:      p.Progress,
			Total:         p.Total,
			Message:       p.Message,
		})
		if err != nil {
			return fmt.Errorf("server: encode progress params: %w", err)
		}
		notify(ctx, Message{JSONRPC: jsonRPCVersion, Method: methodProgress, Params: params})
		return nil
	})
}

// respond encodes a success response, degrading to an internal error when
// the result cannot be marshalled.
func (s *Server) respond(id json.RawMessage, result any) *Message {
	resp, err := newResponse(id, result)
	if err != nil {
		s.logger.Error("encode response", "error", err)
		return newErrorResponse(id, codeInternalError, "failed to encode response")
	}
	return resp
}
