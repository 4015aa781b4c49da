package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
)

// maxLineBytes bounds a single request line on the stdio transport.
const maxLineBytes = 10 << 20

// StdioServer serves MCP over newline-delimited JSON-RPC on a byte
// stream, stdin/stdout in practice. Requests run concurrently; writes are
// serialized so responses never interleave.
type StdioServer struct {
	server *Server
	logger *slog.Logger

	writeMu sync.Mutex
	out     io.Writer
}

// NewStdioServer creates a stdio transport for the server.
func NewStdioServer(server *Server, logger *slog.Logger) *StdioServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioServer{server: server, logger: logger}
}

// Serve reads requests from r and writes responses to w until r drains or
// ctx is cancelled. In-flight calls finish before it returns. A Serve
// instance is single-use.
func (t *StdioServer) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	t.out = w

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan []byte, 16)
	readErr := make(chan error, 1)
	go t.readLoop(ctx, r, lines, readErr)

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return err
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			t.handleLine(ctx, line, &wg)
		}
	}
}

// readLoop scans request lines into the channel. The scanner reuses its
// buffer, so each line is cloned before it crosses the channel.
func (t *StdioServer) readLoop(ctx context.Context, r io.Reader, lines chan<- []byte, readErr chan<- error) {
	defer close(lines)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		select {
		case lines <- slices.Clone(line):
		case <-ctx.Done():
			return
		}
	}
	if err := scanner.Err(); err != nil {
		readErr <- fmt.Errorf("server: read stdio: %w", err)
	}
}

// handleLine parses one request line and answers it on its own goroutine,
// so a slow call never blocks the read loop.
func (t *StdioServer) handleLine(ctx context.Context, line []byte, wg *sync.WaitGroup) {
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		t.write(newErrorResponse(nullID, codeParseError, fmt.Sprintf("invalid JSON: %v", err)))
		return
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if resp := t.server.Handle(ctx, msg, t.notify); resp != nil {
			t.write(resp)
		}
	}()
}

// notify delivers a server-initiated notification over the output stream.
func (t *StdioServer) notify(ctx context.Context, msg Message) {
	t.write(&msg)
}

// write marshals one message and writes it as a single line under the
// write mutex.
func (t *StdioServer) write(msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		t.logger.Error("encode stdio response", "error", err)
		return
	}
	data = append(data, '\n')

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.out.Write(data); err != nil {
		t.logger.Error("write stdio response", "error", err)
	}
}
