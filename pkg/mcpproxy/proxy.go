// Package mcpproxy speaks JSON-RPC 2.0 to a child MCP server over stdio.
//
// Wire contract: requests are single-line UTF-8 JSON objects terminated by
// '\n'. Request ids are monotonically increasing integers scoped to the
// proxy instance. A single reader goroutine demultiplexes responses by id
// into per-request waiters; writes are serialized behind a writer lock, so
// many tool calls may be in flight concurrently without blocking each other.
// Notifications from the child produce no response and are ignored.
package mcpproxy

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/fluidmcp/fluidmcp/pkg/version"
)

// ErrClosed is returned for requests issued after the child's stdout closed.
var ErrClosed = errors.New("mcp proxy closed")

// maxLineBytes bounds a single response line from the child (16 MiB).
const maxLineBytes = 16 << 20

// Proxy is a JSON-RPC client bound to one child's stdin/stdout.
type Proxy struct {
	serverID string
	logger   *slog.Logger

	writeMu sync.Mutex
	stdin   io.Writer

	nextID atomic.Int64

	pendingMu sync.Mutex
	pending   map[int64]chan *response

	closeOnce sync.Once
	done      chan struct{}
}

// New creates a proxy over the child's pipes and starts the reader.
// The caller owns the pipes' lifecycle; when stdout reaches EOF the proxy
// fails all in-flight requests and closes its Done channel.
func New(serverID string, stdin io.Writer, stdout io.Reader) *Proxy {
	p := &Proxy{
		serverID: serverID,
		logger:   slog.Default(),
		stdin:    stdin,
		pending:  make(map[int64]chan *response),
		done:     make(chan struct{}),
	}
	go p.readLoop(stdout)
	return p
}

// Done is closed when the reader exits (child closed stdout or died).
func (p *Proxy) Done() <-chan struct{} {
	return p.done
}

// readLoop is the single reader demultiplexing child output by request id.
func (p *Proxy) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var resp response
		if err := json.Unmarshal(line, &resp); err != nil {
			p.logger.Debug("discarding unparseable line from child",
				"server_id", p.serverID, "error", err)
			continue
		}

		// No id: a notification (e.g. notifications/initialized). Ignore.
		if resp.ID == nil {
			p.logger.Debug("notification from child",
				"server_id", p.serverID, "method", resp.Method)
			continue
		}

		p.pendingMu.Lock()
		waiter, ok := p.pending[*resp.ID]
		delete(p.pending, *resp.ID)
		p.pendingMu.Unlock()

		if !ok {
			// Late reply to a cancelled request, or child-initiated request.
			p.logger.Debug("response with no waiter",
				"server_id", p.serverID, "id", *resp.ID)
			continue
		}
		waiter <- &resp
	}

	p.closeOnce.Do(func() {
		p.pendingMu.Lock()
		for id, waiter := range p.pending {
			close(waiter)
			delete(p.pending, id)
		}
		p.pendingMu.Unlock()
		close(p.done)
	})
}

// call issues one request and waits for its matching response.
// If ctx fires first, a notifications/cancelled is sent for the request id
// and the context error is returned.
func (p *Proxy) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	select {
	case <-p.done:
		return nil, ErrClosed
	default:
	}

	id := p.nextID.Add(1)
	waiter := make(chan *response, 1)

	p.pendingMu.Lock()
	p.pending[id] = waiter
	p.pendingMu.Unlock()

	if err := p.write(request{JSONRPC: "2.0", ID: &id, Method: method, Params: params}); err != nil {
		p.pendingMu.Lock()
		delete(p.pending, id)
		p.pendingMu.Unlock()
		return nil, fmt.Errorf("write %s request: %w", method, err)
	}

	select {
	case <-ctx.Done():
		p.pendingMu.Lock()
		delete(p.pending, id)
		p.pendingMu.Unlock()
		// Best effort: tell the child to abandon the work.
		_ = p.notify("notifications/cancelled", map[string]any{
			"requestId": id,
			"reason":    ctx.Err().Error(),
		})
		return nil, ctx.Err()
	case resp, ok := <-waiter:
		if !ok {
			return nil, ErrClosed
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	}
}

// notify sends a notification (no id, no response expected).
func (p *Proxy) notify(method string, params any) error {
	return p.write(request{JSONRPC: "2.0", Method: method, Params: params})
}

// write frames and writes one message under the writer lock.
func (p *Proxy) write(req request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	data = append(data, '\n')

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if _, err := p.stdin.Write(data); err != nil {
		return fmt.Errorf("write to child stdin: %w", err)
	}
	return nil
}

// Initialize performs the MCP handshake. Must be the first request after
// spawn; on success the client acknowledges with notifications/initialized.
func (p *Proxy) Initialize(ctx context.Context) (*InitializeResult, error) {
	raw, err := p.call(ctx, "initialize", map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    version.AppName,
			"version": version.GitCommit,
		},
	})
	if err != nil {
		return nil, err
	}
	var result InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode initialize result: %w", err)
	}
	if err := p.notify("notifications/initialized", map[string]any{}); err != nil {
		return nil, fmt.Errorf("send initialized notification: %w", err)
	}
	return &result, nil
}

// ListTools enumerates the child's tools.
func (p *Proxy) ListTools(ctx context.Context) ([]Tool, error) {
	raw, err := p.call(ctx, "tools/list", map[string]any{})
	if err != nil {
		return nil, err
	}
	var result listToolsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode tools/list result: %w", err)
	}
	return result.Tools, nil
}

// CallTool invokes one tool. A child-side tool failure comes back as a
// CallToolResult with IsError set; a *RPCError means the call itself failed.
func (p *Proxy) CallTool(ctx context.Context, name string, arguments map[string]any) (*CallToolResult, error) {
	if arguments == nil {
		arguments = map[string]any{}
	}
	raw, err := p.call(ctx, "tools/call", map[string]any{
		"name":      name,
		"arguments": arguments,
	})
	if err != nil {
		return nil, err
	}
	var result CallToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode tools/call result: %w", err)
	}
	return &result, nil
}

// Close fails all in-flight requests. The underlying pipes are owned and
// closed by the process manager.
func (p *Proxy) Close() {
	p.closeOnce.Do(func() {
		p.pendingMu.Lock()
		for id, waiter := range p.pending {
			close(waiter)
			delete(p.pending, id)
		}
		p.pendingMu.Unlock()
		close(p.done)
	})
}
