package mcpproxy

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the MCP protocol revision this client speaks.
const ProtocolVersion = "2024-11-05"

// request is a JSON-RPC 2.0 request or, when ID is nil, a notification.
type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int64 `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// response is a JSON-RPC 2.0 response envelope.
type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
	Method  string          `json:"method,omitempty"` // set on notifications/requests from the child
}

// RPCError is a JSON-RPC error object from the child, propagated verbatim.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// ServerInfo identifies the child implementation from initialize.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeResult is the child's initialize response.
type InitializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ServerInfo      ServerInfo     `json:"serverInfo"`
}

// Tool describes one callable on the child.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

type listToolsResult struct {
	Tools []Tool `json:"tools"`
}

// ContentBlock is one item of a tool result: text, image, or an embedded
// resource. Exactly the fields for the declared Type are set.
type ContentBlock struct {
	Type string `json:"type"`

	// type == "text"
	Text string `json:"text,omitempty"`

	// type == "image"
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`

	// type == "resource"
	Resource *EmbeddedResource `json:"resource,omitempty"`
}

// EmbeddedResource is a resource embedded in a tool result.
type EmbeddedResource struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

// CallToolResult is the child's tools/call response.
// IsError marks a tool-level failure; the JSON-RPC call itself succeeded.
type CallToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// TextContent concatenates all text blocks of the result.
func (r *CallToolResult) TextContent() string {
	var out string
	for _, c := range r.Content {
		if c.Type == "text" {
			if out != "" {
				out += "\n"
			}
			out += c.Text
		}
	}
	return out
}
