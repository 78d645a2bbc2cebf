// Package mcprpc provides the shared newline-delimited JSON-RPC wire types
// and helpers used by the process orchestrator and the verification engine
// to talk to backend MCP servers over stdio. It deliberately stays below
// github.com/mark3labs/mcp-go's client abstraction: the orchestrator needs
// the raw request/response frames (monotonic id allocation, tolerant
// skipping of id-less notifications, access to the underlying process) to
// implement restart-on-crash and the transient discovery probe exactly as
// specified, neither of which the higher-level client type exposes.
package mcprpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// ProtocolVersion is the MCP protocol version this client speaks.
const ProtocolVersion = "2024-11-05"

// Implementation identifies a client or server in the initialize handshake.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Request is a JSON-RPC request frame.
type Request struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int64       `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// Notification is a JSON-RPC request frame with no id — the server must not
// reply to it.
type Notification struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// RPCError is a JSON-RPC error object.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Response is a JSON-RPC response frame.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// NewRequest builds a Request with the "2.0" envelope.
func NewRequest(id int64, method string, params interface{}) Request {
	return Request{JSONRPC: "2.0", ID: id, Method: method, Params: params}
}

// NewNotification builds a Notification with the "2.0" envelope.
func NewNotification(method string, params interface{}) Notification {
	return Notification{JSONRPC: "2.0", Method: method, Params: params}
}

// WriteMessage marshals v to JSON and writes it as one newline-terminated
// line, matching the MCP stdio transport's framing.
func WriteMessage(w io.Writer, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("mcprpc: marshal message: %w", err)
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("mcprpc: write message: %w", err)
	}
	return nil
}

// LineReader reads newline-delimited JSON-RPC frames from a subprocess's
// stdout in a background goroutine so reads can be interrupted by a
// context deadline.
type LineReader struct {
	lines chan string
	errs  chan error
}

// NewLineReader starts pumping lines from r in the background.
func NewLineReader(r io.Reader) *LineReader {
	lr := &LineReader{
		lines: make(chan string),
		errs:  make(chan error, 1),
	}
	go lr.pump(r)
	return lr
}

func (lr *LineReader) pump(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		lr.lines <- scanner.Text()
	}
	if err := scanner.Err(); err != nil {
		lr.errs <- err
	} else {
		lr.errs <- io.EOF
	}
	close(lr.lines)
}

type idProbe struct {
	ID json.RawMessage `json:"id"`
}

// ReadResponse reads lines until one parses as a JSON-RPC message carrying a
// non-null "id" field, treating lines that are not valid JSON, or that
// parse but lack an id, as server-to-client notifications or stray output
// to be skipped. It returns ctx.Err() if ctx is cancelled first, or the
// underlying read error (typically io.EOF on process exit) if the stream
// ends without ever producing a response.
func (lr *LineReader) ReadResponse(ctx context.Context) (*Response, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case line, ok := <-lr.lines:
			if !ok {
				select {
				case err := <-lr.errs:
					return nil, err
				default:
					return nil, io.EOF
				}
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			var probe idProbe
			if err := json.Unmarshal([]byte(line), &probe); err != nil {
				continue
			}
			if len(probe.ID) == 0 || string(probe.ID) == "null" {
				continue
			}
			var resp Response
			if err := json.Unmarshal([]byte(line), &resp); err != nil {
				continue
			}
			return &resp, nil
		}
	}
}

// InitializeParams is the params object of an "initialize" request.
type InitializeParams struct {
	ProtocolVersion string                 `json:"protocolVersion"`
	Capabilities    map[string]interface{} `json:"capabilities"`
	ClientInfo      Implementation         `json:"clientInfo"`
}

// InitializeResult is the result object of a successful "initialize" response.
type InitializeResult struct {
	ProtocolVersion string                 `json:"protocolVersion"`
	Capabilities    map[string]interface{} `json:"capabilities"`
	ServerInfo      Implementation         `json:"serverInfo"`
}

// SchemaProperty is one property entry of a tool's JSON-schema "properties"
// map, narrowed to the "type" field the verifier needs to synthesize
// minimal input.
type SchemaProperty struct {
	Type string `json:"type"`
}

// ToolSchema is a tool's inputSchema, narrowed to what the verifier's
// minimal-input synthesis needs.
type ToolSchema struct {
	Type       string                    `json:"type"`
	Properties map[string]SchemaProperty `json:"properties"`
	Required   []string                  `json:"required"`
}

// ToolDescriptor is one entry of a "tools/list" result.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// Schema parses InputSchema into a ToolSchema, treating an empty or
// unparsable schema as having no properties and no required fields.
func (t ToolDescriptor) Schema() ToolSchema {
	var schema ToolSchema
	if len(t.InputSchema) == 0 {
		return schema
	}
	_ = json.Unmarshal(t.InputSchema, &schema)
	return schema
}

// ToolsListResult is the result object of a "tools/list" response.
type ToolsListResult struct {
	Tools []ToolDescriptor `json:"tools"`
}

// CallToolParams is the params object of a "tools/call" request.
type CallToolParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

// ContentItem is one entry of a CallToolResult's content array.
type ContentItem struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// CallToolResult is the result object of a "tools/call" response.
type CallToolResult struct {
	Content []json.RawMessage `json:"content"`
	IsError bool              `json:"isError,omitempty"`
}

// PromptDescriptor is one entry of a "prompts/list" result.
type PromptDescriptor struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// PromptsListResult is the result object of a "prompts/list" response.
type PromptsListResult struct {
	Prompts []PromptDescriptor `json:"prompts"`
}
