package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// StreamableHTTPTransport implements the MCP "streamable HTTP" transport:
// every call is a synchronous POST/response round trip over a single
// endpoint, with no separate server-push channel. Server-initiated
// requests and notifications are not supported over this transport;
// Events/Requests return channels that are never written to.
type StreamableHTTPTransport struct {
	config *ServerConfig
	logger *slog.Logger
	client *http.Client

	events    chan *JSONRPCNotification
	requests  chan *JSONRPCRequest
	connected atomic.Bool
}

// NewStreamableHTTPTransport creates a streamable-HTTP transport.
func NewStreamableHTTPTransport(cfg *ServerConfig) *StreamableHTTPTransport {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &StreamableHTTPTransport{
		config:   cfg,
		logger:   slog.Default().With("mcp_server", cfg.ID, "transport", "streamable-http"),
		client:   &http.Client{Timeout: timeout},
		events:   make(chan *JSONRPCNotification),
		requests: make(chan *JSONRPCRequest),
	}
}

// Connect verifies the transport has a URL and marks it ready; there is
// no persistent connection to establish for plain request/response HTTP.
func (t *StreamableHTTPTransport) Connect(ctx context.Context) error {
	if t.config.URL == "" {
		return fmt.Errorf("URL is required for streamable HTTP transport")
	}
	t.connected.Store(true)
	t.logger.Info("streamable HTTP transport ready", "url", t.config.URL)
	return nil
}

// Close marks the transport disconnected; there are no background
// goroutines or sockets to release.
func (t *StreamableHTTPTransport) Close() error {
	t.connected.Store(false)
	return nil
}

// Call sends a request and waits for the synchronous response.
func (t *StreamableHTTPTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, fmt.Errorf("not connected")
	}

	req := JSONRPCRequest{JSONRPC: "2.0", ID: uuid.New().String(), Method: method}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = paramsJSON
	}

	body, _ := json.Marshal(req)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.config.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range t.config.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(b))
	}

	var rpcResp JSONRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("MCP error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	return rpcResp.Result, nil
}

// Notify sends a fire-and-forget POST.
func (t *StreamableHTTPTransport) Notify(ctx context.Context, method string, params any) error {
	if !t.connected.Load() {
		return fmt.Errorf("not connected")
	}
	notif := JSONRPCNotification{JSONRPC: "2.0", Method: method}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		notif.Params = paramsJSON
	}
	body, _ := json.Marshal(notif)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.config.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range t.config.Headers {
		httpReq.Header.Set(k, v)
	}
	resp, err := t.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	resp.Body.Close()
	return nil
}

// Events returns a channel that is never written to: this transport has
// no server-push path.
func (t *StreamableHTTPTransport) Events() <-chan *JSONRPCNotification { return t.events }

// Requests returns a channel that is never written to, for the same
// reason as Events.
func (t *StreamableHTTPTransport) Requests() <-chan *JSONRPCRequest { return t.requests }

// Respond is a no-op error: this transport never receives
// server-initiated requests to respond to.
func (t *StreamableHTTPTransport) Respond(ctx context.Context, id any, result any, rpcErr *JSONRPCError) error {
	return fmt.Errorf("streamable HTTP transport does not support server-initiated requests")
}

// Connected reports whether Connect has succeeded.
func (t *StreamableHTTPTransport) Connected() bool { return t.connected.Load() }
