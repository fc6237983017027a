package spellserver

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/grimoirehq/grimoire/internal/mcp"
	"github.com/grimoirehq/grimoire/internal/spellgateway"
)

type fakeGateway struct {
	resolveResp  *spellgateway.Response
	activateResp *spellgateway.Response
	activateErr  error
	defs         []spellgateway.ToolDefinition
	lastQuery    string
	lastName     string
}

func (f *fakeGateway) ResolveIntent(ctx context.Context, query string) (*spellgateway.Response, error) {
	f.lastQuery = query
	return f.resolveResp, nil
}

func (f *fakeGateway) ActivateSpell(ctx context.Context, name string) (*spellgateway.Response, error) {
	f.lastName = name
	if f.activateErr != nil {
		return nil, f.activateErr
	}
	return f.activateResp, nil
}

func (f *fakeGateway) ToolDefinitions() []spellgateway.ToolDefinition { return f.defs }

func serveOneLine(t *testing.T, gw Gateway, line string) mcp.JSONRPCResponse {
	t.Helper()
	s := New(gw, mcp.ServerInfo{Name: "grimoire", Version: "test"}, nil)
	var out bytes.Buffer
	if err := s.Serve(context.Background(), strings.NewReader(line+"\n"), &out); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	var resp mcp.JSONRPCResponse
	if err := json.Unmarshal(bytes.TrimSpace(out.Bytes()), &resp); err != nil {
		t.Fatalf("unmarshal response %q: %v", out.String(), err)
	}
	return resp
}

func TestServeToolsList(t *testing.T) {
	gw := &fakeGateway{defs: []spellgateway.ToolDefinition{{Name: "resolve_intent"}}}
	resp := serveOneLine(t, gw, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	var result mcp.ListToolsResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if len(result.Tools) != 1 || result.Tools[0].Name != "resolve_intent" {
		t.Fatalf("unexpected tools: %+v", result.Tools)
	}
}

func TestServeToolsCallResolveIntent(t *testing.T) {
	gw := &fakeGateway{resolveResp: &spellgateway.Response{Status: spellgateway.StatusNotFound}}
	resp := serveOneLine(t, gw, `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"resolve_intent","arguments":{"query":"hello"}}}`)
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	if gw.lastQuery != "hello" {
		t.Fatalf("expected query forwarded to gateway, got %q", gw.lastQuery)
	}
	var result mcp.ToolCallResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("unmarshal tool result: %v", err)
	}
	if result.IsError {
		t.Fatalf("expected non-error tool result, got %+v", result)
	}
}

func TestServeToolsCallUnknownTool(t *testing.T) {
	gw := &fakeGateway{}
	resp := serveOneLine(t, gw, `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"bogus"}}`)
	if resp.Error == nil || resp.Error.Code != mcp.ErrCodeToolNotFound {
		t.Fatalf("expected tool not found error, got %+v", resp.Error)
	}
}

func TestServeUnknownMethod(t *testing.T) {
	gw := &fakeGateway{}
	resp := serveOneLine(t, gw, `{"jsonrpc":"2.0","id":4,"method":"bogus/method"}`)
	if resp.Error == nil || resp.Error.Code != mcp.ErrCodeMethodNotFound {
		t.Fatalf("expected method not found error, got %+v", resp.Error)
	}
}

func TestServeMalformedJSONReturnsParseError(t *testing.T) {
	gw := &fakeGateway{}
	resp := serveOneLine(t, gw, `not json`)
	if resp.Error == nil || resp.Error.Code != mcp.ErrCodeParseError {
		t.Fatalf("expected parse error, got %+v", resp.Error)
	}
}

func TestServeActivateSpellErrorSurfacesAsToolError(t *testing.T) {
	gw := &fakeGateway{activateErr: spellgateway.ErrSpellNotFound}
	resp := serveOneLine(t, gw, `{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"activate_spell","arguments":{"name":"postgres"}}}`)
	if resp.Error != nil {
		t.Fatalf("expected tool-level error, not JSON-RPC error: %+v", resp.Error)
	}
	var result mcp.ToolCallResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("unmarshal tool result: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected IsError true for unknown spell")
	}
}
