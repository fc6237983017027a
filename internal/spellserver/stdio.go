// Package spellserver exposes a Gateway over the stdio MCP transport,
// the same JSON-RPC 2.0 line protocol internal/mcp speaks as a client
// to downstream spell processes, but from the server side.
package spellserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/grimoirehq/grimoire/internal/mcp"
	"github.com/grimoirehq/grimoire/internal/spellgateway"
)

// Gateway is the subset of *spellgateway.Gateway the server needs.
type Gateway interface {
	ResolveIntent(ctx context.Context, query string) (*spellgateway.Response, error)
	ActivateSpell(ctx context.Context, name string) (*spellgateway.Response, error)
	ToolDefinitions() []spellgateway.ToolDefinition
}

// Server speaks newline-delimited JSON-RPC 2.0 over an io.Reader/io.Writer
// pair, dispatching initialize/tools/list/tools/call to a Gateway.
type Server struct {
	gateway Gateway
	info    mcp.ServerInfo
	logger  *slog.Logger

	writeMu sync.Mutex
}

// New builds a Server around gateway. info is reported back to the host
// on initialize.
func New(gateway Gateway, info mcp.ServerInfo, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		gateway: gateway,
		info:    info,
		logger:  logger.With("component", "spellserver"),
	}
}

// Serve reads one JSON-RPC request per line from in and writes one
// response per line to out, until in is exhausted or ctx is done.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var req mcp.JSONRPCRequest
		if err := json.Unmarshal(line, &req); err != nil {
			s.writeResponse(out, &mcp.JSONRPCResponse{
				JSONRPC: "2.0",
				Error:   &mcp.JSONRPCError{Code: mcp.ErrCodeParseError, Message: "parse error"},
			})
			continue
		}

		resp := s.handle(ctx, &req)
		if resp != nil {
			s.writeResponse(out, resp)
		}
	}
	return scanner.Err()
}

func (s *Server) handle(ctx context.Context, req *mcp.JSONRPCRequest) *mcp.JSONRPCResponse {
	switch req.Method {
	case "initialize":
		return s.reply(req, mcp.InitializeResult{
			ProtocolVersion: "2024-11-05",
			Capabilities:    mcp.Capabilities{Tools: &mcp.ToolsCapability{}},
			ServerInfo:      s.info,
		})
	case "tools/list":
		return s.reply(req, mcp.ListToolsResult{Tools: s.projectTools()})
	case "tools/call":
		return s.handleCallTool(ctx, req)
	case "notifications/initialized", "ping":
		return nil
	default:
		return s.errorf(req, mcp.ErrCodeMethodNotFound, "method not found: %s", req.Method)
	}
}

func (s *Server) projectTools() []*mcp.MCPTool {
	defs := s.gateway.ToolDefinitions()
	out := make([]*mcp.MCPTool, 0, len(defs))
	for _, d := range defs {
		out = append(out, &mcp.MCPTool{Name: d.Name, Description: d.Description, InputSchema: d.InputSchema})
	}
	return out
}

func (s *Server) handleCallTool(ctx context.Context, req *mcp.JSONRPCRequest) *mcp.JSONRPCResponse {
	var params mcp.CallToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return s.errorf(req, mcp.ErrCodeInvalidParams, "invalid tools/call params: %v", err)
	}

	switch params.Name {
	case "resolve_intent":
		var args struct {
			Query string `json:"query"`
		}
		if len(params.Arguments) > 0 {
			if err := json.Unmarshal(params.Arguments, &args); err != nil {
				return s.errorf(req, mcp.ErrCodeInvalidParams, "invalid resolve_intent arguments: %v", err)
			}
		}
		resp, err := s.gateway.ResolveIntent(ctx, args.Query)
		if err != nil {
			return s.toolError(req, err)
		}
		return s.toolResult(req, resp)

	case "activate_spell":
		var args struct {
			Name string `json:"name"`
		}
		if len(params.Arguments) > 0 {
			if err := json.Unmarshal(params.Arguments, &args); err != nil {
				return s.errorf(req, mcp.ErrCodeInvalidParams, "invalid activate_spell arguments: %v", err)
			}
		}
		resp, err := s.gateway.ActivateSpell(ctx, args.Name)
		if err != nil {
			return s.toolError(req, err)
		}
		return s.toolResult(req, resp)

	default:
		return s.errorf(req, mcp.ErrCodeToolNotFound, "unknown tool: %s", params.Name)
	}
}

func (s *Server) toolResult(req *mcp.JSONRPCRequest, resp *spellgateway.Response) *mcp.JSONRPCResponse {
	payload, err := json.Marshal(resp)
	if err != nil {
		return s.errorf(req, mcp.ErrCodeInternalError, "marshal result: %v", err)
	}
	return s.reply(req, mcp.ToolCallResult{
		Content: []mcp.ToolResultContent{{Type: "text", Text: string(payload)}},
	})
}

func (s *Server) toolError(req *mcp.JSONRPCRequest, err error) *mcp.JSONRPCResponse {
	return s.reply(req, mcp.ToolCallResult{
		Content: []mcp.ToolResultContent{{Type: "text", Text: err.Error()}},
		IsError: true,
	})
}

func (s *Server) reply(req *mcp.JSONRPCRequest, result any) *mcp.JSONRPCResponse {
	payload, err := json.Marshal(result)
	if err != nil {
		return s.errorf(req, mcp.ErrCodeInternalError, "marshal response: %v", err)
	}
	return &mcp.JSONRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: payload}
}

func (s *Server) errorf(req *mcp.JSONRPCRequest, code int, format string, a ...any) *mcp.JSONRPCResponse {
	return &mcp.JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Error:   &mcp.JSONRPCError{Code: code, Message: fmt.Sprintf(format, a...)},
	}
}

func (s *Server) writeResponse(out io.Writer, resp *mcp.JSONRPCResponse) {
	payload, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("failed to marshal response", "error", err)
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := out.Write(append(payload, '\n')); err != nil {
		s.logger.Error("failed to write response", "error", err)
	}
}
