package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/shakram02/mcp-db-gateway/internal/gateway"
	"github.com/shakram02/mcp-db-gateway/internal/registry"
)

// maxMessageSize bounds a single JSON-RPC line read from the client.
const maxMessageSize = 16 << 20

// MCPServer handles the MCP protocol over a line-delimited stream, usually
// stdin and stdout.
type MCPServer struct {
	gw      *gateway.Gateway
	reg     *registry.Registry
	version string

	in  io.Reader
	out io.Writer

	writeMu  sync.Mutex
	inflight sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// NewMCPServer creates a server answering requests through gw.
func NewMCPServer(ctx context.Context, gw *gateway.Gateway, reg *registry.Registry, in io.Reader, out io.Writer) *MCPServer {
	serverCtx, serverCancel := context.WithCancel(ctx)
	return &MCPServer{
		gw:      gw,
		reg:     reg,
		version: version,
		in:      in,
		out:     out,
		ctx:     serverCtx,
		cancel:  serverCancel,
	}
}

// Run reads requests until EOF or until the server context is cancelled.
// tools/call requests are served concurrently; everything else is answered
// in order. In-flight calls finish before Run returns.
func (s *MCPServer) Run() error {
	lines := make(chan string)
	readErr := make(chan error, 1)

	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(s.in)
		scanner.Buffer(make([]byte, 0, 64*1024), maxMessageSize)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-s.ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	defer s.inflight.Wait()

	for {
		select {
		case <-s.ctx.Done():
			return s.ctx.Err()
		case line, ok := <-lines:
			if !ok {
				if err := s.ctx.Err(); err != nil {
					return err
				}
				if err := <-readErr; err != nil {
					return fmt.Errorf("failed to read input: %w", err)
				}
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			s.dispatch([]byte(line))
		}
	}
}

func (s *MCPServer) dispatch(data []byte) {
	var req JSONRPCRequest
	if err := json.Unmarshal(data, &req); err != nil {
		s.write(&JSONRPCResponse{
			JSONRPC: "2.0",
			Error: &Error{
				Code:    ParseError,
				Message: "Parse error",
				Data:    err.Error(),
			},
		})
		return
	}

	if req.Method == "tools/call" {
		s.inflight.Add(1)
		go func() {
			defer s.inflight.Done()
			s.write(s.handleMessage(&req))
		}()
		return
	}
	s.write(s.handleMessage(&req))
}

func (s *MCPServer) handleMessage(req *JSONRPCRequest) *JSONRPCResponse {
	if req.JSONRPC != "2.0" {
		return &JSONRPCResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error: &Error{
				Code:    InvalidRequest,
				Message: "Invalid JSON-RPC version",
			},
		}
	}
	return s.handleRequest(req)
}

func (s *MCPServer) handleRequest(req *JSONRPCRequest) *JSONRPCResponse {
	var result any
	var rpcErr *Error

	switch req.Method {
	case "initialize":
		result, rpcErr = s.handleInitialize(req.Params)
	case "initialized", "notifications/initialized", "notifications/cancelled":
		return nil
	case "tools/list":
		result, rpcErr = s.handleListTools()
	case "tools/call":
		result, rpcErr = s.handleCallTool(s.ctx, req.Params)
	case "resources/list":
		result, rpcErr = s.handleListResources()
	case "resources/read":
		result, rpcErr = s.handleReadResource(s.ctx, req.Params)
	case "ping":
		result = map[string]any{}
	default:
		if req.IsNotification() {
			return nil
		}
		rpcErr = &Error{
			Code:    MethodNotFound,
			Message: fmt.Sprintf("Method not found: %s", req.Method),
		}
	}

	return &JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result:  result,
		Error:   rpcErr,
	}
}

func (s *MCPServer) write(resp *JSONRPCResponse) {
	if resp == nil {
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		log.Error().Err(err).Interface("id", resp.ID).Msg("Failed to marshal response")
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := fmt.Fprintln(s.out, string(data)); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		log.Error().Err(err).Msg("Failed to write response")
	}
}

// Shutdown cancels in-flight requests and stops Run.
func (s *MCPServer) Shutdown() {
	if s.cancel != nil {
		s.cancel()
	}
}
