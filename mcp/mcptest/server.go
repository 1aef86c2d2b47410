// Package mcptest provides a scriptable in-process MCP server for tests. It
// speaks the same JSON-RPC framing as real servers over stdio, HTTP and
// WebSocket.
package mcptest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/petal-labs/flowbridge/internal/xjson"
	"github.com/petal-labs/flowbridge/mcp"
)

// ToolFunc runs a tool. A returned error becomes a JSON-RPC error response;
// tool-level failures are reported with ToolsCallResult.IsError.
type ToolFunc func(ctx context.Context, args map[string]any) (mcp.ToolsCallResult, error)

// Tool pairs a tool descriptor with its handler.
type Tool struct {
	mcp.Tool
	Handler ToolFunc
}

// Server is a fake MCP server.
type Server struct {
	name string

	mu    sync.RWMutex
	tools []Tool

	sessions atomic.Int64
	calls    sync.Map // method -> *atomic.Int64
}

// NewServer creates a server exposing tools in the given order.
func NewServer(name string, tools ...Tool) *Server {
	return &Server{name: name, tools: tools}
}

// SetTools replaces the tool list.
func (s *Server) SetTools(tools ...Tool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools = tools
}

// Calls returns how many requests with method were handled.
func (s *Server) Calls(method string) int64 {
	v, ok := s.calls.Load(method)
	if !ok {
		return 0
	}
	return v.(*atomic.Int64).Load()
}

// Sessions returns how many initialize requests were handled.
func (s *Server) Sessions() int64 {
	return s.sessions.Load()
}

// Handle answers one message. The boolean is false for notifications.
func (s *Server) Handle(ctx context.Context, req mcp.Message) (mcp.Message, bool) {
	if req.Method == "" {
		return mcp.Message{}, false
	}
	counter, _ := s.calls.LoadOrStore(req.Method, new(atomic.Int64))
	counter.(*atomic.Int64).Add(1)

	if req.ID == 0 {
		return mcp.Message{}, false
	}

	result, rpcErr := s.dispatch(ctx, req)
	resp := mcp.Message{JSONRPC: "2.0", ID: req.ID}
	if rpcErr != nil {
		resp.Error = rpcErr
		return resp, true
	}
	raw, err := xjson.Marshal(result)
	if err != nil {
		resp.Error = &mcp.RPCError{Code: mcp.CodeInternalError, Message: err.Error()}
		return resp, true
	}
	resp.Result = raw
	return resp, true
}

func (s *Server) dispatch(ctx context.Context, req mcp.Message) (any, *mcp.RPCError) {
	switch req.Method {
	case "initialize":
		s.sessions.Add(1)
		return mcp.InitializeResult{
			ProtocolVersion: "2025-06-18",
			Capabilities:    map[string]any{"tools": map[string]any{}},
			ServerInfo:      mcp.ServerInfo{Name: s.name, Version: "test"},
		}, nil
	case "ping":
		return map[string]any{}, nil
	case "tools/list":
		s.mu.RLock()
		defer s.mu.RUnlock()
		out := mcp.ToolsListResult{Tools: make([]mcp.Tool, 0, len(s.tools))}
		for _, t := range s.tools {
			out.Tools = append(out.Tools, t.Tool)
		}
		return out, nil
	case "tools/call":
		var params mcp.ToolsCallParams
		if err := xjson.Unmarshal(req.Params, &params); err != nil {
			return nil, &mcp.RPCError{Code: mcp.CodeInvalidParams, Message: err.Error()}
		}
		tool, ok := s.lookup(params.Name)
		if !ok {
			return nil, &mcp.RPCError{Code: mcp.CodeInvalidParams, Message: fmt.Sprintf("unknown tool %q", params.Name)}
		}
		if tool.Handler == nil {
			return mcp.ToolsCallResult{Content: []mcp.ContentBlock{{Type: "text", Text: "ok"}}}, nil
		}
		result, err := tool.Handler(ctx, params.Arguments)
		if err != nil {
			return nil, &mcp.RPCError{Code: mcp.CodeInternalError, Message: err.Error()}
		}
		return result, nil
	default:
		return nil, &mcp.RPCError{Code: mcp.CodeMethodNotFound, Message: "method not found: " + req.Method}
	}
}

func (s *Server) lookup(name string) (Tool, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tools {
		if t.Name == name {
			return t, true
		}
	}
	return Tool{}, false
}

// ServeStdio reads newline-delimited requests from r and writes responses to
// w until r is exhausted.
func (s *Server) ServeStdio(ctx context.Context, r io.Reader, w io.Writer) error {
	decoder := xjson.NewDecoder(bufio.NewReader(r))
	encoder := xjson.NewEncoder(w)
	for {
		var req mcp.Message
		if err := decoder.Decode(&req); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		resp, ok := s.Handle(ctx, req)
		if !ok {
			continue
		}
		if err := encoder.Encode(resp); err != nil {
			return err
		}
	}
}

// HTTPHandler serves the streamable HTTP transport. When sse is true
// responses are framed as server-sent events.
func (s *Server) HTTPHandler(sse bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
			return
		case http.MethodPost:
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		var req mcp.Message
		if err := xjson.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		resp, ok := s.Handle(r.Context(), req)
		if req.Method == "initialize" {
			w.Header().Set("Mcp-Session-Id", fmt.Sprintf("%s-%d", s.name, s.Sessions()))
		}
		if !ok {
			w.WriteHeader(http.StatusAccepted)
			return
		}

		data, err := xjson.Marshal(resp)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if sse {
			w.Header().Set("Content-Type", "text/event-stream")
			_, _ = fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(data)
	})
}

// WebSocketHandler serves one MCP session per connection. Requests are
// handled concurrently so responses may arrive out of order.
func (s *Server) WebSocketHandler() http.Handler {
	upgrader := websocket.Upgrader{
		Subprotocols: []string{"mcp"},
		CheckOrigin:  func(*http.Request) bool { return true },
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		var (
			writeMu sync.Mutex
			wg      sync.WaitGroup
		)
		defer wg.Wait()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req mcp.Message
			if err := xjson.Unmarshal(data, &req); err != nil {
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				resp, ok := s.Handle(ctx, req)
				if !ok {
					return
				}
				out, err := xjson.Marshal(resp)
				if err != nil {
					return
				}
				writeMu.Lock()
				defer writeMu.Unlock()
				_ = conn.WriteMessage(websocket.TextMessage, out)
			}()
		}
	})
}

// TextResult builds a successful single-text result.
func TextResult(text string) mcp.ToolsCallResult {
	return mcp.ToolsCallResult{Content: []mcp.ContentBlock{{Type: "text", Text: text}}}
}

// ErrorResult builds a tool-level failure.
func ErrorResult(text string) mcp.ToolsCallResult {
	return mcp.ToolsCallResult{Content: []mcp.ContentBlock{{Type: "text", Text: text}}, IsError: true}
}

// FSTools returns read_file and list_directory tools over an in-memory file
// set.
func FSTools(files map[string]string) []Tool {
	return []Tool{
		{
			Tool: mcp.Tool{
				Name:        "read_file",
				Description: "Read the complete contents of a file.",
				InputSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"path": map[string]any{"type": "string", "description": "Path of the file to read"},
					},
					"required": []any{"path"},
				},
			},
			Handler: func(_ context.Context, args map[string]any) (mcp.ToolsCallResult, error) {
				path, _ := args["path"].(string)
				content, ok := files[path]
				if !ok {
					return ErrorResult("no such file: " + path), nil
				}
				return TextResult(content), nil
			},
		},
		{
			Tool: mcp.Tool{
				Name:        "list_directory",
				Description: "List files under a directory prefix.",
				InputSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"path": map[string]any{"type": "string"},
					},
				},
			},
			Handler: func(_ context.Context, args map[string]any) (mcp.ToolsCallResult, error) {
				prefix, _ := args["path"].(string)
				var names []string
				for name := range files {
					if strings.HasPrefix(name, prefix) {
						names = append(names, name)
					}
				}
				sort.Strings(names)
				return TextResult(strings.Join(names, "\n")), nil
			},
		},
	}
}

// SearchTool returns a search tool that echoes the query with a source tag.
func SearchTool(source string) Tool {
	return Tool{
		Tool: mcp.Tool{
			Name:        "search",
			Description: "Search " + source + ".",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{"type": "string"},
					"limit": map[string]any{"type": "integer", "default": 10},
				},
				"required": []any{"query"},
			},
		},
		Handler: func(_ context.Context, args map[string]any) (mcp.ToolsCallResult, error) {
			query, _ := args["query"].(string)
			return mcp.ToolsCallResult{
				Content:           []mcp.ContentBlock{{Type: "text", Text: source + ": " + query}},
				StructuredContent: map[string]any{"source": source, "query": query},
			}, nil
		},
	}
}

// FailingTool returns a tool that always reports a tool-level failure, and
// a JSON-RPC error when args contains "rpc": true.
func FailingTool() Tool {
	return Tool{
		Tool: mcp.Tool{
			Name:        "explode",
			Description: "Always fails.",
			InputSchema: map[string]any{"type": "object"},
		},
		Handler: func(_ context.Context, args map[string]any) (mcp.ToolsCallResult, error) {
			if rpc, _ := args["rpc"].(bool); rpc {
				return mcp.ToolsCallResult{}, errors.New("exploded at rpc level")
			}
			return ErrorResult("exploded"), nil
		},
	}
}

// BlockingTool returns a tool that waits until release is closed or the
// request context ends.
func BlockingTool(name string, release <-chan struct{}) Tool {
	return Tool{
		Tool: mcp.Tool{
			Name:        name,
			Description: "Blocks until released.",
			InputSchema: map[string]any{"type": "object"},
		},
		Handler: func(ctx context.Context, _ map[string]any) (mcp.ToolsCallResult, error) {
			select {
			case <-release:
				return TextResult("released"), nil
			case <-ctx.Done():
				return mcp.ToolsCallResult{}, ctx.Err()
			}
		},
	}
}
