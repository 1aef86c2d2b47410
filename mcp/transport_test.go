package mcp_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/petal-labs/flowbridge/mcp"
	"github.com/petal-labs/flowbridge/mcp/mcptest"
)

const helperEnv = "GO_WANT_MCP_STDIO_HELPER"

// TestMCPStdioHelperProcess is not a real test. It is re-executed as the
// subprocess for stdio transport tests.
func TestMCPStdioHelperProcess(t *testing.T) {
	if os.Getenv(helperEnv) != "1" {
		return
	}
	server := mcptest.NewServer("fs", mcptest.FSTools(map[string]string{
		"/docs/readme.md": "hello from stdio",
	})...)
	_ = server.ServeStdio(context.Background(), os.Stdin, os.Stdout)
	os.Exit(0)
}

func stdioConfig() mcp.TransportConfig {
	return mcp.TransportConfig{
		Type:    mcp.TransportStdio,
		Command: os.Args[0],
		Args:    []string{"-test.run=TestMCPStdioHelperProcess"},
		Env:     map[string]string{helperEnv: "1"},
	}
}

func TestStdioTransportRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mcp.Dial(ctx, stdioConfig(), mcp.Options{})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer client.Close(context.Background())

	if client.Multiplexed() {
		t.Fatal("stdio client reports multiplexed")
	}

	init, err := client.Initialize(ctx)
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if init.ServerInfo.Name != "fs" {
		t.Fatalf("server name = %q", init.ServerInfo.Name)
	}

	tools, err := client.ListTools(ctx)
	if err != nil {
		t.Fatalf("ListTools() error = %v", err)
	}
	if len(tools.Tools) != 2 || tools.Tools[0].Name != "read_file" {
		t.Fatalf("tools = %+v", tools.Tools)
	}

	result, err := client.CallTool(ctx, mcp.ToolsCallParams{
		Name:      "read_file",
		Arguments: map[string]any{"path": "/docs/readme.md"},
	})
	if err != nil {
		t.Fatalf("CallTool() error = %v", err)
	}
	if result.IsError || result.Text() != "hello from stdio" {
		t.Fatalf("result = %+v", result)
	}
}

func TestStdioTransportProcessExitEndsClient(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	transport, err := mcp.NewStdioTransport(ctx, mcp.StdioTransportConfig{
		Command: os.Args[0],
		Args:    []string{"-test.run=TestMCPStdioHelperProcess"},
		Env:     map[string]string{helperEnv: "0"},
	})
	if err != nil {
		t.Fatalf("NewStdioTransport() error = %v", err)
	}
	client := mcp.NewClient(transport, mcp.Options{})
	defer client.Close(context.Background())

	select {
	case <-client.Done():
	case <-ctx.Done():
		t.Fatal("client not done after subprocess exit")
	}
	if client.Err() == nil {
		t.Fatal("Err() = nil after subprocess exit")
	}
	if _, err := client.Initialize(ctx); err == nil {
		t.Fatal("Initialize() succeeded on dead subprocess")
	}
}

func TestStdioTransportRequiresCommand(t *testing.T) {
	if _, err := mcp.NewStdioTransport(context.Background(), mcp.StdioTransportConfig{}); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestHTTPTransportJSONAndSSE(t *testing.T) {
	for _, sse := range []bool{false, true} {
		name := "json"
		if sse {
			name = "sse"
		}
		t.Run(name, func(t *testing.T) {
			server := mcptest.NewServer("search", mcptest.SearchTool("web"))
			httpServer := httptest.NewServer(server.HTTPHandler(sse))
			defer httpServer.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			transport, err := mcp.NewHTTPTransport(mcp.HTTPTransportConfig{Endpoint: httpServer.URL})
			if err != nil {
				t.Fatalf("NewHTTPTransport() error = %v", err)
			}
			client := mcp.NewClient(transport, mcp.Options{})
			defer client.Close(context.Background())

			if _, err := client.Initialize(ctx); err != nil {
				t.Fatalf("Initialize() error = %v", err)
			}
			if transport.SessionID() != "search-1" {
				t.Fatalf("session id = %q, want search-1", transport.SessionID())
			}

			result, err := client.CallTool(ctx, mcp.ToolsCallParams{
				Name:      "search",
				Arguments: map[string]any{"query": "golang"},
			})
			if err != nil {
				t.Fatalf("CallTool() error = %v", err)
			}
			if result.Text() != "web: golang" {
				t.Fatalf("text = %q", result.Text())
			}
			if result.StructuredContent["source"] != "web" {
				t.Fatalf("structured = %+v", result.StructuredContent)
			}
			if server.Calls("notifications/initialized") != 1 {
				t.Fatalf("initialized notifications = %d", server.Calls("notifications/initialized"))
			}
		})
	}
}

func TestHTTPTransportStatusError(t *testing.T) {
	httpServer := httptest.NewServer(mcptest.NewServer("x").HTTPHandler(false))
	httpServer.Close()

	client, err := mcp.Dial(context.Background(), mcp.TransportConfig{
		Type: mcp.TransportHTTP,
		URL:  httpServer.URL,
	}, mcp.Options{})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer client.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := client.Initialize(ctx); err == nil {
		t.Fatal("Initialize() against closed server succeeded")
	}
}

func TestWebSocketTransportConcurrentCalls(t *testing.T) {
	release := make(chan struct{})
	server := mcptest.NewServer("ws", mcptest.BlockingTool("wait", release), mcptest.SearchTool("ws"))
	httpServer := httptest.NewServer(server.WebSocketHandler())
	defer httpServer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := mcp.Dial(ctx, mcp.TransportConfig{
		Type: mcp.TransportWebSocket,
		URL:  "ws" + strings.TrimPrefix(httpServer.URL, "http"),
	}, mcp.Options{})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer client.Close(context.Background())

	if !client.Multiplexed() {
		t.Fatal("websocket client should be multiplexed")
	}
	if _, err := client.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	var wg sync.WaitGroup
	blocked := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		result, err := client.CallTool(ctx, mcp.ToolsCallParams{Name: "wait"})
		if err == nil && result.Text() != "released" {
			err = errors.New("unexpected result " + result.Text())
		}
		blocked <- err
	}()

	// A second call completes while the first is still blocked.
	result, err := client.CallTool(ctx, mcp.ToolsCallParams{
		Name:      "search",
		Arguments: map[string]any{"query": "q"},
	})
	if err != nil {
		t.Fatalf("CallTool(search) error = %v", err)
	}
	if result.Text() != "ws: q" {
		t.Fatalf("text = %q", result.Text())
	}

	close(release)
	wg.Wait()
	if err := <-blocked; err != nil {
		t.Fatalf("CallTool(wait) error = %v", err)
	}
}

func TestTransportConfigEndpoint(t *testing.T) {
	tests := []struct {
		name    string
		cfg     mcp.TransportConfig
		want    string
		wantErr bool
	}{
		{name: "url wins", cfg: mcp.TransportConfig{Type: mcp.TransportHTTP, URL: "https://x/rpc", Host: "h", Port: 1}, want: "https://x/rpc"},
		{name: "http host port", cfg: mcp.TransportConfig{Type: mcp.TransportHTTP, Host: "localhost", Port: 8080}, want: "http://localhost:8080/mcp"},
		{name: "websocket host port", cfg: mcp.TransportConfig{Type: mcp.TransportWebSocket, Host: "::1", Port: 9000}, want: "ws://[::1]:9000/mcp"},
		{name: "missing", cfg: mcp.TransportConfig{Type: mcp.TransportHTTP, Host: "localhost"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.cfg.Endpoint()
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Endpoint() = %q, want error", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Endpoint() error = %v", err)
			}
			if got != tt.want {
				t.Fatalf("Endpoint() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestOpenTransportUnsupported(t *testing.T) {
	_, err := mcp.OpenTransport(context.Background(), mcp.TransportConfig{Type: "carrier-pigeon"})
	if err == nil {
		t.Fatal("expected unsupported transport error")
	}
}
