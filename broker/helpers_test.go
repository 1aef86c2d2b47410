package broker

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/petal-labs/flowbridge/mcp"
	"github.com/petal-labs/flowbridge/mcp/mcptest"
)

const brokerHelperEnv = "GO_WANT_BROKER_MCP_HELPER"

// TestBrokerStdioHelperProcess is not a real test. It is re-executed as a
// stdio MCP server exposing filesystem tools.
func TestBrokerStdioHelperProcess(t *testing.T) {
	if os.Getenv(brokerHelperEnv) != "1" {
		return
	}
	server := mcptest.NewServer("fs", mcptest.FSTools(map[string]string{
		"/tmp/x": "contents of x",
	})...)
	_ = server.ServeStdio(context.Background(), os.Stdin, os.Stdout)
	os.Exit(0)
}

func stdioFSConfig() ServerConfig {
	return ServerConfig{
		Name: "fs",
		Transport: TransportSpec{
			Type:    mcp.TransportStdio,
			Command: os.Args[0],
			Args:    []string{"-test.run=TestBrokerStdioHelperProcess", "--", "--fs"},
		},
		Env: map[string]string{brokerHelperEnv: "1"},
	}
}

func httpConfig(name, url string) ServerConfig {
	return ServerConfig{
		Name:      name,
		Transport: TransportSpec{Type: mcp.TransportHTTP, URL: url},
	}
}

func startHTTP(t *testing.T, server *mcptest.Server) string {
	t.Helper()
	srv := httptest.NewServer(server.HTTPHandler(false))
	t.Cleanup(srv.Close)
	return srv.URL
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type countingDialer struct {
	dials atomic.Int32
	delay time.Duration
}

func (d *countingDialer) Dial(ctx context.Context, cfg mcp.TransportConfig, options mcp.Options) (*mcp.Client, error) {
	d.dials.Add(1)
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	return mcp.Dial(ctx, cfg, options)
}

func newTestManager(t *testing.T, cfg ManagerConfig) *Manager {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = quietLogger()
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	m := NewManager(cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m
}

type recordingObserver struct {
	connections atomic.Int32
	invokes     atomic.Int32
	health      atomic.Int32
	lastInvoke  atomic.Value
}

func (o *recordingObserver) ObserveConnection(ConnectionObservation) { o.connections.Add(1) }
func (o *recordingObserver) ObserveInvoke(obs InvokeObservation) {
	o.invokes.Add(1)
	o.lastInvoke.Store(obs)
}
func (o *recordingObserver) ObserveHealth(HealthObservation) { o.health.Add(1) }
