package mcp

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
)

// TransportType names a supported transport.
type TransportType string

const (
	TransportStdio     TransportType = "stdio"
	TransportHTTP      TransportType = "http"
	TransportWebSocket TransportType = "websocket"
)

// DefaultPath is used when an HTTP or WebSocket server is addressed by host
// and port only.
const DefaultPath = "/mcp"

// TransportConfig describes how to reach one MCP server.
type TransportConfig struct {
	Type    TransportType
	Command string
	Args    []string
	Env     map[string]string
	Dir     string
	URL     string
	Host    string
	Port    int
	Headers map[string]string

	// HTTPClient overrides the client used by the http transport.
	HTTPClient *http.Client
}

// Endpoint resolves the network address for http and websocket transports:
// URL when set, otherwise host and port with DefaultPath.
func (c TransportConfig) Endpoint() (string, error) {
	if u := strings.TrimSpace(c.URL); u != "" {
		return u, nil
	}
	if strings.TrimSpace(c.Host) == "" || c.Port <= 0 {
		return "", fmt.Errorf("mcp: %s transport requires url or host and port", c.Type)
	}
	scheme := "http"
	if c.Type == TransportWebSocket {
		scheme = "ws"
	}
	return scheme + "://" + net.JoinHostPort(c.Host, strconv.Itoa(c.Port)) + DefaultPath, nil
}

// OpenTransport opens the transport described by cfg. For stdio this starts
// the subprocess; for websocket it completes the handshake; http opens
// lazily on the first request.
func OpenTransport(ctx context.Context, cfg TransportConfig) (Transport, error) {
	switch cfg.Type {
	case TransportStdio:
		return NewStdioTransport(ctx, StdioTransportConfig{
			Command: cfg.Command,
			Args:    cfg.Args,
			Env:     cfg.Env,
			Dir:     cfg.Dir,
		})
	case TransportHTTP:
		endpoint, err := cfg.Endpoint()
		if err != nil {
			return nil, err
		}
		return NewHTTPTransport(HTTPTransportConfig{
			Endpoint: endpoint,
			Headers:  cfg.Headers,
			Client:   cfg.HTTPClient,
		})
	case TransportWebSocket:
		endpoint, err := cfg.Endpoint()
		if err != nil {
			return nil, err
		}
		return NewWebSocketTransport(ctx, WebSocketTransportConfig{
			URL:     endpoint,
			Headers: cfg.Headers,
		})
	default:
		return nil, fmt.Errorf("mcp: unsupported transport %q", cfg.Type)
	}
}

// Dial opens the transport and wraps it in a client. The session is not
// initialized; call Client.Initialize.
func Dial(ctx context.Context, cfg TransportConfig, options Options) (*Client, error) {
	transport, err := OpenTransport(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewClient(transport, options), nil
}
