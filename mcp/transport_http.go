package mcp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync"

	"github.com/petal-labs/flowbridge/internal/xjson"
)

const sessionHeader = "Mcp-Session-Id"

// HTTPTransportConfig configures an HTTP MCP transport.
type HTTPTransportConfig struct {
	Endpoint string
	Headers  map[string]string
	Client   *http.Client
}

// HTTPTransport implements the MCP streamable HTTP transport: every message
// is POSTed to the endpoint and the reply arrives either as a JSON body or as
// server-sent events. Concurrent requests travel on separate HTTP requests,
// so the transport is multiplexed.
type HTTPTransport struct {
	cfg    HTTPTransportConfig
	recvCh chan Message
	done   chan struct{}

	mu        sync.Mutex
	sessionID string
	closed    bool
}

// NewHTTPTransport creates an endpoint-backed MCP transport. No request is
// sent until the first Send.
func NewHTTPTransport(cfg HTTPTransportConfig) (*HTTPTransport, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("mcp: http endpoint is required")
	}
	if cfg.Client == nil {
		cfg.Client = http.DefaultClient
	}
	return &HTTPTransport{
		cfg:    cfg,
		recvCh: make(chan Message, 64),
		done:   make(chan struct{}),
	}, nil
}

// Send posts one JSON-RPC message and enqueues any responses in the reply.
func (t *HTTPTransport) Send(ctx context.Context, message Message) error {
	t.mu.Lock()
	closed := t.closed
	sessionID := t.sessionID
	t.mu.Unlock()
	if closed {
		return errors.New("mcp: http transport is closed")
	}

	body, err := xjson.Marshal(message)
	if err != nil {
		return fmt.Errorf("mcp: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("mcp: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if sessionID != "" {
		req.Header.Set(sessionHeader, sessionID)
	}
	for key, value := range t.cfg.Headers {
		req.Header.Set(key, value)
	}

	resp, err := t.cfg.Client.Do(req)
	if err != nil {
		return fmt.Errorf("mcp: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("mcp: endpoint returned status %d", resp.StatusCode)
	}
	if id := resp.Header.Get(sessionHeader); id != "" {
		t.mu.Lock()
		t.sessionID = id
		t.mu.Unlock()
	}

	var messages []Message
	if isEventStream(resp.Header.Get("Content-Type")) {
		messages, err = readEventStream(resp.Body)
	} else {
		messages, err = readJSONBody(resp.Body)
	}
	if err != nil {
		return err
	}

	for _, m := range messages {
		select {
		case t.recvCh <- m:
		case <-ctx.Done():
			return ctx.Err()
		case <-t.done:
			return errors.New("mcp: http transport is closed")
		}
	}
	return nil
}

// Receive waits for the next queued JSON-RPC message.
func (t *HTTPTransport) Receive(ctx context.Context) (Message, error) {
	select {
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-t.done:
		return Message{}, errors.New("mcp: http transport is closed")
	case message := <-t.recvCh:
		return message, nil
	}
}

// Close ends the session. A server-assigned session is released with a
// best-effort DELETE.
func (t *HTTPTransport) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	sessionID := t.sessionID
	close(t.done)
	t.mu.Unlock()

	if sessionID == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, t.cfg.Endpoint, nil)
	if err != nil {
		return nil
	}
	req.Header.Set(sessionHeader, sessionID)
	for key, value := range t.cfg.Headers {
		req.Header.Set(key, value)
	}
	if resp, err := t.cfg.Client.Do(req); err == nil {
		_ = resp.Body.Close()
	}
	return nil
}

// Multiplexed is true: each request is an independent HTTP exchange.
func (t *HTTPTransport) Multiplexed() bool {
	return true
}

// SessionID returns the server-assigned session id, if any.
func (t *HTTPTransport) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

func isEventStream(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	return err == nil && mediaType == "text/event-stream"
}

func readJSONBody(body io.Reader) ([]Message, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("mcp: read response: %w", err)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}
	if data[0] == '[' {
		var batch []Message
		if err := xjson.Unmarshal(data, &batch); err != nil {
			return nil, fmt.Errorf("mcp: decode response batch: %w", err)
		}
		return batch, nil
	}
	var message Message
	if err := xjson.Unmarshal(data, &message); err != nil {
		return nil, fmt.Errorf("mcp: decode response: %w", err)
	}
	return []Message{message}, nil
}

// readEventStream collects the data payload of each event. Multi-line data
// fields are joined with newlines.
func readEventStream(body io.Reader) ([]Message, error) {
	var (
		messages []Message
		data     []string
	)
	flush := func() error {
		if len(data) == 0 {
			return nil
		}
		payload := strings.Join(data, "\n")
		data = data[:0]
		var message Message
		if err := xjson.Unmarshal([]byte(payload), &message); err != nil {
			return fmt.Errorf("mcp: decode event: %w", err)
		}
		messages = append(messages, message)
		return nil
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if err := flush(); err != nil {
				return nil, err
			}
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("mcp: read event stream: %w", err)
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return messages, nil
}
