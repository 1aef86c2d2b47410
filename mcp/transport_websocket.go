package mcp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petal-labs/flowbridge/internal/xjson"
)

const (
	websocketSubprotocol = "mcp"
	websocketCloseWait   = time.Second
)

// WebSocketTransportConfig configures a WebSocket MCP transport.
type WebSocketTransportConfig struct {
	URL     string
	Headers map[string]string
	Dialer  *websocket.Dialer
}

// WebSocketTransport carries one JSON-RPC message per text frame over a
// single connection. Responses are matched by id, so it is multiplexed.
type WebSocketTransport struct {
	conn   *websocket.Conn
	recvCh chan Message
	errCh  chan error
	done   chan struct{}

	writeMu sync.Mutex

	mu     sync.Mutex
	closed bool
}

// NewWebSocketTransport dials the server. ctx bounds the handshake only.
func NewWebSocketTransport(ctx context.Context, cfg WebSocketTransportConfig) (*WebSocketTransport, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("mcp: websocket url is required")
	}
	dialer := cfg.Dialer
	if dialer == nil {
		d := *websocket.DefaultDialer
		d.Subprotocols = []string{websocketSubprotocol}
		dialer = &d
	}

	header := http.Header{}
	for key, value := range cfg.Headers {
		header.Set(key, value)
	}

	conn, resp, err := dialer.DialContext(ctx, cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("mcp: websocket dial %s: status %d: %w", cfg.URL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("mcp: websocket dial %s: %w", cfg.URL, err)
	}

	t := &WebSocketTransport{
		conn:   conn,
		recvCh: make(chan Message, 64),
		errCh:  make(chan error, 1),
		done:   make(chan struct{}),
	}
	go t.readLoop()
	return t, nil
}

func (t *WebSocketTransport) readLoop() {
	for {
		messageType, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.sendErr(fmt.Errorf("mcp: websocket closed by server: %w", err))
			} else {
				t.sendErr(fmt.Errorf("mcp: websocket read: %w", err))
			}
			return
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}

		var message Message
		if err := xjson.Unmarshal(data, &message); err != nil {
			t.sendErr(fmt.Errorf("mcp: websocket decode message: %w", err))
			return
		}
		select {
		case t.recvCh <- message:
		case <-t.done:
			return
		}
	}
}

// Send writes one message as a text frame.
func (t *WebSocketTransport) Send(ctx context.Context, message Message) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return errors.New("mcp: websocket transport is closed")
	}

	data, err := xjson.Marshal(message)
	if err != nil {
		return fmt.Errorf("mcp: encode request: %w", err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(deadline)
		defer t.conn.SetWriteDeadline(time.Time{})
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("mcp: websocket write: %w", err)
	}
	return nil
}

// Receive returns the next message read from the connection.
func (t *WebSocketTransport) Receive(ctx context.Context) (Message, error) {
	select {
	case message := <-t.recvCh:
		return message, nil
	default:
	}
	select {
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-t.done:
		return Message{}, errors.New("mcp: websocket transport is closed")
	case message := <-t.recvCh:
		return message, nil
	case err := <-t.errCh:
		return Message{}, err
	}
}

// Close sends a close frame and closes the connection.
func (t *WebSocketTransport) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	t.mu.Unlock()

	t.writeMu.Lock()
	_ = t.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing"),
		time.Now().Add(websocketCloseWait),
	)
	t.writeMu.Unlock()
	return t.conn.Close()
}

// Multiplexed is true: responses are matched to requests by id.
func (t *WebSocketTransport) Multiplexed() bool {
	return true
}

func (t *WebSocketTransport) sendErr(err error) {
	select {
	case t.errCh <- err:
	default:
	}
}
