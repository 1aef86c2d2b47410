package mcp

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/petal-labs/flowbridge/internal/xjson"
)

const (
	defaultProtocolVersion = "2025-06-18"
	defaultClientName      = "flowbridge"
	defaultClientVersion   = "dev"
)

var (
	// ErrClosed is returned for requests on a closed client.
	ErrClosed = errors.New("mcp: client closed")
	// ErrDecode marks a response whose result did not match the expected shape.
	ErrDecode = errors.New("mcp: decode result")
)

// Transport is the message transport contract used by the client.
type Transport interface {
	Send(ctx context.Context, message Message) error
	Receive(ctx context.Context) (Message, error)
	Close(ctx context.Context) error
}

// Multiplexer is implemented by transports that can carry several requests
// in flight at once. Transports without it get one request at a time.
type Multiplexer interface {
	Multiplexed() bool
}

// Options configures client identity and capabilities.
type Options struct {
	ProtocolVersion string
	ClientInfo      ClientInfo
	Capabilities    map[string]any
}

// Client is a JSON-RPC based MCP client. A dispatcher goroutine reads the
// transport and routes responses to waiting calls by request id.
type Client struct {
	transport   Transport
	options     Options
	multiplexed bool

	// callMu serialises requests on transports that cannot multiplex.
	callMu sync.Mutex

	mu          sync.Mutex
	nextID      int64
	pending     map[int64]chan Message
	initialized bool
	initResult  InitializeResult
	readErr     error

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// NewClient returns a client for transport and starts its dispatcher.
func NewClient(transport Transport, options Options) *Client {
	if options.ProtocolVersion == "" {
		options.ProtocolVersion = defaultProtocolVersion
	}
	if options.ClientInfo.Name == "" {
		options.ClientInfo.Name = defaultClientName
	}
	if options.ClientInfo.Version == "" {
		options.ClientInfo.Version = defaultClientVersion
	}

	multiplexed := false
	if m, ok := transport.(Multiplexer); ok {
		multiplexed = m.Multiplexed()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		transport:   transport,
		options:     options,
		multiplexed: multiplexed,
		nextID:      1,
		pending:     make(map[int64]chan Message),
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	go c.dispatch(ctx)
	return c
}

// Multiplexed reports whether concurrent calls share the transport.
func (c *Client) Multiplexed() bool {
	return c.multiplexed
}

// Initialize performs MCP initialize negotiation and sends the initialized
// notification. The result is cached.
func (c *Client) Initialize(ctx context.Context) (InitializeResult, error) {
	if c == nil {
		return InitializeResult{}, errors.New("mcp: client is nil")
	}

	c.mu.Lock()
	alreadyInitialized := c.initialized
	cachedResult := c.initResult
	c.mu.Unlock()
	if alreadyInitialized {
		return cachedResult, nil
	}

	params := InitializeParams{
		ProtocolVersion: c.options.ProtocolVersion,
		Capabilities:    cloneMap(c.options.Capabilities),
		ClientInfo:      c.options.ClientInfo,
	}

	var result InitializeResult
	if err := c.call(ctx, "initialize", params, &result); err != nil {
		return InitializeResult{}, err
	}
	if err := c.notify(ctx, "notifications/initialized", map[string]any{}); err != nil {
		return InitializeResult{}, &RequestError{Method: "notifications/initialized", Err: err}
	}

	c.mu.Lock()
	c.initialized = true
	c.initResult = result
	c.mu.Unlock()

	return result, nil
}

// Handshake returns the result of a completed Initialize. ok is false until
// Initialize has succeeded.
func (c *Client) Handshake() (result InitializeResult, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initResult, c.initialized
}

// Ping sends an MCP ping request.
func (c *Client) Ping(ctx context.Context) error {
	return c.call(ctx, "ping", map[string]any{}, nil)
}

// ListTools returns every tool, following pagination cursors.
func (c *Client) ListTools(ctx context.Context) (ToolsListResult, error) {
	var all ToolsListResult
	cursor := ""
	for {
		var page ToolsListResult
		if err := c.call(ctx, "tools/list", ToolsListParams{Cursor: cursor}, &page); err != nil {
			return ToolsListResult{}, err
		}
		all.Tools = append(all.Tools, page.Tools...)
		if page.NextCursor == "" || page.NextCursor == cursor {
			return all, nil
		}
		cursor = page.NextCursor
	}
}

// CallTool executes an MCP tool by name with arguments.
func (c *Client) CallTool(ctx context.Context, params ToolsCallParams) (ToolsCallResult, error) {
	var result ToolsCallResult
	if err := c.call(ctx, "tools/call", params, &result); err != nil {
		return ToolsCallResult{}, err
	}
	return result, nil
}

// Close stops the dispatcher and closes the transport. Pending calls fail
// with ErrClosed.
func (c *Client) Close(ctx context.Context) error {
	if c == nil || c.transport == nil {
		return nil
	}

	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		err = c.transport.Close(ctx)
		c.fail(ErrClosed)
	})
	return err
}

// Done is closed once the transport fails or the client is closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended the dispatcher, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readErr
}

func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	if c == nil || c.transport == nil {
		return &RequestError{Method: method, Err: errors.New("transport is nil")}
	}

	paramsRaw, err := marshalParams(params)
	if err != nil {
		return &RequestError{Method: method, Err: err}
	}

	if !c.multiplexed {
		c.callMu.Lock()
		defer c.callMu.Unlock()
	}

	id, ch, err := c.register()
	if err != nil {
		return &RequestError{Method: method, Err: err}
	}
	defer c.unregister(id)

	request := Message{
		JSONRPC: jsonRPCVersion,
		ID:      id,
		Method:  method,
		Params:  paramsRaw,
	}
	if err := c.transport.Send(ctx, request); err != nil {
		return &RequestError{Method: method, Err: err}
	}

	var response Message
	select {
	case <-ctx.Done():
		return &RequestError{Method: method, Err: ctx.Err()}
	case <-c.done:
		// A response may have been routed just before the dispatcher stopped.
		select {
		case response = <-ch:
		default:
			return &RequestError{Method: method, Err: c.Err()}
		}
	case response = <-ch:
	}

	if response.JSONRPC != "" && response.JSONRPC != jsonRPCVersion {
		return &RequestError{Method: method, Err: fmt.Errorf("unsupported jsonrpc version %q", response.JSONRPC)}
	}
	if response.Error != nil {
		return &RequestError{Method: method, Err: response.Error}
	}
	if out == nil || len(response.Result) == 0 {
		return nil
	}
	if err := xjson.Unmarshal(response.Result, out); err != nil {
		return &RequestError{Method: method, Err: fmt.Errorf("%w: %v", ErrDecode, err)}
	}
	return nil
}

func (c *Client) notify(ctx context.Context, method string, params any) error {
	paramsRaw, err := marshalParams(params)
	if err != nil {
		return err
	}
	return c.transport.Send(ctx, Message{
		JSONRPC: jsonRPCVersion,
		Method:  method,
		Params:  paramsRaw,
	})
}

func (c *Client) register() (int64, chan Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr != nil {
		return 0, nil, c.readErr
	}
	id := c.nextID
	c.nextID++
	ch := make(chan Message, 1)
	c.pending[id] = ch
	return id, ch, nil
}

func (c *Client) unregister(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// dispatch routes responses to pending calls until the transport fails.
// Server-initiated requests and notifications are ignored, as are
// responses nobody waits for anymore.
func (c *Client) dispatch(ctx context.Context) {
	for {
		message, err := c.transport.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				err = ErrClosed
			}
			c.fail(err)
			return
		}
		if !message.IsResponse() {
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[message.ID]
		if ok {
			delete(c.pending, message.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- message
		}
	}
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr != nil {
		return
	}
	c.readErr = err
	close(c.done)
}

func marshalParams(params any) (xjson.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	data, err := xjson.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	return data, nil
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}
