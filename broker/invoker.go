package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/petal-labs/flowbridge/core"
	"github.com/petal-labs/flowbridge/internal/xjson"
	"github.com/petal-labs/flowbridge/mcp"
)

const defaultInvokeTimeout = 30 * time.Second

// ToolTestResult is the outcome of one test invocation. Request and
// Response are snapshots of what went over the wire.
type ToolTestResult struct {
	ToolID          string         `json:"tool_id"`
	ServerID        string         `json:"server_id"`
	Tool            string         `json:"tool"`
	Success         bool           `json:"success"`
	Result          any            `json:"result,omitempty"`
	Error           string         `json:"error,omitempty"`
	ErrorCode       string         `json:"error_code,omitempty"`
	Timeout         bool           `json:"timeout,omitempty"`
	ExecutionTimeMs float64        `json:"execution_time_ms"`
	Request         map[string]any `json:"request"`
	Response        map[string]any `json:"response,omitempty"`
}

// InvokerConfig configures an Invoker.
type InvokerConfig struct {
	Manager *Manager
	// Timeout bounds one invocation. Defaults to 30s.
	Timeout  time.Duration
	Observer Observer
	Logger   *slog.Logger
}

// Invoker runs tool calls against managed servers.
type Invoker struct {
	manager  *Manager
	timeout  time.Duration
	observer Observer
	logger   *slog.Logger
}

// NewInvoker creates an invoker over cfg.Manager.
func NewInvoker(cfg InvokerConfig) (*Invoker, error) {
	if cfg.Manager == nil {
		return nil, errors.New("broker: invoker manager is nil")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultInvokeTimeout
	}
	if cfg.Observer == nil {
		cfg.Observer = NoopObserver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Invoker{
		manager:  cfg.Manager,
		timeout:  cfg.Timeout,
		observer: cfg.Observer,
		logger:   cfg.Logger,
	}, nil
}

// TestTool calls toolName on serverID with params. The result snapshot is
// returned even when err is non-nil.
//
// A tool that runs and reports failure yields a ToolError and leaves the
// session usable. A transport failure or timeout yields a ConnectionError;
// the session is then discarded, the server moves to error and its catalog
// entries are cleared.
func (i *Invoker) TestTool(ctx context.Context, serverID, toolName string, params map[string]any) (ToolTestResult, error) {
	result := ToolTestResult{
		ToolID:   ToolID(serverID, toolName),
		ServerID: serverID,
		Tool:     toolName,
		Request:  deepCopyMap(params),
	}
	if result.Request == nil {
		result.Request = map[string]any{}
	}

	if _, err := i.manager.Server(serverID); err != nil {
		return i.finish(result, mcp.TransportType(""), err)
	}
	client, cfg, err := i.manager.acquire(ctx, serverID)
	if err != nil {
		return i.finish(result, cfg.Transport.Type, err)
	}
	if !i.manager.catalog.HasTool(result.ToolID) {
		return i.finish(result, cfg.Transport.Type, &core.NotFoundError{Resource: "tool", ID: result.ToolID})
	}

	callCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	start := time.Now()
	response, err := client.CallTool(callCtx, mcp.ToolsCallParams{Name: toolName, Arguments: deepCopyMap(params)})
	result.ExecutionTimeMs = float64(time.Since(start)) / float64(time.Millisecond)

	if err != nil {
		return i.finish(result, cfg.Transport.Type, i.classify(ctx, callCtx, serverID, toolName, client, err))
	}

	result.Response = snapshot(response)
	if response.IsError {
		message := response.Text()
		if message == "" {
			message = "tool reported an error"
		}
		return i.finish(result, cfg.Transport.Type, &core.ToolError{
			ServerID: serverID,
			Tool:     toolName,
			Code:     core.ToolErrorCodeRemote,
			Message:  message,
		})
	}

	result.Success = true
	if len(response.StructuredContent) > 0 {
		result.Result = deepCopyMap(response.StructuredContent)
	} else {
		result.Result = response.Text()
	}
	return i.finish(result, cfg.Transport.Type, nil)
}

// CallTool invokes a catalogued tool by id and returns its result. It lets
// workflow tool nodes address broker tools.
func (i *Invoker) CallTool(ctx context.Context, toolID string, args map[string]any) (any, error) {
	serverID, toolName, err := ParseToolID(toolID)
	if err != nil {
		return nil, err
	}
	result, err := i.TestTool(ctx, serverID, toolName, args)
	if err != nil {
		return nil, err
	}
	return result.Result, nil
}

func (i *Invoker) classify(ctx, callCtx context.Context, serverID, toolName string, client *mcp.Client, err error) error {
	var rpcErr *mcp.RPCError
	if errors.As(err, &rpcErr) {
		return &core.ToolError{
			ServerID: serverID,
			Tool:     toolName,
			Code:     core.ToolErrorCodeRPC,
			Message:  rpcErr.Message,
			Cause:    err,
		}
	}
	if errors.Is(err, mcp.ErrDecode) {
		return &core.ToolError{
			ServerID: serverID,
			Tool:     toolName,
			Code:     core.ToolErrorCodeDecode,
			Cause:    err,
		}
	}

	// The caller gave up; the session itself is fine and a late response
	// is dropped by the client.
	if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &core.ConnectionError{ServerID: serverID, Op: "tools/call", Cause: ctx.Err()}
	}

	timeout := errors.Is(callCtx.Err(), context.DeadlineExceeded)
	connErr := &core.ConnectionError{
		ServerID: serverID,
		Op:       "tools/call",
		Timeout:  timeout,
		Cause:    err,
	}
	if timeout {
		connErr.Cause = fmt.Errorf("no response within %s: %w", i.timeout, err)
	}
	i.manager.invalidate(ctx, serverID, client, connErr)
	return connErr
}

func (i *Invoker) finish(result ToolTestResult, transport mcp.TransportType, err error) (ToolTestResult, error) {
	if err != nil {
		result.Success = false
		result.Error = err.Error()
		result.ErrorCode = ErrorCode(err)
		result.Timeout = core.IsTimeout(err)
	}
	i.observer.ObserveInvoke(InvokeObservation{
		ServerID:   result.ServerID,
		Tool:       result.Tool,
		Transport:  transport,
		DurationMS: result.ExecutionTimeMs,
		Success:    result.Success,
		ErrorCode:  result.ErrorCode,
	})
	i.logger.Debug("mcp tool invoked",
		"tool_id", result.ToolID,
		"success", result.Success,
		"duration_ms", result.ExecutionTimeMs,
		"error_code", result.ErrorCode,
	)
	return result, err
}

func snapshot(response mcp.ToolsCallResult) map[string]any {
	raw, err := xjson.Marshal(response)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := xjson.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}
