package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/petal-labs/flowbridge/workflow"
)

// Runner performs the work of individual tasks and nodes. Adapters decide
// ordering; the runner decides what a step does.
type Runner interface {
	RunTask(ctx context.Context, req TaskRequest) (TaskResult, error)
	RunNode(ctx context.Context, req NodeRequest) (NodeResult, error)
}

// TaskRequest is one role-based task ready to run.
type TaskRequest struct {
	Workflow string
	Agent    workflow.AgentSpec
	Task     workflow.TaskSpec
	// Context holds the outputs of the tasks named in Task.Context.
	Context  map[string]string
	Provider *ProviderConfig
}

// TaskResult is a finished task.
type TaskResult struct {
	Output string
}

// NodeRequest is one graph node ready to run. State is a private copy.
type NodeRequest struct {
	Workflow string
	Node     workflow.NodeSpec
	State    map[string]any
	Provider *ProviderConfig
}

// NodeResult is a finished node. Output is merged into graph state and a
// non-empty Route becomes state["route"].
type NodeResult struct {
	Output map[string]any
	Route  string
}

// ToolCaller invokes a catalogued tool by id. The broker's Invoker
// satisfies it.
type ToolCaller interface {
	CallTool(ctx context.Context, toolID string, args map[string]any) (any, error)
}

// ToolRunner is the default Runner. Tasks produce a deterministic summary;
// tool nodes call Tools with config.tool_id and config.arguments; other
// nodes emit config.output and config.route.
type ToolRunner struct {
	Tools ToolCaller
}

// RunTask describes the work done by the assigned agent.
func (r *ToolRunner) RunTask(ctx context.Context, req TaskRequest) (TaskResult, error) {
	if err := ctx.Err(); err != nil {
		return TaskResult{}, err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s", req.Agent.Name)
	if req.Agent.Role != "" {
		fmt.Fprintf(&b, " (%s)", req.Agent.Role)
	}
	fmt.Fprintf(&b, " completed %s", req.Task.Name)
	if req.Task.Description != "" {
		fmt.Fprintf(&b, ": %s", req.Task.Description)
	}
	if len(req.Task.Context) > 0 {
		fmt.Fprintf(&b, " [using %s]", strings.Join(req.Task.Context, ", "))
	}
	return TaskResult{Output: b.String()}, nil
}

// RunNode executes one node.
func (r *ToolRunner) RunNode(ctx context.Context, req NodeRequest) (NodeResult, error) {
	if err := ctx.Err(); err != nil {
		return NodeResult{}, err
	}
	route, _ := req.Node.Config["route"].(string)

	if req.Node.Type != workflow.NodeTypeTool {
		output, _ := req.Node.Config["output"].(map[string]any)
		return NodeResult{Output: workflow.CloneMap(output), Route: route}, nil
	}

	toolID, _ := req.Node.Config["tool_id"].(string)
	if toolID == "" {
		return NodeResult{}, errors.New("tool_id is required")
	}
	if r.Tools == nil {
		return NodeResult{}, fmt.Errorf("no tool caller configured for %s", toolID)
	}
	arguments, _ := req.Node.Config["arguments"].(map[string]any)
	result, err := r.Tools.CallTool(ctx, toolID, resolveArguments(arguments, req.State))
	if err != nil {
		return NodeResult{}, fmt.Errorf("call %s: %w", toolID, err)
	}
	return NodeResult{Output: map[string]any{req.Node.ID: result}, Route: route}, nil
}

// resolveArguments replaces string values of the form "{{path}}" with the
// value at that dotted path in state. Unresolved references are kept.
func resolveArguments(args, state map[string]any) map[string]any {
	if args == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = resolveValue(v, state)
	}
	return out
}

func resolveValue(v any, state map[string]any) any {
	switch val := v.(type) {
	case string:
		trimmed := strings.TrimSpace(val)
		if !strings.HasPrefix(trimmed, "{{") || !strings.HasSuffix(trimmed, "}}") {
			return val
		}
		path := strings.TrimSpace(trimmed[2 : len(trimmed)-2])
		if resolved, ok := lookupPath(state, path); ok {
			return resolved
		}
		return val
	case map[string]any:
		return resolveArguments(val, state)
	case []any:
		out := slices.Clone(val)
		for i, item := range out {
			out[i] = resolveValue(item, state)
		}
		return out
	default:
		return val
	}
}

func lookupPath(state map[string]any, path string) (any, bool) {
	path = strings.TrimPrefix(path, "state.")
	var current any = state
	for part := range strings.SplitSeq(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}
