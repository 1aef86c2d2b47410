package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petal-labs/flowbridge/workflow"
)

type argCaller struct {
	toolID string
	args   map[string]any
}

func (c *argCaller) CallTool(_ context.Context, toolID string, args map[string]any) (any, error) {
	c.toolID = toolID
	c.args = args
	return "ok", nil
}

func TestResolveArguments(t *testing.T) {
	state := map[string]any{
		"query": "mcp",
		"read":  map[string]any{"path": "/tmp/x"},
	}
	args := map[string]any{
		"q":       "{{ query }}",
		"path":    "{{state.read.path}}",
		"missing": "{{nope.deep}}",
		"literal": "plain",
		"nested":  map[string]any{"q": "{{query}}"},
		"list":    []any{"{{query}}", 3},
	}

	got := resolveArguments(args, state)
	assert.Equal(t, "mcp", got["q"])
	assert.Equal(t, "/tmp/x", got["path"])
	assert.Equal(t, "{{nope.deep}}", got["missing"])
	assert.Equal(t, "plain", got["literal"])
	assert.Equal(t, map[string]any{"q": "mcp"}, got["nested"])
	assert.Equal(t, []any{"mcp", 3}, got["list"])
	assert.Equal(t, []any{"{{query}}", 3}, args["list"], "input is not mutated")

	assert.Empty(t, resolveArguments(nil, state))
}

func TestToolRunnerRunNode(t *testing.T) {
	caller := &argCaller{}
	r := &ToolRunner{Tools: caller}

	result, err := r.RunNode(context.Background(), NodeRequest{
		Node: workflow.NodeSpec{
			ID:   "search",
			Type: workflow.NodeTypeTool,
			Config: map[string]any{
				"tool_id":   "docs:search",
				"arguments": map[string]any{"query": "{{topic}}"},
				"route":     "found",
			},
		},
		State: map[string]any{"topic": "graphs"},
	})
	require.NoError(t, err)
	assert.Equal(t, "docs:search", caller.toolID)
	assert.Equal(t, map[string]any{"query": "graphs"}, caller.args)
	assert.Equal(t, map[string]any{"search": "ok"}, result.Output)
	assert.Equal(t, "found", result.Route)

	_, err = r.RunNode(context.Background(), NodeRequest{
		Node: workflow.NodeSpec{ID: "bad", Type: workflow.NodeTypeTool},
	})
	assert.ErrorContains(t, err, "tool_id is required")

	result, err = r.RunNode(context.Background(), NodeRequest{
		Node: workflow.NodeSpec{
			ID:     "classify",
			Type:   "agent",
			Config: map[string]any{"output": map[string]any{"label": "spam"}, "route": "reject"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"label": "spam"}, result.Output)
	assert.Equal(t, "reject", result.Route)
}
