package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"dario.cat/mergo"

	"github.com/petal-labs/flowbridge/core"
	"github.com/petal-labs/flowbridge/execution"
	"github.com/petal-labs/flowbridge/workflow"
)

// GraphBasedAdapter walks graph-based workflows one node at a time. After
// each node the first outgoing edge whose condition matches is followed;
// without a match the single unconditioned edge is taken. Anything else is
// an ambiguous graph and fails the execution.
type GraphBasedAdapter struct {
	base
	conditions *conditionEvaluator
}

// NewGraphBasedAdapter creates a graph-based adapter.
func NewGraphBasedAdapter(opts Options) *GraphBasedAdapter {
	return &GraphBasedAdapter{
		base:       base{kind: workflow.KindGraphBased, opts: opts.withDefaults()},
		conditions: newConditionEvaluator(),
	}
}

// Validate checks node ids and edge endpoints.
func (a *GraphBasedAdapter) Validate(def workflow.Definition) ValidationResult {
	return a.validate(def)
}

// Execute validates def and walks it in the background. Each node is
// reported as an agent in the execution status.
func (a *GraphBasedAdapter) Execute(ctx context.Context, def workflow.Definition, provider *ProviderConfig) (execution.Handle, error) {
	var nodes []string
	if def.GraphBased != nil {
		for _, n := range def.GraphBased.Nodes {
			nodes = append(nodes, n.ID)
		}
	}
	return a.execute(ctx, def, provider, nodes, a.run)
}

func (a *GraphBasedAdapter) run(ctx context.Context, handle execution.Handle, def workflow.Definition, provider *ProviderConfig) error {
	gb := def.GraphBased
	tracker := a.opts.Tracker
	state := map[string]any{}

	current, err := a.entry(gb, state)
	if err != nil {
		return err
	}

	visited := make(map[string]bool, len(gb.Nodes))
	for steps := 0; current != "" && !workflow.IsEnd(current); steps++ {
		if steps >= a.opts.MaxSteps {
			return fmt.Errorf("orchestrator: exceeded %d steps at node %q", a.opts.MaxSteps, current)
		}
		if err := tracker.Checkpoint(handle); err != nil {
			return err
		}
		node, ok := gb.Node(current)
		if !ok {
			return core.NewValidationError("edges", fmt.Sprintf("edge leads to unknown node %q", current))
		}
		if err := tracker.StepStarted(handle, node.ID, node.ID); err != nil {
			return err
		}

		result, err := a.opts.Runner.RunNode(ctx, NodeRequest{
			Workflow: def.Name,
			Node:     node,
			State:    workflow.CloneMap(state),
			Provider: provider,
		})
		if err != nil {
			err = fmt.Errorf("orchestrator: node %q: %w", node.ID, err)
			if stepErr := tracker.StepFailed(handle, node.ID, node.ID, err); stepErr != nil {
				a.opts.Logger.Debug("node failure not recorded", slog.String("execution_id", string(handle)), slog.Any("error", stepErr))
			}
			return err
		}

		if err := mergeState(state, result); err != nil {
			return fmt.Errorf("orchestrator: node %q: %w", node.ID, err)
		}
		visited[node.ID] = true
		payload := map[string]any{"output": workflow.CloneMap(result.Output)}
		if result.Route != "" {
			payload["route"] = result.Route
		}
		if err := tracker.StepFinished(handle, node.ID, node.ID, progress(len(visited), len(gb.Nodes)), payload); err != nil {
			return err
		}

		current, err = a.next(gb, node.ID, state)
		if err != nil {
			return err
		}
	}
	return nil
}

// entry picks the first node. Edges leaving a start sentinel are chosen the
// same way as any other outgoing edges.
func (a *GraphBasedAdapter) entry(gb *workflow.GraphBased, state map[string]any) (string, error) {
	for _, start := range []string{workflow.Start, workflow.StartAlias} {
		if len(gb.Outgoing(start)) > 0 {
			return a.next(gb, start, state)
		}
	}
	entries := gb.EntryNodes()
	if len(entries) == 0 {
		return "", nil
	}
	return entries[0], nil
}

// next returns the node after from, or "" when the walk ends.
func (a *GraphBasedAdapter) next(gb *workflow.GraphBased, from string, state map[string]any) (string, error) {
	edges := gb.Outgoing(from)
	if len(edges) == 0 {
		return "", nil
	}

	var unconditioned []workflow.EdgeSpec
	for _, e := range edges {
		if strings.TrimSpace(e.Condition) == "" {
			unconditioned = append(unconditioned, e)
			continue
		}
		matched, err := a.conditions.Match(e.Condition, from, state)
		if err != nil {
			a.opts.Logger.Debug("edge condition did not evaluate",
				slog.String("source", e.Source),
				slog.String("target", e.Target),
				slog.Any("error", err),
			)
		}
		if matched {
			return e.Target, nil
		}
	}

	if len(unconditioned) == 1 {
		return unconditioned[0].Target, nil
	}
	route, _ := state["route"].(string)
	if len(unconditioned) == 0 {
		return "", core.NewValidationError("edges",
			fmt.Sprintf("no edge from %q matches route %q and none is unconditioned", from, route))
	}
	return "", core.NewValidationError("edges",
		fmt.Sprintf("node %q has %d unconditioned edges and no matching condition", from, len(unconditioned)))
}

// mergeState merges a node's output into state, overriding scalars and
// appending slices. state["route"] always holds the route of the node that
// just ran.
func mergeState(state map[string]any, result NodeResult) error {
	delete(state, "route")
	if len(result.Output) > 0 {
		if err := mergo.Merge(&state, workflow.CloneMap(result.Output), mergo.WithOverride, mergo.WithAppendSlice); err != nil {
			return fmt.Errorf("merge state: %w", err)
		}
	}
	if result.Route != "" {
		state["route"] = result.Route
	}
	return nil
}
