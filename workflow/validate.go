package workflow

import (
	"fmt"
	"strings"
)

// ToolSet answers whether a tool id is known. The broker catalog satisfies it.
type ToolSet interface {
	HasTool(toolID string) bool
}

// Validate checks d against the rules of its kind. tools may be nil, in which
// case agent and node tool references are not resolved.
func Validate(d Definition, tools ToolSet) []Diagnostic {
	switch d.Kind {
	case KindRoleBased:
		if d.RoleBased == nil {
			return []Diagnostic{errDiag("WF-002", "role_based workflow has no agents or tasks", "role_based")}
		}
		return ValidateRoleBased(d.RoleBased, tools)
	case KindGraphBased:
		if d.GraphBased == nil {
			return []Diagnostic{errDiag("WF-002", "graph_based workflow has no nodes or edges", "graph_based")}
		}
		return ValidateGraphBased(d.GraphBased, tools)
	default:
		return []Diagnostic{errDiag("WF-001", fmt.Sprintf("unknown workflow kind %q", d.Kind), "kind")}
	}
}

// ValidateRoleBased checks a role-based workflow:
//   - RB-001: at least one task
//   - RB-002/RB-003: agent and task names are present, trimmed and unique
//   - RB-004: every task references a declared agent
//   - RB-005: every context entry references a declared task
//   - RB-006: a task does not list itself as context
//   - RB-007: context dependencies are acyclic
//   - RB-008: agents declare a role and goal (warning)
//   - RB-009: agent tools resolve when a tool set is given
//   - RB-010: agents that no task uses (warning)
func ValidateRoleBased(rb *RoleBased, tools ToolSet) []Diagnostic {
	diags := make([]Diagnostic, 0)

	if len(rb.Tasks) == 0 {
		diags = append(diags, errDiag("RB-001", "workflow declares no tasks", "tasks"))
	}

	agents := make(map[string]bool, len(rb.Agents))
	for i, a := range rb.Agents {
		path := fmt.Sprintf("agents[%d]", i)
		name := a.Name
		switch {
		case strings.TrimSpace(name) == "":
			diags = append(diags, errDiag("RB-002", fmt.Sprintf("agent at index %d has no name", i), path+".name"))
			continue
		case agents[name]:
			diags = append(diags, errDiag("RB-002", fmt.Sprintf("duplicate agent name %q", name), path+".name"))
			continue
		case hasSurroundingSpace(name):
			diags = append(diags, errDiag("RB-002",
				fmt.Sprintf("agent name %q has leading or trailing whitespace", name), path+".name"))
		}
		agents[name] = true

		if strings.TrimSpace(a.Role) == "" {
			diags = append(diags, warnDiag("RB-008", fmt.Sprintf("agent %q has no role", name), path+".role"))
		}
		if strings.TrimSpace(a.Goal) == "" {
			diags = append(diags, warnDiag("RB-008", fmt.Sprintf("agent %q has no goal", name), path+".goal"))
		}
		if tools != nil {
			for j, toolID := range a.Tools {
				if !tools.HasTool(toolID) {
					diags = append(diags, errDiag("RB-009",
						fmt.Sprintf("agent %q references unknown tool %q", name, toolID),
						fmt.Sprintf("%s.tools[%d]", path, j)))
				}
			}
		}
	}

	tasks := make(map[string]bool, len(rb.Tasks))
	duplicateTasks := false
	for i, t := range rb.Tasks {
		name := t.Name
		path := fmt.Sprintf("tasks[%d].name", i)
		switch {
		case strings.TrimSpace(name) == "":
			diags = append(diags, errDiag("RB-003", fmt.Sprintf("task at index %d has no name", i), path))
			duplicateTasks = true
		case tasks[name]:
			diags = append(diags, errDiag("RB-003", fmt.Sprintf("duplicate task name %q", name), path))
			duplicateTasks = true
		case hasSurroundingSpace(name):
			diags = append(diags, errDiag("RB-003",
				fmt.Sprintf("task name %q has leading or trailing whitespace", name), path))
		}
		tasks[name] = true
	}

	used := make(map[string]bool, len(rb.Agents))
	refErrors := false
	for i, t := range rb.Tasks {
		path := fmt.Sprintf("tasks[%d]", i)
		if !agents[t.Agent] {
			if strings.TrimSpace(t.Agent) == "" {
				diags = append(diags, errDiag("RB-004",
					fmt.Sprintf("task %q has no agent", t.Name), path+".agent"))
			} else {
				diags = append(diags, errDiag("RB-004",
					fmt.Sprintf("task %q references undeclared agent %q", t.Name, t.Agent), path+".agent"))
			}
		}
		used[t.Agent] = true

		for j, dep := range t.Context {
			ctxPath := fmt.Sprintf("%s.context[%d]", path, j)
			switch {
			case dep == t.Name:
				diags = append(diags, errDiag("RB-006",
					fmt.Sprintf("task %q lists itself as context", t.Name), ctxPath))
				refErrors = true
			case !tasks[dep]:
				diags = append(diags, errDiag("RB-005",
					fmt.Sprintf("task %q context references undeclared task %q", t.Name, dep), ctxPath))
				refErrors = true
			}
		}
	}

	// Cycles are only meaningful once every reference resolves.
	if !refErrors && !duplicateTasks {
		if cycle := contextCycle(rb.Tasks); cycle != "" {
			diags = append(diags, errDiag("RB-007",
				fmt.Sprintf("task context contains a cycle: %s", cycle), "tasks"))
		}
	}

	for i, a := range rb.Agents {
		if a.Name != "" && !used[a.Name] {
			diags = append(diags, warnDiag("RB-010",
				fmt.Sprintf("agent %q is not assigned to any task", a.Name), fmt.Sprintf("agents[%d]", i)))
		}
	}

	return diags
}

// contextCycle runs Kahn's algorithm over the context graph and returns the
// tasks left on a cycle, or "" if the graph is acyclic.
func contextCycle(tasks []TaskSpec) string {
	inDegree := make(map[string]int, len(tasks))
	dependents := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		inDegree[t.Name] += 0
		for _, dep := range t.Context {
			inDegree[t.Name]++
			dependents[dep] = append(dependents[dep], t.Name)
		}
	}

	queue := make([]string, 0, len(tasks))
	for _, t := range tasks {
		if inDegree[t.Name] == 0 {
			queue = append(queue, t.Name)
		}
	}
	visited := 0
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range dependents[name] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited == len(tasks) {
		return ""
	}

	var stuck []string
	for _, t := range tasks {
		if inDegree[t.Name] > 0 {
			stuck = append(stuck, t.Name)
		}
	}
	return strings.Join(stuck, " -> ")
}

// ValidateGraphBased checks a graph-based workflow:
//   - GB-001: at least one node
//   - GB-002: node ids are present, trimmed and not reserved
//   - GB-003: node ids are unique
//   - GB-004/GB-005: edge endpoints are declared nodes or sentinels
//   - GB-006: tool nodes name a tool_id that resolves when a tool set is given
//   - GB-007: edges leaving an end sentinel or entering a start sentinel (warning)
//
// Cycles are allowed; the adapter bounds walks with a step limit.
func ValidateGraphBased(gb *GraphBased, tools ToolSet) []Diagnostic {
	diags := make([]Diagnostic, 0)

	if len(gb.Nodes) == 0 {
		diags = append(diags, errDiag("GB-001", "workflow declares no nodes", "nodes"))
	}

	nodeIDs := make(map[string]bool, len(gb.Nodes))
	for i, n := range gb.Nodes {
		path := fmt.Sprintf("nodes[%d]", i)
		id := n.ID
		switch {
		case strings.TrimSpace(id) == "":
			diags = append(diags, errDiag("GB-002", fmt.Sprintf("node at index %d has no id", i), path+".id"))
			continue
		case IsSentinel(strings.TrimSpace(id)):
			diags = append(diags, errDiag("GB-002", fmt.Sprintf("node id %q is reserved", id), path+".id"))
			continue
		case nodeIDs[id]:
			diags = append(diags, errDiag("GB-003", fmt.Sprintf("duplicate node id %q", id), path+".id"))
			continue
		case hasSurroundingSpace(id):
			diags = append(diags, errDiag("GB-002",
				fmt.Sprintf("node id %q has leading or trailing whitespace", id), path+".id"))
		}
		nodeIDs[id] = true

		if n.Type == NodeTypeTool {
			toolID, _ := n.Config["tool_id"].(string)
			switch {
			case strings.TrimSpace(toolID) == "":
				diags = append(diags, errDiag("GB-006",
					fmt.Sprintf("tool node %q has no tool_id", id), path+".config.tool_id"))
			case tools != nil && !tools.HasTool(toolID):
				diags = append(diags, errDiag("GB-006",
					fmt.Sprintf("tool node %q references unknown tool %q", id, toolID), path+".config.tool_id"))
			}
		}
	}

	for i, e := range gb.Edges {
		path := fmt.Sprintf("edges[%d]", i)
		if !nodeIDs[e.Source] && !IsSentinel(e.Source) {
			diags = append(diags, errDiag("GB-004",
				fmt.Sprintf("edge source %q references unknown node", e.Source), path+".source"))
		}
		if !nodeIDs[e.Target] && !IsSentinel(e.Target) {
			diags = append(diags, errDiag("GB-005",
				fmt.Sprintf("edge target %q references unknown node", e.Target), path+".target"))
		}
		if IsEnd(e.Source) {
			diags = append(diags, warnDiag("GB-007",
				fmt.Sprintf("edge leaves end sentinel %q and is never followed", e.Source), path+".source"))
		}
		if IsStart(e.Target) {
			diags = append(diags, warnDiag("GB-007",
				fmt.Sprintf("edge enters start sentinel %q", e.Target), path+".target"))
		}
	}

	return diags
}

func hasSurroundingSpace(s string) bool {
	return strings.TrimSpace(s) != s
}

// NodeTypeTool marks graph nodes that call a catalog tool named by
// config.tool_id.
const NodeTypeTool = "tool"
