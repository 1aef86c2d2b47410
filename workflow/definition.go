// Package workflow defines the two workflow shapes accepted by the
// orchestration adapters, their structural validation, and file loading.
package workflow

import "slices"

// Kind discriminates the workflow variants.
type Kind string

const (
	KindRoleBased  Kind = "role_based"
	KindGraphBased Kind = "graph_based"
)

// Definition is a tagged union: exactly one of RoleBased or GraphBased is set,
// matching Kind.
type Definition struct {
	Kind       Kind        `json:"kind" yaml:"kind"`
	Name       string      `json:"name,omitempty" yaml:"name,omitempty"`
	RoleBased  *RoleBased  `json:"role_based,omitempty" yaml:"role_based,omitempty"`
	GraphBased *GraphBased `json:"graph_based,omitempty" yaml:"graph_based,omitempty"`
}

// RoleBased is a workflow of agents working on tasks. Task context lists
// define which tasks must complete first.
type RoleBased struct {
	Agents []AgentSpec `json:"agents" yaml:"agents"`
	Tasks  []TaskSpec  `json:"tasks" yaml:"tasks"`
}

// AgentSpec declares one agent.
type AgentSpec struct {
	Name      string   `json:"name" yaml:"name"`
	Role      string   `json:"role" yaml:"role"`
	Goal      string   `json:"goal" yaml:"goal"`
	Backstory string   `json:"backstory,omitempty" yaml:"backstory,omitempty"`
	Model     string   `json:"model,omitempty" yaml:"model,omitempty"`
	Tools     []string `json:"tools,omitempty" yaml:"tools,omitempty"`
}

// TaskSpec declares one task assigned to an agent.
type TaskSpec struct {
	Name           string   `json:"name" yaml:"name"`
	Description    string   `json:"description" yaml:"description"`
	ExpectedOutput string   `json:"expected_output,omitempty" yaml:"expected_output,omitempty"`
	Agent          string   `json:"agent" yaml:"agent"`
	Context        []string `json:"context,omitempty" yaml:"context,omitempty"`
}

// GraphBased is a workflow of nodes connected by optionally conditional edges.
type GraphBased struct {
	Nodes []NodeSpec `json:"nodes" yaml:"nodes"`
	Edges []EdgeSpec `json:"edges" yaml:"edges"`
}

// NodeSpec declares one graph node.
type NodeSpec struct {
	ID     string         `json:"id" yaml:"id"`
	Type   string         `json:"type" yaml:"type"`
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// EdgeSpec connects two nodes. Source and Target may be sentinel ids.
type EdgeSpec struct {
	Source    string `json:"source" yaml:"source"`
	Target    string `json:"target" yaml:"target"`
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// NewRoleBased builds a role-based definition.
func NewRoleBased(name string, agents []AgentSpec, tasks []TaskSpec) Definition {
	return Definition{
		Kind:      KindRoleBased,
		Name:      name,
		RoleBased: &RoleBased{Agents: agents, Tasks: tasks},
	}
}

// NewGraphBased builds a graph-based definition.
func NewGraphBased(name string, nodes []NodeSpec, edges []EdgeSpec) Definition {
	return Definition{
		Kind:       KindGraphBased,
		Name:       name,
		GraphBased: &GraphBased{Nodes: nodes, Edges: edges},
	}
}

// Clone returns a deep copy so a running execution never observes caller
// mutations.
func (d Definition) Clone() Definition {
	out := Definition{Kind: d.Kind, Name: d.Name}
	if d.RoleBased != nil {
		rb := &RoleBased{
			Agents: make([]AgentSpec, len(d.RoleBased.Agents)),
			Tasks:  make([]TaskSpec, len(d.RoleBased.Tasks)),
		}
		for i, a := range d.RoleBased.Agents {
			a.Tools = slices.Clone(a.Tools)
			rb.Agents[i] = a
		}
		for i, t := range d.RoleBased.Tasks {
			t.Context = slices.Clone(t.Context)
			rb.Tasks[i] = t
		}
		out.RoleBased = rb
	}
	if d.GraphBased != nil {
		gb := &GraphBased{
			Nodes: make([]NodeSpec, len(d.GraphBased.Nodes)),
			Edges: slices.Clone(d.GraphBased.Edges),
		}
		for i, n := range d.GraphBased.Nodes {
			n.Config = CloneMap(n.Config)
			gb.Nodes[i] = n
		}
		out.GraphBased = gb
	}
	return out
}

// CloneMap deep-copies a JSON-like map.
func CloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return CloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return slices.Clone(val)
	default:
		return val
	}
}

// Agent returns the agent with the given name.
func (rb *RoleBased) Agent(name string) (AgentSpec, bool) {
	for _, a := range rb.Agents {
		if a.Name == name {
			return a, true
		}
	}
	return AgentSpec{}, false
}

// Node returns the node with the given id.
func (gb *GraphBased) Node(id string) (NodeSpec, bool) {
	for _, n := range gb.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return NodeSpec{}, false
}

// Outgoing returns the edges leaving id in declaration order.
func (gb *GraphBased) Outgoing(id string) []EdgeSpec {
	var out []EdgeSpec
	for _, e := range gb.Edges {
		if e.Source == id {
			out = append(out, e)
		}
	}
	return out
}

// EntryNodes resolves where a walk begins: the targets of edges leaving a
// start sentinel, otherwise the first node with no inbound edges, otherwise
// the first node.
func (gb *GraphBased) EntryNodes() []string {
	var fromStart []string
	for _, e := range gb.Edges {
		if IsStart(e.Source) && !IsSentinel(e.Target) {
			fromStart = append(fromStart, e.Target)
		}
	}
	if len(fromStart) > 0 {
		return fromStart
	}
	if len(gb.Nodes) == 0 {
		return nil
	}

	inbound := make(map[string]bool, len(gb.Edges))
	for _, e := range gb.Edges {
		inbound[e.Target] = true
	}
	for _, n := range gb.Nodes {
		if !inbound[n.ID] {
			return []string{n.ID}
		}
	}
	return []string{gb.Nodes[0].ID}
}
