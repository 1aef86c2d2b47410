// Package execution tracks the lifecycle of workflow executions started by
// orchestration adapters.
package execution

import (
	"slices"
	"time"
)

// Handle identifies one execution. Handles are never reused.
type Handle string

// State is the lifecycle state of an execution.
type State string

const (
	StateStarted   State = "started"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateStopped   State = "stopped"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateStopped
}

// transitions lists the legal next states for each state.
var transitions = map[State][]State{
	StateStarted: {StateRunning, StateStopped},
	StateRunning: {StateCompleted, StateFailed, StateStopped},
}

func canTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}

// AgentState is the state of one agent within an execution.
type AgentState string

const (
	AgentIdle      AgentState = "idle"
	AgentWorking   AgentState = "working"
	AgentCompleted AgentState = "completed"
	AgentFailed    AgentState = "failed"
)

// AgentStatus is a snapshot of one agent.
type AgentStatus struct {
	Name        string     `json:"name"`
	State       AgentState `json:"status"`
	CurrentTask string     `json:"current_task,omitempty"`
}

// Status is a point-in-time snapshot of an execution.
type Status struct {
	Handle      Handle        `json:"handle"`
	Framework   string        `json:"framework"`
	Workflow    string        `json:"workflow,omitempty"`
	State       State         `json:"status"`
	Agents      []AgentStatus `json:"agents"`
	CurrentTask string        `json:"current_task,omitempty"`
	Progress    float64       `json:"progress"`
	Error       string        `json:"error,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	FinishedAt  time.Time     `json:"finished_at,omitzero"`
}

func (s Status) clone() Status {
	s.Agents = slices.Clone(s.Agents)
	return s
}

// DeltaKind identifies what changed in a status delta.
type DeltaKind string

const (
	DeltaStarted       DeltaKind = "execution.started"
	DeltaRunning       DeltaKind = "execution.running"
	DeltaStepStarted   DeltaKind = "step.started"
	DeltaStepFinished  DeltaKind = "step.finished"
	DeltaStepFailed    DeltaKind = "step.failed"
	DeltaStopRequested DeltaKind = "execution.stop_requested"
	DeltaFinished      DeltaKind = "execution.finished"
)

// Delta is one incremental status change. Seq is monotonic per execution,
// starting at 1.
type Delta struct {
	Kind     DeltaKind      `json:"kind"`
	Handle   Handle         `json:"handle"`
	Seq      uint64         `json:"seq"`
	Time     time.Time      `json:"time"`
	Elapsed  time.Duration  `json:"elapsed"`
	State    State          `json:"status"`
	Step     string         `json:"step,omitempty"`
	Agent    *AgentStatus   `json:"agent,omitempty"`
	Progress float64        `json:"progress"`
	Error    string         `json:"error,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// Terminal reports whether this delta ends the execution's stream.
func (d Delta) Terminal() bool {
	return d.Kind == DeltaFinished
}
