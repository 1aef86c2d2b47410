// Package orchestrator runs workflow definitions through framework adapters.
//
// An Adapter validates and executes one workflow shape. Execution happens in
// the background and is reported through an execution.Tracker; callers poll
// Status, request Stop, or consume Stream. Adapters are looked up by
// framework name in a Registry.
package orchestrator

import (
	"context"
	"iter"
	"log/slog"

	"github.com/petal-labs/flowbridge/execution"
	"github.com/petal-labs/flowbridge/workflow"
)

const (
	defaultMaxParallel = 1
	defaultMaxSteps    = 100
)

// ProviderConfig selects the model provider an execution should use. It is
// handed to the Runner unchanged.
type ProviderConfig struct {
	Name    string `json:"name" yaml:"name"`
	Type    string `json:"type" yaml:"type"`
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	APIKey  string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	Model   string `json:"model,omitempty" yaml:"model,omitempty"`
}

// ValidationResult is the outcome of Adapter.Validate.
type ValidationResult struct {
	Valid       bool                  `json:"valid"`
	Errors      []string              `json:"errors"`
	Warnings    []string              `json:"warnings"`
	Diagnostics []workflow.Diagnostic `json:"diagnostics,omitempty"`
}

// Adapter is the contract every framework implements.
type Adapter interface {
	// Framework names the workflow kind the adapter runs.
	Framework() string
	// Validate checks a definition without side effects.
	Validate(def workflow.Definition) ValidationResult
	// Execute validates def and starts it in the background. The returned
	// handle is already in the started state.
	Execute(ctx context.Context, def workflow.Definition, provider *ProviderConfig) (execution.Handle, error)
	// Status returns the latest snapshot for handle.
	Status(handle execution.Handle) (execution.Status, error)
	// Stop requests a stop at the next task or node boundary.
	Stop(handle execution.Handle) (execution.Status, error)
	// Stream replays and follows the handle's deltas until it is terminal.
	Stream(ctx context.Context, handle execution.Handle) (iter.Seq[execution.Delta], error)
}

// Factory builds an adapter.
type Factory func(Options) (Adapter, error)

// Options configures an adapter.
type Options struct {
	// Tracker records executions. A private tracker is created when nil.
	Tracker *execution.Tracker
	// Runner does the work of each task or node. Defaults to a ToolRunner
	// without a tool caller.
	Runner Runner
	// Tools resolves tool ids during validation. Nil skips resolution.
	Tools workflow.ToolSet
	// MaxParallel bounds concurrently running role-based tasks (default 1).
	MaxParallel int
	// MaxSteps bounds nodes visited by one graph walk (default 100).
	MaxSteps int
	Logger   *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Tracker == nil {
		o.Tracker = execution.NewTracker(execution.TrackerConfig{Logger: o.Logger})
	}
	if o.Runner == nil {
		o.Runner = &ToolRunner{}
	}
	if o.MaxParallel <= 0 {
		o.MaxParallel = defaultMaxParallel
	}
	if o.MaxSteps <= 0 {
		o.MaxSteps = defaultMaxSteps
	}
	return o
}
