package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"

	"github.com/petal-labs/flowbridge/execution"
	"github.com/petal-labs/flowbridge/workflow"
)

// RoleBasedAdapter runs role-based workflows. A task starts only after every
// task in its context list completed; up to MaxParallel ready tasks run at
// once, picked in declaration order.
type RoleBasedAdapter struct {
	base
}

// NewRoleBasedAdapter creates a role-based adapter.
func NewRoleBasedAdapter(opts Options) *RoleBasedAdapter {
	return &RoleBasedAdapter{base: base{kind: workflow.KindRoleBased, opts: opts.withDefaults()}}
}

// Validate checks agent and task references.
func (a *RoleBasedAdapter) Validate(def workflow.Definition) ValidationResult {
	return a.validate(def)
}

// Execute validates def and runs its tasks in the background.
func (a *RoleBasedAdapter) Execute(ctx context.Context, def workflow.Definition, provider *ProviderConfig) (execution.Handle, error) {
	var agents []string
	if def.RoleBased != nil {
		for _, agent := range def.RoleBased.Agents {
			agents = append(agents, agent.Name)
		}
	}
	return a.execute(ctx, def, provider, agents, a.run)
}

type taskOutcome struct {
	task   workflow.TaskSpec
	output string
	err    error
}

func (a *RoleBasedAdapter) run(ctx context.Context, handle execution.Handle, def workflow.Definition, provider *ProviderConfig) error {
	rb := def.RoleBased
	tracker := a.opts.Tracker
	total := len(rb.Tasks)

	outputs := make(map[string]string, total)
	started := make(map[string]bool, total)
	results := make(chan taskOutcome, total)
	running := 0

	var halt error
	for len(outputs) < total {
		if halt == nil {
			for task := range readyTasks(rb.Tasks, started, outputs) {
				if running >= a.opts.MaxParallel {
					break
				}
				if err := tracker.Checkpoint(handle); err != nil {
					halt = err
					break
				}
				agent, _ := rb.Agent(task.Agent)
				if err := tracker.StepStarted(handle, task.Name, task.Agent); err != nil {
					halt = err
					break
				}
				started[task.Name] = true
				running++

				req := TaskRequest{
					Workflow: def.Name,
					Agent:    agent,
					Task:     task,
					Context:  contextOutputs(task, outputs),
					Provider: provider,
				}
				go func() {
					result, err := a.opts.Runner.RunTask(ctx, req)
					results <- taskOutcome{task: req.Task, output: result.Output, err: err}
				}()
			}
		}

		if running == 0 {
			if halt != nil {
				return halt
			}
			return fmt.Errorf("orchestrator: %d tasks can never become ready", total-len(outputs))
		}

		outcome := <-results
		running--
		if outcome.err != nil {
			err := fmt.Errorf("orchestrator: task %q: %w", outcome.task.Name, outcome.err)
			if stepErr := tracker.StepFailed(handle, outcome.task.Name, outcome.task.Agent, err); stepErr != nil {
				a.opts.Logger.Debug("task failure not recorded", slog.String("execution_id", string(handle)), slog.Any("error", stepErr))
			}
			if halt == nil || errors.Is(halt, execution.ErrStopped) {
				halt = err
			}
			continue
		}

		outputs[outcome.task.Name] = outcome.output
		payload := map[string]any{"output": outcome.output}
		if err := tracker.StepFinished(handle, outcome.task.Name, outcome.task.Agent, progress(len(outputs), total), payload); err != nil {
			a.opts.Logger.Debug("task completion not recorded", slog.String("execution_id", string(handle)), slog.Any("error", err))
		}
	}
	return halt
}

// readyTasks yields tasks not yet started whose context tasks all finished.
func readyTasks(tasks []workflow.TaskSpec, started map[string]bool, outputs map[string]string) iter.Seq[workflow.TaskSpec] {
	return func(yield func(workflow.TaskSpec) bool) {
		for _, task := range tasks {
			if started[task.Name] {
				continue
			}
			ready := !slices.ContainsFunc(task.Context, func(dep string) bool {
				_, done := outputs[dep]
				return !done
			})
			if ready && !yield(task) {
				return
			}
		}
	}
}

func contextOutputs(task workflow.TaskSpec, outputs map[string]string) map[string]string {
	if len(task.Context) == 0 {
		return nil
	}
	out := make(map[string]string, len(task.Context))
	for _, dep := range task.Context {
		out[dep] = outputs[dep]
	}
	return out
}
