package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"

	"github.com/petal-labs/flowbridge/core"
	"github.com/petal-labs/flowbridge/execution"
	"github.com/petal-labs/flowbridge/workflow"
)

// runFunc walks one execution. It returns execution.ErrStopped when a
// checkpoint observed a stop request.
type runFunc func(ctx context.Context, handle execution.Handle, def workflow.Definition, provider *ProviderConfig) error

// base holds what both adapters share: validation, the execute scaffold and
// the tracker-backed status operations.
type base struct {
	kind workflow.Kind
	opts Options
}

func (b *base) Framework() string { return string(b.kind) }

func (b *base) validate(def workflow.Definition) ValidationResult {
	var diags []workflow.Diagnostic
	if def.Kind != b.kind {
		diags = []workflow.Diagnostic{{
			Code:     "WF-003",
			Severity: workflow.SeverityError,
			Message:  fmt.Sprintf("%s adapter cannot run a %q workflow", b.kind, def.Kind),
			Path:     "kind",
		}}
	} else {
		diags = workflow.Validate(def, b.opts.Tools)
	}
	return ValidationResult{
		Valid:       !workflow.HasErrors(diags),
		Errors:      workflow.Messages(workflow.Errors(diags)),
		Warnings:    workflow.Messages(workflow.Warnings(diags)),
		Diagnostics: diags,
	}
}

// execute validates def, registers it with the tracker and starts run on a
// goroutine detached from ctx's cancellation.
func (b *base) execute(ctx context.Context, def workflow.Definition, provider *ProviderConfig, agents []string, run runFunc) (execution.Handle, error) {
	result := b.validate(def)
	if !result.Valid {
		return "", core.NewValidationError("workflow", result.Errors...)
	}

	def = def.Clone()
	if provider != nil {
		p := *provider
		provider = &p
	}

	handle, _, err := b.opts.Tracker.Begin(string(b.kind), def.Name, agents)
	if err != nil {
		return "", err
	}

	runCtx := context.WithoutCancel(ctx)
	go b.drive(runCtx, handle, def, provider, run)
	return handle, nil
}

func (b *base) drive(ctx context.Context, handle execution.Handle, def workflow.Definition, provider *ProviderConfig, run runFunc) {
	tracker := b.opts.Tracker
	logger := b.opts.Logger.With(slog.String("execution_id", string(handle)), slog.String("framework", string(b.kind)))

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("orchestrator: panic during execution: %v", r)
			}
		}()
		if err := tracker.MarkRunning(handle); err != nil {
			return err
		}
		if err := run(ctx, handle, def, provider); err != nil {
			return err
		}
		return tracker.Complete(handle)
	}()

	switch {
	case err == nil:
		logger.Info("execution completed")
	case errors.Is(err, execution.ErrStopped):
		logger.Info("execution stopped")
	default:
		switch failErr := tracker.Fail(handle, err); {
		case failErr == nil:
			logger.Warn("execution failed", slog.Any("error", err))
		case errors.Is(failErr, execution.ErrStopped):
			logger.Info("execution stopped", slog.Any("error", err))
		default:
			logger.Debug("execution failure not recorded", slog.Any("error", err), slog.Any("state_error", failErr))
		}
	}
}

// owned resolves handle and checks it belongs to this adapter's kind.
func (b *base) owned(handle execution.Handle) (execution.Status, error) {
	status, err := b.opts.Tracker.Status(handle)
	if err != nil {
		return execution.Status{}, err
	}
	if status.Framework != string(b.kind) {
		return execution.Status{}, &core.NotFoundError{Resource: "execution", ID: string(handle)}
	}
	return status, nil
}

func (b *base) Status(handle execution.Handle) (execution.Status, error) {
	return b.owned(handle)
}

// Stop on a terminal execution returns its status unchanged.
func (b *base) Stop(handle execution.Handle) (execution.Status, error) {
	if _, err := b.owned(handle); err != nil {
		return execution.Status{}, err
	}
	return b.opts.Tracker.RequestStop(handle)
}

func (b *base) Stream(ctx context.Context, handle execution.Handle) (iter.Seq[execution.Delta], error) {
	if _, err := b.owned(handle); err != nil {
		return nil, err
	}
	return b.opts.Tracker.Stream(ctx, handle)
}

func progress(done, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(done) / float64(total) * 100
}
