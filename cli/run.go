package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/flowbridge/bus"
	"github.com/petal-labs/flowbridge/core"
	"github.com/petal-labs/flowbridge/execution"
	"github.com/petal-labs/flowbridge/internal/xjson"
	"github.com/petal-labs/flowbridge/orchestrator"
	fbotel "github.com/petal-labs/flowbridge/otel"
)

const historyBufferSize = 1024

// NewRunCmd creates the "run" subcommand.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Execute a workflow file",
		Args:  cobra.ExactArgs(1),
		RunE:  runRun,
	}

	cmd.Flags().String("framework", "", "Adapter to run with (default: inferred from the workflow kind)")
	cmd.Flags().String("format", "pretty", "Output format: json | pretty")
	cmd.Flags().Duration("timeout", 5*time.Minute, "Execution timeout; the run is stopped when it expires")
	cmd.Flags().Duration("stop-grace", 30*time.Second, "How long to wait for a stopped run to reach a boundary")
	cmd.Flags().Bool("stream", false, "Print status deltas as JSON lines while running")
	cmd.Flags().Bool("dry-run", false, "Validate only, do not execute")
	cmd.Flags().Int("max-parallel", 0, "Concurrent role-based tasks (default from config, else 1)")
	cmd.Flags().Int("max-steps", 0, "Node visits per graph run (default from config, else 100)")
	cmd.Flags().String("provider", "", "Provider name passed to the engine")
	cmd.Flags().String("provider-type", "", "Provider type, e.g. openai | anthropic | ollama")
	cmd.Flags().String("model", "", "Model name passed to the engine")
	cmd.Flags().String("base-url", "", "Provider base URL")
	cmd.Flags().String("api-key-env", "", "Environment variable holding the provider API key")
	cmd.Flags().String("history-path", "", "SQLite file recording status deltas (default from config)")

	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	def, err := loadWorkflow(args[0])
	if err != nil {
		return err
	}

	e, err := newEnv(cmd)
	if err != nil {
		return err
	}
	defer e.close()
	if err := e.openBroker(cmd); err != nil {
		return err
	}
	if len(e.manager.ListServers()) > 0 {
		_ = e.connectServers(cmd.Context())
	}

	publisher, finishHistory, err := e.runPublisher(cmd)
	if err != nil {
		return err
	}
	tracker := execution.NewTracker(execution.TrackerConfig{Publisher: publisher, Logger: e.logger})
	defer func() {
		tracker.Close()
		finishHistory()
	}()

	adapter, err := openAdapter(cmd, def, orchestrator.Options{
		Tracker:     tracker,
		Runner:      &orchestrator.ToolRunner{Tools: e.invoker},
		Tools:       e.manager.Catalog(),
		MaxParallel: intFlagOr(cmd, "max-parallel", e.cfg.Orchestrator.MaxParallel),
		MaxSteps:    intFlagOr(cmd, "max-steps", e.cfg.Orchestrator.MaxSteps),
		Logger:      e.logger,
	})
	if err != nil {
		return err
	}

	if dry, _ := cmd.Flags().GetBool("dry-run"); dry {
		result := adapter.Validate(def)
		printDiagnosticsText(cmd.OutOrStdout(), result.Diagnostics)
		if !result.Valid {
			return exitError(exitValidation, "validation failed")
		}
		return nil
	}

	timeout, _ := cmd.Flags().GetDuration("timeout")
	runCtx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	runCtx, stopSignals := signal.NotifyContext(runCtx, os.Interrupt)
	defer stopSignals()

	handle, err := adapter.Execute(runCtx, def, providerFromFlags(cmd))
	if err != nil {
		var valErr *core.ValidationError
		if errors.As(err, &valErr) {
			for _, msg := range valErr.Messages {
				fmt.Fprintf(cmd.ErrOrStderr(), "ERROR: %s\n", msg)
			}
			return exitError(exitValidation, "validation failed")
		}
		return exitFor(err, "starting execution")
	}

	deltas, err := follow(runCtx, cmd, adapter, handle)
	if err != nil {
		return err
	}

	status, err := adapter.Status(handle)
	if err != nil {
		return exitFor(err, "reading status")
	}
	if err := writeRunOutput(cmd, status, deltas); err != nil {
		return err
	}

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return exitError(exitTimeout, "execution timed out after %s", timeout)
	case status.State == execution.StateFailed:
		return exitError(exitRuntime, "execution failed: %s", status.Error)
	case status.State == execution.StateStopped:
		return exitError(exitRuntime, "execution stopped")
	case !status.State.Terminal():
		return exitError(exitRuntime, "execution did not stop within the grace period")
	}
	return nil
}

// follow consumes the execution's stream until it ends. When runCtx ends
// first the execution is asked to stop and given the grace period to reach
// a boundary.
func follow(runCtx context.Context, cmd *cobra.Command, adapter orchestrator.Adapter, handle execution.Handle) ([]execution.Delta, error) {
	grace, _ := cmd.Flags().GetDuration("stop-grace")
	streaming, _ := cmd.Flags().GetBool("stream")

	streamCtx, cancelStream := context.WithCancel(context.Background())
	defer cancelStream()

	seq, err := adapter.Stream(streamCtx, handle)
	if err != nil {
		return nil, exitFor(err, "opening stream")
	}

	go func() {
		select {
		case <-runCtx.Done():
			if _, err := adapter.Stop(handle); err != nil {
				return
			}
			select {
			case <-time.After(grace):
				cancelStream()
			case <-streamCtx.Done():
			}
		case <-streamCtx.Done():
		}
	}()

	var deltas []execution.Delta
	out := cmd.OutOrStdout()
	for d := range seq {
		deltas = append(deltas, d)
		if streaming {
			data, err := xjson.Marshal(d)
			if err == nil {
				fmt.Fprintln(out, string(data))
			}
		}
	}
	return deltas, nil
}

// runPublisher builds the tracker's delta pipeline: metrics, tracing with
// trace ids added to payloads, then the bus that feeds the history store.
// finish drains the bus once the tracker is closed.
func (e *env) runPublisher(cmd *cobra.Command) (execution.Publisher, func(), error) {
	metrics, err := fbotel.NewMetricsHandler(e.telemetry.Meter())
	if err != nil {
		return nil, nil, exitError(exitRuntime, "initializing execution metrics: %v", err)
	}
	tracing := fbotel.NewTracingHandler(e.telemetry.Tracer())

	deltaBus := bus.NewMemBus(bus.MemBusConfig{SubscriberBufferSize: historyBufferSize})
	done := []<-chan struct{}{}

	store, err := e.openHistory(cmd)
	if err != nil {
		return nil, nil, err
	}
	if store != nil {
		done = append(done, bus.Forward(deltaBus.SubscribeAll(), bus.NewStoreSubscriber(store, e.logger).Handle))
	}
	debugSub := deltaBus.SubscribeAll()
	done = append(done, bus.Forward(debugSub, func(d execution.Delta) {
		e.logger.Debug("execution delta",
			"execution_id", d.Handle,
			"kind", d.Kind,
			"step", d.Step,
			"status", d.State,
		)
	}))

	finish := func() {
		_ = deltaBus.Close()
		for _, ch := range done {
			<-ch
		}
	}
	return fbotel.Fanout(metrics, fbotel.EnrichPublisher(deltaBus, tracing)), finish, nil
}

// openHistory opens the SQLite delta store named by --history-path or the
// config file. It returns nil when neither names one.
func (e *env) openHistory(cmd *cobra.Command) (*bus.SQLiteDeltaStore, error) {
	path, _ := cmd.Flags().GetString("history-path")
	if strings.TrimSpace(path) == "" {
		path = e.cfg.History.Store
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, nil
	}
	if !strings.HasPrefix(path, "file:") && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, exitError(exitRuntime, "creating history directory: %v", err)
		}
	}
	store, err := bus.NewSQLiteDeltaStore(bus.SQLiteStoreConfig{
		DSN:            path,
		RetentionAge:   e.cfg.History.RetentionAge,
		RetentionCount: e.cfg.History.RetentionCount,
	})
	if err != nil {
		return nil, exitError(exitRuntime, "opening history store: %v", err)
	}
	e.closers = append(e.closers, func(context.Context) error { return store.Close() })
	return store, nil
}

func providerFromFlags(cmd *cobra.Command) *orchestrator.ProviderConfig {
	name, _ := cmd.Flags().GetString("provider")
	providerType, _ := cmd.Flags().GetString("provider-type")
	model, _ := cmd.Flags().GetString("model")
	baseURL, _ := cmd.Flags().GetString("base-url")
	keyEnv, _ := cmd.Flags().GetString("api-key-env")
	if name == "" && providerType == "" && model == "" {
		return nil
	}
	p := &orchestrator.ProviderConfig{
		Name:    name,
		Type:    providerType,
		Model:   model,
		BaseURL: baseURL,
	}
	if keyEnv != "" {
		p.APIKey = os.Getenv(keyEnv)
	}
	return p
}

func intFlagOr(cmd *cobra.Command, name string, fallback int) int {
	if v, _ := cmd.Flags().GetInt(name); v > 0 {
		return v
	}
	return fallback
}

func writeRunOutput(cmd *cobra.Command, status execution.Status, deltas []execution.Delta) error {
	format, _ := cmd.Flags().GetString("format")
	out := cmd.OutOrStdout()
	switch format {
	case "json":
		return writeJSON(out, status)
	case "pretty":
		formatPretty(out, status, deltas)
		return nil
	default:
		return exitError(exitValidation, "unknown format %q (use json or pretty)", format)
	}
}

// formatPretty writes a human-readable summary of the execution.
func formatPretty(w io.Writer, status execution.Status, deltas []execution.Delta) {
	fmt.Fprintf(w, "=== Execution %s ===\n", status.Handle)
	fmt.Fprintf(w, "  workflow:  %s (%s)\n", status.Workflow, status.Framework)
	fmt.Fprintf(w, "  status:    %s\n", status.State)
	fmt.Fprintf(w, "  progress:  %.0f%%\n", status.Progress)
	if !status.FinishedAt.IsZero() {
		fmt.Fprintf(w, "  duration:  %s\n", status.FinishedAt.Sub(status.StartedAt).Round(time.Millisecond))
	}
	if status.Error != "" {
		fmt.Fprintf(w, "  error:     %s\n", status.Error)
	}

	if len(status.Agents) > 0 {
		fmt.Fprintf(w, "\n=== Agents (%d) ===\n", len(status.Agents))
		for _, a := range status.Agents {
			fmt.Fprintf(w, "  %s: %s\n", a.Name, a.State)
		}
	}

	var outputs []execution.Delta
	for _, d := range deltas {
		if d.Kind == execution.DeltaStepFinished {
			outputs = append(outputs, d)
		}
	}
	if len(outputs) > 0 {
		fmt.Fprintf(w, "\n=== Outputs (%d) ===\n", len(outputs))
		for _, d := range outputs {
			fmt.Fprintf(w, "  %s: %v\n", d.Step, d.Payload["output"])
		}
	}
}
