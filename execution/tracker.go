package execution

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petal-labs/flowbridge/core"
)

// ErrStopped is returned from Checkpoint and Complete once a stop request
// has been observed and the execution moved to stopped.
var ErrStopped = errors.New("execution: stopped")

// Publisher receives every delta recorded by a Tracker. Implementations must
// not block.
type Publisher interface {
	Publish(delta Delta)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(Delta)

// Publish calls f(delta).
func (f PublisherFunc) Publish(delta Delta) { f(delta) }

// TrackerConfig configures a Tracker.
type TrackerConfig struct {
	Publisher Publisher
	Logger    *slog.Logger
	// MaxFinished caps how many terminal executions stay readable. The
	// oldest are dropped first. Zero keeps every execution until Forget.
	MaxFinished int
}

// Tracker owns every execution handle and its state machine. Each execution
// record carries its own lock; the tracker lock only guards the index.
// Lock order is record then tracker.
type Tracker struct {
	publisher   Publisher
	logger      *slog.Logger
	maxFinished int

	mu       sync.RWMutex
	records  map[Handle]*record
	finished []Handle
	closed   bool
}

type record struct {
	mu            sync.Mutex
	status        Status
	stopRequested bool
	deltas        []Delta
	notify        chan struct{}
	streamed      bool
	closed        bool
}

// NewTracker creates an empty tracker.
func NewTracker(cfg TrackerConfig) *Tracker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		publisher:   cfg.Publisher,
		logger:      logger,
		maxFinished: max(cfg.MaxFinished, 0),
		records:     make(map[Handle]*record),
	}
}

// Begin creates a new execution in the started state. agents lists the
// agent names reported in status, all initially idle.
func (t *Tracker) Begin(framework, workflow string, agents []string) (Handle, Status, error) {
	handle := Handle(uuid.NewString())
	now := time.Now()

	status := Status{
		Handle:    handle,
		Framework: framework,
		Workflow:  workflow,
		State:     StateStarted,
		Agents:    make([]AgentStatus, 0, len(agents)),
		StartedAt: now,
	}
	for _, name := range agents {
		status.Agents = append(status.Agents, AgentStatus{Name: name, State: AgentIdle})
	}

	rec := &record{status: status, notify: make(chan struct{})}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return "", Status{}, &core.InvalidStateError{Resource: "tracker", Op: "begin execution on", State: "closed"}
	}
	t.records[handle] = rec
	t.mu.Unlock()

	rec.mu.Lock()
	t.appendLocked(rec, Delta{Kind: DeltaStarted, Payload: map[string]any{
		"framework": framework,
		"workflow":  workflow,
	}})
	snapshot := rec.status.clone()
	rec.mu.Unlock()

	t.logger.Debug("execution started",
		slog.String("execution_id", string(handle)),
		slog.String("framework", framework),
		slog.String("workflow", workflow),
	)
	return handle, snapshot, nil
}

// Status returns the current snapshot of an execution.
func (t *Tracker) Status(handle Handle) (Status, error) {
	rec, err := t.lookup(handle)
	if err != nil {
		return Status{}, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.status.clone(), nil
}

// MarkRunning moves a started execution to running. It is a no-op when the
// execution is already running.
func (t *Tracker) MarkRunning(handle Handle) error {
	rec, err := t.lookup(handle)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.status.State == StateRunning {
		return nil
	}
	return t.transitionLocked(rec, StateRunning, "")
}

// StepStarted records that a task or node began. The first step moves the
// execution from started to running.
func (t *Tracker) StepStarted(handle Handle, step, agent string) error {
	rec, err := t.lookup(handle)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.status.State == StateStarted {
		if err := t.transitionLocked(rec, StateRunning, ""); err != nil {
			return err
		}
	}
	if rec.status.State != StateRunning {
		return invalidState(rec, "start step in")
	}

	rec.status.CurrentTask = step
	agentStatus := t.setAgentLocked(rec, agent, AgentWorking, step)
	t.appendLocked(rec, Delta{Kind: DeltaStepStarted, Step: step, Agent: agentStatus})
	return nil
}

// StepFinished records a successful step and the new overall progress.
func (t *Tracker) StepFinished(handle Handle, step, agent string, progress float64, payload map[string]any) error {
	rec, err := t.lookup(handle)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.status.State != StateRunning {
		return invalidState(rec, "finish step in")
	}

	rec.status.Progress = clampProgress(progress)
	agentStatus := t.setAgentLocked(rec, agent, AgentCompleted, "")
	t.appendLocked(rec, Delta{Kind: DeltaStepFinished, Step: step, Agent: agentStatus, Payload: payload})
	return nil
}

// StepFailed records a failed step. The execution itself is failed by Fail.
func (t *Tracker) StepFailed(handle Handle, step, agent string, cause error) error {
	rec, err := t.lookup(handle)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.status.State != StateRunning {
		return invalidState(rec, "fail step in")
	}

	agentStatus := t.setAgentLocked(rec, agent, AgentFailed, step)
	t.appendLocked(rec, Delta{Kind: DeltaStepFailed, Step: step, Agent: agentStatus, Error: errorText(cause)})
	return nil
}

// Complete moves a running execution to completed. If a stop was requested
// the execution moves to stopped instead and ErrStopped is returned.
func (t *Tracker) Complete(handle Handle) error {
	rec, err := t.lookup(handle)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.stopRequested && !rec.status.State.Terminal() {
		if err := t.transitionLocked(rec, StateStopped, ""); err != nil {
			return err
		}
		return ErrStopped
	}
	if err := t.transitionLocked(rec, StateCompleted, ""); err != nil {
		return err
	}
	return nil
}

// Fail moves a running execution to failed. When a stop was already
// requested the execution moves to stopped instead, keeping the cause as its
// error, and ErrStopped is returned.
func (t *Tracker) Fail(handle Handle, cause error) error {
	rec, err := t.lookup(handle)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.stopRequested && !rec.status.State.Terminal() {
		if err := t.transitionLocked(rec, StateStopped, errorText(cause)); err != nil {
			return err
		}
		return ErrStopped
	}
	return t.transitionLocked(rec, StateFailed, errorText(cause))
}

// RequestStop asks an execution to stop at its next checkpoint. On a
// terminal execution it is a no-op that returns the current status.
func (t *Tracker) RequestStop(handle Handle) (Status, error) {
	rec, err := t.lookup(handle)
	if err != nil {
		return Status{}, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.status.State.Terminal() || rec.stopRequested {
		return rec.status.clone(), nil
	}
	rec.stopRequested = true
	t.appendLocked(rec, Delta{Kind: DeltaStopRequested})
	t.logger.Debug("execution stop requested", slog.String("execution_id", string(handle)))
	return rec.status.clone(), nil
}

// Checkpoint is called by adapters before each task or node and before
// completion. It returns ErrStopped once a pending stop request has moved
// the execution to stopped, and an InvalidStateError if the execution is
// already terminal for another reason.
func (t *Tracker) Checkpoint(handle Handle) error {
	rec, err := t.lookup(handle)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	switch {
	case rec.status.State == StateStopped:
		return ErrStopped
	case rec.status.State.Terminal():
		return invalidState(rec, "continue")
	case rec.stopRequested:
		if err := t.transitionLocked(rec, StateStopped, ""); err != nil {
			return err
		}
		return ErrStopped
	}
	return nil
}

// Stream returns the execution's deltas from the beginning, ending after the
// terminal delta. Only one stream may be opened per execution. The sequence
// also ends when ctx is done or the tracker is closed.
func (t *Tracker) Stream(ctx context.Context, handle Handle) (iter.Seq[Delta], error) {
	rec, err := t.lookup(handle)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	if rec.streamed {
		rec.mu.Unlock()
		return nil, &core.InvalidStateError{Resource: "execution", ID: string(handle), Op: "open a second stream for"}
	}
	rec.streamed = true
	rec.mu.Unlock()

	return func(yield func(Delta) bool) {
		next := 0
		for {
			rec.mu.Lock()
			pending := rec.deltas[next:]
			notify := rec.notify
			closed := rec.closed
			rec.mu.Unlock()

			for _, d := range pending {
				next++
				if !yield(d) {
					return
				}
				if d.Terminal() {
					return
				}
			}
			if closed {
				return
			}

			select {
			case <-ctx.Done():
				return
			case <-notify:
			}
		}
	}, nil
}

// Forget drops a terminal execution and its delta history. An open stream
// still ends after the terminal delta.
func (t *Tracker) Forget(handle Handle) error {
	rec, err := t.lookup(handle)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	if !rec.status.State.Terminal() {
		defer rec.mu.Unlock()
		return invalidState(rec, "forget")
	}
	rec.mu.Unlock()

	t.mu.Lock()
	delete(t.records, handle)
	t.finished = slices.DeleteFunc(t.finished, func(h Handle) bool { return h == handle })
	t.mu.Unlock()
	return nil
}

// Len returns the number of tracked executions.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}

// Close ends every open stream and rejects new executions. Existing
// executions remain readable.
func (t *Tracker) Close() {
	t.mu.Lock()
	t.closed = true
	records := make([]*record, 0, len(t.records))
	for _, rec := range t.records {
		records = append(records, rec)
	}
	t.mu.Unlock()

	for _, rec := range records {
		rec.mu.Lock()
		if !rec.closed {
			rec.closed = true
			close(rec.notify)
		}
		rec.mu.Unlock()
	}
}

func (t *Tracker) lookup(handle Handle) (*record, error) {
	t.mu.RLock()
	rec, ok := t.records[handle]
	t.mu.RUnlock()
	if !ok {
		return nil, &core.NotFoundError{Resource: "execution", ID: string(handle)}
	}
	return rec, nil
}

func (t *Tracker) transitionLocked(rec *record, to State, errText string) error {
	from := rec.status.State
	if !canTransition(from, to) {
		return &core.InvalidStateError{
			Resource: "execution",
			ID:       string(rec.status.Handle),
			State:    string(from),
			Op:       "move to " + string(to),
		}
	}
	rec.status.State = to

	kind := DeltaRunning
	if to.Terminal() {
		kind = DeltaFinished
		rec.status.FinishedAt = time.Now()
		rec.status.CurrentTask = ""
		if to == StateCompleted {
			rec.status.Progress = 100
		}
		if errText != "" {
			rec.status.Error = errText
		}
	}
	t.appendLocked(rec, Delta{Kind: kind, Error: errText})
	if to.Terminal() {
		t.retire(rec.status.Handle)
	}

	level := slog.LevelDebug
	if to == StateFailed {
		level = slog.LevelWarn
	}
	t.logger.Log(context.Background(), level, "execution state changed",
		slog.String("execution_id", string(rec.status.Handle)),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)
	return nil
}

// retire queues a terminal execution and drops the oldest beyond the cap.
func (t *Tracker) retire(handle Handle) {
	if t.maxFinished == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.finished = append(t.finished, handle)
	for len(t.finished) > t.maxFinished {
		delete(t.records, t.finished[0])
		t.finished = t.finished[1:]
	}
}

func (t *Tracker) setAgentLocked(rec *record, name string, state AgentState, task string) *AgentStatus {
	if name == "" {
		return nil
	}
	for i := range rec.status.Agents {
		if rec.status.Agents[i].Name == name {
			rec.status.Agents[i].State = state
			rec.status.Agents[i].CurrentTask = task
			snapshot := rec.status.Agents[i]
			return &snapshot
		}
	}
	return nil
}

// appendLocked stamps, stores and publishes a delta, then wakes the stream.
func (t *Tracker) appendLocked(rec *record, d Delta) {
	now := time.Now()
	d.Handle = rec.status.Handle
	d.Seq = uint64(len(rec.deltas)) + 1
	d.Time = now
	d.Elapsed = now.Sub(rec.status.StartedAt)
	d.State = rec.status.State
	d.Progress = rec.status.Progress
	rec.deltas = append(rec.deltas, d)

	if t.publisher != nil {
		t.publisher.Publish(d)
	}
	if !rec.closed {
		close(rec.notify)
		rec.notify = make(chan struct{})
	}
}

func invalidState(rec *record, op string) error {
	return &core.InvalidStateError{
		Resource: "execution",
		ID:       string(rec.status.Handle),
		State:    string(rec.status.State),
		Op:       op,
	}
}

func clampProgress(p float64) float64 {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
