package orchestrator

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petal-labs/flowbridge/execution"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedRunner records calls and can block, fail or route individual
// steps by name.
type scriptedRunner struct {
	mu    sync.Mutex
	calls []string

	gate    chan struct{}
	started chan string
	fail    map[string]error
	nodes   map[string]NodeResult

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (r *scriptedRunner) enter(name string) {
	r.mu.Lock()
	r.calls = append(r.calls, name)
	r.mu.Unlock()

	n := r.inFlight.Add(1)
	for {
		cur := r.maxInFlight.Load()
		if n <= cur || r.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}
	if r.started != nil {
		r.started <- name
	}
	if r.gate != nil {
		<-r.gate
	}
}

func (r *scriptedRunner) RunTask(_ context.Context, req TaskRequest) (TaskResult, error) {
	r.enter(req.Task.Name)
	defer r.inFlight.Add(-1)
	if err := r.fail[req.Task.Name]; err != nil {
		return TaskResult{}, err
	}
	out := "done:" + req.Task.Name
	for _, dep := range req.Task.Context {
		out += "<" + req.Context[dep]
	}
	return TaskResult{Output: out}, nil
}

func (r *scriptedRunner) RunNode(_ context.Context, req NodeRequest) (NodeResult, error) {
	r.enter(req.Node.ID)
	defer r.inFlight.Add(-1)
	if err := r.fail[req.Node.ID]; err != nil {
		return NodeResult{}, err
	}
	return r.nodes[req.Node.ID], nil
}

func (r *scriptedRunner) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func waitTerminal(t *testing.T, a Adapter, h execution.Handle) execution.Status {
	t.Helper()
	var status execution.Status
	require.Eventually(t, func() bool {
		var err error
		status, err = a.Status(h)
		require.NoError(t, err)
		return status.State.Terminal()
	}, 5*time.Second, 5*time.Millisecond)
	return status
}

func collect(t *testing.T, a Adapter, h execution.Handle) []execution.Delta {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	seq, err := a.Stream(ctx, h)
	require.NoError(t, err)
	var deltas []execution.Delta
	for d := range seq {
		deltas = append(deltas, d)
	}
	return deltas
}

func newTestTracker(t *testing.T) *execution.Tracker {
	t.Helper()
	tr := execution.NewTracker(execution.TrackerConfig{Logger: quietLogger()})
	t.Cleanup(tr.Close)
	return tr
}
