package bus

import (
	"context"

	"github.com/petal-labs/flowbridge/execution"
)

// DeltaStore persists execution deltas so finished executions can be
// inspected after the tracker that ran them is gone.
type DeltaStore interface {
	// Append stores a delta.
	Append(ctx context.Context, delta execution.Delta) error

	// List returns deltas for an execution.
	// afterSeq: return deltas with Seq > afterSeq (0 means all)
	// limit: max deltas to return (0 means no limit)
	List(ctx context.Context, handle execution.Handle, afterSeq uint64, limit int) ([]execution.Delta, error)

	// LatestSeq returns the highest Seq for an execution (0 if none).
	LatestSeq(ctx context.Context, handle execution.Handle) (uint64, error)

	// Handles returns every execution with stored deltas.
	Handles(ctx context.Context) ([]execution.Handle, error)
}

// Forward drains sub into handle on a new goroutine. The returned channel
// closes once the subscription is closed.
func Forward(sub Subscription, handle func(execution.Delta)) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for delta := range sub.Deltas() {
			handle(delta)
		}
	}()
	return done
}
