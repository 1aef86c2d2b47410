// Package bus distributes execution status deltas to observers such as
// loggers, metrics, and the execution history store, decoupled from the
// tracker that produces them.
package bus

import "github.com/petal-labs/flowbridge/execution"

// DeltaBus distributes deltas to subscribers.
type DeltaBus interface {
	// Publish sends a delta to all matching subscribers.
	Publish(delta execution.Delta)

	// Subscribe registers a subscriber for one execution.
	// Returns a Subscription that must be closed when done.
	Subscribe(handle execution.Handle) Subscription

	// SubscribeAll registers a subscriber that receives deltas from all executions.
	SubscribeAll() Subscription

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// Subscription receives deltas.
type Subscription interface {
	Deltas() <-chan execution.Delta
	Close() error
}
