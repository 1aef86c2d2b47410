package bus

import (
	"context"
	"log/slog"

	"github.com/petal-labs/flowbridge/execution"
)

// StoreSubscriber writes deltas to a DeltaStore. Use Handle with Forward or
// directly as an execution.Publisher.
type StoreSubscriber struct {
	store  DeltaStore
	logger *slog.Logger
}

// NewStoreSubscriber creates a new StoreSubscriber.
func NewStoreSubscriber(store DeltaStore, logger *slog.Logger) *StoreSubscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreSubscriber{
		store:  store,
		logger: logger,
	}
}

// Handle persists a single delta. Failures are logged, not returned.
func (s *StoreSubscriber) Handle(delta execution.Delta) {
	if err := s.store.Append(context.Background(), delta); err != nil {
		s.logger.Error("failed to persist execution delta",
			"execution_id", delta.Handle,
			"kind", delta.Kind,
			"seq", delta.Seq,
			"error", err,
		)
	}
}

// Publish implements execution.Publisher.
func (s *StoreSubscriber) Publish(delta execution.Delta) {
	s.Handle(delta)
}

var _ execution.Publisher = (*StoreSubscriber)(nil)
