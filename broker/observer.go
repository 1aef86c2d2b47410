package broker

import (
	"context"
	"errors"

	"github.com/petal-labs/flowbridge/core"
	"github.com/petal-labs/flowbridge/mcp"
)

// ConnectionObservation captures one connection test.
type ConnectionObservation struct {
	ServerID  string
	Transport mcp.TransportType
	Status    Status
	LatencyMS float64
	ToolCount int
	Reused    bool
	ErrorCode string
}

// InvokeObservation captures one tool invocation.
type InvokeObservation struct {
	ServerID   string
	Tool       string
	Transport  mcp.TransportType
	DurationMS float64
	Success    bool
	ErrorCode  string
}

// HealthObservation captures one scheduled health check.
type HealthObservation struct {
	ServerID       string
	PreviousStatus Status
	Status         Status
	LatencyMS      float64
	ErrorCode      string
}

// Observer receives broker observability events.
type Observer interface {
	ObserveConnection(observation ConnectionObservation)
	ObserveInvoke(observation InvokeObservation)
	ObserveHealth(observation HealthObservation)
}

// NoopObserver discards every observation.
type NoopObserver struct{}

func (NoopObserver) ObserveConnection(ConnectionObservation) {}
func (NoopObserver) ObserveInvoke(InvokeObservation)         {}
func (NoopObserver) ObserveHealth(HealthObservation)         {}

// Error codes reported in observations.
const (
	ErrorCodeTimeout      = "TIMEOUT"
	ErrorCodeConnection   = "CONNECTION_FAILED"
	ErrorCodeNotFound     = "NOT_FOUND"
	ErrorCodeInvalidState = "INVALID_STATE"
	ErrorCodeValidation   = "VALIDATION_FAILED"
	ErrorCodeCanceled     = "CANCELED"
	ErrorCodeUnknown      = "UNKNOWN"
)

// ErrorCode maps an error to a stable observation code.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	var (
		toolErr  *core.ToolError
		connErr  *core.ConnectionError
		notFound *core.NotFoundError
		invalid  *core.InvalidStateError
		valErr   *core.ValidationError
	)
	switch {
	case core.IsTimeout(err):
		return ErrorCodeTimeout
	case errors.As(err, &toolErr):
		return toolErr.Code
	case errors.As(err, &connErr):
		return ErrorCodeConnection
	case errors.As(err, &notFound):
		return ErrorCodeNotFound
	case errors.As(err, &invalid):
		return ErrorCodeInvalidState
	case errors.As(err, &valErr):
		return ErrorCodeValidation
	case errors.Is(err, context.Canceled):
		return ErrorCodeCanceled
	default:
		return ErrorCodeUnknown
	}
}
