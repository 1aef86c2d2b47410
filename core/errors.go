// Package core holds the error taxonomy shared by the orchestration adapters
// and the tool-server broker.
//
// Every error is a pointer type so callers can match with errors.As. Errors
// that wrap a cause expose it through Unwrap.
package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

const (
	// ToolErrorCodeRemote is reported when the tool ran and signalled failure.
	ToolErrorCodeRemote = "TOOL_FAILED"
	// ToolErrorCodeRPC is reported when the server answered with a JSON-RPC error.
	ToolErrorCodeRPC = "RPC_ERROR"
	// ToolErrorCodeDecode is reported when a tool result could not be decoded.
	ToolErrorCodeDecode = "DECODE_FAILURE"
)

// ValidationError reports malformed input. Messages holds every problem found,
// in the order it was detected.
type ValidationError struct {
	Field    string
	Messages []string
}

// NewValidationError builds a ValidationError from one or more messages.
func NewValidationError(field string, messages ...string) *ValidationError {
	return &ValidationError{Field: field, Messages: messages}
}

func (e *ValidationError) Error() string {
	if e == nil {
		return ""
	}
	msg := strings.Join(e.Messages, "; ")
	if msg == "" {
		msg = "invalid input"
	}
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, msg)
	}
	return "validation failed: " + msg
}

// UnsupportedFrameworkError is returned when no orchestrator is registered
// under the requested name.
type UnsupportedFrameworkError struct {
	Name      string
	Available []string
}

func (e *UnsupportedFrameworkError) Error() string {
	if e == nil {
		return ""
	}
	if len(e.Available) == 0 {
		return fmt.Sprintf("unsupported framework %q: no frameworks registered", e.Name)
	}
	return fmt.Sprintf("unsupported framework %q (available: %s)", e.Name, strings.Join(e.Available, ", "))
}

// UnsupportedFormatError is returned for an unknown export format tag.
type UnsupportedFormatError struct {
	Format    string
	Supported []string
}

func (e *UnsupportedFormatError) Error() string {
	if e == nil {
		return ""
	}
	if len(e.Supported) == 0 {
		return fmt.Sprintf("unsupported format %q", e.Format)
	}
	return fmt.Sprintf("unsupported format %q (supported: %s)", e.Format, strings.Join(e.Supported, ", "))
}

// ConnectionError reports a failure to open, use, or keep a server connection.
type ConnectionError struct {
	ServerID string
	Op       string
	Timeout  bool
	Cause    error
}

func (e *ConnectionError) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString("connection to server ")
	b.WriteString(fmt.Sprintf("%q", e.ServerID))
	if e.Op != "" {
		b.WriteString(" failed during ")
		b.WriteString(e.Op)
	} else {
		b.WriteString(" failed")
	}
	if e.Timeout {
		b.WriteString(" (timeout)")
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *ConnectionError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// ToolError reports a tool that was reached but failed. The connection that
// produced it is still usable.
type ToolError struct {
	ServerID string
	Tool     string
	Code     string
	Message  string
	Cause    error
}

func (e *ToolError) Error() string {
	if e == nil {
		return ""
	}
	code := strings.TrimSpace(e.Code)
	msg := strings.TrimSpace(e.Message)
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	prefix := "tool"
	if e.ServerID != "" || e.Tool != "" {
		prefix = fmt.Sprintf("tool %s:%s", e.ServerID, e.Tool)
	}
	switch {
	case code == "" && msg == "":
		return prefix + " failed"
	case code == "":
		return fmt.Sprintf("%s: %s", prefix, msg)
	case msg == "":
		return fmt.Sprintf("%s: %s", prefix, code)
	default:
		return fmt.Sprintf("%s: %s: %s", prefix, code, msg)
	}
}

func (e *ToolError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// NotFoundError reports an unknown id.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// InvalidStateError reports an operation that is not legal in the entity's
// current state.
type InvalidStateError struct {
	Resource string
	ID       string
	State    string
	Op       string
}

func (e *InvalidStateError) Error() string {
	if e == nil {
		return ""
	}
	if e.State == "" {
		return fmt.Sprintf("cannot %s %s %s", e.Op, e.Resource, e.ID)
	}
	return fmt.Sprintf("cannot %s %s %s in state %q", e.Op, e.Resource, e.ID, e.State)
}

// DuplicateNameError is returned when a name is already registered.
type DuplicateNameError struct {
	Resource string
	Name     string
}

func (e *DuplicateNameError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s %q already exists", e.Resource, e.Name)
}

// IsTimeout reports whether err represents an expired deadline, either as a
// ConnectionError flagged as a timeout or a context deadline.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	var connErr *ConnectionError
	if errors.As(err, &connErr) && connErr.Timeout {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsNotFound reports whether err is, or wraps, a NotFoundError.
func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

// IsValidation reports whether err is, or wraps, a ValidationError.
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}
