package cli

import (
	"errors"
	"fmt"

	"github.com/petal-labs/flowbridge/core"
)

// Process exit codes.
const (
	exitSuccess    = 0
	exitValidation = 1
	exitRuntime    = 2
	exitConnection = 3
	exitNotFound   = 4
	exitTimeout    = 10
)

// ExitError is an error that carries a specific process exit code.
// Cobra's RunE returns this to signal the desired exit code to main.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string {
	return e.Message
}

// exitError creates a new ExitError with the given code and formatted message.
func exitError(code int, format string, args ...any) *ExitError {
	return &ExitError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// exitFor maps err onto an exit code and prefixes its message with what.
func exitFor(err error, what string) *ExitError {
	return exitError(exitCodeOf(err), "%s: %v", what, err)
}

func exitCodeOf(err error) int {
	var (
		connErr     *core.ConnectionError
		dupErr      *core.DuplicateNameError
		frameErr    *core.UnsupportedFrameworkError
		formatErr   *core.UnsupportedFormatError
		existingErr *ExitError
	)
	switch {
	case err == nil:
		return exitSuccess
	case errors.As(err, &existingErr):
		return existingErr.Code
	case core.IsTimeout(err):
		return exitTimeout
	case core.IsNotFound(err):
		return exitNotFound
	case errors.As(err, &connErr):
		return exitConnection
	case core.IsValidation(err), errors.As(err, &dupErr), errors.As(err, &frameErr), errors.As(err, &formatErr):
		return exitValidation
	default:
		return exitRuntime
	}
}
