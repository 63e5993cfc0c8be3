package sandbox

import (
	"errors"
	"fmt"
)

// Sentinel errors for typed error checking.
var (
	ErrTimeout            = errors.New("execution timed out")
	ErrOOM                = errors.New("out of memory")
	ErrCancelled          = errors.New("execution cancelled")
	ErrInvalidRequest     = errors.New("invalid execution request")
	ErrUnsupportedLang    = errors.New("unsupported language")
	ErrBackendUnavailable = errors.New("sandbox backend unavailable")
	ErrClosed             = errors.New("sandbox backend closed")
)

// ExecutionError wraps errors with execution context.
type ExecutionError struct {
	ExecID string
	Op     string // The operation that failed
	Err    error
}

func (e *ExecutionError) Error() string {
	if e.ExecID != "" {
		return fmt.Sprintf("execution %s: %s: %s", e.ExecID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// IsTimeout returns true if the error is a timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsOOM returns true if the error is an out-of-memory kill.
func IsOOM(err error) bool {
	return errors.Is(err, ErrOOM)
}

// IsCancelled returns true if the caller abandoned the execution.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}
