package core

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateAgent      = errors.New("duplicate agent")
	ErrAgentBusy           = errors.New("agent busy")
	ErrUnknownAgent        = errors.New("unknown agent")
	ErrCapacityExceeded    = errors.New("capacity exceeded")
	ErrNotFound            = errors.New("no eligible task")
	ErrMaxAttemptsExceeded = errors.New("max attempts exceeded")
	ErrNoCapacityAvailable = errors.New("no capacity available")
	ErrTimeoutExceeded     = errors.New("timeout exceeded")

	ErrDuplicateTask     = errors.New("duplicate task")
	ErrUnknownTask       = errors.New("unknown task")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrCanceled          = errors.New("task canceled")
	ErrShutdown          = errors.New("orchestrator shut down")
)

// PermanentError marks a runner failure that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the supervisor records a fatal failure instead of
// scheduling a retry. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

// ValidationError represents an invalid agent descriptor or task submission.
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s=%q: %s", e.Field, e.Value, e.Message)
}
