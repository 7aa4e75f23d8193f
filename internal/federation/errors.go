package federation

import (
	"errors"
	"fmt"
)

// ErrPermissionDenied marks a request whose caller lacks dataset access.
var ErrPermissionDenied = errors.New("permission denied")

// ErrUnsafeStatement marks SQL that is not a plain read-only SELECT.
var ErrUnsafeStatement = errors.New("unsafe statement")

// ErrQueryTimeout marks a statement cancelled by the execution deadline.
var ErrQueryTimeout = errors.New("query timed out")

// AttachError wraps a failure to attach one bound data source. The alias
// identifies which binding failed so callers can report it precisely.
type AttachError struct {
	Alias string
	Err   error
}

func (e *AttachError) Error() string {
	return fmt.Sprintf("attach source %q: %v", e.Alias, e.Err)
}

func (e *AttachError) Unwrap() error {
	return e.Err
}

// EngineError wraps unexpected engine failures that are neither timeouts
// nor attach problems.
type EngineError struct {
	Err error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("engine: %v", e.Err)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}
