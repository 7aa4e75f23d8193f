package query

import (
	"errors"
	"time"

	"github.com/kiwiql/kiwi/internal/catalog"
	"github.com/kiwiql/kiwi/internal/federation"
)

// Lifecycle states of one query request. REJECTED, ATTACH_FAILED,
// EXECUTION_FAILED and SUCCEEDED are terminal.
const (
	StateReceived         = "RECEIVED"
	StateAuthorizing      = "AUTHORIZING"
	StateRejected         = "REJECTED"
	StateAuthorized       = "AUTHORIZED"
	StateAttachingSources = "ATTACHING_SOURCES"
	StateAttachFailed     = "ATTACH_FAILED"
	StateExecuting        = "EXECUTING"
	StateExecutionFailed  = "EXECUTION_FAILED"
	StateSucceeded        = "SUCCEEDED"
)

// Stable error codes surfaced to clients and written to the audit log.
const (
	CodePermissionDenied  = "PERMISSION_DENIED"
	CodeUnsafeStatement   = "UNSAFE_STATEMENT"
	CodeSourceUnavailable = "DATA_SOURCE_UNAVAILABLE"
	CodeQueryTimeout      = "QUERY_TIMEOUT"
	CodeEngineInternal    = "ENGINE_INTERNAL_ERROR"
	CodeNotFound          = "NOT_FOUND"
)

// ErrorCode maps an execution error onto its stable code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, federation.ErrPermissionDenied):
		return CodePermissionDenied
	case errors.Is(err, federation.ErrUnsafeStatement):
		return CodeUnsafeStatement
	case errors.Is(err, federation.ErrQueryTimeout):
		return CodeQueryTimeout
	case errors.Is(err, catalog.ErrNotFound):
		return CodeNotFound
	default:
		var attachErr *federation.AttachError
		if errors.As(err, &attachErr) {
			return CodeSourceUnavailable
		}
		return CodeEngineInternal
	}
}

type Request struct {
	SessionID string
	DatasetID string
	SQL       string
	RowLimit  int
	Preview   bool
}

type Result struct {
	Columns      []string
	Rows         [][]any
	MaskedTables []string
	Sources      []string
	State        string
	Duration     time.Duration
}
