// Package errors defines the error taxonomy shared by the indexing and query
// core. Callers match sentinels with errors.Is; AppError attaches an HTTP
// status and a human-readable reason.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrShardUnavailable   = errors.New("shard unavailable")
	ErrVersionConflict    = errors.New("version conflict")
	ErrCursorExpired      = errors.New("scroll cursor expired")
	ErrPartialFailure     = errors.New("partial failure")
	ErrIndexAlreadyExists = errors.New("index already exists")
	ErrIndexNotFound      = errors.New("index not found")
	ErrDocumentNotFound   = errors.New("document not found")
	ErrUnavailable        = errors.New("service unavailable")
	ErrInvalidInput       = errors.New("invalid input")
	ErrMapping            = errors.New("mapping conflict")
	ErrTimeout            = errors.New("operation timed out")
	ErrInternal           = errors.New("internal error")
	// ErrReadOnly rejects client writes on a node that follows a remote writer.
	ErrReadOnly           = errors.New("index is read-only")
)

type AppError struct {
	Err        error
	Message    string
	StatusCode int
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(sentinel error, statusCode int, message string) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    message,
		StatusCode: statusCode,
	}
}

func Newf(sentinel error, statusCode int, format string, args ...any) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    fmt.Sprintf(format, args...),
		StatusCode: statusCode,
	}
}

// Wrapf annotates a sentinel with a formatted reason and the status that
// HTTPStatusCode would pick for it.
func Wrapf(sentinel error, format string, args ...any) *AppError {
	return Newf(sentinel, HTTPStatusCode(sentinel), format, args...)
}

func HTTPStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}

	switch {
	case errors.Is(err, ErrIndexNotFound), errors.Is(err, ErrDocumentNotFound), errors.Is(err, ErrCursorExpired):
		return http.StatusNotFound
	case errors.Is(err, ErrIndexAlreadyExists), errors.Is(err, ErrInvalidInput), errors.Is(err, ErrMapping):
		return http.StatusBadRequest
	case errors.Is(err, ErrVersionConflict):
		return http.StatusConflict
	case errors.Is(err, ErrReadOnly):
		return http.StatusForbidden
	case errors.Is(err, ErrShardUnavailable), errors.Is(err, ErrUnavailable), errors.Is(err, ErrPartialFailure):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Type returns the exception type name reported in error bodies, following
// the naming used by OpenSearch clients.
func Type(err error) string {
	switch {
	case errors.Is(err, ErrIndexNotFound):
		return "index_not_found_exception"
	case errors.Is(err, ErrIndexAlreadyExists):
		return "resource_already_exists_exception"
	case errors.Is(err, ErrDocumentNotFound):
		return "document_missing_exception"
	case errors.Is(err, ErrCursorExpired):
		return "search_context_missing_exception"
	case errors.Is(err, ErrVersionConflict):
		return "version_conflict_engine_exception"
	case errors.Is(err, ErrMapping):
		return "mapper_parsing_exception"
	case errors.Is(err, ErrReadOnly):
		return "cluster_block_exception"
	case errors.Is(err, ErrInvalidInput):
		return "illegal_argument_exception"
	case errors.Is(err, ErrShardUnavailable):
		return "unavailable_shards_exception"
	case errors.Is(err, ErrPartialFailure):
		return "search_phase_execution_exception"
	case errors.Is(err, ErrUnavailable):
		return "no_shard_available_action_exception"
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout_exception"
	default:
		return "exception"
	}
}

// IsRetryable reports whether err is a transient failure worth retrying
// against another shard copy. Version conflicts and missing resources are
// surfaced to the caller as-is.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrShardUnavailable)
}
