package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/kilupskalvis/revec/internal/index"
	"github.com/kilupskalvis/revec/internal/models"
	"github.com/kilupskalvis/revec/internal/store"
	"github.com/samber/oops"
)

// Sentinel errors returned by Engine operations. Check them with errors.Is.
var (
	ErrDimensionMismatch  = errors.New("vector dimension mismatch")
	ErrConflictExceeded   = errors.New("revision conflict retries exceeded")
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrTimedOut           = errors.New("query timed out")
	ErrInvalidInput       = errors.New("invalid input")
	ErrRevisionNotFound   = errors.New("revision not found")
)

// Error codes attached to returned errors.
const (
	CodeInvalidInput       = "engine.input.invalid"
	CodeDimensionMismatch  = "engine.vector.dimension_mismatch"
	CodeConflictExceeded   = "engine.revision.conflict_exceeded"
	CodeBackendUnavailable = "engine.backend.unavailable"
	CodeTimedOut           = "engine.query.timeout"
	CodeRevisionNotFound   = "engine.revision.not_found"
	CodeInternal           = "engine.internal.failure"
)

// newError wraps sentinel (and cause, when set) with a code and structured context.
func newError(code string, sentinel, cause error, kv ...any) error {
	inner := sentinel
	if cause != nil {
		inner = fmt.Errorf("%w: %w", sentinel, cause)
	}
	return oops.Code(code).With(kv...).Wrap(inner)
}

// classify maps a failure from the store, the index or the context onto the
// engine's sentinels. op names the failing step.
func classify(op string, err error, kv ...any) error {
	if err == nil {
		return nil
	}
	if CodeOf(err) != "" {
		return err
	}
	kv = append(kv, "op", op)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return newError(CodeTimedOut, ErrTimedOut, err, kv...)
	case errors.Is(err, store.ErrUnavailable), errors.Is(err, index.ErrUnavailable):
		return newError(CodeBackendUnavailable, ErrBackendUnavailable, err, kv...)
	case errors.Is(err, store.ErrDimensionMismatch):
		return newError(CodeDimensionMismatch, ErrDimensionMismatch, err, kv...)
	case errors.Is(err, store.ErrInvalidEntityID), errors.Is(err, models.ErrInvalidMetadata):
		return newError(CodeInvalidInput, ErrInvalidInput, err, kv...)
	default:
		return oops.Code(CodeInternal).With(kv...).Wrapf(err, "%s", op)
	}
}

// CodeOf returns the code attached to err, or "" when err carries none.
func CodeOf(err error) string {
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}
	if code := oopsErr.Code(); code != nil {
		return fmt.Sprint(code)
	}
	return ""
}

// FieldsOf returns the structured context attached to err.
func FieldsOf(err error) map[string]any {
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return nil
	}
	return oopsErr.Context()
}
