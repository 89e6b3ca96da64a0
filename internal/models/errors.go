package models

import (
	"context"
	"errors"
	"fmt"
)

// Sentinels for the four failure classes. Every typed error below matches
// its sentinel with errors.Is.
var (
	ErrConfiguration        = errors.New("invalid configuration")
	ErrCancelled            = errors.New("operation cancelled")
	ErrClassifierInvocation = errors.New("classifier invocation failed")
	ErrSchemaMismatch       = errors.New("feature schema mismatch")
)

// ConfigurationError reports an invalid filter, scale or geometry setting.
// It is raised before any computation starts.
type ConfigurationError struct {
	Msg string
}

func NewConfigurationError(format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Msg: fmt.Sprintf(format, args...)}
}

func (e *ConfigurationError) Error() string { return "configuration: " + e.Msg }

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

// CancellationError reports that cooperative interruption was observed.
type CancellationError struct {
	// Op names the interrupted operation
	Op string
	// Cause is the context error that triggered the stop
	Cause error
}

func (e *CancellationError) Error() string {
	return fmt.Sprintf("%s cancelled: %v", e.Op, e.Cause)
}

func (e *CancellationError) Is(target error) bool { return target == ErrCancelled }

func (e *CancellationError) Unwrap() error { return e.Cause }

// ClassifierInvocationError wraps a failure raised by the classifier collaborator.
type ClassifierInvocationError struct {
	// Op is "fit", "predictClass", "predictDistribution" or "clone"
	Op string
	// Offset is the vector offset being classified, -1 when not applicable
	Offset int
	Err    error
}

func (e *ClassifierInvocationError) Error() string {
	if e.Offset >= 0 {
		return fmt.Sprintf("classifier %s failed at vector %d: %v", e.Op, e.Offset, e.Err)
	}
	return fmt.Sprintf("classifier %s failed: %v", e.Op, e.Err)
}

func (e *ClassifierInvocationError) Is(target error) bool { return target == ErrClassifierInvocation }

func (e *ClassifierInvocationError) Unwrap() error { return e.Err }

// SchemaMismatchError reports disagreement between training-time and
// inference-time feature vectors.
type SchemaMismatchError struct {
	Msg string
}

func NewSchemaMismatchError(format string, args ...any) *SchemaMismatchError {
	return &SchemaMismatchError{Msg: fmt.Sprintf(format, args...)}
}

func (e *SchemaMismatchError) Error() string { return "schema mismatch: " + e.Msg }

func (e *SchemaMismatchError) Is(target error) bool { return target == ErrSchemaMismatch }

// Cancelled converts a context error into a CancellationError. Other
// errors are returned unchanged.
func Cancelled(op string, err error) error {
	if err == nil {
		return nil
	}
	var ce *CancellationError
	if errors.As(err, &ce) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &CancellationError{Op: op, Cause: err}
	}
	return err
}

// CheckContext returns a CancellationError once ctx is done.
func CheckContext(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return &CancellationError{Op: op, Cause: err}
	}
	return nil
}
