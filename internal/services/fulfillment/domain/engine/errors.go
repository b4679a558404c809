package engine

import (
	"errors"

	apperrors "github.com/louisbranch/fulfillment/internal/platform/errors"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/command"
)

// nonRetryableError wraps an error to signal that retrying the operation
// would be harmful (e.g. duplicate event creation after a post-persist
// fold failure). Callers should use IsNonRetryable to detect this condition
// and surface a permanent failure instead of retrying.
type nonRetryableError struct {
	err error
}

func (e *nonRetryableError) Error() string { return e.err.Error() }
func (e *nonRetryableError) Unwrap() error { return e.err }

// NonRetryable returns true from IsNonRetryable checks.
func (e *nonRetryableError) NonRetryable() bool { return true }

// wrapNonRetryable marks an error as non-retryable.
func wrapNonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &nonRetryableError{err: err}
}

// IsNonRetryable returns true when the error (or any error in its chain)
// signals that the operation must not be retried.
func IsNonRetryable(err error) bool {
	var target interface{ NonRetryable() bool }
	if errors.As(err, &target) {
		return target.NonRetryable()
	}
	return false
}

// RejectionError converts a decider rejection into a typed platform error.
func RejectionError(streamID string, cmdType command.Type, rejection command.Rejection) error {
	code := apperrors.Code(rejection.Code)
	if code == "" {
		code = apperrors.CodeUnknown
	}
	return apperrors.WithMetadata(code, rejection.Message, map[string]string{
		"stream":  streamID,
		"command": string(cmdType),
	})
}
