// Package errors provides the structured error taxonomy shared by the
// aggregate runtime, the saga layer, and the cluster transport.
package errors

import "google.golang.org/grpc/codes"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// CodeValidation marks bad input rejected before anything is persisted.
	CodeValidation Code = "VALIDATION_ERROR"
	// CodeConflict marks aggregate existence or terminal-state conflicts.
	CodeConflict Code = "CONFLICT_ERROR"
	// CodeNotFound marks a command addressed to an aggregate that was never created.
	CodeNotFound Code = "NOT_FOUND"
	// CodePersistenceFailure marks a durable write that did not complete.
	CodePersistenceFailure Code = "PERSISTENCE_FAILURE"
	// CodeExternalServiceFailure marks a gateway or carrier call failure.
	CodeExternalServiceFailure Code = "EXTERNAL_SERVICE_FAILURE"
	// CodeTimeout marks a response that did not arrive within its bound.
	CodeTimeout Code = "TIMEOUT"
	// CodeIllegalTransition marks a trigger that is not valid from the current state.
	CodeIllegalTransition Code = "ILLEGAL_TRANSITION"
	// CodeUnavailable marks a shard or node that cannot serve the request right now.
	CodeUnavailable Code = "UNAVAILABLE"
)

// Retryable reports whether a caller may resubmit the same command (with the
// same correlation id) after receiving this code.
func (c Code) Retryable() bool {
	switch c {
	case CodePersistenceFailure, CodeTimeout, CodeUnavailable, CodeExternalServiceFailure:
		return true
	default:
		return false
	}
}

// GRPCCode maps domain codes to gRPC status codes.
func (c Code) GRPCCode() codes.Code {
	switch c {
	// InvalidArgument - validation failures, bad input
	case CodeValidation:
		return codes.InvalidArgument

	// FailedPrecondition - state doesn't allow operation
	case CodeConflict, CodeIllegalTransition:
		return codes.FailedPrecondition

	case CodeNotFound:
		return codes.NotFound

	case CodeTimeout:
		return codes.DeadlineExceeded

	case CodePersistenceFailure, CodeUnavailable, CodeExternalServiceFailure:
		return codes.Unavailable

	default:
		return codes.Internal
	}
}
