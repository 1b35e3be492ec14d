package core

import (
	"errors"
	"fmt"
)

// ErrorKind is the stable error taxonomy surfaced to callers. Kinds are part
// of the wire contract; do not rename.
type ErrorKind string

const (
	KindValidation            ErrorKind = "ValidationError"
	KindCycleDetected         ErrorKind = "CycleDetected"
	KindDanglingEdge          ErrorKind = "DanglingEdge"
	KindEmptyGraph            ErrorKind = "EmptyGraph"
	KindTimeout               ErrorKind = "Timeout"
	KindRuntimeError          ErrorKind = "RuntimeError"
	KindResourceExceeded      ErrorKind = "ResourceExceeded"
	KindUnknownNodeType       ErrorKind = "UnknownNodeType"
	KindOutputTooLarge        ErrorKind = "OutputTooLarge"
	KindDuplicateInputBinding ErrorKind = "DuplicateInputBinding"
	KindTransportError        ErrorKind = "TransportError"
	KindStateStoreError       ErrorKind = "StateStoreError"
	KindDeadlineExceeded      ErrorKind = "DeadlineExceeded"
	KindCancellationRequested ErrorKind = "CancellationRequested"
)

// Error is a typed node or execution outcome. Retryability is a flag on the
// value, not a matter of which error type was returned.
type Error struct {
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewError creates a non-retryable Error of the given kind.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// NewRetryable creates a retryable Error of the given kind.
func NewRetryable(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Retryable: true}
}

// AsError extracts a *Error from err, wrapping unknown errors as a
// retryable RuntimeError so callers always see a typed value.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	return NewRetryable(KindRuntimeError, "%s", err.Error())
}

// DedupKey builds the (execution-id, node-id, attempt) idempotency key.
func DedupKey(executionID, nodeID string, attempt int) string {
	return fmt.Sprintf("%s/%s/%d", executionID, nodeID, attempt)
}
