package core

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a request id is unknown.
	ErrNotFound = errors.New("consensus request not found")
	// ErrInvalidState is returned when an operation is not allowed in the
	// request's current status, e.g. cancelling a completed request.
	ErrInvalidState = errors.New("invalid request state")
	// ErrInvalidTransition is returned when a status change violates the
	// lifecycle graph or loses a race against another transition.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrNoResponses is returned by the resolver when no model answered.
	ErrNoResponses = errors.New("no model responses")
	// ErrValidation is the sentinel wrapped by every ValidationError.
	ErrValidation = errors.New("validation failed")
)

// ValidationError describes a rejected submission field.
type ValidationError struct {
	Field   string `json:"field"`
	Value   any    `json:"value,omitempty"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// TransitionError reports a rejected status change together with the status
// the request actually had.
type TransitionError struct {
	RequestID string
	From      Status
	To        Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("request %s: cannot transition from %s to %s", e.RequestID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// AdapterError wraps a single model call failure. The fan-out executor
// absorbs these; they never fail a request on their own.
type AdapterError struct {
	Model string
	Err   error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("model %s: %v", e.Model, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }
