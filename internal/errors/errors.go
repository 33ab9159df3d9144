package errors

import (
	"errors"
	"fmt"
	"time"
)

// Base error types
var (
	ErrSignatureInvalid   = errors.New("signature invalid")
	ErrMalformedPayload   = errors.New("malformed payload")
	ErrMissingCorrelation = errors.New("missing correlation")
	ErrNotFound           = errors.New("not found")
	ErrAlreadyProcessed   = errors.New("already processed")
	ErrUpstreamTransient  = errors.New("upstream transient")
	ErrSideEffectFailure  = errors.New("side effect failure")
)

// Kind categorizes an event-processing error. Only KindSignatureInvalid and
// KindMalformedPayload translate to a non-success webhook response; every
// other kind is absorbed so the provider does not redeliver.
type Kind string

const (
	KindSignatureInvalid   Kind = "signature_invalid"
	KindMalformedPayload   Kind = "malformed_payload"
	KindMissingCorrelation Kind = "missing_correlation"
	KindNotFound           Kind = "not_found"
	KindAlreadyProcessed   Kind = "already_processed"
	KindUpstreamTransient  Kind = "upstream_transient"
	KindSideEffectFailure  Kind = "side_effect_failure"
)

// EventError is a structured error for entitlement event processing.
type EventError struct {
	Kind       Kind
	Op         string // Operation that failed (e.g., "checkout_completed", "revoke_session")
	Ref        string // Correlation ref (subscription/session/invoice id) if known
	Err        error  // Underlying error
	StatusCode int    // Upstream HTTP status code if applicable
	Timestamp  time.Time
	Retryable  bool
}

func (e *EventError) Error() string {
	if e.Ref != "" {
		return fmt.Sprintf("%s failed for %s: %v", e.Op, e.Ref, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *EventError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *EventError) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrSignatureInvalid:
		return e.Kind == KindSignatureInvalid
	case ErrMalformedPayload:
		return e.Kind == KindMalformedPayload
	case ErrMissingCorrelation:
		return e.Kind == KindMissingCorrelation
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrAlreadyProcessed:
		return e.Kind == KindAlreadyProcessed
	case ErrUpstreamTransient:
		return e.Kind == KindUpstreamTransient
	case ErrSideEffectFailure:
		return e.Kind == KindSideEffectFailure
	}

	return errors.Is(e.Err, target)
}

// New creates a new EventError
func New(kind Kind, op, ref string, err error) *EventError {
	return &EventError{
		Kind:      kind,
		Op:        op,
		Ref:       ref,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: kind == KindUpstreamTransient,
	}
}

// WithStatusCode adds an upstream HTTP status code to the error
func (e *EventError) WithStatusCode(code int) *EventError {
	e.StatusCode = code
	if code >= 500 || code == 429 || code == 408 {
		e.Retryable = true
	} else if code >= 400 && code < 500 {
		e.Retryable = false
	}
	return e
}

// Helper constructors

// Malformed wraps a payload decoding failure.
func Malformed(op string, err error) error {
	return New(KindMalformedPayload, op, "", err)
}

// MissingCorrelation marks an event that cannot be tied to local records.
// Common for voluntary-contribution subscriptions that carry no metadata.
func MissingCorrelation(op, ref string) error {
	return New(KindMissingCorrelation, op, ref, ErrMissingCorrelation)
}

// AlreadyProcessed marks an idempotency short-circuit; callers treat it as
// success.
func AlreadyProcessed(op, ref string) error {
	return New(KindAlreadyProcessed, op, ref, ErrAlreadyProcessed)
}

// Upstream wraps a billing-system call failure with upstream context.
func Upstream(op, ref string, err error, statusCode int) error {
	return New(KindUpstreamTransient, op, ref, err).WithStatusCode(statusCode)
}

// SideEffect wraps a failed side effect (membership sync, email, transfer).
func SideEffect(op, ref string, err error) error {
	return New(KindSideEffectFailure, op, ref, err)
}

// IsRetryable checks if an error should be retried on a later pass
func IsRetryable(err error) bool {
	var evErr *EventError
	if errors.As(err, &evErr) {
		return evErr.Retryable
	}
	return errors.Is(err, ErrUpstreamTransient)
}

// IsRejectable reports whether the webhook surface must answer non-success.
// Everything else is absorbed to avoid provider redelivery storms.
func IsRejectable(err error) bool {
	return errors.Is(err, ErrSignatureInvalid) || errors.Is(err, ErrMalformedPayload)
}

// KindOf extracts the error kind, defaulting to side-effect failure for
// unclassified errors from sub-flows.
func KindOf(err error) Kind {
	var evErr *EventError
	if errors.As(err, &evErr) {
		return evErr.Kind
	}
	return KindSideEffectFailure
}
