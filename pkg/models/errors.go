package models

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrorKind enumerates the runtime's error taxonomy. Every error crossing a
// component boundary is a *Error carrying one of these kinds.
type ErrorKind string

// Error kinds.
const (
	KindInvalidStateTransition ErrorKind = "invalid_state_transition"
	KindInvalidMessage         ErrorKind = "invalid_message"
	KindDomainViolation        ErrorKind = "domain_violation"
	KindAuthenticationFailed   ErrorKind = "authentication_failed"
	KindAuthorizationFailed    ErrorKind = "authorization_failed"
	KindInvalidAPIKeyFormat    ErrorKind = "invalid_api_key_format"
	KindUnavailable            ErrorKind = "unavailable"
	KindTimeout                ErrorKind = "timeout"
	KindUpstream               ErrorKind = "upstream"
	KindNotFound               ErrorKind = "not_found"
	KindInternal               ErrorKind = "internal"
)

// Unavailable reasons used across the runtime.
const (
	ReasonBackpressure = "backpressure"
	ReasonShuttingDown = "shutting_down"
	ReasonMemoryFull   = "memory_full"
)

// Error is the tagged error type for the whole runtime. Kind-specific fields
// are populated only for their kind; everything else stays zero.
type Error struct {
	Kind ErrorKind

	// InvalidStateTransition
	From AgentState
	To   AgentState

	// InvalidMessage / DomainViolation / Unavailable
	Reason string
	Rule   string

	// AuthorizationFailed
	Required AuthLevel
	Actual   AuthLevel

	// Upstream
	Provider  string
	Retriable bool

	// Internal. Context is for logs only; CorrelationID is what the caller
	// sees instead.
	Context       string
	CorrelationID string

	cause error
}

// Error renders the caller-safe message. Internal detail never leaks: an
// Internal error renders only its correlation id.
func (e *Error) Error() string {
	switch e.Kind {
	case KindInvalidStateTransition:
		return fmt.Sprintf("invalid state transition from %s to %s", e.From, e.To)
	case KindInvalidMessage:
		return fmt.Sprintf("invalid message: %s", e.Reason)
	case KindDomainViolation:
		return fmt.Sprintf("domain violation: %s", e.Rule)
	case KindAuthenticationFailed:
		return "authentication failed"
	case KindAuthorizationFailed:
		return fmt.Sprintf("authorization failed: requires %s, have %s", e.Required, e.Actual)
	case KindInvalidAPIKeyFormat:
		return "invalid api key format"
	case KindUnavailable:
		return fmt.Sprintf("unavailable: %s", e.Reason)
	case KindTimeout:
		return "timed out"
	case KindUpstream:
		if e.Retriable {
			return fmt.Sprintf("upstream provider %s failed (retriable)", e.Provider)
		}
		return fmt.Sprintf("upstream provider %s failed", e.Provider)
	case KindNotFound:
		return "not found"
	case KindInternal:
		return fmt.Sprintf("internal error (correlation id %s)", e.CorrelationID)
	default:
		return string(e.Kind)
	}
}

// Unwrap exposes the wrapped cause for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.cause }

// Is matches another *Error by kind, so errors.Is(err, &Error{Kind: k})
// works without comparing payload fields.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// KindOf returns the taxonomy kind of err, or KindInternal for foreign errors.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// NewInvalidTransitionError reports an illegal state-machine step.
func NewInvalidTransitionError(from, to AgentState) *Error {
	return &Error{Kind: KindInvalidStateTransition, From: from, To: to}
}

// NewInvalidMessageError reports a message validation failure.
func NewInvalidMessageError(reason string) *Error {
	return &Error{Kind: KindInvalidMessage, Reason: reason}
}

// NewDomainViolationError reports a broken domain rule.
func NewDomainViolationError(rule string) *Error {
	return &Error{Kind: KindDomainViolation, Rule: rule}
}

// NewAuthenticationError reports a failed credential check. No internal
// detail is attached on purpose.
func NewAuthenticationError() *Error {
	return &Error{Kind: KindAuthenticationFailed}
}

// NewAuthorizationError reports an insufficient auth level. The actual level
// is included only for callers that successfully authenticated.
func NewAuthorizationError(required, actual AuthLevel) *Error {
	return &Error{Kind: KindAuthorizationFailed, Required: required, Actual: actual}
}

// NewInvalidAPIKeyError reports a malformed credential.
func NewInvalidAPIKeyError() *Error {
	return &Error{Kind: KindInvalidAPIKeyFormat}
}

// NewUnavailableError reports backpressure, shutdown, or an unhealthy
// downstream. Retriable from the caller's perspective; never retried
// internally.
func NewUnavailableError(reason string) *Error {
	return &Error{Kind: KindUnavailable, Reason: reason}
}

// NewTimeoutError reports an elapsed deadline.
func NewTimeoutError() *Error {
	return &Error{Kind: KindTimeout}
}

// NewUpstreamError wraps an adapter failure. retriable follows provider
// semantics: rate limits and 5xx are retriable, auth and schema errors not.
func NewUpstreamError(provider string, retriable bool, cause error) *Error {
	return &Error{Kind: KindUpstream, Provider: provider, Retriable: retriable, cause: cause}
}

// NewNotFoundError reports a missing record.
func NewNotFoundError() *Error {
	return &Error{Kind: KindNotFound}
}

// NewInternalError wraps a defect with a log-only context string and a fresh
// correlation id for the caller-visible side.
func NewInternalError(context string, cause error) *Error {
	return &Error{
		Kind:          KindInternal,
		Context:       context,
		CorrelationID: uuid.NewString(),
		cause:         cause,
	}
}
