package shared

import (
	"errors"
	"fmt"
)

// ErrorKind classifies every failure that crosses a component boundary.
// Kinds travel over the wire in error messages, so their string values are
// part of the protocol.
type ErrorKind string

const (
	KindConfiguration       ErrorKind = "configuration_error"
	KindVerifierUnreachable ErrorKind = "verifier_unreachable"
	KindSetupTimeout        ErrorKind = "setup_timeout"
	KindRequestTooLarge     ErrorKind = "request_too_large"
	KindResponseTooLarge    ErrorKind = "response_too_large"
	KindResponseTimeout     ErrorKind = "response_timeout"
	KindChannelClosed       ErrorKind = "channel_closed"
	KindMalformedResponse   ErrorKind = "malformed_response"
	KindSchemaMismatch      ErrorKind = "schema_mismatch"
	KindInvalidRange        ErrorKind = "invalid_range"
	KindRevealRejected      ErrorKind = "reveal_rejected"
	KindRevealTimeout       ErrorKind = "reveal_timeout"
	KindDuplicateReveal     ErrorKind = "duplicate_reveal"
	KindRangeOutOfBounds    ErrorKind = "range_out_of_bounds"
	KindCommitmentMismatch  ErrorKind = "commitment_mismatch"
	KindProtocol            ErrorKind = "protocol_error"
	KindServerRejected      ErrorKind = "server_rejected"
	KindCancelled           ErrorKind = "cancelled"
	KindSessionExpired      ErrorKind = "session_expired"
)

// Error is the base error type for all protocol errors
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Phase   string    `json:"phase,omitempty"`
	Message string    `json:"message"`
	Cause   error     `json:"-"`
}

// Error implements the error interface
func (e *Error) Error() string {
	prefix := string(e.Kind)
	if e.Phase != "" {
		prefix = fmt.Sprintf("%s [%s]", e.Kind, e.Phase)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", prefix, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

// Unwrap implements the error unwrapping interface
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports kind equality so the sentinels below match any wrapped instance.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) || t == nil {
		return false
	}
	return t.Kind == e.Kind && t.Message == "" && t.Phase == ""
}

// Sentinels for errors.Is.
var (
	ErrConfiguration       = &Error{Kind: KindConfiguration}
	ErrVerifierUnreachable = &Error{Kind: KindVerifierUnreachable}
	ErrSetupTimeout        = &Error{Kind: KindSetupTimeout}
	ErrRequestTooLarge     = &Error{Kind: KindRequestTooLarge}
	ErrResponseTooLarge    = &Error{Kind: KindResponseTooLarge}
	ErrResponseTimeout     = &Error{Kind: KindResponseTimeout}
	ErrChannelClosed       = &Error{Kind: KindChannelClosed}
	ErrMalformedResponse   = &Error{Kind: KindMalformedResponse}
	ErrSchemaMismatch      = &Error{Kind: KindSchemaMismatch}
	ErrInvalidRange        = &Error{Kind: KindInvalidRange}
	ErrRevealRejected      = &Error{Kind: KindRevealRejected}
	ErrRevealTimeout       = &Error{Kind: KindRevealTimeout}
	ErrDuplicateReveal     = &Error{Kind: KindDuplicateReveal}
	ErrRangeOutOfBounds    = &Error{Kind: KindRangeOutOfBounds}
	ErrCommitmentMismatch  = &Error{Kind: KindCommitmentMismatch}
	ErrProtocol            = &Error{Kind: KindProtocol}
	ErrServerRejected      = &Error{Kind: KindServerRejected}
	ErrCancelled           = &Error{Kind: KindCancelled}
	ErrSessionExpired      = &Error{Kind: KindSessionExpired}
)

// NewError creates a new tagged error
func NewError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Errorf creates a tagged error with a formatted message and no cause.
func Errorf(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// NewPhaseError creates a tagged error attributed to a protocol phase
func NewPhaseError(kind ErrorKind, phase string, message string, cause error) *Error {
	return &Error{Kind: kind, Phase: phase, Message: message, Cause: cause}
}

// NewConfigurationError creates a new configuration error
func NewConfigurationError(field string, message string) *Error {
	return &Error{
		Kind:    KindConfiguration,
		Message: fmt.Sprintf("configuration error in field '%s': %s", field, message),
	}
}

// NewProtocolError creates a new protocol error
func NewProtocolError(phase string, message string, cause error) *Error {
	return &Error{Kind: KindProtocol, Phase: phase, Message: message, Cause: cause}
}

// KindOf returns the kind of the outermost tagged error in err's chain, or
// the empty kind when err carries none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
