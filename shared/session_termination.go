package shared

import (
	"errors"
	"sync"

	"go.uber.org/zap"
)

// TerminationReason represents the reason for session termination
type TerminationReason string

const (
	// Commitment and signing failures
	ReasonCommitmentMismatch TerminationReason = "commitment_mismatch"
	ReasonSigningFailed      TerminationReason = "signing_failed"

	// Reveal policy violations
	ReasonRangeOutOfBounds TerminationReason = "range_out_of_bounds"
	ReasonDuplicateReveal  TerminationReason = "duplicate_reveal"

	// Protocol violations
	ReasonMessageParsingFailed TerminationReason = "message_parsing_failed"
	ReasonUnknownMessageType   TerminationReason = "unknown_message_type"
	ReasonProtocolViolation    TerminationReason = "protocol_violation"

	// Limits
	ReasonRequestTooLarge  TerminationReason = "request_too_large"
	ReasonResponseTooLarge TerminationReason = "response_too_large"

	// Target and connectivity
	ReasonServerRejected  TerminationReason = "server_rejected"
	ReasonTargetFailure   TerminationReason = "target_failure"
	ReasonConnectionLost  TerminationReason = "connection_lost"
	ReasonTimeoutExceeded TerminationReason = "timeout_exceeded"

	// Session completed normally
	ReasonCompleted TerminationReason = "completed"

	ReasonInternalError TerminationReason = "internal_error"
)

// TerminationSeverity indicates how critical the termination reason is
type TerminationSeverity int

const (
	// SeverityLow - expected endings and peer-side network failures
	SeverityLow TerminationSeverity = iota
	// SeverityMedium - malformed or oversized input from the prover
	SeverityMedium
	// SeverityHigh - a prover tried to obtain a signature it is not entitled to
	SeverityHigh
)

// GetSeverity returns the severity level for a termination reason
func (r TerminationReason) GetSeverity() TerminationSeverity {
	switch r {
	case ReasonCommitmentMismatch,
		ReasonRangeOutOfBounds,
		ReasonDuplicateReveal,
		ReasonSigningFailed:
		return SeverityHigh

	case ReasonMessageParsingFailed,
		ReasonUnknownMessageType,
		ReasonProtocolViolation,
		ReasonRequestTooLarge,
		ReasonResponseTooLarge,
		ReasonServerRejected,
		ReasonInternalError:
		return SeverityMedium

	default:
		return SeverityLow
	}
}

// ReasonForError maps a tagged error onto a termination reason
func ReasonForError(err error) TerminationReason {
	if err == nil {
		return ReasonCompleted
	}
	switch KindOf(err) {
	case KindCommitmentMismatch:
		return ReasonCommitmentMismatch
	case KindRangeOutOfBounds, KindInvalidRange:
		return ReasonRangeOutOfBounds
	case KindDuplicateReveal:
		return ReasonDuplicateReveal
	case KindRequestTooLarge:
		return ReasonRequestTooLarge
	case KindResponseTooLarge:
		return ReasonResponseTooLarge
	case KindServerRejected, KindConfiguration:
		return ReasonServerRejected
	case KindChannelClosed:
		return ReasonConnectionLost
	case KindSetupTimeout, KindResponseTimeout, KindRevealTimeout, KindSessionExpired:
		return ReasonTimeoutExceeded
	case KindVerifierUnreachable:
		return ReasonTargetFailure
	case KindProtocol:
		var e *Error
		if errors.As(err, &e) {
			switch e.Phase {
			case "decode":
				return ReasonMessageParsingFailed
			case "sign":
				return ReasonSigningFailed
			}
		}
		return ReasonProtocolViolation
	default:
		return ReasonInternalError
	}
}

// SessionTerminator records why sessions ended and logs each ending once.
type SessionTerminator struct {
	logger     *Logger
	mu         sync.Mutex
	terminated map[string]TerminationReason
}

// NewSessionTerminator creates a new session terminator
func NewSessionTerminator(logger *Logger) *SessionTerminator {
	return &SessionTerminator{
		logger:     logger,
		terminated: make(map[string]TerminationReason),
	}
}

// Terminate logs the ending of a session at a level matching its severity and
// returns the reason. Repeated calls for the same session are no-ops.
func (st *SessionTerminator) Terminate(sessionID string, err error, fields ...zap.Field) TerminationReason {
	reason := ReasonForError(err)

	st.mu.Lock()
	if prev, done := st.terminated[sessionID]; done {
		st.mu.Unlock()
		return prev
	}
	st.terminated[sessionID] = reason
	st.mu.Unlock()

	if err != nil {
		fields = append(fields, zap.Error(err))
	}

	switch reason.GetSeverity() {
	case SeverityHigh:
		st.logger.Security("Session terminated after rejected reveal",
			append(fields, zap.String("session_id", sessionID), zap.String("reason", string(reason)))...)
	case SeverityMedium:
		st.logger.SessionTerminated(sessionID, reason, fields...)
	default:
		st.logger.WithSession(sessionID).Info("Session ended",
			append(fields, zap.String("reason", string(reason)))...)
	}
	return reason
}

// Reason returns the recorded termination reason for a session, if any
func (st *SessionTerminator) Reason(sessionID string) (TerminationReason, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	r, ok := st.terminated[sessionID]
	return r, ok
}

// CleanupSession removes tracking for a session
func (st *SessionTerminator) CleanupSession(sessionID string) {
	st.mu.Lock()
	delete(st.terminated, sessionID)
	st.mu.Unlock()
}
