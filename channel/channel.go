// Package channel defines the secure-channel capability the prover drives and
// a conforming implementation that relays application bytes through the
// verifier over a WebSocket.
//
// The relay implementation does not hide plaintext from the verifier. It
// exists so the protocol around the channel (limits, transcript capture,
// commitment, reveal, attestation) can run end to end; an MPC-TLS engine
// plugs in behind the same interfaces.
package channel

import (
	"context"
	"crypto/ecdsa"

	"auditor-zk/attestation"
	"auditor-zk/commitment"
	"auditor-zk/transcript"
)

// Default per-session byte caps.
const (
	DefaultMaxSentData = 4096
	DefaultMaxRecvData = 16384
)

// Limits are the byte caps of one session, fixed at setup.
type Limits struct {
	MaxSentData int `json:"max_sent_data"`
	MaxRecvData int `json:"max_recv_data"`
}

// SetupParams configures one secure session.
type SetupParams struct {
	VerifierURL string
	// ProxyURL, when set, is the HTTP proxy used to reach the verifier.
	ProxyURL   string
	TargetHost string
	TargetPort int
	ServerName string
	Limits     Limits
}

// RevealRequest asks the verifier to attest to the bytes selected by Spec.
// Commitment is the prover's own digest over those bytes.
type RevealRequest struct {
	Spec       commitment.RevealSpec
	Commitment commitment.Digest
}

// Engine creates secure sessions.
type Engine interface {
	Setup(ctx context.Context, params SetupParams) (Handle, error)
}

// Handle is one established session. Methods that block honour ctx; when ctx
// expires they return ctx.Err() so the caller can classify the timeout.
type Handle interface {
	SessionID() string
	Limits() Limits

	// SignerPublicKey is the attestation key the verifier announced at setup.
	SignerPublicKey() *ecdsa.PublicKey

	// Send transmits application bytes to the server. Exceeding the sent cap
	// fails with RequestTooLarge and nothing is transmitted.
	Send(ctx context.Context, data []byte) error

	// CaptureTranscript waits for the server's response to be fully
	// delivered and returns the session transcript.
	CaptureTranscript(ctx context.Context) (*transcript.Transcript, error)

	// CommitmentSecret returns a copy of the per-session secret, or nil once
	// the handle is closed.
	CommitmentSecret() []byte

	Reveal(ctx context.Context, req RevealRequest) error
	AwaitAttestation(ctx context.Context) (*attestation.Record, error)

	// Close tears the session down and wipes its secret. Safe to call more
	// than once.
	Close() error
}
