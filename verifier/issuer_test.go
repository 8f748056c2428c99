package verifier

import (
	"bytes"
	"testing"

	"auditor-zk/attestation"
	"auditor-zk/channel"
	"auditor-zk/commitment"
	"auditor-zk/shared"

	"github.com/stretchr/testify/require"
)

var (
	issuerSent   = []byte("GET /balance HTTP/1.1\r\nHost: sandbox.plaid.com\r\n\r\n")
	issuerRecv   = []byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\n{}")
	issuerSecret = bytes.Repeat([]byte{0x42}, commitment.SecretSize)
)

func revealRequest(t *testing.T, spec commitment.RevealSpec) channel.RevealRequestData {
	t.Helper()
	digest, err := commitment.CommitReveal(spec, issuerSent, issuerRecv, issuerSecret)
	require.NoError(t, err)
	return channel.RevealRequestData{Spec: spec, Commitment: digest.Bytes()}
}

func TestIssueSignsMatchingReveal(t *testing.T) {
	signer, err := shared.GenerateSigningKeyPair()
	require.NoError(t, err)
	issuer := NewIssuer(signer, testLogger(t))
	session := completedSession(t, issuerSent, issuerRecv, issuerSecret)

	spec := commitment.BuildRevealSpec(len(issuerSent), len(issuerRecv), true)
	req := revealRequest(t, spec)

	record, err := issuer.Issue(session, req)
	require.NoError(t, err)
	require.Equal(t, "sandbox.plaid.com", record.ServerIdentity)

	digest, err := commitment.DigestFromBytes(req.Commitment)
	require.NoError(t, err)
	ok, reason := attestation.VerifyCommitment(record, signer.PublicKey, digest)
	require.True(t, ok, reason)
	require.Equal(t, SessionStateRevealing, session.State())
}

func TestIssueWithholdsServerIdentity(t *testing.T) {
	signer, err := shared.GenerateSigningKeyPair()
	require.NoError(t, err)
	session := completedSession(t, issuerSent, issuerRecv, issuerSecret)

	spec := commitment.BuildRevealSpec(len(issuerSent), len(issuerRecv), false)
	record, err := NewIssuer(signer, nil).Issue(session, revealRequest(t, spec))
	require.NoError(t, err)
	require.Empty(t, record.ServerIdentity)
}

func TestIssueRejections(t *testing.T) {
	signer, err := shared.GenerateSigningKeyPair()
	require.NoError(t, err)
	full := commitment.BuildRevealSpec(len(issuerSent), len(issuerRecv), false)

	tests := []struct {
		name string
		req  func(t *testing.T) channel.RevealRequestData
		kind *shared.Error
	}{
		{
			name: "recv range beyond observed length",
			req: func(t *testing.T) channel.RevealRequestData {
				spec := full
				spec.Recv = []commitment.ByteRange{{Start: 0, End: len(issuerRecv) + 1}}
				return channel.RevealRequestData{Spec: spec, Commitment: make([]byte, commitment.DigestSize)}
			},
			kind: shared.ErrRangeOutOfBounds,
		},
		{
			name: "sent range beyond observed length",
			req: func(t *testing.T) channel.RevealRequestData {
				spec := full
				spec.Sent = []commitment.ByteRange{{Start: len(issuerSent), End: len(issuerSent) + 4}}
				return channel.RevealRequestData{Spec: spec, Commitment: make([]byte, commitment.DigestSize)}
			},
			kind: shared.ErrRangeOutOfBounds,
		},
		{
			name: "inverted range",
			req: func(t *testing.T) channel.RevealRequestData {
				spec := full
				spec.Recv = []commitment.ByteRange{{Start: 10, End: 5}}
				return channel.RevealRequestData{Spec: spec, Commitment: make([]byte, commitment.DigestSize)}
			},
			kind: shared.ErrRangeOutOfBounds,
		},
		{
			name: "nothing revealed",
			req: func(t *testing.T) channel.RevealRequestData {
				return channel.RevealRequestData{Spec: commitment.RevealSpec{}, Commitment: make([]byte, commitment.DigestSize)}
			},
			kind: shared.ErrRangeOutOfBounds,
		},
		{
			name: "digest over different bytes",
			req: func(t *testing.T) channel.RevealRequestData {
				forged := append([]byte(nil), issuerRecv...)
				forged[len(forged)-1] = ']'
				digest, err := commitment.CommitReveal(full, issuerSent, forged, issuerSecret)
				require.NoError(t, err)
				return channel.RevealRequestData{Spec: full, Commitment: digest.Bytes()}
			},
			kind: shared.ErrCommitmentMismatch,
		},
		{
			name: "digest with wrong secret",
			req: func(t *testing.T) channel.RevealRequestData {
				digest, err := commitment.CommitReveal(full, issuerSent, issuerRecv, bytes.Repeat([]byte{1}, 32))
				require.NoError(t, err)
				return channel.RevealRequestData{Spec: full, Commitment: digest.Bytes()}
			},
			kind: shared.ErrCommitmentMismatch,
		},
		{
			name: "truncated digest",
			req: func(t *testing.T) channel.RevealRequestData {
				req := revealRequest(t, full)
				req.Commitment = req.Commitment[:16]
				return req
			},
			kind: shared.ErrCommitmentMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session := completedSession(t, issuerSent, issuerRecv, issuerSecret)
			record, err := NewIssuer(signer, testLogger(t)).Issue(session, tt.req(t))
			require.Nil(t, record)
			require.ErrorIs(t, err, tt.kind)
		})
	}
}

func TestIssueRejectsSecondReveal(t *testing.T) {
	signer, err := shared.GenerateSigningKeyPair()
	require.NoError(t, err)
	issuer := NewIssuer(signer, testLogger(t))
	spec := commitment.BuildRevealSpec(len(issuerSent), len(issuerRecv), false)

	t.Run("after success", func(t *testing.T) {
		session := completedSession(t, issuerSent, issuerRecv, issuerSecret)
		_, err := issuer.Issue(session, revealRequest(t, spec))
		require.NoError(t, err)

		_, err = issuer.Issue(session, revealRequest(t, spec))
		require.ErrorIs(t, err, shared.ErrDuplicateReveal)
	})

	t.Run("after rejection", func(t *testing.T) {
		session := completedSession(t, issuerSent, issuerRecv, issuerSecret)
		bad := revealRequest(t, spec)
		bad.Commitment = make([]byte, commitment.DigestSize)
		_, err := issuer.Issue(session, bad)
		require.ErrorIs(t, err, shared.ErrCommitmentMismatch)

		_, err = issuer.Issue(session, revealRequest(t, spec))
		require.ErrorIs(t, err, shared.ErrDuplicateReveal)
	})
}

func TestRevealBeforeTranscriptComplete(t *testing.T) {
	sm := NewSessionManager(0)
	t.Cleanup(sm.Stop)
	session, err := sm.CreateSession(nil, channel.Limits{MaxSentData: 10, MaxRecvData: 10})
	require.NoError(t, err)

	_, err = session.BeginReveal()
	require.ErrorIs(t, err, shared.ErrProtocol)
}
