package prover

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"auditor-zk/attestation"
	"auditor-zk/shared"
	"auditor-zk/transcript"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testLogger(t *testing.T) *shared.Logger {
	return shared.WrapLogger(zaptest.NewLogger(t), "prover-test")
}

func TestRunQualifies(t *testing.T) {
	handle := newFakeHandle(httpResponse(twoAccountBody))
	engine := &fakeEngine{handle: handle}
	o := NewOrchestrator(testConfig(), staticRuntime(engine), testLogger(t))

	var phases []Phase
	o.OnPhaseChange = func(s Status) { phases = append(phases, s.Phase) }

	result, err := o.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, []Phase{
		PhaseInitialized,
		PhaseProverCreated,
		PhaseChannelEstablished,
		PhaseRequestSent,
		PhaseTranscriptCaptured,
		PhaseRevealed,
		PhaseAttestationReceived,
	}, phases)

	require.True(t, result.Decision.Qualifies)
	require.Equal(t, "20912.75", result.Balance.Total.StringFixed(2))
	require.Equal(t, "fake-session", result.SessionID)

	ok, reason := attestation.VerifyAttestation(result.Attestation, handle.signer.PublicKey)
	require.True(t, ok, reason)
	require.Equal(t, "sandbox.plaid.com", result.Attestation.ServerIdentity)
	require.True(t, handle.isClosed())

	require.Equal(t, "sandbox.plaid.com", engine.lastParams.TargetHost)
	require.Equal(t, 443, engine.lastParams.TargetPort)

	// The bearer token never leaves the prover.
	revealed, err := result.Spec.RevealedBytes(handle.sent, handle.recv)
	require.NoError(t, err)
	require.NotContains(t, string(revealed), "access-sandbox-secret-token")
	require.Contains(t, string(revealed), "Authorization: ")
	require.Contains(t, string(revealed), "15234.50")
}

func TestZeroPolicyWithholdsCredentials(t *testing.T) {
	cfg := testConfig()
	cfg.Policy = RevealPolicy{}
	handle := newFakeHandle(httpResponse(twoAccountBody))
	o := NewOrchestrator(cfg, staticRuntime(&fakeEngine{handle: handle}), testLogger(t))

	result, err := o.Run(context.Background())
	require.NoError(t, err)
	require.Contains(t, string(handle.sent), "access-sandbox-secret-token")

	revealed, err := result.Spec.RevealedBytes(handle.sent, handle.recv)
	require.NoError(t, err)
	require.NotContains(t, string(revealed), "access-sandbox-secret-token")
}

func TestRunBelowThreshold(t *testing.T) {
	cfg := testConfig()
	cfg.Threshold = cfg.Threshold.Mul(cfg.Threshold)
	o := NewOrchestrator(cfg, staticRuntime(&fakeEngine{handle: newFakeHandle(httpResponse(twoAccountBody))}), testLogger(t))

	result, err := o.Run(context.Background())
	require.NoError(t, err)
	require.False(t, result.Decision.Qualifies)
	require.NotNil(t, result.Attestation)
}

func TestRunRedactsBalances(t *testing.T) {
	cfg := testConfig()
	cfg.Policy.PrivateJSONPaths = transcript.DefaultBalancePaths
	handle := newFakeHandle(httpResponse(twoAccountBody))
	o := NewOrchestrator(cfg, staticRuntime(&fakeEngine{handle: handle}), testLogger(t))

	result, err := o.Run(context.Background())
	require.NoError(t, err)
	require.True(t, result.Decision.Qualifies)

	revealed, err := result.Spec.RevealedBytes(handle.sent, handle.recv)
	require.NoError(t, err)
	require.NotContains(t, string(revealed), "15234.50")
	require.NotContains(t, string(revealed), "5678.25")
	require.Contains(t, string(revealed), `"Checking"`)
}

func TestRunSchemaMismatchFails(t *testing.T) {
	handle := newFakeHandle(httpResponse(`{"items":[]}`))
	o := NewOrchestrator(testConfig(), staticRuntime(&fakeEngine{handle: handle}), testLogger(t))

	result, err := o.Run(context.Background())
	require.Nil(t, result)
	require.ErrorIs(t, err, shared.ErrSchemaMismatch)

	status := o.Status()
	require.Equal(t, PhaseFailed, status.Phase)
	require.ErrorIs(t, status.Err, shared.ErrSchemaMismatch)
	require.Nil(t, handle.revealed)
	require.True(t, handle.isClosed())

	_, err = o.Result()
	require.Error(t, err)
}

func TestRunMalformedResponseFails(t *testing.T) {
	handle := newFakeHandle([]byte("HTTP/1.1 200 OK\r\nContent-Length: 50\r\n\r\n{\"accounts\":[]}"))
	o := NewOrchestrator(testConfig(), staticRuntime(&fakeEngine{handle: handle}), testLogger(t))

	_, err := o.Run(context.Background())
	require.ErrorIs(t, err, shared.ErrMalformedResponse)
	require.Equal(t, PhaseFailed, o.Phase())
}

func TestStepsOutOfOrder(t *testing.T) {
	o := NewOrchestrator(testConfig(), staticRuntime(&fakeEngine{handle: newFakeHandle(nil)}), testLogger(t))

	err := o.Reveal(context.Background())
	require.ErrorIs(t, err, shared.ErrProtocol)
	require.Equal(t, PhaseFailed, o.Phase())

	// Failed is terminal.
	err = o.Initialize(context.Background())
	require.ErrorIs(t, err, shared.ErrProtocol)
	require.Equal(t, PhaseFailed, o.Phase())
}

func TestInitializeRepeatedIsNoop(t *testing.T) {
	o := NewOrchestrator(testConfig(), staticRuntime(&fakeEngine{handle: newFakeHandle(nil)}), testLogger(t))
	require.NoError(t, o.Initialize(context.Background()))
	require.NoError(t, o.Initialize(context.Background()))
	require.Equal(t, PhaseInitialized, o.Phase())

	require.NoError(t, o.CreateProver(context.Background()))
	require.ErrorIs(t, o.Initialize(context.Background()), shared.ErrProtocol)
	require.Equal(t, PhaseFailed, o.Phase())
}

func TestStepRepeatedFails(t *testing.T) {
	o := NewOrchestrator(testConfig(), staticRuntime(&fakeEngine{handle: newFakeHandle(nil)}), testLogger(t))
	require.NoError(t, o.Initialize(context.Background()))
	require.NoError(t, o.CreateProver(context.Background()))
	require.ErrorIs(t, o.CreateProver(context.Background()), shared.ErrProtocol)
	require.Equal(t, PhaseFailed, o.Phase())
}

func TestStepAfterAttestationKeepsResult(t *testing.T) {
	handle := newFakeHandle(httpResponse(twoAccountBody))
	o := NewOrchestrator(testConfig(), staticRuntime(&fakeEngine{handle: handle}), testLogger(t))
	_, err := o.Run(context.Background())
	require.NoError(t, err)

	require.ErrorIs(t, o.Reveal(context.Background()), shared.ErrProtocol)
	require.Equal(t, PhaseAttestationReceived, o.Phase())
	_, err = o.Result()
	require.NoError(t, err)
}

func TestCreateProverRejectsBadTarget(t *testing.T) {
	for _, target := range []string{"", "ftp://example.com/x", "https:///nohost", "https://example.com:99999/"} {
		t.Run(target, func(t *testing.T) {
			cfg := testConfig()
			cfg.TargetURL = target
			o := NewOrchestrator(cfg, staticRuntime(&fakeEngine{}), testLogger(t))
			require.NoError(t, o.Initialize(context.Background()))
			require.ErrorIs(t, o.CreateProver(context.Background()), shared.ErrConfiguration)
		})
	}
}

func TestEstablishChannelErrors(t *testing.T) {
	t.Run("setup timeout", func(t *testing.T) {
		cfg := testConfig()
		cfg.SetupTimeout = 20 * time.Millisecond
		o := NewOrchestrator(cfg, staticRuntime(&fakeEngine{blockSetup: true}), testLogger(t))
		_, err := o.Run(context.Background())
		require.ErrorIs(t, err, shared.ErrSetupTimeout)
	})

	t.Run("verifier unreachable", func(t *testing.T) {
		engine := &fakeEngine{setupErr: shared.Errorf(shared.KindVerifierUnreachable, "connection refused")}
		o := NewOrchestrator(testConfig(), staticRuntime(engine), testLogger(t))
		_, err := o.Run(context.Background())
		require.ErrorIs(t, err, shared.ErrVerifierUnreachable)
	})

	t.Run("verifier refusal keeps its kind", func(t *testing.T) {
		engine := &fakeEngine{setupErr: shared.Errorf(shared.KindServerRejected, "not allowed")}
		o := NewOrchestrator(testConfig(), staticRuntime(engine), testLogger(t))
		_, err := o.Run(context.Background())
		require.ErrorIs(t, err, shared.ErrServerRejected)
	})

	t.Run("untagged failure", func(t *testing.T) {
		engine := &fakeEngine{setupErr: errors.New("boom")}
		o := NewOrchestrator(testConfig(), staticRuntime(engine), testLogger(t))
		_, err := o.Run(context.Background())
		require.ErrorIs(t, err, shared.ErrProtocol)
	})
}

func TestRequestTooLarge(t *testing.T) {
	handle := newFakeHandle(httpResponse(twoAccountBody))
	handle.limits.MaxSentData = 32
	o := NewOrchestrator(testConfig(), staticRuntime(&fakeEngine{handle: handle}), testLogger(t))

	_, err := o.Run(context.Background())
	require.ErrorIs(t, err, shared.ErrRequestTooLarge)
	require.Empty(t, handle.sent)
	require.True(t, handle.isClosed())
}

func TestResponseTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.ResponseTimeout = 20 * time.Millisecond
	handle := newFakeHandle(nil)
	handle.blockCapture = true
	o := NewOrchestrator(cfg, staticRuntime(&fakeEngine{handle: handle}), testLogger(t))

	_, err := o.Run(context.Background())
	require.ErrorIs(t, err, shared.ErrResponseTimeout)
	require.Equal(t, PhaseFailed, o.Phase())
}

func TestRevealTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.RevealTimeout = 20 * time.Millisecond
	handle := newFakeHandle(httpResponse(twoAccountBody))
	handle.blockAwait = true
	o := NewOrchestrator(cfg, staticRuntime(&fakeEngine{handle: handle}), testLogger(t))

	_, err := o.Run(context.Background())
	require.ErrorIs(t, err, shared.ErrRevealTimeout)
	require.Equal(t, PhaseFailed, o.Phase())
	require.True(t, handle.isClosed())
	require.Nil(t, handle.CommitmentSecret())
}

func TestCancellationWipesSecret(t *testing.T) {
	handle := newFakeHandle(nil)
	handle.blockCapture = true
	o := NewOrchestrator(testConfig(), staticRuntime(&fakeEngine{handle: handle}), testLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	var runErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, runErr = o.Run(ctx)
	}()

	require.Eventually(t, func() bool { return o.Phase() == PhaseRequestSent }, time.Second, 5*time.Millisecond)
	cancel()
	wg.Wait()

	require.ErrorIs(t, runErr, shared.ErrCancelled)
	require.True(t, handle.isClosed())
	require.Nil(t, handle.CommitmentSecret())
}

func TestRevealRejectedWrapsVerifierKind(t *testing.T) {
	for _, kind := range []*shared.Error{shared.ErrCommitmentMismatch, shared.ErrRangeOutOfBounds, shared.ErrDuplicateReveal} {
		t.Run(string(kind.Kind), func(t *testing.T) {
			handle := newFakeHandle(httpResponse(twoAccountBody))
			handle.awaitErr = shared.Errorf(kind.Kind, "rejected by verifier")
			o := NewOrchestrator(testConfig(), staticRuntime(&fakeEngine{handle: handle}), testLogger(t))

			_, err := o.Run(context.Background())
			require.ErrorIs(t, err, shared.ErrRevealRejected)
			require.ErrorIs(t, err, kind)
			require.Equal(t, shared.KindRevealRejected, shared.KindOf(err))
		})
	}
}

func TestAttestationFromUnannouncedSigner(t *testing.T) {
	handle := newFakeHandle(httpResponse(twoAccountBody))
	other, err := shared.GenerateSigningKeyPair()
	require.NoError(t, err)
	handle.signer = other
	o := NewOrchestrator(testConfig(), staticRuntime(&fakeEngine{handle: handle}), testLogger(t))

	_, err = o.Run(context.Background())
	require.ErrorIs(t, err, shared.ErrProtocol)
	require.Equal(t, PhaseFailed, o.Phase())
}

func TestRequestBodyIsPrivate(t *testing.T) {
	cfg := testConfig()
	cfg.AuthToken = ""
	cfg.RequestBody = `{"client_id":"abc","secret":"very-secret","access_token":"tok"}`
	handle := newFakeHandle(httpResponse(twoAccountBody))
	o := NewOrchestrator(cfg, staticRuntime(&fakeEngine{handle: handle}), testLogger(t))

	result, err := o.Run(context.Background())
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(handle.sent, []byte("POST /accounts/balance/get HTTP/1.1\r\n")))

	revealed, err := result.Spec.RevealedBytes(handle.sent, handle.recv)
	require.NoError(t, err)
	require.NotContains(t, string(revealed), "very-secret")
}
