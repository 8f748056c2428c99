package prover

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"sync"
	"time"

	"auditor-zk/attestation"
	"auditor-zk/channel"
	"auditor-zk/commitment"
	"auditor-zk/shared"
	"auditor-zk/transcript"
)

const twoAccountBody = `{"accounts":[` +
	`{"name":"Checking","balances":{"current":15234.50,"available":15000}},` +
	`{"name":"Savings","balances":{"current":5678.25,"available":null}}]}`

func httpResponse(body string) []byte {
	return []byte(fmt.Sprintf("HTTP/1.1 200 OK\r\nContent-Type: application/json\r\nContent-Length: %d\r\n\r\n%s",
		len(body), body))
}

// fakeHandle plays both the channel and the verifier: it answers the request
// with a canned response and signs whatever reveal it receives.
type fakeHandle struct {
	mu sync.Mutex

	limits    channel.Limits
	announced *shared.SigningKeyPair
	signer    *shared.SigningKeyPair
	secret    *commitment.Secret
	recv      []byte
	sent      []byte

	blockCapture bool
	blockAwait   bool
	awaitErr     error

	revealed *channel.RevealRequest
	closed   bool
}

func newFakeHandle(recv []byte) *fakeHandle {
	signer, err := shared.GenerateSigningKeyPair()
	if err != nil {
		panic(err)
	}
	secret := make([]byte, commitment.SecretSize)
	for i := range secret {
		secret[i] = byte(i)
	}
	return &fakeHandle{
		limits:    channel.Limits{MaxSentData: channel.DefaultMaxSentData, MaxRecvData: channel.DefaultMaxRecvData},
		announced: signer,
		signer:    signer,
		secret:    commitment.NewSecret(secret),
		recv:      recv,
	}
}

func (h *fakeHandle) SessionID() string                 { return "fake-session" }
func (h *fakeHandle) Limits() channel.Limits            { return h.limits }
func (h *fakeHandle) SignerPublicKey() *ecdsa.PublicKey { return h.announced.PublicKey }

func (h *fakeHandle) Send(ctx context.Context, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.sent)+len(data) > h.limits.MaxSentData {
		return shared.Errorf(shared.KindRequestTooLarge, "too large")
	}
	h.sent = append(h.sent, data...)
	return nil
}

func (h *fakeHandle) CaptureTranscript(ctx context.Context) (*transcript.Transcript, error) {
	if h.blockCapture {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return transcript.New(h.sent, h.recv), nil
}

func (h *fakeHandle) CommitmentSecret() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	if b := h.secret.Bytes(); b != nil {
		return append([]byte(nil), b...)
	}
	return nil
}

func (h *fakeHandle) Reveal(ctx context.Context, req channel.RevealRequest) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.revealed = &req
	return nil
}

func (h *fakeHandle) AwaitAttestation(ctx context.Context) (*attestation.Record, error) {
	if h.blockAwait {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if h.awaitErr != nil {
		return nil, h.awaitErr
	}
	h.mu.Lock()
	req := h.revealed
	h.mu.Unlock()
	return attestation.Sign(attestation.Statement{
		Digest:         req.Commitment,
		Spec:           req.Spec,
		ServerIdentity: "sandbox.plaid.com",
		IssuedAt:       time.Now(),
	}, h.signer)
}

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	h.secret.Wipe()
	return nil
}

func (h *fakeHandle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

type fakeEngine struct {
	handle       *fakeHandle
	setupErr     error
	blockSetup   bool
	lastParams   channel.SetupParams
	setupInvoked int
}

func (e *fakeEngine) Setup(ctx context.Context, params channel.SetupParams) (channel.Handle, error) {
	e.setupInvoked++
	e.lastParams = params
	if e.blockSetup {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if e.setupErr != nil {
		return nil, e.setupErr
	}
	return e.handle, nil
}

func staticRuntime(engine channel.Engine) *Runtime {
	return NewRuntime(func(ctx context.Context) (channel.Engine, error) {
		return engine, nil
	})
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.TargetURL = "https://sandbox.plaid.com/accounts/balance/get"
	cfg.AuthToken = "access-sandbox-secret-token"
	cfg.SetupTimeout = 5 * time.Second
	cfg.ResponseTimeout = 5 * time.Second
	cfg.RevealTimeout = 5 * time.Second
	return cfg
}
