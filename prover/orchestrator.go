// Package prover drives the attestation protocol from the prover's side:
// secure session setup, the balance request, transcript capture, the
// threshold decision, the reveal and the returned attestation.
package prover

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"auditor-zk/attestation"
	"auditor-zk/channel"
	"auditor-zk/commitment"
	"auditor-zk/shared"
	"auditor-zk/threshold"
	"auditor-zk/transcript"

	"go.uber.org/zap"
)

// Result is what a completed session hands back to the caller.
type Result struct {
	SessionID   string
	Decision    threshold.Decision
	Balance     *transcript.BalanceRecord
	Spec        commitment.RevealSpec
	Digest      commitment.Digest
	Attestation *attestation.Record
}

// Status is the single externally visible state of a session.
type Status struct {
	Phase   Phase
	Message string
	Err     error
}

// Orchestrator runs one session. It is not reusable: once it reaches
// AttestationReceived or Failed a new Orchestrator is needed.
type Orchestrator struct {
	config  *Config
	runtime *Runtime
	logger  *shared.Logger

	// OnPhaseChange, when set, is called after every transition.
	OnPhaseChange func(Status)

	mu      sync.Mutex
	phase   Phase
	message string
	err     error

	engine     channel.Engine
	target     *target
	handle     channel.Handle
	request    *Request
	transcript *transcript.Transcript
	balance    *transcript.BalanceRecord
	decision   threshold.Decision
	spec       commitment.RevealSpec
	digest     commitment.Digest
	record     *attestation.Record
}

func NewOrchestrator(config *Config, runtime *Runtime, logger *shared.Logger) *Orchestrator {
	if logger == nil {
		logger = shared.NopLogger()
	}
	return &Orchestrator{
		config:  config,
		runtime: runtime,
		logger:  logger,
		phase:   PhaseIdle,
		message: "waiting to start",
	}
}

// Status returns the current phase, message and, once failed, the error.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Status{Phase: o.phase, Message: o.message, Err: o.err}
}

func (o *Orchestrator) Phase() Phase {
	return o.Status().Phase
}

// Run executes every step in order.
func (o *Orchestrator) Run(ctx context.Context) (*Result, error) {
	steps := []func(context.Context) error{
		o.Initialize,
		o.CreateProver,
		o.EstablishChannel,
		o.SendRequest,
		o.CaptureTranscript,
		o.Reveal,
		o.AwaitAttestation,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			return nil, err
		}
	}
	return o.Result()
}

// Result is available once the attestation has been received.
func (o *Orchestrator) Result() (*Result, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.phase != PhaseAttestationReceived {
		return nil, shared.NewProtocolError("result", fmt.Sprintf("no result in phase %s", o.phase), nil)
	}
	sessionID := ""
	if o.handle != nil {
		sessionID = o.handle.SessionID()
	}
	return &Result{
		SessionID:   sessionID,
		Decision:    o.decision,
		Balance:     o.balance,
		Spec:        o.spec,
		Digest:      o.digest,
		Attestation: o.record,
	}, nil
}

// Initialize loads the channel engine. Calling it again once initialized is a
// no-op.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	if o.Phase() == PhaseInitialized {
		return nil
	}
	if err := o.expect(PhaseIdle, "initialize"); err != nil {
		return err
	}
	engine, err := o.runtime.Init(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return o.fail(shared.NewError(shared.KindCancelled, "cancelled while loading the channel engine", ctx.Err()))
		}
		if shared.KindOf(err) == "" {
			err = shared.NewConfigurationError("engine", err.Error())
		}
		return o.fail(err)
	}
	o.engine = engine
	o.advance(PhaseInitialized, "channel engine ready")
	return nil
}

// CreateProver fixes the target and the session limits.
func (o *Orchestrator) CreateProver(ctx context.Context) error {
	if err := o.expect(PhaseInitialized, "create prover"); err != nil {
		return err
	}
	t, err := parseTarget(o.config.TargetURL)
	if err != nil {
		return o.fail(err)
	}
	if o.config.Limits.MaxSentData <= 0 || o.config.Limits.MaxRecvData <= 0 {
		return o.fail(shared.NewConfigurationError("limits", "byte limits must be positive"))
	}
	o.target = t
	o.advance(PhaseProverCreated, fmt.Sprintf("prover for %s", t.serverName))
	return nil
}

// EstablishChannel opens the secure session through the verifier.
func (o *Orchestrator) EstablishChannel(ctx context.Context) error {
	if err := o.expect(PhaseProverCreated, "establish channel"); err != nil {
		return err
	}
	phaseCtx, cancel := context.WithTimeout(ctx, o.config.SetupTimeout)
	defer cancel()

	handle, err := o.engine.Setup(phaseCtx, channel.SetupParams{
		VerifierURL: o.config.VerifierURL,
		ProxyURL:    o.config.ProxyURL,
		TargetHost:  o.target.host,
		TargetPort:  o.target.port,
		ServerName:  o.target.serverName,
		Limits:      o.config.Limits,
	})
	if err != nil {
		return o.fail(classify(ctx, phaseCtx, err, shared.KindSetupTimeout, "setup"))
	}
	o.handle = handle
	o.advance(PhaseChannelEstablished, fmt.Sprintf("session %s established", handle.SessionID()))
	return nil
}

// SendRequest sends the balance request.
func (o *Orchestrator) SendRequest(ctx context.Context) error {
	if err := o.expect(PhaseChannelEstablished, "send request"); err != nil {
		return err
	}

	builder := NewRequestBuilder(o.target.url)
	if o.config.Policy.PrivateHeaders != nil {
		builder.PrivateHeaders = o.config.Policy.PrivateHeaders
	}
	for k, v := range o.config.Headers {
		builder.Header.Set(k, v)
	}
	if o.config.AuthToken != "" {
		builder.Header.Set("Authorization", "Bearer "+o.config.AuthToken)
	}
	if o.config.RequestBody != "" {
		builder.Method = http.MethodPost
		builder.Body = []byte(o.config.RequestBody)
		builder.PrivateBody = true
		if builder.Header.Get("Content-Type") == "" {
			builder.Header.Set("Content-Type", "application/json")
		}
	}

	req, err := builder.Build()
	if err != nil {
		return o.fail(err)
	}
	if limit := o.handle.Limits().MaxSentData; len(req.Bytes) > limit {
		return o.fail(shared.Errorf(shared.KindRequestTooLarge,
			"request of %d bytes exceeds the %d byte sent limit", len(req.Bytes), limit))
	}
	if err := o.handle.Send(ctx, req.Bytes); err != nil {
		return o.fail(classify(ctx, ctx, err, shared.KindChannelClosed, "send"))
	}
	o.request = req
	o.advance(PhaseRequestSent, fmt.Sprintf("sent %d byte request", len(req.Bytes)))
	return nil
}

// CaptureTranscript waits for the full response.
func (o *Orchestrator) CaptureTranscript(ctx context.Context) error {
	if err := o.expect(PhaseRequestSent, "capture transcript"); err != nil {
		return err
	}
	phaseCtx, cancel := context.WithTimeout(ctx, o.config.ResponseTimeout)
	defer cancel()

	tr, err := o.handle.CaptureTranscript(phaseCtx)
	if err != nil {
		return o.fail(classify(ctx, phaseCtx, err, shared.KindResponseTimeout, "capture"))
	}
	o.transcript = tr
	o.advance(PhaseTranscriptCaptured,
		fmt.Sprintf("captured %d sent / %d received bytes", tr.SentLen(), tr.RecvLen()))
	return nil
}

// Reveal parses the balance, decides qualification, commits and asks the
// verifier to attest.
func (o *Orchestrator) Reveal(ctx context.Context) error {
	if err := o.expect(PhaseTranscriptCaptured, "reveal"); err != nil {
		return err
	}

	balance, _, err := transcript.ParseBalanceResponse(o.transcript.Recv())
	if err != nil {
		return o.fail(err)
	}
	decision := threshold.Decide(balance.Total, o.config.Threshold)

	spec, err := o.config.Policy.Apply(o.transcript, o.request)
	if err != nil {
		return o.fail(err)
	}

	secret := o.handle.CommitmentSecret()
	if secret == nil {
		return o.fail(shared.NewError(shared.KindChannelClosed, "commitment secret no longer available", nil))
	}
	digest, err := o.transcript.Commit(spec, secret)
	wipe(secret)
	if err != nil {
		return o.fail(err)
	}

	if err := o.handle.Reveal(ctx, channel.RevealRequest{Spec: spec, Commitment: digest}); err != nil {
		return o.fail(classify(ctx, ctx, err, shared.KindChannelClosed, "reveal"))
	}

	o.balance = balance
	o.decision = decision
	o.spec = spec
	o.digest = digest
	o.logger.WithSession(o.handle.SessionID()).Info("Reveal submitted",
		zap.Int("accounts", len(balance.Accounts)),
		zap.Bool("qualifies", decision.Qualifies),
		zap.Int("revealed_sent", commitment.TotalLen(spec.Sent)),
		zap.Int("revealed_recv", commitment.TotalLen(spec.Recv)))
	o.advance(PhaseRevealed, fmt.Sprintf("reveal submitted, qualifies=%t", decision.Qualifies))
	return nil
}

// AwaitAttestation waits for the signed record and checks it.
func (o *Orchestrator) AwaitAttestation(ctx context.Context) error {
	if err := o.expect(PhaseRevealed, "await attestation"); err != nil {
		return err
	}
	phaseCtx, cancel := context.WithTimeout(ctx, o.config.RevealTimeout)
	defer cancel()

	record, err := o.handle.AwaitAttestation(phaseCtx)
	if err != nil {
		switch shared.KindOf(err) {
		case shared.KindRangeOutOfBounds, shared.KindCommitmentMismatch, shared.KindDuplicateReveal, shared.KindInvalidRange:
			err = shared.NewError(shared.KindRevealRejected, "verifier rejected the reveal", err)
		default:
			err = classify(ctx, phaseCtx, err, shared.KindRevealTimeout, "attestation")
		}
		return o.fail(err)
	}

	if ok, reason := attestation.VerifyCommitment(record, o.handle.SignerPublicKey(), o.digest); !ok {
		return o.fail(shared.NewProtocolError("attestation",
			fmt.Sprintf("attestation failed verification: %s", reason), nil))
	}

	o.record = record
	o.handle.Close()
	o.advance(PhaseAttestationReceived, fmt.Sprintf("attestation issued by %s", record.SignerKeyID))
	return nil
}

// expect checks that the session is in the phase a step requires. A step
// called out of order fails the session.
func (o *Orchestrator) expect(want Phase, step string) error {
	o.mu.Lock()
	current, prev := o.phase, o.err
	o.mu.Unlock()

	if current == want {
		return nil
	}
	if current.Terminal() {
		return shared.NewProtocolError(step, fmt.Sprintf("session already ended in phase %s", current), prev)
	}
	return o.fail(shared.NewProtocolError(step,
		fmt.Sprintf("cannot %s in phase %s", step, current), nil))
}

func (o *Orchestrator) advance(next Phase, message string) {
	o.mu.Lock()
	from := o.phase
	o.phase = next
	o.message = message
	status := Status{Phase: o.phase, Message: o.message}
	o.mu.Unlock()

	o.logger.Info("Phase transition",
		zap.String("from", from.String()),
		zap.String("to", next.String()),
		zap.String("message", message))
	if o.OnPhaseChange != nil {
		o.OnPhaseChange(status)
	}
}

// fail moves to Failed, tears the channel down and discards the transcript.
func (o *Orchestrator) fail(err error) error {
	o.mu.Lock()
	if o.phase == PhaseFailed {
		o.mu.Unlock()
		return err
	}
	from := o.phase
	o.phase = PhaseFailed
	o.message = err.Error()
	o.err = err
	status := Status{Phase: o.phase, Message: o.message, Err: err}
	o.mu.Unlock()

	if o.handle != nil {
		o.handle.Close()
	}
	if o.transcript != nil {
		o.transcript.Wipe()
		o.transcript = nil
	}
	o.balance = nil

	o.logger.Warn("Session failed",
		zap.String("phase", from.String()),
		zap.String("kind", string(shared.KindOf(err))),
		zap.Error(err))
	if o.OnPhaseChange != nil {
		o.OnPhaseChange(status)
	}
	return err
}

// classify maps a step error onto the taxonomy. A phase deadline becomes the
// phase's timeout kind; cancellation of the caller's context becomes
// Cancelled; tagged errors pass through.
func classify(parent, phaseCtx context.Context, err error, timeoutKind shared.ErrorKind, phase string) error {
	if parent.Err() != nil {
		return shared.NewPhaseError(shared.KindCancelled, phase, "session cancelled", parent.Err())
	}
	if errors.Is(err, context.DeadlineExceeded) && phaseCtx.Err() != nil {
		return shared.NewPhaseError(timeoutKind, phase, "deadline exceeded", err)
	}
	if shared.KindOf(err) != "" {
		return err
	}
	return shared.NewProtocolError(phase, "secure channel failure", err)
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
