package channel

import (
	"context"
	"crypto/ecdsa"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"auditor-zk/attestation"
	"auditor-zk/commitment"
	"auditor-zk/shared"
	"auditor-zk/transcript"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// RelayOptions configures a RelayEngine.
type RelayOptions struct {
	HandshakeTimeout time.Duration
	// TLSConfig is used for wss:// verifier endpoints.
	TLSConfig *tls.Config
	Logger    *shared.Logger
}

// RelayEngine opens sessions through a verifier that dials the target server
// itself and forwards bytes in both directions.
type RelayEngine struct {
	dialer websocket.Dialer
	logger *shared.Logger
}

// NewRelayEngine prepares the WebSocket dialer.
func NewRelayEngine(opts RelayOptions) *RelayEngine {
	if opts.HandshakeTimeout == 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = shared.NopLogger()
	}
	return &RelayEngine{
		dialer: websocket.Dialer{
			HandshakeTimeout: opts.HandshakeTimeout,
			TLSClientConfig:  opts.TLSConfig,
			Proxy:            http.ProxyFromEnvironment,
		},
		logger: opts.Logger,
	}
}

// Setup dials the verifier, announces the session and waits for the verifier
// to report the target connection ready.
func (e *RelayEngine) Setup(ctx context.Context, params SetupParams) (Handle, error) {
	if err := validateSetupParams(params); err != nil {
		return nil, err
	}

	dialer := e.dialer
	if params.ProxyURL != "" {
		proxy, err := url.Parse(params.ProxyURL)
		if err != nil {
			return nil, shared.NewConfigurationError("proxy_url", err.Error())
		}
		dialer.Proxy = http.ProxyURL(proxy)
	}

	e.logger.Info("Connecting to verifier",
		zap.String("url", params.VerifierURL),
		zap.String("target_host", params.TargetHost))

	conn, _, err := dialer.DialContext(ctx, params.VerifierURL, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, shared.NewError(shared.KindVerifierUnreachable,
			fmt.Sprintf("failed to connect to verifier at %s", params.VerifierURL), err)
	}

	keyShare, err := commitment.GenerateKeyShare()
	if err != nil {
		conn.Close()
		return nil, err
	}

	h := &relayHandle{
		conn:         shared.NewWSConnection(conn),
		logger:       e.logger,
		requested:    params.Limits,
		keyShare:     keyShare,
		ready:        make(chan SessionReadyData, 1),
		complete:     make(chan struct{}),
		attestations: make(chan *attestation.Record, 1),
		failed:       make(chan struct{}),
		recorder:     transcript.NewRecorder(params.Limits.MaxSentData, params.Limits.MaxRecvData),
	}
	go h.readLoop()

	initMsg, err := shared.CreateMessage(shared.MsgSessionInit, "", SessionInitData{
		TargetHost:  params.TargetHost,
		TargetPort:  params.TargetPort,
		ServerName:  params.ServerName,
		MaxSentData: params.Limits.MaxSentData,
		MaxRecvData: params.Limits.MaxRecvData,
		KeyShare:    keyShare.Public,
	})
	if err == nil {
		err = h.conn.WriteMessage(initMsg)
	}
	if err != nil {
		h.Close()
		return nil, shared.NewError(shared.KindVerifierUnreachable, "failed to send session init", err)
	}

	select {
	case ready := <-h.ready:
		if err := h.establish(ready); err != nil {
			h.Close()
			return nil, err
		}
		e.logger.WithSession(h.sessionID).Info("Secure session established",
			zap.Int("max_sent_data", h.limits.MaxSentData),
			zap.Int("max_recv_data", h.limits.MaxRecvData))
		return h, nil
	case <-h.failed:
		h.Close()
		return nil, h.failErr
	case <-ctx.Done():
		h.Close()
		return nil, ctx.Err()
	}
}

func validateSetupParams(p SetupParams) error {
	switch {
	case p.VerifierURL == "":
		return shared.NewConfigurationError("verifier_url", "must be set")
	case !strings.HasPrefix(p.VerifierURL, "ws://") && !strings.HasPrefix(p.VerifierURL, "wss://"):
		return shared.NewConfigurationError("verifier_url", "must be a ws:// or wss:// URL")
	case p.TargetHost == "":
		return shared.NewConfigurationError("target_host", "must be set")
	case p.TargetPort <= 0 || p.TargetPort > 65535:
		return shared.NewConfigurationError("target_port", "out of range")
	case p.Limits.MaxSentData <= 0 || p.Limits.MaxRecvData <= 0:
		return shared.NewConfigurationError("limits", "byte limits must be positive")
	}
	return nil
}

type relayHandle struct {
	conn   *shared.WSConnection
	logger *shared.Logger

	sessionID string
	requested Limits
	limits    Limits
	signerPub *ecdsa.PublicKey
	recorder  *transcript.Recorder

	secretMu sync.Mutex
	keyShare *commitment.KeyShare
	secret   *commitment.Secret

	ready        chan SessionReadyData
	complete     chan struct{}
	completeOnce sync.Once
	remote       TranscriptCompleteData
	attestations chan *attestation.Record

	failed   chan struct{}
	failOnce sync.Once
	failErr  error

	// finished is set once nothing more is expected from the verifier, so a
	// later connection close is not a failure.
	finished  atomic.Bool
	closing   atomic.Bool
	closeOnce sync.Once
}

func (h *relayHandle) establish(ready SessionReadyData) error {
	if ready.MaxSentData != h.requested.MaxSentData || ready.MaxRecvData != h.requested.MaxRecvData {
		return shared.NewProtocolError("setup", "verifier announced different limits", nil)
	}

	signerPub, err := shared.PublicKeyFromBytes(ready.SignerPublicKey)
	if err != nil {
		return shared.NewProtocolError("setup", "verifier announced an invalid signer key", err)
	}

	h.secretMu.Lock()
	secret, err := h.keyShare.DeriveSecret(ready.KeyShare, h.sessionID)
	h.keyShare = nil
	h.secret = secret
	h.secretMu.Unlock()
	if err != nil {
		return shared.NewProtocolError("setup", "commitment secret agreement failed", err)
	}

	h.limits = h.requested
	h.signerPub = signerPub
	return nil
}

func (h *relayHandle) SessionID() string                { return h.sessionID }
func (h *relayHandle) Limits() Limits                   { return h.limits }
func (h *relayHandle) SignerPublicKey() *ecdsa.PublicKey { return h.signerPub }

func (h *relayHandle) Send(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := h.failure(); err != nil {
		return err
	}
	if err := h.recorder.AppendSent(data); err != nil {
		if errors.Is(err, transcript.ErrSentLimit) {
			return shared.NewError(shared.KindRequestTooLarge,
				fmt.Sprintf("request of %d bytes exceeds the %d byte sent limit", len(data), h.requested.MaxSentData), err)
		}
		return shared.NewProtocolError("send", "request rejected", err)
	}

	msg, err := shared.CreateMessage(shared.MsgRequestData, h.sessionID, DataPayload{Data: data})
	if err != nil {
		return err
	}
	if err := h.conn.WriteMessage(msg); err != nil {
		return shared.NewError(shared.KindChannelClosed, "failed to send request", err)
	}
	return nil
}

func (h *relayHandle) CaptureTranscript(ctx context.Context) (*transcript.Transcript, error) {
	select {
	case <-h.complete:
	default:
		select {
		case <-h.complete:
		case <-h.failed:
			// A failure racing completion loses to completion.
			select {
			case <-h.complete:
			default:
				return nil, h.failErr
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	sent, recv := h.recorder.Lengths()
	if sent != h.remote.SentLength || recv != h.remote.RecvLength {
		return nil, shared.NewProtocolError("capture",
			fmt.Sprintf("transcript length mismatch: local %d/%d, verifier %d/%d",
				sent, recv, h.remote.SentLength, h.remote.RecvLength), nil)
	}
	return h.recorder.Freeze(), nil
}

func (h *relayHandle) CommitmentSecret() []byte {
	h.secretMu.Lock()
	defer h.secretMu.Unlock()
	if b := h.secret.Bytes(); b != nil {
		return append([]byte(nil), b...)
	}
	return nil
}

func (h *relayHandle) Reveal(ctx context.Context, req RevealRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := h.failure(); err != nil {
		return err
	}
	msg, err := shared.CreateMessage(shared.MsgRevealRequest, h.sessionID, RevealRequestData{
		Spec:       req.Spec,
		Commitment: req.Commitment.Bytes(),
	})
	if err != nil {
		return err
	}
	if err := h.conn.WriteMessage(msg); err != nil {
		return shared.NewError(shared.KindChannelClosed, "failed to send reveal request", err)
	}
	return nil
}

func (h *relayHandle) AwaitAttestation(ctx context.Context) (*attestation.Record, error) {
	select {
	case rec := <-h.attestations:
		return rec, nil
	default:
	}
	select {
	case rec := <-h.attestations:
		return rec, nil
	case <-h.failed:
		select {
		case rec := <-h.attestations:
			return rec, nil
		default:
			return nil, h.failErr
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *relayHandle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		h.closing.Store(true)
		h.conn.WriteClose()
		err = h.conn.Close()

		h.secretMu.Lock()
		h.secret.Wipe()
		if h.keyShare != nil {
			h.keyShare.Wipe()
		}
		h.secretMu.Unlock()
		h.fail(shared.NewError(shared.KindChannelClosed, "session closed", nil))
	})
	return err
}

func (h *relayHandle) fail(err error) {
	h.failOnce.Do(func() {
		h.failErr = err
		close(h.failed)
	})
}

func (h *relayHandle) failure() error {
	select {
	case <-h.failed:
		return h.failErr
	default:
		return nil
	}
}

// readLoop dispatches verifier messages until the connection ends.
func (h *relayHandle) readLoop() {
	for {
		msg, err := h.conn.ReadMessage()
		if err != nil {
			if h.closing.Load() || h.finished.Load() {
				return
			}
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.WithSession(h.sessionID).Warn("Verifier connection lost", zap.Error(err))
			}
			h.fail(shared.NewError(shared.KindChannelClosed, "verifier closed the connection", err))
			return
		}

		if err := h.dispatch(msg); err != nil {
			h.fail(err)
			return
		}
	}
}

func (h *relayHandle) dispatch(msg *shared.Message) error {
	switch msg.Type {
	case shared.MsgSessionReady:
		var data SessionReadyData
		if err := msg.UnmarshalData(&data); err != nil {
			return shared.NewPhaseError(shared.KindProtocol, "decode", "invalid session_ready", err)
		}
		if msg.SessionID == "" {
			return shared.NewProtocolError("setup", "session_ready without session id", nil)
		}
		h.sessionID = msg.SessionID
		select {
		case h.ready <- data:
		default:
			return shared.NewProtocolError("setup", "duplicate session_ready", nil)
		}

	case shared.MsgResponseData:
		var data DataPayload
		if err := msg.UnmarshalData(&data); err != nil {
			return shared.NewPhaseError(shared.KindProtocol, "decode", "invalid response_data", err)
		}
		if err := h.recorder.AppendRecv(data.Data); err != nil {
			if errors.Is(err, transcript.ErrRecvLimit) {
				return shared.NewError(shared.KindResponseTooLarge,
					fmt.Sprintf("response exceeds the %d byte receive limit", h.requested.MaxRecvData), err)
			}
			return shared.NewProtocolError("capture", "unexpected response data", err)
		}

	case shared.MsgTranscriptComplete:
		var data TranscriptCompleteData
		if err := msg.UnmarshalData(&data); err != nil {
			return shared.NewPhaseError(shared.KindProtocol, "decode", "invalid transcript_complete", err)
		}
		h.completeOnce.Do(func() {
			h.remote = data
			close(h.complete)
		})

	case shared.MsgAttestation:
		var data AttestationData
		if err := msg.UnmarshalData(&data); err != nil || data.Record == nil {
			return shared.NewPhaseError(shared.KindProtocol, "decode", "invalid attestation", err)
		}
		h.finished.Store(true)
		select {
		case h.attestations <- data.Record:
		default:
			return shared.NewProtocolError("attestation", "duplicate attestation", nil)
		}

	case shared.MsgError:
		remote := msg.AsError()
		h.logger.WithSession(h.sessionID).Warn("Verifier reported an error",
			zap.String("kind", string(remote.Kind)),
			zap.String("message", remote.Message))
		return remote

	default:
		return shared.NewProtocolError("dispatch", fmt.Sprintf("unexpected message type %q", msg.Type), nil)
	}
	return nil
}
