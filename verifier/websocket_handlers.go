package verifier

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"

	"auditor-zk/channel"
	"auditor-zk/commitment"
	"auditor-zk/shared"
	"auditor-zk/transcript"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const targetReadBufferSize = 4096

// handleProverWebSocket admits a prover and serves its single session.
func (s *Server) handleProverWebSocket(w http.ResponseWriter, r *http.Request) {
	if err := s.limiter.Admit(); err != nil {
		status := http.StatusServiceUnavailable
		reason := "capacity"
		if errors.Is(err, errRateLimited) {
			status = http.StatusTooManyRequests
			reason = "rate_limited"
		}
		s.metrics.sessionsRejected.WithLabelValues(reason).Inc()
		s.logger.Warn("Rejected prover connection",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err))
		http.Error(w, err.Error(), status)
		return
	}
	defer s.limiter.Release()

	conn, err := proverUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade prover websocket",
			zap.Error(err),
			zap.String("remote_addr", r.RemoteAddr))
		return
	}

	ws := shared.NewWSConnection(conn)
	pc := &proverConn{
		server: s,
		ws:     ws,
		remote: ws.RemoteAddr(),
	}
	pc.serve()
}

// proverConn is one prover connection. The read loop runs on the handler
// goroutine; the target pump runs on its own once the request starts.
type proverConn struct {
	server *Server
	ws     *shared.WSConnection
	remote string

	session  *Session
	ended    atomic.Bool
	endOnce  sync.Once
	finished bool
}

func (c *proverConn) serve() {
	s := c.server
	s.logger.DebugIf("Prover connection established", zap.String("remote_addr", c.remote))

	for {
		msg, err := c.ws.ReadMessage()
		if err != nil {
			if c.ended.Load() {
				break
			}
			if shared.KindOf(err) == shared.KindProtocol {
				c.fail(err)
				break
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.DebugIf("Prover closed the connection", zap.String("remote_addr", c.remote))
			}
			if c.session != nil {
				c.terminate(shared.NewError(shared.KindChannelClosed, "prover connection lost", err))
			}
			break
		}

		s.logger.DebugIf("Received message from prover",
			zap.String("message_type", string(msg.Type)),
			zap.String("remote_addr", c.remote))

		if err := c.handle(msg); err != nil {
			c.fail(err)
			break
		}
		if c.finished {
			break
		}
	}

	c.endOnce.Do(func() { c.ended.Store(true) })
	c.ws.Close()
	if c.session != nil {
		s.sessions.CloseSession(c.session.ID)
		s.terminator.CleanupSession(c.session.ID)
		s.metrics.activeSessions.Dec()
	}
}

func (c *proverConn) handle(msg *shared.Message) error {
	if c.session != nil && msg.SessionID != c.session.ID {
		return shared.NewProtocolError("dispatch",
			fmt.Sprintf("message for session %q on connection bound to %q", msg.SessionID, c.session.ID), nil)
	}
	c.server.logger.WithMessageType(msg.Type).Debug("Received message",
		zap.String("remote_addr", c.remote),
		zap.Int("data_bytes", len(msg.Data)))

	switch msg.Type {
	case shared.MsgSessionInit:
		return c.handleSessionInit(msg)
	case shared.MsgRequestData:
		return c.handleRequestData(msg)
	case shared.MsgRevealRequest:
		return c.handleRevealRequest(msg)
	default:
		return shared.NewProtocolError("dispatch", fmt.Sprintf("unknown message type %q", msg.Type), nil)
	}
}

func (c *proverConn) handleSessionInit(msg *shared.Message) error {
	s := c.server
	if c.session != nil {
		return shared.NewProtocolError("setup", "session already initialised on this connection", nil)
	}

	var init channel.SessionInitData
	if err := msg.UnmarshalData(&init); err != nil {
		return shared.NewPhaseError(shared.KindProtocol, "decode", "invalid session_init", err)
	}

	switch {
	case init.MaxSentData <= 0 || init.MaxSentData > s.config.MaxSentData:
		s.metrics.sessionsRejected.WithLabelValues("invalid_limits").Inc()
		return shared.NewConfigurationError("max_sent_data",
			fmt.Sprintf("%d is outside 1..%d", init.MaxSentData, s.config.MaxSentData))
	case init.MaxRecvData <= 0 || init.MaxRecvData > s.config.MaxRecvData:
		s.metrics.sessionsRejected.WithLabelValues("invalid_limits").Inc()
		return shared.NewConfigurationError("max_recv_data",
			fmt.Sprintf("%d is outside 1..%d", init.MaxRecvData, s.config.MaxRecvData))
	}

	serverName := init.ServerName
	if serverName == "" {
		serverName = init.TargetHost
	}
	if !ServerAllowed(s.config.AllowedServers, serverName) {
		s.metrics.sessionsRejected.WithLabelValues("server_not_allowed").Inc()
		return shared.Errorf(shared.KindServerRejected, "target %s is not allowed", serverName)
	}

	session, err := s.sessions.CreateSession(c.ws, channel.Limits{
		MaxSentData: init.MaxSentData,
		MaxRecvData: init.MaxRecvData,
	})
	if err != nil {
		return shared.NewProtocolError("setup", "failed to create session", err)
	}
	c.session = session
	s.metrics.activeSessions.Inc()
	log := s.logger.WithSession(session.ID)

	keyShare, err := commitment.GenerateKeyShare()
	if err != nil {
		return shared.NewProtocolError("setup", "failed to generate key share", err)
	}
	secret, err := keyShare.DeriveSecret(init.KeyShare, session.ID)
	if err != nil {
		return shared.NewProtocolError("setup", "commitment secret agreement failed", err)
	}

	ctx, cancel := context.WithTimeout(session.Context, s.config.SetupTimeout)
	target, err := s.dialer.Dial(ctx, init.TargetHost, init.TargetPort, serverName)
	deadline := errors.Is(ctx.Err(), context.DeadlineExceeded)
	cancel()
	if err != nil {
		secret.Wipe()
		if deadline {
			return shared.NewError(shared.KindSetupTimeout,
				fmt.Sprintf("target %s did not complete the handshake within %s", serverName, s.config.SetupTimeout), err)
		}
		return err
	}
	if err := session.Connect(target, secret); err != nil {
		target.Close()
		secret.Wipe()
		return err
	}
	s.metrics.sessionsStarted.Inc()

	log.Info("Target connection established",
		zap.String("server_identity", target.ServerIdentity),
		zap.Int("max_sent_data", init.MaxSentData),
		zap.Int("max_recv_data", init.MaxRecvData))

	ready, err := shared.CreateMessage(shared.MsgSessionReady, session.ID, channel.SessionReadyData{
		KeyShare:        keyShare.Public,
		MaxSentData:     init.MaxSentData,
		MaxRecvData:     init.MaxRecvData,
		SignerKeyID:     s.signer.GetEthAddress().Hex(),
		SignerPublicKey: s.signer.CompressedPublicKey(),
	})
	if err != nil {
		return err
	}
	if err := c.ws.WriteMessage(ready); err != nil {
		return shared.NewError(shared.KindChannelClosed, "failed to send session_ready", err)
	}
	return nil
}

func (c *proverConn) handleRequestData(msg *shared.Message) error {
	if c.session == nil {
		return shared.NewProtocolError("request", "request data before session_init", nil)
	}
	var payload channel.DataPayload
	if err := msg.UnmarshalData(&payload); err != nil {
		return shared.NewPhaseError(shared.KindProtocol, "decode", "invalid request_data", err)
	}

	target, first, err := c.session.RecordSent(payload.Data)
	if err != nil {
		return err
	}
	if _, err := target.Write(payload.Data); err != nil {
		return shared.NewError(shared.KindChannelClosed, "failed to write request to target", err)
	}
	if first {
		go c.pump(target)
	}
	return nil
}

// pump relays the target's response to the prover until the HTTP response is
// complete, then freezes the transcript and announces its lengths.
func (c *proverConn) pump(target *TargetConn) {
	s := c.server
	session := c.session
	parser := transcript.NewHTTPResponseParser()
	buf := make([]byte, targetReadBufferSize)

	for !parser.Complete() {
		n, readErr := target.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			if err := session.RecordRecv(chunk); err != nil {
				c.fail(err)
				return
			}
			out, err := shared.CreateMessage(shared.MsgResponseData, session.ID, channel.DataPayload{Data: chunk})
			if err == nil {
				err = c.ws.WriteMessage(out)
			}
			if err != nil {
				c.fail(shared.NewError(shared.KindChannelClosed, "failed to forward response data", err))
				return
			}
			if err := parser.OnChunk(chunk); err != nil {
				c.fail(shared.NewError(shared.KindMalformedResponse, "target sent an unparseable response", err))
				return
			}
		}
		if readErr != nil {
			if session.Context.Err() != nil || c.ended.Load() {
				return
			}
			if !errors.Is(readErr, io.EOF) {
				c.fail(shared.NewError(shared.KindChannelClosed, "target connection failed", readErr))
				return
			}
			if err := parser.StreamEnded(); err != nil {
				c.fail(shared.NewError(shared.KindChannelClosed, "target closed before the response completed", err))
				return
			}
			break
		}
	}

	tr, err := session.CompleteTranscript()
	if err != nil {
		c.fail(err)
		return
	}
	s.metrics.transcriptBytes.WithLabelValues("sent").Observe(float64(tr.SentLen()))
	s.metrics.transcriptBytes.WithLabelValues("recv").Observe(float64(tr.RecvLen()))

	done, err := shared.CreateMessage(shared.MsgTranscriptComplete, session.ID, channel.TranscriptCompleteData{
		SentLength: tr.SentLen(),
		RecvLength: tr.RecvLen(),
	})
	if err == nil {
		err = c.ws.WriteMessage(done)
	}
	if err != nil {
		c.fail(shared.NewError(shared.KindChannelClosed, "failed to send transcript_complete", err))
		return
	}

	s.logger.WithSession(session.ID).Info("Transcript complete",
		zap.Int("sent_length", tr.SentLen()),
		zap.Int("recv_length", tr.RecvLen()))
}

func (c *proverConn) handleRevealRequest(msg *shared.Message) error {
	s := c.server
	if c.session == nil {
		return shared.NewProtocolError("reveal", "reveal request before session_init", nil)
	}
	var req channel.RevealRequestData
	if err := msg.UnmarshalData(&req); err != nil {
		return shared.NewPhaseError(shared.KindProtocol, "decode", "invalid reveal_request", err)
	}

	record, err := s.issuer.Issue(c.session, req)
	if err != nil {
		s.metrics.revealsRejected.WithLabelValues(string(shared.KindOf(err))).Inc()
		return err
	}
	c.session.MarkAttested()
	s.metrics.attestations.Inc()

	if s.store != nil {
		path, err := s.store.Save(c.session.ID, record)
		if err != nil {
			s.logger.WithSession(c.session.ID).Warn("Failed to archive attestation", zap.Error(err))
		} else {
			s.logger.WithSession(c.session.ID).Debug("Archived attestation", zap.String("path", path))
		}
	}

	out, err := shared.CreateMessage(shared.MsgAttestation, c.session.ID, channel.AttestationData{Record: record})
	if err != nil {
		return err
	}
	if err := c.ws.WriteMessage(out); err != nil {
		return shared.NewError(shared.KindChannelClosed, "failed to send attestation", err)
	}

	s.logger.WithSession(c.session.ID).Info("Attestation issued",
		zap.String("signer_key_id", record.SignerKeyID),
		zap.Bool("server_identity_revealed", record.ServerIdentity != ""))
	c.terminate(nil)
	c.endOnce.Do(func() { c.ended.Store(true) })
	c.ws.WriteClose()
	c.finished = true
	return nil
}

// fail reports err to the prover and ends the connection. Safe to call from
// the pump and the read loop; only the first call has any effect.
func (c *proverConn) fail(err error) {
	c.endOnce.Do(func() {
		c.ended.Store(true)
		sessionID := ""
		if c.session != nil {
			sessionID = c.session.ID
			c.terminate(err)
		} else {
			c.server.logger.WithConnection(c.remote).Warn("Rejected prover before session setup", zap.Error(err))
		}
		_ = c.ws.WriteMessage(shared.CreateErrorMessage(sessionID, err))
		c.ws.WriteClose()
		c.ws.Close()
	})
}

func (c *proverConn) terminate(err error) {
	s := c.server
	if _, done := s.terminator.Reason(c.session.ID); done {
		return
	}
	reason := s.terminator.Terminate(c.session.ID, err, zap.String("remote_addr", c.remote))
	s.metrics.sessionsTerminated.WithLabelValues(string(reason)).Inc()
}
