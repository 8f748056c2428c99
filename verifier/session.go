package verifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"auditor-zk/channel"
	"auditor-zk/commitment"
	"auditor-zk/shared"
	"auditor-zk/transcript"
)

// SessionState represents the current state of a session
type SessionState string

const (
	SessionStateNew                SessionState = "new"
	SessionStateConnected          SessionState = "connected"
	SessionStateRelaying           SessionState = "relaying"
	SessionStateTranscriptComplete SessionState = "transcript_complete"
	SessionStateRevealing          SessionState = "revealing"
	SessionStateAttested           SessionState = "attested"
	SessionStateClosed             SessionState = "closed"
)

// Session is the verifier's view of one prover session.
type Session struct {
	ID        string
	CreatedAt time.Time
	Limits    channel.Limits

	// Context is cancelled when the session closes.
	Context context.Context
	Cancel  context.CancelFunc

	mu              sync.Mutex
	state           SessionState
	lastActiveAt    time.Time
	serverIdentity  string
	conn            *shared.WSConnection
	target          *TargetConn
	recorder        *transcript.Recorder
	transcript      *transcript.Transcript
	secret          *commitment.Secret
	revealAttempted bool
}

// RevealView is what the issuer may read from a session: the transcript, the
// commitment secret and the observed server identity.
type RevealView struct {
	Transcript     *transcript.Transcript
	Secret         []byte
	ServerIdentity string
}

// RevealSource hands out a session's reveal view exactly once.
type RevealSource interface {
	BeginReveal() (*RevealView, error)
}

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) touch() {
	s.lastActiveAt = time.Now()
}

func (s *Session) LastActiveAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActiveAt
}

// Connect records the established target connection and commitment secret.
func (s *Session) Connect(target *TargetConn, secret *commitment.Secret) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SessionStateNew {
		return shared.NewProtocolError("setup", fmt.Sprintf("session is %s", s.state), nil)
	}
	s.target = target
	s.serverIdentity = target.ServerIdentity
	s.secret = secret
	s.recorder = transcript.NewRecorder(s.Limits.MaxSentData, s.Limits.MaxRecvData)
	s.state = SessionStateConnected
	s.touch()
	return nil
}

// RecordSent stores request bytes and returns the target connection to write
// them to. The first call moves the session into relaying; the boolean
// reports whether this was that first call.
func (s *Session) RecordSent(data []byte) (*TargetConn, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SessionStateConnected && s.state != SessionStateRelaying {
		return nil, false, shared.NewProtocolError("request", fmt.Sprintf("request data in state %s", s.state), nil)
	}
	if err := s.recorder.AppendSent(data); err != nil {
		if errors.Is(err, transcript.ErrSentLimit) {
			return nil, false, shared.NewError(shared.KindRequestTooLarge,
				fmt.Sprintf("request exceeds the %d byte sent limit", s.Limits.MaxSentData), err)
		}
		return nil, false, shared.NewProtocolError("request", "request data rejected", err)
	}
	first := s.state == SessionStateConnected
	s.state = SessionStateRelaying
	s.touch()
	return s.target, first, nil
}

// RecordRecv stores response bytes read from the target.
func (s *Session) RecordRecv(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SessionStateRelaying {
		return shared.NewProtocolError("response", fmt.Sprintf("response data in state %s", s.state), nil)
	}
	if err := s.recorder.AppendRecv(data); err != nil {
		if errors.Is(err, transcript.ErrRecvLimit) {
			return shared.NewError(shared.KindResponseTooLarge,
				fmt.Sprintf("response exceeds the %d byte receive limit", s.Limits.MaxRecvData), err)
		}
		return shared.NewProtocolError("response", "response data rejected", err)
	}
	s.touch()
	return nil
}

// CompleteTranscript freezes the transcript once the response is delivered.
func (s *Session) CompleteTranscript() (*transcript.Transcript, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SessionStateRelaying {
		return nil, shared.NewProtocolError("response", fmt.Sprintf("cannot complete transcript in state %s", s.state), nil)
	}
	s.transcript = s.recorder.Freeze()
	s.state = SessionStateTranscriptComplete
	s.touch()
	return s.transcript, nil
}

// BeginReveal implements RevealSource. Only the first call succeeds; every
// later call fails with DuplicateReveal whatever the outcome of the first.
func (s *Session) BeginReveal() (*RevealView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.revealAttempted {
		return nil, shared.Errorf(shared.KindDuplicateReveal, "session %s already received a reveal request", s.ID)
	}
	if s.state != SessionStateTranscriptComplete {
		return nil, shared.NewProtocolError("reveal", fmt.Sprintf("reveal requested in state %s", s.state), nil)
	}
	s.revealAttempted = true
	s.state = SessionStateRevealing
	s.touch()
	return &RevealView{
		Transcript:     s.transcript,
		Secret:         append([]byte(nil), s.secret.Bytes()...),
		ServerIdentity: s.serverIdentity,
	}, nil
}

// MarkAttested records a successful issuance.
func (s *Session) MarkAttested() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == SessionStateRevealing {
		s.state = SessionStateAttested
	}
	s.touch()
}

// TranscriptLengths reports the captured sizes, zero before completion.
func (s *Session) TranscriptLengths() (sent, recv int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transcript == nil {
		return 0, 0
	}
	return s.transcript.SentLen(), s.transcript.RecvLen()
}

// close releases the target connection and wipes secrets. Idempotent.
func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == SessionStateClosed {
		return
	}
	s.state = SessionStateClosed
	if s.Cancel != nil {
		s.Cancel()
	}
	if s.target != nil {
		s.target.Close()
	}
	s.secret.Wipe()
	if s.recorder != nil {
		s.recorder.Discard()
	}
}
