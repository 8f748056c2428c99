// Package transcript holds captured session bytes and the codecs that read
// them: a streaming HTTP/1.1 response parser and the balance decoder.
package transcript

import (
	"errors"
	"fmt"
	"sync"

	"auditor-zk/commitment"
)

// Transcript is the immutable record of the bytes one session sent to and
// received from the target server.
type Transcript struct {
	sent []byte
	recv []byte
}

// New copies sent and recv into a fresh transcript.
func New(sent, recv []byte) *Transcript {
	return &Transcript{
		sent: append([]byte(nil), sent...),
		recv: append([]byte(nil), recv...),
	}
}

// Sent returns a copy of the bytes sent to the server.
func (t *Transcript) Sent() []byte { return append([]byte(nil), t.sent...) }

// Recv returns a copy of the bytes received from the server.
func (t *Transcript) Recv() []byte { return append([]byte(nil), t.recv...) }

func (t *Transcript) SentLen() int { return len(t.sent) }
func (t *Transcript) RecvLen() int { return len(t.recv) }

// Commit computes the reveal commitment over this transcript.
func (t *Transcript) Commit(spec commitment.RevealSpec, secret []byte) (commitment.Digest, error) {
	return commitment.CommitReveal(spec, t.sent, t.recv, secret)
}

// Wipe zeroes both buffers. Used when a session fails and its transcript is
// discarded.
func (t *Transcript) Wipe() {
	for i := range t.sent {
		t.sent[i] = 0
	}
	for i := range t.recv {
		t.recv[i] = 0
	}
	t.sent, t.recv = nil, nil
}

var (
	ErrSentLimit = errors.New("sent data limit exceeded")
	ErrRecvLimit = errors.New("received data limit exceeded")
	ErrFrozen    = errors.New("transcript already captured")
)

// Recorder accumulates transcript bytes under fixed caps and freezes into a
// Transcript exactly once.
type Recorder struct {
	mu      sync.Mutex
	maxSent int
	maxRecv int
	sent    []byte
	recv    []byte
	frozen  *Transcript
}

// NewRecorder creates a recorder with the given byte caps.
func NewRecorder(maxSent, maxRecv int) *Recorder {
	return &Recorder{maxSent: maxSent, maxRecv: maxRecv}
}

// AppendSent records bytes sent to the server.
func (r *Recorder) AppendSent(b []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen != nil {
		return ErrFrozen
	}
	if len(r.sent)+len(b) > r.maxSent {
		return fmt.Errorf("%w: %d + %d > %d", ErrSentLimit, len(r.sent), len(b), r.maxSent)
	}
	r.sent = append(r.sent, b...)
	return nil
}

// AppendRecv records bytes received from the server.
func (r *Recorder) AppendRecv(b []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen != nil {
		return ErrFrozen
	}
	if len(r.recv)+len(b) > r.maxRecv {
		return fmt.Errorf("%w: %d + %d > %d", ErrRecvLimit, len(r.recv), len(b), r.maxRecv)
	}
	r.recv = append(r.recv, b...)
	return nil
}

// Lengths reports the bytes recorded so far.
func (r *Recorder) Lengths() (sent, recv int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen != nil {
		return r.frozen.SentLen(), r.frozen.RecvLen()
	}
	return len(r.sent), len(r.recv)
}

// Freeze returns the captured transcript. Later calls return the same value.
func (r *Recorder) Freeze() *Transcript {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen == nil {
		r.frozen = &Transcript{sent: r.sent, recv: r.recv}
		r.sent, r.recv = nil, nil
	}
	return r.frozen
}

// Discard wipes whatever was recorded, frozen or not.
func (r *Recorder) Discard() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen != nil {
		r.frozen.Wipe()
	}
	for i := range r.sent {
		r.sent[i] = 0
	}
	for i := range r.recv {
		r.recv[i] = 0
	}
	r.sent, r.recv = nil, nil
}
