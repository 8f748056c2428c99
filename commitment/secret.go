package commitment

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	// SecretSize is the length of the derived commitment secret.
	SecretSize = 32

	secretInfo = "auditor-zk commitment secret v1"
)

// KeyShare is one side's ephemeral X25519 contribution to the session secret.
type KeyShare struct {
	private [curve25519.ScalarSize]byte
	Public  []byte
}

// GenerateKeyShare creates a fresh ephemeral X25519 key pair.
func GenerateKeyShare() (*KeyShare, error) {
	ks := &KeyShare{}
	if _, err := io.ReadFull(rand.Reader, ks.private[:]); err != nil {
		return nil, fmt.Errorf("failed to read randomness: %v", err)
	}
	pub, err := curve25519.X25519(ks.private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public share: %v", err)
	}
	ks.Public = pub
	return ks, nil
}

// DeriveSecret combines this share with the peer's public share. Both ends
// derive the same secret; the session id acts as the HKDF salt so secrets are
// bound to one session. The private scalar is wiped afterwards.
func (ks *KeyShare) DeriveSecret(peerPublic []byte, sessionID string) (*Secret, error) {
	if len(peerPublic) != curve25519.PointSize {
		return nil, fmt.Errorf("peer key share must be %d bytes, got %d", curve25519.PointSize, len(peerPublic))
	}
	shared, err := curve25519.X25519(ks.private[:], peerPublic)
	if err != nil {
		return nil, fmt.Errorf("key agreement failed: %v", err)
	}
	defer wipe(shared)
	ks.Wipe()

	out := make([]byte, SecretSize)
	kdf := hkdf.New(sha256.New, shared, []byte(sessionID), []byte(secretInfo))
	if _, err := io.ReadFull(kdf, out); err != nil {
		return nil, fmt.Errorf("secret expansion failed: %v", err)
	}
	return &Secret{b: out}, nil
}

// Wipe zeroes the private scalar.
func (ks *KeyShare) Wipe() {
	wipe(ks.private[:])
}

// Secret is the per-session commitment secret. It never leaves the process.
type Secret struct {
	b []byte
}

// NewSecret wraps raw secret bytes, copying them.
func NewSecret(b []byte) *Secret {
	return &Secret{b: append([]byte(nil), b...)}
}

// Bytes exposes the secret for commitment computation. Nil after Wipe.
func (s *Secret) Bytes() []byte {
	if s == nil {
		return nil
	}
	return s.b
}

// Wipe zeroes and releases the secret.
func (s *Secret) Wipe() {
	if s == nil {
		return
	}
	wipe(s.b)
	s.b = nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
