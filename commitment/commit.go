// Package commitment binds transcript bytes to a per-session secret.
//
// A digest is SHA-256 over the committed bytes followed by the secret. Only
// parties holding the secret can recompute it, and any change to the bytes or
// the secret changes the digest.
package commitment

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"auditor-zk/shared"
)

// DigestSize is the length of a commitment digest in bytes.
const DigestSize = sha256.Size

// Digest is a commitment value.
type Digest [DigestSize]byte

func (d Digest) Hex() string {
	return hex.EncodeToString(d[:])
}

// Bytes returns a copy of the digest as a slice.
func (d Digest) Bytes() []byte {
	out := make([]byte, DigestSize)
	copy(out, d[:])
	return out
}

// Equal compares in constant time.
func (d Digest) Equal(other []byte) bool {
	return len(other) == DigestSize && subtle.ConstantTimeCompare(d[:], other) == 1
}

// DigestFromBytes converts a wire digest, rejecting wrong lengths.
func DigestFromBytes(b []byte) (Digest, error) {
	var d Digest
	if len(b) != DigestSize {
		return d, fmt.Errorf("digest must be %d bytes, got %d", DigestSize, len(b))
	}
	copy(d[:], b)
	return d, nil
}

// Commit commits to a single range of buf.
func Commit(r ByteRange, buf, secret []byte) (Digest, error) {
	data, err := r.Slice(buf)
	if err != nil {
		return Digest{}, err
	}
	return digest(secret, data), nil
}

// CommitReveal commits to every byte disclosed by spec: the sent ranges in
// order, then the recv ranges in order.
func CommitReveal(spec RevealSpec, sent, recv, secret []byte) (Digest, error) {
	if len(secret) == 0 {
		return Digest{}, shared.NewError(shared.KindProtocol, "commitment secret is empty", nil)
	}
	revealed, err := spec.RevealedBytes(sent, recv)
	if err != nil {
		return Digest{}, err
	}
	return digest(secret, revealed), nil
}

func digest(secret []byte, parts ...[]byte) Digest {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	h.Write(secret)
	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}
