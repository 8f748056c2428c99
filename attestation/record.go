// Package attestation defines the signed statement a verifier issues over a
// commitment, its canonical encoding, and offline verification.
package attestation

import (
	"fmt"
	"time"

	"auditor-zk/commitment"
	"auditor-zk/shared"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Version is the current record format.
const Version = 1

// RevealedRanges describes which transcript bytes the commitment covers.
type RevealedRanges struct {
	Sent []commitment.ByteRange `json:"sent"`
	Recv []commitment.ByteRange `json:"recv"`
}

// Record is an issued attestation. Records are never mutated after signing;
// any change to a signed field invalidates the signature.
type Record struct {
	Version          uint32         `json:"version"`
	CommitmentDigest hexutil.Bytes  `json:"commitment_digest"`
	RevealedRanges   RevealedRanges `json:"revealed_ranges"`
	ServerIdentity   string         `json:"server_identity,omitempty"`
	Timestamp        uint64         `json:"timestamp"`
	Signature        hexutil.Bytes  `json:"signature"`
	SignerKeyID      string         `json:"signer_key_id"`
	SignerPublicKey  hexutil.Bytes  `json:"signer_public_key"`
}

// IssuedAt returns the issuance time.
func (r *Record) IssuedAt() time.Time {
	return time.Unix(int64(r.Timestamp), 0).UTC()
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	out := *r
	out.CommitmentDigest = append(hexutil.Bytes(nil), r.CommitmentDigest...)
	out.Signature = append(hexutil.Bytes(nil), r.Signature...)
	out.SignerPublicKey = append(hexutil.Bytes(nil), r.SignerPublicKey...)
	out.RevealedRanges.Sent = append([]commitment.ByteRange(nil), r.RevealedRanges.Sent...)
	out.RevealedRanges.Recv = append([]commitment.ByteRange(nil), r.RevealedRanges.Recv...)
	return &out
}

// Statement is the unsigned content of a record.
type Statement struct {
	Digest         commitment.Digest
	Spec           commitment.RevealSpec
	ServerIdentity string
	IssuedAt       time.Time
}

// Sign builds and signs a record. The server identity is only included when
// the reveal spec discloses it.
func Sign(stmt Statement, signer *shared.SigningKeyPair) (*Record, error) {
	if signer == nil || signer.PrivateKey == nil {
		return nil, fmt.Errorf("no signing key")
	}

	record := &Record{
		Version:          Version,
		CommitmentDigest: stmt.Digest.Bytes(),
		RevealedRanges: RevealedRanges{
			Sent: append([]commitment.ByteRange(nil), stmt.Spec.Sent...),
			Recv: append([]commitment.ByteRange(nil), stmt.Spec.Recv...),
		},
		Timestamp:       uint64(stmt.IssuedAt.Unix()),
		SignerKeyID:     signer.GetEthAddress().Hex(),
		SignerPublicKey: signer.CompressedPublicKey(),
	}
	if stmt.Spec.RevealServerIdentity {
		record.ServerIdentity = stmt.ServerIdentity
	}

	signature, err := signer.SignData(CanonicalBytes(record))
	if err != nil {
		return nil, err
	}
	record.Signature = signature
	return record, nil
}
