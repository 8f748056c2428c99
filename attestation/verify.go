package attestation

import (
	"bytes"
	"crypto/ecdsa"
	"fmt"
	"strings"

	"auditor-zk/commitment"
	"auditor-zk/shared"

	"github.com/ethereum/go-ethereum/crypto"
)

// Reason explains a failed verification.
type Reason string

const (
	ReasonNone               Reason = ""
	ReasonNilRecord          Reason = "nil_record"
	ReasonNilPublicKey       Reason = "nil_public_key"
	ReasonUnsupportedVersion Reason = "unsupported_version"
	ReasonMalformedDigest    Reason = "malformed_digest"
	ReasonMalformedRanges    Reason = "malformed_ranges"
	ReasonMalformedSignature Reason = "malformed_signature"
	ReasonSignerMismatch     Reason = "signer_mismatch"
	ReasonInvalidSignature   Reason = "invalid_signature"
)

// VerifyAttestation checks that record was signed by the holder of
// signerPublicKey and that none of its fields were altered. It never panics;
// malformed input yields false with a reason.
func VerifyAttestation(record *Record, signerPublicKey *ecdsa.PublicKey) (ok bool, reason Reason) {
	defer func() {
		if r := recover(); r != nil {
			ok, reason = false, ReasonMalformedSignature
		}
	}()

	if record == nil {
		return false, ReasonNilRecord
	}
	if signerPublicKey == nil || signerPublicKey.X == nil || signerPublicKey.Y == nil {
		return false, ReasonNilPublicKey
	}
	if record.Version != Version {
		return false, ReasonUnsupportedVersion
	}
	if len(record.CommitmentDigest) != commitment.DigestSize {
		return false, ReasonMalformedDigest
	}
	if !rangesWellFormed(record.RevealedRanges.Sent) || !rangesWellFormed(record.RevealedRanges.Recv) {
		return false, ReasonMalformedRanges
	}
	if len(record.Signature) != shared.SignatureLength {
		return false, ReasonMalformedSignature
	}

	expected := crypto.PubkeyToAddress(*signerPublicKey)
	if !strings.EqualFold(record.SignerKeyID, expected.Hex()) {
		return false, ReasonSignerMismatch
	}
	if len(record.SignerPublicKey) > 0 && !bytes.Equal(record.SignerPublicKey, crypto.CompressPubkey(signerPublicKey)) {
		return false, ReasonSignerMismatch
	}

	if err := shared.VerifyEthSignature(CanonicalBytes(record), record.Signature, expected); err != nil {
		return false, ReasonInvalidSignature
	}
	return true, ReasonNone
}

// VerifyCommitment additionally checks that the record attests to digest.
func VerifyCommitment(record *Record, signerPublicKey *ecdsa.PublicKey, digest commitment.Digest) (bool, Reason) {
	ok, reason := VerifyAttestation(record, signerPublicKey)
	if !ok {
		return ok, reason
	}
	if !digest.Equal(record.CommitmentDigest) {
		return false, ReasonMalformedDigest
	}
	return true, ReasonNone
}

// Err converts a failed verification into an error, nil on success.
func Err(ok bool, reason Reason) error {
	if ok {
		return nil
	}
	return fmt.Errorf("attestation verification failed: %s", reason)
}

func rangesWellFormed(ranges []commitment.ByteRange) bool {
	for _, r := range ranges {
		if r.Start < 0 || r.Start > r.End {
			return false
		}
	}
	return true
}
