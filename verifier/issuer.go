package verifier

import (
	"fmt"
	"time"

	"auditor-zk/attestation"
	"auditor-zk/channel"
	"auditor-zk/commitment"
	"auditor-zk/shared"

	"go.uber.org/zap"
)

// Issuer validates reveal requests against the verifier's own transcript and
// signs attestations for the ones that check out.
type Issuer struct {
	signer *shared.SigningKeyPair
	now    func() time.Time
	logger *shared.Logger
}

func NewIssuer(signer *shared.SigningKeyPair, logger *shared.Logger) *Issuer {
	if logger == nil {
		logger = shared.NopLogger()
	}
	return &Issuer{signer: signer, now: time.Now, logger: logger}
}

// Issue consumes the session's single reveal attempt. A rejected reveal never
// produces a signature, and the session cannot retry.
func (i *Issuer) Issue(src RevealSource, req channel.RevealRequestData) (*attestation.Record, error) {
	view, err := src.BeginReveal()
	if err != nil {
		return nil, err
	}
	defer wipeBytes(view.Secret)

	sentLen, recvLen := view.Transcript.SentLen(), view.Transcript.RecvLen()
	for _, dir := range []commitment.Direction{commitment.Sent, commitment.Recv} {
		bufLen := sentLen
		if dir == commitment.Recv {
			bufLen = recvLen
		}
		for idx, r := range req.Spec.Ranges(dir) {
			if err := r.Within(bufLen); err != nil {
				return nil, shared.NewError(shared.KindRangeOutOfBounds,
					fmt.Sprintf("%s range %d %s outside observed length %d", dir, idx, r, bufLen), err)
			}
		}
	}
	if req.Spec.IsEmpty() {
		return nil, shared.Errorf(shared.KindRangeOutOfBounds, "reveal discloses no transcript bytes")
	}

	digest, err := view.Transcript.Commit(req.Spec, view.Secret)
	if err != nil {
		return nil, err
	}
	if len(req.Commitment) != commitment.DigestSize || !digest.Equal(req.Commitment) {
		return nil, shared.Errorf(shared.KindCommitmentMismatch,
			"asserted commitment does not match the observed transcript")
	}

	record, err := attestation.Sign(attestation.Statement{
		Digest:         digest,
		Spec:           req.Spec,
		ServerIdentity: view.ServerIdentity,
		IssuedAt:       i.now(),
	}, i.signer)
	if err != nil {
		return nil, shared.NewPhaseError(shared.KindProtocol, "sign", "failed to sign attestation", err)
	}

	i.logger.Debug("Attestation signed",
		zap.String("digest", digest.Hex()),
		zap.Int("revealed_sent", commitment.TotalLen(req.Spec.Sent)),
		zap.Int("revealed_recv", commitment.TotalLen(req.Spec.Recv)),
		zap.Bool("server_identity", req.Spec.RevealServerIdentity))
	return record, nil
}

func wipeBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
