package prover

import (
	"auditor-zk/commitment"
	"auditor-zk/shared"
	"auditor-zk/transcript"
)

// RevealPolicy decides which transcript bytes are disclosed to the verifier.
// Everything is revealed except what the policy names.
type RevealPolicy struct {
	RevealServerIdentity bool

	// PrivateHeaders are request headers whose values are withheld. Nil means
	// DefaultPrivateHeaders.
	PrivateHeaders []string
	// PrivateJSONPaths select response body values to withhold, e.g.
	// transcript.DefaultBalancePaths.
	PrivateJSONPaths []string

	// Explicit extra ranges.
	PrivateSent []commitment.ByteRange
	PrivateRecv []commitment.ByteRange
}

// DefaultRevealPolicy discloses the server identity and all of the response,
// and withholds credential header values.
func DefaultRevealPolicy() RevealPolicy {
	return RevealPolicy{
		RevealServerIdentity: true,
		PrivateHeaders:       append([]string(nil), DefaultPrivateHeaders...),
	}
}

// Apply builds the reveal spec for tr. req supplies the private ranges the
// request builder recorded.
func (p RevealPolicy) Apply(tr *transcript.Transcript, req *Request) (commitment.RevealSpec, error) {
	spec := commitment.BuildRevealSpec(tr.SentLen(), tr.RecvLen(), p.RevealServerIdentity)

	var privateSent []commitment.ByteRange
	if req != nil {
		privateSent = append(privateSent, req.Private...)
	}
	privateSent = append(privateSent, p.PrivateSent...)
	spec = spec.Exclude(commitment.Sent, privateSent...)

	privateRecv := append([]commitment.ByteRange(nil), p.PrivateRecv...)
	if len(p.PrivateJSONPaths) > 0 {
		ranges, err := transcript.BalanceValueRanges(tr.Recv(), p.PrivateJSONPaths...)
		if err != nil {
			return commitment.RevealSpec{}, err
		}
		privateRecv = append(privateRecv, ranges...)
	}
	spec = spec.Exclude(commitment.Recv, privateRecv...)

	if err := spec.Validate(tr.SentLen(), tr.RecvLen()); err != nil {
		return commitment.RevealSpec{}, err
	}
	if spec.IsEmpty() {
		return commitment.RevealSpec{}, shared.Errorf(shared.KindInvalidRange, "reveal policy withholds the entire transcript")
	}
	return spec, nil
}
