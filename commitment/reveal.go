package commitment

import (
	"fmt"

	"auditor-zk/shared"
)

// RevealSpec lists the transcript bytes a prover discloses to the verifier.
type RevealSpec struct {
	Sent                 []ByteRange `json:"sent"`
	Recv                 []ByteRange `json:"recv"`
	RevealServerIdentity bool        `json:"reveal_server_identity"`
}

// BuildRevealSpec reveals both buffers in full. Private sub-ranges are taken
// out afterwards with Exclude.
func BuildRevealSpec(sentLen, recvLen int, revealServerIdentity bool) RevealSpec {
	spec := RevealSpec{RevealServerIdentity: revealServerIdentity}
	if sentLen > 0 {
		spec.Sent = []ByteRange{{Start: 0, End: sentLen}}
	}
	if recvLen > 0 {
		spec.Recv = []ByteRange{{Start: 0, End: recvLen}}
	}
	return spec
}

// Exclude returns a copy of s with the private ranges of one direction
// withheld.
func (s RevealSpec) Exclude(dir Direction, private ...ByteRange) RevealSpec {
	out := RevealSpec{
		Sent:                 append([]ByteRange(nil), s.Sent...),
		Recv:                 append([]ByteRange(nil), s.Recv...),
		RevealServerIdentity: s.RevealServerIdentity,
	}
	switch dir {
	case Sent:
		out.Sent = SubtractRanges(out.Sent, private)
	case Recv:
		out.Recv = SubtractRanges(out.Recv, private)
	}
	return out
}

// Ranges returns the ranges for one direction.
func (s RevealSpec) Ranges(dir Direction) []ByteRange {
	if dir == Sent {
		return s.Sent
	}
	return s.Recv
}

// IsEmpty reports whether no transcript byte is revealed.
func (s RevealSpec) IsEmpty() bool {
	return TotalLen(s.Sent) == 0 && TotalLen(s.Recv) == 0
}

// Validate checks every range against the transcript lengths.
func (s RevealSpec) Validate(sentLen, recvLen int) error {
	for _, dir := range []Direction{Sent, Recv} {
		bufLen := sentLen
		if dir == Recv {
			bufLen = recvLen
		}
		for i, r := range s.Ranges(dir) {
			if err := r.Within(bufLen); err != nil {
				return shared.NewError(shared.KindInvalidRange,
					fmt.Sprintf("%s range %d: %v", dir, i, err), nil)
			}
		}
	}
	return nil
}

// RevealedBytes concatenates the disclosed bytes, sent ranges first.
func (s RevealSpec) RevealedBytes(sent, recv []byte) ([]byte, error) {
	if err := s.Validate(len(sent), len(recv)); err != nil {
		return nil, err
	}
	out := make([]byte, 0, TotalLen(s.Sent)+TotalLen(s.Recv))
	for _, r := range s.Sent {
		out = append(out, sent[r.Start:r.End]...)
	}
	for _, r := range s.Recv {
		out = append(out, recv[r.Start:r.End]...)
	}
	return out, nil
}
