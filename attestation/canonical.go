package attestation

import (
	"auditor-zk/commitment"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the canonical encoding.
const (
	fieldDigest         protowire.Number = 1
	fieldRange          protowire.Number = 2
	fieldServerIdentity protowire.Number = 3
	fieldTimestamp      protowire.Number = 4

	fieldRangeDirection protowire.Number = 1
	fieldRangeStart     protowire.Number = 2
	fieldRangeEnd       protowire.Number = 3
)

// CanonicalBytes returns the exact bytes a signature covers: the digest, the
// revealed ranges (sent then recv, in record order), the server identity and
// the timestamp, in protobuf wire format with fields emitted in number order.
// Version, signature and signer fields are not covered.
func CanonicalBytes(r *Record) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldDigest, protowire.BytesType)
	b = protowire.AppendBytes(b, r.CommitmentDigest)

	b = appendRanges(b, commitment.Sent, r.RevealedRanges.Sent)
	b = appendRanges(b, commitment.Recv, r.RevealedRanges.Recv)

	b = protowire.AppendTag(b, fieldServerIdentity, protowire.BytesType)
	b = protowire.AppendString(b, r.ServerIdentity)

	b = protowire.AppendTag(b, fieldTimestamp, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, r.Timestamp)
	return b
}

func appendRanges(b []byte, dir commitment.Direction, ranges []commitment.ByteRange) []byte {
	for _, rg := range ranges {
		var inner []byte
		inner = protowire.AppendTag(inner, fieldRangeDirection, protowire.VarintType)
		inner = protowire.AppendVarint(inner, uint64(dir))
		inner = protowire.AppendTag(inner, fieldRangeStart, protowire.VarintType)
		inner = protowire.AppendVarint(inner, protowire.EncodeZigZag(int64(rg.Start)))
		inner = protowire.AppendTag(inner, fieldRangeEnd, protowire.VarintType)
		inner = protowire.AppendVarint(inner, protowire.EncodeZigZag(int64(rg.End)))

		b = protowire.AppendTag(b, fieldRange, protowire.BytesType)
		b = protowire.AppendBytes(b, inner)
	}
	return b
}
