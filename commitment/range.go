package commitment

import (
	"fmt"
	"sort"

	"auditor-zk/shared"
)

// Direction selects one of the two transcript buffers.
type Direction int

const (
	Sent Direction = iota
	Recv
)

func (d Direction) String() string {
	switch d {
	case Sent:
		return "sent"
	case Recv:
		return "recv"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// ByteRange is a half-open interval [Start, End) into a transcript buffer.
type ByteRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Len returns the number of bytes covered by the range.
func (r ByteRange) Len() int {
	if r.End <= r.Start {
		return 0
	}
	return r.End - r.Start
}

func (r ByteRange) String() string {
	return fmt.Sprintf("[%d,%d)", r.Start, r.End)
}

// Within reports, as an untagged error, why r does not fit a buffer of
// bufLen bytes. Callers attach the error kind that fits their side of the
// protocol.
func (r ByteRange) Within(bufLen int) error {
	switch {
	case r.Start < 0:
		return fmt.Errorf("range %s has negative start", r)
	case r.Start > r.End:
		return fmt.Errorf("range %s starts after it ends", r)
	case r.End > bufLen:
		return fmt.Errorf("range %s exceeds buffer length %d", r, bufLen)
	}
	return nil
}

// Slice returns buf[r.Start:r.End], failing with InvalidRange when r does not fit.
func (r ByteRange) Slice(buf []byte) ([]byte, error) {
	if err := r.Within(len(buf)); err != nil {
		return nil, shared.NewError(shared.KindInvalidRange, err.Error(), nil)
	}
	return buf[r.Start:r.End], nil
}

// NormalizeRanges sorts ranges by start, drops empty ones and merges
// overlapping or touching neighbours. The input slice is not modified.
func NormalizeRanges(ranges []ByteRange) []ByteRange {
	var sorted []ByteRange
	for _, r := range ranges {
		if r.Len() > 0 {
			sorted = append(sorted, r)
		}
	}
	if len(sorted) == 0 {
		return nil
	}

	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Start < sorted[j].Start
	})

	var consolidated []ByteRange
	current := sorted[0]
	for _, next := range sorted[1:] {
		// Consecutive or overlapping ranges collapse into one
		if current.End >= next.Start {
			current.End = max(current.End, next.End)
		} else {
			consolidated = append(consolidated, current)
			current = next
		}
	}
	return append(consolidated, current)
}

// SubtractRanges removes every byte covered by private from ranges. The
// result is normalized.
func SubtractRanges(ranges, private []ByteRange) []ByteRange {
	remaining := NormalizeRanges(ranges)
	for _, p := range NormalizeRanges(private) {
		var next []ByteRange
		for _, r := range remaining {
			if p.End <= r.Start || p.Start >= r.End {
				next = append(next, r)
				continue
			}
			if p.Start > r.Start {
				next = append(next, ByteRange{Start: r.Start, End: p.Start})
			}
			if p.End < r.End {
				next = append(next, ByteRange{Start: p.End, End: r.End})
			}
		}
		remaining = next
	}
	return remaining
}

// TotalLen sums the lengths of ranges.
func TotalLen(ranges []ByteRange) int {
	n := 0
	for _, r := range ranges {
		n += r.Len()
	}
	return n
}
