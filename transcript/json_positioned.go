package transcript

import (
	"fmt"
	"strconv"
	"strings"

	"auditor-zk/commitment"
	"auditor-zk/shared"

	gojson "github.com/coreos/go-json"
	jp "github.com/reclaimprotocol/jsonpathplus-go"
)

// DefaultBalancePaths select every balance figure of a balance document.
var DefaultBalancePaths = []string{
	"$.accounts[*].balances.current",
	"$.accounts[*].balances.available",
}

// BalanceValueRanges returns the absolute byte ranges, inside the raw
// response recv, of the JSON values selected by paths. Paths that match
// nothing are skipped. With no paths the DefaultBalancePaths are used.
func BalanceValueRanges(recv []byte, paths ...string) ([]commitment.ByteRange, error) {
	resp, err := ParseHTTPResponse(recv)
	if err != nil {
		return nil, err
	}
	if len(resp.Chunks) > 1 {
		// Body offsets are only contiguous in recv for single-chunk or
		// non-chunked bodies.
		return nil, shared.Errorf(shared.KindMalformedResponse, "cannot locate JSON values across %d chunks", len(resp.Chunks))
	}
	if len(paths) == 0 {
		paths = DefaultBalancePaths
	}

	bodyOffset := resp.BodyStartIndex
	if len(resp.Chunks) == 1 {
		bodyOffset = resp.Chunks[0].Start
	}

	var out []commitment.ByteRange
	for _, path := range paths {
		ranges, err := extractJSONValueIndexes(resp.Body, path)
		if err != nil {
			return nil, err
		}
		for _, r := range ranges {
			out = append(out, commitment.ByteRange{Start: bodyOffset + r.Start, End: bodyOffset + r.End})
		}
	}
	return commitment.NormalizeRanges(out), nil
}

// extractJSONValueIndexes:
// 1) Evaluate JSONPath using jsonpathplus-go
// 2) Parse JSON into a Node tree with byte offsets (coreos/go-json)
// 3) Traverse the Node tree by path segments and return exact byte ranges
func extractJSONValueIndexes(doc []byte, jsonPathExpr string) ([]commitment.ByteRange, error) {
	results, err := jp.Query(jsonPathExpr, string(doc))
	if err != nil {
		return nil, fmt.Errorf("JSONPath query failed: %v", err)
	}
	if len(results) == 0 {
		return nil, nil
	}

	var root gojson.Node
	if err := gojson.Unmarshal(doc, &root); err != nil {
		return nil, fmt.Errorf("failed to parse JSON for offsets: %v", err)
	}

	ranges := make([]commitment.ByteRange, 0, len(results))
	for _, r := range results {
		n, err := findNodeBySegments(&root, jsonPathToSegments(r.Path))
		if err != nil {
			return nil, fmt.Errorf("failed to resolve path %q: %v", r.Path, err)
		}
		// Node.End is inclusive
		start := n.Start
		end := n.End + 1
		if start < 0 || end > len(doc) || start > end {
			return nil, fmt.Errorf("invalid range computed for path %q: [%d,%d)", r.Path, start, end)
		}
		ranges = append(ranges, commitment.ByteRange{Start: start, End: end})
	}
	return ranges, nil
}

// jsonPathToSegments converts a JSONPath like $.a[1].b or $['a'][1]['b'] to
// segments ["a","1","b"].
func jsonPathToSegments(path string) []string {
	p := strings.TrimPrefix(path, "$")
	p = strings.TrimPrefix(p, ".")
	if p == "" {
		return nil
	}
	var segments []string
	cur := strings.Builder{}
	inBracket := false
	for _, r := range p {
		switch r {
		case '.':
			if !inBracket {
				if cur.Len() > 0 {
					segments = append(segments, cur.String())
					cur.Reset()
				}
				continue
			}
		case '[':
			if !inBracket {
				if cur.Len() > 0 {
					segments = append(segments, cur.String())
					cur.Reset()
				}
				inBracket = true
				continue
			}
		case ']':
			if inBracket {
				segments = append(segments, strings.Trim(cur.String(), "'\""))
				cur.Reset()
				inBracket = false
				continue
			}
		}
		cur.WriteRune(r)
	}
	if cur.Len() > 0 {
		segments = append(segments, cur.String())
	}
	return segments
}

// findNodeBySegments walks a coreos/go-json Node tree following segments.
func findNodeBySegments(node *gojson.Node, segments []string) (*gojson.Node, error) {
	cur := node
	for i, seg := range segments {
		switch v := cur.Value.(type) {
		case map[string]gojson.Node:
			next, ok := v[seg]
			if !ok {
				return nil, fmt.Errorf("object key %q not found at segment %d", seg, i)
			}
			cur = &next
		case []gojson.Node:
			idx, err := strconv.Atoi(seg)
			if err != nil {
				return nil, fmt.Errorf("invalid array index %q at segment %d", seg, i)
			}
			if idx < 0 || idx >= len(v) {
				return nil, fmt.Errorf("array index %d out of bounds at segment %d", idx, i)
			}
			cur = &v[idx]
		default:
			return nil, fmt.Errorf("cannot traverse into %T at segment %d", v, i)
		}
	}
	return cur, nil
}
