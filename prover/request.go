package prover

import (
	"bytes"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"auditor-zk/commitment"
	"auditor-zk/shared"
)

// DefaultPrivateHeaders are request headers whose values are withheld from the
// verifier unless the caller says otherwise.
var DefaultPrivateHeaders = []string{"Authorization", "Cookie", "X-Api-Key"}

// Headers the builder owns. Caller values are dropped and the builder writes
// each exactly once.
var builderOwnedHeaders = []string{"Content-Length", "Transfer-Encoding", "Host", "Connection"}

// Request is a serialized HTTP/1.1 request and the byte ranges inside it that
// must stay private.
type Request struct {
	Bytes   []byte
	Private []commitment.ByteRange
}

// RequestBuilder serializes the request sent through the secure channel.
// Headers are written in sorted order so the same inputs always produce the
// same bytes.
type RequestBuilder struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   []byte

	// PrivateHeaders name headers whose values are recorded as private ranges.
	PrivateHeaders []string
	// PrivateBody marks the whole body private.
	PrivateBody bool
}

// NewRequestBuilder starts a GET request for u.
func NewRequestBuilder(u *url.URL) *RequestBuilder {
	return &RequestBuilder{
		Method:         http.MethodGet,
		URL:            u,
		Header:         make(http.Header),
		PrivateHeaders: DefaultPrivateHeaders,
	}
}

func (b *RequestBuilder) Build() (*Request, error) {
	if b.URL == nil || b.URL.Host == "" {
		return nil, shared.NewConfigurationError("target_url", "request has no host")
	}
	method := strings.ToUpper(b.Method)
	if method == "" {
		method = http.MethodGet
	}

	header := b.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	for _, h := range builderOwnedHeaders {
		header.Del(h)
	}
	if header.Get("Accept-Encoding") == "" {
		// Compressed bodies cannot be parsed or partially revealed.
		header.Set("Accept-Encoding", "identity")
	}
	header.Set("Connection", "close")
	if len(b.Body) > 0 || method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch {
		header.Set("Content-Length", strconv.Itoa(len(b.Body)))
	}

	private := make(map[string]bool, len(b.PrivateHeaders))
	for _, h := range b.PrivateHeaders {
		private[http.CanonicalHeaderKey(h)] = true
	}

	var buf bytes.Buffer
	var ranges []commitment.ByteRange
	fmt.Fprintf(&buf, "%s %s HTTP/1.1\r\n", method, b.URL.RequestURI())
	fmt.Fprintf(&buf, "Host: %s\r\n", b.URL.Host)

	keys := make([]string, 0, len(header))
	for k := range header {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range header[k] {
			if strings.ContainsAny(v, "\r\n") || strings.ContainsAny(k, "\r\n: ") {
				return nil, shared.NewConfigurationError("headers", fmt.Sprintf("invalid header %q", k))
			}
			buf.WriteString(k)
			buf.WriteString(": ")
			start := buf.Len()
			buf.WriteString(v)
			if private[k] && len(v) > 0 {
				ranges = append(ranges, commitment.ByteRange{Start: start, End: buf.Len()})
			}
			buf.WriteString("\r\n")
		}
	}
	buf.WriteString("\r\n")

	if len(b.Body) > 0 {
		start := buf.Len()
		buf.Write(b.Body)
		if b.PrivateBody {
			ranges = append(ranges, commitment.ByteRange{Start: start, End: buf.Len()})
		}
	}

	return &Request{Bytes: buf.Bytes(), Private: commitment.NormalizeRanges(ranges)}, nil
}
