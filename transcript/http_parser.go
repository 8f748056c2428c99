package transcript

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"auditor-zk/commitment"
	"auditor-zk/shared"

	"go.uber.org/zap"
)

// HTTPResponseParser is a streaming HTTP/1.1 response parser handling
// partial data, Content-Length, chunked encoding and read-until-close bodies.
type HTTPResponseParser struct {
	// Response data being constructed
	Response *ParsedResponse

	// -1 means read until stream ends, 0 means no more body, >0 means exact count
	remainingBodyBytes int64
	isChunked          bool
	lastChunkSeen      bool
	remaining          []byte // buffer for incomplete data
	currentByteIdx     int    // position in the complete response stream

	headersComplete bool
	complete        bool
	streamEnded     bool
}

// HeaderRange locates one header line and its value inside the response.
type HeaderRange struct {
	Line  commitment.ByteRange
	Value commitment.ByteRange
}

// ParsedResponse represents a parsed HTTP response with byte offsets
type ParsedResponse struct {
	StatusCode          int
	StatusMessage       string
	StatusLineEndIndex  int
	HeaderEndIdx        int
	BodyStartIndex      int
	Body                []byte
	Headers             map[string]string // lowercased name to value
	HeaderLowerToRanges map[string]HeaderRange
	Chunks              []commitment.ByteRange // chunk payloads of chunked responses

	HeadersComplete bool
	Complete        bool
}

// NewHTTPResponseParser creates a new streaming HTTP response parser
func NewHTTPResponseParser() *HTTPResponseParser {
	return &HTTPResponseParser{
		Response: &ParsedResponse{
			StatusLineEndIndex:  -1,
			HeaderEndIdx:        -1,
			BodyStartIndex:      -1,
			Body:                []byte{},
			Headers:             make(map[string]string),
			HeaderLowerToRanges: make(map[string]HeaderRange),
		},
	}
}

// Complete reports whether the full message has been framed.
func (p *HTTPResponseParser) Complete() bool {
	return p.complete
}

// BytesConsumed is the number of input bytes that belong to the message.
func (p *HTTPResponseParser) BytesConsumed() int {
	return p.currentByteIdx
}

// OnChunk processes a new chunk of response data. It can be called any number
// of times as data arrives.
func (p *HTTPResponseParser) OnChunk(data []byte) error {
	if p.complete {
		return errors.New("got more data after response was complete")
	}

	p.remaining = append(p.remaining, data...)

	if !p.headersComplete {
		if err := p.processHeaders(); err != nil {
			return err
		}
	}

	if p.headersComplete {
		if err := p.processBody(); err != nil {
			return err
		}
	}

	return nil
}

// StreamEnded indicates that no more data will arrive. A read-until-close
// body is terminated by this call; any other framing must already be
// complete.
func (p *HTTPResponseParser) StreamEnded() error {
	p.streamEnded = true

	if !p.headersComplete {
		return errors.New("stream ended before headers were complete")
	}

	if p.complete {
		return nil
	}

	switch {
	case p.remainingBodyBytes == -1:
		p.Response.Body = append(p.Response.Body, p.remaining...)
		p.currentByteIdx += len(p.remaining)
		p.remaining = nil
	case p.isChunked && p.lastChunkSeen:
		// Final chunk arrived but the trailer section was cut short.
		p.currentByteIdx += len(p.remaining)
		p.remaining = nil
	case p.isChunked:
		return errors.New("stream ended before the final chunk")
	case p.remainingBodyBytes > 0:
		return fmt.Errorf("stream ended with %d body bytes still expected", p.remainingBodyBytes)
	}

	p.markComplete()
	return nil
}

func (p *HTTPResponseParser) markComplete() {
	p.complete = true
	p.Response.Complete = true
	logger.Debug("Response framing complete",
		zap.Int("status_code", p.Response.StatusCode),
		zap.Int("body_bytes", len(p.Response.Body)),
		zap.Int("chunks", len(p.Response.Chunks)))
}

// processHeaders processes HTTP headers from the buffer
func (p *HTTPResponseParser) processHeaders() error {
	for {
		line, found := p.getLine()
		if !found {
			return nil
		}

		// First line is status line
		if p.Response.StatusCode == 0 {
			if err := p.parseStatusLine(line); err != nil {
				return err
			}
			continue
		}

		// Empty line signals end of headers
		if line == "" {
			return p.finishHeaders()
		}

		if err := p.parseHeaderLine(line); err != nil {
			return err
		}
	}
}

// parseStatusLine parses "HTTP/1.1 200 OK"
func (p *HTTPResponseParser) parseStatusLine(line string) error {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "HTTP/") {
		return fmt.Errorf("invalid HTTP status line: %q", line)
	}

	statusCode, err := strconv.Atoi(parts[1])
	if err != nil || statusCode < 100 || statusCode > 999 {
		return fmt.Errorf("invalid status code %q", parts[1])
	}

	p.Response.StatusCode = statusCode
	if len(parts) >= 3 {
		p.Response.StatusMessage = parts[2]
	}
	p.Response.StatusLineEndIndex = p.currentByteIdx - 2 // subtract CRLF
	return nil
}

// parseHeaderLine parses a single "Name: value" line
func (p *HTTPResponseParser) parseHeaderLine(line string) error {
	colonIdx := strings.IndexByte(line, ':')
	if colonIdx <= 0 {
		return fmt.Errorf("malformed header line: %q", line)
	}

	key := strings.ToLower(strings.TrimSpace(line[:colonIdx]))
	rawValue := line[colonIdx+1:]
	value := strings.TrimLeft(rawValue, " \t")
	value = strings.TrimRight(value, " \t")

	lineStart := p.currentByteIdx - len(line) - 2 // subtract line + CRLF
	valueStart := lineStart + colonIdx + 1 + (len(rawValue) - len(strings.TrimLeft(rawValue, " \t")))

	if prev, ok := p.Response.Headers[key]; ok {
		p.Response.Headers[key] = prev + ", " + value
	} else {
		p.Response.Headers[key] = value
	}
	p.Response.HeaderLowerToRanges[key] = HeaderRange{
		Line:  commitment.ByteRange{Start: lineStart, End: lineStart + len(line)},
		Value: commitment.ByteRange{Start: valueStart, End: valueStart + len(value)},
	}
	return nil
}

// finishHeaders completes header processing and sets up body parsing
func (p *HTTPResponseParser) finishHeaders() error {
	p.headersComplete = true
	p.Response.HeadersComplete = true
	p.Response.HeaderEndIdx = p.currentByteIdx - 4 // subtract double CRLF
	p.Response.BodyStartIndex = p.currentByteIdx

	status := p.Response.StatusCode
	if (status >= 100 && status < 200) || status == 204 || status == 304 {
		p.remainingBodyBytes = 0
		p.markComplete()
		return nil
	}

	transferEncoding := p.Response.Headers["transfer-encoding"]
	contentLength := p.Response.Headers["content-length"]

	if strings.Contains(strings.ToLower(transferEncoding), "chunked") {
		p.isChunked = true
		p.remainingBodyBytes = 0
	} else if contentLength != "" {
		length, err := strconv.ParseInt(contentLength, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid Content-Length %s: %w", contentLength, err)
		}
		if length < 0 {
			return fmt.Errorf("invalid Content-Length %s: negative values not allowed", contentLength)
		}
		p.remainingBodyBytes = length
		if length == 0 {
			p.markComplete()
		}
	} else {
		// Read until connection closes
		p.remainingBodyBytes = -1
	}

	return nil
}

func (p *HTTPResponseParser) processBody() error {
	if p.complete {
		return nil
	}
	if p.isChunked {
		return p.processChunkedBody()
	}
	return p.processFixedBody()
}

// processFixedBody processes body with known or unknown length
func (p *HTTPResponseParser) processFixedBody() error {
	if len(p.remaining) == 0 {
		return nil
	}

	var bytesToCopy int
	if p.remainingBodyBytes == -1 {
		bytesToCopy = len(p.remaining)
	} else {
		bytesToCopy = int(min(p.remainingBodyBytes, int64(len(p.remaining))))
		p.remainingBodyBytes -= int64(bytesToCopy)
	}

	p.Response.Body = append(p.Response.Body, p.remaining[:bytesToCopy]...)
	p.remaining = p.remaining[bytesToCopy:]
	p.currentByteIdx += bytesToCopy

	if p.remainingBodyBytes == 0 {
		p.markComplete()
	}
	return nil
}

// processChunkedBody processes chunked transfer encoding
func (p *HTTPResponseParser) processChunkedBody() error {
	for {
		if p.lastChunkSeen {
			// Trailer section ends with an empty line
			line, found := p.getLine()
			if !found {
				return nil
			}
			if line == "" {
				p.markComplete()
				return nil
			}
			continue
		}

		if p.remainingBodyBytes > 0 {
			bytesToRead := int(min(p.remainingBodyBytes, int64(len(p.remaining))))
			if bytesToRead == 0 {
				return nil
			}

			p.Response.Body = append(p.Response.Body, p.remaining[:bytesToRead]...)
			p.remaining = p.remaining[bytesToRead:]
			p.currentByteIdx += bytesToRead
			p.remainingBodyBytes -= int64(bytesToRead)

			if p.remainingBodyBytes > 0 {
				return nil
			}

			// Consume chunk trailing CRLF
			if len(p.remaining) < 2 {
				// Park as a zero-length read so the CRLF is checked on the next call
				p.remainingBodyBytes = -2
				return nil
			}
			if err := p.consumeChunkCRLF(); err != nil {
				return err
			}
			continue
		}

		if p.remainingBodyBytes == -2 {
			if len(p.remaining) < 2 {
				return nil
			}
			if err := p.consumeChunkCRLF(); err != nil {
				return err
			}
			continue
		}

		line, found := p.getLine()
		if !found {
			return nil
		}

		// Parse chunk size (ignore extensions)
		sizeStr := line
		if semiIdx := strings.IndexByte(line, ';'); semiIdx != -1 {
			sizeStr = line[:semiIdx]
		}
		sizeStr = strings.TrimSpace(sizeStr)

		chunkSize, err := strconv.ParseInt(sizeStr, 16, 64)
		if err != nil || chunkSize < 0 {
			return fmt.Errorf("invalid chunk size %q", sizeStr)
		}

		if chunkSize == 0 {
			p.lastChunkSeen = true
			continue
		}

		p.Response.Chunks = append(p.Response.Chunks, commitment.ByteRange{
			Start: p.currentByteIdx,
			End:   p.currentByteIdx + int(chunkSize),
		})
		p.remainingBodyBytes = chunkSize
	}
}

func (p *HTTPResponseParser) consumeChunkCRLF() error {
	if !bytes.Equal(p.remaining[:2], []byte("\r\n")) {
		return errors.New("invalid chunk: missing CRLF after data")
	}
	p.remaining = p.remaining[2:]
	p.currentByteIdx += 2
	p.remainingBodyBytes = 0
	return nil
}

// getLine extracts a CRLF-terminated line from the buffer
func (p *HTTPResponseParser) getLine() (string, bool) {
	crlfIdx := bytes.Index(p.remaining, []byte("\r\n"))
	if crlfIdx == -1 {
		return "", false
	}

	line := string(p.remaining[:crlfIdx])
	p.remaining = p.remaining[crlfIdx+2:]
	p.currentByteIdx += crlfIdx + 2
	return line, true
}

// ParseHTTPResponse parses a complete captured response. Any framing or
// syntax problem is reported as MalformedResponse.
func ParseHTTPResponse(data []byte) (*ParsedResponse, error) {
	parser := NewHTTPResponseParser()

	if err := parser.OnChunk(data); err != nil {
		return nil, shared.NewError(shared.KindMalformedResponse, "response is not valid HTTP/1.1", err)
	}
	if err := parser.StreamEnded(); err != nil {
		return nil, shared.NewError(shared.KindMalformedResponse, "response is incomplete", err)
	}

	return parser.Response, nil
}
