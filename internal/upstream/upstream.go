// Package upstream implements the proxy-fetch client (spec §4.4):
// given a serialized request and an authority, it connects to the
// origin, writes the request, and parses the response incrementally.
package upstream

import (
	"bytes"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/Az107/HTeaPot/internal/header"
	"github.com/Az107/HTeaPot/internal/message"
)

const (
	// ConnectTimeout bounds dialing the origin.
	ConnectTimeout = 5 * time.Second
	// ReadTimeout bounds each read while waiting for the response.
	ReadTimeout = 10 * time.Second

	readBufferSize = 2 * 1024
)

// Client fetches a response from an upstream authority on behalf of
// the proxy-forwarding path.
type Client struct {
	// Dial is overridable for tests; defaults to net.DialTimeout.
	Dial func(network, address string, timeout time.Duration) (net.Conn, error)
}

// New returns a Client using real TCP dialing.
func New() *Client {
	return &Client{Dial: net.DialTimeout}
}

// stripScheme removes a leading "http://" and rejects "https://"
// outright, per spec step 1.
func stripScheme(authority string) (string, error) {
	switch {
	case strings.HasPrefix(authority, "http://"):
		return strings.TrimPrefix(authority, "http://"), nil
	case strings.HasPrefix(authority, "https://"):
		return "", fmt.Errorf("upstream: https is not supported")
	default:
		return authority, nil
	}
}

// resolveCandidates resolves host:port to the set of IP addresses a
// dial may try, skipping zero/unspecified addresses entirely.
func resolveCandidates(hostport string) ([]string, error) {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return nil, fmt.Errorf("upstream: invalid authority %q: %w", hostport, err)
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, fmt.Errorf("upstream: resolve %q: %w", host, err)
	}
	var candidates []string
	for _, ip := range ips {
		if ip.IsUnspecified() {
			continue
		}
		candidates = append(candidates, net.JoinHostPort(ip.String(), port))
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("upstream: no usable address for %q", hostport)
	}
	return candidates, nil
}

// Fetch dials authority, writes raw (the serialized request bytes)
// verbatim, and parses the response. Errors from every resolved
// candidate are aggregated so the caller sees the full picture rather
// than just the first.
func (c *Client) Fetch(authority string, raw []byte) (*ResponseHead, error) {
	hostport, err := stripScheme(authority)
	if err != nil {
		return nil, err
	}
	candidates, err := resolveCandidates(hostport)
	if err != nil {
		// Fall back to a direct dial of the original string: some
		// callers pass a bare hostname the resolver handles itself.
		candidates = []string{hostport}
	}

	var errs *multierror.Error
	for _, addr := range candidates {
		conn, dialErr := c.Dial("tcp", addr, ConnectTimeout)
		if dialErr != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", addr, dialErr))
			continue
		}
		resp, fetchErr := c.fetchOn(conn, raw)
		conn.Close()
		if fetchErr != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", addr, fetchErr))
			continue
		}
		return resp, nil
	}
	return nil, errs.ErrorOrNil()
}

func (c *Client) fetchOn(conn net.Conn, raw []byte) (*ResponseHead, error) {
	if _, err := conn.Write(raw); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	builder := newResponseBuilder()
	buf := make([]byte, readBufferSize)
	for !builder.done {
		conn.SetReadDeadline(time.Now().Add(ReadTimeout))
		n, err := conn.Read(buf)
		if n > 0 {
			if feedErr := builder.feed(buf[:n]); feedErr != nil {
				return nil, feedErr
			}
		}
		if err != nil {
			if builder.done {
				break
			}
			return nil, fmt.Errorf("read response: %w", err)
		}
	}
	return builder.head, nil
}

// ResponseHead is the parsed status line, headers, and body of an
// upstream response, ready to be relayed as a message.BufferedResponse
// or consumed by the handler.
type ResponseHead struct {
	StatusCode int
	Reason     string
	Header     map[string]string
	Body       []byte
}

type upstreamParserPhase int

const (
	upstreamPhaseStatusLine upstreamParserPhase = iota
	upstreamPhaseHeaders
	upstreamPhaseBody
	upstreamPhaseChunkSize
	upstreamPhaseChunkData
	upstreamPhaseChunkCRLF
	upstreamPhaseDone
)

// responseBuilder mirrors the request parser's state machine
// (Init/Headers/Body/Finish) for the response side, per spec §4.4
// step 5.
type responseBuilder struct {
	phase   upstreamParserPhase
	pending []byte
	head    *ResponseHead

	hasContentLength bool
	hasChunked       bool
	contentLength    int
	chunkWant        int

	done bool
}

func newResponseBuilder() *responseBuilder {
	return &responseBuilder{
		head: &ResponseHead{Header: make(map[string]string)},
	}
}

func (b *responseBuilder) feed(data []byte) error {
	b.pending = append(b.pending, data...)
	for {
		advanced, err := b.step()
		if err != nil {
			return err
		}
		if !advanced || b.done {
			return nil
		}
	}
}

func (b *responseBuilder) step() (bool, error) {
	switch b.phase {
	case upstreamPhaseStatusLine:
		return b.stepStatusLine()
	case upstreamPhaseHeaders:
		return b.stepHeaders()
	case upstreamPhaseBody:
		return b.stepBody()
	case upstreamPhaseChunkSize:
		return b.stepChunkSize()
	case upstreamPhaseChunkData:
		return b.stepChunkData()
	case upstreamPhaseChunkCRLF:
		return b.stepChunkCRLF()
	default:
		return false, nil
	}
}

func (b *responseBuilder) takeLine() (string, bool) {
	idx := bytes.Index(b.pending, []byte("\r\n"))
	if idx < 0 {
		return "", false
	}
	line := string(b.pending[:idx])
	b.pending = b.pending[idx+2:]
	return line, true
}

func (b *responseBuilder) stepStatusLine() (bool, error) {
	line, ok := b.takeLine()
	if !ok {
		return false, nil
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return false, fmt.Errorf("malformed status line: %q", line)
	}
	var code int
	if _, err := fmt.Sscanf(parts[1], "%d", &code); err != nil {
		return false, fmt.Errorf("malformed status code: %q", parts[1])
	}
	b.head.StatusCode = code
	if len(parts) == 3 {
		b.head.Reason = parts[2]
	}
	b.phase = upstreamPhaseHeaders
	return true, nil
}

func (b *responseBuilder) stepHeaders() (bool, error) {
	line, ok := b.takeLine()
	if !ok {
		return false, nil
	}
	if line == "" {
		switch {
		case b.hasChunked:
			b.phase = upstreamPhaseChunkSize
		case b.hasContentLength:
			b.phase = upstreamPhaseBody
		default:
			b.phase = upstreamPhaseDone
			b.done = true
		}
		return true, nil
	}
	colon := strings.IndexByte(line, ':')
	if colon < 0 {
		return false, fmt.Errorf("invalid header line: %q", line)
	}
	name := strings.TrimSpace(line[:colon])
	value := strings.TrimSpace(line[colon+1:])
	b.head.Header[strings.ToLower(name)] = value
	switch strings.ToLower(name) {
	case "content-length":
		var n int
		if _, err := fmt.Sscanf(value, "%d", &n); err == nil {
			b.hasContentLength = true
			b.contentLength = n
		}
	case "transfer-encoding":
		if strings.EqualFold(value, "chunked") {
			b.hasChunked = true
		}
	}
	return true, nil
}

func (b *responseBuilder) stepBody() (bool, error) {
	if len(b.head.Body) >= b.contentLength {
		b.phase = upstreamPhaseDone
		b.done = true
		return true, nil
	}
	if len(b.pending) == 0 {
		return false, nil
	}
	need := b.contentLength - len(b.head.Body)
	take := need
	if take > len(b.pending) {
		take = len(b.pending)
	}
	b.head.Body = append(b.head.Body, b.pending[:take]...)
	b.pending = b.pending[take:]
	if len(b.head.Body) >= b.contentLength {
		b.phase = upstreamPhaseDone
		b.done = true
	}
	return true, nil
}

func (b *responseBuilder) stepChunkSize() (bool, error) {
	line, ok := b.takeLine()
	if !ok {
		return false, nil
	}
	if semi := strings.IndexByte(line, ';'); semi >= 0 {
		line = line[:semi]
	}
	var size int
	if _, err := fmt.Sscanf(strings.TrimSpace(line), "%x", &size); err != nil {
		return false, fmt.Errorf("invalid chunk size: %q", line)
	}
	if size == 0 {
		b.phase = upstreamPhaseDone
		b.done = true
		return true, nil
	}
	b.chunkWant = size
	b.phase = upstreamPhaseChunkData
	return true, nil
}

func (b *responseBuilder) stepChunkData() (bool, error) {
	if b.chunkWant == 0 {
		b.phase = upstreamPhaseChunkCRLF
		return true, nil
	}
	if len(b.pending) == 0 {
		return false, nil
	}
	take := b.chunkWant
	if take > len(b.pending) {
		take = len(b.pending)
	}
	b.head.Body = append(b.head.Body, b.pending[:take]...)
	b.pending = b.pending[take:]
	b.chunkWant -= take
	if b.chunkWant == 0 {
		b.phase = upstreamPhaseChunkCRLF
	}
	return true, nil
}

func (b *responseBuilder) stepChunkCRLF() (bool, error) {
	if len(b.pending) < 2 {
		return false, nil
	}
	if b.pending[0] != '\r' || b.pending[1] != '\n' {
		return false, fmt.Errorf("malformed chunk terminator")
	}
	b.pending = b.pending[2:]
	b.phase = upstreamPhaseChunkSize
	return true, nil
}

// ToResponse converts a fetched head into a proxyable
// message.BufferedResponse, preserving the upstream's headers.
func (h *ResponseHead) ToResponse() *message.BufferedResponse {
	status, ok := message.StatusFromCode(h.StatusCode)
	if !ok {
		status = message.Status{Code: h.StatusCode, Phrase: h.Reason}
	}
	hdr := header.New()
	for name, value := range h.Header {
		hdr.Insert(name, value)
	}
	return message.NewBufferedResponse(status, h.Body, hdr)
}
