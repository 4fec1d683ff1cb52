package message

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/Az107/HTeaPot/internal/header"
)

func dialTCP(network, address string) (Copier, error) {
	return net.Dial(network, address)
}

// Version is the HTeaPot build version reported in the Server header.
const Version = "0.1.0"

// peekChunkSize bounds the slices a Buffered response yields from peek,
// per spec.
const peekChunkSize = 2 * 1024

// ErrWouldBlock and ErrFinished are the two sentinel outcomes of
// Response.Peek, mirroring the parser's "needs more input" /
// "terminal" split but for the write side.
var (
	ErrWouldBlock = errors.New("message: response would block")
	ErrFinished   = errors.New("message: response finished")
)

// Response is the shared iteration contract every response variant
// implements. The engine alternates Peek (never consumes) and Next
// (advances past what was just peeked), so a short or blocked write
// can be retried without re-serializing anything.
type Response interface {
	// Peek returns the next slice to write to the wire. It returns
	// ErrWouldBlock if no bytes are ready yet (producer hasn't sent
	// one, in the Streamed case) and ErrFinished once the response
	// is fully drained.
	Peek() ([]byte, error)
	// Next advances past the slice last returned by Peek.
	Next()
}

// HeaderedResponse is implemented by variants whose headers the
// engine may still adjust (Connection, Keep-Alive) before the first
// Peek call serializes them. Tunnel responses intentionally don't
// implement this -- they have no header map to adjust.
type HeaderedResponse interface {
	Response
	Headers() header.Header
}

// BufferedResponse owns a byte body known in full at construction
// time. It serializes itself lazily on the first Peek and is then
// handed out in fixed-size slices.
type BufferedResponse struct {
	status  Status
	headers header.Header
	body    []byte

	raw bool

	serialized []byte
	offset     int
	lastLen    int
	built      bool
}

// NewBufferedResponse builds a response whose entire body is already
// known. Content-Length and Server are populated automatically:
// Content-Length is always set to the body's length, overwriting any
// handler-supplied value, while a handler-supplied Server header is
// left untouched.
func NewBufferedResponse(status Status, body []byte, headers header.Header) *BufferedResponse {
	if headers.Len() == 0 {
		headers = header.New()
	}
	return &BufferedResponse{status: status, headers: headers, body: body}
}

// NewRawResponse wraps bytes that are already a complete, well-formed
// HTTP response (used for proxy passthrough): they are emitted
// unchanged, with no header auto-population.
func NewRawResponse(raw []byte) *BufferedResponse {
	return &BufferedResponse{raw: true, serialized: raw, built: true}
}

// Status reports the response's status line.
func (r *BufferedResponse) Status() Status { return r.status }

// Headers exposes the header map so the engine can mutate
// Connection / Keep-Alive before the first Peek forces serialization.
func (r *BufferedResponse) Headers() header.Header { return r.headers }

func (r *BufferedResponse) buildIfNeeded() {
	if r.built {
		return
	}
	r.built = true
	if r.raw {
		return
	}
	r.headers.Insert("Content-Length", strconv.Itoa(len(r.body)))
	r.headers.SetIfAbsent("Server", "HTeaPot/"+Version)

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "HTTP/1.1 %s\r\n", r.status.String())
	r.headers.Range(func(name, value string) bool {
		fmt.Fprintf(&buf, "%s: %s\r\n", name, value)
		return true
	})
	buf.WriteString("\r\n")
	buf.Write(r.body)
	buf.WriteString("\r\n")
	r.serialized = buf.Bytes()
}

func (r *BufferedResponse) Peek() ([]byte, error) {
	r.buildIfNeeded()
	if r.offset >= len(r.serialized) {
		return nil, ErrFinished
	}
	end := r.offset + peekChunkSize
	if end > len(r.serialized) {
		end = len(r.serialized)
	}
	chunk := r.serialized[r.offset:end]
	r.lastLen = len(chunk)
	return chunk, nil
}

func (r *BufferedResponse) Next() {
	r.offset += r.lastLen
	r.lastLen = 0
}

// encodeChunk frames payload as "<hex-len>CRLF<payload>CRLF", the
// unit a Streamed response's producer pushes onto its queue.
func encodeChunk(payload []byte) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%x\r\n", len(payload))
	buf.Write(payload)
	buf.WriteString("\r\n")
	return buf.Bytes()
}

// terminatingChunk is the zero-length chunk plus the trailing blank
// line that ends a chunked body. No trailers are ever emitted.
func terminatingChunk() []byte {
	return []byte("0\r\n\r\n")
}

// StreamedResponse's body is produced incrementally by a producer
// function running in its own goroutine. Each payload it sends is
// chunk-framed before it reaches the queue; the worker only ever
// writes already-framed bytes.
type StreamedResponse struct {
	status  Status
	headers header.Header

	queue chan []byte

	headerSent bool
	pending    []byte
	finished   bool
}

// Producer is the function a Streamed response's caller supplies. It
// receives a send callback; every call to send enqueues one
// chunk-framed payload. Send blocks when the queue is full, which is
// how backpressure reaches the producer instead of the worker.
type Producer func(send func(payload []byte)) error

// NewStreamedResponse starts producing in the background. capacity
// bounds the channel so a slow consumer can't make the producer
// allocate without limit; a capacity of 0 falls back to a sane
// default.
func NewStreamedResponse(status Status, headers header.Header, capacity int, produce Producer) *StreamedResponse {
	if headers.Len() == 0 {
		headers = header.New()
	}
	if capacity <= 0 {
		capacity = 16
	}
	s := &StreamedResponse{
		status:  status,
		headers: headers,
		queue:   make(chan []byte, capacity),
	}
	go func() {
		_ = produce(func(payload []byte) {
			s.queue <- encodeChunk(payload)
		})
		s.queue <- terminatingChunk()
		close(s.queue)
	}()
	return s
}

// Headers exposes the header map so the engine can set Connection /
// Keep-Alive before the first Peek forces it onto the wire.
func (s *StreamedResponse) Headers() header.Header { return s.headers }

func (s *StreamedResponse) statusLine() []byte {
	s.headers.Insert("Transfer-Encoding", "chunked")
	s.headers.SetIfAbsent("Server", "HTeaPot/"+Version)

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "HTTP/1.1 %s\r\n", s.status.String())
	s.headers.Range(func(name, value string) bool {
		fmt.Fprintf(&buf, "%s: %s\r\n", name, value)
		return true
	})
	buf.WriteString("\r\n")
	return buf.Bytes()
}

func (s *StreamedResponse) Peek() ([]byte, error) {
	if s.finished {
		return nil, ErrFinished
	}
	if s.pending != nil {
		return s.pending, nil
	}
	if !s.headerSent {
		s.pending = s.statusLine()
		return s.pending, nil
	}
	select {
	case chunk, ok := <-s.queue:
		if !ok {
			s.finished = true
			return nil, ErrFinished
		}
		s.pending = chunk
		return s.pending, nil
	default:
		return nil, ErrWouldBlock
	}
}

func (s *StreamedResponse) Next() {
	if !s.headerSent {
		s.headerSent = true
	}
	s.pending = nil
}

// TunnelResponse relinquishes the connection to a raw bidirectional
// byte copy with a handler-designated upstream, after a single 200 OK
// header block.
type TunnelResponse struct {
	upstreamAddr string
	dial         DialFunc

	headerSent bool
	started    bool
	done       chan struct{}
}

// Copier is the subset of net.Conn the tunnel needs; kept narrow so
// tests can supply an in-memory fake instead of a real socket.
type Copier interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// DialFunc opens the upstream side of a tunnel. Production callers
// wrap net.Dial; tests can substitute an in-memory pipe.
type DialFunc func(network, address string) (Copier, error)

// NewTunnelResponse builds a tunnel to upstreamAddr ("host:port").
func NewTunnelResponse(upstreamAddr string, dial DialFunc) *TunnelResponse {
	return &TunnelResponse{
		upstreamAddr: upstreamAddr,
		dial:         dial,
		done:         make(chan struct{}),
	}
}

// NewTCPTunnelResponse is NewTunnelResponse wired to a real net.Dial,
// the form every handler outside of tests reaches for.
func NewTCPTunnelResponse(upstreamAddr string) *TunnelResponse {
	return NewTunnelResponse(upstreamAddr, dialTCP)
}

// UpstreamAddr reports the handler-designated upstream host:port.
func (t *TunnelResponse) UpstreamAddr() string { return t.upstreamAddr }

// Start dials upstream and wires the bidirectional copy between
// client and upstream. The engine calls this once it has handed the
// tunnel the accepted client connection, after the 200 OK header has
// been written.
func (t *TunnelResponse) Start(client Copier) error {
	if t.started {
		return nil
	}
	t.started = true
	upstream, err := t.dial("tcp", t.upstreamAddr)
	if err != nil {
		close(t.done)
		return err
	}
	go func() {
		defer close(t.done)
		var teardownOnce sync.Once
		teardown := func() {
			teardownOnce.Do(func() {
				client.Close()
				upstream.Close()
			})
		}
		var g errgroup.Group
		g.Go(func() error {
			copyBytes(upstream, client)
			teardown()
			return nil
		})
		g.Go(func() error {
			copyBytes(client, upstream)
			teardown()
			return nil
		})
		_ = g.Wait()
	}()
	return nil
}

func copyBytes(dst, src Copier) {
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (t *TunnelResponse) Peek() ([]byte, error) {
	if !t.headerSent {
		return []byte("HTTP/1.1 200 OK\r\n\r\n"), nil
	}
	select {
	case <-t.done:
		return nil, ErrFinished
	default:
		return nil, ErrWouldBlock
	}
}

func (t *TunnelResponse) Next() {
	t.headerSent = true
}
