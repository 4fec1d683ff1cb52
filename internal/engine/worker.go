package engine

import (
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/Az107/HTeaPot/internal/collab"
	"github.com/Az107/HTeaPot/internal/header"
	"github.com/Az107/HTeaPot/internal/message"
)

// runWorker is one of the N long-lived worker goroutines of spec
// §4.5: it owns a private slice of in-flight connections and advances
// each by one non-blocking step per iteration. Once shutdown is
// observed, it keeps driving whatever it already owns for up to the
// grace window before force-closing the rest.
func (s *Server) runWorker(id int, handler Handler) {
	var states []*connState
	var graceDeadline time.Time
	graceSet := false

	for {
		stopping := !s.isRunning()
		if stopping && !graceSet {
			graceDeadline = time.Now().Add(s.graceWindow)
			graceSet = true
		}
		if stopping && len(states) == 0 {
			return
		}
		if stopping && time.Now().After(graceDeadline) {
			for _, cs := range states {
				cs.conn.Close()
			}
			return
		}

		var drained []net.Conn
		if len(states) == 0 {
			drained, _ = s.fifo.waitAndDrain(nil)
			if len(drained) == 0 {
				continue
			}
		} else {
			drained, _ = s.fifo.tryDrain(nil)
		}
		for _, conn := range drained {
			states = append(states, newConnState(conn))
		}

		kept := states[:0]
		for _, cs := range states {
			if s.step(cs, handler) {
				kept = append(kept, cs)
			}
		}
		states = kept
	}
}

// step advances cs by one unit of work and reports whether the
// connection should be retained for the next iteration.
func (s *Server) step(cs *connState, handler Handler) bool {
	switch cs.phase {
	case connRead:
		return s.stepRead(cs, handler)
	case connWrite:
		return s.stepWrite(cs)
	default:
		cs.conn.Close()
		return false
	}
}

func (s *Server) stepRead(cs *connState, handler Handler) bool {
	if cs.idleFor() > s.keepAliveTTL {
		cs.conn.Close()
		return false
	}

	if !cs.builder.Done() {
		cs.conn.SetReadDeadline(time.Now().Add(pollInterval))
		buf := make([]byte, ReadBufferSize)
		n, err := cs.conn.Read(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return true
			}
			if errors.Is(err, io.EOF) || isConnReset(err) {
				cs.conn.Close()
				return false
			}
			s.logger.Warn("read error", collab.F("conn", cs.id), collab.F("error", err.Error()))
			cs.conn.Close()
			return false
		}
		if n == 0 {
			cs.conn.Close()
			return false
		}
		cs.touch()
		if feedErr := cs.builder.Feed(buf[:n]); feedErr != nil {
			s.sendParseErrorAndClose(cs, feedErr)
			return false
		}
	}

	if !cs.builder.Done() {
		return true
	}

	req := cs.builder.Request()
	req.PeerAddr = cs.conn.RemoteAddr().String()
	cs.keepAlive = isKeepAlive(req)

	resp := handler(req)
	s.applyConnectionHeaders(cs, resp)
	cs.resp = resp
	if tunnel, ok := resp.(*message.TunnelResponse); ok {
		cs.tunnel = tunnel
	}
	cs.phase = connWrite
	return true
}

func (s *Server) applyConnectionHeaders(cs *connState, resp message.Response) {
	hr, ok := resp.(message.HeaderedResponse)
	if !ok {
		return
	}
	headers := hr.Headers()
	if cs.keepAlive {
		headers.SetIfAbsent("Connection", "keep-alive")
		headers.Insert("Keep-Alive", "timeout="+formatSeconds(s.keepAliveTTL))
	} else {
		headers.Insert("Connection", "close")
	}
}

func (s *Server) stepWrite(cs *connState) bool {
	for {
		chunk, err := cs.resp.Peek()
		if err != nil {
			if errors.Is(err, message.ErrWouldBlock) {
				// Once a tunnel's header chunk is sent (and the branch
				// below has started it), its Peek reports WouldBlock
				// until both copy goroutines finish; every later step
				// of that connection lands here and polls the tunnel.
				if cs.tunnel != nil {
					return s.driveTunnel(cs)
				}
				return true
			}
			// ErrFinished: body fully written.
			break
		}
		cs.conn.SetWriteDeadline(time.Now().Add(pollInterval))
		if _, werr := cs.conn.Write(chunk); werr != nil {
			var netErr net.Error
			if errors.As(werr, &netErr) && netErr.Timeout() {
				return true
			}
			cs.conn.Close()
			return false
		}
		cs.touch()
		cs.resp.Next()

		if cs.tunnel != nil {
			// The 200 OK header line was just written; hand the
			// connection off to the tunnel's own copy goroutines
			// instead of looping back into Peek, which would block
			// forever without ever starting it. Clear the short poll
			// deadlines the read/write steps left on the socket --
			// the copy goroutines do their own blocking I/O and would
			// otherwise inherit an already-elapsed deadline.
			cs.conn.SetDeadline(time.Time{})
			if err := cs.tunnel.Start(cs.conn); err != nil {
				cs.conn.Close()
				return false
			}
			return s.driveTunnel(cs)
		}
	}

	if cs.keepAlive {
		cs.phase = connRead
		cs.builder = message.NewRequestBuilder()
		cs.resp = nil
		cs.touch()
		return true
	}
	cs.conn.Close()
	return false
}

// driveTunnel keeps a started tunnel connection alive in the worker's
// set without touching the socket -- spec's "write-phase, always
// WouldBlock until Finished" -- until both copy goroutines finish.
func (s *Server) driveTunnel(cs *connState) bool {
	_, err := cs.tunnel.Peek()
	if errors.Is(err, message.ErrFinished) {
		return false
	}
	return true
}

func (s *Server) sendParseErrorAndClose(cs *connState, parseErr error) {
	var kind message.ErrorKind
	var pe *message.ParseError
	if errors.As(parseErr, &pe) {
		kind = pe.Kind
	}
	status := message.StatusBadRequest
	if kind == message.KindPayloadTooLarge {
		status = message.StatusPayloadTooLarge
	}
	resp := message.NewBufferedResponse(status, []byte(parseErr.Error()), header.New())
	cs.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	for {
		chunk, err := resp.Peek()
		if err != nil {
			break
		}
		if _, werr := cs.conn.Write(chunk); werr != nil {
			break
		}
		resp.Next()
	}
	cs.conn.Close()
}

func isKeepAlive(req *message.Request) bool {
	v, ok := req.Header.Get("connection")
	return ok && strings.EqualFold(strings.TrimSpace(v), "keep-alive")
}

func isConnReset(err error) bool {
	return strings.Contains(err.Error(), "connection reset") ||
		strings.Contains(err.Error(), "broken pipe")
}

func formatSeconds(d time.Duration) string {
	secs := int64(d / time.Second)
	if secs <= 0 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}
