package engine

import (
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/Az107/HTeaPot/internal/message"
)

type connPhase int

const (
	connRead connPhase = iota
	connWrite
	connFinish
)

// connState is the per-connection state: idle TTL, phase, request
// builder, response (plus the tunnel, when the response is one) and
// the keep-alive decision. Bytes written are not tracked. Ownership
// is exclusive to the worker that dequeued it; nothing here is shared
// across goroutines.
type connState struct {
	id   string
	conn net.Conn

	ttl   time.Time
	phase connPhase

	builder *message.RequestBuilder
	resp    message.Response
	tunnel  *message.TunnelResponse

	keepAlive bool
}

func newConnState(conn net.Conn) *connState {
	return &connState{
		id:      uuid.NewString(),
		conn:    conn,
		ttl:     time.Now(),
		phase:   connRead,
		builder: message.NewRequestBuilder(),
	}
}

func (c *connState) touch() { c.ttl = time.Now() }

func (c *connState) idleFor() time.Duration { return time.Since(c.ttl) }
