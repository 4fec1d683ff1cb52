// Package shutdown is the graceful shutdown coordinator (spec §4.6):
// it owns the OS signal handling that flips the engine's running flag
// and unblocks its accept loop via a throwaway loopback connection,
// the portable stand-in for a self-pipe / signal-fd.
package shutdown

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync/atomic"
	"time"

	"github.com/Az107/HTeaPot/internal/collab"
)

// FailSafeRepeats is the number of repeated shutdown signals tolerated
// before the coordinator force-exits the process, per spec §4.6.
const FailSafeRepeats = 9

// Engine is the subset of *engine.Server the coordinator needs. It's
// expressed as an interface rather than a direct import so
// internal/engine never has to know this package exists.
type Engine interface {
	GetShutdownSignal() *int32
	GetAddr() (string, int)
}

// Coordinator wires os.Interrupt to an engine's running flag.
type Coordinator struct {
	engine  Engine
	logger  collab.Logger
	signals chan os.Signal
	repeats int32
}

// New returns a Coordinator for engine. Call Watch to start handling
// signals.
func New(engine Engine) *Coordinator {
	return &Coordinator{
		engine:  engine,
		logger:  noopLogger{},
		signals: make(chan os.Signal, 1),
	}
}

// SetLogger overrides the default no-op logger.
func (c *Coordinator) SetLogger(l collab.Logger) { c.logger = l }

// Watch registers the signal handler and returns immediately; signals
// are handled on a background goroutine for the lifetime of the
// process.
func (c *Coordinator) Watch() {
	signal.Notify(c.signals, os.Interrupt)
	go c.loop()
}

// Stop undoes Watch, for tests.
func (c *Coordinator) Stop() {
	signal.Stop(c.signals)
}

func (c *Coordinator) loop() {
	for range c.signals {
		c.Trigger()
	}
}

// Trigger performs the three shutdown steps spec §4.6 assigns to the
// signal handler: (a) flip the flag, (b) unblock the acceptor with a
// throwaway loopback connection, (c) track repeats and force-exit
// after FailSafeRepeats.
func (c *Coordinator) Trigger() {
	atomic.StoreInt32(c.engine.GetShutdownSignal(), 0)
	c.unblockAcceptor()

	n := atomic.AddInt32(&c.repeats, 1)
	if n >= FailSafeRepeats {
		c.logger.Error("shutdown did not complete after repeated signals, forcing exit",
			collab.F("repeats", n))
		os.Exit(1)
	}
}

// unblockAcceptor opens and immediately closes a loopback connection
// to the listening socket, which is enough to return an in-progress
// Accept() call once the listener itself is still open.
func (c *Coordinator) unblockAcceptor() {
	address, port := c.engine.GetAddr()
	dialAddr := address
	if dialAddr == "" || dialAddr == "0.0.0.0" {
		dialAddr = "127.0.0.1"
	}
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", dialAddr, port), time.Second)
	if err != nil {
		c.logger.Warn("shutdown: could not self-connect to unblock acceptor",
			collab.F("error", err.Error()))
		return
	}
	conn.Close()
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...collab.Field) {}
func (noopLogger) Info(string, ...collab.Field)  {}
func (noopLogger) Warn(string, ...collab.Field)  {}
func (noopLogger) Error(string, ...collab.Field) {}
