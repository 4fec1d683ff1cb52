// Package engine is the connection engine (spec §4.5): a single
// acceptor goroutine and N worker goroutines sharing a FIFO of
// accepted connections, each worker driving its own connections
// through a Read/Write/Finish state machine with non-blocking I/O
// emulated via short read/write deadlines.
package engine

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/valyala/tcplisten"

	"github.com/Az107/HTeaPot/internal/collab"
	"github.com/Az107/HTeaPot/internal/message"
)

// Handler turns a parsed request into a response. It is called
// concurrently from any worker and must not touch the network itself
// -- the engine owns the socket.
type Handler func(*message.Request) message.Response

// Default tuning, per spec §6 Limits.
const (
	DefaultKeepAliveTTL = 10 * time.Second
	DefaultGraceWindow  = 3 * time.Second
	ReadBufferSize      = 2 * 1024
	pollInterval        = 20 * time.Millisecond
)

// Server is the embedder-facing engine type: spec.md's
// `new`/`new_threaded`/`listen` API.
type Server struct {
	address string
	port    int
	threads int

	running      *int32
	shutdownOnce sync.Once

	hooksMu sync.Mutex
	hooks   []func() error

	bannedMu sync.Mutex
	banned   map[string]struct{}

	keepAliveTTL time.Duration
	graceWindow  time.Duration
	logger       collab.Logger

	listener net.Listener
	fifo     *fifo
}

// New builds a single-worker server, per spec's `new(address, port)`.
func New(address string, port int) *Server {
	return NewThreaded(address, port, 1)
}

// NewThreaded builds a server with threads workers; 0 is coerced to 1.
func NewThreaded(address string, port, threads int) *Server {
	if threads <= 0 {
		threads = 1
	}
	running := int32(1)
	return &Server{
		address:      address,
		port:         port,
		threads:      threads,
		running:      &running,
		banned:       make(map[string]struct{}),
		keepAliveTTL: DefaultKeepAliveTTL,
		graceWindow:  DefaultGraceWindow,
		logger:       noopLogger{},
		fifo:         newFIFO(),
	}
}

// SetLogger overrides the default no-op logger.
func (s *Server) SetLogger(l collab.Logger) { s.logger = l }

// SetKeepAliveTTL overrides the default 10s idle TTL.
func (s *Server) SetKeepAliveTTL(d time.Duration) { s.keepAliveTTL = d }

// SetGraceWindow overrides the default 3s shutdown grace window: how
// long a worker keeps driving connections it already owns after
// shutdown is observed before force-closing them.
func (s *Server) SetGraceWindow(d time.Duration) { s.graceWindow = d }

// SetShutdownSignal shares ownership of the running flag with an
// external coordinator (internal/shutdown).
func (s *Server) SetShutdownSignal(flag *int32) { s.running = flag }

// GetShutdownSignal returns the running flag so a caller can observe
// or share it.
func (s *Server) GetShutdownSignal() *int32 { return s.running }

// AddShutdownHook registers a cleanup action invoked, in registration
// order, once after the acceptor observes the flag cleared.
func (s *Server) AddShutdownHook(hook func() error) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.hooks = append(s.hooks, hook)
}

// AddBannedIP pre-authorizes rejection of peer at accept time.
func (s *Server) AddBannedIP(peer string) {
	s.bannedMu.Lock()
	defer s.bannedMu.Unlock()
	s.banned[peer] = struct{}{}
}

func (s *Server) isBanned(peer string) bool {
	s.bannedMu.Lock()
	defer s.bannedMu.Unlock()
	_, ok := s.banned[peer]
	return ok
}

// GetAddr returns the configured bind address and port.
func (s *Server) GetAddr() (string, int) { return s.address, s.port }

func (s *Server) isRunning() bool { return atomic.LoadInt32(s.running) != 0 }

// Listen binds the listening socket and runs the accept loop until
// the running flag is cleared, then runs shutdown hooks in order and
// returns.
func (s *Server) Listen(handler Handler) error {
	addr := fmt.Sprintf("%s:%d", s.address, s.port)
	cfg := tcplisten.Config{
		ReusePort:   false,
		DeferAccept: true,
		FastOpen:    true,
	}
	ln, err := cfg.NewListener("tcp4", addr)
	if err != nil {
		return fmt.Errorf("engine: bind %s: %w", addr, err)
	}
	s.listener = ln
	defer ln.Close()

	var wg sync.WaitGroup
	for i := 0; i < s.threads; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.runWorker(workerID, handler)
		}(i)
	}

	s.runAcceptor()

	wg.Wait()
	s.runShutdownHooks()
	return nil
}

func (s *Server) runAcceptor() {
	for {
		if !s.isRunning() {
			s.fifo.shutdown()
			return
		}
		conn, err := s.listener.Accept()
		if err != nil {
			if !s.isRunning() {
				s.fifo.shutdown()
				return
			}
			s.logger.Warn("accept error", collab.F("error", err.Error()))
			continue
		}
		if !s.isRunning() {
			conn.Close()
			s.fifo.shutdown()
			return
		}
		peer := conn.RemoteAddr().String()
		if host, _, splitErr := net.SplitHostPort(peer); splitErr == nil && s.isBanned(host) {
			conn.Close()
			continue
		}
		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.SetNoDelay(true)
		}
		s.fifo.push(conn)
	}
}

// runShutdownHooks runs every registered hook exactly once, in
// registration order. Failures are aggregated with go-multierror
// rather than dropping all but the first, since each hook is
// independent cleanup (closing caches, flushing logs, ...) and one
// failing shouldn't hide another.
func (s *Server) runShutdownHooks() {
	s.hooksMu.Lock()
	hooks := append([]func() error(nil), s.hooks...)
	s.hooksMu.Unlock()

	var errs *multierror.Error
	for _, hook := range hooks {
		if err := hook(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if errs.ErrorOrNil() != nil {
		s.logger.Error("shutdown hooks reported errors", collab.F("error", errs.Error()))
	}
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...collab.Field) {}
func (noopLogger) Info(string, ...collab.Field)  {}
func (noopLogger) Warn(string, ...collab.Field)  {}
func (noopLogger) Error(string, ...collab.Field) {}
