// File: server/server.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Server owns the listening socket, the per-socket sessions and the registry
// of open WebSocket connections. All of its state except the atomics is
// touched on the loop thread only.

package server

import (
	"container/list"
	"crypto/tls"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/momentics/evws/api"
	"github.com/momentics/evws/control"
	"github.com/momentics/evws/internal/transport"
	"github.com/momentics/evws/pool"
	"github.com/momentics/evws/reactor"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	listenBacklog          = 512
	defaultShutdownTimeout = 2 * time.Second
)

// tracked is an accepted socket in one of its two roles.
type tracked interface {
	tick()
	shutdown()
	kill()
}

// Server is the event-loop WebSocket/HTTP server.
type Server struct {
	loop      *reactor.Loop
	app       Application
	opts      *Options
	limits    limits
	tlsConfig *tls.Config

	log             *slog.Logger
	metrics         *control.Metrics
	tracer          trace.Tracer
	probes          *control.Probes
	shutdownTimeout time.Duration

	mu       sync.Mutex // guards the start/stop transitions
	started  atomic.Bool
	stopping atomic.Bool
	port     atomic.Int32
	count    atomic.Int64

	// loop thread only
	listener   *transport.Listener
	sockets    *list.List // of tracked
	conns      *list.List // of *wsHandle
	closingAll bool
	draining   bool
	sweep      *reactor.Timer
	drainTimer *reactor.Timer
	buffers    *pool.Buffers
}

// New validates a copy of opts and prepares a server on loop. TLS material
// is loaded here so configuration problems surface before Start.
func New(loop *reactor.Loop, opts *Options, app Application, options ...Option) (*Server, error) {
	if loop == nil {
		return nil, api.ContractError("new", "nil loop")
	}
	if app == nil {
		return nil, api.ContractError("new", "nil application")
	}
	opts = opts.Clone()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	s := &Server{
		loop:            loop,
		app:             app,
		opts:            opts,
		limits:          opts.limits(),
		log:             slog.Default().With("component", "evws"),
		tracer:          otel.Tracer(tracerName),
		shutdownTimeout: defaultShutdownTimeout,
		sockets:         list.New(),
		conns:           list.New(),
	}
	for _, o := range options {
		o(s)
	}
	s.buffers = pool.NewBuffers(int(min(s.limits.maxPayload, DefaultMaxPayload)))

	if opts.tlsEnabled != nil && *opts.tlsEnabled {
		cfg, err := loadTLS(opts, s.log)
		if err != nil {
			return nil, err
		}
		s.tlsConfig = cfg
	}
	if s.probes != nil {
		s.probes.Register("connections", func() any { return s.ConnectionCount() })
		s.probes.Register("started", func() any { return s.IsStarted() })
		s.probes.Register("port", func() any { return s.Port() })
	}
	return s, nil
}

// Start binds the listening socket and runs the loop on the calling
// goroutine until Stop. A bind failure is returned before the loop runs,
// with nothing left bound.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.started.Load() {
		s.mu.Unlock()
		return api.NewError(api.ErrCodeContract, "start", api.ErrAlreadyStarted, "server already started")
	}
	ln, err := transport.Listen(s.loop, s.limits.host, s.limits.port, listenBacklog, s.accept, s.acceptError)
	if err != nil {
		s.mu.Unlock()
		code := api.ErrCodeTransport
		if errors.Is(err, api.ErrNotSupported) {
			code = api.ErrCodeNotSupported
		}
		return api.NewError(code, "start", err, "listen on %s:%d: %v", s.limits.host, s.limits.port, err)
	}
	s.listener = ln
	s.port.Store(int32(ln.Port()))
	s.stopping.Store(false)
	s.draining = false
	s.sweep = s.loop.Every(idleGranularity*time.Second, s.onSweep)
	s.started.Store(true)
	s.mu.Unlock()

	s.log.Info("listening", "host", s.limits.host, "port", ln.Port(), "tls", s.tlsConfig != nil, "http", s.limits.httpEnabled)
	runErr := s.loop.Run()
	s.cleanup()
	s.log.Info("stopped", "host", s.limits.host)
	return runErr
}

// cleanup runs after the loop returned, so touching loop state is safe.
func (s *Server) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		_ = s.listener.Close()
		s.listener = nil
	}
	s.stopTimers()
	for _, t := range s.snapshotSockets() {
		t.kill()
	}
	s.port.Store(0)
	s.started.Store(false)
}

// Stop closes the listener and every socket, then stops the loop. Safe from
// any goroutine; repeated calls are ignored.
func (s *Server) Stop() {
	if !s.started.Load() || !s.stopping.CompareAndSwap(false, true) {
		return
	}
	s.loop.Defer(s.shutdown)
}

func (s *Server) shutdown() {
	if s.listener != nil {
		_ = s.listener.Close()
		s.listener = nil
	}
	s.draining = true
	for _, t := range s.snapshotSockets() {
		t.shutdown()
	}
	if s.sockets.Len() == 0 {
		s.finishShutdown()
		return
	}
	s.drainTimer = s.loop.AfterFunc(s.shutdownTimeout, s.finishShutdown)
}

// finishShutdown aborts what is still lingering and stops the loop.
func (s *Server) finishShutdown() {
	if !s.draining {
		return
	}
	s.draining = false
	s.stopTimers()
	for _, t := range s.snapshotSockets() {
		t.kill()
	}
	s.loop.Stop()
}

func (s *Server) stopTimers() {
	if s.sweep != nil {
		s.sweep.Stop()
		s.sweep = nil
	}
	if s.drainTimer != nil {
		s.drainTimer.Stop()
		s.drainTimer = nil
	}
}

// IsStarted reports whether Start is running the loop.
func (s *Server) IsStarted() bool { return s.started.Load() }

// Options returns a copy of the options the server was built with.
func (s *Server) Options() *Options { return s.opts.Clone() }

// Port returns the bound port while started, 0 otherwise.
func (s *Server) Port() int { return int(s.port.Load()) }

// Loop returns the loop the server runs on.
func (s *Server) Loop() *reactor.Loop { return s.loop }

// Submit runs fn on the loop thread. Safe from any goroutine.
func (s *Server) Submit(fn func()) bool { return s.loop.Defer(fn) }

// Walk calls fn for every connection open when Walk was entered, in
// registration order. Loop thread only.
func (s *Server) Walk(fn func(Conn)) {
	for _, h := range s.snapshotConns() {
		if !h.closed.Load() {
			fn(h.conn)
		}
	}
}

// CloseConnections closes every open connection with code and reason. The
// registry is emptied before any HandleClose runs. Loop thread only.
func (s *Server) CloseConnections(code int, reason string) {
	if s.closingAll {
		return
	}
	s.closingAll = true
	defer func() { s.closingAll = false }()

	handles := s.snapshotConns()
	s.conns.Init()
	s.count.Store(0)
	for _, h := range handles {
		h.elem = nil
		h.close(code, reason)
	}
}

// ConnectionCount returns the number of open WebSocket connections. Safe
// from any goroutine.
func (s *Server) ConnectionCount() int { return int(s.count.Load()) }

func (s *Server) snapshotConns() []*wsHandle {
	out := make([]*wsHandle, 0, s.conns.Len())
	for e := s.conns.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*wsHandle))
	}
	return out
}

func (s *Server) snapshotSockets() []tracked {
	out := make([]tracked, 0, s.sockets.Len())
	for e := s.sockets.Front(); e != nil; e = e.Next() {
		if t, ok := e.Value.(tracked); ok {
			out = append(out, t)
		}
	}
	return out
}

func (s *Server) register(h *wsHandle) {
	h.elem = s.conns.PushBack(h)
	s.count.Add(1)
}

func (s *Server) unregister(h *wsHandle) {
	if s.closingAll || h.elem == nil {
		return
	}
	s.conns.Remove(h.elem)
	h.elem = nil
	s.count.Add(-1)
}

func (s *Server) untrack(e *list.Element) {
	if e == nil {
		return
	}
	s.sockets.Remove(e)
	if s.draining && s.sockets.Len() == 0 {
		s.finishShutdown()
	}
}

func (s *Server) accept(sock *transport.Socket) {
	if s.stopping.Load() {
		sock.Abort()
		return
	}
	var stream transport.Stream = sock
	if s.tlsConfig != nil {
		stream = transport.NewTLSStream(sock, s.loop, s.tlsConfig)
	}
	newHTTPSession(s, stream, s.sockets.PushBack(nil))
}

func (s *Server) acceptError(err error) {
	s.log.Debug("accept failed", "err", err)
}

func (s *Server) onSweep() {
	for _, t := range s.snapshotSockets() {
		t.tick()
	}
}
