// Package hookserver implements the local socket service hook clients talk
// to. Fire-and-forget events are forwarded to the event callback (debounced
// when they are not critical); permission requests keep their connection open
// until Respond, Cancel, the timeout sweeper or Stop closes it.
package hookserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agent-command/hookd/internal/correlation"
	"github.com/agent-command/hookd/internal/debounce"
	"github.com/agent-command/hookd/internal/metrics"
	"github.com/agent-command/hookd/internal/pending"
	"github.com/agent-command/hookd/internal/protocol"
)

const (
	DefaultPermissionTimeout = 5 * time.Minute
	DefaultSweepInterval     = 5 * time.Second
	DefaultDebounceQuiet     = 300 * time.Millisecond
	DefaultMaxMessageBytes   = 1 << 20
	DefaultWriteTimeout      = 2 * time.Second
)

var (
	ErrAlreadyStarted = errors.New("hook server already started")
	ErrServerClosed   = errors.New("hook server closed")
)

// EventHandler receives every event that reaches subscribers, including
// auto-allowed and pending permission requests.
type EventHandler func(protocol.Event)

// FailureHandler is told about permission requests that ended without a
// decision reaching the client: timeout, client disconnect or write failure.
type FailureHandler func(sessionID, toolUseID string)

// Policy is the auto-allow store consulted for every permission request.
type Policy interface {
	IsAutoAllowed(sessionID, tool string) bool
	ClearSession(sessionID string)
}

type Config struct {
	SocketPath        string
	PermissionTimeout time.Duration
	SweepInterval     time.Duration
	DebounceQuiet     time.Duration
	CacheCapacity     int
	MaxMessageBytes   int
	WriteTimeout      time.Duration
}

func (c *Config) applyDefaults() {
	if c.PermissionTimeout <= 0 {
		c.PermissionTimeout = DefaultPermissionTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.DebounceQuiet <= 0 {
		c.DebounceQuiet = DefaultDebounceQuiet
	}
	if c.CacheCapacity <= 0 {
		c.CacheCapacity = correlation.DefaultCapacity
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
}

type Option func(*Server)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.log = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithClock replaces time.Now for receivedAt stamps and id buckets.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

type Server struct {
	cfg     Config
	policy  Policy
	log     zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	// mu guards the three tables and the lifecycle fields below.
	mu       sync.Mutex
	pending  *pending.Table[*conn]
	cache    *correlation.Cache
	debounce *debounce.Coalescer[protocol.Event]
	listener net.Listener
	started  bool
	stopped  bool
	cancel   context.CancelFunc

	onEvent   EventHandler
	onFailure FailureHandler

	connsMu sync.Mutex
	conns   map[*conn]struct{}

	wg sync.WaitGroup
}

// New builds a server. policy may be nil, in which case nothing is
// auto-allowed.
func New(cfg Config, policy Policy, opts ...Option) *Server {
	cfg.applyDefaults()
	s := &Server{
		cfg:     cfg,
		policy:  policy,
		log:     zerolog.Nop(),
		now:     time.Now,
		pending: pending.NewTable[*conn](),
		cache:   correlation.New(cfg.CacheCapacity),
		conns:   make(map[*conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.debounce = debounce.New[protocol.Event](&s.mu, cfg.DebounceQuiet, s.emit)
	return s
}

func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}

// Start binds the socket and begins accepting connections. Bind failures are
// returned; everything after that is reported through the callbacks.
func (s *Server) Start(onEvent EventHandler, onFailure FailureHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrServerClosed
	}
	if s.started {
		return ErrAlreadyStarted
	}

	ln, err := listenUnix(s.cfg.SocketPath)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.listener = ln
	s.cancel = cancel
	s.onEvent = onEvent
	s.onFailure = onFailure
	s.started = true

	s.wg.Add(2)
	go s.acceptLoop(ln)
	go s.sweepLoop(ctx)

	s.log.Info().Str("socket", s.cfg.SocketPath).Msg("hook server listening")
	return nil
}

// Stop shuts the server down: the sweeper stops, every pending connection
// and debounce timer is dropped, the listener closes and the socket file is
// removed. It must not be called from inside a callback.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.stopped = true
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.cancel()
	ln := s.listener
	s.listener = nil
	drained := s.pending.Drain()
	s.cache.Clear()
	s.debounce.Stop()
	s.mu.Unlock()

	s.metrics.SetPending(0)

	var errs []error
	if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		errs = append(errs, fmt.Errorf("close listener: %w", err))
	}
	for _, e := range drained {
		e.Conn.destroy()
	}
	s.connsMu.Lock()
	open := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		open = append(open, c)
	}
	s.connsMu.Unlock()
	for _, c := range open {
		c.destroy()
	}

	s.wg.Wait()

	if err := os.Remove(s.cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, fmt.Errorf("remove socket: %w", err))
	}
	s.log.Info().Int("dropped_pending", len(drained)).Msg("hook server stopped")
	return errors.Join(errs...)
}

func listenUnix(path string) (net.Listener, error) {
	if path == "" {
		return nil, errors.New("hook server: empty socket path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create socket dir: %w", err)
	}
	if st, err := os.Lstat(path); err == nil {
		if st.Mode()&os.ModeSocket == 0 {
			return nil, fmt.Errorf("socket path exists and is not a unix socket: %s", path)
		}
		if c, err := net.DialTimeout("unix", path, 200*time.Millisecond); err == nil {
			c.Close()
			return nil, fmt.Errorf("socket %s is already served by another process", path)
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("stat socket path: %w", err)
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", path, err)
	}
	// hook clients may run under a different process ancestry
	if err := os.Chmod(path, 0o666); err != nil {
		ln.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	return ln, nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		nc, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn().Err(err).Msg("accept failed")
			time.Sleep(50 * time.Millisecond)
			continue
		}

		c := newConn(nc, s.cfg.WriteTimeout, s.forget)
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			nc.Close()
			return
		}
		// registered under mu so Stop's snapshot of open connections cannot miss it
		s.wg.Add(1)
		s.connsMu.Lock()
		s.conns[c] = struct{}{}
		s.connsMu.Unlock()
		s.mu.Unlock()

		go s.serveConn(c)
	}
}

func (s *Server) forget(c *conn) {
	s.connsMu.Lock()
	delete(s.conns, c)
	s.connsMu.Unlock()
}

// emit hands an event to the event callback. Never called with mu held.
func (s *Server) emit(ev protocol.Event) {
	if s.onEvent != nil {
		s.onEvent(ev)
	}
}

func (s *Server) reportFailure(sessionID, toolUseID string) {
	s.metrics.PermissionFailure()
	s.log.Warn().Str("session", sessionID).Str("tool_use_id", toolUseID).Msg("permission request failed")
	if s.onFailure != nil {
		s.onFailure(sessionID, toolUseID)
	}
}
