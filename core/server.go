// Package core implements the connection-handling engine: listener, protocol
// drivers, lifespan coordination, concurrency governing and the server loop
// that ties them together.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/searchktools/async-server/config"
	corehttp "github.com/searchktools/async-server/core/http"
	"github.com/searchktools/async-server/events"
	"github.com/searchktools/async-server/metrics"
)

// Server runs one worker process: it owns the listener, admits connections
// under the governor's ceiling, hands them to protocol drivers and
// orchestrates graceful drain.
type Server struct {
	cfg    *config.Config
	app    events.Application
	logger *slog.Logger

	gov      *Governor
	lifespan *Lifespan
	headers  *corehttp.HeaderCache
	neg      *Negotiator
	stats    *metrics.Metrics

	mu    sync.Mutex
	ln    net.Listener
	conns map[*connHandle]struct{}

	// appCtx reaches application invocations; it survives the first
	// termination signal so in-flight work can finish, and dies on force
	// quit.
	appCtx    context.Context
	appCancel context.CancelFunc

	forceOnce sync.Once
	forceCh   chan struct{}

	drainOnce sync.Once
	drainCh   chan struct{}

	readyOnce sync.Once
	readyCh   chan struct{}
}

// NewServer builds a worker server around an application. stats may be nil
// to serve without instrumentation.
func NewServer(app events.Application, cfg *config.Config, logger *slog.Logger, stats *metrics.Metrics) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		app:      app,
		logger:   logger.With("component", "server"),
		gov:      NewGovernor(cfg.LimitConcurrency, cfg.LimitMaxRequests),
		lifespan: NewLifespan(app, cfg, logger),
		headers:  corehttp.NewHeaderCache(cfg.ServerHeader, cfg.DateHeader),
		stats:    stats,
		conns:    make(map[*connHandle]struct{}),
		forceCh:  make(chan struct{}),
		drainCh:  make(chan struct{}),
		readyCh:  make(chan struct{}),
	}
	s.appCtx, s.appCancel = context.WithCancel(context.Background())
	return s
}

// Governor exposes the worker's admission state, for supervisors reporting
// liveness and for instrumentation.
func (s *Server) Governor() *Governor {
	return s.gov
}

// Ready is closed once startup has completed and the listener is accepting.
// It never closes when startup or binding fails.
func (s *Server) Ready() <-chan struct{} {
	return s.readyCh
}

// Run binds the configured listener and serves until ctx is cancelled. A
// lifespan startup failure aborts before anything is bound.
func (s *Server) Run(ctx context.Context) error {
	if err := s.startup(ctx); err != nil {
		return err
	}
	ln, err := Bind(s.cfg)
	if err != nil {
		s.lifespan.Shutdown(context.Background())
		return err
	}
	return s.serve(ctx, ln)
}

// Serve runs the worker on a listener the caller already bound, such as an
// inherited supervisor socket. The listener is closed when serving ends.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if err := s.startup(ctx); err != nil {
		ln.Close()
		return err
	}
	return s.serve(ctx, ln)
}

func (s *Server) startup(ctx context.Context) error {
	s.logger.Info(fmt.Sprintf("Started server process [%d]", os.Getpid()))
	return s.lifespan.Startup(ctx)
}

// Shutdown begins a graceful drain, as cancelling the serve context does.
func (s *Server) Shutdown() {
	s.drainOnce.Do(func() { close(s.drainCh) })
}

// ForceQuit abandons graceful drain: transports close mid-exchange and
// application contexts are cancelled. Wired to the second termination
// signal.
func (s *Server) ForceQuit() {
	s.forceOnce.Do(func() {
		s.logger.Info("Forced quit.")
		close(s.forceCh)
		s.appCancel()
		s.closeListener()
		for _, h := range s.snapshotConns() {
			h.Close()
		}
	})
}

func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.neg = NewNegotiator(s.cfg, s.app, s.logger, s.headers, s.gov, s.stats, ln.Addr())

	s.logger.Info(s.listeningMessage(ln))
	s.readyOnce.Do(func() { close(s.readyCh) })

	tickDone := make(chan struct{})
	go s.tick(tickDone)

	// Whichever stop condition fires first closes the listener and ends the
	// accept loop.
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		select {
		case <-ctx.Done():
		case <-s.gov.Exhausted():
			s.logger.Info(fmt.Sprintf("Maximum request limit of %d exceeded. Terminating.", s.cfg.LimitMaxRequests))
		case <-s.drainCh:
		case <-s.forceCh:
		}
		s.Shutdown()
		s.closeListener()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Warn("accept failed", "err", err)
			// Brief pause so descriptor exhaustion cannot spin the loop.
			time.Sleep(100 * time.Millisecond)
			continue
		}
		s.handleConn(conn)
	}

	s.Shutdown()
	<-watchDone
	s.drain()
	close(tickDone)
	s.logger.Info(fmt.Sprintf("Finished server process [%d]", os.Getpid()))
	return nil
}

func (s *Server) handleConn(conn net.Conn) {
	token, ok := s.gov.Admit()
	if !ok {
		// Over the ceiling: a canned refusal, the application never runs.
		s.stats.ConnRejected()
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		_, _ = conn.Write(corehttp.Canned(503, "Service Unavailable"))
		conn.Close()
		return
	}
	s.stats.ConnOpened()

	h := &connHandle{}
	d := s.neg.NewDriver(conn, h)
	h.Swap(d)
	s.mu.Lock()
	s.conns[h] = struct{}{}
	s.mu.Unlock()

	go func() {
		defer token.Release()
		defer s.stats.ConnClosed()
		defer func() {
			s.mu.Lock()
			delete(s.conns, h)
			s.mu.Unlock()
		}()
		if err := d.Serve(s.appCtx); err != nil {
			s.logger.Error("connection handler failed", "err", err)
		}
	}()
}

// drain finishes in-flight exchanges, stops the rest and runs lifespan
// shutdown. Bounded by timeout-graceful-shutdown and cut short by ForceQuit.
func (s *Server) drain() {
	s.logger.Info("Shutting down")
	s.closeListener()

	for _, h := range s.snapshotConns() {
		h.Shutdown()
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), s.cfg.TimeoutGraceful)
	defer cancel()

	if s.gov.Active() > 0 {
		s.logger.Info("Waiting for connections to close. (Press CTRL+C to force quit)")
		if !s.awaitConnections(waitCtx) {
			if !s.forced() {
				s.logger.Warn("Graceful shutdown timed out, closing connections.")
			}
			s.appCancel()
			for _, h := range s.snapshotConns() {
				h.Close()
			}
		}
	}

	if err := s.gov.WaitTasks(waitCtx); err != nil && !s.forced() {
		s.logger.Warn("Timed out waiting for background tasks to complete.")
	}

	s.lifespan.Shutdown(context.Background())
	s.appCancel()
}

// awaitConnections reports whether every admitted connection finished before
// the deadline or a forced quit.
func (s *Server) awaitConnections(ctx context.Context) bool {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if s.gov.Active() == 0 {
			return true
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return s.gov.Active() == 0
		case <-s.forceCh:
			return false
		}
	}
}

func (s *Server) forced() bool {
	select {
	case <-s.forceCh:
		return true
	default:
		return false
	}
}

func (s *Server) snapshotConns() []*connHandle {
	s.mu.Lock()
	out := make([]*connHandle, 0, len(s.conns))
	for h := range s.conns {
		out = append(out, h)
	}
	s.mu.Unlock()
	return out
}

func (s *Server) closeListener() {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln != nil {
		ln.Close()
	}
}

// tick refreshes the cached date header roughly once a second while the
// server runs.
func (s *Server) tick(done chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.headers.Refresh()
		case <-done:
			return
		}
	}
}

func (s *Server) listeningMessage(ln net.Listener) string {
	if ua, ok := ln.Addr().(*net.UnixAddr); ok {
		return fmt.Sprintf("Server running on unix socket %s (Press CTRL+C to quit)", ua.Name)
	}
	return fmt.Sprintf("Server running on %s://%s (Press CTRL+C to quit)", s.cfg.Scheme(), ln.Addr())
}

// connHandle tracks the live driver for one connection across protocol
// handoff, so drain always reaches whichever driver owns the transport.
type connHandle struct {
	mu       sync.Mutex
	cur      Driver
	shutdown bool
	closed   bool
}

func (h *connHandle) Swap(d Driver) {
	h.mu.Lock()
	h.cur = d
	sd, cl := h.shutdown, h.closed
	h.mu.Unlock()
	if cl {
		d.Close()
	} else if sd {
		d.Shutdown()
	}
}

func (h *connHandle) Shutdown() {
	h.mu.Lock()
	h.shutdown = true
	d := h.cur
	h.mu.Unlock()
	if d != nil {
		d.Shutdown()
	}
}

func (h *connHandle) Close() {
	h.mu.Lock()
	h.closed = true
	d := h.cur
	h.mu.Unlock()
	if d != nil {
		d.Close()
	}
}
