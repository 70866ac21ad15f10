package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"

	"github.com/searchktools/async-server/config"
	"github.com/searchktools/async-server/events"
)

// LifespanState tracks the process-wide startup/shutdown protocol.
type LifespanState int32

const (
	LifespanNotStarted LifespanState = iota
	LifespanStarting
	LifespanStarted
	LifespanShuttingDown
	LifespanShutDown
	LifespanFailed
)

func (s LifespanState) String() string {
	switch s {
	case LifespanNotStarted:
		return "not_started"
	case LifespanStarting:
		return "starting"
	case LifespanStarted:
		return "started"
	case LifespanShuttingDown:
		return "shutting_down"
	case LifespanShutDown:
		return "shut_down"
	case LifespanFailed:
		return "failed"
	}
	return "unknown"
}

// Lifespan runs the application's startup and shutdown hooks exactly once
// per worker process, independent of connection traffic. Startup failure is
// fatal to the worker; shutdown waits are bounded.
type Lifespan struct {
	app     events.Application
	mode    string
	timeout time.Duration
	logger  *slog.Logger

	state atomic.Int32

	mu      sync.Mutex
	inbox   *queue.Queue
	notify  chan struct{}
	closed  bool
	sentAny bool

	startupClosed  bool
	shutdownClosed bool
	startupDone    chan struct{}
	shutdownDone   chan struct{}

	failureMsg string
}

// NewLifespan creates the coordinator for one worker process.
func NewLifespan(app events.Application, cfg *config.Config, logger *slog.Logger) *Lifespan {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lifespan{
		app:          app,
		mode:         cfg.Lifespan,
		timeout:      cfg.TimeoutLifespan,
		logger:       logger.With("component", "lifespan"),
		inbox:        queue.New(),
		notify:       make(chan struct{}, 1),
		startupDone:  make(chan struct{}),
		shutdownDone: make(chan struct{}),
	}
}

// State returns the current lifespan state.
func (l *Lifespan) State() LifespanState {
	return LifespanState(l.state.Load())
}

// Startup delivers the startup event and blocks until the application
// acknowledges, fails, or the context is done. A non-nil error means the
// worker must not accept any traffic.
func (l *Lifespan) Startup(ctx context.Context) error {
	if l.mode == config.LifespanOff {
		return nil
	}

	l.state.Store(int32(LifespanStarting))
	l.logger.Info("Waiting for application startup.")

	go l.run(ctx)
	l.push(events.LifespanStartup{})

	select {
	case <-l.startupDone:
	case <-ctx.Done():
		return ctx.Err()
	}

	if l.State() == LifespanFailed {
		l.logger.Error("Application startup failed. Exiting.")
		if l.failureMsg != "" {
			return fmt.Errorf("application startup failed: %s", l.failureMsg)
		}
		return fmt.Errorf("application startup failed")
	}
	l.logger.Info("Application startup complete.")
	return nil
}

// Shutdown delivers the shutdown event and waits for completion up to the
// configured bound. Timeouts are logged and swallowed so a hanging hook can
// never block process exit.
func (l *Lifespan) Shutdown(ctx context.Context) error {
	if l.mode == config.LifespanOff || l.State() != LifespanStarted {
		return nil
	}

	l.mu.Lock()
	appGone := l.closed
	l.mu.Unlock()
	if appGone {
		// The application returned between phases; nothing left to notify.
		l.state.Store(int32(LifespanShutDown))
		return nil
	}

	l.state.Store(int32(LifespanShuttingDown))
	l.logger.Info("Waiting for application shutdown.")
	l.push(events.LifespanShutdown{})

	select {
	case <-l.shutdownDone:
		l.logger.Info("Application shutdown complete.")
	case <-time.After(l.timeout):
		l.logger.Warn("Application shutdown timed out, continuing.")
		l.state.Store(int32(LifespanShutDown))
	case <-ctx.Done():
		l.logger.Warn("Application shutdown interrupted, continuing.")
		l.state.Store(int32(LifespanShutDown))
	}
	return nil
}

// run hosts the application's lifespan invocation for the whole process
// life.
func (l *Lifespan) run(ctx context.Context) {
	scope := &events.Scope{Type: events.ScopeLifespan}
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic in lifespan handler: %v", r)
			}
		}()
		return l.app.Serve(ctx, scope, l.receive, l.send)
	}()
	l.finish(err)
}

// finish resolves whichever phase was in flight when the application
// invocation returned.
func (l *Lifespan) finish(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.closed = true
	select {
	case l.notify <- struct{}{}:
	default:
	}

	switch l.State() {
	case LifespanStarting:
		if !l.sentAny && l.mode == config.LifespanAuto {
			// The application does not speak the lifespan protocol.
			l.logger.Debug("application does not support the lifespan protocol", "err", err)
			l.state.Store(int32(LifespanStarted))
		} else {
			if err != nil {
				l.logger.Error("exception in lifespan protocol", "err", err)
				l.failureMsg = err.Error()
			} else {
				l.failureMsg = "application exited before completing startup"
			}
			l.state.Store(int32(LifespanFailed))
		}
		l.closeStartupLocked()
	case LifespanStarted:
		if err != nil {
			l.logger.Error("exception in lifespan protocol", "err", err)
		}
	case LifespanShuttingDown:
		if err != nil {
			l.logger.Error("exception in lifespan protocol", "err", err)
		}
		l.state.Store(int32(LifespanShutDown))
		l.closeShutdownLocked()
	}
}

func (l *Lifespan) closeStartupLocked() {
	if !l.startupClosed {
		l.startupClosed = true
		close(l.startupDone)
	}
}

func (l *Lifespan) closeShutdownLocked() {
	if !l.shutdownClosed {
		l.shutdownClosed = true
		close(l.shutdownDone)
	}
}

func (l *Lifespan) push(ev events.Event) {
	l.mu.Lock()
	l.inbox.Add(ev)
	l.mu.Unlock()
	select {
	case l.notify <- struct{}{}:
	default:
	}
}

func (l *Lifespan) receive(ctx context.Context) (events.Event, error) {
	for {
		l.mu.Lock()
		if l.inbox.Length() > 0 {
			ev := l.inbox.Remove().(events.Event)
			l.mu.Unlock()
			return ev, nil
		}
		closed := l.closed
		l.mu.Unlock()
		if closed {
			return nil, events.ErrClosed
		}
		select {
		case <-l.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (l *Lifespan) send(_ context.Context, ev events.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sentAny = true

	switch e := ev.(type) {
	case events.StartupComplete:
		l.state.Store(int32(LifespanStarted))
		l.closeStartupLocked()
	case events.StartupFailed:
		if e.Message != "" {
			l.logger.Error(e.Message)
		}
		l.failureMsg = e.Message
		l.state.Store(int32(LifespanFailed))
		l.closeStartupLocked()
	case events.ShutdownComplete:
		l.state.Store(int32(LifespanShutDown))
		l.closeShutdownLocked()
	case events.ShutdownFailed:
		if e.Message != "" {
			l.logger.Error(e.Message)
		}
		l.state.Store(int32(LifespanShutDown))
		l.closeShutdownLocked()
	default:
		return fmt.Errorf("unexpected lifespan event %q", events.TypeName(ev))
	}
	return nil
}
