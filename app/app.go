// Package app assembles a runnable server from an application and a
// configuration. One configuration can produce three process roles: a
// directly serving process, a supervisor driving a worker pool (multi-worker
// or file-change reload), and a supervised worker adopting its inherited
// listener. Signal handling implements the double-signal policy: the first
// SIGINT or SIGTERM drains gracefully, a second forces the process down, and
// SIGHUP asks the supervisor to replace its workers.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sys/unix"

	"github.com/searchktools/async-server/config"
	"github.com/searchktools/async-server/core"
	"github.com/searchktools/async-server/events"
	"github.com/searchktools/async-server/metrics"
	"github.com/searchktools/async-server/supervisor"
)

// listenerFD is where a supervised worker finds its inherited listener.
const listenerFD = 3

// App runs one application under the configured serving mode.
type App struct {
	application events.Application
	cfg         *config.Config
	logger      *slog.Logger
	stats       *metrics.Metrics
}

// Option configures an App.
type Option func(*App)

// WithLogger replaces the root logger built from the configured log level.
func WithLogger(logger *slog.Logger) Option {
	return func(a *App) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithMetrics replaces the collectors registered on the default Prometheus
// registry, for embedders that manage their own registry.
func WithMetrics(stats *metrics.Metrics) Option {
	return func(a *App) {
		if stats != nil {
			a.stats = stats
		}
	}
}

// New validates the configuration and prepares a runnable App. A nil
// configuration means defaults.
func New(application events.Application, cfg *config.Config, opts ...Option) (*App, error) {
	if application == nil {
		return nil, errors.New("app: nil application")
	}
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	a := &App{application: application, cfg: cfg}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = newLogger(cfg.LogLevel)
	}
	if a.stats == nil {
		a.stats = metrics.New(prometheus.DefaultRegisterer)
	}
	return a, nil
}

// Run serves until ctx is cancelled or serving finishes. The process role
// comes from the environment and the configuration: a supervised worker
// adopts its inherited listener, a multi-worker or reload configuration runs
// the supervisor, anything else binds and serves directly.
func (a *App) Run(ctx context.Context) error {
	switch {
	case os.Getenv(config.EnvWorker) != "":
		return a.runWorker(ctx)
	case a.cfg.Workers > 1 || a.cfg.Reload:
		return a.runSupervisor(ctx)
	default:
		return a.runServer(ctx)
	}
}

func (a *App) runServer(ctx context.Context) error {
	srv := core.NewServer(a.application, a.cfg, a.logger, a.stats)
	stop := notifySignals(srv.Shutdown, srv.ForceQuit, nil)
	defer stop()
	return srv.Run(ctx)
}

func (a *App) runWorker(ctx context.Context) error {
	cfg := a.cfg.Clone()
	if config.InheritedListenerCount() > 0 {
		cfg.FD = listenerFD
	}
	srv := core.NewServer(a.application, cfg, a.logger, a.stats)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if pipe := heartbeatPipe(); pipe != nil {
		reporter := supervisor.NewReporter(pipe, os.Getpid(), cfg.HeartbeatInterval)
		go func() {
			defer pipe.Close()
			reporter.Run(ctx, srv.Ready(), srv.Governor().Active)
		}()
	}

	stop := notifySignals(srv.Shutdown, srv.ForceQuit, nil)
	defer stop()
	return srv.Run(ctx)
}

func (a *App) runSupervisor(ctx context.Context) error {
	sup := supervisor.New(a.cfg, a.logger, a.stats)
	stop := notifySignals(sup.Shutdown, sup.ForceQuit, sup.Reload)
	defer stop()
	return sup.Run(ctx)
}

// heartbeatPipe opens the supervisor's heartbeat descriptor, if the
// environment carries one.
func heartbeatPipe() *os.File {
	raw := os.Getenv(config.EnvHeartbeatFD)
	if raw == "" {
		return nil
	}
	fd, err := strconv.Atoi(raw)
	if err != nil || fd <= 2 {
		return nil
	}
	return os.NewFile(uintptr(fd), "heartbeat-pipe")
}

// notifySignals installs the double-signal policy and returns a stop
// function releasing the handler. reload, when non-nil, answers SIGHUP.
func notifySignals(graceful, force, reload func()) (stop func()) {
	sigs := make(chan os.Signal, 4)
	watch := []os.Signal{unix.SIGINT, unix.SIGTERM}
	if reload != nil {
		watch = append(watch, unix.SIGHUP)
	}
	signal.Notify(sigs, watch...)

	done := make(chan struct{})
	go func() {
		terminated := false
		for {
			select {
			case sig := <-sigs:
				if sig == unix.SIGHUP {
					reload()
					continue
				}
				if terminated {
					force()
					continue
				}
				terminated = true
				graceful()
			case <-done:
				return
			}
		}
	}()
	return func() {
		signal.Stop(sigs)
		close(done)
	}
}

// newLogger builds the root logger for a level name. Names follow the CLI
// set: critical and error map to Error, warning to Warn, trace to Debug.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch strings.ToLower(level) {
	case "critical", "error":
		l = slog.LevelError
	case "warning", "warn":
		l = slog.LevelWarn
	case "debug", "trace":
		l = slog.LevelDebug
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
