// Package supervisor runs the multi-worker mode: it binds the shared
// listening socket once, re-executes the binary as worker processes that
// inherit the descriptor, and keeps the pool at size through crashes,
// clean recycles, reload requests and graceful termination.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/searchktools/async-server/config"
	"github.com/searchktools/async-server/core"
	"github.com/searchktools/async-server/metrics"
)

// ErrCrashLoop reports that workers kept dying faster than the restart
// policy tolerates. The supervisor exits non-zero instead of spinning.
var ErrCrashLoop = errors.New("worker processes are crash looping")

const (
	// Restart policy: more than restartLimit unrequested non-zero exits
	// inside restartWindow escalates to supervisor-fatal.
	restartLimit  = 5
	restartWindow = time.Minute

	// replacementTimeout bounds how long a reload waits for the new
	// workers to report started before keeping the old ones.
	replacementTimeout = 30 * time.Second

	// staleBeats missed heartbeat intervals mark a worker unresponsive.
	staleBeats = 3
)

// worker is one supervised process. The table holding these is touched only
// by the Run loop goroutine.
type worker struct {
	pid      int
	cmd      *exec.Cmd
	spawned  time.Time
	lastBeat time.Time
	started  bool
	pending  bool // reload replacement not yet started
	retiring bool // asked to exit; never replaced
	beatR    *os.File
}

type workerExit struct {
	pid  int
	code int
}

type workerBeat struct {
	pid int
	hb  Heartbeat
}

// Supervisor owns the worker pool for one listening socket.
type Supervisor struct {
	cfg    *config.Config
	logger *slog.Logger
	stats  *metrics.Metrics

	// command builds the worker process. Tests substitute a helper binary;
	// production re-executes this one.
	command func(extra []*os.File, env []string) *exec.Cmd

	lnFile *os.File

	exits     chan workerExit
	beats     chan workerBeat
	reqReload chan struct{}
	changes   chan string

	shutOnce  sync.Once
	shutCh    chan struct{}
	forceOnce sync.Once
	forceCh   chan struct{}

	workers map[int]*worker
	crashes []time.Time
}

// New builds a supervisor for cfg.Workers processes. stats may be nil.
func New(cfg *config.Config, logger *slog.Logger, stats *metrics.Metrics) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		cfg:       cfg,
		logger:    logger.With("component", "supervisor"),
		stats:     stats,
		command:   reexecCommand,
		exits:     make(chan workerExit, 2*cfg.Workers+8),
		beats:     make(chan workerBeat, 64),
		reqReload: make(chan struct{}, 1),
		changes:   make(chan string, 1),
		shutCh:    make(chan struct{}),
		forceCh:   make(chan struct{}),
		workers:   make(map[int]*worker),
	}
}

// Shutdown starts a graceful stop: workers get the termination signal and
// drain within their own grace period.
func (s *Supervisor) Shutdown() {
	s.shutOnce.Do(func() { close(s.shutCh) })
}

// ForceQuit kills the worker process groups immediately. Wired to the
// second termination signal.
func (s *Supervisor) ForceQuit() {
	s.forceOnce.Do(func() {
		s.logger.Info("Forced quit.")
		close(s.forceCh)
	})
}

// Reload requests a rolling replacement of the pool. Requests collapse
// while one is pending.
func (s *Supervisor) Reload() {
	select {
	case s.reqReload <- struct{}{}:
	default:
	}
}

// Run binds the shared socket, spawns the pool and supervises it until a
// graceful stop completes or the crash policy trips.
func (s *Supervisor) Run(ctx context.Context) error {
	role := "parent"
	if s.cfg.Reload {
		role = "reloader"
	}
	s.logger.Info(fmt.Sprintf("Started %s process [%d]", role, os.Getpid()))

	ln, err := core.BindShared(s.cfg)
	if err != nil {
		return err
	}
	file, err := core.ListenerFile(ln)
	// The duplicated descriptor keeps the socket bound; the supervisor
	// itself never accepts.
	ln.Close()
	if err != nil {
		return err
	}
	s.lnFile = file
	defer file.Close()

	for i := 0; i < s.cfg.Workers; i++ {
		if err := s.spawn(false); err != nil {
			s.signalWorkers(unix.SIGKILL)
			return err
		}
	}

	if s.cfg.Reload {
		watchCtx, watchCancel := context.WithCancel(context.Background())
		defer watchCancel()
		go newWatcher(s.cfg.ReloadDirs, 0).run(watchCtx, s.changes)
	}

	var liveness <-chan time.Time
	if s.cfg.HeartbeatInterval > 0 {
		t := time.NewTicker(s.cfg.HeartbeatInterval)
		defer t.Stop()
		liveness = t.C
	}

	var (
		ctxDone         = ctx.Done()
		shutCh          = s.shutCh
		forceCh         = s.forceCh
		grace           <-chan time.Time
		replaceDeadline <-chan time.Time
		shutting        bool
		reloading       bool
		oldPids         []int
	)

	countPending := func() int {
		n := 0
		for _, w := range s.workers {
			if w.pending {
				n++
			}
		}
		return n
	}
	finishReload := func() {
		reloading = false
		replaceDeadline = nil
		for _, pid := range oldPids {
			if w := s.workers[pid]; w != nil {
				w.retiring = true
				_ = unix.Kill(-pid, unix.SIGTERM)
			}
		}
		oldPids = nil
	}
	abortReload := func() {
		reloading = false
		replaceDeadline = nil
		oldPids = nil
		for pid, w := range s.workers {
			if w.pending {
				w.retiring = true
				_ = unix.Kill(-pid, unix.SIGKILL)
			}
		}
	}
	startReload := func() {
		if shutting || reloading {
			return
		}
		reloading = true
		oldPids = oldPids[:0]
		for pid := range s.workers {
			oldPids = append(oldPids, pid)
		}
		for i := 0; i < s.cfg.Workers; i++ {
			if err := s.spawn(true); err != nil {
				s.logger.Error("spawning replacement worker failed", "err", err)
				abortReload()
				return
			}
		}
		if countPending() == 0 {
			// Heartbeats disabled: nothing will ever report started, so
			// the replacements count as serving from spawn.
			finishReload()
			return
		}
		replaceDeadline = time.After(replacementTimeout)
	}

	for {
		select {
		case <-ctxDone:
			ctxDone = nil
			s.Shutdown()

		case <-shutCh:
			shutCh = nil
			shutting = true
			s.signalWorkers(unix.SIGTERM)
			if s.cfg.TimeoutGraceful > 0 {
				// The workers bound their own drains; the slack covers a
				// worker too wedged to act on the signal.
				grace = time.After(s.cfg.TimeoutGraceful + 3*time.Second)
			}
			if len(s.workers) == 0 {
				s.logger.Info(fmt.Sprintf("Stopping %s process [%d]", role, os.Getpid()))
				return nil
			}

		case <-grace:
			grace = nil
			s.logger.Warn("Workers did not exit in time, killing.")
			s.signalWorkers(unix.SIGKILL)

		case <-forceCh:
			forceCh = nil
			shutting = true
			s.signalWorkers(unix.SIGKILL)

		case <-s.reqReload:
			startReload()

		case path := <-s.changes:
			s.logger.Warn(fmt.Sprintf("Detected file change in '%s'. Reloading...", path))
			startReload()

		case b := <-s.beats:
			w := s.workers[b.pid]
			if w == nil {
				break
			}
			w.lastBeat = time.Now()
			if b.hb.State == StateStarted && !w.started {
				w.started = true
				if w.pending {
					w.pending = false
					if reloading && countPending() == 0 {
						finishReload()
					}
				}
			}

		case <-replaceDeadline:
			replaceDeadline = nil
			if reloading {
				s.logger.Error("Replacement workers did not start in time; keeping current workers.")
				abortReload()
			}

		case <-liveness:
			stale := staleBeats * s.cfg.HeartbeatInterval
			now := time.Now()
			for pid, w := range s.workers {
				if w.retiring {
					continue
				}
				if now.Sub(w.lastBeat) > stale {
					s.logger.Warn(fmt.Sprintf("Child process [%d] is unresponsive, killing.", pid))
					_ = unix.Kill(-pid, unix.SIGKILL)
				}
			}

		case exit := <-s.exits:
			w := s.workers[exit.pid]
			if w == nil {
				break
			}
			delete(s.workers, exit.pid)
			if w.beatR != nil {
				w.beatR.Close()
			}
			wasOld := false
			if reloading {
				for i, pid := range oldPids {
					if pid == exit.pid {
						oldPids = append(oldPids[:i], oldPids[i+1:]...)
						wasOld = true
						break
					}
				}
			}
			switch {
			case shutting || w.retiring:
				// Requested; the pool is shrinking on purpose.
			case wasOld:
				// Superseded by an in-flight reload. The replacements are
				// already spawned, so the pool stays at size without a
				// respawn here.
				if exit.code != 0 {
					s.logger.Warn(fmt.Sprintf("Child process [%d] died", exit.pid))
				}
			case w.pending:
				s.logger.Error(fmt.Sprintf("Replacement worker [%d] exited before starting; keeping current workers.", exit.pid))
				abortReload()
			case exit.code != 0:
				s.logger.Warn(fmt.Sprintf("Child process [%d] died", exit.pid))
				if s.crashLooping() {
					s.logger.Error("Worker processes are crash looping. Terminating.")
					s.signalWorkers(unix.SIGKILL)
					return ErrCrashLoop
				}
				s.stats.WorkerRestarted()
				if err := s.spawn(false); err != nil {
					s.signalWorkers(unix.SIGKILL)
					return err
				}
			default:
				s.logger.Info(fmt.Sprintf("Child process [%d] exited", exit.pid))
				s.stats.WorkerRestarted()
				if err := s.spawn(false); err != nil {
					s.signalWorkers(unix.SIGKILL)
					return err
				}
			}
			if shutting && len(s.workers) == 0 {
				s.logger.Info(fmt.Sprintf("Stopping %s process [%d]", role, os.Getpid()))
				return nil
			}
		}
	}
}

// spawn starts one worker inheriting the shared socket and, when heartbeats
// are on, the write end of a fresh liveness pipe.
func (s *Supervisor) spawn(pending bool) error {
	env := append(os.Environ(),
		config.EnvWorker+"=1",
		config.EnvListenFDs+"=1",
	)
	extra := []*os.File{s.lnFile}
	var beatR, beatW *os.File
	if s.cfg.HeartbeatInterval > 0 {
		var err error
		beatR, beatW, err = os.Pipe()
		if err != nil {
			return fmt.Errorf("heartbeat pipe: %w", err)
		}
		extra = append(extra, beatW)
		// ExtraFiles[i] becomes descriptor 3+i in the child.
		env = append(env, fmt.Sprintf("%s=%d", config.EnvHeartbeatFD, 2+len(extra)))
	}

	cmd := s.command(extra, env)
	if err := cmd.Start(); err != nil {
		if beatR != nil {
			beatR.Close()
			beatW.Close()
		}
		return fmt.Errorf("spawn worker: %w", err)
	}
	if beatW != nil {
		beatW.Close()
	}

	w := &worker{
		pid:      cmd.Process.Pid,
		cmd:      cmd,
		spawned:  time.Now(),
		lastBeat: time.Now(),
		pending:  pending,
		beatR:    beatR,
	}
	if s.cfg.HeartbeatInterval <= 0 {
		w.started = true
		w.pending = false
	}
	s.workers[w.pid] = w

	if beatR != nil {
		go s.readBeats(w.pid, beatR)
	}
	go func(pid int, cmd *exec.Cmd) {
		err := cmd.Wait()
		code := 0
		if err != nil {
			code = -1
			var ee *exec.ExitError
			if errors.As(err, &ee) {
				code = ee.ExitCode()
			}
		}
		s.exits <- workerExit{pid: pid, code: code}
	}(w.pid, cmd)
	return nil
}

// readBeats pumps one worker's pipe into the supervisor loop until the pipe
// breaks. Beats are dropped rather than blocking the reader if the loop is
// saturated; staleness tolerates missed beats.
func (s *Supervisor) readBeats(pid int, r io.Reader) {
	for {
		hb, err := readHeartbeat(r)
		if err != nil {
			return
		}
		select {
		case s.beats <- workerBeat{pid: pid, hb: hb}:
		default:
		}
	}
}

// signalWorkers delivers sig to every worker's process group.
func (s *Supervisor) signalWorkers(sig unix.Signal) {
	for pid := range s.workers {
		_ = unix.Kill(-pid, sig)
	}
}

// crashLooping records one crash and reports whether the recent-crash
// budget is exhausted.
func (s *Supervisor) crashLooping() bool {
	now := time.Now()
	s.crashes = append(s.crashes, now)
	keep := s.crashes[:0]
	for _, t := range s.crashes {
		if now.Sub(t) <= restartWindow {
			keep = append(keep, t)
		}
	}
	s.crashes = keep
	return len(s.crashes) > restartLimit
}

// reexecCommand re-executes this binary as a worker. Each worker gets its
// own process group so signals target supervisor-chosen workers, not
// whatever the terminal's foreground group happens to contain.
func reexecCommand(extra []*os.File, env []string) *exec.Cmd {
	bin, err := os.Executable()
	if err != nil {
		bin = os.Args[0]
	}
	cmd := exec.Command(bin, os.Args[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = env
	cmd.ExtraFiles = extra
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return cmd
}
