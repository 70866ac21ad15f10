package core

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Governor enforces the global concurrency ceiling and the optional
// max-requests-per-worker recycling limit. The active count is touched only
// through Admit and Token.Release; every admitted connection releases its
// token exactly once no matter which teardown path runs.
type Governor struct {
	limit       int64
	maxRequests uint64

	active atomic.Int64
	total  atomic.Uint64

	exhaustOnce sync.Once
	exhausted   chan struct{}

	// tasks counts in-flight application invocations so drain can wait for
	// handlers that are still running after their connection went away.
	tasks sync.WaitGroup
}

// Token is one counted slot under the ceiling. Release is idempotent.
type Token struct {
	g        *Governor
	released atomic.Bool
}

// NewGovernor creates a governor. A zero limitConcurrency means unlimited; a
// zero maxRequests disables recycling.
func NewGovernor(limitConcurrency int, maxRequests uint64) *Governor {
	return &Governor{
		limit:       int64(limitConcurrency),
		maxRequests: maxRequests,
		exhausted:   make(chan struct{}),
	}
}

// Admit tries to claim a slot. It returns the admission token and true, or
// nil and false when the ceiling is reached.
func (g *Governor) Admit() (*Token, bool) {
	n := g.active.Add(1)
	if g.limit > 0 && n > g.limit {
		g.active.Add(-1)
		return nil, false
	}
	return &Token{g: g}, true
}

// Release returns the slot. Calling it again is a no-op.
func (t *Token) Release() {
	if t == nil {
		return
	}
	if t.released.CompareAndSwap(false, true) {
		t.g.active.Add(-1)
	}
}

// Active returns the number of currently admitted connections.
func (g *Governor) Active() int {
	return int(g.active.Load())
}

// CountRequest records one served request cycle. Crossing the configured
// maximum signals Exhausted exactly once.
func (g *Governor) CountRequest() {
	n := g.total.Add(1)
	if g.maxRequests > 0 && n >= g.maxRequests {
		g.exhaustOnce.Do(func() { close(g.exhausted) })
	}
}

// TotalRequests returns the number of request cycles served so far.
func (g *Governor) TotalRequests() uint64 {
	return g.total.Load()
}

// Exhausted is closed once the max-requests limit has been reached.
func (g *Governor) Exhausted() <-chan struct{} {
	return g.exhausted
}

// TaskStart registers an in-flight application invocation.
func (g *Governor) TaskStart() {
	g.tasks.Add(1)
}

// TaskDone retires an in-flight application invocation.
func (g *Governor) TaskDone() {
	g.tasks.Done()
}

// WaitTasks blocks until every tracked application invocation has returned
// or the context is done.
func (g *Governor) WaitTasks(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitIdle blocks until the active count reaches zero or the context is
// done.
func (g *Governor) WaitIdle(ctx context.Context) error {
	if g.active.Load() == 0 {
		return nil
	}
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if g.active.Load() == 0 {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
