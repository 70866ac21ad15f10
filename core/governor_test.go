package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGovernorAdmitCeiling(t *testing.T) {
	g := NewGovernor(1, 0)

	first, ok := g.Admit()
	require.True(t, ok)
	assert.Equal(t, 1, g.Active())

	_, ok = g.Admit()
	assert.False(t, ok, "second admission must be rejected at ceiling 1")
	assert.Equal(t, 1, g.Active(), "rejected admission must not leak a slot")

	first.Release()
	assert.Equal(t, 0, g.Active())

	_, ok = g.Admit()
	assert.True(t, ok, "slot freed by release is admittable again")
}

func TestGovernorUnlimited(t *testing.T) {
	g := NewGovernor(0, 0)
	for i := 0; i < 100; i++ {
		_, ok := g.Admit()
		require.True(t, ok)
	}
	assert.Equal(t, 100, g.Active())
}

func TestTokenReleaseIdempotent(t *testing.T) {
	g := NewGovernor(10, 0)

	tok, ok := g.Admit()
	require.True(t, ok)
	other, ok := g.Admit()
	require.True(t, ok)
	assert.Equal(t, 2, g.Active())

	tok.Release()
	tok.Release()
	tok.Release()
	assert.Equal(t, 1, g.Active(), "repeated release must decrement once")

	other.Release()
	assert.Equal(t, 0, g.Active())
}

func TestGovernorConcurrentAdmit(t *testing.T) {
	const ceiling = 8
	g := NewGovernor(ceiling, 0)

	var mu sync.Mutex
	var granted []*Token
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tok, ok := g.Admit(); ok {
				mu.Lock()
				granted = append(granted, tok)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, ceiling, len(granted))
	assert.Equal(t, ceiling, g.Active())

	for _, tok := range granted {
		tok.Release()
	}
	assert.Equal(t, 0, g.Active())
}

func TestGovernorMaxRequests(t *testing.T) {
	g := NewGovernor(0, 3)

	g.CountRequest()
	g.CountRequest()
	select {
	case <-g.Exhausted():
		t.Fatal("exhausted before the limit")
	default:
	}

	g.CountRequest()
	select {
	case <-g.Exhausted():
	case <-time.After(time.Second):
		t.Fatal("limit reached but Exhausted not signalled")
	}

	// Further counting must not panic on the closed channel.
	g.CountRequest()
	assert.Equal(t, uint64(4), g.TotalRequests())
}

func TestGovernorWaitIdle(t *testing.T) {
	g := NewGovernor(0, 0)
	tok, _ := g.Admit()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.Error(t, g.WaitIdle(ctx), "WaitIdle must time out while a token is held")

	go func() {
		time.Sleep(20 * time.Millisecond)
		tok.Release()
	}()
	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	assert.NoError(t, g.WaitIdle(ctx2))
}

func TestGovernorWaitTasks(t *testing.T) {
	g := NewGovernor(0, 0)
	g.TaskStart()

	done := make(chan struct{})
	go func() {
		defer close(done)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		assert.NoError(t, g.WaitTasks(ctx))
	}()

	time.Sleep(10 * time.Millisecond)
	g.TaskDone()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitTasks did not return after the task finished")
	}
}
