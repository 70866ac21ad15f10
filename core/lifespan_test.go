package core

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/searchktools/async-server/config"
	"github.com/searchktools/async-server/events"
)

func lifespanConfig(mode string) *config.Config {
	cfg := config.Default()
	cfg.Lifespan = mode
	cfg.TimeoutLifespan = 2 * time.Second
	return cfg
}

func TestLifespanStartupShutdown(t *testing.T) {
	var startedAt, stoppedAt time.Time
	app := events.AppFunc(func(ctx context.Context, scope *events.Scope, receive events.ReceiveFunc, send events.SendFunc) error {
		if scope.Type != events.ScopeLifespan {
			return fmt.Errorf("unexpected scope %s", scope.Type)
		}
		for {
			ev, err := receive(ctx)
			if err != nil {
				return nil
			}
			switch ev.(type) {
			case events.LifespanStartup:
				startedAt = time.Now()
				if err := send(ctx, events.StartupComplete{}); err != nil {
					return err
				}
			case events.LifespanShutdown:
				stoppedAt = time.Now()
				return send(ctx, events.ShutdownComplete{})
			}
		}
	})

	ls := NewLifespan(app, lifespanConfig(config.LifespanOn), testLogger())
	require.NoError(t, ls.Startup(context.Background()))
	assert.Equal(t, LifespanStarted, ls.State())
	assert.False(t, startedAt.IsZero())

	require.NoError(t, ls.Shutdown(context.Background()))
	assert.Equal(t, LifespanShutDown, ls.State())
	assert.False(t, stoppedAt.IsZero())
}

func TestLifespanStartupFailed(t *testing.T) {
	app := events.AppFunc(func(ctx context.Context, scope *events.Scope, receive events.ReceiveFunc, send events.SendFunc) error {
		if _, err := receive(ctx); err != nil {
			return err
		}
		return send(ctx, events.StartupFailed{Message: "database unreachable"})
	})

	ls := NewLifespan(app, lifespanConfig(config.LifespanOn), testLogger())
	err := ls.Startup(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database unreachable")
	assert.Equal(t, LifespanFailed, ls.State())
}

func TestLifespanAutoUnsupportedApp(t *testing.T) {
	app := events.AppFunc(func(ctx context.Context, scope *events.Scope, receive events.ReceiveFunc, send events.SendFunc) error {
		return errors.New("lifespan not supported")
	})

	ls := NewLifespan(app, lifespanConfig(config.LifespanAuto), testLogger())
	require.NoError(t, ls.Startup(context.Background()))
	assert.Equal(t, LifespanStarted, ls.State())

	// Shutdown is a no-op once the application invocation has returned.
	require.NoError(t, ls.Shutdown(context.Background()))
	assert.Equal(t, LifespanShutDown, ls.State())
}

func TestLifespanOnModeRequiresSupport(t *testing.T) {
	app := events.AppFunc(func(ctx context.Context, scope *events.Scope, receive events.ReceiveFunc, send events.SendFunc) error {
		return errors.New("lifespan not supported")
	})

	ls := NewLifespan(app, lifespanConfig(config.LifespanOn), testLogger())
	err := ls.Startup(context.Background())
	require.Error(t, err)
	assert.Equal(t, LifespanFailed, ls.State())
}

func TestLifespanAppExitDuringStartup(t *testing.T) {
	app := events.AppFunc(func(ctx context.Context, scope *events.Scope, receive events.ReceiveFunc, send events.SendFunc) error {
		if _, err := receive(ctx); err != nil {
			return err
		}
		// Returning mid-startup after touching the protocol is a failure.
		return send(ctx, events.ShutdownComplete{})
	})

	ls := NewLifespan(app, lifespanConfig(config.LifespanAuto), testLogger())
	err := ls.Startup(context.Background())
	require.Error(t, err)
	assert.Equal(t, LifespanFailed, ls.State())
}

func TestLifespanShutdownTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	app := events.AppFunc(func(ctx context.Context, scope *events.Scope, receive events.ReceiveFunc, send events.SendFunc) error {
		if _, err := receive(ctx); err != nil {
			return err
		}
		if err := send(ctx, events.StartupComplete{}); err != nil {
			return err
		}
		<-block
		return nil
	})

	cfg := lifespanConfig(config.LifespanOn)
	cfg.TimeoutLifespan = 50 * time.Millisecond
	ls := NewLifespan(app, cfg, testLogger())
	require.NoError(t, ls.Startup(context.Background()))

	start := time.Now()
	require.NoError(t, ls.Shutdown(context.Background()))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, LifespanShutDown, ls.State())
}

func TestLifespanOffMode(t *testing.T) {
	called := false
	app := events.AppFunc(func(ctx context.Context, scope *events.Scope, receive events.ReceiveFunc, send events.SendFunc) error {
		called = true
		return nil
	})

	ls := NewLifespan(app, lifespanConfig(config.LifespanOff), testLogger())
	require.NoError(t, ls.Startup(context.Background()))
	require.NoError(t, ls.Shutdown(context.Background()))
	assert.False(t, called)
	assert.Equal(t, LifespanNotStarted, ls.State())
}
