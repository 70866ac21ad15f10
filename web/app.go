// Package web is a small routing framework for applications served over the
// event contract. An App dispatches HTTP requests and WebSocket sessions to
// handlers, runs startup and shutdown hooks through the lifespan protocol,
// and mounts other applications under path prefixes.
package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"

	"github.com/searchktools/async-server/events"
)

// methodWebSocket keys WebSocket routes in the tree alongside HTTP methods.
const methodWebSocket = "WEBSOCKET"

// Handler answers one HTTP request. A nil response with a nil error is a
// contract violation and renders as a 500.
type Handler func(ctx context.Context, r *Request) (*Response, error)

type mount struct {
	prefix string
	app    events.Application
}

// App is a routed application. Register handlers, then hand it to the
// server; it implements events.Application.
type App struct {
	routes     *tree
	middleware []Middleware
	mounts     []mount
	startup    []func(context.Context) error
	shutdown   []func(context.Context) error
	logger     *slog.Logger
	notFound   Handler
}

// Option configures an App.
type Option func(*App)

// WithLogger sets the logger handler failures and panics are reported to.
func WithLogger(logger *slog.Logger) Option {
	return func(a *App) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithNotFound replaces the default 404 handler.
func WithNotFound(h Handler) Option {
	return func(a *App) {
		if h != nil {
			a.notFound = h
		}
	}
}

// New returns an empty App.
func New(opts ...Option) *App {
	a := &App{
		routes: newTree(),
		logger: slog.Default(),
		notFound: func(ctx context.Context, r *Request) (*Response, error) {
			return Text(http.StatusNotFound, "Not Found"), nil
		},
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "web")
	return a
}

// Use appends middleware to every routed handler, outermost first.
func (a *App) Use(mw ...Middleware) {
	a.middleware = append(a.middleware, mw...)
}

// Handle registers h for the given method and pattern. Patterns are static
// paths with optional ":name" parameter segments and a final "*name"
// wildcard; conflicting or malformed patterns panic at registration.
func (a *App) Handle(method, pattern string, h Handler) {
	if h == nil {
		panic("web: nil handler for " + method + " " + pattern)
	}
	a.routes.add(method, pattern, h)
}

func (a *App) Get(pattern string, h Handler)     { a.Handle(http.MethodGet, pattern, h) }
func (a *App) Post(pattern string, h Handler)    { a.Handle(http.MethodPost, pattern, h) }
func (a *App) Put(pattern string, h Handler)     { a.Handle(http.MethodPut, pattern, h) }
func (a *App) Patch(pattern string, h Handler)   { a.Handle(http.MethodPatch, pattern, h) }
func (a *App) Delete(pattern string, h Handler)  { a.Handle(http.MethodDelete, pattern, h) }
func (a *App) Options(pattern string, h Handler) { a.Handle(http.MethodOptions, pattern, h) }
func (a *App) Head(pattern string, h Handler)    { a.Handle(http.MethodHead, pattern, h) }

// WebSocket registers h for WebSocket sessions on pattern.
func (a *App) WebSocket(pattern string, h WSHandler) {
	if h == nil {
		panic("web: nil websocket handler for " + pattern)
	}
	a.routes.add(methodWebSocket, pattern, h)
}

// OnStartup runs fn during worker startup, before traffic is accepted. An
// error fails startup and the worker exits.
func (a *App) OnStartup(fn func(context.Context) error) {
	a.startup = append(a.startup, fn)
}

// OnShutdown runs fn during worker shutdown, after in-flight work drains.
func (a *App) OnShutdown(fn func(context.Context) error) {
	a.shutdown = append(a.shutdown, fn)
}

// Mount delegates every path under prefix to sub. The sub-application sees
// the prefix stripped from the path and appended to its root path. Longer
// prefixes win when mounts nest.
func (a *App) Mount(prefix string, sub events.Application) {
	if !strings.HasPrefix(prefix, "/") || strings.HasSuffix(prefix, "/") {
		panic("web: mount prefix must start with a slash and not end with one")
	}
	if sub == nil {
		panic("web: nil application mounted at " + prefix)
	}
	a.mounts = append(a.mounts, mount{prefix: prefix, app: sub})
}

// Serve implements events.Application.
func (a *App) Serve(ctx context.Context, scope *events.Scope, receive events.ReceiveFunc, send events.SendFunc) error {
	switch scope.Type {
	case events.ScopeHTTP:
		return a.serveHTTP(ctx, scope, receive, send)
	case events.ScopeWebSocket:
		return a.serveWebSocket(ctx, scope, receive, send)
	case events.ScopeLifespan:
		return a.serveLifespan(ctx, receive, send)
	}
	return fmt.Errorf("web: unsupported scope type %s", scope.Type)
}

func (a *App) serveLifespan(ctx context.Context, receive events.ReceiveFunc, send events.SendFunc) error {
	for {
		ev, err := receive(ctx)
		if err != nil {
			if errors.Is(err, events.ErrClosed) {
				return nil
			}
			return err
		}
		switch ev.(type) {
		case events.LifespanStartup:
			if err := runHooks(ctx, a.startup); err != nil {
				a.logger.Error("startup hooks failed", "error", err)
				if err := send(ctx, events.StartupFailed{Message: err.Error()}); err != nil {
					return err
				}
				continue
			}
			if err := send(ctx, events.StartupComplete{}); err != nil {
				return err
			}
		case events.LifespanShutdown:
			if err := runHooks(ctx, a.shutdown); err != nil {
				a.logger.Error("shutdown hooks failed", "error", err)
				if err := send(ctx, events.ShutdownFailed{Message: err.Error()}); err != nil {
					return err
				}
				continue
			}
			if err := send(ctx, events.ShutdownComplete{}); err != nil {
				return err
			}
		}
	}
}

func runHooks(ctx context.Context, hooks []func(context.Context) error) error {
	for _, fn := range hooks {
		if err := fn(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) serveHTTP(ctx context.Context, scope *events.Scope, receive events.ReceiveFunc, send events.SendFunc) error {
	ev, err := receive(ctx)
	if err != nil {
		if errors.Is(err, events.ErrClosed) {
			return nil
		}
		return err
	}
	if _, ok := ev.(events.Disconnect); ok {
		return nil
	}
	start, ok := ev.(events.RequestStart)
	if !ok {
		return fmt.Errorf("web: expected request start, got %s", events.TypeName(ev))
	}

	if m, ok := a.matchMount(start.Path); ok {
		sub := *scope
		sub.RootPath = scope.RootPath + m.prefix
		start.Path = strings.TrimPrefix(start.Path, m.prefix)
		if start.Path == "" {
			start.Path = "/"
		}
		return m.app.Serve(ctx, &sub, replayFirst(start, receive), send)
	}

	handler, params := a.resolveHTTP(start.Method, start.Path)
	for i := len(a.middleware) - 1; i >= 0; i-- {
		handler = a.middleware[i](handler)
	}
	handler = Recovery(a.logger)(handler)

	req := newRequest(scope, start, params, receive)
	resp, err := handler(ctx, req)
	if err == nil && resp == nil {
		err = errors.New("web: handler returned no response")
	}
	if err == nil && resp.renderErr != nil {
		err = resp.renderErr
	}
	if err != nil {
		if errors.Is(err, events.ErrClosed) {
			return nil
		}
		a.logger.Error("handler failed",
			"method", start.Method,
			"path", start.Path,
			"error", err)
		resp = Text(http.StatusInternalServerError, "Internal Server Error")
	}
	if err := resp.write(ctx, send); err != nil {
		if errors.Is(err, events.ErrClosed) {
			return nil
		}
		return err
	}
	return nil
}

// resolveHTTP picks the handler for one request: the routed handler, a 405
// naming the allowed methods, or the not-found handler. HEAD falls back to
// the GET route; the server suppresses the body.
func (a *App) resolveHTTP(method, path string) (Handler, Params) {
	value, params, result, allowed := a.routes.lookup(method, path)
	if result == matchMethodMissing && method == http.MethodHead {
		if v, p, r, _ := a.routes.lookup(http.MethodGet, path); r == matchFound {
			value, params, result = v, p, r
		}
	}
	switch result {
	case matchFound:
		if h, ok := value.(Handler); ok {
			return h, params
		}
		// A WebSocket leaf reached with a plain request.
		return a.notFound, nil
	case matchMethodMissing:
		methods := allowed[:0:0]
		for _, m := range allowed {
			if m != methodWebSocket {
				methods = append(methods, m)
			}
		}
		if len(methods) == 0 {
			return a.notFound, nil
		}
		allow := strings.Join(methods, ", ")
		return func(ctx context.Context, r *Request) (*Response, error) {
			return Text(http.StatusMethodNotAllowed, "Method Not Allowed").WithHeader("allow", allow), nil
		}, nil
	default:
		return a.notFound, nil
	}
}

func (a *App) serveWebSocket(ctx context.Context, scope *events.Scope, receive events.ReceiveFunc, send events.SendFunc) error {
	ev, err := receive(ctx)
	if err != nil {
		if errors.Is(err, events.ErrClosed) {
			return nil
		}
		return err
	}
	if _, ok := ev.(events.Disconnect); ok {
		return nil
	}
	connect, ok := ev.(events.WebSocketConnect)
	if !ok {
		return fmt.Errorf("web: expected websocket connect, got %s", events.TypeName(ev))
	}

	if m, ok := a.matchMount(connect.Path); ok {
		sub := *scope
		sub.RootPath = scope.RootPath + m.prefix
		connect.Path = strings.TrimPrefix(connect.Path, m.prefix)
		if connect.Path == "" {
			connect.Path = "/"
		}
		return m.app.Serve(ctx, &sub, replayFirst(connect, receive), send)
	}

	value, params, result, _ := a.routes.lookup(methodWebSocket, connect.Path)
	handler, routed := value.(WSHandler)
	if result != matchFound || !routed {
		// Rejecting before the accept turns the handshake into a 403.
		return send(ctx, events.WebSocketClose{})
	}

	s := &Session{
		Path:         connect.Path,
		RawQuery:     connect.Query,
		Headers:      connect.Headers,
		Subprotocols: connect.Subprotocols,
		Params:       params,
		scope:        scope,
		receive:      receive,
		send:         send,
	}
	err = a.runSession(ctx, handler, s)
	var ce *CloseError
	if errors.As(err, &ce) {
		err = nil
	}
	if err != nil {
		if errors.Is(err, events.ErrClosed) {
			return nil
		}
		a.logger.Error("websocket handler failed", "path", connect.Path, "error", err)
		return err
	}
	if !s.closed {
		if !s.accepted {
			return send(ctx, events.WebSocketClose{})
		}
		if err := s.Close(ctx, 0, ""); err != nil && !errors.Is(err, events.ErrClosed) {
			return err
		}
	}
	return nil
}

func (a *App) runSession(ctx context.Context, h WSHandler, s *Session) (err error) {
	defer func() {
		if v := recover(); v != nil {
			a.logger.Error("websocket handler panicked",
				"path", s.Path,
				"panic", v,
				"stack", string(debug.Stack()))
			err = fmt.Errorf("panic in websocket handler: %v", v)
		}
	}()
	return h(ctx, s)
}

// matchMount returns the longest mount prefix covering path.
func (a *App) matchMount(path string) (mount, bool) {
	best := -1
	for i, m := range a.mounts {
		if path != m.prefix && !strings.HasPrefix(path, m.prefix+"/") {
			continue
		}
		if best < 0 || len(m.prefix) > len(a.mounts[best].prefix) {
			best = i
		}
	}
	if best < 0 {
		return mount{}, false
	}
	return a.mounts[best], true
}

// replayFirst hands ev to the first receive call and the live stream after.
func replayFirst(ev events.Event, receive events.ReceiveFunc) events.ReceiveFunc {
	replayed := false
	return func(ctx context.Context) (events.Event, error) {
		if !replayed {
			replayed = true
			return ev, nil
		}
		return receive(ctx)
	}
}
