// Package events defines the calling contract between the server and the
// applications it runs.
//
// An application is invoked once per exchange: once per HTTP request cycle,
// once per WebSocket session, and once per worker process for the lifespan
// protocol. Each invocation gets a Scope describing the connection, a receive
// function producing the next inbound event, and a send function accepting
// outbound events. The event set is closed: every value passed across the
// boundary is one of the tagged types in this package.
package events

import (
	"context"
	"errors"
	"strconv"
	"strings"
)

// ScopeType identifies the protocol family of an exchange.
type ScopeType int

const (
	ScopeHTTP ScopeType = iota
	ScopeWebSocket
	ScopeLifespan
)

func (t ScopeType) String() string {
	switch t {
	case ScopeHTTP:
		return "http"
	case ScopeWebSocket:
		return "websocket"
	case ScopeLifespan:
		return "lifespan"
	}
	return "unknown"
}

// Addr is a transport endpoint, host and port.
type Addr struct {
	Host string
	Port int
}

func (a Addr) String() string {
	return a.Host + ":" + strconv.Itoa(a.Port)
}

// Header is one header field. Names are lowercase on the server side of the
// boundary; order and duplicates from the wire are preserved.
type Header struct {
	Name  string
	Value string
}

// Headers is an ordered header list.
type Headers []Header

// Get returns the first value for name, matching case-insensitively.
func (h Headers) Get(name string) (string, bool) {
	name = strings.ToLower(name)
	for _, f := range h {
		if f.Name == name {
			return f.Value, true
		}
	}
	return "", false
}

// Values returns all values for name in wire order.
func (h Headers) Values(name string) []string {
	name = strings.ToLower(name)
	var vals []string
	for _, f := range h {
		if f.Name == name {
			vals = append(vals, f.Value)
		}
	}
	return vals
}

// Scope carries the connection-level facts of one exchange. Request-level
// data (method, target, headers) arrives in the first received event:
// RequestStart for HTTP, WebSocketConnect for WebSocket.
type Scope struct {
	Type        ScopeType
	HTTPVersion string // "1.0" or "1.1"; empty for lifespan
	Scheme      string // http, https, ws or wss
	Client      Addr
	Server      Addr
	RootPath    string
	TLS         bool
}

// Event is one message exchanged between server and application. The set of
// implementations in this package is exhaustive.
type Event interface{ event() }

// RequestStart opens an HTTP request cycle. It is always the first event the
// application receives on an HTTP scope.
type RequestStart struct {
	Method  string
	Path    string // percent-decoded path
	Query   string // raw query string, no decoding
	Headers Headers
	Client  Addr
}

// RequestBody carries one chunk of the request body. More reports whether
// further chunks follow; a bodyless request yields a single empty chunk with
// More set to false.
type RequestBody struct {
	Data []byte
	More bool
}

// Disconnect reports that the peer is gone. For WebSocket scopes Code is the
// close code observed or inferred; for HTTP it is zero.
type Disconnect struct {
	Code int
}

// ResponseStart begins the response: status code and headers. Exactly one
// must be sent per HTTP cycle, before any body event.
type ResponseStart struct {
	Status  int
	Headers Headers
}

// ResponseBody carries one chunk of the response body. The final chunk has
// More set to false; sending it completes the cycle.
type ResponseBody struct {
	Data []byte
	More bool
}

// ResponsePath streams the contents of a file as the remainder of the
// response body and completes the cycle. The server copies straight from the
// file to the transport.
type ResponsePath struct {
	Path string
}

// WebSocketConnect opens a WebSocket session. It is always the first event
// the application receives on a WebSocket scope; the application must answer
// with WebSocketAccept or WebSocketClose.
type WebSocketConnect struct {
	Path         string
	Query        string
	Headers      Headers
	Subprotocols []string
}

// WebSocketAccept completes the upgrade handshake, optionally selecting one
// of the offered subprotocols and adding response headers.
type WebSocketAccept struct {
	Subprotocol string
	Headers     Headers
}

// WebSocketReceive delivers one complete inbound message, reassembled from
// however many wire fragments it arrived in.
type WebSocketReceive struct {
	Data []byte
	Text bool
}

// WebSocketSend carries one outbound message.
type WebSocketSend struct {
	Data []byte
	Text bool
}

// WebSocketClose closes the session. Sent before WebSocketAccept it rejects
// the handshake with an HTTP 403 instead. A zero Code means 1000.
type WebSocketClose struct {
	Code   int
	Reason string
}

// LifespanStartup asks the application to run its startup hooks.
type LifespanStartup struct{}

// StartupComplete acknowledges successful startup.
type StartupComplete struct{}

// StartupFailed reports that startup hooks failed; the worker aborts without
// serving traffic.
type StartupFailed struct {
	Message string
}

// LifespanShutdown asks the application to run its shutdown hooks.
type LifespanShutdown struct{}

// ShutdownComplete acknowledges shutdown.
type ShutdownComplete struct{}

// ShutdownFailed reports failed shutdown hooks; the worker exits regardless.
type ShutdownFailed struct {
	Message string
}

func (RequestStart) event()     {}
func (RequestBody) event()      {}
func (Disconnect) event()       {}
func (ResponseStart) event()    {}
func (ResponseBody) event()     {}
func (ResponsePath) event()     {}
func (WebSocketConnect) event() {}
func (WebSocketAccept) event()  {}
func (WebSocketReceive) event() {}
func (WebSocketSend) event()    {}
func (WebSocketClose) event()   {}
func (LifespanStartup) event()  {}
func (StartupComplete) event()  {}
func (StartupFailed) event()    {}
func (LifespanShutdown) event() {}
func (ShutdownComplete) event() {}
func (ShutdownFailed) event()   {}

// ErrClosed is returned by receive and send once the underlying connection
// is gone and no further events will flow.
var ErrClosed = errors.New("connection closed")

// ReceiveFunc produces the next inbound event, blocking until one is
// available, the context is done, or the connection is closed.
type ReceiveFunc func(ctx context.Context) (Event, error)

// SendFunc delivers one outbound event to the server.
type SendFunc func(ctx context.Context, ev Event) error

// Application is user code driven by the server. Serve is called once per
// scope and returns when the exchange is over; returning a non-nil error
// marks the exchange as failed on the server side.
type Application interface {
	Serve(ctx context.Context, scope *Scope, receive ReceiveFunc, send SendFunc) error
}

// AppFunc adapts a function to the Application interface.
type AppFunc func(ctx context.Context, scope *Scope, receive ReceiveFunc, send SendFunc) error

func (f AppFunc) Serve(ctx context.Context, scope *Scope, receive ReceiveFunc, send SendFunc) error {
	return f(ctx, scope, receive, send)
}

// TypeName names an event for diagnostics, in dotted wire style.
func TypeName(ev Event) string {
	switch ev.(type) {
	case RequestStart:
		return "http.request.start"
	case RequestBody:
		return "http.request.body"
	case Disconnect:
		return "disconnect"
	case ResponseStart:
		return "http.response.start"
	case ResponseBody:
		return "http.response.body"
	case ResponsePath:
		return "http.response.path"
	case WebSocketConnect:
		return "websocket.connect"
	case WebSocketAccept:
		return "websocket.accept"
	case WebSocketReceive:
		return "websocket.receive"
	case WebSocketSend:
		return "websocket.send"
	case WebSocketClose:
		return "websocket.close"
	case LifespanStartup:
		return "lifespan.startup"
	case StartupComplete:
		return "lifespan.startup.complete"
	case StartupFailed:
		return "lifespan.startup.failed"
	case LifespanShutdown:
		return "lifespan.shutdown"
	case ShutdownComplete:
		return "lifespan.shutdown.complete"
	case ShutdownFailed:
		return "lifespan.shutdown.failed"
	}
	return "unknown"
}
