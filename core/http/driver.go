package http

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/searchktools/async-server/core/pools"
	"github.com/searchktools/async-server/events"
)

// Upgrader takes over a connection after a websocket upgrade request. The
// handoff is irreversible: the HTTP driver never touches the transport
// again.
type Upgrader interface {
	HandleUpgrade(ctx context.Context, conn net.Conn, r *bufio.Reader, head *RequestHead) error
}

// Config carries everything a connection driver needs from the server.
type Config struct {
	App       events.Application
	Logger    *slog.Logger
	AccessLog bool

	// BaseScope holds the connection-independent scope fields: scheme,
	// server address, root path, TLS flag.
	BaseScope events.Scope

	MaxHeaderBytes   int
	KeepAliveTimeout time.Duration
	Headers          *HeaderCache

	// OnRequest is called once per parsed request, before dispatch.
	OnRequest func()
	// OnCycle observes each settled cycle that produced a response, with
	// the status sent and the time from head parse to settlement.
	OnCycle func(status int, elapsed time.Duration)
	// TaskStart and TaskDone bracket each application invocation.
	TaskStart func()
	TaskDone  func()

	// Upgrader enables websocket upgrades; nil refuses them with a 400.
	Upgrader Upgrader
}

// Driver owns one HTTP connection: it parses request heads, runs one
// application cycle at a time, and decides between keep-alive, upgrade and
// close. Pipelined requests wait in the buffered reader until the current
// response is flushed, which keeps responses strictly in request order.
type Driver struct {
	conn   net.Conn
	r      *bufio.Reader
	cfg    Config
	logger *slog.Logger
	access *slog.Logger
	scope  events.Scope

	mu        sync.Mutex
	inCycle   bool
	shutdown  bool
	closed    bool
	handedOff bool
	gone      chan struct{}
}

// NewDriver wraps an accepted connection.
func NewDriver(conn net.Conn, cfg Config) *Driver {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxHeaderBytes <= 0 {
		cfg.MaxHeaderBytes = 64 << 10
	}
	scope := cfg.BaseScope
	scope.Type = events.ScopeHTTP
	scope.Client = AddrFromNet(conn.RemoteAddr())
	return &Driver{
		conn:   conn,
		r:      pools.GetReader(conn),
		cfg:    cfg,
		logger: logger.With("component", "http"),
		access: logger.With("component", "access"),
		scope:  scope,
		gone:   make(chan struct{}),
	}
}

// Serve runs the connection to completion. It returns once the connection
// is closed, times out idle, or is handed off to the Upgrader.
func (d *Driver) Serve(ctx context.Context) error {
	defer func() {
		d.mu.Lock()
		handed := d.handedOff
		d.mu.Unlock()
		if !handed {
			d.Close()
			pools.PutReader(d.r)
			d.r = nil
		}
	}()

	for {
		if d.cfg.KeepAliveTimeout > 0 {
			d.conn.SetReadDeadline(time.Now().Add(d.cfg.KeepAliveTimeout))
		}
		head, err := ReadRequestHead(d.r, d.cfg.MaxHeaderBytes)
		if err != nil {
			return d.refuse(err)
		}
		d.conn.SetReadDeadline(time.Time{})

		d.mu.Lock()
		if d.shutdown || d.closed {
			d.mu.Unlock()
			return nil
		}
		d.inCycle = true
		d.mu.Unlock()

		if d.cfg.OnRequest != nil {
			d.cfg.OnRequest()
		}

		if head.Upgrade {
			if d.cfg.Upgrader != nil {
				d.mu.Lock()
				d.handedOff = true
				d.inCycle = false
				d.mu.Unlock()
				return d.cfg.Upgrader.HandleUpgrade(ctx, d.conn, d.r, head)
			}
			d.logger.Warn("Unsupported upgrade request.")
			d.respond(Canned(400, "Unsupported upgrade request."))
			return nil
		}

		keepAlive := d.serveCycle(ctx, head)

		d.mu.Lock()
		d.inCycle = false
		if d.shutdown || d.closed {
			keepAlive = false
		}
		d.mu.Unlock()

		if !keepAlive {
			return nil
		}
	}
}

// Shutdown stops the connection gracefully. Idle connections close now; an
// in-flight cycle finishes and delivers its response, then the connection
// closes instead of re-arming keep-alive.
func (d *Driver) Shutdown() {
	d.mu.Lock()
	d.shutdown = true
	idle := !d.inCycle && !d.handedOff
	d.mu.Unlock()
	if idle {
		d.Close()
	}
}

// Close tears the transport down immediately, mid-cycle included.
func (d *Driver) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	if !d.handedOff {
		d.conn.Close()
	}
	close(d.gone)
}

// refuse maps a head parse failure to its canned response. Clean closes,
// idle timeouts and resets end the connection silently.
func (d *Driver) refuse(err error) error {
	switch {
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, os.ErrDeadlineExceeded):
		return nil
	case errors.Is(err, ErrHeaderTooLarge):
		d.logger.Warn("Request header section too large.")
		d.respond(Canned(431, "Request header section too large"))
	case errors.Is(err, ErrUnsupportedVersion):
		d.logger.Warn("Unsupported HTTP version.")
		d.respond(Canned(505, "Unsupported HTTP version"))
	case errors.Is(err, ErrUnsupportedTransferEncoding):
		d.logger.Warn("Unsupported transfer encoding.")
		d.respond(Canned(501, "Unsupported transfer encoding"))
	case errors.Is(err, ErrMalformed):
		d.logger.Warn("Invalid HTTP request received.")
		d.respond(Canned(400, "Invalid HTTP request received."))
	default:
		d.logger.Debug("connection error", "err", err)
	}
	return nil
}

func (d *Driver) respond(b []byte) {
	_, _ = d.conn.Write(b)
}

func (d *Driver) serveCycle(ctx context.Context, head *RequestHead) bool {
	start := time.Now()
	scope := d.scope
	scope.HTTPVersion = head.Version

	d.mu.Lock()
	force := d.shutdown
	d.mu.Unlock()

	var defaults []byte
	if d.cfg.Headers != nil {
		defaults = d.cfg.Headers.Bytes()
	}
	c := &cycle{
		d:               d,
		head:            head,
		scope:           scope,
		rw:              newResponseWriter(d.conn, head, defaults, force || !head.KeepAlive),
		body:            newBodyReader(d.r, head, d.cfg.MaxHeaderBytes),
		continuePending: head.ExpectContinue && head.HasBody(),
	}

	if d.cfg.TaskStart != nil {
		d.cfg.TaskStart()
	}
	done := make(chan error, 1)
	go func() {
		done <- d.invoke(ctx, &scope, c)
	}()
	appErr := <-done
	if d.cfg.TaskDone != nil {
		d.cfg.TaskDone()
	}

	keepAlive := d.finishCycle(c, appErr)
	if d.cfg.OnCycle != nil && !c.fatal {
		status := c.status
		if !c.responseStarted {
			// finishCycle answered for the application with a canned 500.
			status = 500
		}
		d.cfg.OnCycle(status, time.Since(start))
	}
	return keepAlive
}

func (d *Driver) invoke(ctx context.Context, scope *events.Scope, c *cycle) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in application handler: %v", r)
		}
	}()
	return d.cfg.App.Serve(ctx, scope, c.receive, c.send)
}

// finishCycle settles the connection's fate after one application
// invocation.
func (d *Driver) finishCycle(c *cycle, appErr error) bool {
	defect := c.violation
	if defect == nil {
		defect = appErr
	}

	if c.fatal {
		if defect != nil {
			d.logger.Error("exception in application handler", "err", defect)
		}
		return false
	}

	if defect != nil {
		d.logger.Error("exception in application handler", "err", defect)
		if !c.responseStarted {
			d.respond(Canned(500, "Internal Server Error"))
			return false
		}
		if !c.responseComplete {
			return false
		}
		// Failed only after completing the response; the connection is
		// unaffected.
	} else if !c.responseComplete {
		if !c.responseStarted {
			d.logger.Error("application returned without sending a response")
			d.respond(Canned(500, "Internal Server Error"))
		} else {
			d.logger.Error("application returned without completing the response")
		}
		return false
	}

	// A request body left unread would bleed into the next head parse.
	if c.body != nil && !c.bodyDone {
		return false
	}
	return c.head.KeepAlive && !c.rw.closeAfter
}

// AddrFromNet converts a transport address to the contract form. Unix
// sockets carry the path in Host with a zero port.
func AddrFromNet(a net.Addr) events.Addr {
	switch t := a.(type) {
	case *net.TCPAddr:
		return events.Addr{Host: t.IP.String(), Port: t.Port}
	case *net.UnixAddr:
		return events.Addr{Host: t.Name}
	case nil:
		return events.Addr{}
	}
	host, portStr, err := net.SplitHostPort(a.String())
	if err != nil {
		return events.Addr{Host: a.String()}
	}
	port, _ := strconv.Atoi(portStr)
	return events.Addr{Host: host, Port: port}
}
