package core

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/searchktools/async-server/config"
	corehttp "github.com/searchktools/async-server/core/http"
	"github.com/searchktools/async-server/core/pools"
	"github.com/searchktools/async-server/core/websocket"
	"github.com/searchktools/async-server/events"
	"github.com/searchktools/async-server/metrics"
)

// Driver runs one accepted connection to completion.
type Driver interface {
	// Serve blocks until the connection is finished. The context reaches
	// application invocations and is cancelled only on a forced quit.
	Serve(ctx context.Context) error
	// Shutdown disables keep-alive and lets the in-flight exchange finish.
	Shutdown()
	// Close drops the transport immediately.
	Close()
}

// Handoff lets a driver replace itself mid-connection, as the HTTP driver
// does when it upgrades to WebSocket, so drain bookkeeping keeps targeting
// whichever driver owns the transport now.
type Handoff interface {
	Swap(d Driver)
}

// Negotiator builds the right driver for each accepted connection and holds
// the per-worker pieces every driver shares.
type Negotiator struct {
	cfg     *config.Config
	app     events.Application
	logger  *slog.Logger
	headers *corehttp.HeaderCache
	gov     *Governor
	stats   *metrics.Metrics

	httpBase events.Scope
	wsBase   events.Scope
}

// NewNegotiator wires the shared driver dependencies. addr is the bound
// listener address, recorded in every scope; stats may be nil.
func NewNegotiator(cfg *config.Config, app events.Application, logger *slog.Logger, headers *corehttp.HeaderCache, gov *Governor, stats *metrics.Metrics, addr net.Addr) *Negotiator {
	httpBase := events.Scope{
		Scheme:   cfg.Scheme(),
		Server:   corehttp.AddrFromNet(addr),
		RootPath: cfg.RootPath,
		TLS:      cfg.IsTLS(),
	}
	wsBase := httpBase
	wsBase.Scheme = "ws"
	if cfg.IsTLS() {
		wsBase.Scheme = "wss"
	}
	return &Negotiator{
		cfg:      cfg,
		app:      app,
		logger:   logger,
		headers:  headers,
		gov:      gov,
		stats:    stats,
		httpBase: httpBase,
		wsBase:   wsBase,
	}
}

// NewDriver dispatches one accepted connection to its protocol family.
func (n *Negotiator) NewDriver(conn net.Conn, h Handoff) Driver {
	if n.cfg.WSProtocol == config.WSOnly {
		return &wsDirect{conn: conn, n: n, h: h}
	}
	return corehttp.NewDriver(conn, n.httpConfig(h))
}

func (n *Negotiator) httpConfig(h Handoff) corehttp.Config {
	cfg := corehttp.Config{
		App:              n.app,
		Logger:           n.logger,
		AccessLog:        n.cfg.AccessLog,
		BaseScope:        n.httpBase,
		MaxHeaderBytes:   n.cfg.MaxHeaderBytes,
		KeepAliveTimeout: n.cfg.TimeoutKeepAlive,
		Headers:          n.headers,
		OnRequest:        n.gov.CountRequest,
		OnCycle:          n.stats.CycleServed,
		TaskStart:        n.gov.TaskStart,
		TaskDone:         n.gov.TaskDone,
	}
	if n.cfg.WSProtocol != config.WSNone {
		cfg.Upgrader = upgrader{n: n, h: h}
	}
	return cfg
}

func (n *Negotiator) wsConfig() websocket.Config {
	return websocket.Config{
		App:            n.app,
		Logger:         n.logger,
		BaseScope:      n.wsBase,
		MaxMessageSize: n.cfg.WSMaxMessageSize,
		PingInterval:   n.cfg.WSPingInterval,
		PingTimeout:    n.cfg.WSPingTimeout,
		OnReceive:      n.stats.MessageReceived,
		OnSend:         n.stats.MessageSent,
		TaskStart:      n.gov.TaskStart,
		TaskDone:       n.gov.TaskDone,
	}
}

// upgrader bridges the HTTP driver's upgrade handoff into a WebSocket
// session driver.
type upgrader struct {
	n *Negotiator
	h Handoff
}

func (u upgrader) HandleUpgrade(ctx context.Context, conn net.Conn, r *bufio.Reader, head *corehttp.RequestHead) error {
	d := websocket.NewDriver(conn, r, head, u.n.wsConfig())
	if u.h != nil {
		u.h.Swap(d)
	}
	u.n.stats.SessionOpened()
	defer u.n.stats.SessionClosed()
	return d.Serve(ctx)
}

// wsDirect serves WebSocket-only deployments: the connection's first and
// only HTTP exchange must be an opening handshake, which is read here and
// handed straight to the session driver.
type wsDirect struct {
	conn net.Conn
	n    *Negotiator
	h    Handoff

	mu       sync.Mutex
	shutdown bool
	closed   bool
}

func (w *wsDirect) Serve(ctx context.Context) error {
	r := pools.GetReader(w.conn)
	if w.n.cfg.TimeoutKeepAlive > 0 {
		_ = w.conn.SetReadDeadline(time.Now().Add(w.n.cfg.TimeoutKeepAlive))
	}
	head, err := corehttp.ReadRequestHead(r, w.n.cfg.MaxHeaderBytes)
	if err != nil {
		w.refuse(err)
		pools.PutReader(r)
		return nil
	}
	_ = w.conn.SetReadDeadline(time.Time{})

	w.mu.Lock()
	if w.closed || w.shutdown {
		w.mu.Unlock()
		w.conn.Close()
		pools.PutReader(r)
		return nil
	}
	w.mu.Unlock()

	d := websocket.NewDriver(w.conn, r, head, w.n.wsConfig())
	if w.h != nil {
		w.h.Swap(d)
	}
	w.n.stats.SessionOpened()
	defer w.n.stats.SessionClosed()
	return d.Serve(ctx)
}

// Shutdown drops the connection: before the handshake there is never an
// exchange worth finishing.
func (w *wsDirect) Shutdown() {
	w.mu.Lock()
	w.shutdown = true
	w.mu.Unlock()
	w.conn.Close()
}

func (w *wsDirect) Close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	w.conn.Close()
}

func (w *wsDirect) refuse(err error) {
	defer w.conn.Close()
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed), errors.Is(err, os.ErrDeadlineExceeded):
		return
	case errors.Is(err, corehttp.ErrHeaderTooLarge):
		w.n.logger.Warn("Request header section too large.")
		_, _ = w.conn.Write(corehttp.Canned(431, "Request header section too large."))
	default:
		w.n.logger.Warn("Invalid HTTP request received.", "err", err)
		_, _ = w.conn.Write(corehttp.Canned(400, "Invalid HTTP request received."))
	}
}
