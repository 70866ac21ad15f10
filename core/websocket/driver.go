package websocket

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"

	corehttp "github.com/searchktools/async-server/core/http"
	"github.com/searchktools/async-server/core/pools"
	"github.com/searchktools/async-server/events"
)

type sessionState int

const (
	stateConnecting sessionState = iota
	stateOpen
	stateClosing
	stateClosed
)

// Config carries what a session driver needs from the server.
type Config struct {
	App    events.Application
	Logger *slog.Logger

	// BaseScope holds scheme (ws or wss), server address, root path and
	// TLS flag.
	BaseScope events.Scope

	// MaxMessageSize bounds one reassembled inbound message; zero or
	// negative means unbounded.
	MaxMessageSize int64
	// PingInterval is how often the server pings an open session; zero
	// disables keepalive probing.
	PingInterval time.Duration
	// PingTimeout is how long an outstanding ping may go unanswered.
	PingTimeout time.Duration

	// OnReceive and OnSend observe data messages: OnReceive fires per
	// reassembled inbound message, OnSend per accepted outbound send.
	OnReceive func(bytes int)
	OnSend    func(bytes int)

	TaskStart func()
	TaskDone  func()
}

// outFrame is one queued outbound frame. closeAfter makes the writer tear
// the session down right after flushing it, reporting code.
type outFrame struct {
	op         opcode
	payload    []byte
	closeAfter bool
	code       int
}

// Driver runs one WebSocket session from upgrade handoff to close. The
// application sees WebSocketConnect first and must accept or reject;
// after acceptance inbound frames are reassembled into whole messages and
// outbound sends drain through a single writer in order.
type Driver struct {
	conn      net.Conn
	r         *bufio.Reader
	head      *corehttp.RequestHead
	cfg       Config
	logger    *slog.Logger
	scope     events.Scope
	acceptKey string

	mu        sync.Mutex
	state     sessionState
	inbox     *queue.Queue
	inNotify  chan struct{}
	inClosed  bool
	closeCode int
	outbox    *queue.Queue
	outNotify chan struct{}
	outClosed bool

	closeSent atomic.Bool
	pingSent  atomic.Int64 // unix nanos of the outstanding ping, 0 if none

	rejected      bool
	handshakeOnce sync.Once
	handshakeDone chan struct{}

	teardownOnce sync.Once
	closedCh     chan struct{}
}

// NewDriver wraps a connection handed off after an upgrade request.
func NewDriver(conn net.Conn, r *bufio.Reader, head *corehttp.RequestHead, cfg Config) *Driver {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	scope := cfg.BaseScope
	scope.Type = events.ScopeWebSocket
	scope.HTTPVersion = head.Version
	scope.Client = corehttp.AddrFromNet(conn.RemoteAddr())
	return &Driver{
		conn:          conn,
		r:             r,
		head:          head,
		cfg:           cfg,
		logger:        logger.With("component", "websocket"),
		scope:         scope,
		inbox:         queue.New(),
		inNotify:      make(chan struct{}, 1),
		outbox:        queue.New(),
		outNotify:     make(chan struct{}, 1),
		handshakeDone: make(chan struct{}),
		closedCh:      make(chan struct{}),
	}
}

// Serve runs the session to completion.
func (d *Driver) Serve(ctx context.Context) error {
	// The reader arrived with the upgrade handoff; every exit below has
	// the read loop joined or never started, so it can go back.
	defer func() {
		pools.PutReader(d.r)
		d.r = nil
	}()

	key, err := validateHandshake(d.head)
	if err != nil {
		d.logger.Warn("Invalid WebSocket handshake.", "err", err)
		_, _ = d.conn.Write(corehttp.Canned(400, "Invalid WebSocket handshake."))
		d.teardown(closeAbnormalClosure)
		return nil
	}
	d.acceptKey = computeAcceptKey(key)

	d.push(events.WebSocketConnect{
		Path:         d.head.Path,
		Query:        d.head.Query,
		Headers:      d.head.Headers,
		Subprotocols: subprotocols(d.head.Headers),
	})

	if d.cfg.TaskStart != nil {
		d.cfg.TaskStart()
	}
	defer func() {
		if d.cfg.TaskDone != nil {
			d.cfg.TaskDone()
		}
	}()

	appDone := make(chan error, 1)
	go func() { appDone <- d.invoke(ctx) }()

	select {
	case <-d.handshakeDone:
	case appErr := <-appDone:
		d.finishWithoutHandshake(appErr)
		return nil
	case <-ctx.Done():
		d.teardown(closeAbnormalClosure)
		<-appDone
		return nil
	}

	if d.rejected {
		<-appDone
		return nil
	}

	go d.writeLoop()
	if d.cfg.PingInterval > 0 {
		go d.pingLoop()
	}
	readDone := make(chan struct{})
	go func() {
		d.readLoop()
		close(readDone)
	}()

	select {
	case appErr := <-appDone:
		if appErr != nil {
			d.logger.Error("exception in application handler", "err", appErr)
			d.initiateClose(CloseInternalError, "")
		} else {
			d.initiateClose(CloseNormalClosure, "")
		}
	case <-ctx.Done():
		d.Close()
		<-appDone
	}
	<-readDone
	return nil
}

// Shutdown closes the session for server drain: open sessions get a 1012
// close frame, a pending handshake is dropped.
func (d *Driver) Shutdown() {
	d.mu.Lock()
	st := d.state
	if st == stateOpen {
		d.state = stateClosing
	}
	d.mu.Unlock()

	switch st {
	case stateOpen:
		if !d.closeSent.Swap(true) {
			d.enqueue(outFrame{
				op:         opClose,
				payload:    encodeClosePayload(CloseServiceRestart, ""),
				closeAfter: true,
				code:       CloseServiceRestart,
			})
		}
	case stateConnecting:
		d.teardown(CloseServiceRestart)
	}
}

// Close drops the transport immediately.
func (d *Driver) Close() {
	d.teardown(closeAbnormalClosure)
}

func (d *Driver) invoke(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in application handler: %v", r)
		}
	}()
	return d.cfg.App.Serve(ctx, &d.scope, d.receive, d.send)
}

func (d *Driver) finishWithoutHandshake(appErr error) {
	select {
	case <-d.closedCh:
		// The transport was already dropped out from under the
		// application; nothing to answer.
		return
	default:
	}
	if appErr != nil {
		d.logger.Error("exception in application handler", "err", appErr)
	} else {
		d.logger.Error("application returned without completing the websocket handshake")
	}
	_, _ = d.conn.Write(corehttp.Canned(500, "Internal Server Error"))
	d.teardown(closeAbnormalClosure)
}

func (d *Driver) completeHandshake(rejected bool) {
	d.handshakeOnce.Do(func() {
		d.rejected = rejected
		close(d.handshakeDone)
	})
}

// receive yields the next inbound event. After the session ends it reports
// Disconnect with the observed close code, repeatably.
func (d *Driver) receive(ctx context.Context) (events.Event, error) {
	for {
		d.mu.Lock()
		if d.inbox.Length() > 0 {
			ev := d.inbox.Remove().(events.Event)
			d.mu.Unlock()
			return ev, nil
		}
		if d.inClosed {
			code := d.closeCode
			d.mu.Unlock()
			return events.Disconnect{Code: code}, nil
		}
		d.mu.Unlock()
		select {
		case <-d.inNotify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (d *Driver) send(ctx context.Context, ev events.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	switch e := ev.(type) {
	case events.WebSocketAccept:
		d.mu.Lock()
		switch d.state {
		case stateConnecting:
			d.state = stateOpen
			d.mu.Unlock()
		case stateClosed:
			d.mu.Unlock()
			return events.ErrClosed
		default:
			d.mu.Unlock()
			return d.contractError(ev, "handshake already complete")
		}
		resp := switchingProtocols(d.acceptKey, e.Subprotocol, e.Headers)
		if _, err := d.conn.Write(resp); err != nil {
			d.teardown(closeAbnormalClosure)
			d.completeHandshake(false)
			return events.ErrClosed
		}
		d.completeHandshake(false)

	case events.WebSocketSend:
		d.mu.Lock()
		st := d.state
		d.mu.Unlock()
		switch st {
		case stateConnecting:
			return d.contractError(ev, "websocket not accepted")
		case stateOpen:
			op := opBinary
			if e.Text {
				op = opText
			}
			if !d.enqueue(outFrame{op: op, payload: e.Data}) {
				return events.ErrClosed
			}
			if d.cfg.OnSend != nil {
				d.cfg.OnSend(len(e.Data))
			}
		default:
			return events.ErrClosed
		}

	case events.WebSocketClose:
		code := e.Code
		if code == 0 {
			code = CloseNormalClosure
		}
		d.mu.Lock()
		switch d.state {
		case stateConnecting:
			d.mu.Unlock()
			// Rejecting the handshake is a plain HTTP refusal.
			_, _ = d.conn.Write(corehttp.Canned(403, "Forbidden"))
			d.teardown(code)
			d.completeHandshake(true)
		case stateOpen:
			d.state = stateClosing
			d.mu.Unlock()
			d.initiateClose(code, e.Reason)
		default:
			d.mu.Unlock()
			return events.ErrClosed
		}

	default:
		return d.contractError(ev, "event not valid on a websocket session")
	}
	return nil
}

func (d *Driver) contractError(ev events.Event, reason string) error {
	return fmt.Errorf("invalid %q event: %s", events.TypeName(ev), reason)
}

// initiateClose queues this side's close frame once; the writer tears the
// session down after flushing it.
func (d *Driver) initiateClose(code int, reason string) {
	d.mu.Lock()
	if d.state == stateOpen {
		d.state = stateClosing
	}
	d.mu.Unlock()
	if d.closeSent.Swap(true) {
		return
	}
	d.enqueue(outFrame{
		op:         opClose,
		payload:    encodeClosePayload(code, reason),
		closeAfter: true,
		code:       code,
	})
}

// failConnection closes with the given code after a peer fault.
func (d *Driver) failConnection(code int, reason string) {
	if d.closeSent.Swap(true) {
		return
	}
	if !d.enqueue(outFrame{
		op:         opClose,
		payload:    encodeClosePayload(code, reason),
		closeAfter: true,
		code:       code,
	}) {
		d.teardown(code)
	}
}

func (d *Driver) push(ev events.Event) {
	d.mu.Lock()
	if d.inClosed {
		d.mu.Unlock()
		return
	}
	d.inbox.Add(ev)
	d.mu.Unlock()
	select {
	case d.inNotify <- struct{}{}:
	default:
	}
}

func (d *Driver) enqueue(f outFrame) bool {
	d.mu.Lock()
	if d.outClosed {
		d.mu.Unlock()
		return false
	}
	d.outbox.Add(f)
	d.mu.Unlock()
	select {
	case d.outNotify <- struct{}{}:
	default:
	}
	return true
}

// writeLoop is the only writer once the session is open, so queued frames
// reach the wire in send order.
func (d *Driver) writeLoop() {
	for {
		d.mu.Lock()
		if d.outbox.Length() == 0 {
			closed := d.outClosed
			d.mu.Unlock()
			if closed {
				return
			}
			select {
			case <-d.outNotify:
			case <-d.closedCh:
				return
			}
			continue
		}
		f := d.outbox.Remove().(outFrame)
		d.mu.Unlock()

		if err := writeFrame(d.conn, true, f.op, f.payload); err != nil {
			d.teardown(closeAbnormalClosure)
			return
		}
		if f.closeAfter {
			d.teardown(f.code)
			return
		}
	}
}

// pingLoop probes liveness on open sessions. An unanswered ping past the
// timeout fails the session with 1011.
func (d *Driver) pingLoop() {
	ticker := time.NewTicker(d.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if sent := d.pingSent.Load(); sent != 0 {
				if d.cfg.PingTimeout > 0 && time.Since(time.Unix(0, sent)) >= d.cfg.PingTimeout {
					d.logger.Warn("websocket ping timeout")
					d.failConnection(CloseInternalError, "ping timeout")
					return
				}
				continue
			}
			d.pingSent.Store(time.Now().UnixNano())
			if !d.enqueue(outFrame{op: opPing}) {
				return
			}
		case <-d.closedCh:
			return
		}
	}
}

// readLoop decodes frames and reassembles fragmented messages until the
// session ends.
func (d *Driver) readLoop() {
	var buf []byte
	var msgOp opcode
	inMessage := false

	for {
		f, err := readFrame(d.r, d.cfg.MaxMessageSize)
		if err != nil {
			var tooBig *tooBigError
			switch {
			case errors.As(err, &tooBig):
				d.logger.Warn("closing websocket: inbound message too large", "bytes", tooBig.length)
				d.failConnection(CloseMessageTooBig, "message too big")
			case errors.Is(err, errProtocol):
				d.logger.Warn("closing websocket: protocol violation", "err", err)
				d.failConnection(CloseProtocolError, "protocol error")
			default:
				d.teardown(closeAbnormalClosure)
			}
			return
		}
		if !f.masked {
			d.logger.Warn("closing websocket: unmasked client frame")
			d.failConnection(CloseProtocolError, "client frames must be masked")
			return
		}

		switch f.op {
		case opText, opBinary:
			if inMessage {
				d.failConnection(CloseProtocolError, "expected continuation frame")
				return
			}
			if f.fin {
				if d.cfg.OnReceive != nil {
					d.cfg.OnReceive(len(f.payload))
				}
				d.push(events.WebSocketReceive{Data: f.payload, Text: f.op == opText})
			} else {
				inMessage = true
				msgOp = f.op
				buf = f.payload
			}

		case opContinuation:
			if !inMessage {
				d.failConnection(CloseProtocolError, "continuation without a message")
				return
			}
			if d.cfg.MaxMessageSize > 0 && int64(len(buf)+len(f.payload)) > d.cfg.MaxMessageSize {
				d.logger.Warn("closing websocket: inbound message too large", "bytes", len(buf)+len(f.payload))
				d.failConnection(CloseMessageTooBig, "message too big")
				return
			}
			buf = append(buf, f.payload...)
			if f.fin {
				if d.cfg.OnReceive != nil {
					d.cfg.OnReceive(len(buf))
				}
				d.push(events.WebSocketReceive{Data: buf, Text: msgOp == opText})
				buf = nil
				inMessage = false
			}

		case opPing:
			if !d.enqueue(outFrame{op: opPong, payload: f.payload}) {
				return
			}

		case opPong:
			d.pingSent.Store(0)

		case opClose:
			code, _ := parseClosePayload(f.payload)
			if d.closeSent.Swap(true) {
				// Our close frame is already queued or on the wire; the
				// writer finishes the teardown.
				return
			}
			d.enqueue(outFrame{op: opClose, payload: f.payload, closeAfter: true, code: code})
			return
		}
	}
}

// teardown ends the session exactly once: the transport closes, pending
// receives drain and then report Disconnect with code.
func (d *Driver) teardown(code int) {
	d.teardownOnce.Do(func() {
		d.mu.Lock()
		d.state = stateClosed
		d.inClosed = true
		d.closeCode = code
		d.outClosed = true
		d.mu.Unlock()
		close(d.closedCh)
		d.conn.Close()
		select {
		case d.inNotify <- struct{}{}:
		default:
		}
		select {
		case d.outNotify <- struct{}{}:
		default:
		}
	})
}
