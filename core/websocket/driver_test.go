package websocket

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net"
	stdhttp "net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	corehttp "github.com/searchktools/async-server/core/http"
	"github.com/searchktools/async-server/events"
)

// Key and accept value from the RFC 6455 opening handshake example.
const (
	sampleNonce  = "dGhlIHNhbXBsZSBub25jZQ=="
	sampleAccept = "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func sampleHead() *corehttp.RequestHead {
	return &corehttp.RequestHead{
		Method:  "GET",
		Target:  "/chat?room=1",
		Path:    "/chat",
		Query:   "room=1",
		Version: "1.1",
		Headers: events.Headers{
			{Name: "host", Value: "example.com"},
			{Name: "upgrade", Value: "websocket"},
			{Name: "connection", Value: "Upgrade"},
			{Name: "sec-websocket-key", Value: sampleNonce},
			{Name: "sec-websocket-version", Value: "13"},
			{Name: "sec-websocket-protocol", Value: "chat, superchat"},
		},
		ContentLength: -1,
		KeepAlive:     true,
		Upgrade:       true,
	}
}

func startSession(t *testing.T, app events.Application, head *corehttp.RequestHead, mut func(*Config)) (*wsClient, *Driver, chan struct{}) {
	t.Helper()
	client, server := net.Pipe()
	cfg := Config{
		App:            app,
		Logger:         testLogger(),
		BaseScope:      events.Scope{Scheme: "ws"},
		MaxMessageSize: 1 << 20,
	}
	if mut != nil {
		mut(&cfg)
	}
	d := NewDriver(server, bufio.NewReader(server), head, cfg)
	exited := make(chan struct{})
	go func() {
		d.Serve(context.Background())
		close(exited)
	}()
	t.Cleanup(func() {
		client.Close()
		d.Close()
		select {
		case <-exited:
		case <-time.After(2 * time.Second):
			t.Error("session driver did not exit")
		}
	})
	require.NoError(t, client.SetDeadline(time.Now().Add(5*time.Second)))
	return &wsClient{conn: client, r: bufio.NewReader(client)}, d, exited
}

// wsClient drives the peer side of a session with hand-built frames.
type wsClient struct {
	conn net.Conn
	r    *bufio.Reader
}

func (c *wsClient) handshake(t *testing.T) *stdhttp.Response {
	t.Helper()
	resp, err := stdhttp.ReadResponse(c.r, nil)
	require.NoError(t, err)
	require.Equal(t, 101, resp.StatusCode)
	return resp
}

func (c *wsClient) readHTTPError(t *testing.T) (int, string) {
	t.Helper()
	resp, err := stdhttp.ReadResponse(c.r, nil)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode, string(body)
}

func clientFrame(fin bool, op byte, payload []byte, masked bool) []byte {
	b0 := op
	if fin {
		b0 |= 0x80
	}
	buf := []byte{b0}
	var b1 byte
	if masked {
		b1 = 0x80
	}
	switch n := len(payload); {
	case n <= 125:
		buf = append(buf, b1|byte(n))
	case n <= 0xFFFF:
		buf = append(buf, b1|126, byte(n>>8), byte(n))
	default:
		panic("test frame too large")
	}
	if !masked {
		return append(buf, payload...)
	}
	key := [4]byte{0x12, 0x34, 0x56, 0x78}
	buf = append(buf, key[:]...)
	for i, b := range payload {
		buf = append(buf, b^key[i%4])
	}
	return buf
}

func (c *wsClient) sendFrame(t *testing.T, fin bool, op byte, payload []byte) {
	t.Helper()
	_, err := c.conn.Write(clientFrame(fin, op, payload, true))
	require.NoError(t, err)
}

func (c *wsClient) readFrame(t *testing.T) (bool, byte, []byte) {
	t.Helper()
	var header [2]byte
	_, err := io.ReadFull(c.r, header[:])
	require.NoError(t, err)
	fin := header[0]&0x80 != 0
	op := header[0] & 0x0F
	require.Zero(t, header[1]&0x80, "server frames must not be masked")
	n := int(header[1] & 0x7F)
	switch n {
	case 126:
		var ext [2]byte
		_, err = io.ReadFull(c.r, ext[:])
		require.NoError(t, err)
		n = int(binary.BigEndian.Uint16(ext[:]))
	case 127:
		var ext [8]byte
		_, err = io.ReadFull(c.r, ext[:])
		require.NoError(t, err)
		n = int(binary.BigEndian.Uint64(ext[:]))
	}
	payload := make([]byte, n)
	_, err = io.ReadFull(c.r, payload)
	require.NoError(t, err)
	return fin, op, payload
}

func (c *wsClient) expectClose(t *testing.T, code int) {
	t.Helper()
	_, op, payload := c.readFrame(t)
	require.EqualValues(t, opClose, op)
	require.GreaterOrEqual(t, len(payload), 2)
	require.Equal(t, code, int(payload[0])<<8|int(payload[1]))
}

func (c *wsClient) expectEOF(t *testing.T) {
	t.Helper()
	_, err := c.r.ReadByte()
	require.ErrorIs(t, err, io.EOF)
}

// echoApp accepts the handshake and echoes every message back.
func echoApp() events.AppFunc {
	return func(ctx context.Context, scope *events.Scope, receive events.ReceiveFunc, send events.SendFunc) error {
		if _, err := receive(ctx); err != nil {
			return err
		}
		if err := send(ctx, events.WebSocketAccept{Subprotocol: "chat"}); err != nil {
			return err
		}
		for {
			ev, err := receive(ctx)
			if err != nil {
				return err
			}
			switch m := ev.(type) {
			case events.WebSocketReceive:
				if err := send(ctx, events.WebSocketSend{Data: m.Data, Text: m.Text}); err != nil {
					return err
				}
			case events.Disconnect:
				return nil
			}
		}
	}
}

func TestSessionHandshakeAccept(t *testing.T) {
	connected := make(chan events.WebSocketConnect, 1)
	disconnected := make(chan int, 1)
	app := events.AppFunc(func(ctx context.Context, scope *events.Scope, receive events.ReceiveFunc, send events.SendFunc) error {
		ev, err := receive(ctx)
		if err != nil {
			return err
		}
		connected <- ev.(events.WebSocketConnect)
		if err := send(ctx, events.WebSocketAccept{Subprotocol: "chat"}); err != nil {
			return err
		}
		for {
			ev, err := receive(ctx)
			if err != nil {
				return err
			}
			if d, ok := ev.(events.Disconnect); ok {
				disconnected <- d.Code
				return nil
			}
		}
	})
	client, _, _ := startSession(t, app, sampleHead(), nil)

	resp := client.handshake(t)
	require.Equal(t, "websocket", resp.Header.Get("Upgrade"))
	require.Equal(t, "Upgrade", resp.Header.Get("Connection"))
	require.Equal(t, sampleAccept, resp.Header.Get("Sec-Websocket-Accept"))
	require.Equal(t, "chat", resp.Header.Get("Sec-Websocket-Protocol"))

	ev := <-connected
	require.Equal(t, "/chat", ev.Path)
	require.Equal(t, "room=1", ev.Query)
	require.Equal(t, []string{"chat", "superchat"}, ev.Subprotocols)

	client.sendFrame(t, true, byte(opClose), []byte{0x03, 0xE8})
	client.expectClose(t, CloseNormalClosure)
	client.expectEOF(t)
	require.Equal(t, CloseNormalClosure, <-disconnected)
}

func TestSessionHandshakeReject(t *testing.T) {
	app := events.AppFunc(func(ctx context.Context, scope *events.Scope, receive events.ReceiveFunc, send events.SendFunc) error {
		if _, err := receive(ctx); err != nil {
			return err
		}
		return send(ctx, events.WebSocketClose{Code: 4003, Reason: "not allowed"})
	})
	client, _, exited := startSession(t, app, sampleHead(), nil)

	status, body := client.readHTTPError(t)
	require.Equal(t, 403, status)
	require.Equal(t, "Forbidden", body)
	client.expectEOF(t)
	<-exited
}

func TestSessionInvalidHandshake(t *testing.T) {
	var invoked atomic.Bool
	app := events.AppFunc(func(ctx context.Context, scope *events.Scope, receive events.ReceiveFunc, send events.SendFunc) error {
		invoked.Store(true)
		return nil
	})
	head := sampleHead()
	head.Headers = events.Headers{
		{Name: "host", Value: "example.com"},
		{Name: "upgrade", Value: "websocket"},
		{Name: "connection", Value: "Upgrade"},
		{Name: "sec-websocket-version", Value: "13"},
	}
	client, _, exited := startSession(t, app, head, nil)

	status, body := client.readHTTPError(t)
	require.Equal(t, 400, status)
	require.Equal(t, "Invalid WebSocket handshake.", body)
	<-exited
	require.False(t, invoked.Load(), "application must not run for an invalid handshake")
}

func TestSessionEchoAndFragmentReassembly(t *testing.T) {
	client, _, _ := startSession(t, echoApp(), sampleHead(), nil)
	client.handshake(t)

	// A binary message split across two fragments with a ping interleaved
	// comes back as a single frame, after the pong.
	client.sendFrame(t, false, byte(opBinary), []byte("hello "))
	client.sendFrame(t, true, byte(opPing), []byte("hb"))
	client.sendFrame(t, true, byte(opContinuation), []byte("world"))

	_, op, payload := client.readFrame(t)
	require.EqualValues(t, opPong, op)
	require.Equal(t, "hb", string(payload))

	fin, op, payload := client.readFrame(t)
	require.True(t, fin)
	require.EqualValues(t, opBinary, op)
	require.Equal(t, "hello world", string(payload))

	client.sendFrame(t, true, byte(opText), []byte("ping"))
	_, op, payload = client.readFrame(t)
	require.EqualValues(t, opText, op)
	require.Equal(t, "ping", string(payload))

	client.sendFrame(t, true, byte(opClose), []byte{0x03, 0xE8})
	client.expectClose(t, CloseNormalClosure)
}

func TestSessionLargeFrameUses16BitLength(t *testing.T) {
	client, _, _ := startSession(t, echoApp(), sampleHead(), nil)
	client.handshake(t)

	msg := make([]byte, 600)
	for i := range msg {
		msg[i] = byte(i)
	}
	client.sendFrame(t, true, byte(opBinary), msg)
	_, op, payload := client.readFrame(t)
	require.EqualValues(t, opBinary, op)
	require.Equal(t, msg, payload)
}

func TestSessionOversizeMessageCloses(t *testing.T) {
	received := make(chan struct{}, 8)
	disconnected := make(chan int, 1)
	app := events.AppFunc(func(ctx context.Context, scope *events.Scope, receive events.ReceiveFunc, send events.SendFunc) error {
		if _, err := receive(ctx); err != nil {
			return err
		}
		if err := send(ctx, events.WebSocketAccept{}); err != nil {
			return err
		}
		for {
			ev, err := receive(ctx)
			if err != nil {
				return err
			}
			switch e := ev.(type) {
			case events.WebSocketReceive:
				received <- struct{}{}
			case events.Disconnect:
				disconnected <- e.Code
				return nil
			}
		}
	})

	t.Run("single frame", func(t *testing.T) {
		client, _, exited := startSession(t, app, sampleHead(), func(cfg *Config) {
			cfg.MaxMessageSize = 16
		})
		client.handshake(t)
		client.sendFrame(t, true, byte(opBinary), make([]byte, 32))
		client.expectClose(t, CloseMessageTooBig)
		<-exited
		require.Equal(t, CloseMessageTooBig, <-disconnected)
		require.Empty(t, received, "an oversize message must not reach the application")
	})

	t.Run("across fragments", func(t *testing.T) {
		client, _, exited := startSession(t, app, sampleHead(), func(cfg *Config) {
			cfg.MaxMessageSize = 16
		})
		client.handshake(t)
		client.sendFrame(t, false, byte(opBinary), make([]byte, 10))
		client.sendFrame(t, false, byte(opContinuation), make([]byte, 10))
		client.expectClose(t, CloseMessageTooBig)
		<-exited
		require.Equal(t, CloseMessageTooBig, <-disconnected)
		require.Empty(t, received)
	})
}

func TestSessionProtocolViolations(t *testing.T) {
	cases := map[string][][]byte{
		"unmasked data frame": {
			clientFrame(true, byte(opText), []byte("hi"), false),
		},
		"continuation without a message": {
			clientFrame(true, byte(opContinuation), []byte("hi"), true),
		},
		"new message during fragmentation": {
			clientFrame(false, byte(opText), []byte("a"), true),
			clientFrame(true, byte(opText), []byte("b"), true),
		},
		"fragmented control frame": {
			clientFrame(false, byte(opPing), nil, true),
		},
		"oversized control frame": {
			clientFrame(true, byte(opPing), make([]byte, 126), true),
		},
		"reserved bits set": {
			{0x80 | 0x40 | byte(opText), 0x80, 0x12, 0x34, 0x56, 0x78},
		},
		"unknown opcode": {
			clientFrame(true, 0x3, nil, true),
		},
	}
	for name, frames := range cases {
		t.Run(name, func(t *testing.T) {
			client, _, _ := startSession(t, echoApp(), sampleHead(), nil)
			client.handshake(t)
			for _, f := range frames {
				_, err := client.conn.Write(f)
				require.NoError(t, err)
			}
			client.expectClose(t, CloseProtocolError)
			client.expectEOF(t)
		})
	}
}

func TestSessionClientCloseWithoutCode(t *testing.T) {
	disconnected := make(chan int, 1)
	app := events.AppFunc(func(ctx context.Context, scope *events.Scope, receive events.ReceiveFunc, send events.SendFunc) error {
		if _, err := receive(ctx); err != nil {
			return err
		}
		if err := send(ctx, events.WebSocketAccept{}); err != nil {
			return err
		}
		for {
			ev, err := receive(ctx)
			if err != nil {
				return err
			}
			if d, ok := ev.(events.Disconnect); ok {
				disconnected <- d.Code
				return nil
			}
		}
	})
	client, _, _ := startSession(t, app, sampleHead(), nil)
	client.handshake(t)

	// A bare close frame still counts as a normal closure.
	client.sendFrame(t, true, byte(opClose), nil)
	_, op, payload := client.readFrame(t)
	require.EqualValues(t, opClose, op)
	require.Empty(t, payload)
	require.Equal(t, CloseNormalClosure, <-disconnected)
}

func TestSessionAppInitiatedClose(t *testing.T) {
	app := events.AppFunc(func(ctx context.Context, scope *events.Scope, receive events.ReceiveFunc, send events.SendFunc) error {
		if _, err := receive(ctx); err != nil {
			return err
		}
		if err := send(ctx, events.WebSocketAccept{}); err != nil {
			return err
		}
		if err := send(ctx, events.WebSocketSend{Data: []byte("bye"), Text: true}); err != nil {
			return err
		}
		return send(ctx, events.WebSocketClose{Code: 4001, Reason: "policy"})
	})
	client, _, _ := startSession(t, app, sampleHead(), nil)
	client.handshake(t)

	_, op, payload := client.readFrame(t)
	require.EqualValues(t, opText, op)
	require.Equal(t, "bye", string(payload))

	_, op, payload = client.readFrame(t)
	require.EqualValues(t, opClose, op)
	require.Equal(t, 4001, int(payload[0])<<8|int(payload[1]))
	require.Equal(t, "policy", string(payload[2:]))
	client.expectEOF(t)
}

func TestSessionAppReturnClosesNormally(t *testing.T) {
	app := events.AppFunc(func(ctx context.Context, scope *events.Scope, receive events.ReceiveFunc, send events.SendFunc) error {
		if _, err := receive(ctx); err != nil {
			return err
		}
		return send(ctx, events.WebSocketAccept{})
	})
	client, _, _ := startSession(t, app, sampleHead(), nil)
	client.handshake(t)
	client.expectClose(t, CloseNormalClosure)
	client.expectEOF(t)
}

func TestSessionAppErrorClosesInternalError(t *testing.T) {
	app := events.AppFunc(func(ctx context.Context, scope *events.Scope, receive events.ReceiveFunc, send events.SendFunc) error {
		if _, err := receive(ctx); err != nil {
			return err
		}
		if err := send(ctx, events.WebSocketAccept{}); err != nil {
			return err
		}
		return errors.New("boom")
	})
	client, _, _ := startSession(t, app, sampleHead(), nil)
	client.handshake(t)
	client.expectClose(t, CloseInternalError)
	client.expectEOF(t)
}

func TestSessionAppWithoutHandshakeYields500(t *testing.T) {
	app := events.AppFunc(func(ctx context.Context, scope *events.Scope, receive events.ReceiveFunc, send events.SendFunc) error {
		_, err := receive(ctx)
		return err
	})
	client, _, exited := startSession(t, app, sampleHead(), nil)

	status, body := client.readHTTPError(t)
	require.Equal(t, 500, status)
	require.Equal(t, "Internal Server Error", body)
	<-exited
}

func TestSessionSendBeforeAcceptIsRejected(t *testing.T) {
	appErrs := make(chan error, 1)
	app := events.AppFunc(func(ctx context.Context, scope *events.Scope, receive events.ReceiveFunc, send events.SendFunc) error {
		if _, err := receive(ctx); err != nil {
			return err
		}
		err := send(ctx, events.WebSocketSend{Data: []byte("early")})
		appErrs <- err
		return err
	})
	client, _, exited := startSession(t, app, sampleHead(), nil)

	status, _ := client.readHTTPError(t)
	require.Equal(t, 500, status)
	<-exited
	require.ErrorContains(t, <-appErrs, "websocket not accepted")
}

func TestSessionSendAfterCloseReturnsClosed(t *testing.T) {
	appErrs := make(chan error, 1)
	app := events.AppFunc(func(ctx context.Context, scope *events.Scope, receive events.ReceiveFunc, send events.SendFunc) error {
		if _, err := receive(ctx); err != nil {
			return err
		}
		if err := send(ctx, events.WebSocketAccept{}); err != nil {
			return err
		}
		for {
			ev, err := receive(ctx)
			if err != nil {
				return err
			}
			if _, ok := ev.(events.Disconnect); ok {
				appErrs <- send(ctx, events.WebSocketSend{Data: []byte("late")})
				return nil
			}
		}
	})
	client, _, _ := startSession(t, app, sampleHead(), nil)
	client.handshake(t)
	client.sendFrame(t, true, byte(opClose), []byte{0x03, 0xE8})
	client.expectClose(t, CloseNormalClosure)
	require.ErrorIs(t, <-appErrs, events.ErrClosed)
}

func TestSessionAutoPong(t *testing.T) {
	client, _, _ := startSession(t, echoApp(), sampleHead(), nil)
	client.handshake(t)

	client.sendFrame(t, true, byte(opPing), []byte("hi"))
	_, op, payload := client.readFrame(t)
	require.EqualValues(t, opPong, op)
	require.Equal(t, "hi", string(payload))
}

func TestSessionPingTimeoutCloses(t *testing.T) {
	client, _, _ := startSession(t, echoApp(), sampleHead(), func(cfg *Config) {
		cfg.PingInterval = 30 * time.Millisecond
		cfg.PingTimeout = 25 * time.Millisecond
	})
	client.handshake(t)

	_, op, _ := client.readFrame(t)
	require.EqualValues(t, opPing, op)

	// Never answering the ping fails the session.
	client.expectClose(t, CloseInternalError)
	client.expectEOF(t)
}

func TestSessionPongKeepsSessionAlive(t *testing.T) {
	client, _, _ := startSession(t, echoApp(), sampleHead(), func(cfg *Config) {
		cfg.PingInterval = 15 * time.Millisecond
		cfg.PingTimeout = 500 * time.Millisecond
	})
	client.handshake(t)

	for i := 0; i < 3; i++ {
		_, op, payload := client.readFrame(t)
		require.EqualValues(t, opPing, op)
		client.sendFrame(t, true, byte(opPong), payload)
	}

	// The session is still usable after several ping rounds.
	client.sendFrame(t, true, byte(opText), []byte("still here"))
	for {
		_, op, payload := client.readFrame(t)
		if op == byte(opPing) {
			client.sendFrame(t, true, byte(opPong), payload)
			continue
		}
		require.EqualValues(t, opText, op)
		require.Equal(t, "still here", string(payload))
		break
	}
}

func TestSessionShutdownSendsServiceRestart(t *testing.T) {
	disconnected := make(chan int, 1)
	app := events.AppFunc(func(ctx context.Context, scope *events.Scope, receive events.ReceiveFunc, send events.SendFunc) error {
		if _, err := receive(ctx); err != nil {
			return err
		}
		if err := send(ctx, events.WebSocketAccept{}); err != nil {
			return err
		}
		for {
			ev, err := receive(ctx)
			if err != nil {
				return err
			}
			if d, ok := ev.(events.Disconnect); ok {
				disconnected <- d.Code
				return nil
			}
		}
	})
	client, d, exited := startSession(t, app, sampleHead(), nil)
	client.handshake(t)

	d.Shutdown()
	client.expectClose(t, CloseServiceRestart)
	client.expectEOF(t)
	<-exited
	require.Equal(t, CloseServiceRestart, <-disconnected)
}

func TestSessionShutdownBeforeAcceptDropsConnection(t *testing.T) {
	started := make(chan struct{})
	app := events.AppFunc(func(ctx context.Context, scope *events.Scope, receive events.ReceiveFunc, send events.SendFunc) error {
		if _, err := receive(ctx); err != nil {
			return err
		}
		close(started)
		for {
			ev, err := receive(ctx)
			if err != nil {
				return err
			}
			if _, ok := ev.(events.Disconnect); ok {
				return nil
			}
		}
	})
	client, d, exited := startSession(t, app, sampleHead(), nil)

	<-started
	d.Shutdown()
	client.expectEOF(t)
	<-exited
}
