package web

import (
	"context"
	"io"
	"log/slog"
	"net"
	stdhttp "net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/searchktools/async-server/config"
	"github.com/searchktools/async-server/core"
)

// startApp serves app through the real server on a loopback listener and
// returns the bound address.
func startApp(t *testing.T, app *App) string {
	t.Helper()
	cfg := config.Default()
	cfg.TimeoutGraceful = 2 * time.Second
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := core.NewServer(app, cfg, logger, nil)
	ctx, cancel := context.WithCancel(context.Background())
	exited := make(chan struct{})
	go func() {
		srv.Serve(ctx, ln)
		close(exited)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-exited:
		case <-time.After(5 * time.Second):
			srv.ForceQuit()
			select {
			case <-exited:
			case <-time.After(2 * time.Second):
				t.Error("server did not exit")
			}
		}
	})

	select {
	case <-srv.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("server did not become ready")
	}
	return ln.Addr().String()
}

func TestAppServedOverHTTP(t *testing.T) {
	dir := t.TempDir()
	asset := filepath.Join(dir, "asset.json")
	require.NoError(t, os.WriteFile(asset, []byte(`{"served":"from disk"}`), 0o644))

	var started atomic.Bool
	app := New(WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	app.OnStartup(func(ctx context.Context) error {
		started.Store(true)
		return nil
	})
	app.Get("/hello/:name", func(ctx context.Context, r *Request) (*Response, error) {
		return Text(200, "hi "+r.Param("name")), nil
	})
	app.Post("/sum", func(ctx context.Context, r *Request) (*Response, error) {
		var in struct{ A, B int }
		if err := r.JSON(ctx, &in); err != nil {
			return Text(400, "Bad Request"), nil
		}
		return JSON(200, map[string]int{"sum": in.A + in.B}), nil
	})
	app.Get("/asset", func(ctx context.Context, r *Request) (*Response, error) {
		return File(asset), nil
	})

	addr := startApp(t, app)
	assert.True(t, started.Load(), "startup hooks run before the server is ready")

	resp, err := stdhttp.Get("http://" + addr + "/hello/integration")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "text/plain; charset=utf-8", resp.Header.Get("Content-Type"))
	assert.Equal(t, "hi integration", string(body))

	resp, err = stdhttp.Post("http://"+addr+"/sum", "application/json", strings.NewReader(`{"a":2,"b":3}`))
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)
	assert.JSONEq(t, `{"sum":5}`, string(body))

	resp, err = stdhttp.Get("http://" + addr + "/asset")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Equal(t, `{"served":"from disk"}`, string(body))

	resp, err = stdhttp.Get("http://" + addr + "/missing")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, 404, resp.StatusCode)
	assert.Equal(t, "Not Found", string(body))

	req, err := stdhttp.NewRequest(stdhttp.MethodDelete, "http://"+addr+"/hello/x", nil)
	require.NoError(t, err)
	resp, err = stdhttp.DefaultClient.Do(req)
	require.NoError(t, err)
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	assert.Equal(t, 405, resp.StatusCode)
	assert.Equal(t, "GET", resp.Header.Get("Allow"))
}

func TestAppServedEventStream(t *testing.T) {
	app := New(WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	app.Get("/ticks", func(ctx context.Context, r *Request) (*Response, error) {
		return EventStream(func(ctx context.Context, ew *EventWriter) error {
			for i := 1; i <= 3; i++ {
				if err := ew.Send(ServerEvent{Event: "tick", Data: strconv.Itoa(i)}); err != nil {
					return err
				}
			}
			return nil
		}), nil
	})
	addr := startApp(t, app)

	resp, err := stdhttp.Get("http://" + addr + "/ticks")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	// No declared length, so the body travels chunked.
	assert.Equal(t, []string{"chunked"}, resp.TransferEncoding)
	want := "event: tick\ndata: 1\n\n" +
		"event: tick\ndata: 2\n\n" +
		"event: tick\ndata: 3\n\n"
	assert.Equal(t, want, string(body))
}

func TestAppServedOverWebSocket(t *testing.T) {
	app := New(WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	app.WebSocket("/echo/:room", func(ctx context.Context, s *Session) error {
		subprotocol := ""
		if len(s.Subprotocols) > 0 {
			subprotocol = s.Subprotocols[0]
		}
		if err := s.Accept(ctx, subprotocol); err != nil {
			return err
		}
		for {
			msg, err := s.Receive(ctx)
			if err != nil {
				return err
			}
			if err := s.SendText(ctx, s.Param("room")+": "+string(msg.Data)); err != nil {
				return err
			}
		}
	})
	addr := startApp(t, app)

	dialer := gorillaws.Dialer{
		Subprotocols:     []string{"chat"},
		HandshakeTimeout: 5 * time.Second,
	}
	conn, resp, err := dialer.Dial("ws://"+addr+"/echo/lobby", nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	assert.Equal(t, "chat", conn.Subprotocol())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, conn.WriteMessage(gorillaws.TextMessage, []byte("hello")))
	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, gorillaws.TextMessage, kind)
	assert.Equal(t, "lobby: hello", string(data))

	msg := gorillaws.FormatCloseMessage(gorillaws.CloseNormalClosure, "")
	require.NoError(t, conn.WriteControl(gorillaws.CloseMessage, msg, time.Now().Add(time.Second)))
	_, _, err = conn.ReadMessage()
	var closeErr *gorillaws.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, gorillaws.CloseNormalClosure, closeErr.Code)
}

func TestAppRefusesUnroutedWebSocket(t *testing.T) {
	app := New(WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	app.WebSocket("/echo", func(ctx context.Context, s *Session) error {
		return s.Accept(ctx, "")
	})
	addr := startApp(t, app)

	dialer := gorillaws.Dialer{HandshakeTimeout: 5 * time.Second}
	_, resp, err := dialer.Dial("ws://"+addr+"/nope", nil)
	require.ErrorIs(t, err, gorillaws.ErrBadHandshake)
	require.NotNil(t, resp)
	resp.Body.Close()
	assert.Equal(t, 403, resp.StatusCode)
}
