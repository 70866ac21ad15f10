package main

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/searchktools/async-server/events"
	"github.com/searchktools/async-server/web"
)

const indexPage = `async-server demo application

GET  /healthz   liveness, pid and uptime
POST /echo      echoes the request body back
GET  /events    server-sent tick stream
WS   /ws        websocket echo
`

// demoApplication is what the bare binary serves. It gives every transport
// path something to exercise: plain responses, JSON, request bodies, a
// server-sent event stream and a websocket session.
func demoApplication() events.Application {
	started := time.Now()
	a := web.New()

	a.Get("/", func(ctx context.Context, r *web.Request) (*web.Response, error) {
		return web.Text(200, indexPage), nil
	})

	a.Get("/healthz", func(ctx context.Context, r *web.Request) (*web.Response, error) {
		return web.JSON(200, map[string]any{
			"status": "ok",
			"pid":    os.Getpid(),
			"uptime": time.Since(started).Round(time.Second).String(),
		}), nil
	})

	a.Post("/echo", func(ctx context.Context, r *web.Request) (*web.Response, error) {
		body, err := r.Body(ctx)
		if err != nil {
			return nil, err
		}
		contentType := r.Header("content-type")
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		return web.Bytes(200, contentType, body), nil
	})

	a.Get("/events", func(ctx context.Context, r *web.Request) (*web.Response, error) {
		return web.EventStream(func(ctx context.Context, w *web.EventWriter) error {
			ticker := time.NewTicker(time.Second)
			defer ticker.Stop()
			for seq := 1; ; seq++ {
				select {
				case <-ctx.Done():
					return nil
				case t := <-ticker.C:
					ev := web.ServerEvent{
						ID:    strconv.Itoa(seq),
						Event: "tick",
						Data:  t.UTC().Format(time.RFC3339),
					}
					if err := w.Send(ev); err != nil {
						return err
					}
				}
			}
		}), nil
	})

	a.WebSocket("/ws", func(ctx context.Context, s *web.Session) error {
		if err := s.Accept(ctx, ""); err != nil {
			return err
		}
		for {
			msg, err := s.Receive(ctx)
			if err != nil {
				return err
			}
			if msg.Text {
				err = s.SendText(ctx, string(msg.Data))
			} else {
				err = s.SendBinary(ctx, msg.Data)
			}
			if err != nil {
				return err
			}
		}
	})

	return a
}
