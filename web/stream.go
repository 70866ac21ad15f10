package web

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/searchktools/async-server/events"
)

// StreamWriter delivers body chunks for a streaming response. It satisfies
// io.Writer so handlers can hand it to fmt, encoders or io.Copy.
type StreamWriter struct {
	ctx  context.Context
	send events.SendFunc
}

// Write sends p as one more body chunk. The slice is copied; callers may
// reuse their buffer immediately.
func (w *StreamWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	data := append([]byte(nil), p...)
	if err := w.send(w.ctx, events.ResponseBody{Data: data, More: true}); err != nil {
		return 0, err
	}
	return len(p), nil
}

// ServerEvent is one server-sent event. Empty fields are left off the wire.
type ServerEvent struct {
	ID    string
	Event string
	Data  string
	Retry int
}

// format renders the event in text/event-stream framing. Multi-line data
// becomes one "data:" line per line so the client joins them back together.
func (e ServerEvent) format() []byte {
	var b []byte
	if e.ID != "" {
		b = append(b, "id: "...)
		b = append(b, e.ID...)
		b = append(b, '\n')
	}
	if e.Event != "" {
		b = append(b, "event: "...)
		b = append(b, e.Event...)
		b = append(b, '\n')
	}
	if e.Retry > 0 {
		b = append(b, "retry: "...)
		b = strconv.AppendInt(b, int64(e.Retry), 10)
		b = append(b, '\n')
	}
	if e.Data != "" {
		for _, line := range strings.Split(e.Data, "\n") {
			b = append(b, "data: "...)
			b = append(b, line...)
			b = append(b, '\n')
		}
	}
	b = append(b, '\n')
	return b
}

// EventWriter sends server-sent events over a streaming response.
type EventWriter struct {
	w *StreamWriter
}

// Send writes one event to the client.
func (ew *EventWriter) Send(e ServerEvent) error {
	_, err := ew.w.Write(e.format())
	return err
}

// JSON marshals v as the data of an event with the given name.
func (ew *EventWriter) JSON(event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode event data: %w", err)
	}
	return ew.Send(ServerEvent{Event: event, Data: string(data)})
}

// Comment writes an SSE comment line. Proxies drop idle connections, so a
// periodic comment doubles as a keepalive.
func (ew *EventWriter) Comment(text string) error {
	_, err := ew.w.Write([]byte(": " + text + "\n\n"))
	return err
}

// EventStream responds with a text/event-stream body driven by fn. The
// connection stays open until fn returns or the client goes away.
func EventStream(fn func(ctx context.Context, w *EventWriter) error) *Response {
	r := Stream("text/event-stream", func(ctx context.Context, w *StreamWriter) error {
		return fn(ctx, &EventWriter{w: w})
	})
	return r.WithHeader("cache-control", "no-cache")
}
