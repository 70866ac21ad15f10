package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/searchktools/async-server/events"
)

// WSHandler runs one WebSocket session. Returning nil closes the session
// with code 1000 if the handler has not closed it already; returning an
// error fails the session.
type WSHandler func(ctx context.Context, s *Session) error

// Message is one complete WebSocket message.
type Message struct {
	Data []byte
	Text bool
}

// CloseError reports that the peer closed the session. Handlers that treat
// a peer close as the normal end can just return it; the app swallows it.
type CloseError struct {
	Code int
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("websocket closed with code %d", e.Code)
}

// Session is one routed WebSocket connection. The handshake is held until
// the handler calls Accept or Close.
type Session struct {
	Path         string
	RawQuery     string
	Headers      events.Headers
	Subprotocols []string
	Params       Params

	scope   *events.Scope
	receive events.ReceiveFunc
	send    events.SendFunc

	query     url.Values
	haveQuery bool

	accepted bool
	closed   bool
}

// Param returns the path parameter captured for name, or "".
func (s *Session) Param(name string) string {
	return s.Params.Get(name)
}

// Header returns the first value of the named handshake header, or "".
func (s *Session) Header(name string) string {
	v, _ := s.Headers.Get(name)
	return v
}

// Query returns the first query-string value for name, or "".
func (s *Session) Query(name string) string {
	if !s.haveQuery {
		s.query, _ = url.ParseQuery(s.RawQuery)
		s.haveQuery = true
	}
	return s.query.Get(name)
}

// Accept completes the handshake, optionally selecting one of the offered
// subprotocols.
func (s *Session) Accept(ctx context.Context, subprotocol string) error {
	s.accepted = true
	return s.send(ctx, events.WebSocketAccept{Subprotocol: subprotocol})
}

// Receive returns the next message from the peer. When the peer closes the
// session it returns a CloseError carrying the close code.
func (s *Session) Receive(ctx context.Context) (Message, error) {
	for {
		ev, err := s.receive(ctx)
		if err != nil {
			return Message{}, err
		}
		switch e := ev.(type) {
		case events.WebSocketReceive:
			return Message{Data: e.Data, Text: e.Text}, nil
		case events.Disconnect:
			s.closed = true
			return Message{}, &CloseError{Code: e.Code}
		default:
			return Message{}, fmt.Errorf("web: unexpected %s on websocket session", events.TypeName(ev))
		}
	}
}

// SendText sends one text message.
func (s *Session) SendText(ctx context.Context, data string) error {
	return s.send(ctx, events.WebSocketSend{Data: []byte(data), Text: true})
}

// SendBinary sends one binary message.
func (s *Session) SendBinary(ctx context.Context, data []byte) error {
	return s.send(ctx, events.WebSocketSend{Data: data})
}

// SendJSON marshals v and sends it as one text message.
func (s *Session) SendJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode websocket message: %w", err)
	}
	return s.send(ctx, events.WebSocketSend{Data: data, Text: true})
}

// Close ends the session. Before Accept it rejects the handshake instead.
// A zero code means 1000.
func (s *Session) Close(ctx context.Context, code int, reason string) error {
	s.closed = true
	return s.send(ctx, events.WebSocketClose{Code: code, Reason: reason})
}
