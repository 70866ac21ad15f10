package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/searchktools/async-server/events"
)

// Request is one routed HTTP request. Head data is plain fields; the body
// streams from the server on demand and is cached after the first read.
type Request struct {
	Scope    *events.Scope
	Method   string
	Path     string
	RawQuery string
	Headers  events.Headers
	Params   Params
	Client   events.Addr

	receive events.ReceiveFunc

	query     url.Values
	haveQuery bool

	body     []byte
	bodyErr  error
	haveBody bool
}

func newRequest(scope *events.Scope, start events.RequestStart, params Params, receive events.ReceiveFunc) *Request {
	return &Request{
		Scope:    scope,
		Method:   start.Method,
		Path:     start.Path,
		RawQuery: start.Query,
		Headers:  start.Headers,
		Params:   params,
		Client:   start.Client,
		receive:  receive,
	}
}

// Param returns the path parameter captured for name, or "".
func (r *Request) Param(name string) string {
	return r.Params.Get(name)
}

// Header returns the first value of the named request header, or "".
func (r *Request) Header(name string) string {
	v, _ := r.Headers.Get(name)
	return v
}

// Query returns the first query-string value for name, or "".
func (r *Request) Query(name string) string {
	return r.QueryValues().Get(name)
}

// QueryValues returns the parsed query string. Undecodable pairs are
// dropped, the rest parse.
func (r *Request) QueryValues() url.Values {
	if !r.haveQuery {
		r.query, _ = url.ParseQuery(r.RawQuery)
		r.haveQuery = true
	}
	return r.query
}

// Body reads the request body to completion. Repeated calls return the same
// bytes without touching the connection again.
func (r *Request) Body(ctx context.Context) ([]byte, error) {
	if r.haveBody {
		return r.body, r.bodyErr
	}
	r.haveBody = true
	var buf []byte
	for {
		ev, err := r.receive(ctx)
		if err != nil {
			r.bodyErr = err
			return nil, err
		}
		switch e := ev.(type) {
		case events.RequestBody:
			buf = append(buf, e.Data...)
			if !e.More {
				r.body = buf
				return r.body, nil
			}
		case events.Disconnect:
			r.bodyErr = events.ErrClosed
			return nil, r.bodyErr
		default:
			r.bodyErr = fmt.Errorf("web: unexpected %s while reading request body", events.TypeName(ev))
			return nil, r.bodyErr
		}
	}
}

// JSON reads the body and unmarshals it into v.
func (r *Request) JSON(ctx context.Context, v any) error {
	body, err := r.Body(ctx)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}
