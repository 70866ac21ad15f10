package web

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/searchktools/async-server/events"
)

// Response is what a handler returns. Constructors cover the common shapes:
// fixed bodies, files, redirects and incremental streams.
type Response struct {
	Status  int
	Headers events.Headers

	body   []byte
	path   string
	stream func(ctx context.Context, w *StreamWriter) error

	renderErr error
}

// NewResponse returns an empty response with the given status and no body.
func NewResponse(status int) *Response {
	return &Response{Status: status}
}

// WithHeader appends a response header and returns the response for
// chaining. Names are lowercased on the wire.
func (r *Response) WithHeader(name, value string) *Response {
	r.Headers = append(r.Headers, events.Header{Name: strings.ToLower(name), Value: value})
	return r
}

// Text responds with a plain-text body.
func Text(status int, body string) *Response {
	return Bytes(status, "text/plain; charset=utf-8", []byte(body))
}

// HTML responds with an HTML body.
func HTML(status int, body string) *Response {
	return Bytes(status, "text/html; charset=utf-8", []byte(body))
}

// JSON marshals v as the response body. A value that cannot be marshaled
// turns into a server error before anything reaches the wire.
func JSON(status int, v any) *Response {
	data, err := json.Marshal(v)
	if err != nil {
		return &Response{renderErr: fmt.Errorf("encode json response: %w", err)}
	}
	return Bytes(status, "application/json", data)
}

// Bytes responds with a fixed body of the given content type.
func Bytes(status int, contentType string, body []byte) *Response {
	r := &Response{Status: status, body: body}
	if contentType != "" {
		r.WithHeader("content-type", contentType)
	}
	r.WithHeader("content-length", strconv.Itoa(len(body)))
	return r
}

// NoContent responds 204 with no body.
func NoContent() *Response {
	return &Response{Status: http.StatusNoContent}
}

// Redirect responds with a Location header. A zero status means 307.
func Redirect(status int, location string) *Response {
	if status == 0 {
		status = http.StatusTemporaryRedirect
	}
	r := &Response{Status: status}
	r.WithHeader("location", location)
	r.WithHeader("content-length", "0")
	return r
}

// File streams the named file as the response body. The content type comes
// from the extension; the length from the file, so keep-alive framing stays
// exact. A missing file turns into a server error before headers go out.
func File(path string) *Response {
	info, err := os.Stat(path)
	if err != nil {
		return &Response{renderErr: fmt.Errorf("response file: %w", err)}
	}
	if info.IsDir() {
		return &Response{renderErr: fmt.Errorf("response file %s is a directory", path)}
	}
	contentType := mime.TypeByExtension(filepath.Ext(path))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	r := &Response{Status: http.StatusOK, path: path}
	r.WithHeader("content-type", contentType)
	r.WithHeader("content-length", strconv.FormatInt(info.Size(), 10))
	return r
}

// Stream responds with a body produced incrementally by fn. Without a
// declared length the server frames it chunked and the client sees each
// write as it happens.
func Stream(contentType string, fn func(ctx context.Context, w *StreamWriter) error) *Response {
	r := &Response{Status: http.StatusOK, stream: fn}
	if contentType != "" {
		r.WithHeader("content-type", contentType)
	}
	return r
}

// write renders the response as contract events.
func (r *Response) write(ctx context.Context, send events.SendFunc) error {
	if err := send(ctx, events.ResponseStart{Status: r.Status, Headers: r.Headers}); err != nil {
		return err
	}
	switch {
	case r.stream != nil:
		if err := r.stream(ctx, &StreamWriter{ctx: ctx, send: send}); err != nil {
			return fmt.Errorf("stream response: %w", err)
		}
		return send(ctx, events.ResponseBody{})
	case r.path != "":
		return send(ctx, events.ResponsePath{Path: r.path})
	default:
		return send(ctx, events.ResponseBody{Data: r.body})
	}
}
