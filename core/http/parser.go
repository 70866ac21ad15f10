// Package http implements the HTTP/1.x connection driver: incremental
// request parsing, the request/response cycle against the application
// contract, keep-alive and pipelining, chunked coding, and upgrade
// detection.
package http

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"

	"github.com/searchktools/async-server/events"
)

var (
	// ErrMalformed covers request lines and header sections that do not
	// parse as HTTP/1.x. Answered with 400 when the connection state allows.
	ErrMalformed = errors.New("malformed http request")
	// ErrHeaderTooLarge is returned when the head section exceeds the
	// configured ceiling. Answered with 431.
	ErrHeaderTooLarge = errors.New("request header section too large")
	// ErrUnsupportedVersion is returned for anything but HTTP/1.0 and
	// HTTP/1.1. Answered with 505.
	ErrUnsupportedVersion = errors.New("unsupported http version")
	// ErrUnsupportedTransferEncoding is returned for transfer codings other
	// than chunked. Answered with 501.
	ErrUnsupportedTransferEncoding = errors.New("unsupported transfer encoding")
)

// RequestHead is the parsed request line and header section of one cycle.
type RequestHead struct {
	Method  string
	Target  string // raw request target as received
	Path    string // percent-decoded path component
	Query   string // raw query string, without the '?'
	Version string // "1.0" or "1.1"
	Headers events.Headers

	ContentLength  int64 // -1 when absent
	Chunked        bool
	KeepAlive      bool
	ExpectContinue bool
	Upgrade        bool // connection: upgrade + upgrade: websocket
}

// HasBody reports whether a message body follows the head.
func (h *RequestHead) HasBody() bool {
	return h.Chunked || h.ContentLength > 0
}

// ReadRequestHead parses one request head off the buffered reader. It reads
// nothing past the blank line ending the header section, so pipelined
// requests stay queued in the reader. io.EOF is returned only when the
// connection closes cleanly before the first byte of a request.
func ReadRequestHead(r *bufio.Reader, maxBytes int) (*RequestHead, error) {
	remain := maxBytes

	line, err := readHeadLine(r, &remain)
	if err != nil {
		return nil, err
	}
	// Tolerate a stray blank line between pipelined requests.
	if line == "" {
		line, err = readHeadLine(r, &remain)
		if err != nil {
			return nil, err
		}
	}

	head, err := parseRequestLine(line)
	if err != nil {
		return nil, err
	}

	for {
		line, err = readHeadLine(r, &remain)
		if err != nil {
			if err == io.EOF {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		if line == "" {
			break
		}
		name, value, err := parseHeaderLine(line)
		if err != nil {
			return nil, err
		}
		head.Headers = append(head.Headers, events.Header{Name: name, Value: value})
	}

	if err := finishHead(head); err != nil {
		return nil, err
	}
	return head, nil
}

// readHeadLine reads one CRLF (or bare LF) terminated line, decrementing the
// shared byte budget for the head section.
func readHeadLine(r *bufio.Reader, remain *int) (string, error) {
	var line []byte
	for {
		frag, err := r.ReadSlice('\n')
		*remain -= len(frag)
		if *remain < 0 {
			return "", ErrHeaderTooLarge
		}
		line = append(line, frag...)
		if err == nil {
			break
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err == io.EOF && len(line) > 0 {
			return "", io.ErrUnexpectedEOF
		}
		return "", err
	}
	line = line[:len(line)-1]
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return string(line), nil
}

func parseRequestLine(line string) (*RequestHead, error) {
	method, rest, ok := strings.Cut(line, " ")
	if !ok {
		return nil, ErrMalformed
	}
	target, proto, ok := strings.Cut(rest, " ")
	if !ok || method == "" || target == "" {
		return nil, ErrMalformed
	}
	if !httpguts.ValidHeaderFieldName(method) {
		return nil, ErrMalformed
	}

	var version string
	switch proto {
	case "HTTP/1.1":
		version = "1.1"
	case "HTTP/1.0":
		version = "1.0"
	default:
		if strings.HasPrefix(proto, "HTTP/") {
			return nil, ErrUnsupportedVersion
		}
		return nil, ErrMalformed
	}

	rawPath, query, _ := strings.Cut(target, "?")
	path, err := url.PathUnescape(rawPath)
	if err != nil {
		return nil, fmt.Errorf("%w: bad percent-encoding in target", ErrMalformed)
	}

	return &RequestHead{
		Method:        method,
		Target:        target,
		Path:          path,
		Query:         query,
		Version:       version,
		ContentLength: -1,
	}, nil
}

func parseHeaderLine(line string) (name, value string, err error) {
	if line[0] == ' ' || line[0] == '\t' {
		// Obsolete line folding is rejected outright.
		return "", "", ErrMalformed
	}
	name, value, ok := strings.Cut(line, ":")
	if !ok || name == "" {
		return "", "", ErrMalformed
	}
	if !httpguts.ValidHeaderFieldName(name) {
		return "", "", ErrMalformed
	}
	value = strings.Trim(value, " \t")
	if !httpguts.ValidHeaderFieldValue(value) {
		return "", "", ErrMalformed
	}
	return strings.ToLower(name), value, nil
}

// finishHead derives body framing, keep-alive and upgrade facts from the
// parsed header pairs.
func finishHead(h *RequestHead) error {
	if h.Version == "1.1" {
		if _, ok := h.Headers.Get("host"); !ok {
			return fmt.Errorf("%w: missing host header", ErrMalformed)
		}
	}

	if encodings := h.Headers.Values("transfer-encoding"); len(encodings) > 0 {
		for _, enc := range encodings {
			for _, token := range strings.Split(enc, ",") {
				token = strings.Trim(token, " \t")
				if token == "" {
					continue
				}
				if !strings.EqualFold(token, "chunked") {
					return ErrUnsupportedTransferEncoding
				}
				h.Chunked = true
			}
		}
		if _, ok := h.Headers.Get("content-length"); ok {
			// Smuggling-prone combination; refuse it.
			return fmt.Errorf("%w: both transfer-encoding and content-length", ErrMalformed)
		}
	} else if lengths := h.Headers.Values("content-length"); len(lengths) > 0 {
		first := lengths[0]
		for _, v := range lengths[1:] {
			if v != first {
				return fmt.Errorf("%w: conflicting content-length values", ErrMalformed)
			}
		}
		n, err := parseContentLength(first)
		if err != nil {
			return err
		}
		h.ContentLength = n
	}

	conn := h.Headers.Values("connection")
	switch h.Version {
	case "1.1":
		h.KeepAlive = !httpguts.HeaderValuesContainsToken(conn, "close")
	case "1.0":
		h.KeepAlive = httpguts.HeaderValuesContainsToken(conn, "keep-alive")
	}

	if httpguts.HeaderValuesContainsToken(conn, "upgrade") {
		h.Upgrade = httpguts.HeaderValuesContainsToken(h.Headers.Values("upgrade"), "websocket")
	}

	if expect, ok := h.Headers.Get("expect"); ok && strings.EqualFold(expect, "100-continue") {
		h.ExpectContinue = true
	}
	return nil
}

// parseContentLength accepts plain decimal digits only.
func parseContentLength(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("%w: empty content-length", ErrMalformed)
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, fmt.Errorf("%w: invalid content-length %q", ErrMalformed, s)
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: content-length out of range", ErrMalformed)
	}
	return n, nil
}
