package http

import (
	"errors"
	"fmt"
	"io"
	stdhttp "net/http"
	"os"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"

	"github.com/searchktools/async-server/events"
)

var (
	// errResponseTooLong reports body bytes past the declared content
	// length. The excess is never written.
	errResponseTooLong = errors.New("response body longer than declared content-length")
	// errResponseTooShort reports a response completed before the declared
	// content length was reached. The connection cannot be reused.
	errResponseTooShort = errors.New("response body shorter than declared content-length")
)

// responseWriter serializes one response: status line, headers with the
// cached defaults injected, and body framing chosen from what the
// application declared.
type responseWriter struct {
	w        io.Writer
	method   string
	version  string // request version
	defaults []byte

	status        int
	contentLength int64 // -1 unknown
	written       int64
	chunked       bool
	suppressBody  bool
	closeAfter    bool
	finished      bool
}

func newResponseWriter(w io.Writer, head *RequestHead, defaults []byte, forceClose bool) *responseWriter {
	return &responseWriter{
		w:             w,
		method:        head.Method,
		version:       head.Version,
		defaults:      defaults,
		contentLength: -1,
		closeAfter:    forceClose,
	}
}

// writeHead renders and flushes the status line and header section.
func (rw *responseWriter) writeHead(status int, headers events.Headers) error {
	rw.status = status
	bodyless := status < 200 || status == 204 || status == 304
	if bodyless || rw.method == "HEAD" {
		rw.suppressBody = true
	}

	buf := make([]byte, 0, 256)
	buf = append(buf, "HTTP/1.1 "...)
	buf = strconv.AppendInt(buf, int64(status), 10)
	buf = append(buf, ' ')
	if text := stdhttp.StatusText(status); text != "" {
		buf = append(buf, text...)
	} else {
		buf = append(buf, "Unknown"...)
	}
	buf = append(buf, '\r', '\n')
	buf = append(buf, rw.defaults...)

	var sawConnection bool
	for _, h := range headers {
		switch {
		case strings.EqualFold(h.Name, "content-length"):
			n, err := parseContentLength(h.Value)
			if err != nil {
				return fmt.Errorf("invalid content-length in response: %q", h.Value)
			}
			rw.contentLength = n
		case strings.EqualFold(h.Name, "connection"):
			sawConnection = true
			if httpguts.HeaderValuesContainsToken([]string{h.Value}, "close") {
				rw.closeAfter = true
			}
		case strings.EqualFold(h.Name, "transfer-encoding"):
			if httpguts.HeaderValuesContainsToken([]string{h.Value}, "chunked") {
				rw.chunked = true
			}
		}
		buf = append(buf, h.Name...)
		buf = append(buf, ':', ' ')
		buf = append(buf, h.Value...)
		buf = append(buf, '\r', '\n')
	}

	if !bodyless && rw.contentLength < 0 && !rw.chunked {
		if rw.version == "1.1" && rw.method != "HEAD" {
			rw.chunked = true
			buf = append(buf, "transfer-encoding: chunked\r\n"...)
		} else if rw.method != "HEAD" {
			// HTTP/1.0 without a length: the close delimits the body.
			rw.closeAfter = true
		}
	}
	if rw.closeAfter && !sawConnection {
		buf = append(buf, "connection: close\r\n"...)
	}
	buf = append(buf, '\r', '\n')

	_, err := rw.w.Write(buf)
	return err
}

// writeBody appends one body chunk; last finishes the response framing.
func (rw *responseWriter) writeBody(data []byte, last bool) error {
	if rw.suppressBody {
		if last {
			return rw.finish()
		}
		return nil
	}

	if rw.contentLength >= 0 {
		if rw.written+int64(len(data)) > rw.contentLength {
			rw.closeAfter = true
			return errResponseTooLong
		}
		if len(data) > 0 {
			if _, err := rw.w.Write(data); err != nil {
				return err
			}
			rw.written += int64(len(data))
		}
	} else if rw.chunked {
		if len(data) > 0 {
			if err := rw.writeChunk(data); err != nil {
				return err
			}
		}
	} else if len(data) > 0 {
		// Close-delimited.
		if _, err := rw.w.Write(data); err != nil {
			return err
		}
		rw.written += int64(len(data))
	}

	if last {
		return rw.finish()
	}
	return nil
}

func (rw *responseWriter) writeChunk(data []byte) error {
	head := strconv.AppendUint(make([]byte, 0, 16), uint64(len(data)), 16)
	head = append(head, '\r', '\n')
	if _, err := rw.w.Write(head); err != nil {
		return err
	}
	if _, err := rw.w.Write(data); err != nil {
		return err
	}
	_, err := rw.w.Write([]byte("\r\n"))
	rw.written += int64(len(data))
	return err
}

// streamFile copies the file straight to the transport using the framing
// already in force. With a known content length the copy goes through the
// connection's ReadFrom, so TCP transports use sendfile.
func (rw *responseWriter) streamFile(f *os.File, size int64) error {
	if rw.suppressBody {
		return rw.finish()
	}
	if rw.contentLength >= 0 {
		want := rw.contentLength - rw.written
		if size != want {
			rw.closeAfter = true
			if size > want {
				return errResponseTooLong
			}
			return errResponseTooShort
		}
		n, err := io.Copy(rw.w, io.LimitReader(f, size))
		rw.written += n
		if err != nil {
			return err
		}
		return rw.finish()
	}
	if rw.chunked {
		// writeChunk accounts for the payload bytes.
		if _, err := io.Copy(chunkBodyWriter{rw}, f); err != nil {
			return err
		}
		return rw.finish()
	}
	n, err := io.Copy(rw.w, f)
	rw.written += n
	if err != nil {
		return err
	}
	return rw.finish()
}

// finish closes out the framing and validates declared lengths.
func (rw *responseWriter) finish() error {
	if rw.finished {
		return nil
	}
	rw.finished = true
	if rw.suppressBody {
		return nil
	}
	if rw.chunked {
		_, err := rw.w.Write([]byte("0\r\n\r\n"))
		return err
	}
	if rw.contentLength >= 0 && rw.written != rw.contentLength {
		rw.closeAfter = true
		return errResponseTooShort
	}
	return nil
}

// chunkBodyWriter adapts the chunk framing to io.Writer for io.Copy.
type chunkBodyWriter struct {
	rw *responseWriter
}

func (cw chunkBodyWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if err := cw.rw.writeChunk(p); err != nil {
		return 0, err
	}
	return len(p), nil
}
