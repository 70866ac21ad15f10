package http

import (
	"fmt"
	stdhttp "net/http"
	"sync/atomic"
	"time"
)

// ServerName is the value of the default server response header.
const ServerName = "async-server"

const dateFormat = "Mon, 02 Jan 2006 15:04:05 GMT"

// HeaderCache holds the rendered default response header block, so the hot
// path appends one precomputed slice instead of formatting a date per
// response. The owner refreshes it about once per second.
type HeaderCache struct {
	serverHeader bool
	dateHeader   bool
	cached       atomic.Value // []byte
}

// NewHeaderCache renders the initial block. Either header can be disabled
// by configuration.
func NewHeaderCache(serverHeader, dateHeader bool) *HeaderCache {
	c := &HeaderCache{serverHeader: serverHeader, dateHeader: dateHeader}
	c.Refresh()
	return c
}

// Refresh re-renders the block with the current time.
func (c *HeaderCache) Refresh() {
	b := make([]byte, 0, 64)
	if c.serverHeader {
		b = append(b, "server: "+ServerName+"\r\n"...)
	}
	if c.dateHeader {
		b = append(b, "date: "...)
		b = time.Now().UTC().AppendFormat(b, dateFormat)
		b = append(b, '\r', '\n')
	}
	c.cached.Store(b)
}

// Bytes returns the current block. The slice must not be modified.
func (c *HeaderCache) Bytes() []byte {
	b, _ := c.cached.Load().([]byte)
	return b
}

// Canned renders a complete minimal response for error paths that never
// reach the application. The connection is always closed afterwards.
func Canned(status int, body string) []byte {
	text := stdhttp.StatusText(status)
	if text == "" {
		text = "Unknown"
	}
	return []byte(fmt.Sprintf(
		"HTTP/1.1 %d %s\r\ncontent-type: text/plain; charset=utf-8\r\ncontent-length: %d\r\nconnection: close\r\n\r\n%s",
		status, text, len(body), body))
}
