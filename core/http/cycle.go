package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/searchktools/async-server/events"
)

var continue100 = []byte("HTTP/1.1 100 Continue\r\n\r\n")

// cycle is one request/response exchange. The application side calls
// receive and send from its own goroutine; the driver waits for the
// invocation to return before touching the connection again, so all writes
// here happen without racing the read loop.
type cycle struct {
	d     *Driver
	head  *RequestHead
	scope events.Scope
	rw    *responseWriter
	body  io.Reader

	startSent       bool
	bodyDone        bool
	continuePending bool

	status           int
	responseStarted  bool
	responseComplete bool

	violation error
	fatal     bool
}

func (c *cycle) receive(ctx context.Context) (events.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !c.startSent {
		c.startSent = true
		return events.RequestStart{
			Method:  c.head.Method,
			Path:    c.head.Path,
			Query:   c.head.Query,
			Headers: c.head.Headers,
			Client:  c.scope.Client,
		}, nil
	}
	if !c.bodyDone {
		return c.readBodyChunk()
	}
	if c.responseComplete || c.fatal {
		// Nothing further arrives on this cycle; report it so an
		// application polling for disconnect never parks forever.
		return events.Disconnect{}, nil
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.d.gone:
		return events.Disconnect{}, nil
	}
}

func (c *cycle) readBodyChunk() (events.Event, error) {
	if c.body == nil {
		c.bodyDone = true
		return events.RequestBody{}, nil
	}
	if c.continuePending {
		c.continuePending = false
		if _, err := c.d.conn.Write(continue100); err != nil {
			c.transportFailure(err)
			return events.Disconnect{}, nil
		}
	}

	bufp := bodyBuffers.Get()
	buf := *bufp
	n, err := c.body.Read(buf)
	data := append([]byte(nil), buf[:n]...)
	bodyBuffers.Put(bufp)

	switch {
	case err == nil:
		return events.RequestBody{Data: data, More: true}, nil
	case errors.Is(err, io.EOF):
		c.bodyDone = true
		return events.RequestBody{Data: data, More: false}, nil
	default:
		// Short or malformed body. No response is possible; the
		// connection is torn down once the invocation returns.
		c.d.logger.Debug("request body aborted", "err", err)
		c.fatal = true
		c.bodyDone = true
		return events.Disconnect{}, nil
	}
}

func (c *cycle) send(ctx context.Context, ev events.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.fatal {
		return events.ErrClosed
	}

	switch e := ev.(type) {
	case events.ResponseStart:
		if c.responseStarted {
			return c.contractError(ev, "response already started")
		}
		c.responseStarted = true
		c.status = e.Status
		c.d.mu.Lock()
		if c.d.shutdown {
			c.rw.closeAfter = true
		}
		c.d.mu.Unlock()
		if c.d.cfg.AccessLog {
			c.d.access.Info(fmt.Sprintf("%s - \"%s %s HTTP/%s\" %d",
				c.scope.Client, c.head.Method, c.head.Target, c.head.Version, e.Status))
		}
		if err := c.rw.writeHead(e.Status, e.Headers); err != nil {
			c.transportFailure(err)
			return events.ErrClosed
		}

	case events.ResponseBody:
		if !c.responseStarted {
			return c.contractError(ev, "response not started")
		}
		if c.responseComplete {
			return c.contractError(ev, "response already complete")
		}
		if err := c.rw.writeBody(e.Data, !e.More); err != nil {
			return c.writeFailed(ev, err)
		}
		if !e.More {
			c.responseComplete = true
		}

	case events.ResponsePath:
		if !c.responseStarted {
			return c.contractError(ev, "response not started")
		}
		if c.responseComplete {
			return c.contractError(ev, "response already complete")
		}
		if err := c.sendFile(e.Path); err != nil {
			return err
		}
		c.responseComplete = true

	default:
		return c.contractError(ev, "event not valid on an http cycle")
	}
	return nil
}

func (c *cycle) sendFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		c.failCycle(fmt.Errorf("open response file: %w", err))
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		c.failCycle(fmt.Errorf("stat response file: %w", err))
		return err
	}
	if err := c.rw.streamFile(f, info.Size()); err != nil {
		return c.writeFailed(events.ResponsePath{Path: path}, err)
	}
	return nil
}

// writeFailed separates transport failures from framing violations raised
// by the response writer itself.
func (c *cycle) writeFailed(ev events.Event, err error) error {
	if errors.Is(err, errResponseTooLong) || errors.Is(err, errResponseTooShort) {
		return c.contractError(ev, err.Error())
	}
	c.transportFailure(err)
	return events.ErrClosed
}

// contractError records the first application contract violation and hands
// it back to the caller. The driver decides between a canned 500 and a hard
// close when the invocation returns.
func (c *cycle) contractError(ev events.Event, reason string) error {
	err := fmt.Errorf("invalid %q event: %s", events.TypeName(ev), reason)
	if c.violation == nil {
		c.violation = err
	}
	return err
}

// failCycle marks the cycle failed without a transport problem.
func (c *cycle) failCycle(err error) {
	if c.violation == nil {
		c.violation = err
	}
}

func (c *cycle) transportFailure(err error) {
	c.fatal = true
	c.d.logger.Debug("connection failure", "err", err)
	c.d.Close()
}
