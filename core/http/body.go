package http

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/searchktools/async-server/core/pools"
)

// bodyBuffers stages body reads before they are copied out to the
// application.
var bodyBuffers = pools.NewBytePool(32 << 10)

// newBodyReader returns a reader over the request body, or nil when the
// head declares none. The reader yields io.EOF exactly at the framed end;
// a transport close before that surfaces as io.ErrUnexpectedEOF.
func newBodyReader(r *bufio.Reader, head *RequestHead, maxLine int) io.Reader {
	if head.Chunked {
		return &chunkedReader{r: r, maxLine: maxLine}
	}
	if head.ContentLength > 0 {
		return &identityReader{r: r, remain: head.ContentLength}
	}
	return nil
}

// identityReader bounds reads to the declared content length.
type identityReader struct {
	r      *bufio.Reader
	remain int64
}

func (b *identityReader) Read(p []byte) (int, error) {
	if b.remain <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > b.remain {
		p = p[:b.remain]
	}
	n, err := b.r.Read(p)
	b.remain -= int64(n)
	if err == io.EOF && b.remain > 0 {
		err = io.ErrUnexpectedEOF
	}
	if err == nil && b.remain == 0 {
		err = io.EOF
	}
	return n, err
}

// chunkedReader decodes the chunked transfer coding: hex size lines, CRLF
// framed data, and a trailer section that is consumed and discarded.
type chunkedReader struct {
	r       *bufio.Reader
	remain  int64
	maxLine int
	done    bool
}

func (c *chunkedReader) Read(p []byte) (int, error) {
	for {
		if c.done {
			return 0, io.EOF
		}
		if c.remain == 0 {
			if err := c.nextChunk(); err != nil {
				return 0, err
			}
			continue
		}
		if int64(len(p)) > c.remain {
			p = p[:c.remain]
		}
		n, err := c.r.Read(p)
		c.remain -= int64(n)
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		if err == nil && c.remain == 0 {
			err = c.readCRLF()
		}
		return n, err
	}
}

// nextChunk parses the next size line; a zero size consumes the trailer
// section and marks the body done.
func (c *chunkedReader) nextChunk() error {
	line, err := c.readLine()
	if err != nil {
		return err
	}
	// Chunk extensions are tolerated and ignored.
	if i := strings.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimRight(line, " \t")
	size, err := strconv.ParseUint(line, 16, 63)
	if err != nil {
		return fmt.Errorf("%w: bad chunk size %q", ErrMalformed, line)
	}
	if size == 0 {
		if err := c.discardTrailers(); err != nil {
			return err
		}
		c.done = true
		return nil
	}
	c.remain = int64(size)
	return nil
}

func (c *chunkedReader) discardTrailers() error {
	budget := c.maxLine
	for {
		line, err := readHeadLine(c.r, &budget)
		if err != nil {
			if err == io.EOF {
				return io.ErrUnexpectedEOF
			}
			return err
		}
		if line == "" {
			return nil
		}
	}
}

func (c *chunkedReader) readLine() (string, error) {
	budget := c.maxLine
	line, err := readHeadLine(c.r, &budget)
	if err == io.EOF {
		return "", io.ErrUnexpectedEOF
	}
	return line, err
}

func (c *chunkedReader) readCRLF() error {
	var crlf [2]byte
	if _, err := io.ReadFull(c.r, crlf[:]); err != nil {
		return io.ErrUnexpectedEOF
	}
	if crlf[0] != '\r' || crlf[1] != '\n' {
		return fmt.Errorf("%w: missing chunk terminator", ErrMalformed)
	}
	return nil
}

