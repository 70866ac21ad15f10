// Package pools holds the reusable buffers shared by the connection
// drivers. A reader follows its connection from accept to close, so it is
// recycled by whichever driver ends up owning the transport.
package pools

import (
	"bufio"
	"io"
	"sync"
)

// ReaderSize is the per-connection read buffer size. Heads larger than one
// buffer are still accepted; the parsers accumulate across refills.
const ReaderSize = 8 << 10

var readers = sync.Pool{
	New: func() any { return bufio.NewReaderSize(nil, ReaderSize) },
}

// GetReader returns a buffered reader positioned on r.
func GetReader(r io.Reader) *bufio.Reader {
	br := readers.Get().(*bufio.Reader)
	br.Reset(r)
	return br
}

// PutReader recycles a reader. The caller must be done reading; buffered
// bytes are discarded.
func PutReader(br *bufio.Reader) {
	br.Reset(nil)
	readers.Put(br)
}

// BytePool hands out fixed-size scratch slices. Callers copy out of the
// slice before returning it.
type BytePool struct {
	size int
	pool sync.Pool
}

// NewBytePool returns a pool of size-byte slices.
func NewBytePool(size int) *BytePool {
	p := &BytePool{size: size}
	p.pool.New = func() any {
		buf := make([]byte, size)
		return &buf
	}
	return p
}

// Get returns a slice at the pool's full size.
func (p *BytePool) Get() *[]byte {
	return p.pool.Get().(*[]byte)
}

// Put returns a slice obtained from Get. Slices that shrank below the pool
// size are dropped instead.
func (p *BytePool) Put(buf *[]byte) {
	if buf == nil || cap(*buf) < p.size {
		return
	}
	*buf = (*buf)[:p.size]
	p.pool.Put(buf)
}
