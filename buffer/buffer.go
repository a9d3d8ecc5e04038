// Package buffer implements the contiguous resizable byte queue consumed by
// tcpconn.Conn for both its input and output sides. It is specified
// functionally, not by layout: callers may only rely on Peek, ReadableBytes,
// Retrieve, RetrieveAll, RetrieveAllAsString, Append, and ReadFd.
package buffer

import (
	"github.com/valyala/bytebufferpool"
	"golang.org/x/sys/unix"
)

// initialCap is the starting capacity of a fresh Buffer. It is small enough
// that idle connections don't pay for space they never use; the heap
// buffer only grows past it when a socket actually has more to deliver.
const initialCap = 1024

// extraAreaSize is the size of the pooled scratch region ReadFd reads the
// tail of a large datagram into when the heap buffer's free tail is too
// small, mirroring muduo's on-stack "extrabuf" in its two-region readFd.
const extraAreaSize = 65536

// extraPool recycles the scratch scatter-read regions across ReadFd calls
// so a connection bursting large reads doesn't allocate 64 KiB per read.
var extraPool bytebufferpool.Pool

// Buffer is a read-cursor/write-cursor byte queue. The zero value is not
// ready for use; construct with New.
type Buffer struct {
	buf        []byte
	readIndex  int
	writeIndex int
}

// New returns an empty Buffer with a small initial backing array.
func New() *Buffer {
	return &Buffer{buf: make([]byte, initialCap)}
}

// ReadableBytes returns the number of bytes available to Peek/Retrieve.
func (b *Buffer) ReadableBytes() int {
	return b.writeIndex - b.readIndex
}

// WritableBytes returns the free capacity after the write cursor.
func (b *Buffer) WritableBytes() int {
	return len(b.buf) - b.writeIndex
}

// Peek returns a view of the readable region without consuming it. The
// returned slice aliases the Buffer's storage and is invalidated by the
// next mutating call.
func (b *Buffer) Peek() []byte {
	return b.buf[b.readIndex:b.writeIndex]
}

// Retrieve advances the read cursor by n, as if n bytes had been consumed.
// n is clamped to ReadableBytes. Once the buffer drains completely the
// cursors reset to the front so repeated small sends don't walk the backing
// array forward forever.
func (b *Buffer) Retrieve(n int) {
	if n > b.ReadableBytes() {
		n = b.ReadableBytes()
	}
	b.readIndex += n
	if b.readIndex == b.writeIndex {
		b.readIndex = 0
		b.writeIndex = 0
	}
}

// RetrieveAll discards every readable byte.
func (b *Buffer) RetrieveAll() {
	b.readIndex = 0
	b.writeIndex = 0
}

// RetrieveAllAsString drains the buffer and returns its contents as a
// freshly-copied string (it must copy: the backing array is reused).
func (b *Buffer) RetrieveAllAsString() string {
	s := string(b.Peek())
	b.RetrieveAll()
	return s
}

// Append copies data onto the end of the writable region, growing the
// backing array if necessary.
func (b *Buffer) Append(data []byte) {
	if b.WritableBytes() < len(data) {
		b.makeRoom(len(data))
	}
	n := copy(b.buf[b.writeIndex:], data)
	b.writeIndex += n
}

// makeRoom ensures at least need writable bytes are available, either by
// sliding existing data to the front of the backing array (if the
// already-consumed prefix is large enough) or by reallocating.
func (b *Buffer) makeRoom(need int) {
	if b.readIndex+b.WritableBytes() >= need && b.readIndex > 0 {
		readable := b.ReadableBytes()
		copy(b.buf, b.buf[b.readIndex:b.writeIndex])
		b.readIndex = 0
		b.writeIndex = readable
		if b.WritableBytes() >= need {
			return
		}
	}
	newCap := len(b.buf)*2 + need
	grown := make([]byte, newCap)
	copy(grown, b.buf[b.readIndex:b.writeIndex])
	b.writeIndex -= b.readIndex
	b.readIndex = 0
	b.buf = grown
}

// ReadFd reads as much as is immediately available from fd without
// blocking, in a single syscall. It scatters the read across the buffer's
// free tail and a pooled 64 KiB scratch region so a single recv can absorb
// more than the buffer currently has room for without growing the heap
// buffer speculatively; any spillover in the scratch region is appended
// afterward. Returns the number of bytes read (0 on clean EOF, <0 with
// errno classification left to the caller via the returned error).
func (b *Buffer) ReadFd(fd int) (int, error) {
	extra := extraPool.Get()
	defer extraPool.Put(extra)
	if cap(extra.B) < extraAreaSize {
		extra.B = make([]byte, extraAreaSize)
	}
	extraBuf := extra.B[:extraAreaSize]

	writable := b.WritableBytes()
	iov := make([][]byte, 0, 2)
	iov = append(iov, b.buf[b.writeIndex:])
	if writable < extraAreaSize {
		iov = append(iov, extraBuf)
	}

	n, err := unix.Readv(fd, iov)
	if err != nil {
		return -1, err
	}
	if n <= writable {
		b.writeIndex += n
		return n, nil
	}
	b.writeIndex = len(b.buf)
	b.Append(extraBuf[:n-writable])
	return n, nil
}
