// Package buffer provides the byte-buffer container TcpConnection reads
// and writes through: a contiguous slice with readable/writable cursors and
// a small prepend area, modeled on muduo's Buffer.
package buffer

import (
	"errors"

	"golang.org/x/sys/unix"
)

const (
	// prependSize reserves room to prepend a small fixed header (e.g. a
	// 4-byte length prefix) without a copy.
	prependSize  = 8
	initialSize  = 1024
	extraBufSize = 65536
)

// ErrNotEnoughData reports that the buffer holds fewer readable bytes than
// requested. No Buffer method returns it: RetrieveAsBytes caps n at
// ReadableBytes instead.
var ErrNotEnoughData = errors.New("buffer: not enough readable data")

// Buffer is a growable byte buffer with a prepend area and separate
// reader/writer cursors, so repeated small reads don't require moving data
// until the readable region is fully drained.
type Buffer struct {
	buf    []byte
	reader int // index of the first readable byte
	writer int // index one past the last readable byte (first writable byte)
}

// New returns an empty Buffer with its write cursor positioned after the
// prepend area.
func New() *Buffer {
	b := &Buffer{buf: make([]byte, prependSize+initialSize)}
	b.reader = prependSize
	b.writer = prependSize
	return b
}

// ReadableBytes returns the number of bytes available to read.
func (b *Buffer) ReadableBytes() int { return b.writer - b.reader }

// WritableBytes returns the number of bytes that can be appended without
// growing the buffer.
func (b *Buffer) WritableBytes() int { return len(b.buf) - b.writer }

// PrependableBytes returns the free space before the readable region,
// usable for Prepend.
func (b *Buffer) PrependableBytes() int { return b.reader }

// Peek returns the readable region without consuming it. The slice aliases
// the buffer's storage and is only valid until the next mutation.
func (b *Buffer) Peek() []byte { return b.buf[b.reader:b.writer] }

// Retrieve consumes n bytes from the front of the readable region.
func (b *Buffer) Retrieve(n int) {
	if n <= 0 {
		return
	}
	if n < b.ReadableBytes() {
		b.reader += n
		return
	}
	b.RetrieveAll()
}

// RetrieveAll consumes the entire readable region, recycling the buffer to
// its initial, empty layout.
func (b *Buffer) RetrieveAll() {
	b.reader = prependSize
	b.writer = prependSize
}

// RetrieveAsBytes consumes and returns a copy of the first n readable
// bytes.
func (b *Buffer) RetrieveAsBytes(n int) []byte {
	if n > b.ReadableBytes() {
		n = b.ReadableBytes()
	}
	out := append([]byte(nil), b.buf[b.reader:b.reader+n]...)
	b.Retrieve(n)
	return out
}

// RetrieveAllAsBytes consumes and returns a copy of the whole readable
// region.
func (b *Buffer) RetrieveAllAsBytes() []byte {
	return b.RetrieveAsBytes(b.ReadableBytes())
}

// RetrieveAllAsString consumes and returns the whole readable region as a
// string.
func (b *Buffer) RetrieveAllAsString() string {
	return string(b.RetrieveAllAsBytes())
}

// Append appends data to the writable region, growing the buffer first if
// necessary.
func (b *Buffer) Append(data []byte) {
	b.EnsureWritableBytes(len(data))
	copy(b.buf[b.writer:], data)
	b.writer += len(data)
}

// Prepend writes data immediately before the readable region; it must fit
// within PrependableBytes (callers needing more than prependSize of header
// should Append a placeholder and patch it in place instead).
func (b *Buffer) Prepend(data []byte) {
	b.reader -= len(data)
	copy(b.buf[b.reader:], data)
}

// EnsureWritableBytes grows or compacts the buffer so at least n bytes are
// writable without further reallocation.
func (b *Buffer) EnsureWritableBytes(n int) {
	if b.WritableBytes() >= n {
		return
	}
	if b.PrependableBytes()+b.WritableBytes() < n+prependSize {
		// Not enough room even after compaction: grow.
		newBuf := make([]byte, b.writer+n)
		copy(newBuf, b.buf[:b.writer])
		b.buf = newBuf
		return
	}
	// Slide the readable region down to the start of the prepend area to
	// reclaim space already retrieved.
	readable := b.ReadableBytes()
	copy(b.buf[prependSize:], b.buf[b.reader:b.writer])
	b.reader = prependSize
	b.writer = b.reader + readable
}

// ReadFd performs a single scatter read from fd into the buffer's tail plus
// a 64KiB stack-resident extension buffer, then appends any overflow, so a
// single syscall can satisfy a read larger than the buffer's current spare
// capacity. A zero return with a nil error means the peer performed an
// orderly shutdown; callers distinguish that from a true error exactly as
// recv(2) would.
func (b *Buffer) ReadFd(fd int) (int, error) {
	var extra [extraBufSize]byte
	writable := b.WritableBytes()

	iov := [2][]byte{b.buf[b.writer:], extra[:]}
	n, err := unix.Readv(fd, iov[:])
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	if n <= writable {
		b.writer += n
	} else {
		b.writer = len(b.buf)
		b.Append(extra[:n-writable])
	}
	return n, nil
}
