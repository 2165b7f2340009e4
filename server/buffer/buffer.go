// Package buffer implements the fixed-capacity pool of I/O buffers that
// bounds the worker's memory. A refused checkout is backpressure, not an
// error: the caller stops reading and queues itself as a waiter.
package buffer

import (
	"errors"
	"io"
)

// Buffer is a fixed-size byte buffer with a read and a write cursor.
// Unread bytes are Bytes(); free space is filled through Space/Commit.
type Buffer struct {
	data []byte
	r, w int
	pool *Pool
	out  bool
}

// New allocates a standalone buffer that belongs to no pool.
func New(size int) *Buffer {
	return &Buffer{data: make([]byte, size)}
}

// Bytes returns the unread bytes. The slice is valid until the next mutation.
func (b *Buffer) Bytes() []byte { return b.data[b.r:b.w] }

// Len is the number of unread bytes.
func (b *Buffer) Len() int { return b.w - b.r }

// Cap is the total size of the buffer.
func (b *Buffer) Cap() int { return len(b.data) }

// Free is the number of bytes that can still be added.
func (b *Buffer) Free() int { return len(b.data) - b.Len() }

// Full reports whether no more bytes can be added.
func (b *Buffer) Full() bool { return b.Len() == len(b.data) }

// Empty reports whether there are no unread bytes.
func (b *Buffer) Empty() bool { return b.r == b.w }

// Space returns the writable tail, compacting unread bytes to the front
// first when more room sits before them than after.
func (b *Buffer) Space() []byte {
	if b.r > 0 && len(b.data)-b.w < b.r {
		n := copy(b.data, b.data[b.r:b.w])
		b.r, b.w = 0, n
	}
	return b.data[b.w:]
}

// Commit marks n bytes of the last Space() slice as written.
func (b *Buffer) Commit(n int) {
	if n < 0 || b.w+n > len(b.data) {
		panic("buffer: commit out of range")
	}
	b.w += n
}

// Consume drops n unread bytes from the front.
func (b *Buffer) Consume(n int) {
	if n < 0 || n > b.Len() {
		panic("buffer: consume out of range")
	}
	b.r += n
	if b.r == b.w {
		b.r, b.w = 0, 0
	}
}

// Write appends as much of p as fits, returning the count appended.
func (b *Buffer) Write(p []byte) (int, error) {
	n := copy(b.Space(), p)
	b.w += n
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

// Fill performs one read from r into the free space.
func (b *Buffer) Fill(r io.Reader) (int, error) {
	space := b.Space()
	if len(space) == 0 {
		return 0, nil
	}
	n, err := r.Read(space)
	if n > 0 {
		b.w += n
	}
	return n, err
}

// Drain performs one write of up to limit unread bytes to w (limit < 0
// means all of them) and consumes what was written.
func (b *Buffer) Drain(w io.Writer, limit int) (int, error) {
	p := b.Bytes()
	if limit >= 0 && limit < len(p) {
		p = p[:limit]
	}
	if len(p) == 0 {
		return 0, nil
	}
	n, err := w.Write(p)
	if n > 0 {
		b.Consume(n)
	}
	return n, err
}

// Reset discards all content.
func (b *Buffer) Reset() {
	b.r, b.w = 0, 0
}

var (
	// ErrExhausted is returned by Checkout when every buffer is in use.
	ErrExhausted = errors.New("buffer pool exhausted")
	// ErrDoubleReturn is returned when a buffer is returned twice.
	ErrDoubleReturn = errors.New("buffer returned twice")
	// ErrForeignBuffer is returned when a buffer is returned to a pool it does not come from.
	ErrForeignBuffer = errors.New("buffer does not belong to this pool")
)
