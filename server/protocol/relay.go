package protocol

import (
	"errors"
	"io"

	"github.com/tollgate-proxy/tollgate/server/buffer"
	"github.com/tollgate-proxy/tollgate/server/netfd"
	"github.com/tollgate-proxy/tollgate/server/reactor"
)

// flow copies one direction of an opaque relay through a pooled buffer and
// propagates the source's end of stream as a half close.
type flow struct {
	buf  *buffer.Buffer
	eof  bool
	shut bool
}

// pump moves what it can from src to dst. starved is set when a buffer was
// refused.
func (f *flow) pump(host Host, src, dst netfd.Stream, starved *bool) (progress bool, err error) {
	if !f.eof && !*starved && (f.buf == nil || !f.buf.Full()) {
		if f.buf == nil {
			b, cerr := host.Checkout()
			if cerr != nil {
				if errors.Is(cerr, buffer.ErrExhausted) {
					*starved = true
				} else {
					return false, cerr
				}
			}
			f.buf = b
		}
		if f.buf != nil {
			n, rerr := f.buf.Fill(src)
			switch {
			case n > 0:
				progress = true
			case errors.Is(rerr, io.EOF):
				f.eof = true
				progress = true
			case rerr != nil && !errors.Is(rerr, netfd.ErrWouldBlock):
				return progress, rerr
			}
		}
	}
	if f.buf != nil && !f.buf.Empty() {
		n, werr := f.buf.Drain(dst, -1)
		if n > 0 {
			progress = true
		}
		if werr != nil && !errors.Is(werr, netfd.ErrWouldBlock) {
			return progress, werr
		}
	}
	if f.buf != nil && f.buf.Empty() {
		host.Return(f.buf)
		f.buf = nil
	}
	if f.eof && f.buf == nil && !f.shut {
		f.shut = true
		progress = true
		if err := dst.CloseWrite(); err != nil && !errors.Is(err, netfd.ErrClosed) {
			return progress, err
		}
	}
	return progress, nil
}

// readInterest reports whether the source side should be polled.
func (f *flow) readInterest(starved bool) bool {
	return !f.eof && !starved && (f.buf == nil || !f.buf.Full())
}

// writeInterest reports whether the destination side should be polled.
func (f *flow) writeInterest() bool {
	return f.buf != nil && !f.buf.Empty()
}

func (f *flow) release(host Host) {
	if f.buf != nil {
		host.Return(f.buf)
		f.buf = nil
	}
}

// relay is a bidirectional opaque byte pipe between two streams.
type relay struct {
	up, down flow // up: front to back, down: back to front
	starved  bool
}

// seed queues bytes already read from one side, such as a buffered
// ClientHello, ahead of anything read later.
func seed(f *flow, b *buffer.Buffer) {
	f.buf = b
}

func (r *relay) pump(host Host, front, back netfd.Stream) (progress bool, err error) {
	for {
		p1, err := r.up.pump(host, front, back, &r.starved)
		if err != nil {
			return progress || p1, err
		}
		p2, err := r.down.pump(host, back, front, &r.starved)
		if err != nil {
			return progress || p1 || p2, err
		}
		if !p1 && !p2 {
			return progress, nil
		}
		progress = true
	}
}

func (r *relay) finished() bool {
	return r.up.shut && r.down.shut
}

func (r *relay) interest() (front, back reactor.Interest) {
	if r.up.readInterest(r.starved) {
		front |= reactor.Readable
	}
	if r.up.writeInterest() {
		back |= reactor.Writable
	}
	if r.down.readInterest(r.starved) {
		back |= reactor.Readable
	}
	if r.down.writeInterest() {
		front |= reactor.Writable
	}
	return front, back
}

func (r *relay) release(host Host) {
	r.up.release(host)
	r.down.release(host)
}
