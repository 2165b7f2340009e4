//go:build linux

package reactor

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// Waker is an eventfd other goroutines use to interrupt Poll.
type Waker struct {
	fd int
}

func NewWaker() (*Waker, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	return &Waker{fd: fd}, nil
}

func (w *Waker) Fd() int { return w.fd }

// Wake makes the eventfd readable. Safe for concurrent use.
func (w *Waker) Wake() {
	var one [8]byte
	binary.NativeEndian.PutUint64(one[:], 1)
	// EAGAIN means the counter is saturated, which still wakes the poller.
	_, _ = unix.Write(w.fd, one[:])
}

// Drain resets the eventfd counter.
func (w *Waker) Drain() {
	var buf [8]byte
	_, _ = unix.Read(w.fd, buf[:])
}

func (w *Waker) Close() error {
	return unix.Close(w.fd)
}
