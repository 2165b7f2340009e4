//go:build !linux

package reactor

import (
	"errors"
	"time"
)

var errUnsupported = errors.New("reactor: epoll is not available on this platform")

type Poller struct{}

func New(maxEvents int) (*Poller, error) { return nil, errUnsupported }

func (p *Poller) Register(fd int, tok Token, in Interest) error { return errUnsupported }
func (p *Poller) Modify(fd int, tok Token, in Interest) error   { return errUnsupported }
func (p *Poller) Deregister(fd int) error                       { return errUnsupported }
func (p *Poller) Close() error                                  { return nil }

func (p *Poller) Poll(events []Event, timeout time.Duration) (int, error) {
	return 0, errUnsupported
}

type Waker struct{}

func NewWaker() (*Waker, error) { return nil, errUnsupported }

func (w *Waker) Fd() int      { return -1 }
func (w *Waker) Wake()        {}
func (w *Waker) Drain()       {}
func (w *Waker) Close() error { return nil }
