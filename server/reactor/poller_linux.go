//go:build linux

package reactor

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// Poller is a level-triggered epoll instance.
type Poller struct {
	epfd int
	raw  []unix.EpollEvent
}

// New creates a poller able to return up to maxEvents events per Poll.
func New(maxEvents int) (*Poller, error) {
	if maxEvents <= 0 {
		maxEvents = 1024
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	return &Poller{epfd: epfd, raw: make([]unix.EpollEvent, maxEvents)}, nil
}

func epollEvent(tok Token, in Interest) *unix.EpollEvent {
	ev := &unix.EpollEvent{}
	if in&Readable != 0 {
		// a half-closed peer would otherwise spin a level-triggered
		// registration that does not read
		ev.Events |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if in&Writable != 0 {
		ev.Events |= unix.EPOLLOUT
	}
	// The token is split over the two 32-bit payload fields.
	ev.Fd = int32(uint32(tok))
	ev.Pad = int32(uint32(tok >> 32))
	return ev
}

// Register starts watching fd.
func (p *Poller) Register(fd int, tok Token, in Interest) error {
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, epollEvent(tok, in)); err != nil {
		return fmt.Errorf("epoll add fd %d: %w", fd, err)
	}
	return nil
}

// Modify changes the token or interest of a registered fd.
func (p *Poller) Modify(fd int, tok Token, in Interest) error {
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, epollEvent(tok, in)); err != nil {
		return fmt.Errorf("epoll mod fd %d: %w", fd, err)
	}
	return nil
}

// Deregister stops watching fd. Must be called before fd is closed if the
// descriptor may have been duplicated.
func (p *Poller) Deregister(fd int) error {
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll del fd %d: %w", fd, err)
	}
	return nil
}

// Poll waits up to timeout (negative blocks indefinitely) and fills events.
// An interrupted wait returns zero events and no error.
func (p *Poller) Poll(events []Event, timeout time.Duration) (int, error) {
	max := len(events)
	if max > len(p.raw) {
		max = len(p.raw)
	}
	ms := -1
	if timeout >= 0 {
		ms = int((timeout + time.Millisecond - 1) / time.Millisecond)
	}
	n, err := unix.EpollWait(p.epfd, p.raw[:max], ms)
	if err == unix.EINTR {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("epoll_wait: %w", err)
	}
	for i := 0; i < n; i++ {
		raw := &p.raw[i]
		events[i] = Event{
			Token:    Token(uint64(uint32(raw.Pad))<<32 | uint64(uint32(raw.Fd))),
			Readable: raw.Events&(unix.EPOLLIN|unix.EPOLLPRI) != 0,
			Writable: raw.Events&unix.EPOLLOUT != 0,
			Hangup:   raw.Events&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0,
			Error:    raw.Events&unix.EPOLLERR != 0,
		}
	}
	return n, nil
}

// Close releases the epoll descriptor.
func (p *Poller) Close() error {
	return unix.Close(p.epfd)
}
