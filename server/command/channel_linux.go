//go:build linux

package command

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/eapache/queue"
	"golang.org/x/sys/unix"
)

// ErrWouldBlock is returned when a non-blocking channel operation cannot
// progress.
var ErrWouldBlock = errors.New("control channel would block")

type outFrame struct {
	data []byte
	// fds ride with the first byte of data and are closed once sent.
	fds []int
}

// Channel is the worker's end of a control connection. It never blocks:
// the worker reads it on readable events and flushes it on writable ones.
// Descriptors received with SCM_RIGHTS are queued in arrival order.
type Channel struct {
	fd      int
	dec     *Decoder
	maxSize int
	out     []outFrame
	fds     *queue.Queue
	closed  bool
}

// NewChannel wraps a connected Unix stream socket and makes it
// non-blocking. The channel owns fd.
func NewChannel(fd int, maxSize int) (*Channel, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("failed to set control socket non-blocking: %w", err)
	}
	unix.CloseOnExec(fd)
	return &Channel{fd: fd, dec: NewDecoder(maxSize), maxSize: maxSize, fds: queue.New()}, nil
}

func (c *Channel) Fd() int { return c.fd }

// Receive reads everything available and returns the complete requests.
// It returns io.EOF once the peer has closed the connection and no request
// is left.
func (c *Channel) Receive() ([]Request, error) {
	buf := make([]byte, 64*1024)
	oob := make([]byte, unix.CmsgSpace(maxFdsPerMessage*4))
	var eof bool
	for {
		n, oobn, _, _, err := unix.Recvmsg(c.fd, buf, oob, unix.MSG_CMSG_CLOEXEC)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("control channel read: %w", err)
		}
		if oobn > 0 {
			if err := c.collectFds(oob[:oobn]); err != nil {
				return nil, err
			}
		}
		if n == 0 {
			eof = true
			break
		}
		c.dec.Feed(buf[:n])
	}

	var reqs []Request
	for {
		body, err := c.dec.Next()
		if err != nil {
			return reqs, err
		}
		if body == nil {
			break
		}
		var req Request
		if err := json.Unmarshal(body, &req); err != nil {
			return reqs, fmt.Errorf("%w: malformed request: %v", ErrInvalidOrder, err)
		}
		reqs = append(reqs, req)
	}
	if eof && len(reqs) == 0 {
		return nil, io.EOF
	}
	return reqs, nil
}

func (c *Channel) collectFds(oob []byte) error {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return fmt.Errorf("control channel ancillary data: %w", err)
	}
	for i := range msgs {
		fds, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			continue
		}
		for _, fd := range fds {
			c.fds.Add(fd)
		}
	}
	return nil
}

// TakeFd pops the oldest received descriptor. The caller owns it.
func (c *Channel) TakeFd() (int, bool) {
	if c.fds.Length() == 0 {
		return -1, false
	}
	return c.fds.Remove().(int), true
}

// PendingFds is the number of received descriptors not yet taken.
func (c *Channel) PendingFds() int { return c.fds.Length() }

// Send queues a response.
func (c *Channel) Send(resp Response) error {
	return c.SendWithFds(resp, nil)
}

// SendWithFds queues a response whose first byte carries duplicates of
// fds. The caller keeps its descriptors.
func (c *Channel) SendWithFds(resp Response, fds []int) error {
	if c.closed {
		return io.ErrClosedPipe
	}
	data, err := AppendFrame(nil, resp, c.maxSize)
	if err != nil {
		return err
	}
	frame := outFrame{data: data}
	for _, fd := range fds {
		dup, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
		if err != nil {
			closeAll(frame.fds)
			return fmt.Errorf("failed to duplicate descriptor %d: %w", fd, err)
		}
		frame.fds = append(frame.fds, dup)
	}
	c.out = append(c.out, frame)
	return nil
}

// WantsWrite reports whether queued output remains.
func (c *Channel) WantsWrite() bool { return len(c.out) > 0 }

// Flush writes as much queued output as the socket accepts. It returns
// ErrWouldBlock when output remains queued.
func (c *Channel) Flush() error {
	for len(c.out) > 0 {
		f := &c.out[0]
		var rights []byte
		if len(f.fds) > 0 {
			rights = unix.UnixRights(f.fds...)
		}
		n, err := unix.SendmsgN(c.fd, f.data, rights, nil, 0)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return ErrWouldBlock
		}
		if err != nil {
			return fmt.Errorf("control channel write: %w", err)
		}
		if len(f.fds) > 0 && n > 0 {
			closeAll(f.fds)
			f.fds = nil
		}
		f.data = f.data[n:]
		if len(f.data) == 0 {
			c.out = c.out[1:]
		}
	}
	c.out = nil
	return nil
}

// Close closes the connection and every descriptor still queued either way.
func (c *Channel) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	for _, f := range c.out {
		closeAll(f.fds)
	}
	c.out = nil
	for c.fds.Length() > 0 {
		unix.Close(c.fds.Remove().(int))
	}
	return unix.Close(c.fd)
}

func closeAll(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}

// ListenUnix binds a non-blocking listening Unix socket at path, replacing a
// stale socket file.
func ListenUnix(path string) (int, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return -1, fmt.Errorf("failed to create socket directory: %w", err)
	}
	if fi, err := os.Lstat(path); err == nil && fi.Mode()&os.ModeSocket != 0 {
		os.Remove(path)
	}
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, fmt.Errorf("failed to create control socket: %w", err)
	}
	unix.CloseOnExec(fd)
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("failed to bind control socket %s: %w", path, err)
	}
	if err := unix.Listen(fd, 16); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("failed to listen on control socket %s: %w", path, err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// AcceptUnix accepts one controller connection. It returns ErrWouldBlock
// when none is pending.
func AcceptUnix(listenFd int) (int, error) {
	for {
		fd, _, err := unix.Accept(listenFd)
		switch {
		case err == unix.EINTR || err == unix.ECONNABORTED:
			continue
		case err == unix.EAGAIN:
			return -1, ErrWouldBlock
		case err != nil:
			return -1, err
		}
		return fd, nil
	}
}
