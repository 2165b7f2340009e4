//go:build linux

package netfd

import (
	"errors"
	"fmt"
	"io"
	"net/netip"
	"syscall"

	"golang.org/x/sys/unix"
)

// Conn is a connected non-blocking TCP or Unix socket.
type Conn struct {
	fd     int
	local  netip.AddrPort
	remote netip.AddrPort
	closed bool
}

// NewConn wraps an already connected descriptor, switching it to
// non-blocking mode. The Conn takes ownership of fd.
func NewConn(fd int) (*Conn, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("failed to set nonblock: %w", err)
	}
	c := &Conn{fd: fd}
	if sa, err := unix.Getsockname(fd); err == nil {
		c.local = addrPortFromSockaddr(sa)
	}
	if sa, err := unix.Getpeername(fd); err == nil {
		c.remote = addrPortFromSockaddr(sa)
	}
	return c, nil
}

// Fd returns the underlying descriptor.
func (c *Conn) Fd() int { return c.fd }

// LocalAddr returns the local address, zero for Unix sockets.
func (c *Conn) LocalAddr() netip.AddrPort { return c.local }

// RemoteAddr returns the peer address, zero for Unix sockets.
func (c *Conn) RemoteAddr() netip.AddrPort { return c.remote }

func (c *Conn) Read(p []byte) (int, error) {
	if c.closed {
		return 0, ErrClosed
	}
	if len(p) == 0 {
		return 0, nil
	}
	for {
		n, err := unix.Read(c.fd, p)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, ErrWouldBlock
		case err != nil:
			return 0, err
		case n == 0:
			return 0, io.EOF
		}
		return n, nil
	}
}

func (c *Conn) Write(p []byte) (int, error) {
	if c.closed {
		return 0, ErrClosed
	}
	written := 0
	for written < len(p) {
		n, err := unix.SendmsgN(c.fd, p[written:], nil, nil, unix.MSG_NOSIGNAL)
		if n > 0 {
			written += n
		}
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			if written > 0 {
				return written, nil
			}
			return 0, ErrWouldBlock
		case err != nil:
			return written, err
		}
	}
	return written, nil
}

// CloseWrite shuts down the sending side of the socket.
func (c *Conn) CloseWrite() error {
	if c.closed {
		return ErrClosed
	}
	err := unix.Shutdown(c.fd, unix.SHUT_WR)
	if err == unix.ENOTCONN {
		return nil
	}
	return err
}

// Close releases the descriptor. Closing twice is a no-op.
func (c *Conn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return unix.Close(c.fd)
}

// ConnectError returns the outcome of a non-blocking connect once the
// socket reports writable.
func (c *Conn) ConnectError() error {
	soErr, err := unix.GetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if soErr != 0 {
		return syscall.Errno(soErr)
	}
	if sa, err := unix.Getsockname(c.fd); err == nil {
		c.local = addrPortFromSockaddr(sa)
	}
	return nil
}

// Dial starts a non-blocking TCP connect. When pending is true the caller
// must wait for writability and then check ConnectError.
func Dial(addr netip.AddrPort) (conn *Conn, pending bool, err error) {
	family, sa := sockaddrFromAddrPort(addr)
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create socket: %w", err)
	}
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

	c := &Conn{fd: fd, remote: addr}
	err = unix.Connect(fd, sa)
	switch {
	case err == nil:
		if local, lerr := unix.Getsockname(fd); lerr == nil {
			c.local = addrPortFromSockaddr(local)
		}
		return c, false, nil
	case err == unix.EINPROGRESS || err == unix.EINTR:
		return c, true, nil
	default:
		unix.Close(fd)
		return nil, false, fmt.Errorf("connect %s: %w", addr, err)
	}
}

// Listen binds a non-blocking listening TCP socket with SO_REUSEADDR and
// the given backlog. An unspecified IPv6 address listens dual-stack.
func Listen(addr netip.AddrPort, backlog int) (int, error) {
	family, sa := sockaddrFromAddrPort(addr)
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, fmt.Errorf("failed to create socket: %w", err)
	}

	if family == unix.AF_INET6 {
		v6only := 1
		if addr.Addr().IsUnspecified() {
			v6only = 0
		}
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, v6only); err != nil {
			unix.Close(fd)
			return -1, fmt.Errorf("failed to set IPV6_V6ONLY: %w", err)
		}
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("failed to set SO_REUSEADDR: %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("failed to bind %s: %w", addr, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return fd, nil
}

// Accept takes one pending connection from a listening socket. It returns
// ErrWouldBlock when the queue is empty.
func Accept(listenFd int) (*Conn, error) {
	for {
		fd, sa, err := unix.Accept4(listenFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		switch {
		case err == unix.EINTR || err == unix.ECONNABORTED:
			continue
		case err == unix.EAGAIN:
			return nil, ErrWouldBlock
		case err != nil:
			return nil, err
		}
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
		c := &Conn{fd: fd, remote: addrPortFromSockaddr(sa)}
		if local, lerr := unix.Getsockname(fd); lerr == nil {
			c.local = addrPortFromSockaddr(local)
		}
		return c, nil
	}
}

// ListenerAddr returns the address a listening descriptor is bound to.
func ListenerAddr(fd int) (netip.AddrPort, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return addrPortFromSockaddr(sa), nil
}

// PrepareListener validates a descriptor received from another process and
// makes it usable by the reactor.
func PrepareListener(fd int) (netip.AddrPort, error) {
	soType, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TYPE)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("not a socket: %w", err)
	}
	if soType != unix.SOCK_STREAM {
		return netip.AddrPort{}, errors.New("not a stream socket")
	}
	accepting, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ACCEPTCONN)
	if err != nil || accepting == 0 {
		return netip.AddrPort{}, errors.New("socket is not listening")
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return netip.AddrPort{}, fmt.Errorf("failed to set nonblock: %w", err)
	}
	unix.CloseOnExec(fd)
	return ListenerAddr(fd)
}

// Dup duplicates a descriptor with close-on-exec set.
func Dup(fd int) (int, error) {
	return unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
}

// CloseFd closes a bare descriptor.
func CloseFd(fd int) error {
	return unix.Close(fd)
}

func sockaddrFromAddrPort(ap netip.AddrPort) (int, unix.Sockaddr) {
	addr := ap.Addr()
	if addr.Is4() || addr.Is4In6() {
		sa := &unix.SockaddrInet4{Port: int(ap.Port())}
		sa.Addr = addr.Unmap().As4()
		return unix.AF_INET, sa
	}
	sa := &unix.SockaddrInet6{Port: int(ap.Port()), Addr: addr.As16()}
	return unix.AF_INET6, sa
}

func addrPortFromSockaddr(sa unix.Sockaddr) netip.AddrPort {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(v.Addr), uint16(v.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(v.Addr).Unmap(), uint16(v.Port))
	}
	return netip.AddrPort{}
}
