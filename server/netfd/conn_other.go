//go:build !linux

package netfd

import "net/netip"

// Conn is unavailable outside Linux; every constructor fails.
type Conn struct {
	fd int
}

func NewConn(fd int) (*Conn, error) { return nil, ErrUnsupported }

func (c *Conn) Fd() int                    { return c.fd }
func (c *Conn) LocalAddr() netip.AddrPort  { return netip.AddrPort{} }
func (c *Conn) RemoteAddr() netip.AddrPort { return netip.AddrPort{} }
func (c *Conn) Read(p []byte) (int, error) { return 0, ErrUnsupported }
func (c *Conn) Write(p []byte) (int, error) {
	return 0, ErrUnsupported
}
func (c *Conn) CloseWrite() error   { return ErrUnsupported }
func (c *Conn) Close() error        { return nil }
func (c *Conn) ConnectError() error { return ErrUnsupported }

func Dial(addr netip.AddrPort) (*Conn, bool, error) { return nil, false, ErrUnsupported }

func Listen(addr netip.AddrPort, backlog int) (int, error) { return -1, ErrUnsupported }

func Accept(listenFd int) (*Conn, error) { return nil, ErrUnsupported }

func ListenerAddr(fd int) (netip.AddrPort, error) { return netip.AddrPort{}, ErrUnsupported }

func PrepareListener(fd int) (netip.AddrPort, error) { return netip.AddrPort{}, ErrUnsupported }

func Dup(fd int) (int, error) { return -1, ErrUnsupported }

func CloseFd(fd int) error { return ErrUnsupported }
