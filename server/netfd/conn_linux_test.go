//go:build linux

package netfd

import (
	"errors"
	"io"
	"net/netip"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func listenLoopback(t *testing.T) (int, netip.AddrPort) {
	t.Helper()
	fd, err := Listen(netip.MustParseAddrPort("127.0.0.1:0"), 16)
	require.NoError(t, err)
	t.Cleanup(func() { unix.Close(fd) })
	addr, err := ListenerAddr(fd)
	require.NoError(t, err)
	require.NotZero(t, addr.Port())
	return fd, addr
}

func acceptWithin(t *testing.T, fd int) *Conn {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c, err := Accept(fd)
		if err == nil {
			return c
		}
		require.ErrorIs(t, err, ErrWouldBlock)
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no connection accepted")
	return nil
}

func waitConnected(t *testing.T, c *Conn) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		fds := []unix.PollFd{{Fd: int32(c.Fd()), Events: unix.POLLOUT}}
		n, err := unix.Poll(fds, 50)
		if err == nil && n == 1 {
			require.NoError(t, c.ConnectError())
			return
		}
	}
	t.Fatal("connect did not complete")
}

func readWithin(t *testing.T, c *Conn, p []byte) (int, error) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		n, err := c.Read(p)
		if !errors.Is(err, ErrWouldBlock) {
			return n, err
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("nothing to read")
	return 0, nil
}

func TestAcceptEmptyQueueWouldBlock(t *testing.T) {
	fd, _ := listenLoopback(t)
	_, err := Accept(fd)
	assert.ErrorIs(t, err, ErrWouldBlock)
}

func TestDialAcceptExchange(t *testing.T) {
	lfd, addr := listenLoopback(t)

	client, pending, err := Dial(addr)
	require.NoError(t, err)
	defer client.Close()
	if pending {
		waitConnected(t, client)
	}

	server := acceptWithin(t, lfd)
	defer server.Close()
	assert.Equal(t, addr, server.LocalAddr())
	assert.Equal(t, client.LocalAddr(), server.RemoteAddr())

	_, err = server.Read(make([]byte, 8))
	assert.ErrorIs(t, err, ErrWouldBlock)

	n, err := client.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	buf := make([]byte, 16)
	n, err = readWithin(t, server, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))

	require.NoError(t, client.CloseWrite())
	_, err = readWithin(t, server, buf)
	assert.ErrorIs(t, err, io.EOF)

	// the other direction still works after a half close
	_, err = server.Write([]byte("bye"))
	require.NoError(t, err)
	n, err = readWithin(t, client, buf)
	require.NoError(t, err)
	assert.Equal(t, "bye", string(buf[:n]))
}

func TestDialRefused(t *testing.T) {
	lfd, addr := listenLoopback(t)
	unix.Close(lfd)

	client, pending, err := Dial(addr)
	if err != nil {
		assert.True(t, IsRefused(err))
		return
	}
	defer client.Close()
	require.True(t, pending)

	fds := []unix.PollFd{{Fd: int32(client.Fd()), Events: unix.POLLOUT}}
	_, _ = unix.Poll(fds, 2000)
	err = client.ConnectError()
	require.Error(t, err)
	assert.True(t, IsRefused(err))
}

func TestClosedConn(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[1])

	c, err := NewConn(fds[0])
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err = c.Read(make([]byte, 1))
	assert.ErrorIs(t, err, ErrClosed)
	_, err = c.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPrepareListenerRejectsConnectedSocket(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	_, err = PrepareListener(fds[0])
	assert.Error(t, err)
}

func TestPrepareListenerAcceptsDup(t *testing.T) {
	lfd, addr := listenLoopback(t)
	dup, err := Dup(lfd)
	require.NoError(t, err)
	defer unix.Close(dup)

	got, err := PrepareListener(dup)
	require.NoError(t, err)
	assert.Equal(t, addr, got)
}

func TestIsConnectionError(t *testing.T) {
	assert.False(t, IsConnectionError(nil))
	assert.True(t, IsConnectionError(io.EOF))
	assert.True(t, IsConnectionError(syscall.ECONNRESET))
	assert.True(t, IsConnectionError(syscall.EPIPE))
	assert.False(t, IsConnectionError(errors.New("boom")))
}

func TestResolveAddr(t *testing.T) {
	ap, err := ResolveAddr("10.0.0.1:8080")
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddrPort("10.0.0.1:8080"), ap)

	ap, err = ResolveAddr(":9000")
	require.NoError(t, err)
	assert.True(t, ap.Addr().IsUnspecified())
	assert.Equal(t, uint16(9000), ap.Port())

	_, err = ResolveAddr("no-port")
	assert.Error(t, err)
}
