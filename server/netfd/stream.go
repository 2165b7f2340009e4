// Package netfd wraps raw non-blocking socket descriptors for the reactor.
//
// Nothing in this package blocks: reads and writes that cannot progress
// return ErrWouldBlock, and a peer's orderly shutdown surfaces as io.EOF.
package netfd

import (
	"fmt"
	"net"
	"net/netip"
)

// Stream is a non-blocking byte stream. Read returns ErrWouldBlock when no
// data is available and io.EOF once the peer has shut down its side. Write
// may accept fewer bytes than offered.
type Stream interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	// CloseWrite half-closes the stream, signaling end of data to the peer.
	CloseWrite() error
	Close() error
}

// ResolveAddr turns "host:port" into an address. Literal IPs are parsed
// directly; names go through the system resolver once, at configuration time.
func ResolveAddr(address string) (netip.AddrPort, error) {
	if ap, err := netip.ParseAddrPort(address); err == nil {
		return ap, nil
	}
	tcpAddr, err := net.ResolveTCPAddr("tcp", address)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("failed to resolve address %q: %w", address, err)
	}
	ap := tcpAddr.AddrPort()
	if tcpAddr.IP == nil {
		// ":8080" means every interface
		ap = netip.AddrPortFrom(netip.IPv6Unspecified(), ap.Port())
	}
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
}
