package protocol

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/tollgate-proxy/tollgate/server/netfd"
	"github.com/tollgate-proxy/tollgate/server/reactor"
)

const (
	// maxHandshakeInput bounds ciphertext queued for the handshake goroutine.
	maxHandshakeInput = 64 << 10
	// maxPendingOutput bounds ciphertext waiting for the raw socket.
	maxPendingOutput = 64 << 10
	// maxPlaintextWrite is the most plaintext encrypted per Write call.
	maxPlaintextWrite = 16 << 10
)

// errBridgeWouldBlock tells crypto/tls that no ciphertext is available
// yet. It is temporary, so the tls.Conn does not latch it.
var errBridgeWouldBlock net.Error = bridgeWouldBlock{}

type bridgeWouldBlock struct{}

func (bridgeWouldBlock) Error() string   { return "tls bridge: would block" }
func (bridgeWouldBlock) Timeout() bool   { return true }
func (bridgeWouldBlock) Temporary() bool { return true }

// bridge is the net.Conn under a tls.Conn. While the handshake runs on its
// own goroutine, reads block until the reactor feeds ciphertext in. Once
// the handshake is over, reads go straight to the raw socket and report
// errBridgeWouldBlock instead of blocking. Writes never fail: ciphertext is
// queued and flushed by the reactor.
type bridge struct {
	mu     sync.Mutex
	cond   *sync.Cond
	raw    netfd.Stream
	local  net.Addr
	remote net.Addr

	in     []byte
	out    []byte
	direct bool
	closed bool
	rawEOF bool
	rawErr error

	// kick asks the reactor to flush out; called without mu held
	kick func()
}

func (b *bridge) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		switch {
		case len(b.in) > 0:
			n := copy(p, b.in)
			b.in = b.in[n:]
			return n, nil
		case b.closed:
			return 0, net.ErrClosed
		case b.rawErr != nil:
			return 0, b.rawErr
		case b.rawEOF:
			return 0, io.EOF
		case b.direct:
			n, err := b.raw.Read(p)
			if errors.Is(err, netfd.ErrWouldBlock) {
				return 0, errBridgeWouldBlock
			}
			return n, err
		}
		b.cond.Wait()
	}
}

func (b *bridge) Write(p []byte) (int, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0, net.ErrClosed
	}
	b.out = append(b.out, p...)
	direct := b.direct
	if direct {
		b.flushLocked()
	}
	b.mu.Unlock()
	if !direct && b.kick != nil {
		b.kick()
	}
	return len(p), nil
}

func (b *bridge) flushLocked() error {
	for len(b.out) > 0 {
		n, err := b.raw.Write(b.out)
		if n > 0 {
			b.out = b.out[n:]
		}
		if err != nil {
			if errors.Is(err, netfd.ErrWouldBlock) {
				return nil
			}
			return err
		}
		if n == 0 {
			return nil
		}
	}
	b.out = nil
	return nil
}

func (b *bridge) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.cond.Broadcast()
	return nil
}

func (b *bridge) LocalAddr() net.Addr                { return b.local }
func (b *bridge) RemoteAddr() net.Addr               { return b.remote }
func (b *bridge) SetDeadline(t time.Time) error      { return nil }
func (b *bridge) SetReadDeadline(t time.Time) error  { return nil }
func (b *bridge) SetWriteDeadline(t time.Time) error { return nil }

// TLSStream terminates TLS on a raw non-blocking client connection and
// exposes the plaintext as a netfd.Stream.
//
// crypto/tls cannot resume a handshake after a would-block, so the
// handshake runs on a goroutine over a bridge that the reactor feeds with
// Pull and drains with Flush. When it finishes, notify is called (from the
// goroutine) so the reactor can pick the session up again. From then on
// only the reactor goroutine touches the stream.
type TLSStream struct {
	raw  netfd.Stream
	b    *bridge
	conn *tls.Conn

	notify func()

	hsMu    sync.Mutex
	hsDone  bool
	hsErr   error
	started bool

	shutdown bool
}

// NewTLSStream wraps raw. notify must be safe to call from any goroutine.
func NewTLSStream(raw netfd.Stream, local, remote net.Addr, cfg *tls.Config, notify func()) *TLSStream {
	b := &bridge{raw: raw, local: local, remote: remote, kick: notify}
	b.cond = sync.NewCond(&b.mu)
	return &TLSStream{
		raw:    raw,
		b:      b,
		conn:   tls.Server(b, cfg),
		notify: notify,
	}
}

// StartHandshake runs the handshake in the background.
func (s *TLSStream) StartHandshake() {
	s.hsMu.Lock()
	if s.started {
		s.hsMu.Unlock()
		return
	}
	s.started = true
	s.hsMu.Unlock()

	go func() {
		err := s.conn.Handshake()
		s.b.mu.Lock()
		s.b.direct = true
		s.b.mu.Unlock()

		s.hsMu.Lock()
		s.hsDone = true
		s.hsErr = err
		s.hsMu.Unlock()
		if s.notify != nil {
			s.notify()
		}
	}()
}

// Handshaking reports whether the handshake is still running.
func (s *TLSStream) Handshaking() bool {
	s.hsMu.Lock()
	defer s.hsMu.Unlock()
	return !s.hsDone
}

// HandshakeErr returns the handshake outcome once it is over.
func (s *TLSStream) HandshakeErr() error {
	s.hsMu.Lock()
	defer s.hsMu.Unlock()
	return s.hsErr
}

// ConnectionState returns the negotiated parameters.
func (s *TLSStream) ConnectionState() tls.ConnectionState {
	return s.conn.ConnectionState()
}

// Pull moves ciphertext from the raw socket to the handshake goroutine.
func (s *TLSStream) Pull() error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if s.b.direct || s.b.closed || s.b.rawEOF || s.b.rawErr != nil {
		return nil
	}
	for len(s.b.in) < maxHandshakeInput {
		var chunk [4096]byte
		n, err := s.raw.Read(chunk[:])
		if n > 0 {
			s.b.in = append(s.b.in, chunk[:n]...)
		}
		if err != nil {
			if errors.Is(err, netfd.ErrWouldBlock) {
				break
			}
			if errors.Is(err, io.EOF) {
				s.b.rawEOF = true
			} else {
				s.b.rawErr = err
			}
			s.b.cond.Broadcast()
			return err
		}
	}
	s.b.cond.Broadcast()
	return nil
}

// Flush writes queued ciphertext to the raw socket.
func (s *TLSStream) Flush() error {
	s.b.mu.Lock()
	err := s.b.flushLocked()
	empty := len(s.b.out) == 0
	s.b.mu.Unlock()
	if err == nil && empty && s.shutdown {
		s.shutdown = false
		return s.raw.CloseWrite()
	}
	return err
}

// WantsWrite reports whether ciphertext waits for the raw socket.
func (s *TLSStream) WantsWrite() bool {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	return len(s.b.out) > 0
}

// RawInterest is the interest to arm on the raw socket given the interest
// of the machine running on top.
func (s *TLSStream) RawInterest(plain reactor.Interest) reactor.Interest {
	var in reactor.Interest
	if s.Handshaking() {
		s.b.mu.Lock()
		if len(s.b.in) < maxHandshakeInput && !s.b.rawEOF {
			in |= reactor.Readable
		}
		s.b.mu.Unlock()
	} else {
		in = plain
	}
	if s.WantsWrite() {
		in |= reactor.Writable
	}
	return in
}

func (s *TLSStream) Read(p []byte) (int, error) {
	if s.Handshaking() {
		return 0, netfd.ErrWouldBlock
	}
	if err := s.HandshakeErr(); err != nil {
		return 0, err
	}
	n, err := s.conn.Read(p)
	if errors.Is(err, errBridgeWouldBlock) {
		if n > 0 {
			return n, nil
		}
		return 0, netfd.ErrWouldBlock
	}
	return n, err
}

func (s *TLSStream) Write(p []byte) (int, error) {
	if s.Handshaking() {
		return 0, netfd.ErrWouldBlock
	}
	if err := s.HandshakeErr(); err != nil {
		return 0, err
	}
	s.b.mu.Lock()
	pending := len(s.b.out)
	s.b.mu.Unlock()
	if pending >= maxPendingOutput {
		if err := s.Flush(); err != nil {
			return 0, err
		}
		if s.WantsWrite() {
			return 0, netfd.ErrWouldBlock
		}
	}
	if len(p) > maxPlaintextWrite {
		p = p[:maxPlaintextWrite]
	}
	return s.conn.Write(p)
}

// CloseWrite sends close_notify and shuts the raw socket once it is out.
func (s *TLSStream) CloseWrite() error {
	if s.Handshaking() || s.HandshakeErr() != nil {
		return s.raw.CloseWrite()
	}
	if err := s.conn.CloseWrite(); err != nil {
		return err
	}
	s.shutdown = true
	return s.Flush()
}

// Close stops the handshake goroutine if it still runs. The raw socket is
// closed by its owner.
func (s *TLSStream) Close() error {
	return s.b.Close()
}
