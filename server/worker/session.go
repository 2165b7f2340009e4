package worker

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/tollgate-proxy/tollgate/logger"
	"github.com/tollgate-proxy/tollgate/pkg/metrics"
	"github.com/tollgate-proxy/tollgate/server/buffer"
	"github.com/tollgate-proxy/tollgate/server/listener"
	"github.com/tollgate-proxy/tollgate/server/netfd"
	"github.com/tollgate-proxy/tollgate/server/protocol"
	"github.com/tollgate-proxy/tollgate/server/proxy"
	"github.com/tollgate-proxy/tollgate/server/reactor"
	"github.com/tollgate-proxy/tollgate/server/session"
)

// socket is the client side of a session.
type socket interface {
	netfd.Stream
	Fd() int
}

// clientSession is one accepted connection. It is the protocol.Host of its
// machine and owns the registrations of both of its sockets.
type clientSession struct {
	w        *Worker
	id       session.ID
	key      uint64
	kind     listener.Kind
	listener *listener.Listener
	started  time.Time

	front   socket
	tls     *protocol.TLSStream
	machine protocol.Machine

	upstream *protocol.Upstream
	upConn   *netfd.Conn

	frontIn reactor.Interest
	backIn  reactor.Interest
	closed  bool

	// A parked socket hung up while its side wanted no readiness. It is off
	// the poller until the machine asks for that side again.
	frontParked bool
	backParked  bool
}

// accept takes up to acceptBatch connections from a listener.
func (w *Worker) accept(serial uint32) {
	l, ok := w.listeners.BySerial(serial)
	if !ok || l.State != listener.Active {
		return
	}
	for i := 0; i < w.acceptBatch; i++ {
		conn, err := netfd.Accept(l.Fd)
		if errors.Is(err, netfd.ErrWouldBlock) {
			return
		}
		if err != nil {
			// EMFILE and friends: leave the backlog for the next tick
			logger.Warn("Worker: accept failed", "listener", l.Spec.ID, "error", err)
			return
		}
		if w.stopping != nil {
			metrics.SessionsRejected.WithLabelValues("stopping").Inc()
			conn.Close()
			continue
		}
		if w.sessions.Free() == 0 {
			metrics.SessionsRejected.WithLabelValues("session_table_full").Inc()
			logger.Debug("Worker: session table full, closing connection", "listener", l.Spec.ID, "client", conn.RemoteAddr())
			conn.Close()
			continue
		}
		w.startSession(l, conn)
	}
}

func (w *Worker) startSession(l *listener.Listener, conn *netfd.Conn) {
	var tcpPool string
	if l.Spec.Kind == listener.TCP {
		pool, denied := w.tcpPool(l)
		if denied {
			metrics.SessionsRejected.WithLabelValues("denied").Inc()
			logger.Debug("Worker: connection denied", "listener", l.Spec.ID, "client", conn.RemoteAddr())
			conn.Close()
			return
		}
		tcpPool = pool
	}
	s := &clientSession{
		w:        w,
		kind:     l.Spec.Kind,
		listener: l,
		started:  w.now(),
		front:    conn,
	}
	id, err := w.sessions.Insert(s)
	if err != nil {
		metrics.SessionsRejected.WithLabelValues("session_table_full").Inc()
		conn.Close()
		return
	}
	s.id, s.key = id, id.Key()
	if err := w.poller.Register(conn.Fd(), s.token(reactor.KindFront), reactor.Readable); err != nil {
		logger.Warn("Worker: failed to register client socket", "session", id.String(), "error", err)
		w.sessions.Remove(id)
		conn.Close()
		return
	}
	s.frontIn = reactor.Readable

	client, local := conn.RemoteAddr(), conn.LocalAddr()
	switch l.Spec.Kind {
	case listener.HTTP:
		s.machine = protocol.NewHTTPMachine(s, conn, protocol.HTTPConfig{Proto: "http", Client: client, Local: local})
	case listener.HTTPS:
		key := s.key
		s.tls = protocol.NewTLSStream(conn, tcpAddr(local), tcpAddr(client), l.TLSConfig, func() { w.notifyTLS(key) })
		s.machine = protocol.NewHTTPMachine(s, s.tls, protocol.HTTPConfig{Proto: "https", Client: client, Local: local})
	case listener.TLS:
		s.machine = protocol.NewTLSRelayMachine(s, conn, protocol.TLSRelayConfig{DefaultPool: l.Spec.DefaultPool, Client: client})
	case listener.TCP:
		s.machine = protocol.NewTCPMachine(s, conn, protocol.TCPConfig{
			PoolID:        tcpPool,
			ProxyProtocol: l.Spec.ProxyProtocol,
			Client:        client,
			Local:         local,
		})
	}

	l.Sessions++
	metrics.SessionsAccepted.WithLabelValues(string(s.kind)).Inc()
	metrics.SessionsCurrent.WithLabelValues(string(s.kind)).Inc()
	logger.Debug("Worker: session accepted", "session", id.String(), "listener", l.Spec.ID, "client", client)

	if s.tls != nil {
		s.tls.StartHandshake()
	}
	s.machine.Start()
	s.settle()
}

// tcpPool resolves the pool of a TCP listener: a catch-all routing rule on
// the listener wins over its default pool, and a catch-all deny rule
// refuses every connection.
func (w *Worker) tcpPool(l *listener.Listener) (string, bool) {
	if rule, ok := w.rules.Match(l.Spec.ID, "", "", ""); ok {
		return rule.PoolID, rule.Deny
	}
	return l.Spec.DefaultPool, false
}

func tcpAddr(ap netip.AddrPort) net.Addr { return net.TCPAddrFromAddrPort(ap) }

func (s *clientSession) token(kind reactor.Kind) reactor.Token {
	return reactor.MakeToken(kind, s.id.Slot, s.id.Gen)
}

func (s *clientSession) frontReady(ev reactor.Event) {
	if ev.Error {
		// reset by the client: nothing more can be delivered to it
		s.close("client_reset")
		return
	}
	if ev.Hangup && s.frontIn == reactor.None {
		s.park(s.front.Fd(), &s.frontParked)
		return
	}
	readable := ev.Readable || ev.Hangup
	if s.tls != nil {
		if readable {
			if s.tls.Handshaking() {
				s.tls.Pull()
			} else {
				s.machine.OnReadable(protocol.Front)
			}
		}
		if ev.Writable {
			s.tls.Flush()
			if !s.tls.Handshaking() {
				s.machine.OnWritable(protocol.Front)
			}
		}
		return
	}
	if readable {
		s.machine.OnReadable(protocol.Front)
	}
	if ev.Writable && !s.machine.Done() {
		s.machine.OnWritable(protocol.Front)
	}
}

func (s *clientSession) backReady(ev reactor.Event) {
	if s.upstream == nil {
		return
	}
	if s.upstream.Pending {
		if !ev.Writable && !ev.Hangup && !ev.Error {
			return
		}
		s.upstream.Pending = false
		s.machine.OnBackendReady(s.upConn.ConnectError())
		return
	}
	if (ev.Hangup || ev.Error) && s.backIn == reactor.None {
		// the machine sees the failure once it reads the backend again
		s.park(s.upConn.Fd(), &s.backParked)
		return
	}
	if ev.Readable || ev.Hangup || ev.Error {
		s.machine.OnReadable(protocol.Back)
	}
	if ev.Writable && !s.machine.Done() && s.upstream != nil {
		s.machine.OnWritable(protocol.Back)
	}
}

// tlsProgress runs after the handshake goroutine moved data through the
// bridge: the handshake finished, failed, or produced records to send.
func (s *clientSession) tlsProgress() {
	if s.tls == nil {
		return
	}
	s.tls.Flush()
	if err := s.tls.HandshakeErr(); err != nil {
		logger.Debug("Worker: TLS handshake failed", "session", s.id.String(), "error", err)
		s.close("tls_handshake")
		return
	}
	if !s.tls.Handshaking() {
		s.machine.OnReadable(protocol.Front)
	}
}

// settle tears the session down once its machine is done, and otherwise
// brings both registrations in line with what the machine wants.
func (s *clientSession) settle() {
	if s.closed {
		return
	}
	if s.machine.Done() {
		s.close("")
		return
	}
	front, back := s.machine.Interest()
	if s.tls != nil {
		front = s.tls.RawInterest(front)
	}
	if err := s.rearm(s.front.Fd(), reactor.KindFront, &s.frontIn, &s.frontParked, front); err != nil {
		logger.Warn("Worker: failed to update client interest", "session", s.id.String(), "error", err)
		s.close("poller")
		return
	}
	if s.upConn == nil {
		return
	}
	if s.upstream.Pending {
		back = reactor.Writable
	}
	if err := s.rearm(s.upConn.Fd(), reactor.KindBack, &s.backIn, &s.backParked, back); err != nil {
		logger.Warn("Worker: failed to update backend interest", "session", s.id.String(), "error", err)
		s.close("poller")
	}
}

// park takes a hung up socket off the poller. Level-triggered epoll reports
// a hangup on every wait, even for a registration without interest.
func (s *clientSession) park(fd int, parked *bool) {
	if *parked {
		return
	}
	if err := s.w.poller.Deregister(fd); err != nil {
		logger.Warn("Worker: failed to park socket", "session", s.id.String(), "error", err)
		s.close("poller")
		return
	}
	*parked = true
}

func (s *clientSession) rearm(fd int, kind reactor.Kind, cur *reactor.Interest, parked *bool, want reactor.Interest) error {
	if *parked {
		if want == reactor.None {
			*cur = want
			return nil
		}
		if err := s.w.poller.Register(fd, s.token(kind), want); err != nil {
			return err
		}
		*parked, *cur = false, want
		return nil
	}
	if want == *cur {
		return nil
	}
	if err := s.w.poller.Modify(fd, s.token(kind), want); err != nil {
		return err
	}
	*cur = want
	return nil
}

func (s *clientSession) close(reason string) {
	if s.closed {
		return
	}
	s.closed = true
	if reason != "" {
		logger.Debug("Worker: closing session", "session", s.id.String(), "reason", reason, "state", s.machine.State())
	}
	// the machine releases its buffers and upstream through the host
	s.machine.Close()
	if s.upConn != nil {
		s.CloseUpstream(s.upstream, false)
	}

	if !s.frontParked {
		s.w.poller.Deregister(s.front.Fd())
	}
	if s.tls != nil {
		s.tls.Close()
	}
	s.front.Close()
	s.w.buffers.Cancel(s.key)
	s.w.sessions.Remove(s.id)
	s.listener.Sessions--

	metrics.SessionsCurrent.WithLabelValues(string(s.kind)).Dec()
	metrics.SessionDuration.WithLabelValues(string(s.kind)).Observe(s.w.now().Sub(s.started).Seconds())
}

// protocol.Host

func (s *clientSession) ID() string              { return s.id.String() }
func (s *clientSession) Now() time.Time          { return s.w.now() }
func (s *clientSession) Limits() protocol.Limits { return s.w.limits }

func (s *clientSession) Checkout() (*buffer.Buffer, error) {
	b, err := s.w.buffers.Checkout()
	if errors.Is(err, buffer.ErrExhausted) {
		s.w.buffers.Wait(s.key)
	}
	return b, err
}

func (s *clientSession) Return(b *buffer.Buffer) {
	if err := s.w.buffers.Return(b); err != nil {
		logger.Warn("Worker: buffer return failed", "session", s.id.String(), "error", err)
	}
}

func (s *clientSession) Route(host, path, method string) (string, error) {
	rule, ok := s.w.rules.Match(s.listener.Spec.ID, host, path, method)
	switch {
	case !ok:
		return "", protocol.ErrNoRoute
	case rule.Deny:
		return "", fmt.Errorf("rule %s: %w", rule.ID, protocol.ErrDenied)
	}
	return rule.PoolID, nil
}

func (s *clientSession) StickyCookie(poolID string) string {
	if p, ok := s.w.pools.Pool(poolID); ok {
		return p.StickyCookie
	}
	return ""
}

func (s *clientSession) Connect(poolID string, cc proxy.ClientContext) (*protocol.Upstream, error) {
	if s.upConn != nil {
		return nil, fmt.Errorf("session %s already has an upstream", s.id)
	}
	sel, err := s.w.pools.Select(poolID, cc)
	if err != nil {
		return nil, err
	}
	now := s.w.now()
	conn, pending, err := netfd.Dial(sel.Addr)
	if err != nil {
		metrics.BackendConnectFailures.WithLabelValues(sel.Ref.PoolID, sel.Ref.BackendID).Inc()
		s.w.pools.ReportFailure(sel.Ref, now)
		s.w.pools.Release(sel.Ref)
		return nil, &protocol.ConnectError{BackendID: sel.Ref.BackendID, Err: err}
	}
	in := reactor.Readable
	if pending {
		in = reactor.Writable
	}
	if err := s.w.poller.Register(conn.Fd(), s.token(reactor.KindBack), in); err != nil {
		conn.Close()
		s.w.pools.Release(sel.Ref)
		return nil, &protocol.ConnectError{BackendID: sel.Ref.BackendID, Err: err}
	}
	up := &protocol.Upstream{
		Stream:       conn,
		PoolID:       poolID,
		Ref:          sel.Ref,
		Addr:         sel.Addr,
		StickyID:     sel.StickyID,
		StickyCookie: s.StickyCookie(poolID),
		Pending:      pending,
	}
	s.upstream, s.upConn, s.backIn, s.backParked = up, conn, in, false
	logger.Debug("Worker: connecting to backend", "session", s.id.String(), "backend", sel.Ref.String(), "addr", sel.Addr, "pending", pending)
	return up, nil
}

func (s *clientSession) Usable(u *protocol.Upstream) bool { return s.w.pools.Usable(u.Ref) }

func (s *clientSession) BackendOK(u *protocol.Upstream) { s.w.pools.ReportSuccess(u.Ref, s.w.now()) }

func (s *clientSession) CloseUpstream(u *protocol.Upstream, failed bool) {
	if u == nil || u != s.upstream {
		return
	}
	if !s.backParked {
		s.w.poller.Deregister(s.upConn.Fd())
	}
	s.upConn.Close()
	if failed {
		s.w.pools.ReportFailure(u.Ref, s.w.now())
	}
	s.w.pools.Release(u.Ref)
	s.upstream, s.upConn, s.backIn, s.backParked = nil, nil, reactor.None, false
}

func (s *clientSession) KeepAlive() bool {
	draining := s.listener.State == listener.Draining || s.listener.State == listener.Closed
	return !draining && s.w.stopping == nil
}
