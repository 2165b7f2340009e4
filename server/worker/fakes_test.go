package worker

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tollgate-proxy/tollgate/config"
	"github.com/tollgate-proxy/tollgate/server/command"
	"github.com/tollgate-proxy/tollgate/server/listener"
	"github.com/tollgate-proxy/tollgate/server/protocol"
	"github.com/tollgate-proxy/tollgate/server/reactor"
)

type registration struct {
	tok reactor.Token
	in  reactor.Interest
}

// fakePoller records registrations and never reports readiness.
type fakePoller struct {
	regs map[int]registration
}

func newFakePoller() *fakePoller { return &fakePoller{regs: map[int]registration{}} }

func (p *fakePoller) Register(fd int, tok reactor.Token, in reactor.Interest) error {
	if _, ok := p.regs[fd]; ok {
		return errors.New("file exists")
	}
	p.regs[fd] = registration{tok, in}
	return nil
}

func (p *fakePoller) Modify(fd int, tok reactor.Token, in reactor.Interest) error {
	if _, ok := p.regs[fd]; !ok {
		return errors.New("no such file or directory")
	}
	p.regs[fd] = registration{tok, in}
	return nil
}

func (p *fakePoller) Deregister(fd int) error {
	delete(p.regs, fd)
	return nil
}

func (p *fakePoller) Poll(events []reactor.Event, timeout time.Duration) (int, error) {
	return 0, nil
}

func (p *fakePoller) Close() error { return nil }

func (p *fakePoller) kinds(kind reactor.Kind) int {
	n := 0
	for _, r := range p.regs {
		if r.tok.Kind() == kind {
			n++
		}
	}
	return n
}

type fakeWaker struct{}

func (fakeWaker) Fd() int      { return 3 }
func (fakeWaker) Wake()        {}
func (fakeWaker) Drain()       {}
func (fakeWaker) Close() error { return nil }

// fakeSockets hands out descriptor numbers without touching the kernel.
type fakeSockets struct {
	next    int
	open    map[int]netip.AddrPort
	listens int
}

func newFakeSockets() *fakeSockets {
	return &fakeSockets{next: 100, open: map[int]netip.AddrPort{}}
}

func (f *fakeSockets) Listen(addr netip.AddrPort, backlog int) (int, netip.AddrPort, error) {
	f.listens++
	f.next++
	if addr.Port() == 0 {
		addr = netip.AddrPortFrom(addr.Addr(), uint16(40000+f.next))
	}
	f.open[f.next] = addr
	return f.next, addr, nil
}

func (f *fakeSockets) Prepare(fd int) (netip.AddrPort, error) {
	return netip.AddrPort{}, errors.New("socket is not listening")
}

func (f *fakeSockets) Dup(fd int) (int, error) {
	addr, ok := f.open[fd]
	if !ok {
		return -1, errors.New("bad file descriptor")
	}
	f.next++
	f.open[f.next] = addr
	return f.next, nil
}

func (f *fakeSockets) Close(fd int) error {
	if _, ok := f.open[fd]; !ok {
		return errors.New("bad file descriptor")
	}
	delete(f.open, fd)
	return nil
}

type clock struct{ t time.Time }

func (c *clock) Now() time.Time          { return c.t }
func (c *clock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type testWorker struct {
	*Worker
	poller  *fakePoller
	sockets *fakeSockets
	clock   *clock
}

func newTestWorker(t *testing.T) *testWorker {
	t.Helper()
	cfg := config.NewDefaultConfig().Worker
	cfg.MaxSessions = 8
	tw := &testWorker{
		poller:  newFakePoller(),
		sockets: newFakeSockets(),
		clock:   &clock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
	}
	w, err := New(Options{Config: cfg, poller: tw.poller, waker: fakeWaker{}, sockets: tw.sockets, now: tw.clock.Now})
	require.NoError(t, err)
	tw.Worker = w
	return tw
}

// order decodes and applies a request the way a control channel would.
func (tw *testWorker) order(t *testing.T, typ command.Type, payload any) command.Response {
	t.Helper()
	req, err := command.NewRequest(string(typ)+"-"+t.Name(), typ, payload)
	require.NoError(t, err)
	o, err := command.Decode(req)
	require.NoError(t, err)
	resp, _ := tw.apply(o, nil)
	return resp
}

func (tw *testWorker) mustOrder(t *testing.T, typ command.Type, payload any) command.Response {
	t.Helper()
	resp := tw.order(t, typ, payload)
	require.Equal(t, command.StatusOK, resp.Status, resp.Message)
	return resp
}

// selfSigned returns a PEM certificate and key for names.
func selfSigned(t *testing.T, names ...string) (string, string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: names[0]},
		DNSNames:     names,
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return string(certPEM), string(keyPEM)
}

// stubMachine finishes only when it times out.
type stubMachine struct {
	closed   bool
	timedOut bool
	deadline time.Time
	front    reactor.Interest
	reads    int
}

func (m *stubMachine) Start()                   {}
func (m *stubMachine) OnReadable(protocol.Side) { m.reads++ }
func (m *stubMachine) OnWritable(protocol.Side) {}
func (m *stubMachine) OnBackendReady(err error) {}
func (m *stubMachine) OnTimeout(now time.Time)  { m.timedOut = true }
func (m *stubMachine) Resume()                  {}
func (m *stubMachine) Deadline() time.Time      { return m.deadline }
func (m *stubMachine) Done() bool               { return m.timedOut }
func (m *stubMachine) Close()                   { m.closed = true }
func (m *stubMachine) State() string            { return "Stub" }

func (m *stubMachine) Interest() (front, back reactor.Interest) { return m.front, reactor.None }

type stubSocket struct {
	fd     int
	closed bool
}

func (s *stubSocket) Read(p []byte) (int, error)  { return 0, errors.New("not readable") }
func (s *stubSocket) Write(p []byte) (int, error) { return len(p), nil }
func (s *stubSocket) CloseWrite() error           { return nil }
func (s *stubSocket) Fd() int                     { return s.fd }

func (s *stubSocket) Close() error {
	s.closed = true
	return nil
}

// fakeSession installs a session the way accept does, without a socket.
func (tw *testWorker) fakeSession(t *testing.T) (*clientSession, *stubMachine, *stubSocket) {
	t.Helper()
	l := &listener.Listener{Spec: listener.Spec{ID: "fake", Kind: listener.TCP}, State: listener.Active}
	m := &stubMachine{front: reactor.Readable}
	front := &stubSocket{fd: 500 + tw.sessions.Len()}
	s := &clientSession{w: tw.Worker, kind: listener.TCP, listener: l, started: tw.clock.Now(), front: front, machine: m}
	id, err := tw.sessions.Insert(s)
	require.NoError(t, err)
	s.id, s.key = id, id.Key()
	require.NoError(t, tw.poller.Register(front.fd, s.token(reactor.KindFront), reactor.Readable))
	s.frontIn = reactor.Readable
	l.Sessions++
	return s, m, front
}
