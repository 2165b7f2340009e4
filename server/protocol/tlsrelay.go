package protocol

import (
	"errors"
	"io"
	"net/netip"
	"time"

	"github.com/tollgate-proxy/tollgate/logger"
	"github.com/tollgate-proxy/tollgate/pkg/metrics"
	"github.com/tollgate-proxy/tollgate/server/buffer"
	"github.com/tollgate-proxy/tollgate/server/netfd"
	"github.com/tollgate-proxy/tollgate/server/reactor"
)

// TLSRelayConfig configures a TLS passthrough session.
type TLSRelayConfig struct {
	// DefaultPool serves ClientHellos whose SNI matches no rule.
	DefaultPool string
	Client      netip.AddrPort
}

type tlsRelayState uint8

const (
	tlsHandshaking tlsRelayState = iota
	tlsStreaming
	tlsClosing
)

var tlsRelayStateNames = [...]string{"Handshaking", "Streaming", "Closing"}

// TLSRelayMachine routes a TLS connection on the SNI of its ClientHello
// and then relays it untouched. The backend terminates TLS.
type TLSRelayMachine struct {
	host  Host
	cfg   TLSRelayConfig
	front netfd.Stream
	up    *Upstream

	state      tlsRelayState
	hello      *buffer.Buffer
	serverName string
	poolID     string
	starved    bool
	dial       dialer
	relay      relay
	deadline   time.Time
}

// NewTLSRelayMachine creates a passthrough machine for an accepted
// connection.
func NewTLSRelayMachine(host Host, front netfd.Stream, cfg TLSRelayConfig) *TLSRelayMachine {
	return &TLSRelayMachine{host: host, cfg: cfg, front: front}
}

func (m *TLSRelayMachine) State() string { return tlsRelayStateNames[m.state] }

// ServerName is the SNI the session was routed on.
func (m *TLSRelayMachine) ServerName() string { return m.serverName }

func (m *TLSRelayMachine) Start() {
	m.deadline = later(m.host.Now(), m.host.Limits().RequestTimeout)
	m.readHello()
}

func (m *TLSRelayMachine) readHello() {
	if m.state != tlsHandshaking || m.up != nil || m.starved {
		return
	}
	if m.hello == nil {
		b, err := m.host.Checkout()
		if err != nil {
			if errors.Is(err, buffer.ErrExhausted) {
				m.starved = true
				return
			}
			m.close("buffer checkout failed", err)
			return
		}
		m.hello = b
	}
	for {
		n, err := m.hello.Fill(m.front)
		if errors.Is(err, netfd.ErrWouldBlock) {
			break
		}
		if err != nil {
			m.close("client closed before ClientHello", err)
			return
		}
		if n == 0 {
			break
		}
	}

	hello, err := ParseClientHello(m.hello.Bytes())
	switch {
	case errors.Is(err, ErrHelloIncomplete):
		if m.hello.Full() {
			m.close("ClientHello too large", err)
		}
		return
	case err != nil:
		m.close("bad ClientHello", err)
		return
	}

	m.serverName = hello.ServerName
	poolID, rerr := "", ErrNoRoute
	if hello.ServerName != "" {
		poolID, rerr = m.host.Route(hello.ServerName, "", "")
	}
	if errors.Is(rerr, ErrDenied) {
		m.close("server name denied", rerr)
		return
	}
	if rerr != nil {
		if m.cfg.DefaultPool == "" {
			m.close("no route for server name", ErrNoRoute)
			return
		}
		poolID = m.cfg.DefaultPool
	}
	m.poolID = poolID
	m.connect()
}

func (m *TLSRelayMachine) connect() {
	up, err := m.dial.next(m.host, m.poolID, clientContext(m.cfg.Client))
	if err != nil {
		m.close("no backend", err)
		return
	}
	m.up = up
	if up.Pending {
		m.deadline = later(m.host.Now(), m.host.Limits().ConnectTimeout)
		return
	}
	m.connected()
}

func (m *TLSRelayMachine) connected() {
	m.host.BackendOK(m.up)
	m.state = tlsStreaming
	seed(&m.relay.up, m.hello)
	m.hello = nil
	logger.Debug("TLS: Relaying", "session", m.host.ID(), "server_name", m.serverName, "pool", m.poolID, "backend", m.up.Ref.String())
	m.touch()
	m.pump()
}

func (m *TLSRelayMachine) touch() {
	m.deadline = later(m.host.Now(), m.host.Limits().FrontTimeout)
}

func (m *TLSRelayMachine) close(reason string, err error) {
	if err != nil && !netfd.IsConnectionError(err) && !errors.Is(err, io.EOF) {
		logger.Debug("TLS: Closing session", "session", m.host.ID(), "reason", reason, "error", err)
	}
	m.state = tlsClosing
}

func (m *TLSRelayMachine) OnBackendReady(err error) {
	if m.state != tlsHandshaking || m.up == nil {
		return
	}
	if err != nil {
		metrics.BackendConnectFailures.WithLabelValues(m.up.PoolID, m.up.Ref.BackendID).Inc()
		m.dial.failed(m.up)
		m.host.CloseUpstream(m.up, true)
		m.up = nil
		m.connect()
		return
	}
	m.connected()
}

func (m *TLSRelayMachine) OnReadable(Side) { m.progress() }
func (m *TLSRelayMachine) OnWritable(Side) { m.progress() }

func (m *TLSRelayMachine) Resume() {
	m.starved = false
	m.relay.starved = false
	m.progress()
}

func (m *TLSRelayMachine) progress() {
	switch m.state {
	case tlsHandshaking:
		m.readHello()
	case tlsStreaming:
		m.pump()
	}
}

func (m *TLSRelayMachine) pump() {
	progress, err := m.relay.pump(m.host, m.front, m.up.Stream)
	if progress {
		m.touch()
	}
	if err != nil {
		m.close("relay error", err)
		return
	}
	if m.relay.finished() {
		m.state = tlsClosing
	}
}

func (m *TLSRelayMachine) OnTimeout(now time.Time) {
	if m.deadline.IsZero() || now.Before(m.deadline) {
		return
	}
	switch {
	case m.state == tlsHandshaking && m.up != nil:
		metrics.SessionTimeouts.WithLabelValues("connect").Inc()
		m.dial.failed(m.up)
		m.host.CloseUpstream(m.up, true)
		m.up = nil
		m.connect()
	case m.state == tlsHandshaking:
		metrics.SessionTimeouts.WithLabelValues("handshake").Inc()
		m.state = tlsClosing
	case m.state == tlsStreaming:
		metrics.SessionTimeouts.WithLabelValues("idle").Inc()
		m.state = tlsClosing
	}
}

func (m *TLSRelayMachine) Interest() (front, back reactor.Interest) {
	switch m.state {
	case tlsHandshaking:
		if m.up != nil {
			return reactor.None, reactor.Writable
		}
		if m.starved {
			return reactor.None, reactor.None
		}
		return reactor.Readable, reactor.None
	case tlsStreaming:
		return m.relay.interest()
	}
	return reactor.None, reactor.None
}

func (m *TLSRelayMachine) Deadline() time.Time { return m.deadline }

func (m *TLSRelayMachine) Done() bool { return m.state == tlsClosing }

func (m *TLSRelayMachine) Close() {
	if m.hello != nil {
		m.host.Return(m.hello)
		m.hello = nil
	}
	m.relay.release(m.host)
	if m.up != nil {
		m.host.CloseUpstream(m.up, false)
		m.up = nil
	}
}
