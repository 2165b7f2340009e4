package protocol

import (
	"errors"
	"net/netip"
	"time"

	"github.com/tollgate-proxy/tollgate/logger"
	"github.com/tollgate-proxy/tollgate/pkg/metrics"
	"github.com/tollgate-proxy/tollgate/server/netfd"
	"github.com/tollgate-proxy/tollgate/server/reactor"
)

// TCPConfig configures a TCP passthrough session.
type TCPConfig struct {
	PoolID string
	// ProxyProtocol sends a PROXY v2 header to the backend first.
	ProxyProtocol bool
	Client        netip.AddrPort
	Local         netip.AddrPort
}

type tcpState uint8

const (
	tcpConnecting tcpState = iota
	tcpStreaming
	tcpClosing
)

var tcpStateNames = [...]string{"Connecting", "Streaming", "Closing"}

// TCPMachine relays a client connection to a backend without looking at
// the payload.
type TCPMachine struct {
	host  Host
	cfg   TCPConfig
	front netfd.Stream
	up    *Upstream

	state    tcpState
	dial     dialer
	relay    relay
	header   []byte
	deadline time.Time
}

// NewTCPMachine creates a passthrough machine for an accepted connection.
func NewTCPMachine(host Host, front netfd.Stream, cfg TCPConfig) *TCPMachine {
	return &TCPMachine{host: host, cfg: cfg, front: front}
}

func (m *TCPMachine) State() string { return tcpStateNames[m.state] }

func (m *TCPMachine) Start() { m.connect() }

func (m *TCPMachine) connect() {
	up, err := m.dial.next(m.host, m.cfg.PoolID, clientContext(m.cfg.Client))
	if err != nil {
		logger.Debug("TCP: No backend for session", "session", m.host.ID(), "pool", m.cfg.PoolID, "error", err)
		m.state = tcpClosing
		return
	}
	m.up = up
	if up.Pending {
		m.state = tcpConnecting
		m.deadline = later(m.host.Now(), m.host.Limits().ConnectTimeout)
		return
	}
	m.connected()
}

func (m *TCPMachine) connected() {
	m.host.BackendOK(m.up)
	m.state = tcpStreaming
	if m.cfg.ProxyProtocol {
		m.header = ProxyV2Header(m.cfg.Client, m.cfg.Local, map[byte][]byte{
			TLVTypeUniqueID: []byte(m.host.ID()),
		})
	}
	m.touch()
	m.pump()
}

func (m *TCPMachine) touch() {
	m.deadline = later(m.host.Now(), m.host.Limits().FrontTimeout)
}

func (m *TCPMachine) OnBackendReady(err error) {
	if m.state != tcpConnecting || m.up == nil {
		return
	}
	if err != nil {
		logger.Debug("TCP: Backend connect failed", "session", m.host.ID(), "backend", m.up.Ref.String(), "error", err)
		metrics.BackendConnectFailures.WithLabelValues(m.up.PoolID, m.up.Ref.BackendID).Inc()
		m.dial.failed(m.up)
		m.host.CloseUpstream(m.up, true)
		m.up = nil
		m.connect()
		return
	}
	m.connected()
}

func (m *TCPMachine) OnReadable(Side) { m.pump() }
func (m *TCPMachine) OnWritable(Side) { m.pump() }

func (m *TCPMachine) Resume() {
	m.relay.starved = false
	m.pump()
}

func (m *TCPMachine) pump() {
	if m.state != tcpStreaming {
		return
	}
	if len(m.header) > 0 {
		n, err := m.up.Stream.Write(m.header)
		m.header = m.header[n:]
		if err != nil && !errors.Is(err, netfd.ErrWouldBlock) {
			m.fail(err)
			return
		}
		if len(m.header) > 0 {
			return
		}
	}
	progress, err := m.relay.pump(m.host, m.front, m.up.Stream)
	if progress {
		m.touch()
	}
	if err != nil {
		m.fail(err)
		return
	}
	if m.relay.finished() {
		m.state = tcpClosing
	}
}

func (m *TCPMachine) fail(err error) {
	if netfd.IsConnectionError(err) {
		logger.Debug("TCP: Session ended", "session", m.host.ID(), "error", err)
	} else {
		logger.Warn("TCP: Session failed", "session", m.host.ID(), "error", err)
	}
	m.state = tcpClosing
}

func (m *TCPMachine) OnTimeout(now time.Time) {
	if m.deadline.IsZero() || now.Before(m.deadline) {
		return
	}
	switch m.state {
	case tcpConnecting:
		metrics.SessionTimeouts.WithLabelValues("connect").Inc()
		if m.up != nil {
			m.dial.failed(m.up)
			m.host.CloseUpstream(m.up, true)
			m.up = nil
		}
		m.connect()
	case tcpStreaming:
		metrics.SessionTimeouts.WithLabelValues("idle").Inc()
		m.state = tcpClosing
	}
}

func (m *TCPMachine) Interest() (front, back reactor.Interest) {
	switch m.state {
	case tcpConnecting:
		return reactor.None, reactor.Writable
	case tcpStreaming:
		if len(m.header) > 0 {
			return reactor.None, reactor.Writable
		}
		return m.relay.interest()
	}
	return reactor.None, reactor.None
}

func (m *TCPMachine) Deadline() time.Time { return m.deadline }

func (m *TCPMachine) Done() bool { return m.state == tcpClosing }

func (m *TCPMachine) Close() {
	m.relay.release(m.host)
	if m.up != nil {
		m.host.CloseUpstream(m.up, false)
		m.up = nil
	}
}
