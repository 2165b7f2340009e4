package protocol

import (
	"errors"
	"io"
	"net/netip"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/tollgate-proxy/tollgate/logger"
	"github.com/tollgate-proxy/tollgate/pkg/metrics"
	"github.com/tollgate-proxy/tollgate/server/buffer"
	"github.com/tollgate-proxy/tollgate/server/netfd"
	"github.com/tollgate-proxy/tollgate/server/protocol/http1"
	"github.com/tollgate-proxy/tollgate/server/reactor"
	"github.com/tollgate-proxy/tollgate/server/routing"
)

// HTTPState is the phase of an HTTP session.
type HTTPState uint8

const (
	AwaitingRequestLine HTTPState = iota
	ParsingHeaders
	AwaitingBackend
	ForwardingBody
	RelayingResponse
	// KeepAlive is passed through between two exchanges.
	KeepAlive
	// Tunnel relays opaque bytes after 101 Switching Protocols.
	Tunnel
	Closing
)

var httpStateNames = [...]string{
	"AwaitingRequestLine", "ParsingHeaders", "AwaitingBackend", "ForwardingBody",
	"RelayingResponse", "KeepAlive", "Tunnel", "Closing",
}

func (s HTTPState) String() string { return httpStateNames[s] }

const (
	// lingerTimeout and lingerLimit bound how long and how much client
	// input is drained after a synthesized answer.
	lingerTimeout = 2 * time.Second
	lingerLimit   = 256 << 10
)

// HTTPConfig configures an HTTP session.
type HTTPConfig struct {
	// Proto is "http", or "https" when TLS was terminated.
	Proto  string
	Client netip.AddrPort
	Local  netip.AddrPort
}

// HTTPMachine proxies HTTP/1.1 exchanges from one client connection,
// reusing the backend connection across keep-alive requests to the same
// pool.
type HTTPMachine struct {
	host  Host
	cfg   HTTPConfig
	front netfd.Stream
	up    *Upstream

	state    HTTPState
	finished bool
	deadline time.Time

	frontIn, backIn *buffer.Buffer
	starved         bool
	frontReady      bool
	frontEOF        bool
	backEOF         bool

	// request of the current exchange
	scan      int
	req       *http1.Request
	requestID string
	poolID    string
	toBack    []byte
	reqBody   http1.BodyScanner
	reqAvail  int // scanned request body bytes at the head of frontIn

	// response of the current exchange
	respScan    int
	resp        *http1.Response
	respBody    http1.BodyScanner
	respAvail   int // scanned response body bytes at the head of backIn
	toFront     []byte
	responded   bool
	clientKeep  bool
	backendKeep bool

	reused   bool
	replayed bool
	dial     dialer
	tunnel   relay

	// set once a synthesized answer went out while the client may still be
	// sending; input is read and dropped until EOF or the linger bound
	lingering bool
	discarded int

	exchanges int
}

// NewHTTPMachine creates an HTTP machine for an accepted (and, for HTTPS,
// TLS-wrapped) client stream.
func NewHTTPMachine(host Host, front netfd.Stream, cfg HTTPConfig) *HTTPMachine {
	return &HTTPMachine{host: host, cfg: cfg, front: front}
}

func (m *HTTPMachine) State() string { return m.state.String() }

// Phase returns the current state.
func (m *HTTPMachine) Phase() HTTPState { return m.state }

// Exchanges is the number of completed request/response exchanges.
func (m *HTTPMachine) Exchanges() int { return m.exchanges }

func (m *HTTPMachine) Start() {
	m.deadline = later(m.host.Now(), m.host.Limits().RequestTimeout)
	m.run()
}

func (m *HTTPMachine) OnReadable(side Side) {
	if side == Front {
		m.frontReady = true
	} else if m.idle() {
		m.checkIdleUpstream()
	}
	m.run()
}

func (m *HTTPMachine) OnWritable(Side) { m.run() }

func (m *HTTPMachine) Resume() {
	m.starved = false
	m.tunnel.starved = false
	m.run()
}

func (m *HTTPMachine) OnBackendReady(err error) {
	if m.state != AwaitingBackend || m.up == nil {
		return
	}
	if err != nil {
		logger.Debug("HTTP: Backend connect failed", "session", m.host.ID(), "backend", m.up.Ref.String(), "error", err)
		metrics.BackendConnectFailures.WithLabelValues(m.up.PoolID, m.up.Ref.BackendID).Inc()
		m.dial.failed(m.up)
		m.dropUpstream(true)
		m.connect()
	} else {
		m.backendConnected()
	}
	m.run()
}

func (m *HTTPMachine) OnTimeout(now time.Time) {
	if m.finished || m.deadline.IsZero() || now.Before(m.deadline) {
		return
	}
	switch m.state {
	case AwaitingRequestLine:
		metrics.SessionTimeouts.WithLabelValues("idle").Inc()
		m.finish()
	case ParsingHeaders:
		metrics.SessionTimeouts.WithLabelValues("request").Inc()
		m.answer(408)
	case AwaitingBackend:
		metrics.SessionTimeouts.WithLabelValues("connect").Inc()
		if m.up != nil {
			m.dial.failed(m.up)
			m.dropUpstream(true)
		}
		m.connect()
	case ForwardingBody, RelayingResponse:
		if m.req != nil && !m.reqBody.Done() {
			metrics.SessionTimeouts.WithLabelValues("request").Inc()
			m.dropUpstream(false)
			m.answer(408)
		} else {
			metrics.SessionTimeouts.WithLabelValues("backend").Inc()
			m.dropUpstream(true)
			m.answer(504)
		}
	default:
		metrics.SessionTimeouts.WithLabelValues("idle").Inc()
		m.finish()
	}
	m.run()
}

func (m *HTTPMachine) Deadline() time.Time { return m.deadline }

func (m *HTTPMachine) Done() bool { return m.finished }

func (m *HTTPMachine) Close() {
	m.returnBuffer(&m.frontIn)
	m.returnBuffer(&m.backIn)
	m.tunnel.release(m.host)
	if m.up != nil {
		m.host.CloseUpstream(m.up, false)
		m.up = nil
	}
	m.finished = true
}

func (m *HTTPMachine) Interest() (front, back reactor.Interest) {
	switch m.state {
	case Tunnel:
		if len(m.toFront) > 0 {
			return reactor.Writable, reactor.None
		}
		return m.tunnel.interest()
	case Closing:
		if len(m.toFront) > 0 {
			front = reactor.Writable
		}
		if m.lingering {
			front = reactor.Readable
		}
		return front, reactor.None
	}

	if m.wantFrontRead() {
		front |= reactor.Readable
	}
	if len(m.toFront) > 0 || m.respAvail > 0 {
		front |= reactor.Writable
	}
	if m.up != nil {
		if m.up.Pending {
			return front, reactor.Writable
		}
		if m.idle() || m.wantBackRead() {
			back |= reactor.Readable
		}
		if m.forwarding() && (len(m.toBack) > 0 || m.reqAvail > 0) {
			back |= reactor.Writable
		}
	}
	return front, back
}

func (m *HTTPMachine) idle() bool {
	return m.state == AwaitingRequestLine || m.state == ParsingHeaders
}

func (m *HTTPMachine) forwarding() bool {
	return m.state == ForwardingBody || m.state == RelayingResponse
}

func (m *HTTPMachine) wantFrontRead() bool {
	if m.frontEOF || m.starved || (m.frontIn != nil && m.frontIn.Full()) {
		return false
	}
	switch m.state {
	case AwaitingRequestLine, ParsingHeaders:
		return true
	case AwaitingBackend, ForwardingBody, RelayingResponse:
		return m.req != nil && !m.reqBody.Done()
	}
	return false
}

func (m *HTTPMachine) wantBackRead() bool {
	if !m.forwarding() || m.up == nil || m.up.Pending || m.backEOF || m.starved {
		return false
	}
	if m.backIn != nil && m.backIn.Full() {
		return false
	}
	return m.resp == nil || !m.respComplete()
}

func (m *HTTPMachine) respComplete() bool {
	return m.respBody.Done() || (m.respBody.Kind() == http1.BodyUntilClose && m.backEOF)
}

// run makes all the progress currently possible on both sides.
func (m *HTTPMachine) run() {
	progressed := false
	for !m.finished {
		var p bool
		if m.state == Tunnel {
			p = m.pumpTunnel()
		} else if m.lingering {
			p = m.discardFront()
		} else {
			p = m.readFront()
			p = m.processFront() || p
			p = m.writeBack() || p
			p = m.readBack() || p
			p = m.processBack() || p
			p = m.writeFront() || p
		}
		if !p {
			break
		}
		progressed = true
	}
	if progressed && !m.finished {
		m.refreshDeadline()
	}
}

func (m *HTTPMachine) refreshDeadline() {
	if m.lingering {
		return
	}
	now, limits := m.host.Now(), m.host.Limits()
	switch m.state {
	case ForwardingBody, RelayingResponse:
		m.deadline = later(now, limits.BackTimeout)
	case Tunnel, Closing:
		m.deadline = later(now, limits.FrontTimeout)
	}
}

func (m *HTTPMachine) checkout(b **buffer.Buffer) bool {
	if *b != nil {
		return true
	}
	nb, err := m.host.Checkout()
	if err != nil {
		if errors.Is(err, buffer.ErrExhausted) {
			m.starved = true
		} else {
			m.abort("buffer checkout failed", err)
		}
		return false
	}
	*b = nb
	return true
}

func (m *HTTPMachine) returnBuffer(b **buffer.Buffer) {
	if *b != nil {
		m.host.Return(*b)
		*b = nil
	}
}

func (m *HTTPMachine) readFront() bool {
	// an idle session only takes a buffer once the client sends something
	if !m.wantFrontRead() || (m.frontIn == nil && !m.frontReady) || !m.checkout(&m.frontIn) {
		return false
	}
	n, err := m.frontIn.Fill(m.front)
	switch {
	case n > 0:
		return true
	case errors.Is(err, io.EOF):
		m.frontEOF = true
		return true
	case errors.Is(err, netfd.ErrWouldBlock):
		m.frontReady = false
		if m.state == AwaitingRequestLine && m.frontIn.Empty() {
			m.returnBuffer(&m.frontIn)
		}
		return false
	case err == nil:
		return false
	}
	m.abort("client read failed", err)
	return true
}

func (m *HTTPMachine) processFront() bool {
	switch m.state {
	case AwaitingRequestLine:
		if m.frontIn == nil || m.frontIn.Empty() {
			if m.frontEOF {
				m.finish()
				return true
			}
			return false
		}
		if k := http1.SkipEmptyLines(m.frontIn.Bytes()); k > 0 {
			m.frontIn.Consume(k)
			return true
		}
		m.state = ParsingHeaders
		m.scan = 0
		m.deadline = later(m.host.Now(), m.host.Limits().RequestTimeout)
		return true
	case ParsingHeaders:
		return m.parseRequest()
	case AwaitingBackend, ForwardingBody, RelayingResponse:
		return m.scanRequestBody()
	}
	return false
}

func (m *HTTPMachine) parseRequest() bool {
	p := m.frontIn.Bytes()
	end, next := http1.HeadEnd(p, m.scan)
	if end < 0 {
		m.scan = next
		switch {
		case m.frontIn.Full():
			m.answer(431)
			return true
		case m.frontEOF:
			m.abort("client closed inside request head", nil)
			return true
		}
		return false
	}

	req, err := http1.ParseRequest(p[:end])
	if err != nil {
		status := 400
		var he *http1.HeadError
		if errors.As(err, &he) {
			status = he.Status
		}
		logger.Debug("HTTP: Rejecting request", "session", m.host.ID(), "status", status, "error", err)
		m.answer(status)
		return true
	}
	m.frontIn.Consume(end)
	m.scan = 0
	m.req = req
	m.reqBody = http1.NewBodyScanner(req.Body)
	m.reqAvail = 0
	m.replayed = false

	poolID, err := m.host.Route(routing.NormalizeHost(req.Host), req.Path, req.Method)
	if err != nil {
		status := 404
		if errors.Is(err, ErrDenied) {
			status = 403
		}
		logger.Debug("HTTP: No route", "session", m.host.ID(), "host", req.Host, "path", req.Path, "error", err)
		m.answer(status)
		return true
	}

	m.requestID = uuid.NewString()
	m.toBack = req.AppendForwarded(m.toBack[:0], m.forwardingInfo())

	if m.up != nil {
		if m.canReuse(poolID) {
			m.reused = true
			m.backendConnected()
			return true
		}
		m.dropUpstream(false)
	}
	m.poolID = poolID
	m.dial.reset()
	m.connect()
	return true
}

func (m *HTTPMachine) forwardingInfo() http1.Forwarding {
	return http1.Forwarding{
		Client:    m.cfg.Client,
		Proto:     m.cfg.Proto,
		Port:      m.cfg.Local.Port(),
		RequestID: m.requestID,
	}
}

func (m *HTTPMachine) canReuse(poolID string) bool {
	if m.up.PoolID != poolID || m.backEOF || !m.host.Usable(m.up) {
		return false
	}
	if m.up.StickyCookie != "" {
		if v, ok := m.req.Cookie(m.up.StickyCookie); ok && v != m.up.StickyID {
			return false
		}
	}
	return true
}

func (m *HTTPMachine) connect() {
	cc := clientContext(m.cfg.Client)
	if name := m.host.StickyCookie(m.poolID); name != "" {
		cc.StickyKey, _ = m.req.Cookie(name)
	}
	up, err := m.dial.next(m.host, m.poolID, cc)
	if err != nil {
		logger.Debug("HTTP: No backend", "session", m.host.ID(), "pool", m.poolID, "error", err)
		m.answer(503)
		return
	}
	m.up = up
	m.backEOF = false
	m.reused = false
	if up.Pending {
		m.state = AwaitingBackend
		m.deadline = later(m.host.Now(), m.host.Limits().ConnectTimeout)
		return
	}
	m.backendConnected()
}

func (m *HTTPMachine) backendConnected() {
	m.state = ForwardingBody
	m.respScan = 0
	m.resp = nil
	m.deadline = later(m.host.Now(), m.host.Limits().BackTimeout)
}

func (m *HTTPMachine) scanRequestBody() bool {
	if m.req == nil || m.reqBody.Done() {
		return false
	}
	avail := 0
	if m.frontIn != nil {
		avail = m.frontIn.Len() - m.reqAvail
	}
	if avail == 0 {
		if m.frontEOF {
			m.abort("client closed inside request body", nil)
			return true
		}
		return false
	}
	n, _, err := m.reqBody.Scan(m.frontIn.Bytes()[m.reqAvail:])
	m.reqAvail += n
	if err != nil {
		logger.Debug("HTTP: Malformed request body", "session", m.host.ID(), "error", err)
		m.dropUpstream(false)
		m.answer(400)
		return true
	}
	return n > 0
}

func (m *HTTPMachine) writeBack() bool {
	if !m.forwarding() || m.up == nil || m.up.Pending {
		return false
	}
	progress := false
	for len(m.toBack) > 0 {
		n, err := m.up.Stream.Write(m.toBack)
		if n > 0 {
			m.toBack = m.toBack[n:]
			progress = true
		}
		if err != nil {
			if errors.Is(err, netfd.ErrWouldBlock) {
				return progress
			}
			m.backendFailed("backend write failed", err)
			return true
		}
		if n == 0 {
			return progress
		}
	}
	if m.reqAvail > 0 {
		n, err := m.frontIn.Drain(m.up.Stream, m.reqAvail)
		if n > 0 {
			m.reqAvail -= n
			progress = true
		}
		if err != nil && !errors.Is(err, netfd.ErrWouldBlock) {
			m.dropUpstream(true)
			m.answer(502)
			return true
		}
	}
	if m.state == ForwardingBody && len(m.toBack) == 0 && m.reqAvail == 0 && m.reqBody.Done() {
		m.state = RelayingResponse
		progress = true
	}
	return progress
}

// checkIdleUpstream drops a kept-alive backend connection that closed or
// sent unsolicited bytes while no request was outstanding.
func (m *HTTPMachine) checkIdleUpstream() {
	if m.up == nil || m.up.Pending {
		return
	}
	var one [1]byte
	n, err := m.up.Stream.Read(one[:])
	if n == 0 && errors.Is(err, netfd.ErrWouldBlock) {
		return
	}
	logger.Debug("HTTP: Idle backend connection closed", "session", m.host.ID(), "backend", m.up.Ref.String())
	m.dropUpstream(false)
}

func (m *HTTPMachine) readBack() bool {
	if !m.wantBackRead() || !m.checkout(&m.backIn) {
		return false
	}
	n, err := m.backIn.Fill(m.up.Stream)
	switch {
	case n > 0:
		return true
	case errors.Is(err, io.EOF):
		m.backEOF = true
		return true
	case err == nil || errors.Is(err, netfd.ErrWouldBlock):
		return false
	}
	m.backendFailed("backend read failed", err)
	return true
}

func (m *HTTPMachine) processBack() bool {
	if !m.forwarding() || m.up == nil {
		return false
	}
	if m.resp == nil {
		return m.parseResponse()
	}
	if m.respBody.Done() {
		return false
	}
	if avail := m.bufferedLen(m.backIn) - m.respAvail; avail > 0 {
		n, _, err := m.respBody.Scan(m.backIn.Bytes()[m.respAvail:])
		m.respAvail += n
		if err != nil {
			m.dropUpstream(true)
			m.abort("malformed response body", err)
			return true
		}
		return n > 0
	}
	if m.backEOF && m.respBody.Kind() != http1.BodyUntilClose {
		m.dropUpstream(true)
		m.abort("backend closed inside response body", nil)
		return true
	}
	return false
}

func (m *HTTPMachine) bufferedLen(b *buffer.Buffer) int {
	if b == nil {
		return 0
	}
	return b.Len()
}

func (m *HTTPMachine) parseResponse() bool {
	if m.bufferedLen(m.backIn) == 0 {
		if m.backEOF {
			m.backendFailed("backend closed before responding", io.ErrUnexpectedEOF)
			return true
		}
		return false
	}
	p := m.backIn.Bytes()
	end, next := http1.HeadEnd(p, m.respScan)
	if end < 0 {
		m.respScan = next
		switch {
		case m.backIn.Full():
			m.badGateway("response head too large", nil)
			return true
		case m.backEOF:
			m.badGateway("backend closed inside response head", nil)
			return true
		}
		return false
	}
	resp, err := http1.ParseResponse(p[:end], m.req.Method)
	if err != nil {
		m.badGateway("malformed response head", err)
		return true
	}
	m.backIn.Consume(end)
	m.respScan = 0

	if resp.Informational() {
		if resp.Status == 101 {
			if !m.req.Upgrade {
				m.badGateway("unsolicited protocol switch", nil)
				return true
			}
			m.host.BackendOK(m.up)
			m.toFront = resp.AppendRewritten(m.toFront, http1.ResponseOptions{})
			m.responded = true
			m.startTunnel()
			return true
		}
		m.toFront = resp.AppendRewritten(m.toFront, http1.ResponseOptions{ClientMinor: m.req.Minor})
		m.responded = true
		return true
	}

	m.host.BackendOK(m.up)
	metrics.HTTPResponses.WithLabelValues(metrics.StatusClass(resp.Status)).Inc()
	m.resp = resp
	m.respBody = http1.NewBodyScanner(resp.Body)
	m.respAvail = 0
	m.backendKeep = resp.KeepAlive
	m.clientKeep = m.req.KeepAlive && m.reqBody.Done() && m.host.KeepAlive() &&
		resp.Body.Kind != http1.BodyUntilClose

	opts := http1.ResponseOptions{KeepAlive: m.clientKeep, ClientMinor: m.req.Minor}
	if m.up.StickyCookie != "" && m.up.StickyID != "" {
		if v, _ := m.req.Cookie(m.up.StickyCookie); v != m.up.StickyID {
			opts.SetCookie = http1.StickyCookie(m.up.StickyCookie, m.up.StickyID)
		}
	}
	m.toFront = resp.AppendRewritten(m.toFront, opts)
	m.responded = true
	return true
}

func (m *HTTPMachine) writeFront() bool {
	progress := false
	for len(m.toFront) > 0 {
		n, err := m.front.Write(m.toFront)
		if n > 0 {
			m.toFront = m.toFront[n:]
			progress = true
		}
		if err != nil {
			if errors.Is(err, netfd.ErrWouldBlock) {
				return progress
			}
			m.abort("client write failed", err)
			return true
		}
		if n == 0 {
			return progress
		}
	}
	if m.respAvail > 0 {
		n, err := m.backIn.Drain(m.front, m.respAvail)
		if n > 0 {
			m.respAvail -= n
			progress = true
		}
		if err != nil && !errors.Is(err, netfd.ErrWouldBlock) {
			m.abort("client write failed", err)
			return true
		}
	}

	switch {
	case m.state == Closing && len(m.toFront) == 0 && !m.lingering:
		if err := m.front.CloseWrite(); err != nil && !errors.Is(err, netfd.ErrClosed) {
			logger.Debug("HTTP: Shutdown failed", "session", m.host.ID(), "error", err)
		}
		if m.frontEOF || !m.unreadInput() {
			m.finish()
			return true
		}
		// closing with unread input resets the connection, which can
		// discard the answer before the client reads it
		m.lingering = true
		m.deadline = later(m.host.Now(), min(lingerTimeout, m.host.Limits().FrontTimeout))
		return true
	case m.forwarding() && m.resp != nil && m.respComplete() && m.respAvail == 0 && len(m.toFront) == 0:
		m.finishExchange()
		return true
	}
	return progress
}

func (m *HTTPMachine) finishExchange() {
	m.exchanges++
	requestDone := m.reqBody.Done() && m.reqAvail == 0 && len(m.toBack) == 0
	if !m.clientKeep || !requestDone {
		m.finish()
		return
	}

	m.state = KeepAlive
	if m.up != nil && (!m.backendKeep || m.backEOF || m.bufferedLen(m.backIn) > 0 || !m.host.Usable(m.up)) {
		m.dropUpstream(false)
	}
	m.req = nil
	m.resp = nil
	m.reqAvail = 0
	m.respAvail = 0
	m.responded = false
	m.reused = false
	m.toBack = m.toBack[:0]
	m.toFront = m.toFront[:0]
	if m.frontIn != nil && m.frontIn.Empty() {
		m.returnBuffer(&m.frontIn)
	}
	if m.backIn != nil && m.backIn.Empty() {
		m.returnBuffer(&m.backIn)
	}
	m.state = AwaitingRequestLine
	m.deadline = later(m.host.Now(), m.host.Limits().FrontTimeout)
}

// unreadInput reports whether the client may have sent bytes the session
// never read: a rejected head, an unread body or data behind them.
func (m *HTTPMachine) unreadInput() bool {
	if m.frontIn != nil && !m.frontIn.Empty() {
		return true
	}
	return m.req == nil || !m.reqBody.Done()
}

// discardFront reads and drops client input while lingering.
func (m *HTTPMachine) discardFront() bool {
	if m.frontIn == nil {
		nb, err := m.host.Checkout()
		if err != nil {
			m.finish()
			return true
		}
		m.frontIn = nb
	}
	progress := false
	for {
		m.frontIn.Reset()
		n, err := m.frontIn.Fill(m.front)
		m.discarded += n
		switch {
		case errors.Is(err, netfd.ErrWouldBlock), err == nil && n == 0:
			return progress
		case err != nil:
			// EOF or reset: the client has everything it is going to read
			m.finish()
			return true
		case m.discarded >= lingerLimit:
			m.finish()
			return true
		}
		progress = true
	}
}

// backendFailed handles an I/O failure on the backend. A request without
// body that went to a reused connection is replayed once on a fresh one,
// since the backend may have closed it while idle.
func (m *HTTPMachine) backendFailed(reason string, err error) {
	if m.reused && !m.replayed && !m.responded && m.req != nil && m.req.Body.Kind == http1.BodyNone {
		logger.Debug("HTTP: Replaying request on a new backend connection", "session", m.host.ID(), "reason", reason)
		m.replayed = true
		m.dropUpstream(false)
		m.toBack = m.req.AppendForwarded(m.toBack[:0], m.forwardingInfo())
		m.dial.reset()
		m.connect()
		return
	}
	m.badGateway(reason, err)
}

func (m *HTTPMachine) badGateway(reason string, err error) {
	logger.Debug("HTTP: Bad gateway", "session", m.host.ID(), "reason", reason, "error", err)
	m.dropUpstream(true)
	m.answer(502)
}

func (m *HTTPMachine) dropUpstream(failed bool) {
	if m.up == nil {
		return
	}
	m.host.CloseUpstream(m.up, failed)
	m.up = nil
	m.backEOF = false
	m.respScan = 0
	m.respAvail = 0
	m.returnBuffer(&m.backIn)
}

// answer sends a synthesized response and closes, unless part of a
// response already went out, in which case it only closes.
func (m *HTTPMachine) answer(status int) {
	m.dropUpstream(false)
	if m.responded {
		m.abort("cannot answer after response started", nil)
		return
	}
	metrics.HTTPAnswers.WithLabelValues(strconv.Itoa(status)).Inc()
	m.toFront = append(m.toFront[:0], http1.Answer(status)...)
	m.responded = true
	m.clientKeep = false
	m.state = Closing
	m.deadline = later(m.host.Now(), m.host.Limits().FrontTimeout)
}

func (m *HTTPMachine) abort(reason string, err error) {
	if err != nil && !netfd.IsConnectionError(err) {
		logger.Debug("HTTP: Closing session", "session", m.host.ID(), "reason", reason, "error", err)
	}
	m.finish()
}

func (m *HTTPMachine) finish() {
	m.state = Closing
	m.finished = true
}

func (m *HTTPMachine) startTunnel() {
	m.state = Tunnel
	if m.frontIn != nil && !m.frontIn.Empty() {
		seed(&m.tunnel.up, m.frontIn)
	} else {
		m.returnBuffer(&m.frontIn)
	}
	m.frontIn = nil
	if m.backIn != nil && !m.backIn.Empty() {
		seed(&m.tunnel.down, m.backIn)
	} else {
		m.returnBuffer(&m.backIn)
	}
	m.backIn = nil
	m.deadline = later(m.host.Now(), m.host.Limits().FrontTimeout)
}

func (m *HTTPMachine) pumpTunnel() bool {
	progress := false
	for len(m.toFront) > 0 {
		n, err := m.front.Write(m.toFront)
		if n > 0 {
			m.toFront = m.toFront[n:]
			progress = true
		}
		if err != nil {
			if errors.Is(err, netfd.ErrWouldBlock) {
				return progress
			}
			m.abort("client write failed", err)
			return true
		}
		if n == 0 {
			return progress
		}
	}
	p, err := m.tunnel.pump(m.host, m.front, m.up.Stream)
	if err != nil {
		m.abort("tunnel failed", err)
		return true
	}
	if m.tunnel.finished() {
		m.finish()
		return true
	}
	return progress || p
}
