package protocol

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/tollgate-proxy/tollgate/server/buffer"
	"github.com/tollgate-proxy/tollgate/server/netfd"
	"github.com/tollgate-proxy/tollgate/server/proxy"
)

// fakeStream is an in-memory netfd.Stream. Reads drain in, then report
// io.EOF once eof is set and ErrWouldBlock otherwise.
type fakeStream struct {
	in          []byte
	eof         bool
	readErr     error
	out         bytes.Buffer
	writeLimit  int
	blockWrites bool
	writeErr    error
	closedWrite bool
	closed      bool
}

func (s *fakeStream) feed(data string) { s.in = append(s.in, data...) }

func (s *fakeStream) Read(p []byte) (int, error) {
	if s.closed {
		return 0, netfd.ErrClosed
	}
	if len(s.in) > 0 {
		n := copy(p, s.in)
		s.in = s.in[n:]
		return n, nil
	}
	if s.readErr != nil {
		return 0, s.readErr
	}
	if s.eof {
		return 0, io.EOF
	}
	return 0, netfd.ErrWouldBlock
}

func (s *fakeStream) Write(p []byte) (int, error) {
	if s.closed {
		return 0, netfd.ErrClosed
	}
	if s.writeErr != nil {
		return 0, s.writeErr
	}
	if s.blockWrites {
		return 0, netfd.ErrWouldBlock
	}
	if s.writeLimit > 0 && len(p) > s.writeLimit {
		p = p[:s.writeLimit]
	}
	return s.out.Write(p)
}

func (s *fakeStream) CloseWrite() error {
	s.closedWrite = true
	return nil
}

func (s *fakeStream) Close() error {
	s.closed = true
	return nil
}

// takeOut returns and clears what was written so far.
func (s *fakeStream) takeOut() string {
	out := s.out.String()
	s.out.Reset()
	return out
}

type closedUpstream struct {
	up     *Upstream
	failed bool
}

type fakeHost struct {
	t        *testing.T
	now      time.Time
	limits   Limits
	pool     *buffer.Pool
	starved  int
	routes   map[string]string
	cookies  map[string]string
	stickyID string

	// connectErrs are returned by the next Connect calls, in order
	connectErrs []error
	pending     bool
	unusable    bool
	draining    bool

	contexts  []proxy.ClientContext
	upstreams []*fakeStream
	ups       []*Upstream
	closed    []closedUpstream
	ok        int
}

func newFakeHost(t *testing.T) *fakeHost {
	return &fakeHost{
		t:   t,
		now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		limits: Limits{
			FrontTimeout:       60 * time.Second,
			BackTimeout:        30 * time.Second,
			ConnectTimeout:     3 * time.Second,
			RequestTimeout:     10 * time.Second,
			MaxConnectAttempts: 3,
		},
		pool:    buffer.NewPool(4096, 16),
		routes:  map[string]string{"example.com": "web"},
		cookies: map[string]string{},
	}
}

func (h *fakeHost) ID() string      { return "1@1" }
func (h *fakeHost) Now() time.Time  { return h.now }
func (h *fakeHost) Limits() Limits  { return h.limits }
func (h *fakeHost) KeepAlive() bool { return !h.draining }

func (h *fakeHost) BackendOK(*Upstream) { h.ok++ }

func (h *fakeHost) Checkout() (*buffer.Buffer, error) {
	b, err := h.pool.Checkout()
	if err != nil {
		h.starved++
	}
	return b, err
}

func (h *fakeHost) Return(b *buffer.Buffer) {
	if err := h.pool.Return(b); err != nil {
		h.t.Errorf("buffer return: %v", err)
	}
}

// denyRoute in routes marks a host refused by a deny rule.
const denyRoute = "!deny"

func (h *fakeHost) Route(host, path, method string) (string, error) {
	pool, ok := h.routes[host]
	if !ok {
		pool, ok = h.routes["*"]
	}
	switch {
	case !ok:
		return "", ErrNoRoute
	case pool == denyRoute:
		return "", ErrDenied
	}
	return pool, nil
}

func (h *fakeHost) StickyCookie(poolID string) string { return h.cookies[poolID] }

func (h *fakeHost) Connect(poolID string, cc proxy.ClientContext) (*Upstream, error) {
	h.contexts = append(h.contexts, cc)
	attempt := len(h.contexts)
	if len(h.connectErrs) > 0 {
		err := h.connectErrs[0]
		h.connectErrs = h.connectErrs[1:]
		if err == proxy.ErrNoBackendAvailable {
			return nil, fmt.Errorf("pool %s: %w", poolID, err)
		}
		return nil, &ConnectError{BackendID: fmt.Sprintf("b%d", attempt), Err: err}
	}
	s := &fakeStream{}
	up := &Upstream{
		Stream:       s,
		PoolID:       poolID,
		Ref:          proxy.Ref{PoolID: poolID, BackendID: fmt.Sprintf("b%d", attempt)},
		StickyID:     h.stickyID,
		StickyCookie: h.cookies[poolID],
		Pending:      h.pending,
	}
	h.upstreams = append(h.upstreams, s)
	h.ups = append(h.ups, up)
	return up, nil
}

func (h *fakeHost) Usable(*Upstream) bool { return !h.unusable }

func (h *fakeHost) CloseUpstream(u *Upstream, failed bool) {
	h.closed = append(h.closed, closedUpstream{up: u, failed: failed})
	_ = u.Stream.Close()
}

// backend returns the stream of the i-th upstream connection.
func (h *fakeHost) backend(i int) *fakeStream {
	h.t.Helper()
	if i >= len(h.upstreams) {
		h.t.Fatalf("no upstream %d, only %d connected", i, len(h.upstreams))
	}
	return h.upstreams[i]
}

func headOf(s string) string {
	if i := strings.Index(s, "\r\n\r\n"); i >= 0 {
		return s[:i+4]
	}
	return s
}
