// Package protocol holds the per-session protocol state machines: HTTP/1.1
// proxying, TCP passthrough and TLS passthrough routed on SNI.
//
// Machines never block and never touch the reactor directly. The worker
// feeds them readiness for the client (Front) and backend (Back) sides and
// reads back the interest they want armed. Everything else a machine needs
// from the worker, such as buffers, routing and upstream connections, goes
// through the Host it was created with.
package protocol

import (
	"errors"
	"net/netip"
	"time"

	"github.com/tollgate-proxy/tollgate/server/buffer"
	"github.com/tollgate-proxy/tollgate/server/netfd"
	"github.com/tollgate-proxy/tollgate/server/proxy"
	"github.com/tollgate-proxy/tollgate/server/reactor"
)

// Side names one end of a session.
type Side uint8

const (
	Front Side = iota
	Back
)

func (s Side) String() string {
	if s == Front {
		return "front"
	}
	return "back"
}

// Machine is the common capability set of every protocol variant.
type Machine interface {
	// Start runs once after the front connection is registered.
	Start()
	OnReadable(side Side)
	OnWritable(side Side)
	// OnBackendReady reports the outcome of a pending upstream connect.
	OnBackendReady(err error)
	// OnTimeout is called by the sweep once now has passed Deadline.
	OnTimeout(now time.Time)
	// Resume is called when buffers are available again after a refused
	// checkout.
	Resume()
	// Interest is the readiness wanted on each side.
	Interest() (front, back reactor.Interest)
	// Deadline is when the current phase times out; zero means never.
	Deadline() time.Time
	// Done reports that the session should be torn down.
	Done() bool
	// Close releases the machine's buffers and upstream. The front stream
	// is closed by the caller.
	Close()
	State() string
}

// Upstream is a backend connection owned by a session.
type Upstream struct {
	Stream   netfd.Stream
	PoolID   string
	Ref      proxy.Ref
	Addr     netip.AddrPort
	StickyID string
	// StickyCookie is the pool's cookie name, empty for pools without one.
	StickyCookie string
	// Pending is set while the connect is in progress. The host clears it
	// and calls OnBackendReady when the socket reports writable.
	Pending bool
}

// Limits are the timeouts and retry bounds machines enforce.
type Limits struct {
	// FrontTimeout bounds client inactivity, including keep-alive idle.
	FrontTimeout time.Duration
	// BackTimeout bounds backend inactivity once a request is sent.
	BackTimeout    time.Duration
	ConnectTimeout time.Duration
	// RequestTimeout bounds reading a request head.
	RequestTimeout     time.Duration
	MaxConnectAttempts int
}

// Host is what a machine needs from the worker.
type Host interface {
	// ID identifies the session in logs.
	ID() string
	Now() time.Time
	Limits() Limits
	// Checkout takes a buffer. On buffer.ErrExhausted the host queues the
	// session and calls Resume once buffers are back.
	Checkout() (*buffer.Buffer, error)
	Return(b *buffer.Buffer)
	// Route picks the pool for a request on the session's listener. It
	// fails with ErrNoRoute when no rule matches and ErrDenied when the
	// matching rule refuses the request.
	Route(host, path, method string) (poolID string, err error)
	// StickyCookie names the cookie pinning clients of poolID, if any.
	StickyCookie(poolID string) string
	// Connect selects a backend of poolID and starts connecting to it.
	Connect(poolID string, cc proxy.ClientContext) (*Upstream, error)
	// Usable reports whether an idle upstream may serve another request.
	Usable(u *Upstream) bool
	// BackendOK records a successful exchange with the backend.
	BackendOK(u *Upstream)
	// CloseUpstream closes an upstream and releases its backend. failed
	// counts against the backend's health.
	CloseUpstream(u *Upstream, failed bool)
	// KeepAlive reports whether client connections may stay open after a
	// response, false once the listener drains.
	KeepAlive() bool
}

var (
	// ErrNoRoute is returned when nothing routes a request or connection.
	ErrNoRoute = errors.New("no route")
	// ErrDenied is returned when a deny rule matches.
	ErrDenied = errors.New("denied by routing rule")
	// ErrConnectAttempts is returned after max_connect_attempts failures.
	ErrConnectAttempts = errors.New("backend connect attempts exhausted")
)

func later(now time.Time, d time.Duration) time.Time {
	if d <= 0 {
		return time.Time{}
	}
	return now.Add(d)
}
