// Package listener owns the listening sockets of a worker and their
// lifecycle.
//
// A listener is Active while it accepts, Inactive while paused (bound but
// not polled, keeping its rules and certificates), Draining once removed (the
// socket stays open but is no longer polled) and Closed when its last session
// is gone or its drain deadline passed. An address is never left without a
// listening socket: activating a listener on the address of a Draining one
// adopts a duplicate of that socket instead of binding again.
package listener

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"strings"
	"time"

	"github.com/tollgate-proxy/tollgate/logger"
	"github.com/tollgate-proxy/tollgate/pkg/metrics"
	"github.com/tollgate-proxy/tollgate/server/netfd"
)

var (
	ErrListenerExists   = errors.New("listener already exists")
	ErrListenerNotFound = errors.New("listener not found")
	ErrInvalidListener  = errors.New("invalid listener")
	// ErrAlreadyActive is returned when an Active listener holds the address.
	ErrAlreadyActive = errors.New("already active")
	ErrInactive      = errors.New("listener is inactive")
	ErrNoHandoffFd   = errors.New("no handed-off socket available")
)

// Kind is the protocol a listener speaks.
type Kind string

const (
	HTTP  Kind = "http"
	HTTPS Kind = "https"
	// TLS relays TLS without terminating it, routed on SNI.
	TLS Kind = "tls"
	TCP Kind = "tcp"
)

func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case HTTP, HTTPS, TLS, TCP:
		return k, nil
	default:
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidListener, s)
	}
}

// State is the lifecycle stage of a listener.
type State uint8

const (
	Active State = iota
	Inactive
	Draining
	Closed
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Inactive:
		return "inactive"
	case Draining:
		return "draining"
	default:
		return "closed"
	}
}

// Spec is the configuration an AddListener order carries.
type Spec struct {
	ID      string `json:"id"`
	Address string `json:"address"`
	Kind    Kind   `json:"kind"`
	// ALPN protocols offered by HTTPS listeners; only http/1.1 is served.
	ALPN          []string `json:"alpn,omitempty"`
	MinTLSVersion string   `json:"min_tls_version,omitempty"`
	// DefaultPool serves TCP listeners, and TLS listeners whose
	// ClientHello matches no rule.
	DefaultPool   string `json:"default_pool,omitempty"`
	ProxyProtocol bool   `json:"proxy_protocol,omitempty"`
	// FromHandoff takes the socket from the descriptors received on the
	// control channel instead of binding.
	FromHandoff bool `json:"from_handoff,omitempty"`
}

// Listener is one listening socket and its TLS material.
type Listener struct {
	Spec Spec
	// Addr is the address the socket is bound to.
	Addr  netip.AddrPort
	Fd    int
	State State
	// Serial is unique per activation and stays valid while draining, so
	// that a new listener may reuse the id of a draining one.
	Serial uint32

	Certs     *CertStore
	TLSConfig *tls.Config

	DrainDeadline time.Time
	// Sessions counts the live sessions accepted on this listener.
	Sessions int
}

func (l *Listener) String() string {
	return fmt.Sprintf("%s(%s %s)", l.Spec.ID, l.Spec.Kind, l.Addr)
}

// Sockets is the socket layer a registry binds through.
type Sockets interface {
	// Listen binds addr and returns the descriptor and the bound address.
	Listen(addr netip.AddrPort, backlog int) (int, netip.AddrPort, error)
	// Prepare validates a handed-off descriptor and returns its address.
	Prepare(fd int) (netip.AddrPort, error)
	Dup(fd int) (int, error)
	Close(fd int) error
}

type systemSockets struct{}

func (systemSockets) Listen(addr netip.AddrPort, backlog int) (int, netip.AddrPort, error) {
	fd, err := netfd.Listen(addr, backlog)
	if err != nil {
		return -1, netip.AddrPort{}, err
	}
	bound, err := netfd.ListenerAddr(fd)
	if err != nil {
		netfd.CloseFd(fd)
		return -1, netip.AddrPort{}, err
	}
	return fd, bound, nil
}

func (systemSockets) Prepare(fd int) (netip.AddrPort, error) { return netfd.PrepareListener(fd) }
func (systemSockets) Dup(fd int) (int, error)                  { return netfd.Dup(fd) }
func (systemSockets) Close(fd int) error                       { return netfd.CloseFd(fd) }

// Registry tracks every listener of a worker. It is owned by the worker
// loop and is not safe for concurrent use.
type Registry struct {
	backlog  int
	sockets  Sockets
	live     map[string]*Listener // Active and Inactive, by id
	draining []*Listener
	bySerial map[uint32]*Listener
	serial   uint32
}

// NewRegistry creates a registry. A nil sockets binds real sockets.
func NewRegistry(backlog int, sockets Sockets) *Registry {
	if sockets == nil {
		sockets = systemSockets{}
	}
	if backlog <= 0 {
		backlog = 4096
	}
	return &Registry{
		backlog:  backlog,
		sockets:  sockets,
		live:     make(map[string]*Listener),
		bySerial: make(map[uint32]*Listener),
	}
}

// Validate checks a spec against the current listeners without changing
// anything and returns the address it resolves to.
func (r *Registry) Validate(spec Spec) (netip.AddrPort, error) {
	if spec.ID == "" {
		return netip.AddrPort{}, fmt.Errorf("%w: id is required", ErrInvalidListener)
	}
	kind, err := ParseKind(string(spec.Kind))
	if err != nil {
		return netip.AddrPort{}, err
	}
	spec.Kind = kind
	if spec.Kind == HTTPS {
		if _, err := ParseTLSVersion(spec.MinTLSVersion); err != nil {
			return netip.AddrPort{}, fmt.Errorf("%w: %v", ErrInvalidListener, err)
		}
		for _, p := range spec.ALPN {
			if p != "http/1.1" {
				return netip.AddrPort{}, fmt.Errorf("%w: unsupported ALPN protocol %q", ErrInvalidListener, p)
			}
		}
	}
	if spec.Kind == TCP && spec.DefaultPool == "" {
		return netip.AddrPort{}, fmt.Errorf("%w: tcp listeners need a default_pool", ErrInvalidListener)
	}

	// the address of a handed-off socket comes with the descriptor
	var addr netip.AddrPort
	if !spec.FromHandoff {
		if addr, err = netfd.ResolveAddr(spec.Address); err != nil {
			return netip.AddrPort{}, fmt.Errorf("%w: %v", ErrInvalidListener, err)
		}
		if addr.Port() != 0 {
			for _, l := range r.live {
				if l.Addr == addr {
					return netip.AddrPort{}, fmt.Errorf("listener on %s: %w", addr, ErrAlreadyActive)
				}
			}
		}
	}
	if _, ok := r.live[spec.ID]; ok {
		return netip.AddrPort{}, fmt.Errorf("listener %s: %w", spec.ID, ErrListenerExists)
	}
	return addr, nil
}

// Activate opens a listener. handoffFd is a descriptor received from the
// control channel, or -1. Its ownership passes to the registry even when
// activation fails.
func (r *Registry) Activate(spec Spec, handoffFd int) (*Listener, error) {
	spec.Kind = Kind(strings.ToLower(strings.TrimSpace(string(spec.Kind))))
	addr, err := r.Validate(spec)
	if err != nil {
		if handoffFd >= 0 {
			r.sockets.Close(handoffFd)
		}
		return nil, err
	}

	fd := -1
	how := "bound"
	switch {
	case spec.FromHandoff:
		if handoffFd < 0 {
			return nil, fmt.Errorf("listener %s: %w", spec.ID, ErrNoHandoffFd)
		}
		bound, err := r.sockets.Prepare(handoffFd)
		if err != nil {
			r.sockets.Close(handoffFd)
			return nil, fmt.Errorf("%w: handed-off socket: %v", ErrInvalidListener, err)
		}
		for _, l := range r.live {
			if l.Addr == bound {
				r.sockets.Close(handoffFd)
				return nil, fmt.Errorf("listener on %s: %w", bound, ErrAlreadyActive)
			}
		}
		fd, addr, how = handoffFd, bound, "handed off"
	case r.drainingOn(addr) != nil:
		fd, err = r.sockets.Dup(r.drainingOn(addr).Fd)
		if err != nil {
			return nil, fmt.Errorf("failed to adopt socket of draining listener on %s: %w", addr, err)
		}
		how = "adopted"
	default:
		fd, addr, err = r.sockets.Listen(addr, r.backlog)
		if err != nil {
			return nil, err
		}
	}

	r.serial++
	l := &Listener{Spec: spec, Addr: addr, Fd: fd, State: Active, Serial: r.serial}
	if spec.Kind == HTTPS {
		minVersion, _ := ParseTLSVersion(spec.MinTLSVersion)
		l.Certs = NewCertStore()
		l.TLSConfig = l.Certs.TLSConfig(spec.ALPN, minVersion)
	}
	r.live[spec.ID] = l
	r.bySerial[l.Serial] = l
	r.updateGauges()
	logger.Info("Listener: activated", "listener", spec.ID, "kind", string(spec.Kind), "addr", addr, "socket", how)
	return l, nil
}

func (r *Registry) drainingOn(addr netip.AddrPort) *Listener {
	for i := len(r.draining) - 1; i >= 0; i-- {
		if r.draining[i].Addr == addr {
			return r.draining[i]
		}
	}
	return nil
}

// Deactivate pauses an Active listener. The socket stays bound, so the
// kernel keeps queueing connections until it is reactivated.
func (r *Registry) Deactivate(id string) (*Listener, error) {
	l, ok := r.live[id]
	if !ok {
		return nil, fmt.Errorf("listener %s: %w", id, ErrListenerNotFound)
	}
	if l.State == Inactive {
		return nil, fmt.Errorf("listener %s: %w", id, ErrInactive)
	}
	l.State = Inactive
	r.updateGauges()
	logger.Info("Listener: deactivated", "listener", id, "addr", l.Addr)
	return l, nil
}

// Reactivate resumes accepting on an Inactive listener.
func (r *Registry) Reactivate(id string) (*Listener, error) {
	l, ok := r.live[id]
	if !ok {
		return nil, fmt.Errorf("listener %s: %w", id, ErrListenerNotFound)
	}
	if l.State == Active {
		return nil, fmt.Errorf("listener %s: %w", id, ErrAlreadyActive)
	}
	l.State = Active
	r.updateGauges()
	logger.Info("Listener: reactivated", "listener", id, "addr", l.Addr)
	return l, nil
}

// Drain stops a live listener for good. Its socket stays open until Close so
// that a replacement can adopt it.
func (r *Registry) Drain(id string, deadline time.Time) (*Listener, error) {
	l, ok := r.live[id]
	if !ok {
		return nil, fmt.Errorf("listener %s: %w", id, ErrListenerNotFound)
	}
	delete(r.live, id)
	l.State = Draining
	l.DrainDeadline = deadline
	r.draining = append(r.draining, l)
	r.updateGauges()
	logger.Info("Listener: draining", "listener", id, "addr", l.Addr, "sessions", l.Sessions, "deadline", deadline)
	return l, nil
}

// Close closes a listener's socket and forgets it. Sessions still attached
// must be closed by the caller.
func (r *Registry) Close(l *Listener) error {
	if l.State == Closed {
		return nil
	}
	if l.State == Active || l.State == Inactive {
		delete(r.live, l.Spec.ID)
	} else {
		for i, d := range r.draining {
			if d == l {
				r.draining = append(r.draining[:i], r.draining[i+1:]...)
				break
			}
		}
	}
	delete(r.bySerial, l.Serial)
	l.State = Closed
	err := r.sockets.Close(l.Fd)
	r.updateGauges()
	logger.Info("Listener: closed", "listener", l.Spec.ID, "addr", l.Addr, "sessions", l.Sessions)
	return err
}

// Get returns the Active or Inactive listener with the given id.
func (r *Registry) Get(id string) (*Listener, bool) {
	l, ok := r.live[id]
	return l, ok
}

// BySerial finds an Active or Draining listener.
func (r *Registry) BySerial(serial uint32) (*Listener, bool) {
	l, ok := r.bySerial[serial]
	return l, ok
}

// Live returns the Active and Inactive listeners sorted by id.
func (r *Registry) Live() []*Listener {
	out := make([]*Listener, 0, len(r.live))
	for _, l := range r.live {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Spec.ID < out[j].Spec.ID })
	return out
}

// Active returns the Active listeners sorted by id.
func (r *Registry) Active() []*Listener {
	out := make([]*Listener, 0, len(r.live))
	for _, l := range r.Live() {
		if l.State == Active {
			out = append(out, l)
		}
	}
	return out
}

// Draining returns the Draining listeners, oldest first.
func (r *Registry) Draining() []*Listener {
	return append([]*Listener(nil), r.draining...)
}

// All returns Active and Inactive listeners followed by Draining ones.
func (r *Registry) All() []*Listener {
	return append(r.Live(), r.draining...)
}

func (r *Registry) Len() int { return len(r.live) + len(r.draining) }

func (r *Registry) updateGauges() {
	active := 0
	for _, l := range r.live {
		if l.State == Active {
			active++
		}
	}
	metrics.ListenersActive.WithLabelValues(Active.String()).Set(float64(active))
	metrics.ListenersActive.WithLabelValues(Inactive.String()).Set(float64(len(r.live) - active))
	metrics.ListenersActive.WithLabelValues(Draining.String()).Set(float64(len(r.draining)))
}
