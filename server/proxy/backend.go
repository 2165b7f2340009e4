package proxy

import (
	"errors"
	"fmt"
	"net/netip"
	"time"
)

var (
	ErrPoolNotFound       = errors.New("pool not found")
	ErrPoolExists         = errors.New("pool already exists")
	ErrBackendNotFound    = errors.New("backend not found")
	ErrBackendExists      = errors.New("backend already exists")
	ErrNoBackendAvailable = errors.New("no backend available")
	ErrInvalidBackend     = errors.New("invalid backend")
)

// Health is the passive health state of a backend.
type Health int

const (
	Healthy Health = iota
	Degraded
	Down
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Down:
		return "down"
	default:
		return fmt.Sprintf("health(%d)", int(h))
	}
}

// BackendConfig describes a backend to add to a pool.
type BackendConfig struct {
	ID       string
	Address  string
	Addr     netip.AddrPort
	Weight   int
	StickyID string
}

// Backend is one upstream server within a pool.
type Backend struct {
	ID       string
	Address  string
	Addr     netip.AddrPort
	Weight   int
	StickyID string

	Health           Health
	InFlight         int
	ConsecutiveFails int
	FailureCount     int
	LastFailure      time.Time
	LastSuccess      time.Time

	serial     uint64
	removing   bool
	drainUntil time.Time

	// smooth weighted round robin credit
	current int

	probeAttempt int
	nextProbe    time.Time
	probing      bool
}

// Removing reports whether the backend was removed and is draining.
func (b *Backend) Removing() bool { return b.removing }

// Eligible reports whether the balancer may pick the backend.
func (b *Backend) Eligible() bool {
	return !b.removing && b.Health != Down
}

// Ref is a lookup key from a session to the backend it uses.
type Ref struct {
	PoolID    string
	BackendID string
	serial    uint64
}

func (r Ref) String() string {
	return r.PoolID + "/" + r.BackendID
}

// IsZero reports whether r refers to nothing.
func (r Ref) IsZero() bool { return r.serial == 0 }

// Matches reports whether r refers to the given backend incarnation.
func (r Ref) Matches(b *Backend) bool {
	return b != nil && r.BackendID == b.ID && r.serial == b.serial
}

// Selection is the outcome of a successful Select.
type Selection struct {
	Ref
	Addr     netip.AddrPort
	StickyID string
}

// ClientContext carries what the balancer may use to pin a client.
type ClientContext struct {
	// StickyKey is the value of the pool's sticky cookie, or the client IP
	// for pools without a cookie.
	StickyKey string
	// HashKey feeds the consistent hash ring.
	HashKey string
	// Exclude lists backend ids that already failed for this request.
	Exclude []string
}

func (cc ClientContext) excluded(id string) bool {
	for _, e := range cc.Exclude {
		if e == id {
			return true
		}
	}
	return false
}
