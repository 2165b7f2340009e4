package proxy

import (
	"fmt"
	"net/netip"
	"sort"
	"time"

	"github.com/tollgate-proxy/tollgate/logger"
	"github.com/tollgate-proxy/tollgate/pkg/metrics"
	"github.com/tollgate-proxy/tollgate/pkg/retry"
)

// Policy configures health tracking and removal for every pool.
type Policy struct {
	DegradedThreshold int
	FailureThreshold  int
	Probe             retry.BackoffConfig
	DrainTimeout      time.Duration
}

// DefaultPolicy mirrors the configuration defaults.
func DefaultPolicy() Policy {
	return Policy{
		DegradedThreshold: 1,
		FailureThreshold:  3,
		Probe: retry.BackoffConfig{
			InitialInterval: 5 * time.Second,
			MaxInterval:     60 * time.Second,
			Multiplier:      2,
			Jitter:          true,
		},
		DrainTimeout: 30 * time.Second,
	}
}

// EventKind names a notable change reported to controllers.
type EventKind string

const (
	EventBackendDown                    EventKind = "BACKEND_DOWN"
	EventBackendUp                      EventKind = "BACKEND_UP"
	EventNoAvailableBackends            EventKind = "NO_AVAILABLE_BACKENDS"
	EventRemovedBackendHasNoConnections EventKind = "REMOVED_BACKEND_HAS_NO_CONNECTIONS"
)

// Event is a backend state change.
type Event struct {
	Kind      EventKind `json:"kind"`
	PoolID    string    `json:"pool_id"`
	BackendID string    `json:"backend_id,omitempty"`
	Address   string    `json:"address,omitempty"`
}

// ProbeTarget is a Down backend due for a connect probe.
type ProbeTarget struct {
	Ref
	Address string
	Addr    netip.AddrPort
}

// Registry owns all pools of a worker.
type Registry struct {
	pools   map[string]*Pool
	policy  Policy
	backoff func(int) time.Duration
	serial  uint64
	events  []Event
}

// NewRegistry creates an empty registry.
func NewRegistry(policy Policy) *Registry {
	if policy.FailureThreshold <= 0 {
		policy.FailureThreshold = 3
	}
	if policy.DegradedThreshold <= 0 || policy.DegradedThreshold > policy.FailureThreshold {
		policy.DegradedThreshold = 1
	}
	return &Registry{
		pools:   make(map[string]*Pool),
		policy:  policy,
		backoff: retry.ExponentialBackoff(policy.Probe),
	}
}

// AddPool creates a pool. Adding a pool that is still draining after a
// RemovePool revives it.
func (r *Registry) AddPool(cfg PoolConfig) error {
	if cfg.ID == "" {
		return fmt.Errorf("pool id is required")
	}
	if cfg.Algorithm == "" {
		cfg.Algorithm = RoundRobin
	}
	if _, err := ParseAlgorithm(string(cfg.Algorithm)); err != nil {
		return err
	}
	if existing, ok := r.pools[cfg.ID]; ok {
		if !existing.removing {
			return fmt.Errorf("pool %s: %w", cfg.ID, ErrPoolExists)
		}
		if existing.Algorithm != cfg.Algorithm {
			return fmt.Errorf("pool %s is still draining with algorithm %s", cfg.ID, existing.Algorithm)
		}
		existing.removing = false
		existing.StickyCookie = cfg.StickyCookie
		return nil
	}
	r.pools[cfg.ID] = newPool(cfg)
	return nil
}

// RemovePool removes every backend of a pool and deletes the pool once they
// have drained.
func (r *Registry) RemovePool(id string, now time.Time) error {
	p, ok := r.pools[id]
	if !ok || p.removing {
		return fmt.Errorf("pool %s: %w", id, ErrPoolNotFound)
	}
	p.removing = true
	for _, b := range p.Backends() {
		if !b.removing {
			r.markRemoving(p, b, now)
		}
	}
	if len(p.members) == 0 {
		delete(r.pools, id)
	}
	return nil
}

// Pool returns an active pool.
func (r *Registry) Pool(id string) (*Pool, bool) {
	p, ok := r.pools[id]
	if !ok || p.removing {
		return nil, false
	}
	return p, true
}

// HasPool reports whether an active pool exists.
func (r *Registry) HasPool(id string) bool {
	_, ok := r.Pool(id)
	return ok
}

// Pools returns all pools, draining ones included, sorted by id.
func (r *Registry) Pools() []*Pool {
	out := make([]*Pool, 0, len(r.pools))
	for _, p := range r.pools {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AddBackend adds a backend to a pool. Re-adding a draining backend with the
// same address revives it in place; any other duplicate id is rejected.
func (r *Registry) AddBackend(poolID string, cfg BackendConfig) error {
	p, ok := r.Pool(poolID)
	if !ok {
		return fmt.Errorf("pool %s: %w", poolID, ErrPoolNotFound)
	}
	if cfg.ID == "" || !cfg.Addr.IsValid() {
		return fmt.Errorf("%w: id and address are required", ErrInvalidBackend)
	}
	if cfg.Weight < 0 {
		return fmt.Errorf("%w: weight must not be negative", ErrInvalidBackend)
	}
	if cfg.Weight == 0 {
		cfg.Weight = 1
	}

	if existing := p.byID[cfg.ID]; existing != nil {
		if existing.removing && existing.Addr == cfg.Addr {
			existing.removing = false
			existing.drainUntil = time.Time{}
			existing.Weight = cfg.Weight
			existing.StickyID = cfg.StickyID
			if p.ring != nil {
				p.ring.AddBackend(existing.ID)
			}
			logger.Info("Backend: revived while draining", "pool", poolID, "backend", cfg.ID)
			return nil
		}
		return fmt.Errorf("backend %s in pool %s: %w", cfg.ID, poolID, ErrBackendExists)
	}

	r.serial++
	address := cfg.Address
	if address == "" {
		address = cfg.Addr.String()
	}
	p.add(&Backend{
		ID:       cfg.ID,
		Address:  address,
		Addr:     cfg.Addr,
		Weight:   cfg.Weight,
		StickyID: cfg.StickyID,
		Health:   Healthy,
		serial:   r.serial,
	})
	return nil
}

// RemoveBackend makes a backend ineligible and starts draining it. It is
// evicted immediately when nothing uses it.
func (r *Registry) RemoveBackend(poolID, backendID string, now time.Time) error {
	p, ok := r.pools[poolID]
	if !ok {
		return fmt.Errorf("pool %s: %w", poolID, ErrPoolNotFound)
	}
	b := p.byID[backendID]
	if b == nil || b.removing {
		return fmt.Errorf("backend %s in pool %s: %w", backendID, poolID, ErrBackendNotFound)
	}
	r.markRemoving(p, b, now)
	return nil
}

func (r *Registry) markRemoving(p *Pool, b *Backend, now time.Time) {
	b.removing = true
	b.drainUntil = now.Add(r.policy.DrainTimeout)
	if p.ring != nil {
		p.ring.RemoveBackend(b.ID)
	}
	if b.InFlight == 0 {
		r.evict(p, b)
	}
}

func (r *Registry) evict(p *Pool, b *Backend) {
	p.evict(b)
	r.emit(Event{Kind: EventRemovedBackendHasNoConnections, PoolID: p.ID, BackendID: b.ID, Address: b.Address})
	logger.Info("Backend: evicted", "pool", p.ID, "backend", b.ID, "in_flight", b.InFlight)
	if p.removing && len(p.members) == 0 {
		delete(r.pools, p.ID)
	}
}

// Select picks a backend and counts the caller as in flight on it. Every
// successful Select must be paired with a Release.
func (r *Registry) Select(poolID string, cc ClientContext) (Selection, error) {
	p, ok := r.Pool(poolID)
	if !ok {
		return Selection{}, fmt.Errorf("pool %s: %w", poolID, ErrPoolNotFound)
	}
	b := p.pick(cc)
	if b == nil && len(cc.Exclude) > 0 {
		// every untried backend is unusable: allow a retry on a tried one
		b = p.pick(ClientContext{StickyKey: cc.StickyKey, HashKey: cc.HashKey})
	}
	if b == nil {
		metrics.NoBackendAvailable.WithLabelValues(poolID).Inc()
		r.emit(Event{Kind: EventNoAvailableBackends, PoolID: poolID})
		return Selection{}, fmt.Errorf("pool %s: %w", poolID, ErrNoBackendAvailable)
	}
	b.InFlight++
	metrics.BackendSelections.WithLabelValues(poolID, b.ID).Inc()
	return Selection{
		Ref:      Ref{PoolID: poolID, BackendID: b.ID, serial: b.serial},
		Addr:     b.Addr,
		StickyID: b.StickyID,
	}, nil
}

// Lookup resolves a ref to its backend if that incarnation still exists.
func (r *Registry) Lookup(ref Ref) (*Pool, *Backend, bool) {
	p, ok := r.pools[ref.PoolID]
	if !ok {
		return nil, nil, false
	}
	b := p.byID[ref.BackendID]
	if !ref.Matches(b) {
		return nil, nil, false
	}
	return p, b, true
}

// Usable reports whether a ref still points at an eligible backend, which
// is the condition for reusing an established upstream connection.
func (r *Registry) Usable(ref Ref) bool {
	_, b, ok := r.Lookup(ref)
	return ok && b.Eligible()
}

// Release ends one in-flight use of a backend.
func (r *Registry) Release(ref Ref) {
	p, b, ok := r.Lookup(ref)
	if !ok {
		return
	}
	if b.InFlight > 0 {
		b.InFlight--
	}
	if b.removing && b.InFlight == 0 {
		r.evict(p, b)
	}
}

// ReportFailure records a failed connection or exchange.
func (r *Registry) ReportFailure(ref Ref, now time.Time) {
	p, b, ok := r.Lookup(ref)
	if !ok {
		return
	}
	b.ConsecutiveFails++
	b.FailureCount++
	b.LastFailure = now

	prev := b.Health
	switch {
	case b.ConsecutiveFails >= r.policy.FailureThreshold:
		b.Health = Down
	case b.ConsecutiveFails >= r.policy.DegradedThreshold:
		b.Health = Degraded
	}
	if b.Health == prev {
		return
	}
	metrics.BackendHealthTransitions.WithLabelValues(p.ID, b.Health.String()).Inc()
	logger.Warn("Backend: health changed", "pool", p.ID, "backend", b.ID, "from", prev.String(), "to", b.Health.String(), "failures", b.ConsecutiveFails)
	if b.Health == Down {
		b.probeAttempt = 1
		b.nextProbe = now.Add(r.backoff(1))
		r.emit(Event{Kind: EventBackendDown, PoolID: p.ID, BackendID: b.ID, Address: b.Address})
	}
}

// ReportSuccess records a successful connection or exchange.
func (r *Registry) ReportSuccess(ref Ref, now time.Time) {
	p, b, ok := r.Lookup(ref)
	if !ok {
		return
	}
	r.markHealthy(p, b, now)
}

func (r *Registry) markHealthy(p *Pool, b *Backend, now time.Time) {
	b.ConsecutiveFails = 0
	b.LastSuccess = now
	prev := b.Health
	b.Health = Healthy
	b.probeAttempt = 0
	b.probing = false
	if prev == Healthy {
		return
	}
	metrics.BackendHealthTransitions.WithLabelValues(p.ID, Healthy.String()).Inc()
	logger.Info("Backend: healthy again", "pool", p.ID, "backend", b.ID, "from", prev.String())
	if prev == Down {
		r.emit(Event{Kind: EventBackendUp, PoolID: p.ID, BackendID: b.ID, Address: b.Address})
	}
}

// DueProbes returns the Down backends whose next probe is due and marks them
// as being probed.
func (r *Registry) DueProbes(now time.Time) []ProbeTarget {
	var out []ProbeTarget
	for _, p := range r.Pools() {
		for _, b := range p.members {
			if b.Health != Down || b.removing || b.probing || now.Before(b.nextProbe) {
				continue
			}
			b.probing = true
			out = append(out, ProbeTarget{
				Ref:     Ref{PoolID: p.ID, BackendID: b.ID, serial: b.serial},
				Address: b.Address,
				Addr:    b.Addr,
			})
		}
	}
	return out
}

// ProbeResult records the outcome of a probe started from DueProbes.
func (r *Registry) ProbeResult(ref Ref, ok bool, now time.Time) {
	p, b, found := r.Lookup(ref)
	if !found {
		return
	}
	b.probing = false
	if ok {
		r.markHealthy(p, b, now)
		return
	}
	b.probeAttempt++
	b.nextProbe = now.Add(r.backoff(b.probeAttempt))
	logger.Debug("Backend: probe failed", "pool", p.ID, "backend", b.ID, "attempt", b.probeAttempt, "next", b.nextProbe)
}

// Sweep force-evicts draining backends past their deadline and returns
// them, so that the sessions still using them can be closed.
func (r *Registry) Sweep(now time.Time) []Ref {
	var forced []Ref
	for _, p := range r.Pools() {
		for _, b := range p.Backends() {
			if b.removing && !now.Before(b.drainUntil) {
				forced = append(forced, Ref{PoolID: p.ID, BackendID: b.ID, serial: b.serial})
				logger.Warn("Backend: drain deadline passed, closing remaining connections", "pool", p.ID, "backend", b.ID, "in_flight", b.InFlight)
				r.evict(p, b)
			}
		}
	}
	return forced
}

// Events returns and clears the pending events.
func (r *Registry) Events() []Event {
	ev := r.events
	r.events = nil
	return ev
}

func (r *Registry) emit(ev Event) {
	r.events = append(r.events, ev)
}
