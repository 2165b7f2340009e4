package proxy

import (
	"encoding/binary"
	"fmt"
	"strings"

	"lukechampine.com/blake3"
)

// Algorithm names a load-balancing strategy.
type Algorithm string

const (
	RoundRobin         Algorithm = "round_robin"
	WeightedRoundRobin Algorithm = "weighted_round_robin"
	Sticky             Algorithm = "sticky"
	ConsistentHashing  Algorithm = "consistent_hash"
	LeastLoaded        Algorithm = "least_loaded"
)

// ParseAlgorithm validates an algorithm name. Empty means round robin.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch a := Algorithm(strings.ToLower(strings.TrimSpace(s))); a {
	case "":
		return RoundRobin, nil
	case RoundRobin, WeightedRoundRobin, Sticky, ConsistentHashing, LeastLoaded:
		return a, nil
	default:
		return "", fmt.Errorf("unknown load balancing algorithm %q", s)
	}
}

// PoolConfig describes a pool to create.
type PoolConfig struct {
	ID        string
	Algorithm Algorithm
	// StickyCookie names the cookie carrying a backend's sticky id. When
	// empty, sticky pools key on the client IP.
	StickyCookie string
}

// Pool is an ordered arena of backends sharing a balancing strategy.
type Pool struct {
	ID           string
	Algorithm    Algorithm
	StickyCookie string

	members  []*Backend
	byID     map[string]*Backend
	cursor   int
	ring     *ConsistentHash
	removing bool
}

func newPool(cfg PoolConfig) *Pool {
	p := &Pool{
		ID:           cfg.ID,
		Algorithm:    cfg.Algorithm,
		StickyCookie: cfg.StickyCookie,
		byID:         make(map[string]*Backend),
	}
	if p.Algorithm == "" {
		p.Algorithm = RoundRobin
	}
	if p.Algorithm == ConsistentHashing {
		p.ring = NewConsistentHash(150)
	}
	return p
}

// Backends returns the members in insertion order, including draining ones.
func (p *Pool) Backends() []*Backend {
	out := make([]*Backend, len(p.members))
	copy(out, p.members)
	return out
}

// Backend looks a member up by id.
func (p *Pool) Backend(id string) *Backend {
	return p.byID[id]
}

// Removing reports whether the pool was removed and waits for its backends to drain.
func (p *Pool) Removing() bool { return p.removing }

func (p *Pool) add(b *Backend) {
	p.members = append(p.members, b)
	p.byID[b.ID] = b
	if p.ring != nil {
		p.ring.AddBackend(b.ID)
	}
}

func (p *Pool) evict(b *Backend) {
	for i, m := range p.members {
		if m == b {
			p.members = append(p.members[:i], p.members[i+1:]...)
			if p.cursor > i {
				p.cursor--
			}
			break
		}
	}
	delete(p.byID, b.ID)
	if p.ring != nil && !b.removing {
		p.ring.RemoveBackend(b.ID)
	}
}

func (p *Pool) usable(b *Backend, cc ClientContext) bool {
	return b.Eligible() && !cc.excluded(b.ID)
}

// pick chooses a member for cc, or nil when none is usable.
func (p *Pool) pick(cc ClientContext) *Backend {
	switch p.Algorithm {
	case WeightedRoundRobin:
		return p.pickWeighted(cc)
	case Sticky:
		return p.pickSticky(cc)
	case ConsistentHashing:
		return p.pickHashed(cc)
	case LeastLoaded:
		return p.pickLeastLoaded(cc)
	default:
		return p.pickRoundRobin(cc)
	}
}

func (p *Pool) pickRoundRobin(cc ClientContext) *Backend {
	n := len(p.members)
	for i := 0; i < n; i++ {
		idx := (p.cursor + i) % n
		if b := p.members[idx]; p.usable(b, cc) {
			p.cursor = (idx + 1) % n
			return b
		}
	}
	return nil
}

// pickWeighted is the smooth weighted round robin: every usable member gains
// its weight in credit, the richest wins and pays back the total.
func (p *Pool) pickWeighted(cc ClientContext) *Backend {
	var best *Backend
	total := 0
	for _, b := range p.members {
		if !p.usable(b, cc) {
			continue
		}
		w := b.Weight
		if w <= 0 {
			w = 1
		}
		b.current += w
		total += w
		if best == nil || b.current > best.current ||
			(b.current == best.current && b.InFlight < best.InFlight) {
			best = b
		}
	}
	if best != nil {
		best.current -= total
	}
	return best
}

func (p *Pool) pickSticky(cc ClientContext) *Backend {
	if cc.StickyKey == "" {
		return p.pickRoundRobin(cc)
	}
	for _, b := range p.members {
		if b.StickyID != "" && b.StickyID == cc.StickyKey && p.usable(b, cc) {
			return b
		}
	}

	var live []*Backend
	for _, b := range p.members {
		if !b.removing {
			live = append(live, b)
		}
	}
	if len(live) == 0 {
		return nil
	}
	sum := blake3.Sum256([]byte(cc.StickyKey))
	b := live[binary.BigEndian.Uint64(sum[:8])%uint64(len(live))]
	if p.usable(b, cc) {
		return b
	}
	return p.pickRoundRobin(cc)
}

func (p *Pool) pickHashed(cc ClientContext) *Backend {
	if cc.HashKey == "" || p.ring == nil {
		return p.pickRoundRobin(cc)
	}
	id := p.ring.Walk(cc.HashKey, func(id string) bool {
		b := p.byID[id]
		return b != nil && p.usable(b, cc)
	})
	if id == "" {
		return nil
	}
	return p.byID[id]
}

func (p *Pool) pickLeastLoaded(cc ClientContext) *Backend {
	var best *Backend
	n := len(p.members)
	for i := 0; i < n; i++ {
		b := p.members[(p.cursor+i)%n]
		if !p.usable(b, cc) {
			continue
		}
		if best == nil || b.InFlight < best.InFlight ||
			(b.InFlight == best.InFlight && best.Health == Degraded && b.Health == Healthy) {
			best = b
		}
	}
	if n > 0 {
		p.cursor = (p.cursor + 1) % n
	}
	return best
}
