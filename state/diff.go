package state

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/tollgate-proxy/tollgate/server/command"
	"github.com/tollgate-proxy/tollgate/server/listener"
	"github.com/tollgate-proxy/tollgate/server/routing"
)

// ErrImmutable reports a change no order can express in place. The object
// has to be recreated under a new id.
var ErrImmutable = errors.New("change needs a new id")

// Diff returns the orders that turn a worker configured with old into one
// configured with next, meant to be applied one by one in the returned
// order. Additions come first (pools, backends, listeners, certificates,
// rules), then removals in reverse dependency order, then backend updates.
// A nil old means an empty worker.
func Diff(old, next *State) ([]command.Request, error) {
	if old == nil {
		old = &State{}
	}
	if next == nil {
		next = &State{}
	}
	d := &differ{}
	if err := d.pools(old, next); err != nil {
		return nil, err
	}
	if err := d.listeners(old, next); err != nil {
		return nil, err
	}
	d.certificates(old, next)
	d.rules(old, next)
	if d.err != nil {
		return nil, d.err
	}

	var out []command.Request
	for _, group := range [][]command.Request{d.adds, d.rmRules, d.rmCerts, d.rmListeners, d.rmBackends, d.rmPools, d.updates} {
		out = append(out, group...)
	}
	return out, nil
}

// Orders returns the orders that configure an empty worker as s.
func Orders(s *State) ([]command.Request, error) { return Diff(nil, s) }

type differ struct {
	adds, updates []command.Request

	// removals, emitted in reverse dependency order
	rmRules, rmCerts, rmListeners, rmBackends, rmPools []command.Request

	err error
}

func (d *differ) order(t command.Type, key string, payload any) command.Request {
	req, err := command.NewRequest(strings.ToLower(string(t))+"/"+key, t, payload)
	if err != nil && d.err == nil {
		d.err = err
	}
	return req
}

func (d *differ) pools(old, next *State) error {
	before := map[string]Pool{}
	for _, p := range old.Pools {
		before[p.ID] = p
	}
	after := map[string]Pool{}
	for _, p := range next.Pools {
		after[p.ID] = p
		prev, existed := before[p.ID]
		if !existed {
			d.adds = append(d.adds, d.order(command.AddPool, p.ID, poolSpec(p)))
		} else if !strings.EqualFold(prev.Algorithm, p.Algorithm) || prev.StickyCookie != p.StickyCookie {
			return fmt.Errorf("pool %s: settings changed: %w", p.ID, ErrImmutable)
		}

		prevBackends := map[string]Backend{}
		for _, b := range prev.Backends {
			prevBackends[b.ID] = b
		}
		for _, b := range p.Backends {
			pb, had := prevBackends[b.ID]
			switch {
			case !had:
				d.adds = append(d.adds, d.order(command.AddBackend, p.ID+"/"+b.ID, backendSpec(p.ID, b)))
			case pb.Address != b.Address:
				return fmt.Errorf("backend %s of pool %s: address changed: %w", b.ID, p.ID, ErrImmutable)
			case weight(pb) != weight(b) || pb.StickyID != b.StickyID:
				// removal then re-add revives the draining backend with
				// the new settings
				ref := command.BackendRef{PoolID: p.ID, ID: b.ID}
				d.updates = append(d.updates,
					d.order(command.RemoveBackend, p.ID+"/"+b.ID, ref),
					d.order(command.AddBackend, p.ID+"/"+b.ID, backendSpec(p.ID, b)))
			}
		}
		if existed {
			kept := map[string]bool{}
			for _, b := range p.Backends {
				kept[b.ID] = true
			}
			for _, b := range prev.Backends {
				if !kept[b.ID] {
					d.rmBackends = append(d.rmBackends, d.order(command.RemoveBackend, p.ID+"/"+b.ID, command.BackendRef{PoolID: p.ID, ID: b.ID}))
				}
			}
		}
	}
	for _, p := range old.Pools {
		if _, ok := after[p.ID]; !ok {
			d.rmPools = append(d.rmPools, d.order(command.RemovePool, p.ID, command.PoolRef{ID: p.ID}))
		}
	}
	return nil
}

func (d *differ) listeners(old, next *State) error {
	before := map[string]Listener{}
	for _, l := range old.Listeners {
		before[l.ID] = l
	}
	after := map[string]bool{}
	for _, l := range next.Listeners {
		after[l.ID] = true
		prev, existed := before[l.ID]
		if !existed {
			d.adds = append(d.adds, d.order(command.AddListener, l.ID, listenerSpec(l)))
			continue
		}
		if !sameListener(prev, l) {
			return fmt.Errorf("listener %s: settings changed: %w", l.ID, ErrImmutable)
		}
	}
	for _, l := range old.Listeners {
		if !after[l.ID] {
			d.rmListeners = append(d.rmListeners, d.order(command.RemoveListener, l.ID, command.ListenerRef{ID: l.ID}))
		}
	}
	return nil
}

// certificates are compared by listener and fingerprint. Certificates of a
// removed listener go away with it.
func (d *differ) certificates(old, next *State) {
	key := func(c Certificate) string { return c.Listener + "/" + c.fingerprint }
	before := map[string]bool{}
	for _, c := range old.Certificates {
		before[key(c)] = true
	}
	after := map[string]bool{}
	for _, c := range next.Certificates {
		after[key(c)] = true
		if !before[key(c)] {
			spec := command.CertificateSpec{ListenerID: c.Listener, Certificate: c.certPEM, Key: c.keyPEM, Names: c.Names}
			d.adds = append(d.adds, d.order(command.AddCertificate, key(c), spec))
		}
	}
	remaining := map[string]bool{}
	for _, l := range next.Listeners {
		remaining[l.ID] = true
	}
	for _, c := range old.Certificates {
		if !after[key(c)] && remaining[c.Listener] {
			ref := command.CertificateRef{ListenerID: c.Listener, Fingerprint: c.fingerprint}
			d.rmCerts = append(d.rmCerts, d.order(command.RemoveCertificate, key(c), ref))
		}
	}
}

// rules are replaced in place by SetRoutingRule, so only removals need a
// separate order. Rules of a removed listener are still removed explicitly
// so that the pools they point at can go.
func (d *differ) rules(old, next *State) {
	before := map[string]Rule{}
	for _, r := range old.Rules {
		before[r.ID] = r
	}
	after := map[string]bool{}
	for _, r := range next.Rules {
		after[r.ID] = true
		if prev, ok := before[r.ID]; !ok || prev != r {
			d.adds = append(d.adds, d.order(command.SetRoutingRule, r.ID, routingRule(r)))
		}
	}
	for _, r := range old.Rules {
		if !after[r.ID] {
			d.rmRules = append(d.rmRules, d.order(command.RemoveRoutingRule, r.ID, command.RuleRef{ID: r.ID}))
		}
	}
}

func poolSpec(p Pool) command.PoolSpec {
	return command.PoolSpec{ID: p.ID, Algorithm: p.Algorithm, StickyCookie: p.StickyCookie}
}

func backendSpec(pool string, b Backend) command.BackendSpec {
	return command.BackendSpec{PoolID: pool, ID: b.ID, Address: b.Address, Weight: b.Weight, StickyID: b.StickyID}
}

func listenerSpec(l Listener) listener.Spec {
	return listener.Spec{
		ID:            l.ID,
		Address:       l.Address,
		Kind:          listener.Kind(strings.ToLower(l.Kind)),
		ALPN:          l.ALPN,
		MinTLSVersion: l.MinTLSVersion,
		DefaultPool:   l.DefaultPool,
		ProxyProtocol: l.ProxyProtocol,
	}
}

func routingRule(r Rule) routing.Rule {
	return routing.Rule{
		ID:         r.ID,
		ListenerID: r.Listener,
		Hostname:   r.Hostname,
		PathPrefix: r.PathPrefix,
		Method:     r.Method,
		PoolID:     r.Pool,
		Deny:       r.Deny,
	}
}

// weight treats 0 as the default weight of 1.
func weight(b Backend) int {
	if b.Weight == 0 {
		return 1
	}
	return b.Weight
}

func sameListener(a, b Listener) bool {
	return a.Address == b.Address &&
		strings.EqualFold(a.Kind, b.Kind) &&
		slices.Equal(a.ALPN, b.ALPN) &&
		a.MinTLSVersion == b.MinTLSVersion &&
		a.DefaultPool == b.DefaultPool &&
		a.ProxyProtocol == b.ProxyProtocol
}
