// Package routing maps a request's listener, host, path and method to a
// backend pool.
//
// Rules are ranked by hostname specificity (exact, then wildcard with the
// longest suffix first, then any host), then by the longest path prefix,
// then method-specific rules before method-agnostic ones. Remaining ties go
// to the lexically smallest rule id so that ranking never depends on
// insertion order.
package routing

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
)

var (
	ErrRuleNotFound = errors.New("routing rule not found")
	ErrInvalidRule  = errors.New("invalid routing rule")
)

// Rule sends matching requests of a listener to a pool.
type Rule struct {
	ID         string `json:"id"`
	ListenerID string `json:"listener_id"`
	// Hostname is an exact name, "*.suffix" wildcard, or empty for any host.
	Hostname string `json:"hostname,omitempty"`
	// PathPrefix is matched against the request path; empty matches all.
	PathPrefix string `json:"path_prefix,omitempty"`
	Method     string `json:"method,omitempty"`
	PoolID     string `json:"pool_id,omitempty"`
	// Deny refuses matching requests instead of routing them. A deny rule
	// has no pool.
	Deny bool `json:"deny,omitempty"`
}

const (
	hostAny = iota
	hostWildcard
	hostExact
)

func (r *Rule) hostKind() int {
	switch {
	case r.Hostname == "":
		return hostAny
	case strings.HasPrefix(r.Hostname, "*."):
		return hostWildcard
	default:
		return hostExact
	}
}

func (r *Rule) matchesHost(host string) bool {
	switch r.hostKind() {
	case hostAny:
		return true
	case hostWildcard:
		suffix := r.Hostname[1:] // ".example.com"
		return len(host) > len(suffix) && strings.HasSuffix(host, suffix)
	default:
		return host == r.Hostname
	}
}

func (r *Rule) matches(host, path, method string) bool {
	if !r.matchesHost(host) {
		return false
	}
	if r.Method != "" && r.Method != method {
		return false
	}
	return strings.HasPrefix(path, r.PathPrefix)
}

// outranks reports whether a should be tried before b.
func outranks(a, b *Rule) bool {
	if ak, bk := a.hostKind(), b.hostKind(); ak != bk {
		return ak > bk
	}
	if len(a.Hostname) != len(b.Hostname) {
		return len(a.Hostname) > len(b.Hostname)
	}
	if len(a.PathPrefix) != len(b.PathPrefix) {
		return len(a.PathPrefix) > len(b.PathPrefix)
	}
	if (a.Method != "") != (b.Method != "") {
		return a.Method != ""
	}
	return a.ID < b.ID
}

// NormalizeHost lowercases a Host header or SNI value and strips the port
// and a trailing dot.
func NormalizeHost(host string) string {
	host = strings.TrimSpace(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	} else if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		host = host[1 : len(host)-1]
	}
	return strings.TrimSuffix(strings.ToLower(host), ".")
}

// Validate checks a rule and normalizes its hostname and method.
func (r *Rule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidRule)
	}
	if r.ListenerID == "" {
		return fmt.Errorf("%w: listener_id is required", ErrInvalidRule)
	}
	switch {
	case r.Deny && r.PoolID != "":
		return fmt.Errorf("%w: a deny rule takes no pool_id", ErrInvalidRule)
	case !r.Deny && r.PoolID == "":
		return fmt.Errorf("%w: pool_id is required", ErrInvalidRule)
	}
	r.Hostname = NormalizeHost(r.Hostname)
	if strings.Contains(r.Hostname, "*") && (!strings.HasPrefix(r.Hostname, "*.") || strings.Count(r.Hostname, "*") > 1 || len(r.Hostname) < 3) {
		return fmt.Errorf("%w: wildcard must be a leading \"*.\" label, got %q", ErrInvalidRule, r.Hostname)
	}
	if r.PathPrefix != "" && !strings.HasPrefix(r.PathPrefix, "/") {
		return fmt.Errorf("%w: path prefix must start with '/', got %q", ErrInvalidRule, r.PathPrefix)
	}
	r.Method = strings.ToUpper(r.Method)
	return nil
}

// Table holds the rules of all listeners.
type Table struct {
	byID       map[string]*Rule
	byListener map[string][]*Rule // ranked
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{
		byID:       make(map[string]*Rule),
		byListener: make(map[string][]*Rule),
	}
}

// Set inserts a rule or replaces the rule with the same id.
func (t *Table) Set(rule Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	if old, ok := t.byID[rule.ID]; ok {
		t.unlink(old)
	}
	r := &rule
	t.byID[r.ID] = r
	rules := append(t.byListener[r.ListenerID], r)
	sort.SliceStable(rules, func(i, j int) bool { return outranks(rules[i], rules[j]) })
	t.byListener[r.ListenerID] = rules
	return nil
}

// Remove deletes a rule by id.
func (t *Table) Remove(id string) error {
	r, ok := t.byID[id]
	if !ok {
		return fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}
	t.unlink(r)
	delete(t.byID, id)
	return nil
}

func (t *Table) unlink(r *Rule) {
	rules := t.byListener[r.ListenerID]
	for i, x := range rules {
		if x == r {
			rules = append(rules[:i], rules[i+1:]...)
			break
		}
	}
	if len(rules) == 0 {
		delete(t.byListener, r.ListenerID)
	} else {
		t.byListener[r.ListenerID] = rules
	}
}

// Match returns the best rule of a listener for a request. host must be
// normalized with NormalizeHost.
func (t *Table) Match(listenerID, host, path, method string) (Rule, bool) {
	for _, r := range t.byListener[listenerID] {
		if r.matches(host, path, method) {
			return *r, true
		}
	}
	return Rule{}, false
}

// Get returns a rule by id.
func (t *Table) Get(id string) (Rule, bool) {
	r, ok := t.byID[id]
	if !ok {
		return Rule{}, false
	}
	return *r, true
}

// ListenerRules returns the rules of one listener in match order.
func (t *Table) ListenerRules(listenerID string) []Rule {
	ranked := t.byListener[listenerID]
	out := make([]Rule, len(ranked))
	for i, r := range ranked {
		out[i] = *r
	}
	return out
}

// ReferencesPool reports whether any rule targets poolID.
func (t *Table) ReferencesPool(poolID string) bool {
	for _, r := range t.byID {
		if !r.Deny && r.PoolID == poolID {
			return true
		}
	}
	return false
}

// Rules returns all rules sorted by id.
func (t *Table) Rules() []Rule {
	out := make([]Rule, 0, len(t.byID))
	for _, r := range t.byID {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len is the number of rules.
func (t *Table) Len() int { return len(t.byID) }
