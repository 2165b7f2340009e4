// Package state describes the desired configuration of a worker as a
// document and computes the orders that move a worker from one document to
// another.
package state

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/tollgate-proxy/tollgate/logger"
	"github.com/tollgate-proxy/tollgate/server/listener"
	"github.com/tollgate-proxy/tollgate/server/proxy"
)

var (
	ErrInvalidState  = errors.New("invalid state")
	ErrUnknownFormat = errors.New("unknown state file format")
)

// State is the full desired configuration of one worker.
type State struct {
	Pools        []Pool        `toml:"pools" yaml:"pools"`
	Listeners    []Listener    `toml:"listeners" yaml:"listeners"`
	Rules        []Rule        `toml:"rules" yaml:"rules"`
	Certificates []Certificate `toml:"certificates" yaml:"certificates"`
}

type Pool struct {
	ID           string    `toml:"id" yaml:"id"`
	Algorithm    string    `toml:"algorithm" yaml:"algorithm"`
	StickyCookie string    `toml:"sticky_cookie" yaml:"sticky_cookie"`
	Backends     []Backend `toml:"backends" yaml:"backends"`
}

type Backend struct {
	ID       string `toml:"id" yaml:"id"`
	Address  string `toml:"address" yaml:"address"`
	Weight   int    `toml:"weight" yaml:"weight"`
	StickyID string `toml:"sticky_id" yaml:"sticky_id"`
}

type Listener struct {
	ID            string   `toml:"id" yaml:"id"`
	Address       string   `toml:"address" yaml:"address"`
	Kind          string   `toml:"kind" yaml:"kind"`
	ALPN          []string `toml:"alpn" yaml:"alpn"`
	MinTLSVersion string   `toml:"min_tls_version" yaml:"min_tls_version"`
	DefaultPool   string   `toml:"default_pool" yaml:"default_pool"`
	ProxyProtocol bool     `toml:"proxy_protocol" yaml:"proxy_protocol"`
}

type Rule struct {
	ID         string `toml:"id" yaml:"id"`
	Listener   string `toml:"listener" yaml:"listener"`
	Hostname   string `toml:"hostname" yaml:"hostname"`
	PathPrefix string `toml:"path_prefix" yaml:"path_prefix"`
	Method     string `toml:"method" yaml:"method"`
	Pool       string `toml:"pool" yaml:"pool"`
	// Deny answers matching requests with 403 instead of routing them.
	Deny bool `toml:"deny" yaml:"deny"`
}

// Certificate points at PEM files; relative paths are resolved against the
// directory of the state file.
type Certificate struct {
	Listener string   `toml:"listener" yaml:"listener"`
	CertFile string   `toml:"cert_file" yaml:"cert_file"`
	KeyFile  string   `toml:"key_file" yaml:"key_file"`
	Names    []string `toml:"names" yaml:"names"`

	certPEM     string
	keyPEM      string
	fingerprint string
}

// Fingerprint identifies the loaded certificate in orders.
func (c Certificate) Fingerprint() string { return c.fingerprint }

// Load reads a state file. The format follows the extension: .toml, .yaml
// or .yml.
func Load(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	format := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	s, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := s.loadCertificates(filepath.Dir(path)); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// Parse decodes and validates a state document. Certificate files are not
// read.
func Parse(data []byte, format string) (*State, error) {
	s := &State{}
	switch format {
	case "toml":
		md, err := toml.NewDecoder(bytes.NewReader(data)).Decode(s)
		if err != nil {
			return nil, err
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			logger.Warn("State: unknown keys ignored", "keys", keys)
		}
	case "yaml", "yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(s); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks that ids are unique and that every reference resolves.
func (s *State) Validate() error {
	pools := map[string]bool{}
	for _, p := range s.Pools {
		if p.ID == "" {
			return fmt.Errorf("%w: pool without id", ErrInvalidState)
		}
		if pools[p.ID] {
			return fmt.Errorf("%w: duplicate pool %s", ErrInvalidState, p.ID)
		}
		pools[p.ID] = true
		if _, err := proxy.ParseAlgorithm(p.Algorithm); err != nil {
			return fmt.Errorf("%w: pool %s: %v", ErrInvalidState, p.ID, err)
		}
		backends := map[string]bool{}
		for _, b := range p.Backends {
			if b.ID == "" || b.Address == "" {
				return fmt.Errorf("%w: pool %s: backend needs an id and an address", ErrInvalidState, p.ID)
			}
			if backends[b.ID] {
				return fmt.Errorf("%w: pool %s: duplicate backend %s", ErrInvalidState, p.ID, b.ID)
			}
			backends[b.ID] = true
		}
	}

	listeners := map[string]listener.Kind{}
	for _, l := range s.Listeners {
		if l.ID == "" || l.Address == "" {
			return fmt.Errorf("%w: listener needs an id and an address", ErrInvalidState)
		}
		if _, ok := listeners[l.ID]; ok {
			return fmt.Errorf("%w: duplicate listener %s", ErrInvalidState, l.ID)
		}
		kind := listener.Kind(strings.ToLower(l.Kind))
		switch kind {
		case listener.HTTP, listener.HTTPS, listener.TLS, listener.TCP:
		default:
			return fmt.Errorf("%w: listener %s: unknown kind %q", ErrInvalidState, l.ID, l.Kind)
		}
		if l.DefaultPool != "" && !pools[l.DefaultPool] {
			return fmt.Errorf("%w: listener %s: unknown default pool %s", ErrInvalidState, l.ID, l.DefaultPool)
		}
		if kind == listener.TCP && l.DefaultPool == "" {
			return fmt.Errorf("%w: tcp listener %s needs a default pool", ErrInvalidState, l.ID)
		}
		listeners[l.ID] = kind
	}

	rules := map[string]bool{}
	for _, r := range s.Rules {
		if r.ID == "" {
			return fmt.Errorf("%w: rule without id", ErrInvalidState)
		}
		if rules[r.ID] {
			return fmt.Errorf("%w: duplicate rule %s", ErrInvalidState, r.ID)
		}
		rules[r.ID] = true
		if _, ok := listeners[r.Listener]; !ok {
			return fmt.Errorf("%w: rule %s: unknown listener %s", ErrInvalidState, r.ID, r.Listener)
		}
		switch {
		case r.Deny && r.Pool != "":
			return fmt.Errorf("%w: rule %s: a deny rule has no pool", ErrInvalidState, r.ID)
		case !r.Deny && !pools[r.Pool]:
			return fmt.Errorf("%w: rule %s: unknown pool %s", ErrInvalidState, r.ID, r.Pool)
		}
	}

	for _, c := range s.Certificates {
		if listeners[c.Listener] != listener.HTTPS {
			return fmt.Errorf("%w: certificate %s: %s is not an https listener", ErrInvalidState, c.CertFile, c.Listener)
		}
		if c.CertFile == "" || c.KeyFile == "" {
			return fmt.Errorf("%w: certificate for %s needs cert_file and key_file", ErrInvalidState, c.Listener)
		}
	}
	return nil
}

func (s *State) loadCertificates(dir string) error {
	seen := map[string]bool{}
	for i := range s.Certificates {
		c := &s.Certificates[i]
		certPEM, err := os.ReadFile(resolve(dir, c.CertFile))
		if err != nil {
			return err
		}
		keyPEM, err := os.ReadFile(resolve(dir, c.KeyFile))
		if err != nil {
			return err
		}
		if err := c.SetPEM(certPEM, keyPEM); err != nil {
			return err
		}
		key := c.Listener + "/" + c.fingerprint
		if seen[key] {
			return fmt.Errorf("%w: certificate %s listed twice for %s", ErrInvalidState, c.CertFile, c.Listener)
		}
		seen[key] = true
	}
	return nil
}

// SetPEM attaches certificate material, checking that it parses.
func (c *Certificate) SetPEM(certPEM, keyPEM []byte) error {
	parsed, err := listener.ParseCertificate(certPEM, keyPEM, c.Names)
	if err != nil {
		return fmt.Errorf("certificate %s: %w", c.CertFile, err)
	}
	c.certPEM, c.keyPEM, c.fingerprint = string(certPEM), string(keyPEM), parsed.Fingerprint
	return nil
}

func resolve(dir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}
