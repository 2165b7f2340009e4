package listener

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/tollgate-proxy/tollgate/logger"
)

var (
	ErrCertificateExists   = errors.New("certificate already present")
	ErrCertificateNotFound = errors.New("certificate not found")
	ErrInvalidCertificate  = errors.New("invalid certificate")
	// ErrNoCertificate is returned to crypto/tls when nothing matches the SNI.
	ErrNoCertificate = errors.New("no certificate for server name")
)

// Certificate is a parsed key pair and the names it serves.
type Certificate struct {
	// Fingerprint is the hex SHA-256 of the leaf DER and identifies the
	// certificate in orders.
	Fingerprint string
	Names       []string
	Leaf        *x509.Certificate
	pair        *tls.Certificate
}

// ParseCertificate builds a Certificate from a PEM chain and key. When names
// is empty the DNS SANs of the leaf, or its common name, are used.
func ParseCertificate(certPEM, keyPEM []byte, names []string) (*Certificate, error) {
	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCertificate, err)
	}
	leaf, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCertificate, err)
	}
	pair.Leaf = leaf

	if len(names) == 0 {
		names = leaf.DNSNames
		if len(names) == 0 && leaf.Subject.CommonName != "" {
			names = []string{leaf.Subject.CommonName}
		}
	}
	normalized := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(n), "."))
		if n != "" {
			normalized = append(normalized, n)
		}
	}
	if len(normalized) == 0 {
		return nil, fmt.Errorf("%w: certificate has no names", ErrInvalidCertificate)
	}

	sum := sha256.Sum256(leaf.Raw)
	return &Certificate{
		Fingerprint: hex.EncodeToString(sum[:]),
		Names:       normalized,
		Leaf:        leaf,
		pair:        &pair,
	}, nil
}

type certSnapshot struct {
	ordered []*Certificate
	byName  map[string]*Certificate
	// fallback serves clients without SNI.
	fallback *Certificate
}

// CertStore holds the certificates of one HTTPS listener. Readers (TLS
// handshake goroutines) load an immutable snapshot; writers replace it.
// Writers are serialized by the worker loop.
type CertStore struct {
	snap atomic.Pointer[certSnapshot]
}

func NewCertStore() *CertStore {
	s := &CertStore{}
	s.snap.Store(&certSnapshot{byName: map[string]*Certificate{}})
	return s
}

// Add installs a certificate. A name served by an older certificate moves to
// the new one, so renewals are an Add followed by a Remove of the old
// fingerprint.
func (s *CertStore) Add(c *Certificate) error {
	cur := s.snap.Load()
	for _, existing := range cur.ordered {
		if existing.Fingerprint == c.Fingerprint {
			return fmt.Errorf("%s: %w", c.Fingerprint, ErrCertificateExists)
		}
	}
	ordered := append(append([]*Certificate(nil), cur.ordered...), c)
	s.snap.Store(index(ordered))
	return nil
}

// Remove uninstalls a certificate by fingerprint.
func (s *CertStore) Remove(fingerprint string) error {
	fingerprint = strings.ToLower(fingerprint)
	cur := s.snap.Load()
	ordered := make([]*Certificate, 0, len(cur.ordered))
	found := false
	for _, c := range cur.ordered {
		if c.Fingerprint == fingerprint {
			found = true
			continue
		}
		ordered = append(ordered, c)
	}
	if !found {
		return fmt.Errorf("%s: %w", fingerprint, ErrCertificateNotFound)
	}
	s.snap.Store(index(ordered))
	return nil
}

// Replace swaps the certificate old for c in one snapshot, so no handshake
// sees neither of them. c takes the place of old in the fallback order.
func (s *CertStore) Replace(old string, c *Certificate) error {
	old = strings.ToLower(old)
	cur := s.snap.Load()
	ordered := make([]*Certificate, 0, len(cur.ordered))
	found := false
	for _, existing := range cur.ordered {
		switch existing.Fingerprint {
		case c.Fingerprint:
			return fmt.Errorf("%s: %w", c.Fingerprint, ErrCertificateExists)
		case old:
			found = true
			ordered = append(ordered, c)
		default:
			ordered = append(ordered, existing)
		}
	}
	if !found {
		return fmt.Errorf("%s: %w", old, ErrCertificateNotFound)
	}
	s.snap.Store(index(ordered))
	return nil
}

func index(ordered []*Certificate) *certSnapshot {
	snap := &certSnapshot{ordered: ordered, byName: make(map[string]*Certificate)}
	for _, c := range ordered {
		for _, n := range c.Names {
			snap.byName[n] = c
		}
		snap.fallback = c
	}
	return snap
}

// Has reports whether a fingerprint is installed.
func (s *CertStore) Has(fingerprint string) bool {
	for _, c := range s.snap.Load().ordered {
		if c.Fingerprint == strings.ToLower(fingerprint) {
			return true
		}
	}
	return false
}

// List returns the installed certificates sorted by fingerprint.
func (s *CertStore) List() []*Certificate {
	out := append([]*Certificate(nil), s.snap.Load().ordered...)
	sort.Slice(out, func(i, j int) bool { return out[i].Fingerprint < out[j].Fingerprint })
	return out
}

func (s *CertStore) Len() int { return len(s.snap.Load().ordered) }

// Lookup finds the certificate for a server name: an exact name first, then
// a wildcard covering its first label. An empty name gets the most recently
// added certificate.
func (s *CertStore) Lookup(serverName string) (*Certificate, bool) {
	snap := s.snap.Load()
	if serverName == "" {
		return snap.fallback, snap.fallback != nil
	}
	name := strings.ToLower(strings.TrimSuffix(serverName, "."))
	if c, ok := snap.byName[name]; ok {
		return c, true
	}
	if dot := strings.IndexByte(name, '.'); dot > 0 {
		if c, ok := snap.byName["*"+name[dot:]]; ok {
			return c, true
		}
	}
	return nil, false
}

// GetCertificate implements tls.Config.GetCertificate. It runs on handshake
// goroutines and only reads the current snapshot.
func (s *CertStore) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	c, ok := s.Lookup(hello.ServerName)
	if !ok {
		logger.Debug("TLS: No certificate for server name", "server_name", hello.ServerName)
		return nil, fmt.Errorf("%w: %q", ErrNoCertificate, hello.ServerName)
	}
	return c.pair, nil
}

// ParseTLSVersion maps "1.0" .. "1.3" to a crypto/tls version. Empty means
// TLS 1.2.
func ParseTLSVersion(s string) (uint16, error) {
	switch strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "tls") {
	case "", "1.2":
		return tls.VersionTLS12, nil
	case "1.0":
		return tls.VersionTLS10, nil
	case "1.1":
		return tls.VersionTLS11, nil
	case "1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("unknown TLS version %q", s)
	}
}

// TLSConfig builds the server configuration of an HTTPS listener on top of
// its certificate store.
func (s *CertStore) TLSConfig(alpn []string, minVersion uint16) *tls.Config {
	if len(alpn) == 0 {
		alpn = []string{"http/1.1"}
	}
	return &tls.Config{
		GetCertificate: s.GetCertificate,
		NextProtos:     alpn,
		MinVersion:     minVersion,
	}
}
