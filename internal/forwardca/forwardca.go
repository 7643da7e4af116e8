// Package forwardca mints per-host leaf certificates on the fly for
// forward-proxy CONNECT interception: the client tunnels to
// "host:443", we answer the TLS handshake ourselves with a certificate
// for that host signed by a locally trusted root CA, and the decrypted
// bytes flow through the normal proxy path.
//
// Minted tls.Config values are cached per canonical host in an LRU so
// repeated CONNECTs to the same upstream (the overwhelmingly common
// case for a single coding-agent session) cost one key generation
// total, not one per tunnel.
package forwardca

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"os"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// hostCacheSize bounds the minted-config cache. Real sessions talk to a
// handful of upstream hosts; 1024 is effectively unbounded in practice
// while still protecting against a pathological client CONNECTing to
// arbitrary hosts.
const hostCacheSize = 1024

// leafValidity is how long a minted leaf certificate is valid. Tunnels
// are short-lived; a week leaves generous slack for long sessions and
// clock skew without approaching the CA's own lifetime.
const leafValidity = 7 * 24 * time.Hour

// Authority signs per-host leaf certificates with a root CA loaded at
// startup. Safe for concurrent use by multiple CONNECT goroutines.
type Authority struct {
	caCert *x509.Certificate
	caKey  any

	cache *lru.Cache[string, *tls.Config]
}

// Load reads the root certificate and key from PEM files and returns an
// Authority ready to mint leaves.
func Load(certPath, keyPath string) (*Authority, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("forwardca: reading root cert: %w", err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("forwardca: reading root key: %w", err)
	}
	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("forwardca: parsing root key pair: %w", err)
	}
	caCert, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("forwardca: parsing root certificate: %w", err)
	}
	return newAuthority(caCert, pair.PrivateKey)
}

// NewFromParsed builds an Authority from an already-parsed certificate
// and key — used by tests and by callers that generate an ephemeral CA.
func NewFromParsed(caCert *x509.Certificate, caKey any) (*Authority, error) {
	return newAuthority(caCert, caKey)
}

func newAuthority(caCert *x509.Certificate, caKey any) (*Authority, error) {
	cache, err := lru.New[string, *tls.Config](hostCacheSize)
	if err != nil {
		return nil, fmt.Errorf("forwardca: building host cache: %w", err)
	}
	return &Authority{caCert: caCert, caKey: caKey, cache: cache}, nil
}

// TLSConfigForHost returns a TLS server configuration whose certificate
// is minted for host (DNS SAN for names, IP SAN for numeric hosts) and
// signed by the root CA. Results are cached per canonical host.
func (a *Authority) TLSConfigForHost(host string) (*tls.Config, error) {
	canonical := canonicalHost(host)
	if cfg, ok := a.cache.Get(canonical); ok {
		return cfg, nil
	}

	cert, err := a.mintLeaf(canonical)
	if err != nil {
		return nil, err
	}
	cfg := &tls.Config{Certificates: []tls.Certificate{cert}}

	// A racing goroutine may have minted the same host concurrently;
	// last write wins, both configs are equally valid.
	a.cache.Add(canonical, cfg)
	return cfg, nil
}

func (a *Authority) mintLeaf(host string) (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("forwardca: generating leaf key for %s: %w", host, err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("forwardca: generating serial for %s: %w", host, err)
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: host},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(leafValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if ip := net.ParseIP(host); ip != nil {
		tmpl.IPAddresses = []net.IP{ip}
	} else {
		tmpl.DNSNames = []string{host}
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, a.caCert, &key.PublicKey, a.caKey)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("forwardca: signing leaf for %s: %w", host, err)
	}

	return tls.Certificate{
		Certificate: [][]byte{der, a.caCert.Raw},
		PrivateKey:  key,
		Leaf:        tmpl,
	}, nil
}

// canonicalHost lowercases and strips IPv6 brackets so cache keys for
// "API.Anthropic.COM", "api.anthropic.com", and "[::1]" vs "::1"
// collapse to one entry each.
func canonicalHost(host string) string {
	h := strings.ToLower(strings.TrimSpace(host))
	h = strings.TrimPrefix(h, "[")
	h = strings.TrimSuffix(h, "]")
	return h
}
