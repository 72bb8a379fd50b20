// Package certmanager drives certificate issuance and renewal. It consumes
// the DNS-01 issuance protocol as a black box through certmagic and
// libdns/rfc2136, but — unlike certmagic's own on-demand/background
// renewal — schedules the next issuance pass itself, from the minimum
// remaining lifetime across all obtained leaves.
package certmanager

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net"
	"time"

	"github.com/caddyserver/certmagic"
	"github.com/libdns/rfc2136"
	"golang.org/x/crypto/hkdf"

	"github.com/coldkeep/sniproxy/internal/logging"
	"github.com/coldkeep/sniproxy/internal/sniproxy"
)

// renewalLeadTime is subtracted from the minimum remaining leaf lifetime
// to pick the next renewal attempt.
const renewalLeadTime = 7 * 24 * time.Hour

// minRenewalSleep is the floor on the computed renewal delay, so a
// near-expiry or failed renewal does not hot-spin.
const minRenewalSleep = 1 * time.Hour

// Config is the static configuration the Manager needs at startup.
type Config struct {
	Domains      []string
	KeySeed      string // global seed, combined per-domain as "<domain>:<seed>"
	DNSServer    string // host[:port], defaults to port 53
	DNSUpdateKey string
	ACMEEmail    string
	CA           string // ACME directory endpoint; empty uses certmagic's default production CA
}

// Manager owns the certmagic configuration, the per-domain issuer set, and
// the renewal loop that keeps the SNI Proxy's TLS configuration current.
type Manager struct {
	log   *logging.Logger
	cfg   Config
	proxy *sniproxy.Proxy
	magic *certmagic.Config
}

// New builds a Manager that will install certificates onto proxy.
func New(log *logging.Logger, cfg Config, proxy *sniproxy.Proxy) *Manager {
	return &Manager{log: log, cfg: cfg, proxy: proxy}
}

// Run performs the first issuance pass synchronously (so startup can fail
// fatally if it does not succeed), then loops forever: sleep, reissue,
// reinstall.
func (m *Manager) Run(ctx context.Context) error {
	m.magic = m.newCertmagicConfig()

	for {
		bundle, err := m.issueAll(ctx)
		if err != nil {
			return fmt.Errorf("certmanager: issuance failed: %w", err)
		}

		m.proxy.SetTLSConfig(bundle.tlsConfig())
		m.log.Info("certificate bundle installed", "domains", m.cfg.Domains)

		delay := bundle.renewalDelay()
		m.log.Info("next renewal scheduled", "delay", delay)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// certBundle is the ordered list of chains spec.md §4.5 step 3 describes:
// the first configured domain's chain is the default.
type certBundle struct {
	chains []*tls.Certificate
}

func (b certBundle) tlsConfig() *tls.Config {
	byName := make(map[string]*tls.Certificate, len(b.chains))
	for _, c := range b.chains {
		leaf := c.Leaf
		if leaf == nil {
			continue
		}
		for _, name := range leaf.DNSNames {
			byName[name] = c
		}
		byName[leaf.Subject.CommonName] = c
	}

	cfg := &tls.Config{}
	if len(b.chains) > 0 {
		cfg.Certificates = []tls.Certificate{*b.chains[0]}
	}
	cfg.GetCertificate = func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
		if hello.ServerName != "" {
			if c, ok := byName[hello.ServerName]; ok {
				return c, nil
			}
		}
		if len(b.chains) > 0 {
			return b.chains[0], nil
		}
		return nil, fmt.Errorf("certmanager: no certificate available")
	}
	return cfg
}

// renewalDelay implements spec.md §4.5 step 5: minimum positive remaining
// span across all leaves, minus the lead time, clamped to a one-hour
// floor.
func (b certBundle) renewalDelay() time.Duration {
	var min time.Duration = -1
	now := time.Now()
	for _, c := range b.chains {
		if c.Leaf == nil {
			continue
		}
		remaining := c.Leaf.NotAfter.Sub(now)
		if remaining <= 0 {
			continue
		}
		if min < 0 || remaining < min {
			min = remaining
		}
	}
	if min < 0 {
		return minRenewalSleep
	}
	delay := min - renewalLeadTime
	if delay < minRenewalSleep {
		return minRenewalSleep
	}
	return delay
}

func (m *Manager) newCertmagicConfig() *certmagic.Config {
	cache := certmagic.NewCache(certmagic.CacheOptions{
		GetConfigForCert: func(certmagic.Certificate) (*certmagic.Config, error) {
			return m.magic, nil
		},
	})

	magic := certmagic.New(cache, certmagic.Config{
		RenewalWindowRatio: 0.3,
		Storage:            &certmagic.FileStorage{Path: "certmagic-data"},
	})

	ca := m.cfg.CA
	if ca == "" {
		ca = certmagic.LetsEncryptProductionCA
	}

	var dns01Solver *certmagic.DNS01Solver
	if m.cfg.DNSServer != "" {
		dns01Solver = &certmagic.DNS01Solver{
			DNSManager: certmagic.DNSManager{
				DNSProvider:        m.dnsProvider(),
				TTL:                600 * time.Second,
				PropagationTimeout: 2 * time.Minute,
			},
		}
	}

	issuer := certmagic.ACMEIssuer{
		CA:                      ca,
		Email:                   m.cfg.ACMEEmail,
		Agreed:                  true,
		DisableHTTPChallenge:    true,
		DisableTLSALPNChallenge: dns01Solver != nil,
		DNS01Solver:             dns01Solver,
	}
	domainIssuer := certmagic.NewACMEIssuer(magic, issuer)
	magic.Issuers = []certmagic.Issuer{domainIssuer}

	return magic
}

// dnsProvider builds the RFC2136 TSIG-keyed dynamic-update client spec.md
// §6 describes as "a DNS update key and a DNS server address/port
// (conventionally 53)".
func (m *Manager) dnsProvider() certmagic.DNSProvider {
	host, port := m.cfg.DNSServer, "53"
	if h, p, err := splitHostPortDefault(m.cfg.DNSServer, "53"); err == nil {
		host, port = h, p
	}
	return &rfc2136.Provider{
		Server: net.JoinHostPort(host, port),
		Key:    m.cfg.DNSUpdateKey,
	}
}

func splitHostPortDefault(addr, defaultPort string) (string, string, error) {
	host, port, err := splitHostPort(addr)
	if err != nil {
		return addr, defaultPort, nil
	}
	return host, port, nil
}

// issueAll requests a chain for each configured domain, per spec.md §4.5
// step 1-2: any failure aborts the whole pass (no partial rotation).
func (m *Manager) issueAll(ctx context.Context) (certBundle, error) {
	var bundle certBundle
	for _, domain := range m.cfg.Domains {
		chain, err := m.issueOne(ctx, domain)
		if err != nil {
			return certBundle{}, fmt.Errorf("certmanager: domain %s: %w", domain, err)
		}
		bundle.chains = append(bundle.chains, chain)
	}
	if len(bundle.chains) == 0 {
		return certBundle{}, fmt.Errorf("certmanager: no domains configured")
	}
	return bundle, nil
}

// issueOne builds a certificate request for domain and its wildcard,
// signs it with a private key deterministically derived from spec.md's
// per-domain key_seed, and hands the CSR directly to the configured
// issuer — bypassing ManageSync, which would generate its own random key
// per CSR and leave key_seed with nothing to influence.
func (m *Manager) issueOne(ctx context.Context, domain string) (*tls.Certificate, error) {
	wildcard := "*." + domain
	names := []string{domain, wildcard}

	keySeed := domain + ":" + m.cfg.KeySeed
	certKey, err := deriveCertificateKey(keySeed)
	if err != nil {
		return nil, fmt.Errorf("derive certificate key: %w", err)
	}

	csrDER, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: domain},
		DNSNames: names,
	}, certKey)
	if err != nil {
		return nil, fmt.Errorf("build certificate request: %w", err)
	}
	csr, err := x509.ParseCertificateRequest(csrDER)
	if err != nil {
		return nil, fmt.Errorf("parse certificate request: %w", err)
	}

	if len(m.magic.Issuers) == 0 {
		return nil, fmt.Errorf("no issuer configured")
	}
	issued, err := m.magic.Issuers[0].Issue(ctx, csr)
	if err != nil {
		return nil, fmt.Errorf("obtain certificate: %w", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(certKey)
	if err != nil {
		return nil, fmt.Errorf("marshal certificate key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	cert, err := tls.X509KeyPair(issued.Certificate, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("assemble issued certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("parse issued leaf: %w", err)
	}
	cert.Leaf = leaf
	return &cert, nil
}

// derivePrivateKeySeed turns a per-domain key seed into 32 bytes of
// deterministic key material via HKDF, the same construction used
// elsewhere in the ecosystem for turning a low-entropy seed into
// cryptographic key bytes.
func derivePrivateKeySeed(seed string) ([]byte, error) {
	kdf := hkdf.New(sha256.New, []byte(seed), nil, []byte("sniproxy-account-key"))
	out := make([]byte, 32)
	if _, err := io.ReadFull(kdf, out); err != nil {
		return nil, err
	}
	return out, nil
}

// deriveCertificateKey turns a per-domain key seed into a deterministic
// P-256 private key: the HKDF output is reduced into [1, N-1] (mod N-1,
// plus one, where N is the curve order) and used directly as the scalar,
// rather than as entropy fed to a random key generator.
func deriveCertificateKey(seed string) (*ecdsa.PrivateKey, error) {
	raw, err := derivePrivateKeySeed(seed)
	if err != nil {
		return nil, err
	}

	curve := elliptic.P256()
	order := curve.Params().N
	d := new(big.Int).SetBytes(raw)
	d.Mod(d, new(big.Int).Sub(order, big.NewInt(1)))
	d.Add(d, big.NewInt(1))

	priv := new(ecdsa.PrivateKey)
	priv.Curve = curve
	priv.D = d
	priv.PublicKey.X, priv.PublicKey.Y = curve.ScalarBaseMult(d.Bytes())
	return priv, nil
}

func splitHostPort(addr string) (host, port string, err error) {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[:i], addr[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("certmanager: %q has no port", addr)
}
