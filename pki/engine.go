// Package pki is the certificate issuance and revocation engine. An Engine
// holds any number of authorities, each pairing a CA certificate with a
// signing capability, a serial allocator and a revocation ledger. It issues
// certificates from CSRs against named profiles, records revocations, and
// produces CRLs and OCSP responses signed by the same authority key.
//
// Every operation names its authority explicitly; there is no ambient
// "current CA".
package pki

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jmcleod/ironca/caerr"
	"github.com/jmcleod/ironca/profile"
)

var (
	// ErrInvalidPEM is returned when PEM data cannot be decoded or parsed.
	ErrInvalidPEM = errors.New("invalid PEM data")

	// ErrNoCRL is returned when no CRL has been generated yet.
	ErrNoCRL = errors.New("no CRL has been generated")
)

// SerialMode selects how an authority allocates serial numbers.
type SerialMode string

const (
	// SerialRandom allocates 159-bit random serials (the default).
	SerialRandom SerialMode = "random"
	// SerialSequential allocates 1, 2, 3, ... from a persisted counter.
	SerialSequential SerialMode = "sequential"
)

// Default validity horizons.
const (
	DefaultCRLValidity = 7 * 24 * time.Hour
)

// AuthorityConfig is the per-authority configuration.
type AuthorityConfig struct {
	SerialMode SerialMode `mapstructure:"serial_mode" yaml:"serial_mode,omitempty"`

	// URLs placed in issued certificates.
	CRLDistributionPoints  []string `mapstructure:"crl_distribution_points" yaml:"crl_distribution_points,omitempty"`
	OCSPServers            []string `mapstructure:"ocsp_servers" yaml:"ocsp_servers,omitempty"`
	IssuingCertificateURLs []string `mapstructure:"issuing_certificate_urls" yaml:"issuing_certificate_urls,omitempty"`

	// CRLValidity is the nextUpdate horizon of CRLs. Zero means seven days.
	CRLValidity time.Duration `mapstructure:"crl_validity" yaml:"crl_validity,omitempty"`
	// OCSPValidity is the nextUpdate horizon of OCSP responses. Zero omits
	// nextUpdate.
	OCSPValidity time.Duration `mapstructure:"ocsp_validity" yaml:"ocsp_validity,omitempty"`
}

type authority struct {
	id     string
	cert   *x509.Certificate
	signer crypto.Signer
	cfg    AuthorityConfig
	ledger *Ledger

	// serialMu serialises serial allocation; crlMu serialises CRL builds.
	serialMu sync.Mutex
	crlMu    sync.Mutex
	lastCRL  *crlRecord
}

// Engine issues and tracks certificates for a set of authorities.
type Engine struct {
	profiles *profile.Registry
	store    *Store
	log      logr.Logger
	metrics  *metrics
	now      func() time.Time
	rand     io.Reader

	mu          sync.RWMutex
	authorities map[string]*authority
}

// Option configures an Engine.
type Option func(*Engine) error

// WithLogger sets the engine logger. The default discards.
func WithLogger(log logr.Logger) Option {
	return func(e *Engine) error {
		e.log = log
		return nil
	}
}

// WithRegisterer registers the engine's Prometheus collectors with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(e *Engine) error {
		m, err := newMetrics(reg)
		if err != nil {
			return fmt.Errorf("registering metrics: %w", err)
		}
		e.metrics = m
		return nil
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) error {
		e.now = now
		return nil
	}
}

// WithRand sets the entropy source for serials and signatures.
func WithRand(r io.Reader) Option {
	return func(e *Engine) error {
		e.rand = r
		return nil
	}
}

// New returns an Engine resolving profiles from profiles and persisting
// ledgers and counters in store.
func New(profiles *profile.Registry, store *Store, opts ...Option) (*Engine, error) {
	e := &Engine{
		profiles:    profiles,
		store:       store,
		log:         logr.Discard(),
		now:         time.Now,
		rand:        rand.Reader,
		authorities: make(map[string]*authority),
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Profiles returns the engine's profile registry.
func (e *Engine) Profiles() *profile.Registry { return e.profiles }

// clock returns the current time truncated to the second, the precision
// certificates and CRLs encode.
func (e *Engine) clock() time.Time {
	return e.now().UTC().Truncate(time.Second)
}

// AddAuthority registers a CA under id. The certificate must be a CA
// certificate allowed to sign certificates and CRLs, and signer must hold
// the matching private key. The authority's ledger is replayed from the
// store before AddAuthority returns.
func (e *Engine) AddAuthority(ctx context.Context, id string, cert *x509.Certificate, signer crypto.Signer, cfg AuthorityConfig) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if id == "" {
		return caerr.New(caerr.KindInvalidIssuer, "ca", "authority id is empty")
	}
	if err := checkIssuerCertificate(cert); err != nil {
		return err
	}
	if signer == nil {
		return caerr.New(caerr.KindIssuerMismatch, "signer", "no signer for %s", id)
	}
	if !publicKeysEqual(signer.Public(), cert.PublicKey) {
		return caerr.New(caerr.KindIssuerMismatch, "signer", "signer key does not match the certificate of %s", id)
	}
	switch cfg.SerialMode {
	case "":
		cfg.SerialMode = SerialRandom
	case SerialRandom, SerialSequential:
	default:
		return caerr.New(caerr.KindInvalidIssuer, "serial_mode", "unknown serial mode %q", cfg.SerialMode)
	}
	if cfg.CRLValidity <= 0 {
		cfg.CRLValidity = DefaultCRLValidity
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.authorities[id]; exists {
		return caerr.New(caerr.KindDuplicateAuthority, "ca", "authority %q is already registered", id)
	}

	ledger, err := LoadLedger(e.store, id)
	if err != nil {
		return err
	}
	lastCRL, err := e.store.loadCRL(id)
	if err != nil {
		return err
	}

	e.authorities[id] = &authority{
		id:      id,
		cert:    cert,
		signer:  signer,
		cfg:     cfg,
		ledger:  ledger,
		lastCRL: lastCRL,
	}
	e.log.Info("authority registered", "ca", id, "subject", cert.Subject.String(),
		"generation", ledger.Generation(), "serial_mode", cfg.SerialMode)
	return nil
}

func checkIssuerCertificate(cert *x509.Certificate) error {
	if cert == nil {
		return caerr.New(caerr.KindInvalidIssuer, "certificate", "no CA certificate")
	}
	if !cert.BasicConstraintsValid || !cert.IsCA {
		return caerr.New(caerr.KindInvalidIssuer, "certificate", "%s is not a CA certificate", cert.Subject)
	}
	if cert.KeyUsage != 0 && cert.KeyUsage&x509.KeyUsageCertSign == 0 {
		return caerr.New(caerr.KindInvalidIssuer, "certificate", "%s lacks keyCertSign", cert.Subject)
	}
	if cert.KeyUsage != 0 && cert.KeyUsage&x509.KeyUsageCRLSign == 0 {
		return caerr.New(caerr.KindInvalidIssuer, "certificate", "%s lacks cRLSign", cert.Subject)
	}
	if len(cert.SubjectKeyId) == 0 {
		return caerr.New(caerr.KindInvalidIssuer, "certificate", "%s has no subject key identifier", cert.Subject)
	}
	return nil
}

type equaler interface {
	Equal(crypto.PublicKey) bool
}

func publicKeysEqual(a, b crypto.PublicKey) bool {
	if eq, ok := a.(equaler); ok {
		return eq.Equal(b)
	}
	da, errA := x509.MarshalPKIXPublicKey(a)
	db, errB := x509.MarshalPKIXPublicKey(b)
	return errA == nil && errB == nil && bytes.Equal(da, db)
}

func (e *Engine) authority(id string) (*authority, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	a, ok := e.authorities[id]
	if !ok {
		return nil, caerr.New(caerr.KindUnknownAuthority, "ca", "authority %q is not registered", id)
	}
	return a, nil
}

// Authorities returns the registered authority ids in sorted order.
func (e *Engine) Authorities() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.authorities))
	for id := range e.authorities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Certificate returns the certificate of authority caID.
func (e *Engine) Certificate(caID string) (*x509.Certificate, error) {
	a, err := e.authority(caID)
	if err != nil {
		return nil, err
	}
	return a.cert, nil
}

// Ledger returns the revocation ledger of authority caID.
func (e *Engine) Ledger(caID string) (*Ledger, error) {
	a, err := e.authority(caID)
	if err != nil {
		return nil, err
	}
	return a.ledger, nil
}
