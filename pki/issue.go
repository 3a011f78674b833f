package pki

import (
	"context"
	"crypto"
	"crypto/x509"
	"fmt"
	"io"
	"math/big"
	"sync"
	"time"

	"github.com/jmcleod/ironca/caerr"
	"github.com/jmcleod/ironca/csr"
	"github.com/jmcleod/ironca/internal/util"
	"github.com/jmcleod/ironca/internal/uuid"
)

// IssueRequest asks an authority for a certificate.
type IssueRequest struct {
	// CSR is PEM or DER encoded.
	CSR       []byte
	Profile   string
	Overrides Overrides
}

// IssuedCertificate is the result of a successful issuance. The engine
// keeps only the serial and its status; storing the certificate is the
// caller's business.
type IssuedCertificate struct {
	// ID links the ledger entry to the caller's copy of the certificate.
	ID          string
	DER         []byte
	Certificate *x509.Certificate
	Serial      *big.Int
	Profile     string
	Generation  uint64
	IssuedAt    time.Time
	Decisions   []Decision
}

// Issue validates req, builds the certificate under the named profile and
// signs it with authority caID. No serial is consumed and nothing is
// recorded unless every check passes; a signing failure after allocation
// leaves that serial permanently unused.
func (e *Engine) Issue(ctx context.Context, caID string, req IssueRequest) (*IssuedCertificate, error) {
	issued, err := e.issue(ctx, caID, req)
	if err != nil {
		e.metrics.failureInc(caID, err)
		if caerr.KindOf(err).Recoverable() {
			e.log.V(1).Info("issuance refused", "ca", caID, "profile", req.Profile, "error", err.Error())
		} else {
			e.log.Error(err, "issuance failed", "ca", caID, "profile", req.Profile)
		}
		return nil, err
	}
	e.metrics.issuedInc(caID, issued.Profile)
	e.log.Info("certificate issued", "ca", caID, "profile", issued.Profile,
		"serial", util.FormatSerial(issued.Serial), "generation", issued.Generation, "id", issued.ID)
	return issued, nil
}

func (e *Engine) issue(ctx context.Context, caID string, req IssueRequest) (*IssuedCertificate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a, err := e.authority(caID)
	if err != nil {
		return nil, err
	}
	p, err := e.profiles.Resolve(req.Profile)
	if err != nil {
		return nil, err
	}
	parsed, err := csr.Validate(req.CSR, p)
	if err != nil {
		return nil, err
	}

	now := e.clock()
	if err := checkIssuerValidity(a.cert, now); err != nil {
		return nil, err
	}

	b := &builder{
		profile:   p,
		req:       parsed,
		overrides: req.Overrides,
		issuer:    a.cert,
		cfg:       a.cfg,
		now:       now,
	}
	tmpl, err := b.build()
	if err != nil {
		return nil, err
	}
	for _, d := range b.decisions {
		e.log.Info("profile policy applied", "ca", caID, "profile", p.Name(),
			"field", d.Field, "action", d.Action, "detail", d.Detail)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	serial, err := e.allocateSerial(a, now)
	if err != nil {
		return nil, err
	}
	tmpl.SerialNumber = serial

	der, cert, err := e.sign(a, tmpl)
	if err != nil {
		return nil, err
	}

	id := uuid.New()
	gen, err := a.ledger.recordIssued(serial, now, cert.NotAfter, p.Name(), id, now)
	if err != nil {
		return nil, fmt.Errorf("recording issuance of %s: %w", util.FormatSerial(serial), err)
	}

	return &IssuedCertificate{
		ID:          id,
		DER:         der,
		Certificate: cert,
		Serial:      new(big.Int).Set(serial),
		Profile:     p.Name(),
		Generation:  gen,
		IssuedAt:    now,
		Decisions:   b.decisions,
	}, nil
}

func checkIssuerValidity(cert *x509.Certificate, now time.Time) error {
	if now.Before(cert.NotBefore) {
		return caerr.New(caerr.KindIssuerNotCurrentlyValid, "ca",
			"%s is not valid before %s", cert.Subject, cert.NotBefore.UTC().Format(time.RFC3339))
	}
	if now.After(cert.NotAfter) {
		return caerr.New(caerr.KindIssuerNotCurrentlyValid, "ca",
			"%s expired at %s", cert.Subject, cert.NotAfter.UTC().Format(time.RFC3339))
	}
	return nil
}

// sign creates the certificate. A failure inside the signer is classified
// SigningFailed and is not retried.
func (e *Engine) sign(a *authority, tmpl *x509.Certificate) ([]byte, *x509.Certificate, error) {
	signer := &trackingSigner{Signer: a.signer}
	der, err := x509.CreateCertificate(e.rand, tmpl, a.cert, tmpl.PublicKey, signer)
	if err != nil {
		if cause := signer.failure(); cause != nil {
			return nil, nil, caerr.Wrap(caerr.KindSigningFailed, "signer", cause)
		}
		return nil, nil, caerr.Wrap(caerr.KindSigningFailed, "tbs", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, caerr.Wrap(caerr.KindSigningFailed, "tbs", err)
	}
	return der, cert, nil
}

// trackingSigner remembers the error returned by the wrapped signer so a
// signing-capability failure can be told apart from a template error.
type trackingSigner struct {
	crypto.Signer

	mu  sync.Mutex
	err error
}

func (s *trackingSigner) Sign(rand io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	sig, err := s.Signer.Sign(rand, digest, opts)
	if err != nil {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
	}
	return sig, err
}

func (s *trackingSigner) failure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
