package pki

import (
	"context"
	"crypto"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"

	"github.com/jmcleod/ironca/caerr"
	"github.com/jmcleod/ironca/internal/util"
	"github.com/jmcleod/ironca/internal/uuid"
)

// DefaultCAValidity is the lifetime of a CA certificate when none is given.
const DefaultCAValidity = 10 * 365 * 24 * time.Hour

// ledgerProfileCA is the profile name recorded for intermediate CA
// certificates in the parent's ledger.
const ledgerProfileCA = "ca"

// CARequest describes a CA certificate to create.
type CARequest struct {
	Subject pkix.Name
	Key     KeySpec
	// Validity defaults to DefaultCAValidity.
	Validity time.Duration
	// PathLen is the path length constraint. Nil means 0 unless Unlimited.
	PathLen   *int
	Unlimited bool

	PermittedDNSDomains []string
	ExcludedDNSDomains  []string

	// Revocation pointers placed in the CA certificate itself. Only an
	// intermediate can carry them; they default to the parent's.
	CRLDistributionPoints  []string
	OCSPServers            []string
	IssuingCertificateURLs []string
}

// CAMaterial is a freshly created CA: its key handle, certificate and
// signer. Register it with AddAuthority to issue from it.
type CAMaterial struct {
	KeyID       string
	Certificate *x509.Certificate
	DER         []byte
	Signer      crypto.Signer
	Serial      *big.Int
}

func (req CARequest) template(now time.Time) (*x509.Certificate, error) {
	subject := normalizeName(req.Subject)
	if nameIsEmpty(subject) {
		return nil, caerr.New(caerr.KindInvalidIssuer, "subject", "a CA certificate needs a subject")
	}
	validity := req.Validity
	if validity == 0 {
		validity = DefaultCAValidity
	}
	if validity < 0 {
		return nil, caerr.New(caerr.KindValidityOutOfRange, "validity", "negative validity %s", validity)
	}
	for _, d := range append(append([]string(nil), req.PermittedDNSDomains...), req.ExcludedDNSDomains...) {
		if _, err := util.NormalizeDNSName(d); err != nil {
			return nil, caerr.Wrap(caerr.KindInvalidIssuer, "name_constraints", err)
		}
	}

	tmpl := &x509.Certificate{
		Subject:               subject,
		NotBefore:             now,
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            -1,
		PermittedDNSDomains:   req.PermittedDNSDomains,
		ExcludedDNSDomains:    req.ExcludedDNSDomains,
	}
	tmpl.PermittedDNSDomainsCritical = len(req.PermittedDNSDomains)+len(req.ExcludedDNSDomains) > 0
	return tmpl, nil
}

func setPathLen(tmpl *x509.Certificate, n int) {
	tmpl.MaxPathLen = n
	tmpl.MaxPathLenZero = n == 0
}

// generate creates the CA key and fills the template's key fields.
func generate(ks KeyStore, spec KeySpec, tmpl *x509.Certificate) (string, crypto.Signer, error) {
	keyID, err := ks.GenerateKey(spec)
	if err != nil {
		return "", nil, fmt.Errorf("generating CA key: %w", err)
	}
	signer, err := ks.Signer(keyID)
	if err != nil {
		return "", nil, fmt.Errorf("opening CA key: %w", err)
	}
	ski, err := subjectKeyID(signer.Public())
	if err != nil {
		return "", nil, err
	}
	tmpl.PublicKey = signer.Public()
	tmpl.SubjectKeyId = ski
	return keyID, signer, nil
}

// InitRoot creates a self-signed root CA with a new key from ks.
func (e *Engine) InitRoot(ctx context.Context, ks KeyStore, req CARequest) (*CAMaterial, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(req.CRLDistributionPoints) > 0 {
		return nil, caerr.New(caerr.KindInvalidIssuer, "crl_distribution_points", "a root CA cannot be revoked by CRL")
	}
	if len(req.OCSPServers)+len(req.IssuingCertificateURLs) > 0 {
		return nil, caerr.New(caerr.KindInvalidIssuer, "authority_info_access", "a root CA has no issuer to point at")
	}

	now := e.clock()
	tmpl, err := req.template(now)
	if err != nil {
		return nil, err
	}
	switch {
	case req.Unlimited:
	case req.PathLen == nil:
		setPathLen(tmpl, 0)
	case *req.PathLen < 0:
		return nil, caerr.New(caerr.KindPathLengthViolation, "path_len", "negative pathlen %d", *req.PathLen)
	default:
		setPathLen(tmpl, *req.PathLen)
	}

	serial, err := randomSerial(e.rand)
	if err != nil {
		return nil, err
	}
	tmpl.SerialNumber = serial

	keyID, signer, err := generate(ks, req.Key, tmpl)
	if err != nil {
		return nil, err
	}
	tmpl.AuthorityKeyId = tmpl.SubjectKeyId

	ts := &trackingSigner{Signer: signer}
	der, err := x509.CreateCertificate(e.rand, tmpl, tmpl, signer.Public(), ts)
	if err != nil {
		e.discardKey(ks, keyID)
		if cause := ts.failure(); cause != nil {
			return nil, caerr.Wrap(caerr.KindSigningFailed, "signer", cause)
		}
		return nil, caerr.Wrap(caerr.KindSigningFailed, "tbs", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parsing root certificate: %w", err)
	}

	e.log.Info("root CA created", "subject", cert.Subject.String(), "serial", util.FormatSerial(serial),
		"not_after", cert.NotAfter)
	return &CAMaterial{KeyID: keyID, Certificate: cert, DER: der, Signer: signer, Serial: serial}, nil
}

// InitIntermediate creates a CA certificate signed by authority parentID.
// Its expiry is clamped to the parent's, and its path length must be
// strictly below the parent's. The certificate is recorded in the parent's
// ledger, so it can be revoked like any other.
func (e *Engine) InitIntermediate(ctx context.Context, parentID string, ks KeyStore, req CARequest) (*CAMaterial, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	parent, err := e.authority(parentID)
	if err != nil {
		return nil, err
	}

	now := e.clock()
	if err := checkIssuerValidity(parent.cert, now); err != nil {
		return nil, err
	}
	tmpl, err := req.template(now)
	if err != nil {
		return nil, err
	}

	limit, limited := issuerPathLen(parent.cert)
	if limited && limit == 0 {
		return nil, caerr.New(caerr.KindPathLengthViolation, "path_len",
			"%s has pathlen 0 and cannot sign CA certificates", parentID)
	}
	switch {
	case req.Unlimited && limited:
		return nil, caerr.New(caerr.KindPathLengthViolation, "path_len",
			"unlimited pathlen under %s, which is limited to %d", parentID, limit)
	case req.Unlimited:
	case req.PathLen == nil:
		setPathLen(tmpl, 0)
	case *req.PathLen < 0:
		return nil, caerr.New(caerr.KindPathLengthViolation, "path_len", "negative pathlen %d", *req.PathLen)
	case limited && *req.PathLen >= limit:
		return nil, caerr.New(caerr.KindPathLengthViolation, "path_len",
			"pathlen %d is not below %s pathlen %d", *req.PathLen, parentID, limit)
	default:
		setPathLen(tmpl, *req.PathLen)
	}

	if tmpl.NotAfter.After(parent.cert.NotAfter) {
		e.log.Info("intermediate expiry clamped to parent", "ca", parentID,
			"requested", tmpl.NotAfter, "not_after", parent.cert.NotAfter)
		tmpl.NotAfter = parent.cert.NotAfter.UTC()
	}

	tmpl.CRLDistributionPoints = firstNonEmpty(req.CRLDistributionPoints, parent.cfg.CRLDistributionPoints)
	tmpl.OCSPServer = firstNonEmpty(req.OCSPServers, parent.cfg.OCSPServers)
	tmpl.IssuingCertificateURL = firstNonEmpty(req.IssuingCertificateURLs, parent.cfg.IssuingCertificateURLs)

	keyID, signer, err := generate(ks, req.Key, tmpl)
	if err != nil {
		return nil, err
	}

	serial, err := e.allocateSerial(parent, now)
	if err != nil {
		e.discardKey(ks, keyID)
		return nil, err
	}
	tmpl.SerialNumber = serial

	der, cert, err := e.sign(parent, tmpl)
	if err != nil {
		e.discardKey(ks, keyID)
		return nil, err
	}

	if _, err := parent.ledger.recordIssued(serial, now, cert.NotAfter, ledgerProfileCA, uuid.New(), now); err != nil {
		return nil, fmt.Errorf("recording intermediate %s: %w", util.FormatSerial(serial), err)
	}

	e.log.Info("intermediate CA created", "ca", parentID, "subject", cert.Subject.String(),
		"serial", util.FormatSerial(serial), "not_after", cert.NotAfter)
	return &CAMaterial{KeyID: keyID, Certificate: cert, DER: der, Signer: signer, Serial: serial}, nil
}

func (e *Engine) discardKey(ks KeyStore, keyID string) {
	if err := ks.Delete(keyID); err != nil {
		e.log.Error(err, "discarding unused CA key", "key_id", keyID)
	}
}

func firstNonEmpty(a, b []string) []string {
	if len(a) > 0 {
		return append([]string(nil), a...)
	}
	return append([]string(nil), b...)
}
