package pki_test

import (
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironca/caerr"
	"github.com/jmcleod/ironca/pki"
	"github.com/jmcleod/ironca/storage/memory"
)

// selfSigned creates a certificate from tmpl signed by its own new key.
func selfSigned(t *testing.T, tmpl *x509.Certificate) (*x509.Certificate, *pki.CAMaterial) {
	t.Helper()
	key := newKey(t)
	tmpl.SerialNumber = big.NewInt(1)
	tmpl.NotBefore = testEpoch.Add(-time.Hour)
	tmpl.NotAfter = testEpoch.Add(24 * time.Hour)
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert, &pki.CAMaterial{Certificate: cert, DER: der, Signer: key}
}

func TestAddAuthorityRejectsUnsuitableCertificates(t *testing.T) {
	f := newFixture(t, pki.AuthorityConfig{})
	ctx := t.Context()

	leaf, leafMat := selfSigned(t, &x509.Certificate{
		Subject:      pkix.Name{CommonName: "leaf"},
		SubjectKeyId: []byte{1, 2, 3},
	})
	err := f.engine.AddAuthority(ctx, "leaf", leaf, leafMat.Signer, pki.AuthorityConfig{})
	require.ErrorIs(t, err, caerr.ErrInvalidIssuer)
	assert.Equal(t, "certificate", caerr.FieldOf(err))

	noCRL, noCRLMat := selfSigned(t, &x509.Certificate{
		Subject:               pkix.Name{CommonName: "no crl sign"},
		BasicConstraintsValid: true,
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign,
		SubjectKeyId:          []byte{1, 2, 3},
	})
	err = f.engine.AddAuthority(ctx, "nocrl", noCRL, noCRLMat.Signer, pki.AuthorityConfig{})
	require.ErrorIs(t, err, caerr.ErrInvalidIssuer)

	err = f.engine.AddAuthority(ctx, "nocert", nil, f.root.Signer, pki.AuthorityConfig{})
	require.ErrorIs(t, err, caerr.ErrInvalidIssuer)

	err = f.engine.AddAuthority(ctx, "", f.root.Certificate, f.root.Signer, pki.AuthorityConfig{})
	require.ErrorIs(t, err, caerr.ErrInvalidIssuer)

	assert.Equal(t, []string{rootID}, f.engine.Authorities())
}

func TestAddAuthorityRejectsMismatchedSigner(t *testing.T) {
	f := newFixture(t, pki.AuthorityConfig{})

	err := f.engine.AddAuthority(t.Context(), "other", f.root.Certificate, newKey(t), pki.AuthorityConfig{})
	require.ErrorIs(t, err, caerr.ErrIssuerMismatch)

	err = f.engine.AddAuthority(t.Context(), "nosigner", f.root.Certificate, nil, pki.AuthorityConfig{})
	require.ErrorIs(t, err, caerr.ErrIssuerMismatch)
}

func TestAddAuthorityDuplicateAndSerialMode(t *testing.T) {
	f := newFixture(t, pki.AuthorityConfig{})
	ctx := t.Context()

	err := f.engine.AddAuthority(ctx, rootID, f.root.Certificate, f.root.Signer, pki.AuthorityConfig{})
	require.ErrorIs(t, err, caerr.ErrDuplicateAuthority)

	err = f.engine.AddAuthority(ctx, "bad-mode", f.root.Certificate, f.root.Signer,
		pki.AuthorityConfig{SerialMode: "counter"})
	require.ErrorIs(t, err, caerr.ErrInvalidIssuer)
	assert.Equal(t, "serial_mode", caerr.FieldOf(err))

	// The same CA may be registered under a second id.
	require.NoError(t, f.engine.AddAuthority(ctx, "alias", f.root.Certificate, f.root.Signer, pki.AuthorityConfig{}))
	assert.Equal(t, []string{"alias", rootID}, f.engine.Authorities())
}

func TestUnknownAuthority(t *testing.T) {
	f := newFixture(t, pki.AuthorityConfig{})
	ctx := t.Context()

	_, err := f.engine.Certificate("missing")
	require.ErrorIs(t, err, caerr.ErrUnknownAuthority)
	_, err = f.engine.Ledger("missing")
	require.ErrorIs(t, err, caerr.ErrUnknownAuthority)
	_, err = f.engine.Status(ctx, "missing", big.NewInt(1))
	require.ErrorIs(t, err, caerr.ErrUnknownAuthority)
	_, err = f.engine.BuildCRL(ctx, "missing", pki.CRLOptions{})
	require.ErrorIs(t, err, caerr.ErrUnknownAuthority)
	_, err = f.engine.RespondOCSP(ctx, "missing", big.NewInt(1))
	require.ErrorIs(t, err, caerr.ErrUnknownAuthority)

	cert, err := f.engine.Certificate(rootID)
	require.NoError(t, err)
	assert.Equal(t, f.root.Certificate.Raw, cert.Raw)
}

func TestEngineMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	f := newFixtureWithRepo(t, memory.NewRepository(), pki.AuthorityConfig{}, pki.WithRegisterer(reg))
	ctx := t.Context()

	issued := issueLeaf(t, f, "metrics.example")
	_, err := f.engine.Issue(ctx, rootID, pki.IssueRequest{CSR: []byte("junk"), Profile: "webserver"})
	require.Error(t, err)
	_, err = f.engine.Revoke(ctx, rootID, pki.RevokeRequest{Serial: issued.Serial, Reason: pki.ReasonSuperseded})
	require.NoError(t, err)
	_, err = f.engine.BuildCRL(ctx, rootID, pki.CRLOptions{})
	require.NoError(t, err)

	count, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Positive(t, count)

	// Registering the same collectors twice reuses them.
	_, err = pki.New(newRegistry(t), pki.NewStore(memory.NewRepository()), pki.WithRegisterer(reg))
	require.NoError(t, err)
}
