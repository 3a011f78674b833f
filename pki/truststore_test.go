package pki_test

import (
	"crypto"
	"crypto/x509"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	pkcs12 "software.sslmate.com/src/go-pkcs12"

	"github.com/jmcleod/ironca/internal/util"
	"github.com/jmcleod/ironca/pki"
)

func TestExportTrustStore(t *testing.T) {
	f := newFixture(t, pki.AuthorityConfig{})

	pfx, err := pki.ExportTrustStore([]*x509.Certificate{f.root.Certificate}, "changeit")
	require.NoError(t, err)

	certs, err := pkcs12.DecodeTrustStore(pfx, "changeit")
	require.NoError(t, err)
	require.Len(t, certs, 1)
	assert.Equal(t, f.root.Certificate.Raw, certs[0].Raw)

	_, err = pki.ExportTrustStore(nil, "changeit")
	require.Error(t, err)
}

func TestExportKeyBundle(t *testing.T) {
	f := newFixture(t, pki.AuthorityConfig{})

	pfx, err := pki.ExportKeyBundle(f.ks, f.root.KeyID, nil, f.root.Certificate, nil, "bundle-pass")
	require.NoError(t, err)

	key, cert, chain, err := pkcs12.DecodeChain(pfx, "bundle-pass")
	require.NoError(t, err)
	assert.Equal(t, f.root.Certificate.Raw, cert.Raw)
	assert.Empty(t, chain)
	signer, ok := key.(crypto.Signer)
	require.True(t, ok)
	assert.True(t, publicKeysMatch(signer.Public(), f.root.Certificate.PublicKey))

	_, err = pki.ExportKeyBundle(f.ks, "missing", nil, f.root.Certificate, nil, "bundle-pass")
	require.ErrorIs(t, err, pki.ErrKeyNotFound)
}

func TestExportKeyBundleEncryptedKeyStore(t *testing.T) {
	ks := pki.NewSoftwareKeyStore(pki.WithKeyPassword([]byte("store-pass")))
	f := newFixture(t, pki.AuthorityConfig{})
	root, err := f.engine.InitRoot(t.Context(), ks, pki.CARequest{Subject: f.root.Certificate.Subject})
	require.NoError(t, err)

	_, err = pki.ExportKeyBundle(ks, root.KeyID, nil, root.Certificate, nil, "p")
	require.ErrorIs(t, err, pki.ErrKeyNotExportable)

	_, err = pki.ExportKeyBundle(ks, root.KeyID, []byte("store-pass"), root.Certificate, nil, "p")
	require.NoError(t, err)
}

func publicKeysMatch(a, b crypto.PublicKey) bool {
	eq, ok := a.(interface{ Equal(crypto.PublicKey) bool })
	return ok && eq.Equal(b)
}

func TestCertificatePEM(t *testing.T) {
	f := newFixture(t, pki.AuthorityConfig{})
	leaf := issueLeaf(t, f, "pem.example")

	bundle := append(pki.EncodeCertificatePEM(leaf.DER), pki.EncodeCertificatePEM(f.root.DER)...)
	certs, err := pki.ParseCertificatesPEM(bundle)
	require.NoError(t, err)
	require.Len(t, certs, 2)
	assert.Equal(t, leaf.DER, certs[0].Raw)

	first, err := pki.ParseCertificatePEM(bundle)
	require.NoError(t, err)
	assert.Equal(t, leaf.DER, first.Raw)

	_, err = pki.ParseCertificatePEM(pki.EncodeCRLPEM([]byte{0x30, 0x00}))
	require.ErrorIs(t, err, pki.ErrInvalidPEM)
	_, err = pki.ParseCertificatePEM([]byte("garbage"))
	require.ErrorIs(t, err, pki.ErrInvalidPEM)
}

func TestDescribe(t *testing.T) {
	f := newFixture(t, pki.AuthorityConfig{})
	leaf := issueLeaf(t, f, "describe.example")

	fields := pki.Describe(leaf.Certificate, testEpoch)
	assert.Equal(t, "CN=describe.example", fields[pki.FieldSubject])
	assert.Equal(t, f.root.Certificate.Subject.String(), fields[pki.FieldIssuer])
	assert.Equal(t, util.FormatSerial(leaf.Serial), fields[pki.FieldSerialNumber])
	assert.Equal(t, "ECDSA P-256", fields[pki.FieldKeyAlgorithm])
	assert.Equal(t, pki.ValidityActive, fields[pki.FieldValidity])
	assert.Len(t, fields[pki.FieldFingerprintSHA256], 64)

	assert.Equal(t, pki.ValidityPending, pki.Describe(leaf.Certificate, testEpoch.Add(-time.Hour))[pki.FieldValidity])
	assert.Equal(t, pki.ValidityExpired,
		pki.Describe(leaf.Certificate, leaf.Certificate.NotAfter.Add(time.Second))[pki.FieldValidity])
}
