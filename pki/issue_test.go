package pki_test

import (
	"bytes"
	"crypto"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/jmcleod/ironca/caerr"
	"github.com/jmcleod/ironca/internal/util"
	"github.com/jmcleod/ironca/pki"
	"github.com/jmcleod/ironca/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueRoundTrip(t *testing.T) {
	f := newFixture(t, pki.AuthorityConfig{
		CRLDistributionPoints: []string{"http://ca.example/root.crl"},
		OCSPServers:           []string{"http://ocsp.example"},
	})
	key := newKey(t)
	csrPEM := newCSR(t, key, &x509.CertificateRequest{
		Subject:     pkix.Name{CommonName: "www.example.com", Organization: []string{"Example"}},
		DNSNames:    []string{"www.example.com", "example.com"},
		IPAddresses: []net.IP{net.ParseIP("192.0.2.10")},
	})

	issued, err := f.engine.Issue(t.Context(), rootID, pki.IssueRequest{CSR: csrPEM, Profile: "webserver"})
	require.NoError(t, err)

	cert, err := x509.ParseCertificate(issued.DER)
	require.NoError(t, err)
	assert.True(t, key.PublicKey.Equal(cert.PublicKey))
	assert.Equal(t, "www.example.com", cert.Subject.CommonName)
	assert.Equal(t, []string{"Example"}, cert.Subject.Organization)
	assert.Equal(t, []string{"www.example.com", "example.com"}, cert.DNSNames)
	assert.True(t, cert.IPAddresses[0].Equal(net.ParseIP("192.0.2.10")))
	assert.Equal(t, x509.KeyUsageDigitalSignature|x509.KeyUsageKeyAgreement|x509.KeyUsageKeyEncipherment, cert.KeyUsage)
	assert.Equal(t, []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}, cert.ExtKeyUsage)
	assert.True(t, cert.BasicConstraintsValid)
	assert.False(t, cert.IsCA)
	assert.Equal(t, []string{"http://ca.example/root.crl"}, cert.CRLDistributionPoints)
	assert.Equal(t, []string{"http://ocsp.example"}, cert.OCSPServer)
	assert.Equal(t, f.root.Certificate.SubjectKeyId, cert.AuthorityKeyId)
	assert.Len(t, cert.SubjectKeyId, 20)
	assert.Equal(t, 0, issued.Serial.Cmp(cert.SerialNumber))
	assert.Equal(t, testEpoch, cert.NotBefore)
	assert.Equal(t, testEpoch.Add(365*24*time.Hour), cert.NotAfter)
	assert.Equal(t, uint64(1), issued.Generation)
	assert.NotEmpty(t, issued.ID)

	require.NoError(t, cert.CheckSignatureFrom(f.root.Certificate))
	pool := x509.NewCertPool()
	pool.AddCert(f.root.Certificate)
	_, err = cert.Verify(x509.VerifyOptions{
		Roots:       pool,
		DNSName:     "example.com",
		CurrentTime: testEpoch.Add(time.Hour),
	})
	require.NoError(t, err)
}

func TestIssueClientCertMasksKeyCertSignOverride(t *testing.T) {
	f := newFixture(t, pki.AuthorityConfig{})
	csrPEM := newCSR(t, newKey(t), &x509.CertificateRequest{
		Subject:         pkix.Name{CommonName: "alice"},
		ExtraExtensions: []pkix.Extension{keyUsageExtension(t, x509.KeyUsageCertSign|x509.KeyUsageCRLSign)},
	})

	ku := x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign
	issued, err := f.engine.Issue(t.Context(), rootID, pki.IssueRequest{
		CSR:     csrPEM,
		Profile: "client-cert",
		Overrides: pki.Overrides{
			KeyUsage: &ku,
			Subject:  &pkix.Name{CommonName: "alice", Organization: []string{"Example"}},
		},
	})
	require.NoError(t, err)

	cert := issued.Certificate
	assert.Zero(t, cert.KeyUsage&x509.KeyUsageCertSign, "keyCertSign must never reach a client certificate")
	assert.Zero(t, cert.KeyUsage&x509.KeyUsageCRLSign)
	assert.Equal(t, x509.KeyUsageDigitalSignature, cert.KeyUsage)
	assert.False(t, cert.IsCA)
	assert.Equal(t, []string{"Example"}, cert.Subject.Organization)

	var masked bool
	for _, d := range issued.Decisions {
		if d.Field == "keyUsage" && d.Action == pki.ActionMasked {
			masked = true
		}
	}
	assert.True(t, masked, "decisions: %+v", issued.Decisions)
}

func TestIssueExpiredAuthority(t *testing.T) {
	f := newFixture(t, pki.AuthorityConfig{SerialMode: pki.SerialSequential})
	f.clock.Set(f.root.Certificate.NotAfter.Add(24 * time.Hour))

	_, err := f.engine.Issue(t.Context(), rootID, pki.IssueRequest{
		CSR:     simpleCSR(t, "late.example", "late.example"),
		Profile: "webserver",
	})
	require.ErrorIs(t, err, caerr.ErrIssuerNotCurrentlyValid)

	value, _, err := f.store.Counter(rootID, "serial")
	require.NoError(t, err)
	assert.Zero(t, value, "no serial may be consumed")

	events, err := f.store.Load(rootID)
	require.NoError(t, err)
	assert.Empty(t, events, "no ledger entry may be written")
}

func TestIssueNotYetValidAuthority(t *testing.T) {
	f := newFixture(t, pki.AuthorityConfig{})
	f.clock.Set(testEpoch.Add(-time.Hour))

	_, err := f.engine.Issue(t.Context(), rootID, pki.IssueRequest{
		CSR:     simpleCSR(t, "early.example", "early.example"),
		Profile: "webserver",
	})
	assert.ErrorIs(t, err, caerr.ErrIssuerNotCurrentlyValid)
}

func TestIssueConcurrentSerialsAreUnique(t *testing.T) {
	for _, mode := range []pki.SerialMode{pki.SerialRandom, pki.SerialSequential} {
		t.Run(string(mode), func(t *testing.T) {
			f := newFixture(t, pki.AuthorityConfig{SerialMode: mode})
			const n = 120

			csrs := make([][]byte, n)
			for i := range csrs {
				csrs[i] = simpleCSR(t, "host.example", "host.example")
			}

			var (
				wg      sync.WaitGroup
				mu      sync.Mutex
				serials = make(map[string]bool)
				errs    []error
			)
			for i := range n {
				wg.Add(1)
				go func() {
					defer wg.Done()
					issued, err := f.engine.Issue(t.Context(), rootID, pki.IssueRequest{CSR: csrs[i], Profile: "webserver"})
					mu.Lock()
					defer mu.Unlock()
					if err != nil {
						errs = append(errs, err)
						return
					}
					serials[util.FormatSerial(issued.Serial)] = true
				}()
			}
			wg.Wait()

			require.Empty(t, errs)
			assert.Len(t, serials, n)

			ledger, err := f.engine.Ledger(rootID)
			require.NoError(t, err)
			assert.Equal(t, uint64(n), ledger.Generation())
		})
	}
}

func TestIssueSequentialSerials(t *testing.T) {
	f := newFixture(t, pki.AuthorityConfig{SerialMode: pki.SerialSequential})
	for want := int64(1); want <= 3; want++ {
		issued, err := f.engine.Issue(t.Context(), rootID, pki.IssueRequest{
			CSR:     simpleCSR(t, "seq.example", "seq.example"),
			Profile: "webserver",
		})
		require.NoError(t, err)
		assert.Equal(t, want, issued.Serial.Int64())
	}
}

func TestIssueRandomSerialShape(t *testing.T) {
	f := newFixture(t, pki.AuthorityConfig{})
	issued, err := f.engine.Issue(t.Context(), rootID, pki.IssueRequest{
		CSR:     simpleCSR(t, "rand.example", "rand.example"),
		Profile: "webserver",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, issued.Serial.Sign())
	assert.LessOrEqual(t, issued.Serial.BitLen(), 159)
}

func TestIssueSANOverrideReplacesCSR(t *testing.T) {
	f := newFixture(t, pki.AuthorityConfig{})
	issued, err := f.engine.Issue(t.Context(), rootID, pki.IssueRequest{
		CSR:     simpleCSR(t, "app.example", "app.example", "evil.example"),
		Profile: "webserver",
		Overrides: pki.Overrides{
			SANs: []string{"DNS:api.example", "IP:10.0.0.1", "bücher.example"},
		},
	})
	require.NoError(t, err)

	cert := issued.Certificate
	// cn_in_san adds the CN ahead of the override; the CSR names are gone.
	assert.Equal(t, []string{"app.example", "api.example", "xn--bcher-kva.example"}, cert.DNSNames)
	assert.NotContains(t, cert.DNSNames, "evil.example")
	require.Len(t, cert.IPAddresses, 1)
	assert.Equal(t, "10.0.0.1", cert.IPAddresses[0].String())

	require.NotEmpty(t, issued.Decisions)
	var replaced *pki.Decision
	for i, d := range issued.Decisions {
		if d.Action == pki.ActionReplaced && d.Field == "subject_alt_name" {
			replaced = &issued.Decisions[i]
		}
	}
	require.NotNil(t, replaced)
	assert.Contains(t, replaced.Detail, "DNS:evil.example")
}

func TestIssueSubjectKeyIDIsKeyHash(t *testing.T) {
	f := newFixture(t, pki.AuthorityConfig{})
	issued := issueLeaf(t, f, "ski.example")

	var spki struct {
		Algorithm pkix.AlgorithmIdentifier
		PublicKey asn1.BitString
	}
	_, err := asn1.Unmarshal(issued.Certificate.RawSubjectPublicKeyInfo, &spki)
	require.NoError(t, err)
	sum := sha1.Sum(spki.PublicKey.RightAlign())
	assert.Equal(t, sum[:], issued.Certificate.SubjectKeyId)
	assert.Equal(t, f.root.Certificate.SubjectKeyId, issued.Certificate.AuthorityKeyId)
}

func TestIssueSANOverrideWithoutCSRNames(t *testing.T) {
	f := newFixture(t, pki.AuthorityConfig{})
	issued, err := f.engine.Issue(t.Context(), rootID, pki.IssueRequest{
		CSR:       simpleCSR(t, "bare.example"),
		Profile:   "webserver",
		Overrides: pki.Overrides{SANs: []string{"DNS:added.example"}},
	})
	require.NoError(t, err)
	assert.Contains(t, issued.Certificate.DNSNames, "added.example")

	var detail string
	for _, d := range issued.Decisions {
		if d.Action == pki.ActionReplaced && d.Field == "subject_alt_name" {
			detail = d.Detail
		}
	}
	assert.Contains(t, detail, "csr requested none")
	assert.Contains(t, detail, "DNS:added.example")
}

func TestIssueChecksProfileBeforeParsing(t *testing.T) {
	f := newFixture(t, pki.AuthorityConfig{})

	_, err := f.engine.Issue(t.Context(), rootID, pki.IssueRequest{CSR: []byte("not a csr"), Profile: "nonexistent"})
	require.ErrorIs(t, err, caerr.ErrUnknownProfile)

	_, err = f.engine.Issue(t.Context(), rootID, pki.IssueRequest{CSR: []byte("not a csr"), Profile: "webserver"})
	require.ErrorIs(t, err, caerr.ErrMalformedCSR)
}

func TestIssueInvalidSANs(t *testing.T) {
	f := newFixture(t, pki.AuthorityConfig{})

	_, err := f.engine.Issue(t.Context(), rootID, pki.IssueRequest{
		CSR:       simpleCSR(t, "ok.example"),
		Profile:   "webserver",
		Overrides: pki.Overrides{SANs: []string{"IP:not-an-ip"}},
	})
	require.ErrorIs(t, err, caerr.ErrInvalidSubjectAltName)
	assert.Equal(t, "subject_alt_name", caerr.FieldOf(err))

	_, err = f.engine.Issue(t.Context(), rootID, pki.IssueRequest{
		CSR:     simpleCSR(t, "not a host name"),
		Profile: "webserver",
	})
	require.ErrorIs(t, err, caerr.ErrInvalidSubjectAltName)
	assert.Equal(t, "common_name", caerr.FieldOf(err))
}

func TestIssueSubjectOverrideNotPermitted(t *testing.T) {
	f := newFixture(t, pki.AuthorityConfig{})
	_, err := f.engine.Issue(t.Context(), rootID, pki.IssueRequest{
		CSR:       simpleCSR(t, "srv.example", "srv.example"),
		Profile:   "webserver",
		Overrides: pki.Overrides{Subject: &pkix.Name{CommonName: "other.example"}},
	})
	require.ErrorIs(t, err, caerr.ErrOverrideNotPermitted)
	assert.Equal(t, "subject", caerr.FieldOf(err))
}

func TestIssueOCSPProfileForbidsSAN(t *testing.T) {
	f := newFixture(t, pki.AuthorityConfig{})
	issued, err := f.engine.Issue(t.Context(), rootID, pki.IssueRequest{
		CSR:     simpleCSR(t, "OCSP responder", "ocsp.example"),
		Profile: "ocsp",
	})
	require.NoError(t, err)

	cert := issued.Certificate
	assert.Empty(t, cert.DNSNames)
	assert.Equal(t, []x509.ExtKeyUsage{x509.ExtKeyUsageOCSPSigning}, cert.ExtKeyUsage)
	assert.Equal(t, testEpoch.Add(3*24*time.Hour), cert.NotAfter)

	var noCheck bool
	for _, ext := range cert.Extensions {
		if ext.Id.String() == "1.3.6.1.5.5.7.48.1.5" {
			noCheck = true
			assert.Equal(t, []byte{0x05, 0x00}, ext.Value)
		}
	}
	assert.True(t, noCheck, "ocspNoCheck extension missing")
}

func TestIssueMustStapleFromCSR(t *testing.T) {
	f := newFixture(t, pki.AuthorityConfig{})
	csrPEM := newCSR(t, newKey(t), &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: "staple.example"},
		DNSNames: []string{"staple.example"},
		ExtraExtensions: []pkix.Extension{{
			Id:    []int{1, 3, 6, 1, 5, 5, 7, 1, 24},
			Value: []byte{0x30, 0x03, 0x02, 0x01, 0x05},
		}},
	})
	issued, err := f.engine.Issue(t.Context(), rootID, pki.IssueRequest{CSR: csrPEM, Profile: "webserver"})
	require.NoError(t, err)

	var found bool
	for _, ext := range issued.Certificate.Extensions {
		if ext.Id.String() == "1.3.6.1.5.5.7.1.24" {
			found = true
			assert.Equal(t, []byte{0x30, 0x03, 0x02, 0x01, 0x05}, ext.Value)
		}
	}
	assert.True(t, found)
}

func TestIssueValidityWindow(t *testing.T) {
	f := newFixture(t, pki.AuthorityConfig{})
	rootNotAfter := f.root.Certificate.NotAfter

	t.Run("explicit beyond issuer", func(t *testing.T) {
		_, err := f.engine.Issue(t.Context(), rootID, pki.IssueRequest{
			CSR:       simpleCSR(t, "v.example", "v.example"),
			Profile:   "webserver",
			Overrides: pki.Overrides{NotAfter: ptr(rootNotAfter.Add(time.Hour))},
		})
		require.ErrorIs(t, err, caerr.ErrValidityOutOfRange)
		assert.Equal(t, "not_after", caerr.FieldOf(err))
	})

	t.Run("explicit before issuer", func(t *testing.T) {
		_, err := f.engine.Issue(t.Context(), rootID, pki.IssueRequest{
			CSR:       simpleCSR(t, "v.example", "v.example"),
			Profile:   "webserver",
			Overrides: pki.Overrides{NotBefore: ptr(testEpoch.Add(-time.Hour))},
		})
		require.ErrorIs(t, err, caerr.ErrValidityOutOfRange)
		assert.Equal(t, "not_before", caerr.FieldOf(err))
	})

	t.Run("inverted", func(t *testing.T) {
		_, err := f.engine.Issue(t.Context(), rootID, pki.IssueRequest{
			CSR:     simpleCSR(t, "v.example", "v.example"),
			Profile: "webserver",
			Overrides: pki.Overrides{
				NotBefore: ptr(testEpoch.Add(48 * time.Hour)),
				NotAfter:  ptr(testEpoch.Add(24 * time.Hour)),
			},
		})
		require.ErrorIs(t, err, caerr.ErrValidityOutOfRange)
	})

	t.Run("profile default clamped", func(t *testing.T) {
		f.clock.Set(rootNotAfter.Add(-10 * 24 * time.Hour))
		defer f.clock.Set(testEpoch)

		issued, err := f.engine.Issue(t.Context(), rootID, pki.IssueRequest{
			CSR:     simpleCSR(t, "v.example", "v.example"),
			Profile: "webserver",
		})
		require.NoError(t, err)
		assert.Equal(t, rootNotAfter, issued.Certificate.NotAfter)
		assert.Equal(t, pki.ActionClamped, issued.Decisions[len(issued.Decisions)-1].Action)
	})
}

func TestIssueSubordinateCAPathLength(t *testing.T) {
	f := newFixture(t, pki.AuthorityConfig{})

	issued, err := f.engine.Issue(t.Context(), rootID, pki.IssueRequest{
		CSR:     simpleCSR(t, "Sub CA"),
		Profile: "subca",
	})
	require.NoError(t, err)
	cert := issued.Certificate
	assert.True(t, cert.IsCA)
	assert.Equal(t, 0, cert.MaxPathLen)
	assert.True(t, cert.MaxPathLenZero)
	assert.NotZero(t, cert.KeyUsage&x509.KeyUsageCertSign)
	assert.Empty(t, cert.ExtKeyUsage)

	_, err = f.engine.Issue(t.Context(), rootID, pki.IssueRequest{
		CSR:       simpleCSR(t, "Sub CA"),
		Profile:   "subca",
		Overrides: pki.Overrides{PathLen: ptr(1)},
	})
	require.ErrorIs(t, err, caerr.ErrPathLengthViolation)

	_, err = f.engine.Issue(t.Context(), rootID, pki.IssueRequest{
		CSR:       simpleCSR(t, "leaf.example", "leaf.example"),
		Profile:   "webserver",
		Overrides: pki.Overrides{PathLen: ptr(0)},
	})
	require.ErrorIs(t, err, caerr.ErrOverrideNotPermitted)
}

func TestIssueUnderPathLenZeroIssuer(t *testing.T) {
	f := newFixture(t, pki.AuthorityConfig{})
	sub, err := f.engine.InitIntermediate(t.Context(), rootID, f.ks, pki.CARequest{
		Subject: pkix.Name{CommonName: "Issuing CA"},
	})
	require.NoError(t, err)
	require.NoError(t, f.engine.AddAuthority(t.Context(), "issuing", sub.Certificate, sub.Signer, pki.AuthorityConfig{}))

	_, err = f.engine.Issue(t.Context(), "issuing", pki.IssueRequest{CSR: simpleCSR(t, "Sub Sub CA"), Profile: "subca"})
	require.ErrorIs(t, err, caerr.ErrPathLengthViolation)

	leaf, err := f.engine.Issue(t.Context(), "issuing", pki.IssueRequest{
		CSR:     simpleCSR(t, "leaf.example", "leaf.example"),
		Profile: "webserver",
	})
	require.NoError(t, err)
	require.NoError(t, leaf.Certificate.CheckSignatureFrom(sub.Certificate))
}

func TestIssueParseAndPolicyFailuresConsumeNothing(t *testing.T) {
	f := newFixture(t, pki.AuthorityConfig{SerialMode: pki.SerialSequential})

	tests := []struct {
		name string
		req  pki.IssueRequest
		want error
	}{
		{"malformed csr", pki.IssueRequest{CSR: []byte("garbage"), Profile: "webserver"}, caerr.ErrMalformedCSR},
		{"unknown profile", pki.IssueRequest{CSR: simpleCSR(t, "a.example", "a.example"), Profile: "nope"}, caerr.ErrUnknownProfile},
		{"bad san", pki.IssueRequest{
			CSR: simpleCSR(t, "a.example"), Profile: "webserver",
			Overrides: pki.Overrides{SANs: []string{"email:nobody"}},
		}, caerr.ErrInvalidSubjectAltName},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.Issue(t.Context(), rootID, tt.req)
			require.ErrorIs(t, err, tt.want)
			assert.True(t, caerr.KindOf(err).Recoverable() || errors.Is(err, caerr.ErrUnknownProfile))
		})
	}

	value, _, err := f.store.Counter(rootID, "serial")
	require.NoError(t, err)
	assert.Zero(t, value)
}

func TestIssueUnknownAuthority(t *testing.T) {
	f := newFixture(t, pki.AuthorityConfig{})
	_, err := f.engine.Issue(t.Context(), "missing", pki.IssueRequest{CSR: simpleCSR(t, "x.example"), Profile: "webserver"})
	assert.ErrorIs(t, err, caerr.ErrUnknownAuthority)
}

// failingSigner delegates Public but fails every signature.
type failingSigner struct {
	crypto.Signer
}

func (failingSigner) Sign(io.Reader, []byte, crypto.SignerOpts) ([]byte, error) {
	return nil, errors.New("hsm unavailable")
}

func TestIssueSigningFailureSkipsSerial(t *testing.T) {
	f := newFixture(t, pki.AuthorityConfig{SerialMode: pki.SerialSequential})
	require.NoError(t, f.engine.AddAuthority(t.Context(), "flaky", f.root.Certificate,
		failingSigner{Signer: f.root.Signer}, pki.AuthorityConfig{SerialMode: pki.SerialSequential}))

	_, err := f.engine.Issue(t.Context(), "flaky", pki.IssueRequest{
		CSR:     simpleCSR(t, "x.example", "x.example"),
		Profile: "webserver",
	})
	require.ErrorIs(t, err, caerr.ErrSigningFailed)
	assert.Equal(t, "signer", caerr.FieldOf(err))

	value, _, err := f.store.Counter("flaky", "serial")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), value, "the serial stays consumed")

	ledger, err := f.engine.Ledger("flaky")
	require.NoError(t, err)
	assert.Zero(t, ledger.Generation())
}

func TestIssueIsDeterministicForEd25519(t *testing.T) {
	// Ed25519 signatures are deterministic, so two engines with the same
	// inputs must produce byte-identical certificates.
	csrPEM := simpleCSR(t, "det.example", "det.example")
	build := func() []byte {
		clock := &testClock{now: testEpoch}
		engine, err := pki.New(newRegistry(t), pki.NewStore(memory.NewRepository()), pki.WithClock(clock.Now),
			pki.WithRand(bytes.NewReader(bytes.Repeat([]byte{0x42}, 4096))))
		require.NoError(t, err)
		ks := pki.NewSoftwareKeyStore(pki.WithKeyRand(bytes.NewReader(bytes.Repeat([]byte{0x07}, 4096))))
		root, err := engine.InitRoot(t.Context(), ks, pki.CARequest{
			Subject: pkix.Name{CommonName: "Deterministic Root"},
			Key:     pki.KeySpec{Algorithm: "Ed25519"},
		})
		require.NoError(t, err)
		require.NoError(t, engine.AddAuthority(t.Context(), rootID, root.Certificate, root.Signer, pki.AuthorityConfig{}))
		issued, err := engine.Issue(t.Context(), rootID, pki.IssueRequest{CSR: csrPEM, Profile: "webserver"})
		require.NoError(t, err)
		return issued.DER
	}
	assert.Equal(t, build(), build())
}
