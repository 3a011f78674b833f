package pki_test

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"sync"
	"testing"
	"time"

	"github.com/jmcleod/ironca/pki"
	"github.com/jmcleod/ironca/profile"
	"github.com/jmcleod/ironca/storage/memory"
	"github.com/stretchr/testify/require"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// testClock is a settable clock shared by the engine under test.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type fixture struct {
	engine *pki.Engine
	store  *pki.Store
	repo   *memory.Repository
	clock  *testClock
	ks     *pki.SoftwareKeyStore
	root   *pki.CAMaterial
}

const rootID = "root"

// newRegistry returns the built-in profiles plus "client-cert", which
// forbids keyCertSign and allows subject overrides.
func newRegistry(t *testing.T) *profile.Registry {
	t.Helper()
	reg := profile.NewDefaultRegistry()
	require.NoError(t, reg.Register("client-cert", profile.Definition{
		Description:          "Client certificate with caller supplied subject.",
		AllowSubjectOverride: true,
		KeyUsage:             []string{"digitalSignature"},
		ExtKeyUsage:          []string{"clientAuth"},
		ForbiddenExtensions:  []string{"keyUsage.keyCertSign"},
		DefaultValidity:      90 * 24 * time.Hour,
	}))
	return reg
}

// newFixture creates an engine with a root authority registered as rootID.
func newFixture(t *testing.T, cfg pki.AuthorityConfig, opts ...pki.Option) *fixture {
	t.Helper()
	repo := memory.NewRepository()
	return newFixtureWithRepo(t, repo, cfg, opts...)
}

func newFixtureWithRepo(t *testing.T, repo *memory.Repository, cfg pki.AuthorityConfig, opts ...pki.Option) *fixture {
	t.Helper()
	clock := &testClock{now: testEpoch}
	store := pki.NewStore(repo)
	engine, err := pki.New(newRegistry(t), store, append([]pki.Option{pki.WithClock(clock.Now)}, opts...)...)
	require.NoError(t, err)

	ks := pki.NewSoftwareKeyStore()
	pathLen := 1
	root, err := engine.InitRoot(t.Context(), ks, pki.CARequest{
		Subject:  pkix.Name{CommonName: "Test Root CA", Organization: []string{"IronCA"}},
		Validity: 365 * 24 * time.Hour,
		PathLen:  &pathLen,
	})
	require.NoError(t, err)
	require.NoError(t, engine.AddAuthority(t.Context(), rootID, root.Certificate, root.Signer, cfg))

	return &fixture{engine: engine, store: store, repo: repo, clock: clock, ks: ks, root: root}
}

func newKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return key
}

// newCSR returns a PEM CSR for tmpl signed by key.
func newCSR(t *testing.T, key crypto.Signer, tmpl *x509.CertificateRequest) []byte {
	t.Helper()
	der, err := x509.CreateCertificateRequest(rand.Reader, tmpl, key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der})
}

func simpleCSR(t *testing.T, cn string, dns ...string) []byte {
	t.Helper()
	return newCSR(t, newKey(t), &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: cn},
		DNSNames: dns,
	})
}

// keyUsageExtension encodes ku as a requested keyUsage extension.
func keyUsageExtension(t *testing.T, ku x509.KeyUsage) pkix.Extension {
	t.Helper()
	var bits asn1.BitString
	for i := 0; i < 9; i++ {
		if ku&(1<<uint(i)) != 0 {
			if bits.Bytes == nil {
				bits.Bytes = make([]byte, 2)
			}
			bits.Bytes[i/8] |= 0x80 >> uint(i%8)
			bits.BitLength = i + 1
		}
	}
	if bits.BitLength <= 8 && bits.Bytes != nil {
		bits.Bytes = bits.Bytes[:1]
	}
	value, err := asn1.Marshal(bits)
	require.NoError(t, err)
	return pkix.Extension{Id: asn1.ObjectIdentifier{2, 5, 29, 15}, Critical: true, Value: value}
}

func ptr[T any](v T) *T { return &v }
