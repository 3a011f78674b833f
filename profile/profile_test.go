package profile_test

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"sync"
	"testing"
	"time"

	"github.com/jmcleod/ironca/caerr"
	"github.com/jmcleod/ironca/profile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func leafDefinition() profile.Definition {
	return profile.Definition{
		KeyUsage:        []string{"digitalSignature"},
		ExtKeyUsage:     []string{"clientAuth"},
		DefaultValidity: 24 * time.Hour,
	}
}

func TestRegisterAndResolve(t *testing.T) {
	r := profile.NewRegistry()
	require.NoError(t, r.Register("client-cert", leafDefinition()))

	p, err := r.Resolve("client-cert")
	require.NoError(t, err)
	assert.Equal(t, "client-cert", p.Name())
	assert.Equal(t, x509.KeyUsageDigitalSignature, p.KeyUsage())
	assert.Equal(t, []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}, p.ExtKeyUsage())
	assert.False(t, p.IsCA())
	assert.Equal(t, []string{"client-cert"}, r.Names())
}

func TestRegisterDuplicate(t *testing.T) {
	r := profile.NewRegistry()
	require.NoError(t, r.Register("client-cert", leafDefinition()))

	err := r.Register("client-cert", leafDefinition())
	assert.ErrorIs(t, err, caerr.ErrDuplicateProfile)

	require.NoError(t, r.Replace("client-cert", leafDefinition()))
}

func TestResolveUnknown(t *testing.T) {
	_, err := profile.NewRegistry().Resolve("missing")
	assert.ErrorIs(t, err, caerr.ErrUnknownProfile)
	assert.Equal(t, "profile", caerr.FieldOf(err))
}

func TestSealedRegistry(t *testing.T) {
	r := profile.NewRegistry()
	r.Seal()
	assert.ErrorIs(t, r.Register("x", leafDefinition()), profile.ErrSealed)
}

func TestInvalidDefinitions(t *testing.T) {
	pathLen := 1
	negative := -1
	tests := []struct {
		name  string
		def   func(d *profile.Definition)
		field string
	}{
		{"keyCertSign without CA", func(d *profile.Definition) { d.KeyUsage = append(d.KeyUsage, "keyCertSign") }, "key_usage"},
		{"CA without keyCertSign", func(d *profile.Definition) { d.BasicConstraints.CA = true }, "key_usage"},
		{"pathlen without CA", func(d *profile.Definition) { d.BasicConstraints.PathLen = &pathLen }, "basic_constraints"},
		{"negative pathlen", func(d *profile.Definition) {
			d.KeyUsage = []string{"keyCertSign"}
			d.BasicConstraints = profile.BasicConstraints{CA: true, PathLen: &negative}
		}, "basic_constraints"},
		{"forced and forbidden", func(d *profile.Definition) {
			d.ForcedExtensions = []string{"keyUsage"}
			d.ForbiddenExtensions = []string{"keyUsage"}
		}, "forced_extensions"},
		{"unknown extension", func(d *profile.Definition) { d.ForcedExtensions = []string{"nameConstraints"} }, "forced_extensions"},
		{"unknown key usage", func(d *profile.Definition) { d.KeyUsage = []string{"everything"} }, "key_usage"},
		{"unknown ext key usage", func(d *profile.Definition) { d.ExtKeyUsage = []string{"everything"} }, "ext_key_usage"},
		{"default includes forbidden bit", func(d *profile.Definition) {
			d.ForbiddenExtensions = []string{"keyUsage.digitalSignature"}
		}, "key_usage"},
		{"zero validity", func(d *profile.Definition) { d.DefaultValidity = 0 }, "default_validity"},
		{"unknown algorithm", func(d *profile.Definition) { d.AllowedKeyAlgorithms = []string{"DSA"} }, "allowed_key_algorithms"},
		{"unknown curve", func(d *profile.Definition) { d.AllowedCurves = []string{"P-224"} }, "allowed_curves"},
		{"weak rsa floor", func(d *profile.Definition) { d.MinRSABits = 512 }, "min_rsa_bits"},
		{"forced keyUsage without bits", func(d *profile.Definition) {
			d.KeyUsage = nil
			d.ForcedExtensions = []string{"keyUsage"}
		}, "key_usage"},
		{"decipherOnly without keyAgreement", func(d *profile.Definition) {
			d.KeyUsage = []string{"digitalSignature", "decipherOnly"}
		}, "key_usage"},
		{"cn_in_san with forbidden san", func(d *profile.Definition) {
			d.CNInSAN = true
			d.ForbiddenExtensions = []string{"subjectAltName"}
		}, "cn_in_san"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := leafDefinition()
			tt.def(&def)
			err := profile.NewRegistry().Register("p", def)
			require.ErrorIs(t, err, caerr.ErrInvalidProfileDefinition)
			assert.Equal(t, tt.field, caerr.FieldOf(err))
		})
	}
}

func TestForbiddenItems(t *testing.T) {
	def := leafDefinition()
	def.ForbiddenExtensions = []string{"keyUsage.keyCertSign", "extendedKeyUsage.codeSigning", "tlsFeature"}
	r := profile.NewRegistry()
	require.NoError(t, r.Register("client-cert", def))

	p, err := r.Resolve("client-cert")
	require.NoError(t, err)
	assert.Equal(t, x509.KeyUsageCertSign, p.ForbiddenKeyUsage())
	assert.True(t, p.ForbidsExtKeyUsage(x509.ExtKeyUsageCodeSigning))
	assert.False(t, p.ForbidsExtKeyUsage(x509.ExtKeyUsageClientAuth))
	assert.True(t, p.Forbids(profile.ExtensionTLSFeature))
	assert.False(t, p.Forbids(profile.ExtensionKeyUsage))
}

func TestExtends(t *testing.T) {
	r := profile.NewRegistry()
	base := leafDefinition()
	base.Subject = profile.Subject{Organization: "Example", Country: "NZ"}
	require.NoError(t, r.Register("base", base))

	require.NoError(t, r.Register("child", profile.Definition{
		Extends:         "base",
		ExtKeyUsage:     []string{"serverAuth", "clientAuth"},
		Subject:         profile.Subject{Organization: "Child Org"},
		DefaultValidity: 48 * time.Hour,
	}))

	p, err := r.Resolve("child")
	require.NoError(t, err)
	assert.Equal(t, x509.KeyUsageDigitalSignature, p.KeyUsage())
	assert.Equal(t, []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth}, p.ExtKeyUsage())
	assert.Equal(t, 48*time.Hour, p.DefaultValidity())
	assert.Equal(t, []string{"Child Org"}, p.Subject().Organization)
	assert.Equal(t, []string{"NZ"}, p.Subject().Country)
	assert.Empty(t, p.Definition().Extends)

	err = r.Register("orphan", profile.Definition{Extends: "nope", DefaultValidity: time.Hour})
	assert.ErrorIs(t, err, caerr.ErrInvalidProfileDefinition)
}

func TestProfileIsImmutable(t *testing.T) {
	def := leafDefinition()
	r := profile.NewRegistry()
	require.NoError(t, r.Register("p", def))

	def.KeyUsage[0] = "keyAgreement"
	p, _ := r.Resolve("p")
	assert.Equal(t, []string{"digitalSignature"}, p.Definition().KeyUsage)

	ekus := p.ExtKeyUsage()
	ekus[0] = x509.ExtKeyUsageAny
	assert.Equal(t, x509.ExtKeyUsageClientAuth, p.ExtKeyUsage()[0])

	got := p.Definition()
	got.ExtKeyUsage[0] = "codeSigning"
	assert.Equal(t, []string{"clientAuth"}, p.Definition().ExtKeyUsage)
}

func TestCheckKey(t *testing.T) {
	def := leafDefinition()
	def.AllowedKeyAlgorithms = []string{"ECDSA", "RSA"}
	def.AllowedCurves = []string{"P-256"}
	r := profile.NewRegistry()
	require.NoError(t, r.Register("p", def))
	p, _ := r.Resolve("p")

	p256, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	p384, _ := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	weakRSA, _ := rsa.GenerateKey(rand.Reader, 1024)
	edPub, _, _ := ed25519.GenerateKey(rand.Reader)

	assert.NoError(t, p.CheckKey(&p256.PublicKey))
	for name, pub := range map[string]any{
		"curve":     &p384.PublicKey,
		"rsa bits":  &weakRSA.PublicKey,
		"algorithm": edPub,
	} {
		err := p.CheckKey(pub)
		assert.ErrorIs(t, err, caerr.ErrRejectedKeyParameters, name)
		assert.Equal(t, "public_key", caerr.FieldOf(err), name)
	}
}

func TestBuiltins(t *testing.T) {
	r := profile.NewDefaultRegistry()
	assert.Equal(t, []string{"client", "enduser", "ocsp", "server", "subca", "webserver"}, r.Names())

	ocsp, err := r.Resolve("ocsp")
	require.NoError(t, err)
	assert.True(t, ocsp.OCSPNoCheck())
	assert.True(t, ocsp.Forces(profile.ExtensionExtKeyUsage))

	subca, err := r.Resolve("subca")
	require.NoError(t, err)
	assert.True(t, subca.IsCA())
	_, hasPathLen := subca.PathLen()
	assert.False(t, hasPathLen)

	client, err := r.Resolve("client")
	require.NoError(t, err)
	assert.Equal(t, x509.KeyUsageCertSign|x509.KeyUsageCRLSign, client.ForbiddenKeyUsage())

	def, ok := profile.Builtin("client")
	require.True(t, ok)
	def.KeyUsage[0] = "keyAgreement"
	again, _ := profile.Builtin("client")
	assert.Equal(t, "digitalSignature", again.KeyUsage[0])
}

func TestConcurrentResolve(t *testing.T) {
	r := profile.NewDefaultRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Resolve("webserver")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
}

func TestUsageNames(t *testing.T) {
	ku, ok := profile.ParseKeyUsage("NonRepudiation")
	require.True(t, ok)
	assert.Equal(t, x509.KeyUsageContentCommitment, ku)
	assert.Equal(t, []string{"digitalSignature", "keyCertSign"}, profile.KeyUsageNames(x509.KeyUsageCertSign|x509.KeyUsageDigitalSignature))

	eku, ok := profile.ParseExtKeyUsage("ocspsigning")
	require.True(t, ok)
	assert.Equal(t, "OCSPSigning", profile.ExtKeyUsageName(eku))

	ext, ok := profile.ParseExtension("SubjectAltName")
	require.True(t, ok)
	assert.Equal(t, profile.ExtensionSubjectAltName, ext)
}
