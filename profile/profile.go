// Package profile holds the named issuance policies a certificate authority
// signs against. A Definition is the configuration form; registering it
// produces an immutable Profile whose policy is validated and resolved once,
// so a misconfigured profile fails at load time rather than during signing.
package profile

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"slices"
	"strings"
	"time"

	"github.com/jmcleod/ironca/caerr"
	"github.com/jmcleod/ironca/internal/util"
)

// DefaultMinRSABits is the smallest RSA modulus accepted when a profile
// does not set MinRSABits.
const DefaultMinRSABits = 2048

// Key algorithm names accepted in AllowedKeyAlgorithms.
const (
	AlgorithmRSA     = "RSA"
	AlgorithmECDSA   = "ECDSA"
	AlgorithmEd25519 = "Ed25519"
)

// Subject is the default subject of a profile. Empty fields are not set.
type Subject struct {
	CommonName         string `mapstructure:"common_name" yaml:"common_name,omitempty"`
	Organization       string `mapstructure:"organization" yaml:"organization,omitempty"`
	OrganizationalUnit string `mapstructure:"organizational_unit" yaml:"organizational_unit,omitempty"`
	Country            string `mapstructure:"country" yaml:"country,omitempty"`
	Province           string `mapstructure:"province" yaml:"province,omitempty"`
	Locality           string `mapstructure:"locality" yaml:"locality,omitempty"`
}

// Name converts s into a pkix.Name with NFC-normalised values.
func (s Subject) Name() pkix.Name {
	var n pkix.Name
	n.CommonName = util.Normalize(s.CommonName)
	set := func(dst *[]string, v string) {
		if v = util.Normalize(v); v != "" {
			*dst = []string{v}
		}
	}
	set(&n.Organization, s.Organization)
	set(&n.OrganizationalUnit, s.OrganizationalUnit)
	set(&n.Country, s.Country)
	set(&n.Province, s.Province)
	set(&n.Locality, s.Locality)
	return n
}

// BasicConstraints configures the basicConstraints extension. PathLen is
// only meaningful when CA is true; nil lets the issuer derive it.
type BasicConstraints struct {
	CA      bool `mapstructure:"ca" yaml:"ca"`
	PathLen *int `mapstructure:"path_len" yaml:"path_len,omitempty"`
}

// Definition is the configuration form of a profile.
//
// ForcedExtensions are always emitted from the profile's own values.
// ForbiddenExtensions are never emitted; an entry may also name a single
// bit ("keyUsage.keyCertSign") or usage ("extendedKeyUsage.codeSigning")
// which is then masked out of whatever the request asks for.
type Definition struct {
	Description          string           `mapstructure:"description" yaml:"description,omitempty"`
	Extends              string           `mapstructure:"extends" yaml:"extends,omitempty"`
	Subject              Subject          `mapstructure:"subject" yaml:"subject,omitempty"`
	AllowSubjectOverride bool             `mapstructure:"allow_subject_override" yaml:"allow_subject_override"`
	CNInSAN              bool             `mapstructure:"cn_in_san" yaml:"cn_in_san"`
	KeyUsage             []string         `mapstructure:"key_usage" yaml:"key_usage,omitempty"`
	ExtKeyUsage          []string         `mapstructure:"ext_key_usage" yaml:"ext_key_usage,omitempty"`
	BasicConstraints     BasicConstraints `mapstructure:"basic_constraints" yaml:"basic_constraints"`
	ForcedExtensions     []string         `mapstructure:"forced_extensions" yaml:"forced_extensions,omitempty"`
	ForbiddenExtensions  []string         `mapstructure:"forbidden_extensions" yaml:"forbidden_extensions,omitempty"`
	DefaultValidity      time.Duration    `mapstructure:"default_validity" yaml:"default_validity"`
	AllowedKeyAlgorithms []string         `mapstructure:"allowed_key_algorithms" yaml:"allowed_key_algorithms,omitempty"`
	MinRSABits           int              `mapstructure:"min_rsa_bits" yaml:"min_rsa_bits,omitempty"`
	AllowedCurves        []string         `mapstructure:"allowed_curves" yaml:"allowed_curves,omitempty"`
	OCSPNoCheck          bool             `mapstructure:"ocsp_no_check" yaml:"ocsp_no_check"`
	MustStaple           bool             `mapstructure:"must_staple" yaml:"must_staple"`
}

// Clone returns a deep copy of d.
func (d Definition) Clone() Definition {
	c := d
	c.KeyUsage = slices.Clone(d.KeyUsage)
	c.ExtKeyUsage = slices.Clone(d.ExtKeyUsage)
	c.ForcedExtensions = slices.Clone(d.ForcedExtensions)
	c.ForbiddenExtensions = slices.Clone(d.ForbiddenExtensions)
	c.AllowedKeyAlgorithms = slices.Clone(d.AllowedKeyAlgorithms)
	c.AllowedCurves = slices.Clone(d.AllowedCurves)
	if d.BasicConstraints.PathLen != nil {
		n := *d.BasicConstraints.PathLen
		c.BasicConstraints.PathLen = &n
	}
	return c
}

// over layers d on top of base: non-empty values in d win, booleans are
// enabled if either side enables them.
func (d Definition) over(base Definition) Definition {
	out := base.Clone()
	out.Extends = ""
	if d.Description != "" {
		out.Description = d.Description
	}
	s := &out.Subject
	for _, f := range []struct {
		dst *string
		v   string
	}{
		{&s.CommonName, d.Subject.CommonName},
		{&s.Organization, d.Subject.Organization},
		{&s.OrganizationalUnit, d.Subject.OrganizationalUnit},
		{&s.Country, d.Subject.Country},
		{&s.Province, d.Subject.Province},
		{&s.Locality, d.Subject.Locality},
	} {
		if f.v != "" {
			*f.dst = f.v
		}
	}
	out.AllowSubjectOverride = out.AllowSubjectOverride || d.AllowSubjectOverride
	out.CNInSAN = out.CNInSAN || d.CNInSAN
	out.OCSPNoCheck = out.OCSPNoCheck || d.OCSPNoCheck
	out.MustStaple = out.MustStaple || d.MustStaple
	if d.KeyUsage != nil {
		out.KeyUsage = slices.Clone(d.KeyUsage)
	}
	if d.ExtKeyUsage != nil {
		out.ExtKeyUsage = slices.Clone(d.ExtKeyUsage)
	}
	if d.BasicConstraints.CA || d.BasicConstraints.PathLen != nil {
		out.BasicConstraints = d.Clone().BasicConstraints
	}
	if d.ForcedExtensions != nil {
		out.ForcedExtensions = slices.Clone(d.ForcedExtensions)
	}
	if d.ForbiddenExtensions != nil {
		out.ForbiddenExtensions = slices.Clone(d.ForbiddenExtensions)
	}
	if d.DefaultValidity != 0 {
		out.DefaultValidity = d.DefaultValidity
	}
	if d.AllowedKeyAlgorithms != nil {
		out.AllowedKeyAlgorithms = slices.Clone(d.AllowedKeyAlgorithms)
	}
	if d.MinRSABits != 0 {
		out.MinRSABits = d.MinRSABits
	}
	if d.AllowedCurves != nil {
		out.AllowedCurves = slices.Clone(d.AllowedCurves)
	}
	return out
}

// Profile is a validated, immutable issuance policy. Accessors return
// copies; nothing reachable from a Profile can be mutated by a caller.
type Profile struct {
	name string
	def  Definition

	subject      pkix.Name
	keyUsage     x509.KeyUsage
	extKeyUsage  []x509.ExtKeyUsage
	forced       map[Extension]bool
	forbidden    map[Extension]bool
	forbiddenKU  x509.KeyUsage
	forbiddenEKU map[x509.ExtKeyUsage]bool
	algorithms   map[string]bool
	curves       map[string]bool
	minRSABits   int
}

func (p *Profile) Name() string { return p.name }
func (p *Profile) Description() string { return p.def.Description }

// Definition returns a copy of the resolved definition, with any Extends
// chain already flattened.
func (p *Profile) Definition() Definition { return p.def.Clone() }

// Subject returns the default subject.
func (p *Profile) Subject() pkix.Name {
	return CloneName(p.subject)
}

func (p *Profile) AllowSubjectOverride() bool { return p.def.AllowSubjectOverride }
func (p *Profile) CNInSAN() bool { return p.def.CNInSAN }
func (p *Profile) KeyUsage() x509.KeyUsage { return p.keyUsage }
func (p *Profile) ExtKeyUsage() []x509.ExtKeyUsage { return slices.Clone(p.extKeyUsage) }
func (p *Profile) IsCA() bool { return p.def.BasicConstraints.CA }
func (p *Profile) DefaultValidity() time.Duration { return p.def.DefaultValidity }
func (p *Profile) OCSPNoCheck() bool { return p.def.OCSPNoCheck }
func (p *Profile) MustStaple() bool { return p.def.MustStaple }

// PathLen returns the configured path length constraint, if any.
func (p *Profile) PathLen() (int, bool) {
	if p.def.BasicConstraints.PathLen == nil {
		return 0, false
	}
	return *p.def.BasicConstraints.PathLen, true
}

// Forces reports whether ext is always emitted from the profile's values.
func (p *Profile) Forces(ext Extension) bool { return p.forced[ext] }

// Forbids reports whether ext is never emitted.
func (p *Profile) Forbids(ext Extension) bool { return p.forbidden[ext] }

// ForbiddenKeyUsage returns the key usage bits masked out of every request.
func (p *Profile) ForbiddenKeyUsage() x509.KeyUsage { return p.forbiddenKU }

// ForbidsExtKeyUsage reports whether eku is masked out of every request.
func (p *Profile) ForbidsExtKeyUsage(eku x509.ExtKeyUsage) bool { return p.forbiddenEKU[eku] }

// CheckKey verifies that pub is of an algorithm and size the profile
// permits. Failures are RejectedKeyParameters errors on field "public_key".
func (p *Profile) CheckKey(pub crypto.PublicKey) error {
	const field = "public_key"
	switch k := pub.(type) {
	case *rsa.PublicKey:
		if !p.algorithms[AlgorithmRSA] {
			return caerr.New(caerr.KindRejectedKeyParameters, field, "profile %q does not accept RSA keys", p.name)
		}
		if bits := k.N.BitLen(); bits < p.minRSABits {
			return caerr.New(caerr.KindRejectedKeyParameters, field, "RSA key of %d bits is below minimum %d", bits, p.minRSABits)
		}
	case *ecdsa.PublicKey:
		if !p.algorithms[AlgorithmECDSA] {
			return caerr.New(caerr.KindRejectedKeyParameters, field, "profile %q does not accept ECDSA keys", p.name)
		}
		if k.Curve == nil || !p.curves[k.Curve.Params().Name] {
			return caerr.New(caerr.KindRejectedKeyParameters, field, "ECDSA curve is not permitted by profile %q", p.name)
		}
	case ed25519.PublicKey:
		if !p.algorithms[AlgorithmEd25519] {
			return caerr.New(caerr.KindRejectedKeyParameters, field, "profile %q does not accept Ed25519 keys", p.name)
		}
	default:
		return caerr.New(caerr.KindRejectedKeyParameters, field, "unsupported public key type %T", pub)
	}
	return nil
}

var supportedCurves = []string{"P-256", "P-384", "P-521"}

// compile validates def and resolves it into a Profile.
func compile(name string, def Definition) (*Profile, error) {
	invalid := func(field, format string, args ...any) error {
		return caerr.New(caerr.KindInvalidProfileDefinition, field, "profile %q: "+format, append([]any{name}, args...)...)
	}

	p := &Profile{
		name:         name,
		def:          def.Clone(),
		forced:       map[Extension]bool{},
		forbidden:    map[Extension]bool{},
		forbiddenEKU: map[x509.ExtKeyUsage]bool{},
		algorithms:   map[string]bool{},
		curves:       map[string]bool{},
		minRSABits:   def.MinRSABits,
	}
	p.subject = def.Subject.Name()

	if def.DefaultValidity <= 0 {
		return nil, invalid("default_validity", "must be positive")
	}

	for _, n := range def.KeyUsage {
		ku, ok := ParseKeyUsage(n)
		if !ok {
			return nil, invalid("key_usage", "unknown key usage %q", n)
		}
		p.keyUsage |= ku
	}
	for _, n := range def.ExtKeyUsage {
		eku, ok := ParseExtKeyUsage(n)
		if !ok {
			return nil, invalid("ext_key_usage", "unknown extended key usage %q", n)
		}
		if !slices.Contains(p.extKeyUsage, eku) {
			p.extKeyUsage = append(p.extKeyUsage, eku)
		}
	}
	SortExtKeyUsages(p.extKeyUsage)

	for _, n := range def.ForcedExtensions {
		ext, ok := ParseExtension(n)
		if !ok {
			return nil, invalid("forced_extensions", "unknown extension %q", n)
		}
		p.forced[ext] = true
	}
	for _, n := range def.ForbiddenExtensions {
		if base, item, ok := strings.Cut(n, "."); ok {
			ext, _ := ParseExtension(base)
			switch ext {
			case ExtensionKeyUsage:
				ku, ok := ParseKeyUsage(item)
				if !ok {
					return nil, invalid("forbidden_extensions", "unknown key usage %q", item)
				}
				p.forbiddenKU |= ku
			case ExtensionExtKeyUsage:
				eku, ok := ParseExtKeyUsage(item)
				if !ok {
					return nil, invalid("forbidden_extensions", "unknown extended key usage %q", item)
				}
				p.forbiddenEKU[eku] = true
			default:
				return nil, invalid("forbidden_extensions", "%q cannot be forbidden per item", base)
			}
			continue
		}
		ext, ok := ParseExtension(n)
		if !ok {
			return nil, invalid("forbidden_extensions", "unknown extension %q", n)
		}
		p.forbidden[ext] = true
	}
	for ext := range p.forced {
		if p.forbidden[ext] {
			return nil, invalid("forced_extensions", "%s is both forced and forbidden", ext)
		}
	}

	// Key usage consistency.
	if p.forced[ExtensionKeyUsage] && p.keyUsage == 0 {
		return nil, invalid("key_usage", "keyUsage is forced but no bits are configured")
	}
	if p.forced[ExtensionExtKeyUsage] && len(p.extKeyUsage) == 0 {
		return nil, invalid("ext_key_usage", "extendedKeyUsage is forced but no usages are configured")
	}
	if p.keyUsage&p.forbiddenKU != 0 {
		return nil, invalid("key_usage", "default key usage includes forbidden bits %v", KeyUsageNames(p.keyUsage&p.forbiddenKU))
	}
	for _, eku := range p.extKeyUsage {
		if p.forbiddenEKU[eku] {
			return nil, invalid("ext_key_usage", "default extended key usage includes forbidden %s", ExtKeyUsageName(eku))
		}
	}
	if p.keyUsage&x509.KeyUsageEncipherOnly != 0 && p.keyUsage&x509.KeyUsageDecipherOnly != 0 {
		return nil, invalid("key_usage", "encipherOnly and decipherOnly are mutually exclusive")
	}
	if p.keyUsage&(x509.KeyUsageEncipherOnly|x509.KeyUsageDecipherOnly) != 0 && p.keyUsage&x509.KeyUsageKeyAgreement == 0 {
		return nil, invalid("key_usage", "encipherOnly/decipherOnly require keyAgreement")
	}

	// Basic constraints consistency.
	bc := def.BasicConstraints
	if bc.CA {
		if p.forbidden[ExtensionBasicConstraints] {
			return nil, invalid("basic_constraints", "a CA profile cannot forbid basicConstraints")
		}
		if p.keyUsage&x509.KeyUsageCertSign == 0 {
			return nil, invalid("key_usage", "a CA profile requires keyCertSign")
		}
		if p.forbiddenKU&x509.KeyUsageCertSign != 0 {
			return nil, invalid("forbidden_extensions", "a CA profile cannot forbid keyCertSign")
		}
	} else {
		if p.keyUsage&x509.KeyUsageCertSign != 0 {
			return nil, invalid("key_usage", "keyCertSign requires basicConstraints cA=true")
		}
		if bc.PathLen != nil {
			return nil, invalid("basic_constraints", "path_len requires cA=true")
		}
	}
	if bc.PathLen != nil && *bc.PathLen < 0 {
		return nil, invalid("basic_constraints", "path_len must not be negative")
	}

	// Key policy.
	algs := def.AllowedKeyAlgorithms
	if len(algs) == 0 {
		algs = []string{AlgorithmRSA, AlgorithmECDSA, AlgorithmEd25519}
	}
	for _, a := range algs {
		switch strings.ToUpper(a) {
		case "RSA":
			p.algorithms[AlgorithmRSA] = true
		case "ECDSA", "EC":
			p.algorithms[AlgorithmECDSA] = true
		case "ED25519":
			p.algorithms[AlgorithmEd25519] = true
		default:
			return nil, invalid("allowed_key_algorithms", "unknown key algorithm %q", a)
		}
	}
	if p.minRSABits == 0 {
		p.minRSABits = DefaultMinRSABits
	}
	if p.minRSABits < 1024 {
		return nil, invalid("min_rsa_bits", "must be at least 1024")
	}
	curves := def.AllowedCurves
	if len(curves) == 0 {
		curves = supportedCurves
	}
	for _, c := range curves {
		c = strings.ToUpper(strings.TrimSpace(c))
		if !slices.Contains(supportedCurves, c) {
			return nil, invalid("allowed_curves", "unsupported curve %q", c)
		}
		p.curves[c] = true
	}

	if p.forced[ExtensionOCSPNoCheck] {
		p.def.OCSPNoCheck = true
	}
	if p.forced[ExtensionTLSFeature] {
		p.def.MustStaple = true
	}
	if p.forbidden[ExtensionOCSPNoCheck] && def.OCSPNoCheck {
		return nil, invalid("ocsp_no_check", "ocspNoCheck is enabled but forbidden")
	}
	if p.forbidden[ExtensionTLSFeature] && def.MustStaple {
		return nil, invalid("must_staple", "tlsFeature is enabled but forbidden")
	}
	if p.forbidden[ExtensionSubjectAltName] && def.CNInSAN {
		return nil, invalid("cn_in_san", "cn_in_san requires subjectAltName")
	}

	return p, nil
}

// CloneName returns a deep copy of n.
func CloneName(n pkix.Name) pkix.Name {
	c := n
	c.Country = slices.Clone(n.Country)
	c.Organization = slices.Clone(n.Organization)
	c.OrganizationalUnit = slices.Clone(n.OrganizationalUnit)
	c.Locality = slices.Clone(n.Locality)
	c.Province = slices.Clone(n.Province)
	c.StreetAddress = slices.Clone(n.StreetAddress)
	c.PostalCode = slices.Clone(n.PostalCode)
	c.Names = slices.Clone(n.Names)
	c.ExtraNames = slices.Clone(n.ExtraNames)
	return c
}
