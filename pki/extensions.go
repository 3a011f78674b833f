package pki

import (
	"crypto"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/cryptobyte"
	cryptobyte_asn1 "golang.org/x/crypto/cryptobyte/asn1"

	"github.com/jmcleod/ironca/caerr"
	"github.com/jmcleod/ironca/csr"
	"github.com/jmcleod/ironca/internal/util"
	"github.com/jmcleod/ironca/profile"
)

var (
	oidOCSPNoCheck = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 48, 1, 5}
	oidTLSFeature  = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 24}
)

// statusRequest is the TLS feature value for OCSP must-staple (RFC 7633).
const statusRequest = 5

// Overrides are caller-supplied values that take precedence over the CSR
// where the profile allows. SANs replace the CSR's set entirely.
type Overrides struct {
	Subject     *pkix.Name
	SANs        []string
	NotBefore   *time.Time
	NotAfter    *time.Time
	KeyUsage    *x509.KeyUsage
	ExtKeyUsage []x509.ExtKeyUsage
	PathLen     *int
}

// Decision actions.
const (
	ActionDropped  = "dropped"
	ActionMasked   = "masked"
	ActionForced   = "forced"
	ActionReplaced = "replaced"
	ActionClamped  = "clamped"
)

// Decision records a place where the issued certificate differs from what
// the CSR or overrides asked for.
type Decision struct {
	Field  string
	Action string
	Detail string
}

// builder assembles the to-be-signed template for one issuance. It never
// allocates a serial or touches the ledger; every error it returns is a
// policy error.
type builder struct {
	profile   *profile.Profile
	req       *csr.Request
	overrides Overrides
	issuer    *x509.Certificate
	cfg       AuthorityConfig
	now       time.Time

	decisions []Decision
}

func (b *builder) decide(field, action, format string, args ...any) {
	b.decisions = append(b.decisions, Decision{Field: field, Action: action, Detail: fmt.Sprintf(format, args...)})
}

func (b *builder) build() (*x509.Certificate, error) {
	tmpl := &x509.Certificate{PublicKey: b.req.PublicKey}

	subject, err := b.subject()
	if err != nil {
		return nil, err
	}
	tmpl.Subject = subject

	sans, err := b.subjectAltNames(subject)
	if err != nil {
		return nil, err
	}
	tmpl.DNSNames = sans.DNSNames
	tmpl.EmailAddresses = sans.EmailAddresses
	tmpl.IPAddresses = sans.IPAddresses
	tmpl.URIs = sans.URIs

	tmpl.KeyUsage = b.keyUsage()
	tmpl.ExtKeyUsage = b.extKeyUsage()

	if err := b.basicConstraints(tmpl); err != nil {
		return nil, err
	}
	if err := b.distribution(tmpl); err != nil {
		return nil, err
	}
	if err := b.validity(tmpl); err != nil {
		return nil, err
	}

	tmpl.ExtraExtensions = b.extraExtensions()

	ski, err := subjectKeyID(b.req.PublicKey)
	if err != nil {
		return nil, caerr.Wrap(caerr.KindRejectedKeyParameters, "public_key", err)
	}
	tmpl.SubjectKeyId = ski
	return tmpl, nil
}

// subject merges the profile default, the CSR subject and the caller
// override, later sources winning attribute by attribute.
func (b *builder) subject() (pkix.Name, error) {
	name := b.profile.Subject()
	mergeName(&name, b.req.Subject)
	if b.overrides.Subject != nil {
		if !b.profile.AllowSubjectOverride() {
			return pkix.Name{}, caerr.New(caerr.KindOverrideNotPermitted, "subject",
				"profile %q does not allow subject overrides", b.profile.Name())
		}
		mergeName(&name, *b.overrides.Subject)
	}
	return normalizeName(name), nil
}

func mergeName(dst *pkix.Name, src pkix.Name) {
	if src.CommonName != "" {
		dst.CommonName = src.CommonName
	}
	if src.SerialNumber != "" {
		dst.SerialNumber = src.SerialNumber
	}
	set := func(d *[]string, s []string) {
		if len(s) > 0 {
			*d = append([]string(nil), s...)
		}
	}
	set(&dst.Country, src.Country)
	set(&dst.Organization, src.Organization)
	set(&dst.OrganizationalUnit, src.OrganizationalUnit)
	set(&dst.Locality, src.Locality)
	set(&dst.Province, src.Province)
	set(&dst.StreetAddress, src.StreetAddress)
	set(&dst.PostalCode, src.PostalCode)
}

func normalizeName(n pkix.Name) pkix.Name {
	norm := func(vals []string) []string {
		var out []string
		for _, v := range vals {
			if v = util.Normalize(v); v != "" {
				out = append(out, v)
			}
		}
		return out
	}
	return pkix.Name{
		CommonName:         util.Normalize(n.CommonName),
		SerialNumber:       util.Normalize(n.SerialNumber),
		Country:            norm(n.Country),
		Organization:       norm(n.Organization),
		OrganizationalUnit: norm(n.OrganizationalUnit),
		Locality:           norm(n.Locality),
		Province:           norm(n.Province),
		StreetAddress:      norm(n.StreetAddress),
		PostalCode:         norm(n.PostalCode),
	}
}

func nameIsEmpty(n pkix.Name) bool {
	return len(n.ToRDNSequence()) == 0
}

func requestedSANs(req *csr.Request) []string {
	var out []string
	for _, d := range req.DNSNames {
		out = append(out, "DNS:"+d)
	}
	for _, ip := range req.IPAddresses {
		out = append(out, "IP:"+ip.String())
	}
	for _, e := range req.EmailAddresses {
		out = append(out, "email:"+e)
	}
	for _, u := range req.URIs {
		out = append(out, "URI:"+u.String())
	}
	return out
}

// subjectAltNames applies the SAN policy. An override replaces the CSR's
// names and is recorded as a decision.
func (b *builder) subjectAltNames(subject pkix.Name) (util.GeneralNames, error) {
	const field = "subject_alt_name"
	requested := requestedSANs(b.req)

	source := requested
	if len(b.overrides.SANs) > 0 {
		source = b.overrides.SANs
	}

	var names util.GeneralNames
	if b.profile.Forbids(profile.ExtensionSubjectAltName) {
		if len(source) > 0 {
			b.decide(field, ActionDropped, "profile forbids subjectAltName, dropped %s", strings.Join(source, ", "))
		}
	} else {
		if b.profile.CNInSAN() && subject.CommonName != "" {
			if err := names.Add(subject.CommonName); err != nil {
				return util.GeneralNames{}, caerr.New(caerr.KindInvalidSubjectAltName, "common_name",
					"common name %q cannot be used as a subjectAltName: %v", subject.CommonName, err)
			}
		}
		for _, v := range source {
			if err := names.Add(v); err != nil {
				return util.GeneralNames{}, caerr.Wrap(caerr.KindInvalidSubjectAltName, field, err)
			}
		}
		switch {
		case len(b.overrides.SANs) == 0:
		case b.req.HasSANs():
			b.decide(field, ActionReplaced, "csr [%s] replaced by [%s]",
				strings.Join(requested, ", "), strings.Join(names.Strings(), ", "))
		default:
			b.decide(field, ActionReplaced, "csr requested none, set to [%s]", strings.Join(names.Strings(), ", "))
		}
	}

	if b.profile.Forces(profile.ExtensionSubjectAltName) && names.Len() == 0 {
		return util.GeneralNames{}, caerr.New(caerr.KindInvalidSubjectAltName, field,
			"profile %q requires at least one subjectAltName", b.profile.Name())
	}
	if names.Len() == 0 && nameIsEmpty(subject) {
		return util.GeneralNames{}, caerr.New(caerr.KindInvalidSubjectAltName, field,
			"certificate would have neither a subject nor a subjectAltName")
	}
	return names, nil
}

func (b *builder) keyUsage() x509.KeyUsage {
	const field = string(profile.ExtensionKeyUsage)
	p := b.profile

	requested, hasRequest := b.req.KeyUsage, b.req.HasKeyUsage
	if b.overrides.KeyUsage != nil {
		requested, hasRequest = *b.overrides.KeyUsage, true
	}

	var ku x509.KeyUsage
	switch {
	case p.Forbids(profile.ExtensionKeyUsage):
		if hasRequest && requested != 0 {
			b.decide(field, ActionDropped, "profile forbids keyUsage, dropped %s", strings.Join(profile.KeyUsageNames(requested), ","))
		}
		return 0
	case p.Forces(profile.ExtensionKeyUsage):
		ku = p.KeyUsage()
		if hasRequest && requested != ku {
			b.decide(field, ActionForced, "requested %s, profile forces %s",
				strings.Join(profile.KeyUsageNames(requested), ","), strings.Join(profile.KeyUsageNames(ku), ","))
		}
	case hasRequest:
		ku = requested
	default:
		ku = p.KeyUsage()
	}

	mask := p.ForbiddenKeyUsage()
	if !p.IsCA() {
		mask |= x509.KeyUsageCertSign | x509.KeyUsageCRLSign
	}
	if ku&mask != 0 {
		b.decide(field, ActionMasked, "removed %s", strings.Join(profile.KeyUsageNames(ku&mask), ","))
		ku &^= mask
	}
	if only := ku & (x509.KeyUsageEncipherOnly | x509.KeyUsageDecipherOnly); only != 0 && ku&x509.KeyUsageKeyAgreement == 0 {
		b.decide(field, ActionMasked, "removed %s without keyAgreement", strings.Join(profile.KeyUsageNames(only), ","))
		ku &^= only
	}
	if p.IsCA() {
		ku |= x509.KeyUsageCertSign
	}
	return ku
}

func (b *builder) extKeyUsage() []x509.ExtKeyUsage {
	const field = string(profile.ExtensionExtKeyUsage)
	p := b.profile

	requested := b.req.ExtKeyUsage
	if b.overrides.ExtKeyUsage != nil {
		requested = b.overrides.ExtKeyUsage
	}

	var ekus []x509.ExtKeyUsage
	switch {
	case p.Forbids(profile.ExtensionExtKeyUsage):
		if len(requested) > 0 {
			b.decide(field, ActionDropped, "profile forbids extendedKeyUsage")
		}
		return nil
	case p.Forces(profile.ExtensionExtKeyUsage):
		ekus = p.ExtKeyUsage()
		if len(requested) > 0 {
			b.decide(field, ActionForced, "request ignored, profile forces its own set")
		}
	case len(requested) > 0:
		ekus = append([]x509.ExtKeyUsage(nil), requested...)
	default:
		ekus = p.ExtKeyUsage()
	}

	kept := ekus[:0]
	for _, eku := range ekus {
		if p.ForbidsExtKeyUsage(eku) {
			b.decide(field, ActionMasked, "removed %s", profile.ExtKeyUsageName(eku))
			continue
		}
		kept = append(kept, eku)
	}
	if len(kept) == 0 {
		return nil
	}
	profile.SortExtKeyUsages(kept)
	return kept
}

// issuerPathLen returns the issuer's path length constraint.
func issuerPathLen(c *x509.Certificate) (int, bool) {
	if c.MaxPathLen > 0 || (c.MaxPathLen == 0 && c.MaxPathLenZero) {
		return c.MaxPathLen, true
	}
	return -1, false
}

func (b *builder) basicConstraints(tmpl *x509.Certificate) error {
	const field = "path_len"
	p := b.profile

	if !p.IsCA() {
		if b.overrides.PathLen != nil {
			return caerr.New(caerr.KindOverrideNotPermitted, field, "profile %q does not issue CA certificates", p.Name())
		}
		if bc := b.req.BasicConstraints; bc != nil && bc.CA {
			b.decide(string(profile.ExtensionBasicConstraints), ActionReplaced, "CSR requested cA=true, issued as end entity")
		}
		if !p.Forbids(profile.ExtensionBasicConstraints) {
			tmpl.BasicConstraintsValid = true
		}
		return nil
	}

	limit, limited := issuerPathLen(b.issuer)
	if limited && limit == 0 {
		return caerr.New(caerr.KindPathLengthViolation, field,
			"issuer %s has pathlen 0 and cannot issue CA certificates", b.issuer.Subject)
	}

	want, explicit := 0, false
	switch {
	case b.overrides.PathLen != nil:
		want, explicit = *b.overrides.PathLen, true
	case !p.Forces(profile.ExtensionBasicConstraints) && b.req.BasicConstraints != nil &&
		b.req.BasicConstraints.CA && b.req.BasicConstraints.PathLen >= 0:
		want, explicit = b.req.BasicConstraints.PathLen, true
	default:
		want, explicit = p.PathLen()
	}

	switch {
	case explicit && want < 0:
		return caerr.New(caerr.KindPathLengthViolation, field, "negative pathlen %d", want)
	case explicit && limited && want >= limit:
		return caerr.New(caerr.KindPathLengthViolation, field,
			"pathlen %d is not below issuer pathlen %d", want, limit)
	case !explicit && limited:
		want, explicit = limit-1, true
	}

	tmpl.BasicConstraintsValid = true
	tmpl.IsCA = true
	if explicit {
		tmpl.MaxPathLen = want
		tmpl.MaxPathLenZero = want == 0
	} else {
		tmpl.MaxPathLen = -1
	}
	return nil
}

// distribution fills CRL distribution points and authority information
// access from the authority configuration.
func (b *builder) distribution(tmpl *x509.Certificate) error {
	p := b.profile
	if !p.Forbids(profile.ExtensionCRLDistributionPoints) {
		tmpl.CRLDistributionPoints = append([]string(nil), b.cfg.CRLDistributionPoints...)
	}
	if p.Forces(profile.ExtensionCRLDistributionPoints) && len(tmpl.CRLDistributionPoints) == 0 {
		return caerr.New(caerr.KindInvalidIssuer, "crl_distribution_points",
			"profile %q requires CRL distribution points but the authority has none", p.Name())
	}
	if !p.Forbids(profile.ExtensionAuthorityInfoAccess) {
		tmpl.OCSPServer = append([]string(nil), b.cfg.OCSPServers...)
		tmpl.IssuingCertificateURL = append([]string(nil), b.cfg.IssuingCertificateURLs...)
	}
	if p.Forces(profile.ExtensionAuthorityInfoAccess) && len(tmpl.OCSPServer)+len(tmpl.IssuingCertificateURL) == 0 {
		return caerr.New(caerr.KindInvalidIssuer, "authority_info_access",
			"profile %q requires authority information access but the authority has none", p.Name())
	}
	return nil
}

// validity sets the certificate window. Explicit bounds outside the
// issuer's window are refused; a window derived from the profile default
// is clamped to the issuer's notAfter.
func (b *builder) validity(tmpl *x509.Certificate) error {
	notBefore := b.now
	if b.overrides.NotBefore != nil {
		notBefore = b.overrides.NotBefore.UTC().Truncate(time.Second)
		if notBefore.Before(b.issuer.NotBefore) {
			return caerr.New(caerr.KindValidityOutOfRange, "not_before",
				"notBefore %s precedes issuer notBefore %s", notBefore.Format(time.RFC3339), b.issuer.NotBefore.Format(time.RFC3339))
		}
	}

	var notAfter time.Time
	if b.overrides.NotAfter != nil {
		notAfter = b.overrides.NotAfter.UTC().Truncate(time.Second)
		if notAfter.After(b.issuer.NotAfter) {
			return caerr.New(caerr.KindValidityOutOfRange, "not_after",
				"notAfter %s exceeds issuer notAfter %s", notAfter.Format(time.RFC3339), b.issuer.NotAfter.Format(time.RFC3339))
		}
	} else {
		notAfter = notBefore.Add(b.profile.DefaultValidity())
		if notAfter.After(b.issuer.NotAfter) {
			b.decide("validity", ActionClamped, "notAfter %s clamped to issuer notAfter %s",
				notAfter.Format(time.RFC3339), b.issuer.NotAfter.UTC().Format(time.RFC3339))
			notAfter = b.issuer.NotAfter.UTC()
		}
	}

	if !notAfter.After(notBefore) {
		return caerr.New(caerr.KindValidityOutOfRange, "not_after", "notAfter %s is not after notBefore %s",
			notAfter.Format(time.RFC3339), notBefore.Format(time.RFC3339))
	}
	tmpl.NotBefore = notBefore
	tmpl.NotAfter = notAfter
	return nil
}

func (b *builder) extraExtensions() []pkix.Extension {
	p := b.profile
	var exts []pkix.Extension
	if p.OCSPNoCheck() {
		exts = append(exts, pkix.Extension{Id: oidOCSPNoCheck, Value: asn1.NullBytes})
	}

	staple := p.MustStaple() || b.req.MustStaple
	if staple && p.Forbids(profile.ExtensionTLSFeature) {
		b.decide(string(profile.ExtensionTLSFeature), ActionDropped, "profile forbids tlsFeature")
		staple = false
	}
	if staple {
		value, _ := asn1.Marshal([]int{statusRequest})
		exts = append(exts, pkix.Extension{Id: oidTLSFeature, Value: value})
	}
	return exts
}

// subjectKeyID is the SHA-1 hash of the subjectPublicKey BIT STRING
// (RFC 5280 section 4.2.1.2, method 1).
func subjectKeyID(pub crypto.PublicKey) ([]byte, error) {
	spki, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("marshalling public key: %w", err)
	}
	key, err := spkiKeyBits(spki)
	if err != nil {
		return nil, err
	}
	sum := sha1.Sum(key)
	return sum[:], nil
}

// spkiKeyBits returns the contents of the subjectPublicKey BIT STRING of a
// DER SubjectPublicKeyInfo.
func spkiKeyBits(spki []byte) ([]byte, error) {
	input := cryptobyte.String(spki)
	var seq cryptobyte.String
	var key asn1.BitString
	if !input.ReadASN1(&seq, cryptobyte_asn1.SEQUENCE) ||
		!seq.SkipASN1(cryptobyte_asn1.SEQUENCE) ||
		!seq.ReadASN1BitString(&key) {
		return nil, fmt.Errorf("malformed subjectPublicKeyInfo")
	}
	return key.RightAlign(), nil
}
