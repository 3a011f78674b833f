package profile

import (
	"crypto/x509"
	"sort"
	"strings"
)

// Extension names an extension a profile can force or forbid.
type Extension string

const (
	ExtensionKeyUsage              Extension = "keyUsage"
	ExtensionExtKeyUsage           Extension = "extendedKeyUsage"
	ExtensionBasicConstraints      Extension = "basicConstraints"
	ExtensionSubjectAltName        Extension = "subjectAltName"
	ExtensionCRLDistributionPoints Extension = "crlDistributionPoints"
	ExtensionAuthorityInfoAccess   Extension = "authorityInfoAccess"
	ExtensionOCSPNoCheck           Extension = "ocspNoCheck"
	ExtensionTLSFeature            Extension = "tlsFeature"
)

var extensionNames = map[string]Extension{}

func init() {
	for _, e := range []Extension{
		ExtensionKeyUsage, ExtensionExtKeyUsage, ExtensionBasicConstraints,
		ExtensionSubjectAltName, ExtensionCRLDistributionPoints,
		ExtensionAuthorityInfoAccess, ExtensionOCSPNoCheck, ExtensionTLSFeature,
	} {
		extensionNames[strings.ToLower(string(e))] = e
	}
}

// ParseExtension maps a case-insensitive extension name to its Extension.
func ParseExtension(name string) (Extension, bool) {
	e, ok := extensionNames[strings.ToLower(strings.TrimSpace(name))]
	return e, ok
}

var keyUsageNames = []struct {
	name  string
	usage x509.KeyUsage
}{
	{"digitalSignature", x509.KeyUsageDigitalSignature},
	{"contentCommitment", x509.KeyUsageContentCommitment},
	{"keyEncipherment", x509.KeyUsageKeyEncipherment},
	{"dataEncipherment", x509.KeyUsageDataEncipherment},
	{"keyAgreement", x509.KeyUsageKeyAgreement},
	{"keyCertSign", x509.KeyUsageCertSign},
	{"cRLSign", x509.KeyUsageCRLSign},
	{"encipherOnly", x509.KeyUsageEncipherOnly},
	{"decipherOnly", x509.KeyUsageDecipherOnly},
}

// ParseKeyUsage maps an RFC 5280 key usage bit name to its x509 value.
// "nonRepudiation" is accepted as the historical name of contentCommitment.
func ParseKeyUsage(name string) (x509.KeyUsage, bool) {
	n := strings.ToLower(strings.TrimSpace(name))
	if n == "nonrepudiation" {
		return x509.KeyUsageContentCommitment, true
	}
	for _, ku := range keyUsageNames {
		if strings.ToLower(ku.name) == n {
			return ku.usage, true
		}
	}
	return 0, false
}

// KeyUsageNames lists the names of the bits set in ku in bit order.
func KeyUsageNames(ku x509.KeyUsage) []string {
	var names []string
	for _, k := range keyUsageNames {
		if ku&k.usage != 0 {
			names = append(names, k.name)
		}
	}
	return names
}

var extKeyUsageNames = []struct {
	name  string
	usage x509.ExtKeyUsage
}{
	{"anyExtendedKeyUsage", x509.ExtKeyUsageAny},
	{"serverAuth", x509.ExtKeyUsageServerAuth},
	{"clientAuth", x509.ExtKeyUsageClientAuth},
	{"codeSigning", x509.ExtKeyUsageCodeSigning},
	{"emailProtection", x509.ExtKeyUsageEmailProtection},
	{"ipsecEndSystem", x509.ExtKeyUsageIPSECEndSystem},
	{"ipsecTunnel", x509.ExtKeyUsageIPSECTunnel},
	{"ipsecUser", x509.ExtKeyUsageIPSECUser},
	{"timeStamping", x509.ExtKeyUsageTimeStamping},
	{"OCSPSigning", x509.ExtKeyUsageOCSPSigning},
	{"msSGC", x509.ExtKeyUsageMicrosoftServerGatedCrypto},
	{"nsSGC", x509.ExtKeyUsageNetscapeServerGatedCrypto},
}

// ParseExtKeyUsage maps an extended key usage name to its x509 value.
func ParseExtKeyUsage(name string) (x509.ExtKeyUsage, bool) {
	n := strings.ToLower(strings.TrimSpace(name))
	for _, e := range extKeyUsageNames {
		if strings.ToLower(e.name) == n {
			return e.usage, true
		}
	}
	return 0, false
}

// ExtKeyUsageName returns the configuration name of eku.
func ExtKeyUsageName(eku x509.ExtKeyUsage) string {
	for _, e := range extKeyUsageNames {
		if e.usage == eku {
			return e.name
		}
	}
	return "unknown"
}

// SortExtKeyUsages orders usages by their x509 value so that the encoded
// extension does not depend on request ordering.
func SortExtKeyUsages(ekus []x509.ExtKeyUsage) {
	sort.Slice(ekus, func(i, j int) bool { return ekus[i] < ekus[j] })
}
