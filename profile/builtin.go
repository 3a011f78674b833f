package profile

import "time"

const day = 24 * time.Hour

var builtinOrder = []string{"client", "server", "webserver", "enduser", "ocsp", "subca"}

// leafForbidden masks the CA-only key usage bits out of every leaf profile.
var leafForbidden = []string{"keyUsage.keyCertSign", "keyUsage.cRLSign"}

var builtins = map[string]Definition{
	"client": {
		Description:         "TLS client authentication.",
		CNInSAN:             true,
		KeyUsage:            []string{"digitalSignature"},
		ExtKeyUsage:         []string{"clientAuth"},
		ForbiddenExtensions: leafForbidden,
		DefaultValidity:     365 * day,
	},
	"server": {
		Description:         "TLS server that also authenticates as a client.",
		CNInSAN:             true,
		KeyUsage:            []string{"digitalSignature", "keyAgreement", "keyEncipherment"},
		ExtKeyUsage:         []string{"clientAuth", "serverAuth"},
		ForbiddenExtensions: leafForbidden,
		DefaultValidity:     365 * day,
	},
	"webserver": {
		Description:         "TLS web server.",
		CNInSAN:             true,
		KeyUsage:            []string{"digitalSignature", "keyAgreement", "keyEncipherment"},
		ExtKeyUsage:         []string{"serverAuth"},
		ForbiddenExtensions: leafForbidden,
		DefaultValidity:     365 * day,
	},
	"enduser": {
		Description:         "Personal certificate for signing, encryption and client authentication.",
		KeyUsage:            []string{"dataEncipherment", "digitalSignature", "keyEncipherment"},
		ExtKeyUsage:         []string{"clientAuth", "codeSigning", "emailProtection"},
		ForbiddenExtensions: leafForbidden,
		DefaultValidity:     365 * day,
	},
	"ocsp": {
		Description:         "Delegated OCSP response signer.",
		KeyUsage:            []string{"nonRepudiation", "digitalSignature", "keyEncipherment"},
		ExtKeyUsage:         []string{"OCSPSigning"},
		ForcedExtensions:    []string{"keyUsage", "extendedKeyUsage", "ocspNoCheck"},
		ForbiddenExtensions: []string{"subjectAltName", "crlDistributionPoints", "tlsFeature"},
		DefaultValidity:     3 * day,
	},
	"subca": {
		Description:         "Subordinate certificate authority.",
		KeyUsage:            []string{"keyCertSign", "cRLSign", "digitalSignature"},
		BasicConstraints:    BasicConstraints{CA: true},
		ForcedExtensions:    []string{"keyUsage", "basicConstraints"},
		ForbiddenExtensions: []string{"extendedKeyUsage", "tlsFeature"},
		DefaultValidity:     5 * 365 * day,
	},
}

// Builtin returns a copy of the named built-in definition.
func Builtin(name string) (Definition, bool) {
	def, ok := builtins[name]
	if !ok {
		return Definition{}, false
	}
	return def.Clone(), true
}
