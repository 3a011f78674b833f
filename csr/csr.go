// Package csr parses and validates certificate signing requests. It checks
// structure, proof of possession and key policy, and extracts the requested
// subject and extensions as untrusted input for the extension builder. It
// performs no I/O.
package csr

import (
	"bytes"
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"net"
	"net/url"
	"slices"

	"github.com/jmcleod/ironca/caerr"
	"github.com/jmcleod/ironca/profile"
)

// MaxSize bounds the encoded request, PEM or DER.
const MaxSize = 64 << 10

// maxRSABits bounds RSA moduli before the signature is verified, so a
// hostile request cannot make signature checking arbitrarily expensive.
const maxRSABits = 8192

// BasicConstraints is a requested basicConstraints extension. PathLen is
// -1 when absent.
type BasicConstraints struct {
	CA      bool
	PathLen int
}

// Request is a parsed, signature-checked CSR. Everything except PublicKey
// is advisory and must be filtered through a profile before use.
type Request struct {
	// Raw is the DER encoding of the request.
	Raw       []byte
	PublicKey crypto.PublicKey
	Subject   pkix.Name

	DNSNames       []string
	EmailAddresses []string
	IPAddresses    []net.IP
	URIs           []*url.URL

	// KeyUsage is meaningful only when HasKeyUsage is set.
	KeyUsage         x509.KeyUsage
	HasKeyUsage      bool
	ExtKeyUsage      []x509.ExtKeyUsage
	BasicConstraints *BasicConstraints
	MustStaple       bool

	// Extensions holds every requested extension, including those parsed
	// into the fields above.
	Extensions []pkix.Extension
}

// HasSANs reports whether the request carries any subjectAltName entries.
func (r *Request) HasSANs() bool {
	return len(r.DNSNames)+len(r.EmailAddresses)+len(r.IPAddresses)+len(r.URIs) > 0
}

// Validate parses data, verifies its self-signature and checks the public
// key against p.
func Validate(data []byte, p *profile.Profile) (*Request, error) {
	req, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if err := p.CheckKey(req.PublicKey); err != nil {
		return nil, err
	}
	return req, nil
}

// Parse decodes a PEM or DER request and verifies its self-signature. It
// applies no profile policy beyond basic key sanity.
func Parse(data []byte) (*Request, error) {
	if len(data) == 0 {
		return nil, caerr.New(caerr.KindMalformedCSR, "csr", "empty request")
	}
	if len(data) > MaxSize {
		return nil, caerr.New(caerr.KindMalformedCSR, "csr", "request exceeds %d bytes", MaxSize)
	}

	der, err := decode(data)
	if err != nil {
		return nil, err
	}

	cr, err := x509.ParseCertificateRequest(der)
	if err != nil {
		return nil, caerr.Wrap(caerr.KindMalformedCSR, "csr", err)
	}

	if cr.PublicKey == nil {
		return nil, caerr.New(caerr.KindRejectedKeyParameters, "public_key", "unsupported public key algorithm")
	}
	if k, ok := cr.PublicKey.(*rsa.PublicKey); ok && k.N.BitLen() > maxRSABits {
		return nil, caerr.New(caerr.KindRejectedKeyParameters, "public_key", "RSA key of %d bits exceeds maximum %d", k.N.BitLen(), maxRSABits)
	}
	if err := cr.CheckSignature(); err != nil {
		return nil, caerr.Wrap(caerr.KindInvalidCSRSignature, "signature", err)
	}

	req := &Request{
		Raw:            slices.Clone(cr.Raw),
		PublicKey:      cr.PublicKey,
		Subject:        cr.Subject,
		DNSNames:       cr.DNSNames,
		EmailAddresses: cr.EmailAddresses,
		IPAddresses:    cr.IPAddresses,
		URIs:           cr.URIs,
		Extensions:     cr.Extensions,
	}
	if err := parseRequestedExtensions(req, cr.Extensions); err != nil {
		return nil, err
	}
	return req, nil
}

var pemBegin = []byte("-----BEGIN")

// decode returns the DER request in data. PEM input may carry other text
// or blocks around the request, as `openssl req -text` output does.
func decode(data []byte) ([]byte, error) {
	if !bytes.Contains(data, pemBegin) {
		return data, nil
	}
	var other string
	for rest := data; ; {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		switch block.Type {
		case "CERTIFICATE REQUEST", "NEW CERTIFICATE REQUEST":
			return block.Bytes, nil
		}
		if other == "" {
			other = block.Type
		}
	}
	if other != "" {
		return nil, caerr.New(caerr.KindMalformedCSR, "csr", "unexpected PEM block %q", other)
	}
	return nil, caerr.New(caerr.KindMalformedCSR, "csr", "invalid PEM encoding")
}

// Well-known extension OIDs read from requests.
var (
	oidExtensionKeyUsage         = asn1.ObjectIdentifier{2, 5, 29, 15}
	oidExtensionExtKeyUsage      = asn1.ObjectIdentifier{2, 5, 29, 37}
	oidExtensionBasicConstraints = asn1.ObjectIdentifier{2, 5, 29, 19}
	oidExtensionTLSFeature       = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 24}
)
