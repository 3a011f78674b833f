package pki

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/jmcleod/ironca/internal/util"
)

// Field names returned by Describe.
const (
	FieldSubject           = "subject"
	FieldIssuer            = "issuer"
	FieldSerialNumber      = "serial_number"
	FieldNotBefore         = "not_before"
	FieldNotAfter          = "not_after"
	FieldFingerprintSHA256 = "fingerprint_sha256"
	FieldKeyAlgorithm      = "key_algorithm"
	FieldValidity          = "validity"
)

// Validity values returned under FieldValidity.
const (
	ValidityActive  = "active"
	ValidityExpired = "expired"
	ValidityPending = "not_yet_valid"
)

// EncodeCertificatePEM wraps DER in a CERTIFICATE block.
func EncodeCertificatePEM(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

// EncodeCRLPEM wraps DER in an X509 CRL block.
func EncodeCRLPEM(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "X509 CRL", Bytes: der})
}

// ParseCertificatePEM decodes the first CERTIFICATE block in data.
func ParseCertificatePEM(data []byte) (*x509.Certificate, error) {
	certs, err := ParseCertificatesPEM(data)
	if err != nil {
		return nil, err
	}
	return certs[0], nil
}

// ParseCertificatesPEM decodes every CERTIFICATE block in data, in order.
// Other block types are skipped.
func ParseCertificatesPEM(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPEM, err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, ErrInvalidPEM
	}
	return certs, nil
}

// Describe returns well-known field values of cert for display.
func Describe(cert *x509.Certificate, now time.Time) map[string]string {
	fingerprint := sha256.Sum256(cert.Raw)
	return map[string]string{
		FieldSubject:           cert.Subject.String(),
		FieldIssuer:            cert.Issuer.String(),
		FieldSerialNumber:      util.FormatSerial(cert.SerialNumber),
		FieldNotBefore:         cert.NotBefore.UTC().Format(time.RFC3339),
		FieldNotAfter:          cert.NotAfter.UTC().Format(time.RFC3339),
		FieldFingerprintSHA256: hex.EncodeToString(fingerprint[:]),
		FieldKeyAlgorithm:      keyAlgorithmString(cert),
		FieldValidity:          validityString(cert, now),
	}
}

func validityString(cert *x509.Certificate, now time.Time) string {
	switch {
	case now.Before(cert.NotBefore):
		return ValidityPending
	case now.After(cert.NotAfter):
		return ValidityExpired
	default:
		return ValidityActive
	}
}

func keyAlgorithmString(cert *x509.Certificate) string {
	switch pub := cert.PublicKey.(type) {
	case *ecdsa.PublicKey:
		return "ECDSA " + pub.Curve.Params().Name
	case *rsa.PublicKey:
		return fmt.Sprintf("RSA %d", pub.N.BitLen())
	default:
		return cert.PublicKeyAlgorithm.String()
	}
}
