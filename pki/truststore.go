package pki

import (
	"crypto/x509"
	"errors"
	"fmt"

	"go.step.sm/crypto/pemutil"
	pkcs12 "software.sslmate.com/src/go-pkcs12"
)

// ExportTrustStore encodes certs as a PKCS#12 trust store, as consumed by
// Java and other clients that want a keystore file rather than PEM.
func ExportTrustStore(certs []*x509.Certificate, password string) ([]byte, error) {
	if len(certs) == 0 {
		return nil, errors.New("trust store needs at least one certificate")
	}
	pfx, err := pkcs12.Modern.EncodeTrustStore(certs, password)
	if err != nil {
		return nil, fmt.Errorf("encoding trust store: %w", err)
	}
	return pfx, nil
}

// ExportKeyBundle encodes the key keyID with cert and its chain as a
// PKCS#12 file protected by password. keyPassword decrypts the key's PEM
// export when the key store encrypts it. Keys that cannot leave their
// device fail with ErrKeyNotExportable.
func ExportKeyBundle(ks KeyStore, keyID string, keyPassword []byte, cert *x509.Certificate, chain []*x509.Certificate, password string) ([]byte, error) {
	keyPEM, err := ks.ExportPEM(keyID)
	if err != nil {
		return nil, err
	}
	var opts []pemutil.Options
	if len(keyPassword) > 0 {
		opts = append(opts, pemutil.WithPassword(keyPassword))
	}
	key, err := pemutil.Parse([]byte(keyPEM), opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyNotExportable, err)
	}
	pfx, err := pkcs12.Modern.Encode(key, cert, chain, password)
	if err != nil {
		return nil, fmt.Errorf("encoding key bundle: %w", err)
	}
	return pfx, nil
}
