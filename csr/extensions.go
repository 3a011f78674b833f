package csr

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"

	"github.com/jmcleod/ironca/caerr"
	"golang.org/x/crypto/cryptobyte"
	cryptobyte_asn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// tlsFeatureStatusRequest is the TLS feature value for status_request
// (OCSP must-staple).
const tlsFeatureStatusRequest = 5

var extKeyUsageOIDs = []struct {
	oid   asn1.ObjectIdentifier
	usage x509.ExtKeyUsage
}{
	{asn1.ObjectIdentifier{2, 5, 29, 37, 0}, x509.ExtKeyUsageAny},
	{asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 1}, x509.ExtKeyUsageServerAuth},
	{asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 2}, x509.ExtKeyUsageClientAuth},
	{asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 3}, x509.ExtKeyUsageCodeSigning},
	{asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 4}, x509.ExtKeyUsageEmailProtection},
	{asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 5}, x509.ExtKeyUsageIPSECEndSystem},
	{asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 6}, x509.ExtKeyUsageIPSECTunnel},
	{asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 7}, x509.ExtKeyUsageIPSECUser},
	{asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 8}, x509.ExtKeyUsageTimeStamping},
	{asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 9}, x509.ExtKeyUsageOCSPSigning},
	{asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 311, 10, 3, 3}, x509.ExtKeyUsageMicrosoftServerGatedCrypto},
	{asn1.ObjectIdentifier{2, 16, 840, 1, 113730, 4, 1}, x509.ExtKeyUsageNetscapeServerGatedCrypto},
}

func extKeyUsageFromOID(oid asn1.ObjectIdentifier) (x509.ExtKeyUsage, bool) {
	for _, e := range extKeyUsageOIDs {
		if e.oid.Equal(oid) {
			return e.usage, true
		}
	}
	return 0, false
}

var errMalformed = errors.New("malformed extension value")

// parseRequestedExtensions fills the advisory extension fields of req.
// subjectAltName is already parsed by crypto/x509.
func parseRequestedExtensions(req *Request, exts []pkix.Extension) error {
	for _, ext := range exts {
		var err error
		var field string
		switch {
		case ext.Id.Equal(oidExtensionKeyUsage):
			field = "key_usage"
			req.KeyUsage, err = parseKeyUsage(ext.Value)
			req.HasKeyUsage = err == nil
		case ext.Id.Equal(oidExtensionExtKeyUsage):
			field = "ext_key_usage"
			req.ExtKeyUsage, err = parseExtKeyUsage(ext.Value)
		case ext.Id.Equal(oidExtensionBasicConstraints):
			field = "basic_constraints"
			req.BasicConstraints, err = parseBasicConstraints(ext.Value)
		case ext.Id.Equal(oidExtensionTLSFeature):
			field = "tls_feature"
			req.MustStaple, err = parseTLSFeature(ext.Value)
		}
		if err != nil {
			return caerr.Wrap(caerr.KindMalformedCSR, field, err)
		}
	}
	return nil
}

func parseKeyUsage(der []byte) (x509.KeyUsage, error) {
	input := cryptobyte.String(der)
	var bits asn1.BitString
	if !input.ReadASN1BitString(&bits) || !input.Empty() {
		return 0, errMalformed
	}
	var usage int
	for i := 0; i < 9; i++ {
		if bits.At(i) != 0 {
			usage |= 1 << uint(i)
		}
	}
	return x509.KeyUsage(usage), nil
}

// parseExtKeyUsage returns the recognised usages in request order.
// Unrecognised OIDs are skipped; they can never be emitted anyway.
func parseExtKeyUsage(der []byte) ([]x509.ExtKeyUsage, error) {
	input := cryptobyte.String(der)
	var seq cryptobyte.String
	if !input.ReadASN1(&seq, cryptobyte_asn1.SEQUENCE) || !input.Empty() {
		return nil, errMalformed
	}
	var usages []x509.ExtKeyUsage
	for !seq.Empty() {
		var oid asn1.ObjectIdentifier
		if !seq.ReadASN1ObjectIdentifier(&oid) {
			return nil, errMalformed
		}
		if eku, ok := extKeyUsageFromOID(oid); ok {
			usages = append(usages, eku)
		}
	}
	return usages, nil
}

func parseBasicConstraints(der []byte) (*BasicConstraints, error) {
	input := cryptobyte.String(der)
	var seq cryptobyte.String
	if !input.ReadASN1(&seq, cryptobyte_asn1.SEQUENCE) || !input.Empty() {
		return nil, errMalformed
	}
	bc := &BasicConstraints{PathLen: -1}
	if seq.PeekASN1Tag(cryptobyte_asn1.BOOLEAN) && !seq.ReadASN1Boolean(&bc.CA) {
		return nil, errMalformed
	}
	if seq.PeekASN1Tag(cryptobyte_asn1.INTEGER) {
		if !seq.ReadASN1Integer(&bc.PathLen) || bc.PathLen < 0 {
			return nil, errMalformed
		}
	}
	if !seq.Empty() {
		return nil, errMalformed
	}
	return bc, nil
}

func parseTLSFeature(der []byte) (bool, error) {
	input := cryptobyte.String(der)
	var seq cryptobyte.String
	if !input.ReadASN1(&seq, cryptobyte_asn1.SEQUENCE) || !input.Empty() {
		return false, errMalformed
	}
	staple := false
	for !seq.Empty() {
		var feature int
		if !seq.ReadASN1Integer(&feature) {
			return false, errMalformed
		}
		if feature == tlsFeatureStatusRequest {
			staple = true
		}
	}
	return staple, nil
}
