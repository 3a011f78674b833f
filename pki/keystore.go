package pki

import (
	"crypto"
	"errors"
	"fmt"
	"strings"
)

// KeyStore abstracts private-key operations so that issuance works with
// software keys, HSM-backed keys or cloud KMS keys without changing calling
// code. It is the signing capability an authority consumes: the engine only
// ever sees the crypto.Signer returned by Signer.
//
// A KeyID uniquely identifies a key managed by the store; its format is
// implementation-defined (an in-memory handle, an HSM label, a KMS key ARN).
type KeyStore interface {
	// GenerateKey creates a new signing key and returns an opaque identifier.
	// For HSM/KMS backends the private key never leaves the device.
	GenerateKey(spec KeySpec) (keyID string, err error)

	// Signer returns a [crypto.Signer] for the key identified by keyID.
	Signer(keyID string) (crypto.Signer, error)

	// ExportPEM returns the private key in PEM form. Backends whose keys
	// cannot leave the device return a reference string (e.g.
	// "PKCS11:<label>") that ImportPEM can later interpret.
	ExportPEM(keyID string) (string, error)

	// ImportPEM loads a PEM-encoded private key, or a reference produced by
	// the same backend's ExportPEM, and returns its key ID.
	ImportPEM(pemData string) (keyID string, err error)

	// Delete removes the key identified by keyID from the store. Remote
	// backends may only schedule destruction.
	Delete(keyID string) error
}

// ErrKeyNotExportable is returned by KeyStore.ExportPEM when the backing
// store does not allow private key material to leave the device (e.g. HSM).
var ErrKeyNotExportable = errors.New("private key is not exportable")

// ErrKeyNotFound is returned when the referenced key ID does not exist.
var ErrKeyNotFound = errors.New("key not found")

// ErrUnsupportedKeySpec is returned when a backend cannot generate the
// requested key type.
var ErrUnsupportedKeySpec = errors.New("unsupported key specification")

// KeySpec describes a key to generate.
type KeySpec struct {
	// Algorithm is "ECDSA", "RSA" or "Ed25519".
	Algorithm string `mapstructure:"algorithm" yaml:"algorithm"`
	// Bits is the RSA modulus size.
	Bits int `mapstructure:"bits" yaml:"bits,omitempty"`
	// Curve is the ECDSA curve name, "P-256", "P-384" or "P-521".
	Curve string `mapstructure:"curve" yaml:"curve,omitempty"`
}

// DefaultKeySpec is used when a KeySpec is left empty.
var DefaultKeySpec = KeySpec{Algorithm: "ECDSA", Curve: "P-256"}

// normalize fills defaults and canonicalises names.
func (s KeySpec) normalize() (KeySpec, error) {
	if s.Algorithm == "" {
		s.Algorithm = DefaultKeySpec.Algorithm
	}
	switch strings.ToUpper(s.Algorithm) {
	case "ECDSA", "EC":
		s.Algorithm = "ECDSA"
		s.Bits = 0
		if s.Curve == "" {
			s.Curve = "P-256"
		}
		s.Curve = strings.ToUpper(s.Curve)
		switch s.Curve {
		case "P-256", "P-384", "P-521":
		default:
			return s, fmt.Errorf("%w: curve %q", ErrUnsupportedKeySpec, s.Curve)
		}
	case "RSA":
		s.Algorithm = "RSA"
		s.Curve = ""
		if s.Bits == 0 {
			s.Bits = 3072
		}
		if s.Bits < 2048 || s.Bits > 8192 {
			return s, fmt.Errorf("%w: RSA key size %d", ErrUnsupportedKeySpec, s.Bits)
		}
	case "ED25519":
		s.Algorithm = "Ed25519"
		s.Bits, s.Curve = 0, ""
	default:
		return s, fmt.Errorf("%w: algorithm %q", ErrUnsupportedKeySpec, s.Algorithm)
	}
	return s, nil
}

func (s KeySpec) String() string {
	switch s.Algorithm {
	case "RSA":
		return fmt.Sprintf("RSA-%d", s.Bits)
	case "ECDSA":
		return "ECDSA " + s.Curve
	default:
		return s.Algorithm
	}
}
