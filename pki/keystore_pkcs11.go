//go:build pkcs11

package pki

import (
	"crypto"
	"fmt"
	"strings"
	"sync"

	"github.com/ThalesGroup/crypto11"

	"github.com/jmcleod/ironca/internal/uuid"
)

// PKCS11Prefix marks a key reference produced by PKCS11KeyStore.ExportPEM.
// The full reference is "PKCS11:<label>".
const PKCS11Prefix = "PKCS11:"

// PKCS11Config holds the configuration for connecting to a PKCS#11 token.
type PKCS11Config struct {
	// ModulePath is the path to the PKCS#11 shared library
	// (e.g., /usr/lib/softhsm/libsofthsm2.so).
	ModulePath string `mapstructure:"module_path"`

	// TokenLabel identifies the HSM token/slot by label.
	TokenLabel string `mapstructure:"token_label"`

	// PIN is the user PIN for the token.
	PIN string `mapstructure:"pin"`

	// SlotNumber optionally specifies a slot number. When non-nil,
	// it overrides TokenLabel for slot selection.
	SlotNumber *int `mapstructure:"slot_number"`
}

// PKCS11KeyStore keeps CA keys in a PKCS#11 HSM. Keys are identified by
// a label stored on the token and referenced via "PKCS11:<label>".
type PKCS11KeyStore struct {
	ctx *crypto11.Context
	mu  sync.Mutex
}

// Compile-time interface check.
var _ KeyStore = (*PKCS11KeyStore)(nil)

// NewPKCS11KeyStore creates a new PKCS11KeyStore connected to the
// configured HSM token. The caller must call Close() when finished.
func NewPKCS11KeyStore(cfg PKCS11Config) (*PKCS11KeyStore, error) {
	config := &crypto11.Config{
		Path:       cfg.ModulePath,
		TokenLabel: cfg.TokenLabel,
		Pin:        cfg.PIN,
	}
	if cfg.SlotNumber != nil {
		config.SlotNumber = cfg.SlotNumber
	}

	ctx, err := crypto11.Configure(config)
	if err != nil {
		return nil, fmt.Errorf("configuring PKCS#11: %w", err)
	}

	return &PKCS11KeyStore{ctx: ctx}, nil
}

// Close releases the PKCS#11 context.
func (p *PKCS11KeyStore) Close() error {
	if p.ctx != nil {
		return p.ctx.Close()
	}
	return nil
}

// GenerateKey creates an ECDSA or RSA key pair on the token with a
// UUID-based label. Ed25519 is not generally available over PKCS#11 and is
// rejected.
func (p *PKCS11KeyStore) GenerateKey(spec KeySpec) (string, error) {
	spec, err := spec.normalize()
	if err != nil {
		return "", err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	label := []byte("ironca-" + uuid.New())

	switch spec.Algorithm {
	case "ECDSA":
		_, err = p.ctx.GenerateECDSAKeyPairWithLabel(label, label, curveByName(spec.Curve))
	case "RSA":
		_, err = p.ctx.GenerateRSAKeyPairWithLabel(label, label, spec.Bits)
	default:
		return "", fmt.Errorf("%w: %s on PKCS#11", ErrUnsupportedKeySpec, spec)
	}
	if err != nil {
		return "", fmt.Errorf("generating %s key in HSM: %w", spec, err)
	}

	return "pkcs11-" + string(label), nil
}

func (p *PKCS11KeyStore) find(label string) (crypto11.Signer, error) {
	signer, err := p.ctx.FindKeyPair(nil, []byte(label))
	if err != nil {
		return nil, fmt.Errorf("%w: %s (HSM: %v)", ErrKeyNotFound, label, err)
	}
	if signer == nil {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, label)
	}
	return signer, nil
}

// Signer returns a crypto.Signer backed by the HSM for the given key ID.
func (p *PKCS11KeyStore) Signer(keyID string) (crypto.Signer, error) {
	return p.find(labelFromKeyID(keyID))
}

// ExportPEM returns a reference of the form "PKCS11:<label>". The private
// key material never leaves the HSM.
func (p *PKCS11KeyStore) ExportPEM(keyID string) (string, error) {
	label := labelFromKeyID(keyID)
	if _, err := p.find(label); err != nil {
		return "", err
	}
	return PKCS11Prefix + label, nil
}

// ImportPEM resolves a "PKCS11:<label>" reference. Real PEM data is
// rejected with ErrKeyNotExportable since software keys are never imported
// into the token.
func (p *PKCS11KeyStore) ImportPEM(pemData string) (string, error) {
	label, ok := strings.CutPrefix(strings.TrimSpace(pemData), PKCS11Prefix)
	if !ok {
		return "", fmt.Errorf("%w: cannot import software PEM keys into PKCS#11 store", ErrKeyNotExportable)
	}
	if _, err := p.find(label); err != nil {
		return "", err
	}
	return "pkcs11-" + label, nil
}

// Delete destroys the key pair on the token.
func (p *PKCS11KeyStore) Delete(keyID string) error {
	signer, err := p.ctx.FindKeyPair(nil, []byte(labelFromKeyID(keyID)))
	if err != nil {
		return fmt.Errorf("finding key for deletion: %w", err)
	}
	if signer == nil {
		return nil // Already gone.
	}
	return signer.Delete()
}

// labelFromKeyID extracts the HSM label from a key ID of the form
// "pkcs11-<label>".
func labelFromKeyID(keyID string) string {
	return strings.TrimPrefix(keyID, "pkcs11-")
}
