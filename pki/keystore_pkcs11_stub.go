//go:build !pkcs11

package pki

import (
	"crypto"
	"errors"
)

// PKCS11Prefix marks a key reference produced by PKCS11KeyStore.ExportPEM.
const PKCS11Prefix = "PKCS11:"

// PKCS11Config holds the configuration for connecting to a PKCS#11 token.
type PKCS11Config struct {
	ModulePath string `mapstructure:"module_path"`
	TokenLabel string `mapstructure:"token_label"`
	PIN        string `mapstructure:"pin"`
	SlotNumber *int   `mapstructure:"slot_number"`
}

// PKCS11KeyStore is a placeholder when the pkcs11 build tag is not set so
// that the CLI builds without cgo. Every method fails.
type PKCS11KeyStore struct{}

// Compile-time interface check.
var _ KeyStore = (*PKCS11KeyStore)(nil)

var errPKCS11NotCompiled = errors.New("PKCS#11 support not compiled; rebuild with: go build -tags pkcs11")

func NewPKCS11KeyStore(_ PKCS11Config) (*PKCS11KeyStore, error) {
	return nil, errPKCS11NotCompiled
}

func (p *PKCS11KeyStore) Close() error { return nil }

func (p *PKCS11KeyStore) GenerateKey(_ KeySpec) (string, error) {
	return "", errPKCS11NotCompiled
}

func (p *PKCS11KeyStore) Signer(_ string) (crypto.Signer, error) {
	return nil, errPKCS11NotCompiled
}

func (p *PKCS11KeyStore) ExportPEM(_ string) (string, error) {
	return "", errPKCS11NotCompiled
}

func (p *PKCS11KeyStore) ImportPEM(_ string) (string, error) {
	return "", errPKCS11NotCompiled
}

func (p *PKCS11KeyStore) Delete(_ string) error {
	return errPKCS11NotCompiled
}
