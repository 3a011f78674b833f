package pki

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
	"go.step.sm/crypto/pemutil"

	"github.com/jmcleod/ironca/internal/uuid"
)

// VaultTransitPrefix marks a key reference produced by
// VaultTransitKeyStore.ExportPEM.
const VaultTransitPrefix = "VAULT-TRANSIT:"

// VaultLogical is the subset of *api.Logical used by VaultTransitKeyStore.
type VaultLogical interface {
	ReadWithContext(ctx context.Context, path string) (*api.Secret, error)
	WriteWithContext(ctx context.Context, path string, data map[string]interface{}) (*api.Secret, error)
	DeleteWithContext(ctx context.Context, path string) (*api.Secret, error)
}

// VaultTransitKeyStore keeps CA keys in a HashiCorp Vault transit secrets
// engine. Key IDs are transit key names.
type VaultTransitKeyStore struct {
	logical VaultLogical
	mount   string
	timeout time.Duration
}

// Compile-time interface check.
var _ KeyStore = (*VaultTransitKeyStore)(nil)

// NewVaultTransitKeyStore uses the transit engine mounted at mount
// ("transit" when empty).
func NewVaultTransitKeyStore(logical VaultLogical, mount string) *VaultTransitKeyStore {
	if mount == "" {
		mount = "transit"
	}
	return &VaultTransitKeyStore{logical: logical, mount: strings.Trim(mount, "/"), timeout: 30 * time.Second}
}

// NewVaultTransitKeyStoreFromClient builds a store from a Vault address and
// token.
func NewVaultTransitKeyStoreFromClient(address, token, mount string) (*VaultTransitKeyStore, error) {
	client, err := api.NewClient(api.DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("creating vault client: %w", err)
	}
	if address != "" {
		if err := client.SetAddress(address); err != nil {
			return nil, fmt.Errorf("setting vault address: %w", err)
		}
	}
	if token != "" {
		client.SetToken(token)
	}
	return NewVaultTransitKeyStore(client.Logical(), mount), nil
}

func (v *VaultTransitKeyStore) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), v.timeout)
}

func (v *VaultTransitKeyStore) path(parts ...string) string {
	return v.mount + "/" + strings.Join(parts, "/")
}

func transitKeyType(spec KeySpec) string {
	switch spec.Algorithm {
	case "ECDSA":
		return "ecdsa-" + strings.ToLower(strings.ReplaceAll(spec.Curve, "-", ""))
	case "RSA":
		return fmt.Sprintf("rsa-%d", spec.Bits)
	default:
		return "ed25519"
	}
}

// GenerateKey creates a new named transit key.
func (v *VaultTransitKeyStore) GenerateKey(spec KeySpec) (string, error) {
	spec, err := spec.normalize()
	if err != nil {
		return "", err
	}
	if spec.Algorithm == "RSA" && spec.Bits != 2048 && spec.Bits != 3072 && spec.Bits != 4096 {
		return "", fmt.Errorf("%w: %s on Vault transit", ErrUnsupportedKeySpec, spec)
	}

	name := "ironca-" + uuid.New()
	ctx, cancel := v.context()
	defer cancel()
	if _, err := v.logical.WriteWithContext(ctx, v.path("keys", name), map[string]interface{}{
		"type": transitKeyType(spec),
	}); err != nil {
		return "", fmt.Errorf("creating transit key: %w", err)
	}
	return name, nil
}

// Signer reads the latest public key version and returns a signer that
// calls the transit sign endpoint.
func (v *VaultTransitKeyStore) Signer(keyID string) (crypto.Signer, error) {
	ctx, cancel := v.context()
	defer cancel()
	secret, err := v.logical.ReadWithContext(ctx, v.path("keys", keyID))
	if err != nil {
		return nil, fmt.Errorf("reading transit key %s: %w", keyID, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	pub, err := transitPublicKey(secret.Data)
	if err != nil {
		return nil, fmt.Errorf("transit key %s: %w", keyID, err)
	}
	return &transitSigner{store: v, name: keyID, pub: pub}, nil
}

func transitPublicKey(data map[string]interface{}) (crypto.PublicKey, error) {
	// latest_version decodes as a json.Number.
	latest := fmt.Sprint(data["latest_version"])
	keys, ok := data["keys"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("response carries no key versions")
	}
	version, ok := keys[latest].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("latest version %s missing", latest)
	}
	encoded, _ := version["public_key"].(string)
	if encoded == "" {
		return nil, fmt.Errorf("version %s carries no public key", latest)
	}
	if strings.HasPrefix(encoded, "-----BEGIN") {
		return pemutil.ParseKey([]byte(encoded))
	}
	// ed25519 keys are returned as base64 of the raw 32-byte key.
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("unrecognised public key encoding")
	}
	return ed25519.PublicKey(raw), nil
}

// ExportPEM returns a "VAULT-TRANSIT:<name>" reference.
func (v *VaultTransitKeyStore) ExportPEM(keyID string) (string, error) {
	return VaultTransitPrefix + keyID, nil
}

// ImportPEM resolves a "VAULT-TRANSIT:<name>" reference.
func (v *VaultTransitKeyStore) ImportPEM(pemData string) (string, error) {
	name, ok := strings.CutPrefix(strings.TrimSpace(pemData), VaultTransitPrefix)
	if !ok || name == "" {
		return "", fmt.Errorf("%w: cannot import software PEM keys into Vault transit", ErrKeyNotExportable)
	}
	return name, nil
}

// Delete allows deletion on the key and removes it.
func (v *VaultTransitKeyStore) Delete(keyID string) error {
	ctx, cancel := v.context()
	defer cancel()
	if _, err := v.logical.WriteWithContext(ctx, v.path("keys", keyID, "config"), map[string]interface{}{
		"deletion_allowed": true,
	}); err != nil {
		return fmt.Errorf("allowing transit key deletion: %w", err)
	}
	if _, err := v.logical.DeleteWithContext(ctx, v.path("keys", keyID)); err != nil {
		return fmt.Errorf("deleting transit key: %w", err)
	}
	return nil
}

type transitSigner struct {
	store *VaultTransitKeyStore
	name  string
	pub   crypto.PublicKey
}

func (s *transitSigner) Public() crypto.PublicKey { return s.pub }

func (s *transitSigner) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	data := map[string]interface{}{
		"input": base64.StdEncoding.EncodeToString(digest),
	}
	path := s.store.path("sign", s.name)

	switch s.pub.(type) {
	case ed25519.PublicKey:
		// Ed25519 signs the message itself.
	case *ecdsa.PublicKey, *rsa.PublicKey:
		alg, err := transitHash(opts.HashFunc())
		if err != nil {
			return nil, err
		}
		path = s.store.path("sign", s.name, alg)
		data["prehashed"] = true
		if _, ok := s.pub.(*ecdsa.PublicKey); ok {
			data["marshaling_algorithm"] = "asn1"
		} else if _, pss := opts.(*rsa.PSSOptions); pss {
			data["signature_algorithm"] = "pss"
		} else {
			data["signature_algorithm"] = "pkcs1v15"
		}
	default:
		return nil, fmt.Errorf("unsupported transit key type %T", s.pub)
	}

	ctx, cancel := s.store.context()
	defer cancel()
	secret, err := s.store.logical.WriteWithContext(ctx, path, data)
	if err != nil {
		return nil, fmt.Errorf("transit sign: %w", err)
	}
	if secret == nil {
		return nil, fmt.Errorf("transit sign: empty response")
	}
	sig, _ := secret.Data["signature"].(string)
	// Signatures are returned as "vault:v<version>:<base64>".
	parts := strings.SplitN(sig, ":", 3)
	if len(parts) != 3 {
		return nil, fmt.Errorf("transit sign: malformed signature %q", sig)
	}
	return base64.StdEncoding.DecodeString(parts[2])
}

func transitHash(h crypto.Hash) (string, error) {
	switch h {
	case crypto.SHA256:
		return "sha2-256", nil
	case crypto.SHA384:
		return "sha2-384", nil
	case crypto.SHA512:
		return "sha2-512", nil
	}
	return "", fmt.Errorf("unsupported transit hash %v", h)
}
