package pki

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"sync"

	"github.com/awnumar/memguard"
	"go.step.sm/crypto/pemutil"

	"github.com/jmcleod/ironca/internal/util"
)

// ---------------------------------------------------------------------------
// SoftwareKeyStore: sealed in-memory keys, the default backend
// ---------------------------------------------------------------------------

// SoftwareKeyStore holds private keys in memory, each sealed as PKCS#8 DER
// inside a memguard enclave. A key is only unsealed for the duration of a
// Sign call. This is the default KeyStore used when no HSM/KMS is
// configured; the caller persists keys with ExportPEM and reloads them with
// ImportPEM.
type SoftwareKeyStore struct {
	mu       sync.RWMutex
	keys     map[string]*softwareKey
	rand     io.Reader
	password []byte
	seq      int
}

type softwareKey struct {
	enclave *memguard.Enclave
	public  crypto.PublicKey
}

// Compile-time interface check.
var _ KeyStore = (*SoftwareKeyStore)(nil)

// SoftwareOption configures a SoftwareKeyStore.
type SoftwareOption func(*SoftwareKeyStore)

// WithKeyPassword makes ExportPEM emit encrypted PKCS#8 and ImportPEM
// decrypt encrypted PEM with password.
func WithKeyPassword(password []byte) SoftwareOption {
	return func(s *SoftwareKeyStore) { s.password = util.CopyBytes(password) }
}

// WithKeyRand sets the entropy source for key generation.
func WithKeyRand(r io.Reader) SoftwareOption {
	return func(s *SoftwareKeyStore) { s.rand = r }
}

// NewSoftwareKeyStore returns a SoftwareKeyStore ready for use.
func NewSoftwareKeyStore(opts ...SoftwareOption) *SoftwareKeyStore {
	s := &SoftwareKeyStore{
		keys: make(map[string]*softwareKey),
		rand: rand.Reader,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SoftwareKeyStore) nextID() string {
	s.seq++
	return fmt.Sprintf("sw-%d", s.seq)
}

// GenerateKey creates a new key pair of the requested type.
func (s *SoftwareKeyStore) GenerateKey(spec KeySpec) (string, error) {
	spec, err := spec.normalize()
	if err != nil {
		return "", err
	}

	var priv crypto.Signer
	switch spec.Algorithm {
	case "ECDSA":
		priv, err = ecdsa.GenerateKey(curveByName(spec.Curve), s.rand)
	case "RSA":
		priv, err = rsa.GenerateKey(s.rand, spec.Bits)
	case "Ed25519":
		_, priv, err = ed25519.GenerateKey(s.rand)
	}
	if err != nil {
		return "", fmt.Errorf("generating %s key: %w", spec, err)
	}
	return s.store(priv)
}

func (s *SoftwareKeyStore) store(priv crypto.Signer) (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", fmt.Errorf("encoding private key: %w", err)
	}
	// NewEnclave wipes der.
	k := &softwareKey{enclave: memguard.NewEnclave(der), public: priv.Public()}

	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID()
	s.keys[id] = k
	return id, nil
}

func (s *SoftwareKeyStore) lookup(keyID string) (*softwareKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	return k, nil
}

// Signer returns a signer that unseals the key for each signature.
func (s *SoftwareKeyStore) Signer(keyID string) (crypto.Signer, error) {
	k, err := s.lookup(keyID)
	if err != nil {
		return nil, err
	}
	return &enclaveSigner{key: k}, nil
}

// ExportPEM encodes the private key as PKCS#8 PEM, encrypted when the store
// has a password.
func (s *SoftwareKeyStore) ExportPEM(keyID string) (string, error) {
	k, err := s.lookup(keyID)
	if err != nil {
		return "", err
	}
	priv, err := k.open()
	if err != nil {
		return "", err
	}

	opts := []pemutil.Options{pemutil.WithPKCS8(true)}
	if len(s.password) > 0 {
		opts = append(opts, pemutil.WithPassword(s.password))
	}
	block, err := pemutil.Serialize(priv, opts...)
	if err != nil {
		return "", fmt.Errorf("serializing private key: %w", err)
	}
	return string(pem.EncodeToMemory(block)), nil
}

// ImportPEM parses a PKCS#8, PKCS#1, SEC1 or OpenSSH private key,
// decrypting it with the store password when it is encrypted.
func (s *SoftwareKeyStore) ImportPEM(pemData string) (string, error) {
	var opts []pemutil.Options
	if len(s.password) > 0 {
		opts = append(opts, pemutil.WithPassword(s.password))
	}
	key, err := pemutil.Parse([]byte(pemData), opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPEM, err)
	}
	priv, ok := key.(crypto.Signer)
	if !ok || !isPrivateKey(priv) {
		return "", fmt.Errorf("%w: %T is not a private key", ErrInvalidPEM, key)
	}
	return s.store(priv)
}

// Delete drops the sealed key.
func (s *SoftwareKeyStore) Delete(keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, keyID)
	return nil
}

func (k *softwareKey) open() (crypto.Signer, error) {
	buf, err := k.enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("opening key enclave: %w", err)
	}
	defer buf.Destroy()
	key, err := x509.ParsePKCS8PrivateKey(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("decoding sealed key: %w", err)
	}
	return key.(crypto.Signer), nil
}

// enclaveSigner unseals its key for every signature.
type enclaveSigner struct {
	key *softwareKey
}

func (e *enclaveSigner) Public() crypto.PublicKey { return e.key.public }

func (e *enclaveSigner) Sign(r io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	priv, err := e.key.open()
	if err != nil {
		return nil, err
	}
	return priv.Sign(r, digest, opts)
}

func isPrivateKey(k crypto.Signer) bool {
	switch k.(type) {
	case *ecdsa.PrivateKey, *rsa.PrivateKey, ed25519.PrivateKey:
		return true
	}
	return false
}

func curveByName(name string) elliptic.Curve {
	switch name {
	case "P-384":
		return elliptic.P384()
	case "P-521":
		return elliptic.P521()
	default:
		return elliptic.P256()
	}
}
