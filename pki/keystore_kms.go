package pki

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
)

// KMSPrefix marks a key reference produced by KMSKeyStore.ExportPEM.
const KMSPrefix = "KMS:"

// KMSAPI is the subset of the AWS KMS client used by KMSKeyStore.
type KMSAPI interface {
	CreateKey(ctx context.Context, params *kms.CreateKeyInput, optFns ...func(*kms.Options)) (*kms.CreateKeyOutput, error)
	GetPublicKey(ctx context.Context, params *kms.GetPublicKeyInput, optFns ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error)
	Sign(ctx context.Context, params *kms.SignInput, optFns ...func(*kms.Options)) (*kms.SignOutput, error)
	ScheduleKeyDeletion(ctx context.Context, params *kms.ScheduleKeyDeletionInput, optFns ...func(*kms.Options)) (*kms.ScheduleKeyDeletionOutput, error)
}

// KMSKeyStore keeps CA keys in AWS KMS as asymmetric SIGN_VERIFY keys.
// Key IDs are KMS key IDs or ARNs.
type KMSKeyStore struct {
	client  KMSAPI
	timeout time.Duration
}

// Compile-time interface check.
var _ KeyStore = (*KMSKeyStore)(nil)

// NewKMSKeyStore wraps an existing KMS client. Each remote call is bounded
// by timeout; zero means 30 seconds.
func NewKMSKeyStore(client KMSAPI, timeout time.Duration) *KMSKeyStore {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &KMSKeyStore{client: client, timeout: timeout}
}

// NewKMSKeyStoreFromConfig builds a KMS client from the default AWS
// credential chain.
func NewKMSKeyStoreFromConfig(ctx context.Context, region string) (*KMSKeyStore, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS configuration: %w", err)
	}
	return NewKMSKeyStore(kms.NewFromConfig(cfg), 0), nil
}

func (k *KMSKeyStore) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), k.timeout)
}

func kmsKeySpec(spec KeySpec) (types.KeySpec, error) {
	switch spec.Algorithm {
	case "ECDSA":
		switch spec.Curve {
		case "P-256":
			return types.KeySpecEccNistP256, nil
		case "P-384":
			return types.KeySpecEccNistP384, nil
		case "P-521":
			return types.KeySpecEccNistP521, nil
		}
	case "RSA":
		switch spec.Bits {
		case 2048:
			return types.KeySpecRsa2048, nil
		case 3072:
			return types.KeySpecRsa3072, nil
		case 4096:
			return types.KeySpecRsa4096, nil
		}
	}
	return "", fmt.Errorf("%w: %s on AWS KMS", ErrUnsupportedKeySpec, spec)
}

// GenerateKey creates a new asymmetric signing key.
func (k *KMSKeyStore) GenerateKey(spec KeySpec) (string, error) {
	spec, err := spec.normalize()
	if err != nil {
		return "", err
	}
	ks, err := kmsKeySpec(spec)
	if err != nil {
		return "", err
	}

	ctx, cancel := k.context()
	defer cancel()
	out, err := k.client.CreateKey(ctx, &kms.CreateKeyInput{
		KeySpec:     ks,
		KeyUsage:    types.KeyUsageTypeSignVerify,
		Description: aws.String("ironca certificate authority key"),
	})
	if err != nil {
		return "", fmt.Errorf("creating KMS key: %w", err)
	}
	if out.KeyMetadata == nil || out.KeyMetadata.KeyId == nil {
		return "", fmt.Errorf("creating KMS key: response carries no key id")
	}
	return aws.ToString(out.KeyMetadata.KeyId), nil
}

// Signer fetches the public key and returns a signer that calls KMS Sign.
func (k *KMSKeyStore) Signer(keyID string) (crypto.Signer, error) {
	ctx, cancel := k.context()
	defer cancel()
	out, err := k.client.GetPublicKey(ctx, &kms.GetPublicKeyInput{KeyId: aws.String(keyID)})
	if err != nil {
		return nil, fmt.Errorf("%w: %s (KMS: %v)", ErrKeyNotFound, keyID, err)
	}
	pub, err := x509.ParsePKIXPublicKey(out.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("parsing KMS public key: %w", err)
	}
	return &kmsSigner{store: k, keyID: keyID, pub: pub}, nil
}

// ExportPEM returns a "KMS:<key id>" reference.
func (k *KMSKeyStore) ExportPEM(keyID string) (string, error) {
	return KMSPrefix + keyID, nil
}

// ImportPEM resolves a "KMS:<key id>" reference.
func (k *KMSKeyStore) ImportPEM(pemData string) (string, error) {
	keyID, ok := strings.CutPrefix(strings.TrimSpace(pemData), KMSPrefix)
	if !ok || keyID == "" {
		return "", fmt.Errorf("%w: cannot import software PEM keys into AWS KMS", ErrKeyNotExportable)
	}
	return keyID, nil
}

// Delete schedules the key for deletion after the minimum waiting period.
func (k *KMSKeyStore) Delete(keyID string) error {
	ctx, cancel := k.context()
	defer cancel()
	_, err := k.client.ScheduleKeyDeletion(ctx, &kms.ScheduleKeyDeletionInput{
		KeyId:               aws.String(keyID),
		PendingWindowInDays: aws.Int32(7),
	})
	if err != nil {
		return fmt.Errorf("scheduling KMS key deletion: %w", err)
	}
	return nil
}

type kmsSigner struct {
	store *KMSKeyStore
	keyID string
	pub   crypto.PublicKey
}

func (s *kmsSigner) Public() crypto.PublicKey { return s.pub }

func (s *kmsSigner) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	alg, err := kmsSigningAlgorithm(s.pub, opts)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.store.context()
	defer cancel()
	out, err := s.store.client.Sign(ctx, &kms.SignInput{
		KeyId:            aws.String(s.keyID),
		Message:          digest,
		MessageType:      types.MessageTypeDigest,
		SigningAlgorithm: alg,
	})
	if err != nil {
		return nil, fmt.Errorf("KMS sign: %w", err)
	}
	return out.Signature, nil
}

func kmsSigningAlgorithm(pub crypto.PublicKey, opts crypto.SignerOpts) (types.SigningAlgorithmSpec, error) {
	_, pss := opts.(*rsa.PSSOptions)
	h := opts.HashFunc()
	switch pub.(type) {
	case *ecdsa.PublicKey:
		switch h {
		case crypto.SHA256:
			return types.SigningAlgorithmSpecEcdsaSha256, nil
		case crypto.SHA384:
			return types.SigningAlgorithmSpecEcdsaSha384, nil
		case crypto.SHA512:
			return types.SigningAlgorithmSpecEcdsaSha512, nil
		}
	case *rsa.PublicKey:
		switch {
		case h == crypto.SHA256 && pss:
			return types.SigningAlgorithmSpecRsassaPssSha256, nil
		case h == crypto.SHA384 && pss:
			return types.SigningAlgorithmSpecRsassaPssSha384, nil
		case h == crypto.SHA512 && pss:
			return types.SigningAlgorithmSpecRsassaPssSha512, nil
		case h == crypto.SHA256:
			return types.SigningAlgorithmSpecRsassaPkcs1V15Sha256, nil
		case h == crypto.SHA384:
			return types.SigningAlgorithmSpecRsassaPkcs1V15Sha384, nil
		case h == crypto.SHA512:
			return types.SigningAlgorithmSpecRsassaPkcs1V15Sha512, nil
		}
	}
	return "", fmt.Errorf("no KMS signing algorithm for %T with %v", pub, h)
}
