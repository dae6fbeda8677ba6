package encryption

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/redbco/redb-entities/pkg/keyring"
)

const (
	// KeyringService is the keyring namespace holding tenant keys
	KeyringService = "redb-entities-security"

	privateKeyPrefix = "tenant-private-key"
	publicKeyPrefix  = "tenant-public-key"
)

// TenantSecrets encrypts and decrypts connection secrets with per-tenant RSA keys
// stored in a keyring.
type TenantSecrets struct {
	store keyring.Store
}

// NewTenantSecrets creates a TenantSecrets backed by store
func NewTenantSecrets(store keyring.Store) *TenantSecrets {
	return &TenantSecrets{store: store}
}

func privateKeyName(tenantID string) string {
	return fmt.Sprintf("%s-%s", privateKeyPrefix, tenantID)
}

func publicKeyName(tenantID string) string {
	return fmt.Sprintf("%s-%s", publicKeyPrefix, tenantID)
}

// GenerateTenantKeys creates and stores a new RSA key pair for tenantID
func (ts *TenantSecrets) GenerateTenantKeys(tenantID string, bits int) error {
	if tenantID == "" {
		return errors.New("tenant ID is required")
	}
	if bits == 0 {
		bits = 2048
	}

	privateKey, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}
	publicDER, err := x509.MarshalPKIXPublicKey(&privateKey.PublicKey)
	if err != nil {
		return fmt.Errorf("failed to marshal public key: %w", err)
	}

	privatePEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(privateKey)})
	publicPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: publicDER})

	if err := ts.store.Set(KeyringService, privateKeyName(tenantID), string(privatePEM)); err != nil {
		return fmt.Errorf("failed to store private key: %w", err)
	}
	if err := ts.store.Set(KeyringService, publicKeyName(tenantID), string(publicPEM)); err != nil {
		return fmt.Errorf("failed to store public key: %w", err)
	}
	return nil
}

func (ts *TenantSecrets) privateKey(tenantID string) (*rsa.PrivateKey, error) {
	keyPEM, err := ts.store.Get(KeyringService, privateKeyName(tenantID))
	if err != nil {
		return nil, fmt.Errorf("tenant private key not found for tenant %s: %w", tenantID, err)
	}
	block, _ := pem.Decode([]byte(keyPEM))
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return key, nil
}

func (ts *TenantSecrets) publicKey(tenantID string) (*rsa.PublicKey, error) {
	keyPEM, err := ts.store.Get(KeyringService, publicKeyName(tenantID))
	if err != nil {
		return nil, fmt.Errorf("tenant public key not found for tenant %s: %w", tenantID, err)
	}
	block, _ := pem.Decode([]byte(keyPEM))
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("public key is not an RSA key")
	}
	return key, nil
}

// EncryptSecret encrypts a secret with the tenant's public key (RSA-OAEP, base64)
func (ts *TenantSecrets) EncryptSecret(tenantID, secret string) (string, error) {
	if tenantID == "" {
		return "", errors.New("tenant ID is required")
	}
	if secret == "" {
		return "", errors.New("secret is required")
	}
	key, err := ts.publicKey(tenantID)
	if err != nil {
		return "", err
	}
	encrypted, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, key, []byte(secret), nil)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(encrypted), nil
}

// DecryptSecret reverses EncryptSecret
func (ts *TenantSecrets) DecryptSecret(tenantID, encrypted string) (string, error) {
	if tenantID == "" {
		return "", errors.New("tenant ID is required")
	}
	if encrypted == "" {
		return "", errors.New("encrypted secret is required")
	}
	key, err := ts.privateKey(tenantID)
	if err != nil {
		return "", err
	}
	raw, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return "", fmt.Errorf("failed to decode encrypted secret: %w", err)
	}
	plain, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, key, raw, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt secret: %w", err)
	}
	return string(plain), nil
}
