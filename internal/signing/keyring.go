// Package signing provides the local implementation of the ledger's signing
// capability: RSA detached signatures over SHA-512 content digests, with a
// per-tenant keyring backed by PEM files on disk. In deployments that use an
// external KMS this package is replaced behind the same ledger.Signer and
// ledger.SignatureVerifier interfaces; the ledger core never sees key
// material either way.
package signing

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
)

const (
	systemKeyFile = "ledger-signing.key"
	keyBits       = 3072
)

// Keyring manages signing keys under a directory: one system-wide key plus
// lazily created per-tenant keys. Keys are created on first use and reloaded
// on subsequent starts.
type Keyring struct {
	dir    string
	logger *zap.Logger

	mu   sync.Mutex
	keys map[string]*rsa.PrivateKey // "" = system key
}

// NewKeyring returns a Keyring storing key files in dir.
func NewKeyring(dir string, logger *zap.Logger) *Keyring {
	return &Keyring{
		dir:    dir,
		logger: logger,
		keys:   make(map[string]*rsa.PrivateKey),
	}
}

// LoadOrCreate ensures the system-wide key exists.
func (k *Keyring) LoadOrCreate() error {
	_, err := k.keyFor("")
	return err
}

// SystemKey returns the system-wide signing key. LoadOrCreate must have
// succeeded first.
func (k *Keyring) SystemKey() *rsa.PrivateKey {
	key, _ := k.keyFor("")
	return key
}

// keyFor returns the key for tenantID, loading or creating it on first use.
// The empty tenant ID selects the system-wide key.
func (k *Keyring) keyFor(tenantID string) (*rsa.PrivateKey, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if key, ok := k.keys[tenantID]; ok {
		return key, nil
	}

	path := filepath.Join(k.dir, keyFileName(tenantID))
	keyPEM, err := os.ReadFile(path)
	if err == nil {
		key, err := decodeKey(keyPEM)
		if err != nil {
			return nil, fmt.Errorf("parse signing key %q: %w", path, err)
		}
		k.keys[tenantID] = key
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read signing key %q: %w", path, err)
	}

	if err := os.MkdirAll(k.dir, 0o700); err != nil {
		return nil, fmt.Errorf("create key dir %q: %w", k.dir, err)
	}
	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	if err := os.WriteFile(path, pemBytes, 0o600); err != nil {
		return nil, fmt.Errorf("write signing key %q: %w", path, err)
	}

	k.logger.Info("created signing key",
		zap.String("tenant", tenantID),
		zap.String("path", path),
	)
	k.keys[tenantID] = key
	return key, nil
}

func keyFileName(tenantID string) string {
	if tenantID == "" {
		return systemKeyFile
	}
	// Tenant IDs are path components; keep the name filesystem-safe.
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, tenantID)
	return "tenant-" + safe + ".key"
}

func decodeKey(keyPEM []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	return x509.ParsePKCS1PrivateKey(block.Bytes)
}

// LocalSigner signs and verifies ledger content digests with keyring keys.
// It implements ledger.Signer and ledger.SignatureVerifier.
type LocalSigner struct {
	keyring   *Keyring
	perTenant bool
}

// NewLocalSigner creates a LocalSigner. With perTenant set, each tenant gets
// its own key; otherwise every chain signs with the system-wide key.
func NewLocalSigner(keyring *Keyring, perTenant bool) *LocalSigner {
	return &LocalSigner{keyring: keyring, perTenant: perTenant}
}

// Sign produces a detached RSA PKCS#1 v1.5 signature over a SHA-512 digest.
func (s *LocalSigner) Sign(ctx context.Context, tenantID string, digest []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key, err := s.key(tenantID)
	if err != nil {
		return nil, err
	}
	return rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA512, digest)
}

// Verify checks a detached signature. A mismatch returns (false, nil) — an
// integrity result, not a capability failure.
func (s *LocalSigner) Verify(ctx context.Context, tenantID string, digest, signature []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	key, err := s.key(tenantID)
	if err != nil {
		return false, err
	}
	if err := rsa.VerifyPKCS1v15(&key.PublicKey, crypto.SHA512, digest, signature); err != nil {
		return false, nil
	}
	return true, nil
}

func (s *LocalSigner) key(tenantID string) (*rsa.PrivateKey, error) {
	if !s.perTenant {
		tenantID = ""
	}
	return s.keyring.keyFor(tenantID)
}
