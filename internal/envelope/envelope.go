// Package envelope implements the encryption-key capability consumed by
// payload builders: authenticated encryption of sensitive payload fields
// with per-tenant data keys, and wrap/unwrap of data keys under a key
// encryption key. The ledger core is encryption-agnostic and stores whatever
// bytes it is given; encryption happens explicitly at the
// payload-construction boundary, never inside the chain.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the AES-256 key width used for both the KEK and data keys.
const KeySize = 32

var (
	// ErrCiphertextInvalid is returned when a ciphertext is malformed or
	// fails authentication. Decryption fails closed.
	ErrCiphertextInvalid = errors.New("envelope: ciphertext invalid or tampered")
)

// Service derives per-tenant data keys from a KEK and performs field-level
// authenticated encryption with AES-256-GCM.
type Service struct {
	kek []byte
}

// New creates a Service around a 32-byte key encryption key.
func New(kek []byte) (*Service, error) {
	if len(kek) != KeySize {
		return nil, fmt.Errorf("envelope: KEK must be %d bytes, got %d", KeySize, len(kek))
	}
	s := &Service{kek: make([]byte, KeySize)}
	copy(s.kek, kek)
	return s, nil
}

// DataKey derives the deterministic per-tenant data key via HKDF-SHA256.
// Tenants never share a key; compromising one tenant's data key exposes
// nothing about another's.
func (s *Service) DataKey(tenantID string) ([]byte, error) {
	if tenantID == "" {
		return nil, errors.New("envelope: tenant ID must not be empty")
	}
	r := hkdf.New(sha256.New, s.kek, nil, []byte("veritas/data-key/"+tenantID))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive data key: %w", err)
	}
	return key, nil
}

// Wrap encrypts a plaintext data key under the KEK for storage alongside the
// data it protects.
func (s *Service) Wrap(plainKey []byte) ([]byte, error) {
	return seal(s.kek, plainKey)
}

// Unwrap recovers a data key previously wrapped with Wrap.
func (s *Service) Unwrap(wrappedKey []byte) ([]byte, error) {
	return open(s.kek, wrappedKey)
}

// EncryptField encrypts one payload field value under the tenant's data key,
// returning a base64 string safe to embed in a JSON payload.
func (s *Service) EncryptField(tenantID string, plaintext []byte) (string, error) {
	key, err := s.DataKey(tenantID)
	if err != nil {
		return "", err
	}
	ct, err := seal(key, plaintext)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ct), nil
}

// DecryptField reverses EncryptField. Tampered or cross-tenant ciphertexts
// fail with ErrCiphertextInvalid.
func (s *Service) DecryptField(tenantID, encoded string) ([]byte, error) {
	key, err := s.DataKey(tenantID)
	if err != nil {
		return nil, err
	}
	ct, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, ErrCiphertextInvalid
	}
	return open(key, ct)
}

// seal encrypts with AES-256-GCM, prefixing the random nonce.
func seal(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// open decrypts a nonce-prefixed AES-256-GCM ciphertext.
func open(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, ErrCiphertextInvalid
	}
	nonce, ct := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	pt, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, ErrCiphertextInvalid
	}
	return pt, nil
}
