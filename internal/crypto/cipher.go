// Package crypto provides AES-256-GCM encryption for secrets stored at
// rest (OAuth client secrets and refresh tokens). One process-wide key,
// derived once at startup, no key rotation. Rotating the key invalidates
// everything encrypted under the old one, and decryption then fails with
// ErrEncryption rather than returning garbage.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// ErrEncryption marks any failure of the cipher: missing key material,
// malformed ciphertext, or a failed GCM integrity check (tampered data or
// wrong key). Callers match it with errors.Is.
var ErrEncryption = errors.New("encryption error")

const (
	keyDerivationIters = 10000
	keyLen             = 32 // AES-256
)

// Static salt keeps derivation deterministic so the same configured key
// material always yields the same AES key across restarts.
var derivationSalt = []byte("tokenkeeper-credential-cipher")

// Cipher encrypts and decrypts credential strings. Safe for concurrent use.
type Cipher struct {
	aead cipher.AEAD
}

// New derives an AES-256 key from the configured key material via
// PBKDF2-SHA256 and returns a ready cipher.
func New(keyMaterial string) (*Cipher, error) {
	if keyMaterial == "" {
		return nil, fmt.Errorf("%w: key material is empty", ErrEncryption)
	}

	key := pbkdf2.Key([]byte(keyMaterial), derivationSalt, keyDerivationIters, keyLen, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryption, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryption, err)
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt seals plaintext with a fresh random nonce and returns
// base64(nonce || ciphertext). Empty input stays empty.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("%w: nonce: %v", ErrEncryption, err)
	}

	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Tampered or wrong-key ciphertext fails the GCM
// integrity check and surfaces as ErrEncryption.
func (c *Cipher) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}

	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: decode: %v", ErrEncryption, err)
	}

	nonceSize := c.aead.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("%w: ciphertext too short", ErrEncryption)
	}

	nonce, sealed := data[:nonceSize], data[nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: integrity check failed", ErrEncryption)
	}
	return string(plaintext), nil
}
