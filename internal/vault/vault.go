// Package vault encrypts provider credentials at rest. Secrets here are
// short strings (API keys), sealed with AES-256-GCM under a key derived
// from an operator passphrase.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// Vault seals and opens secrets with a passphrase-derived AES-256 key.
type Vault struct {
	key [32]byte
}

// New derives the key from the passphrase via Argon2id. The salt is
// deterministic (SHA-256 of the passphrase), so the same passphrase always
// produces the same key across restarts.
func New(passphrase string) *Vault {
	salt := sha256.Sum256([]byte(passphrase))
	key := argon2.IDKey([]byte(passphrase), salt[:16], 1, 64*1024, 4, 32)

	v := &Vault{}
	copy(v.key[:], key)
	return v
}

// aead builds the GCM instance for the derived key. Construction only
// fails on a malformed key length, which the fixed-size key rules out.
func (v *Vault) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(v.key[:])
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm mode: %w", err)
	}
	return gcm, nil
}

// Seal encrypts a secret with a fresh random nonce. Both outputs go to the
// store; neither reveals the plaintext.
func (v *Vault) Seal(secret string) (ciphertext, nonce []byte, err error) {
	gcm, err := v.aead()
	if err != nil {
		return nil, nil, err
	}

	nonce = make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("nonce: %w", err)
	}

	return gcm.Seal(nil, nonce, []byte(secret), nil), nonce, nil
}

// Open decrypts a sealed secret. A wrong passphrase or tampered ciphertext
// fails authentication.
func (v *Vault) Open(ciphertext, nonce []byte) (string, error) {
	gcm, err := v.aead()
	if err != nil {
		return "", err
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("open secret: %w", err)
	}

	return string(plaintext), nil
}
