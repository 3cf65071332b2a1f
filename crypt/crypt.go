// Package crypt vends the authenticated encryption used for artifact payloads: AES-256-GCM with a fresh
// random key and 96-bit nonce per artifact. The package holds no state and does no I/O.
package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

const (
	KeySize   = 32
	NonceSize = 12
)

var (
	// ErrAuthentication is returned when a ciphertext does not authenticate under the given key and nonce
	ErrAuthentication = errors.New("crypt: message authentication failed")
	// ErrInvalidKey is returned for keys or nonces of the wrong size
	ErrInvalidKey = errors.New("crypt: invalid key or nonce size")
)

// ContentKey is the symmetric key and nonce an artifact payload is encrypted with. It marshals to
// {"key": base64, "iv": base64}.
type ContentKey struct {
	Key []byte `json:"key"`
	IV  []byte `json:"iv"`
}

// GenerateContentKey returns a fresh random key and nonce. Never reuse one across artifacts.
func GenerateContentKey() (*ContentKey, error) {
	return generateContentKey(rand.Reader)
}

func generateContentKey(r io.Reader) (*ContentKey, error) {
	ck := &ContentKey{Key: make([]byte, KeySize), IV: make([]byte, NonceSize)}
	if _, err := io.ReadFull(r, ck.Key); err != nil {
		return nil, fmt.Errorf("error generating content key: %w", err)
	}
	if _, err := io.ReadFull(r, ck.IV); err != nil {
		return nil, fmt.Errorf("error generating content iv: %w", err)
	}
	return ck, nil
}

// Validate checks the key and nonce sizes
func (ck *ContentKey) Validate() error {
	if ck == nil || len(ck.Key) != KeySize || len(ck.IV) != NonceSize {
		return ErrInvalidKey
	}
	return nil
}

// Zero wipes the key material
func (ck *ContentKey) Zero() {
	for i := range ck.Key {
		ck.Key[i] = 0
	}
	for i := range ck.IV {
		ck.IV[i] = 0
	}
}

func newGCM(key, iv []byte) (cipher.AEAD, error) {
	if len(key) != KeySize || len(iv) != NonceSize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("error creating block cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// Encrypt seals plaintext and returns ciphertext||tag
func Encrypt(plaintext, key, iv []byte) ([]byte, error) {
	aead, err := newGCM(key, iv)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, iv, plaintext, nil), nil
}

// Decrypt opens ciphertext||tag. Any mismatch of tag, key or nonce yields ErrAuthentication and no plaintext.
func Decrypt(ciphertext, key, iv []byte) ([]byte, error) {
	aead, err := newGCM(key, iv)
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, ErrAuthentication
	}
	return pt, nil
}

// Seal encrypts plaintext under ck
func (ck *ContentKey) Seal(plaintext []byte) ([]byte, error) {
	return Encrypt(plaintext, ck.Key, ck.IV)
}

// Open decrypts ciphertext under ck
func (ck *ContentKey) Open(ciphertext []byte) ([]byte, error) {
	return Decrypt(ciphertext, ck.Key, ck.IV)
}
