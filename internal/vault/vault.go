// Package vault seals secrets at rest with NaCl secretbox
// (XSalsa20-Poly1305). A sealed value is base64(nonce || box), the same
// layout tweetnacl produces, so rows written by earlier deployments open
// unchanged.
package vault

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	keySize   = 32
	nonceSize = 24
)

var (
	// ErrInvalidKey is returned by every operation when the configured key
	// is not 64 hex characters.
	ErrInvalidKey = errors.New("vault: encryption key must be a 64-char hex string (32 bytes)")
	// ErrDecryption matches every *DecryptionError.
	ErrDecryption = errors.New("vault: decryption failed")
)

// DecryptionError reports why a sealed value could not be opened.
type DecryptionError struct {
	Reason string
}

func (e *DecryptionError) Error() string {
	return "vault: decryption failed: " + e.Reason
}

// Is makes errors.Is(err, ErrDecryption) true for any DecryptionError.
func (e *DecryptionError) Is(target error) bool {
	return target == ErrDecryption
}

// Vault seals and opens secrets with one process-wide key. The key is
// parsed on first use, so a bad key surfaces on the first seal or unseal
// rather than at startup.
type Vault struct {
	hexKey string

	once sync.Once
	key  *[keySize]byte
	err  error
}

// New returns a Vault for the given hex encoded key.
func New(hexKey string) *Vault {
	return &Vault{hexKey: hexKey}
}

func (v *Vault) loadKey() (*[keySize]byte, error) {
	v.once.Do(func() {
		if len(v.hexKey) != keySize*2 {
			v.err = ErrInvalidKey
			return
		}
		raw, err := hex.DecodeString(v.hexKey)
		if err != nil {
			v.err = fmt.Errorf("%w: %v", ErrInvalidKey, err)
			return
		}
		var key [keySize]byte
		copy(key[:], raw)
		v.key = &key
	})
	return v.key, v.err
}

// Seal encrypts plaintext with a fresh random nonce.
func (v *Vault) Seal(plaintext string) (string, error) {
	key, err := v.loadKey()
	if err != nil {
		return "", err
	}

	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("vault: generating nonce: %w", err)
	}

	sealed := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, key)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Unseal opens a value produced by Seal. Tampered input, input sealed
// under another key, or input that was never sealed returns a
// *DecryptionError.
func (v *Vault) Unseal(sealed string) (string, error) {
	key, err := v.loadKey()
	if err != nil {
		return "", err
	}

	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", &DecryptionError{Reason: "not base64"}
	}
	if len(raw) < nonceSize+secretbox.Overhead {
		return "", &DecryptionError{Reason: "too short"}
	}

	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	plaintext, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, key)
	if !ok {
		return "", &DecryptionError{Reason: "invalid key or corrupted data"}
	}
	return string(plaintext), nil
}

// TryUnseal opens value, or returns it unchanged when it cannot be opened.
// Rows written before secrets were sealed hold plaintext and read through
// this path.
func (v *Vault) TryUnseal(value string) string {
	plaintext, err := v.Unseal(value)
	if err != nil {
		return value
	}
	return plaintext
}
