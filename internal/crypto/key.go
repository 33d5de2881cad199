package crypto

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	KeyBytes   = chacha20poly1305.KeySize
	NonceBytes = chacha20poly1305.NonceSizeX
)

var (
	// ErrSealedCorrupt is returned when a sealed blob fails authentication,
	// usually because the key is wrong.
	ErrSealedCorrupt = errors.New("sealed data corrupt or wrong key")
	errKeySize       = errors.New("invalid key size")
)

// Seal encrypts plaintext under key with a random nonce. The nonce is
// prepended to the returned ciphertext. ad is authenticated but not stored.
func Seal(key, plaintext, ad []byte) ([]byte, error) {
	if len(key) != KeyBytes {
		return nil, errKeySize
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, NonceBytes, NonceBytes+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(out); err != nil {
		return nil, err
	}
	return aead.Seal(out, out[:NonceBytes], plaintext, ad), nil
}

// Open reverses Seal.
func Open(key, sealed, ad []byte) ([]byte, error) {
	if len(key) != KeyBytes {
		return nil, errKeySize
	}
	if len(sealed) < NonceBytes {
		return nil, ErrSealedCorrupt
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, sealed[:NonceBytes], sealed[NonceBytes:], ad)
	if err != nil {
		return nil, ErrSealedCorrupt
	}
	return pt, nil
}
