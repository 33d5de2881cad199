package store

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"

	"roomcrypt/internal/codec"
)

const (
	// The current supported version of the wrapped key format.
	keystoreFormatVersion = 1

	pickleKeyKey = "pickle.key"
	pickleKeyLen = 32
)

// ErrWrongPassphrase is returned when the passphrase is incorrect or the
// wrapped key has been modified.
var ErrWrongPassphrase = errors.New("wrong passphrase or corrupted key store")

// blob holds the wrapped pickle key and its KDF parameters.
type blob struct {
	V      int    `cbor:"v"`
	Salt   []byte `cbor:"salt"`
	N      int    `cbor:"scrypt_N"`
	R      int    `cbor:"scrypt_r"`
	P      int    `cbor:"scrypt_p"`
	Cipher []byte `cbor:"cipher"`
}

// KDFParams are the scrypt cost parameters used when wrapping a key.
type KDFParams struct {
	N, R, P int
}

// DefaultKDFParams returns the production scrypt cost.
func DefaultKDFParams() KDFParams { return KDFParams{N: 1 << 15, R: 8, P: 1} }

// OpenPickleKey returns the pickle key guarded by passphrase. The first call
// on an empty backend generates the key and stores it wrapped.
func OpenPickleKey(b Backend, passphrase string, params KDFParams) ([]byte, error) {
	wrapped, ok, err := b.Get(pickleKeyKey)
	if err != nil {
		return nil, fmt.Errorf("store: read pickle key: %w", err)
	}
	if ok {
		return unwrap(passphrase, wrapped)
	}

	key := make([]byte, pickleKeyLen)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	wrapped, err = wrap(passphrase, key, params)
	if err != nil {
		return nil, err
	}
	if err := b.Put(Entry{Key: pickleKeyKey, Value: wrapped}); err != nil {
		return nil, fmt.Errorf("store: write pickle key: %w", err)
	}
	return key, nil
}

// ChangePassphrase rewraps the existing pickle key under newPassphrase.
// Pickled sessions stay valid.
func ChangePassphrase(b Backend, oldPassphrase, newPassphrase string, params KDFParams) error {
	wrapped, ok, err := b.Get(pickleKeyKey)
	if err != nil {
		return fmt.Errorf("store: read pickle key: %w", err)
	}
	if !ok {
		return fmt.Errorf("store: no pickle key to rewrap")
	}
	key, err := unwrap(oldPassphrase, wrapped)
	if err != nil {
		return err
	}
	if wrapped, err = wrap(newPassphrase, key, params); err != nil {
		return err
	}
	return b.Put(Entry{Key: pickleKeyKey, Value: wrapped})
}

// wrap derives a key from passphrase and seals raw into a blob.
func wrap(passphrase string, raw []byte, params KDFParams) ([]byte, error) {
	var salt [16]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return nil, err
	}
	key, err := scrypt.Key([]byte(passphrase), salt[:], params.N, params.R, params.P, chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	var nonce [12]byte // zero nonce; salt-bound key guarantees uniqueness
	ct := aead.Seal(nil, nonce[:], raw, salt[:])

	return codec.Marshal(blob{
		V:      keystoreFormatVersion,
		Salt:   salt[:],
		N:      params.N,
		R:      params.R,
		P:      params.P,
		Cipher: ct,
	})
}

// unwrap opens the blob using a key derived from passphrase.
func unwrap(passphrase string, b []byte) ([]byte, error) {
	var bl blob
	if err := codec.Unmarshal(b, &bl); err != nil {
		return nil, err
	}
	if bl.V > keystoreFormatVersion {
		return nil, fmt.Errorf("%w: key store version %d", ErrUnsupportedVersion, bl.V)
	}

	key, err := scrypt.Key([]byte(passphrase), bl.Salt, bl.N, bl.R, bl.P, chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	var nonce [12]byte
	pt, err := aead.Open(nil, nonce[:], bl.Cipher, bl.Salt)
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	return pt, nil
}
