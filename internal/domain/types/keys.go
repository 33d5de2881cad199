package types

import (
	"encoding/base64"
	"fmt"
)

// X25519Public is a Curve25519 public key.
type X25519Public [32]byte

// Slice returns the key as a []byte.
func (p X25519Public) Slice() []byte { return p[:] }

// Encode returns the unpadded base64 form used on the wire.
func (p X25519Public) Encode() Curve25519Key {
	return Curve25519Key(base64.RawStdEncoding.EncodeToString(p[:]))
}

// X25519Private is a Curve25519 private key.
type X25519Private [32]byte

// Slice returns the key as a []byte.
func (k X25519Private) Slice() []byte { return k[:] }

// Ed25519Public is an Ed25519 signing public key.
type Ed25519Public [32]byte

// Slice returns the key as a []byte.
func (p Ed25519Public) Slice() []byte { return p[:] }

// Encode returns the unpadded base64 form used on the wire.
func (p Ed25519Public) Encode() Ed25519Key {
	return Ed25519Key(base64.RawStdEncoding.EncodeToString(p[:]))
}

// Ed25519Private is an Ed25519 signing private key.
type Ed25519Private [64]byte

// Slice returns the key as a []byte.
func (k Ed25519Private) Slice() []byte { return k[:] }

// Curve25519Key is the base64 text form of a Curve25519 public key. A
// device's identity key in this form is its "device key".
type Curve25519Key string

// String returns the string form of the key.
func (k Curve25519Key) String() string { return string(k) }

// Decode parses the key into its fixed-size form.
func (k Curve25519Key) Decode() (X25519Public, error) {
	var out X25519Public
	if err := decodeKey(string(k), out[:]); err != nil {
		return out, fmt.Errorf("curve25519 key: %w", err)
	}
	return out, nil
}

// Ed25519Key is the base64 text form of an Ed25519 public key.
type Ed25519Key string

// String returns the string form of the key.
func (k Ed25519Key) String() string { return string(k) }

// Decode parses the key into its fixed-size form.
func (k Ed25519Key) Decode() (Ed25519Public, error) {
	var out Ed25519Public
	if err := decodeKey(string(k), out[:]); err != nil {
		return out, fmt.Errorf("ed25519 key: %w", err)
	}
	return out, nil
}

func decodeKey(s string, dst []byte) error {
	b, err := base64.RawStdEncoding.DecodeString(s)
	if err != nil {
		// Some servers pad their base64.
		if b, err = base64.StdEncoding.DecodeString(s); err != nil {
			return err
		}
	}
	if len(b) != len(dst) {
		return fmt.Errorf("want %d bytes, got %d", len(dst), len(b))
	}
	copy(dst, b)
	return nil
}
