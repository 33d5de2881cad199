package crypto

import (
	"runtime"

	"roomcrypt/internal/domain"
)

// Wipe zeroes b. Best-effort: the write must not be elided.
//
//go:noinline
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(&b)
}

// WipeX25519 zeroes a private Curve25519 key in place.
func WipeX25519(k *domain.X25519Private) { Wipe(k[:]) }

// WipeEd25519 zeroes a private Ed25519 key in place.
func WipeEd25519(k *domain.Ed25519Private) { Wipe(k[:]) }
