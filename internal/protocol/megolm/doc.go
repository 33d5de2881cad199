// Package megolm implements the group ratchet used for room messages.
//
// A session is a 32-byte hash ratchet plus an Ed25519 signing key. Each
// message is encrypted under a key derived from the ratchet at its index, and
// the ratchet then advances one step. Receivers hold the ratchet at the first
// index they were given and derive later keys on demand; they can never go
// backwards. Every message is signed so that only the session owner can
// produce valid ciphertexts.
package megolm
