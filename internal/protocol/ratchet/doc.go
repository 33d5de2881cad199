// Package ratchet implements the Double Ratchet used by 1:1 sessions.
//
// The algorithm maintains a root key and two message chains (send and receive).
// Each message advances a KDF chain so that keys are forward secure. When a party
// changes its DH ratchet public key, both sides derive new chain keys from a new
// root derived via DH.
//
// Decrypt works on a copy of the state and commits it only when the message
// authenticates, so a forged or misrouted message never moves the ratchet.
//
// Concurrency: State is NOT safe for concurrent use. Callers must serialise
// access per session.
package ratchet
