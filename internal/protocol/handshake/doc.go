// Package handshake derives the shared root key for a new 1:1 session.
//
// The initiator combines its identity key and a fresh base key with the
// responder's identity key and one of its published one-time keys:
//
//	DH(IA, OB) || DH(EA, IB) || DH(EA, OB)
//
// There is no signed pre-key: one-time keys are signed when published and
// verified by the caller before they reach this package.
package handshake
