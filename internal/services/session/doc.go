// Package session owns the account and every ratchet session.
//
// Manager encrypts and decrypts at message granularity on top of a
// domain.CryptoEngine and persists every advanced ratchet through a
// domain.KeyStore before returning. It decides when a room's outbound group
// session rotates, announces new group sessions through a
// domain.KeyDistributor, rejects replayed 1:1 messages and poisons sessions
// whose engine state failed.
//
// Operations on one device key, or on one room, are serialised. Operations
// on different devices and rooms run in parallel.
package session
