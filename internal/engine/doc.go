// Package engine is the pure-Go implementation of domain.CryptoEngine.
//
// Accounts, 1:1 sessions and group sessions are built from the handshake,
// ratchet and megolm protocol packages. Every object serialises to a
// deterministic CBOR body sealed with XChaCha20-Poly1305 under the caller's
// pickle key; the pickle kind is bound as associated data so a session pickle
// can never be unpickled as an account.
//
// Errors wrapping ErrBadMessage mean the input was not meant for the object
// it was given to. Any other error is a failure of the engine itself.
package engine
