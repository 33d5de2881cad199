// Package store persists the account and ratchet sessions as opaque blobs.
//
// KeyStore maps string keys to versioned CBOR records over a Backend:
//
//	account                     the local account
//	session.<sessionId>         one 1:1 session
//	outbound.<roomId>           a room's current outbound group session
//	outbound.<roomId>.timestamp its creation time
//	inbound.<sessionId>         one inbound group session
//	pickle.key                  the pickle key, wrapped under the passphrase
//
// Three backends are provided: MemoryBackend for tests and ephemeral
// clients, FileBackend (one file per key, written via temp file + rename) and
// SQLiteBackend (one table, batches in a single transaction). All writes are
// synchronous and local. All types are safe for concurrent use.
package store
