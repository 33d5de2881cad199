package interfaces

import domaintypes "roomcrypt/internal/domain/types"

// CryptoEngine is the boundary to the ratchet primitives. The rest of the
// client only orchestrates calls into it and never does ratchet arithmetic
// itself. Pickles are sealed under the caller-supplied key.
type CryptoEngine interface {
	NewAccount() (Account, error)
	UnpickleAccount(pickle, key []byte) (Account, error)

	// NewOutboundSession starts a 1:1 session from the peer's identity key
	// and one of its published one-time keys.
	NewOutboundSession(
		account Account,
		theirIdentityKey domaintypes.Curve25519Key,
		theirOneTimeKey domaintypes.Curve25519Key,
	) (Session, error)
	// NewInboundSession creates the receiving side of a 1:1 session from a
	// pre-key message.
	NewInboundSession(
		account Account,
		theirIdentityKey domaintypes.Curve25519Key,
		preKeyMessage []byte,
	) (Session, error)
	UnpickleSession(pickle, key []byte) (Session, error)

	NewOutboundGroupSession() (OutboundGroupSession, error)
	UnpickleOutboundGroupSession(pickle, key []byte) (OutboundGroupSession, error)

	// NewInboundGroupSession builds an inbound group session from a session
	// key produced by OutboundGroupSession.SessionKey.
	NewInboundGroupSession(sessionKey string) (InboundGroupSession, error)
	// ImportInboundGroupSession builds one from InboundGroupSession.Export.
	ImportInboundGroupSession(exported string) (InboundGroupSession, error)
	UnpickleInboundGroupSession(pickle, key []byte) (InboundGroupSession, error)

	VerifySignature(key domaintypes.Ed25519Key, message, signature []byte) error
}

// Account is the device's long-term key material.
type Account interface {
	IdentityKeys() (domaintypes.Curve25519Key, domaintypes.Ed25519Key)
	Sign(message []byte) []byte

	GenerateOneTimeKeys(count int) error
	// OneTimeKeys returns the keys not yet marked as published.
	OneTimeKeys() map[domaintypes.KeyID]domaintypes.Curve25519Key
	MarkKeysAsPublished()
	MaxNumberOfOneTimeKeys() int
	// RemoveOneTimeKeys drops the one-time key consumed by an inbound session.
	RemoveOneTimeKeys(session Session) error

	Pickle(key []byte) ([]byte, error)
	// Clear wipes private key material. The account is unusable afterwards.
	Clear()
}

// Session is one 1:1 ratchet.
type Session interface {
	ID() domaintypes.SessionID
	HasReceivedMessage() bool
	// MatchesInbound reports whether preKeyMessage was produced for this
	// session.
	MatchesInbound(theirIdentityKey domaintypes.Curve25519Key, preKeyMessage []byte) bool
	Encrypt(plaintext []byte) (domaintypes.MessageType, []byte, error)
	// Decrypt leaves the session untouched when it fails.
	Decrypt(messageType domaintypes.MessageType, message []byte) ([]byte, error)
	Pickle(key []byte) ([]byte, error)
}

// OutboundGroupSession is the sending side of a group ratchet.
type OutboundGroupSession interface {
	ID() domaintypes.SessionID
	MessageIndex() uint32
	// SessionKey exports the ratchet at its current index.
	SessionKey() string
	Encrypt(plaintext []byte) ([]byte, error)
	Pickle(key []byte) ([]byte, error)
}

// InboundGroupSession is the receiving side of a group ratchet.
type InboundGroupSession interface {
	ID() domaintypes.SessionID
	FirstKnownIndex() uint32
	// Decrypt verifies and decrypts message and returns its ratchet index.
	Decrypt(message []byte) ([]byte, uint32, error)
	Export(index uint32) (string, error)
	Pickle(key []byte) ([]byte, error)
}
