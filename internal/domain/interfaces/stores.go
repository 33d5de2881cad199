package interfaces

import domaintypes "roomcrypt/internal/domain/types"

// KeyStore persists the account and every ratchet session. Writes are
// synchronous and local. A missing session is reported as ok == false and
// never as an error.
type KeyStore interface {
	// GetAccount returns ErrNotInitialized if no account was ever stored.
	GetAccount() (domaintypes.AccountRecord, error)
	SetAccount(account domaintypes.AccountRecord) error

	StoreSession(session domaintypes.SessionRecord) error
	FindSession(id domaintypes.SessionID) (domaintypes.SessionRecord, bool, error)
	AllSessions(deviceKey domaintypes.Curve25519Key) ([]domaintypes.SessionRecord, error)

	StoreOutboundGroupSession(session domaintypes.OutboundGroupRecord) error
	FindOutboundGroupSession(room domaintypes.RoomID) (domaintypes.OutboundGroupRecord, bool, error)

	StoreInboundGroupSession(session domaintypes.InboundGroupRecord) error
	FindInboundGroupSession(
		room domaintypes.RoomID,
		id domaintypes.SessionID,
	) (domaintypes.InboundGroupRecord, bool, error)
}
