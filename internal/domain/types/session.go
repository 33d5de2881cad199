package types

import "time"

// MessageDigest is a truncated hash of a received 1:1 ciphertext, kept per
// session to recognise replays.
type MessageDigest [16]byte

// SessionRecord is the persisted form of one 1:1 ratchet session.
type SessionRecord struct {
	ID        SessionID       `cbor:"id"`
	DeviceKey Curve25519Key   `cbor:"device_key"`
	Pickle    []byte          `cbor:"pickle"`
	CreatedAt time.Time       `cbor:"created_at"`
	LastUsed  time.Time       `cbor:"last_used"`
	Poisoned  bool            `cbor:"poisoned,omitempty"`
	Seen      []MessageDigest `cbor:"seen,omitempty"`
}

// OutboundGroupRecord is the persisted form of a room's current outbound
// group session.
type OutboundGroupRecord struct {
	RoomID       RoomID    `cbor:"room_id"`
	ID           SessionID `cbor:"id"`
	Pickle       []byte    `cbor:"pickle"`
	CreatedAt    time.Time `cbor:"-"`
	MessageCount uint32    `cbor:"message_count"`
	SharedWith   []UserID  `cbor:"shared_with,omitempty"`
	Poisoned     bool      `cbor:"poisoned,omitempty"`
}

// InboundGroupRecord is the persisted form of an inbound group session
// received through key distribution.
type InboundGroupRecord struct {
	RoomID          RoomID          `cbor:"room_id"`
	ID              SessionID       `cbor:"id"`
	SenderKey       Curve25519Key   `cbor:"sender_key"`
	Pickle          []byte          `cbor:"pickle"`
	FirstKnownIndex uint32          `cbor:"first_known_index"`
	Forwarded       bool            `cbor:"forwarded,omitempty"`
	ForwardingChain []Curve25519Key `cbor:"forwarding_chain,omitempty"`
}
