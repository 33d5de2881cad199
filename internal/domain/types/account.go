package types

import "time"

// AccountRecord is the persisted form of the local device account. Pickle is
// the engine's sealed serialization and is never inspected outside the engine.
type AccountRecord struct {
	IdentityKey Curve25519Key `cbor:"identity_key"`
	SigningKey  Ed25519Key    `cbor:"signing_key"`
	Pickle      []byte        `cbor:"pickle"`
	CreatedAt   time.Time     `cbor:"created_at"`
}

// DeviceInfo describes a remote device as published by the key server.
type DeviceInfo struct {
	UserID      UserID        `json:"user_id"`
	DeviceID    DeviceID      `json:"device_id"`
	IdentityKey Curve25519Key `json:"curve25519"`
	SigningKey  Ed25519Key    `json:"ed25519"`
}

// OneTimeKey is a published one-time key together with the account's
// signature over it.
type OneTimeKey struct {
	KeyID     KeyID         `json:"key_id"`
	Key       Curve25519Key `json:"key"`
	Signature []byte        `json:"signature,omitempty"`
}

// ClaimedKey is a one-time key claimed from the key server for a device.
type ClaimedKey struct {
	UserID   UserID   `json:"user_id"`
	DeviceID DeviceID `json:"device_id"`
	OneTimeKey
}

// KeysUpload is the payload published for the local device.
type KeysUpload struct {
	Device      DeviceInfo   `json:"device"`
	OneTimeKeys []OneTimeKey `json:"one_time_keys"`
}
