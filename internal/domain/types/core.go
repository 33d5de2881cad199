package types

// UserID is a fully qualified user identifier, e.g. "@alice:example.org".
type UserID string

// String returns the string form of the user id.
func (u UserID) String() string { return string(u) }

// DeviceID names one device of a user.
type DeviceID string

// String returns the string form of the device id.
func (d DeviceID) String() string { return string(d) }

// RoomID identifies a room, e.g. "!abc:example.org".
type RoomID string

// String returns the string form of the room id.
func (r RoomID) String() string { return string(r) }

// EventID is the server-assigned identifier of an event.
type EventID string

// String returns the string form of the event id.
func (e EventID) String() string { return string(e) }

// SessionID identifies a 1:1 or group ratchet session.
type SessionID string

// String returns the string form of the session id.
func (s SessionID) String() string { return string(s) }

// KeyID names a one-time key inside an account.
type KeyID string

// String returns the string form of the key id.
func (k KeyID) String() string { return string(k) }

// Fingerprint is a short identifier for public keys presented to users.
type Fingerprint string

// String returns the string form of the fingerprint.
func (f Fingerprint) String() string { return string(f) }

// Cursor is the opaque, server-issued sync position.
type Cursor string

// String returns the string form of the cursor.
func (c Cursor) String() string { return string(c) }
