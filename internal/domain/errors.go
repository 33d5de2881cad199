package domain

import "errors"

var (
	// ErrNotInitialized means no account has been created on this device.
	ErrNotInitialized = errors.New("account not initialised")

	// ErrNoSessionAvailable means there is no usable 1:1 session with the
	// device. A session must first be established from a one-time key.
	ErrNoSessionAvailable = errors.New("no session available for device")

	// ErrNoMatchingSession means no existing session accepts the message.
	ErrNoMatchingSession = errors.New("no session matches message")

	// ErrUnknownGroupSession means the room never announced the session to
	// this device.
	ErrUnknownGroupSession = errors.New("unknown group session")

	// ErrReplayDetected means the message was already decrypted once.
	ErrReplayDetected = errors.New("replayed message")

	// ErrCryptoEngineFailure wraps failures reported by the crypto engine.
	// The session involved is poisoned.
	ErrCryptoEngineFailure = errors.New("crypto engine failure")

	// ErrBadMessage is reported by the crypto engine when a message or key
	// was not produced for the object it was offered to. The object is left
	// untouched and stays usable.
	ErrBadMessage = errors.New("message does not belong to session")

	// ErrUnknownOneTimeKey means a pre-key message names a one-time key the
	// account does not hold, usually because it was already consumed.
	ErrUnknownOneTimeKey = errors.New("unknown one-time key")

	// ErrSessionPoisoned is returned for any use of a poisoned session.
	ErrSessionPoisoned = errors.New("session poisoned")

	// ErrRoomKeyMismatch means a room key event does not match the key it
	// carries.
	ErrRoomKeyMismatch = errors.New("room key mismatch")

	// ErrSyncInFlight is returned when a sync is requested while another is
	// outstanding.
	ErrSyncInFlight = errors.New("sync already in flight")

	// ErrInvalidTransition is returned for a disallowed membership change.
	ErrInvalidTransition = errors.New("invalid membership transition")

	// ErrTransport wraps failures talking to the homeserver. They are
	// retryable.
	ErrTransport = errors.New("transport failure")
)
