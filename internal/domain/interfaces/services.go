package interfaces

import (
	"context"

	domaintypes "roomcrypt/internal/domain/types"
)

// RoomDirectory exposes read-only room state to the session layer.
type RoomDirectory interface {
	// RoomState returns a copy of the room's state.
	RoomState(room domaintypes.RoomID) (domaintypes.RoomState, bool)
}

// KeyDistributor announces a group session key to a room's recipients. It
// runs before the session is first used.
type KeyDistributor interface {
	DistributeRoomKey(
		ctx context.Context,
		room domaintypes.RoomID,
		key domaintypes.RoomKeyContent,
		recipients []domaintypes.UserID,
	) error
}

// SessionManager encrypts and decrypts at message granularity.
type SessionManager interface {
	IdentityKeys() (domaintypes.Curve25519Key, domaintypes.Ed25519Key, error)

	EncryptForDevice(
		ctx context.Context,
		deviceKey domaintypes.Curve25519Key,
		plaintext []byte,
	) (domaintypes.OlmCiphertext, error)
	DecryptFromDevice(
		ctx context.Context,
		deviceKey domaintypes.Curve25519Key,
		ciphertext domaintypes.OlmCiphertext,
	) ([]byte, error)

	EncryptForRoom(
		ctx context.Context,
		room domaintypes.RoomID,
		plaintext []byte,
	) (domaintypes.MegolmCiphertext, error)
	DecryptGroupMessage(
		ctx context.Context,
		room domaintypes.RoomID,
		sessionID domaintypes.SessionID,
		ciphertext []byte,
	) ([]byte, error)

	ReceiveRoomKey(
		ctx context.Context,
		senderKey domaintypes.Curve25519Key,
		content domaintypes.RoomKeyContent,
	) error
	ReceiveForwardedRoomKey(
		ctx context.Context,
		senderKey domaintypes.Curve25519Key,
		content domaintypes.ForwardedRoomKeyContent,
	) error
}

// EventApplier applies decrypted sync output to room state and hands it to
// listeners.
type EventApplier interface {
	ApplyRoom(ctx context.Context, batch domaintypes.RoomBatch)
	ApplyToDevice(ctx context.Context, events []domaintypes.Event)
}
