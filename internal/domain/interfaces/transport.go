package interfaces

import (
	"context"
	"time"

	domaintypes "roomcrypt/internal/domain/types"
)

// SyncTransport fetches the next batch of events after since. The request
// long-polls for up to timeout on the server side.
type SyncTransport interface {
	Sync(ctx context.Context, since domaintypes.Cursor, timeout time.Duration) (domaintypes.SyncBatch, error)
}

// EventSender posts room events and to-device messages.
type EventSender interface {
	SendRoomEvent(
		ctx context.Context,
		room domaintypes.RoomID,
		eventType domaintypes.EventType,
		content any,
	) (domaintypes.EventID, error)
	SendToDevice(
		ctx context.Context,
		eventType domaintypes.EventType,
		messages map[domaintypes.UserID]map[domaintypes.DeviceID]any,
	) error
}

// KeyServer publishes local keys and looks up remote ones.
type KeyServer interface {
	// UploadKeys returns the number of one-time keys the server now holds.
	UploadKeys(ctx context.Context, upload domaintypes.KeysUpload) (int, error)
	QueryKeys(ctx context.Context, users []domaintypes.UserID) ([]domaintypes.DeviceInfo, error)
	ClaimKeys(
		ctx context.Context,
		devices map[domaintypes.UserID][]domaintypes.DeviceID,
	) ([]domaintypes.ClaimedKey, error)
}

// MembershipAPI performs membership changes on the server.
type MembershipAPI interface {
	JoinRoom(ctx context.Context, room domaintypes.RoomID) error
	LeaveRoom(ctx context.Context, room domaintypes.RoomID) error
}

// Transport is everything the client needs from the homeserver.
type Transport interface {
	SyncTransport
	EventSender
	KeyServer
	MembershipAPI
}
