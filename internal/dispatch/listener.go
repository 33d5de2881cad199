package dispatch

import (
	"context"

	"roomcrypt/internal/domain"
)

// Category groups the events a listener is interested in.
type Category string

const (
	RoomJoined           Category = "room-joined"
	RoomInvited          Category = "room-invited"
	RoomLeft             Category = "room-left"
	MembershipChanged    Category = "membership-changed"
	StateChanged         Category = "state-changed"
	MessageReceived      Category = "message-received"
	UndecryptableMessage Category = "undecryptable-message"
	Redaction            Category = "redaction"
	Receipt              Category = "receipt"
	RoomKeyReceived      Category = "room-key-received"
	RoomKeyRequest       Category = "room-key-request"
	ToDevice             Category = "to-device"
)

// Categories lists every category in a stable order.
var Categories = []Category{
	RoomJoined, RoomInvited, RoomLeft, MembershipChanged, StateChanged,
	MessageReceived, UndecryptableMessage, Redaction, Receipt,
	RoomKeyReceived, RoomKeyRequest, ToDevice,
}

// Result tells the dispatcher whether to keep a listener.
type Result int

const (
	Continue Result = iota
	Unregister
)

// Notification is what a listener receives. Room is a copy of the room as
// it stands after the event was applied; it is zero for to-device events.
type Notification struct {
	Category Category
	Event    domain.Event
	Room     domain.RoomState
	// Previous is the membership the event replaced, for membership
	// categories.
	Previous domain.Membership
}

// Listener handles one notification. Errors are logged and never stop the
// batch.
type Listener func(ctx context.Context, n Notification) (Result, error)

// Handle identifies a registration.
type Handle uint64

type registration struct {
	handle   Handle
	category Category
	fn       Listener
}
