package types

// RoomBatch is the slice of one sync response that belongs to one room.
// State precedes Timeline; both are in server order.
type RoomBatch struct {
	RoomID     RoomID     `json:"room_id"`
	Membership Membership `json:"membership"`
	State      []Event    `json:"state,omitempty"`
	Timeline   []Event    `json:"timeline,omitempty"`
	Ephemeral  []Event    `json:"ephemeral,omitempty"`
}

// SyncBatch is one decoded sync response.
type SyncBatch struct {
	Cursor   Cursor      `json:"next_batch"`
	Rooms    []RoomBatch `json:"rooms,omitempty"`
	ToDevice []Event     `json:"to_device,omitempty"`
}
