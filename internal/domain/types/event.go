package types

import (
	"encoding/json"
	"fmt"
)

// EventType is the type string of an event.
type EventType string

// String returns the string form of the event type.
func (t EventType) String() string { return string(t) }

// Event types consumed by the client.
const (
	EventRoomAliases           EventType = "m.room.aliases"
	EventRoomAvatar            EventType = "m.room.avatar"
	EventRoomCanonicalAlias    EventType = "m.room.canonical_alias"
	EventRoomCreate            EventType = "m.room.create"
	EventRoomEncryption        EventType = "m.room.encryption"
	EventRoomHistoryVisibility EventType = "m.room.history_visibility"
	EventRoomJoinRules         EventType = "m.room.join_rules"
	EventRoomMember            EventType = "m.room.member"
	EventRoomName              EventType = "m.room.name"
	EventRoomTopic             EventType = "m.room.topic"
	EventRoomMessage           EventType = "m.room.message"
	EventRoomEncrypted         EventType = "m.room.encrypted"
	EventRoomRedaction         EventType = "m.room.redaction"
	EventReceipt               EventType = "m.receipt"
	EventRoomKey               EventType = "m.room_key"
	EventForwardedRoomKey      EventType = "m.forwarded_room_key"
	EventRoomKeyRequest        EventType = "m.room_key_request"
)

// Event is an immutable envelope received from the server. Content is kept
// raw and parsed on demand into one of the content types.
type Event struct {
	ID             EventID         `json:"event_id,omitempty"`
	Type           EventType       `json:"type"`
	Sender         UserID          `json:"sender,omitempty"`
	RoomID         RoomID          `json:"room_id,omitempty"`
	StateKey       *string         `json:"state_key,omitempty"`
	OriginServerTS int64           `json:"origin_server_ts,omitempty"`
	Content        json.RawMessage `json:"content,omitempty"`

	// Decryption is set on events that arrived encrypted.
	Decryption *Decryption `json:"-"`
}

// Decryption records how an encrypted event was handled. A non-nil Err marks
// the event as undecryptable; Type and Content then still hold the
// encrypted form.
type Decryption struct {
	Algorithm string
	SessionID SessionID
	SenderKey Curve25519Key
	Err       error
}

// IsState reports whether the event is a state event.
func (e Event) IsState() bool { return e.StateKey != nil }

// StateKeyValue returns the state key or "" for non-state events.
func (e Event) StateKeyValue() string {
	if e.StateKey == nil {
		return ""
	}
	return *e.StateKey
}

// Undecryptable reports whether decryption was attempted and failed.
func (e Event) Undecryptable() bool {
	return e.Decryption != nil && e.Decryption.Err != nil
}

// ParseContent decodes the raw content into v.
func (e Event) ParseContent(v any) error {
	if len(e.Content) == 0 {
		return fmt.Errorf("event %s (%s): empty content", e.ID, e.Type)
	}
	if err := json.Unmarshal(e.Content, v); err != nil {
		return fmt.Errorf("event %s (%s): %w", e.ID, e.Type, err)
	}
	return nil
}

// StateKey returns a pointer to k, for building state events.
func StateKey(k string) *string { return &k }
