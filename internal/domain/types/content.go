package types

import "encoding/json"

// MemberContent is the content of m.room.member.
type MemberContent struct {
	Membership  Membership `json:"membership"`
	DisplayName string     `json:"displayname,omitempty"`
}

// NameContent is the content of m.room.name.
type NameContent struct {
	Name string `json:"name"`
}

// TopicContent is the content of m.room.topic.
type TopicContent struct {
	Topic string `json:"topic"`
}

// AvatarContent is the content of m.room.avatar.
type AvatarContent struct {
	URL string `json:"url"`
}

// CanonicalAliasContent is the content of m.room.canonical_alias.
type CanonicalAliasContent struct {
	Alias string `json:"alias"`
}

// AliasesContent is the content of m.room.aliases.
type AliasesContent struct {
	Aliases []string `json:"aliases"`
}

// CreateContent is the content of m.room.create.
type CreateContent struct {
	Creator UserID `json:"creator"`
}

// EncryptionContent is the content of m.room.encryption.
type EncryptionContent struct {
	Algorithm          string `json:"algorithm"`
	RotationPeriodMs   int64  `json:"rotation_period_ms,omitempty"`
	RotationPeriodMsgs int    `json:"rotation_period_msgs,omitempty"`
}

// JoinRulesContent is the content of m.room.join_rules.
type JoinRulesContent struct {
	JoinRule JoinRule `json:"join_rule"`
}

// HistoryVisibilityContent is the content of m.room.history_visibility.
type HistoryVisibilityContent struct {
	HistoryVisibility HistoryVisibility `json:"history_visibility"`
}

// MessageContent is the content of m.room.message.
type MessageContent struct {
	MsgType string `json:"msgtype"`
	Body    string `json:"body"`
}

// RedactionContent is the content of m.room.redaction.
type RedactionContent struct {
	Redacts EventID `json:"redacts,omitempty"`
	Reason  string  `json:"reason,omitempty"`
}

// EncryptedContent holds the fields shared by both m.room.encrypted forms.
type EncryptedContent struct {
	Algorithm string        `json:"algorithm"`
	SenderKey Curve25519Key `json:"sender_key"`
}

// MegolmEncryptedContent is m.room.encrypted under the group algorithm.
type MegolmEncryptedContent struct {
	Algorithm  string        `json:"algorithm"`
	SenderKey  Curve25519Key `json:"sender_key"`
	DeviceID   DeviceID      `json:"device_id,omitempty"`
	SessionID  SessionID     `json:"session_id"`
	Ciphertext []byte        `json:"ciphertext"`
}

// OlmEncryptedContent is m.room.encrypted under the 1:1 algorithm, with one
// ciphertext per recipient device key.
type OlmEncryptedContent struct {
	Algorithm  string                          `json:"algorithm"`
	SenderKey  Curve25519Key                   `json:"sender_key"`
	Ciphertext map[Curve25519Key]OlmCiphertext `json:"ciphertext"`
}

// OlmPayload is the plaintext carried inside a 1:1 ciphertext.
type OlmPayload struct {
	Type      EventType       `json:"type"`
	Content   json.RawMessage `json:"content"`
	Sender    UserID          `json:"sender"`
	Recipient UserID          `json:"recipient,omitempty"`
	RoomID    RoomID          `json:"room_id,omitempty"`
}

// MegolmPayload is the plaintext carried inside a group ciphertext.
type MegolmPayload struct {
	Type    EventType       `json:"type"`
	Content json.RawMessage `json:"content"`
	RoomID  RoomID          `json:"room_id"`
}

// RoomKeyContent is the content of m.room_key.
type RoomKeyContent struct {
	Algorithm  string    `json:"algorithm"`
	RoomID     RoomID    `json:"room_id"`
	SessionID  SessionID `json:"session_id"`
	SessionKey string    `json:"session_key"`
}

// ForwardedRoomKeyContent is the content of m.forwarded_room_key.
type ForwardedRoomKeyContent struct {
	RoomKeyContent
	SenderKey                    Curve25519Key   `json:"sender_key"`
	SenderClaimedEd25519Key      Ed25519Key      `json:"sender_claimed_ed25519_key,omitempty"`
	ForwardingCurve25519KeyChain []Curve25519Key `json:"forwarding_curve25519_key_chain"`
}

// RoomKeyRequestBody names the session a key request is for.
type RoomKeyRequestBody struct {
	Algorithm string        `json:"algorithm"`
	RoomID    RoomID        `json:"room_id"`
	SenderKey Curve25519Key `json:"sender_key"`
	SessionID SessionID     `json:"session_id"`
}

// Room key request actions.
const (
	KeyRequestActionRequest = "request"
	KeyRequestActionCancel  = "request_cancellation"
)

// RoomKeyRequestContent is the content of m.room_key_request.
type RoomKeyRequestContent struct {
	Action             string              `json:"action"`
	Body               *RoomKeyRequestBody `json:"body,omitempty"`
	RequestingDeviceID DeviceID            `json:"requesting_device_id"`
	RequestID          string              `json:"request_id"`
}
