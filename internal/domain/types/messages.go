package types

// MessageType tags a 1:1 ciphertext as session-establishing or not.
type MessageType int

const (
	// MessageTypePreKey carries the key-agreement material needed to create
	// the receiving session.
	MessageTypePreKey MessageType = 0
	// MessageTypeNormal requires an existing session.
	MessageTypeNormal MessageType = 1
)

// String returns a readable name for the message type.
func (t MessageType) String() string {
	switch t {
	case MessageTypePreKey:
		return "pre-key"
	case MessageTypeNormal:
		return "normal"
	default:
		return "unknown"
	}
}

// OlmCiphertext is one 1:1 encrypted message.
type OlmCiphertext struct {
	Type MessageType `json:"type"`
	Body []byte      `json:"body"`
}

// MegolmCiphertext is one group encrypted message.
type MegolmCiphertext struct {
	SessionID    SessionID `json:"session_id"`
	MessageIndex uint32    `json:"message_index"`
	Body         []byte    `json:"ciphertext"`
}
