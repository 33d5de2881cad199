package types

import (
	"maps"
	"slices"
	"time"
)

// Membership is a user's state in a room.
type Membership string

const (
	MembershipUnknown Membership = ""
	MembershipInvited Membership = "invite"
	MembershipJoined  Membership = "join"
	MembershipLeft    Membership = "leave"
	MembershipBanned  Membership = "ban"
	MembershipKnocked Membership = "knock"
)

// HistoryVisibility controls which members may read past messages.
type HistoryVisibility string

const (
	HistoryInvited       HistoryVisibility = "invited"
	HistoryJoined        HistoryVisibility = "joined"
	HistoryShared        HistoryVisibility = "shared"
	HistoryWorldReadable HistoryVisibility = "world_readable"
)

// JoinRule controls who may join a room.
type JoinRule string

const (
	JoinRulePublic  JoinRule = "public"
	JoinRuleKnock   JoinRule = "knock"
	JoinRuleInvite  JoinRule = "invite"
	JoinRulePrivate JoinRule = "private"
)

// Encryption algorithm names as they appear in m.room.encryption and
// m.room.encrypted events.
const (
	AlgorithmOlm    = "m.olm.v1.curve25519-aes-sha2"
	AlgorithmMegolm = "m.megolm.v1.aes-sha2"
)

// EncryptionSettings is the room's encryption configuration. Zero rotation
// values mean the room sets no limit of its own.
type EncryptionSettings struct {
	Algorithm        string        `cbor:"algorithm"`
	RotationPeriod   time.Duration `cbor:"rotation_period,omitempty"`
	RotationMessages int           `cbor:"rotation_messages,omitempty"`
}

// RoomState is the local view of one room.
type RoomState struct {
	ID                RoomID                `cbor:"id"`
	Name              string                `cbor:"name,omitempty"`
	Topic             string                `cbor:"topic,omitempty"`
	AvatarURL         string                `cbor:"avatar_url,omitempty"`
	CanonicalAlias    string                `cbor:"canonical_alias,omitempty"`
	Aliases           []string              `cbor:"aliases,omitempty"`
	Creator           UserID                `cbor:"creator,omitempty"`
	Membership        Membership            `cbor:"membership"`
	Members           map[UserID]Membership `cbor:"members,omitempty"`
	Encryption        *EncryptionSettings   `cbor:"encryption,omitempty"`
	HistoryVisibility HistoryVisibility     `cbor:"history_visibility,omitempty"`
	JoinRule          JoinRule              `cbor:"join_rule,omitempty"`
}

// Encrypted reports whether outbound messages to the room must be encrypted.
func (r RoomState) Encrypted() bool {
	return r.Encryption != nil && r.Encryption.Algorithm != ""
}

// Recipients returns the users a group session key must reach, sorted.
// Invited members are included unless history is restricted to joined users.
func (r RoomState) Recipients() []UserID {
	out := make([]UserID, 0, len(r.Members))
	for user, m := range r.Members {
		switch {
		case m == MembershipJoined:
			out = append(out, user)
		case m == MembershipInvited && r.HistoryVisibility != HistoryJoined:
			out = append(out, user)
		}
	}
	slices.Sort(out)
	return out
}

// Clone returns a deep copy.
func (r RoomState) Clone() RoomState {
	out := r
	out.Aliases = slices.Clone(r.Aliases)
	out.Members = maps.Clone(r.Members)
	if r.Encryption != nil {
		enc := *r.Encryption
		out.Encryption = &enc
	}
	return out
}
