package dispatch

import (
	"encoding/hex"
	"time"

	"github.com/zeebo/blake3"

	"roomcrypt/internal/domain"
)

// stateID identifies one piece of room state.
type stateID struct {
	typ domain.EventType
	key string
}

type room struct {
	self  domain.UserID
	state domain.RoomState
	// applied holds every version seen for each state entry, so a
	// redelivered older revision never rolls state back.
	applied map[stateID]map[string]struct{}
}

func newRoom(id domain.RoomID, self domain.UserID) *room {
	return &room{
		self: self,
		state: domain.RoomState{
			ID:      id,
			Members: make(map[domain.UserID]domain.Membership),
		},
		applied: make(map[stateID]map[string]struct{}),
	}
}

// version identifies one revision of a state entry: the event id, or a
// digest of the event when the server gave none.
func version(ev domain.Event) string {
	if ev.ID != "" {
		return string(ev.ID)
	}
	h := blake3.New()
	_, _ = h.Write([]byte(ev.Type))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(ev.StateKeyValue()))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(ev.Sender))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(ev.Content)
	return "$" + hex.EncodeToString(h.Sum(nil)[:16])
}

// apply folds a state event into the room. An event whose version was
// already applied for its entry returns no notifications and changes
// nothing.
func (r *room) apply(ev domain.Event) ([]Notification, error) {
	id := stateID{typ: ev.Type, key: ev.StateKeyValue()}
	v := version(ev)
	seen := r.applied[id]
	if _, ok := seen[v]; ok {
		return nil, nil
	}
	if seen == nil {
		seen = make(map[string]struct{})
		r.applied[id] = seen
	}
	seen[v] = struct{}{}

	if ev.RoomID == "" {
		ev.RoomID = r.state.ID
	}
	st := &r.state
	var notes []Notification

	switch ev.Type {
	case domain.EventRoomMember:
		var c domain.MemberContent
		if err := ev.ParseContent(&c); err != nil {
			return nil, err
		}
		user := domain.UserID(ev.StateKeyValue())
		prev := st.Members[user]
		st.Members[user] = c.Membership
		notes = append(notes, Notification{Category: MembershipChanged, Event: ev, Previous: prev})
		if user == r.self {
			notes = append(notes, r.setOwnMembership(ev, c.Membership)...)
		}
	case domain.EventRoomName:
		var c domain.NameContent
		if err := ev.ParseContent(&c); err != nil {
			return nil, err
		}
		st.Name = c.Name
	case domain.EventRoomTopic:
		var c domain.TopicContent
		if err := ev.ParseContent(&c); err != nil {
			return nil, err
		}
		st.Topic = c.Topic
	case domain.EventRoomAvatar:
		var c domain.AvatarContent
		if err := ev.ParseContent(&c); err != nil {
			return nil, err
		}
		st.AvatarURL = c.URL
	case domain.EventRoomCanonicalAlias:
		var c domain.CanonicalAliasContent
		if err := ev.ParseContent(&c); err != nil {
			return nil, err
		}
		st.CanonicalAlias = c.Alias
	case domain.EventRoomAliases:
		var c domain.AliasesContent
		if err := ev.ParseContent(&c); err != nil {
			return nil, err
		}
		st.Aliases = c.Aliases
	case domain.EventRoomCreate:
		var c domain.CreateContent
		if err := ev.ParseContent(&c); err != nil {
			return nil, err
		}
		st.Creator = c.Creator
		if st.Creator == "" {
			st.Creator = ev.Sender
		}
	case domain.EventRoomEncryption:
		var c domain.EncryptionContent
		if err := ev.ParseContent(&c); err != nil {
			return nil, err
		}
		st.Encryption = &domain.EncryptionSettings{
			Algorithm:        c.Algorithm,
			RotationPeriod:   time.Duration(c.RotationPeriodMs) * time.Millisecond,
			RotationMessages: c.RotationPeriodMsgs,
		}
	case domain.EventRoomJoinRules:
		var c domain.JoinRulesContent
		if err := ev.ParseContent(&c); err != nil {
			return nil, err
		}
		st.JoinRule = c.JoinRule
	case domain.EventRoomHistoryVisibility:
		var c domain.HistoryVisibilityContent
		if err := ev.ParseContent(&c); err != nil {
			return nil, err
		}
		st.HistoryVisibility = c.HistoryVisibility
	}

	return append([]Notification{{Category: StateChanged, Event: ev}}, notes...), nil
}

// setOwnMembership records the local user's membership and reports the
// room-level category it implies, if it changed.
func (r *room) setOwnMembership(ev domain.Event, m domain.Membership) []Notification {
	prev := r.state.Membership
	if prev == m {
		return nil
	}
	r.state.Membership = m
	r.state.Members[r.self] = m

	var cat Category
	switch m {
	case domain.MembershipJoined:
		cat = RoomJoined
	case domain.MembershipInvited:
		cat = RoomInvited
	case domain.MembershipLeft, domain.MembershipBanned:
		cat = RoomLeft
	default:
		return nil
	}
	return []Notification{{Category: cat, Event: ev, Previous: prev}}
}
