package app_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"roomcrypt/internal/domain"
)

type entry struct {
	room  domain.RoomID
	event domain.Event
}

type fakeRoom struct {
	members map[domain.UserID]domain.Membership
}

// homeserver is a minimal in-memory Matrix server. The sync cursor is an
// index into one global event log; to-device events are delivered once.
type homeserver struct {
	t  *testing.T
	mu sync.Mutex

	tokens   map[string]domain.UserID
	devices  map[domain.UserID]map[domain.DeviceID]json.RawMessage
	otks     map[domain.UserID]map[domain.DeviceID]map[string]json.RawMessage
	rooms    map[domain.RoomID]*fakeRoom
	log      []entry
	toDevice map[domain.UserID][]domain.Event
}

func newHomeserver(t *testing.T) (*homeserver, *httptest.Server) {
	h := &homeserver{
		t:        t,
		tokens:   map[string]domain.UserID{},
		devices:  map[domain.UserID]map[domain.DeviceID]json.RawMessage{},
		otks:     map[domain.UserID]map[domain.DeviceID]map[string]json.RawMessage{},
		rooms:    map[domain.RoomID]*fakeRoom{},
		toDevice: map[domain.UserID][]domain.Event{},
	}
	r := chi.NewRouter()
	r.Route("/_matrix/client/v3", func(r chi.Router) {
		r.Get("/sync", h.handleSync)
		r.Put("/rooms/{room}/send/{type}/{txn}", h.handleSend)
		r.Put("/sendToDevice/{type}/{txn}", h.handleSendToDevice)
		r.Post("/keys/upload", h.handleUpload)
		r.Post("/keys/query", h.handleQuery)
		r.Post("/keys/claim", h.handleClaim)
		r.Post("/join/{room}", h.handleMembership(domain.MembershipJoined))
		r.Post("/rooms/{room}/leave", h.handleMembership(domain.MembershipLeft))
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return h, srv
}

func (h *homeserver) register(user domain.UserID) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	token := "token-" + strings.Trim(string(user), "@:")
	h.tokens[token] = user
	return token
}

func (h *homeserver) user(w http.ResponseWriter, r *http.Request) (domain.UserID, bool) {
	u, ok := h.tokens[strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")]
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"errcode":"M_UNKNOWN_TOKEN","error":"unknown token"}`))
	}
	return u, ok
}

func (h *homeserver) reply(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	require.NoError(h.t, json.NewEncoder(w).Encode(v))
}

func (h *homeserver) decode(r *http.Request, v any) {
	require.NoError(h.t, json.NewDecoder(r.Body).Decode(v))
}

func roomParam(r *http.Request) domain.RoomID {
	id, _ := url.PathUnescape(chi.URLParam(r, "room"))
	return domain.RoomID(id)
}

// appendLocked adds an event to the log. h.mu must be held.
func (h *homeserver) appendLocked(room domain.RoomID, ev domain.Event) domain.EventID {
	ev.ID = domain.EventID(fmt.Sprintf("$%d", len(h.log)+1))
	ev.RoomID = room
	ev.OriginServerTS = int64(len(h.log) + 1)
	h.log = append(h.log, entry{room: room, event: ev})
	return ev.ID
}

func memberEvent(sender, target domain.UserID, m domain.Membership) domain.Event {
	content, _ := json.Marshal(domain.MemberContent{Membership: m})
	return domain.Event{
		Type:     domain.EventRoomMember,
		Sender:   sender,
		StateKey: domain.StateKey(string(target)),
		Content:  content,
	}
}

// createRoom sets up an encrypted room owned by creator with invitees.
func (h *homeserver) createRoom(id domain.RoomID, creator domain.UserID, invitees ...domain.UserID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room := &fakeRoom{members: map[domain.UserID]domain.Membership{creator: domain.MembershipJoined}}
	h.rooms[id] = room

	create, _ := json.Marshal(domain.CreateContent{Creator: creator})
	h.appendLocked(id, domain.Event{Type: domain.EventRoomCreate, Sender: creator, StateKey: domain.StateKey(""), Content: create})
	h.appendLocked(id, memberEvent(creator, creator, domain.MembershipJoined))
	enc, _ := json.Marshal(domain.EncryptionContent{Algorithm: domain.AlgorithmMegolm})
	h.appendLocked(id, domain.Event{Type: domain.EventRoomEncryption, Sender: creator, StateKey: domain.StateKey(""), Content: enc})
	for _, u := range invitees {
		room.members[u] = domain.MembershipInvited
		h.appendLocked(id, memberEvent(creator, u, domain.MembershipInvited))
	}
}

// roomEvents returns every logged event of type typ in room.
func (h *homeserver) roomEvents(room domain.RoomID, typ domain.EventType) []domain.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []domain.Event
	for _, e := range h.log {
		if e.room == room && e.event.Type == typ {
			out = append(out, e.event)
		}
	}
	return out
}

type eventList struct {
	Events []domain.Event `json:"events"`
}

type syncRoom struct {
	State       *eventList `json:"state,omitempty"`
	Timeline    *eventList `json:"timeline,omitempty"`
	InviteState *eventList `json:"invite_state,omitempty"`
}

func (h *homeserver) handleSync(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()
	user, ok := h.user(w, r)
	if !ok {
		return
	}
	since := 0
	if s := r.URL.Query().Get("since"); s != "" {
		since, _ = strconv.Atoi(s)
	}

	sections := map[string]map[domain.RoomID]syncRoom{"join": {}, "invite": {}, "leave": {}}
	for id, room := range h.rooms {
		var fresh, all []domain.Event
		for i, e := range h.log {
			if e.room != id {
				continue
			}
			all = append(all, e.event)
			if i >= since {
				fresh = append(fresh, e.event)
			}
		}
		if len(fresh) == 0 {
			continue
		}
		switch room.members[user] {
		case domain.MembershipJoined:
			sections["join"][id] = syncRoom{Timeline: &eventList{fresh}}
		case domain.MembershipInvited:
			sections["invite"][id] = syncRoom{InviteState: &eventList{all}}
		case domain.MembershipLeft:
			sections["leave"][id] = syncRoom{Timeline: &eventList{fresh}}
		}
	}

	toDevice := h.toDevice[user]
	delete(h.toDevice, user)
	h.reply(w, map[string]any{
		"next_batch": strconv.Itoa(len(h.log)),
		"rooms":      sections,
		"to_device":  eventList{Events: toDevice},
	})
}

func (h *homeserver) handleSend(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()
	user, ok := h.user(w, r)
	if !ok {
		return
	}
	room := roomParam(r)
	if h.rooms[room] == nil || h.rooms[room].members[user] != domain.MembershipJoined {
		w.WriteHeader(http.StatusForbidden)
		h.reply(w, map[string]string{"errcode": "M_FORBIDDEN", "error": "not joined"})
		return
	}
	var content json.RawMessage
	h.decode(r, &content)
	id := h.appendLocked(room, domain.Event{
		Type:    domain.EventType(chi.URLParam(r, "type")),
		Sender:  user,
		Content: content,
	})
	h.reply(w, map[string]domain.EventID{"event_id": id})
}

func (h *homeserver) handleSendToDevice(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()
	user, ok := h.user(w, r)
	if !ok {
		return
	}
	var body struct {
		Messages map[domain.UserID]map[domain.DeviceID]json.RawMessage `json:"messages"`
	}
	h.decode(r, &body)
	for to, devices := range body.Messages {
		for _, content := range devices {
			h.toDevice[to] = append(h.toDevice[to], domain.Event{
				Type:    domain.EventType(chi.URLParam(r, "type")),
				Sender:  user,
				Content: content,
			})
		}
	}
	h.reply(w, struct{}{})
}

func (h *homeserver) handleUpload(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()
	user, ok := h.user(w, r)
	if !ok {
		return
	}
	var body struct {
		DeviceKeys  json.RawMessage            `json:"device_keys"`
		OneTimeKeys map[string]json.RawMessage `json:"one_time_keys"`
	}
	h.decode(r, &body)
	var dev struct {
		DeviceID domain.DeviceID `json:"device_id"`
	}
	require.NoError(h.t, json.Unmarshal(body.DeviceKeys, &dev))

	if h.devices[user] == nil {
		h.devices[user] = map[domain.DeviceID]json.RawMessage{}
		h.otks[user] = map[domain.DeviceID]map[string]json.RawMessage{}
	}
	h.devices[user][dev.DeviceID] = body.DeviceKeys
	if h.otks[user][dev.DeviceID] == nil {
		h.otks[user][dev.DeviceID] = map[string]json.RawMessage{}
	}
	for name, k := range body.OneTimeKeys {
		h.otks[user][dev.DeviceID][name] = k
	}
	h.reply(w, map[string]any{
		"one_time_key_counts": map[string]int{"signed_curve25519": len(h.otks[user][dev.DeviceID])},
	})
}

func (h *homeserver) handleQuery(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.user(w, r); !ok {
		return
	}
	var body struct {
		DeviceKeys map[domain.UserID][]domain.DeviceID `json:"device_keys"`
	}
	h.decode(r, &body)
	out := map[domain.UserID]map[domain.DeviceID]json.RawMessage{}
	for u := range body.DeviceKeys {
		if devices, ok := h.devices[u]; ok {
			out[u] = devices
		}
	}
	h.reply(w, map[string]any{"device_keys": out})
}

func (h *homeserver) handleClaim(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.user(w, r); !ok {
		return
	}
	var body struct {
		OneTimeKeys map[domain.UserID]map[domain.DeviceID]string `json:"one_time_keys"`
	}
	h.decode(r, &body)
	out := map[domain.UserID]map[domain.DeviceID]map[string]json.RawMessage{}
	for u, devices := range body.OneTimeKeys {
		for d := range devices {
			pool := h.otks[u][d]
			if len(pool) == 0 {
				continue
			}
			names := make([]string, 0, len(pool))
			for name := range pool {
				names = append(names, name)
			}
			sort.Strings(names)
			if out[u] == nil {
				out[u] = map[domain.DeviceID]map[string]json.RawMessage{}
			}
			out[u][d] = map[string]json.RawMessage{names[0]: pool[names[0]]}
			delete(pool, names[0])
		}
	}
	h.reply(w, map[string]any{"one_time_keys": out})
}

func (h *homeserver) handleMembership(m domain.Membership) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.mu.Lock()
		defer h.mu.Unlock()
		user, ok := h.user(w, r)
		if !ok {
			return
		}
		id := roomParam(r)
		room := h.rooms[id]
		if room == nil {
			w.WriteHeader(http.StatusNotFound)
			h.reply(w, map[string]string{"errcode": "M_NOT_FOUND", "error": "no such room"})
			return
		}
		room.members[user] = m
		h.appendLocked(id, memberEvent(user, user, m))
		h.reply(w, map[string]domain.RoomID{"room_id": id})
	}
}
