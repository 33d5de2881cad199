package dispatch

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/sirupsen/logrus"

	"roomcrypt/internal/codec"
	"roomcrypt/internal/domain"
)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger replaces the default component logger.
func WithLogger(l *logrus.Entry) Option {
	return func(d *Dispatcher) { d.log = l }
}

// Dispatcher implements domain.EventApplier and domain.RoomDirectory.
type Dispatcher struct {
	self domain.UserID
	log  *logrus.Entry

	mu    sync.RWMutex
	rooms map[domain.RoomID]*room

	lmu       sync.Mutex
	listeners map[Category][]registration
	next      Handle
}

// New returns a Dispatcher tracking membership for the local user self.
func New(self domain.UserID, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		self:      self,
		log:       logrus.WithField("component", "dispatch"),
		rooms:     make(map[domain.RoomID]*room),
		listeners: make(map[Category][]registration),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register adds fn for category and returns its handle.
func (d *Dispatcher) Register(category Category, fn Listener) Handle {
	d.lmu.Lock()
	defer d.lmu.Unlock()
	d.next++
	d.listeners[category] = append(d.listeners[category], registration{
		handle:   d.next,
		category: category,
		fn:       fn,
	})
	return d.next
}

// Unregister removes a registration. It reports whether h was registered.
func (d *Dispatcher) Unregister(h Handle) bool {
	d.lmu.Lock()
	defer d.lmu.Unlock()
	for cat, regs := range d.listeners {
		for i, reg := range regs {
			if reg.handle == h {
				d.listeners[cat] = slices.Delete(slices.Clone(regs), i, i+1)
				return true
			}
		}
	}
	return false
}

// RoomState returns a copy of the room's state.
func (d *Dispatcher) RoomState(id domain.RoomID) (domain.RoomState, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.rooms[id]
	if !ok {
		return domain.RoomState{}, false
	}
	return r.state.Clone(), true
}

// Rooms returns the ids of every known room, sorted.
func (d *Dispatcher) Rooms() []domain.RoomID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Sorted(maps.Keys(d.rooms))
}

// Snapshot encodes every room's state deterministically.
func (d *Dispatcher) Snapshot() ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	states := make(map[domain.RoomID]domain.RoomState, len(d.rooms))
	for id, r := range d.rooms {
		states[id] = r.state
	}
	return codec.Marshal(states)
}

// ApplyRoom applies one room's slice of a sync batch: state, then timeline
// in server order, then the server's view of our membership, then
// ephemeral events. The section membership only fires when our own member
// events left the room in a different state.
func (d *Dispatcher) ApplyRoom(ctx context.Context, batch domain.RoomBatch) {
	for _, ev := range batch.State {
		d.applyState(ctx, batch.RoomID, ev)
	}

	for _, ev := range batch.Timeline {
		if ev.IsState() {
			d.applyState(ctx, batch.RoomID, ev)
			continue
		}
		cat := MessageReceived
		switch {
		case ev.Undecryptable():
			cat = UndecryptableMessage
		case ev.Type == domain.EventRoomRedaction:
			cat = Redaction
		}
		d.emitRoomEvent(ctx, batch.RoomID, cat, ev)
	}

	if batch.Membership != domain.MembershipUnknown {
		d.emitAll(ctx, d.update(batch.RoomID, func(r *room) []Notification {
			return r.setOwnMembership(domain.Event{RoomID: batch.RoomID}, batch.Membership)
		}))
	}

	for _, ev := range batch.Ephemeral {
		if ev.Type != domain.EventReceipt {
			d.log.WithFields(logrus.Fields{
				"function": "ApplyRoom",
				"room_id":  batch.RoomID,
				"type":     ev.Type,
			}).Debug("Ignoring ephemeral event")
			continue
		}
		d.emitRoomEvent(ctx, batch.RoomID, Receipt, ev)
	}
}

// ApplyToDevice dispatches to-device events, which carry no room state.
func (d *Dispatcher) ApplyToDevice(ctx context.Context, events []domain.Event) {
	for _, ev := range events {
		cat := ToDevice
		switch ev.Type {
		case domain.EventRoomKey, domain.EventForwardedRoomKey:
			cat = RoomKeyReceived
		case domain.EventRoomKeyRequest:
			cat = RoomKeyRequest
		}
		d.emit(ctx, Notification{Category: cat, Event: ev})
	}
}

// Transition performs an application-driven membership change for the
// local user: accepting an invite or leaving a joined room.
func (d *Dispatcher) Transition(ctx context.Context, id domain.RoomID, to domain.Membership) error {
	if err := d.CheckTransition(id, to); err != nil {
		return err
	}
	var err error
	notes := d.update(id, func(r *room) []Notification {
		if err = checkTransition(id, r.state.Membership, to); err != nil {
			return nil
		}
		return r.setOwnMembership(domain.Event{RoomID: id, Sender: d.self}, to)
	})
	if err != nil {
		return err
	}
	d.emitAll(ctx, notes)
	return nil
}

// CheckTransition reports whether Transition(id, to) would be accepted now.
func (d *Dispatcher) CheckTransition(id domain.RoomID, to domain.Membership) error {
	st, ok := d.RoomState(id)
	if !ok {
		return fmt.Errorf("%w: unknown room %s", domain.ErrInvalidTransition, id)
	}
	return checkTransition(id, st.Membership, to)
}

// checkTransition allows accepting an invitation and leaving a joined room.
func checkTransition(id domain.RoomID, from, to domain.Membership) error {
	if from == domain.MembershipInvited && to == domain.MembershipJoined {
		return nil
	}
	if from == domain.MembershipJoined && to == domain.MembershipLeft {
		return nil
	}
	return fmt.Errorf("%w: %s %q -> %q", domain.ErrInvalidTransition, id, from, to)
}

func (d *Dispatcher) applyState(ctx context.Context, id domain.RoomID, ev domain.Event) {
	d.emitAll(ctx, d.update(id, func(r *room) []Notification {
		notes, err := r.apply(ev)
		if err != nil {
			d.log.WithFields(logrus.Fields{
				"function": "applyState",
				"room_id":  id,
				"event_id": ev.ID,
				"type":     ev.Type,
				"error":    err.Error(),
			}).Warn("Malformed state event ignored")
		}
		return notes
	}))
}

// update runs fn on the room under the write lock, creating the room on
// first sight, and stamps the resulting notifications with a copy of the
// updated state.
func (d *Dispatcher) update(id domain.RoomID, fn func(*room) []Notification) []Notification {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.rooms[id]
	if !ok {
		r = newRoom(id, d.self)
		d.rooms[id] = r
	}
	notes := fn(r)
	for i := range notes {
		notes[i].Room = r.state.Clone()
	}
	return notes
}

func (d *Dispatcher) emitRoomEvent(ctx context.Context, id domain.RoomID, cat Category, ev domain.Event) {
	st, _ := d.RoomState(id)
	if ev.RoomID == "" {
		ev.RoomID = id
	}
	d.emit(ctx, Notification{Category: cat, Event: ev, Room: st})
}

func (d *Dispatcher) emitAll(ctx context.Context, notes []Notification) {
	for _, n := range notes {
		d.emit(ctx, n)
	}
}

// emit calls every listener of n.Category in registration order. Each
// listener gets its own copy of the room.
func (d *Dispatcher) emit(ctx context.Context, n Notification) {
	d.lmu.Lock()
	regs := d.listeners[n.Category]
	d.lmu.Unlock()

	for _, reg := range regs {
		own := n
		own.Room = n.Room.Clone()
		res, err := d.call(ctx, reg, own)
		if err != nil {
			d.log.WithFields(logrus.Fields{
				"function": "emit",
				"category": n.Category,
				"event_id": n.Event.ID,
				"room_id":  n.Event.RoomID,
				"error":    err.Error(),
			}).Warn("Listener failed")
		}
		if res == Unregister {
			d.Unregister(reg.handle)
		}
	}
}

func (d *Dispatcher) call(ctx context.Context, reg registration, n Notification) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = Continue, fmt.Errorf("listener %d panicked: %v", reg.handle, r)
		}
	}()
	return reg.fn(ctx, n)
}

var (
	_ domain.EventApplier  = (*Dispatcher)(nil)
	_ domain.RoomDirectory = (*Dispatcher)(nil)
)
