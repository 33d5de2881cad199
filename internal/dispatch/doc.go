// Package dispatch applies decrypted sync output to local room state and
// hands events to registered listeners.
//
// The Dispatcher owns every RoomState. State events are applied
// idempotently: an event already applied for the same (room, type, state
// key, version) changes nothing and reaches no listener, so a batch the
// server redelivers after a failed sync is harmless. Message events are
// delivered once per application.
//
// The local user's membership in each room follows the state machine
//
//	Unknown -> Invited -> Joined -> Left | Banned
//
// Transition allows only the application-driven moves Invited -> Joined and
// Joined -> Left. Membership events from the server are authoritative and
// are applied as received.
package dispatch
