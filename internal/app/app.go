package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"roomcrypt/internal/dispatch"
	"roomcrypt/internal/domain"
	identitysvc "roomcrypt/internal/services/identity"
	keysvc "roomcrypt/internal/services/keys"
	messagesvc "roomcrypt/internal/services/message"
	sessionsvc "roomcrypt/internal/services/session"
	"roomcrypt/internal/store"
	"roomcrypt/internal/syncer"
)

// Client is one logged-in device. Application calls and the background
// sync loop may run concurrently; they serialize on the session manager's
// per-device and per-room locks and on the dispatcher's state lock.
type Client struct {
	cfg       Config
	log       *logrus.Entry
	backend   store.Backend
	transport domain.Transport
	rooms     *dispatch.Dispatcher
	sessions  *sessionsvc.Manager
	identity  *identitysvc.Service
	keys      *keysvc.Service
	messages  *messagesvc.Service
	syncer    *syncer.Engine
}

// CreateAccount creates the device account and returns its fingerprint.
func (c *Client) CreateAccount() (domain.Fingerprint, error) {
	return c.identity.CreateAccount()
}

// Fingerprint returns the fingerprint of the device's identity key.
func (c *Client) Fingerprint() (domain.Fingerprint, error) {
	return c.identity.Fingerprint()
}

// Device returns the device as published to the key server.
func (c *Client) Device() (domain.DeviceInfo, error) {
	return c.keys.Device()
}

// PublishKeys uploads fresh one-time keys and returns the server's count.
func (c *Client) PublishKeys(ctx context.Context) (int, error) {
	return c.keys.Publish(ctx)
}

// Sync performs one sync request and applies it.
func (c *Client) Sync(ctx context.Context) (domain.Cursor, error) {
	return c.syncer.Sync(ctx)
}

// Start runs the sync loop in the background.
func (c *Client) Start(ctx context.Context) error {
	return c.syncer.Start(ctx)
}

// Stop ends the sync loop, finishing a batch already being applied.
func (c *Client) Stop() {
	c.syncer.Stop()
}

// Cursor returns the position of the last applied sync batch.
func (c *Client) Cursor() domain.Cursor {
	return c.syncer.Cursor()
}

// SendToRoom sends a text message, encrypted if the room requires it.
func (c *Client) SendToRoom(ctx context.Context, room domain.RoomID, text string) (domain.EventID, error) {
	return c.messages.SendToRoom(ctx, room, text)
}

// SendToDevice sends an encrypted text message to one device.
func (c *Client) SendToDevice(ctx context.Context, user domain.UserID, device domain.DeviceID, text string) error {
	return c.messages.SendToDevice(ctx, user, device, text)
}

// RequestRoomKey asks the room's other devices for a group session this
// device cannot decrypt with. It returns how many devices were asked.
// Answers arrive on a later sync as RoomKeyReceived notifications.
func (c *Client) RequestRoomKey(
	ctx context.Context,
	room domain.RoomID,
	sessionID domain.SessionID,
	senderKey domain.Curve25519Key,
) (int, error) {
	return c.messages.RequestRoomKey(ctx, room, sessionID, senderKey)
}

// answerRoomKeyRequest forwards keys asked for over olm. Requests sent in
// the clear carry no verified device key and are dropped.
func (c *Client) answerRoomKeyRequest(ctx context.Context, n dispatch.Notification) (dispatch.Result, error) {
	dec := n.Event.Decryption
	if dec == nil || dec.Err != nil {
		return dispatch.Continue, nil
	}
	var req domain.RoomKeyRequestContent
	if err := n.Event.ParseContent(&req); err != nil {
		return dispatch.Continue, err
	}
	return dispatch.Continue, c.messages.AnswerRoomKeyRequest(ctx, n.Event.Sender, dec.SenderKey, req)
}

// OnEvent registers a listener for one category of notification.
func (c *Client) OnEvent(category dispatch.Category, l dispatch.Listener) dispatch.Handle {
	return c.rooms.Register(category, l)
}

// Unregister removes a listener. It reports whether the handle was known.
func (c *Client) Unregister(h dispatch.Handle) bool {
	return c.rooms.Unregister(h)
}

// Room returns a copy of a room's state.
func (c *Client) Room(id domain.RoomID) (domain.RoomState, bool) {
	return c.rooms.RoomState(id)
}

// Rooms returns the ids of every known room.
func (c *Client) Rooms() []domain.RoomID {
	return c.rooms.Rooms()
}

// AcceptInvitation joins a room the device was invited to.
func (c *Client) AcceptInvitation(ctx context.Context, room domain.RoomID) error {
	return c.transition(ctx, room, domain.MembershipJoined, c.transport.JoinRoom)
}

// LeaveRoom leaves a joined room.
func (c *Client) LeaveRoom(ctx context.Context, room domain.RoomID) error {
	return c.transition(ctx, room, domain.MembershipLeft, c.transport.LeaveRoom)
}

// transition validates locally, asks the server, then records the change.
func (c *Client) transition(
	ctx context.Context,
	room domain.RoomID,
	to domain.Membership,
	remote func(context.Context, domain.RoomID) error,
) error {
	if err := c.rooms.CheckTransition(room, to); err != nil {
		return err
	}
	if err := remote(ctx, room); err != nil {
		return err
	}
	if err := c.rooms.Transition(ctx, room, to); err != nil {
		// The server already agreed; the next sync reconciles local state.
		c.log.WithFields(logrus.Fields{
			"function": "transition",
			"room_id":  room,
			"to":       to,
			"error":    err.Error(),
		}).Warn("Local membership not updated")
	}
	return nil
}

// Close stops the sync loop and releases the store.
func (c *Client) Close() error {
	c.syncer.Stop()
	c.sessions.Close()
	if err := c.backend.Close(); err != nil {
		return fmt.Errorf("app: close store: %w", err)
	}
	return nil
}

// IsNotInitialized reports whether err means no account exists yet.
func IsNotInitialized(err error) bool {
	return errors.Is(err, domain.ErrNotInitialized)
}
