package app_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomcrypt/internal/app"
	"roomcrypt/internal/dispatch"
	"roomcrypt/internal/domain"
	"roomcrypt/internal/store"
)

const passphrase = "correct horse battery staple"

var fastKDF = &store.KDFParams{N: 1 << 10, R: 8, P: 1}

func testConfig(homeserver, token string, user domain.UserID, device domain.DeviceID) app.Config {
	return app.Config{
		Homeserver:  homeserver,
		UserID:      user,
		DeviceID:    device,
		AccessToken: token,
		Store:       app.StoreConfig{Backend: app.BackendMemory},
		Rotation:    app.RotationConfig{MaxMessages: 100, MaxAge: time.Hour},
		Sync: app.SyncConfig{
			LongPoll:       time.Second,
			NetworkTimeout: 5 * time.Second,
			Backoff:        app.BackoffConfig{Initial: 10 * time.Millisecond, Max: 100 * time.Millisecond, Multiplier: 2},
		},
		Log: app.LogConfig{Level: "error"},
	}
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

// inbox collects decrypted room messages seen by one client.
type inbox struct {
	mu     sync.Mutex
	bodies []string
	ids    []domain.SessionID
}

func (b *inbox) listen(c *app.Client) {
	c.OnEvent(dispatch.MessageReceived, func(_ context.Context, n dispatch.Notification) (dispatch.Result, error) {
		var msg domain.MessageContent
		if err := n.Event.ParseContent(&msg); err != nil {
			return dispatch.Continue, err
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		b.bodies = append(b.bodies, msg.Body)
		if n.Event.Decryption != nil {
			b.ids = append(b.ids, n.Event.Decryption.SessionID)
		}
		return dispatch.Continue, nil
	})
}

func (b *inbox) snapshot() ([]string, []domain.SessionID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.bodies...), append([]domain.SessionID(nil), b.ids...)
}

func newClient(t *testing.T, hs *homeserver, url string, user domain.UserID, device domain.DeviceID) *app.Client {
	t.Helper()
	cfg := testConfig(url, hs.register(user), user, device)
	c, err := app.New(cfg, passphrase, app.Deps{KDF: fastKDF, Logger: quietLogger()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	_, err = c.CreateAccount()
	require.NoError(t, err)
	_, err = c.PublishKeys(context.Background())
	require.NoError(t, err)
	return c
}

func TestEncryptedConversation(t *testing.T) {
	ctx := context.Background()
	hs, srv := newHomeserver(t)
	const (
		aliceID = domain.UserID("@alice:example.org")
		bobID   = domain.UserID("@bob:example.org")
		room    = domain.RoomID("!chat:example.org")
	)
	alice := newClient(t, hs, srv.URL, aliceID, "ALICEDEV")
	bob := newClient(t, hs, srv.URL, bobID, "BOBDEV")

	var aliceInbox, bobInbox inbox
	aliceInbox.listen(alice)
	bobInbox.listen(bob)

	hs.createRoom(room, aliceID, bobID)
	_, err := alice.Sync(ctx)
	require.NoError(t, err)
	_, err = bob.Sync(ctx)
	require.NoError(t, err)

	state, ok := bob.Room(room)
	require.True(t, ok)
	assert.Equal(t, domain.MembershipInvited, state.Membership)
	assert.True(t, state.Encrypted())

	require.NoError(t, bob.AcceptInvitation(ctx, room))
	state, _ = bob.Room(room)
	assert.Equal(t, domain.MembershipJoined, state.Membership)

	_, err = alice.Sync(ctx)
	require.NoError(t, err)
	_, err = alice.SendToRoom(ctx, room, "hello bob")
	require.NoError(t, err)

	// The server only ever sees ciphertext.
	sent := hs.roomEvents(room, domain.EventRoomEncrypted)
	require.Len(t, sent, 1)
	assert.NotContains(t, string(sent[0].Content), "hello bob")

	_, err = bob.Sync(ctx)
	require.NoError(t, err)
	bodies, _ := bobInbox.snapshot()
	assert.Equal(t, []string{"hello bob"}, bodies)

	_, err = bob.SendToRoom(ctx, room, "hi alice")
	require.NoError(t, err)
	_, err = alice.Sync(ctx)
	require.NoError(t, err)
	bodies, _ = aliceInbox.snapshot()
	assert.Equal(t, []string{"hi alice"}, bodies)

	// Alice's second message reuses her session.
	_, err = alice.SendToRoom(ctx, room, "still here?")
	require.NoError(t, err)
	_, err = bob.Sync(ctx)
	require.NoError(t, err)
	bodies, ids := bobInbox.snapshot()
	assert.Equal(t, []string{"hello bob", "still here?"}, bodies)
	require.Len(t, ids, 2)
	assert.Equal(t, ids[0], ids[1])
}

func TestLeaveRotatesRoomSession(t *testing.T) {
	ctx := context.Background()
	hs, srv := newHomeserver(t)
	const (
		aliceID = domain.UserID("@alice:example.org")
		bobID   = domain.UserID("@bob:example.org")
		carolID = domain.UserID("@carol:example.org")
		room    = domain.RoomID("!team:example.org")
	)
	alice := newClient(t, hs, srv.URL, aliceID, "ALICEDEV")
	bob := newClient(t, hs, srv.URL, bobID, "BOBDEV")
	carol := newClient(t, hs, srv.URL, carolID, "CAROLDEV")

	var carolInbox inbox
	carolInbox.listen(carol)

	hs.createRoom(room, aliceID, bobID, carolID)
	for _, c := range []*app.Client{alice, bob, carol} {
		_, err := c.Sync(ctx)
		require.NoError(t, err)
	}
	require.NoError(t, bob.AcceptInvitation(ctx, room))
	require.NoError(t, carol.AcceptInvitation(ctx, room))

	_, err := alice.Sync(ctx)
	require.NoError(t, err)
	_, err = alice.SendToRoom(ctx, room, "before")
	require.NoError(t, err)

	require.NoError(t, bob.LeaveRoom(ctx, room))
	state, _ := bob.Room(room)
	assert.Equal(t, domain.MembershipLeft, state.Membership)
	assert.ErrorIs(t, bob.LeaveRoom(ctx, room), domain.ErrInvalidTransition)

	_, err = alice.Sync(ctx)
	require.NoError(t, err)
	_, err = alice.SendToRoom(ctx, room, "after")
	require.NoError(t, err)

	_, err = carol.Sync(ctx)
	require.NoError(t, err)
	bodies, ids := carolInbox.snapshot()
	assert.Equal(t, []string{"before", "after"}, bodies)
	require.Len(t, ids, 2)
	assert.NotEqual(t, ids[0], ids[1])
}

func TestSendToDevice(t *testing.T) {
	ctx := context.Background()
	hs, srv := newHomeserver(t)
	alice := newClient(t, hs, srv.URL, "@alice:example.org", "ALICEDEV")
	bob := newClient(t, hs, srv.URL, "@bob:example.org", "BOBDEV")

	got := make(chan string, 1)
	bob.OnEvent(dispatch.ToDevice, func(_ context.Context, n dispatch.Notification) (dispatch.Result, error) {
		var msg domain.MessageContent
		if err := n.Event.ParseContent(&msg); err != nil {
			return dispatch.Continue, err
		}
		got <- msg.Body
		return dispatch.Unregister, nil
	})

	require.NoError(t, alice.SendToDevice(ctx, "@bob:example.org", "BOBDEV", "psst"))
	_, err := bob.Sync(ctx)
	require.NoError(t, err)

	select {
	case body := <-got:
		assert.Equal(t, "psst", body)
	default:
		t.Fatal("to-device message not delivered")
	}
}

func TestRoomKeyRequestRoundTrip(t *testing.T) {
	ctx := context.Background()
	hs, srv := newHomeserver(t)
	const (
		aliceID = domain.UserID("@alice:example.org")
		bobID   = domain.UserID("@bob:example.org")
		room    = domain.RoomID("!late:example.org")
	)
	alice := newClient(t, hs, srv.URL, aliceID, "ALICEDEV")

	// Bob has no published keys yet, so alice's room key cannot reach him.
	bob, err := app.New(testConfig(srv.URL, hs.register(bobID), bobID, "BOBDEV"), passphrase,
		app.Deps{KDF: fastKDF, Logger: quietLogger()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = bob.Close() })
	_, err = bob.CreateAccount()
	require.NoError(t, err)

	var bobInbox inbox
	bobInbox.listen(bob)
	missing := make(chan domain.MegolmEncryptedContent, 1)
	bob.OnEvent(dispatch.UndecryptableMessage, func(_ context.Context, n dispatch.Notification) (dispatch.Result, error) {
		if !errors.Is(n.Event.Decryption.Err, domain.ErrUnknownGroupSession) {
			return dispatch.Continue, nil
		}
		var c domain.MegolmEncryptedContent
		if err := n.Event.ParseContent(&c); err != nil {
			return dispatch.Continue, err
		}
		missing <- c
		return dispatch.Unregister, nil
	})
	forwarded := make(chan domain.ForwardedRoomKeyContent, 1)
	bob.OnEvent(dispatch.RoomKeyReceived, func(_ context.Context, n dispatch.Notification) (dispatch.Result, error) {
		if n.Event.Type != domain.EventForwardedRoomKey {
			return dispatch.Continue, nil
		}
		var c domain.ForwardedRoomKeyContent
		if err := n.Event.ParseContent(&c); err != nil {
			return dispatch.Continue, err
		}
		forwarded <- c
		return dispatch.Unregister, nil
	})

	hs.createRoom(room, aliceID, bobID)
	_, err = alice.Sync(ctx)
	require.NoError(t, err)
	_, err = bob.Sync(ctx)
	require.NoError(t, err)
	require.NoError(t, bob.AcceptInvitation(ctx, room))
	_, err = alice.Sync(ctx)
	require.NoError(t, err)

	_, err = alice.SendToRoom(ctx, room, "before your keys")
	require.NoError(t, err)
	_, err = bob.PublishKeys(ctx)
	require.NoError(t, err)
	_, err = bob.Sync(ctx)
	require.NoError(t, err)

	var want domain.MegolmEncryptedContent
	select {
	case want = <-missing:
	default:
		t.Fatal("message was not reported undecryptable")
	}

	n, err := bob.RequestRoomKey(ctx, room, want.SessionID, want.SenderKey)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Alice answers while applying her next batch.
	_, err = alice.Sync(ctx)
	require.NoError(t, err)
	_, err = bob.Sync(ctx)
	require.NoError(t, err)
	select {
	case got := <-forwarded:
		assert.Equal(t, want.SessionID, got.SessionID)
		assert.Equal(t, room, got.RoomID)
		assert.Equal(t, want.SenderKey, got.SenderKey)
	default:
		t.Fatal("forwarded room key not delivered")
	}

	// Alice considers bob served and keeps her session; the forwarded key
	// now opens her next message.
	_, err = alice.SendToRoom(ctx, room, "after your keys")
	require.NoError(t, err)
	_, err = bob.Sync(ctx)
	require.NoError(t, err)
	bodies, ids := bobInbox.snapshot()
	assert.Equal(t, []string{"after your keys"}, bodies)
	assert.Equal(t, []domain.SessionID{want.SessionID}, ids)
}

func TestAcceptInvitationRequiresInvite(t *testing.T) {
	hs, srv := newHomeserver(t)
	alice := newClient(t, hs, srv.URL, "@alice:example.org", "ALICEDEV")

	err := alice.AcceptInvitation(context.Background(), "!nowhere:example.org")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.Empty(t, alice.Rooms())
}

func TestBackgroundSync(t *testing.T) {
	hs, srv := newHomeserver(t)
	alice := newClient(t, hs, srv.URL, "@alice:example.org", "ALICEDEV")

	joined := make(chan domain.RoomID, 1)
	alice.OnEvent(dispatch.RoomJoined, func(_ context.Context, n dispatch.Notification) (dispatch.Result, error) {
		joined <- n.Room.ID
		return dispatch.Unregister, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, alice.Start(ctx))
	hs.createRoom("!bg:example.org", "@alice:example.org")

	select {
	case id := <-joined:
		assert.Equal(t, domain.RoomID("!bg:example.org"), id)
	case <-time.After(5 * time.Second):
		t.Fatal("room never synced")
	}
	alice.Stop()
	assert.NotEmpty(t, alice.Cursor())
}

func TestReopenFileStore(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1", "token", "@alice:example.org", "ALICEDEV")
	cfg.Home = t.TempDir()
	cfg.Store.Backend = app.BackendFile
	deps := app.Deps{KDF: fastKDF, Logger: quietLogger()}

	c, err := app.New(cfg, passphrase, deps)
	require.NoError(t, err)
	_, err = c.Fingerprint()
	assert.True(t, app.IsNotInitialized(err))
	fp, err := c.CreateAccount()
	require.NoError(t, err)
	require.NoError(t, c.Close())

	_, err = app.New(cfg, "not the passphrase at all", deps)
	assert.ErrorIs(t, err, store.ErrWrongPassphrase)

	c, err = app.New(cfg, passphrase, deps)
	require.NoError(t, err)
	defer c.Close()
	again, err := c.Fingerprint()
	require.NoError(t, err)
	assert.Equal(t, fp, again)
}
