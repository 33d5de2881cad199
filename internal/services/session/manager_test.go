package session_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomcrypt/internal/domain"
	"roomcrypt/internal/engine"
	"roomcrypt/internal/services/session"
	"roomcrypt/internal/store"
)

const room = domain.RoomID("!room:example.org")

var (
	pickleKey  = bytes.Repeat([]byte{0x42}, 32)
	errCorrupt = errors.New("ratchet state corrupted")
)

// directory is an in-memory domain.RoomDirectory.
type directory struct {
	mu    sync.Mutex
	rooms map[domain.RoomID]domain.RoomState
}

func newDirectory(members ...domain.UserID) *directory {
	st := domain.RoomState{
		ID:         room,
		Membership: domain.MembershipJoined,
		Members:    map[domain.UserID]domain.Membership{},
		Encryption: &domain.EncryptionSettings{Algorithm: domain.AlgorithmMegolm},
	}
	for _, m := range members {
		st.Members[m] = domain.MembershipJoined
	}
	return &directory{rooms: map[domain.RoomID]domain.RoomState{room: st}}
}

func (d *directory) RoomState(id domain.RoomID) (domain.RoomState, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.rooms[id]
	return st.Clone(), ok
}

func (d *directory) update(fn func(*domain.RoomState)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := d.rooms[room]
	fn(&st)
	d.rooms[room] = st
}

// network delivers room keys straight into the recipients' managers.
type network struct {
	mu       sync.Mutex
	peers    map[domain.UserID]*peer
	sender   domain.UserID
	requests [][]domain.UserID
}

func (n *network) DistributeRoomKey(ctx context.Context, _ domain.RoomID, key domain.RoomKeyContent, to []domain.UserID) error {
	n.mu.Lock()
	n.requests = append(n.requests, to)
	from := n.peers[n.sender]
	n.mu.Unlock()

	for _, u := range to {
		p, ok := n.peers[u]
		if !ok || u == n.sender {
			continue
		}
		if err := p.mgr.ReceiveRoomKey(ctx, from.identity, key); err != nil {
			return fmt.Errorf("deliver to %s: %w", u, err)
		}
	}
	return nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type peer struct {
	mgr      *session.Manager
	store    *store.KeyStore
	identity domain.Curve25519Key
}

func newPeer(t *testing.T, eng domain.CryptoEngine, rooms domain.RoomDirectory, cfg session.Config, opts ...session.Option) *peer {
	t.Helper()
	ks := store.New(store.NewMemoryBackend())
	mgr, err := session.New(eng, ks, rooms, pickleKey, cfg, opts...)
	require.NoError(t, err)
	identity, _, err := mgr.CreateAccount()
	require.NoError(t, err)
	return &peer{mgr: mgr, store: ks, identity: identity}
}

var defaultConfig = session.Config{MaxGroupMessages: 100, MaxGroupAge: time.Hour}

// connect gives from an outbound session to to using one of to's published
// one-time keys.
func connect(t *testing.T, from, to *peer) {
	t.Helper()
	keys, err := to.mgr.OneTimeKeysToPublish(0)
	require.NoError(t, err)
	require.NotEmpty(t, keys)
	require.NoError(t, to.mgr.MarkOneTimeKeysPublished())
	_, err = from.mgr.CreateOutboundSession(context.Background(), to.identity, keys[0].Key)
	require.NoError(t, err)
}

func TestConfigValidation(t *testing.T) {
	_, err := session.New(engine.New(), store.New(store.NewMemoryBackend()), newDirectory(), pickleKey, session.Config{})
	assert.Error(t, err)
	_, err = session.New(engine.New(), store.New(store.NewMemoryBackend()), newDirectory(), pickleKey, session.Config{MaxGroupMessages: 1})
	assert.Error(t, err)
}

func TestAccountLifecycle(t *testing.T) {
	ks := store.New(store.NewMemoryBackend())
	mgr, err := session.New(engine.New(), ks, newDirectory(), pickleKey, defaultConfig)
	require.NoError(t, err)

	assert.ErrorIs(t, mgr.LoadAccount(), domain.ErrNotInitialized)
	_, _, err = mgr.IdentityKeys()
	assert.ErrorIs(t, err, domain.ErrNotInitialized)

	curve, ed, err := mgr.CreateAccount()
	require.NoError(t, err)
	_, _, err = mgr.CreateAccount()
	assert.ErrorIs(t, err, session.ErrAccountExists)

	reopened, err := session.New(engine.New(), ks, newDirectory(), pickleKey, defaultConfig)
	require.NoError(t, err)
	require.NoError(t, reopened.LoadAccount())
	gotCurve, gotEd, err := reopened.IdentityKeys()
	require.NoError(t, err)
	assert.Equal(t, curve, gotCurve)
	assert.Equal(t, ed, gotEd)
}

func TestOneTimeKeysTopUp(t *testing.T) {
	eng := engine.New()
	p := newPeer(t, eng, newDirectory(), defaultConfig)
	_, ed, err := p.mgr.IdentityKeys()
	require.NoError(t, err)

	keys, err := p.mgr.OneTimeKeysToPublish(0)
	require.NoError(t, err)
	assert.Len(t, keys, 50)
	for _, k := range keys {
		assert.NoError(t, eng.VerifySignature(ed, []byte(k.Key), k.Signature))
	}

	require.NoError(t, p.mgr.MarkOneTimeKeysPublished())
	keys, err = p.mgr.OneTimeKeysToPublish(50)
	require.NoError(t, err)
	assert.Empty(t, keys)

	keys, err = p.mgr.OneTimeKeysToPublish(45)
	require.NoError(t, err)
	assert.Len(t, keys, 5)
}

func TestDeviceExchange(t *testing.T) {
	ctx := context.Background()
	eng := engine.New()
	alice := newPeer(t, eng, newDirectory(), defaultConfig)
	bob := newPeer(t, eng, newDirectory(), defaultConfig)

	_, err := alice.mgr.EncryptForDevice(ctx, bob.identity, []byte("x"))
	require.ErrorIs(t, err, domain.ErrNoSessionAvailable)

	connect(t, alice, bob)

	first, err := alice.mgr.EncryptForDevice(ctx, bob.identity, []byte("hello bob"))
	require.NoError(t, err)
	assert.Equal(t, domain.MessageTypePreKey, first.Type)

	pt, err := bob.mgr.DecryptFromDevice(ctx, alice.identity, first)
	require.NoError(t, err)
	assert.Equal(t, "hello bob", string(pt))

	second, err := alice.mgr.EncryptForDevice(ctx, bob.identity, []byte("again"))
	require.NoError(t, err)
	assert.Equal(t, domain.MessageTypeNormal, second.Type)
	pt, err = bob.mgr.DecryptFromDevice(ctx, alice.identity, second)
	require.NoError(t, err)
	assert.Equal(t, "again", string(pt))

	reply, err := bob.mgr.EncryptForDevice(ctx, alice.identity, []byte("hi alice"))
	require.NoError(t, err)
	assert.Equal(t, domain.MessageTypeNormal, reply.Type)
	pt, err = alice.mgr.DecryptFromDevice(ctx, bob.identity, reply)
	require.NoError(t, err)
	assert.Equal(t, "hi alice", string(pt))

	sessions, err := bob.store.AllSessions(alice.identity)
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}

func TestDeviceReplayRejected(t *testing.T) {
	ctx := context.Background()
	eng := engine.New()
	alice := newPeer(t, eng, newDirectory(), defaultConfig)
	bob := newPeer(t, eng, newDirectory(), defaultConfig)
	connect(t, alice, bob)

	first, err := alice.mgr.EncryptForDevice(ctx, bob.identity, []byte("one"))
	require.NoError(t, err)
	_, err = bob.mgr.DecryptFromDevice(ctx, alice.identity, first)
	require.NoError(t, err)
	_, err = bob.mgr.DecryptFromDevice(ctx, alice.identity, first)
	assert.ErrorIs(t, err, domain.ErrReplayDetected)

	second, err := alice.mgr.EncryptForDevice(ctx, bob.identity, []byte("two"))
	require.NoError(t, err)
	_, err = bob.mgr.DecryptFromDevice(ctx, alice.identity, second)
	require.NoError(t, err)
	_, err = bob.mgr.DecryptFromDevice(ctx, alice.identity, second)
	assert.ErrorIs(t, err, domain.ErrReplayDetected)
}

func TestDeviceNoMatchingSession(t *testing.T) {
	ctx := context.Background()
	eng := engine.New()
	alice := newPeer(t, eng, newDirectory(), defaultConfig)
	bob := newPeer(t, eng, newDirectory(), defaultConfig)
	carol := newPeer(t, eng, newDirectory(), defaultConfig)
	connect(t, alice, bob)
	connect(t, carol, bob)

	first, err := alice.mgr.EncryptForDevice(ctx, bob.identity, []byte("one"))
	require.NoError(t, err)
	_, err = bob.mgr.DecryptFromDevice(ctx, alice.identity, first)
	require.NoError(t, err)
	normal, err := alice.mgr.EncryptForDevice(ctx, bob.identity, []byte("two"))
	require.NoError(t, err)

	// Claimed to come from carol, with whom bob has no session yet.
	_, err = bob.mgr.DecryptFromDevice(ctx, carol.identity, normal)
	assert.ErrorIs(t, err, domain.ErrNoMatchingSession)

	_, err = bob.mgr.DecryptFromDevice(ctx, alice.identity, domain.OlmCiphertext{Type: domain.MessageTypeNormal, Body: []byte("junk")})
	assert.ErrorIs(t, err, domain.ErrNoMatchingSession)
}

// faultyEngine wraps the real engine and fails unpickled objects on demand.
type faultyEngine struct {
	domain.CryptoEngine
	failSessions atomic.Bool
	failGroup    atomic.Bool
}

type brokenSession struct{ domain.Session }

func (brokenSession) Encrypt([]byte) (domain.MessageType, []byte, error) {
	return 0, nil, errCorrupt
}

func (e *faultyEngine) UnpickleSession(p, key []byte) (domain.Session, error) {
	s, err := e.CryptoEngine.UnpickleSession(p, key)
	if err != nil || !e.failSessions.Load() {
		return s, err
	}
	return brokenSession{s}, nil
}

func (e *faultyEngine) UnpickleOutboundGroupSession(p, key []byte) (domain.OutboundGroupSession, error) {
	if e.failGroup.Load() {
		return nil, errCorrupt
	}
	return e.CryptoEngine.UnpickleOutboundGroupSession(p, key)
}

func TestDeviceSessionPoisoned(t *testing.T) {
	ctx := context.Background()
	eng := &faultyEngine{CryptoEngine: engine.New()}
	alice := newPeer(t, eng, newDirectory(), defaultConfig)
	bob := newPeer(t, eng, newDirectory(), defaultConfig)
	connect(t, alice, bob)

	eng.failSessions.Store(true)
	_, err := alice.mgr.EncryptForDevice(ctx, bob.identity, []byte("x"))
	require.ErrorIs(t, err, domain.ErrCryptoEngineFailure)

	sessions, err := alice.store.AllSessions(bob.identity)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.True(t, sessions[0].Poisoned)

	eng.failSessions.Store(false)
	_, err = alice.mgr.EncryptForDevice(ctx, bob.identity, []byte("x"))
	assert.ErrorIs(t, err, domain.ErrNoSessionAvailable)

	connect(t, alice, bob)
	_, err = alice.mgr.EncryptForDevice(ctx, bob.identity, []byte("fresh"))
	assert.NoError(t, err)
}

// group wires alice, bob and carol into one room with alice sending.
func group(t *testing.T, cfg session.Config, eng domain.CryptoEngine, opts ...session.Option) (*directory, *network, map[string]*peer) {
	t.Helper()
	dir := newDirectory("@alice:x", "@bob:x", "@carol:x")
	net := &network{peers: map[domain.UserID]*peer{}, sender: "@alice:x"}
	peers := map[string]*peer{}
	for _, name := range []string{"alice", "bob", "carol", "dave"} {
		p := newPeer(t, eng, dir, cfg, append(opts, session.WithKeyDistributor(net))...)
		peers[name] = p
		net.peers[domain.UserID("@"+name+":x")] = p
	}
	return dir, net, peers
}

func TestGroupRotationAfterMessageLimit(t *testing.T) {
	ctx := context.Background()
	cfg := session.Config{MaxGroupMessages: 3, MaxGroupAge: time.Hour}
	_, _, peers := group(t, cfg, engine.New())
	alice, bob := peers["alice"], peers["bob"]

	var cts []domain.MegolmCiphertext
	for i := range 4 {
		ct, err := alice.mgr.EncryptForRoom(ctx, room, []byte(fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
		cts = append(cts, ct)
	}
	assert.Equal(t, cts[0].SessionID, cts[2].SessionID)
	assert.NotEqual(t, cts[2].SessionID, cts[3].SessionID)
	assert.EqualValues(t, 2, cts[2].MessageIndex)
	assert.EqualValues(t, 0, cts[3].MessageIndex)

	for i, ct := range cts {
		pt, err := bob.mgr.DecryptGroupMessage(ctx, room, ct.SessionID, ct.Body)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("m%d", i), string(pt))

		own, err := alice.mgr.DecryptGroupMessage(ctx, room, ct.SessionID, ct.Body)
		require.NoError(t, err)
		assert.Equal(t, pt, own)
	}
}

func TestGroupRotationWhenMemberLeaves(t *testing.T) {
	ctx := context.Background()
	dir, _, peers := group(t, defaultConfig, engine.New())
	alice, bob, carol := peers["alice"], peers["bob"], peers["carol"]

	before, err := alice.mgr.EncryptForRoom(ctx, room, []byte("before"))
	require.NoError(t, err)
	_, err = carol.mgr.DecryptGroupMessage(ctx, room, before.SessionID, before.Body)
	require.NoError(t, err)

	dir.update(func(st *domain.RoomState) { st.Members["@carol:x"] = domain.MembershipLeft })

	after, err := alice.mgr.EncryptForRoom(ctx, room, []byte("after"))
	require.NoError(t, err)
	assert.NotEqual(t, before.SessionID, after.SessionID)

	_, err = carol.mgr.DecryptGroupMessage(ctx, room, after.SessionID, after.Body)
	assert.ErrorIs(t, err, domain.ErrUnknownGroupSession)

	pt, err := bob.mgr.DecryptGroupMessage(ctx, room, after.SessionID, after.Body)
	require.NoError(t, err)
	assert.Equal(t, "after", string(pt))
}

func TestGroupNewMemberExtendsSession(t *testing.T) {
	ctx := context.Background()
	dir, net, peers := group(t, defaultConfig, engine.New())
	alice, dave := peers["alice"], peers["dave"]

	before, err := alice.mgr.EncryptForRoom(ctx, room, []byte("before"))
	require.NoError(t, err)

	dir.update(func(st *domain.RoomState) { st.Members["@dave:x"] = domain.MembershipJoined })

	after, err := alice.mgr.EncryptForRoom(ctx, room, []byte("after"))
	require.NoError(t, err)
	assert.Equal(t, before.SessionID, after.SessionID)

	net.mu.Lock()
	require.Len(t, net.requests, 2)
	assert.Equal(t, []domain.UserID{"@dave:x"}, net.requests[1])
	net.mu.Unlock()

	pt, err := dave.mgr.DecryptGroupMessage(ctx, room, after.SessionID, after.Body)
	require.NoError(t, err)
	assert.Equal(t, "after", string(pt))

	_, err = dave.mgr.DecryptGroupMessage(ctx, room, before.SessionID, before.Body)
	assert.ErrorIs(t, err, domain.ErrBadMessage)
}

func TestGroupRotationAfterMaxAge(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	_, _, peers := group(t, defaultConfig, engine.New(), session.WithClock(clk.Now))
	alice := peers["alice"]

	first, err := alice.mgr.EncryptForRoom(ctx, room, []byte("a"))
	require.NoError(t, err)
	clk.advance(59 * time.Minute)
	second, err := alice.mgr.EncryptForRoom(ctx, room, []byte("b"))
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, second.SessionID)

	clk.advance(time.Minute)
	third, err := alice.mgr.EncryptForRoom(ctx, room, []byte("c"))
	require.NoError(t, err)
	assert.NotEqual(t, first.SessionID, third.SessionID)
}

func TestGroupRoomHintTightensLimit(t *testing.T) {
	ctx := context.Background()
	dir, _, peers := group(t, defaultConfig, engine.New())
	dir.update(func(st *domain.RoomState) { st.Encryption.RotationMessages = 1 })
	alice := peers["alice"]

	first, err := alice.mgr.EncryptForRoom(ctx, room, []byte("a"))
	require.NoError(t, err)
	second, err := alice.mgr.EncryptForRoom(ctx, room, []byte("b"))
	require.NoError(t, err)
	assert.NotEqual(t, first.SessionID, second.SessionID)
}

func TestGroupPoisonedSessionReplaced(t *testing.T) {
	ctx := context.Background()
	eng := &faultyEngine{CryptoEngine: engine.New()}
	_, _, peers := group(t, defaultConfig, eng)
	alice, bob := peers["alice"], peers["bob"]

	first, err := alice.mgr.EncryptForRoom(ctx, room, []byte("a"))
	require.NoError(t, err)

	eng.failGroup.Store(true)
	_, err = alice.mgr.EncryptForRoom(ctx, room, []byte("b"))
	require.ErrorIs(t, err, domain.ErrCryptoEngineFailure)
	rec, ok, err := alice.store.FindOutboundGroupSession(room)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, rec.Poisoned)

	eng.failGroup.Store(false)
	next, err := alice.mgr.EncryptForRoom(ctx, room, []byte("c"))
	require.NoError(t, err)
	assert.NotEqual(t, first.SessionID, next.SessionID)

	pt, err := bob.mgr.DecryptGroupMessage(ctx, room, next.SessionID, next.Body)
	require.NoError(t, err)
	assert.Equal(t, "c", string(pt))
}

func TestRoomKeyMismatch(t *testing.T) {
	ctx := context.Background()
	eng := engine.New()
	p := newPeer(t, eng, newDirectory(), defaultConfig)

	out, err := eng.NewOutboundGroupSession()
	require.NoError(t, err)

	err = p.mgr.ReceiveRoomKey(ctx, "sender", domain.RoomKeyContent{
		Algorithm:  domain.AlgorithmMegolm,
		RoomID:     room,
		SessionID:  "someone-else",
		SessionKey: out.SessionKey(),
	})
	assert.ErrorIs(t, err, domain.ErrRoomKeyMismatch)

	err = p.mgr.ReceiveRoomKey(ctx, "sender", domain.RoomKeyContent{
		Algorithm:  "m.unknown",
		RoomID:     room,
		SessionID:  out.ID(),
		SessionKey: out.SessionKey(),
	})
	assert.ErrorIs(t, err, domain.ErrRoomKeyMismatch)
}

func TestForwardedRoomKey(t *testing.T) {
	ctx := context.Background()
	_, _, peers := group(t, defaultConfig, engine.New())
	alice, bob, dave := peers["alice"], peers["bob"], peers["dave"]

	ct, err := alice.mgr.EncryptForRoom(ctx, room, []byte("history"))
	require.NoError(t, err)

	fwd, err := bob.mgr.ExportRoomKey(ctx, room, ct.SessionID, 0)
	require.NoError(t, err)
	assert.Equal(t, alice.identity, fwd.SenderKey)

	require.NoError(t, dave.mgr.ReceiveForwardedRoomKey(ctx, bob.identity, fwd))
	pt, err := dave.mgr.DecryptGroupMessage(ctx, room, ct.SessionID, ct.Body)
	require.NoError(t, err)
	assert.Equal(t, "history", string(pt))

	recs, err := dave.store.InboundGroupSessions(room)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Forwarded)
	assert.Equal(t, []domain.Curve25519Key{bob.identity}, recs[0].ForwardingChain)
}

func TestForwardedKeyForAnotherRoomKeepsOriginal(t *testing.T) {
	ctx := context.Background()
	_, _, peers := group(t, defaultConfig, engine.New())
	alice, bob, carol := peers["alice"], peers["bob"], peers["carol"]

	ct, err := alice.mgr.EncryptForRoom(ctx, room, []byte("still mine"))
	require.NoError(t, err)

	fwd, err := carol.mgr.ExportRoomKey(ctx, room, ct.SessionID, 0)
	require.NoError(t, err)
	fwd.RoomID = "!other:x"
	require.NoError(t, bob.mgr.ReceiveForwardedRoomKey(ctx, carol.identity, fwd))

	pt, err := bob.mgr.DecryptGroupMessage(ctx, room, ct.SessionID, ct.Body)
	require.NoError(t, err)
	assert.Equal(t, "still mine", string(pt))

	recs, err := bob.store.InboundGroupSessions(room)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.False(t, recs[0].Forwarded)
	assert.Equal(t, alice.identity, recs[0].SenderKey)
}
