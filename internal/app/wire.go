package app

import (
	"errors"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"roomcrypt/internal/dispatch"
	"roomcrypt/internal/domain"
	"roomcrypt/internal/engine"
	"roomcrypt/internal/logging"
	"roomcrypt/internal/relay"
	identitysvc "roomcrypt/internal/services/identity"
	keysvc "roomcrypt/internal/services/keys"
	messagesvc "roomcrypt/internal/services/message"
	sessionsvc "roomcrypt/internal/services/session"
	"roomcrypt/internal/store"
	"roomcrypt/internal/syncer"
)

// Deps overrides parts of the dependency graph. Zero fields are built from
// Config.
type Deps struct {
	Transport domain.Transport
	Backend   store.Backend
	Engine    domain.CryptoEngine
	Logger    *logrus.Logger
	// KDF overrides store.DefaultKDFParams.
	KDF   *store.KDFParams
	Clock func() time.Time
}

func (c Config) sessionConfig() sessionsvc.Config {
	return sessionsvc.Config{MaxGroupMessages: c.Rotation.MaxMessages, MaxGroupAge: c.Rotation.MaxAge}
}

func (c Config) syncConfig() syncer.Config {
	return syncer.Config{
		LongPoll:       c.Sync.LongPoll,
		NetworkTimeout: c.Sync.NetworkTimeout,
		Backoff: syncer.Backoff{
			Initial:    c.Sync.Backoff.Initial,
			Max:        c.Sync.Backoff.Max,
			Multiplier: c.Sync.Backoff.Multiplier,
		},
	}
}

// New constructs the client from cfg. The passphrase unlocks the store's
// pickle key; on a fresh store it becomes the passphrase protecting it. An
// existing account is loaded; otherwise CreateAccount must be called.
func New(cfg Config, passphrase string, deps Deps) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := deps.Logger
	if logger == nil {
		var err error
		if logger, err = logging.New(cfg.Log.Level, cfg.Log.Format); err != nil {
			return nil, err
		}
	}

	backend := deps.Backend
	if backend == nil {
		var err error
		if backend, err = cfg.OpenBackend(); err != nil {
			return nil, err
		}
	}
	kdf := store.DefaultKDFParams()
	if deps.KDF != nil {
		kdf = *deps.KDF
	}
	pickleKey, err := store.OpenPickleKey(backend, passphrase, kdf)
	if err != nil {
		backend.Close()
		return nil, err
	}

	transport := deps.Transport
	if transport == nil {
		httpClient := cfg.HTTP
		if httpClient == nil {
			httpClient = http.DefaultClient
		}
		transport = relay.NewHTTP(cfg.Homeserver, cfg.AccessToken,
			relay.WithHTTPClient(httpClient),
			relay.WithLogger(logging.Component(logger, "relay")))
	}
	eng := deps.Engine
	if eng == nil {
		eng = engine.New()
	}

	keyStore := store.New(backend)
	rooms := dispatch.New(cfg.UserID, dispatch.WithLogger(logging.Component(logger, "dispatch")))

	sessionOpts := []sessionsvc.Option{sessionsvc.WithLogger(logging.Component(logger, "session"))}
	if deps.Clock != nil {
		sessionOpts = append(sessionOpts, sessionsvc.WithClock(deps.Clock))
	}
	sessions, err := sessionsvc.New(eng, keyStore, rooms, pickleKey, cfg.sessionConfig(), sessionOpts...)
	if err != nil {
		backend.Close()
		return nil, err
	}
	if err := sessions.LoadAccount(); err != nil && !errors.Is(err, domain.ErrNotInitialized) {
		backend.Close()
		return nil, err
	}

	keys := keysvc.New(cfg.UserID, cfg.DeviceID, sessions, eng, transport,
		keysvc.WithLogger(logging.Component(logger, "keys")))
	messages := messagesvc.New(cfg.UserID, cfg.DeviceID, sessions, rooms, transport, transport,
		messagesvc.WithSessionEnsurer(keys),
		messagesvc.WithRoomKeyExporter(sessions),
		messagesvc.WithLogger(logging.Component(logger, "message")))
	sessions.SetKeyDistributor(messages)

	syncEngine, err := syncer.New(transport, sessions, rooms, cfg.syncConfig(),
		syncer.WithLogger(logging.Component(logger, "syncer")))
	if err != nil {
		backend.Close()
		return nil, err
	}

	c := &Client{
		cfg:       cfg,
		log:       logging.Component(logger, "app"),
		backend:   backend,
		transport: transport,
		rooms:     rooms,
		sessions:  sessions,
		identity:  identitysvc.New(sessions),
		keys:      keys,
		messages:  messages,
		syncer:    syncEngine,
	}
	rooms.Register(dispatch.RoomKeyRequest, c.answerRoomKeyRequest)
	return c, nil
}
