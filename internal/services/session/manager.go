package session

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"roomcrypt/internal/domain"
)

// ErrAccountExists is returned by CreateAccount when the store already holds
// an account.
var ErrAccountExists = errors.New("account already exists")

// Config holds the group session rotation limits. Both must be set.
type Config struct {
	// MaxGroupMessages is the number of messages an outbound group session
	// encrypts before it is replaced.
	MaxGroupMessages int
	// MaxGroupAge is the lifetime of an outbound group session.
	MaxGroupAge time.Duration
}

// Validate rejects missing limits.
func (c Config) Validate() error {
	if c.MaxGroupMessages <= 0 {
		return fmt.Errorf("session: rotation message limit must be positive, got %d", c.MaxGroupMessages)
	}
	if c.MaxGroupAge <= 0 {
		return fmt.Errorf("session: rotation age limit must be positive, got %s", c.MaxGroupAge)
	}
	return nil
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger replaces the default component logger.
func WithLogger(l *logrus.Entry) Option {
	return func(m *Manager) { m.log = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithKeyDistributor sets the distributor used to announce group sessions.
func WithKeyDistributor(d domain.KeyDistributor) Option {
	return func(m *Manager) { m.keys = d }
}

// Manager implements domain.SessionManager.
type Manager struct {
	engine    domain.CryptoEngine
	store     domain.KeyStore
	rooms     domain.RoomDirectory
	pickleKey []byte
	cfg       Config
	log       *logrus.Entry
	now       func() time.Time

	distMu sync.RWMutex
	keys   domain.KeyDistributor

	accountMu sync.Mutex
	account   domain.Account
	accountAt time.Time

	devices  keyedMutex
	roomLock keyedMutex

	poisonMu sync.Mutex
	poisoned map[domain.SessionID]struct{}
}

// New returns a Manager. The account must be created or loaded before any
// operation that needs it.
func New(
	engine domain.CryptoEngine,
	store domain.KeyStore,
	rooms domain.RoomDirectory,
	pickleKey []byte,
	cfg Config,
	opts ...Option,
) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(pickleKey) != 32 {
		return nil, fmt.Errorf("session: pickle key must be 32 bytes, got %d", len(pickleKey))
	}
	m := &Manager{
		engine:    engine,
		store:     store,
		rooms:     rooms,
		pickleKey: pickleKey,
		cfg:       cfg,
		log:       logrus.WithField("component", "session"),
		now:       time.Now,
		poisoned:  make(map[domain.SessionID]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// SetKeyDistributor sets the distributor after construction, for callers
// whose distributor itself depends on the Manager.
func (m *Manager) SetKeyDistributor(d domain.KeyDistributor) {
	m.distMu.Lock()
	defer m.distMu.Unlock()
	m.keys = d
}

func (m *Manager) distributor() domain.KeyDistributor {
	m.distMu.RLock()
	defer m.distMu.RUnlock()
	return m.keys
}

// CreateAccount generates and persists a new account. It fails with
// ErrAccountExists rather than replace one.
func (m *Manager) CreateAccount() (domain.Curve25519Key, domain.Ed25519Key, error) {
	m.accountMu.Lock()
	defer m.accountMu.Unlock()

	_, err := m.store.GetAccount()
	switch {
	case err == nil:
		return "", "", ErrAccountExists
	case !errors.Is(err, domain.ErrNotInitialized):
		return "", "", err
	}

	acct, err := m.engine.NewAccount()
	if err != nil {
		return "", "", fmt.Errorf("%w: new account: %v", domain.ErrCryptoEngineFailure, err)
	}
	m.accountAt = m.now().UTC()
	if err := m.persistAccountLocked(acct); err != nil {
		acct.Clear()
		return "", "", err
	}
	m.account = acct

	curve, ed := acct.IdentityKeys()
	m.log.WithFields(logrus.Fields{
		"function":     "CreateAccount",
		"identity_key": curve,
	}).Info("Account created")
	return curve, ed, nil
}

// LoadAccount restores the stored account. It returns
// domain.ErrNotInitialized when there is none.
func (m *Manager) LoadAccount() error {
	m.accountMu.Lock()
	defer m.accountMu.Unlock()

	rec, err := m.store.GetAccount()
	if err != nil {
		return err
	}
	acct, err := m.engine.UnpickleAccount(rec.Pickle, m.pickleKey)
	if err != nil {
		return fmt.Errorf("load account: %w", err)
	}
	if m.account != nil {
		m.account.Clear()
	}
	m.account = acct
	m.accountAt = rec.CreatedAt
	return nil
}

// Close wipes the in-memory account.
func (m *Manager) Close() {
	m.accountMu.Lock()
	defer m.accountMu.Unlock()
	if m.account != nil {
		m.account.Clear()
		m.account = nil
	}
}

// IdentityKeys returns the account's public keys.
func (m *Manager) IdentityKeys() (domain.Curve25519Key, domain.Ed25519Key, error) {
	m.accountMu.Lock()
	defer m.accountMu.Unlock()
	if m.account == nil {
		return "", "", domain.ErrNotInitialized
	}
	curve, ed := m.account.IdentityKeys()
	return curve, ed, nil
}

// Sign signs message with the account's Ed25519 key.
func (m *Manager) Sign(message []byte) ([]byte, error) {
	m.accountMu.Lock()
	defer m.accountMu.Unlock()
	if m.account == nil {
		return nil, domain.ErrNotInitialized
	}
	return m.account.Sign(message), nil
}

// OneTimeKeysToPublish tops the unpublished pool up so the server holds
// half the account maximum, persists the account and returns the signed
// unpublished keys. serverCount is the number the server reports holding.
func (m *Manager) OneTimeKeysToPublish(serverCount int) ([]domain.OneTimeKey, error) {
	m.accountMu.Lock()
	defer m.accountMu.Unlock()
	if m.account == nil {
		return nil, domain.ErrNotInitialized
	}

	target := m.account.MaxNumberOfOneTimeKeys() / 2
	pending := m.account.OneTimeKeys()
	if missing := target - serverCount - len(pending); missing > 0 {
		if err := m.account.GenerateOneTimeKeys(missing); err != nil {
			return nil, fmt.Errorf("%w: generate one-time keys: %v", domain.ErrCryptoEngineFailure, err)
		}
		if err := m.persistAccountLocked(m.account); err != nil {
			return nil, err
		}
		pending = m.account.OneTimeKeys()
	}

	out := make([]domain.OneTimeKey, 0, len(pending))
	for id, key := range pending {
		out = append(out, domain.OneTimeKey{
			KeyID:     id,
			Key:       key,
			Signature: m.account.Sign([]byte(key)),
		})
	}
	slices.SortFunc(out, func(a, b domain.OneTimeKey) int { return cmp.Compare(a.KeyID, b.KeyID) })
	return out, nil
}

// MarkOneTimeKeysPublished records that the server accepted the pending
// keys.
func (m *Manager) MarkOneTimeKeysPublished() error {
	m.accountMu.Lock()
	defer m.accountMu.Unlock()
	if m.account == nil {
		return domain.ErrNotInitialized
	}
	m.account.MarkKeysAsPublished()
	return m.persistAccountLocked(m.account)
}

// persistAccountLocked pickles acct and writes it. accountMu must be held.
func (m *Manager) persistAccountLocked(acct domain.Account) error {
	p, err := acct.Pickle(m.pickleKey)
	if err != nil {
		return fmt.Errorf("%w: pickle account: %v", domain.ErrCryptoEngineFailure, err)
	}
	curve, ed := acct.IdentityKeys()
	return m.store.SetAccount(domain.AccountRecord{
		IdentityKey: curve,
		SigningKey:  ed,
		Pickle:      p,
		CreatedAt:   m.accountAt,
	})
}

func (m *Manager) markPoisoned(id domain.SessionID) {
	m.poisonMu.Lock()
	m.poisoned[id] = struct{}{}
	m.poisonMu.Unlock()
}

func (m *Manager) isPoisoned(id domain.SessionID, stored bool) bool {
	if stored {
		return true
	}
	m.poisonMu.Lock()
	defer m.poisonMu.Unlock()
	_, ok := m.poisoned[id]
	return ok
}

var _ domain.SessionManager = (*Manager)(nil)
