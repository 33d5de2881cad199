package keys

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"roomcrypt/internal/domain"
)

// Accounts is the part of the session manager this service drives.
type Accounts interface {
	IdentityKeys() (domain.Curve25519Key, domain.Ed25519Key, error)
	OneTimeKeysToPublish(serverCount int) ([]domain.OneTimeKey, error)
	MarkOneTimeKeysPublished() error
	HasSession(deviceKey domain.Curve25519Key) (bool, error)
	CreateOutboundSession(
		ctx context.Context,
		deviceKey domain.Curve25519Key,
		oneTimeKey domain.Curve25519Key,
	) (domain.SessionID, error)
}

// Verifier checks one-time key signatures. domain.CryptoEngine satisfies it.
type Verifier interface {
	VerifySignature(key domain.Ed25519Key, message, signature []byte) error
}

// Option configures a Service.
type Option func(*Service)

// WithLogger replaces the default component logger.
func WithLogger(l *logrus.Entry) Option {
	return func(s *Service) { s.log = l }
}

// Service publishes and claims one-time keys.
type Service struct {
	accounts Accounts
	verifier Verifier
	server   domain.KeyServer
	user     domain.UserID
	device   domain.DeviceID
	log      *logrus.Entry

	// serverCount is the one-time key count the server last reported.
	serverCount int
}

// New returns a key service acting as device of user.
func New(
	user domain.UserID,
	device domain.DeviceID,
	accounts Accounts,
	verifier Verifier,
	server domain.KeyServer,
	opts ...Option,
) *Service {
	s := &Service{
		accounts: accounts,
		verifier: verifier,
		server:   server,
		user:     user,
		device:   device,
		log:      logrus.WithField("component", "keys"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Device returns the local device as published to the key server.
func (s *Service) Device() (domain.DeviceInfo, error) {
	curve, ed, err := s.accounts.IdentityKeys()
	if err != nil {
		return domain.DeviceInfo{}, err
	}
	return domain.DeviceInfo{UserID: s.user, DeviceID: s.device, IdentityKey: curve, SigningKey: ed}, nil
}

// Publish signs and uploads the pending one-time keys, then marks them
// published. It returns the number of keys the server now holds.
func (s *Service) Publish(ctx context.Context) (int, error) {
	device, err := s.Device()
	if err != nil {
		return 0, err
	}
	otks, err := s.accounts.OneTimeKeysToPublish(s.serverCount)
	if err != nil {
		return 0, err
	}

	count, err := s.server.UploadKeys(ctx, domain.KeysUpload{Device: device, OneTimeKeys: otks})
	if err != nil {
		return 0, err
	}
	// Keys stay pending until the server has accepted them.
	if err := s.accounts.MarkOneTimeKeysPublished(); err != nil {
		return 0, err
	}
	s.serverCount = count

	s.log.WithFields(logrus.Fields{
		"function":  "Publish",
		"published": len(otks),
		"on_server": count,
	}).Info("One-time keys published")
	return count, nil
}

// EnsureSessions creates an outbound session with every device of users
// that has none yet. Devices without a claimable key, or whose key fails
// verification, are skipped. It returns the number of sessions created.
func (s *Service) EnsureSessions(ctx context.Context, users []domain.UserID) (int, error) {
	if len(users) == 0 {
		return 0, nil
	}
	own, _, err := s.accounts.IdentityKeys()
	if err != nil {
		return 0, err
	}
	devices, err := s.server.QueryKeys(ctx, users)
	if err != nil {
		return 0, err
	}

	type deviceRef struct {
		user   domain.UserID
		device domain.DeviceID
	}
	known := make(map[deviceRef]domain.DeviceInfo)
	need := make(map[domain.UserID][]domain.DeviceID)
	for _, d := range devices {
		if d.IdentityKey == own {
			continue
		}
		ok, err := s.accounts.HasSession(d.IdentityKey)
		if err != nil {
			return 0, err
		}
		if ok {
			continue
		}
		known[deviceRef{d.UserID, d.DeviceID}] = d
		need[d.UserID] = append(need[d.UserID], d.DeviceID)
	}
	if len(need) == 0 {
		return 0, nil
	}

	claimed, err := s.server.ClaimKeys(ctx, need)
	if err != nil {
		return 0, err
	}

	created := 0
	for _, c := range claimed {
		d, ok := known[deviceRef{c.UserID, c.DeviceID}]
		if !ok {
			continue
		}
		if err := s.verifier.VerifySignature(d.SigningKey, []byte(c.Key), c.Signature); err != nil {
			s.log.WithFields(logrus.Fields{
				"function":  "EnsureSessions",
				"user_id":   c.UserID,
				"device_id": c.DeviceID,
				"key_id":    c.KeyID,
				"error":     err.Error(),
			}).Warn("Claimed one-time key failed verification")
			continue
		}
		if _, err := s.accounts.CreateOutboundSession(ctx, d.IdentityKey, c.Key); err != nil {
			return created, fmt.Errorf("keys: session with %s/%s: %w", c.UserID, c.DeviceID, err)
		}
		created++
	}
	return created, nil
}
