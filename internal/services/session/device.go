package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"

	"roomcrypt/internal/domain"
)

// replayWindow bounds how many message digests a session remembers.
const replayWindow = 1000

// CreateOutboundSession establishes a 1:1 session with deviceKey from one of
// its claimed one-time keys and persists it.
func (m *Manager) CreateOutboundSession(
	ctx context.Context,
	deviceKey domain.Curve25519Key,
	oneTimeKey domain.Curve25519Key,
) (domain.SessionID, error) {
	unlock := m.devices.lock(string(deviceKey))
	defer unlock()

	m.accountMu.Lock()
	if m.account == nil {
		m.accountMu.Unlock()
		return "", domain.ErrNotInitialized
	}
	sess, err := m.engine.NewOutboundSession(m.account, deviceKey, oneTimeKey)
	m.accountMu.Unlock()
	if err != nil {
		if errors.Is(err, domain.ErrBadMessage) {
			return "", fmt.Errorf("session: outbound to %s: %w", deviceKey, err)
		}
		return "", fmt.Errorf("%w: outbound to %s: %v", domain.ErrCryptoEngineFailure, deviceKey, err)
	}

	now := m.now().UTC()
	rec := domain.SessionRecord{ID: sess.ID(), DeviceKey: deviceKey, CreatedAt: now, LastUsed: now}
	if err := m.saveSession(rec, sess); err != nil {
		return "", err
	}

	m.log.WithFields(logrus.Fields{
		"function":   "CreateOutboundSession",
		"device_key": deviceKey,
		"session_id": rec.ID,
	}).Info("Outbound session established")
	return rec.ID, nil
}

// HasSession reports whether a non-poisoned session with deviceKey exists.
func (m *Manager) HasSession(deviceKey domain.Curve25519Key) (bool, error) {
	recs, err := m.store.AllSessions(deviceKey)
	if err != nil {
		return false, err
	}
	for _, rec := range recs {
		if !m.isPoisoned(rec.ID, rec.Poisoned) {
			return true, nil
		}
	}
	return false, nil
}

// EncryptForDevice encrypts with the most recently used usable session for
// deviceKey. It fails with domain.ErrNoSessionAvailable when there is none.
func (m *Manager) EncryptForDevice(
	ctx context.Context,
	deviceKey domain.Curve25519Key,
	plaintext []byte,
) (domain.OlmCiphertext, error) {
	unlock := m.devices.lock(string(deviceKey))
	defer unlock()

	recs, err := m.store.AllSessions(deviceKey)
	if err != nil {
		return domain.OlmCiphertext{}, err
	}
	for _, rec := range recs {
		if m.isPoisoned(rec.ID, rec.Poisoned) {
			continue
		}
		sess, err := m.engine.UnpickleSession(rec.Pickle, m.pickleKey)
		if err != nil {
			return domain.OlmCiphertext{}, m.poisonSession(rec, err)
		}
		typ, body, err := sess.Encrypt(plaintext)
		if err != nil {
			return domain.OlmCiphertext{}, m.poisonSession(rec, err)
		}
		rec.LastUsed = m.now().UTC()
		if err := m.saveSession(rec, sess); err != nil {
			return domain.OlmCiphertext{}, err
		}
		return domain.OlmCiphertext{Type: typ, Body: body}, nil
	}
	return domain.OlmCiphertext{}, fmt.Errorf("%w: %s", domain.ErrNoSessionAvailable, deviceKey)
}

// DecryptFromDevice decrypts a 1:1 message from deviceKey.
//
// Steps:
//  1. Reject a ciphertext whose digest a session of the device already
//     recorded.
//  2. Pre-key messages go to the session they were produced for, or create
//     a new inbound session that consumes the named one-time key.
//  3. Normal messages are offered to every usable session, most recently
//     used first.
//  4. The advanced session and its digest window are persisted before the
//     plaintext is returned.
func (m *Manager) DecryptFromDevice(
	ctx context.Context,
	deviceKey domain.Curve25519Key,
	ct domain.OlmCiphertext,
) ([]byte, error) {
	unlock := m.devices.lock(string(deviceKey))
	defer unlock()

	recs, err := m.store.AllSessions(deviceKey)
	if err != nil {
		return nil, err
	}
	digest := messageDigest(ct)
	for _, rec := range recs {
		if seen(rec, digest) {
			m.log.WithFields(logrus.Fields{
				"function":   "DecryptFromDevice",
				"device_key": deviceKey,
				"session_id": rec.ID,
			}).Warn("Replayed message rejected")
			return nil, fmt.Errorf("%w: session %s", domain.ErrReplayDetected, rec.ID)
		}
	}

	switch ct.Type {
	case domain.MessageTypePreKey:
		return m.decryptPreKey(deviceKey, ct, digest, recs)
	case domain.MessageTypeNormal:
		return m.decryptNormal(deviceKey, ct, digest, recs)
	default:
		return nil, fmt.Errorf("%w: message type %d", domain.ErrNoMatchingSession, ct.Type)
	}
}

func (m *Manager) decryptPreKey(
	deviceKey domain.Curve25519Key,
	ct domain.OlmCiphertext,
	digest domain.MessageDigest,
	recs []domain.SessionRecord,
) ([]byte, error) {
	for _, rec := range recs {
		poisoned := m.isPoisoned(rec.ID, rec.Poisoned)
		sess, err := m.engine.UnpickleSession(rec.Pickle, m.pickleKey)
		switch {
		case err != nil && poisoned:
			continue
		case err != nil:
			return nil, m.poisonSession(rec, err)
		case !sess.MatchesInbound(deviceKey, ct.Body):
			continue
		case poisoned:
			return nil, fmt.Errorf("%w: %s", domain.ErrSessionPoisoned, rec.ID)
		}
		return m.decryptWith(rec, sess, ct, digest)
	}

	m.accountMu.Lock()
	defer m.accountMu.Unlock()
	if m.account == nil {
		return nil, domain.ErrNotInitialized
	}

	sess, err := m.engine.NewInboundSession(m.account, deviceKey, ct.Body)
	if err != nil {
		return nil, m.classifyNew(deviceKey, err)
	}
	if m.poisonedID(sess.ID()) {
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionPoisoned, sess.ID())
	}
	pt, err := sess.Decrypt(ct.Type, ct.Body)
	if err != nil {
		return nil, m.classifyNew(deviceKey, err)
	}
	if err := m.account.RemoveOneTimeKeys(sess); err != nil {
		return nil, fmt.Errorf("%w: remove one-time key: %v", domain.ErrCryptoEngineFailure, err)
	}

	now := m.now().UTC()
	rec := domain.SessionRecord{
		ID:        sess.ID(),
		DeviceKey: deviceKey,
		CreatedAt: now,
		LastUsed:  now,
		Seen:      []domain.MessageDigest{digest},
	}
	// The session goes first: losing it after the key is gone would make
	// the message unreadable for good.
	if err := m.saveSession(rec, sess); err != nil {
		return nil, err
	}
	if err := m.persistAccountLocked(m.account); err != nil {
		return nil, err
	}

	m.log.WithFields(logrus.Fields{
		"function":   "DecryptFromDevice",
		"device_key": deviceKey,
		"session_id": rec.ID,
	}).Info("Inbound session established")
	return pt, nil
}

func (m *Manager) decryptNormal(
	deviceKey domain.Curve25519Key,
	ct domain.OlmCiphertext,
	digest domain.MessageDigest,
	recs []domain.SessionRecord,
) ([]byte, error) {
	for _, rec := range recs {
		if m.isPoisoned(rec.ID, rec.Poisoned) {
			continue
		}
		sess, err := m.engine.UnpickleSession(rec.Pickle, m.pickleKey)
		if err != nil {
			return nil, m.poisonSession(rec, err)
		}
		pt, err := m.decryptWith(rec, sess, ct, digest)
		if errors.Is(err, domain.ErrNoMatchingSession) {
			continue
		}
		return pt, err
	}
	return nil, fmt.Errorf("%w: from %s", domain.ErrNoMatchingSession, deviceKey)
}

// decryptWith decrypts ct with one existing session and persists it.
func (m *Manager) decryptWith(
	rec domain.SessionRecord,
	sess domain.Session,
	ct domain.OlmCiphertext,
	digest domain.MessageDigest,
) ([]byte, error) {
	pt, err := sess.Decrypt(ct.Type, ct.Body)
	if errors.Is(err, domain.ErrBadMessage) {
		return nil, fmt.Errorf("%w: session %s: %v", domain.ErrNoMatchingSession, rec.ID, err)
	}
	if err != nil {
		return nil, m.poisonSession(rec, err)
	}
	rec.LastUsed = m.now().UTC()
	rec.Seen = append(rec.Seen, digest)
	if over := len(rec.Seen) - replayWindow; over > 0 {
		rec.Seen = append([]domain.MessageDigest(nil), rec.Seen[over:]...)
	}
	if err := m.saveSession(rec, sess); err != nil {
		return nil, err
	}
	return pt, nil
}

// classifyNew maps an error from creating or first-decrypting an inbound
// session. Nothing is persisted in either case.
func (m *Manager) classifyNew(deviceKey domain.Curve25519Key, err error) error {
	if errors.Is(err, domain.ErrBadMessage) || errors.Is(err, domain.ErrUnknownOneTimeKey) {
		return fmt.Errorf("%w: pre-key message from %s: %v", domain.ErrNoMatchingSession, deviceKey, err)
	}
	return fmt.Errorf("%w: inbound session from %s: %v", domain.ErrCryptoEngineFailure, deviceKey, err)
}

func (m *Manager) saveSession(rec domain.SessionRecord, sess domain.Session) error {
	p, err := sess.Pickle(m.pickleKey)
	if err != nil {
		return fmt.Errorf("%w: pickle session %s: %v", domain.ErrCryptoEngineFailure, rec.ID, err)
	}
	rec.Pickle = p
	return m.store.StoreSession(rec)
}

// poisonSession marks rec unusable in memory and in the store and returns
// the engine failure for the caller.
func (m *Manager) poisonSession(rec domain.SessionRecord, cause error) error {
	m.markPoisoned(rec.ID)
	rec.Poisoned = true
	m.log.WithFields(logrus.Fields{
		"function":   "poisonSession",
		"device_key": rec.DeviceKey,
		"session_id": rec.ID,
		"error":      cause.Error(),
	}).Error("Session poisoned")

	failure := fmt.Errorf("%w: session %s: %v", domain.ErrCryptoEngineFailure, rec.ID, cause)
	if err := m.store.StoreSession(rec); err != nil {
		return errors.Join(failure, err)
	}
	return failure
}

func (m *Manager) poisonedID(id domain.SessionID) bool {
	if m.isPoisoned(id, false) {
		return true
	}
	rec, ok, err := m.store.FindSession(id)
	return err == nil && ok && rec.Poisoned
}

func messageDigest(ct domain.OlmCiphertext) domain.MessageDigest {
	h := blake3.New()
	_, _ = h.Write([]byte{byte(ct.Type)})
	_, _ = h.Write(ct.Body)
	var d domain.MessageDigest
	copy(d[:], h.Sum(nil))
	return d
}

func seen(rec domain.SessionRecord, d domain.MessageDigest) bool {
	for _, s := range rec.Seen {
		if s == d {
			return true
		}
	}
	return false
}
