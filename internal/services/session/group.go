package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/sirupsen/logrus"

	"roomcrypt/internal/domain"
)

// ErrUnknownRoom is returned by EncryptForRoom for a room the directory has
// no state for.
var ErrUnknownRoom = errors.New("unknown room")

// EncryptForRoom encrypts plaintext under the room's current outbound group
// session.
//
// Steps:
//  1. Rotate the session when none exists, it is poisoned, it reached the
//     message or age limit, or a member it was shared with left.
//  2. Announce the session key to recipients it was not yet shared with.
//  3. Encrypt and persist the advanced ratchet.
func (m *Manager) EncryptForRoom(
	ctx context.Context,
	room domain.RoomID,
	plaintext []byte,
) (domain.MegolmCiphertext, error) {
	unlock := m.roomLock.lock(string(room))
	defer unlock()

	state, ok := m.rooms.RoomState(room)
	if !ok {
		return domain.MegolmCiphertext{}, fmt.Errorf("%w: %s", ErrUnknownRoom, room)
	}
	recipients := state.Recipients()

	rec, found, err := m.store.FindOutboundGroupSession(room)
	if err != nil {
		return domain.MegolmCiphertext{}, err
	}

	var sess domain.OutboundGroupSession
	if reason := m.rotationReason(rec, found, state, recipients); reason != "" {
		if sess, rec, err = m.rotate(room, reason); err != nil {
			return domain.MegolmCiphertext{}, err
		}
	} else if sess, err = m.engine.UnpickleOutboundGroupSession(rec.Pickle, m.pickleKey); err != nil {
		return domain.MegolmCiphertext{}, m.poisonOutbound(rec, err)
	}

	if err := m.share(ctx, &rec, sess, recipients); err != nil {
		return domain.MegolmCiphertext{}, err
	}

	index := sess.MessageIndex()
	body, err := sess.Encrypt(plaintext)
	if err != nil {
		return domain.MegolmCiphertext{}, m.poisonOutbound(rec, err)
	}
	rec.MessageCount++
	if err := m.saveOutbound(rec, sess); err != nil {
		return domain.MegolmCiphertext{}, err
	}
	return domain.MegolmCiphertext{SessionID: rec.ID, MessageIndex: index, Body: body}, nil
}

// rotationReason returns why the current session must be replaced, or ""
// if it may still be used.
func (m *Manager) rotationReason(
	rec domain.OutboundGroupRecord,
	found bool,
	state domain.RoomState,
	recipients []domain.UserID,
) string {
	maxMessages, maxAge := m.limits(state)
	switch {
	case !found:
		return "no session"
	case m.isPoisoned(rec.ID, rec.Poisoned):
		return "poisoned"
	case int(rec.MessageCount) >= maxMessages:
		return "message limit"
	case m.now().Sub(rec.CreatedAt) >= maxAge:
		return "age limit"
	}
	for _, u := range rec.SharedWith {
		if _, ok := slices.BinarySearch(recipients, u); !ok {
			return "member left"
		}
	}
	return ""
}

// limits applies the room's own rotation hints where they are stricter.
func (m *Manager) limits(state domain.RoomState) (int, time.Duration) {
	maxMessages, maxAge := m.cfg.MaxGroupMessages, m.cfg.MaxGroupAge
	if enc := state.Encryption; enc != nil {
		if enc.RotationMessages > 0 && enc.RotationMessages < maxMessages {
			maxMessages = enc.RotationMessages
		}
		if enc.RotationPeriod > 0 && enc.RotationPeriod < maxAge {
			maxAge = enc.RotationPeriod
		}
	}
	return maxMessages, maxAge
}

// rotate creates and persists a new outbound session for room, together
// with the matching inbound session so our own messages decrypt.
func (m *Manager) rotate(room domain.RoomID, reason string) (domain.OutboundGroupSession, domain.OutboundGroupRecord, error) {
	identity, _, err := m.IdentityKeys()
	if err != nil {
		return nil, domain.OutboundGroupRecord{}, err
	}
	sess, err := m.engine.NewOutboundGroupSession()
	if err != nil {
		return nil, domain.OutboundGroupRecord{}, fmt.Errorf("%w: new group session: %v", domain.ErrCryptoEngineFailure, err)
	}
	inbound, err := m.engine.NewInboundGroupSession(sess.SessionKey())
	if err != nil {
		return nil, domain.OutboundGroupRecord{}, fmt.Errorf("%w: own inbound session: %v", domain.ErrCryptoEngineFailure, err)
	}
	if err := m.saveInbound(domain.InboundGroupRecord{
		RoomID:          room,
		ID:              inbound.ID(),
		SenderKey:       identity,
		FirstKnownIndex: inbound.FirstKnownIndex(),
	}, inbound); err != nil {
		return nil, domain.OutboundGroupRecord{}, err
	}

	rec := domain.OutboundGroupRecord{
		RoomID:    room,
		ID:        sess.ID(),
		CreatedAt: m.now().UTC(),
	}
	if err := m.saveOutbound(rec, sess); err != nil {
		return nil, domain.OutboundGroupRecord{}, err
	}

	m.log.WithFields(logrus.Fields{
		"function":   "EncryptForRoom",
		"room_id":    room,
		"session_id": rec.ID,
		"reason":     reason,
	}).Info("Outbound group session rotated")
	return sess, rec, nil
}

// share distributes the session key to recipients missing from
// rec.SharedWith and records them. Distribution happens at the current
// index, so late joiners cannot read earlier messages.
func (m *Manager) share(
	ctx context.Context,
	rec *domain.OutboundGroupRecord,
	sess domain.OutboundGroupSession,
	recipients []domain.UserID,
) error {
	var missing []domain.UserID
	for _, u := range recipients {
		if !slices.Contains(rec.SharedWith, u) {
			missing = append(missing, u)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	dist := m.distributor()
	if dist == nil {
		return fmt.Errorf("session: no key distributor for room %s", rec.RoomID)
	}
	key := domain.RoomKeyContent{
		Algorithm:  domain.AlgorithmMegolm,
		RoomID:     rec.RoomID,
		SessionID:  rec.ID,
		SessionKey: sess.SessionKey(),
	}
	if err := dist.DistributeRoomKey(ctx, rec.RoomID, key, missing); err != nil {
		return fmt.Errorf("session: distribute %s: %w", rec.ID, err)
	}

	rec.SharedWith = append(rec.SharedWith, missing...)
	slices.Sort(rec.SharedWith)
	return m.saveOutbound(*rec, sess)
}

// DecryptGroupMessage decrypts a room message with the inbound session it
// names. Inbound group sessions never change and are never poisoned.
func (m *Manager) DecryptGroupMessage(
	ctx context.Context,
	room domain.RoomID,
	sessionID domain.SessionID,
	ciphertext []byte,
) ([]byte, error) {
	rec, ok, err := m.store.FindInboundGroupSession(room, sessionID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s in %s", domain.ErrUnknownGroupSession, sessionID, room)
	}
	sess, err := m.engine.UnpickleInboundGroupSession(rec.Pickle, m.pickleKey)
	if err != nil {
		return nil, fmt.Errorf("%w: inbound group session %s: %v", domain.ErrCryptoEngineFailure, sessionID, err)
	}
	pt, _, err := sess.Decrypt(ciphertext)
	if err != nil {
		if errors.Is(err, domain.ErrBadMessage) {
			return nil, fmt.Errorf("session: group message %s: %w", sessionID, err)
		}
		return nil, fmt.Errorf("%w: group message %s: %v", domain.ErrCryptoEngineFailure, sessionID, err)
	}
	return pt, nil
}

// ReceiveRoomKey stores the inbound group session carried by an m.room_key
// event from senderKey.
func (m *Manager) ReceiveRoomKey(
	ctx context.Context,
	senderKey domain.Curve25519Key,
	content domain.RoomKeyContent,
) error {
	if content.Algorithm != domain.AlgorithmMegolm {
		return fmt.Errorf("%w: algorithm %q", domain.ErrRoomKeyMismatch, content.Algorithm)
	}
	sess, err := m.engine.NewInboundGroupSession(content.SessionKey)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrRoomKeyMismatch, err)
	}
	return m.acceptInbound(content, sess, domain.InboundGroupRecord{SenderKey: senderKey})
}

// ReceiveForwardedRoomKey stores a session forwarded by senderKey on behalf
// of the original sender named in content.
func (m *Manager) ReceiveForwardedRoomKey(
	ctx context.Context,
	senderKey domain.Curve25519Key,
	content domain.ForwardedRoomKeyContent,
) error {
	if content.Algorithm != domain.AlgorithmMegolm {
		return fmt.Errorf("%w: algorithm %q", domain.ErrRoomKeyMismatch, content.Algorithm)
	}
	sess, err := m.engine.ImportInboundGroupSession(content.SessionKey)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrRoomKeyMismatch, err)
	}
	chain := append(slices.Clone(content.ForwardingCurve25519KeyChain), senderKey)
	return m.acceptInbound(content.RoomKeyContent, sess, domain.InboundGroupRecord{
		SenderKey:       content.SenderKey,
		Forwarded:       true,
		ForwardingChain: chain,
	})
}

// acceptInbound checks sess against the announced content and stores it
// unless an equally good session is already known.
func (m *Manager) acceptInbound(
	content domain.RoomKeyContent,
	sess domain.InboundGroupSession,
	rec domain.InboundGroupRecord,
) error {
	if sess.ID() != content.SessionID {
		return fmt.Errorf("%w: announced %s, key is for %s", domain.ErrRoomKeyMismatch, content.SessionID, sess.ID())
	}

	unlock := m.roomLock.lock(string(content.RoomID))
	defer unlock()

	existing, ok, err := m.store.FindInboundGroupSession(content.RoomID, content.SessionID)
	if err != nil {
		return err
	}
	if ok {
		if existing.SenderKey != rec.SenderKey {
			return fmt.Errorf("%w: session %s already known from %s", domain.ErrRoomKeyMismatch, existing.ID, existing.SenderKey)
		}
		if existing.FirstKnownIndex <= sess.FirstKnownIndex() {
			return nil
		}
	}

	rec.RoomID = content.RoomID
	rec.ID = sess.ID()
	rec.FirstKnownIndex = sess.FirstKnownIndex()
	if err := m.saveInbound(rec, sess); err != nil {
		return err
	}
	m.log.WithFields(logrus.Fields{
		"function":    "ReceiveRoomKey",
		"room_id":     rec.RoomID,
		"session_id":  rec.ID,
		"first_index": rec.FirstKnownIndex,
		"forwarded":   rec.Forwarded,
	}).Info("Inbound group session stored")
	return nil
}

// ExportRoomKey builds a forwarded room key for an inbound session we hold,
// starting at index or the first index we know, whichever is later.
func (m *Manager) ExportRoomKey(
	ctx context.Context,
	room domain.RoomID,
	sessionID domain.SessionID,
	index uint32,
) (domain.ForwardedRoomKeyContent, error) {
	rec, ok, err := m.store.FindInboundGroupSession(room, sessionID)
	if err != nil {
		return domain.ForwardedRoomKeyContent{}, err
	}
	if !ok {
		return domain.ForwardedRoomKeyContent{}, fmt.Errorf("%w: %s in %s", domain.ErrUnknownGroupSession, sessionID, room)
	}
	sess, err := m.engine.UnpickleInboundGroupSession(rec.Pickle, m.pickleKey)
	if err != nil {
		return domain.ForwardedRoomKeyContent{}, fmt.Errorf("%w: inbound group session %s: %v", domain.ErrCryptoEngineFailure, sessionID, err)
	}
	index = max(index, sess.FirstKnownIndex())
	exported, err := sess.Export(index)
	if err != nil {
		return domain.ForwardedRoomKeyContent{}, fmt.Errorf("session: export %s at %d: %w", sessionID, index, err)
	}
	return domain.ForwardedRoomKeyContent{
		RoomKeyContent: domain.RoomKeyContent{
			Algorithm:  domain.AlgorithmMegolm,
			RoomID:     room,
			SessionID:  sessionID,
			SessionKey: exported,
		},
		SenderKey:                    rec.SenderKey,
		ForwardingCurve25519KeyChain: slices.Clone(rec.ForwardingChain),
	}, nil
}

func (m *Manager) saveOutbound(rec domain.OutboundGroupRecord, sess domain.OutboundGroupSession) error {
	p, err := sess.Pickle(m.pickleKey)
	if err != nil {
		return fmt.Errorf("%w: pickle group session %s: %v", domain.ErrCryptoEngineFailure, rec.ID, err)
	}
	rec.Pickle = p
	return m.store.StoreOutboundGroupSession(rec)
}

func (m *Manager) saveInbound(rec domain.InboundGroupRecord, sess domain.InboundGroupSession) error {
	p, err := sess.Pickle(m.pickleKey)
	if err != nil {
		return fmt.Errorf("%w: pickle inbound group session %s: %v", domain.ErrCryptoEngineFailure, rec.ID, err)
	}
	rec.Pickle = p
	return m.store.StoreInboundGroupSession(rec)
}

// poisonOutbound marks the room's outbound session poisoned; the next
// EncryptForRoom replaces it.
func (m *Manager) poisonOutbound(rec domain.OutboundGroupRecord, cause error) error {
	m.markPoisoned(rec.ID)
	rec.Poisoned = true
	m.log.WithFields(logrus.Fields{
		"function":   "poisonOutbound",
		"room_id":    rec.RoomID,
		"session_id": rec.ID,
		"error":      cause.Error(),
	}).Error("Outbound group session poisoned")

	failure := fmt.Errorf("%w: group session %s: %v", domain.ErrCryptoEngineFailure, rec.ID, cause)
	if err := m.store.StoreOutboundGroupSession(rec); err != nil {
		return errors.Join(failure, err)
	}
	return failure
}
