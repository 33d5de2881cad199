package store

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"roomcrypt/internal/codec"
	"roomcrypt/internal/domain"
)

const (
	accountKey      = "account"
	sessionPrefix   = "session."
	outboundPrefix  = "outbound."
	inboundPrefix   = "inbound."
	devicePrefix    = "device."
	timestampSuffix = ".timestamp"

	kindAccount     = "account"
	kindSession     = "session"
	kindDeviceIndex = "device_index"
	kindOutbound    = "outbound_group_session"
	kindInbound     = "inbound_group_session"
)

// inboundKey scopes a session id to its room. Room ids never contain '/'.
func inboundKey(room domain.RoomID, id domain.SessionID) string {
	return inboundPrefix + string(room) + "/" + string(id)
}

// KeyStore implements domain.KeyStore over a Backend.
type KeyStore struct {
	backend Backend
	mu      sync.RWMutex
}

// New returns a KeyStore writing through b.
func New(b Backend) *KeyStore {
	return &KeyStore{backend: b}
}

// Close closes the underlying backend.
func (s *KeyStore) Close() error { return s.backend.Close() }

// GetAccount returns domain.ErrNotInitialized if no account was stored.
func (s *KeyStore) GetAccount() (domain.AccountRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var acct domain.AccountRecord
	ok, err := s.load(accountKey, kindAccount, &acct)
	if err != nil {
		return domain.AccountRecord{}, err
	}
	if !ok {
		return domain.AccountRecord{}, domain.ErrNotInitialized
	}
	return acct, nil
}

func (s *KeyStore) SetAccount(acct domain.AccountRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(accountKey, kindAccount, acct)
}

// StoreSession writes rec and, for a new session, adds its id to the
// device's index in the same batch.
func (s *KeyStore) StoreSession(rec domain.SessionRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("store: session without id")
	}
	if rec.DeviceKey == "" {
		return fmt.Errorf("store: session %s without device key", rec.ID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	body, err := encodeRecord(kindSession, rec)
	if err != nil {
		return err
	}
	entries := []Entry{{Key: sessionPrefix + string(rec.ID), Value: body}}

	ids, err := s.deviceIndex(rec.DeviceKey)
	if err != nil {
		return err
	}
	if !slices.Contains(ids, rec.ID) {
		idx, err := encodeRecord(kindDeviceIndex, append(ids, rec.ID))
		if err != nil {
			return err
		}
		entries = append(entries, Entry{Key: devicePrefix + string(rec.DeviceKey), Value: idx})
	}
	if err := s.backend.Put(entries...); err != nil {
		return fmt.Errorf("store: write %s: %w", kindSession, err)
	}
	return nil
}

func (s *KeyStore) FindSession(id domain.SessionID) (domain.SessionRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rec domain.SessionRecord
	ok, err := s.load(sessionPrefix+string(id), kindSession, &rec)
	return rec, ok, err
}

// AllSessions returns every session with deviceKey, most recently used
// first. Only the sessions named in the device's index are read.
func (s *KeyStore) AllSessions(deviceKey domain.Curve25519Key) ([]domain.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids, err := s.deviceIndex(deviceKey)
	if err != nil {
		return nil, err
	}
	out := make([]domain.SessionRecord, 0, len(ids))
	for _, id := range ids {
		var rec domain.SessionRecord
		ok, err := s.load(sessionPrefix+string(id), kindSession, &rec)
		if err != nil {
			return nil, err
		}
		if ok && rec.DeviceKey == deviceKey {
			out = append(out, rec)
		}
	}
	slices.SortStableFunc(out, func(a, b domain.SessionRecord) int {
		return b.LastUsed.Compare(a.LastUsed)
	})
	return out, nil
}

// deviceIndex returns the session ids recorded for deviceKey. s.mu must be
// held.
func (s *KeyStore) deviceIndex(deviceKey domain.Curve25519Key) ([]domain.SessionID, error) {
	var ids []domain.SessionID
	if _, err := s.load(devicePrefix+string(deviceKey), kindDeviceIndex, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// StoreOutboundGroupSession writes the record before its timestamp. A crash
// in between leaves a record with no creation time, which reads as expired.
func (s *KeyStore) StoreOutboundGroupSession(rec domain.OutboundGroupRecord) error {
	if rec.RoomID == "" {
		return fmt.Errorf("store: outbound group session without room")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	body, err := encodeRecord(kindOutbound, rec)
	if err != nil {
		return err
	}
	ts, err := codec.Marshal(rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: encode timestamp: %w", err)
	}
	key := outboundPrefix + string(rec.RoomID)
	return s.backend.Put(
		Entry{Key: key, Value: body},
		Entry{Key: key + timestampSuffix, Value: ts},
	)
}

func (s *KeyStore) FindOutboundGroupSession(room domain.RoomID) (domain.OutboundGroupRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key := outboundPrefix + string(room)
	var rec domain.OutboundGroupRecord
	ok, err := s.load(key, kindOutbound, &rec)
	if err != nil || !ok {
		return domain.OutboundGroupRecord{}, false, err
	}

	raw, ok, err := s.backend.Get(key + timestampSuffix)
	if err != nil {
		return domain.OutboundGroupRecord{}, false, fmt.Errorf("store: read timestamp: %w", err)
	}
	if ok {
		var created time.Time
		if err := codec.Unmarshal(raw, &created); err != nil {
			return domain.OutboundGroupRecord{}, false, fmt.Errorf("store: decode timestamp: %w", err)
		}
		rec.CreatedAt = created
	}
	return rec, true, nil
}

// StoreInboundGroupSession writes rec under its room. The same session id
// announced for two rooms yields two independent records.
func (s *KeyStore) StoreInboundGroupSession(rec domain.InboundGroupRecord) error {
	if rec.ID == "" || rec.RoomID == "" {
		return fmt.Errorf("store: inbound group session needs room and id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(inboundKey(rec.RoomID, rec.ID), kindInbound, rec)
}

func (s *KeyStore) FindInboundGroupSession(room domain.RoomID, id domain.SessionID) (domain.InboundGroupRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rec domain.InboundGroupRecord
	ok, err := s.load(inboundKey(room, id), kindInbound, &rec)
	if err != nil || !ok {
		return domain.InboundGroupRecord{}, false, err
	}
	return rec, true, nil
}

// InboundGroupSessions lists every inbound group session stored for room,
// ordered by id.
func (s *KeyStore) InboundGroupSessions(room domain.RoomID) ([]domain.InboundGroupRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys, err := s.backend.Keys(inboundPrefix + string(room) + "/")
	if err != nil {
		return nil, fmt.Errorf("store: list inbound sessions: %w", err)
	}
	var out []domain.InboundGroupRecord
	for _, k := range keys {
		var rec domain.InboundGroupRecord
		ok, err := s.load(k, kindInbound, &rec)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, rec)
		}
	}
	slices.SortFunc(out, func(a, b domain.InboundGroupRecord) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

// Rooms returns the rooms that currently have an outbound group session.
func (s *KeyStore) Rooms() ([]domain.RoomID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys, err := s.backend.Keys(outboundPrefix)
	if err != nil {
		return nil, err
	}
	var out []domain.RoomID
	for _, k := range keys {
		if strings.HasSuffix(k, timestampSuffix) {
			continue
		}
		out = append(out, domain.RoomID(strings.TrimPrefix(k, outboundPrefix)))
	}
	return out, nil
}

func (s *KeyStore) save(key, kind string, v any) error {
	b, err := encodeRecord(kind, v)
	if err != nil {
		return err
	}
	if err := s.backend.Put(Entry{Key: key, Value: b}); err != nil {
		return fmt.Errorf("store: write %s: %w", kind, err)
	}
	return nil
}

func (s *KeyStore) load(key, kind string, v any) (bool, error) {
	b, ok, err := s.backend.Get(key)
	if err != nil {
		return false, fmt.Errorf("store: read %s: %w", kind, err)
	}
	if !ok {
		return false, nil
	}
	return true, decodeRecord(b, kind, v)
}

var _ domain.KeyStore = (*KeyStore)(nil)
