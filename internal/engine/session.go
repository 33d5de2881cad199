package engine

import (
	"errors"
	"fmt"

	"roomcrypt/internal/codec"
	"roomcrypt/internal/crypto"
	"roomcrypt/internal/domain"
	"roomcrypt/internal/protocol/handshake"
	"roomcrypt/internal/protocol/ratchet"
)

const messageVersion = 1

// Session is one 1:1 ratchet session.
type Session struct {
	SessionID     domain.SessionID    `cbor:"id"`
	State         *ratchet.State      `cbor:"state"`
	TheirIdentity domain.X25519Public `cbor:"their_identity"`
	AD            []byte              `cbor:"ad"`

	// Handshake material. On the initiator PreKey is set until the first
	// message has been sent or a reply has arrived.
	PreKey     *preKeyHeader       `cbor:"pre_key,omitempty"`
	BaseKey    domain.X25519Public `cbor:"base_key"`
	OneTimeKey domain.X25519Public `cbor:"one_time_key"`

	Received bool `cbor:"received,omitempty"`
}

type preKeyHeader struct {
	IdentityKey domain.X25519Public `cbor:"ik"`
	BaseKey     domain.X25519Public `cbor:"bk"`
	OneTimeKey  domain.X25519Public `cbor:"ok"`
}

type normalMessage struct {
	V          int            `cbor:"v"`
	Header     ratchet.Header `cbor:"h"`
	Ciphertext []byte         `cbor:"c"`
}

type preKeyMessage struct {
	V       int          `cbor:"v"`
	Header  preKeyHeader `cbor:"h"`
	Message []byte       `cbor:"m"`
}

// NewOutboundSession starts a session towards theirIdentity using one of its
// one-time keys.
func (e *Engine) NewOutboundSession(
	acct domain.Account,
	theirIdentity domain.Curve25519Key,
	theirOneTime domain.Curve25519Key,
) (domain.Session, error) {
	a, ok := acct.(*Account)
	if !ok {
		return nil, fmt.Errorf("new outbound session: foreign account type %T", acct)
	}
	theirID, err := theirIdentity.Decode()
	if err != nil {
		return nil, err
	}
	otk, err := theirOneTime.Decode()
	if err != nil {
		return nil, err
	}

	basePriv, basePub, err := crypto.GenerateX25519()
	if err != nil {
		return nil, err
	}
	defer crypto.WipeX25519(&basePriv)

	root, err := handshake.InitiatorRootKey(a.IdentityPriv, basePriv, theirID, otk)
	if err != nil {
		return nil, err
	}
	defer crypto.Wipe(root)

	st, err := ratchet.InitAsInitiator(root, otk)
	if err != nil {
		return nil, err
	}
	return &Session{
		SessionID:     handshake.SessionID(a.IdentityPub, basePub, otk),
		State:         st,
		TheirIdentity: theirID,
		AD:            associatedData(a.IdentityPub, theirID),
		PreKey:        &preKeyHeader{IdentityKey: a.IdentityPub, BaseKey: basePub, OneTimeKey: otk},
		BaseKey:       basePub,
		OneTimeKey:    otk,
	}, nil
}

// NewInboundSession creates the receiving side from a pre-key message. It
// does not decrypt the message; call Decrypt afterwards.
func (e *Engine) NewInboundSession(
	acct domain.Account,
	theirIdentity domain.Curve25519Key,
	msg []byte,
) (domain.Session, error) {
	a, ok := acct.(*Account)
	if !ok {
		return nil, fmt.Errorf("new inbound session: foreign account type %T", acct)
	}
	theirID, err := theirIdentity.Decode()
	if err != nil {
		return nil, err
	}
	pk, inner, err := parsePreKey(msg)
	if err != nil {
		return nil, err
	}
	if pk.Header.IdentityKey != theirID {
		return nil, fmt.Errorf("%w: pre-key message from a different identity", ErrBadMessage)
	}
	otk, ok := a.oneTimeKey(pk.Header.OneTimeKey)
	if !ok {
		return nil, ErrUnknownOneTimeKey
	}

	root, err := handshake.ResponderRootKey(a.IdentityPriv, otk.Priv, theirID, pk.Header.BaseKey)
	if err != nil {
		return nil, err
	}
	defer crypto.Wipe(root)

	st, err := ratchet.InitAsResponder(root, otk.Priv, otk.Pub, inner.Header.DHPub)
	if err != nil {
		return nil, err
	}
	return &Session{
		SessionID:     handshake.SessionID(theirID, pk.Header.BaseKey, otk.Pub),
		State:         st,
		TheirIdentity: theirID,
		AD:            associatedData(theirID, a.IdentityPub),
		BaseKey:       pk.Header.BaseKey,
		OneTimeKey:    otk.Pub,
	}, nil
}

// UnpickleSession restores a session sealed by Session.Pickle.
func (e *Engine) UnpickleSession(p, key []byte) (domain.Session, error) {
	var s Session
	if err := unpickle("session", key, p, &s); err != nil {
		return nil, err
	}
	if s.State == nil {
		return nil, fmt.Errorf("unpickle session %s: missing ratchet state", s.SessionID)
	}
	if s.State.Skipped == nil {
		s.State.Skipped = make(map[string][]byte)
	}
	return &s, nil
}

// ID returns the session id.
func (s *Session) ID() domain.SessionID { return s.SessionID }

// HasReceivedMessage reports whether the peer has sent anything on this
// session.
func (s *Session) HasReceivedMessage() bool { return s.Received }

// MatchesInbound reports whether msg is a pre-key message for this session.
func (s *Session) MatchesInbound(theirIdentity domain.Curve25519Key, msg []byte) bool {
	theirID, err := theirIdentity.Decode()
	if err != nil || theirID != s.TheirIdentity {
		return false
	}
	pk, _, err := parsePreKey(msg)
	if err != nil {
		return false
	}
	return pk.Header.IdentityKey == theirID &&
		pk.Header.BaseKey == s.BaseKey &&
		pk.Header.OneTimeKey == s.OneTimeKey
}

// Encrypt advances the sending chain. Only the first message of an
// initiated session is a pre-key message.
func (s *Session) Encrypt(plaintext []byte) (domain.MessageType, []byte, error) {
	header, ct, err := ratchet.Encrypt(s.State, s.AD, plaintext)
	if err != nil {
		return 0, nil, err
	}
	msg, err := codec.Marshal(normalMessage{V: messageVersion, Header: header, Ciphertext: ct})
	if err != nil {
		return 0, nil, err
	}
	if s.PreKey == nil {
		return domain.MessageTypeNormal, msg, nil
	}
	wrapped, err := codec.Marshal(preKeyMessage{V: messageVersion, Header: *s.PreKey, Message: msg})
	if err != nil {
		return 0, nil, err
	}
	s.PreKey = nil
	return domain.MessageTypePreKey, wrapped, nil
}

// Decrypt opens one message. The session is unchanged when it fails.
func (s *Session) Decrypt(typ domain.MessageType, msg []byte) ([]byte, error) {
	var inner normalMessage
	switch typ {
	case domain.MessageTypePreKey:
		pk, m, err := parsePreKey(msg)
		if err != nil {
			return nil, err
		}
		if pk.Header.BaseKey != s.BaseKey || pk.Header.OneTimeKey != s.OneTimeKey {
			return nil, fmt.Errorf("%w: pre-key message for another session", ErrBadMessage)
		}
		inner = m
	case domain.MessageTypeNormal:
		m, err := parseNormal(msg)
		if err != nil {
			return nil, err
		}
		inner = m
	default:
		return nil, fmt.Errorf("%w: message type %d", ErrBadMessage, typ)
	}

	pt, err := ratchet.Decrypt(s.State, s.AD, inner.Header, inner.Ciphertext)
	if err != nil {
		if errors.Is(err, ratchet.ErrBadMessage) {
			return nil, fmt.Errorf("%w: %v", ErrBadMessage, err)
		}
		return nil, err
	}
	s.Received = true
	s.PreKey = nil
	return pt, nil
}

// Pickle seals the session under key.
func (s *Session) Pickle(key []byte) ([]byte, error) {
	return pickle("session", key, s)
}

func parseNormal(msg []byte) (normalMessage, error) {
	var m normalMessage
	if err := codec.Unmarshal(msg, &m); err != nil {
		return m, fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	if m.V > messageVersion {
		return m, fmt.Errorf("%w: message version %d", ErrBadMessage, m.V)
	}
	return m, nil
}

func parsePreKey(msg []byte) (preKeyMessage, normalMessage, error) {
	var pk preKeyMessage
	if err := codec.Unmarshal(msg, &pk); err != nil {
		return pk, normalMessage{}, fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	if pk.V > messageVersion {
		return pk, normalMessage{}, fmt.Errorf("%w: message version %d", ErrBadMessage, pk.V)
	}
	inner, err := parseNormal(pk.Message)
	return pk, inner, err
}

func associatedData(initiator, responder domain.X25519Public) []byte {
	ad := make([]byte, 0, 64)
	ad = append(ad, initiator[:]...)
	return append(ad, responder[:]...)
}
