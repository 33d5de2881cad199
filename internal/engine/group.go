package engine

import (
	"errors"
	"fmt"

	"roomcrypt/internal/crypto"
	"roomcrypt/internal/domain"
	"roomcrypt/internal/protocol/megolm"
)

// OutboundGroupSession is the sending side of a group session.
type OutboundGroupSession struct {
	inner *megolm.Outbound
}

// InboundGroupSession is the receiving side of a group session.
type InboundGroupSession struct {
	inner *megolm.Inbound
}

// NewOutboundGroupSession creates a group session at index 0.
func (e *Engine) NewOutboundGroupSession() (domain.OutboundGroupSession, error) {
	o, err := megolm.NewOutbound()
	if err != nil {
		return nil, err
	}
	return &OutboundGroupSession{inner: o}, nil
}

// UnpickleOutboundGroupSession restores a session sealed by Pickle.
func (e *Engine) UnpickleOutboundGroupSession(p, key []byte) (domain.OutboundGroupSession, error) {
	var o megolm.Outbound
	if err := unpickle("outbound_group", key, p, &o); err != nil {
		return nil, err
	}
	return &OutboundGroupSession{inner: &o}, nil
}

// NewInboundGroupSession builds an inbound session from a signed session key.
func (e *Engine) NewInboundGroupSession(sessionKey string) (domain.InboundGroupSession, error) {
	raw, err := crypto.UnB64(sessionKey)
	if err != nil {
		return nil, fmt.Errorf("%w: session key: %v", ErrBadMessage, err)
	}
	in, err := megolm.NewInbound(raw)
	if err != nil {
		return nil, groupError(err)
	}
	return &InboundGroupSession{inner: in}, nil
}

// ImportInboundGroupSession builds an inbound session from an export.
func (e *Engine) ImportInboundGroupSession(exported string) (domain.InboundGroupSession, error) {
	raw, err := crypto.UnB64(exported)
	if err != nil {
		return nil, fmt.Errorf("%w: exported key: %v", ErrBadMessage, err)
	}
	in, err := megolm.Import(raw)
	if err != nil {
		return nil, groupError(err)
	}
	return &InboundGroupSession{inner: in}, nil
}

// UnpickleInboundGroupSession restores a session sealed by Pickle.
func (e *Engine) UnpickleInboundGroupSession(p, key []byte) (domain.InboundGroupSession, error) {
	var in megolm.Inbound
	if err := unpickle("inbound_group", key, p, &in); err != nil {
		return nil, err
	}
	return &InboundGroupSession{inner: &in}, nil
}

func (s *OutboundGroupSession) ID() domain.SessionID { return s.inner.ID() }

// MessageIndex is the index the next message will be encrypted at.
func (s *OutboundGroupSession) MessageIndex() uint32 { return s.inner.Ratchet.Index }

// SessionKey exports the ratchet at the current index.
func (s *OutboundGroupSession) SessionKey() string {
	key, err := s.inner.SessionKey()
	if err != nil {
		// Encoding fixed-size fields cannot fail.
		panic("engine: session key encoding: " + err.Error())
	}
	return crypto.B64(key)
}

func (s *OutboundGroupSession) Encrypt(plaintext []byte) ([]byte, error) {
	return s.inner.Encrypt(plaintext)
}

func (s *OutboundGroupSession) Pickle(key []byte) ([]byte, error) {
	return pickle("outbound_group", key, s.inner)
}

func (s *InboundGroupSession) ID() domain.SessionID { return s.inner.ID() }

func (s *InboundGroupSession) FirstKnownIndex() uint32 { return s.inner.Initial.Index }

func (s *InboundGroupSession) Decrypt(message []byte) ([]byte, uint32, error) {
	pt, index, err := s.inner.Decrypt(message)
	if err != nil {
		return nil, 0, groupError(err)
	}
	return pt, index, nil
}

func (s *InboundGroupSession) Export(index uint32) (string, error) {
	raw, err := s.inner.Export(index)
	if err != nil {
		return "", groupError(err)
	}
	return crypto.B64(raw), nil
}

func (s *InboundGroupSession) Pickle(key []byte) ([]byte, error) {
	return pickle("inbound_group", key, s.inner)
}

// groupError classifies megolm errors caused by the input as ErrBadMessage.
func groupError(err error) error {
	switch {
	case errors.Is(err, megolm.ErrBadSignature),
		errors.Is(err, megolm.ErrBadMessage),
		errors.Is(err, megolm.ErrMalformed),
		errors.Is(err, megolm.ErrUnknownIndex),
		errors.Is(err, megolm.ErrTooFarAhead):
		return fmt.Errorf("%w: %v", ErrBadMessage, err)
	default:
		return err
	}
}
