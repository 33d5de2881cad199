package engine

import (
	"encoding/binary"
	"fmt"

	"roomcrypt/internal/crypto"
	"roomcrypt/internal/domain"
)

// maxOneTimeKeys is how many one-time keys an account holds at most. When
// generation would exceed it the oldest keys are dropped.
const maxOneTimeKeys = 100

type oneTimeKey struct {
	ID        domain.KeyID         `cbor:"id"`
	Priv      domain.X25519Private `cbor:"priv"`
	Pub       domain.X25519Public  `cbor:"pub"`
	Published bool                 `cbor:"published,omitempty"`
}

// Account is the device's identity and one-time key pool.
type Account struct {
	IdentityPriv domain.X25519Private  `cbor:"identity_priv"`
	IdentityPub  domain.X25519Public   `cbor:"identity_pub"`
	SigningPriv  domain.Ed25519Private `cbor:"signing_priv"`
	SigningPub   domain.Ed25519Public  `cbor:"signing_pub"`
	Keys         []oneTimeKey          `cbor:"one_time_keys,omitempty"`
	NextKeyID    uint32                `cbor:"next_key_id"`
}

// NewAccount creates an account with fresh identity and signing keys.
func (e *Engine) NewAccount() (domain.Account, error) {
	xPriv, xPub, err := crypto.GenerateX25519()
	if err != nil {
		return nil, err
	}
	edPriv, edPub, err := crypto.GenerateEd25519()
	if err != nil {
		return nil, err
	}
	return &Account{
		IdentityPriv: xPriv,
		IdentityPub:  xPub,
		SigningPriv:  edPriv,
		SigningPub:   edPub,
		NextKeyID:    1,
	}, nil
}

// UnpickleAccount restores an account sealed by Account.Pickle.
func (e *Engine) UnpickleAccount(p, key []byte) (domain.Account, error) {
	var a Account
	if err := unpickle("account", key, p, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// IdentityKeys returns the Curve25519 identity key and Ed25519 signing key.
func (a *Account) IdentityKeys() (domain.Curve25519Key, domain.Ed25519Key) {
	return a.IdentityPub.Encode(), a.SigningPub.Encode()
}

// Sign signs message with the account's signing key.
func (a *Account) Sign(message []byte) []byte {
	return crypto.SignEd25519(a.SigningPriv, message)
}

// GenerateOneTimeKeys adds count unpublished keys to the pool.
func (a *Account) GenerateOneTimeKeys(count int) error {
	for range count {
		priv, pub, err := crypto.GenerateX25519()
		if err != nil {
			return err
		}
		var id [4]byte
		binary.BigEndian.PutUint32(id[:], a.NextKeyID)
		a.NextKeyID++
		a.Keys = append(a.Keys, oneTimeKey{ID: domain.KeyID(crypto.B64(id[:])), Priv: priv, Pub: pub})
	}
	if extra := len(a.Keys) - maxOneTimeKeys; extra > 0 {
		for i := range a.Keys[:extra] {
			crypto.WipeX25519(&a.Keys[i].Priv)
		}
		a.Keys = append([]oneTimeKey(nil), a.Keys[extra:]...)
	}
	return nil
}

// OneTimeKeys returns the keys not yet published.
func (a *Account) OneTimeKeys() map[domain.KeyID]domain.Curve25519Key {
	out := make(map[domain.KeyID]domain.Curve25519Key)
	for _, k := range a.Keys {
		if !k.Published {
			out[k.ID] = k.Pub.Encode()
		}
	}
	return out
}

// MarkKeysAsPublished marks every current key as published.
func (a *Account) MarkKeysAsPublished() {
	for i := range a.Keys {
		a.Keys[i].Published = true
	}
}

// MaxNumberOfOneTimeKeys is the pool capacity.
func (a *Account) MaxNumberOfOneTimeKeys() int { return maxOneTimeKeys }

// RemoveOneTimeKeys drops the one-time key an inbound session consumed.
func (a *Account) RemoveOneTimeKeys(s domain.Session) error {
	sess, ok := s.(*Session)
	if !ok {
		return fmt.Errorf("remove one-time keys: foreign session type %T", s)
	}
	for i, k := range a.Keys {
		if k.Pub == sess.OneTimeKey {
			crypto.WipeX25519(&a.Keys[i].Priv)
			a.Keys = append(a.Keys[:i], a.Keys[i+1:]...)
			return nil
		}
	}
	return ErrUnknownOneTimeKey
}

// Pickle seals the account under key.
func (a *Account) Pickle(key []byte) ([]byte, error) {
	return pickle("account", key, a)
}

// Clear wipes all private key material.
func (a *Account) Clear() {
	crypto.WipeX25519(&a.IdentityPriv)
	crypto.WipeEd25519(&a.SigningPriv)
	for i := range a.Keys {
		crypto.WipeX25519(&a.Keys[i].Priv)
	}
	a.Keys = nil
}

func (a *Account) oneTimeKey(pub domain.X25519Public) (oneTimeKey, bool) {
	for _, k := range a.Keys {
		if k.Pub == pub {
			return k, true
		}
	}
	return oneTimeKey{}, false
}
