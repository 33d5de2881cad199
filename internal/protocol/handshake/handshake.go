package handshake

import (
	"crypto/sha256"
	"io"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/hkdf"

	"roomcrypt/internal/crypto"
	"roomcrypt/internal/domain"
)

const rootInfo = "roomcrypt-3dh"

// InitiatorRootKey derives the root key on the initiating side.
func InitiatorRootKey(
	ourIdentity domain.X25519Private,
	ourBase domain.X25519Private,
	theirIdentity domain.X25519Public,
	theirOneTime domain.X25519Public,
) ([]byte, error) {
	return rootKey(
		pairing{ourIdentity, theirOneTime},
		pairing{ourBase, theirIdentity},
		pairing{ourBase, theirOneTime},
	)
}

// ResponderRootKey derives the same root key on the receiving side.
func ResponderRootKey(
	ourIdentity domain.X25519Private,
	ourOneTime domain.X25519Private,
	theirIdentity domain.X25519Public,
	theirBase domain.X25519Public,
) ([]byte, error) {
	return rootKey(
		pairing{ourOneTime, theirIdentity},
		pairing{ourIdentity, theirBase},
		pairing{ourOneTime, theirBase},
	)
}

// SessionID names the session created by one handshake. Both sides compute
// the same value.
func SessionID(initiatorIdentity, base, oneTime domain.X25519Public) domain.SessionID {
	h := blake3.New()
	_, _ = h.Write(initiatorIdentity[:])
	_, _ = h.Write(base[:])
	_, _ = h.Write(oneTime[:])
	return domain.SessionID(crypto.B64(h.Sum(nil)))
}

type pairing struct {
	priv domain.X25519Private
	pub  domain.X25519Public
}

func rootKey(pairs ...pairing) ([]byte, error) {
	secret := make([]byte, 0, 32*len(pairs))
	for _, p := range pairs {
		dh, err := crypto.DH(p.priv, p.pub)
		if err != nil {
			return nil, err
		}
		secret = append(secret, dh[:]...)
		crypto.Wipe(dh[:])
	}
	defer crypto.Wipe(secret)

	root := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(rootInfo)), root); err != nil {
		return nil, err
	}
	return root, nil
}
