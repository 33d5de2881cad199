package engine

import (
	"errors"
	"fmt"

	"roomcrypt/internal/codec"
	"roomcrypt/internal/crypto"
	"roomcrypt/internal/domain"
)

const pickleVersion = 1

var (
	// ErrBadMessage means a message or key does not belong to the object it
	// was offered to. It never indicates corrupted state.
	ErrBadMessage = domain.ErrBadMessage

	// ErrUnknownOneTimeKey means a pre-key message names a one-time key the
	// account does not hold.
	ErrUnknownOneTimeKey = domain.ErrUnknownOneTimeKey

	// ErrWrongPickleKey means a pickle could not be opened with the key.
	ErrWrongPickleKey = errors.New("engine: wrong pickle key or corrupt pickle")

	// ErrBadSignature is returned by VerifySignature.
	ErrBadSignature = errors.New("engine: bad signature")

	errPickleVersion = errors.New("engine: unsupported pickle version")
)

// Engine implements domain.CryptoEngine. It holds no state of its own and is
// safe for concurrent use; the objects it returns are not.
type Engine struct{}

// New returns an Engine.
func New() *Engine { return &Engine{} }

// VerifySignature checks an Ed25519 signature by key over message.
func (e *Engine) VerifySignature(key domain.Ed25519Key, message, signature []byte) error {
	pub, err := key.Decode()
	if err != nil {
		return err
	}
	if !crypto.VerifyEd25519(pub, message, signature) {
		return ErrBadSignature
	}
	return nil
}

type pickleEnvelope struct {
	V    int    `cbor:"v"`
	Body []byte `cbor:"b"`
}

func pickle(kind string, key []byte, v any) ([]byte, error) {
	body, err := codec.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("pickle %s: %w", kind, err)
	}
	defer crypto.Wipe(body)
	env, err := codec.Marshal(pickleEnvelope{V: pickleVersion, Body: body})
	if err != nil {
		return nil, fmt.Errorf("pickle %s: %w", kind, err)
	}
	defer crypto.Wipe(env)
	return crypto.Seal(key, env, []byte("roomcrypt-pickle|"+kind))
}

func unpickle(kind string, key, sealed []byte, v any) error {
	env, err := crypto.Open(key, sealed, []byte("roomcrypt-pickle|"+kind))
	if err != nil {
		if errors.Is(err, crypto.ErrSealedCorrupt) {
			return ErrWrongPickleKey
		}
		return err
	}
	defer crypto.Wipe(env)
	var pe pickleEnvelope
	if err := codec.Unmarshal(env, &pe); err != nil {
		return fmt.Errorf("unpickle %s: %w", kind, err)
	}
	if pe.V > pickleVersion {
		return fmt.Errorf("unpickle %s: %w %d", kind, errPickleVersion, pe.V)
	}
	defer crypto.Wipe(pe.Body)
	if err := codec.Unmarshal(pe.Body, v); err != nil {
		return fmt.Errorf("unpickle %s: %w", kind, err)
	}
	return nil
}

// Compile-time assertions.
var (
	_ domain.CryptoEngine         = (*Engine)(nil)
	_ domain.Account              = (*Account)(nil)
	_ domain.Session              = (*Session)(nil)
	_ domain.OutboundGroupSession = (*OutboundGroupSession)(nil)
	_ domain.InboundGroupSession  = (*InboundGroupSession)(nil)
)
