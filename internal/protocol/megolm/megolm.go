package megolm

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"roomcrypt/internal/codec"
	"roomcrypt/internal/crypto"
	"roomcrypt/internal/domain"
)

const (
	formatVersion = 1
	signatureSize = 64

	// MaxAdvance bounds how many steps a receiver derives for one message.
	MaxAdvance = 1 << 16
)

var (
	ErrBadSignature  = errors.New("megolm: bad signature")
	ErrUnknownIndex  = errors.New("megolm: message index precedes first known index")
	ErrTooFarAhead   = errors.New("megolm: message index too far ahead")
	ErrBadMessage    = errors.New("megolm: message does not authenticate")
	ErrMalformed     = errors.New("megolm: malformed input")
	errVersionTooNew = errors.New("megolm: unsupported format version")
)

// Ratchet is the hash ratchet at a given index.
type Ratchet struct {
	Index uint32   `cbor:"i"`
	Key   [32]byte `cbor:"k"`
}

// Advance moves the ratchet one step forward and discards the old key.
func (r *Ratchet) Advance() {
	mac := hmac.New(sha256.New, r.Key[:])
	mac.Write([]byte{0x01})
	next := mac.Sum(nil)
	crypto.Wipe(r.Key[:])
	copy(r.Key[:], next)
	crypto.Wipe(next)
	r.Index++
}

// AdvanceTo returns a copy of r moved forward to index.
func (r Ratchet) AdvanceTo(index uint32) (Ratchet, error) {
	if index < r.Index {
		return Ratchet{}, ErrUnknownIndex
	}
	if index-r.Index > MaxAdvance {
		return Ratchet{}, ErrTooFarAhead
	}
	out := r
	for out.Index < index {
		out.Advance()
	}
	return out, nil
}

func (r Ratchet) messageKey() []byte {
	key := make([]byte, chacha20poly1305.KeySize)
	_, _ = io.ReadFull(hkdf.New(sha256.New, r.Key[:], nil, []byte("roomcrypt-megolm-keys")), key)
	return key
}

// Outbound is the sending side of a group session.
type Outbound struct {
	Ratchet     Ratchet               `cbor:"ratchet"`
	SigningPriv domain.Ed25519Private `cbor:"signing_priv"`
	SigningPub  domain.Ed25519Public  `cbor:"signing_pub"`
}

// NewOutbound creates a session with a random ratchet at index 0.
func NewOutbound() (*Outbound, error) {
	priv, pub, err := crypto.GenerateEd25519()
	if err != nil {
		return nil, err
	}
	o := &Outbound{SigningPriv: priv, SigningPub: pub}
	if _, err := io.ReadFull(rand.Reader, o.Ratchet.Key[:]); err != nil {
		return nil, err
	}
	return o, nil
}

// ID is the session id: the signing public key in base64.
func (o *Outbound) ID() domain.SessionID { return sessionID(o.SigningPub) }

// Encrypt seals plaintext at the current index and advances the ratchet.
func (o *Outbound) Encrypt(plaintext []byte) ([]byte, error) {
	key := o.Ratchet.messageKey()
	defer crypto.Wipe(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	body, err := codec.Marshal(message{
		V:          formatVersion,
		Index:      o.Ratchet.Index,
		Ciphertext: aead.Seal(nil, nonce, plaintext, ad(o.SigningPub, o.Ratchet.Index)),
	})
	if err != nil {
		return nil, err
	}
	o.Ratchet.Advance()
	return append(body, crypto.SignEd25519(o.SigningPriv, body)...), nil
}

// SessionKey exports the ratchet at its current index, signed by the
// session's signing key.
func (o *Outbound) SessionKey() ([]byte, error) {
	body, err := codec.Marshal(exportedKey{
		V:          formatVersion,
		Ratchet:    o.Ratchet,
		SigningPub: o.SigningPub,
	})
	if err != nil {
		return nil, err
	}
	return append(body, crypto.SignEd25519(o.SigningPriv, body)...), nil
}

// Inbound is the receiving side of a group session.
type Inbound struct {
	Initial    Ratchet              `cbor:"initial"`
	SigningPub domain.Ed25519Public `cbor:"signing_pub"`
}

// NewInbound builds an inbound session from a signed session key.
func NewInbound(sessionKey []byte) (*Inbound, error) {
	if len(sessionKey) <= signatureSize {
		return nil, ErrMalformed
	}
	body, sig := split(sessionKey)
	var k exportedKey
	if err := decode(body, &k); err != nil {
		return nil, err
	}
	if !crypto.VerifyEd25519(k.SigningPub, body, sig) {
		return nil, ErrBadSignature
	}
	return &Inbound{Initial: k.Ratchet, SigningPub: k.SigningPub}, nil
}

// Import builds an inbound session from Export output. Exports are not
// signed; their authenticity rests on the channel they arrived through.
func Import(exported []byte) (*Inbound, error) {
	var k exportedKey
	if err := decode(exported, &k); err != nil {
		return nil, err
	}
	return &Inbound{Initial: k.Ratchet, SigningPub: k.SigningPub}, nil
}

// ID is the session id: the signing public key in base64.
func (in *Inbound) ID() domain.SessionID { return sessionID(in.SigningPub) }

// Decrypt verifies and opens message, returning the plaintext and its index.
func (in *Inbound) Decrypt(msg []byte) ([]byte, uint32, error) {
	if len(msg) <= signatureSize {
		return nil, 0, ErrMalformed
	}
	body, sig := split(msg)
	if !crypto.VerifyEd25519(in.SigningPub, body, sig) {
		return nil, 0, ErrBadSignature
	}
	var m message
	if err := decode(body, &m); err != nil {
		return nil, 0, err
	}
	r, err := in.Initial.AdvanceTo(m.Index)
	if err != nil {
		return nil, 0, err
	}
	key := r.messageKey()
	defer crypto.Wipe(key)
	crypto.Wipe(r.Key[:])

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, 0, err
	}
	pt, err := aead.Open(nil, make([]byte, aead.NonceSize()), m.Ciphertext, ad(in.SigningPub, m.Index))
	if err != nil {
		return nil, 0, ErrBadMessage
	}
	return pt, m.Index, nil
}

// Export returns the ratchet at index in a form Import accepts.
func (in *Inbound) Export(index uint32) ([]byte, error) {
	r, err := in.Initial.AdvanceTo(index)
	if err != nil {
		return nil, err
	}
	return codec.Marshal(exportedKey{V: formatVersion, Ratchet: r, SigningPub: in.SigningPub})
}

// ParseIndex reads the ratchet index of a message without verifying it.
func ParseIndex(msg []byte) (uint32, error) {
	if len(msg) <= signatureSize {
		return 0, ErrMalformed
	}
	body, _ := split(msg)
	var m message
	if err := decode(body, &m); err != nil {
		return 0, err
	}
	return m.Index, nil
}

type message struct {
	V          int    `cbor:"v"`
	Index      uint32 `cbor:"i"`
	Ciphertext []byte `cbor:"c"`
}

type exportedKey struct {
	V          int                  `cbor:"v"`
	Ratchet    Ratchet              `cbor:"r"`
	SigningPub domain.Ed25519Public `cbor:"s"`
}

func decode(b []byte, v interface{ version() int }) error {
	if err := codec.Unmarshal(b, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if v.version() > formatVersion {
		return errVersionTooNew
	}
	return nil
}

func (m *message) version() int     { return m.V }
func (k *exportedKey) version() int { return k.V }

func split(b []byte) (body, sig []byte) {
	n := len(b) - signatureSize
	return b[:n], b[n:]
}

func ad(signing domain.Ed25519Public, index uint32) []byte {
	return binary.BigEndian.AppendUint32(append([]byte(nil), signing[:]...), index)
}

func sessionID(pub domain.Ed25519Public) domain.SessionID {
	return domain.SessionID(crypto.B64(pub[:]))
}
