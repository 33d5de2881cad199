package ratchet

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"slices"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"roomcrypt/internal/crypto"
	"roomcrypt/internal/domain"
)

const (
	aeadKeySize = 32
	nonceSize   = chacha20poly1305.NonceSize

	// MaxSkipped bounds both the stored skipped keys and how far ahead of
	// the receiving chain a message may be.
	MaxSkipped = 1000
)

var (
	// ErrBadMessage means the message does not authenticate under this
	// state. The state is unchanged.
	ErrBadMessage = errors.New("ratchet: message does not authenticate")

	errChainUninitialised = errors.New("ratchet: chain key is uninitialised")
	errTooManySkipped     = fmt.Errorf("%w: too many skipped messages", ErrBadMessage)
)

// Header is sent alongside every ciphertext.
type Header struct {
	DHPub domain.X25519Public `cbor:"dh"`
	PN    uint32              `cbor:"pn"`
	N     uint32              `cbor:"n"`
}

// State contains all fields the Double Ratchet needs to track.
type State struct {
	RootKey   []byte               `cbor:"rk"`
	DHPriv    domain.X25519Private `cbor:"dh_priv"`
	DHPub     domain.X25519Public  `cbor:"dh_pub"`
	PeerDHPub domain.X25519Public  `cbor:"peer_dh_pub"`
	SendCK    []byte               `cbor:"send_ck,omitempty"`
	RecvCK    []byte               `cbor:"recv_ck,omitempty"`
	Ns        uint32               `cbor:"ns"`
	Nr        uint32               `cbor:"nr"`
	PN        uint32               `cbor:"pn"`
	Skipped   map[string][]byte    `cbor:"skipped,omitempty"`
}

// Clone returns a deep copy of st.
func (st *State) Clone() *State {
	out := *st
	out.RootKey = slices.Clone(st.RootKey)
	out.SendCK = slices.Clone(st.SendCK)
	out.RecvCK = slices.Clone(st.RecvCK)
	out.Skipped = make(map[string][]byte, len(st.Skipped))
	for k, v := range st.Skipped {
		out.Skipped[k] = slices.Clone(v)
	}
	return &out
}

// Wipe zeroes the secret parts of st.
func (st *State) Wipe() {
	crypto.Wipe(st.RootKey)
	crypto.Wipe(st.SendCK)
	crypto.Wipe(st.RecvCK)
	crypto.WipeX25519(&st.DHPriv)
	for _, mk := range st.Skipped {
		crypto.Wipe(mk)
	}
}

// InitAsInitiator seeds the sending chain from root using a fresh ratchet key
// and the peer's initial ratchet public key.
func InitAsInitiator(root []byte, peerRatchet domain.X25519Public) (*State, error) {
	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		return nil, err
	}
	dh, err := crypto.DH(priv, peerRatchet)
	if err != nil {
		return nil, err
	}
	newRK, sendCK := kdfRK(root, dh[:])
	crypto.Wipe(dh[:])

	return &State{
		RootKey:   newRK,
		DHPriv:    priv,
		DHPub:     pub,
		PeerDHPub: peerRatchet,
		SendCK:    sendCK,
		Skipped:   make(map[string][]byte),
	}, nil
}

// InitAsResponder seeds the receiving chain from root using our initial
// ratchet key pair and the sender's ratchet public key.
func InitAsResponder(
	root []byte,
	ourPriv domain.X25519Private,
	ourPub domain.X25519Public,
	senderRatchet domain.X25519Public,
) (*State, error) {
	dh, err := crypto.DH(ourPriv, senderRatchet)
	if err != nil {
		return nil, err
	}
	newRK, recvCK := kdfRK(root, dh[:])
	crypto.Wipe(dh[:])

	return &State{
		RootKey:   newRK,
		DHPriv:    ourPriv,
		DHPub:     ourPub,
		PeerDHPub: senderRatchet,
		RecvCK:    recvCK,
		Skipped:   make(map[string][]byte),
	}, nil
}

// Encrypt produces a header and ciphertext, stepping the DH ratchet on the
// first send after receiving.
func Encrypt(st *State, ad, plaintext []byte) (Header, []byte, error) {
	if len(st.SendCK) == 0 {
		newPriv, newPub, err := crypto.GenerateX25519()
		if err != nil {
			return Header{}, nil, err
		}
		dh, err := crypto.DH(newPriv, st.PeerDHPub)
		if err != nil {
			return Header{}, nil, err
		}
		rk2, sendCK := kdfRK(st.RootKey, dh[:])
		crypto.Wipe(dh[:])

		st.PN = st.Ns
		st.Ns = 0
		st.RootKey = rk2
		st.DHPriv, st.DHPub = newPriv, newPub
		st.SendCK = sendCK
	}

	mk, err := kdfCKSend(st)
	if err != nil {
		return Header{}, nil, err
	}
	h := Header{DHPub: st.DHPub, PN: st.PN, N: st.Ns}

	ct, err := seal(mk, h, ad, plaintext)
	crypto.Wipe(mk)
	if err != nil {
		return Header{}, nil, err
	}
	st.Ns++
	return h, ct, nil
}

// Decrypt opens one message. On any error st is left exactly as it was;
// ErrBadMessage means the message is not for this state (or was already
// consumed).
func Decrypt(st *State, ad []byte, header Header, ciphertext []byte) ([]byte, error) {
	work := st.Clone()
	pt, err := decrypt(work, ad, header, ciphertext)
	if err != nil {
		work.Wipe()
		return nil, err
	}
	*st = *work
	return pt, nil
}

func decrypt(st *State, ad []byte, header Header, ciphertext []byte) ([]byte, error) {
	keyID := skippedKeyID(header.DHPub, header.N)
	if mk, ok := st.Skipped[keyID]; ok {
		pt, err := open(mk, header, ad, ciphertext)
		if err != nil {
			return nil, ErrBadMessage
		}
		delete(st.Skipped, keyID)
		crypto.Wipe(mk)
		return pt, nil
	}

	if header.DHPub != st.PeerDHPub {
		if err := skipUntil(st, header.PN); err != nil {
			return nil, err
		}
		if err := dhStep(st, header.DHPub); err != nil {
			return nil, err
		}
	}
	if err := skipUntil(st, header.N); err != nil {
		return nil, err
	}
	mk, err := kdfCKRecv(st)
	if err != nil {
		return nil, ErrBadMessage
	}
	pt, err := open(mk, header, ad, ciphertext)
	crypto.Wipe(mk)
	if err != nil {
		return nil, ErrBadMessage
	}
	st.Nr++
	return pt, nil
}

// dhStep advances the receiving and then the sending chain for a new remote
// ratchet key.
func dhStep(st *State, newPeer domain.X25519Public) error {
	dh, err := crypto.DH(st.DHPriv, newPeer)
	if err != nil {
		return ErrBadMessage
	}
	rk2, recvCK := kdfRK(st.RootKey, dh[:])
	crypto.Wipe(dh[:])

	newPriv, newPub, err := crypto.GenerateX25519()
	if err != nil {
		return err
	}
	dh2, err := crypto.DH(newPriv, newPeer)
	if err != nil {
		return ErrBadMessage
	}
	rk3, sendCK := kdfRK(rk2, dh2[:])
	crypto.Wipe(dh2[:])

	st.PN = st.Ns
	st.Ns, st.Nr = 0, 0
	st.RootKey = rk3
	st.DHPriv, st.DHPub = newPriv, newPub
	st.PeerDHPub = newPeer
	st.SendCK, st.RecvCK = sendCK, recvCK
	return nil
}

func seal(mk []byte, header Header, ad, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk[:aeadKeySize])
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonceFor(header), plaintext, associated(ad, header)), nil
}

func open(mk []byte, header Header, ad, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk[:aeadKeySize])
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonceFor(header), ciphertext, associated(ad, header))
}

func nonceFor(h Header) []byte {
	nonce := make([]byte, nonceSize)
	binary.BigEndian.PutUint32(nonce[nonceSize-4:], h.N)
	return nonce
}

func associated(ad []byte, h Header) []byte {
	out := make([]byte, 0, len(ad)+32+8)
	out = append(out, ad...)
	out = append(out, h.DHPub[:]...)
	out = binary.BigEndian.AppendUint32(out, h.PN)
	return binary.BigEndian.AppendUint32(out, h.N)
}

// HKDF-based KDFs with labels.
func kdfRK(rk, dh []byte) (newRK, ck []byte) {
	r := hkdf.New(sha256.New, dh, rk, []byte("roomcrypt|rk"))
	newRK = make([]byte, 32)
	ck = make([]byte, 32)
	_, _ = io.ReadFull(r, newRK)
	_, _ = io.ReadFull(r, ck)
	return
}

func kdfCK(ck []byte) (nextCK, mk []byte) {
	r := hkdf.New(sha256.New, ck, nil, []byte("roomcrypt|ck"))
	nextCK = make([]byte, 32)
	mk = make([]byte, 32)
	_, _ = io.ReadFull(r, nextCK)
	_, _ = io.ReadFull(r, mk)
	return
}

func kdfCKSend(st *State) ([]byte, error) {
	if len(st.SendCK) == 0 {
		return nil, errChainUninitialised
	}
	nextCK, mk := kdfCK(st.SendCK)
	crypto.Wipe(st.SendCK)
	st.SendCK = nextCK
	return mk, nil
}

func kdfCKRecv(st *State) ([]byte, error) {
	if len(st.RecvCK) == 0 {
		return nil, errChainUninitialised
	}
	nextCK, mk := kdfCK(st.RecvCK)
	crypto.Wipe(st.RecvCK)
	st.RecvCK = nextCK
	return mk, nil
}

// skippedKeyID is hex so that pickled maps carry valid UTF-8 keys.
func skippedKeyID(peer domain.X25519Public, n uint32) string {
	b := make([]byte, 32+4)
	copy(b, peer[:])
	binary.BigEndian.PutUint32(b[32:], n)
	return hex.EncodeToString(b)
}

// skipUntil derives and stores receiving keys up to (not including) n.
func skipUntil(st *State, n uint32) error {
	if len(st.RecvCK) == 0 || n <= st.Nr {
		return nil
	}
	if n-st.Nr > MaxSkipped {
		return errTooManySkipped
	}
	for st.Nr < n {
		mk, err := kdfCKRecv(st)
		if err != nil {
			return err
		}
		if len(st.Skipped) >= MaxSkipped {
			for k := range st.Skipped {
				delete(st.Skipped, k)
				break
			}
		}
		st.Skipped[skippedKeyID(st.PeerDHPub, st.Nr)] = mk
		st.Nr++
	}
	return nil
}
