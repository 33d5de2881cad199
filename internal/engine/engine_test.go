package engine_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomcrypt/internal/domain"
	"roomcrypt/internal/engine"
)

var pickleKey = bytes.Repeat([]byte{0x11}, 32)

// establish returns an account pair and an outbound session from a to b.
func establish(t *testing.T, e *engine.Engine) (a, b domain.Account, out domain.Session) {
	t.Helper()
	var err error
	a, err = e.NewAccount()
	require.NoError(t, err)
	b, err = e.NewAccount()
	require.NoError(t, err)

	require.NoError(t, b.GenerateOneTimeKeys(1))
	var otk domain.Curve25519Key
	for _, k := range b.OneTimeKeys() {
		otk = k
	}
	bIdentity, _ := b.IdentityKeys()
	out, err = e.NewOutboundSession(a, bIdentity, otk)
	require.NoError(t, err)
	return a, b, out
}

func TestOneToOneExchange(t *testing.T) {
	e := engine.New()
	a, b, out := establish(t, e)
	aIdentity, _ := a.IdentityKeys()

	typ, msg, err := out.Encrypt([]byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, domain.MessageTypePreKey, typ)

	in, err := e.NewInboundSession(b, aIdentity, msg)
	require.NoError(t, err)
	assert.Equal(t, out.ID(), in.ID())
	assert.True(t, in.MatchesInbound(aIdentity, msg))

	pt, err := in.Decrypt(typ, msg)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(pt))
	require.NoError(t, b.RemoveOneTimeKeys(in))
	assert.Empty(t, b.OneTimeKeys())

	typ, msg, err = out.Encrypt([]byte("again"))
	require.NoError(t, err)
	assert.Equal(t, domain.MessageTypeNormal, typ)
	pt, err = in.Decrypt(typ, msg)
	require.NoError(t, err)
	assert.Equal(t, "again", string(pt))

	typ, msg, err = in.Encrypt([]byte("reply"))
	require.NoError(t, err)
	assert.Equal(t, domain.MessageTypeNormal, typ)
	pt, err = out.Decrypt(typ, msg)
	require.NoError(t, err)
	assert.Equal(t, "reply", string(pt))
	assert.True(t, out.HasReceivedMessage())
}

func TestDecryptWrongSessionIsBadMessage(t *testing.T) {
	e := engine.New()
	a, b, out := establish(t, e)
	aIdentity, _ := a.IdentityKeys()

	typ, msg, err := out.Encrypt([]byte("first"))
	require.NoError(t, err)
	in, err := e.NewInboundSession(b, aIdentity, msg)
	require.NoError(t, err)
	_, err = in.Decrypt(typ, msg)
	require.NoError(t, err)

	_, _, other := establish(t, e)
	_, _, err = other.Encrypt([]byte("x"))
	require.NoError(t, err)
	typ, msg, err = other.Encrypt([]byte("not for you"))
	require.NoError(t, err)

	_, err = in.Decrypt(typ, msg)
	assert.ErrorIs(t, err, engine.ErrBadMessage)
}

func TestPickleRoundTrip(t *testing.T) {
	e := engine.New()
	a, b, out := establish(t, e)
	aIdentity, aSigning := a.IdentityKeys()

	p, err := a.Pickle(pickleKey)
	require.NoError(t, err)
	restored, err := e.UnpickleAccount(p, pickleKey)
	require.NoError(t, err)
	gotIdentity, gotSigning := restored.IdentityKeys()
	assert.Equal(t, aIdentity, gotIdentity)
	assert.Equal(t, aSigning, gotSigning)

	_, err = e.UnpickleAccount(p, bytes.Repeat([]byte{0x22}, 32))
	assert.ErrorIs(t, err, engine.ErrWrongPickleKey)

	// A session pickle is not an account pickle.
	sp, err := out.Pickle(pickleKey)
	require.NoError(t, err)
	_, err = e.UnpickleAccount(sp, pickleKey)
	assert.ErrorIs(t, err, engine.ErrWrongPickleKey)

	restoredOut, err := e.UnpickleSession(sp, pickleKey)
	require.NoError(t, err)
	typ, msg, err := restoredOut.Encrypt([]byte("after restore"))
	require.NoError(t, err)
	in, err := e.NewInboundSession(b, aIdentity, msg)
	require.NoError(t, err)
	pt, err := in.Decrypt(typ, msg)
	require.NoError(t, err)
	assert.Equal(t, "after restore", string(pt))
}

func TestSignatures(t *testing.T) {
	e := engine.New()
	a, err := e.NewAccount()
	require.NoError(t, err)
	_, signing := a.IdentityKeys()

	sig := a.Sign([]byte("payload"))
	require.NoError(t, e.VerifySignature(signing, []byte("payload"), sig))
	assert.ErrorIs(t, e.VerifySignature(signing, []byte("other"), sig), engine.ErrBadSignature)
}

func TestOneTimeKeyPool(t *testing.T) {
	e := engine.New()
	a, err := e.NewAccount()
	require.NoError(t, err)

	require.NoError(t, a.GenerateOneTimeKeys(5))
	assert.Len(t, a.OneTimeKeys(), 5)
	a.MarkKeysAsPublished()
	assert.Empty(t, a.OneTimeKeys())

	require.NoError(t, a.GenerateOneTimeKeys(a.MaxNumberOfOneTimeKeys()))
	assert.Len(t, a.OneTimeKeys(), a.MaxNumberOfOneTimeKeys())
}

func TestGroupSessions(t *testing.T) {
	e := engine.New()
	out, err := e.NewOutboundGroupSession()
	require.NoError(t, err)
	assert.Equal(t, uint32(0), out.MessageIndex())

	in, err := e.NewInboundGroupSession(out.SessionKey())
	require.NoError(t, err)
	assert.Equal(t, out.ID(), in.ID())

	msg, err := out.Encrypt([]byte("room message"))
	require.NoError(t, err)
	assert.Equal(t, uint32(1), out.MessageIndex())

	pt, index, err := in.Decrypt(msg)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), index)
	assert.Equal(t, "room message", string(pt))

	p, err := in.Pickle(pickleKey)
	require.NoError(t, err)
	restored, err := e.UnpickleInboundGroupSession(p, pickleKey)
	require.NoError(t, err)
	pt, _, err = restored.Decrypt(msg)
	require.NoError(t, err)
	assert.Equal(t, "room message", string(pt))

	other, err := e.NewOutboundGroupSession()
	require.NoError(t, err)
	foreign, err := other.Encrypt([]byte("x"))
	require.NoError(t, err)
	_, _, err = in.Decrypt(foreign)
	assert.ErrorIs(t, err, engine.ErrBadMessage)
}
