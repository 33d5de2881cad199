package megolm_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomcrypt/internal/protocol/megolm"
)

func TestGroupRoundTrip(t *testing.T) {
	out, err := megolm.NewOutbound()
	require.NoError(t, err)

	key, err := out.SessionKey()
	require.NoError(t, err)
	in, err := megolm.NewInbound(key)
	require.NoError(t, err)
	assert.Equal(t, out.ID(), in.ID())

	for i := range 5 {
		msg, err := out.Encrypt([]byte(fmt.Sprintf("msg %d", i)))
		require.NoError(t, err)

		pt, index, err := in.Decrypt(msg)
		require.NoError(t, err)
		assert.Equal(t, uint32(i), index)
		assert.Equal(t, fmt.Sprintf("msg %d", i), string(pt))
	}
	assert.Equal(t, uint32(5), out.Ratchet.Index)
}

func TestLateJoinerCannotReadEarlierMessages(t *testing.T) {
	out, err := megolm.NewOutbound()
	require.NoError(t, err)

	early, err := out.Encrypt([]byte("before"))
	require.NoError(t, err)

	key, err := out.SessionKey()
	require.NoError(t, err)
	in, err := megolm.NewInbound(key)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), in.Initial.Index)

	_, _, err = in.Decrypt(early)
	assert.ErrorIs(t, err, megolm.ErrUnknownIndex)

	late, err := out.Encrypt([]byte("after"))
	require.NoError(t, err)
	pt, _, err := in.Decrypt(late)
	require.NoError(t, err)
	assert.Equal(t, "after", string(pt))
}

func TestTamperedMessageRejected(t *testing.T) {
	out, err := megolm.NewOutbound()
	require.NoError(t, err)
	key, err := out.SessionKey()
	require.NoError(t, err)
	in, err := megolm.NewInbound(key)
	require.NoError(t, err)

	msg, err := out.Encrypt([]byte("hello"))
	require.NoError(t, err)
	msg[0] ^= 0x01

	_, _, err = in.Decrypt(msg)
	assert.ErrorIs(t, err, megolm.ErrBadSignature)
}

func TestForeignSessionRejected(t *testing.T) {
	a, err := megolm.NewOutbound()
	require.NoError(t, err)
	b, err := megolm.NewOutbound()
	require.NoError(t, err)

	keyA, err := a.SessionKey()
	require.NoError(t, err)
	in, err := megolm.NewInbound(keyA)
	require.NoError(t, err)

	msg, err := b.Encrypt([]byte("other"))
	require.NoError(t, err)
	_, _, err = in.Decrypt(msg)
	assert.ErrorIs(t, err, megolm.ErrBadSignature)
}

func TestExportImport(t *testing.T) {
	out, err := megolm.NewOutbound()
	require.NoError(t, err)
	key, err := out.SessionKey()
	require.NoError(t, err)
	in, err := megolm.NewInbound(key)
	require.NoError(t, err)

	_, err = out.Encrypt([]byte("zero"))
	require.NoError(t, err)
	one, err := out.Encrypt([]byte("one"))
	require.NoError(t, err)

	exported, err := in.Export(1)
	require.NoError(t, err)
	forwarded, err := megolm.Import(exported)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), forwarded.Initial.Index)

	pt, index, err := forwarded.Decrypt(one)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), index)
	assert.Equal(t, "one", string(pt))

	gotIndex, err := megolm.ParseIndex(one)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), gotIndex)
}
