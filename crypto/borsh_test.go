package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBorshEncodeDecodeRoundTrip(t *testing.T) {
	pubKey := make([]byte, 32)
	for i := range pubKey {
		pubKey[i] = byte(i)
	}

	enc := NewBorshEncoder().
		U8(1).
		U64(42).
		String("alice.near").
		Bytes32(pubKey).
		VecBytes([]byte{0xDE, 0xAD, 0xBE, 0xEF})

	dec := NewBorshDecoder(enc.Bytes())

	tag, err := dec.U8()
	require.NoError(t, err)
	assert.Equal(t, uint8(1), tag)

	nonce, err := dec.U64()
	require.NoError(t, err)
	assert.Equal(t, uint64(42), nonce)

	accountID, err := dec.String()
	require.NoError(t, err)
	assert.Equal(t, "alice.near", accountID)

	gotPubKey, err := dec.FixedBytes(32)
	require.NoError(t, err)
	assert.Equal(t, pubKey, gotPubKey)

	action, err := dec.VecBytes()
	require.NoError(t, err)
	assert.Equal(t, []byte{0xDE, 0xAD, 0xBE, 0xEF}, action)

	assert.Equal(t, 0, dec.Remaining())
}

func TestBorshDecodeFailsOnTruncatedInput(t *testing.T) {
	dec := NewBorshDecoder([]byte{0x01, 0x02})
	_, err := dec.U64()
	assert.Error(t, err)
}

func TestBorshBytes32PanicsOnWrongLength(t *testing.T) {
	assert.Panics(t, func() {
		NewBorshEncoder().Bytes32([]byte{1, 2, 3})
	})
}
