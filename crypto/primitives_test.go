package crypto

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHKDFIsDeterministic(t *testing.T) {
	secret := []byte("prf-first-output-placeholder-32")
	salt := []byte("wrap-key-salt-placeholder-32byt")

	a, err := HKDF(secret, salt, []byte("wrap"), 32)
	require.NoError(t, err)
	b, err := HKDF(secret, salt, []byte("wrap"), 32)
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestAeadSealOpenRoundTrip(t *testing.T) {
	key, err := HKDF([]byte("secret"), []byte("salt"), []byte("wrap"), 32)
	require.NoError(t, err)

	nonce, err := NewAEADNonce()
	require.NoError(t, err)

	ct, err := AeadSeal(key, nonce, []byte("account:alice.near"), []byte("plaintext key material"))
	require.NoError(t, err)

	pt, err := AeadOpen(key, nonce, []byte("account:alice.near"), ct)
	require.NoError(t, err)
	assert.Equal(t, "plaintext key material", string(pt))
}

func TestAeadOpenRejectsWrongAAD(t *testing.T) {
	key, err := HKDF([]byte("secret"), []byte("salt"), []byte("wrap"), 32)
	require.NoError(t, err)
	nonce, err := NewAEADNonce()
	require.NoError(t, err)

	ct, err := AeadSeal(key, nonce, []byte("account:alice.near"), []byte("plaintext"))
	require.NoError(t, err)

	_, err = AeadOpen(key, nonce, []byte("account:mallory.near"), ct)
	assert.Error(t, err)
}

func TestEd25519SignVerifyRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	msg := []byte("transfer 1 NEAR to bob.near")
	sig := Ed25519Sign(priv, msg)
	assert.True(t, Ed25519Verify(pub, msg, sig))
	assert.False(t, Ed25519Verify(pub, []byte("transfer 2 NEAR to bob.near"), sig))
}
