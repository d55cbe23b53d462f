package nonce

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3-authn/tatchi/walletclock"
)

type fakeChainClient struct {
	nonce  uint64
	hash   string
	height uint64
}

func (f *fakeChainClient) AccessKeyNonce(ctx context.Context, accountID, publicKey string) (uint64, error) {
	return f.nonce, nil
}

func (f *fakeChainClient) FinalBlock(ctx context.Context) (string, uint64, error) {
	return f.hash, f.height, nil
}

func TestGetNonceBlockHashAndHeightReservesSequentially(t *testing.T) {
	m := New(walletclock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))
	m.InitializeUser("alice.near", "ed25519:abc")
	client := &fakeChainClient{nonce: 10, hash: "block-1", height: 100}

	first, err := m.GetNonceBlockHashAndHeight(context.Background(), client, NonceAndBlockOptions{})
	require.NoError(t, err)
	assert.Equal(t, uint64(11), first.NextNonce)

	second, err := m.GetNonceBlockHashAndHeight(context.Background(), client, NonceAndBlockOptions{})
	require.NoError(t, err)
	assert.Equal(t, uint64(12), second.NextNonce)

	assert.Equal(t, 2, m.ReservedCount())
}

func TestReleaseNonceFreesReservation(t *testing.T) {
	m := New(walletclock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))
	m.InitializeUser("alice.near", "ed25519:abc")
	client := &fakeChainClient{nonce: 10, hash: "block-1", height: 100}

	res, err := m.GetNonceBlockHashAndHeight(context.Background(), client, NonceAndBlockOptions{})
	require.NoError(t, err)

	m.ReleaseNonce(res.NextNonce)
	assert.Equal(t, 0, m.ReservedCount())
}

func TestUpdateNonceFromBlockchainConfirmsReservation(t *testing.T) {
	m := New(walletclock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))
	m.InitializeUser("alice.near", "ed25519:abc")
	client := &fakeChainClient{nonce: 10, hash: "block-1", height: 100}

	res, err := m.GetNonceBlockHashAndHeight(context.Background(), client, NonceAndBlockOptions{})
	require.NoError(t, err)

	require.NoError(t, m.UpdateNonceFromBlockchain(context.Background(), client, res.NextNonce))
	assert.Equal(t, 0, m.ReservedCount())
}

func TestClearResetsActiveSigner(t *testing.T) {
	m := New(walletclock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))
	m.InitializeUser("alice.near", "ed25519:abc")
	client := &fakeChainClient{nonce: 10, hash: "block-1", height: 100}

	_, err := m.GetNonceBlockHashAndHeight(context.Background(), client, NonceAndBlockOptions{})
	require.NoError(t, err)

	m.Clear()
	assert.Equal(t, 0, m.ReservedCount())

	_, err = m.GetNonceBlockHashAndHeight(context.Background(), client, NonceAndBlockOptions{})
	assert.Error(t, err)
}

func TestUpdateNonceFromBlockchainPrunesStaleReservations(t *testing.T) {
	clock := walletclock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	m := New(clock)
	m.InitializeUser("alice.near", "ed25519:abc")
	client := &fakeChainClient{nonce: 10, hash: "block-1", height: 100}

	stale, err := m.GetNonceBlockHashAndHeight(context.Background(), client, NonceAndBlockOptions{})
	require.NoError(t, err)

	clock.Advance(staleReservationAge + time.Second)

	client.nonce = 20 // GetNonceBlockHashAndHeight re-derives nextNonce from chainNonce, so bump it to land on a fresh slot
	fresh, err := m.GetNonceBlockHashAndHeight(context.Background(), client, NonceAndBlockOptions{Force: true})
	require.NoError(t, err)
	require.Equal(t, 2, m.ReservedCount())

	// Reconciling the fresh reservation should prune the stale one too,
	// since it has sat unconfirmed for longer than staleReservationAge.
	require.NoError(t, m.UpdateNonceFromBlockchain(context.Background(), client, fresh.NextNonce))
	assert.Equal(t, 0, m.ReservedCount())
	assert.NotEqual(t, stale.NextNonce, fresh.NextNonce)
}
