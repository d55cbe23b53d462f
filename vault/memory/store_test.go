package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3-authn/tatchi/vault"
)

func TestRegisterUserRejectsDuplicate(t *testing.T) {
	store := New()
	ctx := context.Background()

	user := vault.UserRecord{AccountID: "alice.near", DeviceNumber: 0, CreatedAt: time.Now(), LastUpdatedAt: time.Now()}
	require.NoError(t, store.RegisterUser(ctx, user))

	err := store.RegisterUser(ctx, user)
	assert.ErrorIs(t, err, vault.ErrUserExists)
}

func TestGetLastUserPicksMostRecentlyUpdated(t *testing.T) {
	store := New()
	ctx := context.Background()

	older := vault.UserRecord{AccountID: "alice.near", DeviceNumber: 0, LastUpdatedAt: time.Now().Add(-time.Hour)}
	newer := vault.UserRecord{AccountID: "alice.near", DeviceNumber: 1, LastUpdatedAt: time.Now()}
	require.NoError(t, store.RegisterUser(ctx, older))
	require.NoError(t, store.RegisterUser(ctx, newer))

	got, err := store.GetLastUser(ctx, "alice.near")
	require.NoError(t, err)
	assert.Equal(t, 1, got.DeviceNumber)
}

func TestAtomicStoreRegistrationDataIsAllOrNothing(t *testing.T) {
	store := New()
	ctx := context.Background()

	user := vault.UserRecord{AccountID: "bob.near", DeviceNumber: 0}
	auth := vault.AuthenticatorRecord{AccountID: "bob.near", DeviceNumber: 0, CredentialID: "cred-1"}
	nearKey := vault.EncryptedNearKey{AccountID: "bob.near", DeviceNumber: 0, Kind: vault.LocalNearSKv3}

	require.NoError(t, store.AtomicStoreRegistrationData(ctx, user, auth, &nearKey, nil))

	err := store.AtomicStoreRegistrationData(ctx, user, auth, &nearKey, nil)
	assert.ErrorIs(t, err, vault.ErrUserExists)

	_, err = store.NearKey(ctx, "bob.near", 0)
	assert.NoError(t, err)
}

func TestEnsureCurrentPasskeyDetectsSupersededCredential(t *testing.T) {
	store := New()
	ctx := context.Background()

	auth := vault.AuthenticatorRecord{AccountID: "carol.near", DeviceNumber: 0, CredentialID: "cred-1"}
	require.NoError(t, store.StoreUserData(ctx, auth, nil, nil))

	require.NoError(t, store.EnsureCurrentPasskey(ctx, "carol.near", 0, "cred-1"))
	assert.ErrorIs(t, store.EnsureCurrentPasskey(ctx, "carol.near", 0, "cred-2"), vault.ErrAuthenticatorNotFound)
}

func TestTransitionPendingEmailRecoveryRejectsIllegalEdge(t *testing.T) {
	store := New()
	ctx := context.Background()

	rec := vault.PendingEmailRecovery{RequestID: "req-1", Status: vault.StatusAwaitingEmail}
	require.NoError(t, store.PutPendingEmailRecovery(ctx, rec))

	require.NoError(t, store.TransitionPendingEmailRecovery(ctx, "req-1", vault.StatusAwaitingAddKey))

	err := store.TransitionPendingEmailRecovery(ctx, "req-1", vault.StatusComplete)
	assert.ErrorIs(t, err, vault.ErrInvalidStatusTransition)
}

func TestDerivedAddressRoundTrip(t *testing.T) {
	store := New()
	ctx := context.Background()

	addr := vault.DerivedAddress{AccountID: "dave.near", ContractID: "wallet.near", Path: "m/0", Address: "0xabc"}
	require.NoError(t, store.PutDerivedAddress(ctx, addr))

	got, err := store.GetDerivedAddress(ctx, "dave.near", "wallet.near", "m/0")
	require.NoError(t, err)
	assert.Equal(t, addr.Address, got.Address)

	_, err = store.GetDerivedAddress(ctx, "dave.near", "wallet.near", "m/1")
	assert.ErrorIs(t, err, vault.ErrDerivedAddressNotFound)
}

func TestAppStateRoundTrip(t *testing.T) {
	store := New()
	ctx := context.Background()

	require.NoError(t, store.PutAppState(ctx, "last-used-account", []byte("alice.near")))

	value, ok, err := store.GetAppState(ctx, "last-used-account")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "alice.near", string(value))

	_, ok, err = store.GetAppState(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}
