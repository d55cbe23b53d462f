package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3-authn/tatchi/chain"
	"github.com/web3-authn/tatchi/nonce"
	"github.com/web3-authn/tatchi/relay"
	"github.com/web3-authn/tatchi/signer"
	"github.com/web3-authn/tatchi/vault"
	"github.com/web3-authn/tatchi/vault/memory"
	"github.com/web3-authn/tatchi/vrf"
	"github.com/web3-authn/tatchi/walleterr"
	"github.com/web3-authn/tatchi/walletclock"
	"github.com/web3-authn/tatchi/webauthn"
)

func newLoginTestContext(t *testing.T, chainClient *fakeChainClient, relayClient *fakeRelayClient) (*Context, *walletclock.Fake) {
	t.Helper()
	clock := walletclock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return New(
		memory.New(),
		vrf.New(clock),
		signer.New(clock, vrf.New(clock)),
		chainClient,
		relayClient,
		nonce.New(clock),
		webauthn.New("example.com"),
		clock,
	), clock
}

func credentialWithPRF(accountID, credentialID string, seed byte) webauthn.Credential {
	var first, second [32]byte
	first[0], second[0] = seed, seed+1
	return webauthn.NewLiveCredential(fakeLiveHandle{
		credentialID: credentialID,
		userHandle:   []byte(accountID),
		prfFirst:     first,
		prfSecond:    second,
		withPRF:      true,
	})
}

func registerDevice(t *testing.T, c *Context, accountID string, deviceNumber int, credentialID string, seed byte) {
	t.Helper()
	_, err := c.Register(t.Context(), RegisterRequest{
		AccountID:    accountID,
		DeviceNumber: deviceNumber,
		RPID:         "example.com",
		UserID:       "user-1",
		Credential:   credentialWithPRF(accountID, credentialID, seed),
	})
	require.NoError(t, err)
}

func TestLoginUnlocksViaShamirWithoutPrompting(t *testing.T) {
	relayClient := &fakeRelayClient{createResp: relay.CreateAccountResponse{Success: true, TransactionHash: "tx-1"}}
	chainClient := &fakeChainClient{canRegister: true, relayClient: relayClient}
	c, _ := newLoginTestContext(t, chainClient, relayClient)

	registerDevice(t, c, "alice.near", 0, "cred-1", 1)
	c.VRFWorker.ClearSession()

	result, err := c.Login(t.Context(), LoginRequest{AccountID: "alice.near"})
	require.NoError(t, err)
	assert.True(t, result.UnlockedViaShamir)
	assert.Equal(t, 0, result.DeviceNumber)
}

func TestLoginEscalatesOnShamirSessionInactive(t *testing.T) {
	relayClient := &fakeRelayClient{createResp: relay.CreateAccountResponse{Success: true, TransactionHash: "tx-1"}}
	chainClient := &fakeChainClient{canRegister: true, relayClient: relayClient}
	c, _ := newLoginTestContext(t, chainClient, relayClient)

	registerDevice(t, c, "alice.near", 0, "cred-1", 1)
	c.VRFWorker.ClearSession()
	relayClient.shamirUnlockErr = fmt.Errorf("relay unreachable")

	_, err := c.Login(t.Context(), LoginRequest{AccountID: "alice.near"})
	require.Error(t, err)
	assert.Equal(t, walleterr.VRFSessionInactive, walleterr.KindOf(err))
}

func TestLoginFallsThroughToTouchIDOnCorruptedShamirWrapping(t *testing.T) {
	relayClient := &fakeRelayClient{createResp: relay.CreateAccountResponse{Success: true, TransactionHash: "tx-1"}}
	chainClient := &fakeChainClient{canRegister: true, relayClient: relayClient}
	c, _ := newLoginTestContext(t, chainClient, relayClient)

	registerDevice(t, c, "alice.near", 0, "cred-1", 1)
	c.VRFWorker.ClearSession()
	corruptStoredShamirWrapping(t, c, "alice.near", 0)

	var calledAssertion bool
	result, err := c.Login(t.Context(), LoginRequest{
		AccountID: "alice.near",
		AssertionProvider: func(ctx context.Context) (webauthn.Credential, error) {
			calledAssertion = true
			return credentialWithPRF("alice.near", "cred-1", 1), nil
		},
	})
	require.NoError(t, err)
	assert.True(t, calledAssertion)
	assert.False(t, result.UnlockedViaShamir)
	assert.Equal(t, 0, result.DeviceNumber)
}

func TestLoginSwitchesDeviceForDifferentPasskey(t *testing.T) {
	relayClient := &fakeRelayClient{createResp: relay.CreateAccountResponse{Success: true, TransactionHash: "tx-1"}}
	chainClient := &fakeChainClient{canRegister: true, relayClient: relayClient}
	c, clock := newLoginTestContext(t, chainClient, relayClient)

	registerDevice(t, c, "alice.near", 0, "cred-1", 1)
	clock.Advance(time.Minute)
	registerDevice(t, c, "alice.near", 1, "cred-2", 10)
	c.VRFWorker.ClearSession()

	// GetLastUser now resolves to device 1; corrupt its shamir wrapping so
	// the unlock attempt falls through instead of silently succeeding on
	// the wrong device.
	corruptStoredShamirWrapping(t, c, "alice.near", 1)

	chainClient.authenticators = []chain.ContractStoredAuthenticator{
		{CredentialID: "cred-1", Record: chain.ContractAuthenticatorRecord{DeviceNumber: 0}},
		{CredentialID: "cred-2", Record: chain.ContractAuthenticatorRecord{DeviceNumber: 1}},
	}

	result, err := c.Login(t.Context(), LoginRequest{
		AccountID: "alice.near",
		AssertionProvider: func(ctx context.Context) (webauthn.Credential, error) {
			return credentialWithPRF("alice.near", "cred-1", 1), nil
		},
	})
	require.NoError(t, err)
	assert.False(t, result.UnlockedViaShamir)
	assert.Equal(t, 0, result.DeviceNumber)
}

func TestLoginClearsPartialSessionOnFallbackFailure(t *testing.T) {
	relayClient := &fakeRelayClient{createResp: relay.CreateAccountResponse{Success: true, TransactionHash: "tx-1"}}
	chainClient := &fakeChainClient{canRegister: true, relayClient: relayClient}
	c, _ := newLoginTestContext(t, chainClient, relayClient)

	registerDevice(t, c, "alice.near", 0, "cred-1", 1)
	c.VRFWorker.ClearSession()
	corruptStoredShamirWrapping(t, c, "alice.near", 0)
	corruptStoredNearKey(t, c, "alice.near", 0, "cred-1")

	// The vrf unlock itself succeeds (the EncryptedVrfKeypair blob was not
	// touched) and activates the session, but the subsequent near-key
	// unlock fails against the corrupted ciphertext; the partially
	// activated session must not survive the overall failure.
	_, err := c.Login(t.Context(), LoginRequest{
		AccountID: "alice.near",
		AssertionProvider: func(ctx context.Context) (webauthn.Credential, error) {
			return credentialWithPRF("alice.near", "cred-1", 1), nil
		},
	})
	require.Error(t, err)
	assert.False(t, c.VRFWorker.CheckStatus().Active)
}

// corruptStoredNearKey mangles the persisted NEAR key ciphertext for
// (accountID, deviceNumber) so SignerWorker.UnlockNearKeypair fails even
// though the matching VRF keypair unlocks cleanly.
func corruptStoredNearKey(t *testing.T, c *Context, accountID string, deviceNumber int, credentialID string) {
	t.Helper()
	nearKey, err := c.Vault.NearKey(t.Context(), accountID, deviceNumber)
	require.NoError(t, err)
	nearKey.Ciphertext = []byte("not-the-right-ciphertext-at-all")

	auth := vault.AuthenticatorRecord{AccountID: accountID, CredentialID: credentialID, DeviceNumber: deviceNumber}
	require.NoError(t, c.Vault.StoreUserData(t.Context(), auth, &nearKey, nil))
}

// corruptStoredShamirWrapping mangles the persisted ServerEncryptedVrfKeypair
// ciphertext for (accountID, deviceNumber) so the Shamir unlock pass fails
// with a non-ErrSessionInactive error instead of succeeding or escalating.
func corruptStoredShamirWrapping(t *testing.T, c *Context, accountID string, deviceNumber int) {
	t.Helper()
	user, err := c.Vault.GetUserByDevice(t.Context(), accountID, deviceNumber)
	require.NoError(t, err)

	var wrapped vrf.ServerEncryptedVrfKeypair
	require.NoError(t, json.Unmarshal(user.ServerEncryptedVrfKeypair, &wrapped))
	wrapped.Ciphertext = []byte("not-a-valid-packed-ciphertext")
	corrupted, err := json.Marshal(wrapped)
	require.NoError(t, err)

	user.ServerEncryptedVrfKeypair = corrupted
	require.NoError(t, c.Vault.UpdateUser(t.Context(), user))
}
