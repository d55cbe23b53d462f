package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3-authn/tatchi/chain"
	"github.com/web3-authn/tatchi/vault"
)

func TestStartEmailRecoveryBuildsMailtoURLAndPersistsPending(t *testing.T) {
	relayClient := &fakeRelayClient{}
	chainClient := &fakeChainClient{balanceYocto: "5000000000000000000000000"}
	c, _ := newLoginTestContext(t, chainClient, relayClient)

	result, err := c.StartEmailRecovery(t.Context(), StartEmailRecoveryRequest{
		AccountID:       "alice.near",
		RecoveryEmail:   "alice@example.com",
		MailtoAddress:   "recover@verifier.example",
		MinBalanceYocto: "1000000000000000000000000",
		DeviceNumber:    1,
		Credential:      credentialWithPRF("alice.near", "cred-1", 1),
	})
	require.NoError(t, err)
	require.Len(t, result.RequestID, emailRecoveryRequestIDLength)

	wantPrefix := "mailto:recover@verifier.example?subject=recover-" + result.RequestID + "%20alice.near%20ed25519:"
	assert.Contains(t, result.MailtoURL, wantPrefix)
	assert.Contains(t, result.MailtoURL, "&body=Recovering%20account%20alice.near%20with%20a%20new%20passkey.")
	assert.NotContains(t, result.MailtoURL, "+")

	pending, err := c.Vault.GetPendingEmailRecovery(t.Context(), result.RequestID)
	require.NoError(t, err)
	assert.Equal(t, vault.StatusAwaitingAddKey, pending.Status)
	assert.Equal(t, "alice.near", pending.AccountID)
	assert.NotEmpty(t, pending.NearKeyCiphertext)
}

func TestStartEmailRecoveryRejectsInsufficientBalance(t *testing.T) {
	relayClient := &fakeRelayClient{}
	chainClient := &fakeChainClient{balanceYocto: "1"}
	c, _ := newLoginTestContext(t, chainClient, relayClient)

	_, err := c.StartEmailRecovery(t.Context(), StartEmailRecoveryRequest{
		AccountID:       "alice.near",
		RecoveryEmail:   "alice@example.com",
		MailtoAddress:   "recover@verifier.example",
		MinBalanceYocto: "1000000000000000000000000",
		Credential:      credentialWithPRF("alice.near", "cred-1", 1),
	})
	require.Error(t, err)
}

func TestFinalizeEmailRecoverySucceedsOnceVerified(t *testing.T) {
	relayClient := &fakeRelayClient{}
	chainClient := &fakeChainClient{blockHash: validBlockHash()}
	c, _ := newLoginTestContext(t, chainClient, relayClient)

	start, err := c.StartEmailRecovery(t.Context(), StartEmailRecoveryRequest{
		AccountID:     "alice.near",
		RecoveryEmail: "alice@example.com",
		MailtoAddress: "recover@verifier.example",
		DeviceNumber:  1,
		Credential:    credentialWithPRF("alice.near", "cred-1", 1),
	})
	require.NoError(t, err)

	pending, err := c.Vault.GetPendingEmailRecovery(t.Context(), start.RequestID)
	require.NoError(t, err)

	chainClient.verificationResult = &chain.VerificationResult{
		Verified:     true,
		AccountID:    pending.AccountID,
		NewPublicKey: pending.NearPublicKey,
	}
	chainClient.accessKeys = []chain.AccessKey{{PublicKey: pending.NearPublicKey}}

	result, err := c.FinalizeEmailRecovery(t.Context(), start.RequestID)
	require.NoError(t, err)
	assert.Equal(t, "alice.near", result.AccountID)
	assert.Equal(t, 1, result.DeviceNumber)

	stored, err := c.Vault.GetUserByDevice(t.Context(), "alice.near", 1)
	require.NoError(t, err)
	assert.NotEmpty(t, stored.EncryptedVrfKeypair)

	nearKey, err := c.Vault.NearKey(t.Context(), "alice.near", 1)
	require.NoError(t, err)
	assert.NotEmpty(t, nearKey.Ciphertext)

	finalPending, err := c.Vault.GetPendingEmailRecovery(t.Context(), start.RequestID)
	require.NoError(t, err)
	assert.Equal(t, vault.StatusComplete, finalPending.Status)
}

func TestFinalizeEmailRecoveryFailsWhenNeverVerified(t *testing.T) {
	relayClient := &fakeRelayClient{}
	chainClient := &fakeChainClient{blockHash: validBlockHash()}
	c, _ := newLoginTestContext(t, chainClient, relayClient)

	start, err := c.StartEmailRecovery(t.Context(), StartEmailRecoveryRequest{
		AccountID:     "bob.near",
		RecoveryEmail: "bob@example.com",
		MailtoAddress: "recover@verifier.example",
		Credential:    credentialWithPRF("bob.near", "cred-1", 1),
	})
	require.NoError(t, err)

	_, err = c.FinalizeEmailRecovery(t.Context(), start.RequestID)
	require.Error(t, err)

	pending, err := c.Vault.GetPendingEmailRecovery(t.Context(), start.RequestID)
	require.NoError(t, err)
	assert.Equal(t, vault.StatusError, pending.Status)
}

func TestFinalizeEmailRecoveryRejectsAccountMismatch(t *testing.T) {
	relayClient := &fakeRelayClient{}
	chainClient := &fakeChainClient{blockHash: validBlockHash()}
	c, _ := newLoginTestContext(t, chainClient, relayClient)

	start, err := c.StartEmailRecovery(t.Context(), StartEmailRecoveryRequest{
		AccountID:     "carol.near",
		RecoveryEmail: "carol@example.com",
		MailtoAddress: "recover@verifier.example",
		Credential:    credentialWithPRF("carol.near", "cred-1", 1),
	})
	require.NoError(t, err)

	chainClient.verificationResult = &chain.VerificationResult{
		Verified:     true,
		AccountID:    "mallory.near",
		NewPublicKey: "ed25519:wrong",
	}

	_, err = c.FinalizeEmailRecovery(t.Context(), start.RequestID)
	require.Error(t, err)
}

func TestCancelEmailRecoveryTransitionsToError(t *testing.T) {
	relayClient := &fakeRelayClient{}
	chainClient := &fakeChainClient{}
	c, _ := newLoginTestContext(t, chainClient, relayClient)

	start, err := c.StartEmailRecovery(t.Context(), StartEmailRecoveryRequest{
		AccountID:     "dave.near",
		RecoveryEmail: "dave@example.com",
		MailtoAddress: "recover@verifier.example",
		Credential:    credentialWithPRF("dave.near", "cred-1", 1),
	})
	require.NoError(t, err)

	require.NoError(t, c.CancelEmailRecovery(t.Context(), start.RequestID))

	pending, err := c.Vault.GetPendingEmailRecovery(t.Context(), start.RequestID)
	require.NoError(t, err)
	assert.Equal(t, vault.StatusError, pending.Status)
}
