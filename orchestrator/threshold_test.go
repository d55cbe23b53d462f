package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3-authn/tatchi/relay"
	"github.com/web3-authn/tatchi/signer"
	"github.com/web3-authn/tatchi/vault"
	"github.com/web3-authn/tatchi/walleterr"
	"github.com/web3-authn/tatchi/webauthn"
)

func enrollThresholdKey(t *testing.T, c *Context, accountID string, deviceNumber int, credentialID string) {
	t.Helper()
	require.NoError(t, c.Vault.StoreUserData(t.Context(), vault.AuthenticatorRecord{
		AccountID:    accountID,
		DeviceNumber: deviceNumber,
		CredentialID: credentialID,
	}, nil, &vault.ThresholdKeyMaterial{
		AccountID:      accountID,
		DeviceNumber:   deviceNumber,
		Kind:           "threshold_ed25519_2p_v1",
		GroupPublicKey: "ed25519:group-key",
		RelayerKeyID:   "relayer-1",
	}))
}

func normalizedAssertion(t *testing.T, cred webauthn.Credential) webauthn.NormalizedCredential {
	t.Helper()
	norm, err := cred.Normalize(false)
	require.NoError(t, err)
	return norm
}

func TestThresholdSignFallsBackToLocalKeyWhenNotEnrolled(t *testing.T) {
	relayClient := &fakeRelayClient{}
	chainClient := &fakeChainClient{}
	c, _ := newLoginTestContext(t, chainClient, relayClient)
	registerDevice(t, c, "alice.near", 0, "cred-1", 1)

	pub, err := c.SignerWorker.ActivePublicKey("alice.near")
	require.NoError(t, err)
	require.NoError(t, mintSessionForAssertion(c, normalizedAssertion(t, credentialWithPRF("alice.near", "cred-1", 1)), "alice.near"))

	result, err := c.ThresholdSign(t.Context(), ThresholdSignRequest{
		AccountID: "alice.near",
		Behavior:  ThresholdFallback,
		Tx:        signer.Transaction{SignerID: "alice.near", PublicKey: pub, ReceiverID: "bob.near"},
	})
	require.NoError(t, err)
	assert.False(t, result.UsedThreshold)
	assert.Equal(t, uint64(0), result.Signed.Transaction.Nonce)
	assert.Equal(t, 0, relayClient.thresholdAuthorizeCalls)
}

func TestThresholdSignStrictFailsWhenNotEnrolled(t *testing.T) {
	relayClient := &fakeRelayClient{}
	chainClient := &fakeChainClient{}
	c, _ := newLoginTestContext(t, chainClient, relayClient)
	registerDevice(t, c, "alice.near", 0, "cred-1", 1)

	_, err := c.ThresholdSign(t.Context(), ThresholdSignRequest{
		AccountID: "alice.near",
		Behavior:  ThresholdStrict,
		Tx:        signer.Transaction{SignerID: "alice.near", ReceiverID: "bob.near"},
	})
	require.Error(t, err)
	assert.Equal(t, walleterr.ThresholdNotEnrolled, walleterr.KindOf(err))
}

func TestThresholdSignAuthorizesAndProducesThresholdSignature(t *testing.T) {
	relayClient := &fakeRelayClient{thresholdAuthorizeResp: relay.ThresholdAuthorizeResponse{MPCSessionID: "sess-1", ExpiresAt: 1}}
	chainClient := &fakeChainClient{}
	c, _ := newLoginTestContext(t, chainClient, relayClient)
	registerDevice(t, c, "alice.near", 0, "cred-1", 1)
	enrollThresholdKey(t, c, "alice.near", 0, "cred-1")

	norm := normalizedAssertion(t, credentialWithPRF("alice.near", "cred-1", 1))
	require.NoError(t, mintSessionForAssertion(c, norm, "alice.near"))

	result, err := c.ThresholdSign(t.Context(), ThresholdSignRequest{
		AccountID: "alice.near",
		Behavior:  ThresholdFallback,
		Purpose:   "transaction",
		Assertion: norm,
		Tx:        signer.Transaction{SignerID: "alice.near", ReceiverID: "bob.near"},
	})
	require.NoError(t, err)
	assert.True(t, result.UsedThreshold)
	assert.NotEqual(t, [64]byte{}, result.Signed.Signature)
	assert.Equal(t, 1, relayClient.thresholdAuthorizeCalls)
}

func TestThresholdSignRepairsAndRetriesOnAuthorizeFailure(t *testing.T) {
	relayClient := &fakeRelayClient{
		thresholdAuthorizeErr:  assert.AnError,
		thresholdAuthorizeResp: relay.ThresholdAuthorizeResponse{MPCSessionID: "sess-2", ExpiresAt: 1},
	}
	chainClient := &fakeChainClient{}
	c, _ := newLoginTestContext(t, chainClient, relayClient)
	registerDevice(t, c, "alice.near", 0, "cred-1", 1)
	enrollThresholdKey(t, c, "alice.near", 0, "cred-1")

	norm := normalizedAssertion(t, credentialWithPRF("alice.near", "cred-1", 1))
	require.NoError(t, mintSessionForAssertion(c, norm, "alice.near"))

	provided := false
	result, err := c.ThresholdSign(t.Context(), ThresholdSignRequest{
		AccountID: "alice.near",
		Behavior:  ThresholdFallback,
		Purpose:   "transaction",
		Assertion: norm,
		Tx:        signer.Transaction{SignerID: "alice.near", ReceiverID: "bob.near"},
		AssertionProvider: func(ctx context.Context) (webauthn.Credential, error) {
			provided = true
			return credentialWithPRF("alice.near", "cred-1", 1), nil
		},
	})
	require.NoError(t, err)
	assert.True(t, provided)
	assert.True(t, result.UsedThreshold)
	assert.Equal(t, 2, relayClient.thresholdAuthorizeCalls)
}

func TestThresholdSignFailsWithoutRetryWhenNoAssertionProvider(t *testing.T) {
	relayClient := &fakeRelayClient{thresholdAuthorizeErr: assert.AnError}
	chainClient := &fakeChainClient{}
	c, _ := newLoginTestContext(t, chainClient, relayClient)
	registerDevice(t, c, "alice.near", 0, "cred-1", 1)
	enrollThresholdKey(t, c, "alice.near", 0, "cred-1")

	norm := normalizedAssertion(t, credentialWithPRF("alice.near", "cred-1", 1))
	require.NoError(t, mintSessionForAssertion(c, norm, "alice.near"))

	_, err := c.ThresholdSign(t.Context(), ThresholdSignRequest{
		AccountID: "alice.near",
		Behavior:  ThresholdFallback,
		Assertion: norm,
		Tx:        signer.Transaction{SignerID: "alice.near", ReceiverID: "bob.near"},
	})
	require.Error(t, err)
	assert.Equal(t, 1, relayClient.thresholdAuthorizeCalls)
}
