package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3-authn/tatchi/chain"
	"github.com/web3-authn/tatchi/relay"
	"github.com/web3-authn/tatchi/signer"
	"github.com/web3-authn/tatchi/vault/memory"
	"github.com/web3-authn/tatchi/vrf"
	"github.com/web3-authn/tatchi/walleterr"
	"github.com/web3-authn/tatchi/walletclock"
	"github.com/web3-authn/tatchi/webauthn"
)

type fakeLiveHandle struct {
	credentialID string
	userHandle   []byte
	prfFirst     [32]byte
	prfSecond    [32]byte
	withPRF      bool
}

func (f fakeLiveHandle) CredentialID() string         { return f.credentialID }
func (f fakeLiveHandle) RawID() []byte                { return []byte(f.credentialID) }
func (f fakeLiveHandle) Type() string                 { return "public-key" }
func (f fakeLiveHandle) ClientDataJSON() []byte       { return []byte(`{"type":"webauthn.create"}`) }
func (f fakeLiveHandle) AttestationObject() []byte    { return []byte("attestation-object") }
func (f fakeLiveHandle) AuthenticatorData() []byte    { return []byte("authenticator-data") }
func (f fakeLiveHandle) Signature() []byte            { return []byte("signature") }
func (f fakeLiveHandle) UserHandle() []byte           { return f.userHandle }
func (f fakeLiveHandle) ClientExtensionResults() map[string]any {
	if !f.withPRF {
		return nil
	}
	return map[string]any{
		"prf": map[string]any{
			"results": map[string]any{
				"first":  f.prfFirst[:],
				"second": f.prfSecond[:],
			},
		},
	}
}

type fakeChainClient struct {
	nonceByKey  map[string]uint64
	blockHash   string
	blockHeight uint64
	canRegister bool
	accessKeys  []chain.AccessKey

	// relayClient, when set, is consulted so ViewAccessKeyList can report
	// the key the relay was just asked to register, without the test
	// needing to predict the derived public key in advance.
	relayClient   *fakeRelayClient
	matchesAfter  int
	viewCallCount int

	// authenticators, when set, is returned by GetAuthenticatorsByUser
	// instead of the empty default, for tests exercising device resolution.
	authenticators []chain.ContractStoredAuthenticator

	// credentialIDsByAccount, when set, is returned by
	// GetCredentialIDsByAccount instead of the empty default, for tests
	// exercising recovery's credential-ownership check.
	credentialIDsByAccount []string

	// deviceLinkingAccountID, when set, is returned by
	// GetDeviceLinkingAccount instead of the empty default, for tests
	// exercising link-device's discovery poll.
	deviceLinkingAccountID string

	// balanceYocto, when set, is returned by AccountBalance instead of the
	// empty default, for tests exercising email recovery's minimum-balance
	// precondition.
	balanceYocto string

	// verificationResult, when set, is returned by GetVerificationResult
	// instead of the nil default, for tests exercising email recovery's
	// finalize poll.
	verificationResult *chain.VerificationResult

	// sendTransactionErr, when set, is returned by SendTransaction instead
	// of a successful broadcast, for tests exercising send_transaction's
	// release-nonce-on-failure path.
	sendTransactionErr error
}

func (f *fakeChainClient) AccessKeyNonce(ctx context.Context, accountID, publicKey string) (uint64, error) {
	return f.nonceByKey[publicKey], nil
}

func (f *fakeChainClient) FinalBlock(ctx context.Context) (string, uint64, error) {
	return f.blockHash, f.blockHeight, nil
}

func (f *fakeChainClient) CheckCanRegisterUser(ctx context.Context, req chain.CheckCanRegisterRequest) (chain.CheckCanRegisterResponse, error) {
	return chain.CheckCanRegisterResponse{Verified: f.canRegister}, nil
}

func (f *fakeChainClient) ViewAccessKeyList(ctx context.Context, accountID string) ([]chain.AccessKey, error) {
	f.viewCallCount++
	if f.relayClient != nil && f.viewCallCount > f.matchesAfter && f.relayClient.lastNewPubKey != "" {
		return []chain.AccessKey{{PublicKey: f.relayClient.lastNewPubKey}}, nil
	}
	return f.accessKeys, nil
}

func (f *fakeChainClient) SendTransaction(ctx context.Context, signedTxBorsh []byte, waitUntil string) (chain.BroadcastOutcome, error) {
	if f.sendTransactionErr != nil {
		return chain.BroadcastOutcome{}, f.sendTransactionErr
	}
	return chain.BroadcastOutcome{TransactionHash: "tx-hash"}, nil
}

func (f *fakeChainClient) GetCredentialIDsByAccount(ctx context.Context, accountID string) ([]string, error) {
	return f.credentialIDsByAccount, nil
}

func (f *fakeChainClient) GetDeviceLinkingAccount(ctx context.Context, devicePublicKey string) (string, uint64, error) {
	if f.deviceLinkingAccountID == "" {
		return "", 0, nil
	}
	return f.deviceLinkingAccountID, 0, nil
}

func (f *fakeChainClient) GetAuthenticatorsByUser(ctx context.Context, userID string) ([]chain.ContractStoredAuthenticator, error) {
	return f.authenticators, nil
}

func (f *fakeChainClient) GetRecoveryAttempt(ctx context.Context, requestID string) (*chain.RecoveryAttempt, error) {
	return nil, nil
}

func (f *fakeChainClient) GetVerificationResult(ctx context.Context, requestID string) (*chain.VerificationResult, error) {
	return f.verificationResult, nil
}

func (f *fakeChainClient) AccountBalance(ctx context.Context, accountID string) (string, error) {
	return f.balanceYocto, nil
}

type fakeRelayClient struct {
	createResp    relay.CreateAccountResponse
	createErr     error
	lastNewPubKey string

	// shamirUnlockErr, when set, is returned by ShamirUnlockRound so tests
	// can force the Shamir unlock pass to fail.
	shamirUnlockErr error

	// thresholdAuthorizeResp/thresholdAuthorizeErr control ThresholdAuthorize's
	// reply; thresholdAuthorizeErr is consumed once so tests can fail the
	// first authorize call and succeed on the retry after repair.
	thresholdAuthorizeResp relay.ThresholdAuthorizeResponse
	thresholdAuthorizeErr  error
	thresholdAuthorizeCalls int
}

func (f *fakeRelayClient) CreateAccountAndRegisterUser(ctx context.Context, req relay.CreateAccountRequest) (relay.CreateAccountResponse, error) {
	f.lastNewPubKey = req.NewPublicKey
	return f.createResp, f.createErr
}

func (f *fakeRelayClient) VerifyAuthenticationResponse(ctx context.Context, req relay.VerifyAuthenticationRequest) (relay.VerifyAuthenticationResponse, error) {
	return relay.VerifyAuthenticationResponse{}, nil
}

func (f *fakeRelayClient) ThresholdKeygen(ctx context.Context, req relay.ThresholdKeygenRequest) (relay.ThresholdKeygenResponse, error) {
	return relay.ThresholdKeygenResponse{}, nil
}

func (f *fakeRelayClient) ThresholdAuthorize(ctx context.Context, req relay.ThresholdAuthorizeRequest) (relay.ThresholdAuthorizeResponse, error) {
	f.thresholdAuthorizeCalls++
	if f.thresholdAuthorizeCalls == 1 && f.thresholdAuthorizeErr != nil {
		return relay.ThresholdAuthorizeResponse{}, f.thresholdAuthorizeErr
	}
	return f.thresholdAuthorizeResp, nil
}

func (f *fakeRelayClient) ShamirEncryptRound(ctx context.Context, masked []byte) ([]byte, string, error) {
	return masked, "key-1", nil
}

func (f *fakeRelayClient) ShamirUnlockRound(ctx context.Context, masked []byte, serverKeyID string) ([]byte, error) {
	if f.shamirUnlockErr != nil {
		return nil, f.shamirUnlockErr
	}
	return masked, nil
}

func newTestContext(t *testing.T, chainClient *fakeChainClient, relayClient *fakeRelayClient) *Context {
	t.Helper()
	clock := &walletclock.Fake{}
	return New(
		memory.New(),
		vrf.New(clock),
		signer.New(clock, vrf.New(clock)),
		chainClient,
		relayClient,
		nil,
		webauthn.New("example.com"),
		clock,
	)
}

func registrationCredential(accountID string) webauthn.Credential {
	var first, second [32]byte
	first[0], second[0] = 1, 2
	return webauthn.NewLiveCredential(fakeLiveHandle{
		credentialID: "cred-1",
		userHandle:   []byte(accountID),
		prfFirst:     first,
		prfSecond:    second,
		withPRF:      true,
	})
}

func TestRegisterSucceedsAndPersistsVaultRows(t *testing.T) {
	relayClient := &fakeRelayClient{createResp: relay.CreateAccountResponse{Success: true, TransactionHash: "tx-1"}}
	chainClient := &fakeChainClient{canRegister: true, relayClient: relayClient}
	c := newTestContext(t, chainClient, relayClient)

	req := RegisterRequest{
		AccountID:    "alice.near",
		DeviceNumber: 0,
		RPID:         "example.com",
		UserID:       "user-1",
		Credential:   registrationCredential("alice.near"),
	}

	result, err := c.Register(t.Context(), req)
	require.NoError(t, err)
	assert.Equal(t, "tx-1", result.TransactionHash)
	assert.NotEqual(t, [32]byte{}, result.NearPublicKey)
	assert.NotEqual(t, [32]byte{}, result.VrfPublicKey)

	stored, err := c.Vault.GetLastUser(t.Context(), "alice.near")
	require.NoError(t, err)
	assert.Equal(t, "alice.near", stored.AccountID)
}

func TestRegisterRejectsInvalidAccountID(t *testing.T) {
	c := newTestContext(t, &fakeChainClient{canRegister: true}, &fakeRelayClient{})
	_, err := c.Register(t.Context(), RegisterRequest{
		AccountID:  "A",
		Credential: registrationCredential("A"),
	})
	assert.Equal(t, walleterr.InvalidAccountID, walleterr.KindOf(err))
}

func TestRegisterRejectsCredentialWithoutPRF(t *testing.T) {
	c := newTestContext(t, &fakeChainClient{canRegister: true}, &fakeRelayClient{})
	cred := webauthn.NewLiveCredential(fakeLiveHandle{
		credentialID: "cred-1",
		userHandle:   []byte("alice.near"),
		withPRF:      false,
	})
	_, err := c.Register(t.Context(), RegisterRequest{AccountID: "alice.near", Credential: cred})
	assert.Equal(t, walleterr.WebAuthnNoPRF, walleterr.KindOf(err))
}

func TestRegisterRejectsUserHandleMismatch(t *testing.T) {
	c := newTestContext(t, &fakeChainClient{canRegister: true}, &fakeRelayClient{})
	_, err := c.Register(t.Context(), RegisterRequest{
		AccountID:  "alice.near",
		Credential: registrationCredential("bob.near"),
	})
	assert.Equal(t, walleterr.ValidationFailed, walleterr.KindOf(err))
}

func TestRegisterRejectsWhenChainSaysCannotRegister(t *testing.T) {
	c := newTestContext(t, &fakeChainClient{canRegister: false}, &fakeRelayClient{})
	_, err := c.Register(t.Context(), RegisterRequest{
		AccountID:  "alice.near",
		Credential: registrationCredential("alice.near"),
	})
	assert.Equal(t, walleterr.RegistrationOnchainMismatch, walleterr.KindOf(err))
}

func TestRollbackRegistrationDeletesVaultRows(t *testing.T) {
	relayClient := &fakeRelayClient{createResp: relay.CreateAccountResponse{Success: true, TransactionHash: "tx-1"}}
	chainClient := &fakeChainClient{canRegister: true, relayClient: relayClient}
	c := newTestContext(t, chainClient, relayClient)

	_, err := c.Register(t.Context(), RegisterRequest{
		AccountID:  "alice.near",
		RPID:       "example.com",
		UserID:     "user-1",
		Credential: registrationCredential("alice.near"),
	})
	require.NoError(t, err)

	require.NoError(t, c.RollbackRegistration(t.Context(), "alice.near", 0))
	_, err = c.Vault.GetLastUser(t.Context(), "alice.near")
	assert.Error(t, err)
}
