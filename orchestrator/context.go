// Package orchestrator implements the flow orchestrator (C7): the
// single-threaded, asynchronous-await state machines for Registration,
// Login, Account Sync/Recovery, Link Device, Email Recovery, Transaction
// Execution, NEP-413, and Threshold-Ed25519 Signing. It owns no singleton
// state itself — every manager it sequences is explicitly constructed and
// passed in via Context, per the "no ambient access" rule.
package orchestrator

import (
	"context"
	"sync"

	"github.com/web3-authn/tatchi/chain"
	"github.com/web3-authn/tatchi/flowctx"
	"github.com/web3-authn/tatchi/internal/logger"
	"github.com/web3-authn/tatchi/nonce"
	"github.com/web3-authn/tatchi/relay"
	"github.com/web3-authn/tatchi/signer"
	"github.com/web3-authn/tatchi/vault"
	"github.com/web3-authn/tatchi/vrf"
	"github.com/web3-authn/tatchi/walletclock"
	"github.com/web3-authn/tatchi/webauthn"
)

// ChainClient is the slice of the chain client facade (C9) the
// orchestrator drives directly, beyond what the nonce manager already
// consumes through nonce.ChainClient.
type ChainClient interface {
	nonce.ChainClient

	CheckCanRegisterUser(ctx context.Context, req chain.CheckCanRegisterRequest) (chain.CheckCanRegisterResponse, error)
	ViewAccessKeyList(ctx context.Context, accountID string) ([]chain.AccessKey, error)
	AccountBalance(ctx context.Context, accountID string) (yoctoNear string, err error)
	SendTransaction(ctx context.Context, signedTxBorsh []byte, waitUntil string) (chain.BroadcastOutcome, error)
	GetCredentialIDsByAccount(ctx context.Context, accountID string) ([]string, error)
	GetDeviceLinkingAccount(ctx context.Context, devicePublicKey string) (accountID string, counter uint64, err error)
	GetAuthenticatorsByUser(ctx context.Context, userID string) ([]chain.ContractStoredAuthenticator, error)
	GetRecoveryAttempt(ctx context.Context, requestID string) (*chain.RecoveryAttempt, error)
	GetVerificationResult(ctx context.Context, requestID string) (*chain.VerificationResult, error)
}

// RelayClient is the slice of the relay client (C8) the orchestrator
// drives directly.
type RelayClient interface {
	vrf.ShamirRelay

	CreateAccountAndRegisterUser(ctx context.Context, req relay.CreateAccountRequest) (relay.CreateAccountResponse, error)
	VerifyAuthenticationResponse(ctx context.Context, req relay.VerifyAuthenticationRequest) (relay.VerifyAuthenticationResponse, error)
	ThresholdKeygen(ctx context.Context, req relay.ThresholdKeygenRequest) (relay.ThresholdKeygenResponse, error)
	ThresholdAuthorize(ctx context.Context, req relay.ThresholdAuthorizeRequest) (relay.ThresholdAuthorizeResponse, error)
}

// Context bundles the explicitly-constructed services every flow needs,
// instead of reaching for ambient singletons.
type Context struct {
	Vault        vault.Vault
	VRFWorker    *vrf.Worker
	SignerWorker *signer.Signer
	ChainClient  ChainClient
	RelayClient  RelayClient
	NonceManager *nonce.Manager
	WebAuthn     *webauthn.Manager
	Clock        walletclock.Clock
	Shamir       *vrf.ShamirClient

	// Logger receives one terminal log entry per flow call: an onEvent/
	// onError-style conversion of a flow's outcome into a single structured
	// entry. Defaults to logger.GetDefaultLogger() so callers never need to
	// set it explicitly.
	Logger logger.Logger

	linkDeviceCancel *flowctx.Cancellation

	recoveryMu        sync.Mutex
	recoveryCancelMap map[string]*flowctx.Cancellation
}

// New constructs a Context. Shamir may be nil if no relay is configured
// for biometric-free auto-unlock, in which case every flow falls straight
// through to the TouchID-backed path.
func New(v vault.Vault, vrfWorker *vrf.Worker, signerWorker *signer.Signer, chainClient ChainClient, relayClient RelayClient, nonceManager *nonce.Manager, webAuthn *webauthn.Manager, clock walletclock.Clock) *Context {
	var shamir *vrf.ShamirClient
	if relayClient != nil {
		shamir = vrf.NewShamirClient(relayClient)
	}
	return &Context{
		Vault:             v,
		VRFWorker:         vrfWorker,
		SignerWorker:      signerWorker,
		ChainClient:       chainClient,
		RelayClient:       relayClient,
		NonceManager:      nonceManager,
		WebAuthn:          webAuthn,
		Clock:             clock,
		Shamir:            shamir,
		Logger:            logger.GetDefaultLogger(),
		linkDeviceCancel:  flowctx.New(),
		recoveryCancelMap: make(map[string]*flowctx.Cancellation),
	}
}

// logFlowOutcome logs a flow's terminal result exactly once: an error
// becomes a single Error entry carrying the flow name and failure reason,
// success becomes a single Info completion entry. id is whatever the flow
// identifies its subject by (account id, request id, or "" when neither
// applies yet).
func (c *Context) logFlowOutcome(flow, id string, err error) {
	if c.Logger == nil {
		return
	}
	fields := []logger.Field{logger.String("flow", flow)}
	if id != "" {
		fields = append(fields, logger.String("id", id))
	}
	if err != nil {
		c.Logger.Error(flow+" failed", append(fields, logger.Error(err))...)
		return
	}
	c.Logger.Info(flow+" completed", fields...)
}

// issueLinkDeviceToken resets the link-device generation, invalidating any
// token a previous QR issued, and returns a token for the new one.
func (c *Context) issueLinkDeviceToken() flowctx.Token {
	c.linkDeviceCancel.Reset()
	return c.linkDeviceCancel.Issue()
}

// recoveryCancellation returns (creating if needed) the cancellation
// tracking requestID's email recovery poll, so CancelEmailRecovery and
// FinalizeEmailRecovery agree on the same one even across goroutines.
func (c *Context) recoveryCancellation(requestID string) *flowctx.Cancellation {
	c.recoveryMu.Lock()
	defer c.recoveryMu.Unlock()
	cancel, ok := c.recoveryCancelMap[requestID]
	if !ok {
		cancel = flowctx.New()
		c.recoveryCancelMap[requestID] = cancel
	}
	return cancel
}

// forgetRecoveryCancellation drops requestID's tracked cancellation once its
// recovery attempt has reached a terminal state.
func (c *Context) forgetRecoveryCancellation(requestID string) {
	c.recoveryMu.Lock()
	defer c.recoveryMu.Unlock()
	delete(c.recoveryCancelMap, requestID)
}
