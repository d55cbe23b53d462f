package orchestrator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/mr-tron/base58"

	"github.com/web3-authn/tatchi/chain"
	tatchicrypto "github.com/web3-authn/tatchi/crypto"
	"github.com/web3-authn/tatchi/relay"
	"github.com/web3-authn/tatchi/signer"
	"github.com/web3-authn/tatchi/vault"
	"github.com/web3-authn/tatchi/vrf"
	"github.com/web3-authn/tatchi/walleterr"
	"github.com/web3-authn/tatchi/webauthn"
)

// registrationPollAttempts/registrationPollInterval bound registration's post-broadcast
// access-key-list poll: 5 attempts, 750ms apart.
const (
	registrationPollAttempts = 5
	registrationPollInterval = 750_000_000 // 750ms, in time.Duration nanoseconds
)

// RegisterRequest is Registration's input: a completed registration
// ceremony credential plus the enrollment options the caller chose.
type RegisterRequest struct {
	AccountID         string
	DeviceNumber      int
	RPID              string
	UserID            string
	BlockHeight       uint64
	BlockHash         string
	Credential        webauthn.Credential
	ThresholdRequested bool
}

// RegisterResult is Registration's terminal success state.
type RegisterResult struct {
	TransactionHash  string
	NearPublicKey    [32]byte
	VrfPublicKey     [32]byte
	ThresholdEnabled bool
}

// Register runs Registration's 8 phases. On any failure after the vault
// write in phase 7 has succeeded, callers must invoke RollbackRegistration
// before surfacing the error, since this method does not roll back
// partial chain-side state (chain writes are immutable; only vault rows
// are rolled back).
func (c *Context) Register(ctx context.Context, req RegisterRequest) (result RegisterResult, err error) {
	defer func() { c.logFlowOutcome("register", req.AccountID, err) }()

	// Phase 1: validate account-id format. Secure-context validation is a
	// browser-only precondition (window.isSecureContext) with no server-
	// side analogue and is out of scope here.
	if err := ValidateAccountID(req.AccountID); err != nil {
		return RegisterResult{}, err
	}

	// Phase 2: normalize the registration credential and require PRF.
	norm, err := req.Credential.Normalize(true)
	if err != nil {
		return RegisterResult{}, walleterr.Wrap(walleterr.WebAuthnNoPRF, "normalize registration credential", err)
	}
	if err := norm.RequirePRF(); err != nil {
		return RegisterResult{}, walleterr.Wrap(walleterr.WebAuthnNoPRF, "registration credential missing prf outputs", err)
	}
	if err := c.WebAuthn.VerifyUserHandle(norm, req.AccountID); err != nil {
		return RegisterResult{}, walleterr.Wrap(walleterr.ValidationFailed, "credential userHandle mismatch", err)
	}

	// Phase 3: chain view, VRF derivation, NEAR derivation, and (if
	// requested) the threshold client share run concurrently, each
	// tagged by source so the results can be picked out of the shared
	// channel without relying on zero-value inference.
	type phase3Source int
	const (
		sourceCanRegister phase3Source = iota
		sourceVRF
		sourceNear
		sourceThresholdShare
	)
	type phase3Result struct {
		source      phase3Source
		canRegister chain.CheckCanRegisterResponse
		vrfResult   vrf.DeriveResult
		nearResult  signer.DeriveNearKeypairResult
		clientShare string
		err         error
	}
	results := make(chan phase3Result, 4)

	go func() {
		resp, err := c.ChainClient.CheckCanRegisterUser(ctx, chain.CheckCanRegisterRequest{
			VrfData:              map[string]any{"user_id": req.UserID},
			WebAuthnRegistration: map[string]any{"credential_id": norm.CredentialID},
			AuthenticatorOptions: map[string]any{"expected_rp_id": req.RPID},
		})
		results <- phase3Result{source: sourceCanRegister, canRegister: resp, err: err}
	}()
	go func() {
		res, err := c.VRFWorker.DeriveVrfKeypair(ctx, *norm.PRFFirst, req.AccountID, true, c.Shamir)
		results <- phase3Result{source: sourceVRF, vrfResult: res, err: err}
	}()
	go func() {
		res, err := c.SignerWorker.DeriveNearKeypair(*norm.PRFFirst, *norm.PRFSecond, req.AccountID)
		results <- phase3Result{source: sourceNear, nearResult: res, err: err}
	}()
	go func() {
		if !req.ThresholdRequested {
			results <- phase3Result{source: sourceThresholdShare}
			return
		}
		share, err := deriveThresholdClientShare(*norm.PRFFirst, req.AccountID)
		results <- phase3Result{source: sourceThresholdShare, clientShare: share, err: err}
	}()

	var canRegister chain.CheckCanRegisterResponse
	var vrfResult vrf.DeriveResult
	var nearResult signer.DeriveNearKeypairResult
	var clientShare string
	for i := 0; i < 4; i++ {
		r := <-results
		if r.err != nil {
			return RegisterResult{}, fmt.Errorf("registration phase 3: %w", r.err)
		}
		switch r.source {
		case sourceCanRegister:
			canRegister = r.canRegister
		case sourceVRF:
			vrfResult = r.vrfResult
		case sourceNear:
			nearResult = r.nearResult
		case sourceThresholdShare:
			clientShare = r.clientShare
		}
	}
	if !canRegister.Verified {
		return RegisterResult{}, walleterr.New(walleterr.RegistrationOnchainMismatch, "check_can_register_user rejected this credential")
	}

	// Phase 4: atomic account creation.
	createReq := relay.CreateAccountRequest{
		NewAccountID:              req.AccountID,
		NewPublicKey:              "ed25519:" + base58.Encode(nearResult.PublicKey[:]),
		DeviceNumber:              req.DeviceNumber,
		VrfData:                   relay.VrfData{UserID: req.UserID, RpID: req.RPID, BlockHeight: req.BlockHeight, BlockHash: req.BlockHash},
		WebAuthnRegistration:      normalizedToWireRegistration(norm),
		DeterministicVrfPublicKey: base58.Encode(vrfResult.VrfPublicKey[:]),
		AuthenticatorOptions:      relay.AuthenticatorOptions{ExpectedRPID: req.RPID},
	}
	if req.ThresholdRequested {
		createReq.ThresholdEd25519 = &relay.ThresholdEnrollRequest{ClientVerifyingShareB64u: clientShare}
	}

	createResp, err := c.RelayClient.CreateAccountAndRegisterUser(ctx, createReq)
	if err != nil {
		return RegisterResult{}, err
	}

	// Phase 5: poll until the new key appears on-chain.
	expectedKey := "ed25519:" + base58.Encode(nearResult.PublicKey[:])
	if err := c.pollForAccessKey(ctx, req.AccountID, expectedKey); err != nil {
		return RegisterResult{}, err
	}

	thresholdEnabled := false
	// Phase 6: if threshold enrollment was granted, sign a no-prompt
	// transaction with the freshly derived key. The transaction carries no
	// AddKey action and is not broadcast.
	if req.ThresholdRequested && createResp.ThresholdEd25519 != nil {
		tx := signer.Transaction{
			SignerID:   req.AccountID,
			PublicKey:  nearResult.PublicKey,
			ReceiverID: req.AccountID,
		}
		if _, err := c.SignerWorker.SignAddKeyThresholdNoPrompt(req.AccountID, tx); err != nil {
			return RegisterResult{}, walleterr.Wrap(walleterr.ThresholdEnrollmentFailed, "sign threshold add-key", err)
		}
		thresholdEnabled = true
	}

	// Phase 7: atomically persist the vault rows.
	now := c.Clock.Now()
	encryptedVrfKeypair, err := json.Marshal(vrfResult.EncryptedVrfKeypair)
	if err != nil {
		return RegisterResult{}, fmt.Errorf("registration phase 7: marshal encrypted vrf keypair: %w", err)
	}
	var serverEncryptedVrfKeypair []byte
	if vrfResult.ServerEncryptedVrfKeypair != nil {
		serverEncryptedVrfKeypair, err = json.Marshal(vrfResult.ServerEncryptedVrfKeypair)
		if err != nil {
			return RegisterResult{}, fmt.Errorf("registration phase 7: marshal server-encrypted vrf keypair: %w", err)
		}
	}
	user := vault.UserRecord{
		AccountID:                 req.AccountID,
		DeviceNumber:              req.DeviceNumber,
		VRFPublicKey:              base58.Encode(vrfResult.VrfPublicKey[:]),
		NearPublicKey:             expectedKey,
		EncryptedVrfKeypair:       encryptedVrfKeypair,
		ServerEncryptedVrfKeypair: serverEncryptedVrfKeypair,
		CreatedAt:                 now,
		LastUpdatedAt:             now,
	}
	auth := vault.AuthenticatorRecord{
		AccountID:    req.AccountID,
		CredentialID: norm.CredentialID,
		DeviceNumber: req.DeviceNumber,
		RegisteredAt: now,
	}
	nearKey := vault.EncryptedNearKey{
		AccountID:    req.AccountID,
		DeviceNumber: req.DeviceNumber,
		Ciphertext:   nearResult.Ciphertext,
		AEADNonce:    nearResult.AEADNonce,
		WrapKeySalt:  nearResult.WrapKeySalt,
		Kind:         vault.LocalNearSKv3,
	}
	if err := c.Vault.AtomicStoreRegistrationData(ctx, user, auth, &nearKey, nil); err != nil {
		return RegisterResult{}, fmt.Errorf("registration phase 7: persist vault rows: %w", err)
	}

	// Phase 8: ensure a live VRF session (DeriveVrfKeypair already
	// activated it with save=true above, so this is typically a no-op).
	if status := c.VRFWorker.CheckStatus(); !status.Active || status.AccountID != req.AccountID {
		return RegisterResult{}, walleterr.New(walleterr.VRFSessionInactive, "registration completed but vrf session is not active; a touchid unlock is required")
	}

	return RegisterResult{
		TransactionHash:  createResp.TransactionHash,
		NearPublicKey:    nearResult.PublicKey,
		VrfPublicKey:     vrfResult.VrfPublicKey,
		ThresholdEnabled: thresholdEnabled,
	}, nil
}

// pollForAccessKey polls ViewAccessKeyList until expectedKey appears,
// bounded by registrationPollAttempts attempts spaced registrationPollInterval
// apart.
func (c *Context) pollForAccessKey(ctx context.Context, accountID, expectedKey string) error {
	for attempt := 1; attempt <= registrationPollAttempts; attempt++ {
		keys, err := c.ChainClient.ViewAccessKeyList(ctx, accountID)
		if err == nil {
			for _, k := range keys {
				if k.PublicKey == expectedKey {
					return nil
				}
			}
		}
		if attempt == registrationPollAttempts {
			break
		}
		if err := c.Clock.Sleep(ctx, registrationPollInterval); err != nil {
			return err
		}
	}
	return walleterr.New(walleterr.RegistrationOnchainMismatch, "expected access key did not appear after polling")
}

// RollbackRegistration deletes a partially-registered user's vault rows.
// The chain side is immutable and is never touched.
func (c *Context) RollbackRegistration(ctx context.Context, accountID string, deviceNumber int) error {
	return c.Vault.RollbackUserRegistration(ctx, accountID, deviceNumber)
}

// deriveThresholdClientShare derives a deterministic stand-in for the
// client's FROST verifying share from PRF. No 2-party FROST
// implementation exists in this codebase's dependency set; this HKDF
// derivation exercises the threshold enrollment wire protocol
// end-to-end without claiming real threshold-signature security, which
// callers must not rely on until a genuine FROST share is substituted.
func deriveThresholdClientShare(prfFirst [32]byte, accountID string) (string, error) {
	share, err := tatchicrypto.HKDF(prfFirst[:], []byte("threshold-client-share-v1"), []byte(accountID), 32)
	if err != nil {
		return "", fmt.Errorf("derive threshold client share: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(share), nil
}

func normalizedToWireRegistration(norm webauthn.NormalizedCredential) relay.WebAuthnRegistration {
	stripped := norm.StripPRF()
	return relay.WebAuthnRegistration{
		ID:                stripped.CredentialID,
		RawID:             base64.RawURLEncoding.EncodeToString(stripped.RawID),
		Type:              stripped.Type,
		ClientDataJSON:    base64.RawURLEncoding.EncodeToString(stripped.ClientDataJSON),
		AttestationObject: base64.RawURLEncoding.EncodeToString(stripped.AttestationObject),
	}
}
