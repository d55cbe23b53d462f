package orchestrator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/mr-tron/base58"

	"github.com/web3-authn/tatchi/chain"
	"github.com/web3-authn/tatchi/vault"
	"github.com/web3-authn/tatchi/walleterr"
	"github.com/web3-authn/tatchi/webauthn"
)

// RecoverRequest is Account Sync/Recovery's input. AccountID may be empty:
// AssertionProvider is then asked for an assertion with no account hint,
// and the account is inferred from the chosen credential's userHandle.
type RecoverRequest struct {
	AccountID         string
	AssertionProvider func(ctx context.Context, accountIDHint string) (webauthn.Credential, error)
}

// RecoverResult is Account Sync/Recovery's terminal success state.
type RecoverResult struct {
	AccountID     string
	DeviceNumber  int
	NearPublicKey [32]byte
	VrfPublicKey  [32]byte
}

// Recover runs Account Sync/Recovery: it re-derives the device's VRF and
// NEAR keypairs from a fresh passkey assertion, confirms the derived key
// is actually on the account's on-chain access-key list, then restores
// only the vault rows for the credential that was actually used — it
// never bulk-imports every authenticator the account has ever registered.
func (c *Context) Recover(ctx context.Context, req RecoverRequest) (result RecoverResult, err error) {
	defer func() { c.logFlowOutcome("recover", req.AccountID, err) }()

	if req.AssertionProvider == nil {
		return RecoverResult{}, walleterr.New(walleterr.ValidationFailed, "recovery requires a way to obtain a webauthn assertion")
	}
	if req.AccountID != "" {
		if err := ValidateAccountID(req.AccountID); err != nil {
			return RecoverResult{}, err
		}
	}

	cred, err := req.AssertionProvider(ctx, req.AccountID)
	if err != nil {
		return RecoverResult{}, walleterr.Wrap(walleterr.WebAuthnCancelled, "obtain recovery assertion", err)
	}
	norm, err := cred.Normalize(false)
	if err != nil {
		return RecoverResult{}, walleterr.Wrap(walleterr.WebAuthnNoPRF, "normalize recovery assertion", err)
	}
	if err := norm.RequirePRF(); err != nil {
		return RecoverResult{}, walleterr.Wrap(walleterr.WebAuthnNoPRF, "recovery assertion missing prf outputs", err)
	}

	accountID := req.AccountID
	if accountID == "" {
		accountID = c.WebAuthn.AccountIDFromUserHandle(norm.UserHandle)
		if accountID == "" {
			return RecoverResult{}, walleterr.New(walleterr.ValidationFailed, "could not infer an account id from the chosen passkey")
		}
	} else if err := c.WebAuthn.VerifyUserHandle(norm, accountID); err != nil {
		return RecoverResult{}, walleterr.Wrap(walleterr.ValidationFailed, "credential userHandle does not match the requested account", err)
	}

	// Selection: don't trust the client's own claim that this credential
	// belongs to accountID; confirm it against the chain's record.
	credentialIDs, err := c.ChainClient.GetCredentialIDsByAccount(ctx, accountID)
	if err != nil {
		return RecoverResult{}, fmt.Errorf("recovery: list account credentials: %w", err)
	}
	if !containsString(credentialIDs, norm.CredentialID) {
		return RecoverResult{}, walleterr.New(walleterr.ValidationFailed, "chosen credential is not registered to this account")
	}

	vrfResult, err := c.VRFWorker.DeriveVrfKeypair(ctx, *norm.PRFFirst, accountID, true, c.Shamir)
	if err != nil {
		return RecoverResult{}, fmt.Errorf("recovery: derive vrf keypair: %w", err)
	}
	nearResult, err := c.SignerWorker.DeriveNearKeypair(*norm.PRFFirst, *norm.PRFSecond, accountID)
	if err != nil {
		return RecoverResult{}, fmt.Errorf("recovery: derive near keypair: %w", err)
	}

	expectedKey := "ed25519:" + base58.Encode(nearResult.PublicKey[:])
	if err := c.pollForAccessKey(ctx, accountID, expectedKey); err != nil {
		return RecoverResult{}, err
	}

	authenticators, err := c.ChainClient.GetAuthenticatorsByUser(ctx, accountID)
	if err != nil {
		return RecoverResult{}, fmt.Errorf("recovery: sync authenticators: %w", err)
	}
	deviceNumber, publicKeyCOSE, found := deviceForCredential(authenticators, norm.CredentialID)
	if !found {
		return RecoverResult{}, walleterr.New(walleterr.ValidationFailed, "credential not found among this account's registered authenticators")
	}

	now := c.Clock.Now()
	encryptedVrfKeypair, err := json.Marshal(vrfResult.EncryptedVrfKeypair)
	if err != nil {
		return RecoverResult{}, fmt.Errorf("recovery: marshal encrypted vrf keypair: %w", err)
	}
	var serverEncryptedVrfKeypair []byte
	if vrfResult.ServerEncryptedVrfKeypair != nil {
		serverEncryptedVrfKeypair, err = json.Marshal(vrfResult.ServerEncryptedVrfKeypair)
		if err != nil {
			return RecoverResult{}, fmt.Errorf("recovery: marshal server-encrypted vrf keypair: %w", err)
		}
	}

	user := vault.UserRecord{
		AccountID:                 accountID,
		DeviceNumber:              deviceNumber,
		VRFPublicKey:              base58.Encode(vrfResult.VrfPublicKey[:]),
		NearPublicKey:             expectedKey,
		EncryptedVrfKeypair:       encryptedVrfKeypair,
		ServerEncryptedVrfKeypair: serverEncryptedVrfKeypair,
		CreatedAt:                 now,
		LastUpdatedAt:             now,
	}
	auth := vault.AuthenticatorRecord{
		AccountID:     accountID,
		CredentialID:  norm.CredentialID,
		DeviceNumber:  deviceNumber,
		PublicKeyCOSE: publicKeyCOSE,
		RegisteredAt:  now,
	}
	nearKey := vault.EncryptedNearKey{
		AccountID:    accountID,
		DeviceNumber: deviceNumber,
		Ciphertext:   nearResult.Ciphertext,
		AEADNonce:    nearResult.AEADNonce,
		WrapKeySalt:  nearResult.WrapKeySalt,
		Kind:         vault.LocalNearSKv3,
	}
	if err := c.Vault.AtomicStoreRegistrationData(ctx, user, auth, &nearKey, nil); err != nil {
		return RecoverResult{}, fmt.Errorf("recovery: restore vault rows: %w", err)
	}

	if status := c.VRFWorker.CheckStatus(); !status.Active || status.AccountID != accountID {
		return RecoverResult{}, walleterr.New(walleterr.VRFSessionInactive, "recovery completed but vrf session is not active")
	}

	return RecoverResult{
		AccountID:     accountID,
		DeviceNumber:  deviceNumber,
		NearPublicKey: nearResult.PublicKey,
		VrfPublicKey:  vrfResult.VrfPublicKey,
	}, nil
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func deviceForCredential(authenticators []chain.ContractStoredAuthenticator, credentialID string) (deviceNumber int, publicKeyCOSE []byte, found bool) {
	for _, a := range authenticators {
		if a.CredentialID != credentialID {
			continue
		}
		coseBytes, err := base64.RawURLEncoding.DecodeString(a.Record.CredentialPublicKey)
		if err != nil {
			coseBytes = []byte(a.Record.CredentialPublicKey)
		}
		return a.Record.DeviceNumber, coseBytes, true
	}
	return 0, nil, false
}
