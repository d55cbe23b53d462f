package orchestrator

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"net/url"
	"time"

	"github.com/mr-tron/base58"

	"github.com/web3-authn/tatchi/chain"
	"github.com/web3-authn/tatchi/signer"
	"github.com/web3-authn/tatchi/vault"
	"github.com/web3-authn/tatchi/walleterr"
	"github.com/web3-authn/tatchi/webauthn"
)

// emailRecoveryRequestIDAlphabet/Length produce the 6-character [A-Z0-9]
// request id embedded in the mailto: subject line.
const (
	emailRecoveryRequestIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	emailRecoveryRequestIDLength   = 6
)

// emailRecoveryPollAttempts/Interval bound FinalizeEmailRecovery's
// get_verification_result poll.
const (
	emailRecoveryPollAttempts = 40
	emailRecoveryPollInterval = 3 * time.Second
)

// StartEmailRecoveryRequest is email recovery's phase-1 input: the new
// device's own registration-style passkey credential plus the enrollment
// parameters the caller's configuration supplies.
type StartEmailRecoveryRequest struct {
	AccountID     string
	RecoveryEmail string

	// MailtoAddress is the DKIM verifier's intake address (configuration
	// key relayer.emailRecovery.mailtoAddress), not the user's own email.
	MailtoAddress string

	// MinBalanceYocto, if non-empty, is the decimal yoctoNEAR precondition
	// (configuration key relayer.emailRecovery.minBalanceYocto); an empty
	// string skips the balance check.
	MinBalanceYocto string

	DeviceNumber int
	Credential   webauthn.Credential
}

// StartEmailRecoveryResult is phase 1's terminal success state. The caller
// opens MailtoURL in the user's mail client; sending it from RecoveryEmail
// is what lets the configured DKIM verifier observe and validate the
// recovery request.
type StartEmailRecoveryResult struct {
	RequestID string
	MailtoURL string
}

// StartEmailRecovery runs email recovery's phase 1: check the account
// balance precondition, derive the new device's VRF/NEAR keypairs from its
// passkey, persist a pending record in the awaiting-add-key state, and
// build the mailto: URL that triggers DKIM verification once sent.
func (c *Context) StartEmailRecovery(ctx context.Context, req StartEmailRecoveryRequest) (StartEmailRecoveryResult, error) {
	if err := ValidateAccountID(req.AccountID); err != nil {
		return StartEmailRecoveryResult{}, err
	}
	if req.MailtoAddress == "" {
		return StartEmailRecoveryResult{}, walleterr.New(walleterr.ValidationFailed, "email recovery requires a configured mailto address")
	}

	if req.MinBalanceYocto != "" {
		balance, err := c.ChainClient.AccountBalance(ctx, req.AccountID)
		if err != nil {
			return StartEmailRecoveryResult{}, fmt.Errorf("email recovery: fetch account balance: %w", err)
		}
		sufficient, err := yoctoAtLeast(balance, req.MinBalanceYocto)
		if err != nil {
			return StartEmailRecoveryResult{}, fmt.Errorf("email recovery: compare account balance: %w", err)
		}
		if !sufficient {
			return StartEmailRecoveryResult{}, walleterr.New(walleterr.ValidationFailed, "account balance is below the email recovery minimum")
		}
	}

	norm, err := req.Credential.Normalize(true)
	if err != nil {
		return StartEmailRecoveryResult{}, walleterr.Wrap(walleterr.WebAuthnNoPRF, "normalize email recovery credential", err)
	}
	if err := norm.RequirePRF(); err != nil {
		return StartEmailRecoveryResult{}, walleterr.Wrap(walleterr.WebAuthnNoPRF, "email recovery credential missing prf outputs", err)
	}

	vrfResult, err := c.VRFWorker.DeriveVrfKeypair(ctx, *norm.PRFFirst, req.AccountID, true, c.Shamir)
	if err != nil {
		return StartEmailRecoveryResult{}, fmt.Errorf("email recovery: derive vrf keypair: %w", err)
	}
	nearResult, err := c.SignerWorker.DeriveNearKeypair(*norm.PRFFirst, *norm.PRFSecond, req.AccountID)
	if err != nil {
		return StartEmailRecoveryResult{}, fmt.Errorf("email recovery: derive near keypair: %w", err)
	}

	requestID, err := generateEmailRecoveryRequestID()
	if err != nil {
		return StartEmailRecoveryResult{}, fmt.Errorf("email recovery: generate request id: %w", err)
	}
	newPublicKey := "ed25519:" + base58.Encode(nearResult.PublicKey[:])

	encryptedVrfKeypair, err := json.Marshal(vrfResult.EncryptedVrfKeypair)
	if err != nil {
		return StartEmailRecoveryResult{}, fmt.Errorf("email recovery: marshal encrypted vrf keypair: %w", err)
	}
	var serverEncryptedVrfKeypair []byte
	if vrfResult.ServerEncryptedVrfKeypair != nil {
		serverEncryptedVrfKeypair, err = json.Marshal(vrfResult.ServerEncryptedVrfKeypair)
		if err != nil {
			return StartEmailRecoveryResult{}, fmt.Errorf("email recovery: marshal server-encrypted vrf keypair: %w", err)
		}
	}

	pending := vault.PendingEmailRecovery{
		AccountID:                 req.AccountID,
		RecoveryEmail:             req.RecoveryEmail,
		DeviceNumber:              req.DeviceNumber,
		NearPublicKey:             newPublicKey,
		RequestID:                 requestID,
		EncryptedVrfKeypair:       encryptedVrfKeypair,
		ServerEncryptedVrfKeypair: serverEncryptedVrfKeypair,
		VRFPublicKey:              base58.Encode(vrfResult.VrfPublicKey[:]),
		CredentialID:              norm.CredentialID,
		CreatedAt:                 c.Clock.Now(),
		Status:                    vault.StatusAwaitingEmail,
		NearKeyCiphertext:         nearResult.Ciphertext,
		NearKeyAEADNonce:          nearResult.AEADNonce,
		NearKeyWrapKeySalt:        nearResult.WrapKeySalt,
	}
	if err := c.Vault.PutPendingEmailRecovery(ctx, pending); err != nil {
		return StartEmailRecoveryResult{}, fmt.Errorf("email recovery: persist pending record: %w", err)
	}
	if err := c.Vault.TransitionPendingEmailRecovery(ctx, requestID, vault.StatusAwaitingAddKey); err != nil {
		return StartEmailRecoveryResult{}, fmt.Errorf("email recovery: transition to awaiting-add-key: %w", err)
	}

	return StartEmailRecoveryResult{
		RequestID: requestID,
		MailtoURL: buildRecoveryMailtoURL(req.MailtoAddress, requestID, req.AccountID, newPublicKey),
	}, nil
}

// FinalizeEmailRecoveryResult is phase 2's terminal success state.
type FinalizeEmailRecoveryResult struct {
	AccountID     string
	DeviceNumber  int
	NearPublicKey [32]byte
}

// FinalizeEmailRecovery polls get_verification_result until the configured
// DKIM verifier confirms the recovery email (or ctx is cancelled / the
// poll budget is exhausted), confirms the new key landed on-chain, signs
// the Device-N registration transaction, and persists the new device's
// vault rows.
func (c *Context) FinalizeEmailRecovery(ctx context.Context, requestID string) (result FinalizeEmailRecoveryResult, err error) {
	defer func() { c.logFlowOutcome("finalize_email_recovery", requestID, err) }()

	pending, err := c.Vault.GetPendingEmailRecovery(ctx, requestID)
	if err != nil {
		return FinalizeEmailRecoveryResult{}, fmt.Errorf("email recovery: load pending record: %w", err)
	}

	token := c.recoveryCancellation(requestID).Issue()
	defer c.forgetRecoveryCancellation(requestID)

	var verified *chain.VerificationResult
	for attempt := 1; attempt <= emailRecoveryPollAttempts; attempt++ {
		if token.IsStale() {
			return FinalizeEmailRecoveryResult{}, walleterr.New(walleterr.ValidationFailed, "email recovery attempt was cancelled")
		}
		result, err := c.ChainClient.GetVerificationResult(ctx, requestID)
		if err == nil && result != nil && result.Verified {
			verified = result
			break
		}
		if attempt == emailRecoveryPollAttempts {
			_ = c.Vault.TransitionPendingEmailRecovery(ctx, requestID, vault.StatusError)
			return FinalizeEmailRecoveryResult{}, walleterr.New(walleterr.EmailPollTimeout, "email verification did not complete before the poll budget was exhausted")
		}
		if err := c.Clock.Sleep(ctx, emailRecoveryPollInterval); err != nil {
			return FinalizeEmailRecoveryResult{}, err
		}
	}

	if verified.AccountID != pending.AccountID || verified.NewPublicKey != pending.NearPublicKey {
		_ = c.Vault.TransitionPendingEmailRecovery(ctx, requestID, vault.StatusError)
		return FinalizeEmailRecoveryResult{}, walleterr.New(walleterr.EmailVerificationFailed, "verification result does not match the pending recovery record")
	}

	if err := c.Vault.TransitionPendingEmailRecovery(ctx, requestID, vault.StatusFinalizing); err != nil {
		return FinalizeEmailRecoveryResult{}, fmt.Errorf("email recovery: transition to finalizing: %w", err)
	}

	// The DKIM verifier contract adds the access key itself as part of
	// confirming verification; confirm it actually landed before persisting
	// locally, the same access-key poll registration.go uses after relay
	// account creation.
	if err := c.pollForAccessKey(ctx, pending.AccountID, pending.NearPublicKey); err != nil {
		_ = c.Vault.TransitionPendingEmailRecovery(ctx, requestID, vault.StatusError)
		return FinalizeEmailRecoveryResult{}, err
	}

	nearPubKey, err := decodeEd25519PublicKey(pending.NearPublicKey)
	if err != nil {
		return FinalizeEmailRecoveryResult{}, fmt.Errorf("email recovery: decode stored near public key: %w", err)
	}

	// The VRF/NEAR keypairs were derived and left active back in phase 1;
	// this registration tx is the bootstrap exception, same as
	// registration.go's threshold add-key and link-device's device2
	// registration step.
	regTx := signer.Transaction{SignerID: pending.AccountID, PublicKey: nearPubKey, ReceiverID: pending.AccountID}
	if _, err := c.SignerWorker.SignAddKeyThresholdNoPrompt(pending.AccountID, regTx); err != nil {
		_ = c.Vault.TransitionPendingEmailRecovery(ctx, requestID, vault.StatusError)
		return FinalizeEmailRecoveryResult{}, fmt.Errorf("email recovery: sign device registration: %w", err)
	}

	now := c.Clock.Now()
	user := vault.UserRecord{
		AccountID:                 pending.AccountID,
		DeviceNumber:              pending.DeviceNumber,
		VRFPublicKey:              pending.VRFPublicKey,
		NearPublicKey:             pending.NearPublicKey,
		EncryptedVrfKeypair:       pending.EncryptedVrfKeypair,
		ServerEncryptedVrfKeypair: pending.ServerEncryptedVrfKeypair,
		CreatedAt:                 now,
		LastUpdatedAt:             now,
	}
	auth := vault.AuthenticatorRecord{
		AccountID:    pending.AccountID,
		CredentialID: pending.CredentialID,
		DeviceNumber: pending.DeviceNumber,
		RegisteredAt: now,
	}
	nearKey := vault.EncryptedNearKey{
		AccountID:    pending.AccountID,
		DeviceNumber: pending.DeviceNumber,
		Ciphertext:   pending.NearKeyCiphertext,
		AEADNonce:    pending.NearKeyAEADNonce,
		WrapKeySalt:  pending.NearKeyWrapKeySalt,
		Kind:         vault.LocalNearSKv3,
	}
	if err := c.Vault.AtomicStoreRegistrationData(ctx, user, auth, &nearKey, nil); err != nil {
		_ = c.Vault.TransitionPendingEmailRecovery(ctx, requestID, vault.StatusError)
		return FinalizeEmailRecoveryResult{}, fmt.Errorf("email recovery: persist vault rows: %w", err)
	}

	if err := c.Vault.TransitionPendingEmailRecovery(ctx, requestID, vault.StatusComplete); err != nil {
		return FinalizeEmailRecoveryResult{}, fmt.Errorf("email recovery: transition to complete: %w", err)
	}

	if status := c.VRFWorker.CheckStatus(); !status.Active || status.AccountID != pending.AccountID {
		return FinalizeEmailRecoveryResult{}, walleterr.New(walleterr.VRFSessionInactive, "email recovery completed but vrf session is not active; a touchid unlock is required")
	}

	return FinalizeEmailRecoveryResult{
		AccountID:     pending.AccountID,
		DeviceNumber:  pending.DeviceNumber,
		NearPublicKey: nearPubKey,
	}, nil
}

// CancelEmailRecovery stops polling and clears local pending state by
// moving the record to the terminal error status. It cannot revoke an OS
// passkey the new device already created. If a FinalizeEmailRecovery call
// for this requestID is polling concurrently, its next loop iteration
// notices the cancellation and returns instead of waiting out its full poll
// budget.
func (c *Context) CancelEmailRecovery(ctx context.Context, requestID string) error {
	if err := c.Vault.TransitionPendingEmailRecovery(ctx, requestID, vault.StatusError); err != nil {
		return fmt.Errorf("email recovery: cancel: %w", err)
	}
	c.recoveryCancellation(requestID).Cancel()
	return nil
}

// generateEmailRecoveryRequestID returns a 6-character [A-Z0-9] id, short
// enough to read back over the phone or retype from a QR scan.
func generateEmailRecoveryRequestID() (string, error) {
	out := make([]byte, emailRecoveryRequestIDLength)
	alphabetLen := big.NewInt(int64(len(emailRecoveryRequestIDAlphabet)))
	for i := range out {
		n, err := rand.Int(rand.Reader, alphabetLen)
		if err != nil {
			return "", err
		}
		out[i] = emailRecoveryRequestIDAlphabet[n.Int64()]
	}
	return string(out), nil
}

// buildRecoveryMailtoURL builds the exact mailto: wire format: spaces in
// the subject/body are literal %20, which net/url's default query encoder
// would instead render as "+", so the query string is assembled by hand.
func buildRecoveryMailtoURL(mailtoAddress, requestID, accountID, newPublicKey string) string {
	subject := fmt.Sprintf("recover-%s %s %s", requestID, accountID, newPublicKey)
	body := fmt.Sprintf("Recovering account %s with a new passkey.", accountID)
	return fmt.Sprintf("mailto:%s?subject=%s&body=%s",
		mailtoAddress, mailtoSpaceEncode(subject), mailtoSpaceEncode(body))
}

// mailtoSpaceEncode percent-encodes a string the way a mailto: query
// component needs, with spaces as %20 rather than the "+" url.QueryEscape
// would produce.
func mailtoSpaceEncode(s string) string {
	return url.PathEscape(s)
}

// yoctoAtLeast reports whether balance >= minimum, both given as decimal
// yoctoNEAR strings too large for any fixed-width integer type.
func yoctoAtLeast(balance, minimum string) (bool, error) {
	balanceInt, ok := new(big.Int).SetString(balance, 10)
	if !ok {
		return false, fmt.Errorf("parse account balance %q", balance)
	}
	minimumInt, ok := new(big.Int).SetString(minimum, 10)
	if !ok {
		return false, fmt.Errorf("parse minimum balance %q", minimum)
	}
	return balanceInt.Cmp(minimumInt) >= 0, nil
}
