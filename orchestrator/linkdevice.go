package orchestrator

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mr-tron/base58"

	"github.com/web3-authn/tatchi/chain"
	tatchicrypto "github.com/web3-authn/tatchi/crypto"
	"github.com/web3-authn/tatchi/flowctx"
	"github.com/web3-authn/tatchi/nonce"
	"github.com/web3-authn/tatchi/signer"
	"github.com/web3-authn/tatchi/vault"
	"github.com/web3-authn/tatchi/vrf"
	"github.com/web3-authn/tatchi/walleterr"
	"github.com/web3-authn/tatchi/webauthn"
)

// linkDeviceQRVersion is the QR payload schema version Device2 advertises.
const linkDeviceQRVersion = 1

// deviceLinkingPollAttempts/Interval bound Device2's post-scan poll of
// get_device_linking_account.
const (
	deviceLinkingPollAttempts = 40
	deviceLinkingPollInterval = 1500 * time.Millisecond
)

// DeviceLinkQR is the payload Device2 renders as a QR code for Device1 to
// scan.
type DeviceLinkQR struct {
	Device2PublicKey string `json:"device2PublicKey"`
	AccountID        string `json:"accountId,omitempty"`
	Timestamp        int64  `json:"timestamp"`
	Version          int    `json:"version"`
}

// GenerateDeviceLinkQR generates Device2's temporary Ed25519 keypair and
// the QR payload advertising its public key. The caller is responsible for
// holding onto the returned private key (and erasing it on any failure)
// until AwaitDeviceLink completes. Generating a new QR invalidates the
// token from any earlier one still being awaited (e.g. a "regenerate QR"
// button press); pass the returned token through to AwaitDeviceLink so its
// poll loop notices and stops.
func (c *Context) GenerateDeviceLinkQR(accountIDHint string) (DeviceLinkQR, ed25519.PrivateKey, flowctx.Token, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return DeviceLinkQR{}, nil, flowctx.Token{}, fmt.Errorf("link device: generate temporary keypair: %w", err)
	}
	qr := DeviceLinkQR{
		Device2PublicKey: "ed25519:" + base58.Encode(pub),
		AccountID:        accountIDHint,
		Timestamp:        c.Clock.Now().Unix(),
		Version:          linkDeviceQRVersion,
	}
	return qr, priv, c.issueLinkDeviceToken(), nil
}

// LinkDevice1Request is Device1's input after scanning Device2's QR code.
// Device1 must already have an unlocked NEAR signing key (from a prior
// Login) before calling this; AssertionProvider is called once to mint the
// single warm signing session that covers all three transactions.
type LinkDevice1Request struct {
	AccountID         string
	Device2PublicKey  string // "ed25519:"-prefixed base58, from the scanned QR
	AssertionProvider func(ctx context.Context) (webauthn.Credential, error)
}

// LinkDevice1Result is Device1's terminal success state. SafetyNetDeleteKey
// is already signed but not broadcast; the caller is responsible for
// broadcasting it (via BroadcastSafetyNetDeleteKey) if Device2 never
// confirms the link within its own timeout window.
type LinkDevice1Result struct {
	AddKeyTxHash       string
	StoreMappingTxHash string
	SafetyNetDeleteKey signer.SignedTransaction
}

// LinkDeviceAsDevice1 signs and broadcasts AddKey(device2PublicKey) and
// store_device_linking_mapping(tempPk -> accountId) with a single prompt,
// and additionally signs (but does not broadcast) a DeleteKey(device2PublicKey)
// held as a timeout safety net.
func (c *Context) LinkDeviceAsDevice1(ctx context.Context, req LinkDevice1Request) (LinkDevice1Result, error) {
	if err := ValidateAccountID(req.AccountID); err != nil {
		return LinkDevice1Result{}, err
	}
	if req.AssertionProvider == nil {
		return LinkDevice1Result{}, walleterr.New(walleterr.ValidationFailed, "link device requires a way to obtain a webauthn assertion")
	}

	device2PubKey, err := decodeEd25519PublicKey(req.Device2PublicKey)
	if err != nil {
		return LinkDevice1Result{}, walleterr.Wrap(walleterr.ValidationFailed, "decode device2 public key", err)
	}

	cred, err := req.AssertionProvider(ctx)
	if err != nil {
		return LinkDevice1Result{}, walleterr.Wrap(walleterr.WebAuthnCancelled, "obtain link-device assertion", err)
	}
	norm, err := cred.Normalize(false)
	if err != nil {
		return LinkDevice1Result{}, walleterr.Wrap(walleterr.WebAuthnNoPRF, "normalize link-device assertion", err)
	}
	if err := mintSessionForAssertion(c, norm, req.AccountID); err != nil {
		return LinkDevice1Result{}, err
	}

	ownPublicKey, err := c.SignerWorker.ActivePublicKey(req.AccountID)
	if err != nil {
		return LinkDevice1Result{}, fmt.Errorf("link device: no active signing key for %s: %w", req.AccountID, err)
	}

	blockHash, _, err := c.ChainClient.FinalBlock(ctx)
	if err != nil {
		return LinkDevice1Result{}, fmt.Errorf("link device: fetch final block: %w", err)
	}
	blockHashArr, err := decodeBlockHash(blockHash)
	if err != nil {
		return LinkDevice1Result{}, fmt.Errorf("link device: decode block hash: %w", err)
	}

	c.NonceManager.InitializeUser(req.AccountID, "ed25519:"+base58.Encode(ownPublicKey[:]))
	nonces := make([]uint64, 3)
	for i := range nonces {
		nb, err := c.NonceManager.GetNonceBlockHashAndHeight(ctx, c.ChainClient, nonce.NonceAndBlockOptions{})
		if err != nil {
			return LinkDevice1Result{}, fmt.Errorf("link device: reserve nonce: %w", err)
		}
		nonces[i] = nb.NextNonce
	}

	mappingArgs, err := json.Marshal(map[string]string{
		"device_public_key": req.Device2PublicKey,
		"account_id":        req.AccountID,
	})
	if err != nil {
		return LinkDevice1Result{}, fmt.Errorf("link device: encode mapping args: %w", err)
	}

	txs := []signer.Transaction{
		{
			SignerID:   req.AccountID,
			PublicKey:  ownPublicKey,
			Nonce:      nonces[0],
			ReceiverID: req.AccountID,
			BlockHash:  blockHashArr,
			Actions:    []signer.Action{{Kind: signer.ActionAddKey, AddKey: &signer.AddKeyAction{PublicKey: device2PubKey, Nonce: 0}}},
		},
		{
			SignerID:   req.AccountID,
			PublicKey:  ownPublicKey,
			Nonce:      nonces[1],
			ReceiverID: req.AccountID,
			BlockHash:  blockHashArr,
			Actions: []signer.Action{{Kind: signer.ActionFunctionCall, FunctionCall: &signer.FunctionCallAction{
				MethodName:       "store_device_linking_mapping",
				Args:             mappingArgs,
				Gas:              30_000_000_000_000,
				DepositYoctoNear: "0",
			}}},
		},
		{
			SignerID:   req.AccountID,
			PublicKey:  ownPublicKey,
			Nonce:      nonces[2],
			ReceiverID: req.AccountID,
			BlockHash:  blockHashArr,
			Actions:    []signer.Action{{Kind: signer.ActionDeleteKey, DeleteKey: &signer.DeleteKeyAction{PublicKey: device2PubKey}}},
		},
	}

	signed, err := c.SignerWorker.SignTransactionsWithActions(ctx, req.AccountID, txs)
	if err != nil {
		for _, n := range nonces {
			c.NonceManager.ReleaseNonce(n)
		}
		return LinkDevice1Result{}, fmt.Errorf("link device: sign batch: %w", err)
	}

	addKeyBorsh, err := signer.EncodeSignedTransaction(signed[0])
	if err != nil {
		return LinkDevice1Result{}, err
	}
	addKeyOutcome, err := c.ChainClient.SendTransaction(ctx, addKeyBorsh, "")
	if err != nil {
		c.NonceManager.ReleaseNonce(nonces[0])
		return LinkDevice1Result{}, fmt.Errorf("link device: broadcast add-key: %w", err)
	}
	c.NonceManager.UpdateNonceFromBlockchain(ctx, c.ChainClient, nonces[0])

	mappingBorsh, err := signer.EncodeSignedTransaction(signed[1])
	if err != nil {
		return LinkDevice1Result{}, err
	}
	mappingOutcome, err := c.ChainClient.SendTransaction(ctx, mappingBorsh, "")
	if err != nil {
		c.NonceManager.ReleaseNonce(nonces[1])
		return LinkDevice1Result{}, fmt.Errorf("link device: broadcast store_device_linking_mapping: %w", err)
	}
	c.NonceManager.UpdateNonceFromBlockchain(ctx, c.ChainClient, nonces[1])

	return LinkDevice1Result{
		AddKeyTxHash:       addKeyOutcome.TransactionHash,
		StoreMappingTxHash: mappingOutcome.TransactionHash,
		SafetyNetDeleteKey: signed[2],
	}, nil
}

// BroadcastSafetyNetDeleteKey broadcasts the pre-signed DeleteKey transaction
// from a LinkDeviceAsDevice1 call. Call this only after the link-device
// timeout window elapses without Device2 confirming the link; broadcasting
// it while Device2 is still mid-flow revokes the key it is trying to use.
func (c *Context) BroadcastSafetyNetDeleteKey(ctx context.Context, tx signer.SignedTransaction) (string, error) {
	borsh, err := signer.EncodeSignedTransaction(tx)
	if err != nil {
		return "", err
	}
	outcome, err := c.ChainClient.SendTransaction(ctx, borsh, "")
	if err != nil {
		return "", fmt.Errorf("link device: broadcast safety-net delete-key: %w", err)
	}
	return outcome.TransactionHash, nil
}

// LinkDevice2Request is Device2's input once it has a temporary keypair and
// QR code out. Credential is the registration-style credential Device2
// obtained when the passkey was first created on this device; it is reused
// without a further prompt once the real account is discovered.
type LinkDevice2Request struct {
	TempPrivateKey ed25519.PrivateKey
	Credential     webauthn.Credential
	RPID           string
	// Token is the value GenerateDeviceLinkQR returned alongside the QR
	// this request's TempPrivateKey belongs to. If left zero, staleness is
	// never checked, matching a caller that generated only one QR ever.
	Token flowctx.Token
}

// LinkDevice2Result is Device2's terminal success state.
type LinkDevice2Result struct {
	AccountID     string
	DeviceNumber  int
	NearPublicKey [32]byte
	VrfPublicKey  [32]byte
}

// AwaitDeviceLink polls get_device_linking_account until Device1 has
// broadcast the mapping (or ctx is cancelled / the poll budget is
// exhausted), then derives this device's keys, swaps the temporary key
// for the real one, signs this device's registration transaction without
// a prompt, and persists the vault rows. It does not run Login afterwards.
func (c *Context) AwaitDeviceLink(ctx context.Context, req LinkDevice2Request) (result LinkDevice2Result, err error) {
	var tempPub [32]byte
	copy(tempPub[:], req.TempPrivateKey.Public().(ed25519.PublicKey))
	tempPubKeyStr := "ed25519:" + base58.Encode(tempPub[:])

	var accountID string
	defer func() {
		id := accountID
		if id == "" {
			id = tempPubKeyStr
		}
		c.logFlowOutcome("await_device_link", id, err)
	}()
	for attempt := 1; attempt <= deviceLinkingPollAttempts; attempt++ {
		if req.Token.IsStale() {
			return LinkDevice2Result{}, walleterr.New(walleterr.ValidationFailed, "link-device session was superseded by a newer QR code")
		}
		found, _, err := c.ChainClient.GetDeviceLinkingAccount(ctx, tempPubKeyStr)
		if err == nil && found != "" {
			accountID = found
			break
		}
		if attempt == deviceLinkingPollAttempts {
			return LinkDevice2Result{}, walleterr.New(walleterr.ValidationFailed, "device linking mapping did not appear before the poll budget was exhausted")
		}
		if err := c.Clock.Sleep(ctx, deviceLinkingPollInterval); err != nil {
			return LinkDevice2Result{}, err
		}
	}

	norm, err := req.Credential.Normalize(true)
	if err != nil {
		return LinkDevice2Result{}, walleterr.Wrap(walleterr.WebAuthnNoPRF, "normalize device2 credential", err)
	}
	if err := norm.RequirePRF(); err != nil {
		return LinkDevice2Result{}, walleterr.Wrap(walleterr.WebAuthnNoPRF, "device2 credential missing prf outputs", err)
	}

	vrfResult, err := c.VRFWorker.DeriveVrfKeypair(ctx, *norm.PRFFirst, accountID, true, c.Shamir)
	if err != nil {
		return LinkDevice2Result{}, fmt.Errorf("link device: derive vrf keypair: %w", err)
	}
	nearResult, err := c.SignerWorker.DeriveNearKeypair(*norm.PRFFirst, *norm.PRFSecond, accountID)
	if err != nil {
		return LinkDevice2Result{}, fmt.Errorf("link device: derive near keypair: %w", err)
	}

	if err := c.broadcastKeySwap(ctx, accountID, req.TempPrivateKey, tempPub, nearResult.PublicKey); err != nil {
		return LinkDevice2Result{}, err
	}

	// The just-derived NEAR key is the active key but no warm session was
	// minted for it; this registration tx is the bootstrap exception, same
	// as registration.go's threshold add-key.
	regTx := signer.Transaction{SignerID: accountID, PublicKey: nearResult.PublicKey, ReceiverID: accountID}
	if _, err := c.SignerWorker.SignAddKeyThresholdNoPrompt(accountID, regTx); err != nil {
		return LinkDevice2Result{}, fmt.Errorf("link device: sign device2 registration: %w", err)
	}

	authenticators, err := c.ChainClient.GetAuthenticatorsByUser(ctx, accountID)
	if err != nil {
		return LinkDevice2Result{}, fmt.Errorf("link device: sync authenticators: %w", err)
	}
	deviceNumber := nextDeviceNumber(authenticators)

	now := c.Clock.Now()
	encryptedVrfKeypair, err := json.Marshal(vrfResult.EncryptedVrfKeypair)
	if err != nil {
		return LinkDevice2Result{}, fmt.Errorf("link device: marshal encrypted vrf keypair: %w", err)
	}
	var serverEncryptedVrfKeypair []byte
	if vrfResult.ServerEncryptedVrfKeypair != nil {
		serverEncryptedVrfKeypair, err = json.Marshal(vrfResult.ServerEncryptedVrfKeypair)
		if err != nil {
			return LinkDevice2Result{}, fmt.Errorf("link device: marshal server-encrypted vrf keypair: %w", err)
		}
	}
	user := vault.UserRecord{
		AccountID:                 accountID,
		DeviceNumber:              deviceNumber,
		VRFPublicKey:              base58.Encode(vrfResult.VrfPublicKey[:]),
		NearPublicKey:             "ed25519:" + base58.Encode(nearResult.PublicKey[:]),
		EncryptedVrfKeypair:       encryptedVrfKeypair,
		ServerEncryptedVrfKeypair: serverEncryptedVrfKeypair,
		CreatedAt:                 now,
		LastUpdatedAt:             now,
	}
	auth := vault.AuthenticatorRecord{
		AccountID:    accountID,
		CredentialID: norm.CredentialID,
		DeviceNumber: deviceNumber,
		RegisteredAt: now,
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
		return LinkDevice2Result{}, fmt.Errorf("link device: persist vault rows: %w", err)
	}

	return LinkDevice2Result{
		AccountID:     accountID,
		DeviceNumber:  deviceNumber,
		NearPublicKey: nearResult.PublicKey,
		VrfPublicKey:  vrfResult.VrfPublicKey,
	}, nil
}

// broadcastKeySwap signs AddKey(newPk)+DeleteKey(tempPk) with the temporary
// key (never the warm-session-gated active key) and broadcasts it.
func (c *Context) broadcastKeySwap(ctx context.Context, accountID string, tempKey ed25519.PrivateKey, tempPub, newPub [32]byte) error {
	blockHash, _, err := c.ChainClient.FinalBlock(ctx)
	if err != nil {
		return fmt.Errorf("link device: fetch final block: %w", err)
	}
	blockHashArr, err := decodeBlockHash(blockHash)
	if err != nil {
		return fmt.Errorf("link device: decode block hash: %w", err)
	}
	tempPubKeyStr := "ed25519:" + base58.Encode(tempPub[:])
	n, err := c.ChainClient.AccessKeyNonce(ctx, accountID, tempPubKeyStr)
	if err != nil {
		return fmt.Errorf("link device: fetch temporary key nonce: %w", err)
	}

	signed, err := c.SignerWorker.SignWithKeypair(tempKey, accountID, accountID, n+1, blockHashArr, []signer.Action{
		{Kind: signer.ActionAddKey, AddKey: &signer.AddKeyAction{PublicKey: newPub, Nonce: 0}},
		{Kind: signer.ActionDeleteKey, DeleteKey: &signer.DeleteKeyAction{PublicKey: tempPub}},
	})
	if err != nil {
		return fmt.Errorf("link device: sign key swap: %w", err)
	}
	borsh, err := signer.EncodeSignedTransaction(signed)
	if err != nil {
		return err
	}
	if _, err := c.ChainClient.SendTransaction(ctx, borsh, ""); err != nil {
		return fmt.Errorf("link device: broadcast key swap: %w", err)
	}
	return nil
}

func nextDeviceNumber(authenticators []chain.ContractStoredAuthenticator) int {
	max := -1
	for _, a := range authenticators {
		if a.Record.DeviceNumber > max {
			max = a.Record.DeviceNumber
		}
	}
	return max + 1
}

func decodeEd25519PublicKey(key string) ([32]byte, error) {
	var out [32]byte
	decoded, err := base58.Decode(stripKeyPrefix(key))
	if err != nil {
		return out, err
	}
	if len(decoded) != 32 {
		return out, fmt.Errorf("expected 32-byte ed25519 key, got %d bytes", len(decoded))
	}
	copy(out[:], decoded)
	return out, nil
}

func decodeBlockHash(hash string) ([32]byte, error) {
	var out [32]byte
	decoded, err := base58.Decode(hash)
	if err != nil {
		return out, err
	}
	if len(decoded) != 32 {
		return out, fmt.Errorf("expected 32-byte block hash, got %d bytes", len(decoded))
	}
	copy(out[:], decoded)
	return out, nil
}

func stripKeyPrefix(key string) string {
	const prefix = "ed25519:"
	if len(key) > len(prefix) && key[:len(prefix)] == prefix {
		return key[len(prefix):]
	}
	return key
}

// mintSessionForAssertion mints a single-use warm signing session from a
// freshly obtained assertion, for flows (like link-device) that need to
// consume exactly one prompt across a whole batch of signing operations.
func mintSessionForAssertion(c *Context, norm webauthn.NormalizedCredential, accountID string) error {
	digest := tatchicrypto.Sha256(norm.ClientDataJSON)
	assertion := vrf.WebAuthnAssertion{
		CredentialID: norm.CredentialID,
		UserHandle:   string(norm.UserHandle),
		ChallengeID:  hex.EncodeToString(digest[:]),
	}
	if err := c.VRFWorker.MintSigningSession(assertion, accountID, 2*time.Minute, 1); err != nil {
		return walleterr.Wrap(walleterr.VRFSessionInactive, "mint warm signing session", err)
	}
	return nil
}
