package orchestrator

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	tatchicrypto "github.com/web3-authn/tatchi/crypto"
	"github.com/web3-authn/tatchi/internal/metrics"
	"github.com/web3-authn/tatchi/relay"
	"github.com/web3-authn/tatchi/signer"
	"github.com/web3-authn/tatchi/vault"
	"github.com/web3-authn/tatchi/vrf"
	"github.com/web3-authn/tatchi/walleterr"
	"github.com/web3-authn/tatchi/webauthn"
)

// LoginRequest is Login's input. AssertionProvider is called if a
// Shamir-first unlock fails (or no wrapped keypair is on record), or when
// MintServerSession is set and the Shamir unlock produced no assertion;
// a caller whose Shamir path succeeds without a server session never has
// to prompt for a fresh WebAuthn ceremony.
type LoginRequest struct {
	AccountID         string
	AssertionProvider func(ctx context.Context) (webauthn.Credential, error)

	MintServerSession bool
	SessionKind       relay.SessionKind
	RPID              string
	UserID            string
	BlockHeight       uint64
	BlockHash         string

	SigningSessionTTL           time.Duration
	SigningSessionRemainingUses int
}

// LoginResult is Login's terminal success state.
type LoginResult struct {
	DeviceNumber      int
	UnlockedViaShamir bool
	ServerSessionJWT  string
	WarmSessionMinted bool
}

// Login runs handle_login_unlock_vrf: a Shamir-first unlock attempt, a
// TouchID-backed fallback that may switch device number if the caller
// picks a different passkey, optional server-session minting, and a warm
// signing session reusing whatever assertion was obtained along the way.
// On any post-unlock error, if this call itself activated the VRF session,
// the partial session is cleared before the error is returned.
func (c *Context) Login(ctx context.Context, req LoginRequest) (result LoginResult, err error) {
	defer func() { c.logFlowOutcome("login", req.AccountID, err) }()

	if err := ValidateAccountID(req.AccountID); err != nil {
		return LoginResult{}, err
	}

	prevStatus := c.VRFWorker.CheckStatus()

	var (
		unlockedViaShamir bool
		assertion         *webauthn.NormalizedCredential
		deviceNumber      int
	)

	user, err := c.Vault.GetLastUser(ctx, req.AccountID)
	if err != nil {
		return LoginResult{}, fmt.Errorf("login: load user: %w", err)
	}
	deviceNumber = user.DeviceNumber

	if c.Shamir != nil && len(user.ServerEncryptedVrfKeypair) > 0 {
		var wrapped vrf.ServerEncryptedVrfKeypair
		if err := json.Unmarshal(user.ServerEncryptedVrfKeypair, &wrapped); err != nil {
			return LoginResult{}, fmt.Errorf("login: decode server-encrypted vrf keypair: %w", err)
		}
		ok, err := c.VRFWorker.UnlockVrfKeypairViaShamir(ctx, c.Shamir, req.AccountID, wrapped)
		if err != nil {
			if errors.Is(err, vrf.ErrSessionInactive) {
				c.clearIfNewlyActivated(prevStatus)
				return LoginResult{}, walleterr.Wrap(walleterr.VRFSessionInactive, "shamir unlock", err)
			}
			return LoginResult{}, fmt.Errorf("login: shamir unlock: %w", err)
		}
		unlockedViaShamir = ok
	}

	if !unlockedViaShamir {
		if req.AssertionProvider == nil {
			c.clearIfNewlyActivated(prevStatus)
			return LoginResult{}, walleterr.New(walleterr.VRFSessionInactive, "shamir unlock unavailable and no touchid fallback was provided")
		}
		cred, err := req.AssertionProvider(ctx)
		if err != nil {
			c.clearIfNewlyActivated(prevStatus)
			return LoginResult{}, walleterr.Wrap(walleterr.WebAuthnCancelled, "obtain fallback assertion", err)
		}
		norm, err := cred.Normalize(false)
		if err != nil {
			c.clearIfNewlyActivated(prevStatus)
			return LoginResult{}, walleterr.Wrap(walleterr.WebAuthnNoPRF, "normalize fallback assertion", err)
		}
		if err := norm.RequirePRF(); err != nil {
			c.clearIfNewlyActivated(prevStatus)
			return LoginResult{}, walleterr.Wrap(walleterr.WebAuthnNoPRF, "fallback assertion missing prf outputs", err)
		}

		// The chosen credential may belong to a different device than the
		// vault's last-used one; resolve its actual device number from the
		// authenticator it matches rather than assuming user.DeviceNumber.
		switchedUser, err := c.resolveDeviceForCredential(ctx, req.AccountID, user, norm)
		if err != nil {
			c.clearIfNewlyActivated(prevStatus)
			return LoginResult{}, err
		}
		user = switchedUser
		deviceNumber = user.DeviceNumber

		nearKey, err := c.Vault.NearKey(ctx, req.AccountID, deviceNumber)
		if err != nil {
			c.clearIfNewlyActivated(prevStatus)
			return LoginResult{}, fmt.Errorf("login: load near key: %w", err)
		}

		encryptedVrfKeypair, err := decodeEncryptedVrfKeypair(user.EncryptedVrfKeypair)
		if err != nil {
			c.clearIfNewlyActivated(prevStatus)
			return LoginResult{}, err
		}
		if err := c.VRFWorker.UnlockVrfKeypair(req.AccountID, encryptedVrfKeypair, *norm.PRFFirst); err != nil {
			c.clearIfNewlyActivated(prevStatus)
			return LoginResult{}, walleterr.Wrap(walleterr.VRFUnlockBadPRF, "touchid vrf unlock", err)
		}
		if err := c.SignerWorker.UnlockNearKeypair(req.AccountID, signer.EncryptedNearKey{
			Ciphertext:  nearKey.Ciphertext,
			AEADNonce:   nearKey.AEADNonce,
			WrapKeySalt: nearKey.WrapKeySalt,
		}, *norm.PRFFirst); err != nil {
			c.clearIfNewlyActivated(prevStatus)
			return LoginResult{}, walleterr.Wrap(walleterr.VRFUnlockBadPRF, "touchid near key unlock", err)
		}
		assertion = &norm

		if wrapped, err := c.VRFWorker.RotateShamirWrapping(ctx, c.Shamir); err == nil && wrapped != nil {
			c.persistRotatedShamirWrapping(ctx, req.AccountID, deviceNumber, wrapped)
		}
	}

	result := LoginResult{DeviceNumber: deviceNumber, UnlockedViaShamir: unlockedViaShamir}

	if req.MintServerSession {
		// A Shamir-unlocked login never obtained a fresh assertion; server-
		// session minting needs one regardless of how VRF itself got
		// unlocked, so request one now if the caller provided a way to.
		if assertion == nil && req.AssertionProvider != nil {
			cred, err := req.AssertionProvider(ctx)
			if err != nil {
				c.clearIfNewlyActivated(prevStatus)
				return LoginResult{}, walleterr.Wrap(walleterr.WebAuthnCancelled, "obtain assertion for server session", err)
			}
			norm, err := cred.Normalize(false)
			if err != nil {
				c.clearIfNewlyActivated(prevStatus)
				return LoginResult{}, walleterr.Wrap(walleterr.WebAuthnNoPRF, "normalize assertion for server session", err)
			}
			assertion = &norm
		}
		jwt, err := c.mintServerSession(ctx, req, assertion)
		if err != nil {
			c.clearIfNewlyActivated(prevStatus)
			return LoginResult{}, err
		}
		result.ServerSessionJWT = jwt
	}

	if assertion != nil {
		challengeDigest := tatchicrypto.Sha256(assertion.ClientDataJSON)
		webAuthnAssertion := vrf.WebAuthnAssertion{
			CredentialID: assertion.CredentialID,
			UserHandle:   string(assertion.UserHandle),
			ChallengeID:  hex.EncodeToString(challengeDigest[:]),
		}
		if err := c.VRFWorker.MintSigningSession(webAuthnAssertion, req.AccountID, req.SigningSessionTTL, req.SigningSessionRemainingUses); err == nil {
			result.WarmSessionMinted = true
		}
	}

	return result, nil
}

// clearIfNewlyActivated clears the VRF session iff this Login call is the
// one that transitioned it from inactive to active, matching the "on any
// post-unlock error, if this call activated VRF, clear the partial
// session" rule; a session that was already active before Login ran
// belongs to a prior caller and must not be torn down.
func (c *Context) clearIfNewlyActivated(prevStatus vrf.Status) {
	current := c.VRFWorker.CheckStatus()
	if !prevStatus.Active && current.Active {
		c.VRFWorker.ClearSession()
	}
}

func (c *Context) resolveDeviceForCredential(ctx context.Context, accountID string, fallback vault.UserRecord, cred webauthn.NormalizedCredential) (vault.UserRecord, error) {
	if err := c.Vault.EnsureCurrentPasskey(ctx, accountID, fallback.DeviceNumber, cred.CredentialID); err == nil {
		return fallback, nil
	}
	authenticators, err := c.ChainClient.GetAuthenticatorsByUser(ctx, accountID)
	if err != nil {
		return vault.UserRecord{}, fmt.Errorf("login: resolve device for credential: %w", err)
	}
	for _, a := range authenticators {
		if a.CredentialID == cred.CredentialID {
			return c.Vault.GetUserByDevice(ctx, accountID, a.Record.DeviceNumber)
		}
	}
	return vault.UserRecord{}, walleterr.New(walleterr.ValidationFailed, "credential does not match any known authenticator for this account")
}

func decodeEncryptedVrfKeypair(raw []byte) (vrf.EncryptedVrfKeypair, error) {
	var out vrf.EncryptedVrfKeypair
	if len(raw) == 0 {
		return out, walleterr.New(walleterr.VRFSessionInactive, "no encrypted vrf keypair on record for this device")
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode encrypted vrf keypair: %w", err)
	}
	return out, nil
}

func (c *Context) persistRotatedShamirWrapping(ctx context.Context, accountID string, deviceNumber int, wrapped *vrf.ServerEncryptedVrfKeypair) {
	encoded, err := json.Marshal(wrapped)
	if err != nil {
		metrics.ShamirRoundsStarted.WithLabelValues("failure").Inc()
		return
	}
	user, err := c.Vault.GetUserByDevice(ctx, accountID, deviceNumber)
	if err != nil {
		metrics.ShamirRoundsStarted.WithLabelValues("failure").Inc()
		return
	}
	user.ServerEncryptedVrfKeypair = encoded
	user.LastUpdatedAt = c.Clock.Now()
	if err := c.Vault.UpdateUser(ctx, user); err != nil {
		metrics.ShamirRoundsStarted.WithLabelValues("failure").Inc()
		return
	}
	metrics.ShamirSessionsActive.Set(1)
}

func (c *Context) mintServerSession(ctx context.Context, req LoginRequest, assertion *webauthn.NormalizedCredential) (string, error) {
	if assertion == nil {
		return "", walleterr.New(walleterr.ValidationFailed, "server-session minting requires a fresh webauthn assertion")
	}
	stripped := assertion.StripPRF()
	resp, err := c.RelayClient.VerifyAuthenticationResponse(ctx, relay.VerifyAuthenticationRequest{
		AccountID: req.AccountID,
		WebAuthnAuthentication: relay.WebAuthnAuthentication{
			ID:                stripped.CredentialID,
			RawID:             base64.RawURLEncoding.EncodeToString(stripped.RawID),
			Type:              stripped.Type,
			ClientDataJSON:    base64.RawURLEncoding.EncodeToString(stripped.ClientDataJSON),
			AuthenticatorData: base64.RawURLEncoding.EncodeToString(stripped.AuthenticatorData),
			Signature:         base64.RawURLEncoding.EncodeToString(stripped.Signature),
			UserHandle:        base64.RawURLEncoding.EncodeToString(stripped.UserHandle),
		},
		VrfData: relay.VrfData{
			UserID:      req.UserID,
			RpID:        req.RPID,
			BlockHeight: req.BlockHeight,
			BlockHash:   req.BlockHash,
		},
		SessionKind: req.SessionKind,
	})
	if err != nil {
		return "", err
	}
	return resp.JWT, nil
}
