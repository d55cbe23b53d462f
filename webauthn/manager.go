package webauthn

import (
	"crypto/rand"
	"errors"
	"fmt"

	tatchicrypto "github.com/web3-authn/tatchi/crypto"
)

// maxUserHandleBytes is the WebAuthn spec's ceiling on user.id length.
const maxUserHandleBytes = 64

// Manager builds ceremony options and binds accountIds to the userHandle
// bytes embedded in every credential created under it.
type Manager struct {
	RPID string
}

// New constructs a Manager scoped to rpID.
func New(rpID string) *Manager {
	return &Manager{RPID: rpID}
}

var ErrAccountIDTooLong = fmt.Errorf("webauthn: account id exceeds %d bytes, cannot serve as userHandle", maxUserHandleBytes)

// UserHandle derives the userHandle bytes bound to accountID: the UTF-8
// account id itself, so AccountIDFromUserHandle is simply its inverse.
func (m *Manager) UserHandle(accountID string) ([]byte, error) {
	if len(accountID) > maxUserHandleBytes {
		return nil, ErrAccountIDTooLong
	}
	return []byte(accountID), nil
}

// AccountIDFromUserHandle recovers the accountId a userHandle was bound to.
func (m *Manager) AccountIDFromUserHandle(userHandle []byte) string {
	return string(userHandle)
}

// PRFSalts derives the two account-scoped PRF extension input salts,
// S1 = H("chacha20"|accountId) and S2 = H("ed25519"|accountId).
func (m *Manager) PRFSalts(accountID string) (first, second [32]byte) {
	first = tatchicrypto.Sha256(append([]byte("chacha20"), []byte(accountID)...))
	second = tatchicrypto.Sha256(append([]byte("ed25519"), []byte(accountID)...))
	return first, second
}

// ConfirmationBehavior controls whether the ceremony requires an explicit
// user click before the platform prompt appears.
type ConfirmationBehavior string

const (
	BehaviorRequireClick ConfirmationBehavior = "requireClick"
	BehaviorAutoProceed  ConfirmationBehavior = "autoProceed"
)

// UIMode selects how the ceremony's surrounding confirmation UI is hosted.
type UIMode string

const (
	UIModeModal UIMode = "modal"
	UIModeDrawer UIMode = "drawer"
)

// ConfirmationConfig is the confirmation-flow policy passed down to the
// WebAuthn manager: whether a ceremony requires an explicit user click
// or may proceed automatically, and which UI surface hosts it.
type ConfirmationConfig struct {
	Behavior ConfirmationBehavior
	UIMode   UIMode
}

// RegistrationRequest is what the orchestrator hands C5 to start a
// registration ceremony.
type RegistrationRequest struct {
	AccountID   string
	DisplayName string
	Confirmation ConfirmationConfig
}

// RegistrationOptions is the ceremony input C5 hands to the platform
// authenticator: a WebAuthn challenge plus the two PRF extension salts
// bound to accountID.
type RegistrationOptions struct {
	RPID        string
	UserHandle  []byte
	DisplayName string
	Challenge   [32]byte
	PRFSaltFirst  [32]byte
	PRFSaltSecond [32]byte
}

// BuildRegistrationOptions assembles the ceremony input for req.
func (m *Manager) BuildRegistrationOptions(req RegistrationRequest) (RegistrationOptions, error) {
	userHandle, err := m.UserHandle(req.AccountID)
	if err != nil {
		return RegistrationOptions{}, err
	}
	first, second := m.PRFSalts(req.AccountID)

	var challenge [32]byte
	if _, err := rand.Read(challenge[:]); err != nil {
		return RegistrationOptions{}, fmt.Errorf("webauthn: generate registration challenge: %w", err)
	}

	return RegistrationOptions{
		RPID:          m.RPID,
		UserHandle:    userHandle,
		DisplayName:   req.DisplayName,
		Challenge:     challenge,
		PRFSaltFirst:  first,
		PRFSaltSecond: second,
	}, nil
}

// AssertionOptions is the ceremony input C5 hands to the platform
// authenticator to obtain an assertion, optionally scoped to a specific
// set of previously registered credential ids.
type AssertionOptions struct {
	RPID          string
	AllowedCreds  []string
	Challenge     [32]byte
	PRFSaltFirst  [32]byte
	PRFSaltSecond [32]byte
}

// BuildAssertionOptions assembles the ceremony input for an assertion
// against accountID, optionally restricted to allowedCreds.
func (m *Manager) BuildAssertionOptions(accountID string, allowedCreds []string) (AssertionOptions, error) {
	first, second := m.PRFSalts(accountID)

	var challenge [32]byte
	if _, err := rand.Read(challenge[:]); err != nil {
		return AssertionOptions{}, fmt.Errorf("webauthn: generate assertion challenge: %w", err)
	}

	return AssertionOptions{
		RPID:          m.RPID,
		AllowedCreds:  allowedCreds,
		Challenge:     challenge,
		PRFSaltFirst:  first,
		PRFSaltSecond: second,
	}, nil
}

var ErrUserHandleMismatch = errors.New("webauthn: credential userHandle does not match requested account")

// VerifyUserHandle checks that cred's userHandle binds to accountID,
// implementing the "credential belongs to accountId (userHandle match)"
// check that both mint_signing_session (C2) and account recovery (C7)
// require before trusting a chosen credential.
func (m *Manager) VerifyUserHandle(cred NormalizedCredential, accountID string) error {
	if m.AccountIDFromUserHandle(cred.UserHandle) != accountID {
		return ErrUserHandleMismatch
	}
	return nil
}
