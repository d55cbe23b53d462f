// Package vault implements the encrypted vault (C4): the local key-value
// store that holds per-account WebAuthn/NEAR key material. Plaintext VRF and
// Ed25519 private keys never pass through this package; it only ever
// persists ciphertext and the metadata needed to locate and re-derive it.
package vault

import (
	"errors"
	"time"
)

// UserRecord is the top-level per-(accountId, deviceNumber) row.
type UserRecord struct {
	AccountID      string    `json:"account_id"`
	DeviceNumber   int       `json:"device_number"`
	VRFPublicKey   string    `json:"vrf_public_key,omitempty"`
	NearPublicKey  string    `json:"near_public_key,omitempty"`
	// EncryptedVrfKeypair is PRF-wrapped, decryptable only with a fresh
	// TouchID-obtained PRF output.
	EncryptedVrfKeypair []byte `json:"encrypted_vrf_keypair,omitempty"`
	// ServerEncryptedVrfKeypair additionally carries the relay's Shamir
	// exponent, enabling biometric-free unlock on login.
	ServerEncryptedVrfKeypair []byte    `json:"server_encrypted_vrf_keypair,omitempty"`
	CreatedAt                 time.Time `json:"created_at"`
	LastUpdatedAt              time.Time `json:"last_updated_at"`
}

// AuthenticatorRecord is a registered WebAuthn credential, keyed by
// (accountId, credentialId).
type AuthenticatorRecord struct {
	AccountID    string    `json:"account_id"`
	CredentialID string    `json:"credential_id"`
	DeviceNumber int       `json:"device_number"`
	PublicKeyCOSE []byte   `json:"public_key_cose"`
	Transports   []string  `json:"transports,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
}

// EncryptedNearKeyKind distinguishes NEAR key wrapping schemes.
type EncryptedNearKeyKind string

// LocalNearSKv3 is the only currently defined NEAR key wrapping scheme.
const LocalNearSKv3 EncryptedNearKeyKind = "local_near_sk_v3"

// EncryptedNearKey is the PRF-wrapped NEAR Ed25519 private key.
type EncryptedNearKey struct {
	AccountID    string               `json:"account_id"`
	DeviceNumber int                  `json:"device_number"`
	Ciphertext   []byte               `json:"ciphertext"`
	AEADNonce    []byte               `json:"aead_nonce"`
	WrapKeySalt  []byte               `json:"wrap_key_salt"`
	Kind         EncryptedNearKeyKind `json:"kind"`
}

// ThresholdKeyMaterial is enrolled when signerMode = threshold-signer. The
// private share is never stored; it is re-derived from PRF on demand.
type ThresholdKeyMaterial struct {
	AccountID            string    `json:"account_id"`
	DeviceNumber         int       `json:"device_number"`
	Kind                 string    `json:"kind"` // threshold_ed25519_2p_v1
	GroupPublicKey       string    `json:"group_public_key"`
	WrapKeySalt          []byte    `json:"wrap_key_salt"`
	RelayerKeyID         string    `json:"relayer_key_id"`
	ClientShareDerivation string   `json:"client_share_derivation"` // prf_first_v1
	Participants         []string  `json:"participants"`
	Timestamp            time.Time `json:"timestamp"`
}

// PendingEmailRecoveryStatus enumerates the finite set of states a pending
// email recovery record may be in.
type PendingEmailRecoveryStatus string

const (
	StatusAwaitingEmail  PendingEmailRecoveryStatus = "awaiting-email"
	StatusAwaitingAddKey PendingEmailRecoveryStatus = "awaiting-add-key"
	StatusFinalizing     PendingEmailRecoveryStatus = "finalizing"
	StatusComplete       PendingEmailRecoveryStatus = "complete"
	StatusError          PendingEmailRecoveryStatus = "error"
)

// validEmailRecoveryTransitions enumerates the only allowed status edges;
// 'error' is reachable from any non-terminal state and 'complete' is terminal.
var validEmailRecoveryTransitions = map[PendingEmailRecoveryStatus][]PendingEmailRecoveryStatus{
	StatusAwaitingEmail:  {StatusAwaitingAddKey, StatusError},
	StatusAwaitingAddKey: {StatusFinalizing, StatusError},
	StatusFinalizing:     {StatusComplete, StatusError},
	StatusComplete:       {},
	StatusError:          {},
}

// CanTransition reports whether moving a pending recovery record from `from`
// to `to` is a legal state transition.
func CanTransition(from, to PendingEmailRecoveryStatus) bool {
	for _, allowed := range validEmailRecoveryTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// PendingEmailRecovery is a persistent record tracking an in-flight
// email-based account recovery.
type PendingEmailRecovery struct {
	AccountID                string                     `json:"account_id"`
	RecoveryEmail            string                     `json:"recovery_email"`
	DeviceNumber             int                        `json:"device_number"`
	NearPublicKey            string                     `json:"near_public_key"`
	RequestID                string                     `json:"request_id"`
	EncryptedVrfKeypair      []byte                     `json:"encrypted_vrf_keypair"`
	ServerEncryptedVrfKeypair []byte                    `json:"server_encrypted_vrf_keypair,omitempty"`
	VRFPublicKey             string                     `json:"vrf_public_key"`
	CredentialID             string                     `json:"credential_id"`
	CreatedAt                time.Time                  `json:"created_at"`
	Status                   PendingEmailRecoveryStatus `json:"status"`

	// NearKey* hold the new device's PRF-wrapped NEAR private key, derived
	// alongside NearPublicKey in phase 1. They are carried on the pending
	// record (rather than written to the user's key table immediately)
	// since the device isn't a real authenticator until the DKIM verifier
	// confirms the recovery email in phase 2.
	NearKeyCiphertext  []byte `json:"near_key_ciphertext"`
	NearKeyAEADNonce   []byte `json:"near_key_aead_nonce"`
	NearKeyWrapKeySalt []byte `json:"near_key_wrap_key_salt"`
}

// DerivedAddress caches a derived chain address for (accountId, contractId, path).
type DerivedAddress struct {
	AccountID  string `json:"account_id"`
	ContractID string `json:"contract_id"`
	Path       string `json:"path"`
	Address    string `json:"address"`
}

// Errors surfaced by vault implementations.
var (
	ErrUserNotFound           = errors.New("vault: user not found")
	ErrUserExists             = errors.New("vault: user already exists")
	ErrAuthenticatorNotFound  = errors.New("vault: authenticator not found")
	ErrAuthenticatorExists    = errors.New("vault: authenticator already exists")
	ErrNearKeyNotFound        = errors.New("vault: near key not found")
	ErrThresholdKeyNotFound   = errors.New("vault: threshold key not found")
	ErrPendingRecoveryNotFound = errors.New("vault: pending email recovery not found")
	ErrInvalidStatusTransition = errors.New("vault: invalid pending email recovery status transition")
	ErrDerivedAddressNotFound = errors.New("vault: derived address not found")
)
