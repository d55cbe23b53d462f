// Package vrf implements the VRF worker (C2): a single-threaded actor that
// is the exclusive owner of at most one unlocked VRF keypair and
// zero-or-more warm signing sessions per process. Plaintext VRF key
// material never leaves this package.
package vrf

import (
	"errors"
	"time"
)

// inputDomainSeparator prefixes every vrf_input hash, so challenges issued
// by this SDK can never collide with another VRF consumer's challenge
// space even if userId/rpId/blockHeight/blockHash happened to coincide.
const inputDomainSeparator = "tatchi-vrf-challenge-v1"

// VrfChallenge is the output of a VRF evaluation bound to a specific block
// context and intent digest.
type VrfChallenge struct {
	VrfInput            [32]byte
	VrfOutput           [32]byte
	VrfProofGamma       [32]byte
	VrfProofC           [16]byte
	VrfProofS           [32]byte
	VrfPublicKey        [32]byte
	UserID              string
	RpID                string
	BlockHeight         uint64
	BlockHash           string
	IntentDigest32      [32]byte
	SessionPolicyDigest32 *[32]byte
}

// EncryptedVrfKeypair is the PRF-wrapped VRF keypair persisted by the
// vault.
type EncryptedVrfKeypair struct {
	Ciphertext []byte
	AEADNonce  []byte
}

// ServerEncryptedVrfKeypair is the Shamir-3-pass form of the VRF keypair:
// re-encrypted multiplicatively with the relay's exponent, then locally
// wrapped under a key-encryption-key derived from PRF using KekSalt.
type ServerEncryptedVrfKeypair struct {
	Ciphertext  []byte
	KekSalt     []byte
	ServerKeyID string
}

// WarmSigningSession is held only in memory; it is decremented on each
// sign and destroyed at zero remaining uses, on expiry, or on logout.
type WarmSigningSession struct {
	AccountID     string
	CreatedAt     time.Time
	TTL           time.Duration
	RemainingUses int
}

// Valid reports whether the session may still be used to sign, per the
// invariant now < createdAt+ttl ∧ remainingUses > 0 ∧ vrfActive(accountId).
func (s WarmSigningSession) Valid(now time.Time, vrfActive bool) bool {
	if !vrfActive {
		return false
	}
	if s.RemainingUses <= 0 {
		return false
	}
	return now.Before(s.CreatedAt.Add(s.TTL))
}

// Status is the result of check_status.
type Status struct {
	Active          bool
	AccountID       string
	SessionDuration time.Duration
}

var (
	ErrNoUnlockedKeypair   = errors.New("vrf: no unlocked vrf keypair")
	ErrBadPRF              = errors.New("vrf: vrf unlock failed authentication, bad prf output")
	ErrSessionInactive     = errors.New("vrf: session inactive after shamir3pass")
	ErrSessionNotFound     = errors.New("vrf: warm signing session not found")
	ErrSessionExpired      = errors.New("vrf: warm signing session expired")
	ErrAccountMismatch     = errors.New("vrf: account does not match currently unlocked vrf keypair")
	ErrAssertionNotFresh   = errors.New("vrf: webauthn assertion is not fresh")
	ErrCredentialMismatch  = errors.New("vrf: credential does not belong to account")
)
