package vrf

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	tatchicrypto "github.com/web3-authn/tatchi/crypto"
	"github.com/web3-authn/tatchi/internal/metrics"
	"github.com/web3-authn/tatchi/walletclock"
)

// WebAuthnAssertion is the minimal shape MintSigningSession needs from a
// freshly obtained WebAuthn assertion: enough to check the challenge was
// not reused and that the credential's userHandle matches the account
// being unlocked. Full assertion parsing belongs to the webauthn package;
// the orchestrator is responsible for extracting this before calling in.
type WebAuthnAssertion struct {
	CredentialID string
	UserHandle   string
	ChallengeID  string
}

// Worker is the single-threaded VRF actor. Every exported method that reads
// or changes the worker's state does so under the same mutex, so callers
// never need to serialize access themselves.
type Worker struct {
	mu sync.Mutex

	clock walletclock.Clock

	keypair    *tatchicrypto.VRFKeyPair
	accountID  string
	unlockedAt time.Time

	sessions map[string]WarmSigningSession

	seenChallenges map[string]time.Time
}

// New constructs an idle Worker with no unlocked keypair.
func New(clock walletclock.Clock) *Worker {
	if clock == nil {
		clock = walletclock.System{}
	}
	return &Worker{
		clock:          clock,
		sessions:       make(map[string]WarmSigningSession),
		seenChallenges: make(map[string]time.Time),
	}
}

func vrfInput(domainSep, userID, rpID string, blockHeight uint64, blockHash string) [32]byte {
	enc := tatchicrypto.NewBorshEncoder().
		String(domainSep).
		String(userID).
		String(rpID).
		U64(blockHeight).
		String(blockHash)
	return tatchicrypto.Sha256(enc.Bytes())
}

// GenerateBootstrapChallenge generates a fresh VRF keypair, holds it
// in-memory as the active keypair for userID, and returns a challenge whose
// intent digest binds to the registration-bootstrap domain rather than any
// real transaction.
func (w *Worker) GenerateBootstrapChallenge(userID, rpID string, blockHeight uint64, blockHash string) (VrfChallenge, error) {
	metrics.VRFChallengesIssued.WithLabelValues("bootstrap").Inc()

	kp, err := tatchicrypto.VRFKeygen()
	if err != nil {
		return VrfChallenge{}, fmt.Errorf("vrf: generate bootstrap keypair: %w", err)
	}

	intent := tatchicrypto.Sha256(append([]byte("registration-bootstrap"), []byte(userID)...))

	w.mu.Lock()
	w.keypair = kp
	w.accountID = userID
	w.unlockedAt = w.clock.Now()
	w.mu.Unlock()

	return w.proveChallenge(kp, userID, rpID, blockHeight, blockHash, intent)
}

// DeriveResult is the output of DeriveVrfKeypair.
type DeriveResult struct {
	VrfPublicKey              [32]byte
	EncryptedVrfKeypair       EncryptedVrfKeypair
	ServerEncryptedVrfKeypair *ServerEncryptedVrfKeypair
}

// DeriveVrfKeypair deterministically re-derives a VRF keypair from
// prfOutput and accountID, encrypts the seed under a PRF-derived AEAD key,
// and — if shamir is non-nil — immediately produces the Shamir-wrapped
// server-encrypted form for biometric-free auto-unlock. When save is true
// the derived keypair also becomes the worker's active unlocked keypair.
func (w *Worker) DeriveVrfKeypair(ctx context.Context, prfOutput [32]byte, accountID string, save bool, shamir *ShamirClient) (DeriveResult, error) {
	start := w.clock.Now()
	seed, err := tatchicrypto.HKDF(prfOutput[:], []byte("vrf-v1"), []byte(accountID), 32)
	if err != nil {
		return DeriveResult{}, fmt.Errorf("vrf: derive seed: %w", err)
	}
	var seedArr [32]byte
	copy(seedArr[:], seed)

	kp, err := tatchicrypto.VRFKeygenFromSeed(seedArr)
	if err != nil {
		return DeriveResult{}, fmt.Errorf("vrf: derive keypair: %w", err)
	}

	aeadKey, err := tatchicrypto.HKDF(prfOutput[:], []byte("vrf-aead"), []byte(accountID), 32)
	if err != nil {
		return DeriveResult{}, fmt.Errorf("vrf: derive aead key: %w", err)
	}
	nonce, err := tatchicrypto.NewAEADNonce()
	if err != nil {
		return DeriveResult{}, err
	}
	ct, err := tatchicrypto.AeadSeal(aeadKey, nonce, []byte(accountID), kp.Seed[:])
	if err != nil {
		return DeriveResult{}, fmt.Errorf("vrf: seal vrf seed: %w", err)
	}

	result := DeriveResult{
		VrfPublicKey:        kp.PublicKey,
		EncryptedVrfKeypair: EncryptedVrfKeypair{Ciphertext: ct, AEADNonce: nonce},
	}

	if shamir != nil {
		shamirStart := w.clock.Now()
		wrapped, err := shamir.Encrypt(ctx, kp.Seed, accountID)
		wrapSuccess := err == nil
		metrics.ShamirRoundsStarted.WithLabelValues(shamirStatusLabel(wrapSuccess)).Inc()
		metrics.ShamirRoundDuration.WithLabelValues("wrap").Observe(w.clock.Now().Sub(shamirStart).Seconds())
		metrics.GetGlobalCollector().RecordShamirRound(wrapSuccess, w.clock.Now().Sub(shamirStart))
		if err != nil {
			// Shamir wrapping failure is non-fatal per the 4.2.1 failure
			// policy: the biometric-unlock path still works without it.
			result.ServerEncryptedVrfKeypair = nil
		} else {
			result.ServerEncryptedVrfKeypair = wrapped
		}
	}

	metrics.VRFOperationDuration.WithLabelValues("derive").Observe(w.clock.Now().Sub(start).Seconds())

	if save {
		w.mu.Lock()
		w.keypair = kp
		w.accountID = accountID
		w.unlockedAt = w.clock.Now()
		w.mu.Unlock()
	}

	return result, nil
}

// shamirStatusLabel renders a Shamir round outcome as the "success"/
// "failure" label value ShamirRoundsStarted expects.
func shamirStatusLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// UnlockVrfKeypair re-derives the AEAD key from prfOutput and decrypts
// encryptedVrfKeypair, replacing the in-memory active keypair on success.
func (w *Worker) UnlockVrfKeypair(accountID string, encrypted EncryptedVrfKeypair, prfOutput [32]byte) error {
	aeadKey, err := tatchicrypto.HKDF(prfOutput[:], []byte("vrf-aead"), []byte(accountID), 32)
	if err != nil {
		return fmt.Errorf("vrf: derive aead key: %w", err)
	}

	seed, err := tatchicrypto.AeadOpen(aeadKey, encrypted.AEADNonce, []byte(accountID), encrypted.Ciphertext)
	if err != nil {
		return ErrBadPRF
	}

	var seedArr [32]byte
	copy(seedArr[:], seed)
	kp, err := tatchicrypto.VRFKeygenFromSeed(seedArr)
	if err != nil {
		return fmt.Errorf("vrf: reconstruct keypair: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.keypair = kp
	w.accountID = accountID
	w.unlockedAt = w.clock.Now()
	return nil
}

// UnlockVrfKeypairViaShamir attempts biometric-free unlock through shamir.
// Per the 4.2.1 failure policy, any Shamir-path failure other than
// ErrSessionInactive is non-fatal: ok is false and the caller must fall
// through to UnlockVrfKeypair's TouchID-backed path. ErrSessionInactive is
// returned directly and must escalate to the caller instead of silently
// falling back.
func (w *Worker) UnlockVrfKeypairViaShamir(ctx context.Context, shamir *ShamirClient, accountID string, wrapped ServerEncryptedVrfKeypair) (ok bool, err error) {
	seed, err := shamir.Unlock(ctx, wrapped, accountID)
	if err != nil {
		if errors.Is(err, ErrSessionInactive) {
			metrics.ShamirSessionsInactive.Inc()
			return false, ErrSessionInactive
		}
		return false, nil
	}

	kp, err := tatchicrypto.VRFKeygenFromSeed(seed)
	if err != nil {
		return false, nil
	}

	w.mu.Lock()
	w.keypair = kp
	w.accountID = accountID
	w.unlockedAt = w.clock.Now()
	w.mu.Unlock()
	return true, nil
}

// RotateShamirWrapping re-wraps the active keypair's seed under a fresh
// Shamir exchange. Callers invoke this after any successful TouchID unlock,
// or whenever a stored ServerEncryptedVrfKeypair's ServerKeyID no longer
// matches the relay's current epoch, so the auto-unlock path stays usable
// across relay key rotation.
func (w *Worker) RotateShamirWrapping(ctx context.Context, shamir *ShamirClient) (*ServerEncryptedVrfKeypair, error) {
	w.mu.Lock()
	kp := w.keypair
	accountID := w.accountID
	w.mu.Unlock()

	if kp == nil {
		return nil, ErrNoUnlockedKeypair
	}

	start := w.clock.Now()
	wrapped, err := shamir.Encrypt(ctx, kp.Seed, accountID)
	success := err == nil
	metrics.ShamirRoundDuration.WithLabelValues("rotate").Observe(w.clock.Now().Sub(start).Seconds())
	metrics.GetGlobalCollector().RecordShamirRound(success, w.clock.Now().Sub(start))
	if success {
		metrics.ShamirKeysRotated.Inc()
	}
	return wrapped, err
}

// GenerateChallengeOnce requires an unlocked keypair for userID and returns
// a fresh VRF challenge bound to intentDigest32.
func (w *Worker) GenerateChallengeOnce(userID, rpID string, blockHeight uint64, blockHash string, intentDigest32 [32]byte) (VrfChallenge, error) {
	w.mu.Lock()
	kp := w.keypair
	active := w.accountID
	w.mu.Unlock()

	if kp == nil || active != userID {
		return VrfChallenge{}, ErrNoUnlockedKeypair
	}

	metrics.VRFChallengesIssued.WithLabelValues("signing").Inc()
	return w.proveChallenge(kp, userID, rpID, blockHeight, blockHash, intentDigest32)
}

func (w *Worker) proveChallenge(kp *tatchicrypto.VRFKeyPair, userID, rpID string, blockHeight uint64, blockHash string, intentDigest32 [32]byte) (VrfChallenge, error) {
	input := vrfInput(inputDomainSeparator, userID, rpID, blockHeight, blockHash)

	output, proof, err := tatchicrypto.VRFProve(kp, input[:])
	if err != nil {
		return VrfChallenge{}, fmt.Errorf("vrf: prove challenge: %w", err)
	}

	return VrfChallenge{
		VrfInput:       input,
		VrfOutput:      output,
		VrfProofGamma:  proof.Gamma,
		VrfProofC:      proof.C,
		VrfProofS:      proof.S,
		VrfPublicKey:   kp.PublicKey,
		UserID:         userID,
		RpID:           rpID,
		BlockHeight:    blockHeight,
		BlockHash:      blockHash,
		IntentDigest32: intentDigest32,
	}, nil
}

// MintSigningSession verifies the assertion is fresh (its challenge has
// never been seen before) and belongs to accountID (userHandle match), then
// stores a WarmSigningSession for it.
func (w *Worker) MintSigningSession(assertion WebAuthnAssertion, accountID string, ttl time.Duration, remainingUses int) error {
	if assertion.UserHandle != accountID {
		return ErrCredentialMismatch
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, seen := w.seenChallenges[assertion.ChallengeID]; seen {
		return ErrAssertionNotFresh
	}
	w.seenChallenges[assertion.ChallengeID] = w.clock.Now()

	w.sessions[accountID] = WarmSigningSession{
		AccountID:     accountID,
		CreatedAt:     w.clock.Now(),
		TTL:           ttl,
		RemainingUses: remainingUses,
	}
	return nil
}

// ConsumeSession decrements remainingUses on the warm session for
// accountID, returning an error if no valid session exists. Called by the
// signer worker immediately before signing.
func (w *Worker) ConsumeSession(accountID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	session, ok := w.sessions[accountID]
	if !ok {
		return ErrSessionNotFound
	}
	if !session.Valid(w.clock.Now(), w.keypair != nil && w.accountID == accountID) {
		delete(w.sessions, accountID)
		return ErrSessionExpired
	}

	session.RemainingUses--
	if session.RemainingUses <= 0 {
		delete(w.sessions, accountID)
	} else {
		w.sessions[accountID] = session
	}
	return nil
}

// CheckStatus reports whether a VRF keypair is currently unlocked.
func (w *Worker) CheckStatus() Status {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.keypair == nil {
		return Status{Active: false}
	}
	return Status{
		Active:          true,
		AccountID:       w.accountID,
		SessionDuration: w.clock.Now().Sub(w.unlockedAt),
	}
}

// ClearSession erases the active keypair and every warm signing session.
func (w *Worker) ClearSession() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.keypair = nil
	w.accountID = ""
	w.sessions = make(map[string]WarmSigningSession)
}
