package signer

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/mr-tron/base58"

	tatchicrypto "github.com/web3-authn/tatchi/crypto"
	"github.com/web3-authn/tatchi/internal/metrics"
	"github.com/web3-authn/tatchi/vrf"
	"github.com/web3-authn/tatchi/walletclock"
)

// Signer is the single-threaded NEAR-keypair actor. Every exported method
// that reads or replaces the unlocked keypair does so under the same
// mutex, so callers never need to serialize access themselves;
// RecoverKeypair and SignWithKeypair touch no worker state and take no lock.
type Signer struct {
	mu sync.Mutex

	clock walletclock.Clock
	vrf   *vrf.Worker

	accountID string
	key       ed25519.PrivateKey
	publicKey [32]byte
}

// New constructs an idle Signer bound to vrfWorker, whose warm-session
// state gates every non-bootstrap signing operation.
func New(clock walletclock.Clock, vrfWorker *vrf.Worker) *Signer {
	if clock == nil {
		clock = walletclock.System{}
	}
	return &Signer{clock: clock, vrf: vrfWorker}
}

// DeriveNearKeypair deterministically derives an Ed25519 keypair from
// prfSecond and encrypts its seed under an AEAD key derived from
// prfFirst, per spec: sk_seed = HKDF(prf_second, salt="ed25519-v1",
// info=accountId); AEAD_key = HKDF(prf_first, salt=WrapKeySalt,
// info="wrap"). The derived keypair becomes the active unlocked key.
func (s *Signer) DeriveNearKeypair(prfFirst, prfSecond [32]byte, accountID string) (DeriveNearKeypairResult, error) {
	skSeed, err := tatchicrypto.HKDF(prfSecond[:], []byte("ed25519-v1"), []byte(accountID), ed25519.SeedSize)
	if err != nil {
		return DeriveNearKeypairResult{}, fmt.Errorf("signer: derive sk seed: %w", err)
	}
	key := ed25519.NewKeyFromSeed(skSeed)
	var pub [32]byte
	copy(pub[:], key.Public().(ed25519.PublicKey))

	wrapKeySalt := make([]byte, 32)
	if err := randomFill(wrapKeySalt); err != nil {
		return DeriveNearKeypairResult{}, err
	}

	ciphertext, nonce, err := sealSeed(prfFirst, wrapKeySalt, accountID, skSeed)
	if err != nil {
		return DeriveNearKeypairResult{}, err
	}

	s.mu.Lock()
	s.accountID = accountID
	s.key = key
	s.publicKey = pub
	s.mu.Unlock()

	return DeriveNearKeypairResult{
		PublicKey:   pub,
		Ciphertext:  ciphertext,
		AEADNonce:   nonce,
		WrapKeySalt: wrapKeySalt,
	}, nil
}

// RecoverKeypair re-derives the same Ed25519 keypair DeriveNearKeypair
// would have produced, re-wrapping it under wrapKeySalt if given or a
// freshly generated one otherwise. The caller is responsible for
// asserting the returned public key matches the account's on-chain access
// key list.
func (s *Signer) RecoverKeypair(prfFirst, prfSecond [32]byte, accountID string, wrapKeySalt []byte) (RecoverKeypairResult, error) {
	skSeed, err := tatchicrypto.HKDF(prfSecond[:], []byte("ed25519-v1"), []byte(accountID), ed25519.SeedSize)
	if err != nil {
		return RecoverKeypairResult{}, fmt.Errorf("signer: derive sk seed: %w", err)
	}
	key := ed25519.NewKeyFromSeed(skSeed)
	var pub [32]byte
	copy(pub[:], key.Public().(ed25519.PublicKey))

	if wrapKeySalt == nil {
		wrapKeySalt = make([]byte, 32)
		if err := randomFill(wrapKeySalt); err != nil {
			return RecoverKeypairResult{}, err
		}
	}

	ciphertext, nonce, err := sealSeed(prfFirst, wrapKeySalt, accountID, skSeed)
	if err != nil {
		return RecoverKeypairResult{}, err
	}

	return RecoverKeypairResult{
		PublicKey:   pub,
		Ciphertext:  ciphertext,
		AEADNonce:   nonce,
		WrapKeySalt: wrapKeySalt,
	}, nil
}

// UnlockNearKeypair decrypts enc under a key derived from prfFirst and
// makes the recovered keypair active.
func (s *Signer) UnlockNearKeypair(accountID string, enc EncryptedNearKey, prfFirst [32]byte) error {
	aeadKey, err := tatchicrypto.HKDF(prfFirst[:], enc.WrapKeySalt, []byte("wrap"), 32)
	if err != nil {
		return fmt.Errorf("signer: derive aead key: %w", err)
	}
	skSeed, err := tatchicrypto.AeadOpen(aeadKey, enc.AEADNonce, []byte(accountID), enc.Ciphertext)
	if err != nil {
		return ErrBadPRF
	}

	key := ed25519.NewKeyFromSeed(skSeed)
	var pub [32]byte
	copy(pub[:], key.Public().(ed25519.PublicKey))

	s.mu.Lock()
	s.accountID = accountID
	s.key = key
	s.publicKey = pub
	s.mu.Unlock()
	return nil
}

func sealSeed(prfFirst [32]byte, wrapKeySalt []byte, accountID string, skSeed []byte) (ciphertext, nonce []byte, err error) {
	aeadKey, err := tatchicrypto.HKDF(prfFirst[:], wrapKeySalt, []byte("wrap"), 32)
	if err != nil {
		return nil, nil, fmt.Errorf("signer: derive aead key: %w", err)
	}
	nonce, err = tatchicrypto.NewAEADNonce()
	if err != nil {
		return nil, nil, err
	}
	ciphertext, err = tatchicrypto.AeadSeal(aeadKey, nonce, []byte(accountID), skSeed)
	if err != nil {
		return nil, nil, fmt.Errorf("signer: seal near key: %w", err)
	}
	return ciphertext, nonce, nil
}

// requireReady enforces "refuse to operate unless vrfActive(accountId) and
// a warm session is available", consuming exactly one use of that session.
// Bootstrap operations must not call this.
func (s *Signer) requireReady(accountID string) error {
	if s.vrf == nil {
		return ErrVRFSessionInactive
	}
	status := s.vrf.CheckStatus()
	if !status.Active || status.AccountID != accountID {
		return ErrVRFSessionInactive
	}
	if err := s.vrf.ConsumeSession(accountID); err != nil {
		return ErrNoWarmSession
	}
	return nil
}

func (s *Signer) activeKey(accountID string) (ed25519.PrivateKey, [32]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key == nil {
		return nil, [32]byte{}, ErrNoUnlockedKeypair
	}
	if s.accountID != accountID {
		return nil, [32]byte{}, ErrAccountMismatch
	}
	return s.key, s.publicKey, nil
}

// ActivePublicKey returns the public key of the currently unlocked keypair
// for accountID, for callers that need to populate a Transaction's
// SignerID/PublicKey fields before calling SignTransactionsWithActions.
func (s *Signer) ActivePublicKey(accountID string) ([32]byte, error) {
	_, pub, err := s.activeKey(accountID)
	return pub, err
}

// SignTransactionsWithActions signs every transaction in txs with the
// active unlocked keypair, consuming exactly one warm-session use for the
// whole batch (one WebAuthn prompt covers it, per spec). Transactions are
// signed in caller-provided order.
func (s *Signer) SignTransactionsWithActions(ctx context.Context, accountID string, txs []Transaction) (out []SignedTransaction, err error) {
	const op = "sign_transactions"
	start := s.clock.Now()
	defer func() {
		metrics.SigningOperationDuration.WithLabelValues(op, "ed25519").Observe(s.clock.Now().Sub(start).Seconds())
		if err != nil {
			metrics.SigningErrors.WithLabelValues(op).Inc()
			return
		}
		metrics.SigningOperations.WithLabelValues(op, "ed25519").Inc()
		metrics.GetGlobalCollector().RecordSigning(s.clock.Now().Sub(start))
	}()

	if len(txs) == 0 {
		return nil, ErrEmptyBatch
	}
	if err = s.requireReady(accountID); err != nil {
		return nil, err
	}
	key, _, err := s.activeKey(accountID)
	if err != nil {
		return nil, err
	}

	out = make([]SignedTransaction, 0, len(txs))
	for _, tx := range txs {
		signed, signErr := signTransaction(key, tx)
		if signErr != nil {
			err = signErr
			return nil, err
		}
		out = append(out, signed)
	}
	return out, nil
}

// ComputeTransactionDigest returns the SHA-256 digest a signature over tx
// would need to cover, without signing it. Threshold signing computes this
// locally before handing it to the relay's authorize round, so the same
// digest both parties reason about never needs the unlocked key to leave
// this package.
func ComputeTransactionDigest(tx Transaction) ([32]byte, error) {
	encoded, err := encodeTransaction(tx)
	if err != nil {
		return [32]byte{}, err
	}
	return tatchicrypto.Sha256(encoded), nil
}

// SignWithKeypair is the raw signer used only for the device-linking
// temporary-key swap: it signs with an explicitly supplied key rather than
// the worker's active unlocked keypair, and never touches VRF session
// state.
func (s *Signer) SignWithKeypair(privateKey ed25519.PrivateKey, signerAccountID, receiverID string, nonce uint64, blockHash [32]byte, actions []Action) (SignedTransaction, error) {
	var pub [32]byte
	copy(pub[:], privateKey.Public().(ed25519.PublicKey))
	tx := Transaction{
		SignerID:   signerAccountID,
		PublicKey:  pub,
		Nonce:      nonce,
		ReceiverID: receiverID,
		BlockHash:  blockHash,
		Actions:    actions,
	}
	return signTransaction(privateKey, tx)
}

// SignAddKeyThresholdNoPrompt signs tx with the currently active unlocked
// keypair without checking warm-session state: it reuses the PRF output
// captured by the DeriveNearKeypair call immediately preceding it during
// registration, so no fresh WebAuthn prompt is required.
func (s *Signer) SignAddKeyThresholdNoPrompt(accountID string, tx Transaction) (signed SignedTransaction, err error) {
	const op = "sign_add_key_threshold_no_prompt"
	start := s.clock.Now()
	defer func() {
		metrics.SigningOperationDuration.WithLabelValues(op, "ed25519").Observe(s.clock.Now().Sub(start).Seconds())
		if err != nil {
			metrics.SigningErrors.WithLabelValues(op).Inc()
			return
		}
		metrics.SigningOperations.WithLabelValues(op, "ed25519").Inc()
	}()

	key, _, err := s.activeKey(accountID)
	if err != nil {
		return SignedTransaction{}, err
	}
	return signTransaction(key, tx)
}

func signTransaction(key ed25519.PrivateKey, tx Transaction) (SignedTransaction, error) {
	encoded, err := encodeTransaction(tx)
	if err != nil {
		return SignedTransaction{}, err
	}
	hash := tatchicrypto.Sha256(encoded)
	sig := tatchicrypto.Ed25519Sign(key, hash[:])
	var sigArr [64]byte
	copy(sigArr[:], sig)
	return SignedTransaction{Transaction: tx, Signature: sigArr, Hash: hash}, nil
}

// SignNEP413 signs an off-chain message per NEP-413: Borsh-encode
// {tag=2^31+413, message, nonce, recipient, state?}, SHA-256, Ed25519-sign.
func (s *Signer) SignNEP413(accountID, message, recipient string, nonce [32]byte, state *string) (result NEP413Result, err error) {
	const op = "sign_nep413"
	start := s.clock.Now()
	defer func() {
		metrics.SigningOperationDuration.WithLabelValues(op, "ed25519").Observe(s.clock.Now().Sub(start).Seconds())
		if err != nil {
			metrics.SigningErrors.WithLabelValues(op).Inc()
			return
		}
		metrics.SigningOperations.WithLabelValues(op, "ed25519").Inc()
		metrics.GetGlobalCollector().RecordSigning(s.clock.Now().Sub(start))
	}()

	if err = s.requireReady(accountID); err != nil {
		return NEP413Result{}, err
	}
	key, pub, err := s.activeKey(accountID)
	if err != nil {
		return NEP413Result{}, err
	}

	enc := tatchicrypto.NewBorshEncoder().
		U32(nep413Tag).
		String(message).
		Bytes32(nonce[:]).
		String(recipient)
	if state == nil {
		enc.U8(0)
	} else {
		enc.U8(1).String(*state)
	}

	hash := tatchicrypto.Sha256(enc.Bytes())
	sig := tatchicrypto.Ed25519Sign(key, hash[:])

	return NEP413Result{
		AccountID: accountID,
		PublicKey: "ed25519:" + base58.Encode(pub[:]),
		Signature: base64.StdEncoding.EncodeToString(sig),
		Nonce:     base64.StdEncoding.EncodeToString(nonce[:]),
		State:     state,
	}, nil
}

// SignDelegateAction computes the NEP-366 delegate-action hash and signs
// it with the active unlocked keypair.
func (s *Signer) SignDelegateAction(accountID string, delegate DelegateAction) (signed SignedDelegate, hash [32]byte, err error) {
	const op = "sign_delegate_action"
	start := s.clock.Now()
	defer func() {
		metrics.SigningOperationDuration.WithLabelValues(op, "ed25519").Observe(s.clock.Now().Sub(start).Seconds())
		if err != nil {
			metrics.SigningErrors.WithLabelValues(op).Inc()
			return
		}
		metrics.SigningOperations.WithLabelValues(op, "ed25519").Inc()
		metrics.GetGlobalCollector().RecordSigning(s.clock.Now().Sub(start))
	}()

	if err = s.requireReady(accountID); err != nil {
		return SignedDelegate{}, [32]byte{}, err
	}
	key, _, err := s.activeKey(accountID)
	if err != nil {
		return SignedDelegate{}, [32]byte{}, err
	}

	encoded, err := encodeDelegateAction(delegate)
	if err != nil {
		return SignedDelegate{}, [32]byte{}, err
	}
	hash := tatchicrypto.Sha256(encoded)
	sig := tatchicrypto.Ed25519Sign(key, hash[:])
	var sigArr [64]byte
	copy(sigArr[:], sig)

	return SignedDelegate{DelegateAction: delegate, Signature: sigArr}, hash, nil
}

func randomFill(b []byte) error {
	if _, err := rand.Read(b); err != nil {
		return fmt.Errorf("signer: generate random bytes: %w", err)
	}
	return nil
}
