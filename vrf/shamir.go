package vrf

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/cloudflare/circl/group"

	tatchicrypto "github.com/web3-authn/tatchi/crypto"
)

// shamirGroup is the commutative group Shamir 3-pass operates over. Any
// prime-order group circl/group exposes would do; Ristretto255 is chosen
// for its fast, constant-time, and misuse-resistant encoding.
var shamirGroup = group.Ristretto255

// ShamirRelay is the subset of the relay client (C8) needed for Shamir
// 3-pass auto-unlock: two commutative-exponentiation round trips, keyed by
// the relay's current serverKeyId epoch. The relay never learns the
// masking element M in the clear, only values raised to the client's
// single-use exponents.
type ShamirRelay interface {
	// ShamirEncryptRound sends masked = M^c to the relay and returns
	// M^(c·s) plus the relay's current serverKeyId.
	ShamirEncryptRound(ctx context.Context, masked []byte) (result []byte, serverKeyID string, err error)
	// ShamirUnlockRound sends masked = (M^s)^c' and the serverKeyId the
	// wrapped value was produced under, and returns M^c' (the relay
	// strips its own s exponent before responding).
	ShamirUnlockRound(ctx context.Context, masked []byte, serverKeyID string) (result []byte, err error)
}

// ShamirClient drives the client side of the 3-pass protocol against an
// injected ShamirRelay. Unlock requires a round trip to the relay but no
// fresh biometric prompt: the symmetric key protecting the wrapped VRF
// seed is only derivable after that round trip completes.
type ShamirClient struct {
	relay ShamirRelay
}

// NewShamirClient constructs a client bound to relay.
func NewShamirClient(relay ShamirRelay) *ShamirClient {
	return &ShamirClient{relay: relay}
}

var errNoValidEncoding = errors.New("vrf: shamir exhausted candidates for a valid group element encoding")

// sampleMaskingElement draws a masking value M that is simultaneously a
// 32-byte string and the canonical encoding of a valid group element, by
// rejection sampling: most 32-byte strings are not valid Ristretto255
// encodings, but a uniformly random candidate succeeds with constant
// probability, so a handful of attempts suffices.
func sampleMaskingElement() (raw [32]byte, elem group.Element, err error) {
	for attempt := 0; attempt < 256; attempt++ {
		var candidate [32]byte
		if _, err := rand.Read(candidate[:]); err != nil {
			return raw, nil, fmt.Errorf("vrf: shamir sample candidate: %w", err)
		}
		e := shamirGroup.NewElement()
		if err := e.UnmarshalBinary(candidate[:]); err == nil {
			return candidate, e, nil
		}
	}
	return raw, nil, errNoValidEncoding
}

func randomScalar() (group.Scalar, error) {
	return shamirGroup.RandomNonZeroScalar(rand.Reader)
}

// packParts length-prefixes two byte slices into one, so the pair fits in
// ServerEncryptedVrfKeypair's single Ciphertext field.
func packParts(a, b []byte) []byte {
	enc := tatchicrypto.NewBorshEncoder().VecBytes(a).VecBytes(b)
	return enc.Bytes()
}

func unpackParts(packed []byte) (a, b []byte, err error) {
	dec := tatchicrypto.NewBorshDecoder(packed)
	a, err = dec.VecBytes()
	if err != nil {
		return nil, nil, err
	}
	b, err = dec.VecBytes()
	if err != nil {
		return nil, nil, err
	}
	return a, b, nil
}

// Encrypt runs the registration-side encryption pass (4.2.1 step 1) and
// wraps vrfSeed for later no-prompt recovery.
//
// A fresh masking element M is sampled and raised through one relay round
// trip to M^s, which is stored locally (wrapped under a device-local key
// kekS that never leaves this device and needs no biometric gesture to
// read back). Because M is known here, the seed-wrapping key
// W = HKDF(M, kekS, "tatchi-vrf-shamir-seed-wrap") can also be derived now, and vrfSeed is
// wrapped under it. At unlock time M is not known directly — it is only
// recoverable by completing the second relay round trip — so recovering
// vrfSeed still requires the relay's cooperation even though decrypting
// the locally-stored M^s does not.
func (c *ShamirClient) Encrypt(ctx context.Context, vrfSeed [32]byte, accountID string) (*ServerEncryptedVrfKeypair, error) {
	_, mElem, err := sampleMaskingElement()
	if err != nil {
		return nil, err
	}

	cExp, err := randomScalar()
	if err != nil {
		return nil, fmt.Errorf("vrf: shamir draw client exponent: %w", err)
	}
	masked := shamirGroup.NewElement().Mul(mElem, cExp)
	maskedBytes, err := masked.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("vrf: shamir marshal masked element: %w", err)
	}

	relayResult, serverKeyID, err := c.relay.ShamirEncryptRound(ctx, maskedBytes)
	if err != nil {
		return nil, fmt.Errorf("vrf: shamir encrypt round: %w", err)
	}
	relayElement := shamirGroup.NewElement()
	if err := relayElement.UnmarshalBinary(relayResult); err != nil {
		return nil, fmt.Errorf("vrf: shamir unmarshal relay result: %w", err)
	}

	cInv := shamirGroup.NewScalar().Inv(cExp)
	mS := shamirGroup.NewElement().Mul(relayElement, cInv)
	mSBytes, err := mS.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("vrf: shamir marshal m^s: %w", err)
	}

	kekS := make([]byte, 32)
	if _, err := rand.Read(kekS); err != nil {
		return nil, fmt.Errorf("vrf: shamir draw local key: %w", err)
	}

	mBytes, err := mElem.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("vrf: shamir marshal m: %w", err)
	}
	seedWrapKey, err := tatchicrypto.HKDF(mBytes, kekS, []byte("tatchi-vrf-shamir-seed-wrap"), 32)
	if err != nil {
		return nil, fmt.Errorf("vrf: shamir derive seed-wrap key: %w", err)
	}

	nonceA, err := tatchicrypto.NewAEADNonce()
	if err != nil {
		return nil, err
	}
	ctA, err := tatchicrypto.AeadSeal(kekS, nonceA, []byte(accountID+":ms"), mSBytes)
	if err != nil {
		return nil, fmt.Errorf("vrf: shamir wrap m^s: %w", err)
	}

	nonceB, err := tatchicrypto.NewAEADNonce()
	if err != nil {
		return nil, err
	}
	ctB, err := tatchicrypto.AeadSeal(seedWrapKey, nonceB, []byte(accountID+":seed"), vrfSeed[:])
	if err != nil {
		return nil, fmt.Errorf("vrf: shamir wrap vrf seed: %w", err)
	}

	return &ServerEncryptedVrfKeypair{
		Ciphertext:  packParts(append(nonceA, ctA...), append(nonceB, ctB...)),
		KekSalt:     kekS,
		ServerKeyID: serverKeyID,
	}, nil
}

// Unlock runs the unlock pass (4.2.1 step 2) and recovers the original
// vrfSeed. No prfOutput is required: the local kekS decrypts M^s, the
// relay round trip recovers M, and M derives the key that decrypts vrfSeed.
func (c *ShamirClient) Unlock(ctx context.Context, wrapped ServerEncryptedVrfKeypair, accountID string) ([32]byte, error) {
	var seed [32]byte

	partA, partB, err := unpackParts(wrapped.Ciphertext)
	if err != nil {
		return seed, fmt.Errorf("vrf: shamir unpack ciphertext: %w", err)
	}
	if len(partA) < tatchicrypto.AEADNonceSize || len(partB) < tatchicrypto.AEADNonceSize {
		return seed, fmt.Errorf("vrf: shamir ciphertext parts too short")
	}

	mSBytes, err := tatchicrypto.AeadOpen(wrapped.KekSalt, partA[:tatchicrypto.AEADNonceSize], []byte(accountID+":ms"), partA[tatchicrypto.AEADNonceSize:])
	if err != nil {
		return seed, ErrSessionInactive
	}
	mS := shamirGroup.NewElement()
	if err := mS.UnmarshalBinary(mSBytes); err != nil {
		return seed, fmt.Errorf("vrf: shamir unmarshal m^s: %w", err)
	}

	cPrime, err := randomScalar()
	if err != nil {
		return seed, fmt.Errorf("vrf: shamir draw unlock exponent: %w", err)
	}
	masked := shamirGroup.NewElement().Mul(mS, cPrime)
	maskedBytes, err := masked.MarshalBinary()
	if err != nil {
		return seed, fmt.Errorf("vrf: shamir marshal unlock request: %w", err)
	}

	relayResult, err := c.relay.ShamirUnlockRound(ctx, maskedBytes, wrapped.ServerKeyID)
	if err != nil {
		return seed, ErrSessionInactive
	}
	mPrime := shamirGroup.NewElement()
	if err := mPrime.UnmarshalBinary(relayResult); err != nil {
		return seed, fmt.Errorf("vrf: shamir unmarshal relay unlock result: %w", err)
	}

	cPrimeInv := shamirGroup.NewScalar().Inv(cPrime)
	m := shamirGroup.NewElement().Mul(mPrime, cPrimeInv)
	mBytes, err := m.MarshalBinary()
	if err != nil {
		return seed, fmt.Errorf("vrf: shamir marshal recovered m: %w", err)
	}

	seedWrapKey, err := tatchicrypto.HKDF(mBytes, wrapped.KekSalt, []byte("tatchi-vrf-shamir-seed-wrap"), 32)
	if err != nil {
		return seed, fmt.Errorf("vrf: shamir derive seed-wrap key: %w", err)
	}

	plain, err := tatchicrypto.AeadOpen(seedWrapKey, partB[:tatchicrypto.AEADNonceSize], []byte(accountID+":seed"), partB[tatchicrypto.AEADNonceSize:])
	if err != nil {
		return seed, ErrSessionInactive
	}
	copy(seed[:], plain)
	return seed, nil
}
