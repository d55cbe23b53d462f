package crypto

import (
	"crypto/rand"
	"crypto/sha512"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
)

// VRFKeyPair is an Ed25519-curve VRF keypair. PublicKey is the compressed
// Edwards point sk*B; PrivateKey is the clamped scalar plus the original
// 32-byte seed (kept so the keypair can be re-serialized the same way
// ed25519 seeds are).
type VRFKeyPair struct {
	Seed      [32]byte
	scalar    *edwards25519.Scalar
	PublicKey [32]byte
}

// ErrInvalidVRFProof is returned by VRFVerify when the proof does not
// verify against the given public key and input.
var ErrInvalidVRFProof = errors.New("crypto: invalid vrf proof")

// VRFProof is the (Gamma, c, s) proof produced by VRFProve.
type VRFProof struct {
	Gamma [32]byte
	C     [16]byte
	S     [32]byte
}

// VRFKeygen generates a fresh VRF keypair.
func VRFKeygen() (*VRFKeyPair, error) {
	var seed [32]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return nil, fmt.Errorf("crypto: vrf keygen: %w", err)
	}
	return vrfKeyPairFromSeed(seed)
}

// VRFKeygenFromSeed deterministically derives a VRF keypair from a 32-byte
// seed, used to re-derive the same keypair from PRF output on every call.
func VRFKeygenFromSeed(seed [32]byte) (*VRFKeyPair, error) {
	return vrfKeyPairFromSeed(seed)
}

func vrfKeyPairFromSeed(seed [32]byte) (*VRFKeyPair, error) {
	h := sha512.Sum512(seed[:])
	scalar, err := edwards25519.NewScalar().SetBytesWithClamping(h[:32])
	if err != nil {
		return nil, fmt.Errorf("crypto: vrf clamp scalar: %w", err)
	}
	pub := new(edwards25519.Point).ScalarBaseMult(scalar)

	var pk [32]byte
	copy(pk[:], pub.Bytes())
	return &VRFKeyPair{Seed: seed, scalar: scalar, PublicKey: pk}, nil
}

// vrfHashToCurve maps (publicKey, input) to a curve point via
// try-and-increment: hash candidates until one decodes as a valid point.
// Not constant-time; acceptable since the public key and input are both
// public values, never secret.
func vrfHashToCurve(publicKey, input []byte) (*edwards25519.Point, error) {
	for counter := byte(0); counter < 255; counter++ {
		h := sha512.New()
		h.Write([]byte("tatchi-vrf-h2c-v1"))
		h.Write(publicKey)
		h.Write(input)
		h.Write([]byte{counter})
		digest := h.Sum(nil)

		point, err := new(edwards25519.Point).SetBytes(digest[:32])
		if err == nil {
			return point, nil
		}
	}
	return nil, errors.New("crypto: vrf hash-to-curve exhausted candidates")
}

// vrfChallenge computes the Fiat-Shamir challenge scalar over the proof
// transcript, truncated to 16 bytes per the usual ECVRF convention.
func vrfChallenge(points ...*edwards25519.Point) *edwards25519.Scalar {
	h := sha512.New()
	h.Write([]byte("tatchi-vrf-challenge-v1"))
	for _, p := range points {
		h.Write(p.Bytes())
	}
	digest := h.Sum(nil)

	var wide [64]byte
	copy(wide[:16], digest[:16])
	return mustScalarFromUniform(wide[:])
}

// mustScalarFromUniform wraps Scalar.SetUniformBytes, which only fails on a
// caller bug (wrong input length); any error here is an invariant
// violation, not a runtime condition a caller can recover from.
func mustScalarFromUniform(b []byte) *edwards25519.Scalar {
	s, err := edwards25519.NewScalar().SetUniformBytes(b)
	if err != nil {
		panic(fmt.Sprintf("crypto: vrf scalar derivation: %v", err))
	}
	return s
}

// VRFProve computes the VRF output and proof for input under kp, binding
// the challenge to the exact 32-byte digest the caller wants to sign over.
func VRFProve(kp *VRFKeyPair, input []byte) (output [32]byte, proof VRFProof, err error) {
	base := edwards25519.NewGeneratorPoint()
	pkPoint, err := new(edwards25519.Point).SetBytes(kp.PublicKey[:])
	if err != nil {
		return output, proof, fmt.Errorf("crypto: vrf invalid public key: %w", err)
	}

	h, err := vrfHashToCurve(kp.PublicKey[:], input)
	if err != nil {
		return output, proof, err
	}

	gamma := new(edwards25519.Point).ScalarMult(kp.scalar, h)

	var nonceSeed [64]byte
	nh := sha512.New()
	nh.Write([]byte("tatchi-vrf-nonce-v1"))
	nh.Write(kp.Seed[:])
	nh.Write(h.Bytes())
	copy(nonceSeed[:], nh.Sum(nil))
	k := mustScalarFromUniform(nonceSeed[:])

	kB := new(edwards25519.Point).ScalarBaseMult(k)
	kH := new(edwards25519.Point).ScalarMult(k, h)

	c := vrfChallenge(base, h, pkPoint, gamma, kB, kH)

	cx := edwards25519.NewScalar().Multiply(c, kp.scalar)
	s := edwards25519.NewScalar().Add(k, cx)

	copy(proof.Gamma[:], gamma.Bytes())
	copy(proof.C[:], c.Bytes()[:16])
	copy(proof.S[:], s.Bytes())

	output = vrfOutputFromGamma(gamma)
	return output, proof, nil
}

// VRFVerify checks proof against publicKey and input, returning the VRF
// output on success. Callers MUST reject any proof that fails to verify
// rather than falling back to the claimed output.
func VRFVerify(publicKey [32]byte, input []byte, proof VRFProof) (output [32]byte, err error) {
	base := edwards25519.NewGeneratorPoint()

	pkPoint, err := new(edwards25519.Point).SetBytes(publicKey[:])
	if err != nil {
		return output, fmt.Errorf("crypto: vrf invalid public key: %w", err)
	}
	gamma, err := new(edwards25519.Point).SetBytes(proof.Gamma[:])
	if err != nil {
		return output, fmt.Errorf("%w: invalid gamma encoding", ErrInvalidVRFProof)
	}

	var wideC [64]byte
	copy(wideC[:16], proof.C[:])
	c := mustScalarFromUniform(wideC[:])

	s, err := edwards25519.NewScalar().SetCanonicalBytes(proof.S[:])
	if err != nil {
		return output, fmt.Errorf("%w: invalid s encoding", ErrInvalidVRFProof)
	}

	h, err := vrfHashToCurve(publicKey[:], input)
	if err != nil {
		return output, err
	}

	// U = s*B - c*pk
	sB := new(edwards25519.Point).ScalarBaseMult(s)
	cPk := new(edwards25519.Point).ScalarMult(c, pkPoint)
	u := new(edwards25519.Point).Subtract(sB, cPk)

	// V = s*H - c*Gamma
	sH := new(edwards25519.Point).ScalarMult(s, h)
	cGamma := new(edwards25519.Point).ScalarMult(c, gamma)
	v := new(edwards25519.Point).Subtract(sH, cGamma)

	cPrime := vrfChallenge(base, h, pkPoint, gamma, u, v)
	if cPrime.Equal(c) != 1 {
		return output, ErrInvalidVRFProof
	}

	return vrfOutputFromGamma(gamma), nil
}

func vrfOutputFromGamma(gamma *edwards25519.Point) [32]byte {
	h := sha512.New()
	h.Write([]byte("tatchi-vrf-output-v1"))
	h.Write(gamma.Bytes())
	digest := h.Sum(nil)

	var out [32]byte
	copy(out[:], digest[:32])
	return out
}
