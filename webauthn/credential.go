// Package webauthn implements the WebAuthn Manager (C5): the platform
// ceremony wrapper responsible for credential normalization, PRF salt
// derivation, and userHandle ↔ accountId binding. It never verifies
// attestation or assertion signatures itself — that is the relay's job —
// it only shapes what C5's callers (the orchestrator) hand to C2/C3/C8.
package webauthn

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-webauthn/webauthn/protocol"
)

// LiveHandle is the subset of a native platform ceremony result (an
// in-process PublicKeyCredential object, reached via whatever bridge hosts
// this SDK) that Normalize needs. A real bridge implementation lives
// outside this package; tests use a fake.
type LiveHandle interface {
	CredentialID() string
	RawID() []byte
	Type() string
	ClientDataJSON() []byte
	AttestationObject() []byte
	AuthenticatorData() []byte
	Signature() []byte
	UserHandle() []byte
	ClientExtensionResults() map[string]any
}

// CredentialKind discriminates Credential's two variants.
type CredentialKind uint8

const (
	// KindLive wraps a native ceremony result that has not yet crossed a
	// serialization boundary.
	KindLive CredentialKind = iota
	// KindSerialized wraps a JSON DTO already produced by a prior
	// serialization (e.g. replayed from storage, or received over a
	// postMessage/iframe transport).
	KindSerialized
)

// Credential is the tagged variant `Credential ∈ {Live(handle),
// Serialized(struct)}`: incoming WebAuthn credentials may be live platform
// objects or already-serialized DTOs, and callers must never rely on duck
// typing to tell them apart.
type Credential struct {
	Kind CredentialKind

	Live       LiveHandle
	Serialized []byte // raw JSON: protocol.CredentialCreationResponse or protocol.CredentialAssertionResponse
}

// NewLiveCredential wraps a native ceremony result.
func NewLiveCredential(h LiveHandle) Credential {
	return Credential{Kind: KindLive, Live: h}
}

// NewSerializedCredential wraps a raw JSON WebAuthn response body.
func NewSerializedCredential(raw []byte) Credential {
	return Credential{Kind: KindSerialized, Serialized: raw}
}

// NormalizedCredential is Normalize's single canonical output shape,
// regardless of which variant of Credential produced it.
type NormalizedCredential struct {
	CredentialID      string
	RawID             []byte
	Type              string
	ClientDataJSON    []byte
	AttestationObject []byte // registration only
	AuthenticatorData []byte // assertion only
	Signature         []byte // assertion only
	UserHandle        []byte

	PRFFirst  *[32]byte
	PRFSecond *[32]byte
}

var (
	ErrUnknownCredentialKind = errors.New("webauthn: unknown credential kind")
	ErrMissingPRFOutputs     = errors.New("webauthn: credential has no prf extension output")
)

// Normalize converts either variant of Credential into a NormalizedCredential.
// isRegistration selects which JSON shape to expect from a Serialized
// credential (creation response vs. assertion response); it has no effect
// on a Live credential, whose accessor methods are the same either way.
func (c Credential) Normalize(isRegistration bool) (NormalizedCredential, error) {
	switch c.Kind {
	case KindLive:
		return normalizeLive(c.Live)
	case KindSerialized:
		if isRegistration {
			return normalizeSerializedCreation(c.Serialized)
		}
		return normalizeSerializedAssertion(c.Serialized)
	default:
		return NormalizedCredential{}, ErrUnknownCredentialKind
	}
}

func normalizeLive(h LiveHandle) (NormalizedCredential, error) {
	first, second, err := extractPRF(h.ClientExtensionResults())
	if err != nil {
		return NormalizedCredential{}, err
	}
	return NormalizedCredential{
		CredentialID:      h.CredentialID(),
		RawID:             h.RawID(),
		Type:              h.Type(),
		ClientDataJSON:    h.ClientDataJSON(),
		AttestationObject: h.AttestationObject(),
		AuthenticatorData: h.AuthenticatorData(),
		Signature:         h.Signature(),
		UserHandle:        h.UserHandle(),
		PRFFirst:          first,
		PRFSecond:         second,
	}, nil
}

func normalizeSerializedCreation(raw []byte) (NormalizedCredential, error) {
	var resp protocol.CredentialCreationResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return NormalizedCredential{}, fmt.Errorf("webauthn: decode creation response: %w", err)
	}
	first, second, err := extractPRF(map[string]any(resp.ClientExtensionResults))
	if err != nil {
		return NormalizedCredential{}, err
	}
	return NormalizedCredential{
		CredentialID:      resp.ID,
		RawID:             []byte(resp.RawID),
		Type:              resp.Type,
		ClientDataJSON:    []byte(resp.AttestationResponse.ClientDataJSON),
		AttestationObject: []byte(resp.AttestationResponse.AttestationObject),
		PRFFirst:          first,
		PRFSecond:         second,
	}, nil
}

func normalizeSerializedAssertion(raw []byte) (NormalizedCredential, error) {
	var resp protocol.CredentialAssertionResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return NormalizedCredential{}, fmt.Errorf("webauthn: decode assertion response: %w", err)
	}
	first, second, err := extractPRF(map[string]any(resp.ClientExtensionResults))
	if err != nil {
		return NormalizedCredential{}, err
	}
	return NormalizedCredential{
		CredentialID:      resp.ID,
		RawID:             []byte(resp.RawID),
		Type:              resp.Type,
		ClientDataJSON:    []byte(resp.AssertionResponse.ClientDataJSON),
		AuthenticatorData: []byte(resp.AssertionResponse.AuthenticatorData),
		Signature:         []byte(resp.AssertionResponse.Signature),
		UserHandle:        []byte(resp.AssertionResponse.UserHandle),
		PRFFirst:          first,
		PRFSecond:         second,
	}, nil
}

// extractPRF pulls clientExtensionResults.prf.results.{first,second} out of
// a generic extension-output map, accepting either raw bytes (the Live
// path) or base64url strings (the Serialized/JSON path).
func extractPRF(ext map[string]any) (first, second *[32]byte, err error) {
	prf, ok := ext["prf"].(map[string]any)
	if !ok {
		return nil, nil, nil
	}
	results, ok := prf["results"].(map[string]any)
	if !ok {
		return nil, nil, nil
	}

	first, err = decodePRFValue(results["first"])
	if err != nil {
		return nil, nil, err
	}
	second, err = decodePRFValue(results["second"])
	if err != nil {
		return nil, nil, err
	}
	return first, second, nil
}

func decodePRFValue(v any) (*[32]byte, error) {
	if v == nil {
		return nil, nil
	}
	var raw []byte
	switch t := v.(type) {
	case []byte:
		raw = t
	case string:
		decoded, err := base64.RawURLEncoding.DecodeString(t)
		if err != nil {
			return nil, fmt.Errorf("webauthn: decode prf output: %w", err)
		}
		raw = decoded
	default:
		return nil, fmt.Errorf("webauthn: unrecognized prf output type %T", v)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("webauthn: prf output must be 32 bytes, got %d", len(raw))
	}
	var out [32]byte
	copy(out[:], raw)
	return &out, nil
}

// RequirePRF returns ErrMissingPRFOutputs unless both PRF slots are present.
func (n NormalizedCredential) RequirePRF() error {
	if n.PRFFirst == nil || n.PRFSecond == nil {
		return ErrMissingPRFOutputs
	}
	return nil
}

// StripPRF zeroes both PRF slots, per the rule that PRF outputs MUST be
// stripped before sending any credential to the relay.
func (n NormalizedCredential) StripPRF() NormalizedCredential {
	n.PRFFirst = nil
	n.PRFSecond = nil
	return n
}
