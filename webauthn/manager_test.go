package webauthn

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLiveHandle struct {
	credentialID string
	rawID        []byte
	typ          string
	clientData   []byte
	attestation  []byte
	authData     []byte
	signature    []byte
	userHandle   []byte
	extensions   map[string]any
}

func (f fakeLiveHandle) CredentialID() string                   { return f.credentialID }
func (f fakeLiveHandle) RawID() []byte                           { return f.rawID }
func (f fakeLiveHandle) Type() string                            { return f.typ }
func (f fakeLiveHandle) ClientDataJSON() []byte                  { return f.clientData }
func (f fakeLiveHandle) AttestationObject() []byte               { return f.attestation }
func (f fakeLiveHandle) AuthenticatorData() []byte               { return f.authData }
func (f fakeLiveHandle) Signature() []byte                       { return f.signature }
func (f fakeLiveHandle) UserHandle() []byte                      { return f.userHandle }
func (f fakeLiveHandle) ClientExtensionResults() map[string]any  { return f.extensions }

func prfExtension(first, second [32]byte) map[string]any {
	return map[string]any{
		"prf": map[string]any{
			"results": map[string]any{
				"first":  first[:],
				"second": second[:],
			},
		},
	}
}

func TestNormalizeLiveCredentialExtractsPRF(t *testing.T) {
	var first, second [32]byte
	first[0], second[0] = 1, 2

	h := fakeLiveHandle{
		credentialID: "cred-1",
		rawID:        []byte("raw-1"),
		typ:          "public-key",
		clientData:   []byte(`{"type":"webauthn.create"}`),
		attestation:  []byte("attestation-bytes"),
		userHandle:   []byte("alice.near"),
		extensions:   prfExtension(first, second),
	}

	cred := NewLiveCredential(h)
	norm, err := cred.Normalize(true)
	require.NoError(t, err)

	assert.Equal(t, "cred-1", norm.CredentialID)
	assert.Equal(t, []byte("alice.near"), norm.UserHandle)
	require.NotNil(t, norm.PRFFirst)
	require.NotNil(t, norm.PRFSecond)
	assert.Equal(t, first, *norm.PRFFirst)
	assert.Equal(t, second, *norm.PRFSecond)
}

func TestNormalizeLiveCredentialWithoutPRFHasNilSlots(t *testing.T) {
	h := fakeLiveHandle{credentialID: "cred-2", extensions: map[string]any{}}
	norm, err := NewLiveCredential(h).Normalize(true)
	require.NoError(t, err)
	assert.Nil(t, norm.PRFFirst)
	assert.Nil(t, norm.PRFSecond)
	assert.ErrorIs(t, norm.RequirePRF(), ErrMissingPRFOutputs)
}

func TestNormalizeSerializedCreationResponse(t *testing.T) {
	var first, second [32]byte
	first[0], second[0] = 3, 4

	body := map[string]any{
		"id":    "cred-3",
		"rawId": base64.RawURLEncoding.EncodeToString([]byte("raw-3")),
		"type":  "public-key",
		"response": map[string]any{
			"clientDataJSON":    base64.RawURLEncoding.EncodeToString([]byte(`{"type":"webauthn.create"}`)),
			"attestationObject": base64.RawURLEncoding.EncodeToString([]byte("attestation-bytes")),
		},
		"clientExtensionResults": map[string]any{
			"prf": map[string]any{
				"results": map[string]any{
					"first":  base64.RawURLEncoding.EncodeToString(first[:]),
					"second": base64.RawURLEncoding.EncodeToString(second[:]),
				},
			},
		},
	}
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	norm, err := NewSerializedCredential(raw).Normalize(true)
	require.NoError(t, err)
	assert.Equal(t, "cred-3", norm.CredentialID)
	require.NotNil(t, norm.PRFFirst)
	assert.Equal(t, first, *norm.PRFFirst)
}

func TestNormalizeSerializedAssertionResponse(t *testing.T) {
	body := map[string]any{
		"id":    "cred-4",
		"rawId": base64.RawURLEncoding.EncodeToString([]byte("raw-4")),
		"type":  "public-key",
		"response": map[string]any{
			"clientDataJSON":    base64.RawURLEncoding.EncodeToString([]byte(`{"type":"webauthn.get"}`)),
			"authenticatorData": base64.RawURLEncoding.EncodeToString([]byte("auth-data")),
			"signature":         base64.RawURLEncoding.EncodeToString([]byte("sig-bytes")),
			"userHandle":        base64.RawURLEncoding.EncodeToString([]byte("alice.near")),
		},
	}
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	norm, err := NewSerializedCredential(raw).Normalize(false)
	require.NoError(t, err)
	assert.Equal(t, "cred-4", norm.CredentialID)
	assert.Equal(t, []byte("alice.near"), norm.UserHandle)
	assert.Nil(t, norm.PRFFirst)
}

func TestStripPRFZeroesBothSlots(t *testing.T) {
	var first, second [32]byte
	first[0], second[0] = 5, 6
	norm := NormalizedCredential{PRFFirst: &first, PRFSecond: &second}
	stripped := norm.StripPRF()
	assert.Nil(t, stripped.PRFFirst)
	assert.Nil(t, stripped.PRFSecond)
}

func TestDecodePRFValueRejectsWrongLength(t *testing.T) {
	_, err := decodePRFValue(base64.RawURLEncoding.EncodeToString([]byte("too-short")))
	assert.Error(t, err)
}

func TestManagerPRFSaltsAreDeterministicAndDistinct(t *testing.T) {
	m := New("example.localhost")
	first1, second1 := m.PRFSalts("alice.near")
	first2, second2 := m.PRFSalts("alice.near")
	assert.Equal(t, first1, first2)
	assert.Equal(t, second1, second2)
	assert.NotEqual(t, first1, second1)

	firstBob, _ := m.PRFSalts("bob.near")
	assert.NotEqual(t, first1, firstBob)
}

func TestManagerUserHandleRoundTrips(t *testing.T) {
	m := New("example.localhost")
	handle, err := m.UserHandle("alice.near")
	require.NoError(t, err)
	assert.Equal(t, "alice.near", m.AccountIDFromUserHandle(handle))
}

func TestManagerUserHandleRejectsOversizedAccountID(t *testing.T) {
	m := New("example.localhost")
	huge := make([]byte, maxUserHandleBytes+1)
	for i := range huge {
		huge[i] = 'a'
	}
	_, err := m.UserHandle(string(huge))
	assert.ErrorIs(t, err, ErrAccountIDTooLong)
}

func TestBuildRegistrationOptionsBindsSaltsAndUserHandle(t *testing.T) {
	m := New("example.localhost")
	opts, err := m.BuildRegistrationOptions(RegistrationRequest{
		AccountID:   "alice.near",
		DisplayName: "Alice",
		Confirmation: ConfirmationConfig{Behavior: BehaviorRequireClick, UIMode: UIModeModal},
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("alice.near"), opts.UserHandle)

	first, second := m.PRFSalts("alice.near")
	assert.Equal(t, first, opts.PRFSaltFirst)
	assert.Equal(t, second, opts.PRFSaltSecond)
}

func TestBuildAssertionOptionsScopesAllowedCredentials(t *testing.T) {
	m := New("example.localhost")
	opts, err := m.BuildAssertionOptions("alice.near", []string{"cred-1", "cred-2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"cred-1", "cred-2"}, opts.AllowedCreds)
}

func TestVerifyUserHandleDetectsMismatch(t *testing.T) {
	m := New("example.localhost")
	cred := NormalizedCredential{UserHandle: []byte("alice.near")}
	assert.NoError(t, m.VerifyUserHandle(cred, "alice.near"))
	assert.ErrorIs(t, m.VerifyUserHandle(cred, "bob.near"), ErrUserHandleMismatch)
}
