// Package relay implements the relay client (C8): the only component that
// speaks HTTP to the untrusted-for-confidentiality relay server. The relay
// gates account creation, hosts the Shamir server exponent, and can act as
// one party of a threshold Ed25519 signer; it never sees plaintext private
// key material.
package relay

// VrfData is the VRF proof bundle every account-creation and
// server-session request carries, mirroring the VrfChallenge fields the
// relay needs to independently verify the proof.
type VrfData struct {
	VrfInput      string `json:"vrf_input"`
	VrfOutput     string `json:"vrf_output"`
	VrfProof      string `json:"vrf_proof"`
	VrfPublicKey  string `json:"vrf_public_key"`
	UserID        string `json:"user_id"`
	RpID          string `json:"rp_id"`
	BlockHeight   uint64 `json:"block_height"`
	BlockHash     string `json:"block_hash"`
}

// WebAuthnRegistration carries a Serialized registration credential with
// its PRF outputs already stripped, per the boundary rule that PRF outputs
// never leave the client.
type WebAuthnRegistration struct {
	ID                string          `json:"id"`
	RawID             string          `json:"rawId"`
	Type              string          `json:"type"`
	ClientDataJSON    string          `json:"clientDataJSON"`
	AttestationObject string          `json:"attestationObject"`
}

// WebAuthnAuthentication is the assertion counterpart of
// WebAuthnRegistration, used by server-session minting and threshold-sign
// authorization.
type WebAuthnAuthentication struct {
	ID                string `json:"id"`
	RawID             string `json:"rawId"`
	Type              string `json:"type"`
	ClientDataJSON    string `json:"clientDataJSON"`
	AuthenticatorData string `json:"authenticatorData"`
	Signature         string `json:"signature"`
	UserHandle        string `json:"userHandle,omitempty"`
}

// AuthenticatorOptions narrows the relay-verified WebAuthn ceremony:
// expected RP ID, origin policy, and required user-verification level.
type AuthenticatorOptions struct {
	ExpectedRPID   string `json:"expectedRpId"`
	OriginPolicy   string `json:"originPolicy,omitempty"`
	UserVerification string `json:"userVerification,omitempty"`
}

// CreateAccountRequest is the atomic account-creation-and-registration
// request body, POSTed once so the relay can create the account, add the
// access key, and store the authenticator as a single operation.
type CreateAccountRequest struct {
	NewAccountID              string                 `json:"new_account_id"`
	NewPublicKey              string                 `json:"new_public_key"`
	DeviceNumber              int                    `json:"device_number"`
	ThresholdEd25519          *ThresholdEnrollRequest `json:"threshold_ed25519,omitempty"`
	VrfData                   VrfData                `json:"vrf_data"`
	WebAuthnRegistration      WebAuthnRegistration    `json:"webauthn_registration"`
	DeterministicVrfPublicKey string                 `json:"deterministic_vrf_public_key"`
	AuthenticatorOptions      AuthenticatorOptions    `json:"authenticator_options"`
}

// ThresholdEnrollRequest carries the client's verifying share when
// threshold enrollment is requested alongside account creation.
type ThresholdEnrollRequest struct {
	ClientVerifyingShareB64u string `json:"client_verifying_share_b64u"`
}

// ThresholdEnrollResult is the threshold-specific portion of
// CreateAccountResponse.
type ThresholdEnrollResult struct {
	RelayerKeyID             string `json:"relayerKeyId"`
	PublicKey                string `json:"publicKey"`
	RelayerVerifyingShareB64u string `json:"relayerVerifyingShareB64u"`
}

// CreateAccountResponse is /create_account_and_register_user's response.
type CreateAccountResponse struct {
	Success         bool                   `json:"success"`
	TransactionHash string                 `json:"transactionHash"`
	ThresholdEd25519 *ThresholdEnrollResult `json:"thresholdEd25519,omitempty"`
}

// SessionKind discriminates how /verify-authentication-response conveys a
// minted server session back to the caller.
type SessionKind string

const (
	SessionKindJWT    SessionKind = "jwt"
	SessionKindCookie SessionKind = "cookie"
)

// VerifyAuthenticationRequest is the server-session-minting request body.
type VerifyAuthenticationRequest struct {
	AccountID               string                  `json:"account_id"`
	WebAuthnAuthentication  WebAuthnAuthentication  `json:"webauthn_authentication"`
	VrfData                 VrfData                 `json:"vrf_data"`
	SessionKind             SessionKind             `json:"session_kind"`
}

// VerifyAuthenticationResponse is /verify-authentication-response's reply.
// JWT is populated only when the request asked for SessionKindJWT; a
// cookie session is conveyed via the HTTP response's Set-Cookie header,
// which Do already applied to the client's cookie jar if one is set.
type VerifyAuthenticationResponse struct {
	Verified bool   `json:"verified"`
	JWT      string `json:"jwt,omitempty"`
}

// ThresholdKeygenRequest starts 2-party FROST-style keygen for a device.
type ThresholdKeygenRequest struct {
	AccountID                string `json:"account_id"`
	ClientVerifyingShareB64u string `json:"client_verifying_share_b64u"`
}

// ThresholdKeygenResponse is /threshold-ed25519/keygen's reply.
type ThresholdKeygenResponse struct {
	RelayerKeyID              string   `json:"relayerKeyId"`
	PublicKey                 string   `json:"publicKey"`
	RelayerVerifyingShareB64u string   `json:"relayerVerifyingShareB64u"`
	ParticipantIDs            []string `json:"participantIds"`
}

// ThresholdAuthorizeRequest binds a signing digest to a VRF-authorized
// intent digest ahead of one MPC signing round.
type ThresholdAuthorizeRequest struct {
	SigningDigest32         string                  `json:"signing_digest_32"`
	VrfData                 VrfData                 `json:"vrf_data"`
	WebAuthnAuthentication  WebAuthnAuthentication  `json:"webauthn_authentication"`
	ClientVerifyingShareB64u string                 `json:"clientVerifyingShareB64u"`
	Purpose                 string                  `json:"purpose"`
}

// ThresholdAuthorizeResponse is /threshold-ed25519/authorize's reply.
type ThresholdAuthorizeResponse struct {
	MPCSessionID string `json:"mpcSessionId"`
	ExpiresAt    int64  `json:"expiresAt"`
}

// shamirRoundRequest/shamirRoundResponse are the wire shapes for both
// Shamir encrypt and unlock rounds; ServerKeyID is omitted on the first
// encrypt round (the relay assigns one) and required on unlock rounds.
type shamirRoundRequest struct {
	Masked      string `json:"masked"`
	ServerKeyID string `json:"server_key_id,omitempty"`
}

type shamirRoundResponse struct {
	Result      string `json:"result"`
	ServerKeyID string `json:"server_key_id"`
}
