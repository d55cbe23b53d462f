// Package chain implements the chain client facade (C9): the only
// component that speaks NEAR's JSON-RPC protocol. It is injected into
// every manager that needs it (nonce, orchestrator) and owns nothing
// itself — no cached state survives a call.
package chain

// AccessKey is one entry of an account's on-chain access-key list.
type AccessKey struct {
	PublicKey  string `json:"public_key"`
	Nonce      uint64 `json:"-"`
	Permission string `json:"-"`
}

// RecoveryAttempt mirrors the on-chain email-recovery record; a nil
// result from GetRecoveryAttempt means "not found".
type RecoveryAttempt struct {
	RequestID     string `json:"request_id"`
	AccountID     string `json:"account_id"`
	NewPublicKey  string `json:"new_public_key"`
	Status        string `json:"status"`
	CreatedAtMs   int64  `json:"created_at_ms"`
}

// VerificationResult is get_verification_result's view response.
type VerificationResult struct {
	Verified     bool   `json:"verified"`
	AccountID    string `json:"account_id,omitempty"`
	NewPublicKey string `json:"new_public_key,omitempty"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// ContractStoredAuthenticator is one entry of get_authenticators_by_user's
// response: a credentialId paired with the contract's stored record.
type ContractStoredAuthenticator struct {
	CredentialID string `json:"credential_id"`
	Record       ContractAuthenticatorRecord `json:"record"`
}

// ContractAuthenticatorRecord is the on-chain authenticator shape; only the
// fields this SDK consumes are decoded, and any other fields in the
// contract's response are dropped.
type ContractAuthenticatorRecord struct {
	CredentialPublicKey string          `json:"credential_public_key"`
	Transports          []string        `json:"transports,omitempty"`
	DeviceNumber        int             `json:"device_number"`
}

// CheckCanRegisterRequest is the view-call body for check_can_register_user.
type CheckCanRegisterRequest struct {
	VrfData              map[string]any `json:"vrf_data"`
	WebAuthnRegistration map[string]any `json:"webauthn_registration"`
	AuthenticatorOptions map[string]any `json:"authenticator_options"`
}

// CheckCanRegisterResponse is check_can_register_user's view response.
type CheckCanRegisterResponse struct {
	Verified bool `json:"verified"`
}
