// Package walleterr defines the SDK's stable error-kind identifiers and a
// retryable-error predicate plus backoff combinator (Retry) for bounded
// retries. No other package in this module calls Retry.
package walleterr

import (
	"context"
	"errors"
	"fmt"
)

// Kind is a stable error-kind identifier, surfaced to callers through the
// {success:false, error, errorDetails} result shape and as the discriminant
// of the imperative API's thrown error.
type Kind string

const (
	InvalidAccountID    Kind = "INVALID_ACCOUNT_ID"
	InsecureContext     Kind = "INSECURE_CONTEXT"
	ValidationFailed    Kind = "VALIDATION_FAILED"

	WebAuthnCancelled Kind = "WEBAUTHN_CANCELLED"
	WebAuthnTimeout   Kind = "WEBAUTHN_TIMEOUT"
	WebAuthnNoPRF     Kind = "WEBAUTHN_NO_PRF"

	VRFUnlockBadPRF            Kind = "VRF_UNLOCK_BAD_PRF"
	VRFSessionInactive         Kind = "VRF_SESSION_INACTIVE"
	VRFSessionPasskeyMismatch  Kind = "VRF_SESSION_PASSKEY_MISMATCH"
	SessionExpired             Kind = "SESSION_EXPIRED"

	NonceStale        Kind = "NONCE_STALE"
	AccessKeyNotFound Kind = "ACCESS_KEY_NOT_FOUND"
	BroadcastRPCError Kind = "BROADCAST_RPC_ERROR"

	RelayHTTPError          Kind = "RELAY_HTTP_ERROR"
	RelayVerificationFailed Kind = "RELAY_VERIFICATION_FAILED"
	RelayUnavailable        Kind = "RELAY_UNAVAILABLE"

	RegistrationOnchainMismatch Kind = "REGISTRATION_ONCHAIN_MISMATCH"
	ThresholdEnrollmentFailed  Kind = "THRESHOLD_ENROLLMENT_FAILED"
	ThresholdSigningFailed     Kind = "THRESHOLD_SIGNING_FAILED"
	ThresholdNotEnrolled       Kind = "THRESHOLD_NOT_ENROLLED"

	EmailVerificationFailed Kind = "EMAIL_VERIFICATION_FAILED"
	EmailPollTimeout        Kind = "EMAIL_POLL_TIMEOUT"
	EmailPendingTTLExpired  Kind = "EMAIL_PENDING_TTL_EXPIRED"

	LinkDeviceSessionExpired  Kind = "LINK_DEVICE_SESSION_EXPIRED"
	LinkDeviceKeyswapFailed   Kind = "LINK_DEVICE_KEYSWAP_FAILED"

	ActionError Kind = "ACTION_ERROR"
)

// Error is the SDK's standard error value: a stable Kind, a short
// human-readable message, and an optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New constructs an *Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an *Error wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind from err if it is (or wraps) a *Error, otherwise
// returns ActionError as the catch-all per the flow orchestrator's
// propagation policy.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ActionError
}

// retryableKinds are errors Retry considers transient and worth retrying
// within a bounded budget.
var retryableKinds = map[Kind]bool{
	NonceStale:        true,
	BroadcastRPCError: true,
	RelayHTTPError:    true,
	RelayUnavailable:  true,
}

// IsRetryable reports whether err's Kind is one of the bounded-retry
// candidates. Non-Error values (e.g. plain network errors) are retryable by
// default since the caller only reaches Retry for operations it has already
// decided are retry-eligible.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return retryableKinds[e.Kind]
	}
	return true
}

// RetryOptions configures Retry.
type RetryOptions struct {
	MaxAttempts int
}

// Retry runs fn up to opts.MaxAttempts times, sleeping via sleep between
// attempts (typically walletclock.Clock.Sleep wired to an exponential or
// fixed backoff by the caller), stopping early on a non-retryable error or
// on ctx cancellation.
func Retry(ctx context.Context, opts RetryOptions, sleep func(context.Context, int) error, fn func(attempt int) error) error {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) {
			return lastErr
		}
		if attempt == opts.MaxAttempts {
			break
		}
		if sleep != nil {
			if err := sleep(ctx, attempt); err != nil {
				return err
			}
		}
	}
	return lastErr
}
