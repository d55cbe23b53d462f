package vault

import "context"

// Vault is the storage contract for the encrypted vault component. All
// methods operate on ciphertext and metadata only; callers are responsible
// for encrypting/decrypting key material before/after calling into it.
type Vault interface {
	// RegisterUser creates a brand-new user row. Returns ErrUserExists if
	// (accountID, deviceNumber) is already present.
	RegisterUser(ctx context.Context, user UserRecord) error

	// StoreUserData persists an authenticator plus its associated encrypted
	// NEAR key (and, for threshold signers, threshold key material) as part
	// of completing a registration or link-device flow.
	StoreUserData(ctx context.Context, auth AuthenticatorRecord, nearKey *EncryptedNearKey, threshold *ThresholdKeyMaterial) error

	// UpdateUser overwrites an existing user row with user. The memory and
	// file backends replace the whole record; the Postgres backend keeps the
	// stored CreatedAt.
	UpdateUser(ctx context.Context, user UserRecord) error

	// DeleteUser removes the user row, its authenticators, and key material.
	DeleteUser(ctx context.Context, accountID string, deviceNumber int) error

	// GetLastUser returns the most recently updated user row for accountID
	// across all of its registered devices.
	GetLastUser(ctx context.Context, accountID string) (UserRecord, error)

	// GetUserByDevice returns the user row for a specific device number.
	GetUserByDevice(ctx context.Context, accountID string, deviceNumber int) (UserRecord, error)

	// GetLastDBUpdatedUser returns the single most recently updated user row
	// across all accounts, used by the orchestrator to resume an in-progress
	// flow after a page reload.
	GetLastDBUpdatedUser(ctx context.Context) (UserRecord, error)

	// EnsureCurrentPasskey verifies credentialID is still the authenticator
	// on record for (accountID, deviceNumber), returning ErrAuthenticatorNotFound
	// if it has been superseded.
	EnsureCurrentPasskey(ctx context.Context, accountID string, deviceNumber int, credentialID string) error

	// ListAllUsers enumerates every user row known to the vault.
	ListAllUsers(ctx context.Context) ([]UserRecord, error)

	// RollbackUserRegistration deletes a partially-registered user and its
	// authenticator/key rows, used when a registration flow fails after its
	// vault write has succeeded.
	RollbackUserRegistration(ctx context.Context, accountID string, deviceNumber int) error

	// AtomicStoreRegistrationData persists the user row, authenticator, and
	// key material for a brand-new registration as a single atomic unit.
	AtomicStoreRegistrationData(ctx context.Context, user UserRecord, auth AuthenticatorRecord, nearKey *EncryptedNearKey, threshold *ThresholdKeyMaterial) error

	// NearKey returns the encrypted NEAR key for (accountID, deviceNumber).
	NearKey(ctx context.Context, accountID string, deviceNumber int) (EncryptedNearKey, error)

	// ThresholdKey returns the threshold key material for (accountID, deviceNumber).
	ThresholdKey(ctx context.Context, accountID string, deviceNumber int) (ThresholdKeyMaterial, error)

	// PutPendingEmailRecovery inserts or overwrites a pending recovery record.
	PutPendingEmailRecovery(ctx context.Context, rec PendingEmailRecovery) error

	// GetPendingEmailRecovery looks up a pending recovery by request ID.
	GetPendingEmailRecovery(ctx context.Context, requestID string) (PendingEmailRecovery, error)

	// TransitionPendingEmailRecovery atomically moves a pending recovery
	// record to a new status, failing with ErrInvalidStatusTransition if the
	// edge is not legal per CanTransition.
	TransitionPendingEmailRecovery(ctx context.Context, requestID string, to PendingEmailRecoveryStatus) error

	// PutDerivedAddress caches a derived chain address.
	PutDerivedAddress(ctx context.Context, addr DerivedAddress) error

	// GetDerivedAddress looks up a cached derived chain address.
	GetDerivedAddress(ctx context.Context, accountID, contractID, path string) (DerivedAddress, error)

	// GetAppState retrieves an opaque app-state blob by key.
	GetAppState(ctx context.Context, key string) ([]byte, bool, error)

	// PutAppState stores an opaque app-state blob by key.
	PutAppState(ctx context.Context, key string, value []byte) error

	// Close releases any underlying resources (file handles, connection pools).
	Close() error
}
