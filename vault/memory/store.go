// Package memory provides an in-process, mutex-guarded implementation of
// vault.Vault, suitable for tests and for the CLI's memory vault backend
// (vault.backend = memory in its config). Nothing here survives process
// restart.
package memory

import (
	"context"
	"sync"

	"github.com/web3-authn/tatchi/vault"
)

type userKey struct {
	accountID    string
	deviceNumber int
}

// Store is an in-memory vault.Vault backed by RWMutex-guarded maps. Getters
// return records by value; their slice fields share backing arrays with the
// stored record, and only GetAppState copies the bytes it returns.
type Store struct {
	mu sync.RWMutex

	users           map[userKey]vault.UserRecord
	authenticators  map[userKey]vault.AuthenticatorRecord
	nearKeys        map[userKey]vault.EncryptedNearKey
	thresholdKeys   map[userKey]vault.ThresholdKeyMaterial
	pendingRecovery map[string]vault.PendingEmailRecovery
	derivedAddrs    map[string]vault.DerivedAddress
	appState        map[string][]byte
}

// New constructs an empty in-memory vault.
func New() *Store {
	return &Store{
		users:           make(map[userKey]vault.UserRecord),
		authenticators:  make(map[userKey]vault.AuthenticatorRecord),
		nearKeys:        make(map[userKey]vault.EncryptedNearKey),
		thresholdKeys:   make(map[userKey]vault.ThresholdKeyMaterial),
		pendingRecovery: make(map[string]vault.PendingEmailRecovery),
		derivedAddrs:    make(map[string]vault.DerivedAddress),
		appState:        make(map[string][]byte),
	}
}

func (s *Store) RegisterUser(ctx context.Context, user vault.UserRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := userKey{user.AccountID, user.DeviceNumber}
	if _, exists := s.users[key]; exists {
		return vault.ErrUserExists
	}
	s.users[key] = user
	return nil
}

func (s *Store) StoreUserData(ctx context.Context, auth vault.AuthenticatorRecord, nearKey *vault.EncryptedNearKey, threshold *vault.ThresholdKeyMaterial) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := userKey{auth.AccountID, auth.DeviceNumber}
	s.authenticators[key] = auth
	if nearKey != nil {
		s.nearKeys[key] = *nearKey
	}
	if threshold != nil {
		s.thresholdKeys[key] = *threshold
	}
	return nil
}

func (s *Store) UpdateUser(ctx context.Context, user vault.UserRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := userKey{user.AccountID, user.DeviceNumber}
	if _, exists := s.users[key]; !exists {
		return vault.ErrUserNotFound
	}
	s.users[key] = user
	return nil
}

func (s *Store) DeleteUser(ctx context.Context, accountID string, deviceNumber int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := userKey{accountID, deviceNumber}
	if _, exists := s.users[key]; !exists {
		return vault.ErrUserNotFound
	}
	delete(s.users, key)
	delete(s.authenticators, key)
	delete(s.nearKeys, key)
	delete(s.thresholdKeys, key)
	return nil
}

func (s *Store) GetLastUser(ctx context.Context, accountID string) (vault.UserRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest vault.UserRecord
	found := false
	for key, u := range s.users {
		if key.accountID != accountID {
			continue
		}
		if !found || u.LastUpdatedAt.After(latest.LastUpdatedAt) {
			latest = u
			found = true
		}
	}
	if !found {
		return vault.UserRecord{}, vault.ErrUserNotFound
	}
	return latest, nil
}

func (s *Store) GetUserByDevice(ctx context.Context, accountID string, deviceNumber int) (vault.UserRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[userKey{accountID, deviceNumber}]
	if !ok {
		return vault.UserRecord{}, vault.ErrUserNotFound
	}
	return u, nil
}

func (s *Store) GetLastDBUpdatedUser(ctx context.Context) (vault.UserRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest vault.UserRecord
	found := false
	for _, u := range s.users {
		if !found || u.LastUpdatedAt.After(latest.LastUpdatedAt) {
			latest = u
			found = true
		}
	}
	if !found {
		return vault.UserRecord{}, vault.ErrUserNotFound
	}
	return latest, nil
}

func (s *Store) EnsureCurrentPasskey(ctx context.Context, accountID string, deviceNumber int, credentialID string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	auth, ok := s.authenticators[userKey{accountID, deviceNumber}]
	if !ok {
		return vault.ErrAuthenticatorNotFound
	}
	if auth.CredentialID != credentialID {
		return vault.ErrAuthenticatorNotFound
	}
	return nil
}

func (s *Store) ListAllUsers(ctx context.Context) ([]vault.UserRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]vault.UserRecord, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	return out, nil
}

func (s *Store) RollbackUserRegistration(ctx context.Context, accountID string, deviceNumber int) error {
	return s.DeleteUser(ctx, accountID, deviceNumber)
}

func (s *Store) AtomicStoreRegistrationData(ctx context.Context, user vault.UserRecord, auth vault.AuthenticatorRecord, nearKey *vault.EncryptedNearKey, threshold *vault.ThresholdKeyMaterial) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := userKey{user.AccountID, user.DeviceNumber}
	if _, exists := s.users[key]; exists {
		return vault.ErrUserExists
	}
	s.users[key] = user
	s.authenticators[key] = auth
	if nearKey != nil {
		s.nearKeys[key] = *nearKey
	}
	if threshold != nil {
		s.thresholdKeys[key] = *threshold
	}
	return nil
}

func (s *Store) NearKey(ctx context.Context, accountID string, deviceNumber int) (vault.EncryptedNearKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	k, ok := s.nearKeys[userKey{accountID, deviceNumber}]
	if !ok {
		return vault.EncryptedNearKey{}, vault.ErrNearKeyNotFound
	}
	return k, nil
}

func (s *Store) ThresholdKey(ctx context.Context, accountID string, deviceNumber int) (vault.ThresholdKeyMaterial, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	k, ok := s.thresholdKeys[userKey{accountID, deviceNumber}]
	if !ok {
		return vault.ThresholdKeyMaterial{}, vault.ErrThresholdKeyNotFound
	}
	return k, nil
}

func (s *Store) PutPendingEmailRecovery(ctx context.Context, rec vault.PendingEmailRecovery) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pendingRecovery[rec.RequestID] = rec
	return nil
}

func (s *Store) GetPendingEmailRecovery(ctx context.Context, requestID string) (vault.PendingEmailRecovery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.pendingRecovery[requestID]
	if !ok {
		return vault.PendingEmailRecovery{}, vault.ErrPendingRecoveryNotFound
	}
	return rec, nil
}

func (s *Store) TransitionPendingEmailRecovery(ctx context.Context, requestID string, to vault.PendingEmailRecoveryStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.pendingRecovery[requestID]
	if !ok {
		return vault.ErrPendingRecoveryNotFound
	}
	if !vault.CanTransition(rec.Status, to) {
		return vault.ErrInvalidStatusTransition
	}
	rec.Status = to
	s.pendingRecovery[requestID] = rec
	return nil
}

func derivedAddressKey(accountID, contractID, path string) string {
	return accountID + "\x00" + contractID + "\x00" + path
}

func (s *Store) PutDerivedAddress(ctx context.Context, addr vault.DerivedAddress) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.derivedAddrs[derivedAddressKey(addr.AccountID, addr.ContractID, addr.Path)] = addr
	return nil
}

func (s *Store) GetDerivedAddress(ctx context.Context, accountID, contractID, path string) (vault.DerivedAddress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	addr, ok := s.derivedAddrs[derivedAddressKey(accountID, contractID, path)]
	if !ok {
		return vault.DerivedAddress{}, vault.ErrDerivedAddressNotFound
	}
	return addr, nil
}

func (s *Store) GetAppState(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.appState[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (s *Store) PutAppState(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := make([]byte, len(value))
	copy(cp, value)
	s.appState[key] = cp
	return nil
}

func (s *Store) Close() error {
	return nil
}

var _ vault.Vault = (*Store)(nil)
