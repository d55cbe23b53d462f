// Package file implements vault.Vault as a single JSON document on disk,
// guarded by a mutex and rewritten in full on every mutation. It is the
// persistent single-process default (config.VaultConfig.Backend = "file"),
// adapted from the teacher's FileVault (pkg/agent/crypto/vault/secure_storage.go):
// same 0700 directory / 0600 file permissions and plain os.WriteFile-after-
// json.Marshal persistence, but one snapshot file instead of FileVault's
// one-file-per-keyID layout, since this vault's schema is several related
// tables (users, authenticators, near keys, threshold keys, pending
// recoveries, derived addresses, app state) rather than a flat key store.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/web3-authn/tatchi/vault"
)

// document is the full on-disk snapshot, keyed by composite string so it
// round-trips through encoding/json (which requires string map keys).
type document struct {
	Users           map[string]vault.UserRecord             `json:"users"`
	Authenticators  map[string]vault.AuthenticatorRecord     `json:"authenticators"`
	NearKeys        map[string]vault.EncryptedNearKey        `json:"near_keys"`
	ThresholdKeys   map[string]vault.ThresholdKeyMaterial     `json:"threshold_keys"`
	PendingRecovery map[string]vault.PendingEmailRecovery    `json:"pending_recovery"`
	DerivedAddrs    map[string]vault.DerivedAddress          `json:"derived_addrs"`
	AppState        map[string][]byte                        `json:"app_state"`
}

func newDocument() document {
	return document{
		Users:           make(map[string]vault.UserRecord),
		Authenticators:  make(map[string]vault.AuthenticatorRecord),
		NearKeys:        make(map[string]vault.EncryptedNearKey),
		ThresholdKeys:   make(map[string]vault.ThresholdKeyMaterial),
		PendingRecovery: make(map[string]vault.PendingEmailRecovery),
		DerivedAddrs:    make(map[string]vault.DerivedAddress),
		AppState:        make(map[string][]byte),
	}
}

// Store is a file-backed vault.Vault. All reads and writes go through an
// in-memory copy of the document; Close flushes nothing further since every
// mutating call already persists before returning.
type Store struct {
	mu   sync.RWMutex
	path string
	doc  document
}

// New opens (or creates) the vault document at path, inside basePath which
// is created with 0700 permissions if missing.
func New(basePath string) (*Store, error) {
	if err := os.MkdirAll(basePath, 0700); err != nil {
		return nil, fmt.Errorf("file vault: create vault directory: %w", err)
	}
	path := filepath.Join(basePath, "vault.json")

	s := &Store{path: path, doc: newDocument()}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("file vault: read vault file: %w", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &s.doc); err != nil {
			return nil, fmt.Errorf("file vault: parse vault file: %w", err)
		}
	}
	if s.doc.Users == nil {
		s.doc = newDocument()
	}
	return s, nil
}

func compositeKey(accountID string, deviceNumber int) string {
	return fmt.Sprintf("%s\x00%d", accountID, deviceNumber)
}

// persist serializes the current document and writes it to disk with 0600
// permissions, matching FileVault's write-after-marshal pattern. Callers
// must hold s.mu for writing.
func (s *Store) persist() error {
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("file vault: marshal vault document: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0600); err != nil {
		return fmt.Errorf("file vault: write vault file: %w", err)
	}
	return nil
}

func (s *Store) RegisterUser(ctx context.Context, user vault.UserRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := compositeKey(user.AccountID, user.DeviceNumber)
	if _, exists := s.doc.Users[key]; exists {
		return vault.ErrUserExists
	}
	s.doc.Users[key] = user
	return s.persist()
}

func (s *Store) StoreUserData(ctx context.Context, auth vault.AuthenticatorRecord, nearKey *vault.EncryptedNearKey, threshold *vault.ThresholdKeyMaterial) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := compositeKey(auth.AccountID, auth.DeviceNumber)
	s.doc.Authenticators[key] = auth
	if nearKey != nil {
		s.doc.NearKeys[key] = *nearKey
	}
	if threshold != nil {
		s.doc.ThresholdKeys[key] = *threshold
	}
	return s.persist()
}

func (s *Store) UpdateUser(ctx context.Context, user vault.UserRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := compositeKey(user.AccountID, user.DeviceNumber)
	if _, exists := s.doc.Users[key]; !exists {
		return vault.ErrUserNotFound
	}
	s.doc.Users[key] = user
	return s.persist()
}

func (s *Store) DeleteUser(ctx context.Context, accountID string, deviceNumber int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := compositeKey(accountID, deviceNumber)
	if _, exists := s.doc.Users[key]; !exists {
		return vault.ErrUserNotFound
	}
	delete(s.doc.Users, key)
	delete(s.doc.Authenticators, key)
	delete(s.doc.NearKeys, key)
	delete(s.doc.ThresholdKeys, key)
	return s.persist()
}

func (s *Store) GetLastUser(ctx context.Context, accountID string) (vault.UserRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest vault.UserRecord
	found := false
	for _, u := range s.doc.Users {
		if u.AccountID != accountID {
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

	u, ok := s.doc.Users[compositeKey(accountID, deviceNumber)]
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
	for _, u := range s.doc.Users {
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

	auth, ok := s.doc.Authenticators[compositeKey(accountID, deviceNumber)]
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

	out := make([]vault.UserRecord, 0, len(s.doc.Users))
	for _, u := range s.doc.Users {
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

	key := compositeKey(user.AccountID, user.DeviceNumber)
	if _, exists := s.doc.Users[key]; exists {
		return vault.ErrUserExists
	}
	s.doc.Users[key] = user
	s.doc.Authenticators[key] = auth
	if nearKey != nil {
		s.doc.NearKeys[key] = *nearKey
	}
	if threshold != nil {
		s.doc.ThresholdKeys[key] = *threshold
	}
	return s.persist()
}

func (s *Store) NearKey(ctx context.Context, accountID string, deviceNumber int) (vault.EncryptedNearKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	k, ok := s.doc.NearKeys[compositeKey(accountID, deviceNumber)]
	if !ok {
		return vault.EncryptedNearKey{}, vault.ErrNearKeyNotFound
	}
	return k, nil
}

func (s *Store) ThresholdKey(ctx context.Context, accountID string, deviceNumber int) (vault.ThresholdKeyMaterial, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	k, ok := s.doc.ThresholdKeys[compositeKey(accountID, deviceNumber)]
	if !ok {
		return vault.ThresholdKeyMaterial{}, vault.ErrThresholdKeyNotFound
	}
	return k, nil
}

func (s *Store) PutPendingEmailRecovery(ctx context.Context, rec vault.PendingEmailRecovery) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.doc.PendingRecovery[rec.RequestID] = rec
	return s.persist()
}

func (s *Store) GetPendingEmailRecovery(ctx context.Context, requestID string) (vault.PendingEmailRecovery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.doc.PendingRecovery[requestID]
	if !ok {
		return vault.PendingEmailRecovery{}, vault.ErrPendingRecoveryNotFound
	}
	return rec, nil
}

func (s *Store) TransitionPendingEmailRecovery(ctx context.Context, requestID string, to vault.PendingEmailRecoveryStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.doc.PendingRecovery[requestID]
	if !ok {
		return vault.ErrPendingRecoveryNotFound
	}
	if !vault.CanTransition(rec.Status, to) {
		return vault.ErrInvalidStatusTransition
	}
	rec.Status = to
	s.doc.PendingRecovery[requestID] = rec
	return s.persist()
}

func derivedAddressKey(accountID, contractID, path string) string {
	return accountID + "\x00" + contractID + "\x00" + path
}

func (s *Store) PutDerivedAddress(ctx context.Context, addr vault.DerivedAddress) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.doc.DerivedAddrs[derivedAddressKey(addr.AccountID, addr.ContractID, addr.Path)] = addr
	return s.persist()
}

func (s *Store) GetDerivedAddress(ctx context.Context, accountID, contractID, path string) (vault.DerivedAddress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	addr, ok := s.doc.DerivedAddrs[derivedAddressKey(accountID, contractID, path)]
	if !ok {
		return vault.DerivedAddress{}, vault.ErrDerivedAddressNotFound
	}
	return addr, nil
}

func (s *Store) GetAppState(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.doc.AppState[key]
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
	s.doc.AppState[key] = cp
	return s.persist()
}

func (s *Store) Close() error {
	return nil
}

var _ vault.Vault = (*Store)(nil)
