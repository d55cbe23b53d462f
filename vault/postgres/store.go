// Package postgres implements vault.Vault against a PostgreSQL database,
// using pgx directly (no ORM) with explicit transactions for the operations
// that must be atomic.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/web3-authn/tatchi/vault"
)

// Config holds PostgreSQL connection configuration.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// Store implements vault.Vault for PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore opens a connection pool and verifies connectivity.
func NewStore(ctx context.Context, cfg *Config) (*Store, error) {
	connString := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) RegisterUser(ctx context.Context, user vault.UserRecord) error {
	query := `
		INSERT INTO users (account_id, device_number, vrf_public_key, near_public_key, encrypted_vrf_keypair, server_encrypted_vrf_keypair, created_at, last_updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := s.pool.Exec(ctx, query, user.AccountID, user.DeviceNumber, user.VRFPublicKey, user.NearPublicKey, user.EncryptedVrfKeypair, user.ServerEncryptedVrfKeypair, user.CreatedAt, user.LastUpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return vault.ErrUserExists
		}
		return fmt.Errorf("failed to register user: %w", err)
	}
	return nil
}

func (s *Store) StoreUserData(ctx context.Context, auth vault.AuthenticatorRecord, nearKey *vault.EncryptedNearKey, threshold *vault.ThresholdKeyMaterial) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := insertAuthenticator(ctx, tx, auth); err != nil {
		return err
	}
	if nearKey != nil {
		if err := upsertNearKey(ctx, tx, *nearKey); err != nil {
			return err
		}
	}
	if threshold != nil {
		if err := upsertThresholdKey(ctx, tx, *threshold); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) UpdateUser(ctx context.Context, user vault.UserRecord) error {
	query := `
		UPDATE users SET vrf_public_key = $3, near_public_key = $4, encrypted_vrf_keypair = $5, server_encrypted_vrf_keypair = $6, last_updated_at = $7
		WHERE account_id = $1 AND device_number = $2
	`
	tag, err := s.pool.Exec(ctx, query, user.AccountID, user.DeviceNumber, user.VRFPublicKey, user.NearPublicKey, user.EncryptedVrfKeypair, user.ServerEncryptedVrfKeypair, user.LastUpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return vault.ErrUserNotFound
	}
	return nil
}

func (s *Store) DeleteUser(ctx context.Context, accountID string, deviceNumber int) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `DELETE FROM users WHERE account_id = $1 AND device_number = $2`, accountID, deviceNumber)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return vault.ErrUserNotFound
	}
	if _, err := tx.Exec(ctx, `DELETE FROM authenticators WHERE account_id = $1 AND device_number = $2`, accountID, deviceNumber); err != nil {
		return fmt.Errorf("failed to delete authenticator: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM near_keys WHERE account_id = $1 AND device_number = $2`, accountID, deviceNumber); err != nil {
		return fmt.Errorf("failed to delete near key: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM threshold_keys WHERE account_id = $1 AND device_number = $2`, accountID, deviceNumber); err != nil {
		return fmt.Errorf("failed to delete threshold key: %w", err)
	}

	return tx.Commit(ctx)
}

func (s *Store) GetLastUser(ctx context.Context, accountID string) (vault.UserRecord, error) {
	query := `
		SELECT account_id, device_number, vrf_public_key, near_public_key, encrypted_vrf_keypair, server_encrypted_vrf_keypair, created_at, last_updated_at
		FROM users WHERE account_id = $1 ORDER BY last_updated_at DESC LIMIT 1
	`
	return scanUser(s.pool.QueryRow(ctx, query, accountID))
}

func (s *Store) GetUserByDevice(ctx context.Context, accountID string, deviceNumber int) (vault.UserRecord, error) {
	query := `
		SELECT account_id, device_number, vrf_public_key, near_public_key, encrypted_vrf_keypair, server_encrypted_vrf_keypair, created_at, last_updated_at
		FROM users WHERE account_id = $1 AND device_number = $2
	`
	return scanUser(s.pool.QueryRow(ctx, query, accountID, deviceNumber))
}

func (s *Store) GetLastDBUpdatedUser(ctx context.Context) (vault.UserRecord, error) {
	query := `
		SELECT account_id, device_number, vrf_public_key, near_public_key, encrypted_vrf_keypair, server_encrypted_vrf_keypair, created_at, last_updated_at
		FROM users ORDER BY last_updated_at DESC LIMIT 1
	`
	return scanUser(s.pool.QueryRow(ctx, query))
}

func (s *Store) EnsureCurrentPasskey(ctx context.Context, accountID string, deviceNumber int, credentialID string) error {
	query := `SELECT EXISTS(SELECT 1 FROM authenticators WHERE account_id = $1 AND device_number = $2 AND credential_id = $3)`
	var exists bool
	if err := s.pool.QueryRow(ctx, query, accountID, deviceNumber, credentialID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check authenticator: %w", err)
	}
	if !exists {
		return vault.ErrAuthenticatorNotFound
	}
	return nil
}

func (s *Store) ListAllUsers(ctx context.Context) ([]vault.UserRecord, error) {
	query := `SELECT account_id, device_number, vrf_public_key, near_public_key, encrypted_vrf_keypair, server_encrypted_vrf_keypair, created_at, last_updated_at FROM users`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var out []vault.UserRecord
	for rows.Next() {
		var u vault.UserRecord
		if err := rows.Scan(&u.AccountID, &u.DeviceNumber, &u.VRFPublicKey, &u.NearPublicKey, &u.EncryptedVrfKeypair, &u.ServerEncryptedVrfKeypair, &u.CreatedAt, &u.LastUpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *Store) RollbackUserRegistration(ctx context.Context, accountID string, deviceNumber int) error {
	return s.DeleteUser(ctx, accountID, deviceNumber)
}

func (s *Store) AtomicStoreRegistrationData(ctx context.Context, user vault.UserRecord, auth vault.AuthenticatorRecord, nearKey *vault.EncryptedNearKey, threshold *vault.ThresholdKeyMaterial) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE account_id = $1 AND device_number = $2)`, user.AccountID, user.DeviceNumber).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check existing user: %w", err)
	}
	if exists {
		return vault.ErrUserExists
	}

	insertUser := `
		INSERT INTO users (account_id, device_number, vrf_public_key, near_public_key, encrypted_vrf_keypair, server_encrypted_vrf_keypair, created_at, last_updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	if _, err := tx.Exec(ctx, insertUser, user.AccountID, user.DeviceNumber, user.VRFPublicKey, user.NearPublicKey, user.EncryptedVrfKeypair, user.ServerEncryptedVrfKeypair, user.CreatedAt, user.LastUpdatedAt); err != nil {
		return fmt.Errorf("failed to insert user: %w", err)
	}
	if err := insertAuthenticator(ctx, tx, auth); err != nil {
		return err
	}
	if nearKey != nil {
		if err := upsertNearKey(ctx, tx, *nearKey); err != nil {
			return err
		}
	}
	if threshold != nil {
		if err := upsertThresholdKey(ctx, tx, *threshold); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func (s *Store) NearKey(ctx context.Context, accountID string, deviceNumber int) (vault.EncryptedNearKey, error) {
	query := `
		SELECT account_id, device_number, ciphertext, aead_nonce, wrap_key_salt, kind
		FROM near_keys WHERE account_id = $1 AND device_number = $2
	`
	var k vault.EncryptedNearKey
	err := s.pool.QueryRow(ctx, query, accountID, deviceNumber).Scan(&k.AccountID, &k.DeviceNumber, &k.Ciphertext, &k.AEADNonce, &k.WrapKeySalt, &k.Kind)
	if errors.Is(err, pgx.ErrNoRows) {
		return vault.EncryptedNearKey{}, vault.ErrNearKeyNotFound
	}
	if err != nil {
		return vault.EncryptedNearKey{}, fmt.Errorf("failed to get near key: %w", err)
	}
	return k, nil
}

func (s *Store) ThresholdKey(ctx context.Context, accountID string, deviceNumber int) (vault.ThresholdKeyMaterial, error) {
	query := `
		SELECT account_id, device_number, kind, group_public_key, wrap_key_salt, relayer_key_id, client_share_derivation, participants, timestamp
		FROM threshold_keys WHERE account_id = $1 AND device_number = $2
	`
	var k vault.ThresholdKeyMaterial
	var participants []byte
	err := s.pool.QueryRow(ctx, query, accountID, deviceNumber).Scan(
		&k.AccountID, &k.DeviceNumber, &k.Kind, &k.GroupPublicKey, &k.WrapKeySalt, &k.RelayerKeyID, &k.ClientShareDerivation, &participants, &k.Timestamp,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return vault.ThresholdKeyMaterial{}, vault.ErrThresholdKeyNotFound
	}
	if err != nil {
		return vault.ThresholdKeyMaterial{}, fmt.Errorf("failed to get threshold key: %w", err)
	}
	if err := json.Unmarshal(participants, &k.Participants); err != nil {
		return vault.ThresholdKeyMaterial{}, fmt.Errorf("failed to decode participants: %w", err)
	}
	return k, nil
}

func (s *Store) PutPendingEmailRecovery(ctx context.Context, rec vault.PendingEmailRecovery) error {
	query := `
		INSERT INTO pending_email_recovery
			(request_id, account_id, recovery_email, device_number, near_public_key, encrypted_vrf_keypair, server_encrypted_vrf_keypair, vrf_public_key, credential_id, created_at, status, near_key_ciphertext, near_key_aead_nonce, near_key_wrap_key_salt)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (request_id) DO UPDATE SET
			account_id = EXCLUDED.account_id, recovery_email = EXCLUDED.recovery_email, device_number = EXCLUDED.device_number,
			near_public_key = EXCLUDED.near_public_key, encrypted_vrf_keypair = EXCLUDED.encrypted_vrf_keypair,
			server_encrypted_vrf_keypair = EXCLUDED.server_encrypted_vrf_keypair, vrf_public_key = EXCLUDED.vrf_public_key,
			credential_id = EXCLUDED.credential_id, created_at = EXCLUDED.created_at, status = EXCLUDED.status,
			near_key_ciphertext = EXCLUDED.near_key_ciphertext, near_key_aead_nonce = EXCLUDED.near_key_aead_nonce,
			near_key_wrap_key_salt = EXCLUDED.near_key_wrap_key_salt
	`
	_, err := s.pool.Exec(ctx, query,
		rec.RequestID, rec.AccountID, rec.RecoveryEmail, rec.DeviceNumber, rec.NearPublicKey,
		rec.EncryptedVrfKeypair, rec.ServerEncryptedVrfKeypair, rec.VRFPublicKey, rec.CredentialID, rec.CreatedAt, rec.Status,
		rec.NearKeyCiphertext, rec.NearKeyAEADNonce, rec.NearKeyWrapKeySalt,
	)
	if err != nil {
		return fmt.Errorf("failed to put pending email recovery: %w", err)
	}
	return nil
}

func (s *Store) GetPendingEmailRecovery(ctx context.Context, requestID string) (vault.PendingEmailRecovery, error) {
	query := `
		SELECT request_id, account_id, recovery_email, device_number, near_public_key, encrypted_vrf_keypair, server_encrypted_vrf_keypair, vrf_public_key, credential_id, created_at, status, near_key_ciphertext, near_key_aead_nonce, near_key_wrap_key_salt
		FROM pending_email_recovery WHERE request_id = $1
	`
	var rec vault.PendingEmailRecovery
	err := s.pool.QueryRow(ctx, query, requestID).Scan(
		&rec.RequestID, &rec.AccountID, &rec.RecoveryEmail, &rec.DeviceNumber, &rec.NearPublicKey,
		&rec.EncryptedVrfKeypair, &rec.ServerEncryptedVrfKeypair, &rec.VRFPublicKey, &rec.CredentialID, &rec.CreatedAt, &rec.Status,
		&rec.NearKeyCiphertext, &rec.NearKeyAEADNonce, &rec.NearKeyWrapKeySalt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return vault.PendingEmailRecovery{}, vault.ErrPendingRecoveryNotFound
	}
	if err != nil {
		return vault.PendingEmailRecovery{}, fmt.Errorf("failed to get pending email recovery: %w", err)
	}
	return rec, nil
}

func (s *Store) TransitionPendingEmailRecovery(ctx context.Context, requestID string, to vault.PendingEmailRecoveryStatus) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var current vault.PendingEmailRecoveryStatus
	if err := tx.QueryRow(ctx, `SELECT status FROM pending_email_recovery WHERE request_id = $1`, requestID).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return vault.ErrPendingRecoveryNotFound
		}
		return fmt.Errorf("failed to read pending email recovery status: %w", err)
	}
	if !vault.CanTransition(current, to) {
		return vault.ErrInvalidStatusTransition
	}
	if _, err := tx.Exec(ctx, `UPDATE pending_email_recovery SET status = $2 WHERE request_id = $1`, requestID, to); err != nil {
		return fmt.Errorf("failed to update pending email recovery status: %w", err)
	}

	return tx.Commit(ctx)
}

func (s *Store) PutDerivedAddress(ctx context.Context, addr vault.DerivedAddress) error {
	query := `
		INSERT INTO derived_addresses (account_id, contract_id, path, address)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_id, contract_id, path) DO UPDATE SET address = EXCLUDED.address
	`
	_, err := s.pool.Exec(ctx, query, addr.AccountID, addr.ContractID, addr.Path, addr.Address)
	if err != nil {
		return fmt.Errorf("failed to put derived address: %w", err)
	}
	return nil
}

func (s *Store) GetDerivedAddress(ctx context.Context, accountID, contractID, path string) (vault.DerivedAddress, error) {
	query := `SELECT account_id, contract_id, path, address FROM derived_addresses WHERE account_id = $1 AND contract_id = $2 AND path = $3`
	var addr vault.DerivedAddress
	err := s.pool.QueryRow(ctx, query, accountID, contractID, path).Scan(&addr.AccountID, &addr.ContractID, &addr.Path, &addr.Address)
	if errors.Is(err, pgx.ErrNoRows) {
		return vault.DerivedAddress{}, vault.ErrDerivedAddressNotFound
	}
	if err != nil {
		return vault.DerivedAddress{}, fmt.Errorf("failed to get derived address: %w", err)
	}
	return addr, nil
}

func (s *Store) GetAppState(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.pool.QueryRow(ctx, `SELECT value FROM app_state WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get app state: %w", err)
	}
	return value, true, nil
}

func (s *Store) PutAppState(ctx context.Context, key string, value []byte) error {
	query := `
		INSERT INTO app_state (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
	`
	_, err := s.pool.Exec(ctx, query, key, value)
	if err != nil {
		return fmt.Errorf("failed to put app state: %w", err)
	}
	return nil
}

func insertAuthenticator(ctx context.Context, tx pgx.Tx, auth vault.AuthenticatorRecord) error {
	query := `
		INSERT INTO authenticators (account_id, credential_id, device_number, public_key_cose, transports, registered_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (account_id, credential_id) DO UPDATE SET public_key_cose = EXCLUDED.public_key_cose, transports = EXCLUDED.transports
	`
	_, err := tx.Exec(ctx, query, auth.AccountID, auth.CredentialID, auth.DeviceNumber, auth.PublicKeyCOSE, auth.Transports, auth.RegisteredAt)
	if err != nil {
		return fmt.Errorf("failed to insert authenticator: %w", err)
	}
	return nil
}

func upsertNearKey(ctx context.Context, tx pgx.Tx, k vault.EncryptedNearKey) error {
	query := `
		INSERT INTO near_keys (account_id, device_number, ciphertext, aead_nonce, wrap_key_salt, kind)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (account_id, device_number) DO UPDATE SET ciphertext = EXCLUDED.ciphertext, aead_nonce = EXCLUDED.aead_nonce, wrap_key_salt = EXCLUDED.wrap_key_salt
	`
	_, err := tx.Exec(ctx, query, k.AccountID, k.DeviceNumber, k.Ciphertext, k.AEADNonce, k.WrapKeySalt, k.Kind)
	if err != nil {
		return fmt.Errorf("failed to store near key: %w", err)
	}
	return nil
}

func upsertThresholdKey(ctx context.Context, tx pgx.Tx, k vault.ThresholdKeyMaterial) error {
	participants, err := json.Marshal(k.Participants)
	if err != nil {
		return fmt.Errorf("failed to encode participants: %w", err)
	}
	query := `
		INSERT INTO threshold_keys (account_id, device_number, kind, group_public_key, wrap_key_salt, relayer_key_id, client_share_derivation, participants, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (account_id, device_number) DO UPDATE SET group_public_key = EXCLUDED.group_public_key, wrap_key_salt = EXCLUDED.wrap_key_salt
	`
	if _, err := tx.Exec(ctx, query, k.AccountID, k.DeviceNumber, k.Kind, k.GroupPublicKey, k.WrapKeySalt, k.RelayerKeyID, k.ClientShareDerivation, participants, k.Timestamp); err != nil {
		return fmt.Errorf("failed to store threshold key: %w", err)
	}
	return nil
}

func scanUser(row pgx.Row) (vault.UserRecord, error) {
	var u vault.UserRecord
	err := row.Scan(&u.AccountID, &u.DeviceNumber, &u.VRFPublicKey, &u.NearPublicKey, &u.EncryptedVrfKeypair, &u.ServerEncryptedVrfKeypair, &u.CreatedAt, &u.LastUpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return vault.UserRecord{}, vault.ErrUserNotFound
	}
	if err != nil {
		return vault.UserRecord{}, fmt.Errorf("failed to scan user: %w", err)
	}
	return u, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

var _ vault.Vault = (*Store)(nil)
