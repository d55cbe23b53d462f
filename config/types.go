// Package config provides configuration management for the wallet SDK.
package config

import (
	"time"
)

// Config is the top-level SDK configuration, recognized keys per the
// external interface contract.
type Config struct {
	Environment string `yaml:"environment" json:"environment"`

	ContractID  string `yaml:"contract_id" json:"contract_id"`
	NearRPCURL  string `yaml:"near_rpc_url" json:"near_rpc_url"`
	NearNetwork string `yaml:"near_network" json:"near_network"` // mainnet, testnet

	Relayer          RelayerConfig          `yaml:"relayer" json:"relayer"`
	VRFWorker        VRFWorkerConfig        `yaml:"vrf_worker_configs" json:"vrf_worker_configs"`
	SigningSession   SigningSessionConfig   `yaml:"signing_session_defaults" json:"signing_session_defaults"`
	Authenticator    AuthenticatorOptions   `yaml:"authenticator_options" json:"authenticator_options"`
	SignerMode       SignerModeConfig       `yaml:"signer_mode" json:"signer_mode"`
	IframeWallet     IframeWalletConfig     `yaml:"iframe_wallet" json:"iframe_wallet"`
	WalletTheme      string                 `yaml:"wallet_theme" json:"wallet_theme"` // dark, light

	Vault   VaultConfig   `yaml:"vault" json:"vault"`
	Logging LoggingConfig `yaml:"logging" json:"logging"`
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
}

// RelayerConfig configures the relay client (C8) and its email-recovery route.
type RelayerConfig struct {
	URL           string              `yaml:"url" json:"url"`
	EmailRecovery EmailRecoveryConfig `yaml:"email_recovery" json:"email_recovery"`
}

// EmailRecoveryConfig mirrors the `relayer.emailRecovery.*` keys.
type EmailRecoveryConfig struct {
	MinBalanceYocto         string        `yaml:"min_balance_yocto" json:"min_balance_yocto"`
	PollingInterval         time.Duration `yaml:"polling_interval_ms" json:"polling_interval_ms"`
	MaxPollingDuration      time.Duration `yaml:"max_polling_duration_ms" json:"max_polling_duration_ms"`
	PendingTTL              time.Duration `yaml:"pending_ttl_ms" json:"pending_ttl_ms"`
	MailtoAddress           string        `yaml:"mailto_address" json:"mailto_address"`
	DKIMVerifierAccountID   string        `yaml:"dkim_verifier_account_id" json:"dkim_verifier_account_id"`
	VerificationViewMethod  string        `yaml:"verification_view_method" json:"verification_view_method"`
}

// VRFWorkerConfig configures the VRF worker (C2), including Shamir 3-pass.
type VRFWorkerConfig struct {
	Shamir3Pass Shamir3PassConfig `yaml:"shamir3pass" json:"shamir3pass"`
}

// Shamir3PassConfig mirrors `vrfWorkerConfigs.shamir3pass.*`.
type Shamir3PassConfig struct {
	RelayServerURL string `yaml:"relay_server_url" json:"relay_server_url"`
}

// SigningSessionConfig mirrors `signingSessionDefaults.*`.
type SigningSessionConfig struct {
	TTL            time.Duration `yaml:"ttl_ms" json:"ttl_ms"`
	RemainingUses  int           `yaml:"remaining_uses" json:"remaining_uses"`
}

// AuthenticatorOptions mirrors `authenticatorOptions`.
type AuthenticatorOptions struct {
	ExpectedRPID    string `yaml:"expected_rp_id" json:"expected_rp_id"`
	OriginPolicy    string `yaml:"origin_policy" json:"origin_policy"`
	UserVerification string `yaml:"user_verification" json:"user_verification"`
}

// SignerModeConfig mirrors `signerMode`.
type SignerModeConfig struct {
	Mode     string `yaml:"mode" json:"mode"` // local-signer, threshold-signer
	Behavior string `yaml:"behavior" json:"behavior"` // strict, fallback (threshold-signer only)
}

// IframeWalletConfig mirrors `iframeWallet.*`.
type IframeWalletConfig struct {
	WalletOrigin          string `yaml:"wallet_origin" json:"wallet_origin"`
	ExtensionWalletOrigin string `yaml:"extension_wallet_origin" json:"extension_wallet_origin"`
	SDKBasePath           string `yaml:"sdk_base_path" json:"sdk_base_path"`
	RPIDOverride          string `yaml:"rp_id_override" json:"rp_id_override"`
}

// VaultConfig configures the encrypted vault (C4) backend.
type VaultConfig struct {
	Backend  string         `yaml:"backend" json:"backend"` // file, memory, postgres
	FilePath string         `yaml:"file_path" json:"file_path"`
	Postgres PostgresConfig `yaml:"postgres" json:"postgres"`
}

// PostgresConfig configures the pluggable Postgres vault/nonce backend.
type PostgresConfig struct {
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	User     string `yaml:"user" json:"user"`
	Password string `yaml:"password" json:"password"`
	Database string `yaml:"database" json:"database"`
	SSLMode  string `yaml:"ssl_mode" json:"ssl_mode"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`   // debug, info, warn, error
	Format string `yaml:"format" json:"format"` // json, text
	Output string `yaml:"output" json:"output"` // stdout, stderr, file path
}

// MetricsConfig contains Prometheus metrics server configuration.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Addr    string `yaml:"addr" json:"addr"`
	Path    string `yaml:"path" json:"path"`
}
