// SAGE - Secure Agent Guarantee Engine
// Copyright (C) 2025 SAGE-X-project
//
// This file is part of SAGE.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// LoaderOptions configures the configuration loader.
type LoaderOptions struct {
	// ConfigDir is the directory containing config files (default: ./config)
	ConfigDir string
	// Environment overrides automatic environment detection
	Environment string
	// SkipEnvSubstitution disables environment variable substitution
	SkipEnvSubstitution bool
	// SkipValidation disables configuration validation
	SkipValidation bool
}

// DefaultLoaderOptions returns default loader options.
func DefaultLoaderOptions() LoaderOptions {
	return LoaderOptions{
		ConfigDir:           "config",
		Environment:         "",
		SkipEnvSubstitution: false,
		SkipValidation:      false,
	}
}

// Load loads configuration with automatic environment detection. It tries
// "<env>.yaml", then falls back to "default.yaml", then "config.yaml"; if
// none are found it returns a zero-valued config with defaults applied.
func Load(opts ...LoaderOptions) (*Config, error) {
	options := DefaultLoaderOptions()
	if len(opts) > 0 {
		options = opts[0]
	}

	env := options.Environment
	if env == "" {
		env = GetEnvironment()
	}

	candidates := []string{
		filepath.Join(options.ConfigDir, fmt.Sprintf("%s.yaml", env)),
		filepath.Join(options.ConfigDir, "default.yaml"),
		filepath.Join(options.ConfigDir, "config.yaml"),
	}

	var cfg *Config
	for _, path := range candidates {
		c, err := loadConfigFile(path)
		if err == nil {
			cfg = c
			break
		}
	}
	if cfg == nil {
		cfg = &Config{}
	}

	if cfg.Environment == "" {
		cfg.Environment = env
	}

	setDefaults(cfg)

	if !options.SkipEnvSubstitution {
		SubstituteEnvVarsInConfig(cfg)
	}

	applyEnvironmentOverrides(cfg)

	if !options.SkipValidation {
		if errs := Validate(cfg); len(errs) > 0 {
			return nil, fmt.Errorf("configuration validation failed: %s", errs[0])
		}
	}

	return cfg, nil
}

func loadConfigFile(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// SaveToFile saves configuration as YAML to path.
func SaveToFile(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// applyEnvironmentOverrides applies the highest-priority, well-known
// environment variable overrides (distinct from ${VAR} substitution inside
// the YAML file itself).
func applyEnvironmentOverrides(cfg *Config) {
	if rpc := os.Getenv("TATCHI_NEAR_RPC_URL"); rpc != "" {
		cfg.NearRPCURL = rpc
	}
	if contractID := os.Getenv("TATCHI_CONTRACT_ID"); contractID != "" {
		cfg.ContractID = contractID
	}
	if relayURL := os.Getenv("TATCHI_RELAYER_URL"); relayURL != "" {
		cfg.Relayer.URL = relayURL
	}
	if level := os.Getenv("TATCHI_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
}

// setDefaults fills in zero-valued fields with sane defaults.
func setDefaults(cfg *Config) {
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.NearNetwork == "" {
		cfg.NearNetwork = "testnet"
	}
	if cfg.SigningSession.TTL == 0 {
		cfg.SigningSession.TTL = 2 * time.Minute
	}
	if cfg.SigningSession.RemainingUses == 0 {
		cfg.SigningSession.RemainingUses = 1
	}
	if cfg.Authenticator.UserVerification == "" {
		cfg.Authenticator.UserVerification = "preferred"
	}
	if cfg.SignerMode.Mode == "" {
		cfg.SignerMode.Mode = "local-signer"
	}
	if cfg.SignerMode.Behavior == "" {
		cfg.SignerMode.Behavior = "fallback"
	}
	if cfg.WalletTheme == "" {
		cfg.WalletTheme = "dark"
	}
	if cfg.Vault.Backend == "" {
		cfg.Vault.Backend = "file"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Relayer.EmailRecovery.PollingInterval == 0 {
		cfg.Relayer.EmailRecovery.PollingInterval = 5 * time.Second
	}
	if cfg.Relayer.EmailRecovery.MaxPollingDuration == 0 {
		cfg.Relayer.EmailRecovery.MaxPollingDuration = 10 * time.Minute
	}
	if cfg.Relayer.EmailRecovery.PendingTTL == 0 {
		cfg.Relayer.EmailRecovery.PendingTTL = 24 * time.Hour
	}
}

// LoadForEnvironment loads configuration for a specific environment.
func LoadForEnvironment(environment string) (*Config, error) {
	return Load(LoaderOptions{
		ConfigDir:   "config",
		Environment: environment,
	})
}

// MustLoad loads configuration or panics on error.
func MustLoad(opts ...LoaderOptions) *Config {
	cfg, err := Load(opts...)
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}
