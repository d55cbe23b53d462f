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
	"os"
	"regexp"
	"strings"
)

// envVarPattern matches ${VAR} or ${VAR:default}
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

// SubstituteEnvVars replaces ${VAR} or ${VAR:default} with environment variable values
func SubstituteEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		// Extract variable name and default value
		parts := envVarPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultValue := ""
		if len(parts) > 2 {
			defaultValue = parts[2]
		}

		// Get environment variable
		value := os.Getenv(varName)
		if value == "" {
			return defaultValue
		}
		return value
	})
}

// SubstituteEnvVarsInConfig recursively substitutes environment variables in config
func SubstituteEnvVarsInConfig(cfg *Config) {
	if cfg == nil {
		return
	}

	cfg.ContractID = SubstituteEnvVars(cfg.ContractID)
	cfg.NearRPCURL = SubstituteEnvVars(cfg.NearRPCURL)
	cfg.NearNetwork = SubstituteEnvVars(cfg.NearNetwork)

	cfg.Relayer.URL = SubstituteEnvVars(cfg.Relayer.URL)
	cfg.Relayer.EmailRecovery.MailtoAddress = SubstituteEnvVars(cfg.Relayer.EmailRecovery.MailtoAddress)
	cfg.Relayer.EmailRecovery.DKIMVerifierAccountID = SubstituteEnvVars(cfg.Relayer.EmailRecovery.DKIMVerifierAccountID)
	cfg.Relayer.EmailRecovery.VerificationViewMethod = SubstituteEnvVars(cfg.Relayer.EmailRecovery.VerificationViewMethod)

	cfg.VRFWorker.Shamir3Pass.RelayServerURL = SubstituteEnvVars(cfg.VRFWorker.Shamir3Pass.RelayServerURL)

	cfg.Authenticator.ExpectedRPID = SubstituteEnvVars(cfg.Authenticator.ExpectedRPID)
	cfg.Authenticator.OriginPolicy = SubstituteEnvVars(cfg.Authenticator.OriginPolicy)

	cfg.IframeWallet.WalletOrigin = SubstituteEnvVars(cfg.IframeWallet.WalletOrigin)
	cfg.IframeWallet.ExtensionWalletOrigin = SubstituteEnvVars(cfg.IframeWallet.ExtensionWalletOrigin)
	cfg.IframeWallet.SDKBasePath = SubstituteEnvVars(cfg.IframeWallet.SDKBasePath)
	cfg.IframeWallet.RPIDOverride = SubstituteEnvVars(cfg.IframeWallet.RPIDOverride)

	cfg.Vault.FilePath = SubstituteEnvVars(cfg.Vault.FilePath)
	cfg.Vault.Postgres.Host = SubstituteEnvVars(cfg.Vault.Postgres.Host)
	cfg.Vault.Postgres.User = SubstituteEnvVars(cfg.Vault.Postgres.User)
	cfg.Vault.Postgres.Password = SubstituteEnvVars(cfg.Vault.Postgres.Password)
	cfg.Vault.Postgres.Database = SubstituteEnvVars(cfg.Vault.Postgres.Database)

	cfg.Logging.Level = SubstituteEnvVars(cfg.Logging.Level)
	cfg.Logging.Format = SubstituteEnvVars(cfg.Logging.Format)
	cfg.Logging.Output = SubstituteEnvVars(cfg.Logging.Output)

	cfg.Metrics.Addr = SubstituteEnvVars(cfg.Metrics.Addr)
	cfg.Metrics.Path = SubstituteEnvVars(cfg.Metrics.Path)
}

// GetEnvironment returns the current environment from TATCHI_ENV or defaults to development
func GetEnvironment() string {
	env := os.Getenv("TATCHI_ENV")
	if env == "" {
		env = os.Getenv("ENVIRONMENT")
	}
	if env == "" {
		env = "development"
	}
	return strings.ToLower(env)
}

// IsProduction returns true if running in production environment
func IsProduction() bool {
	return GetEnvironment() == "production"
}

// IsDevelopment returns true if running in development or local environment
func IsDevelopment() bool {
	env := GetEnvironment()
	return env == "development" || env == "local"
}
