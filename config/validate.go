package config

import "fmt"

// Validate checks the configuration for errors that would prevent the SDK
// from operating, returning all violations found.
func Validate(cfg *Config) []string {
	var errs []string

	if cfg.ContractID == "" {
		errs = append(errs, "contract_id is required")
	}
	if cfg.NearRPCURL == "" {
		errs = append(errs, "near_rpc_url is required")
	}
	switch cfg.NearNetwork {
	case "mainnet", "testnet":
	default:
		errs = append(errs, fmt.Sprintf("near_network must be mainnet or testnet, got %q", cfg.NearNetwork))
	}
	if cfg.Relayer.URL == "" {
		errs = append(errs, "relayer.url is required")
	}
	switch cfg.SignerMode.Mode {
	case "local-signer", "threshold-signer":
	default:
		errs = append(errs, fmt.Sprintf("signer_mode must be local-signer or threshold-signer, got %q", cfg.SignerMode.Mode))
	}
	if cfg.SignerMode.Mode == "threshold-signer" {
		switch cfg.SignerMode.Behavior {
		case "strict", "fallback":
		default:
			errs = append(errs, fmt.Sprintf("signer_mode.behavior must be strict or fallback, got %q", cfg.SignerMode.Behavior))
		}
	}
	switch cfg.WalletTheme {
	case "dark", "light":
	default:
		errs = append(errs, fmt.Sprintf("wallet_theme must be dark or light, got %q", cfg.WalletTheme))
	}
	switch cfg.Vault.Backend {
	case "file", "memory", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("vault.backend must be file, memory, or postgres, got %q", cfg.Vault.Backend))
	}
	if cfg.SigningSession.RemainingUses < 0 {
		errs = append(errs, "signing_session_defaults.remaining_uses cannot be negative")
	}

	return errs
}
