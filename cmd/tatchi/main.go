// Command tatchi is a reference harness over the wallet SDK: a small CLI
// that drives the same orchestrator flows (C7) a browser-embedded client
// would, against whatever vault/chain/relay backend a config file points
// at. It exists for manual smoke-testing and CI checks, not as part of the
// SDK's client embedding surface.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mr-tron/base58"
	"github.com/spf13/cobra"

	"github.com/web3-authn/tatchi/chain"
	"github.com/web3-authn/tatchi/config"
	_ "github.com/web3-authn/tatchi/internal/cryptoinit"
	"github.com/web3-authn/tatchi/nonce"
	"github.com/web3-authn/tatchi/orchestrator"
	"github.com/web3-authn/tatchi/pkg/version"
	"github.com/web3-authn/tatchi/relay"
	"github.com/web3-authn/tatchi/signer"
	"github.com/web3-authn/tatchi/vault"
	vaultfile "github.com/web3-authn/tatchi/vault/file"
	vaultmemory "github.com/web3-authn/tatchi/vault/memory"
	vaultpostgres "github.com/web3-authn/tatchi/vault/postgres"
	"github.com/web3-authn/tatchi/vrf"
	"github.com/web3-authn/tatchi/walletclock"
	"github.com/web3-authn/tatchi/webauthn"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:     "tatchi",
	Short:   "tatchi wallet SDK CLI - passkey-derived NEAR account operations",
	Version: version.Short(),
	Long: `tatchi drives the wallet SDK's flow orchestrator from the command line:
registering a passkey-backed NEAR account, unlocking it, signing and
sending transactions, and recovering a device. It is a smoke-testing
harness, not a production wallet frontend.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file (default: config/<env>.yaml, falling back to built-in defaults)")

	// Commands are registered in their respective files:
	// - keygen.go: keygenCmd
	// - register.go: registerCmd
	// - login.go: loginCmd
	// - sign.go: signCmd
	// - recover.go: recoverCmd
	// - status.go: statusCmd
}

// loadConfig resolves the effective configuration for every subcommand:
// an explicit --config file if given, otherwise config.Load's normal
// environment-detected search. An explicit file is pointed at by setting
// ConfigDir/Environment so Load's own "<env>.yaml" candidate resolves to
// exactly that path.
func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.Load()
	}
	base := filepath.Base(configPath)
	env := strings.TrimSuffix(base, filepath.Ext(base))
	return config.Load(config.LoaderOptions{
		ConfigDir:   filepath.Dir(configPath),
		Environment: env,
	})
}

// rootContext is the base context every subcommand's orchestrator call
// runs under; the CLI has no request-scoped cancellation of its own.
func rootContext() context.Context {
	return context.Background()
}

// buildContext wires an orchestrator.Context from cfg, constructing
// whichever vault backend cfg.Vault.Backend names and a real wall clock
// throughout — the same dependency graph orchestrator's tests wire, minus
// the fakes.
func buildContext(cfg *config.Config) (*orchestrator.Context, error) {
	v, err := buildVault(cfg.Vault)
	if err != nil {
		return nil, fmt.Errorf("build vault: %w", err)
	}

	clock := walletclock.System{}
	vrfWorker := vrf.New(clock)
	signerWorker := signer.New(clock, vrfWorker)
	chainClient := chain.New(cfg.NearRPCURL, cfg.ContractID)
	relayClient := relay.New(cfg.Relayer.URL)
	nonceManager := nonce.New(clock)
	webAuthnManager := webauthn.New(cfg.Authenticator.ExpectedRPID)

	return orchestrator.New(v, vrfWorker, signerWorker, chainClient, relayClient, nonceManager, webAuthnManager, clock), nil
}

func buildVault(cfg config.VaultConfig) (vault.Vault, error) {
	switch cfg.Backend {
	case "", "file":
		path := cfg.FilePath
		if path == "" {
			path = "./tatchi-vault"
		}
		return vaultfile.New(path)
	case "memory":
		return vaultmemory.New(), nil
	case "postgres":
		pgCfg := &vaultpostgres.Config{
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			Database: cfg.Postgres.Database,
			SSLMode:  cfg.Postgres.SSLMode,
		}
		return vaultpostgres.NewStore(rootContext(), pgCfg)
	default:
		return nil, fmt.Errorf("unknown vault backend %q", cfg.Backend)
	}
}

// formatNearKey renders raw key bytes in NEAR's ed25519:<base58> notation.
func formatNearKey(raw [32]byte) string {
	return "ed25519:" + base58.Encode(raw[:])
}

// readCredentialFile reads a serialized WebAuthn creation or assertion
// response body from path, the only way this CLI can supply a credential
// since no real platform authenticator ceremony is reachable from a
// terminal.
func readCredentialFile(path string) (webauthn.Credential, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return webauthn.Credential{}, fmt.Errorf("read credential file %s: %w", path, err)
	}
	return webauthn.NewSerializedCredential(raw), nil
}
