package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/web3-authn/tatchi/orchestrator"
	"github.com/web3-authn/tatchi/webauthn"
)

var (
	loginAccountID   string
	loginCredential  string
	loginMintSession bool
	loginRPID        string
	loginUserID      string
	loginBlockHeight uint64
	loginBlockHash   string
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Unlock an account's VRF and NEAR keypairs for this process",
	Long: `Login runs handle_login_unlock_vrf: it first tries a Shamir 3-pass
unlock against the relay, then falls back to unlocking via the supplied
passkey assertion. A successful TouchID-backed unlock also mints a warm
signing session; it lives only in this process's memory and ends when
the command exits ("tatchi sign" runs its own login for that reason).

--credential points at a serialized WebAuthn assertion response JSON
file; it is only read if the Shamir-first unlock attempt does not
succeed, or when --mint-server-session needs an assertion after a
Shamir unlock.`,
	Example: `  tatchi login --account-id alice.testnet --credential assertion.json`,
	RunE:    runLogin,
}

func init() {
	rootCmd.AddCommand(loginCmd)
	loginCmd.Flags().StringVar(&loginAccountID, "account-id", "", "NEAR account id to log in (required)")
	loginCmd.Flags().StringVar(&loginCredential, "credential", "", "path to a serialized WebAuthn assertion response JSON file, used if Shamir unlock is unavailable or --mint-server-session needs an assertion")
	loginCmd.Flags().BoolVar(&loginMintSession, "mint-server-session", false, "also mint a server-session JWT from the relay")
	loginCmd.Flags().StringVar(&loginRPID, "rp-id", "", "relying party id for server-session minting (defaults to configured expected rp id)")
	loginCmd.Flags().StringVar(&loginUserID, "user-id", "", "VRF userId for server-session minting")
	loginCmd.Flags().Uint64Var(&loginBlockHeight, "block-height", 0, "NEAR block height for server-session minting")
	loginCmd.Flags().StringVar(&loginBlockHash, "block-hash", "", "NEAR block hash for server-session minting")
	loginCmd.MarkFlagRequired("account-id")
}

func runLogin(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ctx, err := buildContext(cfg)
	if err != nil {
		return fmt.Errorf("build context: %w", err)
	}

	rpID := loginRPID
	if rpID == "" {
		rpID = cfg.Authenticator.ExpectedRPID
	}

	result, err := ctx.Login(rootContext(), orchestrator.LoginRequest{
		AccountID:                   loginAccountID,
		AssertionProvider:           credentialFileProvider(loginCredential),
		MintServerSession:           loginMintSession,
		RPID:                        rpID,
		UserID:                      loginUserID,
		BlockHeight:                 loginBlockHeight,
		BlockHash:                   loginBlockHash,
		SigningSessionTTL:           cfg.SigningSession.TTL,
		SigningSessionRemainingUses: cfg.SigningSession.RemainingUses,
	})
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

// credentialFileProvider adapts a credential file path into the
// AssertionProvider callback shape Login/LinkDeviceAsDevice1/ThresholdSign share.
// An empty path means no fallback assertion is available, matching a
// caller that wants Shamir-only unlock semantics.
func credentialFileProvider(path string) func(ctx context.Context) (webauthn.Credential, error) {
	if path == "" {
		return nil
	}
	return func(ctx context.Context) (webauthn.Credential, error) {
		return readCredentialFile(path)
	}
}
