package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/web3-authn/tatchi/orchestrator"
)

var (
	registerAccountID    string
	registerDeviceNumber int
	registerUserID       string
	registerBlockHeight  uint64
	registerBlockHash    string
	registerCredential   string
	registerThreshold    bool
)

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Run Registration for a new passkey-backed NEAR account",
	Long: `Register drives the full 8-phase Registration flow: it derives the
device's VRF and NEAR keypairs from the given passkey creation response's
PRF outputs, creates the account through the relay, and writes the
resulting vault rows.

--credential must point at a JSON file holding a serialized WebAuthn
PublicKeyCredential creation response (the same body a browser's
navigator.credentials.create() call would produce), since this CLI has
no platform authenticator of its own to prompt.`,
	Example: `  tatchi register --account-id alice.testnet --user-id alice --credential creation.json`,
	RunE:    runRegister,
}

func init() {
	rootCmd.AddCommand(registerCmd)
	registerCmd.Flags().StringVar(&registerAccountID, "account-id", "", "NEAR account id to register (required)")
	registerCmd.Flags().IntVar(&registerDeviceNumber, "device", 0, "device number for this passkey")
	registerCmd.Flags().StringVar(&registerUserID, "user-id", "", "VRF userId bound into the bootstrap challenge (defaults to account-id)")
	registerCmd.Flags().Uint64Var(&registerBlockHeight, "block-height", 0, "NEAR block height backing the VRF challenge")
	registerCmd.Flags().StringVar(&registerBlockHash, "block-hash", "", "NEAR block hash backing the VRF challenge")
	registerCmd.Flags().StringVar(&registerCredential, "credential", "", "path to a serialized WebAuthn creation response JSON file (required)")
	registerCmd.Flags().BoolVar(&registerThreshold, "threshold", false, "request threshold-Ed25519 key enrollment during registration")
	registerCmd.MarkFlagRequired("account-id")
	registerCmd.MarkFlagRequired("credential")
}

func runRegister(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ctx, err := buildContext(cfg)
	if err != nil {
		return fmt.Errorf("build context: %w", err)
	}

	cred, err := readCredentialFile(registerCredential)
	if err != nil {
		return err
	}

	userID := registerUserID
	if userID == "" {
		userID = registerAccountID
	}
	rpID := cfg.Authenticator.ExpectedRPID

	result, err := ctx.Register(rootContext(), orchestrator.RegisterRequest{
		AccountID:          registerAccountID,
		DeviceNumber:       registerDeviceNumber,
		RPID:               rpID,
		UserID:             userID,
		BlockHeight:        registerBlockHeight,
		BlockHash:          registerBlockHash,
		Credential:         cred,
		ThresholdRequested: registerThreshold,
	})
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}

	out := struct {
		TransactionHash  string `json:"transaction_hash"`
		NearPublicKey    string `json:"near_public_key"`
		VrfPublicKey     string `json:"vrf_public_key"`
		ThresholdEnabled bool   `json:"threshold_enabled"`
	}{
		TransactionHash:  result.TransactionHash,
		NearPublicKey:    formatNearKey(result.NearPublicKey),
		VrfPublicKey:     formatNearKey(result.VrfPublicKey),
		ThresholdEnabled: result.ThresholdEnabled,
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
