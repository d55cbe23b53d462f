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
	recoverAccountID  string
	recoverCredential string
)

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Re-derive and restore a device's keys from a passkey assertion",
	Long: `recover runs Account Sync/Recovery: it re-derives the VRF and NEAR
keypairs for whichever device the given passkey assertion belongs to,
confirms the derived key is actually on the account's on-chain access-key
list, and restores only that device's vault rows.

--account-id may be omitted; Recover then infers the account from the
assertion's userHandle.`,
	Example: `  tatchi recover --credential assertion.json
  tatchi recover --account-id alice.testnet --credential assertion.json`,
	RunE: runRecover,
}

func init() {
	rootCmd.AddCommand(recoverCmd)
	recoverCmd.Flags().StringVar(&recoverAccountID, "account-id", "", "NEAR account id hint (optional; inferred from the credential if omitted)")
	recoverCmd.Flags().StringVar(&recoverCredential, "credential", "", "path to a serialized WebAuthn assertion response JSON file (required)")
	recoverCmd.MarkFlagRequired("credential")
}

func runRecover(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ctx, err := buildContext(cfg)
	if err != nil {
		return fmt.Errorf("build context: %w", err)
	}

	result, err := ctx.Recover(rootContext(), orchestrator.RecoverRequest{
		AccountID: recoverAccountID,
		AssertionProvider: func(ctx context.Context, accountIDHint string) (webauthn.Credential, error) {
			return readCredentialFile(recoverCredential)
		},
	})
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}

	out := struct {
		AccountID     string `json:"account_id"`
		DeviceNumber  int    `json:"device_number"`
		NearPublicKey string `json:"near_public_key"`
		VrfPublicKey  string `json:"vrf_public_key"`
	}{
		AccountID:     result.AccountID,
		DeviceNumber:  result.DeviceNumber,
		NearPublicKey: formatNearKey(result.NearPublicKey),
		VrfPublicKey:  formatNearKey(result.VrfPublicKey),
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
