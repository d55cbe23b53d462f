package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/web3-authn/tatchi/orchestrator"
	"github.com/web3-authn/tatchi/signer"
)

var (
	signAccountID  string
	signCredential string
	signReceiverID string
	signDeposit    string
	signWaitUntil  string
)

var signCmd = &cobra.Command{
	Use:   "sign",
	Short: "Log in, then sign and send a single NEAR transfer",
	Long: `sign composes Login (to unlock the account's keys and mint a warm
signing session) with ExecuteAction, in one process, since the warm
session Login mints only lives in this process's VRF worker state and
cannot be handed to a later invocation.

Currently only a plain NEAR transfer action is supported; richer action
batches are exercised through the orchestrator package's own tests.`,
	Example: `  tatchi sign --account-id alice.testnet --credential assertion.json \
    --receiver-id bob.testnet --deposit 1000000000000000000000`,
	RunE: runSign,
}

func init() {
	rootCmd.AddCommand(signCmd)
	signCmd.Flags().StringVar(&signAccountID, "account-id", "", "NEAR account id signing the transaction (required)")
	signCmd.Flags().StringVar(&signCredential, "credential", "", "path to a serialized WebAuthn assertion response JSON file (required)")
	signCmd.Flags().StringVar(&signReceiverID, "receiver-id", "", "NEAR account id receiving the transfer (required)")
	signCmd.Flags().StringVar(&signDeposit, "deposit", "0", "yoctoNEAR amount to transfer")
	signCmd.Flags().StringVar(&signWaitUntil, "wait-until", "", "NEAR tx execution wait_until level (e.g. EXECUTED_OPTIMISTIC)")
	signCmd.MarkFlagRequired("account-id")
	signCmd.MarkFlagRequired("credential")
	signCmd.MarkFlagRequired("receiver-id")
}

func runSign(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ctx, err := buildContext(cfg)
	if err != nil {
		return fmt.Errorf("build context: %w", err)
	}

	loginResult, err := ctx.Login(rootContext(), orchestrator.LoginRequest{
		AccountID:                   signAccountID,
		AssertionProvider:           credentialFileProvider(signCredential),
		SigningSessionTTL:           cfg.SigningSession.TTL,
		SigningSessionRemainingUses: cfg.SigningSession.RemainingUses,
	})
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if !loginResult.WarmSessionMinted {
		return fmt.Errorf("login did not mint a warm signing session; the signer worker requires one before it will sign")
	}

	outcome, err := ctx.ExecuteAction(rootContext(), orchestrator.ExecuteActionRequest{
		AccountID:  signAccountID,
		ReceiverID: signReceiverID,
		Actions: []signer.Action{{
			Kind:     signer.ActionTransfer,
			Transfer: &signer.TransferAction{DepositYoctoNear: signDeposit},
		}},
		WaitUntil: signWaitUntil,
	})
	if err != nil {
		return fmt.Errorf("execute action: %w", err)
	}
	if outcome.Err != nil {
		return fmt.Errorf("transaction broadcast: %w", outcome.Err)
	}

	out := struct {
		TransactionHash string `json:"transaction_hash"`
		Nonce           uint64 `json:"nonce"`
	}{
		TransactionHash: outcome.TransactionHash,
		Nonce:           outcome.Nonce,
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
