package orchestrator

import (
	"context"
	"crypto/rand"
	"fmt"

	"github.com/web3-authn/tatchi/signer"
	"github.com/web3-authn/tatchi/walleterr"
)

// SignMessageRequest is one NEP-413 off-chain message to sign.
type SignMessageRequest struct {
	AccountID string
	Message   string
	Recipient string
	State     *string
}

// SignMessage signs an off-chain message per NEP-413. The 32-byte nonce is
// generated here rather than accepted from the caller, since NEP-413's only
// freshness requirement is that the nonce not repeat, and the signer worker
// itself holds no RNG state across calls.
func (c *Context) SignMessage(ctx context.Context, req SignMessageRequest) (signer.NEP413Result, error) {
	if req.AccountID == "" || req.Message == "" || req.Recipient == "" {
		return signer.NEP413Result{}, walleterr.New(walleterr.ValidationFailed, "sign message requires accountId, message and recipient")
	}

	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return signer.NEP413Result{}, fmt.Errorf("sign message: generate nonce: %w", err)
	}

	result, err := c.SignerWorker.SignNEP413(req.AccountID, req.Message, req.Recipient, nonce, req.State)
	if err != nil {
		return signer.NEP413Result{}, fmt.Errorf("sign message: %w", err)
	}
	return result, nil
}
