package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/mr-tron/base58"

	"github.com/web3-authn/tatchi/nonce"
	"github.com/web3-authn/tatchi/signer"
	"github.com/web3-authn/tatchi/walleterr"
)

// defaultStaggerDelay is parallelStaggered's per-item delay when the
// caller doesn't override it.
const defaultStaggerDelay = 75 * time.Millisecond

// ExecutionPlan selects how SignAndSendTransactions broadcasts a batch.
type ExecutionPlan string

const (
	// PlanSequential broadcasts in order; the (i+1)th broadcast starts
	// strictly after the i'th resolves.
	PlanSequential ExecutionPlan = "sequential"
	// PlanParallelStaggered broadcasts concurrently, starting the i'th
	// broadcast at t0 + i*StaggerDelay; broadcasts may resolve out of order.
	PlanParallelStaggered ExecutionPlan = "parallelStaggered"
)

// PendingTransaction is one not-yet-signed transaction in a
// SignAndSendTransactions batch.
type PendingTransaction struct {
	ReceiverID string
	Actions    []signer.Action
}

// TransactionOutcome is one broadcast's result. Nonce lets a caller driving
// a parallelStaggered batch (which may resolve out of order) match an
// outcome back to the input it came from.
type TransactionOutcome struct {
	TransactionHash string
	Nonce           uint64
	Err             error
}

// ExecuteActionRequest is a single action, signed and sent in one call.
type ExecuteActionRequest struct {
	AccountID  string
	ReceiverID string
	Actions    []signer.Action
	WaitUntil  string
}

// ExecuteAction composes sign_transactions_with_actions + send_transaction
// for exactly one transaction.
func (c *Context) ExecuteAction(ctx context.Context, req ExecuteActionRequest) (TransactionOutcome, error) {
	outcomes, err := c.SignAndSendTransactions(ctx, SignAndSendTransactionsRequest{
		AccountID: req.AccountID,
		Batch:     []PendingTransaction{{ReceiverID: req.ReceiverID, Actions: req.Actions}},
		Plan:      PlanSequential,
		WaitUntil: req.WaitUntil,
	})
	if err != nil {
		return TransactionOutcome{}, err
	}
	if outcomes[0].Err != nil {
		return outcomes[0], outcomes[0].Err
	}
	return outcomes[0], nil
}

// SignAndSendTransactionsRequest is a multi-transaction sign-and-broadcast
// batch.
type SignAndSendTransactionsRequest struct {
	AccountID    string
	Batch        []PendingTransaction
	Plan         ExecutionPlan
	WaitUntil    string
	StaggerDelay time.Duration // PlanParallelStaggered only; 0 uses defaultStaggerDelay
}

// SignAndSendTransactions signs req.Batch with one prompt — one warm
// signing session use covers the whole batch, the same "one prompt, one
// batch" path link-device's AddKey/mapping pair already uses — and
// broadcasts it per req.Plan. Nonces are reserved strictly monotonically
// in caller-provided order regardless of plan. Each transaction's
// broadcast failure is reported on its own TransactionOutcome rather than
// aborting the batch; callers must never call ReleaseNonce or
// UpdateNonceFromBlockchain themselves, since sendTransaction owns that
// reconciliation.
func (c *Context) SignAndSendTransactions(ctx context.Context, req SignAndSendTransactionsRequest) (outcomes []TransactionOutcome, err error) {
	defer func() { c.logFlowOutcome("sign_and_send_transactions", req.AccountID, err) }()

	if len(req.Batch) == 0 {
		return nil, walleterr.New(walleterr.ValidationFailed, "sign and send transactions requires at least one transaction")
	}

	ownPublicKey, err := c.SignerWorker.ActivePublicKey(req.AccountID)
	if err != nil {
		return nil, fmt.Errorf("sign and send transactions: no active signing key for %s: %w", req.AccountID, err)
	}
	c.NonceManager.InitializeUser(req.AccountID, "ed25519:"+base58.Encode(ownPublicKey[:]))

	txs := make([]signer.Transaction, len(req.Batch))
	nonces := make([]uint64, len(req.Batch))
	for i, item := range req.Batch {
		nb, err := c.NonceManager.GetNonceBlockHashAndHeight(ctx, c.ChainClient, nonce.NonceAndBlockOptions{})
		if err != nil {
			for _, n := range nonces[:i] {
				c.NonceManager.ReleaseNonce(n)
			}
			return nil, fmt.Errorf("sign and send transactions: reserve nonce: %w", err)
		}
		blockHashArr, err := decodeBlockHash(nb.TxBlockHash)
		if err != nil {
			c.NonceManager.ReleaseNonce(nb.NextNonce)
			for _, n := range nonces[:i] {
				c.NonceManager.ReleaseNonce(n)
			}
			return nil, fmt.Errorf("sign and send transactions: decode block hash: %w", err)
		}
		nonces[i] = nb.NextNonce
		txs[i] = signer.Transaction{
			SignerID:   req.AccountID,
			PublicKey:  ownPublicKey,
			Nonce:      nb.NextNonce,
			ReceiverID: item.ReceiverID,
			BlockHash:  blockHashArr,
			Actions:    item.Actions,
		}
	}

	signed, err := c.SignerWorker.SignTransactionsWithActions(ctx, req.AccountID, txs)
	if err != nil {
		for _, n := range nonces {
			c.NonceManager.ReleaseNonce(n)
		}
		return nil, fmt.Errorf("sign and send transactions: sign batch: %w", err)
	}

	if req.Plan == PlanParallelStaggered {
		return c.sendParallelStaggered(ctx, signed, nonces, req.WaitUntil, req.StaggerDelay), nil
	}
	return c.sendSequential(ctx, signed, nonces, req.WaitUntil), nil
}

// sendSequential broadcasts signed[i+1] only after signed[i] resolves.
func (c *Context) sendSequential(ctx context.Context, signed []signer.SignedTransaction, nonces []uint64, waitUntil string) []TransactionOutcome {
	outcomes := make([]TransactionOutcome, len(signed))
	for i, tx := range signed {
		outcomes[i] = c.sendTransaction(ctx, tx, nonces[i], waitUntil)
	}
	return outcomes
}

// sendParallelStaggered starts the i'th broadcast at t0 + i*stagger; each
// goroutine owns a distinct outcomes[i] slot, so broadcasts may resolve out
// of order without racing each other.
func (c *Context) sendParallelStaggered(ctx context.Context, signed []signer.SignedTransaction, nonces []uint64, waitUntil string, stagger time.Duration) []TransactionOutcome {
	if stagger <= 0 {
		stagger = defaultStaggerDelay
	}
	outcomes := make([]TransactionOutcome, len(signed))
	done := make(chan struct{}, len(signed))
	for i, tx := range signed {
		i, tx := i, tx
		go func() {
			defer func() { done <- struct{}{} }()
			if i > 0 {
				if err := c.Clock.Sleep(ctx, time.Duration(i)*stagger); err != nil {
					c.NonceManager.ReleaseNonce(nonces[i])
					outcomes[i] = TransactionOutcome{Nonce: nonces[i], Err: err}
					return
				}
			}
			outcomes[i] = c.sendTransaction(ctx, tx, nonces[i], waitUntil)
		}()
	}
	for range signed {
		<-done
	}
	return outcomes
}

// sendTransaction implements send_transaction's invariant: broadcast, then
// exactly one of update_nonce_from_blockchain (on success) or release_nonce
// (on failure) — never both, never neither. Reconciliation never fails in
// a way the caller needs to react to, so it runs inline as "fire and
// forget" rather than via a tracked goroutine, matching the broadcasts in
// link-device's AddKey/mapping pair.
func (c *Context) sendTransaction(ctx context.Context, tx signer.SignedTransaction, n uint64, waitUntil string) TransactionOutcome {
	borsh, err := signer.EncodeSignedTransaction(tx)
	if err != nil {
		c.NonceManager.ReleaseNonce(n)
		return TransactionOutcome{Nonce: n, Err: fmt.Errorf("send transaction: encode: %w", err)}
	}
	outcome, err := c.ChainClient.SendTransaction(ctx, borsh, waitUntil)
	if err != nil {
		c.NonceManager.ReleaseNonce(n)
		return TransactionOutcome{Nonce: n, Err: fmt.Errorf("send transaction: broadcast: %w", err)}
	}
	c.NonceManager.UpdateNonceFromBlockchain(ctx, c.ChainClient, n)
	return TransactionOutcome{TransactionHash: outcome.TransactionHash, Nonce: n}
}
