package chain

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/web3-authn/tatchi/walleterr"
)

// Client is a NEAR JSON-RPC client: one rpcURL, one *http.Client, no
// cached state. It implements nonce.ChainClient (AccessKeyNonce,
// FinalBlock) directly so the nonce manager needs no adapter.
type Client struct {
	rpcURL     string
	contractID string
	httpClient *http.Client
}

// New constructs a Client against rpcURL, scoped to the wallet contract
// at contractID for view calls.
func New(rpcURL, contractID string) *Client {
	return &Client{
		rpcURL:     rpcURL,
		contractID: contractID,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// NewWithHTTPClient constructs a Client with a caller-supplied *http.Client.
func NewWithHTTPClient(rpcURL, contractID string, httpClient *http.Client) *Client {
	return &Client{rpcURL: rpcURL, contractID: contractID, httpClient: httpClient}
}

type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type jsonRPCResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *jsonRPCError   `json:"error,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Name    string `json:"name"`
}

// callRPC POSTs a NEAR JSON-RPC request and returns its raw result.
func (c *Client) callRPC(ctx context.Context, method string, params any) (json.RawMessage, error) {
	reqBody := jsonRPCRequest{JSONRPC: "2.0", ID: "tatchi", Method: method, Params: params}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, walleterr.Wrap(walleterr.BroadcastRPCError, "marshal rpc request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return nil, walleterr.Wrap(walleterr.BroadcastRPCError, "build rpc request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, walleterr.Wrap(walleterr.BroadcastRPCError, fmt.Sprintf("rpc unreachable: %s", method), err)
	}
	defer resp.Body.Close()

	var rpcResp jsonRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, walleterr.Wrap(walleterr.BroadcastRPCError, fmt.Sprintf("decode rpc response: %s", method), err)
	}
	if rpcResp.Error != nil {
		return nil, walleterr.New(walleterr.BroadcastRPCError, fmt.Sprintf("rpc %s: %d %s", method, rpcResp.Error.Code, rpcResp.Error.Message))
	}
	return rpcResp.Result, nil
}

type accessKeyView struct {
	Nonce      uint64 `json:"nonce"`
	Permission any    `json:"permission"`
}

// AccessKeyNonce implements nonce.ChainClient: fetches the current nonce
// of accountID's publicKey access key.
func (c *Client) AccessKeyNonce(ctx context.Context, accountID, publicKey string) (uint64, error) {
	raw, err := c.callRPC(ctx, "query", map[string]any{
		"request_type": "view_access_key",
		"finality":     "final",
		"account_id":   accountID,
		"public_key":   publicKey,
	})
	if err != nil {
		return 0, walleterr.Wrap(walleterr.AccessKeyNotFound, fmt.Sprintf("access key not found for %s", accountID), err)
	}
	var result accessKeyView
	if err := json.Unmarshal(raw, &result); err != nil {
		return 0, walleterr.Wrap(walleterr.AccessKeyNotFound, "decode access key view", err)
	}
	return result.Nonce, nil
}

type accountView struct {
	Amount string `json:"amount"`
}

// AccountBalance returns accountID's total balance in yoctoNEAR, for email
// recovery's "balance >= minBalanceYocto" precondition.
func (c *Client) AccountBalance(ctx context.Context, accountID string) (string, error) {
	raw, err := c.callRPC(ctx, "query", map[string]any{
		"request_type": "view_account",
		"finality":     "final",
		"account_id":   accountID,
	})
	if err != nil {
		return "", err
	}
	var result accountView
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", walleterr.Wrap(walleterr.BroadcastRPCError, "decode account view", err)
	}
	return result.Amount, nil
}

type blockView struct {
	Header struct {
		Hash   string `json:"hash"`
		Height uint64 `json:"height"`
	} `json:"header"`
}

// FinalBlock implements nonce.ChainClient: returns the latest finalized
// block's hash and height.
func (c *Client) FinalBlock(ctx context.Context) (blockHash string, blockHeight uint64, err error) {
	raw, err := c.callRPC(ctx, "block", map[string]any{"finality": "final"})
	if err != nil {
		return "", 0, err
	}
	var result blockView
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", 0, walleterr.Wrap(walleterr.BroadcastRPCError, "decode block view", err)
	}
	return result.Header.Hash, result.Header.Height, nil
}

// ViewAccessKeyList lists every access key currently on accountID, for
// registration's post-broadcast poll ("until expected_public_keys appear").
func (c *Client) ViewAccessKeyList(ctx context.Context, accountID string) ([]AccessKey, error) {
	raw, err := c.callRPC(ctx, "query", map[string]any{
		"request_type": "view_access_key_list",
		"finality":     "final",
		"account_id":   accountID,
	})
	if err != nil {
		return nil, err
	}
	var result struct {
		Keys []AccessKey `json:"keys"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, walleterr.Wrap(walleterr.BroadcastRPCError, "decode access key list", err)
	}
	return result.Keys, nil
}

// BroadcastOutcome is SendTransaction's result.
type BroadcastOutcome struct {
	TransactionHash string
}

// SendTransaction broadcasts a Borsh-encoded SignedTransaction. waitUntil
// selects finality: "included" submits async (broadcast_tx_async); any
// other value (including "") waits for execution
// (broadcast_tx_commit), matching the sequential execution plan's "await
// each waitUntil" requirement.
func (c *Client) SendTransaction(ctx context.Context, signedTxBorsh []byte, waitUntil string) (BroadcastOutcome, error) {
	encoded := base64.StdEncoding.EncodeToString(signedTxBorsh)
	method := "broadcast_tx_commit"
	if waitUntil == "included" {
		method = "broadcast_tx_async"
	}

	raw, err := c.callRPC(ctx, method, []string{encoded})
	if err != nil {
		return BroadcastOutcome{}, err
	}

	if method == "broadcast_tx_async" {
		var hash string
		if err := json.Unmarshal(raw, &hash); err != nil {
			return BroadcastOutcome{}, walleterr.Wrap(walleterr.BroadcastRPCError, "decode async broadcast result", err)
		}
		return BroadcastOutcome{TransactionHash: hash}, nil
	}

	var result struct {
		Transaction struct {
			Hash string `json:"hash"`
		} `json:"transaction"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return BroadcastOutcome{}, walleterr.Wrap(walleterr.BroadcastRPCError, "decode broadcast result", err)
	}
	return BroadcastOutcome{TransactionHash: result.Transaction.Hash}, nil
}

// callView runs a read-only contract view call against c.contractID and
// returns the method's JSON-decoded return value (NEAR views wrap their
// return bytes in a result []byte array that this unpacks first).
func (c *Client) callView(ctx context.Context, methodName string, args any, out any) error {
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return walleterr.Wrap(walleterr.BroadcastRPCError, "marshal view args", err)
	}

	raw, err := c.callRPC(ctx, "query", map[string]any{
		"request_type": "call_function",
		"finality":     "final",
		"account_id":   c.contractID,
		"method_name":  methodName,
		"args_base64":  base64.StdEncoding.EncodeToString(argsJSON),
	})
	if err != nil {
		return err
	}

	var wrapped struct {
		Result []byte `json:"result"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return walleterr.Wrap(walleterr.BroadcastRPCError, fmt.Sprintf("decode view envelope: %s", methodName), err)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(wrapped.Result, out); err != nil {
		return walleterr.Wrap(walleterr.BroadcastRPCError, fmt.Sprintf("decode view result: %s", methodName), err)
	}
	return nil
}

// CheckCanRegisterUser runs the check_can_register_user view ahead of
// account creation.
func (c *Client) CheckCanRegisterUser(ctx context.Context, req CheckCanRegisterRequest) (CheckCanRegisterResponse, error) {
	var out CheckCanRegisterResponse
	err := c.callView(ctx, "check_can_register_user", req, &out)
	return out, err
}

// GetCredentialIDsByAccount runs get_credential_ids_by_account, the
// prompt-free discovery path in account sync/recovery.
func (c *Client) GetCredentialIDsByAccount(ctx context.Context, accountID string) ([]string, error) {
	var out []string
	err := c.callView(ctx, "get_credential_ids_by_account", map[string]any{"account_id": accountID}, &out)
	return out, err
}

// GetDeviceLinkingAccount runs get_device_linking_account, polled by
// Device2 during link-device until the temporary key resolves.
func (c *Client) GetDeviceLinkingAccount(ctx context.Context, devicePublicKey string) (accountID string, counter uint64, err error) {
	var out []json.RawMessage
	if err := c.callView(ctx, "get_device_linking_account", map[string]any{"device_public_key": devicePublicKey}, &out); err != nil {
		return "", 0, err
	}
	if len(out) != 2 {
		return "", 0, walleterr.New(walleterr.ActionError, "get_device_linking_account: unexpected response shape")
	}
	if err := json.Unmarshal(out[0], &accountID); err != nil {
		return "", 0, walleterr.Wrap(walleterr.ActionError, "decode device linking account id", err)
	}
	if err := json.Unmarshal(out[1], &counter); err != nil {
		return "", 0, walleterr.Wrap(walleterr.ActionError, "decode device linking counter", err)
	}
	return accountID, counter, nil
}

// GetAuthenticatorsByUser runs get_authenticators_by_user, used to sync
// authenticators from chain during account recovery.
func (c *Client) GetAuthenticatorsByUser(ctx context.Context, userID string) ([]ContractStoredAuthenticator, error) {
	var out []ContractStoredAuthenticator
	err := c.callView(ctx, "get_authenticators_by_user", map[string]any{"user_id": userID}, &out)
	return out, err
}

// GetRecoveryEmails runs get_recovery_emails, returning the account's
// stored recovery-email commitments as 32-byte digests.
func (c *Client) GetRecoveryEmails(ctx context.Context, accountID string) ([][32]byte, error) {
	var raw [][]byte
	if err := c.callView(ctx, "get_recovery_emails", map[string]any{"account_id": accountID}, &raw); err != nil {
		return nil, err
	}
	out := make([][32]byte, 0, len(raw))
	for _, r := range raw {
		if len(r) != 32 {
			return nil, walleterr.New(walleterr.ActionError, "get_recovery_emails: digest is not 32 bytes")
		}
		var digest [32]byte
		copy(digest[:], r)
		out = append(out, digest)
	}
	return out, nil
}

// GetRecoveryAttempt runs get_recovery_attempt; a nil *RecoveryAttempt
// means the request id is not (or no longer) tracked on-chain.
func (c *Client) GetRecoveryAttempt(ctx context.Context, requestID string) (*RecoveryAttempt, error) {
	var out *RecoveryAttempt
	err := c.callView(ctx, "get_recovery_attempt", map[string]any{"request_id": requestID}, &out)
	return out, err
}

// GetVerificationResult runs get_verification_result, polled by email
// recovery's finalize phase.
func (c *Client) GetVerificationResult(ctx context.Context, requestID string) (*VerificationResult, error) {
	var out *VerificationResult
	err := c.callView(ctx, "get_verification_result", map[string]any{"request_id": requestID}, &out)
	return out, err
}
