package chain

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3-authn/tatchi/walleterr"
)

func rpcServer(t *testing.T, handler func(method string, params json.RawMessage) (any, *jsonRPCError)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req jsonRPCRequest
		var rawParams json.RawMessage
		req.Params = &rawParams
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		result, rpcErr := handler(req.Method, rawParams)
		resp := jsonRPCResponse{Error: rpcErr}
		if rpcErr == nil {
			b, err := json.Marshal(result)
			require.NoError(t, err)
			resp.Result = b
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestAccessKeyNonceDecodesNonce(t *testing.T) {
	srv := rpcServer(t, func(method string, _ json.RawMessage) (any, *jsonRPCError) {
		assert.Equal(t, "query", method)
		return accessKeyView{Nonce: 42}, nil
	})
	c := New(srv.URL, "wallet.near")
	nonce, err := c.AccessKeyNonce(t.Context(), "alice.near", "ed25519:abc")
	require.NoError(t, err)
	assert.Equal(t, uint64(42), nonce)
}

func TestAccessKeyNonceMissingKeyIsClassified(t *testing.T) {
	srv := rpcServer(t, func(string, json.RawMessage) (any, *jsonRPCError) {
		return nil, &jsonRPCError{Code: -32000, Message: "access key does not exist"}
	})
	c := New(srv.URL, "wallet.near")
	_, err := c.AccessKeyNonce(t.Context(), "alice.near", "ed25519:abc")
	assert.Equal(t, walleterr.AccessKeyNotFound, walleterr.KindOf(err))
}

func TestFinalBlockDecodesHashAndHeight(t *testing.T) {
	srv := rpcServer(t, func(method string, _ json.RawMessage) (any, *jsonRPCError) {
		assert.Equal(t, "block", method)
		return blockView{Header: struct {
			Hash   string `json:"hash"`
			Height uint64 `json:"height"`
		}{Hash: "abc123", Height: 999}}, nil
	})
	c := New(srv.URL, "wallet.near")
	hash, height, err := c.FinalBlock(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "abc123", hash)
	assert.Equal(t, uint64(999), height)
}

func TestSendTransactionCommitDecodesTransactionHash(t *testing.T) {
	srv := rpcServer(t, func(method string, _ json.RawMessage) (any, *jsonRPCError) {
		assert.Equal(t, "broadcast_tx_commit", method)
		return map[string]any{
			"transaction": map[string]any{"hash": "tx-hash-1"},
		}, nil
	})
	c := New(srv.URL, "wallet.near")
	outcome, err := c.SendTransaction(t.Context(), []byte("signed-tx-bytes"), "")
	require.NoError(t, err)
	assert.Equal(t, "tx-hash-1", outcome.TransactionHash)
}

func TestSendTransactionAsyncDecodesHashString(t *testing.T) {
	srv := rpcServer(t, func(method string, _ json.RawMessage) (any, *jsonRPCError) {
		assert.Equal(t, "broadcast_tx_async", method)
		return "tx-hash-2", nil
	})
	c := New(srv.URL, "wallet.near")
	outcome, err := c.SendTransaction(t.Context(), []byte("signed-tx-bytes"), "included")
	require.NoError(t, err)
	assert.Equal(t, "tx-hash-2", outcome.TransactionHash)
}

func TestCheckCanRegisterUserView(t *testing.T) {
	srv := rpcServer(t, func(method string, _ json.RawMessage) (any, *jsonRPCError) {
		resultBytes, _ := json.Marshal(CheckCanRegisterResponse{Verified: true})
		return map[string]any{"result": resultBytes}, nil
	})
	c := New(srv.URL, "wallet.near")
	resp, err := c.CheckCanRegisterUser(t.Context(), CheckCanRegisterRequest{})
	require.NoError(t, err)
	assert.True(t, resp.Verified)
}

func TestGetDeviceLinkingAccountDecodesTuple(t *testing.T) {
	srv := rpcServer(t, func(method string, _ json.RawMessage) (any, *jsonRPCError) {
		accountID, _ := json.Marshal("alice.near")
		counter, _ := json.Marshal(0)
		resultBytes, _ := json.Marshal([]json.RawMessage{accountID, counter})
		return map[string]any{"result": resultBytes}, nil
	})
	c := New(srv.URL, "wallet.near")
	accountID, counter, err := c.GetDeviceLinkingAccount(t.Context(), "ed25519:temp")
	require.NoError(t, err)
	assert.Equal(t, "alice.near", accountID)
	assert.Equal(t, uint64(0), counter)
}

func TestGetVerificationResultNilWhenNotFound(t *testing.T) {
	srv := rpcServer(t, func(method string, _ json.RawMessage) (any, *jsonRPCError) {
		resultBytes, _ := json.Marshal(nil)
		return map[string]any{"result": resultBytes}, nil
	})
	c := New(srv.URL, "wallet.near")
	res, err := c.GetVerificationResult(t.Context(), "req-1")
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestGetRecoveryEmailsDecodesDigests(t *testing.T) {
	var digest [32]byte
	digest[0] = 7
	srv := rpcServer(t, func(method string, _ json.RawMessage) (any, *jsonRPCError) {
		resultBytes, _ := json.Marshal([][]byte{digest[:]})
		return map[string]any{"result": resultBytes}, nil
	})
	c := New(srv.URL, "wallet.near")
	emails, err := c.GetRecoveryEmails(t.Context(), "alice.near")
	require.NoError(t, err)
	require.Len(t, emails, 1)
	assert.Equal(t, digest, emails[0])
}

func TestViewAccessKeyListDecodesKeys(t *testing.T) {
	srv := rpcServer(t, func(method string, _ json.RawMessage) (any, *jsonRPCError) {
		return map[string]any{
			"keys": []AccessKey{{PublicKey: "ed25519:abc"}},
		}, nil
	})
	c := New(srv.URL, "wallet.near")
	keys, err := c.ViewAccessKeyList(t.Context(), "alice.near")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, "ed25519:abc", keys[0].PublicKey)
}

func TestCallRPCUnreachableIsBroadcastRPCError(t *testing.T) {
	c := New("http://127.0.0.1:1", "wallet.near")
	_, _, err := c.FinalBlock(t.Context())
	assert.Equal(t, walleterr.BroadcastRPCError, walleterr.KindOf(err))
}
