package relay

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3-authn/tatchi/walleterr"
)

func newTestServer(t *testing.T, path string, status int, body any) (*httptest.Server, *Client) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, path, r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		require.NoError(t, json.NewEncoder(w).Encode(body))
	}))
	t.Cleanup(srv.Close)
	return srv, New(srv.URL)
}

func TestCreateAccountAndRegisterUserSuccess(t *testing.T) {
	_, c := newTestServer(t, "/create_account_and_register_user", http.StatusOK, CreateAccountResponse{
		Success:         true,
		TransactionHash: "tx-1",
	})
	resp, err := c.CreateAccountAndRegisterUser(t.Context(), CreateAccountRequest{NewAccountID: "alice.near"})
	require.NoError(t, err)
	assert.Equal(t, "tx-1", resp.TransactionHash)
}

func TestCreateAccountAndRegisterUserFailureSurfacesKind(t *testing.T) {
	_, c := newTestServer(t, "/create_account_and_register_user", http.StatusOK, CreateAccountResponse{Success: false})
	_, err := c.CreateAccountAndRegisterUser(t.Context(), CreateAccountRequest{NewAccountID: "alice.near"})
	assert.Equal(t, walleterr.RegistrationOnchainMismatch, walleterr.KindOf(err))
}

func TestCreateAccountAndRegisterUserHTTPErrorStatus(t *testing.T) {
	_, c := newTestServer(t, "/create_account_and_register_user", http.StatusInternalServerError, map[string]string{"error": "boom"})
	_, err := c.CreateAccountAndRegisterUser(t.Context(), CreateAccountRequest{NewAccountID: "alice.near"})
	assert.Equal(t, walleterr.RelayHTTPError, walleterr.KindOf(err))
}

func TestVerifyAuthenticationResponseRejected(t *testing.T) {
	_, c := newTestServer(t, "/verify-authentication-response", http.StatusOK, VerifyAuthenticationResponse{Verified: false})
	_, err := c.VerifyAuthenticationResponse(t.Context(), VerifyAuthenticationRequest{AccountID: "alice.near"})
	assert.Equal(t, walleterr.RelayVerificationFailed, walleterr.KindOf(err))
}

func TestThresholdKeygenReturnsParticipants(t *testing.T) {
	_, c := newTestServer(t, "/threshold-ed25519/keygen", http.StatusOK, ThresholdKeygenResponse{
		RelayerKeyID:   "key-1",
		ParticipantIDs: []string{"client", "relay"},
	})
	resp, err := c.ThresholdKeygen(t.Context(), ThresholdKeygenRequest{AccountID: "alice.near"})
	require.NoError(t, err)
	assert.Equal(t, []string{"client", "relay"}, resp.ParticipantIDs)
}

func TestThresholdAuthorizeReturnsSessionID(t *testing.T) {
	_, c := newTestServer(t, "/threshold-ed25519/authorize", http.StatusOK, ThresholdAuthorizeResponse{MPCSessionID: "sess-1"})
	resp, err := c.ThresholdAuthorize(t.Context(), ThresholdAuthorizeRequest{SigningDigest32: "deadbeef"})
	require.NoError(t, err)
	assert.Equal(t, "sess-1", resp.MPCSessionID)
}

func TestShamirEncryptRoundDecodesResult(t *testing.T) {
	want := []byte("thirty-two-byte-group-element!!")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/shamir3pass/encrypt", r.URL.Path)
		var req shamirRoundRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.NotEmpty(t, req.Masked)
		assert.Empty(t, req.ServerKeyID)
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(shamirRoundResponse{
			Result:      base64.RawURLEncoding.EncodeToString(want),
			ServerKeyID: "epoch-1",
		}))
	}))
	defer srv.Close()

	c := New(srv.URL)
	result, keyID, err := c.ShamirEncryptRound(t.Context(), []byte("masked-value"))
	require.NoError(t, err)
	assert.Equal(t, want, result)
	assert.Equal(t, "epoch-1", keyID)
}

func TestShamirUnlockRoundSendsServerKeyID(t *testing.T) {
	want := []byte("recovered-masking-element-bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/shamir3pass/unlock", r.URL.Path)
		var req shamirRoundRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "epoch-1", req.ServerKeyID)
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(shamirRoundResponse{
			Result: base64.RawURLEncoding.EncodeToString(want),
		}))
	}))
	defer srv.Close()

	c := New(srv.URL)
	result, err := c.ShamirUnlockRound(t.Context(), []byte("masked-value"), "epoch-1")
	require.NoError(t, err)
	assert.Equal(t, want, result)
}

func TestUnreachableRelayIsClassifiedUnavailable(t *testing.T) {
	c := New("http://127.0.0.1:1")
	_, err := c.ThresholdKeygen(t.Context(), ThresholdKeygenRequest{AccountID: "alice.near"})
	assert.Equal(t, walleterr.RelayUnavailable, walleterr.KindOf(err))
}
