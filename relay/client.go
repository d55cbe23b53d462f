package relay

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/web3-authn/tatchi/walleterr"
)

// Client is the relay's HTTP transport: one baseURL, one *http.Client,
// shared across every route. It implements vrf.ShamirRelay directly so
// C2's Shamir auto-unlock path needs no adapter.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New constructs a Client against baseURL with a default 30s timeout.
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// NewWithHTTPClient constructs a Client with a caller-supplied *http.Client,
// for tests and for callers that need custom transports, retries, or TLS
// configuration.
func NewWithHTTPClient(baseURL string, httpClient *http.Client) *Client {
	return &Client{baseURL: baseURL, httpClient: httpClient}
}

// do POSTs body as JSON to path and decodes the JSON response into out.
// Any status other than 200 OK is classified as walleterr.RelayHTTPError; a transport
// failure (no response at all) is classified as walleterr.RelayUnavailable,
// since the caller (e.g. the Shamir fallback in C7) needs to tell "the
// relay answered and refused" apart from "the relay could not be reached".
func (c *Client) do(ctx context.Context, path string, body, out any) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return walleterr.Wrap(walleterr.RelayHTTPError, "marshal relay request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(jsonBody))
	if err != nil {
		return walleterr.Wrap(walleterr.RelayHTTPError, "build relay request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return walleterr.Wrap(walleterr.RelayUnavailable, fmt.Sprintf("relay unreachable: %s", path), err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return walleterr.Wrap(walleterr.RelayHTTPError, "read relay response", err)
	}

	if resp.StatusCode != http.StatusOK {
		return walleterr.New(walleterr.RelayHTTPError, fmt.Sprintf("relay %s: HTTP %d: %s", path, resp.StatusCode, string(respBody)))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return walleterr.Wrap(walleterr.RelayHTTPError, fmt.Sprintf("decode relay response: %s", path), err)
	}
	return nil
}

// CreateAccountAndRegisterUser atomically creates the account, adds the
// access key, and stores the authenticator.
func (c *Client) CreateAccountAndRegisterUser(ctx context.Context, req CreateAccountRequest) (CreateAccountResponse, error) {
	var resp CreateAccountResponse
	if err := c.do(ctx, "/create_account_and_register_user", req, &resp); err != nil {
		return CreateAccountResponse{}, err
	}
	if !resp.Success {
		return resp, walleterr.New(walleterr.RegistrationOnchainMismatch, "relay reported account creation failure")
	}
	return resp, nil
}

// VerifyAuthenticationResponse mints an optional server session: a JWT
// when the caller asked for SessionKindJWT, or an HttpOnly cookie the
// configured *http.Client's cookie jar (if any) already absorbed.
func (c *Client) VerifyAuthenticationResponse(ctx context.Context, req VerifyAuthenticationRequest) (VerifyAuthenticationResponse, error) {
	var resp VerifyAuthenticationResponse
	if err := c.do(ctx, "/verify-authentication-response", req, &resp); err != nil {
		return VerifyAuthenticationResponse{}, err
	}
	if !resp.Verified {
		return resp, walleterr.New(walleterr.RelayVerificationFailed, "relay rejected authentication response")
	}
	return resp, nil
}

// ThresholdKeygen runs 2-party FROST-style keygen for accountID's device.
func (c *Client) ThresholdKeygen(ctx context.Context, req ThresholdKeygenRequest) (ThresholdKeygenResponse, error) {
	var resp ThresholdKeygenResponse
	err := c.do(ctx, "/threshold-ed25519/keygen", req, &resp)
	return resp, err
}

// ThresholdAuthorize binds signingDigest32 to a VRF-authorized intent
// digest ahead of one MPC signing round.
func (c *Client) ThresholdAuthorize(ctx context.Context, req ThresholdAuthorizeRequest) (ThresholdAuthorizeResponse, error) {
	var resp ThresholdAuthorizeResponse
	err := c.do(ctx, "/threshold-ed25519/authorize", req, &resp)
	return resp, err
}

// ShamirEncryptRound implements vrf.ShamirRelay: sends masked = M^c and
// returns M^(c·s) plus the relay's current serverKeyId.
func (c *Client) ShamirEncryptRound(ctx context.Context, masked []byte) (result []byte, serverKeyID string, err error) {
	req := shamirRoundRequest{Masked: base64.RawURLEncoding.EncodeToString(masked)}
	var resp shamirRoundResponse
	if err := c.do(ctx, "/shamir3pass/encrypt", req, &resp); err != nil {
		return nil, "", err
	}
	decoded, err := base64.RawURLEncoding.DecodeString(resp.Result)
	if err != nil {
		return nil, "", walleterr.Wrap(walleterr.RelayHTTPError, "decode shamir encrypt result", err)
	}
	return decoded, resp.ServerKeyID, nil
}

// ShamirUnlockRound implements vrf.ShamirRelay: sends masked = (M^s)^c'
// scoped to serverKeyID and returns M^c'.
func (c *Client) ShamirUnlockRound(ctx context.Context, masked []byte, serverKeyID string) (result []byte, err error) {
	req := shamirRoundRequest{Masked: base64.RawURLEncoding.EncodeToString(masked), ServerKeyID: serverKeyID}
	var resp shamirRoundResponse
	if err := c.do(ctx, "/shamir3pass/unlock", req, &resp); err != nil {
		return nil, err
	}
	decoded, err := base64.RawURLEncoding.DecodeString(resp.Result)
	if err != nil {
		return nil, walleterr.Wrap(walleterr.RelayHTTPError, "decode shamir unlock result", err)
	}
	return decoded, nil
}
