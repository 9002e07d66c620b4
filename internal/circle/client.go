// Package circle is the REST client for the custodial wallet provider's
// user-controlled wallet API.
package circle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/starcpay/stream_engine/pkg/logger"
)

const (
	// CodeAlreadyInitialized is the provider error code returned when the
	// user account was initialised by a previous session. It routes the
	// caller to wallet lookup instead of challenge execution.
	CodeAlreadyInitialized = 155106

	defaultBaseURL = "https://api.circle.com"
)

// ErrAlreadyInitialized reports the duplicate-account provider code.
var ErrAlreadyInitialized = errors.New("circle: user already initialized")

// APIError is a structured provider rejection.
type APIError struct {
	Status  int
	Code    int64
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("circle: http %d code %d: %s", e.Status, e.Code, e.Message)
}

// Config holds client configuration.
type Config struct {
	BaseURL    string
	APIKey     string
	Blockchain string // provider chain identifier, e.g. "ARC-TESTNET"
	Timeout    time.Duration
	// RequestsPerSecond caps outbound provider traffic. Zero disables
	// limiting.
	RequestsPerSecond float64
}

// Client talks to the provider API. All methods are safe for concurrent use.
type Client struct {
	baseURL    string
	apiKey     string
	blockchain string
	httpClient *http.Client
	limiter    *rate.Limiter
	log        *logger.Logger
}

// NewClient creates a provider client.
func NewClient(cfg Config, log *logger.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key required")
	}
	if log == nil {
		log = logger.NewDefault("circle")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	return &Client{
		baseURL:    baseURL,
		apiKey:     cfg.APIKey,
		blockchain: cfg.Blockchain,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    limiter,
		log:        log,
	}, nil
}

// do performs a provider request and returns the `data` payload.
func (c *Client) do(ctx context.Context, method, path, userToken string, body any) (gjson.Result, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return gjson.Result{}, err
		}
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return gjson.Result{}, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if userToken != "" {
		req.Header.Set("X-User-Token", userToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("read response: %w", err)
	}
	parsed := gjson.ParseBytes(raw)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{
			Status:  resp.StatusCode,
			Code:    parsed.Get("code").Int(),
			Message: parsed.Get("message").String(),
		}
		if apiErr.Message == "" {
			apiErr.Message = parsed.Get("error").String()
		}
		if apiErr.Code == CodeAlreadyInitialized {
			return gjson.Result{}, fmt.Errorf("%w: %s", ErrAlreadyInitialized, apiErr.Message)
		}
		return gjson.Result{}, apiErr
	}

	return parsed.Get("data"), nil
}

// CreateDeviceToken requests a device credential for a device identity.
func (c *Client) CreateDeviceToken(ctx context.Context, deviceID string) (DeviceToken, error) {
	if deviceID == "" {
		return DeviceToken{}, fmt.Errorf("device id required")
	}

	data, err := c.do(ctx, http.MethodPost, "/v1/w3s/users/social/token", "", map[string]any{
		"idempotencyKey": uuid.NewString(),
		"deviceId":       deviceID,
	})
	if err != nil {
		return DeviceToken{}, fmt.Errorf("create device token: %w", err)
	}

	token := DeviceToken{
		Token:         data.Get("deviceToken").String(),
		EncryptionKey: data.Get("deviceEncryptionKey").String(),
	}
	if token.Token == "" {
		return DeviceToken{}, fmt.Errorf("create device token: empty token in response")
	}
	return token, nil
}

// InitializeUser provisions the user account and returns the wallet-creation
// challenge. ErrAlreadyInitialized means the caller should go straight to
// ListWallets.
func (c *Client) InitializeUser(ctx context.Context, userToken string) (string, error) {
	data, err := c.do(ctx, http.MethodPost, "/v1/w3s/user/initialize", userToken, map[string]any{
		"idempotencyKey": uuid.NewString(),
		"accountType":    "SCA",
		"blockchains":    []string{c.blockchain},
	})
	if err != nil {
		return "", fmt.Errorf("initialize user: %w", err)
	}

	challengeID := data.Get("challengeId").String()
	if challengeID == "" {
		return "", fmt.Errorf("initialize user: no challenge id in response")
	}
	return challengeID, nil
}

// ListWallets returns the wallets provisioned for the user.
func (c *Client) ListWallets(ctx context.Context, userToken string) ([]Wallet, error) {
	data, err := c.do(ctx, http.MethodGet, "/v1/w3s/wallets", userToken, nil)
	if err != nil {
		return nil, fmt.Errorf("list wallets: %w", err)
	}

	var wallets []Wallet
	data.Get("wallets").ForEach(func(_, value gjson.Result) bool {
		wallets = append(wallets, Wallet{
			ID:         value.Get("id").String(),
			Address:    value.Get("address").String(),
			Blockchain: value.Get("blockchain").String(),
		})
		return true
	})
	return wallets, nil
}

// ContractExecution submits a state-changing contract call for signing and
// returns the challenge id the user must approve. Each call carries a fresh
// idempotency key: retrying a logical action is a new submission, the key
// only deduplicates provider-side replays of this attempt.
func (c *Client) ContractExecution(ctx context.Context, userToken string, req ExecutionRequest) (string, error) {
	if req.WalletID == "" || req.ContractAddress == "" {
		return "", fmt.Errorf("wallet id and contract address required")
	}
	if req.CallData == "" && req.ABIFunctionSignature == "" {
		return "", fmt.Errorf("call data or abi function signature required")
	}

	body := map[string]any{
		"idempotencyKey":  uuid.NewString(),
		"walletId":        req.WalletID,
		"contractAddress": req.ContractAddress,
		"feeLevel":        req.feeLevelOrDefault(),
	}
	// callData and abiFunctionSignature are mutually exclusive.
	if req.CallData != "" {
		body["callData"] = req.CallData
	} else {
		body["abiFunctionSignature"] = req.ABIFunctionSignature
		body["abiParameters"] = req.ABIParameters
	}
	if req.Amount != "" {
		body["amount"] = req.Amount
	}

	data, err := c.do(ctx, http.MethodPost, "/v1/w3s/user/transactions/contractExecution", userToken, body)
	if err != nil {
		return "", fmt.Errorf("contract execution: %w", err)
	}

	challengeID := data.Get("challengeId").String()
	if challengeID == "" {
		return "", fmt.Errorf("contract execution: no challenge id in response")
	}
	return challengeID, nil
}

// QueryContract performs a read-only contract call and returns the decoded
// positional output values as strings.
func (c *Client) QueryContract(ctx context.Context, req QueryRequest) ([]string, error) {
	if req.Address == "" || req.ABIFunctionSignature == "" {
		return nil, fmt.Errorf("address and abi function signature required")
	}

	body := map[string]any{
		"address":              req.Address,
		"blockchain":           c.blockchain,
		"abiFunctionSignature": req.ABIFunctionSignature,
		"abiParameters":        req.abiParametersOrEmpty(),
	}
	if req.ABIJSON != "" {
		body["abiJson"] = req.ABIJSON
	}

	data, err := c.do(ctx, http.MethodPost, "/v1/w3s/contracts/query", "", body)
	if err != nil {
		return nil, fmt.Errorf("query contract: %w", err)
	}

	var values []string
	data.Get("outputValues").ForEach(func(_, value gjson.Result) bool {
		values = append(values, value.String())
		return true
	})
	return values, nil
}

// WalletBalances returns the token balances of a wallet.
func (c *Client) WalletBalances(ctx context.Context, userToken, walletID string) ([]TokenBalance, error) {
	if walletID == "" {
		return nil, fmt.Errorf("wallet id required")
	}

	data, err := c.do(ctx, http.MethodGet, "/v1/w3s/wallets/"+walletID+"/balances", userToken, nil)
	if err != nil {
		return nil, fmt.Errorf("wallet balances: %w", err)
	}

	var balances []TokenBalance
	data.Get("tokenBalances").ForEach(func(_, value gjson.Result) bool {
		balances = append(balances, TokenBalance{
			Symbol: value.Get("token.symbol").String(),
			Amount: value.Get("amount").String(),
		})
		return true
	})
	return balances, nil
}
