// Package sdkbridge implements the session's challenge executor against a
// companion signing agent: the process hosting the provider's client-side
// SDK. The engine never holds key material; it forwards challenge ids to
// the agent and the agent drives the SDK.
package sdkbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/starcpay/stream_engine/internal/app/domain/wallet"
)

// Config holds bridge configuration.
type Config struct {
	// BaseURL is the signing agent endpoint.
	BaseURL string
	Timeout time.Duration
}

// Executor forwards session challenges to the signing agent. Safe for
// concurrent use.
type Executor struct {
	baseURL    string
	httpClient *http.Client

	mu            sync.Mutex
	login         wallet.LoginResult
	hasLogin      bool
	userToken     string
	encryptionKey string
}

// New creates a signing agent bridge.
func New(cfg Config) (*Executor, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("signing agent URL required")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 2 * time.Minute
	}
	return &Executor{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// DeviceID asks the agent for the SDK's device identifier.
func (e *Executor) DeviceID(ctx context.Context) (string, error) {
	raw, err := e.request(ctx, http.MethodGet, "/v1/device", nil)
	if err != nil {
		return "", fmt.Errorf("device id: %w", err)
	}
	id := gjson.GetBytes(raw, "deviceId").String()
	if id == "" {
		return "", fmt.Errorf("device id: empty response")
	}
	return id, nil
}

// PerformLogin asks the agent to run the social login flow. The login
// result is held for LoginResult.
func (e *Executor) PerformLogin(ctx context.Context) error {
	raw, err := e.request(ctx, http.MethodPost, "/v1/login", nil)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	result := wallet.LoginResult{
		UserToken:     gjson.GetBytes(raw, "userToken").String(),
		EncryptionKey: gjson.GetBytes(raw, "encryptionKey").String(),
	}
	if result.UserToken == "" {
		return fmt.Errorf("login: no user token in response")
	}
	e.mu.Lock()
	e.login = result
	e.hasLogin = true
	e.mu.Unlock()
	return nil
}

// LoginResult returns the last completed login, if any.
func (e *Executor) LoginResult() (wallet.LoginResult, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.login, e.hasLogin
}

// SetAuthentication records the session tokens attached to subsequent
// challenge executions.
func (e *Executor) SetAuthentication(userToken, encryptionKey string) {
	e.mu.Lock()
	e.userToken = userToken
	e.encryptionKey = encryptionKey
	e.mu.Unlock()
}

// Execute forwards a challenge id to the agent and blocks until the agent
// reports the user approved or rejected it.
func (e *Executor) Execute(ctx context.Context, challengeID string) error {
	e.mu.Lock()
	body := map[string]string{
		"challengeId":   challengeID,
		"userToken":     e.userToken,
		"encryptionKey": e.encryptionKey,
	}
	e.mu.Unlock()

	if _, err := e.request(ctx, http.MethodPost, "/v1/challenges", body); err != nil {
		return fmt.Errorf("execute challenge %s: %w", challengeID, err)
	}
	return nil
}

func (e *Executor) request(ctx context.Context, method, path string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, e.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail := gjson.GetBytes(raw, "error").String()
		if detail == "" {
			detail = strings.TrimSpace(string(raw))
		}
		return nil, fmt.Errorf("agent: http %d: %s", resp.StatusCode, detail)
	}
	return raw, nil
}
