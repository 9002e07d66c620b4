package circle

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starcpay/stream_engine/pkg/logger"
)

func testLogger() *logger.Logger {
	log := logger.NewDefault("circle-test")
	log.SetOutput(io.Discard)
	return log
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewClient(Config{
		BaseURL:    srv.URL,
		APIKey:     "test-key",
		Blockchain: "ARC-TESTNET",
	}, testLogger())
	require.NoError(t, err)
	return client, srv
}

func TestCreateDeviceToken(t *testing.T) {
	var captured map[string]any
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/w3s/users/social/token", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))

		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"deviceToken":         "dev-token",
				"deviceEncryptionKey": "dev-key",
			},
		})
	})

	token, err := client.CreateDeviceToken(context.Background(), "device-1")
	require.NoError(t, err)
	assert.Equal(t, "dev-token", token.Token)
	assert.Equal(t, "dev-key", token.EncryptionKey)
	assert.Equal(t, "device-1", captured["deviceId"])
	assert.NotEmpty(t, captured["idempotencyKey"])
}

func TestInitializeUser_AlreadyInitialized(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "user-token", r.Header.Get("X-User-Token"))
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]any{
			"code":    CodeAlreadyInitialized,
			"message": "user already initialized",
		})
	})

	_, err := client.InitializeUser(context.Background(), "user-token")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAlreadyInitialized))
}

func TestInitializeUser_ReturnsChallenge(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "SCA", body["accountType"])
		assert.Equal(t, []any{"ARC-TESTNET"}, body["blockchains"])

		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"challengeId": "challenge-1"},
		})
	})

	challengeID, err := client.InitializeUser(context.Background(), "user-token")
	require.NoError(t, err)
	assert.Equal(t, "challenge-1", challengeID)
}

func TestListWallets(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"wallets": []map[string]any{
					{"id": "w-1", "address": "0xabc", "blockchain": "ARC-TESTNET"},
				},
			},
		})
	})

	wallets, err := client.ListWallets(context.Background(), "user-token")
	require.NoError(t, err)
	require.Len(t, wallets, 1)
	assert.Equal(t, "w-1", wallets[0].ID)
	assert.Equal(t, "0xabc", wallets[0].Address)
}

func TestContractExecution_CallDataAndFreshIdempotencyKeys(t *testing.T) {
	var keys []string
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		keys = append(keys, body["idempotencyKey"].(string))
		assert.Equal(t, "0xdata", body["callData"])
		assert.Equal(t, "MEDIUM", body["feeLevel"])
		_, hasSig := body["abiFunctionSignature"]
		assert.False(t, hasSig, "callData and abiFunctionSignature are mutually exclusive")

		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"challengeId": "challenge-2"},
		})
	})

	req := ExecutionRequest{WalletID: "w-1", ContractAddress: "0xcontract", CallData: "0xdata"}
	for i := 0; i < 2; i++ {
		challengeID, err := client.ContractExecution(context.Background(), "user-token", req)
		require.NoError(t, err)
		assert.Equal(t, "challenge-2", challengeID)
	}
	require.Len(t, keys, 2)
	assert.NotEqual(t, keys[0], keys[1], "every attempt must use a fresh idempotency key")
}

func TestContractExecution_WithAmount(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "25", body["amount"])
		assert.Equal(t, "deposit()", body["abiFunctionSignature"])

		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"challengeId": "challenge-3"},
		})
	})

	challengeID, err := client.ContractExecution(context.Background(), "user-token", ExecutionRequest{
		WalletID:             "w-1",
		ContractAddress:      "0xtreasury",
		ABIFunctionSignature: "deposit()",
		Amount:               "25",
	})
	require.NoError(t, err)
	assert.Equal(t, "challenge-3", challengeID)
}

func TestQueryContract(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "streams(uint256)", body["abiFunctionSignature"])
		assert.Equal(t, "ARC-TESTNET", body["blockchain"])

		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"outputValues": []any{"0xrecipient", "1000000000000000", "1700000000", "5000000", true},
			},
		})
	})

	values, err := client.QueryContract(context.Background(), QueryRequest{
		Address:              "0xtreasury",
		ABIFunctionSignature: "streams(uint256)",
		ABIParameters:        []string{"3"},
	})
	require.NoError(t, err)
	require.Len(t, values, 5)
	assert.Equal(t, "1000000000000000", values[1])
	assert.Equal(t, "true", values[4])
}

func TestProviderRejection(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(map[string]any{"code": 401044, "message": "invalid token"})
	})

	_, err := client.ListWallets(context.Background(), "stale-token")
	require.Error(t, err)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, int64(401044), apiErr.Code)
	assert.Equal(t, http.StatusForbidden, apiErr.Status)
}
