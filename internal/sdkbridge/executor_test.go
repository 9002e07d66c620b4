package sdkbridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newAgentStub(t *testing.T, challenge func(body map[string]string) int) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/device", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"deviceId": "device-42"})
	})
	mux.HandleFunc("/v1/login", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"userToken":     "user-token",
			"encryptionKey": "enc-key",
		})
	})
	mux.HandleFunc("/v1/challenges", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		status := http.StatusOK
		if challenge != nil {
			status = challenge(body)
		}
		if status >= 400 {
			w.WriteHeader(status)
			json.NewEncoder(w).Encode(map[string]string{"error": "user rejected challenge"})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "complete"})
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestDeviceIDAndLogin(t *testing.T) {
	agent := newAgentStub(t, nil)
	exec, err := New(Config{BaseURL: agent.URL})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	id, err := exec.DeviceID(context.Background())
	if err != nil {
		t.Fatalf("device id: %v", err)
	}
	if id != "device-42" {
		t.Fatalf("device id = %q", id)
	}

	if _, ok := exec.LoginResult(); ok {
		t.Fatal("login result before login")
	}
	if err := exec.PerformLogin(context.Background()); err != nil {
		t.Fatalf("login: %v", err)
	}
	result, ok := exec.LoginResult()
	if !ok {
		t.Fatal("no login result after login")
	}
	if result.UserToken != "user-token" || result.EncryptionKey != "enc-key" {
		t.Fatalf("unexpected login result %+v", result)
	}
}

func TestExecuteCarriesAuthentication(t *testing.T) {
	var got map[string]string
	agent := newAgentStub(t, func(body map[string]string) int {
		got = body
		return http.StatusOK
	})
	exec, err := New(Config{BaseURL: agent.URL})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	exec.SetAuthentication("user-token", "enc-key")
	if err := exec.Execute(context.Background(), "challenge-7"); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got["challengeId"] != "challenge-7" {
		t.Fatalf("challenge id = %q", got["challengeId"])
	}
	if got["userToken"] != "user-token" || got["encryptionKey"] != "enc-key" {
		t.Fatalf("auth not forwarded: %+v", got)
	}
}

func TestExecuteRejection(t *testing.T) {
	agent := newAgentStub(t, func(map[string]string) int { return http.StatusForbidden })
	exec, err := New(Config{BaseURL: agent.URL})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	err = exec.Execute(context.Background(), "challenge-8")
	if err == nil {
		t.Fatal("expected rejection error")
	}
	if !strings.Contains(err.Error(), "user rejected challenge") {
		t.Fatalf("error detail missing: %v", err)
	}
}

func TestNewRequiresURL(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for missing URL")
	}
}
