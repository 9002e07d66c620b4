package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(Config{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func TestCreateProject(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/projects" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var got map[string]any
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if got["employer_wallet_address"] != "0xabc" {
			t.Errorf("employer_wallet_address = %v", got["employer_wallet_address"])
		}
		json.NewEncoder(w).Encode(map[string]any{
			"success":    true,
			"project_id": "proj-1",
			"message":    "created",
		})
	}))

	id, err := client.CreateProject(context.Background(), Project{
		ProjectID:      "proj-1",
		EmployerWallet: "0xabc",
		TotalBudget:    1200,
	})
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	if id != "proj-1" {
		t.Errorf("project id = %q, want proj-1", id)
	}
}

func TestListProjectsFilters(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("wallet_address") != "0xabc" || q.Get("status") != "active" {
			t.Errorf("unexpected query %q", r.URL.RawQuery)
		}
		json.NewEncoder(w).Encode([]map[string]any{
			{"project_id": "p1", "treasury_address": "0xdef", "stream_id": "3"},
		})
	}))

	projects, err := client.ListProjects(context.Background(), "0xabc", "active")
	if err != nil {
		t.Fatalf("ListProjects: %v", err)
	}
	if len(projects) != 1 {
		t.Fatalf("got %d projects, want 1", len(projects))
	}
	if projects[0].TreasuryAddress != "0xdef" || projects[0].StreamID != "3" {
		t.Errorf("unexpected project %+v", projects[0])
	}
}

func TestGetProjectErrorDetail(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"detail": "project not found"})
	}))

	_, err := client.GetProject(context.Background(), "missing")
	if err == nil {
		t.Fatal("expected error")
	}
	if got := err.Error(); got != "backend: project not found" {
		t.Errorf("error = %q", got)
	}
}

func TestProjectPushEventsLimit(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/projects/p1/push-events" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.URL.Query().Get("limit") != "10" {
			t.Errorf("limit = %q", r.URL.Query().Get("limit"))
		}
		json.NewEncoder(w).Encode(map[string]any{"project_id": "p1", "events": []any{}})
	}))

	raw, err := client.ProjectPushEvents(context.Background(), "p1", 10)
	if err != nil {
		t.Fatalf("ProjectPushEvents: %v", err)
	}
	if len(raw) == 0 {
		t.Fatal("empty payload")
	}
}
