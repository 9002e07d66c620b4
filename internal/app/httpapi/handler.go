// Package httpapi exposes the engine's HTTP surface: the command routes
// the UI drives (dispatch actions, create engagements) and the status
// routes (session state, cached projects, per-stream projected totals,
// pending action records, prometheus metrics).
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	app "github.com/starcpay/stream_engine/internal/app"
	"github.com/starcpay/stream_engine/internal/app/domain/action"
	"github.com/starcpay/stream_engine/internal/app/domain/project"
	"github.com/starcpay/stream_engine/internal/app/domain/stream"
	"github.com/starcpay/stream_engine/internal/app/metrics"
	"github.com/starcpay/stream_engine/internal/app/services/dispatch"
	"github.com/starcpay/stream_engine/internal/app/services/projector"
	"github.com/starcpay/stream_engine/internal/app/services/projects"
)

// handler bundles HTTP endpoints for the application services.
type handler struct {
	app *app.Application
}

// NewHandler returns a mux exposing the command and status API.
func NewHandler(application *app.Application) http.Handler {
	h := &handler{app: application}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.healthz)
	mux.HandleFunc("/session", h.session)
	mux.HandleFunc("/projects", h.projects)
	mux.HandleFunc("/actions", h.actions)
	mux.HandleFunc("/streams/", h.streamResources)
	mux.Handle("/metrics", metrics.Handler())
	return metrics.InstrumentHandler(mux)
}

func (h *handler) healthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) session(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	resp := struct {
		State     string `json:"state"`
		Wallet    string `json:"wallet,omitempty"`
		WalletID  string `json:"wallet_id,omitempty"`
		LastError string `json:"last_error,omitempty"`
	}{
		State:     string(h.app.Session.State()),
		LastError: h.app.Session.LastError(),
	}
	if handle, ok := h.app.Session.Wallet(); ok {
		resp.Wallet = handle.Address
		resp.WalletID = handle.ID
	}
	writeJSON(w, http.StatusOK, resp)
}

type projectResponse struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	FreelancerAlias string  `json:"freelancer_alias,omitempty"`
	FreelancerAddr  string  `json:"freelancer_address"`
	TreasuryAddress string  `json:"treasury_address"`
	StreamID        int64   `json:"stream_id"`
	RatePerSecond   string  `json:"rate_per_second"`
	Status          string  `json:"status"`
	TotalBudget     float64 `json:"total_budget,omitempty"`
	TenureDays      int     `json:"tenure_days,omitempty"`
	Projected       string  `json:"projected,omitempty"`
}

func (h *handler) projectResponse(rec project.Record) projectResponse {
	resp := projectResponse{
		ID:              rec.ID,
		Name:            rec.Name,
		FreelancerAlias: rec.FreelancerAlias,
		FreelancerAddr:  rec.FreelancerAddr,
		TreasuryAddress: rec.TreasuryAddress,
		StreamID:        rec.StreamID,
		RatePerSecond:   rec.RatePerSecond,
		Status:          rec.Status,
		TotalBudget:     rec.TotalBudget,
		TenureDays:      rec.TenureDays,
	}
	key := projector.Key{Treasury: strings.ToLower(rec.TreasuryAddress), StreamID: rec.StreamID}
	if value, tracked := h.app.Projector.Value(key); tracked {
		resp.Projected = value.String()
	}
	return resp
}

func (h *handler) projects(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.listProjects(w, r)
	case http.MethodPost:
		h.createProject(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *handler) listProjects(w http.ResponseWriter, r *http.Request) {
	records, err := h.app.Projects.List(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}

	out := make([]projectResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, h.projectResponse(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) createProject(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Name            string          `json:"name"`
		FreelancerAlias string          `json:"freelancer_alias"`
		GithubUsername  string          `json:"github_username"`
		FreelancerAddr  string          `json:"freelancer_address"`
		Treasury        string          `json:"treasury"`
		Rate            string          `json:"rate"`
		Unit            string          `json:"unit"`
		TotalBudget     float64         `json:"total_budget"`
		EvaluationMode  string          `json:"evaluation_mode"`
		RepoURL         string          `json:"repo_url"`
		MeetLink        string          `json:"gmeet_link"`
		Specification   json.RawMessage `json:"specification"`
		StartDate       string          `json:"start_date"`
		EndDate         string          `json:"end_date"`
		InstallationID  string          `json:"installation_id"`
	}
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	req := projects.CreateRequest{
		Name:            payload.Name,
		FreelancerAlias: payload.FreelancerAlias,
		GithubUsername:  payload.GithubUsername,
		FreelancerAddr:  payload.FreelancerAddr,
		Treasury:        payload.Treasury,
		Rate:            payload.Rate,
		Unit:            stream.Unit(payload.Unit),
		TotalBudget:     payload.TotalBudget,
		EvaluationMode:  payload.EvaluationMode,
		RepoURL:         payload.RepoURL,
		MeetLink:        payload.MeetLink,
		Specification:   payload.Specification,
		InstallationID:  payload.InstallationID,
	}
	for _, field := range []struct {
		value string
		dst   *time.Time
	}{
		{payload.StartDate, &req.StartDate},
		{payload.EndDate, &req.EndDate},
	} {
		if field.value == "" {
			continue
		}
		parsed, err := time.Parse(time.RFC3339, field.value)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid date %q: %w", field.value, err))
			return
		}
		*field.dst = parsed
	}

	rec, err := h.app.Projects.Create(r.Context(), req)
	if err != nil {
		writeError(w, dispatchStatus(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, h.projectResponse(rec))
}

func (h *handler) streamResources(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, "/streams"), "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) != 2 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	streamID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	key := projector.Key{Treasury: strings.ToLower(parts[0]), StreamID: streamID}

	value, tracked := h.app.Projector.Value(key)
	if !tracked {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	resp := struct {
		Treasury  string `json:"treasury"`
		StreamID  int64  `json:"stream_id"`
		Projected string `json:"projected"`
		Recipient string `json:"recipient,omitempty"`
		Rate      string `json:"rate_per_second,omitempty"`
		Accrued   string `json:"accrued,omitempty"`
		Paused    bool   `json:"paused"`
		AsOf      string `json:"as_of"`
	}{
		Treasury:  key.Treasury,
		StreamID:  key.StreamID,
		Projected: value.String(),
		AsOf:      time.Now().UTC().Format(time.RFC3339),
	}
	if snap, ok := h.app.Projector.Snapshot(key); ok {
		resp.Recipient = snap.Recipient
		resp.Paused = snap.Paused
		if snap.RatePerSecond != nil {
			resp.Rate = snap.RatePerSecond.String()
		}
		if snap.Accrued != nil {
			resp.Accrued = snap.Accrued.String()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) actions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.listActions(w, r)
	case http.MethodPost:
		h.dispatchAction(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *handler) listActions(w http.ResponseWriter, r *http.Request) {
	entity := strings.ToLower(r.URL.Query().Get("entity"))
	if entity == "" {
		writeError(w, http.StatusBadRequest, errMissingEntity)
		return
	}

	records, err := h.app.Actions.ListActions(r.Context(), entity)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	type actionResponse struct {
		ID        string    `json:"id"`
		Kind      string    `json:"kind"`
		Entity    string    `json:"entity"`
		Status    string    `json:"status"`
		Error     string    `json:"error,omitempty"`
		CreatedAt time.Time `json:"created_at"`
		UpdatedAt time.Time `json:"updated_at"`
	}

	out := make([]actionResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, actionResponse{
			ID:        rec.ID,
			Kind:      string(rec.Kind),
			Entity:    rec.Entity,
			Status:    string(rec.Status),
			Error:     rec.Error,
			CreatedAt: rec.CreatedAt,
			UpdatedAt: rec.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) dispatchAction(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Kind      string `json:"kind"`
		Treasury  string `json:"treasury"`
		StreamID  int64  `json:"stream_id"`
		Recipient string `json:"recipient"`
		Rate      string `json:"rate_per_second"`
		Amount    string `json:"amount"`
	}
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	kind := action.Kind(payload.Kind)
	if kind != action.KindCreateTreasury && payload.Treasury == "" {
		writeError(w, http.StatusBadRequest, errors.New("treasury required"))
		return
	}

	var res dispatch.Result
	var err error
	switch kind {
	case action.KindCreateTreasury:
		res, err = h.app.Dispatch.CreateTreasury(r.Context())
	case action.KindDeposit:
		amount, ok := new(big.Int).SetString(payload.Amount, 10)
		if !ok {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid amount %q", payload.Amount))
			return
		}
		res, err = h.app.Dispatch.Deposit(r.Context(), payload.Treasury, amount)
	case action.KindCreateStream:
		rate, ok := new(big.Int).SetString(payload.Rate, 10)
		if !ok {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid rate %q", payload.Rate))
			return
		}
		res, err = h.app.Dispatch.CreateStream(r.Context(), payload.Treasury, payload.Recipient, rate)
	case action.KindPauseStream:
		res, err = h.app.Dispatch.PauseStream(r.Context(), payload.Treasury, payload.StreamID)
	case action.KindResumeStream:
		res, err = h.app.Dispatch.ResumeStream(r.Context(), payload.Treasury, payload.StreamID)
	case action.KindStopStream:
		res, err = h.app.Dispatch.StopStream(r.Context(), payload.Treasury, payload.StreamID)
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown action kind %q", payload.Kind))
		return
	}
	if err != nil {
		writeError(w, dispatchStatus(err), err)
		return
	}

	resp := struct {
		ID       string `json:"id"`
		Kind     string `json:"kind"`
		Entity   string `json:"entity"`
		Status   string `json:"status"`
		Treasury string `json:"treasury,omitempty"`
		StreamID int64  `json:"stream_id,omitempty"`
	}{
		ID:       res.Action.ID,
		Kind:     string(res.Action.Kind),
		Entity:   res.Action.Entity,
		Status:   string(res.Action.Status),
		Treasury: res.Treasury,
		StreamID: res.StreamID,
	}
	writeJSON(w, http.StatusAccepted, resp)
}

// dispatchStatus maps dispatcher failures onto HTTP status codes. Anything
// that is not a single-flight or session problem came from an upstream
// provider or the chain.
func dispatchStatus(err error) int {
	switch {
	case errors.Is(err, dispatch.ErrActionInFlight):
		return http.StatusConflict
	case errors.Is(err, dispatch.ErrSessionInactive):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func decodeJSON(r *http.Request, dst interface{}) error {
	defer func() {
		_, _ = io.Copy(io.Discard, r.Body)
		_ = r.Body.Close()
	}()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

var errMissingEntity = errors.New("entity query parameter required")

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
