package projects

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/starcpay/stream_engine/internal/app/domain/action"
	"github.com/starcpay/stream_engine/internal/app/domain/wallet"
	"github.com/starcpay/stream_engine/internal/app/services/dispatch"
	"github.com/starcpay/stream_engine/internal/app/services/projector"
	"github.com/starcpay/stream_engine/internal/app/storage/memory"
	"github.com/starcpay/stream_engine/internal/backend"
)

type fakeDispatcher struct {
	streamID int64
	rate     *big.Int
	err      error
}

func (f *fakeDispatcher) CreateStream(_ context.Context, _, _ string, ratePerSecond *big.Int) (dispatch.Result, error) {
	f.rate = ratePerSecond
	if f.err != nil {
		return dispatch.Result{}, f.err
	}
	return dispatch.Result{
		Action:   action.Record{ID: "action-1", Status: action.StatusConfirmed},
		StreamID: f.streamID,
	}, nil
}

type fakeBackend struct {
	created []backend.Project
	listed  []backend.Project
	listErr error
}

func (f *fakeBackend) CreateProject(_ context.Context, proj backend.Project) (string, error) {
	f.created = append(f.created, proj)
	return "proj-1", nil
}

func (f *fakeBackend) ListProjects(context.Context, string, string) ([]backend.Project, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.listed, nil
}

type fakeTracker struct {
	keys []projector.Key
}

func (f *fakeTracker) Track(key projector.Key) { f.keys = append(f.keys, key) }

type fakeSession struct{ active bool }

func (f *fakeSession) Wallet() (wallet.Handle, bool) {
	return wallet.Handle{ID: "w1", Address: "0xcontractor"}, f.active
}

func createRequest() CreateRequest {
	return CreateRequest{
		Name:            "Analytics Microservice",
		FreelancerAlias: "chen_dev",
		FreelancerAddr:  "0xfreelancer",
		Treasury:        "0xtreasury",
		Rate:            "86.4",
		Unit:            "day",
		TotalBudget:     1200,
		EvaluationMode:  "agentic",
		StartDate:       time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		EndDate:         time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC),
	}
}

func TestCreateStitchesStreamIntoProject(t *testing.T) {
	dispatcher := &fakeDispatcher{streamID: 5}
	remote := &fakeBackend{}
	tracker := &fakeTracker{}
	store := memory.New()
	svc := New(dispatcher, remote, tracker, &fakeSession{active: true}, store, nil)

	rec, err := svc.Create(context.Background(), createRequest())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if dispatcher.rate == nil || dispatcher.rate.String() != "1000000000000000" {
		t.Errorf("rate per second = %v, want 1000000000000000", dispatcher.rate)
	}
	if rec.StreamID != 5 || rec.ID != "proj-1" {
		t.Errorf("record = %+v", rec)
	}
	if rec.TenureDays != 30 {
		t.Errorf("tenure = %d, want 30", rec.TenureDays)
	}

	if len(remote.created) != 1 {
		t.Fatalf("backend create calls = %d", len(remote.created))
	}
	payload := remote.created[0]
	if payload.StreamID != "5" || payload.TreasuryAddress != "0xtreasury" {
		t.Errorf("backend payload = %+v", payload)
	}
	if payload.EmployerWallet != "0xcontractor" {
		t.Errorf("employer wallet = %q", payload.EmployerWallet)
	}

	if len(tracker.keys) != 1 || tracker.keys[0] != (projector.Key{Treasury: "0xtreasury", StreamID: 5}) {
		t.Errorf("tracked keys = %v", tracker.keys)
	}

	if _, err := store.GetProject(context.Background(), "proj-1"); err != nil {
		t.Errorf("project not cached: %v", err)
	}
}

func TestCreateStreamFailurePropagates(t *testing.T) {
	dispatcher := &fakeDispatcher{err: errors.New("user declined")}
	remote := &fakeBackend{}
	svc := New(dispatcher, remote, &fakeTracker{}, &fakeSession{active: true}, memory.New(), nil)

	if _, err := svc.Create(context.Background(), createRequest()); err == nil {
		t.Fatal("expected error")
	}
	if len(remote.created) != 0 {
		t.Error("project registered despite stream failure")
	}
}

func TestCreateRequiresActiveSession(t *testing.T) {
	svc := New(&fakeDispatcher{}, &fakeBackend{}, &fakeTracker{}, &fakeSession{active: false}, memory.New(), nil)
	if _, err := svc.Create(context.Background(), createRequest()); err == nil {
		t.Fatal("expected error")
	}
}

func TestListRefreshesCacheFromBackend(t *testing.T) {
	remote := &fakeBackend{listed: []backend.Project{{
		ProjectID:       "proj-9",
		FreelanceAlias:  "alex_dev",
		EmployeeWallet:  "0xfreelancer",
		TreasuryAddress: "0xtreasury",
		StreamID:        "3",
		Status:          "active",
	}}}
	store := memory.New()
	svc := New(&fakeDispatcher{}, remote, &fakeTracker{}, &fakeSession{active: true}, store, nil)

	recs, err := svc.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 1 || recs[0].ID != "proj-9" || recs[0].StreamID != 3 {
		t.Errorf("records = %+v", recs)
	}
}

func TestListDegradesToCacheOnBackendFailure(t *testing.T) {
	store := memory.New()
	seeded := createRequest()
	svc := New(&fakeDispatcher{streamID: 2}, &fakeBackend{}, &fakeTracker{}, &fakeSession{active: true}, store, nil)
	if _, err := svc.Create(context.Background(), seeded); err != nil {
		t.Fatalf("seed Create: %v", err)
	}

	svc = New(&fakeDispatcher{}, &fakeBackend{listErr: errors.New("backend down")}, &fakeTracker{}, &fakeSession{active: true}, store, nil)
	recs, err := svc.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 1 {
		t.Errorf("cached records = %d, want 1", len(recs))
	}
}

func TestResumeTracksCachedStreams(t *testing.T) {
	store := memory.New()
	tracker := &fakeTracker{}
	svc := New(&fakeDispatcher{streamID: 4}, &fakeBackend{}, &fakeTracker{}, &fakeSession{active: true}, store, nil)
	if _, err := svc.Create(context.Background(), createRequest()); err != nil {
		t.Fatalf("seed Create: %v", err)
	}

	svc = New(&fakeDispatcher{}, &fakeBackend{}, tracker, &fakeSession{active: true}, store, nil)
	if err := svc.Resume(context.Background()); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if len(tracker.keys) != 1 || tracker.keys[0].StreamID != 4 {
		t.Errorf("tracked keys = %v", tracker.keys)
	}
}
