package dispatch

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/starcpay/stream_engine/internal/app/domain/action"
	"github.com/starcpay/stream_engine/internal/app/domain/stream"
	"github.com/starcpay/stream_engine/internal/app/domain/wallet"
	"github.com/starcpay/stream_engine/internal/app/storage/memory"
	"github.com/starcpay/stream_engine/internal/circle"
)

type fakeSession struct {
	active     bool
	executeErr error
	executed   []string
}

func (f *fakeSession) Wallet() (wallet.Handle, bool) {
	return wallet.Handle{ID: "w1", Address: "0xOwner"}, f.active
}

func (f *fakeSession) UserToken() string { return "user-token" }

func (f *fakeSession) Execute(_ context.Context, challengeID string) error {
	f.executed = append(f.executed, challengeID)
	return f.executeErr
}

type fakeSubmitter struct {
	requests []circle.ExecutionRequest
	err      error
}

func (f *fakeSubmitter) ContractExecution(_ context.Context, _ string, req circle.ExecutionRequest) (string, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return "", f.err
	}
	return "challenge-1", nil
}

// fakeQuerier answers postcondition probes from per-call scripts.
type fakeQuerier struct {
	mu sync.Mutex

	stateCalls  int
	pausedAfter int // StreamState reports the target paused flag from this call on; 0 = never
	wantPaused  bool

	nextCalls     int
	nextBefore    int64
	nextAdvanceAt int // NextStreamID reports before+1 from this call on; 0 = never

	treasury      string
	treasuryAfter int

	balance     *big.Int
	balanceFail bool
}

func (f *fakeQuerier) StreamState(_ context.Context, _ string, streamID int64) (stream.Snapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stateCalls++
	paused := !f.wantPaused
	if f.pausedAfter > 0 && f.stateCalls >= f.pausedAfter {
		paused = f.wantPaused
	}
	return stream.Snapshot{
		Recipient:     "0xrecipient",
		RatePerSecond: big.NewInt(1000),
		LastTimestamp: 1700000000,
		Accrued:       big.NewInt(5000),
		Paused:        paused,
	}, true
}

func (f *fakeQuerier) NextStreamID(context.Context, string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextCalls++
	if f.nextAdvanceAt > 0 && f.nextCalls >= f.nextAdvanceAt {
		return f.nextBefore + 1
	}
	return f.nextBefore
}

func (f *fakeQuerier) TreasuryAddress(context.Context, string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.treasuryAfter--
	if f.treasuryAfter <= 0 && f.treasury != "" {
		return f.treasury
	}
	return "0x0000000000000000000000000000000000000000"
}

func (f *fakeQuerier) TreasuryBalance(context.Context, string) (*big.Int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balanceFail {
		return new(big.Int), false
	}
	if f.balance == nil {
		return new(big.Int), true
	}
	return new(big.Int).Set(f.balance), true
}

func (f *fakeQuerier) stateCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stateCalls
}

func testConfig() Config {
	return Config{
		FactoryAddress: "0x00000000000000000000000000000000000000f1",
		PollInterval:   time.Millisecond,
		MaxPolls:       12,
		RecheckDelay:   5 * time.Millisecond,
	}
}

func TestPauseStreamConvergesOnPollN(t *testing.T) {
	querier := &fakeQuerier{wantPaused: true, pausedAfter: 4}
	session := &fakeSession{active: true}
	store := memory.New()
	svc := New(&fakeSubmitter{}, session, querier, store, testConfig(), nil)

	res, err := svc.PauseStream(context.Background(), "0xTreasury", 7)
	if err != nil {
		t.Fatalf("PauseStream: %v", err)
	}
	if res.Action.Status != action.StatusConfirmed {
		t.Errorf("status = %s, want confirmed", res.Action.Status)
	}
	if !res.Snapshot.Paused {
		t.Error("confirmed snapshot not paused")
	}
	if got := querier.stateCallCount(); got != 4 {
		t.Errorf("postcondition observed after %d polls, want 4", got)
	}
	if len(session.executed) != 1 || session.executed[0] != "challenge-1" {
		t.Errorf("executed challenges = %v", session.executed)
	}
}

func TestResumeStreamConverges(t *testing.T) {
	querier := &fakeQuerier{wantPaused: false, pausedAfter: 2}
	svc := New(&fakeSubmitter{}, &fakeSession{active: true}, querier, memory.New(), testConfig(), nil)

	res, err := svc.ResumeStream(context.Background(), "0xTreasury", 7)
	if err != nil {
		t.Fatalf("ResumeStream: %v", err)
	}
	if res.Snapshot.Paused {
		t.Error("confirmed snapshot still paused")
	}
}

func TestExhaustionYieldsUnconfirmed(t *testing.T) {
	querier := &fakeQuerier{wantPaused: true} // never satisfied
	store := memory.New()
	svc := New(&fakeSubmitter{}, &fakeSession{active: true}, querier, store, testConfig(), nil)

	res, err := svc.PauseStream(context.Background(), "0xTreasury", 7)
	if err != nil {
		t.Fatalf("exhaustion must not be an error, got %v", err)
	}
	if res.Action.Status != action.StatusUnconfirmed {
		t.Errorf("status = %s, want unconfirmed", res.Action.Status)
	}
	if got := querier.stateCallCount(); got != 12 {
		t.Errorf("polled %d times, want 12", got)
	}
	svc.Close()
}

func TestBackgroundRecheckConfirmsLate(t *testing.T) {
	querier := &fakeQuerier{wantPaused: true, pausedAfter: 13} // after the budget
	store := memory.New()
	svc := New(&fakeSubmitter{}, &fakeSession{active: true}, querier, store, testConfig(), nil)

	res, err := svc.PauseStream(context.Background(), "0xTreasury", 7)
	if err != nil {
		t.Fatalf("PauseStream: %v", err)
	}
	if res.Action.Status != action.StatusUnconfirmed {
		t.Fatalf("status = %s, want unconfirmed", res.Action.Status)
	}

	svc.Close() // waits for the scheduled recheck

	rec, err := store.GetAction(context.Background(), res.Action.ID)
	if err != nil {
		t.Fatalf("GetAction: %v", err)
	}
	if rec.Status != action.StatusConfirmed {
		t.Errorf("status after recheck = %s, want confirmed", rec.Status)
	}
}

func TestSigningRejectionIsTerminal(t *testing.T) {
	querier := &fakeQuerier{wantPaused: true, pausedAfter: 1}
	session := &fakeSession{active: true, executeErr: errors.New("user declined")}
	store := memory.New()
	svc := New(&fakeSubmitter{}, session, querier, store, testConfig(), nil)

	_, err := svc.PauseStream(context.Background(), "0xTreasury", 7)
	if err == nil {
		t.Fatal("expected error")
	}
	if got := querier.stateCallCount(); got != 0 {
		t.Errorf("polled %d times after signing rejection, want 0", got)
	}

	recs, _ := store.ListActions(context.Background(), "")
	if len(recs) != 1 || recs[0].Status != action.StatusFailed {
		t.Errorf("records = %+v", recs)
	}

	// Terminal failure releases the entity for a retry with a fresh key.
	if _, err := svc.PauseStream(context.Background(), "0xTreasury", 7); err == nil {
		t.Fatal("expected the retry to fail the same way")
	}
}

func TestSingleInFlightPerEntity(t *testing.T) {
	store := memory.New()
	_, err := store.CreateAction(context.Background(), action.Record{
		Kind:   action.KindPauseStream,
		Entity: "0xtreasury#7",
		Status: action.StatusConfirming,
	})
	if err != nil {
		t.Fatalf("seed action: %v", err)
	}

	svc := New(&fakeSubmitter{}, &fakeSession{active: true}, &fakeQuerier{}, store, testConfig(), nil)
	if _, err := svc.PauseStream(context.Background(), "0xTreasury", 7); !errors.Is(err, ErrActionInFlight) {
		t.Fatalf("err = %v, want ErrActionInFlight", err)
	}

	// A different stream on the same treasury is an independent entity.
	querier := &fakeQuerier{wantPaused: true, pausedAfter: 1}
	svc = New(&fakeSubmitter{}, &fakeSession{active: true}, querier, store, testConfig(), nil)
	if _, err := svc.PauseStream(context.Background(), "0xTreasury", 8); err != nil {
		t.Fatalf("independent entity rejected: %v", err)
	}
}

func TestCreateStreamUsesPreActionID(t *testing.T) {
	querier := &fakeQuerier{nextBefore: 5, nextAdvanceAt: 3, wantPaused: true, pausedAfter: 1}
	submitter := &fakeSubmitter{}
	svc := New(submitter, &fakeSession{active: true}, querier, memory.New(), testConfig(), nil)

	res, err := svc.CreateStream(context.Background(), "0xTreasury", "0x00000000000000000000000000000000000000aa", big.NewInt(1000))
	if err != nil {
		t.Fatalf("CreateStream: %v", err)
	}
	if res.StreamID != 5 {
		t.Errorf("stream id = %d, want pre-action 5", res.StreamID)
	}
	if res.Action.Status != action.StatusConfirmed {
		t.Errorf("status = %s", res.Action.Status)
	}
	if len(submitter.requests) != 1 || submitter.requests[0].CallData == "" {
		t.Errorf("requests = %+v", submitter.requests)
	}
}

func TestCreateTreasuryConfirmsOnNonZeroAddress(t *testing.T) {
	querier := &fakeQuerier{treasury: "0xNewTreasury", treasuryAfter: 3}
	svc := New(&fakeSubmitter{}, &fakeSession{active: true}, querier, memory.New(), testConfig(), nil)

	res, err := svc.CreateTreasury(context.Background())
	if err != nil {
		t.Fatalf("CreateTreasury: %v", err)
	}
	if res.Treasury != "0xNewTreasury" {
		t.Errorf("treasury = %q", res.Treasury)
	}
}

func TestDepositConfirmsOnBalanceIncrease(t *testing.T) {
	querier := &fakeQuerier{balance: big.NewInt(100)}
	submitter := &fakeSubmitter{}
	svc := New(submitter, &fakeSession{active: true}, querier, memory.New(), testConfig(), nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		res, err := svc.Deposit(context.Background(), "0xTreasury", big.NewInt(50))
		if err != nil {
			t.Errorf("Deposit: %v", err)
			return
		}
		if res.Action.Status != action.StatusConfirmed {
			t.Errorf("status = %s", res.Action.Status)
		}
	}()

	// Balance moves while the confirmation loop is running.
	time.Sleep(2 * time.Millisecond)
	querier.mu.Lock()
	querier.balance = big.NewInt(150)
	querier.mu.Unlock()
	<-done

	if len(submitter.requests) != 1 || submitter.requests[0].Amount != "50" {
		t.Errorf("requests = %+v", submitter.requests)
	}
}

func TestDepositUnreadableBaselineFails(t *testing.T) {
	// A treasury that already holds funds must not satisfy the balance
	// postcondition just because the baseline read degraded to zero.
	querier := &fakeQuerier{balance: big.NewInt(100), balanceFail: true}
	submitter := &fakeSubmitter{}
	store := memory.New()
	svc := New(submitter, &fakeSession{active: true}, querier, store, testConfig(), nil)

	_, err := svc.Deposit(context.Background(), "0xTreasury", big.NewInt(50))
	if err == nil {
		t.Fatal("expected error for unreadable baseline")
	}
	if len(submitter.requests) != 0 {
		t.Errorf("submitted %d executions before baseline check", len(submitter.requests))
	}
	recs, _ := store.ListActions(context.Background(), "")
	if len(recs) != 1 || recs[0].Status != action.StatusFailed {
		t.Errorf("records = %+v", recs)
	}
}

// recordingStore captures every status an action record passes through.
type recordingStore struct {
	*memory.Store

	mu       sync.Mutex
	statuses []action.Status
}

func (r *recordingStore) CreateAction(ctx context.Context, rec action.Record) (action.Record, error) {
	r.record(rec.Status)
	return r.Store.CreateAction(ctx, rec)
}

func (r *recordingStore) UpdateAction(ctx context.Context, rec action.Record) (action.Record, error) {
	r.record(rec.Status)
	return r.Store.UpdateAction(ctx, rec)
}

func (r *recordingStore) record(status action.Status) {
	r.mu.Lock()
	r.statuses = append(r.statuses, status)
	r.mu.Unlock()
}

func TestActionStatusProgression(t *testing.T) {
	querier := &fakeQuerier{wantPaused: true, pausedAfter: 1}
	store := &recordingStore{Store: memory.New()}
	svc := New(&fakeSubmitter{}, &fakeSession{active: true}, querier, store, testConfig(), nil)

	if _, err := svc.PauseStream(context.Background(), "0xTreasury", 7); err != nil {
		t.Fatalf("PauseStream: %v", err)
	}

	want := []action.Status{
		action.StatusCreated,
		action.StatusChallenge,
		action.StatusExecuted,
		action.StatusConfirming,
		action.StatusConfirmed,
	}
	store.mu.Lock()
	got := append([]action.Status(nil), store.statuses...)
	store.mu.Unlock()
	if len(got) != len(want) {
		t.Fatalf("statuses = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("statuses = %v, want %v", got, want)
		}
	}
}

func TestCancellationLeavesUnconfirmed(t *testing.T) {
	querier := &fakeQuerier{wantPaused: true} // never satisfied
	store := memory.New()
	cfg := testConfig()
	cfg.MaxPolls = 1000 // cancellation wins long before exhaustion
	svc := New(&fakeSubmitter{}, &fakeSession{active: true}, querier, store, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	res, err := svc.PauseStream(ctx, "0xTreasury", 7)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}

	// The signed transaction has likely landed; the record must not be
	// marked failed.
	rec, err := store.GetAction(context.Background(), res.Action.ID)
	if err != nil {
		t.Fatalf("GetAction: %v", err)
	}
	if rec.Status != action.StatusUnconfirmed {
		t.Errorf("status = %s, want unconfirmed", rec.Status)
	}
}

func TestInactiveSessionRejected(t *testing.T) {
	svc := New(&fakeSubmitter{}, &fakeSession{active: false}, &fakeQuerier{}, memory.New(), testConfig(), nil)
	if _, err := svc.PauseStream(context.Background(), "0xTreasury", 7); !errors.Is(err, ErrSessionInactive) {
		t.Fatalf("err = %v, want ErrSessionInactive", err)
	}
}
