// Package dispatch submits state-changing actions through the wallet
// provider and confirms them against chain state with a bounded poll.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"github.com/starcpay/stream_engine/internal/app/domain/action"
	"github.com/starcpay/stream_engine/internal/app/domain/stream"
	"github.com/starcpay/stream_engine/internal/app/domain/wallet"
	"github.com/starcpay/stream_engine/internal/app/metrics"
	"github.com/starcpay/stream_engine/internal/app/storage"
	"github.com/starcpay/stream_engine/internal/chain"
	"github.com/starcpay/stream_engine/internal/circle"
	"github.com/starcpay/stream_engine/pkg/logger"
)

var (
	// ErrActionInFlight is returned when the entity already has a pending
	// action of the same kind.
	ErrActionInFlight = errors.New("dispatch: action already in flight for entity")
	// ErrSessionInactive is returned when no wallet session is active.
	ErrSessionInactive = errors.New("dispatch: no active wallet session")

	errNotYetConfirmed = errors.New("postcondition not observed")
)

// Session is the slice of the wallet session the dispatcher needs.
type Session interface {
	Wallet() (wallet.Handle, bool)
	UserToken() string
	Execute(ctx context.Context, challengeID string) error
}

// Submitter submits contract executions to the wallet provider.
type Submitter interface {
	ContractExecution(ctx context.Context, userToken string, req circle.ExecutionRequest) (string, error)
}

// Querier reads chain state for postcondition checks.
type Querier interface {
	StreamState(ctx context.Context, treasury string, streamID int64) (stream.Snapshot, bool)
	NextStreamID(ctx context.Context, treasury string) int64
	TreasuryAddress(ctx context.Context, owner string) string
	TreasuryBalance(ctx context.Context, treasury string) (*big.Int, bool)
}

// Config holds dispatcher tunables.
type Config struct {
	// FactoryAddress is the treasury factory contract.
	FactoryAddress string
	// PollInterval is the sleep between confirmation polls.
	PollInterval time.Duration
	// MaxPolls bounds the confirmation loop.
	MaxPolls int
	// RecheckDelay schedules the single background recheck after an
	// unconfirmed outcome.
	RecheckDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval == 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.MaxPolls == 0 {
		c.MaxPolls = 12
	}
	if c.RecheckDelay == 0 {
		c.RecheckDelay = 30 * time.Second
	}
	return c
}

// Result is the outcome of a dispatched action. Status Unconfirmed means
// the poll budget ran out; the action likely landed and a background
// recheck is scheduled.
type Result struct {
	Action   action.Record
	Snapshot stream.Snapshot // confirmed stream state, when applicable
	StreamID int64           // createStream: the new stream's id
	Treasury string          // createTreasury: the confirmed address
}

// Service is the action dispatcher.
type Service struct {
	submitter Submitter
	session   Session
	query     Querier
	store     storage.ActionStore
	cfg       Config
	log       *logger.Logger

	mu sync.Mutex // serializes the in-flight check with record creation
	wg sync.WaitGroup
}

// New constructs a dispatcher.
func New(submitter Submitter, session Session, query Querier, store storage.ActionStore, cfg Config, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("dispatch")
	}
	return &Service{
		submitter: submitter,
		session:   session,
		query:     query,
		store:     store,
		cfg:       cfg.withDefaults(),
		log:       log,
	}
}

// Close waits for any scheduled background rechecks to finish.
func (s *Service) Close() {
	s.wg.Wait()
}

// CreateTreasury deploys a treasury for the session's wallet owner.
// Confirmed when the factory mapping reports a non-zero address.
func (s *Service) CreateTreasury(ctx context.Context) (Result, error) {
	handle, ok := s.session.Wallet()
	if !ok {
		return Result{}, ErrSessionInactive
	}

	callData, err := chain.EncodeCall("createTreasury()")
	if err != nil {
		return Result{}, err
	}

	return s.run(ctx, runRequest{
		kind:     action.KindCreateTreasury,
		entity:   strings.ToLower(handle.Address),
		contract: s.cfg.FactoryAddress,
		callData: callData,
		probe: func(ctx context.Context) (Result, bool) {
			addr := s.query.TreasuryAddress(ctx, handle.Address)
			if strings.EqualFold(addr, "0x0000000000000000000000000000000000000000") {
				return Result{}, false
			}
			return Result{Treasury: addr}, true
		},
	})
}

// Deposit sends native value into a treasury. Confirmed when the
// treasury's balance exceeds its pre-action value.
func (s *Service) Deposit(ctx context.Context, treasury string, amount *big.Int) (Result, error) {
	if amount == nil || amount.Sign() <= 0 {
		return Result{}, fmt.Errorf("dispatch: deposit amount must be positive")
	}

	callData, err := chain.EncodeCall("deposit()")
	if err != nil {
		return Result{}, err
	}

	var before *big.Int
	return s.run(ctx, runRequest{
		kind:     action.KindDeposit,
		entity:   strings.ToLower(treasury),
		contract: treasury,
		callData: callData,
		amount:   amount.String(),
		// The baseline must be read inside the single-flight claim: a
		// concurrent deposit would otherwise skew the comparison, and a
		// funded treasury with an unreadable baseline would falsely
		// satisfy the postcondition.
		prepare: func(ctx context.Context) error {
			balance, ok := s.query.TreasuryBalance(ctx, treasury)
			if !ok {
				return fmt.Errorf("dispatch: cannot read balance for %s", treasury)
			}
			before = balance
			return nil
		},
		probe: func(ctx context.Context) (Result, bool) {
			balance, ok := s.query.TreasuryBalance(ctx, treasury)
			if !ok {
				return Result{}, false
			}
			return Result{}, balance.Cmp(before) > 0
		},
	})
}

// CreateStream opens a stream to recipient at ratePerSecond. The new
// stream's id is the pre-action nextStreamId; confirmed when the counter
// moves past it.
func (s *Service) CreateStream(ctx context.Context, treasury, recipient string, ratePerSecond *big.Int) (Result, error) {
	callData, err := chain.EncodeCall("createStream(address,uint256)", recipient, ratePerSecond)
	if err != nil {
		return Result{}, err
	}

	before := s.query.NextStreamID(ctx, treasury)
	if before < 0 {
		return Result{}, fmt.Errorf("dispatch: cannot read next stream id for %s", treasury)
	}

	return s.run(ctx, runRequest{
		kind:     action.KindCreateStream,
		entity:   strings.ToLower(treasury),
		contract: treasury,
		callData: callData,
		probe: func(ctx context.Context) (Result, bool) {
			next := s.query.NextStreamID(ctx, treasury)
			if next <= before {
				return Result{}, false
			}
			res := Result{StreamID: before}
			if snap, ok := s.query.StreamState(ctx, treasury, before); ok {
				res.Snapshot = snap
			}
			return res, true
		},
	})
}

// PauseStream pauses a stream. Confirmed when the snapshot reports paused.
func (s *Service) PauseStream(ctx context.Context, treasury string, streamID int64) (Result, error) {
	return s.streamAction(ctx, action.KindPauseStream, "pauseStream(uint256)", treasury, streamID, true)
}

// ResumeStream resumes a paused stream. Confirmed when the snapshot
// reports unpaused.
func (s *Service) ResumeStream(ctx context.Context, treasury string, streamID int64) (Result, error) {
	return s.streamAction(ctx, action.KindResumeStream, "resumeStream(uint256)", treasury, streamID, false)
}

// StopStream stops a stream for good. The contract marks stopped streams
// paused, so confirmation matches pauseStream.
func (s *Service) StopStream(ctx context.Context, treasury string, streamID int64) (Result, error) {
	return s.streamAction(ctx, action.KindStopStream, "stopStream(uint256)", treasury, streamID, true)
}

func (s *Service) streamAction(ctx context.Context, kind action.Kind, signature, treasury string, streamID int64, wantPaused bool) (Result, error) {
	callData, err := chain.EncodeCall(signature, streamID)
	if err != nil {
		return Result{}, err
	}

	return s.run(ctx, runRequest{
		kind:     kind,
		entity:   fmt.Sprintf("%s#%d", strings.ToLower(treasury), streamID),
		contract: treasury,
		callData: callData,
		probe: func(ctx context.Context) (Result, bool) {
			snap, ok := s.query.StreamState(ctx, treasury, streamID)
			if !ok || snap.Paused != wantPaused {
				return Result{}, false
			}
			return Result{Snapshot: snap, StreamID: streamID}, true
		},
	})
}

type runRequest struct {
	kind     action.Kind
	entity   string
	contract string
	callData string
	amount   string
	// prepare runs after the single-flight claim and before submission;
	// an error fails the action.
	prepare func(ctx context.Context) error
	probe   func(ctx context.Context) (Result, bool)
}

func (s *Service) run(ctx context.Context, req runRequest) (Result, error) {
	handle, ok := s.session.Wallet()
	if !ok {
		return Result{}, ErrSessionInactive
	}

	rec, err := s.claim(ctx, req)
	if err != nil {
		return Result{}, err
	}

	log := s.log.WithField("action", rec.ID).WithField("kind", string(req.kind))

	if req.prepare != nil {
		if err := req.prepare(ctx); err != nil {
			return Result{}, s.failAction(ctx, rec, err)
		}
	}

	challengeID, err := s.submitter.ContractExecution(ctx, s.session.UserToken(), circle.ExecutionRequest{
		WalletID:        handle.ID,
		ContractAddress: req.contract,
		CallData:        req.callData,
		Amount:          req.amount,
	})
	if err != nil {
		return Result{}, s.failAction(ctx, rec, fmt.Errorf("submit: %w", err))
	}

	rec.ChallengeID = challengeID
	rec.Status = action.StatusChallenge
	rec = s.persist(ctx, rec)

	if err := s.session.Execute(ctx, challengeID); err != nil {
		// Signing rejection is terminal, never retried.
		return Result{}, s.failAction(ctx, rec, fmt.Errorf("sign: %w", err))
	}

	rec.Status = action.StatusExecuted
	rec = s.persist(ctx, rec)

	rec.Status = action.StatusConfirming
	rec = s.persist(ctx, rec)
	log.Info("action executed, confirming")

	executed := time.Now()
	result, err := s.confirm(ctx, req)
	switch {
	case err != nil && ctx.Err() != nil:
		// The signed transaction has likely landed; cancellation only
		// interrupted the watch, so the record stays unconfirmed.
		rec.Status = action.StatusUnconfirmed
		rec = s.persist(context.WithoutCancel(ctx), rec)
		metrics.RecordAction(string(req.kind), "unconfirmed", 0)
		log.WithError(err).Warn("confirmation interrupted, leaving action unconfirmed")
		return Result{Action: rec}, ctx.Err()
	case errors.Is(err, errNotYetConfirmed):
		rec.Status = action.StatusUnconfirmed
		rec = s.persist(ctx, rec)
		metrics.RecordAction(string(req.kind), "unconfirmed", 0)
		log.Warn("poll budget exhausted, scheduling background recheck")
		s.scheduleRecheck(rec, req.probe)
		result.Action = rec
		return result, nil
	case err != nil:
		return Result{}, s.failAction(ctx, rec, err)
	}

	rec.Status = action.StatusConfirmed
	rec = s.persist(ctx, rec)
	metrics.RecordAction(string(req.kind), "confirmed", time.Since(executed))
	log.Info("action confirmed")
	result.Action = rec
	return result, nil
}

// claim creates the action record if and only if no non-terminal record
// exists for the same (entity, kind).
func (s *Service) claim(ctx context.Context, req runRequest) (action.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, inFlight, err := s.store.InFlightAction(ctx, req.entity, req.kind)
	if err != nil {
		return action.Record{}, fmt.Errorf("in-flight lookup: %w", err)
	}
	if inFlight {
		return action.Record{}, ErrActionInFlight
	}

	return s.store.CreateAction(ctx, action.Record{
		Kind:     req.kind,
		Entity:   req.entity,
		Contract: req.contract,
		CallData: req.callData,
		Status:   action.StatusCreated,
	})
}

// confirm polls the postcondition on a fixed interval up to the retry
// ceiling. Returns errNotYetConfirmed on exhaustion.
func (s *Service) confirm(ctx context.Context, req runRequest) (Result, error) {
	select {
	case <-time.After(s.cfg.PollInterval):
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	policy := retrypolicy.NewBuilder[Result]().
		HandleErrors(errNotYetConfirmed).
		WithDelay(s.cfg.PollInterval).
		WithMaxRetries(s.cfg.MaxPolls - 1).
		ReturnLastFailure().
		Build()

	return failsafe.With(policy).WithContext(ctx).Get(func() (Result, error) {
		metrics.RecordConfirmationPoll(string(req.kind))
		result, ok := req.probe(ctx)
		if !ok {
			return Result{}, errNotYetConfirmed
		}
		return result, nil
	})
}

// scheduleRecheck runs the postcondition once more after RecheckDelay and
// flips an unconfirmed record to confirmed when it finally holds.
func (s *Service) scheduleRecheck(rec action.Record, probe func(ctx context.Context) (Result, bool)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		time.Sleep(s.cfg.RecheckDelay)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if _, ok := probe(ctx); ok {
			rec.Status = action.StatusConfirmed
			if _, err := s.store.UpdateAction(ctx, rec); err != nil {
				s.log.WithError(err).WithField("action", rec.ID).Warn("recheck update failed")
				return
			}
			metrics.RecordAction(string(rec.Kind), "late_confirmed", 0)
			s.log.WithField("action", rec.ID).Info("action confirmed on background recheck")
		}
	}()
}

func (s *Service) persist(ctx context.Context, rec action.Record) action.Record {
	updated, err := s.store.UpdateAction(ctx, rec)
	if err != nil {
		s.log.WithError(err).WithField("action", rec.ID).Warn("action update failed")
		return rec
	}
	return updated
}

func (s *Service) failAction(ctx context.Context, rec action.Record, err error) error {
	rec.Status = action.StatusFailed
	rec.Error = err.Error()
	if _, uerr := s.store.UpdateAction(ctx, rec); uerr != nil {
		s.log.WithError(uerr).WithField("action", rec.ID).Warn("failed to persist action failure")
	}
	metrics.RecordAction(string(rec.Kind), "failed", 0)
	s.log.WithError(err).WithField("action", rec.ID).Error("action failed")
	return err
}
