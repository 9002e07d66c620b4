// Package projects stitches confirmed stream creation into backend
// project records and keeps a local cache for display and poller keying.
package projects

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/starcpay/stream_engine/internal/app/domain/project"
	"github.com/starcpay/stream_engine/internal/app/domain/stream"
	"github.com/starcpay/stream_engine/internal/app/domain/wallet"
	"github.com/starcpay/stream_engine/internal/app/services/dispatch"
	"github.com/starcpay/stream_engine/internal/app/services/projector"
	"github.com/starcpay/stream_engine/internal/app/storage"
	"github.com/starcpay/stream_engine/internal/backend"
	"github.com/starcpay/stream_engine/pkg/logger"
)

// Dispatcher creates the on-chain stream for a new engagement.
type Dispatcher interface {
	CreateStream(ctx context.Context, treasury, recipient string, ratePerSecond *big.Int) (dispatch.Result, error)
}

// Backend is the remote project store.
type Backend interface {
	CreateProject(ctx context.Context, proj backend.Project) (string, error)
	ListProjects(ctx context.Context, walletAddress, status string) ([]backend.Project, error)
}

// Tracker registers confirmed streams for continuous projection.
type Tracker interface {
	Track(key projector.Key)
}

// Session resolves the contractor's wallet.
type Session interface {
	Wallet() (wallet.Handle, bool)
}

// CreateRequest describes a new streaming engagement.
type CreateRequest struct {
	Name            string
	FreelancerAlias string
	GithubUsername  string
	FreelancerAddr  string
	Treasury        string
	Rate            string // human decimal, e.g. "86.4"
	Unit            stream.Unit
	TotalBudget     float64
	EvaluationMode  string
	RepoURL         string
	MeetLink        string
	Specification   json.RawMessage
	StartDate       time.Time
	EndDate         time.Time
	InstallationID  string
}

// Service orchestrates engagement creation and listing.
type Service struct {
	dispatcher Dispatcher
	backend    Backend
	tracker    Tracker
	session    Session
	store      storage.ProjectStore
	log        *logger.Logger
}

// New constructs a projects service.
func New(dispatcher Dispatcher, remote Backend, tracker Tracker, session Session, store storage.ProjectStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("projects")
	}
	return &Service{
		dispatcher: dispatcher,
		backend:    remote,
		tracker:    tracker,
		session:    session,
		store:      store,
		log:        log,
	}
}

// Create converts the rate, opens the stream, records the project in the
// backend and the local cache, and registers the stream for projection.
// An unconfirmed stream still produces a record: the expected stream id is
// the pre-action counter value.
func (s *Service) Create(ctx context.Context, req CreateRequest) (project.Record, error) {
	if req.Treasury == "" {
		return project.Record{}, fmt.Errorf("projects: treasury required")
	}
	if req.FreelancerAddr == "" {
		return project.Record{}, fmt.Errorf("projects: freelancer wallet address required")
	}

	handle, ok := s.session.Wallet()
	if !ok {
		return project.Record{}, fmt.Errorf("projects: no active wallet session")
	}

	ratePerSecond, err := stream.ConvertRate(req.Rate, req.Unit)
	if err != nil {
		return project.Record{}, fmt.Errorf("convert rate: %w", err)
	}
	if ratePerSecond.Sign() <= 0 {
		return project.Record{}, fmt.Errorf("projects: rate must be positive")
	}

	res, err := s.dispatcher.CreateStream(ctx, req.Treasury, req.FreelancerAddr, ratePerSecond)
	if err != nil {
		return project.Record{}, fmt.Errorf("create stream: %w", err)
	}

	tenure := project.Tenure(req.StartDate, req.EndDate)
	spec := req.Specification
	if spec == nil {
		spec = json.RawMessage(`{}`)
	}

	backendID, err := s.backend.CreateProject(ctx, backend.Project{
		FreelanceAlias:  req.FreelancerAlias,
		GithubUsername:  req.GithubUsername,
		EmployeeWallet:  req.FreelancerAddr,
		EmployerWallet:  handle.Address,
		RepoURL:         req.RepoURL,
		MilestoneSpec:   spec,
		GmeetLink:       req.MeetLink,
		TotalBudget:     req.TotalBudget,
		EvaluationMode:  req.EvaluationMode,
		StartDate:       req.StartDate.Format(time.RFC3339),
		EndDate:         req.EndDate.Format(time.RFC3339),
		TotalTenureDays: tenure,
		InstallationID:  req.InstallationID,
		StreamID:        strconv.FormatInt(res.StreamID, 10),
		TreasuryAddress: req.Treasury,
	})
	if err != nil {
		return project.Record{}, fmt.Errorf("register project: %w", err)
	}

	rec, err := s.store.CreateProject(ctx, project.Record{
		ID:              backendID,
		Name:            req.Name,
		FreelancerAlias: req.FreelancerAlias,
		FreelancerAddr:  req.FreelancerAddr,
		ContractorAddr:  handle.Address,
		TreasuryAddress: req.Treasury,
		StreamID:        res.StreamID,
		RatePerSecond:   ratePerSecond.String(),
		Status:          "active",
		TotalBudget:     req.TotalBudget,
		EvaluationMode:  req.EvaluationMode,
		RepoURL:         req.RepoURL,
		MeetLink:        req.MeetLink,
		Specification:   spec,
		StartDate:       req.StartDate,
		EndDate:         req.EndDate,
		TenureDays:      tenure,
	})
	if err != nil {
		return project.Record{}, fmt.Errorf("cache project: %w", err)
	}

	s.tracker.Track(projector.Key{Treasury: strings.ToLower(req.Treasury), StreamID: res.StreamID})
	s.log.WithField("project", rec.ID).WithField("stream", res.StreamID).Info("engagement created")
	return rec, nil
}

// List returns the session owner's projects, refreshing the local cache
// from the backend. A backend failure degrades to the cached records.
func (s *Service) List(ctx context.Context) ([]project.Record, error) {
	handle, ok := s.session.Wallet()
	if !ok {
		return nil, fmt.Errorf("projects: no active wallet session")
	}

	remote, err := s.backend.ListProjects(ctx, handle.Address, "")
	if err != nil {
		s.log.WithError(err).Warn("backend list failed, serving cache")
		return s.store.ListProjects(ctx, handle.Address)
	}

	for _, proj := range remote {
		rec := recordFromBackend(proj, handle.Address)
		if _, err := s.store.UpdateProject(ctx, rec); err == nil {
			continue
		}
		if _, err := s.store.CreateProject(ctx, rec); err != nil {
			s.log.WithError(err).WithField("project", rec.ID).Warn("cache refresh failed")
		}
	}

	return s.store.ListProjects(ctx, handle.Address)
}

// Resume re-registers every cached project's stream with the projector,
// for process restarts.
func (s *Service) Resume(ctx context.Context) error {
	handle, ok := s.session.Wallet()
	if !ok {
		return fmt.Errorf("projects: no active wallet session")
	}
	recs, err := s.store.ListProjects(ctx, handle.Address)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if rec.TreasuryAddress == "" {
			continue
		}
		s.tracker.Track(projector.Key{Treasury: strings.ToLower(rec.TreasuryAddress), StreamID: rec.StreamID})
	}
	return nil
}

func recordFromBackend(proj backend.Project, owner string) project.Record {
	streamID, _ := strconv.ParseInt(proj.StreamID, 10, 64)
	start, _ := time.Parse(time.RFC3339, proj.StartDate)
	end, _ := time.Parse(time.RFC3339, proj.EndDate)
	created, _ := time.Parse(time.RFC3339, proj.CreatedAt)
	return project.Record{
		ID:              proj.ProjectID,
		FreelancerAlias: proj.FreelanceAlias,
		FreelancerAddr:  proj.EmployeeWallet,
		ContractorAddr:  owner,
		TreasuryAddress: proj.TreasuryAddress,
		StreamID:        streamID,
		Status:          proj.Status,
		TotalBudget:     proj.TotalBudget,
		EvaluationMode:  proj.EvaluationMode,
		RepoURL:         proj.RepoURL,
		MeetLink:        proj.GmeetLink,
		Specification:   proj.MilestoneSpec,
		StartDate:       start,
		EndDate:         end,
		TenureDays:      proj.TotalTenureDays,
		CreatedAt:       created,
	}
}
