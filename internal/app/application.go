package app

import (
	"context"
	"fmt"

	"github.com/starcpay/stream_engine/internal/app/services/dispatch"
	"github.com/starcpay/stream_engine/internal/app/services/projector"
	"github.com/starcpay/stream_engine/internal/app/services/projects"
	"github.com/starcpay/stream_engine/internal/app/services/session"
	"github.com/starcpay/stream_engine/internal/app/services/streamquery"
	"github.com/starcpay/stream_engine/internal/app/storage"
	"github.com/starcpay/stream_engine/internal/app/storage/memory"
	"github.com/starcpay/stream_engine/internal/app/system"
	"github.com/starcpay/stream_engine/internal/backend"
	"github.com/starcpay/stream_engine/internal/chain"
	"github.com/starcpay/stream_engine/internal/circle"
	"github.com/starcpay/stream_engine/internal/config"
	"github.com/starcpay/stream_engine/pkg/logger"
)

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation.
type Stores struct {
	Session  storage.SessionStore
	Actions  storage.ActionStore
	Projects storage.ProjectStore
}

// Clients are the external collaborators.
type Clients struct {
	Circle  *circle.Client
	Chain   *chain.Client
	Backend *backend.Client
}

// Options configures application construction.
type Options struct {
	Stores   Stores
	Clients  Clients
	Executor session.ChallengeExecutor
	Config   *config.Config
	Log      *logger.Logger
}

// Application ties the engine's services together and manages their
// lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Session   *session.Service
	Query     *streamquery.Service
	Dispatch  *dispatch.Service
	Projector *projector.Service
	Projects  *projects.Service

	// Actions exposes the action record store for read-only observers.
	Actions storage.ActionStore
}

// New builds a fully initialised application.
func New(opts Options) (*Application, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if opts.Clients.Circle == nil || opts.Clients.Chain == nil {
		return nil, fmt.Errorf("circle and chain clients are required")
	}
	if opts.Clients.Backend == nil {
		return nil, fmt.Errorf("backend client is required")
	}
	if opts.Executor == nil {
		return nil, fmt.Errorf("challenge executor is required")
	}

	log := opts.Log
	if log == nil {
		log = logger.NewDefault("app")
	}

	stores := opts.Stores
	mem := memory.New()
	if stores.Session == nil {
		stores.Session = mem
	}
	if stores.Actions == nil {
		stores.Actions = mem
	}
	if stores.Projects == nil {
		stores.Projects = mem
	}

	cfg := opts.Config
	manager := system.NewManager()

	sessionService := session.New(opts.Clients.Circle, opts.Executor, stores.Session, session.Config{
		SettleDelay: cfg.Engine.SettleDelay.Std(),
	}, log)

	queryService := streamquery.New(opts.Clients.Circle, opts.Clients.Chain, cfg.Chain.FactoryAddress, log)

	dispatchService := dispatch.New(opts.Clients.Circle, sessionService, queryService, stores.Actions, dispatch.Config{
		FactoryAddress: cfg.Chain.FactoryAddress,
		PollInterval:   cfg.Engine.ConfirmInterval.Std(),
		MaxPolls:       cfg.Engine.ConfirmMaxPolls,
		RecheckDelay:   cfg.Engine.RecheckDelay.Std(),
	}, log)

	projectorService := projector.New(queryService, projector.Config{
		PollInterval:       cfg.Engine.GroundTruthPoll.Std(),
		ProjectionInterval: cfg.Engine.ProjectionInterval.Std(),
	}, log)

	projectsService := projects.New(dispatchService, opts.Clients.Backend, projectorService, sessionService, stores.Projects, log)

	for _, name := range []string{"session", "dispatch", "projects"} {
		if err := manager.Register(system.NoopService{ServiceName: name}); err != nil {
			return nil, fmt.Errorf("register %s service: %w", name, err)
		}
	}
	if err := manager.Register(projectorService); err != nil {
		return nil, fmt.Errorf("register projector: %w", err)
	}

	return &Application{
		manager:   manager,
		log:       log,
		Session:   sessionService,
		Query:     queryService,
		Dispatch:  dispatchService,
		Projector: projectorService,
		Projects:  projectsService,
		Actions:   stores.Actions,
	}, nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start resolves the device identity and begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	if err := a.Session.Init(ctx); err != nil {
		return fmt.Errorf("init session: %w", err)
	}
	return a.manager.Start(ctx)
}

// Stop stops registered services and waits for pending background
// rechecks.
func (a *Application) Stop(ctx context.Context) error {
	err := a.manager.Stop(ctx)
	a.Dispatch.Close()
	return err
}
