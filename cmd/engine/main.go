// Command engine runs the session and stream reconciliation engine: it
// bootstraps the custodial wallet session, dispatches treasury and stream
// actions through the wallet provider, and serves projected accrual totals
// over HTTP.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	app "github.com/starcpay/stream_engine/internal/app"
	"github.com/starcpay/stream_engine/internal/app/httpapi"
	"github.com/starcpay/stream_engine/internal/app/storage/sqlite"
	"github.com/starcpay/stream_engine/internal/backend"
	"github.com/starcpay/stream_engine/internal/chain"
	"github.com/starcpay/stream_engine/internal/circle"
	"github.com/starcpay/stream_engine/internal/config"
	"github.com/starcpay/stream_engine/internal/sdkbridge"
	"github.com/starcpay/stream_engine/pkg/logger"
)

func main() {
	configPath := flag.String("config", "engine.yaml", "path to yaml config file")
	addr := flag.String("addr", "", "HTTP listen address (overrides config)")
	flag.Parse()

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		logger.NewDefault("engine").WithError(err).Error("load config")
		os.Exit(1)
	}
	log := logger.New(logger.LoggingConfig{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Error("invalid config")
		os.Exit(1)
	}
	if *addr != "" {
		cfg.HTTPAddr = *addr
	}

	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		log.WithError(err).Error("open database")
		os.Exit(1)
	}
	defer store.Close()

	circleClient, err := circle.NewClient(circle.Config{
		BaseURL:           cfg.Circle.BaseURL,
		APIKey:            cfg.Circle.APIKey,
		Blockchain:        cfg.Circle.Blockchain,
		RequestsPerSecond: cfg.Circle.RequestsPerSecond,
	}, log)
	if err != nil {
		log.WithError(err).Error("create provider client")
		os.Exit(1)
	}
	chainClient, err := chain.NewClient(chain.Config{
		RPCURL:  cfg.Chain.RPCURL,
		ChainID: uint64(cfg.Chain.ChainID),
	})
	if err != nil {
		log.WithError(err).Error("create chain client")
		os.Exit(1)
	}
	backendClient, err := backend.NewClient(backend.Config{BaseURL: cfg.Backend.BaseURL})
	if err != nil {
		log.WithError(err).Error("create backend client")
		os.Exit(1)
	}
	executor, err := sdkbridge.New(sdkbridge.Config{BaseURL: cfg.Agent.BaseURL})
	if err != nil {
		log.WithError(err).Error("create signing agent bridge")
		os.Exit(1)
	}

	application, err := app.New(app.Options{
		Stores:   app.Stores{Session: store, Projects: store},
		Clients:  app.Clients{Circle: circleClient, Chain: chainClient, Backend: backendClient},
		Executor: executor,
		Config:   cfg,
		Log:      log,
	})
	if err != nil {
		log.WithError(err).Error("build application")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := application.Start(ctx); err != nil {
		log.WithError(err).Error("start application")
		os.Exit(1)
	}

	// The signing agent may not be up yet; the session stays Ready until a
	// connect succeeds.
	go connectSession(ctx, application, executor, log)

	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewHandler(application),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.WithField("addr", cfg.HTTPAddr).Info("status API listening")
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			log.WithError(err).Error("http server")
			cancel()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("server shutdown")
	}
	if err := application.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("application shutdown")
	}
}

// connectSession runs the wallet session bootstrap and resumes projection
// tracking for cached projects. Failures leave the session reconnectable.
func connectSession(ctx context.Context, application *app.Application, executor *sdkbridge.Executor, log *logger.Logger) {
	if err := application.Session.Connect(ctx); err != nil {
		log.WithError(err).Warn("session connect")
		return
	}
	login, ok := executor.LoginResult()
	if !ok {
		log.Warn("login flow finished without a result")
		return
	}
	if err := application.Session.OnLoginComplete(ctx, login, nil); err != nil {
		log.WithError(err).Warn("session login")
		return
	}
	if err := application.Projects.Resume(ctx); err != nil {
		log.WithError(err).Warn("resume stream tracking")
	}
}
