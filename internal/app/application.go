package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"coderoom/internal/api"
	"coderoom/internal/config"
	"coderoom/internal/database"
	"coderoom/internal/hub"
	"coderoom/internal/jobs"
	"coderoom/internal/metrics"
	"coderoom/internal/providers"
	"coderoom/internal/router"
	"coderoom/internal/session"
	"coderoom/internal/websocket"
	dbconfig "coderoom/pkg/database"
	"coderoom/pkg/interfaces"
)

// Application owns every component and its shutdown order.
type Application struct {
	config  *config.Config
	logger  logrus.FieldLogger
	metrics *metrics.Metrics

	repo      interfaces.SessionRepository
	providers *providerSet
	sessions  *session.Manager
	registry  *websocket.Registry
	relay     *hub.Hub
	apiServer *api.Server
	scheduler *jobs.Scheduler

	httpServer *http.Server
	listener   net.Listener
	cancel     context.CancelFunc
}

// providerSet groups the external resource clients with their closer.
type providerSet struct {
	identities interfaces.IdentityDirectory
	video      interfaces.VideoRoomService
	chat       interfaces.ChatChannelService
	close      func() error
}

// NewApplication builds the component graph in dependency order:
// repository, providers, relay, session manager, transports, jobs.
func NewApplication(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var (
		m        *metrics.Metrics
		gatherer prometheus.Gatherer
	)
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		m = metrics.New(reg)
		gatherer = reg
	}

	repo, err := OpenRepository(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	ps, err := newProviders(cfg.Providers, logger)
	if err != nil {
		_ = repo.Close()
		return nil, err
	}

	registry := websocket.NewRegistry()
	relay := hub.NewHub(registry, router.NewRouter(registry, m, logger), m, logger)

	sessions := session.NewManager(repo, ps.identities, ps.video, ps.chat, session.Options{
		DefaultMaxParticipants: cfg.Session.DefaultMaxParticipants,
		CompensationTimeout:    cfg.Session.CompensationTimeout,
		Metrics:                m,
		Logger:                 logger,
		Notifier:               relay,
	})

	var limiter *api.RateLimiter
	if cfg.RateLimit.Enabled {
		limiter = api.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	}

	apiServer := api.NewServer(sessions, repo, relay, api.Options{
		Limiter:  limiter,
		Metrics:  m,
		Gatherer: gatherer,
		Logger:   logger,
	})

	wsHandler := websocket.NewHandler(relay, sessions, websocket.HandlerConfig{
		PingInterval: cfg.WebSocket.PingInterval,
		ReadTimeout:  cfg.WebSocket.ReadTimeout,
		WriteTimeout: cfg.WebSocket.WriteTimeout,
		SendBuffer:   cfg.WebSocket.BufferSize,
	}, m, logger)
	apiServer.Handle("GET /ws", http.HandlerFunc(wsHandler.HandleWebSocket))

	var pruner jobs.Pruner
	if limiter != nil {
		pruner = limiter
	}
	var counter jobs.ActiveCounter
	if m != nil {
		counter = repo
	}
	scheduler, err := jobs.NewScheduler(pruner, counter, m, jobs.Config{LimiterIdle: cfg.RateLimit.IdleTimeout}, logger)
	if err != nil {
		_ = ps.close()
		_ = repo.Close()
		return nil, err
	}

	return &Application{
		config:    cfg,
		logger:    logger.WithField("component", "app"),
		metrics:   m,
		repo:      repo,
		providers: ps,
		sessions:  sessions,
		registry:  registry,
		relay:     relay,
		apiServer: apiServer,
		scheduler: scheduler,
		httpServer: &http.Server{
			Addr:         cfg.Address(),
			Handler:      apiServer,
			ReadTimeout:  cfg.HTTP.ReadTimeout,
			WriteTimeout: cfg.HTTP.WriteTimeout,
		},
	}, nil
}

// OpenRepository opens the configured session store.
func OpenRepository(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger) (interfaces.SessionRepository, error) {
	rc := cfg.Repository
	sqlite := dbconfig.DefaultConfig()
	sqlite.DatabasePath = rc.SQLitePath
	if rc.SQLiteTimeout > 0 {
		sqlite.WriteTimeout = rc.SQLiteTimeout
	}

	repo, err := database.Open(ctx, database.Options{
		Driver:        rc.Driver,
		SQLite:        sqlite,
		MongoURI:      rc.MongoURI,
		MongoDatabase: rc.MongoDatabase,
		RedisURL:      rc.RedisURL,
		MaxRetries:    rc.MaxRetries,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s repository: %w", rc.Driver, err)
	}
	return repo, nil
}

func newProviders(pc *config.ProvidersConfig, logger logrus.FieldLogger) (*providerSet, error) {
	switch pc.Kind {
	case config.ProvidersStream:
		client, err := providers.NewStreamClient(providers.StreamConfig{
			BaseURL:   pc.BaseURL,
			APIKey:    pc.APIKey,
			APISecret: pc.APISecret,
			Timeout:   pc.Timeout,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create provider client: %w", err)
		}
		return &providerSet{
			identities: providers.NewCachedIdentityDirectory(client.Identities(), pc.IdentityCacheTTL),
			video:      client.Video(),
			chat:       client.Chat(),
			close:      client.Close,
		}, nil

	default:
		return &providerSet{
			identities: providers.NewCachedIdentityDirectory(providers.NewMemoryIdentities(), pc.IdentityCacheTTL),
			video:      providers.NewMemoryVideoRooms(),
			chat:       providers.NewMemoryChatChannels(),
			close:      func() error { return nil },
		}, nil
	}
}

// Start starts the relay and jobs, then serves HTTP in the background.
// It returns once the listener is bound.
func (app *Application) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	app.cancel = cancel

	if err := app.relay.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("failed to start relay hub: %w", err)
	}

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", app.httpServer.Addr)
	if err != nil {
		_ = app.relay.Stop()
		cancel()
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	app.listener = listener

	app.scheduler.Start()

	go func() {
		if err := app.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.logger.WithError(err).Error("HTTP server stopped unexpectedly")
		}
	}()

	app.logger.WithFields(logrus.Fields{
		"addr":       listener.Addr().String(),
		"repository": app.config.Repository.Driver,
		"providers":  app.config.Providers.Kind,
	}).Info("coderoom started")
	return nil
}

// Stop shuts down in reverse dependency order. Every step runs even if an
// earlier one fails; failures are joined.
func (app *Application) Stop(ctx context.Context) error {
	app.logger.Info("shutting down")

	var errs []error
	if err := app.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := app.scheduler.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := app.relay.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		errs = append(errs, fmt.Errorf("relay shutdown: %w", err))
	}
	if app.cancel != nil {
		app.cancel()
	}
	if err := app.providers.close(); err != nil {
		errs = append(errs, fmt.Errorf("providers shutdown: %w", err))
	}
	if err := app.repo.Close(); err != nil {
		errs = append(errs, fmt.Errorf("repository shutdown: %w", err))
	}

	for _, err := range errs {
		app.logger.WithError(err).Error("shutdown step failed")
	}
	app.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

// Addr returns the bound listen address once started.
func (app *Application) Addr() string {
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

// Sessions exposes the session manager.
func (app *Application) Sessions() *session.Manager {
	return app.sessions
}

// ShutdownTimeout is the configured grace period for Stop.
func (app *Application) ShutdownTimeout() time.Duration {
	return app.config.HTTP.ShutdownTimeout
}
