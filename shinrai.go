// Package shinrai is the public API for embedding the Shinrai agent
// execution and resilience server.
//
// Consumers import this package to construct and extend the server without
// forking it:
//
//	app, err := shinrai.New(
//	    shinrai.WithVersion(version),
//	    shinrai.WithLogger(logger),
//	    shinrai.WithAgent(myDescriptor, myFactory),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: shinrai (root) imports
// internal/*, but internal/* never imports shinrai (root). Public types
// (AgentInput, AgentOutput, AgentDescriptor) are standalone structs with no
// internal imports; conversion helpers live here because this is the only
// file that sees both sides of the boundary.
package shinrai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/shinrai-ai/shinrai/api"
	"github.com/shinrai-ai/shinrai/internal/agent"
	"github.com/shinrai-ai/shinrai/internal/auth"
	"github.com/shinrai-ai/shinrai/internal/breaker"
	"github.com/shinrai-ai/shinrai/internal/config"
	"github.com/shinrai-ai/shinrai/internal/model"
	"github.com/shinrai-ai/shinrai/internal/prover"
	"github.com/shinrai-ai/shinrai/internal/ratelimit"
	"github.com/shinrai-ai/shinrai/internal/registry"
	"github.com/shinrai-ai/shinrai/internal/retry"
	"github.com/shinrai-ai/shinrai/internal/runner"
	"github.com/shinrai-ai/shinrai/internal/schedule"
	"github.com/shinrai-ai/shinrai/internal/server"
	"github.com/shinrai-ai/shinrai/internal/storage"
	"github.com/shinrai-ai/shinrai/internal/telemetry"
	"github.com/shinrai-ai/shinrai/migrations"
)

// App is the Shinrai server lifecycle. Construct with New(), run with
// Run(). App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB
	srv          *server.Server
	runner       *runner.Runner
	scheduler    *schedule.Scheduler
	prover       *prover.Prover
	breaker      *breaker.Breaker
	limiter      ratelimit.Limiter
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the Shinrai server. It connects to the database, runs
// migrations, wires all subsystems, and returns a ready-to-run App.
// It does NOT start any goroutines or accept HTTP connections — call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration (env vars), then apply option overrides.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("shinrai starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	db, err := storage.New(context.Background(), cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}

	if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("migrations: %w", err)
	}
	for i, extraFS := range o.extraMigrations {
		if err := db.RunMigrations(context.Background(), extraFS); err != nil {
			db.Close(context.Background())
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("extra migrations[%d]: %w", i, err)
		}
	}

	if err := seedOperatorKey(context.Background(), db, cfg.OperatorAPIKey, logger); err != nil {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("seed operator key: %w", err)
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("auth: %w", err)
	}

	descriptors, factories, err := agentCatalog(db, logger, o.agents)
	if err != nil {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, err
	}

	reg, err := registry.New(registry.Config{
		Descriptors: descriptors,
		Factories:   factories,
		Logger:      logger,
	})
	if err != nil {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("registry: %w", err)
	}

	cb := breaker.New(breaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		ResetTimeout:     cfg.BreakerResetTimeout,
	}, db, logger)

	run := runner.New(db, reg, cb, runner.Config{
		Retry: retry.Policy{
			MaxAttempts:  cfg.RetryMaxAttempts,
			InitialDelay: cfg.RetryInitialDelay,
			MaxDelay:     cfg.RetryMaxDelay,
			Multiplier:   cfg.RetryMultiplier,
		},
		AttemptTimeout: cfg.AttemptTimeout,
	}, logger)

	sched, err := schedule.NewScheduler(schedule.Config{
		Launcher:    run,
		Descriptors: descriptors,
		Logger:      logger,
	})
	if err != nil {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("scheduler: %w", err)
	}

	prv := prover.New(db, cfg.ProofInterval, logger)

	limiter := ratelimit.NewMemoryLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst)

	srv := server.New(server.Config{
		Store:               db,
		Launcher:            run,
		Registry:            reg,
		Breaker:             cb,
		JWTManager:          jwtMgr,
		Limiter:             limiter,
		Logger:              logger,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		Version:             version,
		OpenAPISpec:         api.OpenAPISpec,
	})

	return &App{
		cfg:          cfg,
		db:           db,
		srv:          srv,
		runner:       run,
		scheduler:    sched,
		prover:       prv,
		breaker:      cb,
		limiter:      limiter,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts the scheduler, the audit prover and the HTTP server, then
// blocks until ctx is cancelled or the server fails. On cancellation it
// shuts the system down in dependency order and waits for in-flight runs
// to reach a terminal state.
func (a *App) Run(ctx context.Context) error {
	a.scheduler.Start(ctx)
	a.prover.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		a.shutdown()
		return err
	}

	a.logger.Info("shinrai shutting down")
	a.shutdown()
	a.logger.Info("shinrai stopped")
	return nil
}

// shutdown stops subsystems in dependency order, each phase on its own
// timeout. Order: (1) stop accepting new HTTP requests and drain in-flight ones,
// (2) stop the scheduler and prover so no new runs start, (3) wait for
// launched runs to reach a terminal state so their audit trail is
// complete.
func (a *App) shutdown() {
	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	a.scheduler.Stop()
	a.prover.Stop()

	runCtx, runCancel := context.WithTimeout(context.Background(), 15*time.Second)
	if err := a.runner.Wait(runCtx); err != nil {
		a.logger.Error("run drain error", "error", err)
	}
	runCancel()

	_ = a.limiter.Close()
	a.db.Close(context.Background())
	_ = a.otelShutdown(context.Background())
}

// Handler returns the fully wired HTTP handler, for embedding the API
// under an existing server or for tests.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// agentCatalog merges the built-in agents with registered custom agents.
func agentCatalog(db *storage.DB, logger *slog.Logger, custom []agentRegistration) ([]model.AgentDescriptor, map[string]registry.Factory, error) {
	descriptors := builtinDescriptors()
	factories := map[string]registry.Factory{
		"heartbeat": func(context.Context) (agent.Agent, error) {
			return agent.NewHeartbeat(), nil
		},
		"digest": func(context.Context) (agent.Agent, error) {
			return agent.NewDigest(db, logger, 24*time.Hour), nil
		},
		"funding_watch": func(context.Context) (agent.Agent, error) {
			return agent.NewFundingWatch(os.Getenv(agent.CapabilityFundingFeed), nil), nil
		},
	}

	for _, reg := range custom {
		if _, exists := factories[reg.descriptor.ID]; exists {
			return nil, nil, fmt.Errorf("agent id %q already registered", reg.descriptor.ID)
		}
		descriptors = append(descriptors, toInternalDescriptor(reg.descriptor))
		factory := reg.factory
		factories[reg.descriptor.ID] = func(ctx context.Context) (agent.Agent, error) {
			a, err := factory(ctx)
			if err != nil {
				return nil, err
			}
			return &publicAgentAdapter{inner: a}, nil
		}
	}
	return descriptors, factories, nil
}

// builtinDescriptors is the built-in agent catalog.
func builtinDescriptors() []model.AgentDescriptor {
	return []model.AgentDescriptor{
		{
			ID:       "heartbeat",
			Name:     "Heartbeat",
			Enabled:  true,
			Autonomy: model.AutonomyAutonomous,
			Schedule: "*/5 * * * *",
		},
		{
			ID:       "digest",
			Name:     "Transparency Digest",
			Enabled:  true,
			Autonomy: model.AutonomySemiAutonomous,
			Schedule: "0 9 * * *",
		},
		{
			ID:                   "funding_watch",
			Name:                 "Funding Feed Watch",
			RequiredCapabilities: []string{agent.CapabilityFundingFeed},
			Enabled:              true,
			Autonomy:             model.AutonomyAdvisory,
			Schedule:             "0 * * * *",
		},
	}
}

// seedOperatorKey ensures at least one operator key exists. When the table
// is empty it hashes SHINRAI_OPERATOR_API_KEY if set, otherwise generates
// a fresh key and logs the plaintext once.
func seedOperatorKey(ctx context.Context, db *storage.DB, configured string, logger *slog.Logger) error {
	count, err := db.CountOperatorKeys(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	key := configured
	generated := false
	if key == "" {
		key, _, err = auth.GenerateOperatorKey()
		if err != nil {
			return err
		}
		generated = true
	}
	if len(key) < auth.KeyPrefixLen {
		return fmt.Errorf("operator key too short (min %d chars)", auth.KeyPrefixLen)
	}

	hash, err := auth.HashKey(key)
	if err != nil {
		return err
	}
	if _, err := db.CreateOperatorKey(ctx, storage.OperatorKey{
		Prefix:  key[:auth.KeyPrefixLen],
		KeyHash: hash,
		Label:   "bootstrap",
	}); err != nil {
		return err
	}

	if generated {
		// Shown once; only the hash is stored.
		logger.Warn("generated bootstrap operator key", "key", key)
	} else {
		logger.Info("seeded operator key from environment")
	}
	return nil
}

// publicAgentAdapter bridges a public Agent into the internal interface.
type publicAgentAdapter struct {
	inner Agent
}

func (p *publicAgentAdapter) Execute(ctx context.Context, input model.AgentInput) (model.AgentOutput, error) {
	out, err := p.inner.Execute(ctx, AgentInput{
		Trigger: input.Trigger,
		Payload: input.Payload,
		Context: input.Context,
	})
	if err != nil {
		return model.AgentOutput{}, err
	}
	return model.AgentOutput{
		Success:        out.Success,
		Data:           out.Data,
		Confidence:     out.Confidence,
		Reasoning:      out.Reasoning,
		RequiresReview: out.RequiresReview,
		Errors:         out.Errors,
	}, nil
}

// toInternalDescriptor converts a public descriptor for registry use.
func toInternalDescriptor(d AgentDescriptor) model.AgentDescriptor {
	return model.AgentDescriptor{
		ID:                   d.ID,
		Name:                 d.Name,
		RequiredCapabilities: d.RequiredCapabilities,
		Enabled:              d.Enabled,
		Autonomy:             model.AutonomyLevel(d.Autonomy),
		Schedule:             d.Schedule,
	}
}
