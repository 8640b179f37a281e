// Package runtime assembles the configured roles into one running process:
// storage, event bus, model client, workflow stages and the HTTP surface.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/tjfontaine/autonomic-gateway/internal/adapters/events/direct"
	natsbus "github.com/tjfontaine/autonomic-gateway/internal/adapters/events/nats"
	"github.com/tjfontaine/autonomic-gateway/internal/auditor"
	"github.com/tjfontaine/autonomic-gateway/internal/auth"
	"github.com/tjfontaine/autonomic-gateway/internal/backend/openai"
	"github.com/tjfontaine/autonomic-gateway/internal/core/domain"
	"github.com/tjfontaine/autonomic-gateway/internal/core/ports"
	"github.com/tjfontaine/autonomic-gateway/internal/evaluator"
	"github.com/tjfontaine/autonomic-gateway/internal/feedback"
	"github.com/tjfontaine/autonomic-gateway/internal/gateway"
	"github.com/tjfontaine/autonomic-gateway/internal/generation"
	"github.com/tjfontaine/autonomic-gateway/internal/metrics"
	"github.com/tjfontaine/autonomic-gateway/internal/pipeline"
	"github.com/tjfontaine/autonomic-gateway/internal/pkg/config"
	"github.com/tjfontaine/autonomic-gateway/internal/refiner"
	"github.com/tjfontaine/autonomic-gateway/internal/seed"
	"github.com/tjfontaine/autonomic-gateway/internal/server"
	"github.com/tjfontaine/autonomic-gateway/internal/storage"
)

// Runtime runs the roles of one process. It can be embedded in a larger
// application or run standalone by cmd/autonomic.
type Runtime struct {
	// Dependencies (injected via options, otherwise built from config)
	config    ports.ConfigProvider
	storage   ports.StorageProvider
	bus       ports.EventBus
	generator ports.Generator
	alerter   ports.Alerter
	metrics   *metrics.Metrics
	seed      *seed.Document
	roles     []string
	noListen  bool
	logger    *slog.Logger

	// Internal state
	cfg     *config.Config
	pricing *generation.Pricing
	deps    *pipeline.Deps
	runner  *pipeline.Runner
	server  *server.Server
	errc    chan error

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.RWMutex
}

// New creates a Runtime with the given options. A config provider is
// required; storage, bus and generator default to what the config names.
func New(opts ...Option) (*Runtime, error) {
	r := &Runtime{
		logger: slog.Default(),
		errc:   make(chan error, 1),
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	if r.config == nil {
		return nil, fmt.Errorf("config provider required (use WithFileConfig or WithConfigProvider)")
	}
	if r.metrics == nil {
		r.metrics = metrics.New()
	}
	if r.seed == nil {
		r.seed = seed.Default()
	}
	return r, nil
}

// Start loads the config, builds missing adapters, seeds an empty store,
// subscribes the worker roles and starts the HTTP server.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.ctx, r.cancel = context.WithCancel(ctx)

	cfg, err := r.config.Load(r.ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if len(r.roles) > 0 {
		cfg.Roles = r.roles
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	r.cfg = cfg

	if err := r.initAdapters(cfg); err != nil {
		return err
	}
	if err := r.seedIfEmpty(r.ctx); err != nil {
		return fmt.Errorf("seed: %w", err)
	}

	r.deps = &pipeline.Deps{
		Store:     r.storage,
		Bus:       r.bus,
		Generator: r.generator,
		Alerter:   r.alerter,
		Metrics:   r.metrics,
		Logger:    r.logger,
	}

	if err := r.startWorkers(cfg); err != nil {
		return fmt.Errorf("start workers: %w", err)
	}
	if err := r.startServer(cfg); err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	go r.watchConfig()

	r.logger.Info("runtime started",
		slog.Int("port", cfg.Server.Port),
		slog.Any("roles", cfg.Roles),
		slog.String("storage", cfg.Storage.Type),
		slog.String("events", cfg.Events.Type))
	return nil
}

// Err reports a server that stopped on its own.
func (r *Runtime) Err() <-chan error {
	return r.errc
}

// Handler returns the HTTP handler, or nil before Start.
func (r *Runtime) Handler() http.Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.server == nil {
		return nil
	}
	return r.server.Router
}

// Config returns the config in effect, or nil before Start.
func (r *Runtime) Config() *config.Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

// Deps returns the workflow dependencies, or nil before Start.
func (r *Runtime) Deps() *pipeline.Deps {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.deps
}

// Shutdown stops the server and the workers, then closes the adapters.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.logger.Info("shutting down runtime")

	var errs []error
	if r.server != nil && !r.noListen {
		if err := r.server.Shutdown(ctx); err != nil {
			r.logger.Error("failed to shutdown server", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}
	if r.runner != nil {
		if err := r.runner.Stop(); err != nil {
			r.logger.Error("failed to stop workers", slog.String("error", err.Error()))
		}
	}
	if r.cancel != nil {
		r.cancel()
	}

	// Close resources
	if r.bus != nil {
		if err := r.bus.Close(); err != nil {
			r.logger.Error("failed to close events", slog.String("error", err.Error()))
		}
	}
	if r.storage != nil {
		if err := r.storage.Close(); err != nil {
			r.logger.Error("failed to close storage", slog.String("error", err.Error()))
		}
	}
	if r.config != nil {
		if err := r.config.Close(); err != nil {
			r.logger.Error("failed to close config", slog.String("error", err.Error()))
		}
	}

	r.logger.Info("runtime shutdown complete")
	return errors.Join(errs...)
}

func (r *Runtime) initAdapters(cfg *config.Config) error {
	if r.storage == nil {
		store, err := storage.Open(cfg.Storage)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		r.storage = store
	}

	if r.bus == nil {
		switch cfg.Events.Type {
		case "nats":
			bus, err := natsbus.Connect(r.ctx, natsbus.Config{
				URL:        cfg.Events.NATS.URL,
				Stream:     cfg.Events.NATS.Stream,
				MaxDeliver: cfg.Events.MaxDeliver,
				AckWait:    cfg.Events.NATS.AckWait,
			}, natsbus.WithLogger(r.logger))
			if err != nil {
				return fmt.Errorf("connect nats: %w", err)
			}
			r.bus = bus
		default:
			r.bus = direct.New(direct.WithMaxDeliver(cfg.Events.MaxDeliver), direct.WithLogger(r.logger))
		}
	}

	if r.generator == nil {
		r.pricing = generation.NewPricing(cfg.Generation.Pricing)
		backend := openai.NewClient(cfg.Generation.APIKey,
			openai.WithBaseURL(cfg.Generation.BaseURL),
			openai.WithTimeout(cfg.Generation.Timeout),
		)
		r.generator = generation.New(backend,
			generation.WithPricing(r.pricing),
			generation.WithDefaultModel(cfg.Generation.DefaultModel),
			generation.WithLogger(r.logger))
	}
	return nil
}

// seedIfEmpty installs the seed families that have no pointer yet.
func (r *Runtime) seedIfEmpty(ctx context.Context) error {
	var missing seed.Document
	for _, f := range r.seed.Families {
		_, err := r.storage.GetPointer(ctx, f.FamilyID)
		switch {
		case err == nil:
		case errors.Is(err, domain.ErrNotFound):
			missing.Families = append(missing.Families, f)
		default:
			return fmt.Errorf("read pointer %s: %w", f.FamilyID, err)
		}
	}
	if len(missing.Families) == 0 {
		return nil
	}

	err := missing.Apply(ctx, r.storage, time.Now())
	if errors.Is(err, domain.ErrAlreadyExists) {
		// Another process seeded first.
		return nil
	}
	if err == nil {
		r.logger.Info("seeded agent families", slog.Int("count", len(missing.Families)))
	}
	return err
}

func (r *Runtime) startWorkers(cfg *config.Config) error {
	var stages []pipeline.Stage
	add := func(role string, build func() (pipeline.Stage, error)) error {
		if !cfg.HasRole(role) {
			return nil
		}
		stage, err := build()
		if err != nil {
			return fmt.Errorf("%s: %w", role, err)
		}
		stages = append(stages, stage)
		return nil
	}

	if err := add(config.RoleAuditor, func() (pipeline.Stage, error) {
		return auditor.New(r.deps, auditor.WithModel(cfg.Generation.JudgeModel))
	}); err != nil {
		return err
	}
	if err := add(config.RoleRefiner, func() (pipeline.Stage, error) {
		return refiner.New(r.deps, refiner.WithModel(cfg.Generation.JudgeModel))
	}); err != nil {
		return err
	}
	if err := add(config.RoleEvaluator, func() (pipeline.Stage, error) {
		return evaluator.New(r.deps, evaluator.WithModel(cfg.Generation.JudgeModel))
	}); err != nil {
		return err
	}
	if err := add(config.RoleFeedback, func() (pipeline.Stage, error) { return feedback.New(r.deps) }); err != nil {
		return err
	}
	if len(stages) == 0 {
		return nil
	}

	r.runner = pipeline.NewRunner(r.deps, stages...)
	return r.runner.Start(r.ctx)
}

func (r *Runtime) startServer(cfg *config.Config) error {
	api := &server.API{Deps: r.deps, Seed: r.seed, Roles: cfg.Roles}
	if cfg.HasRole(config.RoleGateway) {
		gw, err := gateway.New(r.deps, gateway.WithBudgetBreach(cfg.Workflow.BudgetBreachUSD))
		if err != nil {
			return fmt.Errorf("gateway: %w", err)
		}
		api.Gateway = gw
	}

	var admin *auth.Authenticator
	if cfg.Admin.KeyHash != "" {
		admin = auth.NewAuthenticator(cfg.Admin.KeyHash)
	} else {
		r.logger.Warn("admin.key_hash not set, admin routes are disabled")
	}

	r.server = server.New(server.Config{
		Port:           cfg.Server.Port,
		RequestTimeout: cfg.Server.RequestTimeout,
		ServiceName:    cfg.Telemetry.ServiceName,
		Metrics:        r.metrics.Handler(),
		Admin:          admin,
	}, r.logger, api)

	if r.noListen {
		return nil
	}
	go func() {
		if err := r.server.Start(r.ctx); err != nil {
			r.logger.Error("server failed", slog.String("error", err.Error()))
			r.errc <- err
		}
	}()
	return nil
}

// watchConfig watches for config changes and reloads.
func (r *Runtime) watchConfig() {
	onChange := func(newCfg *config.Config) {
		r.logger.Info("config changed, reloading")
		r.reload(newCfg)
	}
	if err := r.config.Watch(r.ctx, onChange); err != nil {
		if !errors.Is(err, context.Canceled) {
			r.logger.Error("config watch failed", slog.String("error", err.Error()))
		}
	}
}

// reload applies the settings that can change without a restart. Today
// that is the price table; roles, storage and the bus need a restart.
func (r *Runtime) reload(cfg *config.Config) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pricing != nil {
		r.pricing.Update(cfg.Generation.Pricing)
	}
	cfg.Roles = r.cfg.Roles
	r.cfg = cfg
	r.logger.Info("reload complete", slog.Int("priced_models", len(cfg.Generation.Pricing)))
}
