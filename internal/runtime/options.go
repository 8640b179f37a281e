package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tjfontaine/autonomic-gateway/internal/adapters/config/file"
	"github.com/tjfontaine/autonomic-gateway/internal/adapters/events/direct"
	natsbus "github.com/tjfontaine/autonomic-gateway/internal/adapters/events/nats"
	"github.com/tjfontaine/autonomic-gateway/internal/adapters/storage/sqlite"
	"github.com/tjfontaine/autonomic-gateway/internal/core/ports"
	"github.com/tjfontaine/autonomic-gateway/internal/metrics"
	"github.com/tjfontaine/autonomic-gateway/internal/seed"
	"github.com/tjfontaine/autonomic-gateway/internal/storage/memory"
)

// Option is a functional option for configuring a Runtime.
type Option func(*Runtime) error

// WithFileConfig uses file-based configuration with hot-reload (default).
// A missing file leaves the embedded defaults in effect.
func WithFileConfig(path string) Option {
	return func(r *Runtime) error {
		provider, err := file.NewProvider(path, file.WithLogger(r.logger))
		if err != nil {
			return fmt.Errorf("create file config provider: %w", err)
		}
		r.config = provider
		return nil
	}
}

// WithConfigProvider sets a custom config provider.
func WithConfigProvider(provider ports.ConfigProvider) Option {
	return func(r *Runtime) error {
		r.config = provider
		return nil
	}
}

// WithSQLite uses SQLite storage, overriding storage in the config.
func WithSQLite(path string) Option {
	return func(r *Runtime) error {
		store, err := sqlite.NewProvider(path)
		if err != nil {
			return fmt.Errorf("create sqlite storage: %w", err)
		}
		r.storage = store
		return nil
	}
}

// WithMemoryStorage keeps everything in process memory.
func WithMemoryStorage() Option {
	return func(r *Runtime) error {
		r.storage = memory.New()
		return nil
	}
}

// WithStorageProvider sets a custom storage provider.
func WithStorageProvider(provider ports.StorageProvider) Option {
	return func(r *Runtime) error {
		r.storage = provider
		return nil
	}
}

// WithDirectEvents runs every stage over an in-process bus. Only useful when
// one process runs all roles.
func WithDirectEvents(opts ...direct.Option) Option {
	return func(r *Runtime) error {
		r.bus = direct.New(append([]direct.Option{direct.WithLogger(r.logger)}, opts...)...)
		return nil
	}
}

// WithNATSEvents connects to a JetStream server so roles can run in
// separate processes.
func WithNATSEvents(url, stream string) Option {
	return func(r *Runtime) error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		bus, err := natsbus.Connect(ctx, natsbus.Config{URL: url, Stream: stream}, natsbus.WithLogger(r.logger))
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		r.bus = bus
		return nil
	}
}

// WithEventBus sets a custom event bus.
func WithEventBus(bus ports.EventBus) Option {
	return func(r *Runtime) error {
		r.bus = bus
		return nil
	}
}

// WithGenerator sets the model client instead of building one from the
// generation section of the config.
func WithGenerator(g ports.Generator) Option {
	return func(r *Runtime) error {
		r.generator = g
		return nil
	}
}

// WithAlerter routes terminal failures somewhere other than the event log.
func WithAlerter(a ports.Alerter) Option {
	return func(r *Runtime) error {
		r.alerter = a
		return nil
	}
}

// WithMetrics sets the metrics registry.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runtime) error {
		r.metrics = m
		return nil
	}
}

// WithSeed replaces the bundled seed families.
func WithSeed(doc *seed.Document) Option {
	return func(r *Runtime) error {
		r.seed = doc
		return nil
	}
}

// WithRoles overrides the roles listed in the config.
func WithRoles(roles ...string) Option {
	return func(r *Runtime) error {
		r.roles = roles
		return nil
	}
}

// WithoutListener builds the HTTP handler without binding a port. Handler
// serves it.
func WithoutListener() Option {
	return func(r *Runtime) error {
		r.noListen = true
		return nil
	}
}

// WithLogger sets a custom logger. Options that build adapters pick it up,
// so set it first.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runtime) error {
		if logger != nil {
			r.logger = logger
		}
		return nil
	}
}
