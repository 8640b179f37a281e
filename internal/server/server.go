// Package server is the HTTP surface of the gateway: chat turns, feedback,
// read-only views of chats and agent families, admin reset, health and
// metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/autonomic-gateway/internal/auth"
)

// Config configures the listener and middleware.
type Config struct {
	Port           int
	RequestTimeout time.Duration
	ServiceName    string
	// Metrics is served at /metrics when set.
	Metrics http.Handler
	// Admin guards /admin routes. Nil rejects every admin request.
	Admin *auth.Authenticator
}

type Server struct {
	Router *chi.Mux
	Port   int
	logger *slog.Logger
	http   *http.Server
}

func New(cfg Config, logger *slog.Logger, api *API) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "autonomic-gateway"
	}

	r := chi.NewRouter()
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, cfg.ServiceName,
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return r.Method + " " + r.URL.Path
			}))
	})

	r.Get("/healthz", api.handleHealth)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(TimeoutMiddleware(cfg.RequestTimeout))
		r.With(UsageHeadersMiddleware).Post("/chat", api.handleChat)
		r.Post("/feedback", api.handleFeedback)
		r.Get("/chats/{chatID}", api.handleGetChat)
		r.Get("/chats/{chatID}/events", api.handleChatEvents)
		r.Get("/agents/{familyID}", api.handleGetAgent)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(AdminKeyMiddleware(cfg.Admin))
		r.Post("/reset", api.handleReset)
	})

	return &Server{
		Router: r,
		Port:   cfg.Port,
		logger: logger,
		http: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Start serves until Shutdown is called. Request contexts derive from ctx.
func (s *Server) Start(ctx context.Context) error {
	s.http.BaseContext = func(net.Listener) context.Context { return ctx }
	s.logger.Info("starting server", slog.Int("port", s.Port))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("stopping server")
	return s.http.Shutdown(ctx)
}
