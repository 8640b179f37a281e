// Command autonomic runs the self-healing agent gateway. One binary serves
// every role; --role picks which ones this process runs.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/tjfontaine/autonomic-gateway/internal/pkg/config"
	"github.com/tjfontaine/autonomic-gateway/internal/telemetry"
	"github.com/tjfontaine/autonomic-gateway/pkg/autonomic"
)

var (
	version = "dev"

	configPath string
	roles      []string
	logLevel   string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "autonomic",
	Short: "Self-healing conversational agent gateway",
	Long: `autonomic serves chat turns for versioned agent families, audits every
reply, and rewrites and promotes the agent's prompt when an audit fails.`,
	Version: version,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway and workflow roles",
	Long: `Run the HTTP gateway and the auditor, refiner, evaluator and feedback workers.

Examples:
  # Everything in one process over the in-process bus
  autonomic serve

  # Split roles across processes over NATS JetStream
  AUTONOMIC_EVENTS__TYPE=nats autonomic serve --role gateway
  AUTONOMIC_EVENTS__TYPE=nats autonomic serve --role auditor --role refiner --role evaluator`,
	RunE: runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to the config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	serveCmd.Flags().StringSliceVar(&roles, "role", nil,
		"roles to run: gateway, auditor, refiner, evaluator, feedback, all (default from config)")
	rootCmd.AddCommand(serveCmd)
}

func newLogger() (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", logLevel, err)
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})), nil
}

func runServe(cmd *cobra.Command, args []string) error {
	// Load .env file if it exists
	_ = godotenv.Load()

	logger, err := newLogger()
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	// SERVICE_ROLE is honoured for deployments that set one role per
	// container.
	if len(roles) == 0 {
		if r := os.Getenv("SERVICE_ROLE"); r != "" {
			roles = strings.Split(r, ",")
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var tracerOpts []telemetry.Option
	if !cfg.Telemetry.Enabled {
		tracerOpts = append(tracerOpts, telemetry.Disabled())
	}
	shutdownTracer, err := telemetry.InitTracer(cfg.Telemetry.ServiceName, logger, tracerOpts...)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	opts := []autonomic.Option{
		autonomic.WithLogger(logger),
		autonomic.WithFileConfig(configPath),
	}
	if len(roles) > 0 {
		opts = append(opts, autonomic.WithRoles(roles...))
	}
	rt, err := autonomic.New(opts...)
	if err != nil {
		return fmt.Errorf("create runtime: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Start(ctx); err != nil {
		_ = rt.Shutdown(context.Background())
		return fmt.Errorf("start runtime: %w", err)
	}

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case serveErr = <-rt.Err():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := rt.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", slog.String("error", err.Error()))
	}
	return serveErr
}
