package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/scraper-fleet/internal/config"
	"github.com/JakeFAU/scraper-fleet/internal/logging"
	"github.com/JakeFAU/scraper-fleet/internal/telemetry"
)

// version is stamped at build time with -ldflags "-X .../cmd.version=...".
var version = "dev"

// envKeyType is the key for storing the Env in the context.
type envKeyType string

const envKey envKeyType = "env"

// Env carries the loaded configuration and shared services to subcommands.
type Env struct {
	Config config.Config
	Logger *zap.Logger
	tracer *sdktrace.TracerProvider
}

func (e *Env) close(ctx context.Context) {
	if e.tracer != nil {
		if err := e.tracer.Shutdown(ctx); err != nil {
			e.Logger.Warn("tracer shutdown", zap.Error(err))
		}
	}
	_ = e.Logger.Sync() //nolint:errcheck // stderr sync fails on some terminals
}

// loadEnv is the environment factory. Tests replace it.
var loadEnv = func(ctx context.Context, cfgPath string) (*Env, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewWithLevel(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	zap.ReplaceGlobals(logger)

	env := &Env{Config: cfg, Logger: logger}
	if cfg.Telemetry.TracingEnabled {
		tp, err := telemetry.InitTracerProvider(ctx, cfg.Telemetry.ServiceName, version)
		if err != nil {
			return nil, fmt.Errorf("init tracer: %w", err)
		}
		env.tracer = tp
	}
	return env, nil
}

func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "scraper-fleet",
		Short: "Distributed tattoo-artist scraper fleet.",
		Long: `scraper-fleet runs every role of the scraper fleet from one binary:
the orchestrator that provisions and rotates cloud workers, the worker agent
that drains the shared city and artist queues, the trigger listener that
starts pipeline jobs over HTTP, and the seed tool that fills the city queue.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			env, err := loadEnv(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("initialize: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), envKey, env))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if env, ok := cmd.Context().Value(envKey).(*Env); ok && env != nil {
				env.close(context.Background())
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (env SCRAPER_* overrides apply on top)")

	cmd.AddCommand(
		newOrchestratorCmd(),
		newWorkerCmd(),
		newListenerCmd(),
		newSeedCmd(),
	)
	return cmd
}

func resolveEnv(ctx context.Context) (*Env, error) {
	env, ok := ctx.Value(envKey).(*Env)
	if !ok || env == nil {
		return nil, errors.New("environment not initialized")
	}
	return env, nil
}

// Execute is the main entry point. Configuration errors exit with status 2,
// everything else with 1.
func Execute() {
	err := newRootCmd().ExecuteContext(context.Background())
	if err == nil {
		return
	}
	code := 1
	var cfgErr *config.Error
	if errors.As(err, &cfgErr) {
		code = 2
	}
	logger, lerr := logging.New(false)
	if lerr != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(code)
	}
	logger.Error("command failed", zap.Error(err), zap.Int("exit_code", code))
	_ = logger.Sync() //nolint:errcheck // exiting anyway
	os.Exit(code)
}
