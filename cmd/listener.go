package cmd

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/scraper-fleet/internal/clock/system"
	"github.com/JakeFAU/scraper-fleet/internal/health"
	"github.com/JakeFAU/scraper-fleet/internal/id/uuid"
	"github.com/JakeFAU/scraper-fleet/internal/trigger"
)

func newListenerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "listener",
		Short: "Runs the HTTP trigger listener",
		Long: `Serves POST /trigger, which starts one pipeline job at a time by
running the configured command, and GET /status, which reports its progress.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			return runListener(cmd.Context(), env)
		},
	}
}

func runListener(parent context.Context, env *Env) error {
	cfg := env.Config
	if err := cfg.ValidateListener(); err != nil {
		return err
	}
	logger := env.Logger

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner := trigger.NewCommandRunner(cfg.Listener.Command, cfg.Listener.Args...)
	runner.Dir = cfg.Listener.WorkDir
	runner.Timeout = cfg.Listener.JobTimeout

	server := trigger.NewServer(runner, trigger.Config{
		Token:             cfg.Listener.AuthToken,
		AllowedIPs:        cfg.Listener.AllowedIPs,
		RequestsPerMinute: cfg.Listener.RequestsPerMinute,
	}, logger,
		trigger.WithClock(system.New()),
		trigger.WithIDGenerator(uuid.New()),
	)
	defer server.Close()

	srv := health.NewHTTPServer(":"+strconv.Itoa(cfg.Listener.Port), server.Handler())
	errCh := make(chan error, 1)
	go func() {
		logger.Info("trigger listener started", zap.Int("port", cfg.Listener.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}
