package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/scraper-fleet/internal/clock/system"
	"github.com/JakeFAU/scraper-fleet/internal/discovery"
	"github.com/JakeFAU/scraper-fleet/internal/hash/sha256"
	"github.com/JakeFAU/scraper-fleet/internal/ingest"
	"github.com/JakeFAU/scraper-fleet/internal/worker"
)

func newWorkerCmd() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Runs the worker agent",
		Long: `Registers this host with the fleet, then claims cities, discovers
artists and ingests them until told to stop. The first SIGINT or SIGTERM
finishes the current artist and exits; a second one exits immediately.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			if name != "" {
				env.Config.Worker.Name = name
			}
			return runWorker(cmd.Context(), env)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "worker name (overrides worker.name)")
	return cmd
}

func runWorker(parent context.Context, env *Env) error {
	cfg := env.Config
	if err := cfg.ValidateWorker(); err != nil {
		return err
	}
	logger := env.Logger

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	store, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	blobs, closeBlobs, err := openBlobStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer closeBlobs()

	pub, err := openPublisher(ctx, cfg.PubSub, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := pub.Close(); err != nil {
			logger.Warn("publisher close", zap.Error(err))
		}
	}()

	profiles, err := ingest.NewProfileAPI(ingest.ProfileAPIConfig{
		BaseURL:   cfg.Ingest.ProfileAPIURL,
		Token:     cfg.Ingest.ProfileAPIToken,
		UserAgent: cfg.Ingest.UserAgent,
		Timeout:   cfg.Ingest.Timeout,
	})
	if err != nil {
		return fmt.Errorf("profile api: %w", err)
	}
	ingester := ingest.New(profiles, blobs, pub, sha256.NewPrefix(ingest.MediaHashLen), ingest.Config{
		ImagesPerArtist: cfg.Ingest.ImagesPerArtist,
		Topic:           cfg.PubSub.Topic,
		ItemDelay:       cfg.Ingest.ItemDelay,
		MediaTimeout:    cfg.Ingest.Timeout,
	}, logger, ingest.WithClock(system.New()))

	searchCfg := discovery.Config{
		APIKey:     cfg.Discovery.APIKey,
		Endpoint:   cfg.Discovery.Endpoint,
		MaxResults: cfg.Discovery.MaxResults,
		QueryDelay: cfg.Discovery.QueryDelay,
		Timeout:    cfg.Discovery.Timeout,
		Templates:  cfg.Discovery.Templates,
		Styles:     cfg.Discovery.Styles,
	}
	if err := searchCfg.Validate(); err != nil {
		return err
	}
	discoverer := discovery.NewDiscoverer(discovery.NewClient(searchCfg), searchCfg, logger)

	w := worker.New(store, discoverer, ingester, worker.Config{
		Name:              cfg.Worker.Name,
		InstanceID:        cfg.Worker.InstanceID,
		AdvertiseIP:       cfg.Worker.AdvertiseIP,
		HealthAddr:        ":" + strconv.Itoa(cfg.Health.Port),
		AuthToken:         cfg.Health.AuthToken,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		IdleBackoff:       cfg.Worker.IdleBackoff,
		ArtistDelay:       cfg.Worker.ArtistDelay,
		CityDelay:         cfg.Worker.CityDelay,
		RateLimitPenalty:  cfg.Worker.RateLimitPenalty,
	}, logger,
		worker.WithClock(system.New()),
		worker.WithIPResolver(worker.NewHTTPIPResolver(cfg.Worker.IPResolverURL)),
	)

	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigs:
			logger.Info("signal received; finishing current artist", zap.String("signal", sig.String()))
			w.RequestShutdown()
		}
		select {
		case <-ctx.Done():
		case sig := <-sigs:
			logger.Warn("second signal; stopping now", zap.String("signal", sig.String()))
			cancel()
		}
	}()

	return w.Run(ctx)
}
