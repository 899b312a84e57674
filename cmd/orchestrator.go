package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/scraper-fleet/internal/clock/system"
	"github.com/JakeFAU/scraper-fleet/internal/config"
	"github.com/JakeFAU/scraper-fleet/internal/deploy"
	"github.com/JakeFAU/scraper-fleet/internal/fleet"
	"github.com/JakeFAU/scraper-fleet/internal/orchestrator"
	"github.com/JakeFAU/scraper-fleet/internal/policy/rotation"
	"github.com/JakeFAU/scraper-fleet/internal/provision"
)

type orchestratorFlags struct {
	status  bool
	once    bool
	spawn   string
	target  int
	logs    string
	lines   int
	orphans bool
	reap    bool
}

func newOrchestratorCmd() *cobra.Command {
	var flags orchestratorFlags

	cmd := &cobra.Command{
		Use:   "orchestrator",
		Short: "Runs the fleet control loop",
		Long: `Keeps the fleet at its target size: spawns workers on Vultr, rotates
workers that are rate limited or silent, and releases claims held by dead
workers. --status prints the fleet and exits; --spawn creates one named
worker and exits; --logs prints a worker's agent journal; --orphans lists
instances no live worker owns and --reap-orphans destroys them.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("target") {
				env.Config.Orchestrator.Target = flags.target
			}
			return runOrchestrator(cmd.Context(), env, flags)
		},
	}
	cmd.Flags().BoolVar(&flags.status, "status", false, "print fleet status and exit")
	cmd.Flags().BoolVar(&flags.once, "once", false, "run a single tick and exit")
	cmd.Flags().StringVar(&flags.spawn, "spawn", "", "spawn one worker with this name and exit")
	cmd.Flags().IntVar(&flags.target, "target", 0, "target fleet size (overrides orchestrator.target)")
	cmd.Flags().StringVar(&flags.logs, "logs", "", "print the agent journal of this worker and exit")
	cmd.Flags().IntVar(&flags.lines, "lines", 100, "journal lines for --logs")
	cmd.Flags().BoolVar(&flags.orphans, "orphans", false, "list instances no live worker owns and exit")
	cmd.Flags().BoolVar(&flags.reap, "reap-orphans", false, "destroy instances no live worker owns and exit")
	return cmd
}

func runOrchestrator(parent context.Context, env *Env, flags orchestratorFlags) error {
	cfg := env.Config
	logger := env.Logger

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if flags.status {
		if err := cfg.Validate(); err != nil {
			return err
		}
		store, err := openStore(ctx, cfg.Store, logger)
		if err != nil {
			return err
		}
		defer store.Close()
		o := orchestrator.New(store, nil, nil, nil, orchestrator.Config{Target: cfg.Orchestrator.Target}, logger)
		return o.PrintStatus(ctx, os.Stdout)
	}

	if err := cfg.ValidateOrchestrator(); err != nil {
		return err
	}
	o, cleanup, err := buildOrchestrator(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	switch {
	case flags.spawn != "":
		if err := o.SpawnNamed(ctx, flags.spawn); err != nil {
			if errors.Is(err, fleet.ErrNameTaken) {
				return fmt.Errorf("worker %q already exists", flags.spawn)
			}
			return err
		}
		logger.Info("worker spawned", zap.String("worker", flags.spawn))
		return nil
	case flags.logs != "":
		out, err := o.WorkerLogs(ctx, flags.logs, flags.lines)
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, out)
		return nil
	case flags.orphans:
		orphans, err := o.Orphans(ctx)
		if err != nil {
			return err
		}
		for _, inst := range orphans {
			fmt.Fprintf(os.Stdout, "%s\t%s\t%s\t%s\n", inst.ID, inst.Label, inst.IPAddress, inst.Status)
		}
		return nil
	case flags.reap:
		n, err := o.ReapOrphans(ctx)
		logger.Info("orphans reaped", zap.Int("destroyed", n))
		return err
	case flags.once:
		report := o.Tick(ctx)
		logger.Info("tick complete",
			zap.Int("spawned", report.Spawned),
			zap.Int("rotated", report.Rotated),
			zap.Int("spawn_failures", report.SpawnFailures),
			zap.Int("errors", report.Errors),
		)
		return nil
	default:
		if err := o.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("run orchestrator: %w", err)
		}
		return nil
	}
}

func buildOrchestrator(ctx context.Context, cfg config.Config, logger *zap.Logger) (*orchestrator.Orchestrator, func(), error) {
	store, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return nil, nil, err
	}

	provider, err := provision.NewVultr(ctx, provision.VultrConfig{
		APIKey:          cfg.Provider.APIKey,
		Region:          cfg.Provider.Region,
		Plan:            cfg.Provider.Plan,
		OSID:            cfg.Provider.OSID,
		BaseURL:         cfg.Provider.BaseURL,
		Tags:            cfg.Provider.Tags,
		RequestInterval: cfg.Provider.RequestInterval,
	})
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("vultr client: %w", err)
	}

	dialer := deploy.NewSSHDialer(cfg.SSH.ConnectTimeout, cfg.SSH.CommandTimeout)
	dialer.User = cfg.SSH.User
	dialer.Port = cfg.SSH.Port
	deployer := deploy.NewDeployer(dialer, deploy.Config{
		AgentBinaryPath: cfg.Deploy.AgentBinaryPath,
		RemoteDir:       cfg.Deploy.RemoteDir,
		ServiceName:     cfg.Deploy.ServiceName,
		ServiceUser:     cfg.Deploy.ServiceUser,
		Packages:        cfg.Deploy.Packages,
		ShellTimeout:    cfg.SSH.ReadyTimeout,
		ShellPoll:       cfg.SSH.ReadyPoll,
		VerifyDelay:     cfg.Deploy.VerifyDelay,
	}, logger)

	var workerConfig []byte
	if path := cfg.Orchestrator.WorkerConfigFile; path != "" {
		workerConfig, err = os.ReadFile(path) //nolint:gosec // operator-supplied path
		if err != nil {
			store.Close()
			return nil, nil, fmt.Errorf("read worker config: %w", err)
		}
	}

	agent := orchestrator.NewHTTPAgent(cfg.Health.Port, cfg.Health.AuthToken, cfg.Health.Timeout)
	policy := rotation.New(
		rotation.WithThreshold(cfg.Orchestrator.RotationThreshold),
		rotation.WithHeartbeatTimeout(cfg.Orchestrator.HeartbeatTimeout),
	)

	o := orchestrator.New(store, provider, deployer, agent, orchestrator.Config{
		Target:              cfg.Orchestrator.Target,
		TickInterval:        cfg.Orchestrator.TickInterval,
		StaleClaimThreshold: cfg.Orchestrator.StaleClaimThreshold,
		ShutdownGrace:       cfg.Orchestrator.ShutdownGrace,
		ProvisioningTimeout: cfg.Orchestrator.ProvisioningTimeout,
		LabelPrefix:         cfg.Provider.LabelPrefix,
		BootTimeout:         cfg.Provider.BootTimeout,
		BootPoll:            cfg.Provider.BootPoll,
		WorkerConfig:        workerConfig,
		WorkerEnv:           workerEnv(cfg),
	}, logger,
		orchestrator.WithClock(system.New()),
		orchestrator.WithPolicy(policy),
	)
	return o, store.Close, nil
}

// workerEnv uppercases keys (Viper lowercases map keys) and forwards the
// shared health token so workers accept orchestrator shutdown calls.
func workerEnv(cfg config.Config) map[string]string {
	env := make(map[string]string, len(cfg.Orchestrator.WorkerEnv)+1)
	for k, v := range cfg.Orchestrator.WorkerEnv {
		env[strings.ToUpper(k)] = v
	}
	if cfg.Health.AuthToken != "" {
		if _, ok := env["SCRAPER_HEALTH_AUTH_TOKEN"]; !ok {
			env["SCRAPER_HEALTH_AUTH_TOKEN"] = cfg.Health.AuthToken
		}
	}
	return env
}
