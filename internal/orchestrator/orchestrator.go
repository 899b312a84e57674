// Package orchestrator keeps the worker fleet at its target size, rotating
// workers that are rate limited or silent and replacing them on later ticks.
package orchestrator

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/scraper-fleet/internal/deploy"
	"github.com/JakeFAU/scraper-fleet/internal/fleet"
	"github.com/JakeFAU/scraper-fleet/internal/policy/rotation"
	"github.com/JakeFAU/scraper-fleet/internal/provision"
	"github.com/JakeFAU/scraper-fleet/internal/telemetry"
)

// Config controls the control loop.
type Config struct {
	Target              int
	TickInterval        time.Duration
	StaleClaimThreshold time.Duration
	// ShutdownGrace is how long a worker gets between /shutdown and the
	// forced stop.
	ShutdownGrace time.Duration
	// ProvisioningTimeout retires rows that never left provisioning.
	ProvisioningTimeout time.Duration
	LabelPrefix         string
	BootTimeout         time.Duration
	BootPoll            time.Duration
	// WorkerConfig is uploaded to each new worker as config.yaml.
	WorkerConfig []byte
	// WorkerEnv is written to each new worker's environment file.
	WorkerEnv map[string]string
}

func (c *Config) setDefaults() {
	if c.Target < 0 {
		c.Target = 0
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 60 * time.Second
	}
	if c.StaleClaimThreshold <= 0 {
		c.StaleClaimThreshold = 10 * time.Minute
	}
	if c.ShutdownGrace < 0 {
		c.ShutdownGrace = 0
	}
	if c.ProvisioningTimeout <= 0 {
		c.ProvisioningTimeout = 20 * time.Minute
	}
	if c.LabelPrefix == "" {
		c.LabelPrefix = "scraper"
	}
	if c.BootTimeout <= 0 {
		c.BootTimeout = 300 * time.Second
	}
	if c.BootPoll <= 0 {
		c.BootPoll = 10 * time.Second
	}
}

// Deployer installs and stops the worker agent on an instance.
type Deployer interface {
	Deploy(ctx context.Context, host, password string, spec deploy.Spec) error
	Stop(ctx context.Context, host, password string) error
	Logs(ctx context.Context, host, password string, lines int) (string, error)
}

// Store is the subset of the coordination store the orchestrator uses.
type Store interface {
	fleet.FleetStore
	ReleaseStaleClaims(ctx context.Context, threshold time.Duration) (int, int, error)
	QueueStats(ctx context.Context) (fleet.QueueStats, error)
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithClock overrides the clock.
func WithClock(c fleet.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithPolicy overrides the rotation policy.
func WithPolicy(p *rotation.Policy) Option {
	return func(o *Orchestrator) { o.policy = p }
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }

// Orchestrator runs the fleet control loop.
type Orchestrator struct {
	store    Store
	provider provision.Provider
	deployer Deployer
	agent    AgentClient
	policy   *rotation.Policy
	cfg      Config
	clock    fleet.Clock
	logger   *zap.Logger
}

// New constructs an Orchestrator.
func New(
	store Store,
	provider provision.Provider,
	deployer Deployer,
	agent AgentClient,
	cfg Config,
	logger *zap.Logger,
	opts ...Option,
) *Orchestrator {
	cfg.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		store:    store,
		provider: provider,
		deployer: deployer,
		agent:    agent,
		policy:   rotation.New(),
		cfg:      cfg,
		clock:    wallClock{},
		logger:   logger.Named("orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run ticks immediately and then every TickInterval until ctx ends.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("orchestrator started",
		zap.Int("target", o.cfg.Target),
		zap.Duration("tick_interval", o.cfg.TickInterval),
		zap.Int("rotation_threshold", o.policy.Threshold()),
		zap.Duration("heartbeat_timeout", o.policy.HeartbeatTimeout()),
	)
	ticker := time.NewTicker(o.cfg.TickInterval)
	defer ticker.Stop()
	for {
		o.Tick(ctx)
		select {
		case <-ctx.Done():
			o.logger.Info("orchestrator stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// TickReport summarizes what one tick did.
type TickReport struct {
	Rotated       int
	Finished      int
	Spawned       int
	SpawnFailures int
	StaleTasks    int
	StaleCities   int
	Errors        int
}

// Tick runs one pass of the control loop. Each step is isolated: a failing
// step is logged and counted in the report and the remaining steps still run.
func (o *Orchestrator) Tick(ctx context.Context) TickReport {
	ctx, span := telemetry.Tracer().Start(ctx, "orchestrator.tick")
	defer span.End()
	start := time.Now()
	defer func() { telemetry.ObserveTick(time.Since(start)) }()

	var report TickReport
	workers, err := o.store.FleetStatus(ctx)
	snapshotOK := err == nil
	if err != nil {
		report.Errors++
		o.logger.Error("fleet status failed", zap.Error(err))
		span.RecordError(err)
	}
	telemetry.SetFleetSize(countByStatus(workers))

	now := o.clock.Now()
	for _, w := range workers {
		if ctx.Err() != nil {
			return report
		}
		switch w.Status {
		case fleet.WorkerActive:
			rotated, err := o.checkActive(ctx, w, now)
			if err != nil {
				report.Errors++
			}
			if rotated {
				report.Rotated++
			}
		case fleet.WorkerProvisioning:
			if now.Sub(w.StartedAt) > o.cfg.ProvisioningTimeout {
				o.logger.Warn("worker never registered", zap.String("worker", w.Name), zap.Time("started_at", w.StartedAt))
				if rotated, err := o.Rotate(ctx, w, fleet.ReasonHeartbeatTimeout); err != nil {
					report.Errors++
				} else if rotated {
					report.Rotated++
				}
			}
		case fleet.WorkerRotating:
			// Left over from an interrupted rotation.
			if err := o.finishRotation(ctx, w); err != nil {
				report.Errors++
			} else {
				report.Finished++
			}
		}
	}

	tasks, cities, err := o.store.ReleaseStaleClaims(ctx, o.cfg.StaleClaimThreshold)
	if err != nil {
		report.Errors++
		o.logger.Error("stale claim sweep failed", zap.Error(err))
	} else if tasks > 0 || cities > 0 {
		report.StaleTasks, report.StaleCities = tasks, cities
		telemetry.ObserveStaleReleased(tasks, cities)
		o.logger.Info("released stale claims", zap.Int("tasks", tasks), zap.Int("cities", cities))
	}

	// Counted from the snapshot taken at the start of the tick, so rotated
	// workers still occupy their slot until the next tick.
	if snapshotOK {
		current := 0
		for _, w := range workers {
			if w.Status.CountsTowardTarget() {
				current++
			}
		}
		for i := current; i < o.cfg.Target && ctx.Err() == nil; i++ {
			if _, err := o.Spawn(ctx, ""); err != nil {
				report.SpawnFailures++
			} else {
				report.Spawned++
			}
		}
	}

	span.SetAttributes(
		attribute.Int("fleet.rotated", report.Rotated),
		attribute.Int("fleet.spawned", report.Spawned),
		attribute.Int("fleet.errors", report.Errors),
	)
	if report.Errors > 0 || report.SpawnFailures > 0 {
		span.SetStatus(codes.Error, "tick completed with errors")
	}
	o.logger.Debug("tick complete",
		zap.Int("rotated", report.Rotated),
		zap.Int("spawned", report.Spawned),
		zap.Int("spawn_failures", report.SpawnFailures),
		zap.Int("errors", report.Errors),
	)
	return report
}

func (o *Orchestrator) checkActive(ctx context.Context, w fleet.Worker, now time.Time) (bool, error) {
	tel := w.Telemetry()
	if w.IPAddress != "" && o.agent != nil {
		health, err := o.agent.Ping(ctx, w.IPAddress)
		reachable := err == nil
		tel.Reachable = &reachable
		switch {
		case err != nil:
			o.logger.Warn("worker health ping failed", zap.String("worker", w.Name), zap.Error(err))
		case health.ConsecutiveFailures > tel.ConsecutiveFailures:
			// The agent counts failures it could not write to the store.
			o.logger.Info("agent reports more failures than the store",
				zap.String("worker", w.Name),
				zap.Int("stored", tel.ConsecutiveFailures),
				zap.Int("reported", health.ConsecutiveFailures),
			)
			tel.ConsecutiveFailures = health.ConsecutiveFailures
			w.ConsecutiveFailures = health.ConsecutiveFailures
		}
	}
	decision := o.policy.Evaluate(tel, now)
	if !decision.Rotate {
		return false, nil
	}
	o.logger.Info("rotating worker",
		zap.String("worker", w.Name),
		zap.String("reason", string(decision.Reason)),
		zap.Int("consecutive_failures", w.ConsecutiveFailures),
	)
	return o.Rotate(ctx, w, decision.Reason)
}

func countByStatus(workers []fleet.Worker) map[string]int {
	counts := make(map[string]int)
	for _, w := range workers {
		counts[string(w.Status)]++
	}
	return counts
}

func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (o *Orchestrator) logAction(ctx context.Context, entry fleet.ActionLog) {
	if _, err := o.store.LogAction(ctx, entry); err != nil {
		o.logger.Error("log action failed", zap.String("action", entry.Action), zap.Error(err))
	}
}
