package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/scraper-fleet/internal/deploy"
	"github.com/JakeFAU/scraper-fleet/internal/fleet"
	"github.com/JakeFAU/scraper-fleet/internal/provision"
	"github.com/JakeFAU/scraper-fleet/internal/telemetry"
)

// Spawn failure stages recorded as the action log reason.
const (
	stageName     = "name"
	stageCreate   = "create_instance"
	stageRegister = "register"
	stageBoot     = "boot"
	stageDeploy   = "deploy"
)

// Environment keys handed to every new worker.
const (
	EnvWorkerName       = "SCRAPER_WORKER_NAME"
	EnvWorkerInstanceID = "SCRAPER_WORKER_INSTANCE_ID"
	EnvWorkerIP         = "SCRAPER_WORKER_ADVERTISE_IP"
)

const maxNumberedWorkers = 99

// NextWorkerName returns the smallest unused worker-NN name across every
// fleet row, falling back to a timestamped name when all are taken.
func (o *Orchestrator) NextWorkerName(ctx context.Context) (string, error) {
	workers, err := o.store.FleetStatus(ctx)
	if err != nil {
		return "", fmt.Errorf("list fleet: %w", err)
	}
	used := make(map[string]struct{}, len(workers))
	for _, w := range workers {
		used[w.Name] = struct{}{}
	}
	for n := 1; n <= maxNumberedWorkers; n++ {
		name := fmt.Sprintf("worker-%02d", n)
		if _, taken := used[name]; !taken {
			return name, nil
		}
	}
	return fmt.Sprintf("worker-%d", o.clock.Now().Unix()), nil
}

// SpawnNamed spawns a worker with an operator-chosen name.
func (o *Orchestrator) SpawnNamed(ctx context.Context, name string) error {
	if err := fleet.ValidateWorkerName(name); err != nil {
		return fmt.Errorf("spawn: %w", err)
	}
	workers, err := o.store.FleetStatus(ctx)
	if err != nil {
		return fmt.Errorf("list fleet: %w", err)
	}
	for _, w := range workers {
		if w.Name == name {
			return fmt.Errorf("spawn %s: %w", name, fleet.ErrNameTaken)
		}
	}
	_, err = o.Spawn(ctx, name)
	return err
}

// Spawn creates an instance, registers it as provisioning, waits for it to
// boot and deploys the agent. An empty name picks the next free one. On any
// failure the instance is destroyed, the row is terminated and a
// worker_spawn_failed action is logged; there is no retry.
func (o *Orchestrator) Spawn(ctx context.Context, name string) (string, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "orchestrator.spawn")
	defer span.End()

	name, err := o.spawn(ctx, name)
	telemetry.ObserveSpawn(err)
	span.SetAttributes(attribute.String("worker.name", name))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "spawn failed")
	}
	return name, err
}

func (o *Orchestrator) spawn(ctx context.Context, name string) (string, error) {
	if name == "" {
		next, err := o.NextWorkerName(ctx)
		if err != nil {
			o.spawnFailed(ctx, "", "", "", stageName, err)
			return "", err
		}
		name = next
	}
	if err := fleet.ValidateWorkerName(name); err != nil {
		return name, fmt.Errorf("spawn: %w", err)
	}
	label := o.cfg.LabelPrefix + "-" + name
	logger := o.logger.With(zap.String("worker", name), zap.String("label", label))
	logger.Info("spawning worker")

	inst, err := o.provider.CreateInstance(ctx, label)
	if err != nil {
		o.spawnFailed(ctx, name, "", "", stageCreate, err)
		return name, fmt.Errorf("create instance: %w", err)
	}
	logger = logger.With(zap.String("instance_id", inst.ID))

	workerID, err := o.store.RegisterProvisioning(ctx, name, inst.ID, inst.IPAddress)
	if err != nil {
		o.spawnFailed(ctx, name, inst.ID, "", stageRegister, err)
		return name, fmt.Errorf("register provisioning worker: %w", err)
	}

	ready, err := provision.WaitForActive(ctx, o.provider, inst.ID, o.cfg.BootTimeout, o.cfg.BootPoll, logger)
	if err != nil {
		o.spawnFailed(ctx, name, inst.ID, workerID, stageBoot, err)
		return name, fmt.Errorf("wait for instance: %w", err)
	}
	password := ready.Password
	if password == "" {
		password = inst.Password
	}

	env := make(map[string]string, len(o.cfg.WorkerEnv)+3)
	maps.Copy(env, o.cfg.WorkerEnv)
	env[EnvWorkerName] = name
	env[EnvWorkerInstanceID] = inst.ID
	env[EnvWorkerIP] = ready.IPAddress

	err = o.deployer.Deploy(ctx, ready.IPAddress, password, deploy.Spec{
		WorkerName: name,
		Config:     o.cfg.WorkerConfig,
		Env:        env,
	})
	if err != nil {
		stage := stageDeploy
		var stepErr *deploy.StepError
		if errors.As(err, &stepErr) {
			stage = stageDeploy + ":" + stepErr.Step
		}
		o.spawnFailed(ctx, name, inst.ID, workerID, stage, err)
		return name, fmt.Errorf("deploy worker: %w", err)
	}

	o.logAction(ctx, fleet.ActionLog{
		Action:        fleet.ActionWorkerSpawn,
		WorkerID:      workerID,
		WorkerName:    name,
		NewInstanceID: inst.ID,
		NewIP:         ready.IPAddress,
		Details:       map[string]any{"label": label},
	})
	logger.Info("worker spawned", zap.String("ip", ready.IPAddress))
	return name, nil
}

// spawnFailed cleans up after a failed spawn. It runs on a detached context
// so cleanup still happens when the tick is being cancelled.
func (o *Orchestrator) spawnFailed(ctx context.Context, name, instanceID, workerID, stage string, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
	defer cancel()
	o.logger.Error("worker spawn failed",
		zap.String("worker", name),
		zap.String("instance_id", instanceID),
		zap.String("stage", stage),
		zap.Error(cause),
	)
	if instanceID != "" {
		if err := o.provider.DestroyInstance(ctx, instanceID); err != nil && !errors.Is(err, provision.ErrInstanceNotFound) {
			o.logger.Error("destroy failed instance", zap.String("instance_id", instanceID), zap.Error(err))
		}
	}
	if workerID != "" {
		if err := o.store.UpdateWorkerStatus(ctx, workerID, fleet.WorkerTerminated); err != nil {
			o.logger.Error("terminate failed worker row", zap.String("worker", name), zap.Error(err))
		}
	}
	o.logAction(ctx, fleet.ActionLog{
		Action:        fleet.ActionWorkerSpawnFailed,
		WorkerID:      workerID,
		WorkerName:    name,
		NewInstanceID: instanceID,
		Reason:        stage,
		Details:       map[string]any{"error": fleet.TruncateError(cause.Error())},
	})
}
