package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/scraper-fleet/internal/fleet"
	"github.com/JakeFAU/scraper-fleet/internal/provision"
	"github.com/JakeFAU/scraper-fleet/internal/telemetry"
)

// Rotate retires a worker: mark it rotating, ask it to stop, force-stop it,
// destroy its instance and mark it terminated. No replacement is started
// here; the next tick sees the deficit. It reports false without error when
// another rotation already owns the worker.
func (o *Orchestrator) Rotate(ctx context.Context, w fleet.Worker, reason fleet.RotationReason) (bool, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "orchestrator.rotate", trace.WithAttributes(
		attribute.String("worker.name", w.Name),
		attribute.String("rotation.reason", string(reason)),
	))
	defer span.End()
	logger := o.logger.With(
		zap.String("worker", w.Name),
		zap.String("instance_id", w.InstanceID),
		zap.String("reason", string(reason)),
	)

	if err := o.store.UpdateWorkerStatus(ctx, w.ID, fleet.WorkerRotating); err != nil {
		if errors.Is(err, fleet.ErrInvalidTransition) {
			logger.Info("worker already leaving the fleet; skipping rotation")
			return false, nil
		}
		logger.Error("mark rotating failed", zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "mark rotating")
		return false, fmt.Errorf("mark %s rotating: %w", w.Name, err)
	}
	telemetry.ObserveRotation(string(reason))

	if w.IPAddress != "" && o.agent != nil {
		if err := o.agent.RequestShutdown(ctx, w.IPAddress); err != nil {
			logger.Warn("graceful shutdown request failed", zap.Error(err))
		} else {
			logger.Info("graceful shutdown requested", zap.Duration("grace", o.cfg.ShutdownGrace))
			o.sleep(ctx, o.cfg.ShutdownGrace)
		}
	}
	o.forceStop(ctx, logger, w)

	details := map[string]any{
		"consecutive_failures": w.ConsecutiveFailures,
	}
	if w.LastHeartbeatAt != nil {
		details["last_heartbeat_at"] = w.LastHeartbeatAt.Format(time.RFC3339)
	}
	finishErr := o.finishRotation(ctx, w)
	if finishErr != nil {
		details["error"] = fleet.TruncateError(finishErr.Error())
		span.RecordError(finishErr)
		span.SetStatus(codes.Error, "finish rotation")
	}
	o.logAction(ctx, fleet.ActionLog{
		Action:        fleet.ActionWorkerRotate,
		WorkerID:      w.ID,
		WorkerName:    w.Name,
		OldInstanceID: w.InstanceID,
		OldIP:         w.IPAddress,
		Reason:        string(reason),
		Details:       details,
	})
	if finishErr != nil {
		return true, finishErr
	}
	logger.Info("worker rotated")
	return true, nil
}

// forceStop stops the agent over SSH. It is best effort: the instance is
// destroyed next regardless.
func (o *Orchestrator) forceStop(ctx context.Context, logger *zap.Logger, w fleet.Worker) {
	if o.deployer == nil || w.InstanceID == "" || w.IPAddress == "" {
		return
	}
	inst, err := o.provider.GetInstance(ctx, w.InstanceID)
	if err != nil {
		logger.Warn("lookup instance for forced stop failed", zap.Error(err))
		return
	}
	if inst.Password == "" {
		logger.Info("no instance password available; skipping forced stop")
		return
	}
	if err := o.deployer.Stop(ctx, w.IPAddress, inst.Password); err != nil {
		logger.Warn("forced stop failed", zap.Error(err))
	}
}

// finishRotation destroys the instance and marks the row terminated. It is
// safe to repeat.
func (o *Orchestrator) finishRotation(ctx context.Context, w fleet.Worker) error {
	if w.InstanceID != "" {
		err := o.provider.DestroyInstance(ctx, w.InstanceID)
		if err != nil && !errors.Is(err, provision.ErrInstanceNotFound) {
			o.logger.Error("destroy instance failed", zap.String("worker", w.Name), zap.Error(err))
			return fmt.Errorf("destroy instance %s: %w", w.InstanceID, err)
		}
	}
	if err := o.store.UpdateWorkerStatus(ctx, w.ID, fleet.WorkerTerminated); err != nil {
		o.logger.Error("mark terminated failed", zap.String("worker", w.Name), zap.Error(err))
		return fmt.Errorf("mark %s terminated: %w", w.Name, err)
	}
	return nil
}
