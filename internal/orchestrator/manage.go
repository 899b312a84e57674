package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/scraper-fleet/internal/fleet"
	"github.com/JakeFAU/scraper-fleet/internal/provision"
)

// ErrUnknownWorker is returned when no fleet row has the requested name.
var ErrUnknownWorker = errors.New("unknown worker")

// WorkerLogs returns the last lines of the agent journal on the named worker.
func (o *Orchestrator) WorkerLogs(ctx context.Context, name string, lines int) (string, error) {
	w, err := o.workerByName(ctx, name)
	if err != nil {
		return "", err
	}
	if w.InstanceID == "" || w.IPAddress == "" {
		return "", fmt.Errorf("worker %s has no instance address", name)
	}
	inst, err := o.provider.GetInstance(ctx, w.InstanceID)
	if err != nil {
		return "", fmt.Errorf("lookup instance %s: %w", w.InstanceID, err)
	}
	if inst.Password == "" {
		return "", fmt.Errorf("no password available for instance %s", w.InstanceID)
	}
	return o.deployer.Logs(ctx, w.IPAddress, inst.Password, lines)
}

func (o *Orchestrator) workerByName(ctx context.Context, name string) (fleet.Worker, error) {
	workers, err := o.store.FleetStatus(ctx)
	if err != nil {
		return fleet.Worker{}, fmt.Errorf("fleet status: %w", err)
	}
	for _, w := range workers {
		if w.Name == name {
			return w, nil
		}
	}
	return fleet.Worker{}, fmt.Errorf("%w: %s", ErrUnknownWorker, name)
}

// Orphans lists provider instances under the fleet label prefix that no
// provisioning, active or rotating row owns. Instances younger than
// BootTimeout are left alone since a spawn may not have registered them yet.
func (o *Orchestrator) Orphans(ctx context.Context) ([]provision.Instance, error) {
	workers, err := o.store.FleetStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("fleet status: %w", err)
	}
	owned := make(map[string]struct{}, len(workers))
	for _, w := range workers {
		switch w.Status {
		case fleet.WorkerProvisioning, fleet.WorkerActive, fleet.WorkerRotating:
			owned[w.InstanceID] = struct{}{}
		}
	}
	instances, err := o.provider.ListInstances(ctx, o.cfg.LabelPrefix+"-")
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	now := o.clock.Now()
	var orphans []provision.Instance
	for _, inst := range instances {
		if _, ok := owned[inst.ID]; ok {
			continue
		}
		if !inst.CreatedAt.IsZero() && now.Sub(inst.CreatedAt) < o.cfg.BootTimeout {
			continue
		}
		orphans = append(orphans, inst)
	}
	return orphans, nil
}

// ReapOrphans destroys every instance Orphans reports and returns how many
// were removed.
func (o *Orchestrator) ReapOrphans(ctx context.Context) (int, error) {
	orphans, err := o.Orphans(ctx)
	if err != nil {
		return 0, err
	}
	var errs []error
	destroyed := 0
	for _, inst := range orphans {
		err := o.provider.DestroyInstance(ctx, inst.ID)
		if err != nil && !errors.Is(err, provision.ErrInstanceNotFound) {
			o.logger.Error("destroy orphan failed", zap.String("instance_id", inst.ID), zap.Error(err))
			errs = append(errs, fmt.Errorf("destroy %s: %w", inst.ID, err))
			continue
		}
		destroyed++
		o.logger.Info("orphan destroyed", zap.String("instance_id", inst.ID), zap.String("label", inst.Label))
		o.logAction(ctx, fleet.ActionLog{
			Action:        fleet.ActionOrphanDestroyed,
			OldInstanceID: inst.ID,
			OldIP:         inst.IPAddress,
			Details:       map[string]any{"label": inst.Label},
		})
	}
	return destroyed, errors.Join(errs...)
}
