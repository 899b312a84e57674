// Package provision manages the cloud instances that host fleet workers.
package provision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrBootTimeout is returned when an instance never becomes usable.
	ErrBootTimeout = errors.New("instance did not become active in time")
	// ErrInstanceNotFound is returned when the provider has no such instance.
	ErrInstanceNotFound = errors.New("instance not found")
)

// StatusActive is the provider status of a booted instance.
const StatusActive = "active"

// Instance is a provider-neutral view of a VM.
type Instance struct {
	ID        string
	Label     string
	IPAddress string
	Status    string
	// Password is the initial root password. Providers may only return it
	// for a limited time after creation.
	Password  string
	Region    string
	Plan      string
	CreatedAt time.Time
}

// Ready reports whether the instance is active and has a routable address.
func (i Instance) Ready() bool {
	return i.Status == StatusActive && i.IPAddress != ""
}

// Provider creates and destroys worker instances.
type Provider interface {
	CreateInstance(ctx context.Context, label string) (Instance, error)
	GetInstance(ctx context.Context, id string) (Instance, error)
	DestroyInstance(ctx context.Context, id string) error
	ListInstances(ctx context.Context, labelPrefix string) ([]Instance, error)
}

// WaitForActive polls until the instance is Ready, ctx ends or timeout
// elapses (ErrBootTimeout).
func WaitForActive(
	ctx context.Context,
	p Provider,
	id string,
	timeout, poll time.Duration,
	logger *zap.Logger,
) (Instance, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if poll <= 0 {
		poll = 10 * time.Second
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		inst, err := p.GetInstance(waitCtx, id)
		switch {
		case err == nil && inst.Ready():
			logger.Info("instance active", zap.String("instance_id", id), zap.String("ip", inst.IPAddress))
			return inst, nil
		case errors.Is(err, ErrInstanceNotFound):
			return Instance{}, fmt.Errorf("wait for instance %s: %w", id, err)
		case err != nil && waitCtx.Err() == nil:
			logger.Warn("instance poll failed", zap.String("instance_id", id), zap.Error(err))
		case err == nil:
			logger.Debug("instance not ready",
				zap.String("instance_id", id),
				zap.String("status", inst.Status),
				zap.String("ip", inst.IPAddress),
			)
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return Instance{}, fmt.Errorf("wait for instance %s: %w", id, ctx.Err())
			}
			return Instance{}, fmt.Errorf("wait for instance %s after %s: %w", id, timeout, ErrBootTimeout)
		case <-ticker.C:
		}
	}
}
