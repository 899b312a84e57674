// Package fleet defines the shared types and contracts of the scraper fleet:
// the coordination store, worker lifecycle states and the collaborators the
// worker runtime depends on.
package fleet

import (
	"context"
	"time"
)

// QueueStore hands out cities and artist tasks to workers.
type QueueStore interface {
	ClaimNextCity(ctx context.Context, workerID string) (*City, error)
	ClaimNextArtist(ctx context.Context, workerID, citySlug string) (*ArtistTask, error)
	CompleteCity(ctx context.Context, workerID, citySlug string, artistsDiscovered int) error
	ReleaseCity(ctx context.Context, workerID, citySlug string) error
	AddArtists(ctx context.Context, citySlug string, handles []string) (int, error)
	CompleteArtist(ctx context.Context, workerID string, result ArtistResult) error
	ReleaseArtist(ctx context.Context, workerID, taskID string) error
	ReleaseStaleClaims(ctx context.Context, threshold time.Duration) (tasks int, cities int, err error)
	QueueStats(ctx context.Context) (QueueStats, error)
	SeedCities(ctx context.Context, seeds []CitySeed) (int, error)
}

// FleetStore records worker registrations, health and orchestrator history.
type FleetStore interface {
	RegisterWorker(ctx context.Context, name, instanceID, ip string) (string, error)
	RegisterProvisioning(ctx context.Context, name, instanceID, ip string) (string, error)
	Heartbeat(ctx context.Context, workerID string, update HeartbeatUpdate) error
	UpdateWorkerStatus(ctx context.Context, workerID string, status WorkerStatus) error
	FleetStatus(ctx context.Context) ([]Worker, error)
	ReportRateLimit(ctx context.Context, workerID string, report RateLimitReport) (int, error)
	ResetRateLimitCounter(ctx context.Context, workerID string) error
	LogAction(ctx context.Context, entry ActionLog) (string, error)
	RecentActions(ctx context.Context, limit int) ([]ActionLog, error)
	RecentRateLimits(ctx context.Context, limit int) ([]RateLimitEvent, error)
}

// Store is the full coordination store.
type Store interface {
	QueueStore
	FleetStore
	Close()
}

// Discoverer finds candidate artist handles for a city.
type Discoverer interface {
	Discover(ctx context.Context, city City) ([]string, error)
}

// Processor ingests one artist. It returns *RateLimitError when the
// platform pushes back.
type Processor interface {
	Process(ctx context.Context, task ArtistTask, city City) (ProcessResult, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces opaque identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// Hasher computes digests used for content-addressed paths.
type Hasher interface {
	Hash(data []byte) (string, error)
}
