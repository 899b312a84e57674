package fleet

import "time"

// CityStatus tracks a city through the discovery queue.
type CityStatus string

const (
	// CityPending means the city is waiting for a worker.
	CityPending CityStatus = "pending"
	// CityClaimed means a worker is discovering artists for the city.
	CityClaimed CityStatus = "claimed"
	// CityCompleted means discovery for the city is done.
	CityCompleted CityStatus = "completed"
)

// TaskStatus tracks an artist task through the processing queue.
type TaskStatus string

const (
	// TaskPending is waiting to be claimed.
	TaskPending TaskStatus = "pending"
	// TaskClaimed is owned by a worker.
	TaskClaimed TaskStatus = "claimed"
	// TaskCompleted was processed successfully.
	TaskCompleted TaskStatus = "completed"
	// TaskFailed could not be processed.
	TaskFailed TaskStatus = "failed"
	// TaskSkipped was reachable but had nothing to ingest.
	TaskSkipped TaskStatus = "skipped"
)

// IsTerminal reports whether a task status is final.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskSkipped:
		return true
	default:
		return false
	}
}

// WorkerStatus is the lifecycle state of a worker row.
type WorkerStatus string

const (
	// WorkerProvisioning is set by the orchestrator before the agent boots.
	WorkerProvisioning WorkerStatus = "provisioning"
	// WorkerActive is set once the agent registers.
	WorkerActive WorkerStatus = "active"
	// WorkerRotating marks a worker the orchestrator is replacing.
	WorkerRotating WorkerStatus = "rotating"
	// WorkerOffline is set by an agent that shut down cleanly.
	WorkerOffline WorkerStatus = "offline"
	// WorkerTerminated means the underlying instance is gone.
	WorkerTerminated WorkerStatus = "terminated"
)

// RotationReason explains why a worker was rotated.
type RotationReason string

const (
	// ReasonNone means no rotation is needed.
	ReasonNone RotationReason = ""
	// ReasonRateLimitThreshold means too many consecutive rate-limit signals.
	ReasonRateLimitThreshold RotationReason = "rate_limit_threshold"
	// ReasonHeartbeatTimeout means the worker stopped reporting in.
	ReasonHeartbeatTimeout RotationReason = "heartbeat_timeout"
	// ReasonManual is used for operator-initiated rotations.
	ReasonManual RotationReason = "manual"
)

// MaxArtistRetries is how many times a released artist task goes back to
// pending before it is marked failed.
const MaxArtistRetries = 3

// MaxErrorMessageLen bounds error text persisted on task rows.
const MaxErrorMessageLen = 500

// Orchestrator action names written to the action log.
const (
	ActionWorkerSpawn       = "worker_spawn"
	ActionWorkerSpawnFailed = "worker_spawn_failed"
	ActionWorkerRotate      = "worker_rotate"
	ActionOrphanDestroyed   = "orphan_destroyed"
)

// City is a unit of discovery work.
type City struct {
	ID                string
	Slug              string
	Name              string
	Region            string
	CountryCode       string
	Priority          int
	Status            CityStatus
	ClaimedByWorkerID string
	ClaimedAt         *time.Time
	CompletedAt       *time.Time
	ArtistsDiscovered int
	CreatedAt         time.Time
}

// CitySeed is the input row used to populate the city queue.
type CitySeed struct {
	Slug        string `yaml:"slug"`
	Name        string `yaml:"name"`
	Region      string `yaml:"region"`
	CountryCode string `yaml:"country_code"`
	Priority    int    `yaml:"priority"`
}

// ArtistTask is a unit of per-artist processing work.
type ArtistTask struct {
	ID                string
	Handle            string
	CitySlug          string
	Status            TaskStatus
	RetryCount        int
	ClaimedByWorkerID string
	ClaimedAt         *time.Time
	ImagesScraped     int
	FollowerCount     *int
	ResultEntityID    string
	ErrorMessage      string
	CreatedAt         time.Time
}

// ArtistResult reports the outcome of processing a claimed artist task.
type ArtistResult struct {
	TaskID         string
	Status         TaskStatus
	ImagesScraped  int
	FollowerCount  *int
	ResultEntityID string
	ErrorMessage   string
}

// Worker is the persisted state of one fleet member.
type Worker struct {
	ID                    string
	Name                  string
	InstanceID            string
	IPAddress             string
	Status                WorkerStatus
	LastHeartbeatAt       *time.Time
	StartedAt             time.Time
	CurrentCitySlug       string
	CurrentArtistHandle   string
	ArtistsProcessed      int
	ImagesProcessed       int
	ConsecutiveFailures   int
	TotalFailuresLifetime int
	LastError             string
}

// Telemetry returns the subset of the worker row the rotation policy reads.
func (w Worker) Telemetry() Telemetry {
	return Telemetry{
		ConsecutiveFailures: w.ConsecutiveFailures,
		LastHeartbeatAt:     w.LastHeartbeatAt,
		StartedAt:           w.StartedAt,
	}
}

// Telemetry is the health signal evaluated by the rotation policy.
type Telemetry struct {
	ConsecutiveFailures int
	LastHeartbeatAt     *time.Time
	StartedAt           time.Time
	// Reachable is the result of the most recent health ping, if any.
	Reachable *bool
}

// HeartbeatUpdate carries the progress snapshot sent with each heartbeat.
type HeartbeatUpdate struct {
	CurrentCitySlug     string
	CurrentArtistHandle string
	ArtistsProcessed    int
	ImagesProcessed     int
}

// RateLimitReport describes one rate-limit signal observed by a worker.
type RateLimitReport struct {
	ArtistHandle string
	CitySlug     string
	ErrorType    string
	ErrorMessage string
}

// RateLimitEvent is an append-only rate-limit history row.
type RateLimitEvent struct {
	ID           string
	WorkerID     string
	// IPAddress is the worker's address when the event was recorded.
	IPAddress    string
	ArtistHandle string
	CitySlug     string
	ErrorType    string
	ErrorMessage string
	OccurredAt   time.Time
}

// ActionLog is an append-only orchestrator history row.
type ActionLog struct {
	ID            string
	Action        string
	WorkerID      string
	WorkerName    string
	// Old* describe the instance leaving the fleet, New* the one joining it.
	OldInstanceID string
	NewInstanceID string
	OldIP         string
	NewIP         string
	Reason        string
	Details       map[string]any
	CreatedAt     time.Time
}

// QueueStats summarizes queue and fleet state.
type QueueStats struct {
	Cities        map[CityStatus]int
	Artists       map[TaskStatus]int
	Workers       map[WorkerStatus]int
	ImagesScraped int
}

// ProcessResult is returned by a Processor for a successfully handled task.
type ProcessResult struct {
	ImagesScraped  int
	FollowerCount  *int
	ResultEntityID string
}
