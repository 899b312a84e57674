// Package memory provides an in-process coordination store for development
// and tests. It mirrors the Postgres store's claim and ownership semantics
// under a single mutex.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/scraper-fleet/internal/fleet"
)

var _ fleet.Store = (*Store)(nil)

type cityRow struct {
	fleet.City
	seq int64
}

type taskRow struct {
	fleet.ArtistTask
	seq int64
}

// Store is a mutex-protected fleet.Store.
type Store struct {
	mu         sync.Mutex
	clock      fleet.Clock
	seq        int64
	cities     map[string]*cityRow
	tasks      map[string]*taskRow
	taskKeys   map[string]string
	workers    map[string]*fleet.Worker
	names      map[string]string
	rateEvents []fleet.RateLimitEvent
	actions    []fleet.ActionLog
}

// Option customizes a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(c fleet.Clock) Option {
	return func(s *Store) {
		s.clock = c
	}
}

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }

// New constructs an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		clock:    utcClock{},
		cities:   make(map[string]*cityRow),
		tasks:    make(map[string]*taskRow),
		taskKeys: make(map[string]string),
		workers:  make(map[string]*fleet.Worker),
		names:    make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close is a no-op.
func (s *Store) Close() {}

func (s *Store) nextSeq() int64 {
	s.seq++
	return s.seq
}

func ptrTime(t time.Time) *time.Time {
	return &t
}

// SeedCities inserts cities that do not exist yet.
func (s *Store) SeedCities(_ context.Context, seeds []fleet.CitySeed) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inserted := 0
	for _, seed := range seeds {
		if seed.Slug == "" {
			return inserted, fmt.Errorf("city slug is required")
		}
		if _, ok := s.cities[seed.Slug]; ok {
			continue
		}
		s.cities[seed.Slug] = &cityRow{
			City: fleet.City{
				ID:          uuid.NewString(),
				Slug:        seed.Slug,
				Name:        seed.Name,
				Region:      seed.Region,
				CountryCode: seed.CountryCode,
				Priority:    seed.Priority,
				Status:      fleet.CityPending,
				CreatedAt:   s.clock.Now(),
			},
			seq: s.nextSeq(),
		}
		inserted++
	}
	return inserted, nil
}

// ClaimNextCity claims the highest-priority pending city.
func (s *Store) ClaimNextCity(_ context.Context, workerID string) (*fleet.City, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *cityRow
	for _, c := range s.cities {
		if c.Status != fleet.CityPending {
			continue
		}
		if best == nil || c.Priority > best.Priority ||
			(c.Priority == best.Priority && c.seq < best.seq) {
			best = c
		}
	}
	if best == nil {
		return nil, nil
	}
	best.Status = fleet.CityClaimed
	best.ClaimedByWorkerID = workerID
	best.ClaimedAt = ptrTime(s.clock.Now())
	out := best.City
	return &out, nil
}

// CompleteCity marks a claimed city completed.
func (s *Store) CompleteCity(_ context.Context, workerID, citySlug string, artistsDiscovered int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cities[citySlug]
	if !ok {
		return fleet.ErrNotFound
	}
	if c.Status != fleet.CityClaimed || c.ClaimedByWorkerID != workerID {
		return fleet.ErrClaimLost
	}
	c.Status = fleet.CityCompleted
	c.CompletedAt = ptrTime(s.clock.Now())
	c.ArtistsDiscovered = artistsDiscovered
	return nil
}

// ReleaseCity returns a claimed city to pending.
func (s *Store) ReleaseCity(_ context.Context, workerID, citySlug string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cities[citySlug]
	if !ok {
		return fleet.ErrNotFound
	}
	if c.Status != fleet.CityClaimed || c.ClaimedByWorkerID != workerID {
		return fleet.ErrClaimLost
	}
	resetCity(c)
	return nil
}

func resetCity(c *cityRow) {
	c.Status = fleet.CityPending
	c.ClaimedByWorkerID = ""
	c.ClaimedAt = nil
}

// AddArtists inserts pending tasks, ignoring (handle, city) pairs that already exist.
func (s *Store) AddArtists(_ context.Context, citySlug string, handles []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inserted := 0
	for _, h := range fleet.NormalizeHandles(handles) {
		key := h + "\x00" + citySlug
		if _, ok := s.taskKeys[key]; ok {
			continue
		}
		id := uuid.NewString()
		s.tasks[id] = &taskRow{
			ArtistTask: fleet.ArtistTask{
				ID:        id,
				Handle:    h,
				CitySlug:  citySlug,
				Status:    fleet.TaskPending,
				CreatedAt: s.clock.Now(),
			},
			seq: s.nextSeq(),
		}
		s.taskKeys[key] = id
		inserted++
	}
	return inserted, nil
}

// ClaimNextArtist claims the oldest pending task for a city.
func (s *Store) ClaimNextArtist(_ context.Context, workerID, citySlug string) (*fleet.ArtistTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *taskRow
	for _, t := range s.tasks {
		if t.Status != fleet.TaskPending || t.CitySlug != citySlug {
			continue
		}
		if best == nil || t.seq < best.seq {
			best = t
		}
	}
	if best == nil {
		return nil, nil
	}
	best.Status = fleet.TaskClaimed
	best.ClaimedByWorkerID = workerID
	best.ClaimedAt = ptrTime(s.clock.Now())
	out := best.ArtistTask
	return &out, nil
}

// CompleteArtist records the outcome of a claimed task.
func (s *Store) CompleteArtist(_ context.Context, workerID string, result fleet.ArtistResult) error {
	if !result.Status.IsTerminal() {
		return fmt.Errorf("complete artist: status %q is not terminal", result.Status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[result.TaskID]
	if !ok {
		return fleet.ErrNotFound
	}
	if t.Status != fleet.TaskClaimed || t.ClaimedByWorkerID != workerID {
		return fleet.ErrClaimLost
	}
	t.Status = result.Status
	t.ImagesScraped = result.ImagesScraped
	t.FollowerCount = result.FollowerCount
	t.ResultEntityID = result.ResultEntityID
	t.ErrorMessage = fleet.TruncateError(result.ErrorMessage)
	return nil
}

// ReleaseArtist returns a claimed task to pending, or fails it once the retry budget is spent.
func (s *Store) ReleaseArtist(_ context.Context, workerID, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return fleet.ErrNotFound
	}
	if t.Status != fleet.TaskClaimed || t.ClaimedByWorkerID != workerID {
		return fleet.ErrClaimLost
	}
	t.RetryCount++
	t.ClaimedByWorkerID = ""
	t.ClaimedAt = nil
	if t.RetryCount >= fleet.MaxArtistRetries {
		t.Status = fleet.TaskFailed
		t.ErrorMessage = "retry limit reached"
		return nil
	}
	t.Status = fleet.TaskPending
	return nil
}

// ReleaseStaleClaims resets claims whose owner stopped heartbeating or is gone.
func (s *Store) ReleaseStaleClaims(_ context.Context, threshold time.Duration) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.clock.Now().Add(-threshold)
	tasks, cities := 0, 0
	for _, t := range s.tasks {
		if t.Status == fleet.TaskClaimed && s.ownerStale(t.ClaimedByWorkerID, cutoff) {
			t.Status = fleet.TaskPending
			t.ClaimedByWorkerID = ""
			t.ClaimedAt = nil
			t.RetryCount++
			tasks++
		}
	}
	for _, c := range s.cities {
		if c.Status == fleet.CityClaimed && s.ownerStale(c.ClaimedByWorkerID, cutoff) {
			resetCity(c)
			cities++
		}
	}
	return tasks, cities, nil
}

func (s *Store) ownerStale(workerID string, cutoff time.Time) bool {
	w, ok := s.workers[workerID]
	if !ok {
		return true
	}
	if w.Status == fleet.WorkerOffline || w.Status == fleet.WorkerTerminated {
		return true
	}
	ref := w.StartedAt
	if w.LastHeartbeatAt != nil {
		ref = *w.LastHeartbeatAt
	}
	return ref.Before(cutoff)
}

// QueueStats counts rows per status.
func (s *Store) QueueStats(_ context.Context) (fleet.QueueStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := fleet.QueueStats{
		Cities:  map[fleet.CityStatus]int{},
		Artists: map[fleet.TaskStatus]int{},
		Workers: map[fleet.WorkerStatus]int{},
	}
	for _, c := range s.cities {
		stats.Cities[c.Status]++
	}
	for _, t := range s.tasks {
		stats.Artists[t.Status]++
		stats.ImagesScraped += t.ImagesScraped
	}
	for _, w := range s.workers {
		stats.Workers[w.Status]++
	}
	return stats, nil
}

// RegisterWorker creates or reactivates a worker row by name.
func (s *Store) RegisterWorker(_ context.Context, name, instanceID, ip string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	if id, ok := s.names[name]; ok {
		w := s.workers[id]
		if w.Status != fleet.WorkerProvisioning && w.Status != fleet.WorkerActive {
			return "", fleet.ErrWorkerRetired
		}
		if instanceID != "" {
			w.InstanceID = instanceID
		}
		w.IPAddress = ip
		w.Status = fleet.WorkerActive
		w.StartedAt = now
		w.LastHeartbeatAt = ptrTime(now)
		return id, nil
	}
	id := uuid.NewString()
	s.workers[id] = &fleet.Worker{
		ID:              id,
		Name:            name,
		InstanceID:      instanceID,
		IPAddress:       ip,
		Status:          fleet.WorkerActive,
		StartedAt:       now,
		LastHeartbeatAt: ptrTime(now),
	}
	s.names[name] = id
	return id, nil
}

// RegisterProvisioning creates a provisioning row for a worker being spawned.
func (s *Store) RegisterProvisioning(_ context.Context, name, instanceID, ip string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.names[name]; ok {
		return "", fleet.ErrNameTaken
	}
	id := uuid.NewString()
	s.workers[id] = &fleet.Worker{
		ID:         id,
		Name:       name,
		InstanceID: instanceID,
		IPAddress:  ip,
		Status:     fleet.WorkerProvisioning,
		StartedAt:  s.clock.Now(),
	}
	s.names[name] = id
	return id, nil
}

// Heartbeat records liveness and progress.
func (s *Store) Heartbeat(_ context.Context, workerID string, update fleet.HeartbeatUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[workerID]
	if !ok {
		return fleet.ErrNotFound
	}
	w.LastHeartbeatAt = ptrTime(s.clock.Now())
	w.CurrentCitySlug = update.CurrentCitySlug
	w.CurrentArtistHandle = update.CurrentArtistHandle
	w.ArtistsProcessed = update.ArtistsProcessed
	w.ImagesProcessed = update.ImagesProcessed
	return nil
}

// UpdateWorkerStatus moves a worker forward through its lifecycle.
func (s *Store) UpdateWorkerStatus(_ context.Context, workerID string, status fleet.WorkerStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[workerID]
	if !ok {
		return fleet.ErrNotFound
	}
	if !fleet.CanTransition(w.Status, status) {
		return fmt.Errorf("%w: %s -> %s", fleet.ErrInvalidTransition, w.Status, status)
	}
	w.Status = status
	return nil
}

// FleetStatus returns every worker row ordered by name.
func (s *Store) FleetStatus(_ context.Context) ([]fleet.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]fleet.Worker, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ReportRateLimit appends an event and bumps the worker's failure counters.
func (s *Store) ReportRateLimit(_ context.Context, workerID string, report fleet.RateLimitReport) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[workerID]
	if !ok {
		return 0, fleet.ErrNotFound
	}
	now := s.clock.Now()
	s.rateEvents = append(s.rateEvents, fleet.RateLimitEvent{
		ID:           fmt.Sprintf("%d", len(s.rateEvents)+1),
		WorkerID:     workerID,
		IPAddress:    w.IPAddress,
		ArtistHandle: report.ArtistHandle,
		CitySlug:     report.CitySlug,
		ErrorType:    report.ErrorType,
		ErrorMessage: fleet.TruncateError(report.ErrorMessage),
		OccurredAt:   now,
	})
	w.ConsecutiveFailures++
	w.TotalFailuresLifetime++
	w.LastError = fleet.TruncateError(report.ErrorMessage)
	return w.ConsecutiveFailures, nil
}

// ResetRateLimitCounter zeroes the consecutive failure counter.
func (s *Store) ResetRateLimitCounter(_ context.Context, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[workerID]
	if !ok {
		return fleet.ErrNotFound
	}
	w.ConsecutiveFailures = 0
	return nil
}

// LogAction appends an orchestrator action.
func (s *Store) LogAction(_ context.Context, entry fleet.ActionLog) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.ID = fmt.Sprintf("%d", len(s.actions)+1)
	entry.CreatedAt = s.clock.Now()
	s.actions = append(s.actions, entry)
	return entry.ID, nil
}

// RecentActions returns the newest actions first.
func (s *Store) RecentActions(_ context.Context, limit int) ([]fleet.ActionLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]fleet.ActionLog, 0, limit)
	for i := len(s.actions) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.actions[i])
	}
	return out, nil
}

// RecentRateLimits returns the newest rate-limit events first.
func (s *Store) RecentRateLimits(_ context.Context, limit int) ([]fleet.RateLimitEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]fleet.RateLimitEvent, 0, limit)
	for i := len(s.rateEvents) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.rateEvents[i])
	}
	return out, nil
}

// Task returns a copy of a task row (useful for testing).
func (s *Store) Task(taskID string) (fleet.ArtistTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return fleet.ArtistTask{}, false
	}
	return t.ArtistTask, true
}

// TaskByHandle returns a copy of the task for handle in a city (useful for testing).
func (s *Store) TaskByHandle(citySlug, handle string) (fleet.ArtistTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.CitySlug == citySlug && t.Handle == handle {
			return t.ArtistTask, true
		}
	}
	return fleet.ArtistTask{}, false
}

// City returns a copy of a city row (useful for testing).
func (s *Store) City(slug string) (fleet.City, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cities[slug]
	if !ok {
		return fleet.City{}, false
	}
	return c.City, true
}

// Worker returns a copy of a worker row (useful for testing).
func (s *Store) Worker(workerID string) (fleet.Worker, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[workerID]
	if !ok {
		return fleet.Worker{}, false
	}
	return *w, true
}

// SetHeartbeat overrides a worker's last heartbeat (useful for testing).
func (s *Store) SetHeartbeat(workerID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.workers[workerID]; ok {
		w.LastHeartbeatAt = ptrTime(at)
	}
}
