package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/scraper-fleet/internal/fleet"
)

const workerColumns = `id::text, name, instance_id, ip_address, status, last_heartbeat_at, started_at,
	current_city_slug, current_artist_handle, artists_processed, images_processed,
	consecutive_failures, total_failures_lifetime, last_error`

// RegisterWorker creates or reactivates a worker row by name. Retired rows
// (offline or terminated) are never revived.
func (s *Store) RegisterWorker(ctx context.Context, name, instanceID, ip string) (string, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
INSERT INTO scraper_workers (name, instance_id, ip_address, status, started_at, last_heartbeat_at)
VALUES ($1, $2, $3, 'active', now(), now())
ON CONFLICT (name) DO UPDATE SET
	status = 'active',
	instance_id = COALESCE(NULLIF(EXCLUDED.instance_id, ''), scraper_workers.instance_id),
	ip_address = EXCLUDED.ip_address,
	started_at = now(),
	last_heartbeat_at = now()
WHERE scraper_workers.status IN ('provisioning', 'active')
RETURNING id::text`, name, instanceID, ip).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fleet.ErrWorkerRetired
	}
	if err != nil {
		return "", fmt.Errorf("register worker: %w", err)
	}
	return id, nil
}

// RegisterProvisioning inserts a provisioning row for a worker being spawned.
func (s *Store) RegisterProvisioning(ctx context.Context, name, instanceID, ip string) (string, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
INSERT INTO scraper_workers (name, instance_id, ip_address, status, started_at)
VALUES ($1, $2, $3, 'provisioning', now())
ON CONFLICT (name) DO NOTHING
RETURNING id::text`, name, instanceID, ip).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fleet.ErrNameTaken
	}
	if err != nil {
		return "", fmt.Errorf("register provisioning worker: %w", err)
	}
	return id, nil
}

// Heartbeat records liveness and the worker's progress snapshot.
func (s *Store) Heartbeat(ctx context.Context, workerID string, update fleet.HeartbeatUpdate) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE scraper_workers
SET last_heartbeat_at = now(), current_city_slug = $2, current_artist_handle = $3,
	artists_processed = $4, images_processed = $5
WHERE id = $1`,
		workerID,
		update.CurrentCitySlug,
		update.CurrentArtistHandle,
		update.ArtistsProcessed,
		update.ImagesProcessed,
	)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fleet.ErrNotFound
	}
	return nil
}

// UpdateWorkerStatus moves a worker forward. The update only applies when
// the current status is a legal predecessor, so concurrent callers cannot
// both win the same transition.
func (s *Store) UpdateWorkerStatus(ctx context.Context, workerID string, status fleet.WorkerStatus) error {
	preds := fleet.PredecessorsOf(status)
	from := make([]string, len(preds))
	for i, p := range preds {
		from[i] = string(p)
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE scraper_workers SET status = $2
WHERE id = $1 AND status = ANY($3)`, workerID, string(status), from)
	if err != nil {
		return fmt.Errorf("update worker status: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var current string
	err = s.pool.QueryRow(ctx, `SELECT status FROM scraper_workers WHERE id = $1`, workerID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fleet.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read worker status: %w", err)
	}
	return fmt.Errorf("%w: %s -> %s", fleet.ErrInvalidTransition, current, status)
}

// FleetStatus returns every worker row ordered by name.
func (s *Store) FleetStatus(ctx context.Context) ([]fleet.Worker, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+workerColumns+` FROM scraper_workers ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query fleet: %w", err)
	}
	defer rows.Close()
	var out []fleet.Worker
	for rows.Next() {
		var (
			w      fleet.Worker
			status string
		)
		if err := rows.Scan(
			&w.ID, &w.Name, &w.InstanceID, &w.IPAddress, &status, &w.LastHeartbeatAt, &w.StartedAt,
			&w.CurrentCitySlug, &w.CurrentArtistHandle, &w.ArtistsProcessed, &w.ImagesProcessed,
			&w.ConsecutiveFailures, &w.TotalFailuresLifetime, &w.LastError,
		); err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		w.Status = fleet.WorkerStatus(status)
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fleet: %w", err)
	}
	return out, nil
}

// ReportRateLimit appends an event and bumps the worker's counters in one transaction.
func (s *Store) ReportRateLimit(ctx context.Context, workerID string, report fleet.RateLimitReport) (int, error) {
	msg := fleet.TruncateError(report.ErrorMessage)
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin rate limit report: %w", err)
	}
	defer rollback(ctx, tx)

	var (
		count int
		ip    string
	)
	err = tx.QueryRow(ctx, `
UPDATE scraper_workers
SET consecutive_failures = consecutive_failures + 1,
	total_failures_lifetime = total_failures_lifetime + 1,
	last_error = $2
WHERE id = $1
RETURNING consecutive_failures, ip_address`, workerID, msg).Scan(&count, &ip)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fleet.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("increment failures: %w", err)
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO rate_limit_events (worker_id, ip_address, artist_handle, city_slug, error_type, error_message)
VALUES ($1, $2, $3, $4, $5, $6)`,
		workerID, ip, report.ArtistHandle, report.CitySlug, report.ErrorType, msg); err != nil {
		return 0, fmt.Errorf("insert rate limit event: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit rate limit report: %w", err)
	}
	return count, nil
}

// ResetRateLimitCounter zeroes the consecutive failure counter.
func (s *Store) ResetRateLimitCounter(ctx context.Context, workerID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE scraper_workers SET consecutive_failures = 0 WHERE id = $1`, workerID)
	if err != nil {
		return fmt.Errorf("reset failures: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fleet.ErrNotFound
	}
	return nil
}

// LogAction appends an orchestrator action.
func (s *Store) LogAction(ctx context.Context, entry fleet.ActionLog) (string, error) {
	details := entry.Details
	if details == nil {
		details = map[string]any{}
	}
	payload, err := json.Marshal(details)
	if err != nil {
		return "", fmt.Errorf("marshal action details: %w", err)
	}
	var id string
	if err := s.pool.QueryRow(ctx, `
INSERT INTO orchestrator_actions
	(action, worker_id, worker_name, old_instance_id, new_instance_id, old_ip, new_ip, reason, details)
VALUES ($1, NULLIF($2, '')::uuid, $3, $4, $5, $6, $7, $8, $9)
RETURNING id::text`,
		entry.Action, entry.WorkerID, entry.WorkerName, entry.OldInstanceID, entry.NewInstanceID,
		entry.OldIP, entry.NewIP, entry.Reason, payload).Scan(&id); err != nil {
		return "", fmt.Errorf("insert action: %w", err)
	}
	return id, nil
}

// RecentActions returns the newest orchestrator actions first.
func (s *Store) RecentActions(ctx context.Context, limit int) ([]fleet.ActionLog, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id::text, action, COALESCE(worker_id::text, ''), worker_name, old_instance_id, new_instance_id,
	old_ip, new_ip, reason, details, created_at
FROM orchestrator_actions ORDER BY created_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query actions: %w", err)
	}
	defer rows.Close()
	var out []fleet.ActionLog
	for rows.Next() {
		var (
			a   fleet.ActionLog
			raw []byte
		)
		if err := rows.Scan(
			&a.ID, &a.Action, &a.WorkerID, &a.WorkerName, &a.OldInstanceID, &a.NewInstanceID,
			&a.OldIP, &a.NewIP, &a.Reason, &raw, &a.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &a.Details); err != nil {
				return nil, fmt.Errorf("decode action details: %w", err)
			}
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate actions: %w", err)
	}
	return out, nil
}

// RecentRateLimits returns the newest rate-limit events first.
func (s *Store) RecentRateLimits(ctx context.Context, limit int) ([]fleet.RateLimitEvent, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id::text, worker_id::text, ip_address, artist_handle, city_slug, error_type, error_message, occurred_at
FROM rate_limit_events ORDER BY occurred_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query rate limits: %w", err)
	}
	defer rows.Close()
	var out []fleet.RateLimitEvent
	for rows.Next() {
		var (
			e  fleet.RateLimitEvent
			at time.Time
		)
		if err := rows.Scan(&e.ID, &e.WorkerID, &e.IPAddress, &e.ArtistHandle, &e.CitySlug, &e.ErrorType, &e.ErrorMessage, &at); err != nil {
			return nil, fmt.Errorf("scan rate limit: %w", err)
		}
		e.OccurredAt = at
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rate limits: %w", err)
	}
	return out, nil
}
