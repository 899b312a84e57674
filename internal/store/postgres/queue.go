package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/scraper-fleet/internal/fleet"
)

const cityColumns = `id::text, slug, name, region, country_code, priority, status,
	COALESCE(claimed_by_worker_id::text, ''), claimed_at, completed_at, artists_discovered, created_at`

const taskColumns = `id::text, handle, city_slug, status, retry_count,
	COALESCE(claimed_by_worker_id::text, ''), claimed_at, images_scraped, follower_count,
	result_entity_id, error_message, created_at`

const claimCitySQL = `
UPDATE scrape_cities
SET status = 'claimed', claimed_by_worker_id = $1, claimed_at = now()
WHERE id = (
	SELECT id FROM scrape_cities
	WHERE status = 'pending'
	ORDER BY priority DESC, created_at, id
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING ` + cityColumns

const claimArtistSQL = `
UPDATE artist_tasks
SET status = 'claimed', claimed_by_worker_id = $1, claimed_at = now()
WHERE id = (
	SELECT id FROM artist_tasks
	WHERE status = 'pending' AND city_slug = $2
	ORDER BY created_at, id
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING ` + taskColumns

func scanCity(row pgx.Row) (*fleet.City, error) {
	var (
		c      fleet.City
		status string
	)
	if err := row.Scan(
		&c.ID, &c.Slug, &c.Name, &c.Region, &c.CountryCode, &c.Priority, &status,
		&c.ClaimedByWorkerID, &c.ClaimedAt, &c.CompletedAt, &c.ArtistsDiscovered, &c.CreatedAt,
	); err != nil {
		return nil, err
	}
	c.Status = fleet.CityStatus(status)
	return &c, nil
}

func scanTask(row pgx.Row) (*fleet.ArtistTask, error) {
	var (
		t      fleet.ArtistTask
		status string
	)
	if err := row.Scan(
		&t.ID, &t.Handle, &t.CitySlug, &status, &t.RetryCount,
		&t.ClaimedByWorkerID, &t.ClaimedAt, &t.ImagesScraped, &t.FollowerCount,
		&t.ResultEntityID, &t.ErrorMessage, &t.CreatedAt,
	); err != nil {
		return nil, err
	}
	t.Status = fleet.TaskStatus(status)
	return &t, nil
}

// ClaimNextCity atomically claims the highest-priority pending city.
func (s *Store) ClaimNextCity(ctx context.Context, workerID string) (*fleet.City, error) {
	c, err := scanCity(s.pool.QueryRow(ctx, claimCitySQL, workerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim city: %w", err)
	}
	return c, nil
}

// ClaimNextArtist atomically claims the oldest pending task in a city.
func (s *Store) ClaimNextArtist(ctx context.Context, workerID, citySlug string) (*fleet.ArtistTask, error) {
	t, err := scanTask(s.pool.QueryRow(ctx, claimArtistSQL, workerID, citySlug))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim artist: %w", err)
	}
	return t, nil
}

// CompleteCity marks the caller's claimed city completed.
func (s *Store) CompleteCity(ctx context.Context, workerID, citySlug string, artistsDiscovered int) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE scrape_cities
SET status = 'completed', completed_at = now(), artists_discovered = $3
WHERE slug = $1 AND claimed_by_worker_id = $2 AND status = 'claimed'`,
		citySlug, workerID, artistsDiscovered)
	if err != nil {
		return fmt.Errorf("complete city: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fleet.ErrClaimLost
	}
	return nil
}

// ReleaseCity returns the caller's claimed city to pending.
func (s *Store) ReleaseCity(ctx context.Context, workerID, citySlug string) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE scrape_cities
SET status = 'pending', claimed_by_worker_id = NULL, claimed_at = NULL
WHERE slug = $1 AND claimed_by_worker_id = $2 AND status = 'claimed'`,
		citySlug, workerID)
	if err != nil {
		return fmt.Errorf("release city: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fleet.ErrClaimLost
	}
	return nil
}

// AddArtists inserts pending tasks, ignoring existing (handle, city) pairs.
func (s *Store) AddArtists(ctx context.Context, citySlug string, handles []string) (int, error) {
	normalized := fleet.NormalizeHandles(handles)
	if len(normalized) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `
INSERT INTO artist_tasks (handle, city_slug)
SELECT h, $1 FROM unnest($2::text[]) AS h
ON CONFLICT (handle, city_slug) DO NOTHING`,
		citySlug, normalized)
	if err != nil {
		return 0, fmt.Errorf("add artists: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// CompleteArtist records the outcome of the caller's claimed task.
func (s *Store) CompleteArtist(ctx context.Context, workerID string, result fleet.ArtistResult) error {
	if !result.Status.IsTerminal() {
		return fmt.Errorf("complete artist: status %q is not terminal", result.Status)
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE artist_tasks
SET status = $3, images_scraped = $4, follower_count = $5, result_entity_id = $6,
	error_message = $7, completed_at = now()
WHERE id = $1 AND claimed_by_worker_id = $2 AND status = 'claimed'`,
		result.TaskID,
		workerID,
		string(result.Status),
		result.ImagesScraped,
		result.FollowerCount,
		result.ResultEntityID,
		fleet.TruncateError(result.ErrorMessage),
	)
	if err != nil {
		return fmt.Errorf("complete artist: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fleet.ErrClaimLost
	}
	return nil
}

// ReleaseArtist returns the caller's task to pending, failing it once the retry budget is spent.
func (s *Store) ReleaseArtist(ctx context.Context, workerID, taskID string) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE artist_tasks
SET status = CASE WHEN retry_count + 1 >= $3 THEN 'failed' ELSE 'pending' END,
	error_message = CASE WHEN retry_count + 1 >= $3 THEN 'retry limit reached' ELSE error_message END,
	retry_count = retry_count + 1,
	claimed_by_worker_id = NULL,
	claimed_at = NULL
WHERE id = $1 AND claimed_by_worker_id = $2 AND status = 'claimed'`,
		taskID, workerID, fleet.MaxArtistRetries)
	if err != nil {
		return fmt.Errorf("release artist: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fleet.ErrClaimLost
	}
	return nil
}

const staleOwnersSQL = `
	claimed_by_worker_id IS NULL
	OR NOT EXISTS (SELECT 1 FROM scraper_workers w WHERE w.id = claimed_by_worker_id)
	OR claimed_by_worker_id IN (
		SELECT w.id FROM scraper_workers w
		WHERE w.status IN ('offline', 'terminated')
		   OR COALESCE(w.last_heartbeat_at, w.started_at) < now() - make_interval(secs => $1)
	)`

// ReleaseStaleClaims resets claims held by workers that stopped heartbeating.
func (s *Store) ReleaseStaleClaims(ctx context.Context, threshold time.Duration) (int, int, error) {
	secs := threshold.Seconds()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("begin stale sweep: %w", err)
	}
	defer rollback(ctx, tx)

	taskTag, err := tx.Exec(ctx, `
UPDATE artist_tasks
SET status = 'pending', claimed_by_worker_id = NULL, claimed_at = NULL, retry_count = retry_count + 1
WHERE status = 'claimed' AND (`+staleOwnersSQL+`)`, secs)
	if err != nil {
		return 0, 0, fmt.Errorf("release stale artists: %w", err)
	}
	cityTag, err := tx.Exec(ctx, `
UPDATE scrape_cities
SET status = 'pending', claimed_by_worker_id = NULL, claimed_at = NULL
WHERE status = 'claimed' AND (`+staleOwnersSQL+`)`, secs)
	if err != nil {
		return 0, 0, fmt.Errorf("release stale cities: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, 0, fmt.Errorf("commit stale sweep: %w", err)
	}
	return int(taskTag.RowsAffected()), int(cityTag.RowsAffected()), nil
}

// QueueStats counts rows per status across cities, tasks and workers.
func (s *Store) QueueStats(ctx context.Context) (fleet.QueueStats, error) {
	stats := fleet.QueueStats{
		Cities:  map[fleet.CityStatus]int{},
		Artists: map[fleet.TaskStatus]int{},
		Workers: map[fleet.WorkerStatus]int{},
	}
	rows, err := s.pool.Query(ctx, `
SELECT 'city', status, count(*) FROM scrape_cities GROUP BY status
UNION ALL
SELECT 'artist', status, count(*) FROM artist_tasks GROUP BY status
UNION ALL
SELECT 'worker', status, count(*) FROM scraper_workers GROUP BY status`)
	if err != nil {
		return stats, fmt.Errorf("query queue stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			kind, status string
			count        int64
		)
		if err := rows.Scan(&kind, &status, &count); err != nil {
			return stats, fmt.Errorf("scan queue stats: %w", err)
		}
		switch kind {
		case "city":
			stats.Cities[fleet.CityStatus(status)] = int(count)
		case "artist":
			stats.Artists[fleet.TaskStatus(status)] = int(count)
		case "worker":
			stats.Workers[fleet.WorkerStatus(status)] = int(count)
		}
	}
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("iterate queue stats: %w", err)
	}

	var images int64
	if err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(images_scraped), 0) FROM artist_tasks`).Scan(&images); err != nil {
		return stats, fmt.Errorf("sum images: %w", err)
	}
	stats.ImagesScraped = int(images)
	return stats, nil
}

// SeedCities inserts cities by slug, skipping ones that already exist.
func (s *Store) SeedCities(ctx context.Context, seeds []fleet.CitySeed) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin seed: %w", err)
	}
	defer rollback(ctx, tx)

	inserted := 0
	for _, seed := range seeds {
		if seed.Slug == "" {
			return 0, fmt.Errorf("city slug is required")
		}
		tag, err := tx.Exec(ctx, `
INSERT INTO scrape_cities (slug, name, region, country_code, priority)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (slug) DO NOTHING`,
			seed.Slug, seed.Name, seed.Region, seed.CountryCode, seed.Priority)
		if err != nil {
			return 0, fmt.Errorf("insert city %s: %w", seed.Slug, err)
		}
		inserted += int(tag.RowsAffected())
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit seed: %w", err)
	}
	return inserted, nil
}
