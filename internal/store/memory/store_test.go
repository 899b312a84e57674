package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scraper-fleet/internal/fleet"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	clk := &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	return New(WithClock(clk)), clk
}

func TestClaimNextCity_PriorityThenCreationOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newTestStore(t)
	_, err := s.SeedCities(ctx, []fleet.CitySeed{
		{Slug: "austin", Priority: 1},
		{Slug: "berlin", Priority: 5},
		{Slug: "tokyo", Priority: 5},
	})
	require.NoError(t, err)

	var got []string
	for {
		c, err := s.ClaimNextCity(ctx, "w1")
		require.NoError(t, err)
		if c == nil {
			break
		}
		got = append(got, c.Slug)
	}
	require.Equal(t, []string{"berlin", "tokyo", "austin"}, got)
}

func TestClaimNextCity_ConcurrentClaimersGetDistinctRows(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newTestStore(t)
	_, err := s.SeedCities(ctx, []fleet.CitySeed{{Slug: "only", Priority: 1}})
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			c, err := s.ClaimNextCity(ctx, string(rune('a'+id)))
			if err != nil {
				t.Error(err)
				return
			}
			if c != nil {
				mu.Lock()
				winners = append(winners, c.ClaimedByWorkerID)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	require.Len(t, winners, 1)
}

func TestClaimNextArtist_AtMostOneClaimPerTask(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newTestStore(t)
	handles := make([]string, 50)
	for i := range handles {
		handles[i] = "artist_" + string(rune('a'+i%26)) + string(rune('a'+i/26))
	}
	n, err := s.AddArtists(ctx, "berlin", handles)
	require.NoError(t, err)
	require.Equal(t, 50, n)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed = map[string]string{}
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			for {
				task, err := s.ClaimNextArtist(ctx, worker, "berlin")
				if err != nil {
					t.Error(err)
					return
				}
				if task == nil {
					return
				}
				mu.Lock()
				if prev, dup := claimed[task.ID]; dup {
					t.Errorf("task %s claimed by %s and %s", task.ID, prev, worker)
				}
				claimed[task.ID] = worker
				mu.Unlock()
			}
		}(string(rune('A' + w)))
	}
	wg.Wait()
	require.Len(t, claimed, 50)
}

func TestAddArtists_NormalizesAndDedupes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newTestStore(t)

	n, err := s.AddArtists(ctx, "berlin", []string{"@Ink.Master", "ink.master", " other_one "})
	require.NoError(t, err)
	require.Equal(t, 2, n)

	n, err = s.AddArtists(ctx, "berlin", []string{"INK.MASTER"})
	require.NoError(t, err)
	require.Zero(t, n)

	n, err = s.AddArtists(ctx, "tokyo", []string{"ink.master"})
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestCompleteArtist_OnlyClaimantMayComplete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newTestStore(t)
	_, err := s.AddArtists(ctx, "berlin", []string{"a1"})
	require.NoError(t, err)
	task, err := s.ClaimNextArtist(ctx, "w1", "berlin")
	require.NoError(t, err)
	require.NotNil(t, task)

	err = s.CompleteArtist(ctx, "w2", fleet.ArtistResult{TaskID: task.ID, Status: fleet.TaskCompleted})
	require.ErrorIs(t, err, fleet.ErrClaimLost)

	err = s.CompleteArtist(ctx, "w1", fleet.ArtistResult{TaskID: task.ID, Status: fleet.TaskPending})
	require.Error(t, err)

	require.NoError(t, s.CompleteArtist(ctx, "w1", fleet.ArtistResult{
		TaskID: task.ID, Status: fleet.TaskCompleted, ImagesScraped: 7, ResultEntityID: "e1",
	}))
	row, ok := s.Task(task.ID)
	require.True(t, ok)
	require.Equal(t, fleet.TaskCompleted, row.Status)
	require.Equal(t, 7, row.ImagesScraped)

	err = s.CompleteArtist(ctx, "w1", fleet.ArtistResult{TaskID: task.ID, Status: fleet.TaskCompleted})
	require.ErrorIs(t, err, fleet.ErrClaimLost)
}

func TestReleaseArtist_FailsAfterRetryBudget(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newTestStore(t)
	_, err := s.AddArtists(ctx, "berlin", []string{"a1"})
	require.NoError(t, err)

	var id string
	for i := 0; i < fleet.MaxArtistRetries; i++ {
		task, err := s.ClaimNextArtist(ctx, "w1", "berlin")
		require.NoError(t, err)
		require.NotNil(t, task)
		id = task.ID
		require.NoError(t, s.ReleaseArtist(ctx, "w1", task.ID))
	}
	row, _ := s.Task(id)
	require.Equal(t, fleet.TaskFailed, row.Status)
	require.Equal(t, fleet.MaxArtistRetries, row.RetryCount)

	task, err := s.ClaimNextArtist(ctx, "w1", "berlin")
	require.NoError(t, err)
	require.Nil(t, task)
}

func TestReleaseStaleClaims_ResetsDeadWorkersOnly(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, clk := newTestStore(t)
	_, err := s.SeedCities(ctx, []fleet.CitySeed{{Slug: "berlin"}, {Slug: "tokyo"}})
	require.NoError(t, err)

	dead, err := s.RegisterWorker(ctx, "worker-01", "i-1", "10.0.0.1")
	require.NoError(t, err)
	alive, err := s.RegisterWorker(ctx, "worker-02", "i-2", "10.0.0.2")
	require.NoError(t, err)

	deadCity, err := s.ClaimNextCity(ctx, dead)
	require.NoError(t, err)
	_, err = s.AddArtists(ctx, deadCity.Slug, []string{"x"})
	require.NoError(t, err)
	task, err := s.ClaimNextArtist(ctx, dead, deadCity.Slug)
	require.NoError(t, err)
	aliveCity, err := s.ClaimNextCity(ctx, alive)
	require.NoError(t, err)

	clk.Advance(11 * time.Minute)
	require.NoError(t, s.Heartbeat(ctx, alive, fleet.HeartbeatUpdate{CurrentCitySlug: aliveCity.Slug}))

	tasks, cities, err := s.ReleaseStaleClaims(ctx, 10*time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, tasks)
	require.Equal(t, 1, cities)

	row, _ := s.Task(task.ID)
	require.Equal(t, fleet.TaskPending, row.Status)
	require.Empty(t, row.ClaimedByWorkerID)
	require.Equal(t, 1, row.RetryCount)

	c, _ := s.City(deadCity.Slug)
	require.Equal(t, fleet.CityPending, c.Status)
	c, _ = s.City(aliveCity.Slug)
	require.Equal(t, fleet.CityClaimed, c.Status)
}

func TestRegisterWorker_IdempotentAndRetired(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newTestStore(t)

	provID, err := s.RegisterProvisioning(ctx, "worker-01", "i-1", "")
	require.NoError(t, err)
	_, err = s.RegisterProvisioning(ctx, "worker-01", "i-9", "")
	require.ErrorIs(t, err, fleet.ErrNameTaken)

	id, err := s.RegisterWorker(ctx, "worker-01", "", "1.2.3.4")
	require.NoError(t, err)
	require.Equal(t, provID, id)
	again, err := s.RegisterWorker(ctx, "worker-01", "", "1.2.3.4")
	require.NoError(t, err)
	require.Equal(t, id, again)

	w, _ := s.Worker(id)
	require.Equal(t, fleet.WorkerActive, w.Status)
	require.Equal(t, "i-1", w.InstanceID)

	require.NoError(t, s.UpdateWorkerStatus(ctx, id, fleet.WorkerOffline))
	_, err = s.RegisterWorker(ctx, "worker-01", "", "1.2.3.4")
	require.ErrorIs(t, err, fleet.ErrWorkerRetired)
}

func TestUpdateWorkerStatus_RejectsBackwardMoves(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newTestStore(t)
	id, err := s.RegisterWorker(ctx, "worker-01", "i-1", "")
	require.NoError(t, err)

	require.NoError(t, s.UpdateWorkerStatus(ctx, id, fleet.WorkerRotating))
	err = s.UpdateWorkerStatus(ctx, id, fleet.WorkerRotating)
	require.ErrorIs(t, err, fleet.ErrInvalidTransition)
	err = s.UpdateWorkerStatus(ctx, id, fleet.WorkerActive)
	require.ErrorIs(t, err, fleet.ErrInvalidTransition)
	require.NoError(t, s.UpdateWorkerStatus(ctx, id, fleet.WorkerTerminated))

	err = s.UpdateWorkerStatus(ctx, "missing", fleet.WorkerActive)
	require.ErrorIs(t, err, fleet.ErrNotFound)
}

func TestReportRateLimit_CountsAndResets(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newTestStore(t)
	id, err := s.RegisterWorker(ctx, "worker-01", "i-1", "203.0.113.4")
	require.NoError(t, err)

	for want := 1; want <= 3; want++ {
		n, err := s.ReportRateLimit(ctx, id, fleet.RateLimitReport{ErrorType: "http_429", ErrorMessage: "slow down"})
		require.NoError(t, err)
		require.Equal(t, want, n)
	}
	require.NoError(t, s.ResetRateLimitCounter(ctx, id))

	w, _ := s.Worker(id)
	require.Zero(t, w.ConsecutiveFailures)
	require.Equal(t, 3, w.TotalFailuresLifetime)

	events, err := s.RecentRateLimits(ctx, 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, "3", events[0].ID)
	require.Equal(t, "203.0.113.4", events[0].IPAddress)
}

func TestQueueStats(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newTestStore(t)
	_, err := s.SeedCities(ctx, []fleet.CitySeed{{Slug: "a"}, {Slug: "b"}})
	require.NoError(t, err)
	_, err = s.ClaimNextCity(ctx, "w")
	require.NoError(t, err)
	_, err = s.AddArtists(ctx, "a", []string{"x", "y"})
	require.NoError(t, err)

	stats, err := s.QueueStats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Cities[fleet.CityPending])
	require.Equal(t, 1, stats.Cities[fleet.CityClaimed])
	require.Equal(t, 2, stats.Artists[fleet.TaskPending])
}
