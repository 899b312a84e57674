package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/scraper-fleet/internal/fleet"
	"github.com/JakeFAU/scraper-fleet/internal/health"
	"github.com/JakeFAU/scraper-fleet/internal/store/memory"
)

type fakeDiscoverer struct {
	mu      sync.Mutex
	handles map[string][]string
	panics  int
	err     error
	calls   int
}

func (d *fakeDiscoverer) Discover(_ context.Context, city fleet.City) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.panics > 0 {
		d.panics--
		panic("discovery exploded")
	}
	if d.err != nil {
		return nil, d.err
	}
	return d.handles[city.Slug], nil
}

type processFunc func(ctx context.Context, task fleet.ArtistTask, city fleet.City) (fleet.ProcessResult, error)

type fakeProcessor struct {
	mu    sync.Mutex
	fn    processFunc
	calls []string
}

func (p *fakeProcessor) Process(ctx context.Context, task fleet.ArtistTask, city fleet.City) (fleet.ProcessResult, error) {
	p.mu.Lock()
	p.calls = append(p.calls, task.Handle)
	fn := p.fn
	p.mu.Unlock()
	return fn(ctx, task, city)
}

func (p *fakeProcessor) handles() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

type staticIP string

func (s staticIP) ExternalIP(context.Context) (string, error) { return string(s), nil }

func fastConfig(name string) Config {
	return Config{
		Name:              name,
		InstanceID:        "inst-" + name,
		HeartbeatInterval: 5 * time.Millisecond,
		IdleBackoff:       5 * time.Millisecond,
		ArtistDelay:       time.Millisecond,
		CityDelay:         time.Millisecond,
		RateLimitPenalty:  time.Millisecond,
	}
}

func seed(t *testing.T, store *memory.Store, slugs ...string) {
	t.Helper()
	seeds := make([]fleet.CitySeed, 0, len(slugs))
	for i, s := range slugs {
		seeds = append(seeds, fleet.CitySeed{Slug: s, Name: s, Priority: len(slugs) - i})
	}
	_, err := store.SeedCities(context.Background(), seeds)
	require.NoError(t, err)
}

func runAsync(ctx context.Context, w *Worker) <-chan error {
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	return done
}

func waitDone(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestWorker_ProcessesCityToCompletion(t *testing.T) {
	t.Parallel()

	store := memory.New()
	seed(t, store, "berlin")
	disc := &fakeDiscoverer{handles: map[string][]string{"berlin": {"@Ink_One", "ink_two", "INK_ONE", "empty_feed"}}}
	count := 7
	proc := &fakeProcessor{fn: func(_ context.Context, task fleet.ArtistTask, _ fleet.City) (fleet.ProcessResult, error) {
		if task.Handle == "empty_feed" {
			return fleet.ProcessResult{}, nil
		}
		return fleet.ProcessResult{ImagesScraped: 3, FollowerCount: &count, ResultEntityID: "e-" + task.Handle}, nil
	}}

	w := New(store, disc, proc, fastConfig("worker-01"), zap.NewNop(), WithIPResolver(staticIP("203.0.113.9")))
	done := runAsync(context.Background(), w)

	require.Eventually(t, func() bool {
		c, ok := store.City("berlin")
		return ok && c.Status == fleet.CityCompleted
	}, 2*time.Second, 5*time.Millisecond)

	w.RequestShutdown()
	waitDone(t, done)

	city, _ := store.City("berlin")
	require.Equal(t, 3, city.ArtistsDiscovered)
	require.ElementsMatch(t, []string{"ink_one", "ink_two", "empty_feed"}, proc.handles())

	stats, err := store.QueueStats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, stats.Artists[fleet.TaskCompleted])
	require.Equal(t, 1, stats.Artists[fleet.TaskSkipped])
	require.Equal(t, 6, stats.ImagesScraped)

	row, ok := store.Worker(w.ID())
	require.True(t, ok)
	require.Equal(t, fleet.WorkerOffline, row.Status)
	require.Equal(t, "203.0.113.9", row.IPAddress)
	require.Equal(t, 3, row.ArtistsProcessed)
	require.Equal(t, 6, row.ImagesProcessed)

	snap := w.Snapshot()
	require.Equal(t, health.StatusShuttingDown, snap.Status)
	require.True(t, snap.ShutdownRequested)
}

func TestWorker_RateLimitReleasesAndCounts(t *testing.T) {
	t.Parallel()

	store := memory.New()
	seed(t, store, "paris")
	disc := &fakeDiscoverer{handles: map[string][]string{"paris": {"blocked"}}}
	proc := &fakeProcessor{fn: func(context.Context, fleet.ArtistTask, fleet.City) (fleet.ProcessResult, error) {
		return fleet.ProcessResult{}, &fleet.RateLimitError{Kind: "http_429", Err: errors.New("too many requests")}
	}}

	w := New(store, disc, proc, fastConfig("worker-02"), zap.NewNop())
	done := runAsync(context.Background(), w)

	// Each release burns one retry; the task fails once the budget is spent
	// and the city then completes.
	require.Eventually(t, func() bool {
		c, ok := store.City("paris")
		return ok && c.Status == fleet.CityCompleted
	}, 2*time.Second, 5*time.Millisecond)
	w.RequestShutdown()
	waitDone(t, done)

	require.Len(t, proc.handles(), fleet.MaxArtistRetries)
	stats, err := store.QueueStats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats.Artists[fleet.TaskFailed])

	row, _ := store.Worker(w.ID())
	require.Equal(t, fleet.MaxArtistRetries, row.ConsecutiveFailures)
	require.Equal(t, fleet.MaxArtistRetries, w.Snapshot().ConsecutiveFailures)

	events, err := store.RecentRateLimits(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, events, fleet.MaxArtistRetries)
	require.Equal(t, "http_429", events[0].ErrorType)
	require.Equal(t, "paris", events[0].CitySlug)
}

func TestWorker_SuccessResetsFailureCounter(t *testing.T) {
	t.Parallel()

	store := memory.New()
	seed(t, store, "rome")
	disc := &fakeDiscoverer{handles: map[string][]string{"rome": {"flaky"}}}
	var attempts atomic.Int32
	proc := &fakeProcessor{fn: func(context.Context, fleet.ArtistTask, fleet.City) (fleet.ProcessResult, error) {
		if attempts.Add(1) == 1 {
			return fleet.ProcessResult{}, &fleet.RateLimitError{Kind: "login_required"}
		}
		return fleet.ProcessResult{ImagesScraped: 1}, nil
	}}

	w := New(store, disc, proc, fastConfig("worker-03"), zap.NewNop())
	done := runAsync(context.Background(), w)
	require.Eventually(t, func() bool {
		c, _ := store.City("rome")
		return c.Status == fleet.CityCompleted
	}, 2*time.Second, 5*time.Millisecond)
	w.RequestShutdown()
	waitDone(t, done)

	row, _ := store.Worker(w.ID())
	require.Zero(t, row.ConsecutiveFailures)
	require.Equal(t, 1, row.TotalFailuresLifetime)
}

func TestWorker_OtherErrorsFailTheTask(t *testing.T) {
	t.Parallel()

	store := memory.New()
	seed(t, store, "oslo")
	disc := &fakeDiscoverer{handles: map[string][]string{"oslo": {"broken"}}}
	proc := &fakeProcessor{fn: func(context.Context, fleet.ArtistTask, fleet.City) (fleet.ProcessResult, error) {
		return fleet.ProcessResult{}, errors.New("profile not found")
	}}

	w := New(store, disc, proc, fastConfig("worker-04"), zap.NewNop())
	done := runAsync(context.Background(), w)
	require.Eventually(t, func() bool {
		c, _ := store.City("oslo")
		return c.Status == fleet.CityCompleted
	}, 2*time.Second, 5*time.Millisecond)
	w.RequestShutdown()
	waitDone(t, done)

	require.Len(t, proc.handles(), 1)
	stats, err := store.QueueStats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats.Artists[fleet.TaskFailed])
	row, _ := store.Worker(w.ID())
	require.Zero(t, row.ConsecutiveFailures)
}

func TestWorker_PanicReleasesCity(t *testing.T) {
	t.Parallel()

	store := memory.New()
	seed(t, store, "lima")
	disc := &fakeDiscoverer{panics: 1, handles: map[string][]string{"lima": {"a"}}}
	proc := &fakeProcessor{fn: func(context.Context, fleet.ArtistTask, fleet.City) (fleet.ProcessResult, error) {
		return fleet.ProcessResult{ImagesScraped: 1}, nil
	}}

	w := New(store, disc, proc, fastConfig("worker-05"), zap.NewNop())
	done := runAsync(context.Background(), w)
	require.Eventually(t, func() bool {
		c, _ := store.City("lima")
		return c.Status == fleet.CityCompleted
	}, 2*time.Second, 5*time.Millisecond)
	w.RequestShutdown()
	waitDone(t, done)

	disc.mu.Lock()
	defer disc.mu.Unlock()
	require.Equal(t, 2, disc.calls)
}

func TestWorker_ProcessorPanicFailsOnlyThatTask(t *testing.T) {
	t.Parallel()

	store := memory.New()
	seed(t, store, "quito")
	disc := &fakeDiscoverer{handles: map[string][]string{"quito": {"boom", "fine"}}}
	proc := &fakeProcessor{fn: func(_ context.Context, task fleet.ArtistTask, _ fleet.City) (fleet.ProcessResult, error) {
		if task.Handle == "boom" {
			panic("decoder exploded")
		}
		return fleet.ProcessResult{ImagesScraped: 2}, nil
	}}

	w := New(store, disc, proc, fastConfig("worker-09"), zap.NewNop())
	done := runAsync(context.Background(), w)
	require.Eventually(t, func() bool {
		c, _ := store.City("quito")
		return c.Status == fleet.CityCompleted
	}, 2*time.Second, 5*time.Millisecond)
	w.RequestShutdown()
	waitDone(t, done)

	require.ElementsMatch(t, []string{"boom", "fine"}, proc.handles())
	failed, ok := store.TaskByHandle("quito", "boom")
	require.True(t, ok)
	require.Equal(t, fleet.TaskFailed, failed.Status)
	require.Contains(t, failed.ErrorMessage, "panic: decoder exploded")

	stats, err := store.QueueStats(context.Background())
	require.NoError(t, err)
	require.Zero(t, stats.Artists[fleet.TaskClaimed])
	require.Equal(t, 1, stats.Artists[fleet.TaskFailed])
	require.Equal(t, 1, stats.Artists[fleet.TaskCompleted])
}

func TestWorker_ShutdownMidCityReleasesClaim(t *testing.T) {
	t.Parallel()

	store := memory.New()
	seed(t, store, "tokyo")
	disc := &fakeDiscoverer{handles: map[string][]string{"tokyo": {"a", "b", "c"}}}
	var w *Worker
	proc := &fakeProcessor{fn: func(context.Context, fleet.ArtistTask, fleet.City) (fleet.ProcessResult, error) {
		w.RequestShutdown()
		return fleet.ProcessResult{ImagesScraped: 2}, nil
	}}

	w = New(store, disc, proc, fastConfig("worker-06"), zap.NewNop())
	waitDone(t, runAsync(context.Background(), w))

	require.Len(t, proc.handles(), 1)
	city, _ := store.City("tokyo")
	require.Equal(t, fleet.CityPending, city.Status)
	require.Empty(t, city.ClaimedByWorkerID)

	stats, err := store.QueueStats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats.Artists[fleet.TaskCompleted])
	require.Equal(t, 2, stats.Artists[fleet.TaskPending])

	row, _ := store.Worker(w.ID())
	require.Equal(t, fleet.WorkerOffline, row.Status)
}

func TestWorker_ContextCancelStopsIdleLoop(t *testing.T) {
	t.Parallel()

	store := memory.New()
	proc := &fakeProcessor{fn: func(context.Context, fleet.ArtistTask, fleet.City) (fleet.ProcessResult, error) {
		return fleet.ProcessResult{}, nil
	}}
	cfg := fastConfig("worker-07")
	cfg.IdleBackoff = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	w := New(store, &fakeDiscoverer{}, proc, cfg, zap.NewNop())
	done := runAsync(ctx, w)
	require.Eventually(t, func() bool { return w.ID() != "" }, time.Second, time.Millisecond)
	cancel()
	waitDone(t, done)

	row, _ := store.Worker(w.ID())
	require.Equal(t, fleet.WorkerOffline, row.Status)
}

func TestWorker_RetiredRegistrationExitsCleanly(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.New()
	id, err := store.RegisterWorker(ctx, "worker-08", "inst", "")
	require.NoError(t, err)
	require.NoError(t, store.UpdateWorkerStatus(ctx, id, fleet.WorkerRotating))
	require.NoError(t, store.UpdateWorkerStatus(ctx, id, fleet.WorkerTerminated))
	seed(t, store, "cairo")

	proc := &fakeProcessor{fn: func(context.Context, fleet.ArtistTask, fleet.City) (fleet.ProcessResult, error) {
		return fleet.ProcessResult{}, nil
	}}
	w := New(store, &fakeDiscoverer{}, proc, fastConfig("worker-08"), zap.NewNop())
	require.NoError(t, w.Run(ctx))
	require.Empty(t, proc.handles())

	city, _ := store.City("cairo")
	require.Equal(t, fleet.CityPending, city.Status)
}

func TestWorker_OfflineSkippedWhenRotating(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.New()
	var w *Worker
	disc := &fakeDiscoverer{}
	proc := &fakeProcessor{fn: func(context.Context, fleet.ArtistTask, fleet.City) (fleet.ProcessResult, error) {
		return fleet.ProcessResult{}, nil
	}}
	w = New(store, disc, proc, fastConfig("worker-09"), zap.NewNop())
	done := runAsync(ctx, w)
	require.Eventually(t, func() bool { return w.ID() != "" }, time.Second, time.Millisecond)

	require.NoError(t, store.UpdateWorkerStatus(ctx, w.ID(), fleet.WorkerRotating))
	w.RequestShutdown()
	waitDone(t, done)

	row, _ := store.Worker(w.ID())
	require.Equal(t, fleet.WorkerRotating, row.Status)
}

func TestWorker_JitterBounds(t *testing.T) {
	t.Parallel()

	lo := New(nil, nil, nil, Config{}, nil, WithRand(func() float64 { return 0 }))
	hi := New(nil, nil, nil, Config{}, nil, WithRand(func() float64 { return 0.999999 }))

	require.InDelta(t, float64(24*time.Second), float64(lo.jitter(30*time.Second)), float64(time.Millisecond))
	require.InDelta(t, float64(36*time.Second), float64(hi.jitter(30*time.Second)), float64(time.Millisecond))
	require.Zero(t, lo.jitter(0))
}

func TestShutdownSignal(t *testing.T) {
	t.Parallel()

	s := NewShutdownSignal()
	require.False(t, s.Requested())
	select {
	case <-s.Done():
		t.Fatal("done closed early")
	default:
	}

	require.True(t, s.Request())
	require.False(t, s.Request())
	require.True(t, s.Requested())
	<-s.Done()
}
