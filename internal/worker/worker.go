// Package worker implements the agent that runs on each fleet instance: it
// registers, heartbeats, and drains the city and artist queues until told to
// stop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scraper-fleet/internal/fleet"
	"github.com/JakeFAU/scraper-fleet/internal/health"
	"github.com/JakeFAU/scraper-fleet/internal/telemetry"
)

// Config controls Worker behavior.
type Config struct {
	Name       string
	InstanceID string
	// AdvertiseIP is registered as-is when set; otherwise the IPResolver is
	// asked.
	AdvertiseIP string
	// HealthAddr is the listen address of the health server. Empty disables it.
	HealthAddr        string
	AuthToken         string
	HeartbeatInterval time.Duration
	IdleBackoff       time.Duration
	// ArtistDelay is the mean pause between artists; the actual pause is
	// jittered by ±20%.
	ArtistDelay      time.Duration
	CityDelay        time.Duration
	RateLimitPenalty time.Duration
	// CleanupTimeout bounds the release/offline writes made on exit.
	CleanupTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.IdleBackoff <= 0 {
		c.IdleBackoff = 60 * time.Second
	}
	if c.CleanupTimeout <= 0 {
		c.CleanupTimeout = 10 * time.Second
	}
}

// Store is the subset of the coordination store a worker uses.
type Store interface {
	fleet.QueueStore
	fleet.FleetStore
}

// Option customizes a Worker.
type Option func(*Worker)

// WithClock overrides the clock used for uptime.
func WithClock(c fleet.Clock) Option {
	return func(w *Worker) { w.clock = c }
}

// WithIPResolver sets the external IP lookup used at registration.
func WithIPResolver(r IPResolver) Option {
	return func(w *Worker) { w.ipResolver = r }
}

// WithShutdownSignal shares a signal with the caller.
func WithShutdownSignal(s *ShutdownSignal) Option {
	return func(w *Worker) { w.shutdown = s }
}

// WithRand overrides the jitter source. f must return values in [0, 1).
func WithRand(f func() float64) Option {
	return func(w *Worker) { w.rand = f }
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }

// Worker drains the shared queues.
type Worker struct {
	store      Store
	discoverer fleet.Discoverer
	processor  fleet.Processor
	cfg        Config
	logger     *zap.Logger
	clock      fleet.Clock
	ipResolver IPResolver
	shutdown   *ShutdownSignal
	rand       func() float64

	mu            sync.Mutex
	workerID      string
	startedAt     time.Time
	currentCity   string
	currentArtist string

	artistsProcessed    atomic.Int64
	imagesProcessed     atomic.Int64
	consecutiveFailures atomic.Int64

	// heldCity is only touched by the main loop.
	heldCity string
}

// New constructs a Worker.
func New(
	store Store,
	discoverer fleet.Discoverer,
	processor fleet.Processor,
	cfg Config,
	logger *zap.Logger,
	opts ...Option,
) *Worker {
	cfg.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Worker{
		store:      store,
		discoverer: discoverer,
		processor:  processor,
		cfg:        cfg,
		logger:     logger.Named("worker").With(zap.String("worker", cfg.Name)),
		clock:      wallClock{},
		rand:       rand.Float64,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.shutdown == nil {
		w.shutdown = NewShutdownSignal()
	}
	return w
}

// RequestShutdown asks the main loop to stop after the current artist.
func (w *Worker) RequestShutdown() {
	if w.shutdown.Request() {
		w.logger.Info("shutdown requested")
	}
}

// ID returns the store-assigned worker id, empty before registration.
func (w *Worker) ID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.workerID
}

// Snapshot implements health.Source.
func (w *Worker) Snapshot() health.Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	status := health.StatusOK
	if w.shutdown.Requested() {
		status = health.StatusShuttingDown
	}
	var uptime float64
	if !w.startedAt.IsZero() {
		uptime = w.clock.Now().Sub(w.startedAt).Seconds()
	}
	return health.Snapshot{
		Name:                w.cfg.Name,
		WorkerID:            w.workerID,
		Status:              status,
		CurrentCity:         w.currentCity,
		CurrentArtist:       w.currentArtist,
		ConsecutiveFailures: int(w.consecutiveFailures.Load()),
		ArtistsProcessed:    int(w.artistsProcessed.Load()),
		ImagesProcessed:     int(w.imagesProcessed.Load()),
		UptimeSeconds:       uptime,
		ShutdownRequested:   w.shutdown.Requested(),
	}
}

// Run registers the worker and processes work until ctx is cancelled or
// shutdown is requested. A retired registration returns nil without doing
// any work.
func (w *Worker) Run(ctx context.Context) error {
	ip := w.resolveIP(ctx)
	id, err := w.store.RegisterWorker(ctx, w.cfg.Name, w.cfg.InstanceID, ip)
	if errors.Is(err, fleet.ErrWorkerRetired) {
		w.logger.Info("worker already retired; exiting")
		return nil
	}
	if err != nil {
		return fmt.Errorf("register worker: %w", err)
	}
	w.mu.Lock()
	w.workerID = id
	w.startedAt = w.clock.Now()
	w.mu.Unlock()
	w.logger.Info("worker registered", zap.String("worker_id", id), zap.String("ip", ip))

	bgCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.heartbeatLoop(bgCtx)
	}()

	srv := w.startHealthServer()

	w.loop(ctx)

	w.cleanup()
	cancel()
	wg.Wait()
	if srv != nil {
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			w.logger.Warn("health server shutdown", zap.Error(err))
		}
	}
	w.logger.Info("worker stopped",
		zap.Int64("artists_processed", w.artistsProcessed.Load()),
		zap.Int64("images_processed", w.imagesProcessed.Load()),
	)
	return nil
}

func (w *Worker) resolveIP(ctx context.Context) string {
	if w.cfg.AdvertiseIP != "" {
		return w.cfg.AdvertiseIP
	}
	if w.ipResolver == nil {
		return ""
	}
	ip, err := w.ipResolver.ExternalIP(ctx)
	if err != nil {
		w.logger.Warn("external ip lookup failed", zap.Error(err))
		return ""
	}
	return ip
}

func (w *Worker) startHealthServer() *http.Server {
	if w.cfg.HealthAddr == "" {
		return nil
	}
	srv := health.NewHTTPServer(w.cfg.HealthAddr, health.NewServer(w, w.cfg.AuthToken, w.logger).Handler())
	go func() {
		w.logger.Info("health server listening", zap.String("addr", w.cfg.HealthAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			w.logger.Error("health server failed", zap.Error(err))
		}
	}()
	return srv
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.store.Heartbeat(ctx, w.ID(), w.progress())
			telemetry.ObserveHeartbeat(err)
			if err != nil && ctx.Err() == nil {
				w.logger.Warn("heartbeat failed", zap.Error(err))
			}
		}
	}
}

func (w *Worker) progress() fleet.HeartbeatUpdate {
	w.mu.Lock()
	defer w.mu.Unlock()
	return fleet.HeartbeatUpdate{
		CurrentCitySlug:     w.currentCity,
		CurrentArtistHandle: w.currentArtist,
		ArtistsProcessed:    int(w.artistsProcessed.Load()),
		ImagesProcessed:     int(w.imagesProcessed.Load()),
	}
}

func (w *Worker) running(ctx context.Context) bool {
	return ctx.Err() == nil && !w.shutdown.Requested()
}

// sleep waits for d, returning early on cancellation or shutdown.
func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	case <-w.shutdown.Done():
	}
}

func (w *Worker) jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	factor := 0.8 + 0.4*w.rand()
	return time.Duration(float64(d) * factor)
}

func (w *Worker) setCity(slug string) {
	w.mu.Lock()
	w.currentCity = slug
	w.mu.Unlock()
}

func (w *Worker) setArtist(handle string) {
	w.mu.Lock()
	w.currentArtist = handle
	w.mu.Unlock()
}

func (w *Worker) loop(ctx context.Context) {
	id := w.ID()
	for w.running(ctx) {
		city, err := w.store.ClaimNextCity(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("claim city failed", zap.Error(err))
			w.sleep(ctx, w.cfg.IdleBackoff)
			continue
		}
		if city == nil {
			w.logger.Debug("no cities available", zap.Duration("backoff", w.cfg.IdleBackoff))
			w.sleep(ctx, w.cfg.IdleBackoff)
			continue
		}
		if w.processCity(ctx, *city) {
			telemetry.ObserveCity("completed")
			w.sleep(ctx, w.cfg.CityDelay)
		} else {
			telemetry.ObserveCity("released")
		}
	}
}

// processCity runs discovery and drains the city's artists. It reports
// whether the city was completed; otherwise the claim has been released.
func (w *Worker) processCity(ctx context.Context, city fleet.City) (completed bool) {
	logger := w.logger.With(zap.String("city", city.Slug))
	w.heldCity = city.Slug
	w.setCity(city.Slug)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic while processing city", zap.Any("panic", r))
			completed = false
		}
		if !completed {
			w.releaseHeldCity(ctx)
		}
		w.setCity("")
		w.setArtist("")
	}()

	logger.Info("city claimed", zap.String("name", city.Name))
	handles, err := w.discoverer.Discover(ctx, city)
	if err != nil {
		logger.Error("discovery failed", zap.Error(err))
		return false
	}
	discovered := len(fleet.NormalizeHandles(handles))
	added, err := w.store.AddArtists(ctx, city.Slug, handles)
	if err != nil {
		logger.Error("add artists failed", zap.Error(err))
		return false
	}
	logger.Info("artists queued", zap.Int("discovered", discovered), zap.Int("new", added))

	for w.running(ctx) {
		task, err := w.store.ClaimNextArtist(ctx, w.ID(), city.Slug)
		if err != nil {
			logger.Error("claim artist failed", zap.Error(err))
			return false
		}
		if task == nil {
			break
		}
		w.processArtist(ctx, city, *task)
		if !w.running(ctx) {
			break
		}
		w.sleep(ctx, w.jitter(w.cfg.ArtistDelay))
	}
	if !w.running(ctx) {
		logger.Info("stopping mid-city; releasing claim")
		return false
	}

	if err := w.store.CompleteCity(ctx, w.ID(), city.Slug, discovered); err != nil {
		if errors.Is(err, fleet.ErrClaimLost) {
			logger.Warn("city claim lost before completion")
			w.heldCity = ""
		} else {
			logger.Error("complete city failed", zap.Error(err))
		}
		return false
	}
	w.heldCity = ""
	logger.Info("city completed", zap.Int("artists_discovered", discovered))
	return true
}

func (w *Worker) releaseHeldCity(ctx context.Context) {
	if w.heldCity == "" {
		return
	}
	slug := w.heldCity
	w.heldCity = ""
	releaseCtx, cancel := w.cleanupContext(ctx)
	defer cancel()
	if err := w.store.ReleaseCity(releaseCtx, w.ID(), slug); err != nil && !errors.Is(err, fleet.ErrClaimLost) {
		w.logger.Warn("release city failed", zap.String("city", slug), zap.Error(err))
	}
}

// cleanupContext keeps store writes working after ctx has been cancelled.
func (w *Worker) cleanupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx.Err() == nil {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(context.WithoutCancel(ctx), w.cfg.CleanupTimeout)
}

func (w *Worker) processArtist(ctx context.Context, city fleet.City, task fleet.ArtistTask) {
	logger := w.logger.With(zap.String("city", city.Slug), zap.String("artist", task.Handle))
	w.setArtist(task.Handle)
	defer w.setArtist("")
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic while processing artist", zap.Any("panic", r))
			w.failArtist(ctx, logger, task, fmt.Sprintf("panic: %v", r))
		}
	}()

	res, err := w.processor.Process(ctx, task, city)
	if err == nil {
		w.recordSuccess(ctx, logger, task, res)
		return
	}
	if rl, ok := fleet.AsRateLimit(err); ok {
		w.recordRateLimit(ctx, logger, city, task, rl)
		return
	}
	if ctx.Err() != nil {
		storeCtx, cancel := w.cleanupContext(ctx)
		defer cancel()
		if relErr := w.store.ReleaseArtist(storeCtx, w.ID(), task.ID); relErr != nil {
			logger.Warn("release interrupted artist failed", zap.Error(relErr))
		}
		return
	}

	logger.Warn("artist processing failed", zap.Error(err))
	w.failArtist(ctx, logger, task, err.Error())
}

// failArtist marks the task failed. If that write does not land the claim is
// released so the task never stays claimed by a live worker.
func (w *Worker) failArtist(ctx context.Context, logger *zap.Logger, task fleet.ArtistTask, msg string) {
	w.artistsProcessed.Add(1)
	telemetry.ObserveArtist(string(fleet.TaskFailed), 0)
	storeCtx, cancel := w.cleanupContext(ctx)
	defer cancel()
	cerr := w.store.CompleteArtist(storeCtx, w.ID(), fleet.ArtistResult{
		TaskID:       task.ID,
		Status:       fleet.TaskFailed,
		ErrorMessage: fleet.TruncateError(msg),
	})
	if cerr == nil || errors.Is(cerr, fleet.ErrClaimLost) {
		return
	}
	logger.Error("record artist failure failed", zap.Error(cerr))
	if rerr := w.store.ReleaseArtist(storeCtx, w.ID(), task.ID); rerr != nil && !errors.Is(rerr, fleet.ErrClaimLost) {
		logger.Error("release failed artist failed", zap.Error(rerr))
	}
}

func (w *Worker) recordSuccess(ctx context.Context, logger *zap.Logger, task fleet.ArtistTask, res fleet.ProcessResult) {
	status := fleet.TaskCompleted
	if res.ImagesScraped == 0 {
		status = fleet.TaskSkipped
	}
	if err := w.store.CompleteArtist(ctx, w.ID(), fleet.ArtistResult{
		TaskID:         task.ID,
		Status:         status,
		ImagesScraped:  res.ImagesScraped,
		FollowerCount:  res.FollowerCount,
		ResultEntityID: res.ResultEntityID,
	}); err != nil {
		logger.Error("complete artist failed", zap.Error(err))
		return
	}
	w.artistsProcessed.Add(1)
	w.imagesProcessed.Add(int64(res.ImagesScraped))
	telemetry.ObserveArtist(string(status), res.ImagesScraped)
	w.consecutiveFailures.Store(0)
	if err := w.store.ResetRateLimitCounter(ctx, w.ID()); err != nil {
		logger.Warn("reset rate limit counter failed", zap.Error(err))
	}
	logger.Info("artist processed", zap.String("status", string(status)), zap.Int("images", res.ImagesScraped))
}

func (w *Worker) recordRateLimit(
	ctx context.Context,
	logger *zap.Logger,
	city fleet.City,
	task fleet.ArtistTask,
	rl *fleet.RateLimitError,
) {
	telemetry.ObserveRateLimit(rl.Kind)
	count, err := w.store.ReportRateLimit(ctx, w.ID(), fleet.RateLimitReport{
		ArtistHandle: task.Handle,
		CitySlug:     city.Slug,
		ErrorType:    rl.Kind,
		ErrorMessage: fleet.TruncateError(rl.Error()),
	})
	if err != nil {
		logger.Error("report rate limit failed", zap.Error(err))
		w.consecutiveFailures.Add(1)
	} else {
		w.consecutiveFailures.Store(int64(count))
	}
	if err := w.store.ReleaseArtist(ctx, w.ID(), task.ID); err != nil {
		logger.Error("release artist failed", zap.Error(err))
	}
	logger.Warn("rate limited",
		zap.String("kind", rl.Kind),
		zap.Int64("consecutive_failures", w.consecutiveFailures.Load()),
		zap.Duration("penalty", w.cfg.RateLimitPenalty),
	)
	w.sleep(ctx, w.cfg.RateLimitPenalty)
}

func (w *Worker) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.CleanupTimeout)
	defer cancel()
	w.releaseHeldCity(ctx)
	id := w.ID()
	if err := w.store.Heartbeat(ctx, id, w.progress()); err != nil {
		w.logger.Warn("final heartbeat failed", zap.Error(err))
	}
	err := w.store.UpdateWorkerStatus(ctx, id, fleet.WorkerOffline)
	switch {
	case err == nil:
		w.logger.Info("worker marked offline")
	case errors.Is(err, fleet.ErrInvalidTransition):
		w.logger.Info("worker already retired by orchestrator", zap.Error(err))
	default:
		w.logger.Error("mark offline failed", zap.Error(err))
	}
}
