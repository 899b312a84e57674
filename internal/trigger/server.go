package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/scraper-fleet/internal/fleet"
	"github.com/JakeFAU/scraper-fleet/internal/health"
	"github.com/JakeFAU/scraper-fleet/internal/policy/ratelimit"
	"github.com/JakeFAU/scraper-fleet/internal/telemetry"
)

// DefaultRequestsPerMinute is the per-client limit on POST /trigger.
const DefaultRequestsPerMinute = 10

// Config controls the listener.
type Config struct {
	// Token is the bearer token required on /trigger and /status. Empty
	// disables auth.
	Token string
	// AllowedIPs restricts /trigger to these client addresses when set.
	AllowedIPs        []string
	RequestsPerMinute int
}

// Option customizes a Server.
type Option func(*Server)

// WithClock overrides the clock.
func WithClock(c fleet.Clock) Option {
	return func(s *Server) { s.clock = c }
}

// WithIDGenerator overrides the job id generator.
func WithIDGenerator(g fleet.IDGenerator) Option {
	return func(s *Server) { s.ids = g }
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }

type randomIDs struct{}

func (randomIDs) NewID() (string, error) { return uuid.NewString(), nil }

// Server is the trigger listener.
type Server struct {
	router  chi.Router
	runner  Runner
	cfg     Config
	allowed map[string]struct{}
	limiter *ratelimit.Limiter
	clock   fleet.Clock
	ids     fleet.IDGenerator
	logger  *zap.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	current JobStatus
}

type errorResponse struct {
	Error string `json:"error"`
}

type triggerResponse struct {
	Status     string `json:"status"`
	JobID      string `json:"job_id"`
	Message    string `json:"message"`
	Parameters Params `json:"parameters"`
}

type healthResponse struct {
	Status       string    `json:"status"`
	Timestamp    time.Time `json:"timestamp"`
	AuthRequired bool      `json:"auth_required"`
	RateLimit    string    `json:"rate_limit"`
}

// NewServer builds the listener router.
func NewServer(runner Runner, cfg Config, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = DefaultRequestsPerMinute
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		runner:  runner,
		cfg:     cfg,
		limiter: ratelimit.New(ratelimit.PerMinute("trigger", cfg.RequestsPerMinute)),
		clock:   wallClock{},
		ids:     randomIDs{},
		logger:  logger.Named("trigger"),
		baseCtx: ctx,
		cancel:  cancel,
		current: JobStatus{Status: StatusIdle},
	}
	if len(cfg.AllowedIPs) > 0 {
		s.allowed = make(map[string]struct{}, len(cfg.AllowedIPs))
		for _, ip := range cfg.AllowedIPs {
			s.allowed[ip] = struct{}{}
		}
	}
	for _, opt := range opts {
		opt(s)
	}
	if cfg.Token == "" {
		s.logger.Warn("listener auth token not configured; /trigger accepts unauthenticated requests")
	}

	r := chi.NewRouter()
	r.Use(telemetry.Middleware)
	r.Get("/health", s.health)
	r.Get("/metrics", telemetry.Handler().ServeHTTP)
	r.With(s.authMiddleware).Get("/status", s.status)
	r.With(s.allowlistMiddleware, s.authMiddleware, s.rateLimitMiddleware).Post("/trigger", s.trigger)
	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Close cancels a running job and waits for it to finish.
func (s *Server) Close() {
	s.cancel()
	s.wg.Wait()
}

// Status returns a copy of the current job state.
func (s *Server) Status() JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:       "ok",
		Timestamp:    s.clock.Now(),
		AuthRequired: s.cfg.Token != "",
		RateLimit:    fmt.Sprintf("%d/min", s.cfg.RequestsPerMinute),
	})
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Status())
}

func (s *Server) trigger(w http.ResponseWriter, r *http.Request) {
	var req Request
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON"})
			return
		}
	}
	params, err := req.Params()
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid parameters: " + verr.Error()})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	jobID, err := s.start(params)
	if err != nil {
		if errors.Is(err, errBusy) {
			writeJSON(w, http.StatusConflict, errorResponse{Error: "a job is already running"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, triggerResponse{
		Status:     "started",
		JobID:      jobID,
		Message:    fmt.Sprintf("job started with offset=%d, max_batches=%d", params.Offset, params.MaxBatches),
		Parameters: params,
	})
}

var errBusy = errors.New("job already running")

func (s *Server) start(params Params) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current.Status == StatusRunning {
		return "", errBusy
	}
	jobID, err := s.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	now := s.clock.Now()
	s.current = JobStatus{
		JobID:         jobID,
		Status:        StatusRunning,
		Progress:      Progress{Total: params.Total()},
		PipelineRunID: params.PipelineRunID,
		StartedAt:     &now,
	}
	s.wg.Add(1)
	go s.run(jobID, params)
	return jobID, nil
}

func (s *Server) run(jobID string, params Params) {
	defer s.wg.Done()
	ctx, span := telemetry.Tracer().Start(s.baseCtx, "trigger.job", trace.WithAttributes(
		attribute.String("job.id", jobID),
		attribute.Int("job.offset", params.Offset),
		attribute.Int("job.max_batches", params.MaxBatches),
	))
	defer span.End()
	logger := s.logger.With(zap.String("job_id", jobID))
	logger.Info("job started",
		zap.Int("offset", params.Offset),
		zap.Int("max_batches", params.MaxBatches),
		zap.Int("parallel", params.Parallel),
		zap.Int("batch_size", params.BatchSize),
		zap.String("pipeline_run_id", params.PipelineRunID),
	)

	err := s.runSafely(ctx, params)

	s.mu.Lock()
	now := s.clock.Now()
	s.current.CompletedAt = &now
	if err != nil {
		s.current.Status = StatusError
		s.current.Error = fleet.TruncateError(err.Error())
	} else {
		s.current.Status = StatusCompleted
	}
	final := s.current
	s.mu.Unlock()

	telemetry.ObserveTriggerJob(final.Status)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "job failed")
		logger.Error("job failed", zap.Error(err))
		return
	}
	logger.Info("job completed",
		zap.Int("processed", final.Progress.Processed),
		zap.Int("failed", final.Progress.Failed),
	)
}

func (s *Server) runSafely(ctx context.Context, params Params) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("job panicked: %v", rec)
		}
	}()
	return s.runner.Run(ctx, params, func(processed, failed int) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.current.Progress.Processed = processed
		s.current.Progress.Failed = failed
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Token != "" && !health.BearerMatches(r, s.cfg.Token) {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid API key"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) allowlistMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.allowed != nil {
			if _, ok := s.allowed[clientIP(r)]; !ok {
				s.logger.Warn("trigger from disallowed address", zap.String("client_ip", clientIP(r)))
				writeJSON(w, http.StatusForbidden, errorResponse{Error: "IP not allowed"})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow(clientIP(r)) {
			writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload) //nolint:errcheck // client went away
}
