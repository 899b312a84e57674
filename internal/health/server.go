// Package health exposes a worker's liveness, status and remote shutdown
// endpoints over HTTP.
package health

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/scraper-fleet/internal/telemetry"
)

// Status values reported by the endpoints.
const (
	StatusOK           = "ok"
	StatusShuttingDown = "shutting_down"
	StatusError        = "error"
)

// Snapshot is a point-in-time view of the worker.
type Snapshot struct {
	Name                string  `json:"name"`
	WorkerID            string  `json:"worker_id"`
	Status              string  `json:"status"`
	CurrentCity         string  `json:"current_city"`
	CurrentArtist       string  `json:"current_artist"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	ArtistsProcessed    int     `json:"artists_processed"`
	ImagesProcessed     int     `json:"images_processed"`
	UptimeSeconds       float64 `json:"uptime_seconds"`
	ShutdownRequested   bool    `json:"shutdown_requested"`
}

// Source is the worker state the server reads and the shutdown hook it calls.
type Source interface {
	Snapshot() Snapshot
	RequestShutdown()
}

type healthResponse struct {
	Status              string `json:"status"`
	Name                string `json:"name"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
}

type messageResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Server routes the health endpoints.
type Server struct {
	router chi.Router
	source Source
	token  string
	logger *zap.Logger
}

// NewServer builds the router. An empty token leaves /status and /shutdown
// unauthenticated and logs a warning.
func NewServer(source Source, token string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		source: source,
		token:  token,
		logger: logger.Named("health"),
	}
	if token == "" {
		s.logger.Warn("health auth token not configured; /status and /shutdown accept unauthenticated requests")
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(telemetry.Middleware)

	r.Get("/health", s.health)
	r.Get("/metrics", telemetry.Handler().ServeHTTP)
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/status", s.status)
		r.Post("/shutdown", s.shutdown)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	snap := s.source.Snapshot()
	writeJSON(w, http.StatusOK, healthResponse{
		Status:              snap.Status,
		Name:                snap.Name,
		ConsecutiveFailures: snap.ConsecutiveFailures,
	})
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.source.Snapshot())
}

func (s *Server) shutdown(w http.ResponseWriter, _ *http.Request) {
	s.source.RequestShutdown()
	s.logger.Info("shutdown requested over http")
	writeJSON(w, http.StatusAccepted, messageResponse{
		Status:  StatusOK,
		Message: "shutdown requested; worker will stop after the current task",
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" && !BearerMatches(r, s.token) {
			writeJSON(w, http.StatusUnauthorized, messageResponse{Status: StatusError, Message: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// BearerMatches reports whether r carries "Authorization: Bearer <token>".
func BearerMatches(r *http.Request, token string) bool {
	got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(token)) == 1
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
				writeJSON(w, http.StatusInternalServerError, messageResponse{Status: StatusError, Message: "internal server error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Request-ID", uuid.NewString())
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload) //nolint:errcheck // client went away
}

// NewHTTPServer wraps the handler with the timeouts used by every listener.
func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
