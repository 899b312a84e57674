// Package trigger runs an operator-facing HTTP listener that starts one
// long-running batch job at a time and reports its progress.
package trigger

import (
	"fmt"
	"time"

	"github.com/JakeFAU/scraper-fleet/internal/id/uuid"
)

// Job states reported by GET /status.
const (
	StatusIdle      = "idle"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusError     = "error"
)

// Parameter bounds.
const (
	MaxOffset     = 1_000_000
	MaxBatches    = 1_000
	MaxParallel   = 16
	MaxBatchSize  = 500
	defaultBatchN = 100
	defaultPar    = 6
)

// Params are the validated job parameters.
type Params struct {
	Offset        int    `json:"offset"`
	MaxBatches    int    `json:"max_batches"`
	Parallel      int    `json:"parallel"`
	BatchSize     int    `json:"batch_size"`
	PipelineRunID string `json:"pipeline_run_id,omitempty"`
}

// Total is the number of items the job expects to process.
func (p Params) Total() int {
	return p.MaxBatches * p.BatchSize
}

// Request is the POST /trigger body. Missing fields take defaults.
type Request struct {
	Offset        *int   `json:"offset"`
	MaxBatches    *int   `json:"max_batches"`
	Parallel      *int   `json:"parallel"`
	BatchSize     *int   `json:"batch_size"`
	PipelineRunID string `json:"pipeline_run_id"`
}

// ValidationError reports an out-of-range or malformed parameter.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Params applies defaults and validates the request.
func (r Request) Params() (Params, error) {
	p := Params{
		Offset:        valueOr(r.Offset, 0),
		MaxBatches:    valueOr(r.MaxBatches, defaultBatchN),
		Parallel:      valueOr(r.Parallel, defaultPar),
		BatchSize:     valueOr(r.BatchSize, defaultBatchN),
		PipelineRunID: r.PipelineRunID,
	}
	if err := checkRange("offset", p.Offset, 0, MaxOffset); err != nil {
		return Params{}, err
	}
	if err := checkRange("max_batches", p.MaxBatches, 1, MaxBatches); err != nil {
		return Params{}, err
	}
	if err := checkRange("parallel", p.Parallel, 1, MaxParallel); err != nil {
		return Params{}, err
	}
	if err := checkRange("batch_size", p.BatchSize, 1, MaxBatchSize); err != nil {
		return Params{}, err
	}
	if p.PipelineRunID != "" && !uuid.Valid(p.PipelineRunID) {
		return Params{}, &ValidationError{Field: "pipeline_run_id", Reason: "must be a UUID"}
	}
	return p, nil
}

func checkRange(field string, v, lo, hi int) error {
	if v < lo || v > hi {
		return &ValidationError{Field: field, Reason: fmt.Sprintf("must be between %d and %d", lo, hi)}
	}
	return nil
}

func valueOr(ptr *int, def int) int {
	if ptr == nil {
		return def
	}
	return *ptr
}

// Progress counts processed and failed items.
type Progress struct {
	Processed int `json:"processed"`
	Total     int `json:"total"`
	Failed    int `json:"failed"`
}

// JobStatus is the state of the current or most recent job.
type JobStatus struct {
	JobID         string     `json:"job_id,omitempty"`
	Status        string     `json:"status"`
	Progress      Progress   `json:"progress"`
	PipelineRunID string     `json:"pipeline_run_id,omitempty"`
	StartedAt     *time.Time `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at"`
	Error         string     `json:"error,omitempty"`
}
