package fleet

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a referenced row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrClaimLost is returned when a caller tries to finish work it no longer owns.
	ErrClaimLost = errors.New("claim no longer held by worker")
	// ErrInvalidTransition is returned for a worker status change that would move backwards.
	ErrInvalidTransition = errors.New("invalid worker status transition")
	// ErrWorkerRetired is returned when an offline or terminated worker tries to register again.
	ErrWorkerRetired = errors.New("worker has been retired")
	// ErrNameTaken is returned when a new worker row would reuse an existing name.
	ErrNameTaken = errors.New("worker name already in use")
	// ErrInvalidWorkerName is returned for a worker name outside [a-z0-9-], up to 63 characters.
	ErrInvalidWorkerName = errors.New("invalid worker name")
)

// RateLimitError signals that the target platform refused the worker.
// Processors return it so the runtime can report the event without
// inspecting error text.
type RateLimitError struct {
	// Kind is a short machine label such as "http_429" or "login_required".
	Kind string
	Err  error
}

func (e *RateLimitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("rate limited: %s", e.Kind)
	}
	return fmt.Sprintf("rate limited: %s: %v", e.Kind, e.Err)
}

func (e *RateLimitError) Unwrap() error {
	return e.Err
}

// AsRateLimit extracts a RateLimitError from err.
func AsRateLimit(err error) (*RateLimitError, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}
