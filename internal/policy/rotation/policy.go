// Package rotation decides when a worker should be replaced.
package rotation

import (
	"time"

	"github.com/JakeFAU/scraper-fleet/internal/fleet"
)

const (
	// DefaultThreshold is the consecutive rate-limit count that triggers rotation.
	DefaultThreshold = 3
	// DefaultHeartbeatTimeout is the heartbeat age that triggers rotation.
	DefaultHeartbeatTimeout = 5 * time.Minute
)

// Decision is the result of evaluating one worker.
type Decision struct {
	Rotate bool
	Reason fleet.RotationReason
}

// Policy evaluates worker telemetry against rotation thresholds.
type Policy struct {
	threshold        int
	heartbeatTimeout time.Duration
}

// Option configures a Policy.
type Option func(*Policy)

// WithThreshold sets the consecutive failure threshold. Values < 1 are ignored.
func WithThreshold(n int) Option {
	return func(p *Policy) {
		if n > 0 {
			p.threshold = n
		}
	}
}

// WithHeartbeatTimeout sets the maximum heartbeat age. Values <= 0 are ignored.
func WithHeartbeatTimeout(d time.Duration) Option {
	return func(p *Policy) {
		if d > 0 {
			p.heartbeatTimeout = d
		}
	}
}

// New builds a Policy with defaults overridden by opts.
func New(opts ...Option) *Policy {
	p := &Policy{
		threshold:        DefaultThreshold,
		heartbeatTimeout: DefaultHeartbeatTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Threshold returns the configured failure threshold.
func (p *Policy) Threshold() int { return p.threshold }

// HeartbeatTimeout returns the configured heartbeat timeout.
func (p *Policy) HeartbeatTimeout() time.Duration { return p.heartbeatTimeout }

// Evaluate decides whether a worker should be rotated. Either signal alone
// is sufficient; a stale heartbeat is reported ahead of the failure count.
// The ping result in t.Reachable is informational and never forces a
// rotation on its own.
func (p *Policy) Evaluate(t fleet.Telemetry, now time.Time) Decision {
	ref := t.StartedAt
	if t.LastHeartbeatAt != nil {
		ref = *t.LastHeartbeatAt
	}
	if !ref.IsZero() && now.Sub(ref) > p.heartbeatTimeout {
		return Decision{Rotate: true, Reason: fleet.ReasonHeartbeatTimeout}
	}
	if t.ConsecutiveFailures >= p.threshold {
		return Decision{Rotate: true, Reason: fleet.ReasonRateLimitThreshold}
	}
	return Decision{Reason: fleet.ReasonNone}
}
