package rotation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scraper-fleet/internal/fleet"
)

func ptr[T any](v T) *T { return &v }

func TestEvaluate(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	p := New(WithThreshold(3), WithHeartbeatTimeout(5*time.Minute))

	tests := []struct {
		name string
		in   fleet.Telemetry
		want Decision
	}{
		{
			name: "healthy",
			in:   fleet.Telemetry{ConsecutiveFailures: 2, LastHeartbeatAt: ptr(now.Add(-time.Minute))},
			want: Decision{},
		},
		{
			name: "failure threshold reached",
			in:   fleet.Telemetry{ConsecutiveFailures: 3, LastHeartbeatAt: ptr(now.Add(-time.Minute))},
			want: Decision{Rotate: true, Reason: fleet.ReasonRateLimitThreshold},
		},
		{
			name: "heartbeat stale without failures",
			in:   fleet.Telemetry{LastHeartbeatAt: ptr(now.Add(-6 * time.Minute))},
			want: Decision{Rotate: true, Reason: fleet.ReasonHeartbeatTimeout},
		},
		{
			name: "both signals report heartbeat",
			in:   fleet.Telemetry{ConsecutiveFailures: 9, LastHeartbeatAt: ptr(now.Add(-time.Hour))},
			want: Decision{Rotate: true, Reason: fleet.ReasonHeartbeatTimeout},
		},
		{
			name: "exactly at timeout is healthy",
			in:   fleet.Telemetry{LastHeartbeatAt: ptr(now.Add(-5 * time.Minute))},
			want: Decision{},
		},
		{
			name: "never heartbeated uses start time",
			in:   fleet.Telemetry{StartedAt: now.Add(-10 * time.Minute)},
			want: Decision{Rotate: true, Reason: fleet.ReasonHeartbeatTimeout},
		},
		{
			name: "unreachable alone does not rotate",
			in: fleet.Telemetry{
				LastHeartbeatAt: ptr(now.Add(-time.Minute)),
				Reachable:       ptr(false),
			},
			want: Decision{},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, p.Evaluate(tt.in, now))
		})
	}
}

func TestNewIgnoresInvalidOptions(t *testing.T) {
	t.Parallel()

	p := New(WithThreshold(0), WithHeartbeatTimeout(-time.Second))
	require.Equal(t, DefaultThreshold, p.Threshold())
	require.Equal(t, DefaultHeartbeatTimeout, p.HeartbeatTimeout())
}
