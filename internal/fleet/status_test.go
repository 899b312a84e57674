package fleet

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanTransition_ForwardOnly(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to WorkerStatus
		want     bool
	}{
		{WorkerProvisioning, WorkerActive, true},
		{WorkerProvisioning, WorkerTerminated, true},
		{WorkerActive, WorkerRotating, true},
		{WorkerActive, WorkerOffline, true},
		{WorkerRotating, WorkerTerminated, true},
		{WorkerRotating, WorkerActive, false},
		{WorkerOffline, WorkerActive, false},
		{WorkerTerminated, WorkerProvisioning, false},
		{WorkerActive, WorkerProvisioning, false},
		{WorkerActive, WorkerActive, false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(fmt.Sprintf("%s_to_%s", tt.from, tt.to), func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestPredecessorsOf(t *testing.T) {
	t.Parallel()

	require.ElementsMatch(t, []WorkerStatus{WorkerActive, WorkerProvisioning}, PredecessorsOf(WorkerRotating))
	require.ElementsMatch(t, []WorkerStatus{WorkerProvisioning, WorkerRotating}, PredecessorsOf(WorkerTerminated))
	require.Empty(t, PredecessorsOf(WorkerProvisioning))
}

func TestParseWorkerStatus(t *testing.T) {
	t.Parallel()

	st, err := ParseWorkerStatus("rotating")
	require.NoError(t, err)
	require.Equal(t, WorkerRotating, st)

	_, err = ParseWorkerStatus("draining")
	require.Error(t, err)
}

func TestRateLimitErrorUnwraps(t *testing.T) {
	t.Parallel()

	base := errors.New("429 too many requests")
	err := fmt.Errorf("fetch profile: %w", &RateLimitError{Kind: "http_429", Err: base})

	rl, ok := AsRateLimit(err)
	require.True(t, ok)
	require.Equal(t, "http_429", rl.Kind)
	require.ErrorIs(t, err, base)

	_, ok = AsRateLimit(errors.New("plain"))
	require.False(t, ok)
}
