package fleet

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/require"
)

func TestNormalizeHandles(t *testing.T) {
	t.Parallel()

	got := NormalizeHandles([]string{" @Ink_One ", "ink_one", "", "@", "Two"})
	require.Equal(t, []string{"ink_one", "two"}, got)
}

func TestTruncateError(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		in      string
		wantLen int
	}{
		"short":               {in: "boom", wantLen: 4},
		"exact":               {in: strings.Repeat("a", MaxErrorMessageLen), wantLen: MaxErrorMessageLen},
		"ascii over":          {in: strings.Repeat("a", MaxErrorMessageLen+10), wantLen: MaxErrorMessageLen},
		"two-byte at cut":     {in: strings.Repeat("a", MaxErrorMessageLen-1) + "é…", wantLen: MaxErrorMessageLen - 1},
		"three-byte at cut":   {in: strings.Repeat("a", MaxErrorMessageLen-2) + "…tail", wantLen: MaxErrorMessageLen - 2},
		"four-byte at cut":    {in: strings.Repeat("a", MaxErrorMessageLen-1) + "🙂", wantLen: MaxErrorMessageLen - 1},
		"invalid bytes short": {in: "bad\xffbyte", wantLen: len("bad�byte")},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			got := TruncateError(tt.in)
			require.True(t, utf8.ValidString(got))
			require.Len(t, got, tt.wantLen)
			require.LessOrEqual(t, len(got), MaxErrorMessageLen)
		})
	}
}

func TestValidateWorkerName(t *testing.T) {
	t.Parallel()

	valid := []string{"worker-01", "canary", "0", "worker-1714564800", "a" + strings.Repeat("b", 62)}
	for _, name := range valid {
		require.NoError(t, ValidateWorkerName(name), name)
	}
	invalid := []string{"", "Worker", "-x", "a b", "a\nb", "a_b", "a.b", "a" + strings.Repeat("b", 63)}
	for _, name := range invalid {
		require.ErrorIs(t, ValidateWorkerName(name), ErrInvalidWorkerName, name)
	}
}
