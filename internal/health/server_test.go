package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSource struct {
	mu       sync.Mutex
	snap     Snapshot
	requests int
}

func (f *fakeSource) Snapshot() Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeSource) RequestShutdown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests++
	f.snap.ShutdownRequested = true
	f.snap.Status = StatusShuttingDown
}

func newFakeSource() *fakeSource {
	return &fakeSource{snap: Snapshot{
		Name:                "worker-01",
		WorkerID:            "w-1",
		Status:              StatusOK,
		CurrentCity:         "berlin",
		ConsecutiveFailures: 1,
		ArtistsProcessed:    12,
	}}
}

func do(t *testing.T, h http.Handler, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthIsUnauthenticated(t *testing.T) {
	t.Parallel()

	srv := NewServer(newFakeSource(), "secret", zap.NewNop())
	rec := do(t, srv.Handler(), http.MethodGet, "/health", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "ok", body["status"])
	require.Equal(t, "worker-01", body["name"])
	require.EqualValues(t, 1, body["consecutive_failures"])
}

func TestStatusRequiresToken(t *testing.T) {
	t.Parallel()

	srv := NewServer(newFakeSource(), "secret", zap.NewNop())

	rec := do(t, srv.Handler(), http.MethodGet, "/status", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.JSONEq(t, `{"status":"error","message":"unauthorized"}`, rec.Body.String())

	rec = do(t, srv.Handler(), http.MethodGet, "/status", "wrong")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, srv.Handler(), http.MethodGet, "/status", "secret")
	require.Equal(t, http.StatusOK, rec.Code)
	var snap Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.Equal(t, "berlin", snap.CurrentCity)
	require.Equal(t, 12, snap.ArtistsProcessed)
}

func TestShutdownSetsFlag(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	srv := NewServer(src, "secret", zap.NewNop())

	rec := do(t, srv.Handler(), http.MethodPost, "/shutdown", "nope")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Zero(t, src.requests)

	rec = do(t, srv.Handler(), http.MethodPost, "/shutdown", "secret")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"ok"`)
	require.Equal(t, 1, src.requests)

	rec = do(t, srv.Handler(), http.MethodGet, "/health", "")
	require.Contains(t, rec.Body.String(), StatusShuttingDown)
}

func TestNoTokenAllowsShutdown(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	srv := NewServer(src, "", zap.NewNop())

	rec := do(t, srv.Handler(), http.MethodPost, "/shutdown", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, 1, src.requests)
}

func TestBearerMatches(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	require.False(t, BearerMatches(req, "x"))
	req.Header.Set("Authorization", "Basic x")
	require.False(t, BearerMatches(req, "x"))
	req.Header.Set("Authorization", "Bearer x")
	require.True(t, BearerMatches(req, "x"))
}
