package telemetry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareRecordsRoutePattern(t *testing.T) {
	t.Parallel()

	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/workers/{name}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "418"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/workers/worker-01", nil))

	require.Equal(t, http.StatusTeapot, rec.Code)
	require.Equal(t, before+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "418")))
}

func TestObserveHelpers(t *testing.T) {
	t.Parallel()

	before := testutil.ToFloat64(orchestratorSpawnsTotal.WithLabelValues("error"))
	ObserveSpawn(errors.New("boom"))
	require.Equal(t, before+1, testutil.ToFloat64(orchestratorSpawnsTotal.WithLabelValues("error")))

	SetFleetSize(map[string]int{"active": 2, "rotating": 1})
	require.Equal(t, float64(2), testutil.ToFloat64(orchestratorFleetSize.WithLabelValues("active")))

	ObserveArtist("completed", 4)
	ObserveTick(250 * time.Millisecond)
	ObserveStaleReleased(2, 1)
}

func TestInitTracerProvider(t *testing.T) {
	t.Parallel()

	tp, err := InitTracerProvider(context.Background(), "scraper-fleet-test", "dev")
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, tp.Shutdown(context.Background()))
	})

	_, span := Tracer().Start(context.Background(), "test-span")
	require.True(t, span.SpanContext().IsValid())
	span.End()
}
