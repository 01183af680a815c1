package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareRecordsStatusAndRoute(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	unavailable := httpRequestsTotal.WithLabelValues(http.MethodGet, "503")
	ok := httpRequestsTotal.WithLabelValues(http.MethodGet, "200")
	notFound := httpRequestsTotal.WithLabelValues(http.MethodGet, "404")
	before503, before200, before404 := testutil.ToFloat64(unavailable), testutil.ToFloat64(ok), testutil.ToFloat64(notFound)

	for _, path := range []string{"/readyz", "/healthz", "/missing"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}

	assert.InDelta(t, 1, testutil.ToFloat64(unavailable)-before503, 1e-9)
	assert.InDelta(t, 1, testutil.ToFloat64(ok)-before200, 1e-9, "implicit 200 from Write")
	assert.InDelta(t, 1, testutil.ToFloat64(notFound)-before404, 1e-9)
	require.Positive(t, testutil.CollectAndCount(httpRequestDurationSeconds))
}

func TestRoutePatternWithoutRouter(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "unmatched", routePattern(httptest.NewRequest(http.MethodGet, "/x", nil)))
}
