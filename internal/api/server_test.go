package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/token-metadata-crawler/internal/pipeline"
)

type fakeStats struct {
	stats   pipeline.Stats
	running bool
}

func (f *fakeStats) Stats() pipeline.Stats { return f.stats }
func (f *fakeStats) Running() bool         { return f.running }

type fixedRequestIDs struct{}

func (fixedRequestIDs) NewRequestID() string { return "req-1" }

func serve(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	rec := serve(t, NewServer(nil, fixedRequestIDs{}, zap.NewNop()), "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.Equal(t, "req-1", rec.Header().Get("X-Request-ID"))
}

func TestReadyzFollowsPipeline(t *testing.T) {
	t.Parallel()

	stats := &fakeStats{}
	s := NewServer(stats, fixedRequestIDs{}, nil)
	assert.Equal(t, http.StatusServiceUnavailable, serve(t, s, "/readyz").Code)

	stats.running = true
	assert.Equal(t, http.StatusOK, serve(t, s, "/readyz").Code)
}

func TestStats(t *testing.T) {
	t.Parallel()

	stats := &fakeStats{running: true, stats: pipeline.Stats{
		RunID:       "run-1",
		Fetched:     12,
		Outstanding: 3,
		WorkDepth:   2,
		Persisted:   9,
		Workers:     4,
		Running:     true,
	}}
	rec := serve(t, NewServer(stats, nil, nil), "/v1/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	var got pipeline.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, stats.stats, got)
}

func TestStatsWithoutPipeline(t *testing.T) {
	t.Parallel()

	rec := serve(t, NewServer(nil, nil, nil), "/v1/stats")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	s := NewServer(nil, nil, nil)
	serve(t, s, "/healthz")
	rec := serve(t, s, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "http_requests_total"))
}

func TestRequestIDPassthrough(t *testing.T) {
	t.Parallel()

	s := NewServer(nil, fixedRequestIDs{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "upstream")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "upstream", rec.Header().Get("X-Request-ID"))
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	s := NewServer(nil, nil, nil)
	h := s.recoverMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"internal server error"}`, rec.Body.String())
}
