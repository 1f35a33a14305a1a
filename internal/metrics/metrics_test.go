package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fxpipeline/internal/model"
)

type stubJobRuns struct {
	byName map[string][]model.JobRun
	limits []int
	err    error
}

func (s *stubJobRuns) RecentJobRuns(ctx context.Context, name string, limit int) ([]model.JobRun, error) {
	s.limits = append(s.limits, limit)
	if s.err != nil {
		return nil, s.err
	}
	return s.byName[name], nil
}

func TestJobRunsHandler(t *testing.T) {
	start := time.Date(2025, 6, 2, 13, 0, 0, 0, time.UTC)
	src := &stubJobRuns{byName: map[string][]model.JobRun{
		"hourly_fetch_and_metrics": {
			{ID: 8, JobName: "hourly_fetch_and_metrics", StartTime: start, Status: model.JobSuccess, RecordsProcessed: 40},
		},
		"daily_correlation_analysis": {},
	}}

	h := JobRunsHandler(src, "hourly_fetch_and_metrics", "daily_correlation_analysis")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var out map[string][]model.JobRun
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 2)
	require.Len(t, out["hourly_fetch_and_metrics"], 1)
	assert.Equal(t, int64(8), out["hourly_fetch_and_metrics"][0].ID)
	assert.Equal(t, model.JobSuccess, out["hourly_fetch_and_metrics"][0].Status)

	// Default row cap applies to every job queried.
	assert.Equal(t, []int{20, 20}, src.limits)
}

func TestJobRunsHandlerLimitParam(t *testing.T) {
	src := &stubJobRuns{byName: map[string][]model.JobRun{}}
	h := JobRunsHandler(src, "hourly_fetch_and_metrics")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs?limit=5", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []int{5}, src.limits)

	// Out-of-range values fall back to the default.
	src.limits = nil
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs?limit=9999", nil))
	assert.Equal(t, []int{20}, src.limits)
}

func TestJobRunsHandlerStoreError(t *testing.T) {
	src := &stubJobRuns{err: fmt.Errorf("connection reset")}
	h := JobRunsHandler(src, "hourly_fetch_and_metrics")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServerRoutesExtraHandlers(t *testing.T) {
	health := NewHealthStatus()
	health.StoreOK = true
	health.CacheOK = true
	srv := NewServer(":0", health, zerolog.Nop())
	srv.Handle("/jobs", JobRunsHandler(&stubJobRuns{byName: map[string][]model.JobRun{}}, "hourly_fetch_and_metrics"))

	rec := httptest.NewRecorder()
	srv.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	srv.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
