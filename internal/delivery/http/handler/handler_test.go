package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/user/listing-crawler/internal/delivery/http/handler"
	"github.com/user/listing-crawler/internal/delivery/http/response"
	"github.com/user/listing-crawler/internal/delivery/http/router"
	"github.com/user/listing-crawler/internal/entity"
	"github.com/user/listing-crawler/internal/repository"
	"github.com/user/listing-crawler/internal/usecase"
	"github.com/user/listing-crawler/pkg/metrics"
)

type fakeRunManager struct {
	submitted []entity.RunRequest
	runs      map[string]*entity.Run
	records   map[string][]entity.Record
	failed    map[string][]*entity.FailedJob
	cancelErr error
	cancelled []string
	submitErr error
}

func newFakeRunManager() *fakeRunManager {
	return &fakeRunManager{
		runs:    make(map[string]*entity.Run),
		records: make(map[string][]entity.Record),
		failed:  make(map[string][]*entity.FailedJob),
	}
}

func (f *fakeRunManager) Submit(_ context.Context, req entity.RunRequest) (*entity.Run, error) {
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	if req.Query == "" {
		return nil, usecase.ErrInvalidRequest
	}
	f.submitted = append(f.submitted, req)
	return &entity.Run{ID: "run-1", Query: req.Query, Status: entity.RunQueued}, nil
}

func (f *fakeRunManager) Get(_ context.Context, runID string) (*entity.Run, error) {
	run, ok := f.runs[runID]
	if !ok {
		return nil, repository.ErrRunNotFound
	}
	return run, nil
}

func (f *fakeRunManager) Records(ctx context.Context, runID string) ([]entity.Record, error) {
	if _, err := f.Get(ctx, runID); err != nil {
		return nil, err
	}
	return f.records[runID], nil
}

func (f *fakeRunManager) FailedJobs(ctx context.Context, runID string) ([]*entity.FailedJob, error) {
	if _, err := f.Get(ctx, runID); err != nil {
		return nil, err
	}
	return f.failed[runID], nil
}

func (f *fakeRunManager) Cancel(_ context.Context, runID string) error {
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.cancelled = append(f.cancelled, runID)
	return nil
}

func (f *fakeRunManager) Dispatch(context.Context) error { return nil }

func newServer(t *testing.T, rm usecase.RunManager, checks map[string]handler.HealthCheck) (*httptest.Server, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	h := handler.NewHandler(rm, checks, nil)
	srv := httptest.NewServer(router.New(h, metrics.New(reg), reg, nil))
	t.Cleanup(srv.Close)
	return srv, reg
}

func do(t *testing.T, method, url, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestSubmitRun(t *testing.T) {
	rm := newFakeRunManager()
	srv, _ := newServer(t, rm, nil)

	resp, body := do(t, http.MethodPost, srv.URL+"/api/runs", `{"query":"golang","location":"Remote","max_results":5}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var out response.SubmitRunResponse
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, "run-1", out.RunID)
	require.Len(t, rm.submitted, 1)
	assert.Equal(t, entity.RunRequest{Query: "golang", Location: "Remote", MaxResults: 5}, rm.submitted[0])
}

func TestSubmitRun_BadRequests(t *testing.T) {
	srv, _ := newServer(t, newFakeRunManager(), nil)

	resp, _ := do(t, http.MethodPost, srv.URL+"/api/runs", `{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, srv.URL+"/api/runs", `{"query":""}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSubmitRun_InternalError(t *testing.T) {
	rm := newFakeRunManager()
	rm.submitErr = errors.New("redis down")
	srv, _ := newServer(t, rm, nil)

	resp, body := do(t, http.MethodPost, srv.URL+"/api/runs", `{"query":"golang"}`)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.NotContains(t, string(body), "redis down")
}

func TestGetRun(t *testing.T) {
	rm := newFakeRunManager()
	finished := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rm.runs["abc"] = &entity.Run{ID: "abc", Query: "golang", Status: entity.RunAborted, ErrorMessage: "3 consecutive detections", PagesFetched: 2, FinishedAt: &finished}
	srv, _ := newServer(t, rm, nil)

	resp, body := do(t, http.MethodGet, srv.URL+"/api/runs/abc", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out response.RunResponse
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, "ABORTED", out.Status)
	assert.Equal(t, 2, out.PagesFetched)
	assert.Equal(t, "3 consecutive detections", out.ErrorMessage)
	require.NotNil(t, out.FinishedAt)
	assert.True(t, finished.Equal(*out.FinishedAt))

	resp, _ = do(t, http.MethodGet, srv.URL+"/api/runs/missing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetRecordsAndFailedJobs(t *testing.T) {
	rm := newFakeRunManager()
	rm.runs["abc"] = &entity.Run{ID: "abc", Status: entity.RunStoppedComplete}
	rm.records["abc"] = []entity.Record{{PageIndex: 0, Position: 0, Fields: map[string]string{"title": "Go"}}}
	rm.failed["abc"] = []*entity.FailedJob{{RunID: "abc", PageIndex: 3, Verdict: "BLOCKED", Attempts: 1}}
	srv, _ := newServer(t, rm, nil)

	resp, body := do(t, http.MethodGet, srv.URL+"/api/runs/abc/records", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var recs response.RecordsResponse
	require.NoError(t, json.Unmarshal(body, &recs))
	assert.Equal(t, 1, recs.Count)
	assert.Equal(t, "Go", recs.Records[0].Fields["title"])

	resp, body = do(t, http.MethodGet, srv.URL+"/api/runs/abc/failed", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var failed response.FailedJobsResponse
	require.NoError(t, json.Unmarshal(body, &failed))
	require.Len(t, failed.Jobs, 1)
	assert.Equal(t, "BLOCKED", failed.Jobs[0].Verdict)

	resp, _ = do(t, http.MethodGet, srv.URL+"/api/runs/missing/records", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelRun(t *testing.T) {
	rm := newFakeRunManager()
	srv, _ := newServer(t, rm, nil)

	resp, _ := do(t, http.MethodDelete, srv.URL+"/api/runs/abc", "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, []string{"abc"}, rm.cancelled)

	rm.cancelErr = usecase.ErrRunFinished
	resp, _ = do(t, http.MethodDelete, srv.URL+"/api/runs/abc", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	rm.cancelErr = repository.ErrRunNotFound
	resp, _ = do(t, http.MethodDelete, srv.URL+"/api/runs/abc", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthCheck(t *testing.T) {
	srv, _ := newServer(t, newFakeRunManager(), map[string]handler.HealthCheck{
		"postgres": func(context.Context) error { return nil },
	})
	resp, body := do(t, http.MethodGet, srv.URL+"/api/health", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out response.HealthResponse
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, "ok", out.Status)
	assert.Equal(t, "ok", out.Checks["postgres"])

	srv, _ = newServer(t, newFakeRunManager(), map[string]handler.HealthCheck{
		"redis": func(context.Context) error { return errors.New("connection refused") },
	})
	resp, body = do(t, http.MethodGet, srv.URL+"/api/health", "")
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, "degraded", out.Status)
}

func TestMetricsEndpointUsesRoutePatterns(t *testing.T) {
	rm := newFakeRunManager()
	rm.runs["abc"] = &entity.Run{ID: "abc"}
	srv, _ := newServer(t, rm, nil)

	do(t, http.MethodGet, srv.URL+"/api/runs/abc", "")
	resp, body := do(t, http.MethodGet, srv.URL+"/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "/api/runs/{id}")
	assert.NotContains(t, string(body), `path="/api/runs/abc"`)
}
