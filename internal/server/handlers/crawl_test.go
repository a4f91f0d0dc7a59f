package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/retractionwatch/scraperd/internal/errors"
	"github.com/retractionwatch/scraperd/pkg/orchestrator"
	"github.com/retractionwatch/scraperd/pkg/pipeline"
)

type fakeCrawler struct {
	crawling bool
	result   orchestrator.StartResult
	runID    string
	err      error
	last     *pipeline.Run
	starts   int
}

func (f *fakeCrawler) Status() orchestrator.Status {
	return orchestrator.Status{Crawling: f.crawling}
}

func (f *fakeCrawler) RequestStart(ctx context.Context) (orchestrator.StartResult, string, error) {
	f.starts++
	return f.result, f.runID, f.err
}

func (f *fakeCrawler) LastRun() (pipeline.Run, bool) {
	if f.last == nil {
		return pipeline.Run{}, false
	}
	return *f.last, true
}

func TestIsCrawling(t *testing.T) {
	for _, crawling := range []bool{false, true} {
		h := NewCrawlHandler(&fakeCrawler{crawling: crawling}, nil)
		rec := httptest.NewRecorder()
		h.IsCrawling(rec, httptest.NewRequest(http.MethodGet, "/is_crawling", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		var body map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, map[string]any{"crawling": crawling}, body)
	}
}

func TestStartCrawling(t *testing.T) {
	tests := []struct {
		name       string
		crawler    *fakeCrawler
		wantStatus int
		wantBody   string
		wantRunID  string
	}{
		{
			name:       "started",
			crawler:    &fakeCrawler{result: orchestrator.Started, runID: "run-1"},
			wantStatus: http.StatusOK,
			wantBody:   `{"status":"started"}`,
			wantRunID:  "run-1",
		},
		{
			name:       "already running",
			crawler:    &fakeCrawler{result: orchestrator.RejectedAlreadyRunning},
			wantStatus: http.StatusOK,
			wantBody:   `{"status":"failure","message":"Lock file already exists! Cannot crawl"}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewCrawlHandler(tt.crawler, nil)
			rec := httptest.NewRecorder()
			h.StartCrawling(rec, httptest.NewRequest(http.MethodPost, "/start_crawling", nil))

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.JSONEq(t, tt.wantBody, rec.Body.String())
			assert.Equal(t, tt.wantRunID, rec.Header().Get(RunIDHeader))
			assert.Equal(t, 1, tt.crawler.starts)
		})
	}
}

func TestStartCrawling_LockFault(t *testing.T) {
	h := NewCrawlHandler(&fakeCrawler{err: errors.New("read-only file system")}, nil)
	rec := httptest.NewRecorder()
	h.StartCrawling(rec, httptest.NewRequest(http.MethodPost, "/start_crawling", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotNil(t, body.Error)
	assert.Equal(t, apperrors.CodeLockUnavailable, body.Error.Code)
	assert.Contains(t, body.Error.Message, "read-only file system")
}

func TestThrottled(t *testing.T) {
	crawler := &fakeCrawler{result: orchestrator.Started, runID: "run-1"}
	h := NewCrawlHandler(crawler, nil)
	rec := httptest.NewRecorder()
	h.Throttled(rec, httptest.NewRequest(http.MethodPost, "/start_crawling", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"failure","message":"Too many start requests, retry later"}`, rec.Body.String())
	assert.Empty(t, rec.Header().Get(RunIDHeader))
	assert.Zero(t, crawler.starts)
}

func TestLastRun(t *testing.T) {
	t.Run("none yet", func(t *testing.T) {
		h := NewCrawlHandler(&fakeCrawler{}, nil)
		rec := httptest.NewRecorder()
		h.LastRun(rec, httptest.NewRequest(http.MethodGet, "/last_run", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("failed run", func(t *testing.T) {
		run := pipeline.Run{ID: "run-9", State: pipeline.StateFailed, FailedStage: pipeline.StageParse, Error: "boom"}
		h := NewCrawlHandler(&fakeCrawler{last: &run}, nil)
		rec := httptest.NewRecorder()
		h.LastRun(rec, httptest.NewRequest(http.MethodGet, "/last_run", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		var body map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "run-9", body["run_id"])
		assert.Equal(t, "failed", body["state"])
		assert.Equal(t, "parse", body["failed_stage"])
	})
}

func TestVersionHandler(t *testing.T) {
	SetVersionInfo("1.4.0", "abc123", "2026-10-01")
	defer SetVersionInfo("dev", "unknown", "unknown")

	rec := httptest.NewRecorder()
	VersionHandler(rec, httptest.NewRequest(http.MethodGet, "/version", nil))

	var info VersionInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "1.4.0", info.Version)
	assert.Equal(t, "abc123", info.Commit)
	assert.NotEmpty(t, info.GoVersion)
}
