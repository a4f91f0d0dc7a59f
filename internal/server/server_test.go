package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retractionwatch/scraperd/internal/config"
	apperrors "github.com/retractionwatch/scraperd/internal/errors"
	"github.com/retractionwatch/scraperd/internal/server/handlers"
	"github.com/retractionwatch/scraperd/pkg/orchestrator"
	"github.com/retractionwatch/scraperd/pkg/payload"
	"github.com/retractionwatch/scraperd/pkg/pipeline"
	"github.com/retractionwatch/scraperd/pkg/runlock"
	"github.com/retractionwatch/scraperd/pkg/stage"
	"github.com/retractionwatch/scraperd/pkg/stage/stagetest"
)

func testOrchestrator(rec *stagetest.Recorder) (*orchestrator.Orchestrator, *runlock.MemoryLock) {
	plan := pipeline.Plan{
		Download: stage.Stage{Name: pipeline.StageDownload, Executable: "download", Stdin: stage.InputNone, Stdout: stage.OutputInherit},
		Parse: stage.Stage{Name: pipeline.StageParse, Executable: "parse", Stdin: stage.InputNone,
			Stdout: stage.OutputCapture, Payload: payload.RetractionList{}},
		Load: stage.Stage{Name: pipeline.StageLoad, Executable: "load", Stdin: stage.InputPipe, Stdout: stage.OutputInherit},
	}
	lock := runlock.NewMemoryLock()
	return orchestrator.New(lock, pipeline.New(rec, plan)), lock
}

func serve(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestServerUsesStandardErrorHandlers(t *testing.T) {
	srv := New("127.0.0.1", 0)

	rec := serve(t, srv.Handler(), http.MethodGet, "/does-not-exist")
	require.Equal(t, http.StatusNotFound, rec.Code)

	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.NotNil(t, body.Error)
	assert.Equal(t, "NOT_FOUND", body.Error.Code)
	assert.NotEmpty(t, body.Error.CorrelationID)
	assert.Equal(t, rec.Header().Get("X-Request-Id"), body.Error.CorrelationID)
}

func TestServer_MethodNotAllowed(t *testing.T) {
	o, _ := testOrchestrator(stagetest.NewRecorder())
	srv := New("127.0.0.1", 0, WithCrawler(o))

	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/version"},
		{http.MethodGet, "/start_crawling"},
		{http.MethodPost, "/is_crawling"},
	} {
		rec := serve(t, srv.Handler(), tc.method, tc.path)
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code, "%s %s", tc.method, tc.path)

		var body apperrors.HTTPErrorResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		require.NotNil(t, body.Error)
		assert.Equal(t, "METHOD_NOT_ALLOWED", body.Error.Code)
	}
}

func TestServer_Port(t *testing.T) {
	for _, port := range []int{6001, 9000, 0} {
		srv := New("127.0.0.1", port)
		assert.Equal(t, port, srv.Port())
	}
	assert.Equal(t, "localhost:6001", New("localhost", 6001).Addr())
}

func TestServer_RoutesRegistered(t *testing.T) {
	handlers.InitHealthManager("test")
	o, _ := testOrchestrator(stagetest.NewRecorder())
	srv := New("127.0.0.1", 0, WithCrawler(o))

	endpoints := []struct {
		method string
		path   string
		want   int
	}{
		{"GET", "/health", http.StatusOK},
		{"GET", "/health/live", http.StatusOK},
		{"GET", "/health/ready", http.StatusOK},
		{"GET", "/health/startup", http.StatusOK},
		{"GET", "/version", http.StatusOK},
		{"GET", "/is_crawling", http.StatusOK},
		{"GET", "/last_run", http.StatusNotFound},
	}

	for _, ep := range endpoints {
		t.Run(ep.method+" "+ep.path, func(t *testing.T) {
			rec := serve(t, srv.Handler(), ep.method, ep.path)
			assert.Equal(t, ep.want, rec.Code)
		})
	}
}

func TestServer_CrawlRoutesAbsentWithoutCrawler(t *testing.T) {
	srv := New("127.0.0.1", 0)
	assert.Equal(t, http.StatusNotFound, serve(t, srv.Handler(), http.MethodGet, "/is_crawling").Code)
}

func TestServer_StartThenStatus(t *testing.T) {
	block := make(chan struct{})
	rec := stagetest.NewRecorder().
		Script(pipeline.StageDownload, stagetest.Result{Block: block}).
		Script(pipeline.StageParse, stagetest.Result{Output: []byte(`[{"pmid":"123"}]`)})
	o, lock := testOrchestrator(rec)
	srv := New("127.0.0.1", 0, WithCrawler(o))
	h := srv.Handler()

	assert.JSONEq(t, `{"crawling":false}`, serve(t, h, http.MethodGet, "/is_crawling").Body.String())

	first := serve(t, h, http.MethodPost, "/start_crawling")
	assert.Equal(t, http.StatusOK, first.Code)
	assert.JSONEq(t, `{"status":"started"}`, first.Body.String())
	assert.NotEmpty(t, first.Header().Get(handlers.RunIDHeader))

	assert.JSONEq(t, `{"crawling":true}`, serve(t, h, http.MethodGet, "/is_crawling").Body.String())

	second := serve(t, h, http.MethodPost, "/start_crawling")
	assert.JSONEq(t, `{"status":"failure","message":"Lock file already exists! Cannot crawl"}`, second.Body.String())

	close(block)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, o.Wait(ctx))

	assert.False(t, lock.IsHeld())
	assert.JSONEq(t, `{"crawling":false}`, serve(t, h, http.MethodGet, "/is_crawling").Body.String())

	last := serve(t, h, http.MethodGet, "/last_run")
	require.Equal(t, http.StatusOK, last.Code)
	var run map[string]any
	require.NoError(t, json.Unmarshal(last.Body.Bytes(), &run))
	assert.Equal(t, "completed", run["state"])
	assert.EqualValues(t, 1, run["documents"])
}

// postStarts fires n concurrent start requests and tallies HTTP status
// codes and body statuses.
func postStarts(t *testing.T, h http.Handler, n int) (codes map[int]int, statuses map[string]int) {
	t.Helper()
	codes = map[int]int{}
	statuses = map[string]int{}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := serve(t, h, http.MethodPost, "/start_crawling")
			var body handlers.StartResponse
			if err := json.Unmarshal(r.Body.Bytes(), &body); err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			codes[r.Code]++
			statuses[body.Status]++
			mu.Unlock()
		}()
	}
	wg.Wait()
	return codes, statuses
}

func blockedDownload() (*stagetest.Recorder, chan struct{}) {
	block := make(chan struct{})
	return stagetest.NewRecorder().Script(pipeline.StageDownload, stagetest.Result{Block: block}), block
}

func finish(t *testing.T, o *orchestrator.Orchestrator, block chan struct{}) {
	t.Helper()
	close(block)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, o.Wait(ctx))
}

func TestServer_ConcurrentStartsSingleWinner(t *testing.T) {
	rec, block := blockedDownload()
	o, _ := testOrchestrator(rec)
	h := New("127.0.0.1", 0, WithCrawler(o)).Handler()

	codes, statuses := postStarts(t, h, 20)
	finish(t, o, block)

	assert.Equal(t, map[int]int{http.StatusOK: 20}, codes)
	assert.Equal(t, 1, statuses["started"])
	assert.Equal(t, 19, statuses["failure"])
}

func TestServer_DefaultConfigStartsOnlyStartedOrFailure(t *testing.T) {
	t.Setenv("SCRAPERD_CONFIG", "")
	config.SetConfigFile("")
	cfg, err := config.Load(context.Background())
	require.NoError(t, err)
	assert.Zero(t, cfg.Pipeline.StartRateLimit, "start throttle is off by default")

	rec, block := blockedDownload()
	o, _ := testOrchestrator(rec)
	h := New("127.0.0.1", 0,
		WithCrawler(o),
		WithStartLimit(cfg.Pipeline.StartRateLimit, cfg.Pipeline.StartBurst),
	).Handler()

	codes, statuses := postStarts(t, h, 10)
	finish(t, o, block)

	assert.Equal(t, map[int]int{http.StatusOK: 10}, codes)
	assert.Equal(t, map[string]int{"started": 1, "failure": 9}, statuses)
}

func TestServer_ThrottledStartsReportFailure(t *testing.T) {
	rec, block := blockedDownload()
	o, _ := testOrchestrator(rec)
	h := New("127.0.0.1", 0, WithCrawler(o), WithStartLimit(0.01, 5)).Handler()

	codes, statuses := postStarts(t, h, 10)
	finish(t, o, block)

	assert.Equal(t, map[int]int{http.StatusOK: 10}, codes)
	assert.Equal(t, map[string]int{"started": 1, "failure": 9}, statuses)

	throttled := serve(t, h, http.MethodPost, "/start_crawling")
	assert.Equal(t, http.StatusOK, throttled.Code)
	assert.NotEmpty(t, throttled.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"status":"failure","message":"`+handlers.ThrottledMessage+`"}`, throttled.Body.String())
}

func TestServer_StartAndShutdown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := New("127.0.0.1", ln.Addr().(*net.TCPAddr).Port)
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/version")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	assert.NoError(t, <-errc)
}
