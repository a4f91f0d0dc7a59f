package handlers

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	apperrors "github.com/retractionwatch/scraperd/internal/errors"
	"github.com/retractionwatch/scraperd/pkg/orchestrator"
	"github.com/retractionwatch/scraperd/pkg/pipeline"
)

// RunIDHeader carries the ID of a run admitted by POST /start_crawling.
const RunIDHeader = "X-Run-ID"

// ThrottledMessage is reported when the optional start throttle turns a
// request away before it reaches the lock.
const ThrottledMessage = "Too many start requests, retry later"

// Crawler is the orchestrator surface the crawl endpoints need.
type Crawler interface {
	Status() orchestrator.Status
	RequestStart(ctx context.Context) (orchestrator.StartResult, string, error)
	LastRun() (pipeline.Run, bool)
}

// StartResponse is the body of POST /start_crawling. Rejections are
// reported with status "failure" and HTTP 200, which existing clients
// expect.
type StartResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type CrawlHandler struct {
	crawler Crawler
	logger  *zap.Logger
}

func NewCrawlHandler(crawler Crawler, logger *zap.Logger) *CrawlHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CrawlHandler{crawler: crawler, logger: logger}
}

// IsCrawling handles GET /is_crawling.
func (h *CrawlHandler) IsCrawling(w http.ResponseWriter, r *http.Request) {
	apperrors.WriteJSON(w, http.StatusOK, h.crawler.Status())
}

// StartCrawling handles POST /start_crawling. It returns as soon as the
// run is admitted or rejected; the pipeline continues in the background.
func (h *CrawlHandler) StartCrawling(w http.ResponseWriter, r *http.Request) {
	res, runID, err := h.crawler.RequestStart(r.Context())
	if err != nil {
		h.logger.Error("Start request failed", zap.Error(err))
		respondWithError(w, r, apperrors.Wrap(err, http.StatusInternalServerError,
			apperrors.CodeLockUnavailable, "run lock unavailable"))
		return
	}

	switch res {
	case orchestrator.Started:
		w.Header().Set(RunIDHeader, runID)
		apperrors.WriteJSON(w, http.StatusOK, StartResponse{Status: "started"})
	default:
		apperrors.WriteJSON(w, http.StatusOK, StartResponse{
			Status:  "failure",
			Message: orchestrator.RejectionMessage,
		})
	}
}

// Throttled answers a start request refused by the start throttle. The
// body has the same shape as a lock rejection so callers only ever see
// "started" or "failure".
func (h *CrawlHandler) Throttled(w http.ResponseWriter, r *http.Request) {
	h.logger.Info("Crawl start throttled",
		zap.String("retry_after", w.Header().Get("Retry-After")))
	apperrors.WriteJSON(w, http.StatusOK, StartResponse{
		Status:  "failure",
		Message: ThrottledMessage,
	})
}

// LastRun handles GET /last_run.
func (h *CrawlHandler) LastRun(w http.ResponseWriter, r *http.Request) {
	run, ok := h.crawler.LastRun()
	if !ok {
		respondWithError(w, r, apperrors.NotFound("no run has finished since startup"))
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, run)
}
