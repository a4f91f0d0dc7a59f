package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestThrottle(t *testing.T) {
	var waits []time.Duration
	reject := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		waits = append(waits, RetryAfter(r.Context()))
		w.WriteHeader(http.StatusAccepted)
	})
	h := Throttle(0.001, 2, reject)(okHandler())

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/start_crawling", nil))
		codes = append(codes, rec.Code)
		if rec.Code == http.StatusAccepted {
			assert.NotEmpty(t, rec.Header().Get("Retry-After"))
		}
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusAccepted}, codes)
	if assert.Len(t, waits, 1) {
		assert.Greater(t, waits[0], time.Duration(0))
	}
}

func TestThrottle_Disabled(t *testing.T) {
	reject := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("reject handler called with throttling disabled")
	})
	h := Throttle(0, 0, reject)(okHandler())
	for i := 0; i < 50; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestRetryAfter_Unset(t *testing.T) {
	assert.Zero(t, RetryAfter(httptest.NewRequest(http.MethodGet, "/", nil).Context()))
}

func TestRequestLogger(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	h := RequestID(RequestLogger(zap.New(core))(okHandler()))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/start_crawling", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/is_crawling", nil))

	entries := logs.FilterMessage("HTTP request").All()
	if assert.Len(t, entries, 2) {
		assert.Equal(t, zap.InfoLevel, entries[0].Level)
		assert.Equal(t, zap.DebugLevel, entries[1].Level)
		fields := entries[0].ContextMap()
		assert.Equal(t, "/start_crawling", fields["path"])
		assert.EqualValues(t, http.StatusOK, fields["status"])
		assert.NotEmpty(t, fields["request_id"])
	}
}
