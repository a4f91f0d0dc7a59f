package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, rec *httptest.ResponseRecorder) HTTPErrorResponse {
	t.Helper()
	var body HTTPErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestRespondWithError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
		wantMsg    string
	}{
		{
			name:       "plain error becomes internal",
			err:        assert.AnError,
			wantStatus: http.StatusInternalServerError,
			wantCode:   CodeInternal,
			wantMsg:    "internal server error: " + assert.AnError.Error(),
		},
		{
			name:       "status error",
			err:        NotFound("no such route"),
			wantStatus: http.StatusNotFound,
			wantCode:   CodeNotFound,
			wantMsg:    "no such route",
		},
		{
			name:       "wrapped status error",
			err:        fmt.Errorf("handler: %w", MethodNotAllowed("nope")),
			wantStatus: http.StatusMethodNotAllowed,
			wantCode:   CodeMethodNotAllowed,
			wantMsg:    "nope",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/x", nil)
			rec := httptest.NewRecorder()

			RespondWithError(rec, req, tt.err)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			body := decode(t, rec)
			require.NotNil(t, body.Error)
			assert.Equal(t, tt.wantCode, body.Error.Code)
			assert.Equal(t, tt.wantMsg, body.Error.Message)
		})
	}
}

func TestRespondWithError_RequestIDAndDetails(t *testing.T) {
	var rec *httptest.ResponseRecorder
	h := middleware.RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		RespondWithError(w, r, ServiceUnavailable("not ready", map[string]any{"lock": "unhealthy"}))
	}))

	req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
	req.Header.Set(middleware.RequestIDHeader, "req-42")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	body := decode(t, rec)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.NotNil(t, body.Error)
	assert.Equal(t, "req-42", body.Error.CorrelationID)
	assert.Equal(t, "/health/ready", body.Error.Path)
	assert.NotEmpty(t, body.Error.Timestamp)
	assert.Equal(t, "unhealthy", body.Error.Details["lock"])
}

func TestStatusError_Unwrap(t *testing.T) {
	se := Wrap(assert.AnError, http.StatusInternalServerError, CodeLockUnavailable, "lock")
	assert.ErrorIs(t, se, assert.AnError)
	assert.Equal(t, "lock: "+assert.AnError.Error(), se.Error())
}

func TestStatusError_Envelope(t *testing.T) {
	env := Wrap(assert.AnError, http.StatusInternalServerError, CodeLockUnavailable, "run lock unavailable").
		WithDetails(map[string]any{"path": "crawling.lock"}).
		Envelope("req-7")

	assert.Equal(t, CodeLockUnavailable, env.Code)
	assert.Equal(t, "run lock unavailable: "+assert.AnError.Error(), env.Message)
	assert.Equal(t, "req-7", env.CorrelationID)
	assert.Equal(t, "crawling.lock", env.Details["path"])

	b, err := json.Marshal(HTTPErrorResponse{Error: env})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"correlation_id":"req-7"`)
}

func TestStatusError_EnvelopeOmitsEmptyDetails(t *testing.T) {
	env := NotFound("nothing here").Envelope("")
	assert.Nil(t, env.Details)
	assert.Empty(t, env.CorrelationID)
}
