package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	gferrors "github.com/fulmenhq/gofulmen/errors"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	apperrors "github.com/retractionwatch/scraperd/internal/errors"
	"github.com/retractionwatch/scraperd/internal/observability"
)

// ErrorResponse is the envelope written by the middleware.
type ErrorResponse = apperrors.HTTPErrorResponse

// Recovery converts a handler panic into a 500 INTERNAL_ERROR envelope.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			reqID := chimw.GetReqID(r.Context())
			observability.CLILogger.Error("Handler panicked",
				zap.String("request_id", reqID),
				zap.String("path", r.URL.Path),
				zap.Any("panic", rec),
				zap.String("stack", string(debug.Stack())))

			envelope := gferrors.NewErrorEnvelope(apperrors.CodeInternal, fmt.Sprintf("panic: %v", rec)).
				WithCorrelationID(reqID).
				WithPath(r.URL.Path)
			writeErrorResponse(w, envelope, http.StatusInternalServerError)
		}()
		next.ServeHTTP(w, r)
	})
}

func writeErrorResponse(w http.ResponseWriter, envelope *gferrors.ErrorEnvelope, status int) {
	apperrors.WriteEnvelope(w, status, envelope)
}
