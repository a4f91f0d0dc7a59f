package middleware

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

type retryAfterKey struct{}

// RetryAfter returns how long a throttled request should wait, as set by
// Throttle on the request passed to the reject handler.
func RetryAfter(ctx context.Context) time.Duration {
	d, _ := ctx.Value(retryAfterKey{}).(time.Duration)
	return d
}

// Throttle admits at most limit requests per second (with burst). Excess
// requests get a Retry-After header and are answered by reject instead of
// the next handler. A non-positive limit disables throttling.
func Throttle(limit float64, burst int, reject http.Handler) func(http.Handler) http.Handler {
	if limit <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(limit), burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res := limiter.Reserve()
			if delay := res.Delay(); delay > 0 {
				res.Cancel()
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(delay.Seconds()))))
				reject.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), retryAfterKey{}, delay)))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
