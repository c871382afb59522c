package metrics

import (
	"net/http"
	"time"
)

// statusRecorder captures the response status for counters.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware records request counts, error counts, and duration for
// every inbound request.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		HTTPRequestsTotal.Inc()
		if rec.status >= 400 {
			HTTPErrorsTotal.Inc()
		}
		HTTPRequestDurationMS.Observe(float64(time.Since(start).Milliseconds()))
	})
}
