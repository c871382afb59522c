package main

import (
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/relago-ai/relago/internal/metrics"
	"github.com/relago-ai/relago/internal/observability"
	"github.com/relago-ai/relago/internal/resilience"
	"github.com/relago-ai/relago/internal/sanitize"
	pkgerrors "github.com/relago-ai/relago/pkg/errors"
)

// chain applies middlewares outermost-first.
func chain(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// trustedHostMiddleware rejects requests whose Host is not in the
// allow list. An empty list allows all hosts.
func trustedHostMiddleware(hosts []string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(hosts))
	for _, h := range hosts {
		allowed[strings.ToLower(h)] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(allowed) > 0 {
				host := strings.ToLower(r.Host)
				if h, _, err := net.SplitHostPort(r.Host); err == nil {
					host = strings.ToLower(h)
				}
				if !allowed[host] {
					writeMiddlewareError(w, pkgerrors.NewValidation("untrusted host"))
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// bodySizeMiddleware caps the request body.
func bodySizeMiddleware(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > limit {
				writeMiddlewareError(w, &pkgerrors.KindError{
					Kind:       pkgerrors.KindValidation,
					Message:    "request body too large",
					StatusCode: http.StatusRequestEntityTooLarge,
				})
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, limit)
			next.ServeHTTP(w, r)
		})
	}
}

// rateLimitMiddleware applies the per-IP limiter. Health and metrics
// probes are exempt.
func rateLimitMiddleware(store resilience.LimiterStore, logger *observability.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasPrefix(r.URL.Path, "/health") || r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}

			ip := clientIP(r)
			decision, err := store.Check(r.Context(), ip)
			if err != nil {
				// Fail open: a limiter-store outage must not take the
				// service down with it.
				logger.Warn("rate limiter check failed", "error", err.Error())
				next.ServeHTTP(w, r)
				return
			}
			if !decision.Allowed {
				metrics.RateLimitBlocksTotal.Inc()
				logger.Warn("rate limit exceeded", "ip", ip, "blocked", decision.Blocked)
				if decision.RetryAfter > 0 {
					w.Header().Set("Retry-After", strconv.Itoa(int(decision.RetryAfter.Seconds())))
				}
				writeMiddlewareError(w, pkgerrors.NewRateLimited("too many requests"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.Index(xff, ","); i > 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// queryLengthMiddleware bounds the query parameter before anything
// downstream touches it; body queries are sanitized in the pipeline.
func queryLengthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if q := r.URL.Query().Get("query"); len(q) > sanitize.MaxQueryLength {
			writeMiddlewareError(w, pkgerrors.NewValidation("query exceeds maximum length"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// securityHeadersMiddleware sets the response security headers.
func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Content-Security-Policy", "default-src 'self'; script-src 'self' 'unsafe-inline' 'unsafe-eval'")
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains; preload")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// writeMiddlewareError emits the error envelope from layers that run
// before the trace-id injector; trace_id may be empty there.
func writeMiddlewareError(w http.ResponseWriter, err *pkgerrors.KindError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.HTTPStatusCode())
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error_kind": err.Kind,
		"message":    err.Message,
	})
}
