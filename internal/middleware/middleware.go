// Package middleware provides HTTP middleware for the fleetd admin API.
package middleware

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"
)

// ContextKey is a type for context keys.
type ContextKey string

// RequestIDKey is the context key for request ID.
const RequestIDKey ContextKey = "request_id"

const requestIDHeader = "X-Request-ID"

// RequestIDFrom returns the request ID stored by RequestID, if any.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(RequestIDKey).(string)
	return id
}

// RequestID tags each request with the caller's X-Request-ID or a new one.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), RequestIDKey, id)))
	})
}

// Logging logs one line per request. Server errors log at error level and
// client errors at warn, so failed job triggers stand out.
func Logging(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rw, r)

			level := zapcore.InfoLevel
			switch {
			case rw.status >= http.StatusInternalServerError:
				level = zapcore.ErrorLevel
			case rw.status >= http.StatusBadRequest:
				level = zapcore.WarnLevel
			}

			if ce := logger.Check(level, "HTTP request"); ce != nil {
				ce.Write(
					zap.String("method", r.Method),
					zap.String("route", routeOf(r)),
					zap.String("path", r.URL.Path),
					zap.Int("status", rw.status),
					zap.Int("bytes", rw.written),
					zap.Duration("duration", time.Since(start)),
					zap.String("request_id", RequestIDFrom(r.Context())),
					zap.String("remote_addr", r.RemoteAddr),
				)
			}
		})
	}
}

// routeOf returns the matched route template, so per-node paths group
// under one value.
func routeOf(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return r.URL.Path
}

// Recovery turns a handler panic into a 500 with the API's error envelope.
func Recovery(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("Handler panic recovered",
						zap.Any("panic", err),
						zap.String("request_id", RequestIDFrom(r.Context())),
						zap.String("path", r.URL.Path),
						zap.Stack("stack"))
					writeError(w, http.StatusInternalServerError, "INTERNAL", "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimiter limits requests per client address. Node agents and
// operators each get their own budget, so a fleet of heartbeating nodes
// cannot starve the admin endpoints.
type RateLimiter struct {
	rps    rate.Limit
	burst  int
	logger *zap.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRateLimiter creates a per-client rate limiter.
func NewRateLimiter(requestsPerSecond float64, burst int, logger *zap.Logger) *RateLimiter {
	return &RateLimiter{
		rps:      rate.Limit(requestsPerSecond),
		burst:    burst,
		logger:   logger,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (rl *RateLimiter) limiterFor(client string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	l, ok := rl.limiters[client]
	if !ok {
		l = rate.NewLimiter(rl.rps, rl.burst)
		rl.limiters[client] = l
	}
	return l
}

// Limit rejects requests over the caller's budget with 429.
func (rl *RateLimiter) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := clientHost(r)
		if !rl.limiterFor(client).Allow() {
			rl.logger.Warn("Rate limit exceeded",
				zap.String("client", client),
				zap.String("request_id", RequestIDFrom(r.Context())),
				zap.String("path", r.URL.Path))
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(`{"status":"error","error_code":"` + code + `","message":"` + message + `"}`))
}

type statusRecorder struct {
	http.ResponseWriter
	status  int
	written int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.written += n
	return n, err
}

// Chain applies middlewares so the first one listed runs outermost.
func Chain(middlewares ...func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(final http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}
