// Package middleware provides HTTP middleware for the segment server.
package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// RequestIDHeader carries the request ID in both directions.
const RequestIDHeader = "X-Request-ID"

// maxRequestIDLen bounds client supplied request IDs; longer ones are
// replaced.
const maxRequestIDLen = 128

// RequestID tags each request with an ID, keeping a usable one sent by
// the client.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if !validRequestID(id) {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return false
		}
	}
	return true
}

// RequestIDFrom returns the request ID stored by RequestID, if any.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// lookupFields names the kernel family and object of a segment or object
// route, so lookups can be traced per object.
func lookupFields(r *http.Request) []zap.Field {
	var fields []zap.Field
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			fields = append(fields, zap.String("route", tmpl))
		}
	}
	vars := mux.Vars(r)
	if fam, ok := vars["family"]; ok {
		fields = append(fields, zap.String("family", fam))
	}
	if obj, ok := vars["object"]; ok {
		fields = append(fields, zap.String("object", obj))
	}
	return fields
}

// Logging writes one line per request. Lookups that end in a server error
// are logged at Warn.
func Logging(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)

			fields := append([]zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", sw.status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", RequestIDFrom(r.Context())),
			}, lookupFields(r)...)

			if sw.status >= http.StatusInternalServerError {
				logger.Warn("HTTP request failed", fields...)
				return
			}
			logger.Info("HTTP request", fields...)
		})
	}
}

// Recovery turns a handler panic into a 500 carrying the request ID.
func Recovery(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				p := recover()
				if p == nil {
					return
				}
				id := RequestIDFrom(r.Context())
				logger.Error("Handler panicked",
					append([]zap.Field{
						zap.Any("panic", p),
						zap.String("request_id", id),
						zap.String("path", r.URL.Path),
					}, lookupFields(r)...)...)
				writeFailure(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error", id)
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimiter is a token bucket shared by all requests.
type RateLimiter struct {
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewRateLimiter creates a limiter admitting requestsPerSecond with bursts
// of up to burst requests.
func NewRateLimiter(requestsPerSecond float64, burst int, logger *zap.Logger) *RateLimiter {
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
		logger:  logger,
	}
}

// Limit rejects requests over the rate with 429.
func (rl *RateLimiter) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl.limiter.Allow() {
			next.ServeHTTP(w, r)
			return
		}
		id := RequestIDFrom(r.Context())
		rl.logger.Warn("Rate limit exceeded",
			zap.String("request_id", id),
			zap.String("path", r.URL.Path),
			zap.String("remote_addr", r.RemoteAddr))
		w.Header().Set("Retry-After", "1")
		writeFailure(w, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded", id)
	})
}

// writeFailure writes the same error body the kernel handler uses.
func writeFailure(w http.ResponseWriter, status int, code, message, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"status":     "error",
		"error_code": code,
		"message":    message,
		"request_id": requestID,
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

// Chain composes middleware; the first one listed runs outermost.
func Chain(middlewares ...func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(final http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}
