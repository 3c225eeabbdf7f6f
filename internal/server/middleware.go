package server

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/peximo/stitch/internal/logging"
	"github.com/peximo/stitch/internal/metrics"
	"github.com/peximo/stitch/internal/upload"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// withRequestID tags every request with a correlation ID, honoring one
// supplied by an upstream proxy.
func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// requestID returns the correlation ID stored by withRequestID.
func requestID(r *http.Request) string {
	if id, ok := r.Context().Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// statusRecorder captures the response code for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// Hijack passes through so the websocket upgrade works behind the recorder.
func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := sr.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return hj.Hijack()
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

// withAccessLog records request metrics and a debug access log line.
func (s *Server) withAccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := normalizeRoute(r.URL.Path)
		status := fmt.Sprintf("%d", rec.status)
		elapsed := time.Since(start)
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, route, status).Observe(elapsed.Seconds())

		logging.Debug("Request handled",
			zap.String("request_id", requestID(r)),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("elapsed", elapsed))
	})
}

// rateLimited applies the per-IP token bucket for the given class before
// invoking the handler.
func (s *Server) rateLimited(class upload.BucketClass, next http.Handler) http.Handler {
	label := bucketLabel(class)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		retry, err := s.limiter.Allow(clientIP(r), class)
		if err != nil {
			metrics.RateLimitedRequests.WithLabelValues(label).Inc()
			if retry > 0 {
				w.Header().Set("Retry-After", fmt.Sprintf("%d", int(retry.Seconds())+1))
			}
			writeError(w, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bucketLabel(class upload.BucketClass) string {
	switch class {
	case upload.BucketUpload:
		return "upload"
	case upload.BucketMonitoring:
		return "monitoring"
	default:
		return "general"
	}
}
