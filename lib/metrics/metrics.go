// Package metrics provides Prometheus collectors and HTTP middleware for
// monitoring the service.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// LLMBuckets covers latencies from fast cache hits to slow generations.
var LLMBuckets = []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120}

var (
	// RequestsTotal counts HTTP requests by method, route pattern and
	// status class.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborseal_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	// RequestDuration records HTTP request duration in seconds.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harborseal_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: LLMBuckets,
		},
		[]string{"method", "route"},
	)

	// DocumentsUploaded counts successful uploads.
	DocumentsUploaded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harborseal_documents_uploaded_total",
		Help: "Documents uploaded",
	})

	// DocumentsIndexed counts documents that completed the embed pipeline.
	DocumentsIndexed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harborseal_documents_indexed_total",
		Help: "Documents indexed",
	})

	// ChunksIndexed counts chunk vectors written to the index.
	ChunksIndexed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harborseal_chunks_indexed_total",
		Help: "Chunk vectors upserted",
	})

	// QuestionsAsked counts ask requests by outcome (answered, empty_index,
	// cached).
	QuestionsAsked = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborseal_questions_total",
			Help: "Questions asked",
		},
		[]string{"outcome"},
	)
)

// Middleware records request counts and durations around an HTTP handler.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		route := normalizeRoute(r.URL.Path)
		status := strconv.Itoa(sw.status/100) + "xx"
		RequestsTotal.WithLabelValues(r.Method, route, status).Inc()
		RequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// normalizeRoute collapses blob-name path segments so metric labels stay
// bounded.
func normalizeRoute(path string) string {
	switch {
	case path == "/upload":
		return "/upload"
	case path == "/api/ask":
		return "/api/ask"
	case path == "/api/documents":
		return "/api/documents"
	case strings.HasPrefix(path, "/api/documents/") && strings.HasSuffix(path, "/download"):
		return "/api/documents/{blob}/download"
	case strings.HasPrefix(path, "/api/documents/"):
		return "/api/documents/{blob}"
	case strings.HasPrefix(path, "/api/files/") && strings.HasSuffix(path, "/embed"):
		return "/api/files/{blob}/embed"
	case strings.HasPrefix(path, "/api/files/") && strings.HasSuffix(path, "/chunks"):
		return "/api/files/{blob}/chunks"
	case path == "/health":
		return "/health"
	case path == "/metrics":
		return "/metrics"
	default:
		return "other"
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
