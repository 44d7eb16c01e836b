// metrics.go — Prometheus HTTP метрики girder-sync.
// Регистрирует метрики: gs_http_requests_total, gs_http_request_duration_seconds.
// Нормализация путей предотвращает взрывной рост кардинальности.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// httpRequestsTotal — общее количество HTTP-запросов.
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gs_http_requests_total",
			Help: "Общее количество HTTP-запросов к girder-sync",
		},
		[]string{"method", "path", "status"},
	)

	// httpRequestDuration — гистограмма длительности HTTP-запросов.
	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gs_http_request_duration_seconds",
			Help:    "Длительность HTTP-запросов к girder-sync в секундах",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// MetricsMiddleware возвращает HTTP middleware для сбора Prometheus метрик.
func MetricsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			normalizedPath := normalizePath(r.URL.Path)

			wrapped := newResponseWriter(w)
			next.ServeHTTP(wrapped, r)

			status := strconv.Itoa(wrapped.statusCode)
			httpRequestsTotal.WithLabelValues(r.Method, normalizedPath, status).Inc()
			httpRequestDuration.WithLabelValues(r.Method, normalizedPath).Observe(time.Since(start).Seconds())
		})
	}
}

// normalizePath заменяет числовые сегменты пути на {id}.
// /api/files/42/sync → /api/files/{id}/sync
// /api/document-types/7/files → /api/document-types/{id}/files
func normalizePath(path string) string {
	segments := strings.Split(path, "/")
	for i, s := range segments {
		if s == "" {
			continue
		}
		if _, err := strconv.ParseInt(s, 10, 64); err == nil {
			segments[i] = "{id}"
		}
	}
	return strings.Join(segments, "/")
}
