package girder

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus-метрики клиента Girder.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gs_girder_requests_total",
		Help: "Количество запросов к Girder API.",
	}, []string{"operation", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gs_girder_request_duration_seconds",
		Help:    "Длительность запросов к Girder API.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms … ~82s
	}, []string{"operation"})

	uploadBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gs_girder_upload_bytes_total",
		Help: "Количество байт, отправленных в Girder чанками.",
	})

	foldersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gs_girder_folders_created_total",
		Help: "Количество папок, созданных в Girder.",
	})

	folderCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gs_girder_folder_cache_hits_total",
		Help: "Попадания в LRU-кэш папок.",
	})
	folderCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gs_girder_folder_cache_misses_total",
		Help: "Промахи LRU-кэша папок.",
	})
)

// observeRequest записывает метрики запроса. status = 0 — сетевая ошибка.
func observeRequest(op string, status int, start time.Time) {
	label := "error"
	if status != 0 {
		label = strconv.Itoa(status)
	}
	requestsTotal.WithLabelValues(op, label).Inc()
	requestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
