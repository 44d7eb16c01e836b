// logging.go — журнал HTTP-запросов girder-sync через slog.
package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// responseWriter запоминает статус-код и объём ответа.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    int64
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.written += int64(n)
	return n, err
}

// Unwrap нужен http.ResponseController (долгие ответы sync).
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// RequestLogger пишет одну запись на запрос.
//
// Кроме пути пишется шаблон маршрута chi (route), по которому удобно
// группировать записи, и request_id из chimw.RequestID, если он подключён.
// Для загрузок (POST /api/upload, /redcap/upload) пишется объём тела запроса.
//
// Уровень: ERROR для 5xx, WARN для 4xx, DEBUG для /health/* и /metrics,
// иначе INFO.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := newResponseWriter(w)

			next.ServeHTTP(wrapped, r)

			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", wrapped.statusCode),
				slog.Duration("duration", time.Since(start)),
				slog.Int64("bytes_out", wrapped.written),
				slog.String("remote_addr", r.RemoteAddr),
			}
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					attrs = append(attrs, slog.String("route", pattern))
				}
			}
			if r.ContentLength > 0 {
				attrs = append(attrs, slog.Int64("bytes_in", r.ContentLength))
			}
			if id := chimw.GetReqID(r.Context()); id != "" {
				attrs = append(attrs, slog.String("request_id", id))
			}

			logger.LogAttrs(r.Context(), requestLevel(r.URL.Path, wrapped.statusCode), "HTTP запрос", attrs...)
		})
	}
}

func requestLevel(path string, status int) slog.Level {
	switch {
	case status >= 500:
		return slog.LevelError
	case status >= 400:
		return slog.LevelWarn
	case isServiceEndpoint(path):
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

// isServiceEndpoint — запросы оркестратора и Prometheus, идущие постоянно.
func isServiceEndpoint(path string) bool {
	return path == "/health/live" || path == "/health/ready" || path == "/metrics"
}
