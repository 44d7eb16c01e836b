package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

func TestNormalizePath(t *testing.T) {
	tests := map[string]string{
		"/health/live":                "/health/live",
		"/api/files/42/sync":          "/api/files/{id}/sync",
		"/api/files/42":               "/api/files/{id}",
		"/api/document-types/7/files": "/api/document-types/{id}/files",
		"/api/sync/pending/count":     "/api/sync/pending/count",
		"/api/files/abc":              "/api/files/abc",
	}
	for in, want := range tests {
		if got := normalizePath(in); got != want {
			t.Errorf("normalizePath(%q) = %q, ожидается %q", in, got, want)
		}
	}
}

// TestRequestLogger проверяет уровень записи по статус-коду.
func TestRequestLogger(t *testing.T) {
	tests := []struct {
		path   string
		status int
		level  string
	}{
		{"/api/structure", http.StatusOK, "level=INFO"},
		{"/api/files/1", http.StatusNotFound, "level=WARN"},
		{"/api/files/1/sync", http.StatusBadGateway, "level=ERROR"},
		{"/health/live", http.StatusOK, "level=DEBUG"},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
		h := RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tt.status)
			_, _ = w.Write([]byte("ok"))
		}))

		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, tt.path, nil))

		out := buf.String()
		if !strings.Contains(out, tt.level) {
			t.Errorf("%s %d: ожидается %s, лог: %s", tt.path, tt.status, tt.level, out)
		}
		if !strings.Contains(out, "bytes_out=2") {
			t.Errorf("размер ответа не записан: %s", out)
		}
	}
}

// TestRequestLogger_RouteAndRequestID проверяет запись шаблона маршрута,
// request_id и объёма тела загрузки.
func TestRequestLogger_RouteAndRequestID(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(RequestLogger(logger))
	r.Post("/api/files/{id}/sync", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodPost, "/api/files/42/sync", strings.NewReader("file_id=42"))
	req.Header.Set(chimw.RequestIDHeader, "req-7f3a")
	r.ServeHTTP(httptest.NewRecorder(), req)

	out := buf.String()
	for _, want := range []string{"route=/api/files/{id}/sync", "request_id=req-7f3a", "bytes_in=10", "path=/api/files/42/sync"} {
		if !strings.Contains(out, want) {
			t.Errorf("в записи нет %s: %s", want, out)
		}
	}
}

func TestMetricsMiddleware_PassesStatus(t *testing.T) {
	h := MetricsMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/upload", nil))
	if rec.Code != http.StatusCreated {
		t.Errorf("статус = %d", rec.Code)
	}
}
