// health.go — liveness/readiness girder-sync и Prometheus-метрики.
package handlers

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vickyapril02/girder-redcap-mimic-sync/internal/config"
)

const serviceName = "girder-sync"

// Имена зависимостей в ответе /health/ready.
const (
	checkPostgreSQL = "postgresql"
	checkGirder     = "girder"
)

// ReadinessChecker — проверка готовности одной зависимости.
type ReadinessChecker interface {
	// CheckReady возвращает статус ("ok", "degraded", "fail") и сообщение.
	CheckReady() (status string, message string)
}

// DependencyMonitor — фоновый мониторинг зависимостей (topologymetrics).
// Ключ — имя зависимости, значение — true если последняя проверка успешна.
type DependencyMonitor interface {
	Health() map[string]bool
}

type namedCheck struct {
	name    string
	checker ReadinessChecker
}

// HealthHandler обслуживает /health/live, /health/ready и /metrics.
type HealthHandler struct {
	checks      []namedCheck
	monitor     DependencyMonitor
	promHandler http.Handler
}

// NewHealthHandler создаёт обработчик health endpoints.
// nil-checker считается недоступной зависимостью; monitor необязателен.
func NewHealthHandler(pgChecker, girderChecker ReadinessChecker, monitor DependencyMonitor) *HealthHandler {
	return &HealthHandler{
		checks: []namedCheck{
			{name: checkPostgreSQL, checker: pgChecker},
			{name: checkGirder, checker: girderChecker},
		},
		monitor:     monitor,
		promHandler: promhttp.Handler(),
	}
}

type healthCheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type healthLiveResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Version   string `json:"version"`
	Service   string `json:"service"`
}

type healthReadyResponse struct {
	Status     string                       `json:"status"`
	Timestamp  string                       `json:"timestamp"`
	Version    string                       `json:"version"`
	Service    string                       `json:"service"`
	Checks     map[string]healthCheckResult `json:"checks"`
	Monitoring map[string]bool              `json:"monitoring,omitempty"`
}

// HealthLive — процесс жив, зависимости не проверяются.
func (h *HealthHandler) HealthLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthLiveResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   config.Version,
		Service:   serviceName,
	})
}

// HealthReady проверяет PostgreSQL и Girder параллельно.
// 200 — ok или degraded, 503 — хотя бы одна зависимость fail.
// Состояние topologymetrics (если подключён) выводится в monitoring
// и на итоговый статус не влияет.
func (h *HealthHandler) HealthReady(w http.ResponseWriter, _ *http.Request) {
	results := h.runChecks()

	statuses := make([]string, 0, len(results))
	for _, r := range results {
		statuses = append(statuses, r.Status)
	}
	resp := healthReadyResponse{
		Status:    overallStatus(statuses...),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   config.Version,
		Service:   serviceName,
		Checks:    results,
	}
	if h.monitor != nil {
		resp.Monitoring = h.monitor.Health()
	}

	status := http.StatusOK
	if resp.Status == "fail" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// runChecks выполняет все проверки одновременно: время ответа
// определяется самой медленной зависимостью, а не их суммой.
func (h *HealthHandler) runChecks() map[string]healthCheckResult {
	results := make([]healthCheckResult, len(h.checks))
	var wg sync.WaitGroup
	for i, c := range h.checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = check(c.checker)
		}()
	}
	wg.Wait()

	out := make(map[string]healthCheckResult, len(h.checks))
	for i, c := range h.checks {
		out[c.name] = results[i]
	}
	return out
}

func check(c ReadinessChecker) healthCheckResult {
	if c == nil {
		return healthCheckResult{Status: "fail", Message: "не инициализирован"}
	}
	status, msg := c.CheckReady()
	return healthCheckResult{Status: status, Message: msg}
}

// GetMetrics — Prometheus метрики.
func (h *HealthHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	h.promHandler.ServeHTTP(w, r)
}

// overallStatus: fail, если есть fail; degraded, если есть degraded; иначе ok.
func overallStatus(statuses ...string) string {
	degraded := false
	for _, s := range statuses {
		switch s {
		case "fail":
			return "fail"
		case "degraded":
			degraded = true
		}
	}
	if degraded {
		return "degraded"
	}
	return "ok"
}
