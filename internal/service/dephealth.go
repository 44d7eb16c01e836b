// dephealth.go — интеграция с topologymetrics SDK для мониторинга зависимостей.
//
// girder-sync мониторит две зависимости:
//   - PostgreSQL — SQL checker через существующий pgxpool (connection pool mode, critical)
//   - Girder — HTTP checker к GET {api}/system/version (critical)
//
// Метрики доступны на /metrics вместе с остальными Prometheus-метриками:
//   - app_dependency_health — состояние зависимости (1 = ok, 0 = fail)
//   - app_dependency_latency_seconds — задержка проверки
package service

import (
	"context"
	"database/sql"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/BigKAA/topologymetrics/sdk-go/dephealth"
	_ "github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/httpcheck" // HTTP checker для Girder
	"github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/pgcheck"     // PostgreSQL checker (pool mode)
	"github.com/prometheus/client_golang/prometheus"
)

// girderVersionPath — лёгкий endpoint Girder, не требующий авторизации.
const girderVersionPath = "/system/version"

// DephealthService — сервис мониторинга зависимостей через topologymetrics.
type DephealthService struct {
	dh     *dephealth.DepHealth
	logger *slog.Logger
}

// NewDephealthService создаёт сервис мониторинга зависимостей.
// Метрики регистрируются в глобальном Prometheus registry.
//
// Параметры:
//   - serviceID — имя вершины графа текущего приложения ("girder-sync")
//   - group — имя группы в метриках (GS_DEPHEALTH_GROUP)
//   - db — *sql.DB, полученный из pgxpool через stdlib.OpenDBFromPool()
//   - pgConnURL — URL PostgreSQL без пароля (только для лейблов метрик)
//   - girderAPIURL — базовый URL Girder REST API (GS_GIRDER_API_URL)
//   - checkInterval — интервал проверки (GS_DEPHEALTH_CHECK_INTERVAL)
func NewDephealthService(
	serviceID string,
	group string,
	db *sql.DB,
	pgConnURL string,
	girderAPIURL string,
	checkInterval time.Duration,
	logger *slog.Logger,
) (*DephealthService, error) {
	return newDephealthService(serviceID, group, db, pgConnURL, girderAPIURL, checkInterval, logger)
}

// NewDephealthServiceWithRegisterer создаёт сервис с указанным Prometheus registerer.
func NewDephealthServiceWithRegisterer(
	serviceID string,
	group string,
	db *sql.DB,
	pgConnURL string,
	girderAPIURL string,
	checkInterval time.Duration,
	logger *slog.Logger,
	registerer prometheus.Registerer,
) (*DephealthService, error) {
	return newDephealthService(serviceID, group, db, pgConnURL, girderAPIURL, checkInterval, logger,
		dephealth.WithRegisterer(registerer))
}

func newDephealthService(
	serviceID string,
	group string,
	db *sql.DB,
	pgConnURL string,
	girderAPIURL string,
	checkInterval time.Duration,
	logger *slog.Logger,
	extraOpts ...dephealth.Option,
) (*DephealthService, error) {
	opts := []dephealth.Option{
		dephealth.WithLogger(logger),
		dephealth.AddDependency("postgresql", dephealth.TypePostgres,
			pgcheck.New(pgcheck.WithDB(db)),
			dephealth.FromURL(pgConnURL),
			dephealth.CheckInterval(checkInterval),
			dephealth.Critical(true),
		),
		dephealth.HTTP("girder",
			dephealth.FromURL(girderAPIURL),
			dephealth.WithHTTPHealthPath(girderHealthPath(girderAPIURL)),
			dephealth.CheckInterval(checkInterval),
			dephealth.Critical(true),
		),
	}
	opts = append(opts, extraOpts...)

	dh, err := dephealth.New(serviceID, group, opts...)
	if err != nil {
		return nil, err
	}

	return &DephealthService{
		dh:     dh,
		logger: logger.With(slog.String("component", "dephealth")),
	}, nil
}

// girderHealthPath строит путь проверки Girder с учётом префикса API
// (http://girder:8080/api/v1 → /api/v1/system/version).
func girderHealthPath(apiURL string) string {
	prefix := ""
	if parsed, err := url.Parse(apiURL); err == nil {
		prefix = strings.TrimRight(parsed.Path, "/")
	}
	return prefix + girderVersionPath
}

// Start запускает периодическую проверку зависимостей.
func (ds *DephealthService) Start(ctx context.Context) error {
	ds.logger.Info("Мониторинг зависимостей запущен (PostgreSQL + Girder)")
	return ds.dh.Start(ctx)
}

// Stop останавливает мониторинг зависимостей.
func (ds *DephealthService) Stop() {
	ds.dh.Stop()
	ds.logger.Info("Мониторинг зависимостей остановлен")
}

// Health возвращает текущее состояние зависимостей.
// Ключ — имя зависимости, значение — true если ok.
func (ds *DephealthService) Health() map[string]bool {
	return ds.dh.Health()
}
