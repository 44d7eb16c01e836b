// Точка входа girder-sync — сервис синхронизации файлов исследования с Girder.
// Загружает конфигурацию, применяет миграции, подключается к PostgreSQL,
// заполняет справочники, восстанавливает прерванные синхронизации,
// запускает фоновую синхронизацию (если задан интервал), мониторинг
// зависимостей и HTTP-сервер с graceful shutdown.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/stdlib"

	"github.com/vickyapril02/girder-redcap-mimic-sync/internal/api/handlers"
	"github.com/vickyapril02/girder-redcap-mimic-sync/internal/app"
	"github.com/vickyapril02/girder-redcap-mimic-sync/internal/config"
	"github.com/vickyapril02/girder-redcap-mimic-sync/internal/server"
	"github.com/vickyapril02/girder-redcap-mimic-sync/internal/service"
)

func main() {
	// 1. Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Настройка логирования
	logger := config.SetupLogger(cfg)
	logger.Info("girder-sync запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.String("girder_url", cfg.GirderAPIURL),
		slog.String("staging_dir", cfg.StagingDir),
	)

	// 3. Миграции, PostgreSQL, клиент Girder, сервисы
	ctx := context.Background()
	a, err := app.Open(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка инициализации", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer a.Close()

	// 4. Начальные данные и восстановление после аварийной остановки
	if err := a.Prepare(ctx); err != nil {
		logger.Error("Ошибка подготовки данных", slog.String("error", err.Error()))
		a.Close()
		os.Exit(1) //nolint:gocritic // a.Close() вызван явно
	}

	// 5. Фоновая синхронизация PENDING-файлов
	if cfg.SyncInterval > 0 {
		worker := service.NewSyncWorker(a.Sync, cfg.SyncInterval, logger)
		worker.Start(ctx)
		defer worker.Stop()
	} else {
		logger.Info("Фоновая синхронизация отключена (GS_SYNC_INTERVAL=0)")
	}

	// 6. topologymetrics — мониторинг зависимостей (PostgreSQL + Girder).
	// Ошибка не мешает запуску: readiness работает и без него.
	if os.Getenv("GS_DEPHEALTH_GROUP") == "" {
		logger.Warn("GS_DEPHEALTH_GROUP не задана, используется значение по умолчанию",
			slog.String("default", cfg.DephealthGroup),
		)
	}
	pgDB := stdlib.OpenDBFromPool(a.Pool)
	defer pgDB.Close()

	var monitor handlers.DependencyMonitor
	dephealthSvc, dephealthErr := service.NewDephealthService(
		"girder-sync",
		cfg.DephealthGroup,
		pgDB,
		cfg.DatabaseURL(),
		cfg.GirderAPIURL,
		cfg.DephealthCheckInterval,
		logger,
	)
	if dephealthErr != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", dephealthErr.Error()),
		)
	} else {
		if startErr := dephealthSvc.Start(ctx); startErr != nil {
			logger.Warn("Ошибка запуска topologymetrics",
				slog.String("error", startErr.Error()),
			)
		} else {
			logger.Info("topologymetrics запущен",
				slog.String("group", cfg.DephealthGroup),
				slog.String("check_interval", cfg.DephealthCheckInterval.String()),
			)
			monitor = dephealthSvc
			defer dephealthSvc.Stop()
		}
	}

	// 7. HTTP-сервер
	srv := server.New(cfg, logger, a.APIHandler(monitor))
	if err := srv.Run(); err != nil {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
		os.Exit(1) //nolint:gocritic // завершение после остановки сервера
	}

	logger.Info("girder-sync остановлен")
}
