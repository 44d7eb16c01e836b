// Пакет app собирает зависимости girder-sync: пул PostgreSQL, клиент Girder,
// локальное хранилище, репозитории и сервисы. Используется обоими бинарниками.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vickyapril02/girder-redcap-mimic-sync/internal/api/handlers"
	"github.com/vickyapril02/girder-redcap-mimic-sync/internal/config"
	"github.com/vickyapril02/girder-redcap-mimic-sync/internal/database"
	"github.com/vickyapril02/girder-redcap-mimic-sync/internal/girder"
	"github.com/vickyapril02/girder-redcap-mimic-sync/internal/repository"
	"github.com/vickyapril02/girder-redcap-mimic-sync/internal/service"
	"github.com/vickyapril02/girder-redcap-mimic-sync/internal/storage/staging"
)

// spoolDirName — каталог временных файлов прямой загрузки внутри хранилища.
const spoolDirName = ".spool"

// App — собранное приложение.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	Pool    *pgxpool.Pool
	Girder  *girder.Client
	Staging *staging.Store

	Hierarchy repository.HierarchyRepository
	Files     repository.FileRecordRepository

	Schema    *service.SchemaService
	Sync      *service.SyncEngine
	Upload    *service.UploadService
	Webhook   *service.WebhookService
	Structure *service.StructureService
	Seed      *service.SeedService
}

// Open применяет миграции, подключается к PostgreSQL и создаёт сервисы.
// Сетевых запросов к Girder при этом не выполняется.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	// 1. Миграции БД
	logger.Info("Применение миграций БД...")
	if err := database.Migrate(cfg, logger); err != nil {
		return nil, fmt.Errorf("миграции БД: %w", err)
	}

	// 2. Пул PostgreSQL
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	// 3. Клиент Girder
	gc, err := girder.New(girder.Config{
		APIURL:          cfg.GirderAPIURL,
		APIKey:          cfg.GirderAPIKey,
		Timeout:         cfg.GirderTimeout,
		ChunkSize:       cfg.GirderChunkSize,
		CACertPath:      cfg.GirderCACertPath,
		FolderCacheSize: cfg.GirderFolderCacheSize,
		FolderCacheTTL:  cfg.GirderFolderCacheTTL,
		PublicFolders:   cfg.GirderPublicFolders,
	}, logger)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("клиент Girder: %w", err)
	}

	// 4. Локальное хранилище
	store, err := staging.New(cfg.StagingDir, cfg.MaxUploadSize)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("локальное хранилище: %w", err)
	}

	// 5. Репозитории и сервисы
	hierarchy := repository.NewHierarchyRepository(pool)
	files := repository.NewFileRecordRepository(pool)
	tx := repository.NewTxRunner(pool)

	a := &App{
		Config:    cfg,
		Logger:    logger,
		Pool:      pool,
		Girder:    gc,
		Staging:   store,
		Hierarchy: hierarchy,
		Files:     files,
		Schema:    service.NewSchemaService(hierarchy, gc, cfg.GirderRootFolderID, logger),
		Sync:      service.NewSyncEngine(files, store, gc, logger),
		Upload:    service.NewUploadService(hierarchy, files, store, logger),
		Webhook: service.NewWebhookService(gc, cfg.GirderRootFolderID,
			cfg.CenterFolderPrefix, cfg.GirderPublicFolders, logger).
			WithFileSpool(filepath.Join(store.Root(), spoolDirName), cfg.MaxUploadSize),
		Structure: service.NewStructureService(hierarchy, files),
		Seed:      service.NewSeedService(hierarchy, tx.RunHierarchyInTx, logger),
	}
	return a, nil
}

// Prepare заполняет справочники (если включено) и восстанавливает
// записи, оставшиеся в IN_PROGRESS после аварийной остановки.
func (a *App) Prepare(ctx context.Context) error {
	if a.Config.SeedData {
		created, err := a.Seed.Seed(ctx)
		if err != nil {
			return fmt.Errorf("начальные данные: %w", err)
		}
		if created {
			a.Logger.Info("Справочники заполнены начальными данными")
		}
	}

	if _, err := a.Sync.RecoverInterrupted(ctx); err != nil {
		return fmt.Errorf("восстановление прерванных синхронизаций: %w", err)
	}
	return nil
}

// APIHandler создаёт обработчик HTTP API поверх сервисов приложения.
// monitor может быть nil, если мониторинг зависимостей не запущен.
func (a *App) APIHandler(monitor handlers.DependencyMonitor) *handlers.APIHandler {
	health := handlers.NewHealthHandler(
		database.NewReadinessChecker(a.Pool),
		girder.NewReadinessChecker(a.Girder, a.Config.GirderRootFolderID),
		monitor,
	)
	return handlers.NewAPIHandler(
		health,
		a.Structure,
		a.Upload,
		a.Files,
		a.Sync,
		a.Webhook,
		a.Schema,
		a.Logger,
	)
}

// Close освобождает ресурсы приложения.
func (a *App) Close() {
	a.Pool.Close()
}
