// sync_worker.go — фоновая синхронизация новых файлов.
//
// SyncWorker с заданным интервалом синхронизирует записи в статусе PENDING.
// Записи FAILED не трогает: повторная попытка выполняется только по запросу
// (POST /api/files/{id}/sync или /api/sync/pending).
package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/vickyapril02/girder-redcap-mimic-sync/internal/domain/filestatus"
)

// SyncWorker — фоновая горутина периодической синхронизации.
type SyncWorker struct {
	engine   *SyncEngine
	interval time.Duration
	logger   *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSyncWorker создаёт фоновый синхронизатор.
func NewSyncWorker(engine *SyncEngine, interval time.Duration, logger *slog.Logger) *SyncWorker {
	return &SyncWorker{
		engine:   engine,
		interval: interval,
		logger:   logger.With(slog.String("component", "sync_worker")),
	}
}

// Start запускает фоновую горутину. Вызывается один раз при старте приложения.
func (w *SyncWorker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})

	go func() {
		defer close(w.done)

		w.logger.Info("Фоновая синхронизация запущена",
			slog.String("interval", w.interval.String()),
		)

		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				w.logger.Info("Фоновая синхронизация остановлена")
				return
			case <-ticker.C:
				w.RunOnce(ctx)
			}
		}
	}()
}

// RunOnce выполняет один проход синхронизации PENDING-записей.
func (w *SyncWorker) RunOnce(ctx context.Context) {
	summary, err := w.engine.syncAll(ctx, filestatus.Pending)
	if err != nil {
		w.logger.Error("Ошибка фоновой синхронизации", slog.String("error", err.Error()))
		return
	}
	if summary.TotalFiles > 0 {
		w.logger.Info("Фоновая синхронизация: проход завершён",
			slog.Int("total", summary.TotalFiles),
			slog.Int("synced", summary.Synced),
			slog.Int("failed", summary.Failed),
		)
	}
}

// Stop останавливает фоновую горутину и ждёт завершения.
func (w *SyncWorker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	if w.done != nil {
		<-w.done
	}
}
