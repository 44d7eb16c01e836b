// sync.go — движок синхронизации локальных файлов с Girder.
//
// SyncEngine.Sync переводит одну запись файла через конечный автомат
// PENDING → IN_PROGRESS → SYNCED | FAILED:
//  1. Запись вместе с ID папки типа документа читается одним запросом
//  2. Проверки без сети: статус, наличие папки, наличие локального файла
//  3. FAILED сначала сбрасывается в PENDING (повторная синхронизация по запросу)
//  4. Захват: условный UPDATE PENDING → IN_PROGRESS; проигравший не загружает файл
//  5. Потоковая загрузка в Girder чанками
//  6. IN_PROGRESS → SYNCED с remote_file_id и synced_at либо → FAILED с last_error
//
// Все изменения статуса проходят через transition.
//
// Prometheus-метрики:
//   - gs_sync_total — количество вызовов Sync по результату
//   - gs_sync_duration_seconds — длительность успешной синхронизации
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vickyapril02/girder-redcap-mimic-sync/internal/domain/filestatus"
	"github.com/vickyapril02/girder-redcap-mimic-sync/internal/domain/model"
	"github.com/vickyapril02/girder-redcap-mimic-sync/internal/girder"
	"github.com/vickyapril02/girder-redcap-mimic-sync/internal/repository"
	"github.com/vickyapril02/girder-redcap-mimic-sync/internal/storage/staging"
)

// Prometheus-метрики синхронизации.
var (
	syncTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gs_sync_total",
		Help: "Количество вызовов синхронизации файла по результату.",
	}, []string{"result"})

	syncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gs_sync_duration_seconds",
		Help:    "Длительность успешной синхронизации файла.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 14), // 50ms … ~410s
	})
)

// RemoteStorage — удалённое хранилище, в которое загружаются файлы.
type RemoteStorage interface {
	UploadFile(ctx context.Context, folderID, filename string, size int64, reader io.Reader) (*girder.File, error)
}

// SyncEngine — движок синхронизации записей файлов.
type SyncEngine struct {
	files   repository.FileRecordRepository
	staging *staging.Store
	remote  RemoteStorage
	logger  *slog.Logger
	now     func() time.Time
}

// NewSyncEngine создаёт движок синхронизации.
func NewSyncEngine(
	files repository.FileRecordRepository,
	store *staging.Store,
	remote RemoteStorage,
	logger *slog.Logger,
) *SyncEngine {
	return &SyncEngine{
		files:   files,
		staging: store,
		remote:  remote,
		logger:  logger.With(slog.String("component", "sync_engine")),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Sync синхронизирует одну запись файла с Girder.
//
// Ошибки: ErrNotFound, ErrAlreadySynced, ErrSyncInProgress, ErrUnresolvedFolder,
// ErrMissingLocalFile, *RemoteTransferError. Ни одна ошибка, кроме
// ошибки передачи, не меняет статус записи.
func (e *SyncEngine) Sync(ctx context.Context, id int64) (*model.SyncResult, error) {
	start := time.Now()
	result, err := e.sync(ctx, id)
	syncTotal.WithLabelValues(syncResultLabel(err)).Inc()
	if err == nil {
		syncDuration.Observe(time.Since(start).Seconds())
	}
	return result, err
}

func (e *SyncEngine) sync(ctx context.Context, id int64) (*model.SyncResult, error) {
	// 1. Запись и папка назначения
	target, err := e.files.GetSyncTarget(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: запись файла %d", ErrNotFound, id)
		}
		return nil, err
	}
	rec := target.Record

	switch rec.Status {
	case filestatus.Synced:
		return nil, ErrAlreadySynced
	case filestatus.InProgress:
		return nil, ErrSyncInProgress
	}
	if target.RemoteFolderID == nil || *target.RemoteFolderID == "" {
		return nil, fmt.Errorf("%w: %s", ErrUnresolvedFolder, target.Path.String())
	}
	folderID := *target.RemoteFolderID

	// 2. Локальный файл
	f, size, err := e.staging.Open(rec.LocalPath)
	if err != nil {
		if errors.Is(err, staging.ErrFileMissing) {
			return nil, fmt.Errorf("%w: %s", ErrMissingLocalFile, rec.LocalPath)
		}
		return nil, err
	}
	defer f.Close()

	// 3. FAILED → PENDING
	if rec.Status == filestatus.Failed {
		if err := e.transition(ctx, id, filestatus.Failed, filestatus.Pending, repository.TransitionUpdate{}); err != nil {
			return nil, e.claimError(ctx, id, err)
		}
	}

	// 4. Захват PENDING → IN_PROGRESS
	if err := e.transition(ctx, id, filestatus.Pending, filestatus.InProgress, repository.TransitionUpdate{}); err != nil {
		return nil, e.claimError(ctx, id, err)
	}

	e.logger.Info("Синхронизация файла",
		slog.Int64("file_id", id),
		slog.String("folder_path", target.Path.String()),
		slog.String("folder_id", folderID),
		slog.Int64("size", size),
	)

	// 5. Загрузка
	file, uploadErr := e.remote.UploadFile(ctx, folderID, rec.OriginalFilename, size, f)

	// Запись статуса не зависит от отмены запроса: запись не должна
	// остаться в IN_PROGRESS
	writeCtx := context.WithoutCancel(ctx)

	// 6. Итоговый статус
	if uploadErr != nil {
		msg := uploadErr.Error()
		if err := e.transition(writeCtx, id, filestatus.InProgress, filestatus.Failed,
			repository.TransitionUpdate{LastError: &msg}); err != nil {
			e.logger.Error("Не удалось записать статус FAILED",
				slog.Int64("file_id", id),
				slog.String("error", err.Error()),
			)
		}
		e.logger.Warn("Ошибка загрузки файла в Girder",
			slog.Int64("file_id", id),
			slog.String("error", msg),
		)
		return nil, &RemoteTransferError{Cause: uploadErr}
	}

	syncedAt := e.now()
	remoteID := file.ID
	if err := e.transition(writeCtx, id, filestatus.InProgress, filestatus.Synced,
		repository.TransitionUpdate{RemoteFileID: &remoteID, SyncedAt: &syncedAt}); err != nil {
		e.logger.Error("Файл загружен, но статус SYNCED не записан",
			slog.Int64("file_id", id),
			slog.String("remote_file_id", remoteID),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("запись статуса SYNCED для файла %d: %w", id, err)
	}

	e.logger.Info("Файл синхронизирован",
		slog.Int64("file_id", id),
		slog.String("remote_file_id", remoteID),
	)

	return &model.SyncResult{
		FileID:       id,
		Status:       filestatus.Synced,
		RemoteFileID: remoteID,
		FolderPath:   target.Path.String(),
		Size:         size,
		SyncedAt:     syncedAt,
	}, nil
}

// claimError превращает проигранный условный переход в ошибку для вызывающего:
// запись уже SYNCED → ErrAlreadySynced, иначе её обрабатывает другой вызов.
func (e *SyncEngine) claimError(ctx context.Context, id int64, err error) error {
	if !errors.Is(err, repository.ErrStaleStatus) {
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("%w: запись файла %d", ErrNotFound, id)
		}
		return err
	}
	rec, getErr := e.files.GetByID(ctx, id)
	if getErr == nil && rec.Status == filestatus.Synced {
		return ErrAlreadySynced
	}
	return ErrSyncInProgress
}

// transition — единственная точка изменения статуса записи файла.
func (e *SyncEngine) transition(ctx context.Context, id int64, from, to filestatus.Status, upd repository.TransitionUpdate) error {
	if err := e.files.Transition(ctx, id, from, to, upd); err != nil {
		return err
	}
	e.logger.Debug("Статус файла изменён",
		slog.Int64("file_id", id),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)
	return nil
}

// Reset переводит запись FAILED → PENDING.
// Для других статусов возвращает *filestatus.TransitionError.
func (e *SyncEngine) Reset(ctx context.Context, id int64) (*model.FileRecord, error) {
	rec, err := e.files.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: запись файла %d", ErrNotFound, id)
		}
		return nil, err
	}
	if err := filestatus.Check(rec.Status, filestatus.Pending); err != nil {
		return nil, err
	}
	if err := e.transition(ctx, id, rec.Status, filestatus.Pending, repository.TransitionUpdate{}); err != nil {
		if errors.Is(err, repository.ErrStaleStatus) {
			return nil, ErrSyncInProgress
		}
		return nil, err
	}
	return e.files.GetByID(ctx, id)
}

// SyncAllPending последовательно синхронизирует все записи PENDING и FAILED.
// Ошибка одного файла не прерывает обработку остальных.
func (e *SyncEngine) SyncAllPending(ctx context.Context) (*model.BatchSyncSummary, error) {
	return e.syncAll(ctx, filestatus.Pending, filestatus.Failed)
}

func (e *SyncEngine) syncAll(ctx context.Context, statuses ...filestatus.Status) (*model.BatchSyncSummary, error) {
	records, err := e.files.ListByStatus(ctx, statuses...)
	if err != nil {
		return nil, fmt.Errorf("получение списка файлов для синхронизации: %w", err)
	}

	summary := &model.BatchSyncSummary{
		TotalFiles: len(records),
		Details:    make([]model.BatchSyncDetail, 0, len(records)),
	}
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		detail := model.BatchSyncDetail{FileID: rec.ID, Filename: rec.OriginalFilename}

		result, err := e.Sync(ctx, rec.ID)
		if err != nil {
			summary.Failed++
			detail.Status = filestatus.Failed
			detail.Error = err.Error()
			if current, getErr := e.files.GetByID(ctx, rec.ID); getErr == nil {
				detail.Status = current.Status
			}
		} else {
			summary.Synced++
			detail.Status = result.Status
			detail.RemoteFileID = result.RemoteFileID
		}
		summary.Details = append(summary.Details, detail)
	}

	e.logger.Info("Пакетная синхронизация завершена",
		slog.Int("total", summary.TotalFiles),
		slog.Int("synced", summary.Synced),
		slog.Int("failed", summary.Failed),
	)
	return summary, nil
}

// CountUnsynced возвращает количество записей PENDING и FAILED.
func (e *SyncEngine) CountUnsynced(ctx context.Context) (int, error) {
	return e.files.CountByStatus(ctx, filestatus.Pending, filestatus.Failed)
}

// RecoverInterrupted переводит записи, оставшиеся в IN_PROGRESS после
// аварийной остановки процесса, в FAILED. Вызывается при старте до приёма запросов.
func (e *SyncEngine) RecoverInterrupted(ctx context.Context) (int, error) {
	records, err := e.files.ListByStatus(ctx, filestatus.InProgress)
	if err != nil {
		return 0, fmt.Errorf("получение прерванных синхронизаций: %w", err)
	}

	msg := "синхронизация прервана остановкой сервиса"
	recovered := 0
	for _, rec := range records {
		err := e.transition(ctx, rec.ID, filestatus.InProgress, filestatus.Failed,
			repository.TransitionUpdate{LastError: &msg})
		if errors.Is(err, repository.ErrStaleStatus) {
			continue
		}
		if err != nil {
			return recovered, err
		}
		recovered++
	}
	if recovered > 0 {
		e.logger.Warn("Прерванные синхронизации переведены в FAILED",
			slog.Int("count", recovered),
		)
	}
	return recovered, nil
}

// syncResultLabel возвращает значение метки result для gs_sync_total.
func syncResultLabel(err error) string {
	switch {
	case err == nil:
		return "synced"
	case errors.Is(err, ErrAlreadySynced):
		return "already_synced"
	case errors.Is(err, ErrSyncInProgress):
		return "in_progress"
	case errors.Is(err, ErrUnresolvedFolder):
		return "unresolved_folder"
	case errors.Is(err, ErrMissingLocalFile):
		return "missing_local_file"
	case errors.Is(err, ErrRemoteTransfer):
		return "remote_error"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}
