// sync.go — обработчики синхронизации файлов с Girder.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	apierrors "github.com/vickyapril02/girder-redcap-mimic-sync/internal/api/errors"
	"github.com/vickyapril02/girder-redcap-mimic-sync/internal/domain/filestatus"
	"github.com/vickyapril02/girder-redcap-mimic-sync/internal/domain/model"
	"github.com/vickyapril02/girder-redcap-mimic-sync/internal/service"
)

// syncResponse — результат успешной синхронизации.
type syncResponse struct {
	FileID       int64     `json:"file_id"`
	Status       string    `json:"status"`
	RemoteFileID string    `json:"remote_file_id"`
	FolderPath   string    `json:"folder_path"`
	Size         int64     `json:"size"`
	SyncedAt     time.Time `json:"synced_at"`
	Message      string    `json:"message"`
}

type batchDetailResponse struct {
	FileID       int64  `json:"file_id"`
	Filename     string `json:"filename"`
	Status       string `json:"status"`
	RemoteFileID string `json:"remote_file_id,omitempty"`
	Error        string `json:"error,omitempty"`
}

type batchResponse struct {
	TotalFiles int                   `json:"total_files"`
	Synced     int                   `json:"synced"`
	Failed     int                   `json:"failed"`
	Details    []batchDetailResponse `json:"details"`
}

// SyncFile — POST /api/files/{id}/sync.
func (h *APIHandler) SyncFile(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r)
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}
	h.syncOne(w, r, id)
}

// SyncToGirder — POST /api/sync-to-girder (форма с полем file_id).
// Совместимый вариант SyncFile для существующих клиентов.
func (h *APIHandler) SyncToGirder(w http.ResponseWriter, r *http.Request) {
	raw := r.FormValue("file_id")
	if raw == "" {
		apierrors.ValidationError(w, "Поле file_id обязательно")
		return
	}
	id, err := parseID(raw)
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}
	h.syncOne(w, r, id)
}

func (h *APIHandler) syncOne(w http.ResponseWriter, r *http.Request, id int64) {
	res, err := h.syncer.Sync(r.Context(), id)
	if err != nil {
		h.writeSyncError(w, r, id, err)
		return
	}

	writeJSON(w, http.StatusOK, syncResponse{
		FileID:       res.FileID,
		Status:       string(res.Status),
		RemoteFileID: res.RemoteFileID,
		FolderPath:   res.FolderPath,
		Size:         res.Size,
		SyncedAt:     res.SyncedAt,
		Message:      "Файл синхронизирован с Girder",
	})
}

// writeSyncError отображает ошибку движка синхронизации в HTTP-ответ
// с текущим статусом записи.
func (h *APIHandler) writeSyncError(w http.ResponseWriter, r *http.Request, id int64, err error) {
	if errors.Is(err, service.ErrNotFound) {
		apierrors.NotFound(w, "Запись файла не найдена")
		return
	}

	status := h.currentStatus(r.Context(), id)
	var te *filestatus.TransitionError
	switch {
	case errors.Is(err, service.ErrAlreadySynced):
		apierrors.WriteFileError(w, http.StatusConflict, apierrors.CodeAlreadySynced,
			"Файл уже синхронизирован", status)
	case errors.Is(err, service.ErrSyncInProgress):
		apierrors.WriteFileError(w, http.StatusConflict, apierrors.CodeSyncInProgress,
			"Файл синхронизируется другим запросом", status)
	case errors.Is(err, service.ErrUnresolvedFolder):
		apierrors.WriteFileError(w, http.StatusConflict, apierrors.CodeUnresolvedFolder,
			"Папка назначения в Girder не создана: "+err.Error(), status)
	case errors.Is(err, service.ErrMissingLocalFile):
		apierrors.WriteFileError(w, http.StatusGone, apierrors.CodeMissingLocalFile,
			"Локальный файл отсутствует", status)
	case errors.Is(err, service.ErrRemoteTransfer):
		h.logger.Warn("Ошибка передачи файла в Girder",
			slog.Int64("file_id", id),
			slog.String("error", err.Error()),
		)
		apierrors.WriteFileError(w, http.StatusBadGateway, apierrors.CodeRemoteTransferError,
			err.Error(), status)
	case errors.As(err, &te):
		apierrors.InvalidTransition(w, te.Message, status)
	default:
		h.logger.Error("Ошибка синхронизации файла",
			slog.Int64("file_id", id),
			slog.String("error", err.Error()),
		)
		apierrors.WriteFileError(w, http.StatusInternalServerError, apierrors.CodeInternalError,
			"Ошибка синхронизации файла", status)
	}
}

// currentStatus перечитывает статус записи; пустая строка, если прочитать не удалось.
func (h *APIHandler) currentStatus(ctx context.Context, id int64) string {
	target, err := h.files.GetSyncTarget(context.WithoutCancel(ctx), id)
	if err != nil {
		return ""
	}
	return string(target.Record.Status)
}

// ResetFile — POST /api/files/{id}/reset. Переводит FAILED → PENDING.
func (h *APIHandler) ResetFile(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r)
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}

	rec, err := h.syncer.Reset(r.Context(), id)
	if err != nil {
		h.writeSyncError(w, r, id, err)
		return
	}
	writeJSON(w, http.StatusOK, mapFile(rec))
}

// SyncPending — POST /api/sync/pending.
// Последовательно синхронизирует все PENDING и FAILED записи.
func (h *APIHandler) SyncPending(w http.ResponseWriter, r *http.Request) {
	summary, err := h.syncer.SyncAllPending(r.Context())
	if err != nil {
		h.logger.Error("Ошибка пакетной синхронизации", "error", err)
		apierrors.InternalError(w, "Ошибка пакетной синхронизации")
		return
	}
	writeJSON(w, http.StatusOK, mapBatch(summary))
}

func mapBatch(s *model.BatchSyncSummary) batchResponse {
	resp := batchResponse{
		TotalFiles: s.TotalFiles,
		Synced:     s.Synced,
		Failed:     s.Failed,
		Details:    make([]batchDetailResponse, 0, len(s.Details)),
	}
	for _, d := range s.Details {
		resp.Details = append(resp.Details, batchDetailResponse{
			FileID:       d.FileID,
			Filename:     d.Filename,
			Status:       string(d.Status),
			RemoteFileID: d.RemoteFileID,
			Error:        d.Error,
		})
	}
	return resp
}

// CountPending — GET /api/sync/pending/count.
func (h *APIHandler) CountPending(w http.ResponseWriter, r *http.Request) {
	n, err := h.syncer.CountUnsynced(r.Context())
	if err != nil {
		h.logger.Error("Ошибка подсчёта несинхронизированных файлов", "error", err)
		apierrors.InternalError(w, "Ошибка подсчёта файлов")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"unsynced": n})
}
