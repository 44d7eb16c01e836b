package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/vickyapril02/girder-redcap-mimic-sync/internal/domain/model"
	"github.com/vickyapril02/girder-redcap-mimic-sync/internal/girder"
	"github.com/vickyapril02/girder-redcap-mimic-sync/internal/repository"
	"github.com/vickyapril02/girder-redcap-mimic-sync/internal/storage/staging"
)

// UploadService — приём файлов в локальное хранилище.
// Принятый файл получает запись в статусе PENDING без remote_file_id.
type UploadService struct {
	hierarchy repository.HierarchyRepository
	files     repository.FileRecordRepository
	staging   *staging.Store
	logger    *slog.Logger
}

// NewUploadService создаёт сервис приёма файлов.
func NewUploadService(
	hierarchy repository.HierarchyRepository,
	files repository.FileRecordRepository,
	store *staging.Store,
	logger *slog.Logger,
) *UploadService {
	return &UploadService{
		hierarchy: hierarchy,
		files:     files,
		staging:   store,
		logger:    logger.With(slog.String("component", "upload")),
	}
}

// Upload сохраняет содержимое reader в локальное хранилище в каталог
// типа документа и создаёт запись файла со статусом PENDING.
// Возвращает запись вместе с путём папки назначения.
func (s *UploadService) Upload(ctx context.Context, documentTypeID int64, filename string, reader io.Reader) (*model.SyncTarget, error) {
	name := strings.TrimSpace(filepath.Base(strings.ReplaceAll(filename, "\\", "/")))
	if name == "" || name == "." || name == "/" {
		return nil, validationError("не указано имя файла")
	}

	ref, err := s.hierarchy.GetDocumentTypeRef(ctx, documentTypeID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: тип документа %d", ErrNotFound, documentTypeID)
		}
		return nil, err
	}

	saved, err := s.staging.Save(reader, ref.Path.StagingSegments(), name)
	if err != nil {
		if errors.Is(err, staging.ErrTooLarge) {
			return nil, validationError("%v", err)
		}
		return nil, fmt.Errorf("сохранение файла в локальное хранилище: %w", err)
	}

	rec := &model.FileRecord{
		DocumentTypeID:   documentTypeID,
		LocalPath:        saved.FullPath,
		OriginalFilename: name,
		Size:             saved.Size,
		Checksum:         saved.Checksum,
		MimeType:         girder.DetectMimeType(name),
	}
	if err := s.files.Create(ctx, rec); err != nil {
		if delErr := s.staging.Delete(saved.FullPath); delErr != nil {
			s.logger.Warn("Не удалось удалить файл после ошибки БД",
				slog.String("path", saved.FullPath),
				slog.String("error", delErr.Error()),
			)
		}
		return nil, fmt.Errorf("создание записи файла: %w", err)
	}

	s.logger.Info("Файл принят в локальное хранилище",
		slog.Int64("file_id", rec.ID),
		slog.String("name", name),
		slog.String("folder_path", ref.Path.String()),
		slog.Int64("size", rec.Size),
	)

	return &model.SyncTarget{
		Record:         *rec,
		RemoteFolderID: ref.DocumentType.RemoteFolderID,
		Path:           ref.Path,
	}, nil
}
