package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/vickyapril02/girder-redcap-mimic-sync/internal/girder"
)

// PatientFolders — операции Girder, нужные для обработки событий о пациентах
// и прямой загрузки файлов пациента.
type PatientFolders interface {
	EnsureFolder(ctx context.Context, parentID, name string) (*girder.Folder, error)
	SetFolderAccess(ctx context.Context, folderID string, public bool) error
	SetMetadata(ctx context.Context, folderID string, meta map[string]any) (*girder.Folder, error)
	UploadFile(ctx context.Context, folderID, filename string, size int64, reader io.Reader) (*girder.File, error)
}

// PatientEvent — событие о пациенте из системы сбора клинических данных.
type PatientEvent struct {
	CenterCode string
	PatientID  string
	Age        *int
	Sex        string
}

// PatientFoldersResult — папки, созданные или найденные для события.
type PatientFoldersResult struct {
	CenterFolderID  string
	PatientFolderID string
	FolderPath      string
	Metadata        map[string]any
}

// WebhookService создаёт папки центра и пациента в Girder по событиям
// о пациентах и записывает метаданные пациента в его папку.
type WebhookService struct {
	folders      PatientFolders
	rootID       string
	centerPrefix string
	public       bool
	spoolDir     string
	maxFileSize  int64
	logger       *slog.Logger
}

// NewWebhookService создаёт обработчик событий о пациентах.
// centerPrefix добавляется к коду центра (Bordeaux → CHU_Bordeaux).
func NewWebhookService(folders PatientFolders, rootID, centerPrefix string, public bool, logger *slog.Logger) *WebhookService {
	return &WebhookService{
		folders:      folders,
		rootID:       rootID,
		centerPrefix: centerPrefix,
		public:       public,
		logger:       logger.With(slog.String("component", "webhook")),
	}
}

// CenterFolderName возвращает имя папки центра. Код, уже содержащий
// префикс, не дополняется повторно.
func (s *WebhookService) CenterFolderName(centerCode string) string {
	if strings.HasPrefix(centerCode, s.centerPrefix) {
		return centerCode
	}
	return s.centerPrefix + centerCode
}

// HandlePatient обрабатывает событие о пациенте.
func (s *WebhookService) HandlePatient(ctx context.Context, ev PatientEvent) (*PatientFoldersResult, error) {
	ev.CenterCode = strings.TrimSpace(ev.CenterCode)
	ev.PatientID = strings.TrimSpace(ev.PatientID)
	if ev.CenterCode == "" {
		return nil, validationError("не указан center_code")
	}
	if ev.PatientID == "" {
		return nil, validationError("не указан patient_id")
	}
	if ev.Age != nil && *ev.Age < 0 {
		return nil, validationError("некорректный возраст: %d", *ev.Age)
	}

	centerName := s.CenterFolderName(ev.CenterCode)
	center, err := s.folders.EnsureFolder(ctx, s.rootID, centerName)
	if err != nil {
		return nil, fmt.Errorf("папка центра %q: %w", centerName, err)
	}
	patient, err := s.folders.EnsureFolder(ctx, center.ID, ev.PatientID)
	if err != nil {
		return nil, fmt.Errorf("папка пациента %q: %w", ev.PatientID, err)
	}

	// Права доступа не обязательны для дальнейшей работы
	for _, id := range []string{center.ID, patient.ID} {
		if err := s.folders.SetFolderAccess(ctx, id, s.public); err != nil {
			s.logger.Warn("Не удалось изменить права папки",
				slog.String("folder_id", id),
				slog.String("error", err.Error()),
			)
		}
	}

	meta := map[string]any{"center_code": ev.CenterCode, "patient_id": ev.PatientID}
	if ev.Age != nil {
		meta["age"] = *ev.Age
	}
	if ev.Sex != "" {
		meta["sex"] = ev.Sex
	}
	if _, err := s.folders.SetMetadata(ctx, patient.ID, meta); err != nil {
		return nil, fmt.Errorf("метаданные пациента %q: %w", ev.PatientID, err)
	}

	s.logger.Info("Папка пациента подготовлена",
		slog.String("center", centerName),
		slog.String("patient_id", ev.PatientID),
		slog.String("folder_id", patient.ID),
	)

	return &PatientFoldersResult{
		CenterFolderID:  center.ID,
		PatientFolderID: patient.ID,
		FolderPath:      centerName + "/" + ev.PatientID + "/",
		Metadata:        meta,
	}, nil
}
