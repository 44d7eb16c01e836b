// handler.go — основной обработчик HTTP API girder-sync.
// Объединяет health и бизнес-обработчики, делегируя запросы в сервисный слой.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/vickyapril02/girder-redcap-mimic-sync/internal/domain/model"
	"github.com/vickyapril02/girder-redcap-mimic-sync/internal/service"
)

// StructureProvider — дерево иерархии с файлами.
type StructureProvider interface {
	Tree(ctx context.Context) ([]model.StructureCenter, error)
}

// Uploader — приём файлов в локальное хранилище.
type Uploader interface {
	Upload(ctx context.Context, documentTypeID int64, filename string, reader io.Reader) (*model.SyncTarget, error)
}

// FileQueries — чтение записей файлов.
type FileQueries interface {
	GetSyncTarget(ctx context.Context, id int64) (*model.SyncTarget, error)
	ListByDocumentType(ctx context.Context, documentTypeID int64) ([]*model.FileRecord, error)
}

// Syncer — операции движка синхронизации.
type Syncer interface {
	Sync(ctx context.Context, id int64) (*model.SyncResult, error)
	Reset(ctx context.Context, id int64) (*model.FileRecord, error)
	SyncAllPending(ctx context.Context) (*model.BatchSyncSummary, error)
	CountUnsynced(ctx context.Context) (int, error)
}

// PatientEventHandler — обработка событий о пациентах и прямая загрузка их файлов.
type PatientEventHandler interface {
	HandlePatient(ctx context.Context, ev service.PatientEvent) (*service.PatientFoldersResult, error)
	UploadPatientFiles(ctx context.Context, ev service.PatientEvent, src service.PatientFileSource) (*service.PatientUploadResult, error)
}

// SchemaBuilder — построение и проверка дерева папок Girder.
type SchemaBuilder interface {
	Build(ctx context.Context) (*model.SchemaResult, error)
	Validate(ctx context.Context) ([]model.SchemaProblem, error)
}

// APIHandler — основной обработчик API.
type APIHandler struct {
	health    *HealthHandler
	structure StructureProvider
	uploader  Uploader
	files     FileQueries
	syncer    Syncer
	patients  PatientEventHandler
	schema    SchemaBuilder
	logger    *slog.Logger
}

// NewAPIHandler создаёт основной обработчик API.
func NewAPIHandler(
	health *HealthHandler,
	structure StructureProvider,
	uploader Uploader,
	files FileQueries,
	syncer Syncer,
	patients PatientEventHandler,
	schema SchemaBuilder,
	logger *slog.Logger,
) *APIHandler {
	return &APIHandler{
		health:    health,
		structure: structure,
		uploader:  uploader,
		files:     files,
		syncer:    syncer,
		patients:  patients,
		schema:    schema,
		logger:    logger.With(slog.String("component", "api_handler")),
	}
}

// Routes регистрирует все маршруты API в роутере.
func (h *APIHandler) Routes(r chi.Router) {
	r.Get("/health/live", h.health.HealthLive)
	r.Get("/health/ready", h.health.HealthReady)
	r.Get("/metrics", h.health.GetMetrics)

	r.Route("/api", func(r chi.Router) {
		r.Get("/structure", h.GetStructure)
		r.Post("/upload", h.UploadFile)
		r.Get("/document-types/{id}/files", h.ListDocumentTypeFiles)

		r.Get("/files/{id}", h.GetFile)
		r.Post("/files/{id}/sync", h.SyncFile)
		r.Post("/files/{id}/reset", h.ResetFile)
		r.Post("/sync-to-girder", h.SyncToGirder)

		r.Post("/sync/pending", h.SyncPending)
		r.Get("/sync/pending/count", h.CountPending)

		r.Post("/schema/build", h.BuildSchema)
		r.Get("/schema/validate", h.ValidateSchema)
	})

	r.Post("/redcap/webhook", h.RedcapWebhook)
	r.Post("/redcap/upload", h.RedcapUpload)
}

// --- Вспомогательные функции ---

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// parseID разбирает положительный целочисленный идентификатор.
func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("некорректный идентификатор %q", raw)
	}
	return id, nil
}

// urlID возвращает идентификатор из параметра пути {id}.
func urlID(r *http.Request) (int64, error) {
	return parseID(chi.URLParam(r, "id"))
}
