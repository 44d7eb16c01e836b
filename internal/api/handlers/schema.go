// schema.go — построение и проверка дерева папок Girder.
package handlers

import (
	"net/http"
	"time"

	apierrors "github.com/vickyapril02/girder-redcap-mimic-sync/internal/api/errors"
)

type schemaBuildResponse struct {
	DocumentTypes  int       `json:"document_types"`
	FoldersCreated int       `json:"folders_created"`
	FoldersReused  int       `json:"folders_reused"`
	StartedAt      time.Time `json:"started_at"`
	CompletedAt    time.Time `json:"completed_at"`
}

type schemaProblemResponse struct {
	Level    string `json:"level"`
	EntityID int64  `json:"entity_id"`
	Name     string `json:"name"`
	FolderID string `json:"folder_id,omitempty"`
	Error    string `json:"error"`
}

// BuildSchema — POST /api/schema/build.
// Создаёт недостающие папки для всей иерархии. Повторный вызов ничего не создаёт.
func (h *APIHandler) BuildSchema(w http.ResponseWriter, r *http.Request) {
	res, err := h.schema.Build(r.Context())
	if err != nil {
		if isRemoteError(err) {
			h.logger.Warn("Girder недоступен при построении дерева", "error", err)
			apierrors.RemoteUnavailable(w, err.Error())
			return
		}
		h.logger.Error("Ошибка построения дерева папок", "error", err)
		apierrors.InternalError(w, "Ошибка построения дерева папок")
		return
	}

	writeJSON(w, http.StatusOK, schemaBuildResponse{
		DocumentTypes:  res.DocumentTypes,
		FoldersCreated: res.FoldersCreated,
		FoldersReused:  res.FoldersReused,
		StartedAt:      res.StartedAt,
		CompletedAt:    res.CompletedAt,
	})
}

// ValidateSchema — GET /api/schema/validate.
// Проверяет, что сохранённые идентификаторы папок существуют в Girder.
func (h *APIHandler) ValidateSchema(w http.ResponseWriter, r *http.Request) {
	problems, err := h.schema.Validate(r.Context())
	if err != nil {
		h.logger.Error("Ошибка проверки дерева папок", "error", err)
		apierrors.InternalError(w, "Ошибка проверки дерева папок")
		return
	}

	items := make([]schemaProblemResponse, 0, len(problems))
	for _, p := range problems {
		items = append(items, schemaProblemResponse{
			Level:    p.Level,
			EntityID: p.EntityID,
			Name:     p.Name,
			FolderID: p.FolderID,
			Error:    p.Error,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":    len(items) == 0,
		"problems": items,
	})
}
