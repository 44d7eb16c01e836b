// files.go — обработчики дерева иерархии, приёма файлов и чтения записей.
package handlers

import (
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	apierrors "github.com/vickyapril02/girder-redcap-mimic-sync/internal/api/errors"
	"github.com/vickyapril02/girder-redcap-mimic-sync/internal/domain/model"
	"github.com/vickyapril02/girder-redcap-mimic-sync/internal/repository"
	"github.com/vickyapril02/girder-redcap-mimic-sync/internal/service"
)

// fileResponse — запись файла в ответах API.
// Путь в локальном хранилище наружу не отдаётся.
type fileResponse struct {
	ID               int64      `json:"id"`
	DocumentTypeID   int64      `json:"document_type_id"`
	OriginalFilename string     `json:"original_filename"`
	Size             int64      `json:"size"`
	Checksum         string     `json:"checksum"`
	MimeType         string     `json:"mime_type"`
	Status           string     `json:"status"`
	RemoteFileID     *string    `json:"remote_file_id"`
	LastError        *string    `json:"last_error,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	SyncedAt         *time.Time `json:"synced_at"`
	FolderPath       string     `json:"folder_path,omitempty"`
	RemoteFolderID   *string    `json:"remote_folder_id,omitempty"`
}

func mapFile(f *model.FileRecord) fileResponse {
	return fileResponse{
		ID:               f.ID,
		DocumentTypeID:   f.DocumentTypeID,
		OriginalFilename: f.OriginalFilename,
		Size:             f.Size,
		Checksum:         f.Checksum,
		MimeType:         f.MimeType,
		Status:           string(f.Status),
		RemoteFileID:     f.RemoteFileID,
		LastError:        f.LastError,
		CreatedAt:        f.CreatedAt,
		UpdatedAt:        f.UpdatedAt,
		SyncedAt:         f.SyncedAt,
	}
}

func mapTarget(t *model.SyncTarget) fileResponse {
	resp := mapFile(&t.Record)
	resp.FolderPath = t.Path.String()
	resp.RemoteFolderID = t.RemoteFolderID
	return resp
}

// --- Дерево иерархии ---

type documentTypeNode struct {
	ID             int64          `json:"id"`
	Name           string         `json:"name"`
	Code           string         `json:"code"`
	RemoteFolderID *string        `json:"remote_folder_id"`
	Files          []fileResponse `json:"files"`
}

type visitNode struct {
	ID             int64              `json:"id"`
	Name           string             `json:"name"`
	Code           string             `json:"code"`
	Order          int                `json:"order"`
	RemoteFolderID *string            `json:"remote_folder_id"`
	DocumentTypes  []documentTypeNode `json:"document_types"`
}

type patientNode struct {
	ID                  int64       `json:"id"`
	ExternalPatientCode string      `json:"external_patient_code"`
	RemoteFolderID      *string     `json:"remote_folder_id"`
	Visits              []visitNode `json:"visits"`
}

type centerNode struct {
	ID             int64         `json:"id"`
	Name           string        `json:"name"`
	Code           string        `json:"code"`
	RemoteFolderID *string       `json:"remote_folder_id"`
	Patients       []patientNode `json:"patients"`
}

// GetStructure — GET /api/structure.
// Полное дерево Center → Patient → Visit → DocumentType с файлами и статусами.
func (h *APIHandler) GetStructure(w http.ResponseWriter, r *http.Request) {
	tree, err := h.structure.Tree(r.Context())
	if err != nil {
		h.logger.Error("Ошибка получения структуры", "error", err)
		apierrors.InternalError(w, "Ошибка получения структуры")
		return
	}

	centers := make([]centerNode, 0, len(tree))
	for _, c := range tree {
		cn := centerNode{
			ID: c.Center.ID, Name: c.Center.Name, Code: c.Center.Code,
			RemoteFolderID: c.Center.RemoteFolderID,
			Patients:       make([]patientNode, 0, len(c.Patients)),
		}
		for _, p := range c.Patients {
			pn := patientNode{
				ID: p.Patient.ID, ExternalPatientCode: p.Patient.ExternalPatientCode,
				RemoteFolderID: p.Patient.RemoteFolderID,
				Visits:         make([]visitNode, 0, len(p.Visits)),
			}
			for _, v := range p.Visits {
				vn := visitNode{
					ID: v.Visit.ID, Name: v.Visit.Name, Code: v.Visit.Code, Order: v.Visit.Order,
					RemoteFolderID: v.Visit.RemoteFolderID,
					DocumentTypes:  make([]documentTypeNode, 0, len(v.DocumentTypes)),
				}
				for _, dt := range v.DocumentTypes {
					dn := documentTypeNode{
						ID: dt.DocumentType.ID, Name: dt.DocumentType.Name, Code: dt.DocumentType.Code,
						RemoteFolderID: dt.DocumentType.RemoteFolderID,
						Files:          make([]fileResponse, 0, len(dt.Files)),
					}
					for i := range dt.Files {
						dn.Files = append(dn.Files, mapFile(&dt.Files[i]))
					}
					vn.DocumentTypes = append(vn.DocumentTypes, dn)
				}
				pn.Visits = append(pn.Visits, vn)
			}
			cn.Patients = append(cn.Patients, pn)
		}
		centers = append(centers, cn)
	}

	writeJSON(w, http.StatusOK, map[string]any{"centers": centers})
}

// --- Приём файлов ---

// UploadFile — POST /api/upload (multipart/form-data).
// Поля: document_type_id (должно идти до файла, либо передаваться в query), file.
// Файл передаётся в локальное хранилище потоком, без буферизации в памяти.
func (h *APIHandler) UploadFile(w http.ResponseWriter, r *http.Request) {
	mr, err := r.MultipartReader()
	if err != nil {
		apierrors.ValidationError(w, "Ожидается multipart/form-data: "+err.Error())
		return
	}

	rawDocID := r.URL.Query().Get("document_type_id")
	var result *model.SyncTarget
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			apierrors.ValidationError(w, "Некорректный multipart: "+err.Error())
			return
		}

		switch part.FormName() {
		case "document_type_id":
			raw, err := io.ReadAll(io.LimitReader(part, 32))
			part.Close()
			if err != nil {
				apierrors.ValidationError(w, "Некорректное поле document_type_id")
				return
			}
			rawDocID = string(raw)
		case "file":
			if result != nil {
				part.Close()
				apierrors.ValidationError(w, "Допускается только один файл")
				return
			}
			result, err = h.uploadPart(r, part, rawDocID)
			part.Close()
			if err != nil {
				h.writeUploadError(w, err)
				return
			}
		default:
			part.Close()
		}
	}

	if result == nil {
		apierrors.ValidationError(w, "Поле file обязательно")
		return
	}
	writeJSON(w, http.StatusCreated, mapTarget(result))
}

func (h *APIHandler) uploadPart(r *http.Request, part *multipart.Part, rawDocID string) (*model.SyncTarget, error) {
	if rawDocID == "" {
		return nil, errDocIDRequired
	}
	docID, err := parseID(rawDocID)
	if err != nil {
		return nil, errDocIDInvalid
	}
	return h.uploader.Upload(r.Context(), docID, part.FileName(), part)
}

var (
	errDocIDRequired = errors.New("поле document_type_id обязательно и должно предшествовать файлу")
	errDocIDInvalid  = errors.New("некорректный document_type_id")
)

func (h *APIHandler) writeUploadError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errDocIDRequired), errors.Is(err, errDocIDInvalid), errors.Is(err, service.ErrValidation):
		apierrors.ValidationError(w, err.Error())
	case errors.Is(err, service.ErrNotFound):
		apierrors.NotFound(w, err.Error())
	default:
		h.logger.Error("Ошибка приёма файла", "error", err)
		apierrors.InternalError(w, "Ошибка приёма файла")
	}
}

// --- Чтение записей ---

// ListDocumentTypeFiles — GET /api/document-types/{id}/files.
// Файлы типа документа, новые первыми.
func (h *APIHandler) ListDocumentTypeFiles(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r)
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}

	files, err := h.files.ListByDocumentType(r.Context(), id)
	if err != nil {
		h.logger.Error("Ошибка получения файлов", "document_type_id", id, "error", err)
		apierrors.InternalError(w, "Ошибка получения файлов")
		return
	}

	items := make([]fileResponse, 0, len(files))
	for _, f := range files {
		items = append(items, mapFile(f))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

// GetFile — GET /api/files/{id}. Запись файла с путём папки назначения.
func (h *APIHandler) GetFile(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r)
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}

	target, err := h.files.GetSyncTarget(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			apierrors.NotFound(w, "Запись файла не найдена")
			return
		}
		h.logger.Error("Ошибка получения файла", "file_id", id, "error", err)
		apierrors.InternalError(w, "Ошибка получения файла")
		return
	}
	writeJSON(w, http.StatusOK, mapTarget(target))
}
