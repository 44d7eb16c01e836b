// redcap_upload.go — прямая загрузка файлов пациента в Girder.
package handlers

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	apierrors "github.com/vickyapril02/girder-redcap-mimic-sync/internal/api/errors"
	"github.com/vickyapril02/girder-redcap-mimic-sync/internal/service"
)

// maxPatientField ограничивает размер текстового поля формы.
const maxPatientField = 256

type uploadedFileResponse struct {
	Name string `json:"name"`
	ID   string `json:"id"`
	Size int64  `json:"size"`
}

type failedFileResponse struct {
	Name  string `json:"name"`
	Error string `json:"error"`
}

type patientUploadResponse struct {
	webhookResponse
	UploadedFiles []uploadedFileResponse `json:"uploaded_files"`
	FailedFiles   []failedFileResponse   `json:"failed_files"`
}

// RedcapUpload — POST /redcap/upload (multipart/form-data).
// Поля center_code, patient_id, age, sex должны предшествовать файлам files.
// Файлы загружаются в папку пациента; ошибка одного файла попадает
// в failed_files и не прерывает загрузку остальных.
func (h *APIHandler) RedcapUpload(w http.ResponseWriter, r *http.Request) {
	mr, err := r.MultipartReader()
	if err != nil {
		apierrors.ValidationError(w, "Ожидается multipart/form-data: "+err.Error())
		return
	}

	ev, first, err := readPatientFields(mr)
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}
	if first == nil {
		apierrors.ValidationError(w, "Поле files обязательно")
		return
	}

	src := &multipartFiles{mr: mr, next: first}
	defer src.close()

	res, err := h.patients.UploadPatientFiles(r.Context(), ev, src)
	if err != nil {
		h.writePatientError(w, err)
		return
	}

	resp := patientUploadResponse{
		webhookResponse: webhookResponse{
			CenterFolderID:  res.CenterFolderID,
			PatientFolderID: res.PatientFolderID,
			FolderPath:      res.FolderPath,
			Metadata:        res.Metadata,
		},
		UploadedFiles: make([]uploadedFileResponse, 0, len(res.UploadedFiles)),
		FailedFiles:   make([]failedFileResponse, 0, len(res.FailedFiles)),
	}
	for _, f := range res.UploadedFiles {
		resp.UploadedFiles = append(resp.UploadedFiles, uploadedFileResponse{Name: f.Filename, ID: f.FileID, Size: f.Size})
	}
	for _, f := range res.FailedFiles {
		resp.FailedFiles = append(resp.FailedFiles, failedFileResponse{Name: f.Filename, Error: f.Error})
	}
	writeJSON(w, http.StatusOK, resp)
}

// readPatientFields читает поля пациента до первой части files.
// Возвращает эту часть (nil, если файлов нет).
func readPatientFields(mr *multipart.Reader) (service.PatientEvent, *multipart.Part, error) {
	var ev service.PatientEvent
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return ev, nil, nil
		}
		if err != nil {
			return ev, nil, fmt.Errorf("некорректный multipart: %w", err)
		}
		if part.FormName() == "files" {
			return ev, part, nil
		}

		raw, err := io.ReadAll(io.LimitReader(part, maxPatientField))
		name := part.FormName()
		part.Close()
		if err != nil {
			return ev, nil, fmt.Errorf("некорректное поле %s", name)
		}
		value := strings.TrimSpace(string(raw))

		switch name {
		case "center_code":
			ev.CenterCode = value
		case "patient_id":
			ev.PatientID = value
		case "sex":
			ev.Sex = value
		case "age":
			if value == "" {
				continue
			}
			age, err := strconv.Atoi(value)
			if err != nil {
				return ev, nil, fmt.Errorf("некорректный возраст %q", value)
			}
			ev.Age = &age
		}
	}
}

// multipartFiles выдаёт части files из multipart-потока по одной.
type multipartFiles struct {
	mr      *multipart.Reader
	next    *multipart.Part
	current *multipart.Part
}

func (m *multipartFiles) Next() (string, io.Reader, error) {
	m.close()
	for {
		part := m.next
		m.next = nil
		if part == nil {
			var err error
			part, err = m.mr.NextPart()
			if err != nil {
				return "", nil, err
			}
		}
		if part.FormName() != "files" {
			part.Close()
			continue
		}
		m.current = part
		return part.FileName(), part, nil
	}
}

func (m *multipartFiles) close() {
	if m.current != nil {
		m.current.Close()
		m.current = nil
	}
}
