// webhook.go — приём событий о пациентах из REDCap.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	apierrors "github.com/vickyapril02/girder-redcap-mimic-sync/internal/api/errors"
	"github.com/vickyapril02/girder-redcap-mimic-sync/internal/girder"
	"github.com/vickyapril02/girder-redcap-mimic-sync/internal/service"
)

const maxWebhookBody = 1 << 20

// webhookRequest — событие о пациенте.
type webhookRequest struct {
	CenterCode string `json:"center_code"`
	PatientID  string `json:"patient_id"`
	Age        *int   `json:"age"`
	Sex        string `json:"sex"`
}

type webhookResponse struct {
	CenterFolderID  string         `json:"center_folder_id"`
	PatientFolderID string         `json:"patient_folder_id"`
	FolderPath      string         `json:"folder_path"`
	Metadata        map[string]any `json:"metadata"`
}

// RedcapWebhook — POST /redcap/webhook.
// Создаёт (или находит) папки центра и пациента и записывает метаданные.
func (h *APIHandler) RedcapWebhook(w http.ResponseWriter, r *http.Request) {
	var req webhookRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err := dec.Decode(&req); err != nil {
		apierrors.ValidationError(w, "Некорректный JSON: "+err.Error())
		return
	}

	res, err := h.patients.HandlePatient(r.Context(), service.PatientEvent{
		CenterCode: req.CenterCode,
		PatientID:  req.PatientID,
		Age:        req.Age,
		Sex:        req.Sex,
	})
	if err != nil {
		h.writePatientError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, webhookResponse{
		CenterFolderID:  res.CenterFolderID,
		PatientFolderID: res.PatientFolderID,
		FolderPath:      res.FolderPath,
		Metadata:        res.Metadata,
	})
}

func (h *APIHandler) writePatientError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrValidation):
		apierrors.ValidationError(w, err.Error())
	case isRemoteError(err):
		h.logger.Warn("Girder недоступен при обработке события", "error", err)
		apierrors.RemoteUnavailable(w, err.Error())
	default:
		h.logger.Error("Ошибка обработки события о пациенте", "error", err)
		apierrors.InternalError(w, "Ошибка обработки события")
	}
}

// isRemoteError сообщает, что ошибка пришла от Girder или сети до него.
func isRemoteError(err error) bool {
	var apiErr *girder.APIError
	var urlErr *url.Error
	return errors.As(err, &apiErr) || errors.As(err, &urlErr)
}
