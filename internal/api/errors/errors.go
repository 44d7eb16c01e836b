// Пакет errors — конструкторы ошибок HTTP API.
// Единый формат: {"error": {"code": "...", "message": "..."}}.
// Для ошибок синхронизации в ответ добавляется текущий статус записи файла.
// Все HTTP-ответы с ошибками должны использовать WriteError.
package errors //nolint:revive // имя пакета совпадает со stdlib, импортируется как apierrors

import (
	"encoding/json"
	"net/http"
)

// Коды ошибок API.
const (
	CodeValidationError     = "VALIDATION_ERROR"
	CodeNotFound            = "NOT_FOUND"
	CodeAlreadySynced       = "ALREADY_SYNCED"
	CodeSyncInProgress      = "SYNC_IN_PROGRESS"
	CodeUnresolvedFolder    = "UNRESOLVED_FOLDER"
	CodeMissingLocalFile    = "MISSING_LOCAL_FILE"
	CodeRemoteTransferError = "REMOTE_TRANSFER_ERROR"
	CodeInvalidTransition   = "INVALID_TRANSITION"
	CodeRemoteUnavailable   = "REMOTE_UNAVAILABLE"
	CodeInternalError       = "INTERNAL_ERROR"
)

// errorBody — структура тела ответа ошибки.
type errorBody struct {
	Error errorDetail `json:"error"`
}

// errorDetail — детали ошибки.
type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// Status — текущий статус записи файла (только для операций с файлами)
	Status string `json:"status,omitempty"`
}

// WriteError записывает ответ ошибки в стандартном формате.
// statusCode — HTTP статус-код, code — машиночитаемый код, message — описание.
func WriteError(w http.ResponseWriter, statusCode int, code, message string) {
	WriteFileError(w, statusCode, code, message, "")
}

// WriteFileError записывает ответ ошибки с текущим статусом записи файла.
func WriteFileError(w http.ResponseWriter, statusCode int, code, message, fileStatus string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorBody{
		Error: errorDetail{
			Code:    code,
			Message: message,
			Status:  fileStatus,
		},
	})
}

// --- Конструкторы для типичных ошибок ---

// ValidationError — 400 некорректные входные данные.
func ValidationError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, CodeValidationError, message)
}

// NotFound — 404 ресурс не найден.
func NotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, CodeNotFound, message)
}

// InvalidTransition — 409 недопустимый переход статуса.
func InvalidTransition(w http.ResponseWriter, message, fileStatus string) {
	WriteFileError(w, http.StatusConflict, CodeInvalidTransition, message, fileStatus)
}

// RemoteUnavailable — 502 Girder недоступен или вернул ошибку.
func RemoteUnavailable(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadGateway, CodeRemoteUnavailable, message)
}

// InternalError — 500 внутренняя ошибка сервера.
func InternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, CodeInternalError, message)
}
