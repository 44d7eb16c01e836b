// errors.go — ошибки бизнес-логики сервисного слоя.
package service

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound — ресурс не найден.
	ErrNotFound = errors.New("ресурс не найден")
	// ErrValidation — ошибка валидации входных данных.
	ErrValidation = errors.New("ошибка валидации")

	// ErrAlreadySynced — файл уже синхронизирован, повторная загрузка не выполняется.
	ErrAlreadySynced = errors.New("файл уже синхронизирован")
	// ErrSyncInProgress — синхронизация файла уже выполняется другим вызовом.
	ErrSyncInProgress = errors.New("синхронизация файла уже выполняется")
	// ErrUnresolvedFolder — для типа документа ещё не создана папка в Girder.
	ErrUnresolvedFolder = errors.New("папка Girder для типа документа не создана")
	// ErrMissingLocalFile — файл отсутствует в локальном хранилище.
	ErrMissingLocalFile = errors.New("файл отсутствует в локальном хранилище")
	// ErrRemoteTransfer — ошибка передачи файла в Girder.
	ErrRemoteTransfer = errors.New("ошибка передачи файла в Girder")
)

// RemoteTransferError — ошибка загрузки в Girder с исходной причиной.
// errors.Is(err, ErrRemoteTransfer) == true.
type RemoteTransferError struct {
	Cause error
}

func (e *RemoteTransferError) Error() string {
	return fmt.Sprintf("%s: %v", ErrRemoteTransfer.Error(), e.Cause)
}

func (e *RemoteTransferError) Unwrap() error {
	return e.Cause
}

func (e *RemoteTransferError) Is(target error) bool {
	return target == ErrRemoteTransfer
}

// validationError оборачивает ErrValidation сообщением.
func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
