// Пакет filestatus — конечный автомат статусов синхронизации FileRecord.
//
// Жизненный цикл:
//
//	PENDING → IN_PROGRESS → SYNCED (конечный)
//	                      ↘ FAILED → PENDING (повторная синхронизация)
//
// Сам статус хранится в БД, переход выполняется условным UPDATE
// (WHERE status = from), поэтому здесь только матрица переходов.
package filestatus

import (
	"fmt"
	"strings"
)

// Status — статус синхронизации файла.
type Status string

const (
	// Pending — файл в локальном хранилище, ожидает синхронизации
	Pending Status = "PENDING"
	// InProgress — идёт загрузка в Girder
	InProgress Status = "IN_PROGRESS"
	// Synced — файл загружен, remote_file_id и synced_at заполнены
	Synced Status = "SYNCED"
	// Failed — последняя загрузка завершилась ошибкой
	Failed Status = "FAILED"
)

// Коды ошибок перехода.
const (
	CodeInvalidTransition = "INVALID_TRANSITION"
	CodeInvalidStatus     = "INVALID_STATUS"
)

// validTransitions — матрица допустимых переходов.
var validTransitions = map[Status]map[Status]bool{
	Pending:    {InProgress: true},
	InProgress: {Synced: true, Failed: true},
	Synced:     {},
	Failed:     {Pending: true},
}

// TransitionError — ошибка недопустимого перехода.
type TransitionError struct {
	Code    string
	From    Status
	To      Status
	Message string
}

func (e *TransitionError) Error() string {
	return e.Message
}

// All возвращает все статусы в порядке жизненного цикла.
func All() []Status {
	return []Status{Pending, InProgress, Synced, Failed}
}

// Parse преобразует строку в Status (регистр не важен).
func Parse(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", &TransitionError{
			Code:    CodeInvalidStatus,
			Message: fmt.Sprintf("недопустимый статус: %q", s),
		}
	}
	return st, nil
}

// Valid сообщает, входит ли статус в закрытое множество.
func (s Status) Valid() bool {
	_, ok := validTransitions[s]
	return ok
}

// Terminal — из статуса нет переходов.
func (s Status) Terminal() bool {
	return s.Valid() && len(validTransitions[s]) == 0
}

// Syncable — запись можно отправить на синхронизацию.
// FAILED синхронизируется так же, как PENDING, через сброс в PENDING.
func (s Status) Syncable() bool {
	return s == Pending || s == Failed
}

// CanTransition проверяет допустимость перехода from → to.
func CanTransition(from, to Status) bool {
	return validTransitions[from][to]
}

// Check возвращает *TransitionError, если переход from → to недопустим.
func Check(from, to Status) error {
	if !from.Valid() || !to.Valid() {
		return &TransitionError{
			Code:    CodeInvalidStatus,
			From:    from,
			To:      to,
			Message: fmt.Sprintf("недопустимый статус в переходе %s → %s", from, to),
		}
	}
	if !CanTransition(from, to) {
		return &TransitionError{
			Code:    CodeInvalidTransition,
			From:    from,
			To:      to,
			Message: fmt.Sprintf("переход %s → %s недопустим", from, to),
		}
	}
	return nil
}
