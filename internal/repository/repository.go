// Пакет repository — доступ к иерархии исследования и записям файлов в PostgreSQL.
// Запросы пишутся на SQL через pgx; ошибки драйвера переводятся в ErrNotFound,
// ErrConflict и ErrStaleStatus, на которые опирается сервисный слой.
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound — запись (или родительская запись) не найдена.
	ErrNotFound = errors.New("запись не найдена")
	// ErrConflict — запись с таким кодом уже существует.
	ErrConflict = errors.New("конфликт — запись уже существует")
	// ErrStaleStatus — условный переход не выполнен: статус записи уже другой.
	ErrStaleStatus = errors.New("статус записи изменился")
)

// DBTX — общее подмножество *pgxpool.Pool и pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// dbError переводит ошибку pgx в ошибку слоя репозиториев.
// subject называет сущность в ErrConflict/ErrNotFound, op — операцию
// для прочих ошибок.
func dbError(err error, op, subject string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.UniqueViolation:
			return fmt.Errorf("%w: %s", ErrConflict, subject)
		case pgerrcode.ForeignKeyViolation:
			return fmt.Errorf("%w: родитель для %s (%s)", ErrNotFound, subject, pgErr.ConstraintName)
		}
	}
	return fmt.Errorf("ошибка %s: %w", op, err)
}

// TxRunner выполняет заполнение иерархии в одной транзакции.
type TxRunner struct {
	pool *pgxpool.Pool
}

// NewTxRunner создаёт TxRunner.
func NewTxRunner(pool *pgxpool.Pool) *TxRunner {
	return &TxRunner{pool: pool}
}

// RunHierarchyInTx выполняет fn с репозиторием иерархии внутри транзакции:
// ошибка fn откатывает все вставки, успех — коммитит.
func (r *TxRunner) RunHierarchyInTx(ctx context.Context, fn func(repo HierarchyRepository) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // откат после коммита — no-op

	if err := fn(NewHierarchyRepository(tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("ошибка фиксации транзакции: %w", err)
	}
	return nil
}
