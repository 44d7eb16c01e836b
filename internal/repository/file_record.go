package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/vickyapril02/girder-redcap-mimic-sync/internal/domain/filestatus"
	"github.com/vickyapril02/girder-redcap-mimic-sync/internal/domain/model"
)

// FileRecordRepository — доступ к таблице file_records.
//
// Статус меняется только через Transition (условный UPDATE),
// который вызывает движок синхронизации.
type FileRecordRepository interface {
	// Create создаёт запись со статусом PENDING.
	Create(ctx context.Context, f *model.FileRecord) error
	// GetByID возвращает запись по ID.
	GetByID(ctx context.Context, id int64) (*model.FileRecord, error)
	// GetSyncTarget возвращает запись вместе с ID папки типа документа и путём.
	GetSyncTarget(ctx context.Context, id int64) (*model.SyncTarget, error)
	// ListByDocumentType возвращает файлы типа документа, новые первыми.
	ListByDocumentType(ctx context.Context, documentTypeID int64) ([]*model.FileRecord, error)
	// ListAll возвращает все записи, новые первыми.
	ListAll(ctx context.Context) ([]*model.FileRecord, error)
	// ListByStatus возвращает записи с указанными статусами в порядке создания.
	ListByStatus(ctx context.Context, statuses ...filestatus.Status) ([]*model.FileRecord, error)
	// CountByStatus возвращает количество записей с указанными статусами.
	CountByStatus(ctx context.Context, statuses ...filestatus.Status) (int, error)
	// Transition выполняет переход from → to, если запись всё ещё в статусе from.
	// Возвращает ErrStaleStatus, если статус уже другой, ErrNotFound — если записи нет.
	Transition(ctx context.Context, id int64, from, to filestatus.Status, upd TransitionUpdate) error
}

// TransitionUpdate — поля, записываемые вместе со статусом.
type TransitionUpdate struct {
	// RemoteFileID — ID файла в Girder (только для SYNCED)
	RemoteFileID *string
	// SyncedAt — время синхронизации (только для SYNCED)
	SyncedAt *time.Time
	// LastError — причина ошибки (для FAILED); nil сохраняет прежнее значение
	LastError *string
}

// fileColumns — список колонок для SELECT (порядок совпадает со scanFileRecord).
const fileColumns = `f.id, f.document_type_id, f.local_path, f.original_filename, f.size,
	f.checksum, f.mime_type, f.status, f.remote_file_id, f.last_error,
	f.created_at, f.updated_at, f.synced_at`

type fileRecordRepo struct {
	db DBTX
}

// NewFileRecordRepository создаёт репозиторий записей файлов.
func NewFileRecordRepository(db DBTX) FileRecordRepository {
	return &fileRecordRepo{db: db}
}

func scanFileRecord(row pgx.Row, extra ...any) (*model.FileRecord, error) {
	f := &model.FileRecord{}
	var status string
	dest := []any{
		&f.ID, &f.DocumentTypeID, &f.LocalPath, &f.OriginalFilename, &f.Size,
		&f.Checksum, &f.MimeType, &status, &f.RemoteFileID, &f.LastError,
		&f.CreatedAt, &f.UpdatedAt, &f.SyncedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	f.Status = filestatus.Status(status)
	return f, nil
}

func (r *fileRecordRepo) Create(ctx context.Context, f *model.FileRecord) error {
	f.Status = filestatus.Pending
	f.RemoteFileID = nil
	f.SyncedAt = nil

	err := r.db.QueryRow(ctx, `
		INSERT INTO file_records (document_type_id, local_path, original_filename,
			size, checksum, mime_type, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at`,
		f.DocumentTypeID, f.LocalPath, f.OriginalFilename,
		f.Size, f.Checksum, f.MimeType, string(f.Status),
	).Scan(&f.ID, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return dbError(err, "создания записи файла", "запись файла "+f.OriginalFilename)
	}
	return nil
}

func (r *fileRecordRepo) GetByID(ctx context.Context, id int64) (*model.FileRecord, error) {
	f, err := scanFileRecord(r.db.QueryRow(ctx,
		`SELECT `+fileColumns+` FROM file_records f WHERE f.id = $1`, id))
	if err != nil {
		return nil, dbError(err, "получения записи файла", "запись файла")
	}
	return f, nil
}

func (r *fileRecordRepo) GetSyncTarget(ctx context.Context, id int64) (*model.SyncTarget, error) {
	query := `
		SELECT ` + fileColumns + `,
			dt.remote_folder_id, c.code, p.external_patient_code, v.name, v.code, dt.name, dt.code
		FROM file_records f
		JOIN document_types dt ON dt.id = f.document_type_id
		JOIN visits v ON v.id = dt.visit_id
		JOIN patients p ON p.id = v.patient_id
		JOIN centers c ON c.id = p.center_id
		WHERE f.id = $1`

	t := &model.SyncTarget{}
	f, err := scanFileRecord(r.db.QueryRow(ctx, query, id),
		&t.RemoteFolderID,
		&t.Path.CenterCode, &t.Path.PatientCode, &t.Path.VisitName, &t.Path.VisitCode,
		&t.Path.DocumentName, &t.Path.DocumentCode,
	)
	if err != nil {
		return nil, dbError(err, "получения записи файла", "запись файла")
	}
	t.Record = *f
	return t, nil
}

func (r *fileRecordRepo) ListByDocumentType(ctx context.Context, documentTypeID int64) ([]*model.FileRecord, error) {
	return r.list(ctx, `WHERE f.document_type_id = $1 ORDER BY f.created_at DESC, f.id DESC`, documentTypeID)
}

func (r *fileRecordRepo) ListAll(ctx context.Context) ([]*model.FileRecord, error) {
	return r.list(ctx, `ORDER BY f.created_at DESC, f.id DESC`)
}

func (r *fileRecordRepo) ListByStatus(ctx context.Context, statuses ...filestatus.Status) ([]*model.FileRecord, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	return r.list(ctx, `WHERE f.status = ANY($1) ORDER BY f.id`, statusStrings(statuses))
}

func (r *fileRecordRepo) list(ctx context.Context, tail string, args ...any) ([]*model.FileRecord, error) {
	rows, err := r.db.Query(ctx, `SELECT `+fileColumns+` FROM file_records f `+tail, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка файлов: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*model.FileRecord, error) {
		return scanFileRecord(row)
	})
}

func (r *fileRecordRepo) CountByStatus(ctx context.Context, statuses ...filestatus.Status) (int, error) {
	var n int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM file_records WHERE status = ANY($1)`, statusStrings(statuses),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("ошибка подсчёта файлов (%s): %w", joinStatuses(statuses), err)
	}
	return n, nil
}

func (r *fileRecordRepo) Transition(ctx context.Context, id int64, from, to filestatus.Status, upd TransitionUpdate) error {
	if err := filestatus.Check(from, to); err != nil {
		return err
	}

	// remote_file_id и synced_at заполняются только при переходе в SYNCED,
	// иначе сбрасываются: SYNCED ⇔ оба поля не NULL
	var remoteID *string
	var syncedAt *time.Time
	if to == filestatus.Synced {
		if upd.RemoteFileID == nil || *upd.RemoteFileID == "" || upd.SyncedAt == nil {
			return fmt.Errorf("переход в SYNCED требует remote_file_id и synced_at")
		}
		remoteID, syncedAt = upd.RemoteFileID, upd.SyncedAt
	}

	tag, err := r.db.Exec(ctx, `
		UPDATE file_records
		SET status = $3,
			remote_file_id = $4,
			synced_at = $5,
			last_error = CASE WHEN $3 = 'SYNCED' THEN NULL ELSE COALESCE($6, last_error) END,
			updated_at = NOW()
		WHERE id = $1 AND status = $2`,
		id, string(from), string(to), remoteID, syncedAt, upd.LastError,
	)
	if err != nil {
		return fmt.Errorf("ошибка перехода %s → %s: %w", from, to, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// Ни одна строка не обновлена: записи нет или статус уже другой
	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM file_records WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("ошибка проверки записи файла: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrStaleStatus
}

func statusStrings(statuses []filestatus.Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func joinStatuses(statuses []filestatus.Status) string {
	return strings.Join(statusStrings(statuses), ",")
}
