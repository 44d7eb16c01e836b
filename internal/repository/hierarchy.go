package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/vickyapril02/girder-redcap-mimic-sync/internal/domain/model"
)

// Level — уровень иерархии, у которого есть папка в Girder.
type Level string

const (
	LevelCenter       Level = "center"
	LevelPatient      Level = "patient"
	LevelVisit        Level = "visit"
	LevelDocumentType Level = "document_type"
)

// folderTables — whitelist таблиц для SetFolderID.
var folderTables = map[Level]string{
	LevelCenter:       "centers",
	LevelPatient:      "patients",
	LevelVisit:        "visits",
	LevelDocumentType: "document_types",
}

// HierarchyRepository — доступ к иерархии Center → Patient → Visit → DocumentType.
// Строки иерархии создаются только при начальном заполнении,
// дальше меняется только remote_folder_id (однократно).
type HierarchyRepository interface {
	// CountCenters возвращает количество центров.
	CountCenters(ctx context.Context) (int, error)
	CreateCenter(ctx context.Context, c *model.Center) error
	CreatePatient(ctx context.Context, p *model.Patient) error
	CreateVisit(ctx context.Context, v *model.Visit) error
	CreateDocumentType(ctx context.Context, dt *model.DocumentType) error

	ListCenters(ctx context.Context) ([]*model.Center, error)
	ListPatients(ctx context.Context) ([]*model.Patient, error)
	ListVisits(ctx context.Context) ([]*model.Visit, error)
	ListDocumentTypes(ctx context.Context) ([]*model.DocumentType, error)

	// GetCenterByCode возвращает центр по коду.
	GetCenterByCode(ctx context.Context, code string) (*model.Center, error)
	// GetDocumentTypeRef возвращает тип документа с цепочкой предков.
	GetDocumentTypeRef(ctx context.Context, documentTypeID int64) (*model.DocumentTypeRef, error)
	// ListDocumentTypeRefs возвращает все типы документов с цепочками предков.
	ListDocumentTypeRefs(ctx context.Context) ([]*model.DocumentTypeRef, error)

	// SetFolderID записывает ID папки Girder, только если он ещё не задан.
	// Возвращает значение, сохранённое в БД после операции
	// (уже существующее, если оно было).
	SetFolderID(ctx context.Context, level Level, id int64, folderID string) (string, error)
}

type hierarchyRepo struct {
	db DBTX
}

// NewHierarchyRepository создаёт репозиторий иерархии.
func NewHierarchyRepository(db DBTX) HierarchyRepository {
	return &hierarchyRepo{db: db}
}

func (r *hierarchyRepo) CountCenters(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM centers`).Scan(&n); err != nil {
		return 0, fmt.Errorf("ошибка подсчёта центров: %w", err)
	}
	return n, nil
}

func (r *hierarchyRepo) CreateCenter(ctx context.Context, c *model.Center) error {
	err := r.db.QueryRow(ctx, `
		INSERT INTO centers (code, name, remote_folder_id)
		VALUES ($1, $2, $3)
		RETURNING id, created_at`,
		c.Code, c.Name, c.RemoteFolderID,
	).Scan(&c.ID, &c.CreatedAt)
	if err != nil {
		return dbError(err, "создания центра", "центр "+c.Code)
	}
	return nil
}

func (r *hierarchyRepo) CreatePatient(ctx context.Context, p *model.Patient) error {
	err := r.db.QueryRow(ctx, `
		INSERT INTO patients (center_id, external_patient_code, remote_folder_id)
		VALUES ($1, $2, $3)
		RETURNING id, created_at`,
		p.CenterID, p.ExternalPatientCode, p.RemoteFolderID,
	).Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		return dbError(err, "создания пациента", "пациент "+p.ExternalPatientCode)
	}
	return nil
}

func (r *hierarchyRepo) CreateVisit(ctx context.Context, v *model.Visit) error {
	err := r.db.QueryRow(ctx, `
		INSERT INTO visits (patient_id, name, code, visit_order, remote_folder_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`,
		v.PatientID, v.Name, v.Code, v.Order, v.RemoteFolderID,
	).Scan(&v.ID, &v.CreatedAt)
	if err != nil {
		return dbError(err, "создания визита", "визит "+v.Code)
	}
	return nil
}

func (r *hierarchyRepo) CreateDocumentType(ctx context.Context, dt *model.DocumentType) error {
	err := r.db.QueryRow(ctx, `
		INSERT INTO document_types (visit_id, name, code, remote_folder_id)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`,
		dt.VisitID, dt.Name, dt.Code, dt.RemoteFolderID,
	).Scan(&dt.ID, &dt.CreatedAt)
	if err != nil {
		return dbError(err, "создания типа документа", "тип документа "+dt.Code)
	}
	return nil
}

func (r *hierarchyRepo) ListCenters(ctx context.Context) ([]*model.Center, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, code, name, remote_folder_id, created_at
		FROM centers
		ORDER BY code`)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения центров: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*model.Center, error) {
		c := &model.Center{}
		err := row.Scan(&c.ID, &c.Code, &c.Name, &c.RemoteFolderID, &c.CreatedAt)
		return c, err
	})
}

func (r *hierarchyRepo) GetCenterByCode(ctx context.Context, code string) (*model.Center, error) {
	c := &model.Center{}
	err := r.db.QueryRow(ctx, `
		SELECT id, code, name, remote_folder_id, created_at
		FROM centers
		WHERE code = $1`, code,
	).Scan(&c.ID, &c.Code, &c.Name, &c.RemoteFolderID, &c.CreatedAt)
	if err != nil {
		return nil, dbError(err, "получения центра", "центр "+code)
	}
	return c, nil
}

func (r *hierarchyRepo) ListPatients(ctx context.Context) ([]*model.Patient, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, center_id, external_patient_code, remote_folder_id, created_at
		FROM patients
		ORDER BY center_id, external_patient_code`)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения пациентов: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*model.Patient, error) {
		p := &model.Patient{}
		err := row.Scan(&p.ID, &p.CenterID, &p.ExternalPatientCode, &p.RemoteFolderID, &p.CreatedAt)
		return p, err
	})
}

func (r *hierarchyRepo) ListVisits(ctx context.Context) ([]*model.Visit, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, patient_id, name, code, visit_order, remote_folder_id, created_at
		FROM visits
		ORDER BY patient_id, visit_order`)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения визитов: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*model.Visit, error) {
		v := &model.Visit{}
		err := row.Scan(&v.ID, &v.PatientID, &v.Name, &v.Code, &v.Order, &v.RemoteFolderID, &v.CreatedAt)
		return v, err
	})
}

func (r *hierarchyRepo) ListDocumentTypes(ctx context.Context) ([]*model.DocumentType, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, visit_id, name, code, remote_folder_id, created_at
		FROM document_types
		ORDER BY visit_id, name`)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения типов документов: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*model.DocumentType, error) {
		dt := &model.DocumentType{}
		err := row.Scan(&dt.ID, &dt.VisitID, &dt.Name, &dt.Code, &dt.RemoteFolderID, &dt.CreatedAt)
		return dt, err
	})
}

// documentTypeRefQuery — тип документа вместе со всей цепочкой предков.
const documentTypeRefQuery = `
	SELECT dt.id, dt.visit_id, dt.name, dt.code, dt.remote_folder_id, dt.created_at,
		c.id, p.id,
		c.code, p.external_patient_code, v.name, v.code,
		c.remote_folder_id, p.remote_folder_id, v.remote_folder_id
	FROM document_types dt
	JOIN visits v ON v.id = dt.visit_id
	JOIN patients p ON p.id = v.patient_id
	JOIN centers c ON c.id = p.center_id`

func scanDocumentTypeRef(row pgx.Row) (*model.DocumentTypeRef, error) {
	ref := &model.DocumentTypeRef{}
	dt := &ref.DocumentType
	err := row.Scan(
		&dt.ID, &dt.VisitID, &dt.Name, &dt.Code, &dt.RemoteFolderID, &dt.CreatedAt,
		&ref.CenterID, &ref.PatientID,
		&ref.Path.CenterCode, &ref.Path.PatientCode, &ref.Path.VisitName, &ref.Path.VisitCode,
		&ref.CenterFolderID, &ref.PatientFolderID, &ref.VisitFolderID,
	)
	if err != nil {
		return nil, err
	}
	ref.Path.DocumentName = dt.Name
	ref.Path.DocumentCode = dt.Code
	return ref, nil
}

func (r *hierarchyRepo) GetDocumentTypeRef(ctx context.Context, documentTypeID int64) (*model.DocumentTypeRef, error) {
	ref, err := scanDocumentTypeRef(r.db.QueryRow(ctx, documentTypeRefQuery+` WHERE dt.id = $1`, documentTypeID))
	if err != nil {
		return nil, dbError(err, "получения типа документа", "тип документа")
	}
	return ref, nil
}

func (r *hierarchyRepo) ListDocumentTypeRefs(ctx context.Context) ([]*model.DocumentTypeRef, error) {
	rows, err := r.db.Query(ctx, documentTypeRefQuery+`
		ORDER BY c.code, p.external_patient_code, v.visit_order, dt.name`)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения типов документов: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*model.DocumentTypeRef, error) {
		return scanDocumentTypeRef(row)
	})
}

func (r *hierarchyRepo) SetFolderID(ctx context.Context, level Level, id int64, folderID string) (string, error) {
	table, ok := folderTables[level]
	if !ok {
		return "", fmt.Errorf("неизвестный уровень иерархии: %q", level)
	}

	// COALESCE оставляет уже записанный ID без изменений
	query := fmt.Sprintf(`
		UPDATE %s
		SET remote_folder_id = COALESCE(remote_folder_id, $2)
		WHERE id = $1
		RETURNING remote_folder_id`, table)

	var stored string
	if err := r.db.QueryRow(ctx, query, id, folderID).Scan(&stored); err != nil {
		return "", dbError(err, "записи ID папки ("+string(level)+")", string(level))
	}
	return stored, nil
}
