// schema.go — построение дерева папок Girder по иерархии из БД.
//
// Путь типа документа: <root>/<Center.code>/<Patient.code>/<Visit.name>/<DocumentType.name>/.
// ID каждой папки записывается в БД до перехода к следующему уровню;
// уже записанный ID переиспользуется и никогда не перезаписывается.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vickyapril02/girder-redcap-mimic-sync/internal/domain/model"
	"github.com/vickyapril02/girder-redcap-mimic-sync/internal/girder"
	"github.com/vickyapril02/girder-redcap-mimic-sync/internal/repository"
)

// FolderService — операции с папками удалённого хранилища.
// EnsureFolder идемпотентен: повторный вызов с теми же аргументами
// возвращает ту же папку.
type FolderService interface {
	EnsureFolder(ctx context.Context, parentID, name string) (*girder.Folder, error)
	GetFolder(ctx context.Context, folderID string) (*girder.Folder, error)
}

// SchemaService — построитель дерева папок.
type SchemaService struct {
	hierarchy repository.HierarchyRepository
	folders   FolderService
	rootID    string
	logger    *slog.Logger
}

// NewSchemaService создаёт построитель дерева папок под корневой папкой rootID.
func NewSchemaService(
	hierarchy repository.HierarchyRepository,
	folders FolderService,
	rootID string,
	logger *slog.Logger,
) *SchemaService {
	return &SchemaService{
		hierarchy: hierarchy,
		folders:   folders,
		rootID:    rootID,
		logger:    logger.With(slog.String("component", "schema_builder")),
	}
}

// pathLevel — один уровень пути типа документа.
type pathLevel struct {
	level  repository.Level
	id     int64
	name   string
	stored *string
}

func refLevels(ref *model.DocumentTypeRef) []pathLevel {
	return []pathLevel{
		{repository.LevelCenter, ref.CenterID, ref.Path.CenterCode, ref.CenterFolderID},
		{repository.LevelPatient, ref.PatientID, ref.Path.PatientCode, ref.PatientFolderID},
		{repository.LevelVisit, ref.DocumentType.VisitID, ref.Path.VisitName, ref.VisitFolderID},
		{repository.LevelDocumentType, ref.DocumentType.ID, ref.Path.DocumentName, ref.DocumentType.RemoteFolderID},
	}
}

// buildState — ID папок, уже известные в рамках одного построения.
type buildState struct {
	known   map[string]string
	created int
	reused  int
}

func newBuildState() *buildState {
	return &buildState{known: make(map[string]string)}
}

// EnsurePath создаёт (или находит) все папки пути типа документа
// и возвращает ID папки самого типа документа.
func (s *SchemaService) EnsurePath(ctx context.Context, documentTypeID int64) (string, error) {
	ref, err := s.hierarchy.GetDocumentTypeRef(ctx, documentTypeID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", fmt.Errorf("%w: тип документа %d", ErrNotFound, documentTypeID)
		}
		return "", err
	}
	return s.ensureRef(ctx, ref, newBuildState())
}

func (s *SchemaService) ensureRef(ctx context.Context, ref *model.DocumentTypeRef, st *buildState) (string, error) {
	parent := s.rootID
	for _, lvl := range refLevels(ref) {
		key := fmt.Sprintf("%s:%d", lvl.level, lvl.id)
		if id, ok := st.known[key]; ok {
			parent = id
			continue
		}
		if lvl.stored != nil && *lvl.stored != "" {
			st.known[key] = *lvl.stored
			st.reused++
			parent = *lvl.stored
			continue
		}

		folder, err := s.folders.EnsureFolder(ctx, parent, lvl.name)
		if err != nil {
			return "", fmt.Errorf("папка %q (%s %d): %w", lvl.name, lvl.level, lvl.id, err)
		}

		saved, err := s.hierarchy.SetFolderID(ctx, lvl.level, lvl.id, folder.ID)
		if err != nil {
			return "", fmt.Errorf("сохранение ID папки %q: %w", lvl.name, err)
		}
		if saved != folder.ID {
			// ID уже записал другой процесс: используем сохранённый
			s.logger.Warn("ID папки уже сохранён, используется существующий",
				slog.String("level", string(lvl.level)),
				slog.Int64("id", lvl.id),
				slog.String("stored", saved),
				slog.String("found", folder.ID),
			)
			st.reused++
		} else {
			st.created++
		}
		st.known[key] = saved
		parent = saved
	}
	return parent, nil
}

// Build создаёт папки для всех типов документов. Повторный запуск
// не создаёт новых папок и возвращает те же ID.
func (s *SchemaService) Build(ctx context.Context) (*model.SchemaResult, error) {
	result := &model.SchemaResult{StartedAt: time.Now().UTC()}

	refs, err := s.hierarchy.ListDocumentTypeRefs(ctx)
	if err != nil {
		return nil, fmt.Errorf("получение типов документов: %w", err)
	}

	s.logger.Info("Построение дерева папок Girder",
		slog.String("root_folder_id", s.rootID),
		slog.Int("document_types", len(refs)),
	)

	st := newBuildState()
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if _, err := s.ensureRef(ctx, ref, st); err != nil {
			return nil, fmt.Errorf("путь %s: %w", ref.Path.String(), err)
		}
		result.DocumentTypes++
	}

	result.FoldersCreated = st.created
	result.FoldersReused = st.reused
	result.CompletedAt = time.Now().UTC()

	s.logger.Info("Дерево папок Girder построено",
		slog.Int("document_types", result.DocumentTypes),
		slog.Int("folders_created", result.FoldersCreated),
		slog.Int("folders_reused", result.FoldersReused),
		slog.Duration("duration", result.CompletedAt.Sub(result.StartedAt)),
	)
	return result, nil
}

// Validate проверяет, что все сохранённые ID папок существуют в Girder.
// Возвращает список отсутствующих папок; ошибка — только если проверку
// выполнить не удалось.
func (s *SchemaService) Validate(ctx context.Context) ([]model.SchemaProblem, error) {
	type entry struct {
		level    repository.Level
		id       int64
		name     string
		folderID *string
	}
	var entries []entry

	centers, err := s.hierarchy.ListCenters(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range centers {
		entries = append(entries, entry{repository.LevelCenter, c.ID, c.Code, c.RemoteFolderID})
	}
	patients, err := s.hierarchy.ListPatients(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range patients {
		entries = append(entries, entry{repository.LevelPatient, p.ID, p.ExternalPatientCode, p.RemoteFolderID})
	}
	visits, err := s.hierarchy.ListVisits(ctx)
	if err != nil {
		return nil, err
	}
	for _, v := range visits {
		entries = append(entries, entry{repository.LevelVisit, v.ID, v.Name, v.RemoteFolderID})
	}
	docTypes, err := s.hierarchy.ListDocumentTypes(ctx)
	if err != nil {
		return nil, err
	}
	for _, dt := range docTypes {
		entries = append(entries, entry{repository.LevelDocumentType, dt.ID, dt.Name, dt.RemoteFolderID})
	}

	problems := []model.SchemaProblem{}
	checked := 0
	for _, e := range entries {
		if e.folderID == nil || *e.folderID == "" {
			continue
		}
		checked++
		if _, err := s.folders.GetFolder(ctx, *e.folderID); err != nil {
			if !errors.Is(err, girder.ErrFolderNotFound) {
				return nil, fmt.Errorf("проверка папки %s: %w", *e.folderID, err)
			}
			problems = append(problems, model.SchemaProblem{
				Level:    string(e.level),
				EntityID: e.id,
				Name:     e.name,
				FolderID: *e.folderID,
				Error:    err.Error(),
			})
		}
	}

	s.logger.Info("Проверка дерева папок завершена",
		slog.Int("checked", checked),
		slog.Int("missing", len(problems)),
	)
	return problems, nil
}
