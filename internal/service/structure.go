package service

import (
	"context"
	"fmt"

	"github.com/vickyapril02/girder-redcap-mimic-sync/internal/domain/model"
	"github.com/vickyapril02/girder-redcap-mimic-sync/internal/repository"
)

// StructureService собирает дерево Center → Patient → Visit → DocumentType
// вместе с файлами и их статусами.
type StructureService struct {
	hierarchy repository.HierarchyRepository
	files     repository.FileRecordRepository
}

// NewStructureService создаёт сервис просмотра иерархии.
func NewStructureService(hierarchy repository.HierarchyRepository, files repository.FileRecordRepository) *StructureService {
	return &StructureService{hierarchy: hierarchy, files: files}
}

// Tree возвращает полное дерево. Порядок элементов определяется
// репозиторием: центры по коду, визиты по порядковому номеру,
// файлы от новых к старым.
func (s *StructureService) Tree(ctx context.Context) ([]model.StructureCenter, error) {
	centers, err := s.hierarchy.ListCenters(ctx)
	if err != nil {
		return nil, fmt.Errorf("получение центров: %w", err)
	}
	patients, err := s.hierarchy.ListPatients(ctx)
	if err != nil {
		return nil, fmt.Errorf("получение пациентов: %w", err)
	}
	visits, err := s.hierarchy.ListVisits(ctx)
	if err != nil {
		return nil, fmt.Errorf("получение визитов: %w", err)
	}
	docTypes, err := s.hierarchy.ListDocumentTypes(ctx)
	if err != nil {
		return nil, fmt.Errorf("получение типов документов: %w", err)
	}
	files, err := s.files.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("получение файлов: %w", err)
	}

	filesByDoc := make(map[int64][]model.FileRecord)
	for _, f := range files {
		filesByDoc[f.DocumentTypeID] = append(filesByDoc[f.DocumentTypeID], *f)
	}
	docsByVisit := make(map[int64][]model.StructureDocumentType)
	for _, dt := range docTypes {
		docFiles := filesByDoc[dt.ID]
		if docFiles == nil {
			docFiles = []model.FileRecord{}
		}
		docsByVisit[dt.VisitID] = append(docsByVisit[dt.VisitID], model.StructureDocumentType{
			DocumentType: *dt,
			Files:        docFiles,
		})
	}
	visitsByPatient := make(map[int64][]model.StructureVisit)
	for _, v := range visits {
		visitsByPatient[v.PatientID] = append(visitsByPatient[v.PatientID], model.StructureVisit{
			Visit:         *v,
			DocumentTypes: docsByVisit[v.ID],
		})
	}
	patientsByCenter := make(map[int64][]model.StructurePatient)
	for _, p := range patients {
		patientsByCenter[p.CenterID] = append(patientsByCenter[p.CenterID], model.StructurePatient{
			Patient: *p,
			Visits:  visitsByPatient[p.ID],
		})
	}

	tree := make([]model.StructureCenter, 0, len(centers))
	for _, c := range centers {
		tree = append(tree, model.StructureCenter{
			Center:   *c,
			Patients: patientsByCenter[c.ID],
		})
	}
	return tree, nil
}
