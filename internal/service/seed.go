package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vickyapril02/girder-redcap-mimic-sync/internal/domain/model"
	"github.com/vickyapril02/girder-redcap-mimic-sync/internal/repository"
)

// HierarchyTx выполняет fn с репозиторием иерархии внутри транзакции.
type HierarchyTx func(ctx context.Context, fn func(repo repository.HierarchyRepository) error) error

// SeedCenter — центр начальных данных.
type SeedCenter struct {
	Code string
	Name string
}

// SeedVisit — визит начальных данных; Extra — дополнительные типы документов визита.
type SeedVisit struct {
	Name  string
	Code  string
	Extra []string
}

// Начальные данные исследования.
var (
	SeedCenters = []SeedCenter{
		{Code: "CHU_Bordeaux", Name: "CHU Bordeaux"},
		{Code: "CHU_Paris", Name: "CHU Paris"},
		{Code: "CHU_Toulouse", Name: "CHU Toulouse"},
	}
	SeedPatients = []string{"Patient_001", "Patient_002"}
	SeedVisits   = []SeedVisit{
		{Name: "Preinclusion M-6", Code: "M-6", Extra: []string{"ECG 12 derivations"}},
		{Name: "Inclusion M0", Code: "M0"},
		{Name: "Visite M12", Code: "M12"},
		{Name: "Visite M24", Code: "M24"},
	}
	SeedDocumentTypes = []string{"Bilan Biologique", "Consentement_Eclaire", "Dosage des β HCG"}
)

// SeedService заполняет иерархию начальными данными.
type SeedService struct {
	hierarchy repository.HierarchyRepository
	inTx      HierarchyTx
	logger    *slog.Logger
}

// NewSeedService создаёт сервис начального заполнения.
func NewSeedService(hierarchy repository.HierarchyRepository, inTx HierarchyTx, logger *slog.Logger) *SeedService {
	return &SeedService{
		hierarchy: hierarchy,
		inTx:      inTx,
		logger:    logger.With(slog.String("component", "seed")),
	}
}

// Seed создаёт центры, пациентов, визиты и типы документов, если
// таблица центров пуста. Возвращает true, если данные были созданы.
// Все записи создаются в одной транзакции.
func (s *SeedService) Seed(ctx context.Context) (bool, error) {
	n, err := s.hierarchy.CountCenters(ctx)
	if err != nil {
		return false, err
	}
	if n > 0 {
		s.logger.Debug("Начальные данные уже есть", slog.Int("centers", n))
		return false, nil
	}

	var docTypes int
	err = s.inTx(ctx, func(repo repository.HierarchyRepository) error {
		for _, sc := range SeedCenters {
			center := &model.Center{Code: sc.Code, Name: sc.Name}
			if err := repo.CreateCenter(ctx, center); err != nil {
				return err
			}
			for _, code := range SeedPatients {
				patient := &model.Patient{CenterID: center.ID, ExternalPatientCode: code}
				if err := repo.CreatePatient(ctx, patient); err != nil {
					return err
				}
				for i, sv := range SeedVisits {
					visit := &model.Visit{PatientID: patient.ID, Name: sv.Name, Code: sv.Code, Order: i + 1}
					if err := repo.CreateVisit(ctx, visit); err != nil {
						return err
					}
					names := append(append([]string{}, SeedDocumentTypes...), sv.Extra...)
					for _, name := range names {
						dt := &model.DocumentType{VisitID: visit.ID, Name: name, Code: model.DocumentCode(name)}
						if err := repo.CreateDocumentType(ctx, dt); err != nil {
							return err
						}
						docTypes++
					}
				}
			}
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("начальное заполнение: %w", err)
	}

	s.logger.Info("Начальные данные созданы",
		slog.Int("centers", len(SeedCenters)),
		slog.Int("patients", len(SeedCenters)*len(SeedPatients)),
		slog.Int("document_types", docTypes),
	)
	return true, nil
}
