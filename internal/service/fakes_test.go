package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/vickyapril02/girder-redcap-mimic-sync/internal/domain/filestatus"
	"github.com/vickyapril02/girder-redcap-mimic-sync/internal/domain/model"
	"github.com/vickyapril02/girder-redcap-mimic-sync/internal/girder"
	"github.com/vickyapril02/girder-redcap-mimic-sync/internal/repository"
	"github.com/vickyapril02/girder-redcap-mimic-sync/internal/storage/staging"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func strPtr(s string) *string { return &s }

// --- fakeHierarchy ---

// fakeHierarchy — in-memory реализация HierarchyRepository.
type fakeHierarchy struct {
	mu       sync.Mutex
	nextID   int64
	centers  []*model.Center
	patients []*model.Patient
	visits   []*model.Visit
	docs     []*model.DocumentType

	setFolderCalls int
	listErr        error
}

func (h *fakeHierarchy) id() int64 {
	h.nextID++
	return h.nextID
}

func (h *fakeHierarchy) CountCenters(_ context.Context) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.centers), nil
}

func (h *fakeHierarchy) CreateCenter(_ context.Context, c *model.Center) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ex := range h.centers {
		if ex.Code == c.Code {
			return repository.ErrConflict
		}
	}
	c.ID = h.id()
	cp := *c
	h.centers = append(h.centers, &cp)
	return nil
}

func (h *fakeHierarchy) CreatePatient(_ context.Context, p *model.Patient) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	p.ID = h.id()
	cp := *p
	h.patients = append(h.patients, &cp)
	return nil
}

func (h *fakeHierarchy) CreateVisit(_ context.Context, v *model.Visit) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	v.ID = h.id()
	cp := *v
	h.visits = append(h.visits, &cp)
	return nil
}

func (h *fakeHierarchy) CreateDocumentType(_ context.Context, dt *model.DocumentType) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	dt.ID = h.id()
	cp := *dt
	h.docs = append(h.docs, &cp)
	return nil
}

func (h *fakeHierarchy) ListCenters(_ context.Context) ([]*model.Center, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listErr != nil {
		return nil, h.listErr
	}
	out := make([]*model.Center, 0, len(h.centers))
	for _, c := range h.centers {
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

func (h *fakeHierarchy) ListPatients(_ context.Context) ([]*model.Patient, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*model.Patient, 0, len(h.patients))
	for _, p := range h.patients {
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

func (h *fakeHierarchy) ListVisits(_ context.Context) ([]*model.Visit, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*model.Visit, 0, len(h.visits))
	for _, v := range h.visits {
		cp := *v
		out = append(out, &cp)
	}
	return out, nil
}

func (h *fakeHierarchy) ListDocumentTypes(_ context.Context) ([]*model.DocumentType, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*model.DocumentType, 0, len(h.docs))
	for _, dt := range h.docs {
		cp := *dt
		out = append(out, &cp)
	}
	return out, nil
}

func (h *fakeHierarchy) GetCenterByCode(_ context.Context, code string) (*model.Center, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.centers {
		if c.Code == code {
			cp := *c
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

// refLocked собирает DocumentTypeRef. Вызывается под h.mu.
func (h *fakeHierarchy) refLocked(dt *model.DocumentType) (*model.DocumentTypeRef, error) {
	var visit *model.Visit
	for _, v := range h.visits {
		if v.ID == dt.VisitID {
			visit = v
		}
	}
	if visit == nil {
		return nil, fmt.Errorf("визит %d не найден", dt.VisitID)
	}
	var patient *model.Patient
	for _, p := range h.patients {
		if p.ID == visit.PatientID {
			patient = p
		}
	}
	if patient == nil {
		return nil, fmt.Errorf("пациент %d не найден", visit.PatientID)
	}
	var center *model.Center
	for _, c := range h.centers {
		if c.ID == patient.CenterID {
			center = c
		}
	}
	if center == nil {
		return nil, fmt.Errorf("центр %d не найден", patient.CenterID)
	}
	return &model.DocumentTypeRef{
		DocumentType: *dt,
		CenterID:     center.ID,
		PatientID:    patient.ID,
		Path: model.FolderPath{
			CenterCode:   center.Code,
			PatientCode:  patient.ExternalPatientCode,
			VisitName:    visit.Name,
			VisitCode:    visit.Code,
			DocumentName: dt.Name,
			DocumentCode: dt.Code,
		},
		CenterFolderID:  center.RemoteFolderID,
		PatientFolderID: patient.RemoteFolderID,
		VisitFolderID:   visit.RemoteFolderID,
	}, nil
}

func (h *fakeHierarchy) GetDocumentTypeRef(_ context.Context, id int64) (*model.DocumentTypeRef, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, dt := range h.docs {
		if dt.ID == id {
			return h.refLocked(dt)
		}
	}
	return nil, repository.ErrNotFound
}

func (h *fakeHierarchy) ListDocumentTypeRefs(_ context.Context) ([]*model.DocumentTypeRef, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listErr != nil {
		return nil, h.listErr
	}
	out := make([]*model.DocumentTypeRef, 0, len(h.docs))
	for _, dt := range h.docs {
		ref, err := h.refLocked(dt)
		if err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, nil
}

func (h *fakeHierarchy) SetFolderID(_ context.Context, level repository.Level, id int64, folderID string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.setFolderCalls++

	var field **string
	switch level {
	case repository.LevelCenter:
		for _, c := range h.centers {
			if c.ID == id {
				field = &c.RemoteFolderID
			}
		}
	case repository.LevelPatient:
		for _, p := range h.patients {
			if p.ID == id {
				field = &p.RemoteFolderID
			}
		}
	case repository.LevelVisit:
		for _, v := range h.visits {
			if v.ID == id {
				field = &v.RemoteFolderID
			}
		}
	case repository.LevelDocumentType:
		for _, dt := range h.docs {
			if dt.ID == id {
				field = &dt.RemoteFolderID
			}
		}
	}
	if field == nil {
		return "", repository.ErrNotFound
	}
	if *field == nil {
		*field = strPtr(folderID)
	}
	return **field, nil
}

// docFolderID возвращает сохранённый ID папки типа документа.
func (h *fakeHierarchy) docFolderID(id int64) *string {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, dt := range h.docs {
		if dt.ID == id {
			return dt.RemoteFolderID
		}
	}
	return nil
}

// seedPath создаёт путь CHU_Bordeaux/Patient_001/Inclusion M0/Bilan Biologique.
// folderID — ID папки типа документа (nil — папка ещё не создана).
func seedPath(t *testing.T, h *fakeHierarchy, folderID *string) *model.DocumentType {
	t.Helper()
	ctx := context.Background()
	c := &model.Center{Code: "CHU_Bordeaux", Name: "CHU Bordeaux"}
	if err := h.CreateCenter(ctx, c); err != nil {
		t.Fatalf("CreateCenter: %v", err)
	}
	p := &model.Patient{CenterID: c.ID, ExternalPatientCode: "Patient_001"}
	if err := h.CreatePatient(ctx, p); err != nil {
		t.Fatalf("CreatePatient: %v", err)
	}
	v := &model.Visit{PatientID: p.ID, Name: "Inclusion M0", Code: "M0", Order: 2}
	if err := h.CreateVisit(ctx, v); err != nil {
		t.Fatalf("CreateVisit: %v", err)
	}
	dt := &model.DocumentType{VisitID: v.ID, Name: "Bilan Biologique", Code: "bilan_biologique", RemoteFolderID: folderID}
	if err := h.CreateDocumentType(ctx, dt); err != nil {
		t.Fatalf("CreateDocumentType: %v", err)
	}
	return dt
}

// --- fakeFiles ---

// fakeFiles — in-memory реализация FileRecordRepository с условными переходами.
type fakeFiles struct {
	mu        sync.Mutex
	nextID    int64
	records   map[int64]*model.FileRecord
	hierarchy *fakeHierarchy

	createErr   error
	transitions []string
}

func newFakeFiles(h *fakeHierarchy) *fakeFiles {
	return &fakeFiles{records: map[int64]*model.FileRecord{}, hierarchy: h}
}

func (f *fakeFiles) Create(_ context.Context, rec *model.FileRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	f.nextID++
	now := time.Now().UTC()
	rec.ID = f.nextID
	rec.Status = filestatus.Pending
	rec.RemoteFileID = nil
	rec.SyncedAt = nil
	rec.CreatedAt, rec.UpdatedAt = now, now
	cp := *rec
	f.records[rec.ID] = &cp
	return nil
}

// put добавляет запись в произвольном состоянии (для подготовки тестов).
func (f *fakeFiles) put(rec model.FileRecord) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	rec.ID = f.nextID
	f.records[rec.ID] = &rec
	return rec.ID
}

func (f *fakeFiles) get(id int64) model.FileRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.records[id]
}

func (f *fakeFiles) GetByID(_ context.Context, id int64) (*model.FileRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeFiles) GetSyncTarget(ctx context.Context, id int64) (*model.SyncTarget, error) {
	rec, err := f.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	ref, err := f.hierarchy.GetDocumentTypeRef(ctx, rec.DocumentTypeID)
	if err != nil {
		return nil, err
	}
	return &model.SyncTarget{Record: *rec, RemoteFolderID: ref.DocumentType.RemoteFolderID, Path: ref.Path}, nil
}

func (f *fakeFiles) sorted(match func(*model.FileRecord) bool) []*model.FileRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []*model.FileRecord{}
	for _, rec := range f.records {
		if match(rec) {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f *fakeFiles) ListByDocumentType(_ context.Context, documentTypeID int64) ([]*model.FileRecord, error) {
	out := f.sorted(func(r *model.FileRecord) bool { return r.DocumentTypeID == documentTypeID })
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (f *fakeFiles) ListAll(_ context.Context) ([]*model.FileRecord, error) {
	out := f.sorted(func(*model.FileRecord) bool { return true })
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func hasStatus(s filestatus.Status, statuses []filestatus.Status) bool {
	for _, st := range statuses {
		if st == s {
			return true
		}
	}
	return false
}

func (f *fakeFiles) ListByStatus(_ context.Context, statuses ...filestatus.Status) ([]*model.FileRecord, error) {
	return f.sorted(func(r *model.FileRecord) bool { return hasStatus(r.Status, statuses) }), nil
}

func (f *fakeFiles) CountByStatus(_ context.Context, statuses ...filestatus.Status) (int, error) {
	return len(f.sorted(func(r *model.FileRecord) bool { return hasStatus(r.Status, statuses) })), nil
}

func (f *fakeFiles) Transition(ctx context.Context, id int64, from, to filestatus.Status, upd repository.TransitionUpdate) error {
	if err := filestatus.Check(from, to); err != nil {
		return err
	}
	if to == filestatus.Synced && (upd.RemoteFileID == nil || upd.SyncedAt == nil) {
		return fmt.Errorf("переход в SYNCED требует remote_file_id и synced_at")
	}
	// Запись статуса не должна зависеть от отмены запроса
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		return repository.ErrNotFound
	}
	if rec.Status != from {
		return repository.ErrStaleStatus
	}
	rec.Status = to
	rec.UpdatedAt = time.Now().UTC()
	if to == filestatus.Synced {
		rec.RemoteFileID = upd.RemoteFileID
		rec.SyncedAt = upd.SyncedAt
		rec.LastError = nil
	} else {
		rec.RemoteFileID = nil
		rec.SyncedAt = nil
		if upd.LastError != nil {
			rec.LastError = upd.LastError
		}
	}
	f.transitions = append(f.transitions, string(from)+"→"+string(to))
	return nil
}

// --- fakeRemote ---

// fakeRemote — удалённое хранилище для тестов движка синхронизации.
type fakeRemote struct {
	mu       sync.Mutex
	calls    int
	uploaded map[string][]byte
	err      error

	// started получает сигнал при входе в UploadFile, release блокирует загрузку
	started chan struct{}
	release chan struct{}
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{uploaded: map[string][]byte{}}
}

func (r *fakeRemote) UploadFile(ctx context.Context, folderID, filename string, size int64, reader io.Reader) (*girder.File, error) {
	r.mu.Lock()
	r.calls++
	n := r.calls
	err := r.err
	started, release := r.started, r.release
	r.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	data, readErr := io.ReadAll(reader)
	if readErr != nil {
		return nil, readErr
	}
	if int64(len(data)) != size {
		return nil, fmt.Errorf("размер %d, ожидалось %d", len(data), size)
	}

	id := fmt.Sprintf("file%03d", n)
	r.mu.Lock()
	r.uploaded[folderID+"/"+filename] = data
	r.mu.Unlock()
	return &girder.File{ID: id, Name: filename, Size: size}, nil
}

func (r *fakeRemote) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// --- окружение движка ---

type syncEnv struct {
	hierarchy *fakeHierarchy
	files     *fakeFiles
	remote    *fakeRemote
	store     *staging.Store
	engine    *SyncEngine
	doc       *model.DocumentType
}

// newSyncEnv создаёт движок с одним типом документа, папка которого — folderID.
func newSyncEnv(t *testing.T, folderID *string) *syncEnv {
	t.Helper()
	h := &fakeHierarchy{}
	doc := seedPath(t, h, folderID)
	files := newFakeFiles(h)
	store, err := staging.New(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("staging.New: %v", err)
	}
	remote := newFakeRemote()
	return &syncEnv{
		hierarchy: h,
		files:     files,
		remote:    remote,
		store:     store,
		engine:    NewSyncEngine(files, store, remote, testLogger()),
		doc:       doc,
	}
}

// stage создаёт локальный файл и запись в статусе status.
func (e *syncEnv) stage(t *testing.T, name, content string, status filestatus.Status) int64 {
	t.Helper()
	path := filepath.Join(e.store.Root(), fmt.Sprintf("%d_%s", time.Now().UnixNano(), name))
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("запись файла: %v", err)
	}
	rec := model.FileRecord{
		DocumentTypeID:   e.doc.ID,
		LocalPath:        path,
		OriginalFilename: name,
		Size:             int64(len(content)),
		Status:           status,
		CreatedAt:        time.Now().UTC(),
	}
	if status == filestatus.Synced {
		now := time.Now().UTC()
		rec.RemoteFileID = strPtr("existing-remote")
		rec.SyncedAt = &now
	}
	return e.files.put(rec)
}
