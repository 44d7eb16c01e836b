package repository

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/vickyapril02/girder-redcap-mimic-sync/internal/config"
	"github.com/vickyapril02/girder-redcap-mimic-sync/internal/database"
	"github.com/vickyapril02/girder-redcap-mimic-sync/internal/domain/filestatus"
	"github.com/vickyapril02/girder-redcap-mimic-sync/internal/domain/model"
)

// setupTestDB запускает PostgreSQL через testcontainers, применяет миграции
// и возвращает пул подключений.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("Пропуск интеграционного теста: TEST_INTEGRATION не установлена")
	}

	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"docker.io/postgres:17-alpine",
		postgres.WithDatabase("girdersync_test"),
		postgres.WithUsername("girdersync"),
		postgres.WithPassword("test-password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("Не удалось запустить PostgreSQL контейнер: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Ошибка остановки контейнера: %v", err)
		}
	})

	host, _ := container.Host(ctx)
	port, _ := container.MappedPort(ctx, "5432")

	t.Setenv("GS_DB_HOST", host)
	t.Setenv("GS_DB_PORT", port.Port())
	t.Setenv("GS_DB_NAME", "girdersync_test")
	t.Setenv("GS_DB_USER", "girdersync")
	t.Setenv("GS_DB_PASSWORD", "test-password")
	t.Setenv("GS_GIRDER_API_URL", "http://localhost:8080/api/v1")
	t.Setenv("GS_GIRDER_API_KEY", "test")
	t.Setenv("GS_GIRDER_ROOT_FOLDER_ID", "root")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Ошибка загрузки конфигурации: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
	if err := database.Migrate(cfg, logger); err != nil {
		t.Fatalf("Ошибка миграций: %v", err)
	}
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("Ошибка подключения: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

// seedPath создаёт цепочку CHU_Bordeaux/Patient_001/Inclusion M0/Bilan Biologique.
func seedPath(t *testing.T, repo HierarchyRepository) *model.DocumentType {
	t.Helper()
	ctx := context.Background()

	c := &model.Center{Code: "CHU_Bordeaux", Name: "CHU Bordeaux"}
	if err := repo.CreateCenter(ctx, c); err != nil {
		t.Fatalf("CreateCenter() ошибка: %v", err)
	}
	p := &model.Patient{CenterID: c.ID, ExternalPatientCode: "Patient_001"}
	if err := repo.CreatePatient(ctx, p); err != nil {
		t.Fatalf("CreatePatient() ошибка: %v", err)
	}
	v := &model.Visit{PatientID: p.ID, Name: "Inclusion M0", Code: "M0", Order: 2}
	if err := repo.CreateVisit(ctx, v); err != nil {
		t.Fatalf("CreateVisit() ошибка: %v", err)
	}
	dt := &model.DocumentType{VisitID: v.ID, Name: "Bilan Biologique", Code: "bilan_biologique"}
	if err := repo.CreateDocumentType(ctx, dt); err != nil {
		t.Fatalf("CreateDocumentType() ошибка: %v", err)
	}
	return dt
}

// TestDBError проверяет перевод ошибок PostgreSQL в ошибки репозитория.
func TestDBError(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		want    error
		wantMsg string
	}{
		{"нет строк", pgx.ErrNoRows, ErrNotFound, ""},
		{"уникальность", &pgconn.PgError{Code: pgerrcode.UniqueViolation}, ErrConflict, "центр CHU_Lyon"},
		{"внешний ключ", &pgconn.PgError{Code: pgerrcode.ForeignKeyViolation, ConstraintName: "patients_center_id_fkey"},
			ErrNotFound, "patients_center_id_fkey"},
		{"прочее", errors.New("conn closed"), nil, "ошибка создания центра: conn closed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := dbError(tt.err, "создания центра", "центр CHU_Lyon")
			if tt.want != nil && !errors.Is(got, tt.want) {
				t.Errorf("dbError() = %v, ожидается %v", got, tt.want)
			}
			if tt.want == nil && (errors.Is(got, ErrNotFound) || errors.Is(got, ErrConflict)) {
				t.Errorf("dbError() = %v, ожидается необработанная ошибка", got)
			}
			if tt.wantMsg != "" && !strings.Contains(got.Error(), tt.wantMsg) {
				t.Errorf("сообщение %q не содержит %q", got.Error(), tt.wantMsg)
			}
		})
	}
}

func TestStatusStrings(t *testing.T) {
	got := statusStrings([]filestatus.Status{filestatus.Pending, filestatus.Failed})
	if len(got) != 2 || got[0] != "PENDING" || got[1] != "FAILED" {
		t.Errorf("statusStrings() = %v", got)
	}
	if joinStatuses([]filestatus.Status{filestatus.Synced}) != "SYNCED" {
		t.Error("joinStatuses() вернул неожиданное значение")
	}
}

func TestFolderTables_Whitelist(t *testing.T) {
	for _, level := range []Level{LevelCenter, LevelPatient, LevelVisit, LevelDocumentType} {
		if _, ok := folderTables[level]; !ok {
			t.Errorf("уровень %q отсутствует в folderTables", level)
		}
	}
	_, err := (&hierarchyRepo{}).SetFolderID(context.Background(), Level("files"), 1, "x")
	if err == nil {
		t.Error("SetFolderID() с неизвестным уровнем должен вернуть ошибку")
	}
}

func TestTransition_RejectsInvalidWithoutQuery(t *testing.T) {
	// db = nil: недопустимый переход отклоняется до обращения к БД
	repo := &fileRecordRepo{}
	err := repo.Transition(context.Background(), 1, filestatus.Synced, filestatus.Pending, TransitionUpdate{})
	var te *filestatus.TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("ожидался *TransitionError, получено %v", err)
	}

	err = repo.Transition(context.Background(), 1, filestatus.InProgress, filestatus.Synced, TransitionUpdate{})
	if err == nil {
		t.Error("переход в SYNCED без remote_file_id должен вернуть ошибку")
	}
}

// --- Интеграционные тесты ---

func TestHierarchy_SetFolderIDNeverOverwrites(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewHierarchyRepository(pool)
	dt := seedPath(t, repo)

	stored, err := repo.SetFolderID(ctx, LevelDocumentType, dt.ID, "folder-1")
	if err != nil {
		t.Fatalf("SetFolderID() ошибка: %v", err)
	}
	if stored != "folder-1" {
		t.Errorf("stored = %q, ожидается folder-1", stored)
	}

	stored, err = repo.SetFolderID(ctx, LevelDocumentType, dt.ID, "folder-2")
	if err != nil {
		t.Fatalf("повторный SetFolderID() ошибка: %v", err)
	}
	if stored != "folder-1" {
		t.Errorf("повторный SetFolderID() перезаписал ID: %q", stored)
	}

	ref, err := repo.GetDocumentTypeRef(ctx, dt.ID)
	if err != nil {
		t.Fatalf("GetDocumentTypeRef() ошибка: %v", err)
	}
	if ref.Path.String() != "CHU_Bordeaux/Patient_001/Inclusion M0/Bilan Biologique/" {
		t.Errorf("Path = %q", ref.Path.String())
	}
	if ref.DocumentType.RemoteFolderID == nil || *ref.DocumentType.RemoteFolderID != "folder-1" {
		t.Errorf("RemoteFolderID = %v, ожидается folder-1", ref.DocumentType.RemoteFolderID)
	}

	if _, err := repo.SetFolderID(ctx, LevelCenter, 999999, "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetFolderID() для несуществующей строки: %v, ожидается ErrNotFound", err)
	}
}

func TestFileRecord_Lifecycle(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	dt := seedPath(t, NewHierarchyRepository(pool))
	repo := NewFileRecordRepository(pool)

	f := &model.FileRecord{
		DocumentTypeID:   dt.ID,
		LocalPath:        "/tmp/scan.dcm",
		OriginalFilename: "scan.dcm",
		Size:             4,
		MimeType:         "application/dicom",
	}
	if err := repo.Create(ctx, f); err != nil {
		t.Fatalf("Create() ошибка: %v", err)
	}
	if f.Status != filestatus.Pending {
		t.Errorf("Status = %s, ожидается PENDING", f.Status)
	}

	target, err := repo.GetSyncTarget(ctx, f.ID)
	if err != nil {
		t.Fatalf("GetSyncTarget() ошибка: %v", err)
	}
	if target.RemoteFolderID != nil {
		t.Errorf("RemoteFolderID = %v, ожидается nil", *target.RemoteFolderID)
	}
	if target.Path.VisitCode != "M0" {
		t.Errorf("VisitCode = %q", target.Path.VisitCode)
	}

	// PENDING → IN_PROGRESS
	if err := repo.Transition(ctx, f.ID, filestatus.Pending, filestatus.InProgress, TransitionUpdate{}); err != nil {
		t.Fatalf("Transition(PENDING→IN_PROGRESS) ошибка: %v", err)
	}
	// Повторный захват — статус уже другой
	err = repo.Transition(ctx, f.ID, filestatus.Pending, filestatus.InProgress, TransitionUpdate{})
	if !errors.Is(err, ErrStaleStatus) {
		t.Errorf("повторный захват: %v, ожидается ErrStaleStatus", err)
	}

	// IN_PROGRESS → FAILED
	msg := "connection reset"
	if err := repo.Transition(ctx, f.ID, filestatus.InProgress, filestatus.Failed, TransitionUpdate{LastError: &msg}); err != nil {
		t.Fatalf("Transition(IN_PROGRESS→FAILED) ошибка: %v", err)
	}
	n, err := repo.CountByStatus(ctx, filestatus.Pending, filestatus.Failed)
	if err != nil || n != 1 {
		t.Errorf("CountByStatus() = %d, %v; ожидается 1", n, err)
	}

	// FAILED → PENDING → IN_PROGRESS → SYNCED
	_ = repo.Transition(ctx, f.ID, filestatus.Failed, filestatus.Pending, TransitionUpdate{})
	_ = repo.Transition(ctx, f.ID, filestatus.Pending, filestatus.InProgress, TransitionUpdate{})
	remote := "girder-file-1"
	now := time.Now().UTC()
	if err := repo.Transition(ctx, f.ID, filestatus.InProgress, filestatus.Synced, TransitionUpdate{RemoteFileID: &remote, SyncedAt: &now}); err != nil {
		t.Fatalf("Transition(IN_PROGRESS→SYNCED) ошибка: %v", err)
	}

	got, err := repo.GetByID(ctx, f.ID)
	if err != nil {
		t.Fatalf("GetByID() ошибка: %v", err)
	}
	if got.Status != filestatus.Synced || got.RemoteFileID == nil || *got.RemoteFileID != remote || got.SyncedAt == nil {
		t.Errorf("после SYNCED: status=%s remote=%v synced_at=%v", got.Status, got.RemoteFileID, got.SyncedAt)
	}
	if got.LastError != nil {
		t.Errorf("LastError = %q, ожидается nil после SYNCED", *got.LastError)
	}

	if _, err := repo.GetByID(ctx, 424242); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetByID(424242) = %v, ожидается ErrNotFound", err)
	}
	if err := repo.Transition(ctx, 424242, filestatus.Pending, filestatus.InProgress, TransitionUpdate{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Transition(424242) = %v, ожидается ErrNotFound", err)
	}
}

// TestFileRecord_ConcurrentClaim проверяет, что условный UPDATE
// пропускает ровно одного из параллельных захватчиков.
func TestFileRecord_ConcurrentClaim(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	dt := seedPath(t, NewHierarchyRepository(pool))
	repo := NewFileRecordRepository(pool)

	f := &model.FileRecord{DocumentTypeID: dt.ID, LocalPath: "/tmp/a", OriginalFilename: "a.txt"}
	if err := repo.Create(ctx, f); err != nil {
		t.Fatalf("Create() ошибка: %v", err)
	}

	const workers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := repo.Transition(ctx, f.ID, filestatus.Pending, filestatus.InProgress, TransitionUpdate{})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else if !errors.Is(err, ErrStaleStatus) {
				t.Errorf("неожиданная ошибка: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("успешных захватов = %d, ожидается 1", wins)
	}
}
