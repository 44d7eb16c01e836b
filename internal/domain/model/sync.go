package model

import (
	"time"

	"github.com/vickyapril02/girder-redcap-mimic-sync/internal/domain/filestatus"
)

// SyncResult — результат синхронизации одного файла.
type SyncResult struct {
	FileID       int64
	Status       filestatus.Status
	RemoteFileID string
	FolderPath   string
	Size         int64
	SyncedAt     time.Time
}

// BatchSyncDetail — итог по одному файлу в пакетной синхронизации.
type BatchSyncDetail struct {
	FileID       int64
	Filename     string
	Status       filestatus.Status
	RemoteFileID string
	Error        string
}

// BatchSyncSummary — итог пакетной синхронизации всех несинхронизированных файлов.
type BatchSyncSummary struct {
	TotalFiles int
	Synced     int
	Failed     int
	Details    []BatchSyncDetail
}

// SchemaResult — итог построения дерева папок в Girder.
type SchemaResult struct {
	// DocumentTypes — сколько типов документов обработано
	DocumentTypes int
	// FoldersCreated — сколько ID папок записано в БД за этот запуск
	FoldersCreated int
	// FoldersReused — сколько ID уже были в БД
	FoldersReused int
	StartedAt     time.Time
	CompletedAt   time.Time
}

// SchemaProblem — сохранённый ID папки, который не найден в Girder.
type SchemaProblem struct {
	Level    string
	EntityID int64
	Name     string
	FolderID string
	Error    string
}
