package model

import (
	"time"

	"github.com/vickyapril02/girder-redcap-mimic-sync/internal/domain/filestatus"
)

// FileRecord — файл в локальном хранилище и состояние его синхронизации.
// Хранится в таблице file_records.
type FileRecord struct {
	// ID — идентификатор записи
	ID int64
	// DocumentTypeID — тип документа, в папку которого загружается файл
	DocumentTypeID int64
	// LocalPath — путь к файлу в локальном хранилище
	LocalPath string
	// OriginalFilename — имя файла при загрузке, оно же имя в Girder
	OriginalFilename string
	// Size — размер в байтах
	Size int64
	// Checksum — SHA-256 содержимого
	Checksum string
	// MimeType — MIME-тип по расширению
	MimeType string
	// Status — статус синхронизации
	Status filestatus.Status
	// RemoteFileID — ID файла в Girder (только для SYNCED)
	RemoteFileID *string
	// LastError — причина последней неудачной синхронизации
	LastError *string
	CreatedAt time.Time
	UpdatedAt time.Time
	// SyncedAt — время успешной синхронизации (только для SYNCED)
	SyncedAt *time.Time
}

// SyncTarget — запись файла вместе с данными, нужными для синхронизации:
// ID папки типа документа и путь в иерархии. Загружается одним запросом.
type SyncTarget struct {
	Record         FileRecord
	RemoteFolderID *string
	Path           FolderPath
}
