// Пакет model — доменные модели: иерархия Center → Patient → Visit → DocumentType
// и записи файлов, ожидающих синхронизации с Girder.
package model

import (
	"strings"
	"time"
)

// Center — центр (больница). Корень иерархии, создаётся при начальном заполнении.
type Center struct {
	// ID — идентификатор в БД
	ID int64
	// Name — отображаемое имя (CHU Bordeaux)
	Name string
	// Code — код центра, он же имя папки в Girder (CHU_Bordeaux)
	Code string
	// RemoteFolderID — ID папки центра в Girder (nil, пока схема не построена)
	RemoteFolderID *string
	CreatedAt      time.Time
}

// Patient — пациент центра.
type Patient struct {
	ID       int64
	CenterID int64
	// ExternalPatientCode — код пациента во внешней системе (Patient_001)
	ExternalPatientCode string
	RemoteFolderID      *string
	CreatedAt           time.Time
}

// Visit — визит пациента.
type Visit struct {
	ID        int64
	PatientID int64
	// Name — имя визита, он же имя папки в Girder (Inclusion M0)
	Name string
	// Code — короткий код визита (M0), используется в путях локального хранилища
	Code string
	// Order — порядковый номер визита в протоколе
	Order          int
	RemoteFolderID *string
	CreatedAt      time.Time
}

// DocumentType — тип документа, собираемого на визите.
type DocumentType struct {
	ID      int64
	VisitID int64
	// Name — имя типа, он же имя папки в Girder (Bilan Biologique)
	Name string
	// Code — нормализованное имя (bilan_biologique)
	Code string
	// RemoteFolderID — ID папки в Girder, в которую загружаются файлы.
	// Заполняется построителем схемы, после этого не меняется.
	RemoteFolderID *string
	CreatedAt      time.Time
}

// FolderPath — путь типа документа в иерархии.
type FolderPath struct {
	CenterCode   string
	PatientCode  string
	VisitName    string
	VisitCode    string
	DocumentName string
	DocumentCode string
}

// Segments возвращает имена папок Girder от центра до типа документа.
func (p FolderPath) Segments() []string {
	return []string{p.CenterCode, p.PatientCode, p.VisitName, p.DocumentName}
}

// String возвращает путь в формате Center/Patient/Visit/DocumentType/.
func (p FolderPath) String() string {
	return strings.Join(p.Segments(), "/") + "/"
}

// StagingSegments возвращает каталоги локального хранилища для файлов этого типа.
func (p FolderPath) StagingSegments() []string {
	return []string{p.CenterCode, p.PatientCode, p.VisitCode, p.DocumentCode}
}

// DocumentTypeRef — тип документа вместе со всей цепочкой предков
// и уже известными ID папок Girder на каждом уровне.
type DocumentTypeRef struct {
	DocumentType DocumentType
	CenterID     int64
	PatientID    int64
	Path         FolderPath

	CenterFolderID  *string
	PatientFolderID *string
	VisitFolderID   *string
}
