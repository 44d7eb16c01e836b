package model

// StructureCenter — центр со всем поддеревом (для просмотра иерархии).
type StructureCenter struct {
	Center   Center
	Patients []StructurePatient
}

// StructurePatient — пациент с визитами.
type StructurePatient struct {
	Patient Patient
	Visits  []StructureVisit
}

// StructureVisit — визит с типами документов.
type StructureVisit struct {
	Visit         Visit
	DocumentTypes []StructureDocumentType
}

// StructureDocumentType — тип документа с файлами.
type StructureDocumentType struct {
	DocumentType DocumentType
	Files        []FileRecord
}
