package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// PatientFileSource выдаёт файлы запроса по одному.
// После последнего файла Next возвращает io.EOF.
// Reader действителен до следующего вызова Next.
type PatientFileSource interface {
	Next() (filename string, reader io.Reader, err error)
}

// UploadedPatientFile — файл, загруженный в папку пациента.
type UploadedPatientFile struct {
	Filename string
	FileID   string
	Size     int64
}

// FailedPatientFile — файл, который не удалось загрузить.
type FailedPatientFile struct {
	Filename string
	Error    string
}

// PatientUploadResult — итог прямой загрузки файлов пациента.
type PatientUploadResult struct {
	PatientFoldersResult
	UploadedFiles []UploadedPatientFile
	FailedFiles   []FailedPatientFile
}

// WithFileSpool задаёт каталог временных файлов и предельный размер одного
// файла для UploadPatientFiles. Пустой dir — системный каталог временных файлов,
// maxFileSize <= 0 — без ограничения.
func (s *WebhookService) WithFileSpool(dir string, maxFileSize int64) *WebhookService {
	s.spoolDir = dir
	s.maxFileSize = maxFileSize
	return s
}

// UploadPatientFiles подготавливает папку пациента (как HandlePatient)
// и загружает в неё все файлы из src.
//
// Размер части multipart заранее неизвестен, а Girder требует его при
// инициализации загрузки, поэтому каждый файл сначала пишется во временный
// файл. Ошибка одного файла попадает в FailedFiles и не прерывает остальные.
func (s *WebhookService) UploadPatientFiles(ctx context.Context, ev PatientEvent, src PatientFileSource) (*PatientUploadResult, error) {
	folders, err := s.HandlePatient(ctx, ev)
	if err != nil {
		return nil, err
	}

	if s.spoolDir != "" {
		if err := os.MkdirAll(s.spoolDir, 0o750); err != nil {
			return nil, fmt.Errorf("создание каталога временных файлов: %w", err)
		}
	}

	res := &PatientUploadResult{
		PatientFoldersResult: *folders,
		UploadedFiles:        []UploadedPatientFile{},
		FailedFiles:          []FailedPatientFile{},
	}
	for {
		name, reader, err := src.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, validationError("чтение файлов запроса: %v", err)
		}

		name = cleanFilename(name)
		file, size, err := s.uploadPatientFile(ctx, folders.PatientFolderID, name, reader)
		if err != nil {
			s.logger.Warn("Не удалось загрузить файл пациента",
				slog.String("patient_id", ev.PatientID),
				slog.String("name", name),
				slog.String("error", err.Error()),
			)
			res.FailedFiles = append(res.FailedFiles, FailedPatientFile{Filename: name, Error: err.Error()})
			continue
		}
		res.UploadedFiles = append(res.UploadedFiles, UploadedPatientFile{Filename: name, FileID: file, Size: size})
	}

	s.logger.Info("Файлы пациента загружены",
		slog.String("patient_id", ev.PatientID),
		slog.String("folder_id", folders.PatientFolderID),
		slog.Int("uploaded", len(res.UploadedFiles)),
		slog.Int("failed", len(res.FailedFiles)),
	)
	return res, nil
}

// uploadPatientFile пишет reader во временный файл и загружает его в Girder.
func (s *WebhookService) uploadPatientFile(ctx context.Context, folderID, name string, reader io.Reader) (string, int64, error) {
	if name == "" {
		return "", 0, errors.New("не указано имя файла")
	}

	tmp, err := os.CreateTemp(s.spoolDir, "redcap-*.part")
	if err != nil {
		return "", 0, fmt.Errorf("создание временного файла: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	src := reader
	if s.maxFileSize > 0 {
		src = io.LimitReader(reader, s.maxFileSize+1)
	}
	size, err := io.Copy(tmp, src)
	if err != nil {
		return "", 0, fmt.Errorf("приём файла: %w", err)
	}
	if s.maxFileSize > 0 && size > s.maxFileSize {
		return "", 0, fmt.Errorf("файл превышает максимальный размер %d байт", s.maxFileSize)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return "", 0, fmt.Errorf("чтение временного файла: %w", err)
	}

	file, err := s.folders.UploadFile(ctx, folderID, name, size, tmp)
	if err != nil {
		return "", 0, fmt.Errorf("загрузка в Girder: %w", err)
	}
	return file.ID, size, nil
}

// cleanFilename оставляет только имя файла без каталогов клиента.
func cleanFilename(name string) string {
	name = strings.TrimSpace(filepath.Base(strings.ReplaceAll(name, "\\", "/")))
	if name == "." || name == "/" {
		return ""
	}
	return name
}
