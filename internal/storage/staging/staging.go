// Пакет staging — локальное хранилище файлов, ожидающих синхронизации с Girder.
// Обеспечивает streaming-запись с подсчётом SHA-256 на лету,
// открытие файла для потоковой передачи и удаление.
package staging

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Ошибки локального хранилища.
var (
	// ErrFileMissing — файла нет по сохранённому пути.
	ErrFileMissing = errors.New("файл отсутствует в локальном хранилище")
	// ErrTooLarge — превышен максимальный размер файла.
	ErrTooLarge = errors.New("превышен максимальный размер файла")
)

// Store — каталог локального хранилища.
type Store struct {
	// root — корневой каталог (GS_STAGING_DIR)
	root string
	// maxSize — максимальный размер файла в байтах (0 — без ограничения)
	maxSize int64
}

// SaveResult — результат сохранения файла.
type SaveResult struct {
	// RelativePath — путь относительно корня хранилища
	RelativePath string
	// FullPath — абсолютный путь файла на диске
	FullPath string
	// Size — размер записанных данных в байтах
	Size int64
	// Checksum — SHA-256 содержимого
	Checksum string
}

// New создаёт хранилище, при необходимости создаёт корневой каталог.
func New(root string, maxSize int64) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("некорректный путь хранилища %s: %w", root, err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать каталог хранилища %s: %w", abs, err)
	}
	return &Store{root: abs, maxSize: maxSize}, nil
}

// Root возвращает абсолютный путь корневого каталога.
func (s *Store) Root() string {
	return s.root
}

// Save записывает данные из reader в <root>/<dirs...>/<uuid8>_<имя>.
//
// Паттерн: temp файл → запись + SHA-256 → fsync → atomic rename.
// При ошибке temp файл удаляется.
func (s *Store) Save(reader io.Reader, dirs []string, originalFilename string) (*SaveResult, error) {
	parts := make([]string, 0, len(dirs)+1)
	for _, d := range dirs {
		parts = append(parts, sanitize(d))
	}
	parts = append(parts, storageName(originalFilename))
	rel := filepath.Join(parts...)
	fullPath := filepath.Join(s.root, rel)

	if err := os.MkdirAll(filepath.Dir(fullPath), 0o750); err != nil {
		return nil, fmt.Errorf("ошибка создания каталога: %w", err)
	}

	tmpPath := fullPath + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания временного файла: %w", err)
	}

	src := reader
	if s.maxSize > 0 {
		src = io.LimitReader(reader, s.maxSize+1)
	}

	hasher := sha256.New()
	size, err := io.Copy(f, io.TeeReader(src, hasher))
	if err == nil && s.maxSize > 0 && size > s.maxSize {
		err = ErrTooLarge
	}
	if err != nil {
		f.Close()
		os.Remove(tmpPath)
		if errors.Is(err, ErrTooLarge) {
			return nil, fmt.Errorf("%w: лимит %d байт", ErrTooLarge, s.maxSize)
		}
		return nil, fmt.Errorf("ошибка записи данных: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка fsync: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка закрытия файла: %w", err)
	}
	if err := os.Rename(tmpPath, fullPath); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка атомарного переименования: %w", err)
	}

	return &SaveResult{
		RelativePath: rel,
		FullPath:     fullPath,
		Size:         size,
		Checksum:     hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// Open открывает файл по сохранённому абсолютному пути и возвращает его размер.
// Вызывающий код обязан закрыть файл.
func (s *Store) Open(path string) (*os.File, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, 0, fmt.Errorf("%w: %s", ErrFileMissing, path)
		}
		return nil, 0, fmt.Errorf("%w: %s: %v", ErrFileMissing, path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("%w: %s: %v", ErrFileMissing, path, err)
	}
	if info.IsDir() {
		f.Close()
		return nil, 0, fmt.Errorf("%w: %s — каталог", ErrFileMissing, path)
	}
	return f, info.Size(), nil
}

// Delete удаляет файл. Отсутствующий файл не считается ошибкой.
func (s *Store) Delete(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("ошибка удаления файла %s: %w", path, err)
	}
	return nil
}

// Exists проверяет существование файла.
func (s *Store) Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// storageName генерирует имя файла: {uuid8}_{имя}.{ext}
// Пример: a1b2c3d4_scan.dcm
func storageName(originalFilename string) string {
	base := filepath.Base(originalFilename)
	ext := filepath.Ext(base)
	name := truncateUTF8(sanitize(strings.TrimSuffix(base, ext)), maxNameBytes)
	ext = sanitize(strings.TrimPrefix(ext, "."))
	uid := uuid.New().String()[:8]
	if ext != "" && ext != "file" {
		return fmt.Sprintf("%s_%s.%s", uid, name, ext)
	}
	return fmt.Sprintf("%s_%s", uid, name)
}

// maxNameBytes — предел длины имени без расширения (в байтах).
const maxNameBytes = 100

// truncateUTF8 обрезает s до max байт, не разрывая многобайтовые символы.
func truncateUTF8(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}

// sanitize оставляет только буквы, цифры, дефис и подчёркивание,
// пробелы заменяет на подчёркивание.
func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "file"
	}
	return b.String()
}
