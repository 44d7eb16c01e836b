package girder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"
)

// cancelUploadTimeout ограничивает отмену загрузки после ошибки.
const cancelUploadTimeout = 10 * time.Second

// File — файл Girder (ответ на последний чанк загрузки).
type File struct {
	ID       string `json:"_id"`
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	ItemID   string `json:"itemId"`
	MimeType string `json:"mimeType"`
}

// uploadDoc — ответ Girder на инициализацию загрузки и на промежуточные чанки.
// Последний чанк возвращает документ файла (_modelType = "file").
type uploadDoc struct {
	ID        string `json:"_id"`
	ModelType string `json:"_modelType"`
	Received  *int64 `json:"received"`
	Size      int64  `json:"size"`
	Name      string `json:"name"`
	ItemID    string `json:"itemId"`
	MimeType  string `json:"mimeType"`
}

func (d *uploadDoc) isFile() bool {
	return d.ModelType == "file" || d.ItemID != ""
}

func (d *uploadDoc) file() *File {
	return &File{ID: d.ID, Name: d.Name, Size: d.Size, ItemID: d.ItemID, MimeType: d.MimeType}
}

// mimeTypes — MIME-типы по расширению файла.
var mimeTypes = map[string]string{
	".dcm":   "application/dicom",
	".dicom": "application/dicom",
	".jpg":   "image/jpeg",
	".jpeg":  "image/jpeg",
	".png":   "image/png",
	".pdf":   "application/pdf",
	".txt":   "text/plain",
	".csv":   "text/csv",
	".json":  "application/json",
	".zip":   "application/zip",
	".rar":   "application/x-rar-compressed",
	".7z":    "application/x-7z-compressed",
	".tar":   "application/x-tar",
	".gz":    "application/gzip",
}

// DetectMimeType возвращает MIME-тип по расширению имени файла.
func DetectMimeType(filename string) string {
	if mt, ok := mimeTypes[strings.ToLower(filepath.Ext(filename))]; ok {
		return mt
	}
	return "application/octet-stream"
}

// UploadFile загружает содержимое reader в папку folderID под именем filename.
//
// Протокол Girder:
//  1. POST /file (parentType=folder, parentId, name, size, mimeType) → upload
//  2. POST /file/chunk?uploadId&offset с телом чанка, пока не передано size байт
//
// В памяти держится не больше одного чанка. size должен совпадать
// с количеством байт в reader.
func (c *Client) UploadFile(ctx context.Context, folderID, filename string, size int64, reader io.Reader) (*File, error) {
	if size < 0 {
		return nil, fmt.Errorf("некорректный размер файла: %d", size)
	}
	mimeType := DetectMimeType(filename)

	c.logger.Info("Инициализация загрузки",
		slog.String("folder_id", folderID),
		slog.String("name", filename),
		slog.Int64("size", size),
	)

	var init uploadDoc
	err := c.do(ctx, request{
		op:     "upload_init",
		method: http.MethodPost,
		path:   "/file",
		query: url.Values{
			"parentType": {"folder"},
			"parentId":   {folderID},
			"name":       {filename},
			"size":       {itoa64(size)},
			"mimeType":   {mimeType},
		},
	}, &init)
	if err != nil {
		return nil, err
	}

	// Пустой файл Girder создаёт сразу, без чанков
	if size == 0 {
		if !init.isFile() {
			return nil, fmt.Errorf("Girder не вернул документ файла для пустой загрузки")
		}
		return init.file(), nil
	}
	if init.ID == "" {
		return nil, fmt.Errorf("Girder не вернул ID загрузки")
	}

	f, err := c.sendChunks(ctx, init.ID, filename, size, reader)
	if err != nil {
		c.cancelUpload(ctx, init.ID)
		return nil, err
	}
	return f, nil
}

// sendChunks передаёт содержимое reader чанками в начатую загрузку uploadID.
func (c *Client) sendChunks(ctx context.Context, uploadID, filename string, size int64, reader io.Reader) (*File, error) {
	chunkSize := c.chunkSize
	if size < chunkSize {
		chunkSize = size
	}
	buf := make([]byte, chunkSize)

	var offset int64
	for offset < size {
		n := chunkSize
		if rest := size - offset; rest < n {
			n = rest
		}
		read, err := io.ReadFull(reader, buf[:n])
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("источник закончился на %d байтах из %d", offset+int64(read), size)
			}
			return nil, fmt.Errorf("чтение источника на смещении %d: %w", offset, err)
		}

		var doc uploadDoc
		err = c.do(ctx, request{
			op:     "upload_chunk",
			method: http.MethodPost,
			path:   "/file/chunk",
			query: url.Values{
				"uploadId": {uploadID},
				"offset":   {itoa64(offset)},
			},
			body:        buf[:read],
			contentType: "application/octet-stream",
		}, &doc)
		if err != nil {
			return nil, err
		}
		uploadBytesTotal.Add(float64(read))

		offset += int64(read)
		if doc.Received != nil && *doc.Received != offset {
			return nil, fmt.Errorf("Girder принял %d байт, отправлено %d", *doc.Received, offset)
		}

		c.logger.Debug("Чанк загружен",
			slog.String("upload_id", uploadID),
			slog.Int64("offset", offset),
			slog.Int64("size", size),
		)

		if offset >= size {
			if !doc.isFile() {
				return nil, fmt.Errorf("загрузка %s не завершена Girder после последнего чанка", uploadID)
			}
			if doc.Size != 0 && doc.Size != size {
				c.logger.Warn("Размер файла в Girder не совпадает",
					slog.String("file_id", doc.ID),
					slog.Int64("expected", size),
					slog.Int64("actual", doc.Size),
				)
			}
			c.logger.Info("Файл загружен",
				slog.String("file_id", doc.ID),
				slog.String("name", filename),
			)
			return doc.file(), nil
		}
	}

	return nil, fmt.Errorf("загрузка %s прервана", uploadID)
}

// cancelUpload отменяет незавершённую загрузку (DELETE /file/upload/{id}),
// чтобы в Girder не оставались частично принятые данные.
// Ошибка отмены только логируется: исходная ошибка загрузки важнее.
func (c *Client) cancelUpload(ctx context.Context, uploadID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelUploadTimeout)
	defer cancel()

	err := c.do(ctx, request{
		op:     "upload_cancel",
		method: http.MethodDelete,
		path:   "/file/upload/" + url.PathEscape(uploadID),
	}, nil)
	if err != nil {
		c.logger.Warn("Не удалось отменить незавершённую загрузку",
			slog.String("upload_id", uploadID),
			slog.String("error", err.Error()),
		)
		return
	}
	c.logger.Info("Незавершённая загрузка отменена", slog.String("upload_id", uploadID))
}
