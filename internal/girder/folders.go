package girder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
)

// Folder — папка Girder.
type Folder struct {
	ID               string         `json:"_id"`
	Name             string         `json:"name"`
	ParentID         string         `json:"parentId"`
	ParentCollection string         `json:"parentCollection"`
	Public           bool           `json:"public"`
	Meta             map[string]any `json:"meta,omitempty"`
}

// FindFolder ищет дочернюю папку по имени.
// Возвращает ErrFolderNotFound, если папки нет.
func (c *Client) FindFolder(ctx context.Context, parentID, name string) (*Folder, error) {
	var raw json.RawMessage
	err := c.do(ctx, request{
		op:     "find_folder",
		method: http.MethodGet,
		path:   "/folder",
		query: url.Values{
			"parentType": {"folder"},
			"parentId":   {parentID},
			"name":       {name},
			"limit":      {"1"},
		},
	}, &raw)
	if err != nil {
		return nil, err
	}

	folders, err := decodeFolderList(raw)
	if err != nil {
		return nil, fmt.Errorf("декодирование списка папок: %w", err)
	}
	for _, f := range folders {
		if f.Name == name {
			return f, nil
		}
	}
	return nil, ErrFolderNotFound
}

// decodeFolderList принимает как массив, так и объект {"data": [...]}.
func decodeFolderList(raw json.RawMessage) ([]*Folder, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '{' {
		var wrapped struct {
			Data []*Folder `json:"data"`
		}
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			return nil, err
		}
		return wrapped.Data, nil
	}
	var folders []*Folder
	if err := json.Unmarshal(raw, &folders); err != nil {
		return nil, err
	}
	return folders, nil
}

// CreateFolder создаёт дочернюю папку.
// reuseExisting=true: при гонке Girder вернёт уже существующую папку.
func (c *Client) CreateFolder(ctx context.Context, parentID, name string) (*Folder, error) {
	body, ct := formBody(url.Values{
		"parentType":    {"folder"},
		"parentId":      {parentID},
		"name":          {name},
		"public":        {strconv.FormatBool(c.public)},
		"reuseExisting": {"true"},
	})

	var f Folder
	err := c.do(ctx, request{
		op:          "create_folder",
		method:      http.MethodPost,
		path:        "/folder",
		body:        body,
		contentType: ct,
	}, &f)
	if err != nil {
		return nil, err
	}
	if f.ID == "" {
		return nil, fmt.Errorf("Girder не вернул ID созданной папки %q", name)
	}
	return &f, nil
}

// EnsureFolder возвращает дочернюю папку с именем name, создавая её при отсутствии.
// Повторные вызовы с теми же аргументами возвращают ту же папку.
func (c *Client) EnsureFolder(ctx context.Context, parentID, name string) (*Folder, error) {
	key := parentID + "/" + name
	if c.folders != nil {
		if f, ok := c.folders.Get(key); ok {
			folderCacheHits.Inc()
			return f, nil
		}
		folderCacheMisses.Inc()
	}

	f, err := c.FindFolder(ctx, parentID, name)
	switch {
	case err == nil:
		c.logger.Debug("Папка найдена",
			slog.String("parent_id", parentID),
			slog.String("name", name),
			slog.String("folder_id", f.ID),
		)
	case errors.Is(err, ErrFolderNotFound):
		f, err = c.CreateFolder(ctx, parentID, name)
		if err != nil {
			return nil, err
		}
		foldersCreatedTotal.Inc()
		c.logger.Info("Папка создана",
			slog.String("parent_id", parentID),
			slog.String("name", name),
			slog.String("folder_id", f.ID),
		)
	default:
		return nil, err
	}

	if c.folders != nil {
		c.folders.Add(key, f)
	}
	return f, nil
}

// GetFolder возвращает папку по ID.
// Girder отвечает 400 на некорректный ObjectId и 404 на отсутствующий,
// оба случая возвращаются как ErrFolderNotFound.
func (c *Client) GetFolder(ctx context.Context, folderID string) (*Folder, error) {
	var f Folder
	err := c.do(ctx, request{
		op:     "get_folder",
		method: http.MethodGet,
		path:   "/folder/" + url.PathEscape(folderID),
	}, &f)
	if err != nil {
		if IsStatus(err, http.StatusNotFound) || IsStatus(err, http.StatusBadRequest) {
			return nil, fmt.Errorf("%w: %s", ErrFolderNotFound, folderID)
		}
		return nil, err
	}
	return &f, nil
}

// SetMetadata дополняет метаданные папки (существующие ключи перезаписываются).
func (c *Client) SetMetadata(ctx context.Context, folderID string, meta map[string]any) (*Folder, error) {
	payload, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("сериализация метаданных: %w", err)
	}

	var f Folder
	err = c.do(ctx, request{
		op:          "set_metadata",
		method:      http.MethodPut,
		path:        "/folder/" + url.PathEscape(folderID) + "/metadata",
		body:        payload,
		contentType: "application/json",
	}, &f)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// SetFolderAccess меняет публичность папки, сохраняя текущий список доступа.
func (c *Client) SetFolderAccess(ctx context.Context, folderID string, public bool) error {
	var access json.RawMessage
	err := c.do(ctx, request{
		op:     "get_access",
		method: http.MethodGet,
		path:   "/folder/" + url.PathEscape(folderID) + "/access",
	}, &access)
	if err != nil {
		return err
	}

	return c.do(ctx, request{
		op:     "set_access",
		method: http.MethodPut,
		path:   "/folder/" + url.PathEscape(folderID) + "/access",
		query: url.Values{
			"access":  {string(access)},
			"public":  {strconv.FormatBool(public)},
			"recurse": {"false"},
		},
	}, nil)
}
