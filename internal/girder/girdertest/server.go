// Пакет girdertest — in-memory имитация Girder REST API для тестов.
// Поддерживает обмен API-ключа на токен, папки, метаданные, права
// и чанковую загрузку файлов.
package girdertest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
)

// folder — папка в памяти.
type folder struct {
	ID       string
	Name     string
	ParentID string
	Public   bool
	Meta     map[string]any
}

type upload struct {
	ID       string
	ParentID string
	Name     string
	MimeType string
	Size     int64
	Data     []byte
}

// StoredFile — файл, загруженный в имитацию.
type StoredFile struct {
	ID       string
	FolderID string
	Name     string
	MimeType string
	Data     []byte
}

// Server — имитация Girder поверх httptest.Server.
// URL() возвращает базовый URL API (аналог https://host/api/v1).
type Server struct {
	srv *httptest.Server

	APIKey string
	Token  string
	RootID string

	mu          sync.Mutex
	nextID      int
	folders     map[string]*folder
	uploads     map[string]*upload
	files       map[string]*StoredFile
	calls       map[string]int
	chunkSizes  []int
	failChunks  int
	wrapList    bool
	tokenIssued int
}

// NewServer запускает имитацию с корневой папкой rootID.
// Сервер останавливается через t.Cleanup.
func NewServer(t interface{ Cleanup(func()) }, apiKey, rootID string) *Server {
	s := &Server{
		APIKey:  apiKey,
		Token:   "test-girder-token",
		RootID:  rootID,
		folders: map[string]*folder{rootID: {ID: rootID, Name: "root"}},
		uploads: map[string]*upload{},
		files:   map[string]*StoredFile{},
		calls:   map[string]int{},
	}

	r := chi.NewRouter()
	r.Post("/api_key/token", s.handleToken)
	r.Group(func(r chi.Router) {
		r.Use(s.requireToken)
		r.Get("/folder", s.handleFindFolder)
		r.Post("/folder", s.handleCreateFolder)
		r.Get("/folder/{id}", s.handleGetFolder)
		r.Put("/folder/{id}/metadata", s.handleSetMetadata)
		r.Get("/folder/{id}/access", s.handleGetAccess)
		r.Put("/folder/{id}/access", s.handleSetAccess)
		r.Post("/file", s.handleInitUpload)
		r.Post("/file/chunk", s.handleChunk)
		r.Delete("/file/upload/{id}", s.handleCancelUpload)
	})

	s.srv = httptest.NewServer(r)
	t.Cleanup(s.srv.Close)
	return s
}

// URL возвращает базовый URL API.
func (s *Server) URL() string {
	return s.srv.URL
}

// Close останавливает сервер (для проверки сетевых ошибок).
func (s *Server) Close() {
	s.srv.Close()
}

// Calls возвращает количество запросов вида "POST /folder".
func (s *Server) Calls(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[key]
}

// TokensIssued возвращает количество выданных токенов.
func (s *Server) TokensIssued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokenIssued
}

// RotateToken заменяет действующий токен: ранее выданный перестаёт приниматься.
func (s *Server) RotateToken(token string) {
	s.mu.Lock()
	s.Token = token
	s.mu.Unlock()
}

// FailNextChunks заставляет следующие n запросов /file/chunk вернуть 500.
func (s *Server) FailNextChunks(n int) {
	s.mu.Lock()
	s.failChunks = n
	s.mu.Unlock()
}

// WrapFolderList переключает формат ответа GET /folder на {"data": [...]}.
func (s *Server) WrapFolderList(wrap bool) {
	s.mu.Lock()
	s.wrapList = wrap
	s.mu.Unlock()
}

// ChunkSizes возвращает размеры принятых чанков.
func (s *Server) ChunkSizes() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.chunkSizes...)
}

// FolderCount возвращает количество папок, включая корневую.
func (s *Server) FolderCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.folders)
}

// FolderByPath ищет папку по цепочке имён от корня.
func (s *Server) FolderByPath(names ...string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.RootID
	for _, name := range names {
		next := ""
		for _, f := range s.folders {
			if f.ParentID == cur && f.Name == name {
				next = f.ID
				break
			}
		}
		if next == "" {
			return "", false
		}
		cur = next
	}
	return cur, true
}

// Meta возвращает метаданные папки.
func (s *Server) Meta(folderID string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.folders[folderID]; ok {
		return f.Meta
	}
	return nil
}

// Public сообщает, публична ли папка.
func (s *Server) Public(folderID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.folders[folderID]
	return ok && f.Public
}

// DeleteFolder удаляет папку (имитация ручного удаления в Girder).
func (s *Server) DeleteFolder(folderID string) {
	s.mu.Lock()
	delete(s.folders, folderID)
	s.mu.Unlock()
}

// File возвращает загруженный файл по ID.
func (s *Server) File(fileID string) (*StoredFile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[fileID]
	return f, ok
}

// FileCount возвращает количество загруженных файлов.
func (s *Server) FileCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.files)
}

// PendingUploads возвращает количество начатых и не завершённых загрузок.
func (s *Server) PendingUploads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.uploads)
}

// --- Обработчики ---

func (s *Server) newID(prefix string) string {
	s.nextID++
	return fmt.Sprintf("%s%06d", prefix, s.nextID)
}

func (s *Server) count(r *http.Request) {
	key := r.Method + " " + r.URL.Path
	s.mu.Lock()
	s.calls[key]++
	s.mu.Unlock()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg, "type": "rest"})
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.count(r)
		s.mu.Lock()
		token := s.Token
		s.mu.Unlock()
		if r.Header.Get("Girder-Token") != token {
			writeError(w, http.StatusUnauthorized, "You must be logged in.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	s.count(r)
	if err := r.ParseForm(); err != nil || r.PostForm.Get("key") != s.APIKey {
		writeError(w, http.StatusUnauthorized, "Invalid API key.")
		return
	}
	s.mu.Lock()
	s.tokenIssued++
	token := s.Token
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"authToken": map[string]string{
			"token":   token,
			"expires": time.Now().Add(24 * time.Hour).UTC().Format("2006-01-02T15:04:05.000000+00:00"),
		},
	})
}

func folderDoc(f *folder) map[string]any {
	meta := f.Meta
	if meta == nil {
		meta = map[string]any{}
	}
	return map[string]any{
		"_id":              f.ID,
		"_modelType":       "folder",
		"name":             f.Name,
		"parentId":         f.ParentID,
		"parentCollection": "folder",
		"public":           f.Public,
		"meta":             meta,
	}
}

func (s *Server) handleFindFolder(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	parentID, name := q.Get("parentId"), q.Get("name")

	s.mu.Lock()
	result := []map[string]any{}
	for _, f := range s.folders {
		if f.ParentID == parentID && f.Name == name {
			result = append(result, folderDoc(f))
			break
		}
	}
	wrap := s.wrapList
	s.mu.Unlock()

	if wrap {
		writeJSON(w, http.StatusOK, map[string]any{"data": result})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCreateFolder(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	parentID, name := r.PostForm.Get("parentId"), r.PostForm.Get("name")

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.folders[parentID]; !ok {
		writeError(w, http.StatusBadRequest, "Invalid folder id ("+parentID+").")
		return
	}
	for _, f := range s.folders {
		if f.ParentID == parentID && f.Name == name {
			if r.PostForm.Get("reuseExisting") == "true" {
				writeJSON(w, http.StatusOK, folderDoc(f))
				return
			}
			writeError(w, http.StatusBadRequest, "A folder with that name already exists here.")
			return
		}
	}
	f := &folder{
		ID:       s.newID("f"),
		Name:     name,
		ParentID: parentID,
		Public:   r.PostForm.Get("public") == "true",
	}
	s.folders[f.ID] = f
	writeJSON(w, http.StatusOK, folderDoc(f))
}

func (s *Server) handleGetFolder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	f, ok := s.folders[id]
	var doc map[string]any
	if ok {
		doc = folderDoc(f)
	}
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid folder id ("+id+").")
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleSetMetadata(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var meta map[string]any
	if err := json.NewDecoder(r.Body).Decode(&meta); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON passed in request body.")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.folders[id]
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid folder id ("+id+").")
		return
	}
	if f.Meta == nil {
		f.Meta = map[string]any{}
	}
	for k, v := range meta {
		f.Meta[k] = v
	}
	writeJSON(w, http.StatusOK, folderDoc(f))
}

func (s *Server) handleGetAccess(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	_, ok := s.folders[id]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid folder id ("+id+").")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"users":  []map[string]any{{"id": "admin", "level": 2}},
		"groups": []any{},
	})
}

func (s *Server) handleSetAccess(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	q := r.URL.Query()
	var access map[string]any
	if err := json.Unmarshal([]byte(q.Get("access")), &access); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid access JSON.")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.folders[id]
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid folder id ("+id+").")
		return
	}
	f.Public = q.Get("public") == "true"
	writeJSON(w, http.StatusOK, folderDoc(f))
}

func (s *Server) fileDoc(f *StoredFile) map[string]any {
	return map[string]any{
		"_id":        f.ID,
		"_modelType": "file",
		"name":       f.Name,
		"size":       len(f.Data),
		"itemId":     "item-" + f.ID,
		"mimeType":   f.MimeType,
	}
}

func (s *Server) handleInitUpload(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	size, err := strconv.ParseInt(q.Get("size"), 10, 64)
	if err != nil || size < 0 {
		writeError(w, http.StatusBadRequest, "Invalid size.")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	parentID := q.Get("parentId")
	if _, ok := s.folders[parentID]; !ok || q.Get("parentType") != "folder" {
		writeError(w, http.StatusBadRequest, "Invalid folder id ("+parentID+").")
		return
	}

	if size == 0 {
		f := &StoredFile{ID: s.newID("file"), FolderID: parentID, Name: q.Get("name"), MimeType: q.Get("mimeType")}
		s.files[f.ID] = f
		writeJSON(w, http.StatusOK, s.fileDoc(f))
		return
	}

	u := &upload{
		ID:       s.newID("up"),
		ParentID: parentID,
		Name:     q.Get("name"),
		MimeType: q.Get("mimeType"),
		Size:     size,
	}
	s.uploads[u.ID] = u
	writeJSON(w, http.StatusOK, map[string]any{
		"_id": u.ID, "_modelType": "upload", "received": 0, "size": size, "name": u.Name,
	})
}

func (s *Server) handleChunk(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failChunks > 0 {
		s.failChunks--
		writeError(w, http.StatusInternalServerError, "Storage backend unavailable.")
		return
	}

	u, ok := s.uploads[q.Get("uploadId")]
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid upload id.")
		return
	}
	offset, err := strconv.ParseInt(q.Get("offset"), 10, 64)
	if err != nil || offset != int64(len(u.Data)) {
		writeError(w, http.StatusBadRequest, "Server has received "+strconv.Itoa(len(u.Data))+" bytes, but client sent offset "+q.Get("offset")+".")
		return
	}
	if int64(len(u.Data)+len(body)) > u.Size {
		writeError(w, http.StatusBadRequest, "Received too many bytes.")
		return
	}

	s.chunkSizes = append(s.chunkSizes, len(body))
	u.Data = append(u.Data, body...)

	if int64(len(u.Data)) == u.Size {
		delete(s.uploads, u.ID)
		f := &StoredFile{ID: s.newID("file"), FolderID: u.ParentID, Name: u.Name, MimeType: u.MimeType, Data: u.Data}
		s.files[f.ID] = f
		writeJSON(w, http.StatusOK, s.fileDoc(f))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"_id": u.ID, "_modelType": "upload", "received": len(u.Data), "size": u.Size, "name": u.Name,
	})
}

func (s *Server) handleCancelUpload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	u, ok := s.uploads[id]
	delete(s.uploads, id)
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid upload id.")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"_id": u.ID, "_modelType": "upload", "received": len(u.Data), "size": u.Size, "name": u.Name,
	})
}
