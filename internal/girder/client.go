// Пакет girder — HTTP-клиент Girder REST API.
//
// Авторизация: API-ключ обменивается на токен (POST /api_key/token),
// токен кэшируется до истечения и передаётся в заголовке Girder-Token.
// API-ключ не покидает процесс: не логируется и не возвращается клиентам.
//
// Операции: поиск/создание папок (EnsureFolder), получение папки,
// метаданные и права папки, чанковая загрузка файлов.
package girder

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// DefaultChunkSize — размер чанка загрузки по умолчанию (10 MiB).
const DefaultChunkSize int64 = 10 * 1024 * 1024

// defaultTokenTTL — время жизни токена, если Girder не вернул expires.
const defaultTokenTTL = time.Hour

// ErrFolderNotFound — папка не найдена в Girder.
var ErrFolderNotFound = errors.New("папка Girder не найдена")

// APIError — ответ Girder с кодом, отличным от 2xx.
type APIError struct {
	// Operation — операция клиента (find_folder, upload_chunk, ...)
	Operation  string
	StatusCode int
	// Message — поле message из JSON-ответа Girder или тело ответа
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("girder %s: статус %d: %s", e.Operation, e.StatusCode, e.Message)
}

// Config — параметры клиента Girder.
type Config struct {
	// APIURL — базовый URL API (https://girder.example.org/api/v1)
	APIURL string
	// APIKey — API-ключ для получения токена
	APIKey string
	// Timeout — таймаут одного HTTP-запроса
	Timeout time.Duration
	// ChunkSize — максимальный размер тела одного запроса /file/chunk
	ChunkSize int64
	// CACertPath — CA-сертификат для TLS (пустая строка — системный пул)
	CACertPath string
	// FolderCacheSize, FolderCacheTTL — LRU-кэш найденных папок (0 — без кэша)
	FolderCacheSize int
	FolderCacheTTL  time.Duration
	// PublicFolders — создавать папки публичными
	PublicFolders bool
}

// Client — HTTP-клиент Girder.
type Client struct {
	baseURL    string
	apiKey     string
	chunkSize  int64
	public     bool
	httpClient *http.Client
	folders    *expirable.LRU[string, *Folder]
	logger     *slog.Logger

	mu    sync.RWMutex
	token *cachedToken
}

type cachedToken struct {
	value     string
	expiresAt time.Time
}

// New создаёт клиент Girder.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.APIURL == "" {
		return nil, fmt.Errorf("не задан URL Girder API")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("не задан API-ключ Girder")
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConnsPerHost: 10,
	}
	if cfg.CACertPath != "" {
		tlsConfig, err := buildTLSConfig(cfg.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("загрузка CA-сертификата Girder: %w", err)
		}
		transport.TLSClientConfig = tlsConfig
		logger.Info("CA-сертификат Girder добавлен в пул доверия",
			slog.String("ca_cert", cfg.CACertPath),
		)
	}

	c := &Client{
		baseURL:   strings.TrimRight(cfg.APIURL, "/"),
		apiKey:    cfg.APIKey,
		chunkSize: cfg.ChunkSize,
		public:    cfg.PublicFolders,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		logger: logger.With(slog.String("component", "girder_client")),
	}
	if cfg.FolderCacheSize > 0 {
		c.folders = expirable.NewLRU[string, *Folder](cfg.FolderCacheSize, nil, cfg.FolderCacheTTL)
	}
	return c, nil
}

// buildTLSConfig создаёт TLS-конфигурацию с кастомным CA.
func buildTLSConfig(caCertPath string) (*tls.Config, error) {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("чтение CA-сертификата: %w", err)
	}

	caCertPool, err := x509.SystemCertPool()
	if err != nil {
		caCertPool = x509.NewCertPool()
	}
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("CA-сертификат %s не содержит PEM-блоков", caCertPath)
	}

	return &tls.Config{
		RootCAs:    caCertPool,
		MinVersion: tls.VersionTLS12,
	}, nil
}

// Token возвращает действующий токен Girder, при необходимости получая новый.
func (c *Client) Token(ctx context.Context) (string, error) {
	c.mu.RLock()
	if c.token != nil && time.Now().Before(c.token.expiresAt) {
		token := c.token.value
		c.mu.RUnlock()
		return token, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Double-check после получения write lock
	if c.token != nil && time.Now().Before(c.token.expiresAt) {
		return c.token.value, nil
	}

	return c.requestToken(ctx)
}

// invalidateToken сбрасывает кэш токена (после 401 от Girder).
func (c *Client) invalidateToken() {
	c.mu.Lock()
	c.token = nil
	c.mu.Unlock()
}

// requestToken обменивает API-ключ на токен. Вызывается под write lock.
func (c *Client) requestToken(ctx context.Context) (string, error) {
	form := url.Values{"key": {c.apiKey}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api_key/token",
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("создание запроса токена: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		observeRequest("token", 0, start)
		return "", fmt.Errorf("запрос токена Girder: %w", err)
	}
	defer resp.Body.Close()
	observeRequest("token", resp.StatusCode, start)

	if resp.StatusCode != http.StatusOK {
		return "", newAPIError("token", resp)
	}

	var body struct {
		AuthToken struct {
			Token   string `json:"token"`
			Expires string `json:"expires"`
		} `json:"authToken"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("декодирование токена Girder: %w", err)
	}
	if body.AuthToken.Token == "" {
		return "", fmt.Errorf("Girder не вернул токен")
	}

	expiresAt := time.Now().Add(defaultTokenTTL)
	if t, err := time.Parse(time.RFC3339Nano, body.AuthToken.Expires); err == nil {
		expiresAt = t
	}
	// Запас на рассинхронизацию часов
	expiresAt = expiresAt.Add(-time.Minute)

	c.token = &cachedToken{value: body.AuthToken.Token, expiresAt: expiresAt}
	c.logger.Info("Получен токен Girder",
		slog.Time("expires_at", expiresAt),
	)
	return c.token.value, nil
}

// request — параметры одного запроса к Girder.
type request struct {
	op          string
	method      string
	path        string
	query       url.Values
	// body передаётся целиком, чтобы запрос можно было повторить
	body        []byte
	contentType string
}

// do выполняет запрос с токеном и декодирует JSON-ответ в out (если out != nil).
// Если Girder отклонил токен (401), кэш токена сбрасывается и запрос
// повторяется один раз с новым токеном.
func (c *Client) do(ctx context.Context, r request, out any) error {
	err := c.doOnce(ctx, r, out)
	if !isRejectedToken(err) {
		return err
	}
	c.logger.Info("Girder отклонил токен, повтор запроса с новым токеном",
		slog.String("operation", r.op),
	)
	return c.doOnce(ctx, r, out)
}

// isRejectedToken сообщает, что запрос отклонён из-за токена, а не API-ключа.
func isRejectedToken(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) &&
		apiErr.StatusCode == http.StatusUnauthorized &&
		apiErr.Operation != "token"
}

func (c *Client) doOnce(ctx context.Context, r request, out any) error {
	token, err := c.Token(ctx)
	if err != nil {
		return err
	}

	reqURL := c.baseURL + r.path
	if len(r.query) > 0 {
		reqURL += "?" + r.query.Encode()
	}

	var body io.Reader = http.NoBody
	if r.body != nil {
		body = bytes.NewReader(r.body)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, reqURL, body)
	if err != nil {
		return fmt.Errorf("создание запроса %s: %w", r.op, err)
	}
	req.Header.Set("Girder-Token", token)
	req.Header.Set("Accept", "application/json")
	if r.contentType != "" {
		req.Header.Set("Content-Type", r.contentType)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:gosec // URL из конфигурации
	if err != nil {
		observeRequest(r.op, 0, start)
		return fmt.Errorf("запрос %s к Girder: %w", r.op, err)
	}
	defer resp.Body.Close()
	observeRequest(r.op, resp.StatusCode, start)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if resp.StatusCode == http.StatusUnauthorized {
			c.invalidateToken()
		}
		return newAPIError(r.op, resp)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("декодирование ответа %s: %w", r.op, err)
	}
	return nil
}

// newAPIError читает тело ответа с ошибкой (не более 4 KiB).
func newAPIError(op string, resp *http.Response) *APIError {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(raw))

	var body struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Message != "" {
		msg = body.Message
	}
	return &APIError{Operation: op, StatusCode: resp.StatusCode, Message: msg}
}

// IsStatus сообщает, является ли err ответом Girder с указанным кодом.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == status
}

func formBody(v url.Values) ([]byte, string) {
	return []byte(v.Encode()), "application/x-www-form-urlencoded"
}

func itoa64(n int64) string {
	return strconv.FormatInt(n, 10)
}
