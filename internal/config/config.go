// Пакет config — загрузка и валидация конфигурации girder-sync
// из переменных окружения (с необязательным файлом .env).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Config содержит все параметры конфигурации сервиса синхронизации.
type Config struct {
	// --- Сервер ---

	// Порт HTTP-сервера
	Port int
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// --- PostgreSQL ---

	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	// Режим SSL: disable, require, verify-ca, verify-full
	DBSSLMode string

	// --- Girder ---

	// Базовый URL Girder API (например, https://girder.example.org/api/v1)
	GirderAPIURL string
	// API-ключ Girder. Хранится только в процессе сервера.
	GirderAPIKey string
	// ID корневой папки, под которой строится дерево центров
	GirderRootFolderID string
	// Таймаут HTTP-запросов к Girder (ограничивает и загрузку одного чанка)
	GirderTimeout time.Duration
	// Размер чанка при загрузке файлов
	GirderChunkSize int64
	// Путь к CA-сертификату для TLS-соединений с Girder (опционально)
	GirderCACertPath string
	// Размер LRU-кэша найденных папок
	GirderFolderCacheSize int
	// TTL записи в кэше папок
	GirderFolderCacheTTL time.Duration
	// Создавать папки публичными
	GirderPublicFolders bool

	// --- Локальное хранилище ---

	// Каталог для файлов, ожидающих синхронизации
	StagingDir string
	// Максимальный размер загружаемого файла в байтах
	MaxUploadSize int64

	// --- Данные ---

	// Префикс папки центра для webhook (center_code=Bordeaux → CHU_Bordeaux)
	CenterFolderPrefix string
	// Заполнять справочники начальными данными при пустой БД
	SeedData bool

	// --- Фоновая синхронизация ---

	// Интервал фоновой синхронизации PENDING-файлов (0 — отключена)
	SyncInterval time.Duration

	// --- topologymetrics ---

	// Имя группы в метриках зависимостей
	DephealthGroup string
	// Интервал проверки PostgreSQL и Girder
	DephealthCheckInterval time.Duration

	// --- HTTP Server Timeouts ---

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration

	// --- Graceful shutdown ---

	// Таймаут graceful shutdown HTTP-сервера
	ShutdownTimeout time.Duration
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
// Если в рабочем каталоге есть файл .env, его значения подставляются
// для переменных, не заданных в окружении.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("чтение .env: %w", err)
	}

	cfg := &Config{}
	var err error

	// --- Сервер ---

	// GS_PORT — порт HTTP-сервера (по умолчанию 8000)
	cfg.Port, err = getEnvInt("GS_PORT", 8000)
	if err != nil {
		return nil, fmt.Errorf("GS_PORT: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("GS_PORT: значение %d вне допустимого диапазона 1-65535", cfg.Port)
	}

	// GS_LOG_LEVEL — уровень логирования (по умолчанию info)
	cfg.LogLevel, err = parseLogLevel(getEnvDefault("GS_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("GS_LOG_LEVEL: %w", err)
	}

	// GS_LOG_FORMAT — формат логов (по умолчанию json)
	cfg.LogFormat = getEnvDefault("GS_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("GS_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	// --- PostgreSQL ---

	if cfg.DBHost, err = getEnvRequired("GS_DB_HOST"); err != nil {
		return nil, err
	}
	cfg.DBPort, err = getEnvInt("GS_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("GS_DB_PORT: %w", err)
	}
	if cfg.DBName, err = getEnvRequired("GS_DB_NAME"); err != nil {
		return nil, err
	}
	if cfg.DBUser, err = getEnvRequired("GS_DB_USER"); err != nil {
		return nil, err
	}
	if cfg.DBPassword, err = getEnvRequired("GS_DB_PASSWORD"); err != nil {
		return nil, err
	}
	cfg.DBSSLMode = getEnvDefault("GS_DB_SSL_MODE", "disable")
	switch cfg.DBSSLMode {
	case "disable", "require", "verify-ca", "verify-full":
	default:
		return nil, fmt.Errorf("GS_DB_SSL_MODE: недопустимое значение %q", cfg.DBSSLMode)
	}

	// --- Girder ---

	if cfg.GirderAPIURL, err = getEnvRequired("GS_GIRDER_API_URL"); err != nil {
		return nil, err
	}
	if u, parseErr := url.Parse(cfg.GirderAPIURL); parseErr != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("GS_GIRDER_API_URL: некорректный URL %q", cfg.GirderAPIURL)
	}
	cfg.GirderAPIURL = strings.TrimRight(cfg.GirderAPIURL, "/")

	if cfg.GirderAPIKey, err = getEnvRequired("GS_GIRDER_API_KEY"); err != nil {
		return nil, err
	}
	if cfg.GirderRootFolderID, err = getEnvRequired("GS_GIRDER_ROOT_FOLDER_ID"); err != nil {
		return nil, err
	}

	// GS_GIRDER_TIMEOUT — таймаут запросов (по умолчанию 5m, чанк 10 MiB на медленном канале)
	cfg.GirderTimeout, err = getEnvDuration("GS_GIRDER_TIMEOUT", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("GS_GIRDER_TIMEOUT: %w", err)
	}

	// GS_GIRDER_CHUNK_SIZE — размер чанка в байтах (по умолчанию 10 MiB)
	cfg.GirderChunkSize, err = getEnvInt64("GS_GIRDER_CHUNK_SIZE", 10*1024*1024)
	if err != nil {
		return nil, fmt.Errorf("GS_GIRDER_CHUNK_SIZE: %w", err)
	}
	if cfg.GirderChunkSize <= 0 {
		return nil, fmt.Errorf("GS_GIRDER_CHUNK_SIZE: значение должно быть положительным")
	}

	cfg.GirderCACertPath = getEnvDefault("GS_GIRDER_CA_CERT_PATH", "")

	cfg.GirderFolderCacheSize, err = getEnvInt("GS_GIRDER_FOLDER_CACHE_SIZE", 1024)
	if err != nil {
		return nil, fmt.Errorf("GS_GIRDER_FOLDER_CACHE_SIZE: %w", err)
	}
	cfg.GirderFolderCacheTTL, err = getEnvDuration("GS_GIRDER_FOLDER_CACHE_TTL", 10*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("GS_GIRDER_FOLDER_CACHE_TTL: %w", err)
	}
	cfg.GirderPublicFolders, err = getEnvBool("GS_GIRDER_PUBLIC_FOLDERS", true)
	if err != nil {
		return nil, fmt.Errorf("GS_GIRDER_PUBLIC_FOLDERS: %w", err)
	}

	// --- Локальное хранилище ---

	cfg.StagingDir = getEnvDefault("GS_STAGING_DIR", "./uploads")
	cfg.MaxUploadSize, err = getEnvInt64("GS_MAX_UPLOAD_SIZE", 2*1024*1024*1024)
	if err != nil {
		return nil, fmt.Errorf("GS_MAX_UPLOAD_SIZE: %w", err)
	}

	// --- Данные ---

	cfg.CenterFolderPrefix = getEnvDefault("GS_CENTER_FOLDER_PREFIX", "CHU_")
	cfg.SeedData, err = getEnvBool("GS_SEED_DATA", true)
	if err != nil {
		return nil, fmt.Errorf("GS_SEED_DATA: %w", err)
	}

	// --- Фоновая синхронизация ---

	// GS_SYNC_INTERVAL — интервал фоновой синхронизации (по умолчанию 0, отключена)
	cfg.SyncInterval, err = getEnvDuration("GS_SYNC_INTERVAL", 0)
	if err != nil {
		return nil, fmt.Errorf("GS_SYNC_INTERVAL: %w", err)
	}
	if cfg.SyncInterval < 0 {
		return nil, fmt.Errorf("GS_SYNC_INTERVAL: значение не может быть отрицательным")
	}

	// --- topologymetrics ---

	cfg.DephealthGroup = getEnvDefault("GS_DEPHEALTH_GROUP", "girder-sync")
	cfg.DephealthCheckInterval, err = getEnvDuration("GS_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("GS_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}
	if cfg.DephealthCheckInterval <= 0 {
		return nil, fmt.Errorf("GS_DEPHEALTH_CHECK_INTERVAL: значение должно быть положительным")
	}

	// --- HTTP Server Timeouts ---

	cfg.HTTPReadTimeout, err = getEnvDuration("GS_HTTP_READ_TIMEOUT", 60*time.Second)
	if err != nil {
		return nil, fmt.Errorf("GS_HTTP_READ_TIMEOUT: %w", err)
	}
	// Запись ответа на sync ждёт завершения загрузки в Girder
	cfg.HTTPWriteTimeout, err = getEnvDuration("GS_HTTP_WRITE_TIMEOUT", 30*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("GS_HTTP_WRITE_TIMEOUT: %w", err)
	}
	cfg.HTTPIdleTimeout, err = getEnvDuration("GS_HTTP_IDLE_TIMEOUT", 120*time.Second)
	if err != nil {
		return nil, fmt.Errorf("GS_HTTP_IDLE_TIMEOUT: %w", err)
	}

	cfg.ShutdownTimeout, err = getEnvDuration("GS_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("GS_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// DatabaseDSN возвращает строку подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode,
	)
}

// DatabaseURL возвращает URL PostgreSQL без учётных данных.
// Используется только для лейблов метрик topologymetrics.
func (c *Config) DatabaseURL() string {
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(c.DBHost, strconv.Itoa(c.DBPort)),
		Path:   "/" + c.DBName,
	}
	return u.String()
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

func getEnvInt64(key string, defaultVal int64) (int64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("некорректное логическое значение: %q", val)
	}
	return b, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 15m)", val)
	}
	return d, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}
