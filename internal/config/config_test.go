package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

// setEnvs устанавливает переменные окружения на время теста.
func setEnvs(t *testing.T, envs map[string]string) {
	t.Helper()
	for k, v := range envs {
		t.Setenv(k, v)
	}
}

// minimalEnvs возвращает минимальный набор обязательных переменных.
func minimalEnvs() map[string]string {
	return map[string]string{
		"GS_DB_HOST":               "localhost",
		"GS_DB_NAME":               "girdersync",
		"GS_DB_USER":               "girdersync",
		"GS_DB_PASSWORD":           "secret",
		"GS_GIRDER_API_URL":        "https://girder.example.org/api/v1/",
		"GS_GIRDER_API_KEY":        "api-key",
		"GS_GIRDER_ROOT_FOLDER_ID": "root-folder",
	}
}

func TestLoad_MinimalConfig(t *testing.T) {
	setEnvs(t, minimalEnvs())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() вернул ошибку: %v", err)
	}

	if cfg.Port != 8000 {
		t.Errorf("Port = %d, ожидается 8000", cfg.Port)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, ожидается Info", cfg.LogLevel)
	}
	if cfg.LogFormat != "json" {
		t.Errorf("LogFormat = %q, ожидается json", cfg.LogFormat)
	}
	if cfg.DBPort != 5432 {
		t.Errorf("DBPort = %d, ожидается 5432", cfg.DBPort)
	}
	if cfg.DBSSLMode != "disable" {
		t.Errorf("DBSSLMode = %q, ожидается disable", cfg.DBSSLMode)
	}
	if cfg.GirderAPIURL != "https://girder.example.org/api/v1" {
		t.Errorf("GirderAPIURL = %q, ожидается без завершающего /", cfg.GirderAPIURL)
	}
	if cfg.GirderChunkSize != 10*1024*1024 {
		t.Errorf("GirderChunkSize = %d, ожидается 10 MiB", cfg.GirderChunkSize)
	}
	if cfg.GirderTimeout != 5*time.Minute {
		t.Errorf("GirderTimeout = %v, ожидается 5m", cfg.GirderTimeout)
	}
	if !cfg.GirderPublicFolders {
		t.Error("GirderPublicFolders = false, ожидается true")
	}
	if cfg.StagingDir != "./uploads" {
		t.Errorf("StagingDir = %q, ожидается ./uploads", cfg.StagingDir)
	}
	if cfg.CenterFolderPrefix != "CHU_" {
		t.Errorf("CenterFolderPrefix = %q, ожидается CHU_", cfg.CenterFolderPrefix)
	}
	if !cfg.SeedData {
		t.Error("SeedData = false, ожидается true")
	}
	if cfg.SyncInterval != 0 {
		t.Errorf("SyncInterval = %v, ожидается 0", cfg.SyncInterval)
	}
	if cfg.ShutdownTimeout != 10*time.Second {
		t.Errorf("ShutdownTimeout = %v, ожидается 10s", cfg.ShutdownTimeout)
	}
	if cfg.DephealthGroup != "girder-sync" {
		t.Errorf("DephealthGroup = %q, ожидается girder-sync", cfg.DephealthGroup)
	}
	if cfg.DephealthCheckInterval != 15*time.Second {
		t.Errorf("DephealthCheckInterval = %v, ожидается 15s", cfg.DephealthCheckInterval)
	}
}

func TestLoad_Overrides(t *testing.T) {
	envs := minimalEnvs()
	envs["GS_PORT"] = "9100"
	envs["GS_LOG_LEVEL"] = "debug"
	envs["GS_LOG_FORMAT"] = "text"
	envs["GS_GIRDER_CHUNK_SIZE"] = "1048576"
	envs["GS_GIRDER_PUBLIC_FOLDERS"] = "false"
	envs["GS_SEED_DATA"] = "0"
	envs["GS_STAGING_DIR"] = "/var/lib/girder-sync"
	envs["GS_SYNC_INTERVAL"] = "30s"
	envs["GS_DEPHEALTH_GROUP"] = "clinical"
	envs["GS_DEPHEALTH_CHECK_INTERVAL"] = "1m"
	setEnvs(t, envs)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() вернул ошибку: %v", err)
	}
	if cfg.Port != 9100 {
		t.Errorf("Port = %d, ожидается 9100", cfg.Port)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, ожидается Debug", cfg.LogLevel)
	}
	if cfg.LogFormat != "text" {
		t.Errorf("LogFormat = %q, ожидается text", cfg.LogFormat)
	}
	if cfg.GirderChunkSize != 1048576 {
		t.Errorf("GirderChunkSize = %d, ожидается 1048576", cfg.GirderChunkSize)
	}
	if cfg.GirderPublicFolders {
		t.Error("GirderPublicFolders = true, ожидается false")
	}
	if cfg.SeedData {
		t.Error("SeedData = true, ожидается false")
	}
	if cfg.StagingDir != "/var/lib/girder-sync" {
		t.Errorf("StagingDir = %q", cfg.StagingDir)
	}
	if cfg.SyncInterval != 30*time.Second {
		t.Errorf("SyncInterval = %v, ожидается 30s", cfg.SyncInterval)
	}
	if cfg.DephealthGroup != "clinical" || cfg.DephealthCheckInterval != time.Minute {
		t.Errorf("dephealth = %q / %v", cfg.DephealthGroup, cfg.DephealthCheckInterval)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		value   string
		wantSub string
	}{
		{"нет хоста БД", "GS_DB_HOST", "", "GS_DB_HOST"},
		{"нет API-ключа", "GS_GIRDER_API_KEY", "", "GS_GIRDER_API_KEY"},
		{"нет корневой папки", "GS_GIRDER_ROOT_FOLDER_ID", "", "GS_GIRDER_ROOT_FOLDER_ID"},
		{"некорректный URL", "GS_GIRDER_API_URL", "girder", "GS_GIRDER_API_URL"},
		{"некорректный порт", "GS_PORT", "abc", "GS_PORT"},
		{"порт вне диапазона", "GS_PORT", "70000", "GS_PORT"},
		{"отрицательный интервал", "GS_SYNC_INTERVAL", "-1s", "GS_SYNC_INTERVAL"},
		{"нулевой интервал dephealth", "GS_DEPHEALTH_CHECK_INTERVAL", "0s", "GS_DEPHEALTH_CHECK_INTERVAL"},
		{"некорректный уровень", "GS_LOG_LEVEL", "trace", "GS_LOG_LEVEL"},
		{"некорректный формат", "GS_LOG_FORMAT", "xml", "GS_LOG_FORMAT"},
		{"некорректный sslmode", "GS_DB_SSL_MODE", "prefer", "GS_DB_SSL_MODE"},
		{"нулевой чанк", "GS_GIRDER_CHUNK_SIZE", "0", "GS_GIRDER_CHUNK_SIZE"},
		{"некорректная длительность", "GS_GIRDER_TIMEOUT", "5", "GS_GIRDER_TIMEOUT"},
		{"некорректный bool", "GS_SEED_DATA", "maybe", "GS_SEED_DATA"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			envs := minimalEnvs()
			envs[tt.key] = tt.value
			setEnvs(t, envs)

			_, err := Load()
			if err == nil {
				t.Fatal("Load() должен вернуть ошибку")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("ошибка %q не содержит %q", err.Error(), tt.wantSub)
			}
		})
	}
}

func TestDatabaseDSN(t *testing.T) {
	cfg := &Config{
		DBHost:     "db",
		DBPort:     5433,
		DBName:     "gs",
		DBUser:     "user",
		DBPassword: "pass",
		DBSSLMode:  "require",
	}
	want := "host=db port=5433 dbname=gs user=user password=pass sslmode=require"
	if got := cfg.DatabaseDSN(); got != want {
		t.Errorf("DatabaseDSN() = %q, ожидается %q", got, want)
	}
}

func TestDatabaseURL(t *testing.T) {
	cfg := &Config{DBHost: "db", DBPort: 5433, DBName: "gs", DBUser: "user", DBPassword: "pass"}
	want := "postgres://db:5433/gs"
	got := cfg.DatabaseURL()
	if got != want {
		t.Errorf("DatabaseURL() = %q, ожидается %q", got, want)
	}
	if strings.Contains(got, "pass") {
		t.Errorf("DatabaseURL() содержит пароль: %q", got)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input   string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := parseLogLevel(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseLogLevel(%q) ошибка = %v, wantErr %v", tt.input, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, ожидается %v", tt.input, got, tt.want)
		}
	}
}
