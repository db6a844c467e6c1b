package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("APP_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("APP_CONFIG_YAML", "")
	t.Setenv("APP_API_BASE_URL", "")
	t.Setenv("APP_MAX_UPLOAD_MB", "")
	t.Setenv("APP_POLL_INTERVAL_MS", "")

	cfg := FromEnv()
	if cfg.APIBaseURL != "http://localhost:8000" {
		t.Fatalf("APIBaseURL = %q", cfg.APIBaseURL)
	}
	if cfg.MaxUploadMB != 100 {
		t.Fatalf("MaxUploadMB = %d, want 100", cfg.MaxUploadMB)
	}
	if cfg.MaxUploadBytes() != 100*1024*1024 {
		t.Fatalf("MaxUploadBytes = %d", cfg.MaxUploadBytes())
	}
	if cfg.PollInterval != 3*time.Second {
		t.Fatalf("PollInterval = %s, want 3s", cfg.PollInterval)
	}
	if cfg.LogTailChars != 2000 {
		t.Fatalf("LogTailChars = %d, want 2000", cfg.LogTailChars)
	}
}

func TestFromEnvOverridesAndTrimsBaseURL(t *testing.T) {
	t.Setenv("APP_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("APP_CONFIG_YAML", "")
	t.Setenv("APP_API_BASE_URL", " http://backend:9000// ")
	t.Setenv("APP_MAX_UPLOAD_MB", "250")
	t.Setenv("APP_POLL_INTERVAL_MS", "500")
	t.Setenv("APP_ARCHIVE_DB_ENABLED", "true")

	cfg := FromEnv()
	if cfg.APIBaseURL != "http://backend:9000" {
		t.Fatalf("APIBaseURL = %q", cfg.APIBaseURL)
	}
	if cfg.MaxUploadMB != 250 {
		t.Fatalf("MaxUploadMB = %d, want 250", cfg.MaxUploadMB)
	}
	if cfg.PollInterval != 500*time.Millisecond {
		t.Fatalf("PollInterval = %s", cfg.PollInterval)
	}
	if !cfg.ArchiveDBEnabled {
		t.Fatalf("expected archive db enabled")
	}
}

func TestFromEnvInvalidIntKeepsDefault(t *testing.T) {
	t.Setenv("APP_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("APP_CONFIG_YAML", "")
	t.Setenv("APP_MAX_UPLOAD_MB", "lots")

	cfg := FromEnv()
	if cfg.MaxUploadMB != 100 {
		t.Fatalf("MaxUploadMB = %d, want default 100", cfg.MaxUploadMB)
	}
}

func TestFromEnvYAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "viewer.yaml")
	content := "api_base_url: http://yaml-host:8000/\nmax_upload_mb: 42\nlocale: en\nreport_refresh_schedule: \"*/5 * * * *\"\n"
	if err := os.WriteFile(yamlPath, []byte(content), 0o600); err != nil {
		t.Fatalf("write yaml: %v", err)
	}

	t.Setenv("APP_CONFIG_FILE", filepath.Join(dir, "missing.env"))
	t.Setenv("APP_CONFIG_YAML", yamlPath)
	t.Setenv("APP_API_BASE_URL", "")
	t.Setenv("APP_MAX_UPLOAD_MB", "")
	t.Setenv("APP_LOCALE", "")
	t.Setenv("APP_REPORT_REFRESH_SCHEDULE", "0 * * * *")

	cfg := FromEnv()
	if cfg.APIBaseURL != "http://yaml-host:8000" {
		t.Fatalf("APIBaseURL = %q", cfg.APIBaseURL)
	}
	if cfg.MaxUploadMB != 42 {
		t.Fatalf("MaxUploadMB = %d, want 42", cfg.MaxUploadMB)
	}
	if cfg.Locale != "en" {
		t.Fatalf("Locale = %q, want en", cfg.Locale)
	}
	if cfg.ReportRefreshSchedule != "0 * * * *" {
		t.Fatalf("ReportRefreshSchedule = %q, env should win", cfg.ReportRefreshSchedule)
	}
}

func TestApplyEnvDefaultsFromFileDoesNotOverride(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, "viewer.env")
	content := strings.Join([]string{
		"# comment",
		"APP_MAX_UPLOAD_MB=\"64\"",
		"APP_LOCALE='en'",
		"not a pair",
	}, "\n")
	if err := os.WriteFile(envPath, []byte(content), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}

	t.Setenv("APP_MAX_UPLOAD_MB", "")
	t.Setenv("APP_LOCALE", "ja")

	if err := applyEnvDefaultsFromFile(envPath); err != nil {
		t.Fatalf("applyEnvDefaultsFromFile: %v", err)
	}
	if got := os.Getenv("APP_MAX_UPLOAD_MB"); got != "64" {
		t.Fatalf("APP_MAX_UPLOAD_MB = %q, want 64", got)
	}
	if got := os.Getenv("APP_LOCALE"); got != "ja" {
		t.Fatalf("APP_LOCALE = %q, existing value must win", got)
	}
}

func TestArchiveMySQLDSN(t *testing.T) {
	cfg := Defaults()
	cfg.ArchiveDBPassword = "secret"
	cfg.finalize()

	dsn := cfg.ArchiveMySQLDSN()
	if !strings.HasPrefix(dsn, "report:secret@tcp(127.0.0.1:3306)/pipeline_artifacts?") {
		t.Fatalf("unexpected dsn %q", dsn)
	}
	if !strings.Contains(dsn, "parseTime=true") || !strings.Contains(dsn, "charset=utf8mb4") {
		t.Fatalf("dsn missing params: %q", dsn)
	}
}
