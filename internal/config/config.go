package config

import (
	"bufio"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds runtime configuration for the report viewer service and CLIs.
type Config struct {
	ListenAddr      string        `yaml:"listen_addr"`
	ReadTimeout     time.Duration `yaml:"-"`
	WriteTimeout    time.Duration `yaml:"-"`
	ShutdownTimeout time.Duration `yaml:"-"`

	APIBaseURL     string        `yaml:"api_base_url"`
	MaxUploadMB    int           `yaml:"max_upload_mb"`
	BackendTimeout time.Duration `yaml:"-"`
	UploadTimeout  time.Duration `yaml:"-"`
	PollInterval   time.Duration `yaml:"-"`
	LogTailChars   int           `yaml:"log_tail_chars"`
	Locale         string        `yaml:"locale"`

	ReportRefreshSchedule string `yaml:"report_refresh_schedule"`
	SnapshotSQLitePath    string `yaml:"snapshot_sqlite_path"`

	ArchiveDBEnabled      bool          `yaml:"archive_db_enabled"`
	ArchiveDBHost         string        `yaml:"archive_db_host"`
	ArchiveDBPort         int           `yaml:"archive_db_port"`
	ArchiveDBUser         string        `yaml:"archive_db_user"`
	ArchiveDBPassword     string        `yaml:"archive_db_password"`
	ArchiveDBName         string        `yaml:"archive_db_name"`
	ArchiveDBConnTimeout  time.Duration `yaml:"-"`
	ArchiveDBQueryTimeout time.Duration `yaml:"-"`

	// Second-based knobs as they appear in YAML; folded into the durations above.
	ReadTimeoutSec         int `yaml:"read_timeout_sec"`
	WriteTimeoutSec        int `yaml:"write_timeout_sec"`
	ShutdownTimeoutSec     int `yaml:"shutdown_timeout_sec"`
	BackendTimeoutSec      int `yaml:"backend_timeout_sec"`
	UploadTimeoutSec       int `yaml:"upload_timeout_sec"`
	PollIntervalMS         int `yaml:"poll_interval_ms"`
	ArchiveConnTimeoutSec  int `yaml:"archive_db_conn_timeout_sec"`
	ArchiveQueryTimeoutSec int `yaml:"archive_db_query_timeout_sec"`
}

// Defaults returns the built-in configuration used before any file or env override.
func Defaults() Config {
	return Config{
		ListenAddr:             ":8080",
		ReadTimeoutSec:         10,
		WriteTimeoutSec:        60,
		ShutdownTimeoutSec:     10,
		APIBaseURL:             "http://localhost:8000",
		MaxUploadMB:            100,
		BackendTimeoutSec:      15,
		UploadTimeoutSec:       0,
		PollIntervalMS:         3000,
		LogTailChars:           2000,
		Locale:                 "zh-TW",
		ArchiveDBHost:          "127.0.0.1",
		ArchiveDBPort:          3306,
		ArchiveDBUser:          "report",
		ArchiveDBName:          "pipeline_artifacts",
		ArchiveConnTimeoutSec:  5,
		ArchiveQueryTimeoutSec: 30,
	}
}

// FromEnv loads configuration from an optional YAML file, then env-file
// defaults, then environment variables.
func FromEnv() Config {
	loadConfigDefaultsFromFile()

	cfg := Defaults()
	if path := strings.TrimSpace(os.Getenv("APP_CONFIG_YAML")); path != "" {
		if err := applyYAML(&cfg, path); err != nil {
			log.Printf("config yaml ignored path=%s err=%v", path, err)
		} else {
			log.Printf("config yaml loaded path=%s", path)
		}
	}

	envOverride(&cfg.ListenAddr, "APP_LISTEN_ADDR")
	envOverrideInt(&cfg.ReadTimeoutSec, "APP_READ_TIMEOUT_SEC")
	envOverrideInt(&cfg.WriteTimeoutSec, "APP_WRITE_TIMEOUT_SEC")
	envOverrideInt(&cfg.ShutdownTimeoutSec, "APP_SHUTDOWN_TIMEOUT_SEC")
	envOverride(&cfg.APIBaseURL, "APP_API_BASE_URL")
	envOverrideInt(&cfg.MaxUploadMB, "APP_MAX_UPLOAD_MB")
	envOverrideInt(&cfg.BackendTimeoutSec, "APP_BACKEND_TIMEOUT_SEC")
	envOverrideInt(&cfg.UploadTimeoutSec, "APP_UPLOAD_TIMEOUT_SEC")
	envOverrideInt(&cfg.PollIntervalMS, "APP_POLL_INTERVAL_MS")
	envOverrideInt(&cfg.LogTailChars, "APP_LOG_TAIL_CHARS")
	envOverride(&cfg.Locale, "APP_LOCALE")
	envOverrideAllowEmpty(&cfg.ReportRefreshSchedule, "APP_REPORT_REFRESH_SCHEDULE")
	envOverride(&cfg.SnapshotSQLitePath, "APP_SNAPSHOT_SQLITE_PATH")
	envOverrideBool(&cfg.ArchiveDBEnabled, "APP_ARCHIVE_DB_ENABLED")
	envOverride(&cfg.ArchiveDBHost, "APP_ARCHIVE_DB_HOST")
	envOverrideInt(&cfg.ArchiveDBPort, "APP_ARCHIVE_DB_PORT")
	envOverride(&cfg.ArchiveDBUser, "APP_ARCHIVE_DB_USER")
	envOverride(&cfg.ArchiveDBPassword, "APP_ARCHIVE_DB_PASSWORD")
	envOverride(&cfg.ArchiveDBName, "APP_ARCHIVE_DB_NAME")
	envOverrideInt(&cfg.ArchiveConnTimeoutSec, "APP_ARCHIVE_DB_CONN_TIMEOUT_SEC")
	envOverrideInt(&cfg.ArchiveQueryTimeoutSec, "APP_ARCHIVE_DB_QUERY_TIMEOUT_SEC")

	cfg.finalize()
	return cfg
}

// finalize normalizes derived fields. It is safe to call more than once.
func (c *Config) finalize() {
	c.APIBaseURL = NormalizeBaseURL(c.APIBaseURL)
	if c.MaxUploadMB <= 0 {
		c.MaxUploadMB = 100
	}
	if c.PollIntervalMS <= 0 {
		c.PollIntervalMS = 3000
	}
	if c.LogTailChars <= 0 {
		c.LogTailChars = 2000
	}
	if strings.TrimSpace(c.Locale) == "" {
		c.Locale = "zh-TW"
	}
	c.ReportRefreshSchedule = strings.TrimSpace(c.ReportRefreshSchedule)

	c.ReadTimeout = seconds(c.ReadTimeoutSec)
	c.WriteTimeout = seconds(c.WriteTimeoutSec)
	c.ShutdownTimeout = seconds(c.ShutdownTimeoutSec)
	c.BackendTimeout = seconds(c.BackendTimeoutSec)
	c.UploadTimeout = seconds(c.UploadTimeoutSec)
	c.PollInterval = time.Duration(c.PollIntervalMS) * time.Millisecond
	c.ArchiveDBConnTimeout = seconds(c.ArchiveConnTimeoutSec)
	c.ArchiveDBQueryTimeout = seconds(c.ArchiveQueryTimeoutSec)
}

// MaxUploadBytes is the configured upload limit in bytes.
func (c Config) MaxUploadBytes() int64 {
	return int64(c.MaxUploadMB) * 1024 * 1024
}

// ArchiveMySQLDSN returns a mysql driver DSN for the export archive database.
func (c Config) ArchiveMySQLDSN() string {
	params := url.Values{}
	params.Set("parseTime", "true")
	params.Set("timeout", c.ArchiveDBConnTimeout.String())
	params.Set("readTimeout", c.ArchiveDBQueryTimeout.String())
	params.Set("writeTimeout", c.ArchiveDBQueryTimeout.String())
	params.Set("charset", "utf8mb4")
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?%s", c.ArchiveDBUser, c.ArchiveDBPassword, c.ArchiveDBHost, c.ArchiveDBPort, c.ArchiveDBName, params.Encode())
}

// NormalizeBaseURL trims whitespace and trailing slashes from an API base URL.
func NormalizeBaseURL(raw string) string {
	return strings.TrimRight(strings.TrimSpace(raw), "/")
}

func seconds(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}

func applyYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func loadConfigDefaultsFromFile() {
	candidates := make([]string, 0, 3)
	if explicit := strings.TrimSpace(os.Getenv("APP_CONFIG_FILE")); explicit != "" {
		candidates = append(candidates, explicit)
	}
	candidates = append(candidates, "./report-viewer.env", "/etc/default/report-viewer")

	for _, candidate := range candidates {
		abs := candidate
		if !filepath.IsAbs(candidate) {
			if wd, err := os.Getwd(); err == nil {
				abs = filepath.Join(wd, candidate)
			}
		}
		if err := applyEnvDefaultsFromFile(abs); err == nil {
			return
		}
	}
}

// applyEnvDefaultsFromFile sets KEY=VALUE pairs from path without overriding
// variables that are already present in the environment.
func applyEnvDefaultsFromFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.TrimSpace(val)
		if key == "" {
			continue
		}
		if len(val) >= 2 {
			if (val[0] == '"' && val[len(val)-1] == '"') || (val[0] == '\'' && val[len(val)-1] == '\'') {
				val = val[1 : len(val)-1]
			}
		}

		if os.Getenv(key) == "" {
			_ = os.Setenv(key, val)
		}
	}

	return scanner.Err()
}

func envOverride(field *string, envKey string) {
	if val := strings.TrimSpace(os.Getenv(envKey)); val != "" {
		*field = val
	}
}

func envOverrideAllowEmpty(field *string, envKey string) {
	if val, ok := os.LookupEnv(envKey); ok {
		*field = val
	}
}

// envOverrideInt keeps the current value when the variable does not parse.
func envOverrideInt(field *int, envKey string) {
	val := strings.TrimSpace(os.Getenv(envKey))
	if val == "" {
		return
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		log.Printf("config ignoring %s=%q: %v", envKey, val, err)
		return
	}
	*field = parsed
}

func envOverrideBool(field *bool, envKey string) {
	val := strings.TrimSpace(os.Getenv(envKey))
	if val == "" {
		return
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		log.Printf("config ignoring %s=%q: %v", envKey, val, err)
		return
	}
	*field = parsed
}
