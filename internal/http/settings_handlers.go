package http

import (
	nethttp "net/http"

	"go-pipeline-report-ui/internal/config"
)

func settingsHandler(cfg config.Config) nethttp.HandlerFunc {
	return func(w nethttp.ResponseWriter, _ *nethttp.Request) {
		writeJSON(w, nethttp.StatusOK, map[string]any{
			"data": map[string]any{
				"api_base_url":            cfg.APIBaseURL,
				"max_upload_mb":           cfg.MaxUploadMB,
				"max_upload_bytes":        cfg.MaxUploadBytes(),
				"poll_interval_ms":        cfg.PollInterval.Milliseconds(),
				"log_tail_chars":          cfg.LogTailChars,
				"locale":                  cfg.Locale,
				"report_refresh_schedule": cfg.ReportRefreshSchedule,
				"snapshots_enabled":       cfg.SnapshotSQLitePath != "",
				"archive_db_enabled":      cfg.ArchiveDBEnabled,
			},
		})
	}
}
