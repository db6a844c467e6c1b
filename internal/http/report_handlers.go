package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	nethttp "net/http"
	"strings"
	"time"

	"go-pipeline-report-ui/internal/connectors/backend"
	mysqlstore "go-pipeline-report-ui/internal/connectors/mysql"
	"go-pipeline-report-ui/internal/connectors/snapshots"
	"go-pipeline-report-ui/internal/report"
	"go-pipeline-report-ui/internal/viewer"
)

type periodRequest struct {
	Mode  string `json:"mode"`
	Index *int   `json:"index"`
}

func reportStateHandler(reports *viewer.Controller) nethttp.HandlerFunc {
	return func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.Method != nethttp.MethodGet {
			methodNotAllowed(w, nethttp.MethodGet)
			return
		}
		writeJSON(w, nethttp.StatusOK, map[string]any{"data": reports.State()})
	}
}

func reportPeriodHandler(reports *viewer.Controller) nethttp.HandlerFunc {
	return func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.Method != nethttp.MethodPost {
			methodNotAllowed(w, nethttp.MethodPost)
			return
		}

		var req periodRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, nethttp.StatusBadRequest, map[string]any{
				"error": "invalid JSON body",
			})
			return
		}
		if req.Mode == "" && req.Index == nil {
			writeJSON(w, nethttp.StatusBadRequest, map[string]any{
				"error": "mode or index is required",
			})
			return
		}

		if req.Mode != "" {
			mode, err := report.ParseMode(req.Mode)
			if err != nil {
				writeJSON(w, nethttp.StatusBadRequest, map[string]any{
					"error":  "invalid mode",
					"detail": err.Error(),
				})
				return
			}
			reports.SetPeriodMode(r.Context(), mode)
		}
		if req.Index != nil {
			reports.SetSelectedPeriodIndex(r.Context(), *req.Index)
		}

		writeJSON(w, nethttp.StatusOK, map[string]any{"data": reports.State()})
	}
}

func reportRefreshHandler(reports *viewer.Controller) nethttp.HandlerFunc {
	return func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.Method != nethttp.MethodPost {
			methodNotAllowed(w, nethttp.MethodPost)
			return
		}
		reports.Refresh(r.Context())
		writeJSON(w, nethttp.StatusOK, map[string]any{"data": reports.State()})
	}
}

func snapshotListHandler(store *snapshots.Store) nethttp.HandlerFunc {
	return func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if store == nil {
			writeJSON(w, nethttp.StatusServiceUnavailable, map[string]any{
				"error": "snapshot store disabled (set APP_SNAPSHOT_SQLITE_PATH)",
			})
			return
		}

		limit := parseLimit(r, 50)
		start := time.Now()
		items, err := store.ListSnapshots(r.Context(), limit)
		recordDBQuery("sqlite", "ListSnapshots", time.Since(start).Seconds(), err)
		if err != nil {
			writeJSON(w, nethttp.StatusInternalServerError, map[string]any{
				"error": "failed to list report snapshots",
			})
			return
		}

		writeJSON(w, nethttp.StatusOK, map[string]any{
			"meta": map[string]any{
				"limit": limit,
				"count": len(items),
			},
			"data": items,
		})
	}
}

// snapshotDetailHandler serves /api/v1/report/snapshots/{period}; "all" is the
// unscoped report.
func snapshotDetailHandler(store *snapshots.Store) nethttp.HandlerFunc {
	return func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if store == nil {
			writeJSON(w, nethttp.StatusServiceUnavailable, map[string]any{
				"error": "snapshot store disabled (set APP_SNAPSHOT_SQLITE_PATH)",
			})
			return
		}

		period := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/report/snapshots/"), "/")
		if period == "" || strings.Contains(period, "/") {
			nethttp.NotFound(w, r)
			return
		}
		if period == "all" {
			period = snapshots.AllPeriods
		}

		start := time.Now()
		snap, err := store.GetSnapshot(r.Context(), period)
		recordDBQuery("sqlite", "GetSnapshot", time.Since(start).Seconds(), err)
		if errors.Is(err, snapshots.ErrNotFound) {
			writeJSON(w, nethttp.StatusNotFound, map[string]any{
				"error": "snapshot not found",
			})
			return
		}
		if err != nil {
			writeJSON(w, nethttp.StatusInternalServerError, map[string]any{
				"error": "failed to load report snapshot",
			})
			return
		}
		writeJSON(w, nethttp.StatusOK, map[string]any{"data": snap})
	}
}

// downloadRouter proxies /api/v1/downloads/cluster/{id} and
// /api/v1/downloads/segment/{id} to the backend exports.
func downloadRouter(reports *viewer.Controller) nethttp.HandlerFunc {
	return func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.Method != nethttp.MethodGet {
			methodNotAllowed(w, nethttp.MethodGet)
			return
		}

		parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/downloads/"), "/"), "/")
		if len(parts) != 2 || parts[1] == "" {
			nethttp.NotFound(w, r)
			return
		}
		kind, id := parts[0], parts[1]

		var (
			dl  *backend.Download
			err error
		)
		switch kind {
		case "cluster":
			dl, err = reports.DownloadCluster(r.Context(), id)
		case "segment":
			dl, err = reports.DownloadSegment(r.Context(), id)
		default:
			nethttp.NotFound(w, r)
			return
		}
		if err != nil {
			writeBackendError(w, "download failed", err)
			return
		}
		defer dl.Body.Close()

		contentType := dl.ContentType
		if contentType == "" {
			contentType = "text/csv; charset=utf-8"
		}
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", dl.Filename))
		w.WriteHeader(nethttp.StatusOK)
		if _, err := io.Copy(w, dl.Body); err != nil {
			log.Printf("download stream error kind=%s id=%s err=%v", kind, id, err)
		}
	}
}

func writeBackendError(w nethttp.ResponseWriter, msg string, err error) {
	var se *backend.StatusError
	if errors.As(err, &se) {
		status := se.StatusCode
		if status < 400 {
			status = nethttp.StatusBadGateway
		}
		writeJSON(w, status, map[string]any{
			"error":  msg,
			"detail": strings.TrimSpace(string(se.Body)),
		})
		return
	}
	writeJSON(w, nethttp.StatusBadGateway, map[string]any{
		"error":  msg,
		"detail": err.Error(),
	})
}

func archiveTablesHandler(store *mysqlstore.Store) nethttp.HandlerFunc {
	return func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if store == nil {
			writeJSON(w, nethttp.StatusServiceUnavailable, map[string]any{
				"error": "archive database disabled (set APP_ARCHIVE_DB_ENABLED=true)",
			})
			return
		}

		start := time.Now()
		items, err := store.ListTables(r.Context())
		recordDBQuery("mysql", "ListTables", time.Since(start).Seconds(), err)
		if err != nil {
			writeJSON(w, nethttp.StatusInternalServerError, map[string]any{
				"error": "failed to list archive tables",
			})
			return
		}

		writeJSON(w, nethttp.StatusOK, map[string]any{
			"meta": map[string]any{
				"count": len(items),
			},
			"data": items,
		})
	}
}
