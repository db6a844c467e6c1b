package http

import (
	"context"
	"errors"
	"log"
	nethttp "net/http"
	"strconv"
	"time"

	"go-pipeline-report-ui/internal/connectors/snapshots"
	"go-pipeline-report-ui/internal/i18n"
	"go-pipeline-report-ui/internal/upload"
	"go-pipeline-report-ui/internal/viewer"
)

// multipartSlack covers form boundaries and headers on top of the file limit.
const multipartSlack = 1 << 20

func uploadHandler(baseCtx context.Context, uploads *upload.Controller, reports *viewer.Controller) nethttp.HandlerFunc {
	return func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.Method != nethttp.MethodPost {
			methodNotAllowed(w, nethttp.MethodPost)
			return
		}

		r.Body = nethttp.MaxBytesReader(w, r.Body, uploads.MaxUploadBytes()+multipartSlack)
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			var tooLarge *nethttp.MaxBytesError
			if errors.As(err, &tooLarge) {
				size := r.ContentLength
				if size <= uploads.MaxUploadBytes() {
					size = uploads.MaxUploadBytes() + 1
				}
				writeUploadError(w, uploads.SelectFile(upload.FileInfo{Size: size}))
				return
			}
			writeJSON(w, nethttp.StatusBadRequest, map[string]any{
				"error":  "invalid multipart form",
				"detail": err.Error(),
			})
			return
		}
		defer func() { _ = r.MultipartForm.RemoveAll() }()

		file, header, err := r.FormFile("file")
		if err != nil {
			writeJSON(w, nethttp.StatusBadRequest, map[string]any{
				"error": "missing form field \"file\"",
			})
			return
		}
		defer file.Close()

		ack, err := uploads.Submit(r.Context(), upload.File{
			FileInfo: upload.FileInfo{Name: header.Filename, Size: header.Size},
			Body:     file,
		})
		if err != nil {
			writeUploadError(w, err)
			return
		}

		go awaitAndHandOff(baseCtx, uploads, reports, ack.PreviewPeriods)

		writeJSON(w, nethttp.StatusAccepted, map[string]any{
			"meta": map[string]any{
				"saved_as":        ack.SavedAs,
				"preview_periods": ack.PreviewPeriods,
			},
			"data": uploads.Progress(),
		})
	}
}

// awaitAndHandOff polls the pipeline to a terminal state and loads the report
// for the periods announced by the ingest call. A failed pipeline still hands off.
func awaitAndHandOff(ctx context.Context, uploads *upload.Controller, reports *viewer.Controller, periods []string) {
	start := time.Now()
	_, err := uploads.AwaitCompletion(ctx)
	switch {
	case err == nil:
	case upload.IsKind(err, upload.KindPipelineFailed):
		log.Printf("pipeline hand-off after failure elapsed=%s err=%v", time.Since(start), err)
	case errors.Is(err, upload.ErrSuperseded), errors.Is(err, context.Canceled):
		return
	default:
		log.Printf("pipeline await stopped err=%v", err)
		return
	}
	reports.Initialize(ctx, periods)
}

func writeUploadError(w nethttp.ResponseWriter, err error) {
	if errors.Is(err, upload.ErrSuperseded) {
		writeJSON(w, nethttp.StatusConflict, map[string]any{
			"error": "upload superseded by a newer session",
		})
		return
	}

	var uerr *upload.Error
	if !errors.As(err, &uerr) {
		writeJSON(w, nethttp.StatusInternalServerError, map[string]any{
			"error":  "upload failed",
			"detail": err.Error(),
		})
		return
	}

	status := nethttp.StatusBadGateway
	switch uerr.Kind {
	case upload.KindValidation:
		status = nethttp.StatusRequestEntityTooLarge
	case upload.KindServerRejection:
		status = nethttp.StatusUnprocessableEntity
	}
	writeJSON(w, status, map[string]any{
		"error": uerr.Message,
		"kind":  uerr.Kind,
	})
}

func uploadSessionHandler(uploads *upload.Controller) nethttp.HandlerFunc {
	return func(w nethttp.ResponseWriter, r *nethttp.Request) {
		switch r.Method {
		case nethttp.MethodGet:
		case nethttp.MethodDelete:
			uploads.Reset()
		default:
			methodNotAllowed(w, nethttp.MethodGet, nethttp.MethodDelete)
			return
		}
		writeJSON(w, nethttp.StatusOK, map[string]any{"data": uploads.Progress()})
	}
}

func uploadLogsHandler(uploads *upload.Controller, printer *i18n.Printer) nethttp.HandlerFunc {
	return func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.Method != nethttp.MethodPost && r.Method != nethttp.MethodGet {
			methodNotAllowed(w, nethttp.MethodGet, nethttp.MethodPost)
			return
		}
		if r.Method == nethttp.MethodPost {
			show, err := strconv.ParseBool(r.URL.Query().Get("show"))
			if err != nil {
				writeJSON(w, nethttp.StatusBadRequest, map[string]any{
					"error": "show must be true or false",
				})
				return
			}
			uploads.SetShowLogs(show)
		}

		logs, err := uploads.RequestLogs(r.Context())
		payload := map[string]any{
			"show_logs": uploads.Snapshot().ShowLogs,
			"logs":      logs,
		}
		if logs == "" {
			payload["placeholder"] = printer.Sprintf(i18n.MsgLogsEmpty)
		}
		if err != nil {
			payload["error"] = err.Error()
		}
		writeJSON(w, nethttp.StatusOK, payload)
	}
}

func uploadHistoryHandler(store *snapshots.Store) nethttp.HandlerFunc {
	return func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if store == nil {
			writeJSON(w, nethttp.StatusServiceUnavailable, map[string]any{
				"error": "snapshot store disabled (set APP_SNAPSHOT_SQLITE_PATH)",
			})
			return
		}

		limit := parseLimit(r, 50)
		start := time.Now()
		items, err := store.ListUploads(r.Context(), limit)
		recordDBQuery("sqlite", "ListUploads", time.Since(start).Seconds(), err)
		if err != nil {
			writeJSON(w, nethttp.StatusInternalServerError, map[string]any{
				"error": "failed to list upload history",
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

func parseLimit(r *nethttp.Request, defaultLimit int) int {
	limit := defaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}
	return limit
}
