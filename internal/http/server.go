package http

import (
	"context"
	"encoding/json"
	"fmt"
	nethttp "net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"go-pipeline-report-ui/internal/config"
	"go-pipeline-report-ui/internal/connectors/backend"
	mysqlstore "go-pipeline-report-ui/internal/connectors/mysql"
	"go-pipeline-report-ui/internal/connectors/snapshots"
	"go-pipeline-report-ui/internal/i18n"
	"go-pipeline-report-ui/internal/upload"
	"go-pipeline-report-ui/internal/viewer"
)

// Server wraps an HTTP server and route handlers.
type Server struct {
	httpServer *nethttp.Server
	cfg        config.Config
	backend    *backend.Client
	snapshots  *snapshots.Store
	archive    *mysqlstore.Store
	uploads    *upload.Controller
	viewer     *viewer.Controller

	baseCtx    context.Context
	baseCancel context.CancelFunc
}

// NewServer creates a configured HTTP server with v1 endpoints.
func NewServer(cfg config.Config) (*Server, error) {
	client := backend.NewClient(cfg.APIBaseURL, cfg.BackendTimeout, cfg.UploadTimeout)
	client.SetObserver(func(op string, d time.Duration, err error) {
		recordExternalProbe("backend", op, d.Seconds(), err)
	})

	var snapStore *snapshots.Store
	if cfg.SnapshotSQLitePath != "" {
		created, err := snapshots.NewSQLiteStore(cfg.SnapshotSQLitePath)
		if err != nil {
			return nil, err
		}
		snapStore = created
	}
	var archive *mysqlstore.Store
	if cfg.ArchiveDBEnabled {
		created, err := mysqlstore.NewStore(cfg)
		if err != nil {
			if snapStore != nil {
				_ = snapStore.Close()
			}
			return nil, err
		}
		archive = created
	}

	return newServer(cfg, client, snapStore, archive), nil
}

func newServer(cfg config.Config, client *backend.Client, snapStore *snapshots.Store, archive *mysqlstore.Store) *Server {
	printer := i18n.NewPrinter(cfg.Locale)

	uploadOpts := []upload.Option{}
	viewerOpts := []viewer.Option{
		viewer.WithFetchObserver(func(_, outcome string, d time.Duration) {
			recordReportFetch(outcome, d.Seconds())
		}),
	}
	if snapStore != nil {
		uploadOpts = append(uploadOpts, upload.WithHistory(observedHistory{snapStore}))
		viewerOpts = append(viewerOpts, viewer.WithSnapshots(observedSnapshots{snapStore}))
	}

	uploads := upload.New(client, upload.Options{
		MaxUploadMB:  cfg.MaxUploadMB,
		PollInterval: cfg.PollInterval,
		LogTailChars: cfg.LogTailChars,
		Printer:      printer,
	}, uploadOpts...)
	reports := viewer.New(client, printer, viewerOpts...)

	baseCtx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:        cfg,
		backend:    client,
		snapshots:  snapStore,
		archive:    archive,
		uploads:    uploads,
		viewer:     reports,
		baseCtx:    baseCtx,
		baseCancel: cancel,
	}

	mux := nethttp.NewServeMux()

	mux.HandleFunc("/", dashboardHandler)
	mux.HandleFunc("/favicon.ico", faviconHandler)
	mux.Handle("/metrics", metricsHandler())
	mux.HandleFunc("/api/v1/metrics/app", appMetricsSummaryHandler())
	mux.HandleFunc("/health", healthHandler)
	mux.HandleFunc("/ready", readyHandler(client))
	mux.HandleFunc("/api/v1/settings", settingsHandler(cfg))
	mux.HandleFunc("/api/v1/upload", uploadHandler(baseCtx, uploads, reports))
	mux.HandleFunc("/api/v1/upload/session", uploadSessionHandler(uploads))
	mux.HandleFunc("/api/v1/upload/logs", uploadLogsHandler(uploads, printer))
	mux.HandleFunc("/api/v1/uploads/history", uploadHistoryHandler(snapStore))
	mux.HandleFunc("/api/v1/report", reportStateHandler(reports))
	mux.HandleFunc("/api/v1/report/period", reportPeriodHandler(reports))
	mux.HandleFunc("/api/v1/report/refresh", reportRefreshHandler(reports))
	mux.HandleFunc("/api/v1/report/snapshots", snapshotListHandler(snapStore))
	mux.HandleFunc("/api/v1/report/snapshots/", snapshotDetailHandler(snapStore))
	mux.HandleFunc("/api/v1/downloads/", downloadRouter(reports))
	mux.HandleFunc("/api/v1/archive/tables", archiveTablesHandler(archive))
	mux.HandleFunc("/api/v1/status/services", servicesStatusHandler(client, snapStore, archive))

	s.httpServer = &nethttp.Server{
		Addr:         cfg.ListenAddr,
		Handler:      loggingMiddleware(observabilityMiddleware(mux)),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Viewer exposes the report controller for scheduled refreshes.
func (s *Server) Viewer() *viewer.Controller { return s.viewer }

// ListenAndServe loads the initial report in the background and starts the
// HTTP server.
func (s *Server) ListenAndServe() error {
	go s.viewer.Initialize(s.baseCtx, nil)
	return s.httpServer.ListenAndServe()
}

// RunRefreshSchedule refetches the selected report on the configured cron
// schedule until ctx is done.
func (s *Server) RunRefreshSchedule(ctx context.Context) error {
	return viewer.RunRefreshSchedule(ctx, s.cfg.ReportRefreshSchedule, s.viewer, s.cfg.BackendTimeout)
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.baseCancel()
	s.uploads.Reset()
	err := s.httpServer.Shutdown(ctx)
	if s.archive != nil {
		_ = s.archive.Close()
	}
	if s.snapshots != nil {
		_ = s.snapshots.Close()
	}
	return err
}

func healthHandler(w nethttp.ResponseWriter, _ *nethttp.Request) {
	writeJSON(w, nethttp.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}

func readyHandler(client *backend.Client) nethttp.HandlerFunc {
	return func(w nethttp.ResponseWriter, _ *nethttp.Request) {
		if !client.Enabled() {
			writeJSON(w, nethttp.StatusServiceUnavailable, map[string]any{
				"status": "not_ready",
				"error":  "backend endpoint not configured (set APP_API_BASE_URL)",
			})
			return
		}
		writeJSON(w, nethttp.StatusOK, map[string]any{
			"status": "ready",
		})
	}
}

func loggingMiddleware(next nethttp.Handler) nethttp.Handler {
	return nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		start := time.Now()
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)

		rec := &statusRecorder{ResponseWriter: w, status: nethttp.StatusOK}
		next.ServeHTTP(rec, r)
		fmt.Printf("%s %s %s %s request_id=%s\n", r.Method, r.URL.Path, strconv.Itoa(rec.status), time.Since(start), reqID)
	})
}

func writeJSON(w nethttp.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func methodNotAllowed(w nethttp.ResponseWriter, allowed ...string) {
	for _, m := range allowed {
		w.Header().Add("Allow", m)
	}
	writeJSON(w, nethttp.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
}

// observedHistory and observedSnapshots time sqlite writes into the db series.
type observedHistory struct{ store *snapshots.Store }

func (o observedHistory) RecordUpload(ctx context.Context, rec snapshots.UploadRecord) error {
	start := time.Now()
	err := o.store.RecordUpload(ctx, rec)
	recordDBQuery("sqlite", "RecordUpload", time.Since(start).Seconds(), err)
	return err
}

type observedSnapshots struct{ store *snapshots.Store }

func (o observedSnapshots) SaveSnapshot(ctx context.Context, period string, payload []byte, fetchedAt time.Time) error {
	start := time.Now()
	err := o.store.SaveSnapshot(ctx, period, payload, fetchedAt)
	recordDBQuery("sqlite", "SaveSnapshot", time.Since(start).Seconds(), err)
	return err
}
