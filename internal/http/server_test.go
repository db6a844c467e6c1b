package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go-pipeline-report-ui/internal/config"
	"go-pipeline-report-ui/internal/connectors/backend"
	"go-pipeline-report-ui/internal/connectors/snapshots"
)

// testContext mirrors testing.T.Context (Go 1.24+): canceled when the test ends.
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

type fakePipeline struct {
	uploads  int32
	statuses int32
}

func (f *fakePipeline) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/upload", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.uploads, 1)
		_, _ = io.Copy(io.Discard, r.Body)
		_, _ = w.Write([]byte(`{"preview_periods":["2025-02","2025-01"],"saved_as":"orders.csv","size":5}`))
	})
	mux.HandleFunc("/pipeline/status", func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&f.statuses, 1)
		_, _ = w.Write([]byte(`{"status":"done","current_stage":"Stage 7","percent":100}`))
	})
	mux.HandleFunc("/report/latest", func(w http.ResponseWriter, r *http.Request) {
		period := r.URL.Query().Get("period")
		_, _ = w.Write([]byte(`{"overview":{"_period":"` + period + `","available_periods":["2025-02","2025-01"],"kpis":{"totalMembers":500}}}`))
	})
	mux.HandleFunc("/stage4/segment/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="vip_`+r.URL.Query().Get("period")+`.csv"`)
		_, _ = w.Write([]byte("customer_id\n1\n"))
	})
	return mux
}

func newTestServer(t *testing.T, withStore bool) (*Server, *fakePipeline) {
	t.Helper()
	fp := &fakePipeline{}
	api := httptest.NewServer(fp.handler())
	t.Cleanup(api.Close)

	cfg := config.Config{
		ListenAddr:     "127.0.0.1:0",
		APIBaseURL:     api.URL + "/",
		MaxUploadMB:    1,
		BackendTimeout: 2 * time.Second,
		PollInterval:   10 * time.Millisecond,
		LogTailChars:   100,
		Locale:         "en",
	}

	var store *snapshots.Store
	if withStore {
		created, err := snapshots.NewSQLiteStore(filepath.Join(t.TempDir(), "snapshots.db"))
		if err != nil {
			t.Fatalf("open snapshot store: %v", err)
		}
		store = created
		cfg.SnapshotSQLitePath = "set"
	}

	s := newServer(cfg, backend.NewClient(cfg.APIBaseURL, cfg.BackendTimeout, 0), store, nil)
	t.Cleanup(func() {
		s.baseCancel()
		if store != nil {
			_ = store.Close()
		}
	})
	return s, fp
}

func serve(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rr, req)
	return rr
}

func multipartBody(t *testing.T, name string, size int) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write(bytes.Repeat([]byte("a"), size)); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response: %v (%s)", err, rr.Body.String())
	}
	return payload
}

func TestHealthAndReady(t *testing.T) {
	s, _ := newTestServer(t, false)

	rr := serve(s, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected generated request id")
	}

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	req.Header.Set("X-Request-ID", "abc")
	rr = serve(s, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}
	if got := rr.Header().Get("X-Request-ID"); got != "abc" {
		t.Fatalf("expected request id to be echoed, got %q", got)
	}
}

func TestUploadOversizedFileIsRejectedLocally(t *testing.T) {
	s, fp := newTestServer(t, false)

	body, contentType := multipartBody(t, "big.csv", 1024*1024+512)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/upload", body)
	req.Header.Set("Content-Type", contentType)
	rr := serve(s, req)

	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status %d, got %d", http.StatusRequestEntityTooLarge, rr.Code)
	}
	payload := decode(t, rr)
	if payload["kind"] != "validation" {
		t.Fatalf("expected validation kind, got %v", payload["kind"])
	}
	if !strings.Contains(payload["error"].(string), "1MB") {
		t.Fatalf("expected limit in message, got %q", payload["error"])
	}
	if n := atomic.LoadInt32(&fp.uploads); n != 0 {
		t.Fatalf("expected no backend upload, got %d", n)
	}
}

func TestUploadHandsOffToViewer(t *testing.T) {
	s, fp := newTestServer(t, true)

	body, contentType := multipartBody(t, "orders.csv", 5)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/upload", body)
	req.Header.Set("Content-Type", contentType)
	rr := serve(s, req)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected status %d, got %d: %s", http.StatusAccepted, rr.Code, rr.Body.String())
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.viewer.Display().Label == "" {
		if time.Now().After(deadline) {
			t.Fatalf("viewer never initialized after hand-off")
		}
		time.Sleep(5 * time.Millisecond)
	}

	st := s.viewer.State()
	if st.Target != "2025-02" || st.Display.Label != "2025-02" {
		t.Fatalf("expected first preview period, got target=%q label=%q", st.Target, st.Display.Label)
	}
	if atomic.LoadInt32(&fp.statuses) < 1 {
		t.Fatalf("expected at least one status poll")
	}

	rr = serve(s, httptest.NewRequest(http.MethodGet, "/api/v1/upload/session", nil))
	data := decode(t, rr)["data"].(map[string]any)
	if data["status"] != "done" {
		t.Fatalf("expected done session, got %v", data["status"])
	}

	rr = serve(s, httptest.NewRequest(http.MethodGet, "/api/v1/uploads/history", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}
	if meta := decode(t, rr)["meta"].(map[string]any); meta["count"].(float64) < 1 {
		t.Fatalf("expected recorded upload history")
	}
}

func TestReportPeriodValidation(t *testing.T) {
	s, _ := newTestServer(t, false)

	cases := []string{`not json`, `{}`, `{"mode":"week"}`}
	for _, body := range cases {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/report/period", strings.NewReader(body))
		rr := serve(s, req)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("body %q: expected status %d, got %d", body, http.StatusBadRequest, rr.Code)
		}
	}

	rr := serve(s, httptest.NewRequest(http.MethodGet, "/api/v1/report/period", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected status %d, got %d", http.StatusMethodNotAllowed, rr.Code)
	}
}

func TestReportPeriodSelectsYear(t *testing.T) {
	s, _ := newTestServer(t, false)
	s.viewer.Initialize(testContext(t), []string{"2025-02", "2024-12"})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/report/period", strings.NewReader(`{"mode":"year","index":1}`))
	rr := serve(s, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}
	data := decode(t, rr)["data"].(map[string]any)
	if data["target"] != "2024" {
		t.Fatalf("expected target 2024, got %v", data["target"])
	}
}

func TestSegmentDownloadUsesDisplayPeriod(t *testing.T) {
	s, _ := newTestServer(t, false)
	s.viewer.Initialize(testContext(t), []string{"2025-02"})

	rr := serve(s, httptest.NewRequest(http.MethodGet, "/api/v1/downloads/segment/4", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}
	if got := rr.Header().Get("Content-Disposition"); !strings.Contains(got, "vip_2025-02.csv") {
		t.Fatalf("unexpected disposition %q", got)
	}
	if rr.Body.String() != "customer_id\n1\n" {
		t.Fatalf("unexpected body %q", rr.Body.String())
	}

	rr = serve(s, httptest.NewRequest(http.MethodGet, "/api/v1/downloads/unknown/4", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, rr.Code)
	}
}

func TestSettingsExposeUploadLimit(t *testing.T) {
	s, _ := newTestServer(t, false)

	rr := serve(s, httptest.NewRequest(http.MethodGet, "/api/v1/settings", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}
	data, _ := decode(t, rr)["data"].(map[string]any)
	if data["max_upload_mb"] != float64(1) {
		t.Fatalf("expected max_upload_mb 1, got %v", data["max_upload_mb"])
	}
	if data["snapshots_enabled"] != false {
		t.Fatalf("expected snapshots disabled, got %v", data["snapshots_enabled"])
	}
}

func TestStoreBackedRoutesDisabled(t *testing.T) {
	s, _ := newTestServer(t, false)

	for _, path := range []string{"/api/v1/uploads/history", "/api/v1/report/snapshots", "/api/v1/report/snapshots/all", "/api/v1/archive/tables"} {
		rr := serve(s, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != http.StatusServiceUnavailable {
			t.Fatalf("%s: expected status %d, got %d", path, http.StatusServiceUnavailable, rr.Code)
		}
		if decode(t, rr)["error"] == nil {
			t.Fatalf("%s: expected error field in response", path)
		}
	}
}

func TestSnapshotsAreArchived(t *testing.T) {
	s, _ := newTestServer(t, true)
	s.viewer.Initialize(testContext(t), []string{"2025-02"})

	rr := serve(s, httptest.NewRequest(http.MethodGet, "/api/v1/report/snapshots/2025-02", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}
	rr = serve(s, httptest.NewRequest(http.MethodGet, "/api/v1/report/snapshots/1999-01", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, rr.Code)
	}
}

func TestMetricsExposeReportFetches(t *testing.T) {
	s, _ := newTestServer(t, false)
	s.viewer.Initialize(testContext(t), []string{"2025-02"})

	rr := serve(s, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rr.Body.String(), `report_viewer_report_fetches_total{outcome="applied"}`) {
		t.Fatalf("expected report fetch series in metrics output")
	}
	if !strings.Contains(rr.Body.String(), `report_viewer_external_probe_duration_seconds_count{target="backend",operation="LatestReport"}`) {
		t.Fatalf("expected backend probe series in metrics output")
	}
}

func TestNormalizeMetricPath(t *testing.T) {
	cases := map[string]string{
		"/":                                "/",
		"/api/v1/downloads/cluster/3":      "/api/v1/downloads/cluster/{id}",
		"/api/v1/downloads/segment/vip":    "/api/v1/downloads/segment/{id}",
		"/api/v1/report/snapshots/2025-02": "/api/v1/report/snapshots/{period}",
		"/api/v1/report":                   "/api/v1/report",
		"/wp-login.php":                    "other",
	}
	for in, want := range cases {
		if got := normalizeMetricPath(in); got != want {
			t.Fatalf("normalizeMetricPath(%q) = %q, want %q", in, got, want)
		}
	}
}
