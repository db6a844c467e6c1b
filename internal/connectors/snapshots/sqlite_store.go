package snapshots

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when no snapshot exists for a period.
var ErrNotFound = errors.New("snapshot not found")

// AllPeriods is the key used for the unscoped report.
const AllPeriods = ""

// Snapshot is the last raw /report/latest payload fetched for one period.
type Snapshot struct {
	Period    string          `json:"period"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Bytes     int             `json:"bytes"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// UploadRecord is one finished upload session.
type UploadRecord struct {
	ID             string     `json:"id"`
	Filename       string     `json:"filename"`
	SizeBytes      int64      `json:"size_bytes"`
	Status         string     `json:"status"`
	ErrorKind      string     `json:"error_kind,omitempty"`
	Message        string     `json:"message,omitempty"`
	PreviewPeriods []string   `json:"preview_periods"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

// Store keeps report snapshots and upload history in SQLite.
type Store struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("sqlite path required")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	for _, stmt := range []string{`
CREATE TABLE IF NOT EXISTS report_snapshots (
  period TEXT PRIMARY KEY,
  payload TEXT NOT NULL,
  fetched_at TEXT NOT NULL
);`, `
CREATE TABLE IF NOT EXISTS upload_sessions (
  id TEXT PRIMARY KEY,
  filename TEXT NOT NULL,
  size_bytes INTEGER NOT NULL DEFAULT 0,
  status TEXT NOT NULL,
  error_kind TEXT NOT NULL DEFAULT '',
  message TEXT NOT NULL DEFAULT '',
  preview_periods TEXT NOT NULL DEFAULT '[]',
  started_at TEXT NOT NULL,
  finished_at TEXT
);`,
		`CREATE INDEX IF NOT EXISTS idx_us_started_at ON upload_sessions(started_at);`,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Enabled() bool {
	return s != nil && s.db != nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SaveSnapshot replaces the stored payload for period.
func (s *Store) SaveSnapshot(ctx context.Context, period string, payload []byte, fetchedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO report_snapshots (period, payload, fetched_at)
VALUES (?, ?, ?)
ON CONFLICT(period) DO UPDATE SET
  payload = excluded.payload,
  fetched_at = excluded.fetched_at;
`, strings.TrimSpace(period), string(payload), formatTime(fetchedAt))
	return err
}

// GetSnapshot returns the stored payload for period, or ErrNotFound.
func (s *Store) GetSnapshot(ctx context.Context, period string) (*Snapshot, error) {
	var (
		item      Snapshot
		payload   string
		fetchedAt string
	)
	err := s.db.QueryRowContext(ctx, `
SELECT period, payload, fetched_at
FROM report_snapshots
WHERE period = ?;
`, strings.TrimSpace(period)).Scan(&item.Period, &payload, &fetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	item.Payload = json.RawMessage(payload)
	item.Bytes = len(payload)
	item.FetchedAt = parseTime(fetchedAt)
	return &item, nil
}

// ListSnapshots returns snapshot metadata without payloads, newest first.
func (s *Store) ListSnapshots(ctx context.Context, limit int) ([]Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT period, LENGTH(payload), fetched_at
FROM report_snapshots
ORDER BY fetched_at DESC, period ASC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Snapshot, 0, limit)
	for rows.Next() {
		var (
			item      Snapshot
			fetchedAt string
		)
		if err := rows.Scan(&item.Period, &item.Bytes, &fetchedAt); err != nil {
			return nil, err
		}
		item.FetchedAt = parseTime(fetchedAt)
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// RecordUpload inserts or updates an upload session row.
func (s *Store) RecordUpload(ctx context.Context, rec UploadRecord) error {
	periods := rec.PreviewPeriods
	if periods == nil {
		periods = []string{}
	}
	blob, err := json.Marshal(periods)
	if err != nil {
		return err
	}

	var finished any
	if rec.FinishedAt != nil {
		finished = formatTime(*rec.FinishedAt)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO upload_sessions (id, filename, size_bytes, status, error_kind, message, preview_periods, started_at, finished_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  status = excluded.status,
  error_kind = excluded.error_kind,
  message = excluded.message,
  preview_periods = excluded.preview_periods,
  finished_at = excluded.finished_at;
`, rec.ID, rec.Filename, rec.SizeBytes, rec.Status, rec.ErrorKind, rec.Message, string(blob), formatTime(rec.StartedAt), finished)
	return err
}

// ListUploads returns the most recent upload sessions first.
func (s *Store) ListUploads(ctx context.Context, limit int) ([]UploadRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, filename, size_bytes, status, error_kind, message, preview_periods, started_at, finished_at
FROM upload_sessions
ORDER BY started_at DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]UploadRecord, 0, limit)
	for rows.Next() {
		var (
			item      UploadRecord
			periods   string
			startedAt string
			finished  sql.NullString
		)
		if err := rows.Scan(&item.ID, &item.Filename, &item.SizeBytes, &item.Status, &item.ErrorKind, &item.Message, &periods, &startedAt, &finished); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(periods), &item.PreviewPeriods); err != nil {
			item.PreviewPeriods = []string{}
		}
		item.StartedAt = parseTime(startedAt)
		if finished.Valid && finished.String != "" {
			t := parseTime(finished.String)
			item.FinishedAt = &t
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(raw string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
