package mysql

import (
	"context"
	"database/sql"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"go-pipeline-report-ui/internal/config"
)

// TableInfo is one table in the export archive schema.
type TableInfo struct {
	Name      string     `json:"name"`
	Rows      int64      `json:"rows"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// Store wraps the MySQL export archive database.
type Store struct {
	db           *sql.DB
	queryTimeout time.Duration
	dbName       string
}

// NewStore opens and pings the archive database.
func NewStore(cfg config.Config) (*Store, error) {
	db, err := sql.Open("mysql", cfg.ArchiveMySQLDSN())
	if err != nil {
		return nil, err
	}

	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	timeout := cfg.ArchiveDBConnTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	queryTimeout := cfg.ArchiveDBQueryTimeout
	if queryTimeout <= 0 {
		queryTimeout = 30 * time.Second
	}
	return &Store{db: db, queryTimeout: queryTimeout, dbName: cfg.ArchiveDBName}, nil
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
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	return s.db.PingContext(ctx)
}

// ListTables returns archive tables with approximate row counts.
func (s *Store) ListTables(ctx context.Context) ([]TableInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
SELECT table_name, COALESCE(table_rows, 0), COALESCE(update_time, create_time)
FROM information_schema.tables
WHERE table_schema = ?
ORDER BY table_name;
`, s.dbName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]TableInfo, 0)
	for rows.Next() {
		var (
			item    TableInfo
			updated sql.NullTime
		)
		if err := rows.Scan(&item.Name, &item.Rows, &updated); err != nil {
			return nil, err
		}
		item.Name = strings.TrimSpace(item.Name)
		if updated.Valid {
			t := updated.Time.UTC()
			item.UpdatedAt = &t
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
