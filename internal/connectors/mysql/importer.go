package mysql

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"
)

// DefaultBatchSize is the number of rows per multi-row INSERT.
const DefaultBatchSize = 2000

// ImportResult summarizes one imported table.
type ImportResult struct {
	Table   string   `json:"table"`
	Source  string   `json:"source"`
	Rows    int      `json:"rows"`
	Columns []Column `json:"columns"`
}

// Importer recreates archive tables from tabular exports.
type Importer struct {
	store     *Store
	batchSize int
	loaders   int
	progress  func(table string, rows int)
}

type ImporterOption func(*Importer)

// WithBatchSize overrides DefaultBatchSize.
func WithBatchSize(n int) ImporterOption {
	return func(im *Importer) {
		if n > 0 {
			im.batchSize = n
		}
	}
}

// WithProgress is called after every inserted batch with the batch row count.
func WithProgress(fn func(table string, rows int)) ImporterOption {
	return func(im *Importer) { im.progress = fn }
}

func NewImporter(store *Store, opts ...ImporterOption) *Importer {
	im := &Importer{store: store, batchSize: DefaultBatchSize, loaders: 4}
	for _, o := range opts {
		o(im)
	}
	return im
}

// FindExports lists supported files under dir in lexical order.
func FindExports(dir string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if SupportedExtensions[strings.ToLower(filepath.Ext(path))] {
			out = append(out, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// LoadAll parses files concurrently and returns tables in input order.
// Files in an unsupported format are logged and skipped.
func (im *Importer) LoadAll(ctx context.Context, paths []string) ([]*Table, error) {
	tables := make([]*Table, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(im.loaders)
	for i, p := range paths {
		i, p := i, p
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			t, err := LoadFile(p)
			if errors.Is(err, ErrUnsupportedFormat) {
				log.Printf("archive skip file=%s err=%v", p, err)
				return nil
			}
			if err != nil {
				return fmt.Errorf("load %s: %w", p, err)
			}
			t.Source = p
			tables[i] = t
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := tables[:0]
	for _, t := range tables {
		if t != nil {
			out = append(out, t)
		}
	}
	return out, nil
}

// ImportFolder loads every export under dir and recreates one table per file.
func (im *Importer) ImportFolder(ctx context.Context, dir string) ([]ImportResult, error) {
	paths, err := FindExports(dir)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		log.Printf("archive no exports found dir=%s", dir)
		return nil, nil
	}
	tables, err := im.LoadAll(ctx, paths)
	if err != nil {
		return nil, err
	}

	results := make([]ImportResult, 0, len(tables))
	for _, t := range tables {
		res, err := im.ImportTable(ctx, t)
		if err != nil {
			return results, err
		}
		results = append(results, *res)
	}
	return results, nil
}

// ImportTable drops and recreates t.Name, then inserts its rows in batches.
func (im *Importer) ImportTable(ctx context.Context, t *Table) (*ImportResult, error) {
	ddl, err := CreateTableSQL(t)
	if err != nil {
		return nil, err
	}

	log.Printf("archive import table=%s source=%s rows=%d", t.Name, t.Source, len(t.Rows))
	if _, err := im.store.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+QuoteIdentifier(t.Name)); err != nil {
		return nil, fmt.Errorf("drop %s: %w", t.Name, err)
	}
	if _, err := im.store.db.ExecContext(ctx, ddl); err != nil {
		return nil, fmt.Errorf("create %s: %w", t.Name, err)
	}

	for start := 0; start < len(t.Rows); start += im.batchSize {
		end := start + im.batchSize
		if end > len(t.Rows) {
			end = len(t.Rows)
		}
		query, args := InsertBatchSQL(t, t.Rows[start:end])
		if _, err := im.store.db.ExecContext(ctx, query, args...); err != nil {
			return nil, fmt.Errorf("insert %s rows %d-%d: %w", t.Name, start, end, err)
		}
		if im.progress != nil {
			im.progress(t.Name, end-start)
		}
	}

	return &ImportResult{Table: t.Name, Source: t.Source, Rows: len(t.Rows), Columns: t.Columns}, nil
}

// QuoteIdentifier backtick-quotes a MySQL identifier.
func QuoteIdentifier(id string) string {
	return "`" + strings.ReplaceAll(id, "`", "``") + "`"
}

// CreateTableSQL renders the CREATE TABLE statement for t.
func CreateTableSQL(t *Table) (string, error) {
	if len(t.Columns) == 0 {
		return "", fmt.Errorf("table %s has no columns", t.Name)
	}
	defs := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		defs[i] = QuoteIdentifier(c.Name) + " " + c.Type.SQL()
	}
	return fmt.Sprintf("CREATE TABLE %s (%s) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4",
		QuoteIdentifier(t.Name), strings.Join(defs, ", ")), nil
}

// InsertBatchSQL renders one multi-row INSERT for rows with typed arguments.
func InsertBatchSQL(t *Table, rows [][]string) (string, []any) {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = QuoteIdentifier(c.Name)
	}
	placeholder := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(t.Columns)), ", ") + ")"

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(QuoteIdentifier(t.Name))
	b.WriteString(" (")
	b.WriteString(strings.Join(names, ", "))
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(t.Columns))
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(placeholder)
		for j, c := range t.Columns {
			args = append(args, Convert(c.Type, row[j]))
		}
	}
	return b.String(), args
}
