package mysql

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
)

// ColumnType is the inferred SQL type of an archive column.
type ColumnType string

const (
	TypeInt      ColumnType = "int"
	TypeFloat    ColumnType = "float"
	TypeDatetime ColumnType = "datetime"
	TypeVarchar  ColumnType = "varchar"
	TypeText     ColumnType = "text"
)

// SQL returns the MySQL column definition for t.
func (t ColumnType) SQL() string {
	switch t {
	case TypeInt:
		return "INT"
	case TypeFloat:
		return "FLOAT"
	case TypeDatetime:
		return "DATETIME"
	case TypeVarchar:
		return "VARCHAR(255)"
	default:
		return "TEXT"
	}
}

type Column struct {
	Name string     `json:"name"`
	Type ColumnType `json:"type"`
}

// Table is a tabular export loaded into memory, with raw cell text.
type Table struct {
	Name    string
	Source  string
	Columns []Column
	Rows    [][]string
}

// SupportedExtensions lists the file types the importer reads.
var SupportedExtensions = map[string]bool{".csv": true, ".xlsx": true, ".xls": true}

// ErrUnsupportedFormat is returned for files the loader cannot parse.
var ErrUnsupportedFormat = errors.New("unsupported export format")

var (
	nonIdent   = regexp.MustCompile(`[^a-z0-9_]+`)
	underscore = regexp.MustCompile(`_+`)
)

// NormalizeTableName derives a table name from a file path: the lowercased
// stem with every other character run replaced by "_", or "artifact".
func NormalizeTableName(path string) string {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	base = strings.ReplaceAll(strings.ToLower(base), " ", "_")
	base = nonIdent.ReplaceAllString(base, "_")
	base = strings.Trim(underscore.ReplaceAllString(base, "_"), "_")
	if base == "" {
		return "artifact"
	}
	return base
}

// LoadFile reads a CSV or XLSX export. The first row is the header.
func LoadFile(path string) (*Table, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return ReadCSV(NormalizeTableName(path), f)
	case ".xlsx":
		return readXLSX(path)
	default:
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), ErrUnsupportedFormat)
	}
}

// ReadCSV loads a CSV stream as table name.
func ReadCSV(name string, r io.Reader) (*Table, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read csv %s: %w", name, err)
	}
	return newTable(name, records)
}

func readXLSX(path string) (*Table, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open excel file: %w", err)
	}
	defer f.Close()

	sheetName := f.GetSheetName(0)
	if sheetName == "" {
		return nil, fmt.Errorf("no sheets found in %s", filepath.Base(path))
	}
	rows, err := f.GetRows(sheetName)
	if err != nil {
		return nil, fmt.Errorf("get rows: %w", err)
	}
	return newTable(NormalizeTableName(path), rows)
}

func newTable(name string, records [][]string) (*Table, error) {
	if len(records) == 0 || len(records[0]) == 0 {
		return nil, fmt.Errorf("table %s has no columns", name)
	}
	header := records[0]
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}

	width := len(header)
	rows := make([][]string, 0, len(records)-1)
	for _, rec := range records[1:] {
		row := make([]string, width)
		copy(row, rec)
		rows = append(rows, row)
	}

	cols := make([]Column, width)
	for i, h := range header {
		h = strings.TrimSpace(h)
		if h == "" {
			h = fmt.Sprintf("column_%d", i+1)
		}
		values := make([]string, len(rows))
		for j, row := range rows {
			values[j] = row[i]
		}
		cols[i] = Column{Name: h, Type: InferColumnType(values)}
	}
	return &Table{Name: name, Columns: cols, Rows: rows}, nil
}

var datetimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"2006/01/02 15:04:05",
	"2006/01/02",
	"2006-01",
}

// InferColumnType picks the narrowest type that fits every non-empty value:
// int, float, datetime, varchar(255) or text. An all-empty column is text.
func InferColumnType(values []string) ColumnType {
	nonEmpty := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			nonEmpty = append(nonEmpty, v)
		}
	}
	if len(nonEmpty) == 0 {
		return TypeText
	}

	if all(nonEmpty, isBool) {
		return TypeInt
	}
	if all(nonEmpty, isNumber) {
		if all(nonEmpty, isIntegral) {
			return TypeInt
		}
		return TypeFloat
	}
	if all(nonEmpty, isDatetime) {
		return TypeDatetime
	}

	maxLen := 0
	for _, v := range nonEmpty {
		if n := len([]rune(v)); n > maxLen {
			maxLen = n
		}
	}
	if maxLen <= 255 {
		return TypeVarchar
	}
	return TypeText
}

// Convert turns raw cell text into a driver value for column type t.
// Empty or unparseable cells become NULL.
func Convert(t ColumnType, raw string) any {
	v := strings.TrimSpace(raw)
	if v == "" {
		return nil
	}
	switch t {
	case TypeInt:
		if isBool(v) {
			if strings.EqualFold(v, "true") {
				return int64(1)
			}
			return int64(0)
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil
		}
		return int64(math.Round(f))
	case TypeFloat:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil
		}
		return f
	case TypeDatetime:
		if ts, ok := parseDatetime(v); ok {
			return ts
		}
		return nil
	default:
		return raw
	}
}

func all(values []string, pred func(string) bool) bool {
	for _, v := range values {
		if !pred(v) {
			return false
		}
	}
	return true
}

func isBool(v string) bool {
	return strings.EqualFold(v, "true") || strings.EqualFold(v, "false")
}

func isNumber(v string) bool {
	f, err := strconv.ParseFloat(v, 64)
	return err == nil && !math.IsNaN(f) && !math.IsInf(f, 0)
}

func isIntegral(v string) bool {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return false
	}
	return math.Abs(f-math.Round(f)) < 1e-9
}

func isDatetime(v string) bool {
	_, ok := parseDatetime(v)
	return ok
}

func parseDatetime(v string) (time.Time, bool) {
	for _, layout := range datetimeLayouts {
		if ts, err := time.Parse(layout, v); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}
