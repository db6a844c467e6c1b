package report

import (
	"fmt"
	"regexp"
	"strings"
)

// Mode selects whether periods are addressed by month or by derived year.
type Mode string

const (
	ModeMonth Mode = "month"
	ModeYear  Mode = "year"
)

// ParseMode accepts "month" or "year", case-insensitively.
func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case ModeMonth:
		return ModeMonth, nil
	case ModeYear:
		return ModeYear, nil
	}
	return "", fmt.Errorf("unknown period mode %q", raw)
}

// Period is a reporting window identifier, YYYY-MM or YYYY.
type Period struct {
	Raw  string `json:"raw"`
	Mode Mode   `json:"mode"`
}

// ParsePeriod derives the mode from the raw string shape. Anything that is not
// a bare four-character year is treated as a month.
func ParsePeriod(raw string) Period {
	raw = strings.TrimSpace(raw)
	if len(raw) == 4 && yearPattern.MatchString(raw) {
		return Period{Raw: raw, Mode: ModeYear}
	}
	return Period{Raw: raw, Mode: ModeMonth}
}

// Year is the first four characters of the period.
func (p Period) Year() string {
	return yearOf(p.Raw)
}

func yearOf(s string) string {
	if len(s) <= 4 {
		return s
	}
	return s[:4]
}

// DistinctYears de-duplicates the first four characters of each month,
// keeping first-seen order.
func DistinctYears(months []string) []string {
	seen := make(map[string]struct{}, len(months))
	years := make([]string, 0, len(months))
	for _, m := range months {
		y := yearOf(m)
		if _, ok := seen[y]; ok {
			continue
		}
		seen[y] = struct{}{}
		years = append(years, y)
	}
	return years
}

// Clamp pins index into [0, n-1]. With n == 0 it returns 0.
func Clamp(index, n int) int {
	if n <= 0 || index < 0 {
		return 0
	}
	if index >= n {
		return n - 1
	}
	return index
}

// Options returns the selectable list for mode: months as given, or years.
func Options(months []string, mode Mode) []string {
	if mode == ModeYear {
		return DistinctYears(months)
	}
	return months
}

// Target resolves the period string a fetch should be scoped to. An empty
// result means the unscoped "all periods" report.
func Target(months []string, mode Mode, index int) string {
	opts := Options(months, mode)
	if len(opts) == 0 {
		return ""
	}
	return opts[Clamp(index, len(opts))]
}

var (
	yearPattern  = regexp.MustCompile(`^\d{4}$`)
	monthPattern = regexp.MustCompile(`^\d{4}-\d{2}$`)
	datePattern  = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}`)
)

// NormalizeDownloadPeriod turns a display label into the period accepted by
// segment downloads: a date collapses to its month, months and years pass
// through, anything else yields "".
func NormalizeDownloadPeriod(label string) string {
	label = strings.TrimSpace(label)
	switch {
	case datePattern.MatchString(label):
		return label[:7]
	case monthPattern.MatchString(label), yearPattern.MatchString(label):
		return label
	}
	return ""
}
