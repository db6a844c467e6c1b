package report

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// Number is a nullable numeric field. A valid NaN or infinity is kept in
// memory and marshals as JSON null, like JSON.stringify does.
type Number struct {
	Value float64
	Valid bool
}

// Num returns a valid Number.
func Num(v float64) Number { return Number{Value: v, Valid: true} }

// Truthy reports whether the value would pass a JavaScript `||` check.
func (n Number) Truthy() bool {
	return n.Valid && n.Value != 0 && !math.IsNaN(n.Value)
}

func (n Number) MarshalJSON() ([]byte, error) {
	if !n.Valid || math.IsNaN(n.Value) || math.IsInf(n.Value, 0) {
		return []byte("null"), nil
	}
	return json.Marshal(n.Value)
}

func (n *Number) UnmarshalJSON(data []byte) error {
	*n = SafeNumber(gjson.ParseBytes(data))
	return nil
}

// SafeNumber coerces a JSON value: null or absent stays null, everything else
// follows JavaScript Number() conversion.
func SafeNumber(r gjson.Result) Number {
	if !r.Exists() || r.Type == gjson.Null {
		return Number{}
	}
	return Num(jsNumber(r))
}

func jsNumber(r gjson.Result) float64 {
	switch r.Type {
	case gjson.Null:
		return 0
	case gjson.False:
		return 0
	case gjson.True:
		return 1
	case gjson.Number:
		return r.Num
	case gjson.String:
		return parseJSNumberString(r.Str)
	case gjson.JSON:
		if !r.IsArray() {
			return math.NaN()
		}
		items := r.Array()
		switch len(items) {
		case 0:
			return 0
		case 1:
			// Number([x]) is Number(String(x)).
			if items[0].IsArray() || items[0].IsObject() {
				return math.NaN()
			}
			if items[0].Type == gjson.Null {
				return 0
			}
			if items[0].Type == gjson.True || items[0].Type == gjson.False {
				return math.NaN()
			}
			return jsNumber(items[0])
		default:
			return math.NaN()
		}
	}
	return math.NaN()
}

func parseJSNumberString(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	switch s {
	case "Infinity", "+Infinity":
		return math.Inf(1)
	case "-Infinity":
		return math.Inf(-1)
	}
	if strings.ContainsAny(s, "_nN") && !isRadixLiteral(s) {
		// rejects Go-only spellings such as 1_000, NaN and inf
		return math.NaN()
	}
	if isRadixLiteral(s) {
		v, err := strconv.ParseUint(s[2:], radixOf(s[1]), 64)
		if err != nil {
			return math.NaN()
		}
		return float64(v)
	}
	lower := strings.ToLower(s)
	if strings.Contains(lower, "i") || strings.Contains(lower, "p") || strings.Contains(lower, "x") {
		return math.NaN()
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		if ne, ok := err.(*strconv.NumError); ok && ne.Err == strconv.ErrRange {
			return v
		}
		return math.NaN()
	}
	return v
}

func isRadixLiteral(s string) bool {
	if len(s) < 3 || s[0] != '0' {
		return false
	}
	switch s[1] {
	case 'x', 'X', 'o', 'O', 'b', 'B':
		return true
	}
	return false
}

func radixOf(c byte) int {
	switch c {
	case 'x', 'X':
		return 16
	case 'o', 'O':
		return 8
	default:
		return 2
	}
}

// truthy mirrors JavaScript truthiness for a raw JSON value.
func truthy(r gjson.Result) bool {
	switch r.Type {
	case gjson.Null, gjson.False:
		return false
	case gjson.Number:
		return r.Num != 0
	case gjson.String:
		return r.Str != ""
	case gjson.True, gjson.JSON:
		return true
	}
	return false
}
