package schema

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Type is the logical type of a column.
type Type string

const (
	TypeText      Type = "text"
	TypeInt       Type = "int"
	TypeFloat     Type = "float"
	TypeBool      Type = "bool"
	TypeDate      Type = "date"
	TypeTimestamp Type = "timestamp"
	TypeGUID      Type = "guid"
)

// ParseType normalizes a loosely-specified type name. Unknown names map to
// TypeText with ok=false.
func ParseType(s string) (Type, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "text", "string", "varchar":
		return TypeText, true
	case "int", "integer", "bigint", "long":
		return TypeInt, true
	case "float", "double", "real", "numeric", "decimal":
		return TypeFloat, true
	case "bool", "boolean":
		return TypeBool, true
	case "date":
		return TypeDate, true
	case "timestamp", "timestamptz", "datetime":
		return TypeTimestamp, true
	case "guid", "uuid", "entityid":
		return TypeGUID, true
	}
	return TypeText, false
}

// Valid reports whether t is one of the known types.
func (t Type) Valid() bool {
	_, ok := ParseType(string(t))
	return ok
}

// ConversionError reports a value that could not be converted to a Type.
type ConversionError struct {
	Value any
	Type  Type
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("could not convert value '%v' to %s", e.Value, e.Type)
}

// Convert coerces v to the canonical Go representation of t:
// text->string, int->int64, float->float64, bool->bool,
// date/timestamp->time.Time, guid->string. The empty string converts to nil.
func (t Type) Convert(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if s, ok := v.(string); ok && s == "" {
		return nil, nil
	}
	switch t {
	case TypeText, "":
		return toText(v), nil
	case TypeInt:
		if n, ok := toInt(v); ok {
			return n, nil
		}
	case TypeFloat:
		if f, ok := toFloat(v); ok {
			return f, nil
		}
	case TypeBool:
		if b, ok := toBool(v); ok {
			return b, nil
		}
	case TypeDate:
		if d, ok := toTime(v); ok {
			return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC), nil
		}
	case TypeTimestamp:
		if d, ok := toTime(v); ok {
			return d, nil
		}
	case TypeGUID:
		switch x := v.(type) {
		case uuid.UUID:
			return x.String(), nil
		case string:
			if id, err := uuid.Parse(strings.TrimSpace(x)); err == nil {
				return id.String(), nil
			}
		}
	}
	return nil, &ConversionError{Value: v, Type: t}
}

func toText(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	case time.Time:
		return x.Format(time.RFC3339Nano)
	case fmt.Stringer:
		return x.String()
	}
	return fmt.Sprint(v)
}

func toInt(v any) (int64, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int8:
		return int64(x), true
	case int16:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case uint8:
		return int64(x), true
	case uint16:
		return int64(x), true
	case uint32:
		return int64(x), true
	case uint64:
		if x <= 1<<63-1 {
			return int64(x), true
		}
	case float32:
		if float32(int64(x)) == x {
			return int64(x), true
		}
	case float64:
		if float64(int64(x)) == x {
			return int64(x), true
		}
	case string:
		return toIntFast(strings.TrimSpace(x))
	}
	return 0, false
}

// toIntFast parses s as an integer, accepting a float form with no
// fractional part ("12.0").
func toIntFast(s string) (int64, bool) {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i, true
	}
	if strings.IndexByte(s, '.') >= 0 {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			if f == float64(int64(f)) {
				return int64(f), true
			}
		}
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	}
	if n, ok := toInt(v); ok {
		return float64(n), true
	}
	return 0, false
}

func toBool(v any) (bool, bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case string:
		return toBoolFast(strings.TrimSpace(x))
	}
	if n, ok := toInt(v); ok && (n == 0 || n == 1) {
		return n == 1, true
	}
	return false, false
}

func toBoolFast(s string) (bool, bool) {
	switch strings.ToLower(s) {
	case "1", "t", "true", "yes", "y", "on":
		return true, true
	case "0", "f", "false", "no", "n", "off":
		return false, true
	}
	return false, false
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	"01/02/2006 15:04",
}

func toTime(v any) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		return x, true
	case string:
		s := strings.TrimSpace(x)
		if d, ok := parseDottedDate(s); ok {
			return d, true
		}
		for _, layout := range timeLayouts {
			if d, err := time.Parse(layout, s); err == nil {
				return d, true
			}
		}
	}
	return time.Time{}, false
}

// parseDottedDate is a fast path for "dd.mm.yyyy".
func parseDottedDate(s string) (time.Time, bool) {
	if len(s) != 10 || s[2] != '.' || s[5] != '.' {
		return time.Time{}, false
	}
	d1, d0 := s[0]-'0', s[1]-'0'
	m1, m0 := s[3]-'0', s[4]-'0'
	y3, y2, y1, y0 := s[6]-'0', s[7]-'0', s[8]-'0', s[9]-'0'
	if d1 > 9 || d0 > 9 || m1 > 9 || m0 > 9 || y3 > 9 || y2 > 9 || y1 > 9 || y0 > 9 {
		return time.Time{}, false
	}
	day := int(d1)*10 + int(d0)
	mon := int(m1)*10 + int(m0)
	year := int(y3)*1000 + int(y2)*100 + int(y1)*10 + int(y0)
	if mon < 1 || mon > 12 || day < 1 || day > 31 {
		return time.Time{}, false
	}
	return time.Date(year, time.Month(mon), day, 0, 0, 0, 0, time.UTC), true
}
