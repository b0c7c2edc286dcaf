// Package validate holds the column and row rules applied by the validator
// stage. Column rules see one value; row rules see the whole row through a
// Row accessor. Rules return *Error for data problems; anything else is
// treated as a failure of the run itself.
package validate

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"rowpipe/internal/schema"
)

// Error is a validation failure. Field is empty for row-level failures.
type Error struct {
	Field   string
	Value   any
	Message string
}

func (e *Error) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// ColumnValidator checks a single value. Values may be wrapped in a
// missing-value carrier; callers pass the bare value.
type ColumnValidator interface {
	Validate(field string, v any) error
}

// Row gives row validators access to the current row by column name.
type Row interface {
	Value(name string) any
	Ordinal() int
}

// RowValidator checks a whole row.
type RowValidator interface {
	ValidateRow(r Row) error
}

// Func adapts a function to ColumnValidator.
type Func func(field string, v any) error

func (f Func) Validate(field string, v any) error { return f(field, v) }

func isBlank(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && strings.TrimSpace(s) == ""
}

// Required rejects nil and blank values.
type Required struct{}

func (Required) Validate(field string, v any) error {
	if isBlank(v) {
		return &Error{Field: field, Message: "Missing value for required property: " + field}
	}
	return nil
}

// MaxLength rejects text longer than N characters.
type MaxLength struct{ N int }

func (m MaxLength) Validate(field string, v any) error {
	s, ok := v.(string)
	if !ok || m.N <= 0 {
		return nil
	}
	if n := utf8.RuneCountInString(s); n > m.N {
		return &Error{Field: field, Value: v,
			Message: fmt.Sprintf("Value is too long for column '%s', a maximum length of %d is allowed. Supplied value was %d characters long.", field, m.N, n)}
	}
	return nil
}

// Range bounds numeric values. Nil bounds are open.
type Range struct{ Min, Max *float64 }

func (r Range) Validate(field string, v any) error {
	f, ok := number(v)
	if !ok {
		return nil
	}
	if r.Min != nil && f < *r.Min {
		return &Error{Field: field, Value: v, Message: fmt.Sprintf("Value %v is less than the minimum %v", v, *r.Min)}
	}
	if r.Max != nil && f > *r.Max {
		return &Error{Field: field, Value: v, Message: fmt.Sprintf("Value %v is greater than the maximum %v", v, *r.Max)}
	}
	return nil
}

func number(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case float32:
		return float64(x), true
	case float64:
		return x, true
	}
	return 0, false
}

// Domain restricts values to a fixed set, compared case-insensitively on
// their string form.
type Domain struct {
	set  map[string]struct{}
	list []string
}

// NewDomain builds a Domain over values.
func NewDomain(values []string) *Domain {
	d := &Domain{set: make(map[string]struct{}, len(values)), list: values}
	for _, v := range values {
		d.set[strings.ToLower(v)] = struct{}{}
	}
	return d
}

func (d *Domain) Validate(field string, v any) error {
	if v == nil {
		return nil
	}
	if _, ok := d.set[strings.ToLower(stringOf(v))]; ok {
		return nil
	}
	return &Error{Field: field, Value: v,
		Message: fmt.Sprintf("Value '%v' is not one of the allowed values: %s", v, strings.Join(d.list, ", "))}
}

// Pattern requires text values to match a regular expression.
type Pattern struct{ re *regexp.Regexp }

// NewPattern compiles expr.
func NewPattern(expr string) (*Pattern, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("validate: pattern %q: %w", expr, err)
	}
	return &Pattern{re: re}, nil
}

func (p *Pattern) Validate(field string, v any) error {
	s, ok := v.(string)
	if !ok || s == "" {
		return nil
	}
	if !p.re.MatchString(s) {
		return &Error{Field: field, Value: v, Message: fmt.Sprintf("Value '%s' does not match the pattern %s", s, p.re)}
	}
	return nil
}

// ForColumn returns the column rules implied by a descriptor, in the order
// they should run.
func ForColumn(c *schema.Column) ([]ColumnValidator, error) {
	var out []ColumnValidator
	if c.Required && !c.AutoIncrement {
		out = append(out, Required{})
	}
	if c.Length > 0 && (c.Type == schema.TypeText || c.Type == "") {
		out = append(out, MaxLength{N: c.Length})
	}
	if c.Min != nil || c.Max != nil {
		out = append(out, Range{Min: c.Min, Max: c.Max})
	}
	if len(c.Domain) > 0 {
		out = append(out, NewDomain(c.Domain))
	}
	if c.Pattern != "" {
		p, err := NewPattern(c.Pattern)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func stringOf(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case time.Time:
		return x.Format(time.RFC3339Nano)
	}
	return fmt.Sprint(v)
}
