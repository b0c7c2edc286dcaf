// Package dataiter implements the row pipeline: a chain of pull-based cursors
// where each stage wraps the one before it, plus the shared run context and
// error sink every stage reports into.
//
// Columns are 1-indexed. Column 0 is the row ordinal: the 1-based position of
// the row in the source, preserved by stages that drop rows so errors can be
// reported against the input line they came from.
package dataiter

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"rowpipe/internal/schema"
)

// Cursor is the contract every stage implements. Get is idempotent until the
// next call to Next; Next returning false means end of stream. Errors
// recorded in the ErrorSink do not end the stream by themselves.
type Cursor interface {
	ColumnCount() int
	ColumnInfo(i int) *schema.Column
	Next(ctx context.Context) (bool, error)
	Get(i int) any
	Close() error
}

// Constants is implemented by cursors that can report columns whose value is
// the same for every row.
type Constants interface {
	IsConstant(i int) bool
	ConstantValue(i int) any
}

// Scrollable is implemented by cursors that can restart from the first row.
type Scrollable interface {
	IsScrollable() bool
	BeforeFirst(ctx context.Context) error
}

// IsConstant reports whether column i of c is constant.
func IsConstant(c Cursor, i int) bool {
	k, ok := c.(Constants)
	return ok && k.IsConstant(i)
}

// ConstantValue returns the constant value of column i, or nil.
func ConstantValue(c Cursor, i int) any {
	if k, ok := c.(Constants); ok && k.IsConstant(i) {
		return k.ConstantValue(i)
	}
	return nil
}

// CanScroll reports whether c supports BeforeFirst right now.
func CanScroll(c Cursor) bool {
	s, ok := c.(Scrollable)
	return ok && s.IsScrollable()
}

// Ordinal returns the row ordinal of the current row.
func Ordinal(c Cursor) int {
	n, _ := ordinalOf(c.Get(0))
	return n
}

func ordinalOf(v any) (int, bool) {
	switch v := v.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	}
	return 0, false
}

// ColumnIndex returns the index of the named column (case-insensitive), or -1.
func ColumnIndex(c Cursor, name string) int {
	for i := 1; i <= c.ColumnCount(); i++ {
		if info := c.ColumnInfo(i); info != nil && strings.EqualFold(info.Name, name) {
			return i
		}
	}
	return -1
}

// Snapshot copies the current row, slot 0 included.
func Snapshot(c Cursor) []any {
	row := make([]any, c.ColumnCount()+1)
	for i := range row {
		row[i] = c.Get(i)
	}
	return row
}

// MissingValue wraps a value carrying a missing-value indicator. Value may be
// nil when only the indicator was supplied.
type MissingValue struct {
	Value     any
	Indicator string
}

func (m MissingValue) String() string {
	if m.Value == nil {
		return m.Indicator
	}
	return fmt.Sprintf("%v (%s)", m.Value, m.Indicator)
}

// Unwrap returns the bare value of v, stripping a MissingValue wrapper.
func Unwrap(v any) any {
	if mv, ok := v.(MissingValue); ok {
		return mv.Value
	}
	return v
}

// passthrough forwards the column and lifecycle methods to the upstream
// cursor. Stages embed it and override what they change.
type passthrough struct {
	in Cursor
}

func (p *passthrough) ColumnCount() int                { return p.in.ColumnCount() }
func (p *passthrough) ColumnInfo(i int) *schema.Column { return p.in.ColumnInfo(i) }
func (p *passthrough) Get(i int) any                   { return p.in.Get(i) }
func (p *passthrough) Close() error                    { return p.in.Close() }

func (p *passthrough) IsConstant(i int) bool   { return IsConstant(p.in, i) }
func (p *passthrough) ConstantValue(i int) any { return ConstantValue(p.in, i) }

// Logged traces every row pulled through c at debug level.
func Logged(c Cursor, log zerolog.Logger, stage string) Cursor {
	return &logged{passthrough: passthrough{in: c}, log: log.With().Str("stage", stage).Logger()}
}

type logged struct {
	passthrough
	log zerolog.Logger
}

func (l *logged) Next(ctx context.Context) (bool, error) {
	ok, err := l.in.Next(ctx)
	if err != nil {
		l.log.Debug().Err(err).Msg("next failed")
		return ok, err
	}
	if !ok {
		l.log.Debug().Msg("end of stream")
		return false, nil
	}
	if e := l.log.Debug(); e.Enabled() {
		row := make(map[string]any, l.in.ColumnCount())
		for i := 1; i <= l.in.ColumnCount(); i++ {
			row[l.in.ColumnInfo(i).Name] = l.in.Get(i)
		}
		e.Int("row", Ordinal(l.in)).Fields(row).Msg("row")
	}
	return true, nil
}
