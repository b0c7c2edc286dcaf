package dataiter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"rowpipe/internal/schema"
	"rowpipe/internal/sequence"
)

// Remapper resolves a value through a lookup table's alternate keys. found is
// false when nothing matched; an error is returned for ambiguous matches or
// lookup failures.
type Remapper interface {
	Remap(ctx context.Context, v any) (mapped any, found bool, err error)
}

// RemapMissing selects what happens when a remap finds no match.
type RemapMissing int

const (
	RemapError RemapMissing = iota
	RemapNull
	RemapOriginal
)

// ConvertOptions tunes a convert column.
type ConvertOptions struct {
	// MissingValues enables missing-value indicator detection.
	MissingValues bool
	// MVIndex is the input column holding the indicator; 0 means the
	// indicator, if any, is carried in the value itself.
	MVIndex int
	// Remap is consulted when the value fails to convert.
	Remap        Remapper
	RemapMissing RemapMissing
	// Trim removes control characters and surrounding space from text and
	// NFC-normalizes it before conversion.
	Trim bool
	// Default replaces a value that converts to nil.
	Default any
}

// ValueFunc computes a column value for the current row.
type ValueFunc func(ctx context.Context) (any, error)

// BuiltIns carries the values of the standard audit columns.
type BuiltIns struct {
	Container   string
	UserID      int64
	Passthrough bool
}

// Standard audit column names.
const (
	ColContainer  = "Container"
	ColCreatedBy  = "CreatedBy"
	ColCreated    = "Created"
	ColModifiedBy = "ModifiedBy"
	ColModified   = "Modified"
	ColEntityID   = "EntityId"
)

// ValueError is a per-field failure. The translator records it against the
// column and carries on with a nil value; remappers return it for ambiguous
// lookups.
type ValueError struct{ Msg string }

func (e *ValueError) Error() string { return e.Msg }

type producer interface {
	value(ctx context.Context, t *Translator) (any, error)
}

type constProducer interface {
	constant(t *Translator) (any, bool)
}

type outputColumn struct {
	info *schema.Column
	p    producer
}

// Translator maps each input row to an output row built from an ordered list
// of column producers. Producers run in declaration order and may read the
// outputs of earlier producers through Get. Configuration must be complete
// before the first call to Next; the Add methods panic with ErrConfigured
// afterwards.
type Translator struct {
	in      Cursor
	rc      *RunContext
	cols    []outputColumn
	row     []any
	started bool
	trimmer transform.Transformer
}

// NewTranslator returns a translator with no output columns besides the
// row ordinal.
func NewTranslator(in Cursor, rc *RunContext) *Translator {
	return &Translator{
		in: in,
		rc: rc,
		trimmer: transform.Chain(
			runes.Remove(runes.In(unicode.Cc)),
			norm.NFC,
		),
	}
}

func (t *Translator) add(info *schema.Column, p producer) int {
	if t.started {
		panic(ErrConfigured)
	}
	t.cols = append(t.cols, outputColumn{info: info, p: p})
	return len(t.cols)
}

// SelectAll passes every input column through unchanged.
func (t *Translator) SelectAll() {
	t.SelectAllExcept()
}

// SelectAllExcept passes through every input column not named in skip.
func (t *Translator) SelectAllExcept(skip ...string) {
	drop := make(map[string]struct{}, len(skip))
	for _, s := range skip {
		drop[strings.ToLower(s)] = struct{}{}
	}
	for i := 1; i <= t.in.ColumnCount(); i++ {
		info := t.in.ColumnInfo(i)
		if _, ok := drop[strings.ToLower(info.Name)]; ok {
			continue
		}
		t.add(info, passthroughCol{from: i})
	}
}

// AddColumn passes input column from through under a new name. An empty
// name keeps the input name.
func (t *Translator) AddColumn(name string, from int) int {
	info := t.in.ColumnInfo(from)
	if name != "" {
		info = info.Renamed(name)
	}
	return t.add(info, passthroughCol{from: from})
}

// AddColumnFunc adds a computed column.
func (t *Translator) AddColumnFunc(info *schema.Column, fn ValueFunc) int {
	return t.add(info, funcCol(fn))
}

// AddConvertColumn converts input column from to info.Type.
func (t *Translator) AddConvertColumn(info *schema.Column, from int, opts ConvertOptions) int {
	return t.add(info, &convertCol{from: from, typ: info.Type, name: info.Name, opts: opts})
}

// AddAliasColumn re-exposes output column out under another name, converted
// to typ when typ is set. out must already be declared.
func (t *Translator) AddAliasColumn(name string, out int, typ schema.Type) int {
	if out < 1 || out > len(t.cols) {
		panic(fmt.Sprintf("dataiter: alias of undeclared output column %d", out))
	}
	info := t.cols[out-1].info.Renamed(name)
	if typ != "" {
		info.Type = typ
	}
	return t.add(info, aliasCol{out: out, typ: typ})
}

// AddConstantColumn adds a column with the same value on every row.
func (t *Translator) AddConstantColumn(info *schema.Column, v any) int {
	return t.add(info, constantCol{v: v})
}

// AddNullColumn adds a column that is always nil.
func (t *Translator) AddNullColumn(info *schema.Column) int {
	return t.add(info, constantCol{})
}

// AddTimestampColumn adds a column holding the run timestamp.
func (t *Translator) AddTimestampColumn(name string) int {
	return t.add(&schema.Column{Name: name, Type: schema.TypeTimestamp}, timestampCol{})
}

// AddGUIDColumn adds a column with a fresh GUID per row.
func (t *Translator) AddGUIDColumn(name string) int {
	return t.add(&schema.Column{Name: name, Type: schema.TypeGUID}, guidCol{})
}

// AddSequenceColumn adds a column populated from seq.
func (t *Translator) AddSequenceColumn(info *schema.Column, seq sequence.Sequencer) int {
	return t.add(info, sequenceCol{seq: seq})
}

// AddAutoIncrementColumn numbers rows 1, 2, ... When from is positive and
// auto-increment passthrough is allowed, a non-nil input value is kept.
func (t *Translator) AddAutoIncrementColumn(info *schema.Column, from int) int {
	return t.add(info, &autoIncCol{from: from})
}

// AddCoalesceColumn uses input column from, or fallback when it is nil.
func (t *Translator) AddCoalesceColumn(info *schema.Column, from int, fallback ValueFunc) int {
	return t.add(info, coalesceCol{from: from, fallback: funcCol(fallback)})
}

// AddRemapColumn maps the string form of input column from through m.
func (t *Translator) AddRemapColumn(info *schema.Column, from int, m map[string]any, missing RemapMissing) int {
	return t.add(info, remapCol{from: from, m: m, missing: missing, name: info.Name})
}

// AddBuiltInColumns adds the standard audit columns the target declares and
// the translator does not already produce. Container, CreatedBy, Created and
// EntityId are written on insert and replace only; ModifiedBy and Modified in
// every mode. With b.Passthrough a non-nil input value of the same name wins.
func (t *Translator) AddBuiltInColumns(target *schema.Table, b BuiltIns) {
	insertOnly := t.rc.InsertMode() == ModeInsert || t.rc.InsertMode() == ModeReplace
	type builtin struct {
		name       string
		insertOnly bool
		p          producer
	}
	all := []builtin{
		{ColContainer, true, constantCol{v: b.Container}},
		{ColCreatedBy, true, constantCol{v: b.UserID}},
		{ColCreated, true, timestampCol{}},
		{ColModifiedBy, false, constantCol{v: b.UserID}},
		{ColModified, false, timestampCol{}},
		{ColEntityID, true, guidCol{}},
	}
	for _, bi := range all {
		col := target.Column(bi.name)
		if col == nil || t.indexOf(bi.name) > 0 {
			continue
		}
		if bi.insertOnly && !insertOnly {
			continue
		}
		p := bi.p
		if b.Passthrough {
			if from := ColumnIndex(t.in, bi.name); from > 0 {
				p = coalesceCol{from: from, fallback: p}
			}
		}
		t.add(col, p)
	}
}

func (t *Translator) indexOf(name string) int {
	for i, c := range t.cols {
		if strings.EqualFold(c.info.Name, name) {
			return i + 1
		}
	}
	return 0
}

func (t *Translator) ColumnCount() int { return len(t.cols) }

func (t *Translator) ColumnInfo(i int) *schema.Column {
	if i == 0 {
		return schema.RowOrdinal
	}
	return t.cols[i-1].info
}

func (t *Translator) Get(i int) any {
	if t.row == nil {
		return nil
	}
	return t.row[i]
}

func (t *Translator) IsConstant(i int) bool {
	if i < 1 || i > len(t.cols) {
		return false
	}
	if cp, ok := t.cols[i-1].p.(constProducer); ok {
		_, c := cp.constant(t)
		return c
	}
	return false
}

func (t *Translator) ConstantValue(i int) any {
	if i < 1 || i > len(t.cols) {
		return nil
	}
	if cp, ok := t.cols[i-1].p.(constProducer); ok {
		v, _ := cp.constant(t)
		return v
	}
	return nil
}

func (t *Translator) IsScrollable() bool { return CanScroll(t.in) }

func (t *Translator) BeforeFirst(ctx context.Context) error {
	s, ok := t.in.(Scrollable)
	if !ok || !s.IsScrollable() {
		return fmt.Errorf("dataiter: translator input is not scrollable")
	}
	t.row = nil
	return s.BeforeFirst(ctx)
}

func (t *Translator) Close() error { return t.in.Close() }

// Next pulls one input row and evaluates every producer in order. A value
// that fails to convert is recorded as a field error and replaced by nil.
func (t *Translator) Next(ctx context.Context) (bool, error) {
	if !t.started {
		t.started = true
		t.rc.Freeze()
	}
	ok, err := t.in.Next(ctx)
	if err != nil || !ok {
		return false, err
	}
	if t.row == nil {
		t.row = make([]any, len(t.cols)+1)
	}
	clear(t.row)
	t.row[0] = t.in.Get(0)
	ord := Ordinal(t.in)

	for i, c := range t.cols {
		v, err := c.p.value(ctx, t)
		if err != nil {
			var ce *schema.ConversionError
			var ve *ValueError
			switch {
			case errors.As(err, &ce):
				t.rc.Errors().AddFieldError(ord, c.info.Name, ce.Error()+" for field '"+c.info.Name+"'")
			case errors.As(err, &ve):
				t.rc.Errors().AddFieldError(ord, c.info.Name, ve.Error())
			default:
				return false, fmt.Errorf("column %s: %w", c.info.Name, err)
			}
			v = nil
		}
		t.row[i+1] = v
	}
	if err := t.rc.CheckShouldCancel(); err != nil {
		return false, err
	}
	return true, nil
}

func (t *Translator) trim(s string) string {
	out, _, err := transform.String(t.trimmer, s)
	if err != nil {
		out = s
	}
	return strings.TrimSpace(out)
}

type passthroughCol struct{ from int }

func (p passthroughCol) value(_ context.Context, t *Translator) (any, error) {
	return t.in.Get(p.from), nil
}

func (p passthroughCol) constant(t *Translator) (any, bool) {
	return ConstantValue(t.in, p.from), IsConstant(t.in, p.from)
}

type aliasCol struct {
	out int
	typ schema.Type
}

func (a aliasCol) value(_ context.Context, t *Translator) (any, error) {
	v := t.row[a.out]
	if a.typ == "" {
		return v, nil
	}
	return a.typ.Convert(Unwrap(v))
}

type funcCol ValueFunc

func (f funcCol) value(ctx context.Context, _ *Translator) (any, error) { return f(ctx) }

type constantCol struct{ v any }

func (c constantCol) value(context.Context, *Translator) (any, error) { return c.v, nil }
func (c constantCol) constant(*Translator) (any, bool)                { return c.v, true }

type timestampCol struct{}

func (timestampCol) value(_ context.Context, t *Translator) (any, error) { return t.rc.Timestamp(), nil }
func (timestampCol) constant(t *Translator) (any, bool)                  { return t.rc.Timestamp(), true }

type guidCol struct{}

func (guidCol) value(context.Context, *Translator) (any, error) { return uuid.NewString(), nil }

type sequenceCol struct{ seq sequence.Sequencer }

func (s sequenceCol) value(ctx context.Context, _ *Translator) (any, error) {
	return s.seq.Next(ctx)
}

type autoIncCol struct {
	from int
	last int64
}

func (a *autoIncCol) value(_ context.Context, t *Translator) (any, error) {
	if a.from > 0 && t.rc.AutoIncrementPassthrough() {
		if v := t.in.Get(a.from); v != nil {
			n, err := schema.TypeInt.Convert(v)
			if err != nil {
				return nil, err
			}
			if n != nil {
				if id := n.(int64); id > a.last {
					a.last = id
				}
				return n, nil
			}
		}
	}
	a.last++
	return a.last, nil
}

type coalesceCol struct {
	from     int
	fallback producer
}

func (c coalesceCol) value(ctx context.Context, t *Translator) (any, error) {
	if v := t.in.Get(c.from); v != nil {
		if s, ok := v.(string); !ok || s != "" {
			return v, nil
		}
	}
	return c.fallback.value(ctx, t)
}

type remapCol struct {
	from    int
	m       map[string]any
	missing RemapMissing
	name    string
}

func (r remapCol) value(_ context.Context, t *Translator) (any, error) {
	v := t.in.Get(r.from)
	if v == nil {
		return nil, nil
	}
	if out, ok := r.m[fmt.Sprint(v)]; ok {
		return out, nil
	}
	return missingRemap(v, r.missing)
}

func missingRemap(v any, missing RemapMissing) (any, error) {
	switch missing {
	case RemapNull:
		return nil, nil
	case RemapOriginal:
		return v, nil
	}
	return nil, &ValueError{Msg: fmt.Sprintf("Value '%v' was not found in lookup table", v)}
}

type convertCol struct {
	from int
	typ  schema.Type
	name string
	opts ConvertOptions
}

func (c *convertCol) value(ctx context.Context, t *Translator) (any, error) {
	v := t.in.Get(c.from)
	if !c.opts.MissingValues {
		return c.convert(ctx, t, v)
	}

	indicator := ""
	if mv, ok := v.(MissingValue); ok {
		indicator, v = mv.Indicator, mv.Value
	}
	if c.opts.MVIndex > 0 {
		if raw := t.in.Get(c.opts.MVIndex); raw != nil {
			s := strings.TrimSpace(fmt.Sprint(Unwrap(raw)))
			if s != "" {
				if !t.rc.IsMissingValue(s) {
					return nil, &ValueError{Msg: fmt.Sprintf("Value is not a valid missing value indicator: %s", s)}
				}
				indicator = s
			}
		}
	} else if s, ok := v.(string); ok && indicator == "" && t.rc.IsMissingValue(strings.TrimSpace(s)) {
		return MissingValue{Indicator: strings.TrimSpace(s)}, nil
	}

	out, err := c.convert(ctx, t, v)
	if err != nil {
		return nil, err
	}
	if indicator != "" {
		return MissingValue{Value: out, Indicator: indicator}, nil
	}
	return out, nil
}

func (c *convertCol) convert(ctx context.Context, t *Translator, v any) (any, error) {
	if mv, ok := v.(MissingValue); ok {
		out, err := c.convert(ctx, t, mv.Value)
		if err != nil {
			return nil, err
		}
		return MissingValue{Value: out, Indicator: mv.Indicator}, nil
	}
	if s, ok := v.(string); ok && c.opts.Trim {
		v = t.trim(s)
	}
	out, err := c.typ.Convert(v)
	if err == nil && out == nil && c.opts.Default != nil {
		return c.typ.Convert(c.opts.Default)
	}
	if err == nil || c.opts.Remap == nil {
		return out, err
	}
	mapped, found, rerr := c.opts.Remap.Remap(ctx, v)
	if rerr != nil {
		return nil, rerr
	}
	if !found {
		return missingRemap(v, c.opts.RemapMissing)
	}
	return c.typ.Convert(mapped)
}

func (c *convertCol) constant(t *Translator) (any, bool) {
	if c.opts.MVIndex > 0 || !IsConstant(t.in, c.from) {
		return nil, false
	}
	out, err := c.typ.Convert(ConstantValue(t.in, c.from))
	if err == nil && out == nil && c.opts.Default != nil {
		out, err = c.typ.Convert(c.opts.Default)
	}
	if err != nil {
		return nil, false
	}
	return out, true
}
