package dataiter

import (
	"context"
	"errors"
	"fmt"

	"rowpipe/internal/validate"
)

// Validator drops rows that fail a column or row rule. Failures are recorded
// in the error sink and the stage keeps pulling until it finds a valid row or
// the stream ends. Rules on a row stop at the first failure.
type Validator struct {
	passthrough
	rc      *RunContext
	columns map[int][]validate.ColumnValidator
	order   []int
	rows    []validate.RowValidator
	started bool
}

// NewValidator returns a validator with no rules.
func NewValidator(in Cursor, rc *RunContext) *Validator {
	return &Validator{passthrough: passthrough{in: in}, rc: rc, columns: map[int][]validate.ColumnValidator{}}
}

// AddColumnValidator attaches rules to column i.
func (v *Validator) AddColumnValidator(i int, rules ...validate.ColumnValidator) {
	if v.started {
		panic(ErrConfigured)
	}
	if len(rules) == 0 {
		return
	}
	if _, ok := v.columns[i]; !ok {
		v.order = append(v.order, i)
	}
	v.columns[i] = append(v.columns[i], rules...)
}

// AddRowValidator attaches a whole-row rule, run after the column rules.
func (v *Validator) AddRowValidator(rules ...validate.RowValidator) {
	if v.started {
		panic(ErrConfigured)
	}
	v.rows = append(v.rows, rules...)
}

// Empty reports whether no rules were added.
func (v *Validator) Empty() bool { return len(v.order) == 0 && len(v.rows) == 0 }

func (v *Validator) Next(ctx context.Context) (bool, error) {
	v.started = true
	for {
		ok, err := v.in.Next(ctx)
		if err != nil || !ok {
			return false, err
		}
		valid, err := v.check()
		if err != nil {
			return false, err
		}
		if valid {
			return true, nil
		}
		if err := v.rc.CheckShouldCancel(); err != nil {
			return false, err
		}
	}
}

func (v *Validator) check() (bool, error) {
	ord := Ordinal(v.in)
	for _, i := range v.order {
		name := v.in.ColumnInfo(i).Name
		val := Unwrap(v.in.Get(i))
		for _, rule := range v.columns[i] {
			if err := rule.Validate(name, val); err != nil {
				return false, v.record(ord, name, err)
			}
		}
	}
	row := cursorRow{c: v.in}
	for _, rule := range v.rows {
		if err := rule.ValidateRow(row); err != nil {
			return false, v.record(ord, "", err)
		}
	}
	return true, nil
}

// record stores a rule failure; errors that are not validation errors are
// returned to end the run.
func (v *Validator) record(ord int, field string, err error) error {
	var ve *validate.Error
	if !errors.As(err, &ve) {
		return fmt.Errorf("validate row %d: %w", ord, err)
	}
	if ve.Field == "" {
		ve.Field = field
	}
	if ve.Field == "" {
		v.rc.Errors().AddRowError(ord, errors.New(ve.Message))
	} else {
		v.rc.Errors().AddFieldError(ord, ve.Field, ve.Message)
	}
	return nil
}

// cursorRow exposes the current row of a cursor to row validators.
type cursorRow struct{ c Cursor }

func (r cursorRow) Value(name string) any {
	if i := ColumnIndex(r.c, name); i > 0 {
		return Unwrap(r.c.Get(i))
	}
	return nil
}

func (r cursorRow) Ordinal() int { return Ordinal(r.c) }
