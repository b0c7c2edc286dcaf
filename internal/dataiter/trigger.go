package dataiter

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"rowpipe/internal/schema"
	"rowpipe/internal/validate"
)

// Trigger receives the lifecycle of one run's writes. BeforeRow may change
// row values with Set; returning a *validate.Error rejects the row, which is
// recorded against its ordinal and skipped. Any other error ends the run.
type Trigger interface {
	BatchBegin(ctx context.Context) error
	BeforeRow(ctx context.Context, row *TriggerRow) error
	AfterRow(ctx context.Context, row *TriggerRow) error
	BatchComplete(ctx context.Context) error
}

// ExistingFunc fetches the stored record a row will overwrite, or nil.
type ExistingFunc func(ctx context.Context, row *TriggerRow) (map[string]any, error)

// TriggerRow is one row as seen by a trigger.
type TriggerRow struct {
	Ordinal int
	// Existing is the stored record for update, merge and replace runs when
	// an ExistingFunc is configured.
	Existing map[string]any

	cols  []*schema.Column
	vals  []any
	index map[string]int
}

func newTriggerRow(c Cursor) *TriggerRow {
	n := c.ColumnCount()
	r := &TriggerRow{
		Ordinal: Ordinal(c),
		cols:    make([]*schema.Column, n+1),
		vals:    Snapshot(c),
		index:   make(map[string]int, n),
	}
	for i := 1; i <= n; i++ {
		r.cols[i] = c.ColumnInfo(i)
		r.index[strings.ToLower(r.cols[i].Name)] = i
	}
	return r
}

// Get returns the named value with any missing-value wrapper removed.
func (r *TriggerRow) Get(name string) any {
	if i, ok := r.index[strings.ToLower(name)]; ok {
		return Unwrap(r.vals[i])
	}
	return nil
}

// Set replaces the named value. It reports false for unknown columns.
func (r *TriggerRow) Set(name string, v any) bool {
	i, ok := r.index[strings.ToLower(name)]
	if ok {
		r.vals[i] = v
	}
	return ok
}

// Values returns the row keyed by column name.
func (r *TriggerRow) Values() map[string]any {
	out := make(map[string]any, len(r.index))
	for i := 1; i < len(r.cols); i++ {
		out[r.cols[i].Name] = Unwrap(r.vals[i])
	}
	return out
}

// Triggers builds the before and after stages around a persistence stage.
// Both stages of a pair share the begin state.
type Triggers struct {
	rc       *RunContext
	trig     Trigger
	existing ExistingFunc
	began    bool
	finished bool
}

// NewTriggers returns a pair builder for trig. existing may be nil.
func NewTriggers(rc *RunContext, trig Trigger, existing ExistingFunc) *Triggers {
	return &Triggers{rc: rc, trig: trig, existing: existing}
}

// Before wraps in with the BatchBegin and BeforeRow hooks.
func (t *Triggers) Before(in Cursor) Cursor {
	return &beforeTrigger{passthrough: passthrough{in: in}, t: t}
}

// After wraps in with the AfterRow and BatchComplete hooks.
func (t *Triggers) After(in Cursor) Cursor {
	return &afterTrigger{passthrough: passthrough{in: in}, t: t}
}

type beforeTrigger struct {
	passthrough
	t   *Triggers
	row *TriggerRow
}

func (b *beforeTrigger) Next(ctx context.Context) (bool, error) {
	t := b.t
	if !t.began {
		t.rc.Freeze()
		if err := t.trig.BatchBegin(ctx); err != nil {
			return false, fmt.Errorf("trigger begin: %w", err)
		}
		t.began = true
	}
	for {
		b.row = nil
		ok, err := b.in.Next(ctx)
		if err != nil || !ok {
			return false, err
		}
		row := newTriggerRow(b.in)
		if t.existing != nil {
			if row.Existing, err = t.existing(ctx, row); err != nil {
				return false, fmt.Errorf("trigger row %d: existing record: %w", row.Ordinal, err)
			}
		}
		err = t.trig.BeforeRow(ctx, row)
		if err == nil {
			b.row = row
			return true, nil
		}
		var ve *validate.Error
		if !errors.As(err, &ve) {
			return false, fmt.Errorf("trigger row %d: %w", row.Ordinal, err)
		}
		if ve.Field == "" {
			t.rc.Errors().AddRowError(row.Ordinal, errors.New(ve.Message))
		} else {
			t.rc.Errors().AddFieldError(row.Ordinal, ve.Field, ve.Message)
		}
		if err := t.rc.CheckShouldCancel(); err != nil {
			return false, err
		}
	}
}

func (b *beforeTrigger) Get(i int) any {
	if b.row == nil || i < 0 || i >= len(b.row.vals) {
		return nil
	}
	return b.row.vals[i]
}

// Values may be overridden per row.
func (b *beforeTrigger) IsConstant(int) bool   { return false }
func (b *beforeTrigger) ConstantValue(int) any { return nil }

type afterTrigger struct {
	passthrough
	t *Triggers
}

func (a *afterTrigger) Next(ctx context.Context) (bool, error) {
	t := a.t
	ok, err := a.in.Next(ctx)
	if err != nil {
		return false, err
	}
	if ok {
		if err := t.trig.AfterRow(ctx, newTriggerRow(a.in)); err != nil {
			return false, fmt.Errorf("trigger after row %d: %w", Ordinal(a.in), err)
		}
		return true, nil
	}
	if t.began && !t.finished && !t.rc.Errors().HasErrors() {
		t.finished = true
		if err := t.trig.BatchComplete(ctx); err != nil {
			return false, fmt.Errorf("trigger complete: %w", err)
		}
	}
	return false, nil
}
