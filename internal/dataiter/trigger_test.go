package dataiter

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rowpipe/internal/validate"
)

type recordingTrigger struct {
	events []string
	before func(row *TriggerRow) error
}

func (r *recordingTrigger) BatchBegin(context.Context) error {
	r.events = append(r.events, "begin")
	return nil
}

func (r *recordingTrigger) BeforeRow(_ context.Context, row *TriggerRow) error {
	r.events = append(r.events, fmt.Sprintf("before %d", row.Ordinal))
	if r.before != nil {
		return r.before(row)
	}
	return nil
}

func (r *recordingTrigger) AfterRow(_ context.Context, row *TriggerRow) error {
	r.events = append(r.events, fmt.Sprintf("after %d %v", row.Ordinal, row.Get("name")))
	return nil
}

func (r *recordingTrigger) BatchComplete(context.Context) error {
	r.events = append(r.events, "complete")
	return nil
}

func TestTriggersFireInOrder(t *testing.T) {
	rc := newRC()
	trig := &recordingTrigger{before: func(row *TriggerRow) error {
		require.True(t, row.Set("NAME", fmt.Sprintf("%v!", row.Get("name"))))
		assert.False(t, row.Set("missing", 1))
		return nil
	}}
	tr := NewTriggers(rc, trig, nil)
	out := drainAll(t, tr.After(tr.Before(numbered(2))))

	assert.Equal(t, []string{
		"begin",
		"before 1", "after 1 row-a!",
		"before 2", "after 2 row-b!",
		"complete",
	}, trig.events)
	assert.Equal(t, "row-b!", out[1][2])
}

func TestTriggerVetoSkipsRow(t *testing.T) {
	rc := newRC()
	rc.SetFailFast(false)
	trig := &recordingTrigger{before: func(row *TriggerRow) error {
		switch row.Ordinal {
		case 2:
			return &validate.Error{Field: "name", Message: "reserved name"}
		case 3:
			return &validate.Error{Message: "row rejected"}
		}
		return nil
	}}
	tr := NewTriggers(rc, trig, nil)
	out := drainAll(t, tr.After(tr.Before(numbered(4))))

	assert.Equal(t, []int{1, 4}, ordinals(out))
	re, ok := rc.Errors().For(2)
	require.True(t, ok)
	assert.Equal(t, "name", re.Fields[0].Field)
	re, ok = rc.Errors().For(3)
	require.True(t, ok)
	assert.EqualError(t, re.Global[0], "row rejected")
	assert.NotContains(t, trig.events, "complete", "complete only fires for error-free runs")
}

func TestTriggerFatalErrorEndsRun(t *testing.T) {
	trig := &recordingTrigger{before: func(row *TriggerRow) error {
		return errors.New("audit log unavailable")
	}}
	tr := NewTriggers(newRC(), trig, nil)
	_, err := Drain(context.Background(), tr.After(tr.Before(numbered(3))))
	assert.ErrorContains(t, err, "trigger row 1: audit log unavailable")
}

func TestTriggerExistingRecord(t *testing.T) {
	stored := map[any]map[string]any{2: {"id": 2, "name": "old"}}
	var seen []any
	trig := &recordingTrigger{before: func(row *TriggerRow) error {
		if row.Existing != nil {
			seen = append(seen, row.Existing["name"])
		}
		return nil
	}}
	existing := func(_ context.Context, row *TriggerRow) (map[string]any, error) {
		return stored[row.Get("id")], nil
	}
	tr := NewTriggers(newRC(), trig, existing)
	drainAll(t, tr.Before(numbered(3)))
	assert.Equal(t, []any{"old"}, seen)
}

func TestTriggerCompleteNeedsBegin(t *testing.T) {
	trig := &recordingTrigger{}
	tr := NewTriggers(newRC(), trig, nil)
	// Only the after stage runs, so begin never fired.
	drainAll(t, tr.After(numbered(2)))
	assert.Equal(t, []string{"after 1 row-a", "after 2 row-b"}, trig.events)
}

func TestTriggerRowValuesUnwrapMissingValues(t *testing.T) {
	src := NewListSource(TextColumns("a", "b"), [][]any{{MissingValue{Value: "x", Indicator: "Q"}, "y"}})
	require.True(t, must(src.Next(context.Background())))
	row := newTriggerRow(src)
	assert.Equal(t, map[string]any{"a": "x", "b": "y"}, row.Values())
	assert.Equal(t, 1, row.Ordinal)
}

func must(ok bool, err error) bool {
	if err != nil {
		panic(err)
	}
	return ok
}
