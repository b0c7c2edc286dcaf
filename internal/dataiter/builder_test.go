package dataiter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rowpipe/internal/schema"
	"rowpipe/internal/validate"
)

func TestChainBuildsFreshCursors(t *testing.T) {
	src := Source(func(context.Context) (Cursor, error) { return numbered(3), nil })
	b := Chain(src,
		func(_ context.Context, rc *RunContext, in Cursor) (Cursor, error) {
			tr := NewTranslator(in, rc)
			tr.SelectAll()
			return tr, nil
		},
		nil,
		func(_ context.Context, rc *RunContext, in Cursor) (Cursor, error) {
			return NewValidator(in, rc), nil
		},
	)

	for run := 0; run < 2; run++ {
		c, err := b.Build(context.Background(), newRC())
		require.NoError(t, err)
		assert.Equal(t, []int{1, 2, 3}, ordinals(drainAll(t, c)), "run %d", run)
		require.NoError(t, c.Close())
	}
}

func TestChainClosesOnStageFailure(t *testing.T) {
	tracked := &closeTracker{Cursor: numbered(1)}
	src := Source(func(context.Context) (Cursor, error) { return tracked, nil })

	_, err := Chain(src, func(context.Context, *RunContext, Cursor) (Cursor, error) {
		return nil, errors.New("no such column")
	}).Build(context.Background(), newRC())
	require.ErrorContains(t, err, "no such column")
	assert.Equal(t, 1, tracked.closed)
}

func TestChainAbortsOnSetupErrors(t *testing.T) {
	tracked := &closeTracker{Cursor: numbered(1)}
	src := Source(func(context.Context) (Cursor, error) { return tracked, nil })

	_, err := Chain(src, func(_ context.Context, rc *RunContext, in Cursor) (Cursor, error) {
		rc.Errors().AddSetupError(errors.New("column 'name' matches two columns"))
		return in, nil
	}).Build(context.Background(), newRC())
	require.ErrorIs(t, err, ErrAborted)
	assert.Equal(t, 1, tracked.closed)
}

func TestChainTranslateValidatePump(t *testing.T) {
	src := Source(func(context.Context) (Cursor, error) {
		return NewListSource(numbered(0).cols, [][]any{{1, "a"}, {2, "b"}, {3, "c"}}), nil
	})
	upper := func(_ context.Context, rc *RunContext, in Cursor) (Cursor, error) {
		tr := NewTranslator(in, rc)
		tr.AddColumn("id", 1)
		tr.AddColumnFunc(&schema.Column{Name: "name", Type: schema.TypeText}, func(context.Context) (any, error) {
			return strings.ToUpper(in.Get(2).(string)), nil
		})
		return tr, nil
	}
	positive := func(_ context.Context, rc *RunContext, in Cursor) (Cursor, error) {
		v := NewValidator(in, rc)
		v.AddColumnValidator(1, validate.Func(func(field string, x any) error {
			if x.(int) <= 0 {
				return fmt.Errorf("%s must be positive", field)
			}
			return nil
		}))
		return v, nil
	}
	b := Chain(src, upper, positive)

	rc := newRC()
	c, err := b.Build(context.Background(), rc)
	require.NoError(t, err)
	assert.Equal(t, [][]any{{1, 1, "A"}, {2, 2, "B"}, {3, 3, "C"}}, drainAll(t, c))
	require.NoError(t, c.Close())

	rc = newRC()
	c, err = b.Build(context.Background(), rc)
	require.NoError(t, err)
	res, err := NewPump(c, rc, "test").Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Rows)
	assert.False(t, rc.Errors().HasErrors())
}
