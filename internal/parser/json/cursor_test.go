package json

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rowpipe/internal/config"
	"rowpipe/internal/dataiter"
)

func tolerant() *dataiter.RunContext {
	rc := dataiter.NewRunContext(zerolog.Nop())
	rc.SetFailFast(false)
	return rc
}

func read(t *testing.T, data string, rc *dataiter.RunContext, opt config.Options) ([]string, [][]any) {
	t.Helper()
	c, err := NewCursor(io.NopCloser(strings.NewReader(data)), rc, opt)
	require.NoError(t, err)
	defer c.Close()
	var names []string
	for i := 1; i <= c.ColumnCount(); i++ {
		names = append(names, c.ColumnInfo(i).Name)
	}
	rows, err := dataiter.Drain(context.Background(), c)
	require.NoError(t, err)
	return names, rows
}

func TestCursorShapes(t *testing.T) {
	tests := []struct {
		name  string
		data  string
		opt   config.Options
		names []string
		rows  [][]any
	}{
		{
			name:  "array",
			data:  ` [{"b": 1, "a": "x"}, {"a": "y", "b": 2.50}]`,
			names: []string{"a", "b"},
			rows:  [][]any{{1, "x", "1"}, {2, "y", "2.50"}},
		},
		{
			name:  "envelope",
			data:  `{"meta": {"count": 2}, "records": [{"id": 1}, null, {"id": 2}]}`,
			names: []string{"id"},
			rows:  [][]any{{1, "1"}, {2, "2"}},
		},
		{
			name:  "streamed envelope ignores the rest",
			data:  `{"meta": {"x": [1]}, "items": [{"id": 7, "ok": true}], "tail": "whatever"}`,
			opt:   config.Options{"records_path": "items"},
			names: []string{"id", "ok"},
			rows:  [][]any{{1, "7", true}},
		},
		{
			name:  "ndjson",
			data:  "{\"a\": 1}\n{\"a\": 2, \"extra\": 0}\n\n{}\n",
			names: []string{"a"},
			rows:  [][]any{{1, "1"}, {2, "2"}, {3, nil}},
		},
		{
			name:  "array then more values",
			data:  `[{"a": 1}] {"a": 2}`,
			names: []string{"a"},
			rows:  [][]any{{1, "1"}, {2, "2"}},
		},
		{
			name:  "columns option and nested values",
			data:  `[{"a": "x", "c": {"k": [1, 2]}}, {"a": "y"}]`,
			opt:   config.Options{"columns": []any{"c", "a"}},
			names: []string{"c", "a"},
			rows:  [][]any{{1, `{"k":[1,2]}`, "x"}, {2, nil, "y"}},
		},
		{
			name:  "header map and markup",
			data:  "\uFEFF" + `[{"Site Name": "<i>North</i> &amp; co"}]`,
			opt:   config.Options{"header_map": map[string]any{"Site Name": "site"}, "strip_html": true},
			names: []string{"site"},
			rows:  [][]any{{1, "North & co"}},
		},
		{
			name: "empty",
			data: "  \n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			names, rows := read(t, tt.data, tolerant(), tt.opt)
			assert.Equal(t, tt.names, names)
			assert.Equal(t, tt.rows, rows)
		})
	}
}

func TestCursorNonObjectRecordsAreRowErrors(t *testing.T) {
	rc := tolerant()
	_, rows := read(t, `[7, {"a": 1}, "x", {"a": 2}]`, rc, nil)

	assert.Equal(t, [][]any{{2, "1"}, {4, "2"}}, rows)
	re, ok := rc.Errors().For(1)
	require.True(t, ok)
	assert.EqualError(t, re.Global[0], "record is not an object (got number)")
	re, ok = rc.Errors().For(3)
	require.True(t, ok)
	assert.EqualError(t, re.Global[0], "record is not an object (got string)")
}

func TestCursorErrors(t *testing.T) {
	ctx := context.Background()

	_, err := NewCursor(io.NopCloser(strings.NewReader(`"just a string"`)), tolerant(), nil)
	assert.ErrorContains(t, err, "unsupported root")

	_, err = NewCursor(io.NopCloser(strings.NewReader(`{"a": []}`)), tolerant(), config.Options{"records_path": "items"})
	assert.ErrorContains(t, err, `records path "items" not found`)

	_, err = NewCursor(io.NopCloser(strings.NewReader(`{"items": 3}`)), tolerant(), config.Options{"records_path": "items"})
	assert.ErrorContains(t, err, `"items" is not an array`)

	c, err := NewCursor(io.NopCloser(strings.NewReader(`[{"a": 1}, {"a": `)), tolerant(), nil)
	require.NoError(t, err)
	ok, err := c.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = c.Next(ctx)
	assert.ErrorContains(t, err, "json: decode record 2")

	fail := dataiter.NewRunContext(zerolog.Nop())
	c, err = NewCursor(io.NopCloser(strings.NewReader(`[{"a": 1}, 2, {"a": 3}]`)), fail, nil)
	require.NoError(t, err)
	rows, err := dataiter.Drain(ctx, c)
	assert.ErrorIs(t, err, dataiter.ErrAborted)
	assert.Len(t, rows, 1)
}
