package csv

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

type trackedReader struct {
	io.Reader
	closed int
}

func (r *trackedReader) Close() error {
	r.closed++
	return nil
}

func open(t *testing.T, data string, rc *dataiter.RunContext, opt config.Options) (*Cursor, *trackedReader) {
	t.Helper()
	src := &trackedReader{Reader: strings.NewReader(data)}
	c, err := NewCursor(src, rc, opt)
	require.NoError(t, err)
	return c, src
}

func names(c dataiter.Cursor) []string {
	var out []string
	for i := 1; i <= c.ColumnCount(); i++ {
		out = append(out, c.ColumnInfo(i).Name)
	}
	return out
}

func tolerant() *dataiter.RunContext {
	rc := dataiter.NewRunContext(zerolog.Nop())
	rc.SetFailFast(false)
	return rc
}

func TestCursorHeaderAndValues(t *testing.T) {
	data := "\uFEFFSite Code, Reading ,Note\nNB, 1.5 ,\n\"SB\",2,\"multi\nline\"\n"
	c, src := open(t, data, tolerant(), config.Options{"header_map": map[string]any{"Site Code": "site"}})

	assert.Equal(t, []string{"site", "Reading", "Note"}, names(c))
	rows, err := dataiter.Drain(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, [][]any{
		{1, "NB", "1.5", nil},
		{2, "SB", "2", "multi\nline"},
	}, rows)

	require.NoError(t, c.Close())
	assert.Equal(t, 1, src.closed)
}

func TestCursorNormalizedHeaders(t *testing.T) {
	c, _ := open(t, "Site Code;Value\na;1\n", tolerant(), config.Options{"comma": ";", "normalize_headers": true})
	assert.Equal(t, []string{"site_code", "value"}, names(c))
}

func TestCursorWithoutHeader(t *testing.T) {
	t.Run("generated names", func(t *testing.T) {
		c, _ := open(t, "a,b\nc,d\n", tolerant(), config.Options{"has_header": false})
		assert.Equal(t, []string{"col_1", "col_2"}, names(c))
		rows, err := dataiter.Drain(context.Background(), c)
		require.NoError(t, err)
		assert.Equal(t, [][]any{{1, "a", "b"}, {2, "c", "d"}}, rows)
	})
	t.Run("named columns", func(t *testing.T) {
		c, _ := open(t, "a,b\n", tolerant(), config.Options{"has_header": false, "columns": []any{"x", "y"}})
		assert.Equal(t, []string{"x", "y"}, names(c))
	})
	t.Run("empty input", func(t *testing.T) {
		c, _ := open(t, "", tolerant(), config.Options{})
		assert.Zero(t, c.ColumnCount())
		ok, err := c.Next(context.Background())
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestCursorBadRowsAreRecordedAndSkipped(t *testing.T) {
	rc := tolerant()
	data := "id,name\n1,ann\n2\n3,\"bo\"b\"\n4,dee\n"
	c, _ := open(t, data, rc, config.Options{})

	rows, err := dataiter.Drain(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, [][]any{{1, "1", "ann"}, {4, "4", "dee"}}, rows)

	re, ok := rc.Errors().For(2)
	require.True(t, ok)
	assert.EqualError(t, re.Global[0], "line 3: expected 2 fields, got 1")
	re, ok = rc.Errors().For(3)
	require.True(t, ok)
	assert.Contains(t, re.Global[0].Error(), "line 4: ")
	assert.Equal(t, 2, rc.Errors().RowErrorCount())
}

func TestCursorFailFastAborts(t *testing.T) {
	rc := dataiter.NewRunContext(zerolog.Nop())
	c, _ := open(t, "a,b\n1,2\n3\n5,6\n", rc, config.Options{})

	rows, err := dataiter.Drain(context.Background(), c)
	require.ErrorIs(t, err, dataiter.ErrAborted)
	assert.Len(t, rows, 1)
}

func TestCursorAnyWidth(t *testing.T) {
	c, _ := open(t, "a,b,c\n1\n1,2,3,4\n", tolerant(), config.Options{"fields_per_record": -1})
	rows, err := dataiter.Drain(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, [][]any{{1, "1", nil, nil}, {2, "1", "2", "3"}}, rows)
}

func TestCursorReplaceAndStripHTML(t *testing.T) {
	data := "name|note\nann|<b>hi</b> &amp; bye\r\n"
	c, _ := open(t, data, tolerant(), config.Options{
		"comma":      "|",
		"strip_html": true,
		"replace":    map[string]any{"\r\n": "\n"},
	})
	rows, err := dataiter.Drain(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, [][]any{{1, "ann", "hi & bye"}}, rows)
}

func TestCursorHonoursContext(t *testing.T) {
	c, _ := open(t, "a\n1\n", tolerant(), config.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
