package xmlparser

import (
	"context"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rowpipe/internal/config"
	"rowpipe/internal/dataiter"
)

const articles = `<?xml version="1.0"?>
<Set>
  <Article>
    <PMID>101</PMID>
    <Title>  First  </Title>
    <IdList>
      <Id IdType="doi">10.1/a</Id>
      <Id IdType="pmc">PMC1</Id>
    </IdList>
    <Authors><Author><Last>Ng</Last></Author><Author><Last>Cho</Last></Author></Authors>
  </Article>
  <Other><PMID>999</PMID></Other>
  <Article>
    <PMID>102</PMID>
    <Title>Second</Title>
  </Article>
  <Article><PMID>103</PMID><Title>Cut`

func options() config.Options {
	return config.Options{
		"record_tag": "Article",
		"fields": map[string]any{
			"pmid":  "PMID",
			"title": "Title",
			"doi":   "IdList/Id[@IdType='doi']",
		},
		"lists":   map[string]any{"authors": "Authors/Author/Last"},
		"workers": 3,
	}
}

func TestCursorExtractsRecordsInOrder(t *testing.T) {
	rc := dataiter.NewRunContext(zerolog.Nop())
	c, err := NewCursor(io.NopCloser(strings.NewReader(articles)), rc, options())
	require.NoError(t, err)

	var names []string
	for i := 1; i <= c.ColumnCount(); i++ {
		names = append(names, c.ColumnInfo(i).Name)
	}
	assert.Equal(t, []string{"authors", "doi", "pmid", "title"}, names)

	rows, err := dataiter.Drain(context.Background(), c)
	require.NoError(t, err)
	require.NoError(t, c.Close())
	assert.Equal(t, [][]any{
		{1, "Ng; Cho", "10.1/a", "101", "First"},
		{2, nil, nil, "102", "Second"},
	}, rows, "the truncated trailing record is dropped")
}

func TestCursorOrderUnderLoad(t *testing.T) {
	var b strings.Builder
	b.WriteString("<root>")
	for i := 1; i <= 500; i++ {
		fmt.Fprintf(&b, "<r><n>%d</n></r>", i)
	}
	b.WriteString("</root>")

	opt := config.Options{"record_tag": "r", "fields": map[string]any{"n": "n"}, "workers": 8}
	c, err := NewCursor(io.NopCloser(strings.NewReader(b.String())), dataiter.NewRunContext(zerolog.Nop()), opt)
	require.NoError(t, err)
	defer c.Close()

	rows, err := dataiter.Drain(context.Background(), c)
	require.NoError(t, err)
	require.Len(t, rows, 500)
	for i, r := range rows {
		assert.Equal(t, i+1, r[0])
		assert.Equal(t, fmt.Sprint(i+1), r[1])
	}
}

func TestCursorCloseBeforeEnd(t *testing.T) {
	var b strings.Builder
	b.WriteString("<root>")
	for i := 0; i < 2000; i++ {
		b.WriteString("<r><n>x</n></r>")
	}
	b.WriteString("</root>")

	c, err := NewCursor(io.NopCloser(strings.NewReader(b.String())), dataiter.NewRunContext(zerolog.Nop()),
		config.Options{"record_tag": "r", "fields": map[string]any{"n": "n"}, "workers": 2})
	require.NoError(t, err)
	ok, err := c.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.NoError(t, c.Close(), "workers stop without draining")
}

func TestNewCursorValidatesOptions(t *testing.T) {
	tests := []struct {
		opt config.Options
		msg string
	}{
		{config.Options{}, "record_tag is required"},
		{config.Options{"record_tag": "r"}, "at least one field"},
		{config.Options{"record_tag": "r", "fields": map[string]any{"a": "x//y"}}, "fields.a: bad empty segment"},
		{config.Options{"record_tag": "r", "lists": map[string]any{"a": "x[text()='1']"}}, "lists.a: unsupported predicate"},
	}
	for _, tt := range tests {
		_, err := NewCursor(io.NopCloser(strings.NewReader("")), dataiter.NewRunContext(zerolog.Nop()), tt.opt)
		assert.ErrorContains(t, err, tt.msg)
	}
}

func TestParsePathSpec(t *testing.T) {
	ps, err := parsePathSpec(` IdList / Id[@IdType="doi"] `)
	require.NoError(t, err)
	assert.Equal(t, []seg{{name: "IdList"}, {name: "Id", attrName: "IdType", attrVal: "doi"}}, ps.segs)

	assert.True(t, tailMatches([]string{"A", "IdList", "Id"}, ps))
	assert.False(t, tailMatches([]string{"Id"}, ps))
	assert.False(t, tailMatches([]string{"Other", "Id"}, ps))
}
