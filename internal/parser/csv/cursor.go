// Package csv is a streaming CSV source for the row pipeline. Rows are read
// one record at a time; nothing is buffered beyond the current record.
//
// Options (parser.options in the pipeline file):
//
//	has_header         bool, default true
//	columns            []string, column names when there is no header
//	header_map         object, source header -> column name
//	normalize_headers  bool, lower-case headers and replace spaces with '_'
//	comma              string, first rune is the delimiter, default ','
//	trim_space         bool, default true
//	strip_html         bool, drop markup and decode entities in cells
//	lazy_quotes        bool
//	fields_per_record  int, 0 enforces the header width, -1 accepts any width
//	replace            object, byte sequences rewritten before parsing
package csv

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"rowpipe/internal/config"
	"rowpipe/internal/dataiter"
	"rowpipe/internal/parser/html"
	"rowpipe/internal/schema"
)

const utf8BOM = "\uFEFF"

// Cursor is a forward-only dataiter.Cursor over CSV records. Malformed
// records and records of the wrong width are recorded as row errors against
// their ordinal and skipped.
type Cursor struct {
	src   io.Closer
	cr    *csv.Reader
	rc    *dataiter.RunContext
	cols  []*schema.Column
	trim  bool
	strip bool
	width int

	pending []string
	ord     int
	vals    []any
}

var _ dataiter.Cursor = (*Cursor)(nil)

// NewCursor reads the header (when present) and returns a cursor over the
// remaining records. The cursor owns src.
func NewCursor(src io.ReadCloser, rc *dataiter.RunContext, opt config.Options) (*Cursor, error) {
	var r io.Reader = src
	if rules := opt.StringMap("replace"); len(rules) > 0 {
		r = scrub(r, rules)
	}
	cr := csv.NewReader(r)
	cr.Comma = opt.Rune("comma", ',')
	cr.LazyQuotes = opt.Bool("lazy_quotes", false)
	cr.FieldsPerRecord = -1

	c := &Cursor{src: src, cr: cr, rc: rc, trim: opt.Bool("trim_space", true), strip: opt.Bool("strip_html", false)}

	var names []string
	switch {
	case opt.Bool("has_header", true):
		hdr, err := cr.Read()
		if err == io.EOF {
			return c, nil
		}
		if err != nil {
			src.Close()
			return nil, fmt.Errorf("csv: read header: %w", err)
		}
		names = headerNames(hdr, opt.StringMap("header_map"), opt.Bool("normalize_headers", false))
	case len(opt.StringSlice("columns")) > 0:
		names = opt.StringSlice("columns")
	default:
		first, err := cr.Read()
		if err != nil && err != io.EOF {
			src.Close()
			return nil, fmt.Errorf("csv: read first record: %w", err)
		}
		if err == nil {
			c.pending = append([]string(nil), first...)
		}
		for i := range first {
			names = append(names, fmt.Sprintf("col_%d", i+1))
		}
	}

	c.cols = dataiter.TextColumns(names...)
	switch n := opt.Int("fields_per_record", 0); {
	case n > 0:
		c.width = n
	case n == 0:
		c.width = len(names)
	}
	c.vals = make([]any, len(names))
	return c, nil
}

func headerNames(hdr []string, mapping map[string]string, normalize bool) []string {
	out := make([]string, len(hdr))
	for i, h := range hdr {
		h = strings.TrimSpace(h)
		if i == 0 {
			h = strings.TrimPrefix(h, utf8BOM)
		}
		switch m, ok := mapping[h]; {
		case ok:
			h = m
		case normalize:
			h = strings.ReplaceAll(strings.ToLower(h), " ", "_")
		}
		out[i] = h
	}
	return out
}

func (c *Cursor) ColumnCount() int { return len(c.cols) }

func (c *Cursor) ColumnInfo(i int) *schema.Column {
	if i == 0 {
		return schema.RowOrdinal
	}
	return c.cols[i-1]
}

func (c *Cursor) Get(i int) any {
	if i == 0 {
		return c.ord
	}
	return c.vals[i-1]
}

func (c *Cursor) read() ([]string, error) {
	if c.pending != nil {
		rec := c.pending
		c.pending = nil
		return rec, nil
	}
	return c.cr.Read()
}

func (c *Cursor) Next(ctx context.Context) (bool, error) {
	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		rec, err := c.read()
		if err == io.EOF {
			return false, nil
		}
		c.ord++
		if err != nil {
			var pe *csv.ParseError
			if !errors.As(err, &pe) {
				return false, fmt.Errorf("csv: read record %d: %w", c.ord, err)
			}
			c.rc.Errors().AddRowError(c.ord, fmt.Errorf("line %d: %w", pe.StartLine, pe.Err))
		} else if c.width > 0 && len(rec) != c.width {
			line, _ := c.cr.FieldPos(0)
			c.rc.Errors().AddRowError(c.ord, fmt.Errorf("line %d: expected %d fields, got %d", line, c.width, len(rec)))
		} else {
			c.fill(rec)
			return true, nil
		}
		if err := c.rc.CheckShouldCancel(); err != nil {
			return false, err
		}
	}
}

func (c *Cursor) fill(rec []string) {
	for i := range c.vals {
		if i >= len(rec) {
			c.vals[i] = nil
			continue
		}
		v := rec[i]
		if c.strip {
			v = html.Clean(v)
		}
		if c.trim {
			v = strings.TrimSpace(v)
		}
		if v == "" {
			c.vals[i] = nil
		} else {
			c.vals[i] = v
		}
	}
}

func (c *Cursor) Close() error { return c.src.Close() }
