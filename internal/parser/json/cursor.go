// Package json is a streaming JSON source for the row pipeline. It accepts a
// root array of objects, an envelope object holding such an array, a single
// object, or a sequence of top-level objects (NDJSON).
//
// Options (parser.options in the pipeline file):
//
//	columns       []string, column order; defaults to the sorted keys of
//	              the first record
//	records_path  string, envelope key holding the records; when set the
//	              envelope is streamed instead of decoded whole
//	header_map    object, source key -> column name
//	strip_html    bool, drop markup and decode entities in string values
package json

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"rowpipe/internal/config"
	"rowpipe/internal/dataiter"
	"rowpipe/internal/parser/html"
	"rowpipe/internal/schema"
)

type mode int

const (
	modeArray    mode = iota // inside a streamed array
	modeBuffered             // records of a decoded envelope
	modeStream               // top-level values
	modeDone
)

// Cursor is a forward-only dataiter.Cursor over JSON records. An array
// element that is not an object is recorded as a row error and skipped;
// syntax errors end the run.
type Cursor struct {
	src       io.Closer
	dec       *json.Decoder
	rc        *dataiter.RunContext
	headerMap map[string]string
	strip     bool

	mode      mode
	enveloped bool
	buffered  []any
	pending   map[string]any

	names []string
	cols  []*schema.Column
	ord   int
	vals  []any
}

var _ dataiter.Cursor = (*Cursor)(nil)

// NewCursor positions the decoder on the first record and fixes the column
// list. The cursor owns src.
func NewCursor(src io.ReadCloser, rc *dataiter.RunContext, opt config.Options) (*Cursor, error) {
	br := bufio.NewReader(src)
	c := &Cursor{
		src:       src,
		rc:        rc,
		dec:       json.NewDecoder(br),
		headerMap: opt.StringMap("header_map"),
		strip:     opt.Bool("strip_html", false),
	}
	c.dec.UseNumber()

	if err := c.open(br, opt.String("records_path", "")); err != nil {
		src.Close()
		return nil, err
	}

	c.names = opt.StringSlice("columns")
	if len(c.names) == 0 {
		first, err := c.record()
		if err != nil {
			src.Close()
			return nil, err
		}
		c.pending = first
		for k := range first {
			c.names = append(c.names, k)
		}
		sort.Strings(c.names)
	}
	c.cols = dataiter.TextColumns(c.names...)
	c.vals = make([]any, len(c.names))
	return c, nil
}

func (c *Cursor) open(br *bufio.Reader, recordsPath string) error {
	b, err := peekNonSpace(br)
	if err == io.EOF {
		c.mode = modeDone
		return nil
	}
	if err != nil {
		return fmt.Errorf("json: read: %w", err)
	}
	switch {
	case b == '[':
		if _, err := c.dec.Token(); err != nil {
			return fmt.Errorf("json: %w", err)
		}
		c.mode = modeArray
	case b == '{' && recordsPath != "":
		return c.seek(recordsPath)
	case b == '{':
		var root map[string]any
		if err := c.dec.Decode(&root); err != nil {
			return fmt.Errorf("json: decode root: %w", err)
		}
		c.buffered = findRecords(root)
		if c.buffered == nil {
			c.buffered = []any{root}
		}
		c.mode = modeBuffered
	default:
		return fmt.Errorf("json: unsupported root starting with %q (want object or array)", b)
	}
	return nil
}

// seek walks the root object's keys until key, which must hold an array.
func (c *Cursor) seek(key string) error {
	if _, err := c.dec.Token(); err != nil {
		return fmt.Errorf("json: %w", err)
	}
	for c.dec.More() {
		tok, err := c.dec.Token()
		if err != nil {
			return fmt.Errorf("json: %w", err)
		}
		if name, _ := tok.(string); name == key {
			tok, err := c.dec.Token()
			if err != nil {
				return fmt.Errorf("json: %w", err)
			}
			if d, ok := tok.(json.Delim); !ok || d != '[' {
				return fmt.Errorf("json: %q is not an array", key)
			}
			c.mode = modeArray
			c.enveloped = true
			return nil
		}
		var skip json.RawMessage
		if err := c.dec.Decode(&skip); err != nil {
			return fmt.Errorf("json: %w", err)
		}
	}
	return fmt.Errorf("json: records path %q not found", key)
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.Peek(1)
		if err != nil {
			return 0, err
		}
		switch b[0] {
		case ' ', '\t', '\r', '\n':
			br.ReadByte()
		case 0xEF:
			if bom, _ := br.Peek(3); string(bom) == "\xEF\xBB\xBF" {
				br.Discard(3)
				continue
			}
			return b[0], nil
		default:
			return b[0], nil
		}
	}
}

// raw returns the next record value, or io.EOF.
func (c *Cursor) raw() (any, error) {
	for {
		switch c.mode {
		case modeDone:
			return nil, io.EOF
		case modeBuffered:
			if len(c.buffered) == 0 {
				c.mode = modeStream
				continue
			}
			v := c.buffered[0]
			c.buffered = c.buffered[1:]
			return v, nil
		case modeArray:
			if !c.dec.More() {
				if _, err := c.dec.Token(); err != nil {
					return nil, fmt.Errorf("json: %w", err)
				}
				// The rest of an envelope is not read.
				c.mode = modeStream
				if c.enveloped {
					c.mode = modeDone
				}
				continue
			}
			var v any
			if err := c.dec.Decode(&v); err != nil {
				return nil, fmt.Errorf("json: decode record %d: %w", c.ord+1, err)
			}
			return v, nil
		case modeStream:
			var v any
			err := c.dec.Decode(&v)
			if err == io.EOF {
				c.mode = modeDone
				return nil, io.EOF
			}
			if err != nil {
				return nil, fmt.Errorf("json: decode record %d: %w", c.ord+1, err)
			}
			return v, nil
		}
	}
}

// record is raw narrowed to objects; non-objects are row errors.
func (c *Cursor) record() (map[string]any, error) {
	for {
		v, err := c.raw()
		if err == io.EOF {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if obj, ok := v.(map[string]any); ok {
			return c.canonical(obj), nil
		}
		c.ord++
		c.rc.Errors().AddRowError(c.ord, fmt.Errorf("record is not an object (got %s)", kind(v)))
		if err := c.rc.CheckShouldCancel(); err != nil {
			return nil, err
		}
	}
}

func (c *Cursor) canonical(obj map[string]any) map[string]any {
	if len(c.headerMap) == 0 {
		return obj
	}
	out := make(map[string]any, len(obj))
	for k, v := range obj {
		if m, ok := c.headerMap[k]; ok && m != "" {
			k = m
		}
		out[k] = v
	}
	return out
}

func kind(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case []any:
		return "array"
	case string:
		return "string"
	case json.Number:
		return "number"
	case bool:
		return "bool"
	}
	return fmt.Sprintf("%T", v)
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

func (c *Cursor) Next(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	obj := c.pending
	c.pending = nil
	if obj == nil {
		var err error
		if obj, err = c.record(); err != nil {
			return false, err
		}
		if obj == nil {
			return false, nil
		}
	}
	c.ord++
	for i, name := range c.names {
		v, err := scalar(obj[name])
		if err != nil {
			return false, fmt.Errorf("json: record %d field %s: %w", c.ord, name, err)
		}
		if s, ok := v.(string); ok && c.strip {
			v = html.Clean(s)
		}
		c.vals[i] = v
	}
	return true, nil
}

// scalar flattens a decoded value for a text column: numbers keep their
// literal text and nested values are re-encoded as JSON.
func scalar(v any) (any, error) {
	switch x := v.(type) {
	case nil, string, bool:
		return x, nil
	case json.Number:
		return x.String(), nil
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	}
}

// findRecords returns the first array field of root whose non-null elements
// are all objects. Keys are visited in sorted order.
func findRecords(root map[string]any) []any {
	keys := make([]string, 0, len(root))
	for k := range root {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		arr, ok := root[k].([]any)
		if !ok || len(arr) == 0 {
			continue
		}
		out := make([]any, 0, len(arr))
		valid := true
		for _, e := range arr {
			if e == nil {
				continue
			}
			if _, ok := e.(map[string]any); !ok {
				valid = false
				break
			}
			out = append(out, e)
		}
		if valid && len(out) > 0 {
			return out
		}
	}
	return nil
}

func (c *Cursor) Close() error { return c.src.Close() }

