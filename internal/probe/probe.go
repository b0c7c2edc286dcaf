// Package probe infers a target table from a sample of parsed rows. It reads
// the first rows of any cursor, guesses one logical type per column and turns
// header text into SQL-friendly column names, keeping the original header as
// an import alias so the inferred table matches the source it came from.
package probe

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"rowpipe/internal/dataiter"
	"rowpipe/internal/schema"
)

// DefaultRows is the sample size used when Options.Rows is not positive.
const DefaultRows = 1000

// maxNameLen is PostgreSQL's identifier limit.
const maxNameLen = 63

// Options control sampling.
type Options struct {
	// Table names the inferred table; it is normalized like column names.
	Table string
	// Rows is the number of rows to sample.
	Rows int
}

// Result is an inferred table plus what the sample looked like.
type Result struct {
	Table schema.Table
	// Sampled is the number of rows read.
	Sampled int
}

// Infer reads up to opts.Rows rows from c and returns the inferred table. It
// does not close c.
func Infer(ctx context.Context, c dataiter.Cursor, opts Options) (Result, error) {
	n := opts.Rows
	if n <= 0 {
		n = DefaultRows
	}
	cols := make([]*column, c.ColumnCount())
	for i := range cols {
		cols[i] = newColumn()
	}

	var res Result
	for res.Sampled < n {
		ok, err := c.Next(ctx)
		if err != nil {
			return res, fmt.Errorf("sample row %d: %w", res.Sampled+1, err)
		}
		if !ok {
			break
		}
		res.Sampled++
		for i, col := range cols {
			col.observe(dataiter.Unwrap(c.Get(i + 1)))
		}
	}

	res.Table.Name = NormalizeName(opts.Table)
	used := map[string]int{}
	for i, col := range cols {
		header := c.ColumnInfo(i + 1).Name
		name := unique(used, NormalizeName(header))
		sc := &schema.Column{
			Name:     name,
			Type:     col.typ(),
			Nullable: col.empty > 0 || col.seen == 0,
		}
		if header != name {
			sc.ImportAliases = []string{header}
		}
		res.Table.Columns = append(res.Table.Columns, sc)
	}
	return res, nil
}

// unique returns name, suffixed with _2, _3, ... when it was already used.
func unique(used map[string]int, name string) string {
	used[name]++
	if used[name] == 1 {
		return name
	}
	alt := fmt.Sprintf("%s_%d", name, used[name])
	if len(alt) > maxNameLen {
		suffix := alt[len(name):]
		alt = name[:maxNameLen-len(suffix)] + suffix
	}
	return unique(used, alt)
}

// NormalizeName turns arbitrary header text into a lowercase ASCII
// identifier: accents are stripped, runs of space, dash, dot and underscore
// become one underscore and everything else is dropped. The empty result is
// "col". Names longer than 63 bytes keep their first 10 and last 53 bytes.
func NormalizeName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	ascii, _, _ := transform.String(t, s)

	var b strings.Builder
	prevUnderscore := false
	for _, r := range ascii {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			prevUnderscore = false
		case r == '_' || r == ' ' || r == '-' || r == '.':
			if !prevUnderscore {
				b.WriteByte('_')
				prevUnderscore = true
			}
		}
	}
	name := strings.Trim(b.String(), "_")
	if name == "" {
		return "col"
	}
	if len(name) > maxNameLen {
		name = name[:10] + name[len(name)-53:]
	}
	return name
}

// candidates are tried narrowest first. A column keeps a candidate while
// every non-empty sampled value converts to it.
var candidates = []schema.Type{
	schema.TypeInt,
	schema.TypeFloat,
	schema.TypeBool,
	schema.TypeDate,
	schema.TypeTimestamp,
	schema.TypeGUID,
}

type column struct {
	seen  int
	empty int
	fits  map[schema.Type]bool
}

func newColumn() *column {
	c := &column{fits: make(map[schema.Type]bool, len(candidates))}
	for _, t := range candidates {
		c.fits[t] = true
	}
	return c
}

func (c *column) observe(v any) {
	if s, ok := v.(string); ok {
		v = strings.TrimSpace(s)
	}
	if v == nil || v == "" {
		c.empty++
		return
	}
	c.seen++
	for _, t := range candidates {
		if !c.fits[t] {
			continue
		}
		out, err := t.Convert(v)
		if err != nil {
			c.fits[t] = false
			continue
		}
		// A date column only holds values without a time of day.
		if t == schema.TypeDate {
			if ts, err := schema.TypeTimestamp.Convert(v); err == nil && !ts.(time.Time).Equal(out.(time.Time)) {
				c.fits[t] = false
			}
		}
	}
}

func (c *column) typ() schema.Type {
	if c.seen == 0 {
		return schema.TypeText
	}
	for _, t := range candidates {
		if c.fits[t] {
			return t
		}
	}
	return schema.TypeText
}
