// Package xmlparser is a streaming XML source for the row pipeline. Each
// <record_tag> element becomes one row; field values are picked out of the
// element by relative paths such as "ArticleIdList/ArticleId[@IdType='doi']".
//
// Options (parser.options in the pipeline file):
//
//	record_tag      string, required
//	fields          object, column -> path (first match wins)
//	lists           object, column -> path (all matches, joined)
//	list_separator  string, default "; "
//	workers         int, record parsers running in parallel, default 4
package xmlparser

import (
	"fmt"
	"sort"
	"strings"

	"rowpipe/internal/config"
)

// Config describes how to extract values from each record element.
type Config struct {
	RecordTag string
	Fields    map[string]string
	Lists     map[string]string
}

// FromOptions reads a Config from parser options.
func FromOptions(o config.Options) (Config, error) {
	c := Config{
		RecordTag: strings.TrimSpace(o.String("record_tag", "")),
		Fields:    o.StringMap("fields"),
		Lists:     o.StringMap("lists"),
	}
	if c.RecordTag == "" {
		return c, fmt.Errorf("xml: record_tag is required")
	}
	if len(c.Fields)+len(c.Lists) == 0 {
		return c, fmt.Errorf("xml: at least one field or list path is required")
	}
	return c, nil
}

// Columns returns the configured output names in sorted order.
func (c Config) Columns() []string {
	out := make([]string, 0, len(c.Fields)+len(c.Lists))
	for k := range c.Fields {
		out = append(out, k)
	}
	for k := range c.Lists {
		if _, dup := c.Fields[k]; !dup {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

type seg struct{ name, attrName, attrVal string }

type pathSpec struct{ segs []seg }

// parsePathSpec parses "A/B/C" with an optional [@attr='v'] predicate on the
// last segment.
func parsePathSpec(raw string) (pathSpec, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return pathSpec{}, fmt.Errorf("empty path")
	}
	parts := strings.Split(raw, "/")
	segs := make([]seg, 0, len(parts))
	for i, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			return pathSpec{}, fmt.Errorf("bad empty segment in %q", raw)
		}
		s := seg{name: p}
		if i == len(parts)-1 {
			if j := strings.Index(p, "["); j != -1 && strings.HasSuffix(p, "]") {
				s.name = p[:j]
				pred := strings.TrimSpace(p[j+1 : len(p)-1])
				if !strings.HasPrefix(pred, "@") {
					return pathSpec{}, fmt.Errorf("unsupported predicate %q", pred)
				}
				eq := strings.Index(pred, "=")
				if eq < 2 {
					return pathSpec{}, fmt.Errorf("unsupported predicate %q", pred)
				}
				s.attrName = pred[1:eq]
				s.attrVal = strings.Trim(strings.TrimSpace(pred[eq+1:]), `"'`)
			}
		}
		segs = append(segs, s)
	}
	return pathSpec{segs: segs}, nil
}

type namedMatcher struct {
	outKey string
	spec   pathSpec
	isList bool
}

// Compiled is a Config indexed by the last element name of every path.
type Compiled struct {
	recordTag string
	byLast    map[string][]namedMatcher
}

func Compile(c Config) (Compiled, error) {
	cc := Compiled{recordTag: c.RecordTag, byLast: map[string][]namedMatcher{}}
	add := func(group string, m map[string]string, list bool) error {
		for k, p := range m {
			ps, err := parsePathSpec(p)
			if err != nil {
				return fmt.Errorf("xml: %s.%s: %w", group, k, err)
			}
			last := ps.segs[len(ps.segs)-1].name
			cc.byLast[last] = append(cc.byLast[last], namedMatcher{outKey: k, spec: ps, isList: list})
		}
		return nil
	}
	if err := add("fields", c.Fields, false); err != nil {
		return cc, err
	}
	if err := add("lists", c.Lists, true); err != nil {
		return cc, err
	}
	return cc, nil
}

// tailMatches reports whether rel, the element stack below the record,
// ends with spec's segments.
func tailMatches(rel []string, spec pathSpec) bool {
	if len(rel) < len(spec.segs) {
		return false
	}
	off := len(rel) - len(spec.segs)
	for i := range spec.segs {
		if rel[off+i] != spec.segs[i].name {
			return false
		}
	}
	return true
}
