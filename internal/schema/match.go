package schema

import (
	"fmt"
	"strings"
)

// MatchLevel ranks how a source column name matched a destination column.
// Higher levels win.
type MatchLevel int

const (
	MatchNone MatchLevel = iota
	MatchLabel
	MatchAlias
	MatchPropertyURI
	MatchName
)

func (l MatchLevel) String() string {
	switch l {
	case MatchLabel:
		return "label"
	case MatchAlias:
		return "import alias"
	case MatchPropertyURI:
		return "property URI"
	case MatchName:
		return "name"
	}
	return "none"
}

// AmbiguousColumnError is returned when more than one source column matches
// a destination column at the same priority, or one source column matches
// two destinations equally well.
type AmbiguousColumnError struct {
	Column     string
	Candidates []string
	Level      MatchLevel
}

func (e *AmbiguousColumnError) Error() string {
	return fmt.Sprintf("column %q is ambiguous: %s all match by %s",
		e.Column, strings.Join(e.Candidates, ", "), e.Level)
}

// Level reports how the source column name matches dst. Comparisons are
// case-insensitive.
func Level(source string, dst *Column) MatchLevel {
	s := strings.TrimSpace(source)
	switch {
	case strings.EqualFold(s, dst.Name):
		return MatchName
	case dst.PropertyURI != "" && strings.EqualFold(s, dst.PropertyURI):
		return MatchPropertyURI
	}
	for _, a := range dst.ImportAliases {
		if strings.EqualFold(s, a) {
			return MatchAlias
		}
	}
	if dst.Label != "" && strings.EqualFold(s, dst.Label) {
		return MatchLabel
	}
	return MatchNone
}

// MatchColumns reconciles source column names with the destination table.
// The result has one entry per destination column holding the index into
// source, or -1 when nothing matched. Every ambiguity is reported; a non-empty
// error slice means the mapping must not be used.
func MatchColumns(source []string, dst *Table) ([]int, []error) {
	out := make([]int, len(dst.Columns))
	best := make([]MatchLevel, len(dst.Columns))
	var errs []error

	for ti, tc := range dst.Columns {
		out[ti] = -1
		var cands []int
		for si, name := range source {
			lvl := Level(name, tc)
			if lvl == MatchNone || lvl < best[ti] {
				continue
			}
			if lvl > best[ti] {
				best[ti] = lvl
				cands = cands[:0]
			}
			cands = append(cands, si)
		}
		switch len(cands) {
		case 0:
		case 1:
			out[ti] = cands[0]
		default:
			names := make([]string, len(cands))
			for i, si := range cands {
				names[i] = source[si]
			}
			errs = append(errs, &AmbiguousColumnError{Column: tc.Name, Candidates: names, Level: best[ti]})
		}
	}

	// A source column claimed by two destinations goes to the stronger match.
	claims := make([][]int, len(source))
	for ti, si := range out {
		if si >= 0 {
			claims[si] = append(claims[si], ti)
		}
	}
	for si, tis := range claims {
		if len(tis) < 2 {
			continue
		}
		winner, tie := tis[0], false
		for _, ti := range tis[1:] {
			switch {
			case best[ti] > best[winner]:
				winner, tie = ti, false
			case best[ti] == best[winner]:
				tie = true
			}
		}
		if tie {
			names := make([]string, len(tis))
			for i, ti := range tis {
				names[i] = dst.Columns[ti].Name
			}
			errs = append(errs, &AmbiguousColumnError{Column: source[si], Candidates: names, Level: best[winner]})
		}
		for _, ti := range tis {
			if ti != winner || tie {
				out[ti] = -1
			}
		}
	}
	return out, errs
}
