// Package html cleans HTML-ish cell text exported from web forms and CMSes.
// It is a tag stripper, not an HTML parser.
package html

import (
	stdhtml "html"
	"strings"
)

// StripTags drops every <...> sequence from s. A '<' with no closing '>'
// swallows the rest of the string.
func StripTags(s string) string {
	if strings.IndexByte(s, '<') < 0 {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>' && inTag:
			inTag = false
			b.WriteByte(' ')
		case !inTag:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// CollapseWhitespace folds runs of ASCII whitespace into one space and trims
// both ends.
func CollapseWhitespace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range s {
		switch r {
		case ' ', '\t', '\n', '\r', '\f':
			space = true
		default:
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Clean strips tags, decodes entities and collapses whitespace.
func Clean(s string) string {
	if s == "" {
		return s
	}
	return CollapseWhitespace(stdhtml.UnescapeString(StripTags(s)))
}
