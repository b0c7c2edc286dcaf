package validate

import (
	"fmt"
	"strings"

	"github.com/zeebo/xxh3"
)

// UniqueKey rejects a row whose key columns repeat an earlier row of the same
// run. Keys are hashed with xxh3; colliding hashes fall back to comparing the
// stored key text, so distinct keys are never reported as duplicates.
//
// A UniqueKey holds per-run state: build a new one for every run.
type UniqueKey struct {
	cols []string
	seen map[uint64][]seenKey
}

type seenKey struct {
	text string
	row  int
}

// NewUniqueKey returns a validator over the named key columns.
func NewUniqueKey(cols []string) *UniqueKey {
	return &UniqueKey{cols: cols, seen: map[uint64][]seenKey{}}
}

func (u *UniqueKey) ValidateRow(r Row) error {
	if len(u.cols) == 0 {
		return nil
	}
	var b strings.Builder
	for i, c := range u.cols {
		v := r.Value(c)
		if v == nil {
			// Nil keys are left to Required.
			return nil
		}
		if i > 0 {
			b.WriteByte('\x1f')
		}
		b.WriteString(stringOf(v))
	}
	text := b.String()
	h := xxh3.HashString(text)
	for _, k := range u.seen[h] {
		if k.text == text {
			return &Error{Message: fmt.Sprintf("Duplicate key (%s) = (%s); first seen on row %d",
				strings.Join(u.cols, ", "), strings.ReplaceAll(text, "\x1f", ", "), k.row)}
		}
	}
	u.seen[h] = append(u.seen[h], seenKey{text: text, row: r.Ordinal()})
	return nil
}
