package dataiter

import (
	"context"

	"rowpipe/internal/schema"
)

// ListSource is an in-memory, scrollable source over pre-built rows. Row
// values exclude the ordinal slot; ordinals are assigned 1..len(rows).
type ListSource struct {
	cols []*schema.Column
	rows [][]any
	pos  int
}

// NewListSource returns a source over rows. Each row must have len(cols)
// values.
func NewListSource(cols []*schema.Column, rows [][]any) *ListSource {
	return &ListSource{cols: cols, rows: rows}
}

// TextColumns builds text column descriptors for the given names.
func TextColumns(names ...string) []*schema.Column {
	out := make([]*schema.Column, len(names))
	for i, n := range names {
		out[i] = &schema.Column{Name: n, Type: schema.TypeText, Nullable: true}
	}
	return out
}

func (s *ListSource) ColumnCount() int { return len(s.cols) }

func (s *ListSource) ColumnInfo(i int) *schema.Column {
	if i == 0 {
		return schema.RowOrdinal
	}
	return s.cols[i-1]
}

func (s *ListSource) Next(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if s.pos >= len(s.rows) {
		return false, nil
	}
	s.pos++
	return true, nil
}

func (s *ListSource) Get(i int) any {
	if i == 0 {
		return s.pos
	}
	if s.pos == 0 || i < 0 {
		return nil
	}
	row := s.rows[s.pos-1]
	if i-1 < len(row) {
		return row[i-1]
	}
	return nil
}

func (s *ListSource) Close() error { return nil }

func (s *ListSource) IsScrollable() bool { return true }

func (s *ListSource) BeforeFirst(context.Context) error {
	s.pos = 0
	return nil
}

// Drain pulls every row from c and returns snapshots, slot 0 included. It
// does not close c.
func Drain(ctx context.Context, c Cursor) ([][]any, error) {
	var out [][]any
	for {
		ok, err := c.Next(ctx)
		if err != nil {
			return out, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, Snapshot(c))
	}
}
