// Package spill is a disk-backed row store for caches that outgrow memory.
// Rows are appended to a temporary file in position order; an offset index
// addresses them and a small LRU keeps recently read rows decoded.
//
// The positions held on disk always form one contiguous range
// [First, Last]. Appending any position other than Last+1 is ErrRange.
package spill

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ErrRange reports an append or read outside the contiguous on-disk range.
var ErrRange = errors.New("spill: row outside the on-disk range")

const defaultHot = 256

// Store holds spilled rows. It is not safe for concurrent use.
type Store struct {
	f    *os.File
	path string
	end  int64

	first   int
	offsets []int64
	lengths []int32

	hot *lru.Cache[int, []any]
	buf bytes.Buffer
}

// Open creates a store backed by a new temporary file in dir (the system
// temp dir when empty). hot is the number of decoded rows kept in the LRU.
func Open(dir string, hot int) (*Store, error) {
	f, err := os.CreateTemp(dir, "rowpipe-spill-*")
	if err != nil {
		return nil, fmt.Errorf("spill: create: %w", err)
	}
	advise(f)
	if hot <= 0 {
		hot = defaultHot
	}
	cache, err := lru.New[int, []any](hot)
	if err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("spill: lru: %w", err)
	}
	return &Store{f: f, path: f.Name(), hot: cache}, nil
}

// Len is the number of rows addressable on disk.
func (s *Store) Len() int { return len(s.offsets) }

// First is the lowest position on disk. Only meaningful when Len() > 0.
func (s *Store) First() int { return s.first }

// Last is the highest position on disk, or First()-1 when empty.
func (s *Store) Last() int { return s.first + len(s.offsets) - 1 }

// Contains reports whether pos is on disk.
func (s *Store) Contains(pos int) bool {
	return len(s.offsets) > 0 && pos >= s.first && pos <= s.Last()
}

// Append writes the row at pos. pos must be Last()+1, or anything when the
// store is empty.
func (s *Store) Append(pos int, row []any) error {
	if len(s.offsets) == 0 {
		s.first = pos
	} else if pos != s.Last()+1 {
		return fmt.Errorf("%w: append %d after [%d,%d]", ErrRange, pos, s.first, s.Last())
	}
	s.buf.Reset()
	if err := encodeRow(&s.buf, row); err != nil {
		return fmt.Errorf("spill: encode row %d: %w", pos, err)
	}
	n, err := s.f.WriteAt(s.buf.Bytes(), s.end)
	if err != nil {
		return fmt.Errorf("spill: write row %d: %w", pos, err)
	}
	s.offsets = append(s.offsets, s.end)
	s.lengths = append(s.lengths, int32(n))
	s.end += int64(n)
	return nil
}

// Get returns the row at pos. The returned slice is shared with the LRU and
// must not be modified.
func (s *Store) Get(pos int) ([]any, error) {
	if !s.Contains(pos) {
		return nil, fmt.Errorf("%w: read %d outside [%d,%d]", ErrRange, pos, s.first, s.Last())
	}
	if row, ok := s.hot.Get(pos); ok {
		return row, nil
	}
	i := pos - s.first
	b := make([]byte, s.lengths[i])
	if _, err := s.f.ReadAt(b, s.offsets[i]); err != nil {
		return nil, fmt.Errorf("spill: read row %d: %w", pos, err)
	}
	row, err := decodeRow(b)
	if err != nil {
		return nil, err
	}
	s.hot.Add(pos, row)
	return row, nil
}

// TrimBefore forgets every position below pos. When nothing is left the file
// is truncated so the next Append may start anywhere.
func (s *Store) TrimBefore(pos int) error {
	if len(s.offsets) == 0 || pos <= s.first {
		return nil
	}
	drop := pos - s.first
	if drop >= len(s.offsets) {
		return s.Reset()
	}
	for p := s.first; p < pos; p++ {
		s.hot.Remove(p)
	}
	s.offsets = s.offsets[drop:]
	s.lengths = s.lengths[drop:]
	s.first = pos
	return nil
}

// Reset empties the store.
func (s *Store) Reset() error {
	s.offsets = s.offsets[:0]
	s.lengths = s.lengths[:0]
	s.first = 0
	s.end = 0
	s.hot.Purge()
	if err := s.f.Truncate(0); err != nil {
		return fmt.Errorf("spill: truncate: %w", err)
	}
	return nil
}

// Close removes the backing file.
func (s *Store) Close() error {
	err := s.f.Close()
	if rerr := os.Remove(s.path); rerr != nil && !errors.Is(rerr, os.ErrNotExist) && err == nil {
		err = rerr
	}
	return err
}
