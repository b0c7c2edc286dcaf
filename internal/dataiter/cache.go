package dataiter

import (
	"context"
	"errors"
	"fmt"

	"rowpipe/internal/spill"
)

// CacheOptions configures a Cache.
type CacheOptions struct {
	// Retain keeps every row pulled so BeforeFirst can replay the whole
	// stream without asking upstream. Mark still moves the reset point but
	// never discards rows.
	Retain bool

	// SpillLimit is the number of rows held in memory before the oldest
	// SpillBatch rows are written to a temp file in SpillDir. Zero keeps
	// everything in memory.
	SpillLimit int
	SpillBatch int
	SpillDir   string
}

const defaultSpillBatch = 1000

// Cache buffers upstream rows so a consumer can mark a position, read ahead,
// and reset back to the mark. Positions count rows pulled through the cache,
// starting at 1; Get(0) still returns the upstream ordinal.
//
// Rows at positions [first on disk, last on disk] live in the spill store,
// rows after that in memory. Both ranges are contiguous and adjacent.
type Cache struct {
	passthrough
	rc   *RunContext
	opts CacheOptions

	markPosition    int
	currentPosition int
	inputPosition   int
	eof             bool

	mem  [][]any
	disk *spill.Store
	row  []any
}

// NewCache wraps in with a rewindable buffer.
func NewCache(in Cursor, rc *RunContext, opts CacheOptions) *Cache {
	if opts.SpillLimit > 0 && opts.SpillBatch <= 0 {
		opts.SpillBatch = min(defaultSpillBatch, opts.SpillLimit)
	}
	return &Cache{passthrough: passthrough{in: in}, rc: rc, opts: opts, markPosition: 1}
}

// Position is the position of the current row, 0 before the first.
func (c *Cache) Position() int { return c.currentPosition }

func (c *Cache) memFirst() int { return c.inputPosition + 1 - len(c.mem) }

func (c *Cache) Next(ctx context.Context) (bool, error) {
	c.rc.Freeze()
	if c.currentPosition < c.inputPosition {
		row, err := c.load(c.currentPosition + 1)
		if err != nil {
			return false, err
		}
		c.currentPosition++
		c.row = row
		return true, nil
	}
	if c.eof {
		c.row = nil
		return false, nil
	}
	ok, err := c.in.Next(ctx)
	if err != nil {
		return false, err
	}
	if !ok {
		c.eof = true
		c.row = nil
		return false, nil
	}
	row := Snapshot(c.in)
	c.mem = append(c.mem, row)
	c.inputPosition++
	c.currentPosition++
	c.row = row
	if c.opts.SpillLimit > 0 && len(c.mem) > c.opts.SpillLimit {
		if err := c.spill(); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (c *Cache) load(pos int) ([]any, error) {
	if first := c.memFirst(); pos >= first {
		return c.mem[pos-first], nil
	}
	if c.disk == nil || !c.disk.Contains(pos) {
		return nil, fmt.Errorf("cache: position %d was discarded: %w", pos, spill.ErrRange)
	}
	raw, err := c.disk.Get(pos)
	if err != nil {
		return nil, err
	}
	return fromSpill(raw), nil
}

// spill moves the oldest SpillBatch in-memory rows to disk.
func (c *Cache) spill() error {
	if c.disk == nil {
		d, err := spill.Open(c.opts.SpillDir, 2*c.opts.SpillBatch)
		if err != nil {
			return err
		}
		c.disk = d
	}
	n := min(c.opts.SpillBatch, len(c.mem))
	first := c.memFirst()
	for i := 0; i < n; i++ {
		if err := c.disk.Append(first+i, toSpill(c.mem[i])); err != nil {
			return err
		}
	}
	c.dropMem(n)
	c.rc.Logger().Debug().Int("rows", n).Int("first_on_disk", c.disk.First()).Int("last_on_disk", c.disk.Last()).Msg("cache spilled")
	return nil
}

func (c *Cache) dropMem(n int) {
	copy(c.mem, c.mem[n:])
	clear(c.mem[len(c.mem)-n:])
	c.mem = c.mem[:len(c.mem)-n]
}

func (c *Cache) Get(i int) any {
	if c.row == nil || i < 0 || i >= len(c.row) {
		return nil
	}
	return c.row[i]
}

// Mark sets the reset point to the row after the current one. Unless the
// cache retains everything, rows before the mark are discarded.
func (c *Cache) Mark() error {
	c.markPosition = c.currentPosition + 1
	if c.opts.Retain {
		return nil
	}
	if c.disk != nil && c.disk.Len() > 0 {
		if err := c.disk.TrimBefore(c.markPosition); err != nil {
			return err
		}
	}
	if drop := c.markPosition - c.memFirst(); drop > 0 {
		c.dropMem(min(drop, len(c.mem)))
	}
	return nil
}

// Reset rewinds to just before the mark; the next call to Next returns the
// marked row again.
func (c *Cache) Reset() {
	c.currentPosition = c.markPosition - 1
	c.row = nil
}

// IsScrollable reports whether BeforeFirst can succeed.
func (c *Cache) IsScrollable() bool { return c.opts.Retain || CanScroll(c.in) }

// BeforeFirst rewinds to the start of the stream, replaying buffered rows
// when the cache retains them and rewinding upstream otherwise.
func (c *Cache) BeforeFirst(ctx context.Context) error {
	if c.opts.Retain {
		c.markPosition = 1
		c.currentPosition = 0
		c.row = nil
		return nil
	}
	s, ok := c.in.(Scrollable)
	if !ok || !s.IsScrollable() {
		return errors.New("cache: upstream is not scrollable")
	}
	if err := s.BeforeFirst(ctx); err != nil {
		return err
	}
	if c.disk != nil {
		if err := c.disk.Reset(); err != nil {
			return err
		}
	}
	clear(c.mem)
	c.mem = c.mem[:0]
	c.markPosition, c.currentPosition, c.inputPosition = 1, 0, 0
	c.eof = false
	c.row = nil
	return nil
}

func (c *Cache) Close() error {
	var err error
	if c.disk != nil {
		err = c.disk.Close()
		c.disk = nil
	}
	return errors.Join(err, c.in.Close())
}

func toSpill(row []any) []any {
	out := make([]any, len(row))
	for i, v := range row {
		if mv, ok := v.(MissingValue); ok {
			out[i] = spill.Pair{Value: mv.Value, Label: mv.Indicator}
			continue
		}
		out[i] = v
	}
	return out
}

func fromSpill(row []any) []any {
	out := make([]any, len(row))
	for i, v := range row {
		if p, ok := v.(spill.Pair); ok {
			out[i] = MissingValue{Value: p.Value, Indicator: p.Label}
			continue
		}
		out[i] = v
	}
	return out
}
