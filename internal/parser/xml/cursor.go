package xmlparser

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"rowpipe/internal/config"
	"rowpipe/internal/dataiter"
	"rowpipe/internal/schema"
)

// Cursor is a forward-only dataiter.Cursor over XML records. Records are
// parsed by a pool of workers and re-ordered, so rows come out in document
// order. A record that fails to parse is recorded as a row error and skipped.
type Cursor struct {
	src     io.ReadCloser
	rc      *dataiter.RunContext
	comp    Compiled
	workers int
	sep     string

	names []string
	cols  []*schema.Column

	startOnce sync.Once
	cancel    context.CancelFunc
	results   chan result
	finished  chan struct{}
	runErr    error

	pending map[int]result
	expect  int
	ord     int
	vals    []any
}

var _ dataiter.Cursor = (*Cursor)(nil)

// NewCursor compiles the record paths. Parsing starts on the first Next.
// The cursor owns src.
func NewCursor(src io.ReadCloser, rc *dataiter.RunContext, opt config.Options) (*Cursor, error) {
	cfg, err := FromOptions(opt)
	if err != nil {
		src.Close()
		return nil, err
	}
	comp, err := Compile(cfg)
	if err != nil {
		src.Close()
		return nil, err
	}
	names := opt.StringSlice("columns")
	if len(names) == 0 {
		names = cfg.Columns()
	}
	workers := opt.Int("workers", 4)
	if workers < 1 {
		workers = 1
	}
	return &Cursor{
		src:     src,
		rc:      rc,
		comp:    comp,
		workers: workers,
		sep:     opt.String("list_separator", "; "),
		names:   names,
		cols:    dataiter.TextColumns(names...),
		pending: map[int]result{},
		vals:    make([]any, len(names)),
	}, nil
}

func (c *Cursor) start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	jobs := make(chan job, 4*c.workers)
	c.results = make(chan result, 4*c.workers)
	c.finished = make(chan struct{})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(jobs)
		return shard(gctx, c.src, c.comp.recordTag, jobs)
	})
	for i := 0; i < c.workers; i++ {
		g.Go(func() error {
			for j := range jobs {
				rec, err := parseRecord(j.data, c.comp)
				select {
				case c.results <- result{index: j.index, record: rec, err: err}:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			return nil
		})
	}
	go func() {
		c.runErr = g.Wait()
		close(c.results)
		close(c.finished)
	}()
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
	c.startOnce.Do(func() { c.start(ctx) })
	for {
		res, ok := c.pending[c.expect]
		if !ok {
			select {
			case r, open := <-c.results:
				if !open {
					if c.runErr != nil {
						return false, fmt.Errorf("xml: %w", c.runErr)
					}
					return false, nil
				}
				c.pending[r.index] = r
				continue
			case <-ctx.Done():
				return false, ctx.Err()
			}
		}
		delete(c.pending, c.expect)
		c.expect++
		c.ord = res.index + 1
		if res.err != nil {
			c.rc.Errors().AddRowError(c.ord, fmt.Errorf("parse record: %w", res.err))
			if err := c.rc.CheckShouldCancel(); err != nil {
				return false, err
			}
			continue
		}
		for i, name := range c.names {
			switch v := res.record[name].(type) {
			case []string:
				c.vals[i] = strings.Join(v, c.sep)
			case string:
				c.vals[i] = v
			default:
				c.vals[i] = nil
			}
		}
		return true, nil
	}
}

// Close stops the workers and closes the source. The source is closed before
// waiting so a reader blocked on it is released.
func (c *Cursor) Close() error {
	if c.cancel == nil {
		return c.src.Close()
	}
	c.cancel()
	err := c.src.Close()
	<-c.finished
	return err
}
