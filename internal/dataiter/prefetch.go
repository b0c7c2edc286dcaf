package dataiter

import (
	"context"
	"fmt"
)

// PrefetchFunc receives a window of upcoming rows (snapshots, slot 0
// included) before any of them is delivered downstream.
type PrefetchFunc func(ctx context.Context, rows [][]any) error

// Prefetch reads ahead up to n rows behind a cache mark, hands the window to
// fn, then resets and delivers the window one row at a time. It is how
// existing records are fetched with one query per window instead of one per
// row.
type Prefetch struct {
	*Cache
	n         int
	fn        PrefetchFunc
	remaining int
}

// NewPrefetch wraps in. The cache it builds discards each window once it
// has been delivered.
func NewPrefetch(in Cursor, rc *RunContext, n int, opts CacheOptions, fn PrefetchFunc) *Prefetch {
	if n <= 0 {
		n = 1
	}
	opts.Retain = false
	return &Prefetch{Cache: NewCache(in, rc, opts), n: n, fn: fn}
}

func (p *Prefetch) Next(ctx context.Context) (bool, error) {
	if p.remaining == 0 {
		if err := p.fill(ctx); err != nil {
			return false, err
		}
		if p.remaining == 0 {
			return false, nil
		}
	}
	ok, err := p.Cache.Next(ctx)
	if err != nil || !ok {
		return false, err
	}
	p.remaining--
	return true, nil
}

func (p *Prefetch) fill(ctx context.Context) error {
	if err := p.Mark(); err != nil {
		return err
	}
	window := make([][]any, 0, p.n)
	for len(window) < p.n {
		ok, err := p.Cache.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		window = append(window, Snapshot(p.Cache))
	}
	p.Reset()
	if len(window) == 0 {
		return nil
	}
	if err := p.fn(ctx, window); err != nil {
		return fmt.Errorf("prefetch rows %d-%d: %w", window[0][0], window[len(window)-1][0], err)
	}
	p.remaining = len(window)
	return nil
}

// BeforeFirst restarts the stream and drops any window in progress.
func (p *Prefetch) BeforeFirst(ctx context.Context) error {
	p.remaining = 0
	return p.Cache.BeforeFirst(ctx)
}
