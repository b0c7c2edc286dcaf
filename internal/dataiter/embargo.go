package dataiter

import (
	"context"
	"sync/atomic"
)

// CommitReporter receives the highest row ordinal known to be persisted.
// The statement stage calls it after every flush, from its worker goroutine
// in async mode.
type CommitReporter interface {
	ReportCommitted(ordinal int)
}

// Embargo holds rows back until the paired statement stage reports them as
// persisted. Rows are queued in arrival order and released once the head's
// ordinal is at or below the committed watermark, or when upstream ends
// (everything upstream has been flushed by then).
//
// Embargo sits downstream of the statement stage it is paired with, so
// pulling one more upstream row is what drives the next flush.
type Embargo struct {
	passthrough
	rc        *RunContext
	committed atomic.Int64
	queue     [][]any
	eof       bool
	row       []any
}

// NewEmbargo returns an embargo stage over in. Pair it with the statement
// stage feeding it through StatementOptions.Reporter or PairEmbargo.
func NewEmbargo(in Cursor, rc *RunContext) *Embargo {
	return &Embargo{passthrough: passthrough{in: in}, rc: rc}
}

// ReportCommitted advances the watermark. It never moves it backwards.
func (e *Embargo) ReportCommitted(ordinal int) {
	for {
		cur := e.committed.Load()
		if int64(ordinal) <= cur || e.committed.CompareAndSwap(cur, int64(ordinal)) {
			return
		}
	}
}

// Committed returns the watermark.
func (e *Embargo) Committed() int { return int(e.committed.Load()) }

func (e *Embargo) releasable() bool {
	if len(e.queue) == 0 {
		return false
	}
	// A row without a usable ordinal waits for end of stream.
	head, ok := ordinalOf(e.queue[0][0])
	return ok && head <= e.Committed()
}

func (e *Embargo) Next(ctx context.Context) (bool, error) {
	for !e.eof && !e.releasable() {
		ok, err := e.in.Next(ctx)
		if err != nil {
			return false, err
		}
		if !ok {
			e.eof = true
			break
		}
		e.queue = append(e.queue, Snapshot(e.in))
	}
	if len(e.queue) == 0 {
		e.row = nil
		return false, nil
	}
	e.row = e.queue[0]
	e.queue[0] = nil
	e.queue = e.queue[1:]
	return true, nil
}

func (e *Embargo) Get(i int) any {
	if e.row == nil || i < 0 || i >= len(e.row) {
		return nil
	}
	return e.row[i]
}

