package dataiter

import (
	"context"
	"errors"
	"sort"
	"time"

	"rowpipe/internal/metrics"
)

// Result summarizes a pump run.
type Result struct {
	// Rows is the number of rows that reached the end of the chain and
	// carry no error once the chain is closed. A row the statement stage
	// passed on before its batch failed is not counted; the other rows of
	// that batch are, although the failed batch wrote none of them.
	Rows int
	// LastRow is the ordinal of the last row the pump saw.
	LastRow int
	// ErrorRows is the number of rows with recorded errors.
	ErrorRows int
	Duration  time.Duration
}

// Pump drives a cursor chain to completion.
type Pump struct {
	it  Cursor
	rc  *RunContext
	job string

	// seen is the highest ordinal pulled; gaps holds the ordinal ranges
	// below it that never reached the pump.
	seen int
	gaps [][2]int
}

// NewPump returns a pump over it. job labels the row metrics.
func NewPump(it Cursor, rc *RunContext, job string) *Pump {
	return &Pump{it: it, rc: rc, job: job}
}

// Run pulls every row, then closes the chain. Rows rejected by a stage are
// recorded in the run's sink; once the sink exceeds its limit Run stops and
// returns an *AbortError for the last row it saw. A fatal error from the
// chain is returned wrapped in an *AbortError as its Cause.
func (p *Pump) Run(ctx context.Context) (res Result, err error) {
	start := time.Now()
	log := p.rc.Logger()
	defer func() {
		if cerr := p.it.Close(); cerr != nil {
			log.Warn().Err(cerr).Msg("close pipeline")
			if err == nil {
				err = cerr
			}
		}
		res.Rows -= p.failedAfterPull()
		res.ErrorRows = p.rc.Errors().RowErrorCount()
		res.Duration = time.Since(start)
		metrics.RecordRow(p.job, "processed", int64(res.Rows))
		metrics.RecordRow(p.job, "errors", int64(res.ErrorRows))
		metrics.RecordStep(p.job, "pump", err, res.Duration)
	}()

	for {
		ok, nerr := p.it.Next(ctx)
		if nerr != nil {
			return res, p.abort(res.LastRow, nerr)
		}
		if !ok {
			break
		}
		res.Rows++
		res.LastRow = Ordinal(p.it)
		p.pulled(res.LastRow)
		if cerr := p.rc.CheckShouldCancel(); cerr != nil {
			return res, p.abort(res.LastRow, cerr)
		}
	}
	if err := p.rc.CheckShouldCancel(); err != nil {
		return res, p.abort(res.LastRow, err)
	}
	log.Debug().Int("rows", res.Rows).Msg("pump finished")
	return res, nil
}

func (p *Pump) pulled(ord int) {
	if ord <= p.seen {
		return
	}
	if ord > p.seen+1 {
		p.gaps = append(p.gaps, [2]int{p.seen + 1, ord - 1})
	}
	p.seen = ord
}

// failedAfterPull counts rows with recorded errors that the pump did pull,
// which happens when a downstream flush rejects rows already passed on.
func (p *Pump) failedAfterPull() int {
	n := 0
	for _, r := range p.rc.Errors().Rows() {
		if r.Row <= 0 || r.Row > p.seen {
			continue
		}
		i := sort.Search(len(p.gaps), func(i int) bool { return p.gaps[i][1] >= r.Row })
		if i < len(p.gaps) && p.gaps[i][0] <= r.Row {
			continue
		}
		n++
	}
	return n
}

func (p *Pump) abort(row int, err error) error {
	var ae *AbortError
	if errors.As(err, &ae) {
		if ae.Row == 0 {
			ae.Row = row
		}
		return ae
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &AbortError{Errors: p.rc.Errors(), Row: row, Cause: err}
}
