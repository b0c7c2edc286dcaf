// Package importer assembles and runs the cursor chain of one import: a
// parsed source, a translator reconciling the source with the target table,
// column and row validation, optional triggers, and the statement stage that
// writes the rows inside a single session.
package importer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"rowpipe/internal/config"
	"rowpipe/internal/dataiter"
	"rowpipe/internal/logging"
	"rowpipe/internal/metrics"
	"rowpipe/internal/parser"
	"rowpipe/internal/sequence"
	"rowpipe/internal/storage"
)

// Importer runs a pipeline against an open repository. It holds
// configuration only and may run many times.
type Importer struct {
	p       config.Pipeline
	repo    storage.Repository
	log     zerolog.Logger
	trigger dataiter.Trigger
	seqs    sequence.Provider
	open    func(ctx context.Context) (io.ReadCloser, error)
}

// Option customizes an Importer.
type Option func(*Importer)

// WithLogger sets the logger handed to every stage.
func WithLogger(l zerolog.Logger) Option {
	return func(im *Importer) { im.log = l }
}

// WithTrigger installs a table trigger around the statement stage.
func WithTrigger(t dataiter.Trigger) Option {
	return func(im *Importer) { im.trigger = t }
}

// WithSequences replaces the sequence provider configured by the pipeline.
// The caller keeps ownership and closes it.
func WithSequences(p sequence.Provider) Option {
	return func(im *Importer) { im.seqs = p }
}

// WithSource replaces the configured source with open.
func WithSource(open func(ctx context.Context) (io.ReadCloser, error)) Option {
	return func(im *Importer) { im.open = open }
}

// New returns an Importer for p writing through repo.
func New(p config.Pipeline, repo storage.Repository, opts ...Option) *Importer {
	im := &Importer{p: p, repo: repo, log: logging.Nop()}
	for _, o := range opts {
		o(im)
	}
	if im.open == nil {
		im.open = func(ctx context.Context) (io.ReadCloser, error) {
			return OpenSource(ctx, im.p.Source, im.log)
		}
	}
	return im
}

// Report is the outcome of one run.
type Report struct {
	dataiter.Result
	Mode      string
	Committed bool
	// Errors holds every row and setup error recorded during the run.
	Errors *dataiter.ErrorSink
}

func (im *Importer) job() string {
	if im.p.Job != "" {
		return im.p.Job
	}
	return im.p.Target.Name
}

// source opens the configured stream and wraps it in the parser's cursor.
func (im *Importer) source(ctx context.Context, rc *dataiter.RunContext) (dataiter.Cursor, error) {
	src, err := im.open(ctx)
	if err != nil {
		return nil, fmt.Errorf("source open: %w", err)
	}
	return parser.NewCursor(im.p.Parser, src, rc)
}

// Builder returns the chain of one run bound to sess. Every Build makes
// fresh stages, so trigger state and prefetch windows never leak between
// runs.
func (im *Importer) Builder(sess storage.Session, seqs sequence.Provider) dataiter.Builder {
	return dataiter.BuilderFunc(func(ctx context.Context, rc *dataiter.RunContext) (dataiter.Cursor, error) {
		stages := []dataiter.StageFunc{im.translate(seqs), im.validate}
		var trig *dataiter.Triggers
		if im.trigger != nil {
			stages = append(stages, im.before(&trig))
		}
		stages = append(stages, im.statement(sess))
		if im.trigger != nil {
			stages = append(stages, func(_ context.Context, _ *dataiter.RunContext, in dataiter.Cursor) (dataiter.Cursor, error) {
				return trig.After(in), nil
			})
		}
		return dataiter.Chain(dataiter.BuilderFunc(im.source), stages...).Build(ctx, rc)
	})
}

// sequences returns the provider behind sequence columns and whether Run
// owns it.
func (im *Importer) sequences() (sequence.Provider, bool, error) {
	if im.seqs != nil {
		return im.seqs, false, nil
	}
	s := im.p.Load.Sequence
	switch s.Kind {
	case "", "memory":
		return sequence.NewMemoryProvider(), true, nil
	case "bolt":
		p, err := sequence.OpenBolt(s.Path, s.Block)
		if err != nil {
			return nil, false, err
		}
		return p, true, nil
	}
	return nil, false, fmt.Errorf("unknown sequence kind %q", s.Kind)
}

// Run imports the whole source in one transaction. The transaction is only
// committed when no row error was recorded: a tolerant run reads on past bad
// rows to report as many of them as the error limit allows, then returns an
// *dataiter.AbortError without writing anything.
func (im *Importer) Run(ctx context.Context) (rep Report, err error) {
	log := im.log.With().Str("job", im.job()).Str("table", im.p.Target.Name).Logger()
	rc, err := dataiter.FromLoad(im.p.Load, log)
	if err != nil {
		return rep, fmt.Errorf("load policy: %w", err)
	}
	rc.SetOptions(im.p.Parser.Options)
	rep.Mode = rc.InsertMode().String()
	rep.Errors = rc.Errors()

	if im.p.Storage.AutoCreateTable {
		log.Info().Msg("auto-create table enabled")
		if err := storage.EnsureTable(ctx, im.repo, &im.p.Target); err != nil {
			return rep, err
		}
	}

	seqs, owned, err := im.sequences()
	if err != nil {
		return rep, fmt.Errorf("sequences: %w", err)
	}
	if owned {
		defer seqs.Close()
	}

	sess, err := im.repo.Session(ctx)
	if err != nil {
		return rep, fmt.Errorf("open session: %w", err)
	}
	defer sess.Close()
	if err := sess.Begin(ctx); err != nil {
		return rep, fmt.Errorf("begin: %w", err)
	}
	rollback := func(cause error) error {
		if rerr := sess.Rollback(context.WithoutCancel(ctx)); rerr != nil {
			return errors.Join(cause, fmt.Errorf("rollback: %w", rerr))
		}
		return cause
	}

	it, err := im.Builder(sess, seqs).Build(ctx, rc)
	if err != nil {
		return rep, rollback(err)
	}
	log.Info().Str("mode", rep.Mode).Int("columns", it.ColumnCount()).Msg("import started")

	rep.Result, err = dataiter.NewPump(it, rc, im.job()).Run(ctx)
	if err == nil && rc.Errors().HasErrors() {
		err = &dataiter.AbortError{Errors: rc.Errors(), Row: rc.Errors().LastRow()}
	}
	if err != nil {
		logSummary(log, rep)
		return rep, rollback(err)
	}

	start := time.Now()
	err = sess.Commit(ctx)
	metrics.RecordStep(im.job(), "commit", err, time.Since(start))
	if err != nil {
		return rep, rollback(fmt.Errorf("commit: %w", err))
	}
	rep.Committed = true
	logSummary(log, rep)
	return rep, nil
}

// logSummary prints the run totals and the first recorded row errors.
func logSummary(log zerolog.Logger, rep Report) {
	log.Info().
		Bool("committed", rep.Committed).
		Int("rows", rep.Rows).
		Int("last_row", rep.LastRow).
		Int("error_rows", rep.ErrorRows).
		Dur("duration", rep.Duration).
		Msg("import finished")

	const shown = 10
	rows := rep.Errors.Rows()
	for i, r := range rows {
		if i == shown {
			log.Warn().Int("more", len(rows)-shown).Msg("more rows with errors")
			break
		}
		log.Warn().Int("row", r.Row).Strs("errors", r.Messages(true)).Msg("row skipped")
	}
}
