package dataiter

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"rowpipe/internal/metrics"
	"rowpipe/internal/schema"
	"rowpipe/internal/storage"
)

// StatementOptions configure a Statement stage.
type StatementOptions struct {
	// Statements are prepared on the run's session and share one shape.
	// Only the first is used unless async execution is enabled, which needs
	// two.
	Statements []storage.Statement

	// BatchSize is the number of rows per flush. Zero or less picks
	// max(10, 10000/max(2, len(Statements))).
	BatchSize int

	// TxSize commits every TxSize rows while a transaction is open. Values
	// of one or less disable incremental commits.
	TxSize int

	// Async executes batches on a background worker while the next batch is
	// bound. It is ignored when generated keys are read back, when TxSize is
	// in effect, when the batch size is 1, or with fewer than two statements.
	Async bool

	// GeneratedKey, when set, reads the key generated for each row back into
	// the column of that name, appending the column if upstream lacks it.
	// Rows are then executed one at a time.
	GeneratedKey *schema.Column

	// Reporter is told the highest ordinal flushed after every flush.
	Reporter CommitReporter

	// Job labels the batch metrics.
	Job string
}

// binding copies one upstream column into one statement parameter.
type binding struct {
	from     int
	to       int
	mv       int // parameter for the missing-value indicator, -1 if none
	constant bool
	value    any
}

// stmtBuffer is one statement with its bindings and the ordinals of the
// rows queued on it.
type stmtBuffer struct {
	stmt storage.Statement
	bind []binding
	rows []int
}

// Statement binds every row to a prepared statement and writes it in
// batches. Rows pass through unchanged, plus the generated key column when
// one is configured.
type Statement struct {
	in      Cursor
	rc      *RunContext
	session storage.Session
	opts    StatementOptions
	log     zerolog.Logger

	started bool
	bufs    []*stmtBuffer
	cur     *stmtBuffer
	batch   int
	txRows  int
	async   bool

	keyIndex int // output column of the generated key, 0 if none
	appended bool
	key      any

	queue  *swapQueue[*stmtBuffer]
	group  *errgroup.Group
	cancel context.CancelFunc
	err    error
	closed bool
}

// NewStatementStage returns a stage writing the rows of in through opts'
// statements on session.
func NewStatementStage(in Cursor, rc *RunContext, session storage.Session, opts StatementOptions) (*Statement, error) {
	if len(opts.Statements) == 0 {
		return nil, errors.New("statement stage: no statements")
	}
	s := &Statement{
		in:      in,
		rc:      rc,
		session: session,
		opts:    opts,
		log:     rc.Logger().With().Str("stage", "statement").Logger(),
	}
	if k := opts.GeneratedKey; k != nil {
		if i := ColumnIndex(in, k.Name); i > 0 {
			s.keyIndex = i
		} else {
			s.keyIndex = in.ColumnCount() + 1
			s.appended = true
		}
	}
	return s, nil
}

// PairEmbargo wraps s in an Embargo stage that s reports its flushes to. It
// must be called before the first row is pulled.
func PairEmbargo(s *Statement) (*Embargo, error) {
	if s.started {
		return nil, ErrConfigured
	}
	e := NewEmbargo(s, s.rc)
	s.opts.Reporter = e
	return e, nil
}

func (s *Statement) ColumnCount() int {
	if s.appended {
		return s.in.ColumnCount() + 1
	}
	return s.in.ColumnCount()
}

func (s *Statement) ColumnInfo(i int) *schema.Column {
	if s.keyIndex > 0 && i == s.keyIndex {
		return s.opts.GeneratedKey
	}
	return s.in.ColumnInfo(i)
}

func (s *Statement) Get(i int) any {
	if s.keyIndex > 0 && i == s.keyIndex {
		return s.key
	}
	return s.in.Get(i)
}

func (s *Statement) IsConstant(i int) bool {
	if s.keyIndex > 0 && i == s.keyIndex {
		return false
	}
	return IsConstant(s.in, i)
}

func (s *Statement) ConstantValue(i int) any {
	if s.keyIndex > 0 && i == s.keyIndex {
		return nil
	}
	return ConstantValue(s.in, i)
}

// BatchSize returns the effective batch size; it is known after the first
// call to Next.
func (s *Statement) BatchSize() int { return s.batch }

// IsAsync reports whether batches run on the background worker.
func (s *Statement) IsAsync() bool { return s.async }

func (s *Statement) start(ctx context.Context) {
	s.started = true
	s.rc.Freeze()
	for _, st := range s.opts.Statements {
		s.bufs = append(s.bufs, &stmtBuffer{stmt: st, bind: s.bindings(st)})
	}
	s.cur = s.bufs[0]

	s.batch = s.opts.BatchSize
	if s.opts.GeneratedKey != nil {
		s.batch = 1
	} else if s.batch < 1 {
		s.batch = max(10, 10000/max(2, len(s.bufs)))
	}
	s.async = s.opts.Async && len(s.bufs) > 1 && s.opts.GeneratedKey == nil &&
		s.opts.TxSize <= 1 && s.batch > 1
	s.log.Debug().Int("batch_size", s.batch).Int("tx_size", s.opts.TxSize).
		Bool("async", s.async).Int("bindings", len(s.cur.bind)).Msg("statement stage started")

	if s.async {
		wctx, cancel := context.WithCancel(ctx)
		s.cancel = cancel
		s.queue = newSwapQueue[*stmtBuffer]()
		s.group = &errgroup.Group{}
		first := s.bufs[1]
		s.group.Go(func() error { return s.work(wctx, first) })
	}
}

// bindings matches upstream columns to parameters of st, by property URI
// first and then by name.
func (s *Statement) bindings(st storage.Statement) []binding {
	params := st.Parameters()
	byURI := make(map[string]int, len(params))
	for i, p := range params {
		if p.PropertyURI != "" {
			byURI[strings.ToLower(p.PropertyURI)] = i
		}
	}
	var out []binding
	for i := 1; i <= s.in.ColumnCount(); i++ {
		col := s.in.ColumnInfo(i)
		to, ok := -1, false
		if col.PropertyURI != "" {
			to, ok = byURI[strings.ToLower(col.PropertyURI)]
		}
		if !ok {
			to, ok = st.ParameterIndex(col.Name)
		}
		if !ok {
			continue
		}
		b := binding{from: i, to: to, mv: -1}
		if col.MVColumn != "" {
			if mv, ok := st.ParameterIndex(col.MVColumn); ok {
				b.mv = mv
			}
		}
		if IsConstant(s.in, i) {
			b.constant, b.value = true, ConstantValue(s.in, i)
		}
		out = append(out, b)
	}
	return out
}

func (b *stmtBuffer) set(in Cursor) {
	b.stmt.ClearParameters()
	for _, bd := range b.bind {
		v := bd.value
		if !bd.constant {
			v = in.Get(bd.from)
		}
		if v == nil {
			continue
		}
		if mv, ok := v.(MissingValue); ok {
			if bd.mv >= 0 {
				b.stmt.SetParameter(bd.mv, mv.Indicator)
			}
			v = mv.Value
		}
		b.stmt.SetParameter(bd.to, v)
	}
}

func (s *Statement) Next(ctx context.Context) (bool, error) {
	if s.closed {
		return false, nil
	}
	if s.err != nil {
		return false, s.err
	}
	if !s.started {
		s.start(ctx)
	}
	ok, err := s.next(ctx)
	if err != nil || !ok {
		if werr := s.stopWorker(); err == nil {
			err = werr
		}
	}
	if err != nil {
		s.err = err
		return false, err
	}
	return ok, nil
}

func (s *Statement) next(ctx context.Context) (bool, error) {
	if err := s.workerError(); err != nil {
		return false, err
	}
	ok, err := s.in.Next(ctx)
	if err != nil {
		return false, err
	}
	s.key = nil
	if ok {
		s.cur.set(s.in)
		if err := s.rc.CheckShouldCancel(); err != nil {
			return false, err
		}
		s.cur.rows = append(s.cur.rows, Ordinal(s.in))
		if s.batch > 1 {
			s.cur.stmt.AddBatch()
		}
		s.txRows++
	}
	if n := len(s.cur.rows); n == s.batch || (!ok && n > 0) {
		if err := s.flush(ctx); err != nil {
			return false, err
		}
	}
	if ok && s.opts.TxSize > 1 && s.txRows >= s.opts.TxSize && s.session.InTransaction() {
		s.txRows = 0
		if len(s.cur.rows) > 0 {
			if err := s.flush(ctx); err != nil {
				return false, err
			}
		}
		s.log.Debug().Int("rows", s.opts.TxSize).Msg("committing")
		if err := s.session.CommitAndContinue(ctx); err != nil {
			return false, fmt.Errorf("incremental commit: %w", err)
		}
	}
	return ok, s.workerError()
}

func (s *Statement) flush(ctx context.Context) error {
	b := s.cur
	switch {
	case s.batch == 1:
		err := b.stmt.Execute(ctx)
		rows := b.rows
		b.rows = b.rows[:0]
		if err != nil {
			return s.execError(rows, err)
		}
		if s.opts.GeneratedKey != nil {
			s.key = b.stmt.GeneratedKey()
		}
		s.report(rows)
	case s.async:
		s.log.Debug().Int("rows", len(b.rows)).Msg("swap")
		next, err := s.queue.swapFullForEmpty(ctx, b)
		if err != nil {
			if werr := s.workerError(); werr != nil {
				return werr
			}
			return err
		}
		s.cur = next
	default:
		if err := s.execute(ctx, b); err != nil {
			return err
		}
	}
	return nil
}

// execute runs a buffer's batch and reports it. It runs on the worker in
// async mode.
func (s *Statement) execute(ctx context.Context, b *stmtBuffer) error {
	rows := b.rows
	b.rows = nil
	s.log.Debug().Int("rows", len(rows)).Msg("execute batch")
	if err := b.stmt.ExecuteBatch(ctx); err != nil {
		return s.execError(rows, err)
	}
	metrics.RecordBatches(s.opts.Job, 1)
	s.report(rows)
	return nil
}

func (s *Statement) report(rows []int) {
	if s.opts.Reporter == nil || len(rows) == 0 {
		return
	}
	hi := rows[0]
	for _, r := range rows[1:] {
		hi = max(hi, r)
	}
	s.opts.Reporter.ReportCommitted(hi)
}

// execError turns a write failure into a row error plus an abort, or a
// fatal error. A batch failure without a row index is charged to the first
// row of the batch.
func (s *Statement) execError(rows []int, err error) error {
	ord := 0
	if len(rows) > 0 {
		ord = rows[len(rows)-1]
	}
	cause := err
	var be *storage.BatchError
	if errors.As(err, &be) {
		cause = be.Err
		if len(rows) > 0 {
			ord = rows[0]
			if be.Index >= 0 && be.Index < len(rows) {
				ord = rows[be.Index]
			}
		}
	}
	class := storage.Classify(err)
	s.log.Debug().Err(err).Int("row", ord).Stringer("class", class).Msg("statement failed")
	switch class {
	case storage.ClassData, storage.ClassConstraint, storage.ClassNotFound:
		return s.rc.Abort(ord, cause)
	case storage.ClassMissingObject:
		return s.rc.Abort(ord, ErrTableDeleted)
	}
	return fmt.Errorf("execute statement at row %d: %w", ord, err)
}

// work executes full buffers until the queue closes.
func (s *Statement) work(ctx context.Context, b *stmtBuffer) error {
	defer s.queue.exited()
	for {
		full, err := s.queue.swapEmptyForFull(ctx, b)
		if errors.Is(err, errQueueClosed) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := s.execute(ctx, full); err != nil {
			_ = full.stmt.Close()
			return err
		}
		b = full
	}
}

// workerError waits for an exited worker and returns its error.
func (s *Statement) workerError() error {
	if s.queue == nil || !s.queue.stopped() {
		return nil
	}
	return s.stopWorker()
}

// stopWorker closes the queue and joins the worker. The worker drains the
// buffer already handed to it before it sees the close.
func (s *Statement) stopWorker() error {
	if s.queue == nil {
		return nil
	}
	s.queue.close()
	err := s.group.Wait()
	s.cancel()
	s.queue, s.group = nil, nil
	if err != nil {
		s.log.Debug().Err(err).Msg("worker failed")
	}
	return err
}

// Close stops the worker, closes the statements and the upstream cursor.
// The session belongs to the caller.
func (s *Statement) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	var errs []error
	if s.cancel != nil {
		s.cancel()
	}
	if err := s.stopWorker(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, ErrAborted) {
		errs = append(errs, err)
	}
	for _, st := range s.opts.Statements {
		if err := st.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	errs = append(errs, s.in.Close())
	return errors.Join(errs...)
}
