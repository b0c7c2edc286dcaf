package dataiter

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"rowpipe/internal/schema"
	"rowpipe/internal/storage"
)

func newRC() *RunContext { return NewRunContext(zerolog.Nop()) }

// numbered returns n rows of (id, name) with id equal to the row ordinal.
func numbered(n int) *ListSource {
	cols := []*schema.Column{
		{Name: "id", Type: schema.TypeInt},
		{Name: "name", Type: schema.TypeText, Nullable: true},
	}
	rows := make([][]any, n)
	for i := range rows {
		rows[i] = []any{i + 1, "row-" + string(rune('a'+i%26))}
	}
	return NewListSource(cols, rows)
}

func drainAll(t *testing.T, c Cursor) [][]any {
	t.Helper()
	rows, err := Drain(context.Background(), c)
	require.NoError(t, err)
	return rows
}

func ordinals(rows [][]any) []int {
	out := make([]int, len(rows))
	for i, r := range rows {
		out[i], _ = ordinalOf(r[0])
	}
	return out
}

// fakeDB is the shared target of fakeStmt executions.
type fakeDB struct {
	mu      sync.Mutex
	rows    [][]any
	batches int
	singles int
	nextKey int64

	// fail returns an error for a row that must not be written.
	fail func(row []any) error
	// noIndex reports batch failures without a row index, like a bulk load.
	noIndex bool
	// onExec runs before each batch or single execution.
	onExec func()
}

func (db *fakeDB) written() [][]any {
	db.mu.Lock()
	defer db.mu.Unlock()
	return append([][]any(nil), db.rows...)
}

func (db *fakeDB) has(id any) bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, r := range db.rows {
		if r[0] == id {
			return true
		}
	}
	return false
}

type fakeStmt struct {
	db     *fakeDB
	params []storage.Parameter
	values []any
	batch  [][]any
	key    any
	closed bool
}

func newFakeStmt(db *fakeDB, params ...storage.Parameter) *fakeStmt {
	return &fakeStmt{db: db, params: params, values: make([]any, len(params))}
}

// names builds parameters from bare names.
func names(ns ...string) []storage.Parameter {
	out := make([]storage.Parameter, len(ns))
	for i, n := range ns {
		out[i] = storage.Parameter{Name: n}
	}
	return out
}

func (s *fakeStmt) Parameters() []storage.Parameter { return s.params }

func (s *fakeStmt) ParameterIndex(name string) (int, bool) {
	for i, p := range s.params {
		if strings.EqualFold(p.Name, name) {
			return i, true
		}
	}
	return -1, false
}

func (s *fakeStmt) ClearParameters()          { clear(s.values) }
func (s *fakeStmt) SetParameter(i int, v any) { s.values[i] = v }

func (s *fakeStmt) AddBatch() {
	s.batch = append(s.batch, append([]any(nil), s.values...))
	s.ClearParameters()
}

func (s *fakeStmt) Pending() int { return len(s.batch) }

func (s *fakeStmt) ExecuteBatch(context.Context) error {
	batch := s.batch
	s.batch = nil
	db := s.db
	if db.onExec != nil {
		db.onExec()
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	db.batches++
	for i, row := range batch {
		if db.fail != nil {
			if err := db.fail(row); err != nil {
				if db.noIndex {
					i = -1
				}
				return &storage.BatchError{Index: i, Err: err}
			}
		}
		db.rows = append(db.rows, row)
	}
	return nil
}

func (s *fakeStmt) Execute(context.Context) error {
	row := append([]any(nil), s.values...)
	s.ClearParameters()
	db := s.db
	if db.onExec != nil {
		db.onExec()
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	db.singles++
	if db.fail != nil {
		if err := db.fail(row); err != nil {
			return err
		}
	}
	db.nextKey++
	s.key = db.nextKey
	db.rows = append(db.rows, row)
	return nil
}

func (s *fakeStmt) GeneratedKey() any { return s.key }

func (s *fakeStmt) Close() error {
	s.closed = true
	return nil
}

type fakeSession struct {
	inTx    bool
	commits int
}

func (s *fakeSession) Prepare(context.Context, storage.StatementSpec) (storage.Statement, error) {
	return nil, errors.New("fakeSession: prepare is not supported")
}
func (s *fakeSession) Begin(context.Context) error  { s.inTx = true; return nil }
func (s *fakeSession) Commit(context.Context) error { s.inTx = false; s.commits++; return nil }
func (s *fakeSession) CommitAndContinue(context.Context) error {
	s.commits++
	return nil
}
func (s *fakeSession) Rollback(context.Context) error { s.inTx = false; return nil }
func (s *fakeSession) InTransaction() bool            { return s.inTx }
func (s *fakeSession) Close() error                   { return nil }

// closeTracker records Close on the wrapped cursor.
type closeTracker struct {
	Cursor
	closed int
}

func (c *closeTracker) Close() error {
	c.closed++
	return c.Cursor.Close()
}

// failingCursor returns err from Next after n rows.
type failingCursor struct {
	*ListSource
	n   int
	err error
}

func (f *failingCursor) Next(ctx context.Context) (bool, error) {
	if f.pos >= f.n {
		return false, f.err
	}
	return f.ListSource.Next(ctx)
}
