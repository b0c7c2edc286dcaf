package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"rowpipe/internal/storage"
)

// querier is the part of *pgxpool.Conn and pgx.Tx that statements use.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	CopyFrom(ctx context.Context, table pgx.Identifier, cols []string, src pgx.CopyFromSource) (int64, error)
}

type session struct {
	conn    *pgxpool.Conn
	tx      pgx.Tx
	useCopy bool
}

func (s *session) q() querier {
	if s.tx != nil {
		return s.tx
	}
	return s.conn
}

func (s *session) Begin(ctx context.Context) error {
	if s.tx != nil {
		return nil
	}
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", translate(err))
	}
	s.tx = tx
	return nil
}

func (s *session) Commit(ctx context.Context) error {
	if s.tx == nil {
		return nil
	}
	err := s.tx.Commit(ctx)
	s.tx = nil
	if err != nil {
		return fmt.Errorf("commit: %w", translate(err))
	}
	return nil
}

func (s *session) CommitAndContinue(ctx context.Context) error {
	if err := s.Commit(ctx); err != nil {
		return err
	}
	return s.Begin(ctx)
}

func (s *session) Rollback(ctx context.Context) error {
	if s.tx == nil {
		return nil
	}
	err := s.tx.Rollback(ctx)
	s.tx = nil
	return err
}

func (s *session) InTransaction() bool { return s.tx != nil }

// Close rolls back an open transaction and returns the connection to the pool.
func (s *session) Close() error {
	if s.tx != nil {
		_ = s.tx.Rollback(context.Background())
		s.tx = nil
	}
	s.conn.Release()
	return nil
}

func (s *session) Prepare(_ context.Context, spec storage.StatementSpec) (storage.Statement, error) {
	sql, params, err := storage.BuildStatement(storage.Postgres, spec)
	if err != nil {
		return nil, err
	}
	st := &statement{
		s:      s,
		spec:   spec,
		sql:    sql,
		params: params,
		index:  make(map[string]int, len(params)),
		values: make([]any, len(params)),
	}
	for i, p := range params {
		st.index[strings.ToLower(p.Name)] = i
	}
	return st, nil
}

type statement struct {
	s      *session
	spec   storage.StatementSpec
	sql    string
	params []storage.Parameter
	index  map[string]int
	values []any
	batch  [][]any
	key    any
}

func (st *statement) Parameters() []storage.Parameter { return st.params }

func (st *statement) ParameterIndex(name string) (int, bool) {
	i, ok := st.index[strings.ToLower(name)]
	return i, ok
}

func (st *statement) ClearParameters() { clear(st.values) }

func (st *statement) SetParameter(i int, v any) { st.values[i] = v }

func (st *statement) AddBatch() {
	st.batch = append(st.batch, append([]any(nil), st.values...))
	st.ClearParameters()
}

func (st *statement) Pending() int { return len(st.batch) }

func (st *statement) copyable() bool {
	return st.s.useCopy && st.spec.Mode == storage.ModeInsert && st.spec.Returning == ""
}

// ExecuteBatch pipelines the queued rows in one round trip, or COPYs them
// for plain inserts when enabled. Outside a transaction pgx runs a pipelined
// batch as one implicit transaction, so a failing row discards its siblings.
func (st *statement) ExecuteBatch(ctx context.Context) error {
	rows := st.batch
	st.batch = nil
	if len(rows) == 0 {
		return nil
	}
	if st.copyable() {
		cols := make([]string, len(st.params))
		for i, p := range st.params {
			cols[i] = p.Name
		}
		if _, err := st.s.q().CopyFrom(ctx, splitFQN(st.spec.Table), cols, pgx.CopyFromRows(rows)); err != nil {
			return &storage.BatchError{Index: -1, Err: translate(err)}
		}
		return nil
	}

	b := &pgx.Batch{}
	for _, row := range rows {
		b.Queue(st.sql, row...)
	}
	br := st.s.q().SendBatch(ctx, b)
	for i := range rows {
		ct, err := br.Exec()
		if err == nil && st.spec.Mode == storage.ModeUpdate && ct.RowsAffected() == 0 {
			err = storage.ErrRowNotFound
		}
		if err != nil {
			_ = br.Close()
			return &storage.BatchError{Index: i, Err: translate(err)}
		}
	}
	if err := br.Close(); err != nil {
		return &storage.BatchError{Index: -1, Err: translate(err)}
	}
	return nil
}

func (st *statement) Execute(ctx context.Context) error {
	args := append([]any(nil), st.values...)
	st.ClearParameters()
	st.key = nil
	if st.spec.Returning != "" {
		var key any
		if err := st.s.q().QueryRow(ctx, st.sql, args...).Scan(&key); err != nil {
			return translate(err)
		}
		st.key = key
		return nil
	}
	ct, err := st.s.q().Exec(ctx, st.sql, args...)
	if err != nil {
		return translate(err)
	}
	if st.spec.Mode == storage.ModeUpdate && ct.RowsAffected() == 0 {
		return storage.ErrRowNotFound
	}
	return nil
}

func (st *statement) GeneratedKey() any { return st.key }

func (st *statement) Close() error {
	st.batch = nil
	return nil
}
