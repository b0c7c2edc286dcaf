// Package sqldb implements storage.Repository, Session and Statement on top
// of database/sql. The sqlite, mysql and mssql backends embed it and supply
// their dialect, driver error translation and, optionally, a bulk-load path.
package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"rowpipe/internal/storage"
)

// Preparer is satisfied by *sql.Conn and *sql.Tx.
type Preparer interface {
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
}

// BulkFunc loads rows into table through a driver-specific bulk API.
type BulkFunc func(ctx context.Context, p Preparer, table string, cols []string, rows [][]any) error

// Options configure a Repository.
type Options struct {
	Dialect storage.Dialect

	// Translate maps driver errors to *storage.SQLError. Errors it does not
	// recognize are returned unchanged.
	Translate func(error) error

	// Bulk, when set and UseBulk is true, replaces row-by-row execution of
	// insert batches that do not read back keys.
	Bulk    BulkFunc
	UseBulk bool
}

// Repository is a database/sql backed storage.Repository minus Close, which
// the backend adapters provide.
type Repository struct {
	DB   *sql.DB
	opts Options
}

// New wraps db.
func New(db *sql.DB, opts Options) *Repository {
	if opts.Translate == nil {
		opts.Translate = func(err error) error { return err }
	}
	return &Repository{DB: db, opts: opts}
}

func (r *Repository) Dialect() storage.Dialect { return r.opts.Dialect }

// Exec executes an arbitrary SQL statement (typically DDL).
func (r *Repository) Exec(ctx context.Context, q string) error {
	if strings.TrimSpace(q) == "" {
		return nil
	}
	if _, err := r.DB.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("%s: exec: %w", r.opts.Dialect.Name(), r.opts.Translate(err))
	}
	return nil
}

func (r *Repository) LookupMap(ctx context.Context, table, keyCol, valueCol string) (map[string][]any, error) {
	rows, err := r.DB.QueryContext(ctx, storage.SelectPairs(r.opts.Dialect, table, keyCol, valueCol))
	if err != nil {
		return nil, fmt.Errorf("lookup %s.%s: %w", table, keyCol, r.opts.Translate(err))
	}
	defer rows.Close()
	out := map[string][]any{}
	for rows.Next() {
		var k, v any
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("lookup %s.%s: %w", table, keyCol, err)
		}
		if k == nil {
			continue
		}
		key := storage.KeyString([]any{k})
		out[key] = append(out[key], normalize(v))
	}
	return out, rows.Err()
}

func (r *Repository) FetchRecords(ctx context.Context, table string, keyCols []string, keys [][]any) (map[string]map[string]any, error) {
	out := map[string]map[string]any{}
	if len(keys) == 0 || len(keyCols) == 0 {
		return out, nil
	}
	q, args := storage.SelectByKeys(r.opts.Dialect, table, keyCols, keys)
	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", table, r.opts.Translate(err))
	}
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("fetch %s: %w", table, err)
		}
		for i := range vals {
			vals[i] = normalize(vals[i])
		}
		k, rec := storage.Record(cols, vals, keyCols)
		out[k] = rec
	}
	return out, rows.Err()
}

// normalize turns driver byte slices into strings.
func normalize(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

// Session opens a dedicated connection.
func (r *Repository) Session(ctx context.Context) (storage.Session, error) {
	conn, err := r.DB.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: conn: %w", r.opts.Dialect.Name(), err)
	}
	return &session{repo: r, conn: conn}, nil
}

type executor interface {
	Preparer
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type session struct {
	repo *Repository
	conn *sql.Conn
	tx   *sql.Tx
}

func (s *session) exec() executor {
	if s.tx != nil {
		return s.tx
	}
	return s.conn
}

func (s *session) Begin(ctx context.Context) error {
	if s.tx != nil {
		return nil
	}
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", s.repo.opts.Translate(err))
	}
	s.tx = tx
	return nil
}

func (s *session) Commit(context.Context) error {
	if s.tx == nil {
		return nil
	}
	err := s.tx.Commit()
	s.tx = nil
	if err != nil {
		return fmt.Errorf("commit: %w", s.repo.opts.Translate(err))
	}
	return nil
}

func (s *session) CommitAndContinue(ctx context.Context) error {
	if err := s.Commit(ctx); err != nil {
		return err
	}
	return s.Begin(ctx)
}

func (s *session) Rollback(context.Context) error {
	if s.tx == nil {
		return nil
	}
	err := s.tx.Rollback()
	s.tx = nil
	return err
}

func (s *session) InTransaction() bool { return s.tx != nil }

func (s *session) Close() error {
	if s.tx != nil {
		_ = s.tx.Rollback()
		s.tx = nil
	}
	return s.conn.Close()
}

func (s *session) Prepare(_ context.Context, spec storage.StatementSpec) (storage.Statement, error) {
	q, params, err := storage.BuildStatement(s.repo.opts.Dialect, spec)
	if err != nil {
		return nil, err
	}
	st := &statement{
		s:      s,
		spec:   spec,
		sql:    q,
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

func (st *statement) ExecuteBatch(ctx context.Context) error {
	batch := st.batch
	st.batch = st.batch[:0:0]
	if len(batch) == 0 {
		return nil
	}
	opts := st.s.repo.opts
	if opts.UseBulk && opts.Bulk != nil && st.spec.Mode == storage.ModeInsert && st.spec.Returning == "" {
		cols := make([]string, len(st.params))
		for i, p := range st.params {
			cols[i] = p.Name
		}
		if err := opts.Bulk(ctx, st.s.exec(), st.spec.Table, cols, batch); err != nil {
			return &storage.BatchError{Index: -1, Err: opts.Translate(err)}
		}
		return nil
	}
	for i, row := range batch {
		if err := st.run(ctx, row); err != nil {
			return &storage.BatchError{Index: i, Err: err}
		}
	}
	return nil
}

func (st *statement) run(ctx context.Context, args []any) error {
	res, err := st.s.exec().ExecContext(ctx, st.sql, args...)
	if err != nil {
		return st.s.repo.opts.Translate(err)
	}
	if st.spec.Mode == storage.ModeUpdate {
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return storage.ErrRowNotFound
		}
	}
	return nil
}

func (st *statement) Execute(ctx context.Context) error {
	args := append([]any(nil), st.values...)
	st.ClearParameters()
	st.key = nil
	if st.spec.Returning == "" {
		return st.run(ctx, args)
	}
	if st.s.repo.opts.Dialect.LastInsertID() {
		res, err := st.s.exec().ExecContext(ctx, st.sql, args...)
		if err != nil {
			return st.s.repo.opts.Translate(err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		st.key = id
		return nil
	}
	var key any
	if err := st.s.exec().QueryRowContext(ctx, st.sql, args...).Scan(&key); err != nil {
		return st.s.repo.opts.Translate(err)
	}
	st.key = normalize(key)
	return nil
}

func (st *statement) GeneratedKey() any { return st.key }

func (st *statement) Close() error {
	st.batch = nil
	return nil
}
