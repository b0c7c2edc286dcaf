// Package postgres implements a Postgres repository using pgx v5. Batches are
// pipelined with pgx.Batch; plain insert batches can instead be streamed with
// COPY when the storage config enables it.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"rowpipe/internal/storage"
)

// Config holds Postgres repository configuration.
type Config struct {
	DSN      string // connection string for pgxpool
	UseCopy  bool   // COPY plain insert batches
	MaxConns int
}

// Repository is a Postgres-backed implementation of storage.Repository.
type Repository struct {
	pool *pgxpool.Pool
	cfg  Config
}

// NewRepository constructs a Repository and returns a Close function for cleanup.
func NewRepository(ctx context.Context, cfg Config) (*Repository, func(), error) {
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("pgxpool config: %w", err)
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = int32(cfg.MaxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, nil, fmt.Errorf("pgxpool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping: %w", err)
	}
	return &Repository{pool: pool, cfg: cfg}, pool.Close, nil
}

func (r *Repository) Dialect() storage.Dialect { return storage.Postgres }

// Exec implements storage.Repository.Exec for Postgres.
func (r *Repository) Exec(ctx context.Context, sql string) error {
	if strings.TrimSpace(sql) == "" {
		return nil
	}
	if _, err := r.pool.Exec(ctx, sql); err != nil {
		return fmt.Errorf("postgres: exec: %w", translate(err))
	}
	return nil
}

func (r *Repository) LookupMap(ctx context.Context, table, keyCol, valueCol string) (map[string][]any, error) {
	rows, err := r.pool.Query(ctx, storage.SelectPairs(storage.Postgres, table, keyCol, valueCol))
	if err != nil {
		return nil, fmt.Errorf("lookup %s.%s: %w", table, keyCol, translate(err))
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
		out[key] = append(out[key], v)
	}
	return out, rows.Err()
}

func (r *Repository) FetchRecords(ctx context.Context, table string, keyCols []string, keys [][]any) (map[string]map[string]any, error) {
	out := map[string]map[string]any{}
	if len(keys) == 0 || len(keyCols) == 0 {
		return out, nil
	}
	q, args := storage.SelectByKeys(storage.Postgres, table, keyCols, keys)
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", table, translate(err))
	}
	defer rows.Close()
	fds := rows.FieldDescriptions()
	cols := make([]string, len(fds))
	for i, fd := range fds {
		cols[i] = fd.Name
	}
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", table, err)
		}
		k, rec := storage.Record(cols, vals, keyCols)
		out[k] = rec
	}
	return out, rows.Err()
}

// Session acquires a pooled connection for the lifetime of the session.
func (r *Repository) Session(ctx context.Context) (storage.Session, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: acquire: %w", err)
	}
	return &session{conn: conn, useCopy: r.cfg.UseCopy}, nil
}

// splitFQN converts "schema.table" into a pgx.Identifier {"schema","table"}.
// If no dot is present, returns {"table"}.
func splitFQN(fqn string) pgx.Identifier {
	parts := strings.Split(fqn, ".")
	id := make(pgx.Identifier, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			id = append(id, p)
		}
	}
	return id
}

func translate(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	msg := pgErr.Message
	if pgErr.Detail != "" {
		msg += ": " + pgErr.Detail
	}
	return &storage.SQLError{State: pgErr.SQLState(), Message: msg, Err: err}
}
