// Package mssql implements a Microsoft SQL Server repository on database/sql
// with go-mssqldb. Upserts are MERGE statements; plain insert batches can be
// loaded through the driver's bulk copy API when the storage config asks for
// it.
package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	mssql "github.com/microsoft/go-mssqldb"
	"github.com/microsoft/go-mssqldb/msdsn"

	"rowpipe/internal/storage"
	"rowpipe/internal/storage/sqldb"
)

// Config holds MSSQL repository configuration.
type Config struct {
	DSN      string
	UseBulk  bool
	MaxConns int
}

// Repository is an MSSQL-backed implementation of storage.Repository.
type Repository struct {
	*sqldb.Repository
	cfg Config
}

// NewRepository constructs a Repository and returns a Close function for cleanup.
func NewRepository(ctx context.Context, cfg Config) (*Repository, func(), error) {
	// Validate DSN early to fail fast on obvious mistakes.
	if _, err := msdsn.Parse(cfg.DSN); err != nil {
		return nil, nil, fmt.Errorf("mssql dsn: %w", err)
	}
	db, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("sql.Open: %w", err)
	}
	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("ping: %w", err)
	}
	closeFn := func() { _ = db.Close() }
	return &Repository{
		Repository: sqldb.New(db, sqldb.Options{
			Dialect:   storage.MSSQL,
			Translate: translate,
			Bulk:      bulkCopy,
			UseBulk:   cfg.UseBulk,
		}),
		cfg: cfg,
	}, closeFn, nil
}

// bulkCopy streams rows into table with the TDS bulk copy protocol. The
// final parameterless Exec flushes the copy.
func bulkCopy(ctx context.Context, p sqldb.Preparer, table string, cols []string, rows [][]any) error {
	stmt, err := p.PrepareContext(ctx, mssql.CopyIn(table, mssql.BulkOptions{}, cols...))
	if err != nil {
		return fmt.Errorf("prepare bulk: %w", err)
	}
	for i := range rows {
		if _, err := stmt.ExecContext(ctx, rows[i]...); err != nil {
			_ = stmt.Close()
			return fmt.Errorf("bulk row %d: %w", i, err)
		}
	}
	_, err = stmt.ExecContext(ctx)
	if cerr := stmt.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("bulk finalize: %w", err)
	}
	return nil
}

// SQL Server reports error numbers rather than SQLSTATEs.
var states = map[int32]string{
	2627: "23505", // PRIMARY KEY / UNIQUE constraint
	2601: "23505", // unique index
	547:  "23503", // FOREIGN KEY / CHECK constraint
	515:  "23502", // NULL into NOT NULL column
	208:  "42S02", // invalid object name
	8152: "22001", // string or binary data would be truncated
	2628: "22001",
	245:  "22018", // conversion failed
	8114: "22018",
	220:  "22003", // arithmetic overflow
	8115: "22003",
}

func translate(err error) error {
	var me mssql.Error
	if !errors.As(err, &me) {
		return err
	}
	state, ok := states[me.SQLErrorNumber()]
	if !ok {
		return err
	}
	return &storage.SQLError{State: state, Message: me.SQLErrorMessage(), Err: err}
}
