// Package mysql implements a MySQL-backed storage.Repository on
// database/sql with go-sql-driver/mysql. Upserts use ON DUPLICATE KEY
// UPDATE and generated keys come back through LastInsertId.
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"

	"rowpipe/internal/storage"
	"rowpipe/internal/storage/sqldb"
)

// Config holds MySQL repository configuration.
type Config struct {
	DSN      string
	MaxConns int
}

// Repository is a MySQL-backed implementation of storage.Repository.
type Repository struct {
	*sqldb.Repository
	cfg Config
}

// NewRepository validates the DSN, opens the pool and returns a Close
// function for cleanup. parseTime is forced on so DATE and DATETIME columns
// scan into time.Time.
func NewRepository(ctx context.Context, cfg Config) (*Repository, func(), error) {
	dc, err := mysql.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("mysql dsn: %w", err)
	}
	dc.ParseTime = true
	db, err := sql.Open("mysql", dc.FormatDSN())
	if err != nil {
		return nil, nil, fmt.Errorf("sql.Open: %w", err)
	}
	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("ping: %w", err)
	}
	closeFn := func() { _ = db.Close() }
	return &Repository{
		Repository: sqldb.New(db, sqldb.Options{Dialect: storage.MySQL, Translate: translate}),
		cfg:        cfg,
	}, closeFn, nil
}

// translate carries the server's SQLSTATE through. MySQL reports a missing
// table as 42S02 already.
func translate(err error) error {
	var me *mysql.MySQLError
	if !errors.As(err, &me) || me.SQLState == [5]byte{} {
		return err
	}
	return &storage.SQLError{State: string(me.SQLState[:]), Message: me.Message, Err: err}
}
