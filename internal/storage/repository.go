// Package storage contains the storage-agnostic contracts the pipeline writes
// through, the backend registry, SQL generation per insert mode and dialect,
// and the classification of driver errors into SQLSTATE classes.
//
// Backends (postgres, sqlite, mysql, mssql) live in subpackages and register
// a Factory at init time; callers open a Repository with New and never import
// drivers directly.
package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"rowpipe/internal/schema"
)

// Repository is one open database.
type Repository interface {
	Dialect() Dialect

	// Session returns a dedicated connection for one run.
	Session(ctx context.Context) (Session, error)

	// Exec runs a statement outside any session (typically DDL).
	Exec(ctx context.Context, sql string) error

	// LookupMap returns every value of valueCol keyed by the text form of
	// keyCol. A key with more than one value is ambiguous to callers.
	LookupMap(ctx context.Context, table, keyCol, valueCol string) (map[string][]any, error)

	// FetchRecords returns the rows whose key columns match one of keys,
	// keyed by KeyString of their key values. Column names are lower case.
	FetchRecords(ctx context.Context, table string, keyCols []string, keys [][]any) (map[string]map[string]any, error)

	Close()
}

// Session is a single connection with explicit transaction control. A
// Session and its statements are used by one goroutine at a time.
type Session interface {
	Prepare(ctx context.Context, spec StatementSpec) (Statement, error)
	Begin(ctx context.Context) error
	Commit(ctx context.Context) error
	// CommitAndContinue commits and immediately opens a new transaction on
	// the same connection.
	CommitAndContinue(ctx context.Context) error
	Rollback(ctx context.Context) error
	InTransaction() bool
	Close() error
}

// Statement is a parameterized write bound one row at a time.
type Statement interface {
	// Parameters lists the bound parameters in placeholder order.
	Parameters() []Parameter
	ParameterIndex(name string) (int, bool)
	ClearParameters()
	SetParameter(i int, v any)

	// AddBatch queues the current parameter values and clears them.
	AddBatch()
	Pending() int

	// ExecuteBatch runs every queued row. A failing row is reported as a
	// *BatchError carrying its index in the batch; the queue is cleared
	// either way.
	ExecuteBatch(ctx context.Context) error

	// Execute runs the current parameter values as a single row.
	Execute(ctx context.Context) error

	// GeneratedKey is the key returned by the last Execute, if the statement
	// was prepared with Returning.
	GeneratedKey() any
	Close() error
}

// Parameter is a statement parameter. Parameters are bound to upstream
// columns by PropertyURI first, then by name.
type Parameter struct {
	Name        string
	PropertyURI string
}

// Mode is the write shape of a statement.
type Mode string

const (
	ModeInsert  Mode = "insert"
	ModeUpdate  Mode = "update"
	ModeMerge   Mode = "merge"
	ModeReplace Mode = "replace"
)

// StatementSpec describes the statement to prepare.
type StatementSpec struct {
	Table string
	Mode  Mode
	// Columns are the columns supplied by the pipeline, in parameter order.
	Columns []*schema.Column
	// Keys names the key columns for update, merge and replace.
	Keys []string
	// TableColumns lists every column of the table; replace sets the ones
	// not supplied to NULL.
	TableColumns []string
	// Returning names a generated column to read back after Execute.
	Returning string
}

// Config selects and configures a backend.
type Config struct {
	Kind string
	DSN  string

	// UseCopy lets backends with a bulk-load path use it for plain insert
	// batches.
	UseCopy bool

	// MaxConns caps the connection pool; zero keeps the driver default.
	MaxConns int
}

// Factory opens a Repository for a backend.
type Factory func(ctx context.Context, cfg Config) (Repository, error)

var (
	regMu     sync.RWMutex
	factories = map[string]Factory{}
)

// Register registers (or replaces) the factory for kind.
func Register(kind string, f Factory) {
	regMu.Lock()
	defer regMu.Unlock()
	factories[kind] = f
}

// ListKinds returns the registered kinds, sorted. The slice is a copy.
func ListKinds() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// New opens a Repository of cfg.Kind.
func New(ctx context.Context, cfg Config) (Repository, error) {
	regMu.RLock()
	f, ok := factories[strings.ToLower(cfg.Kind)]
	if !ok {
		f, ok = factories[cfg.Kind]
	}
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported storage.kind=%s", cfg.Kind)
	}
	return f(ctx, cfg)
}

// KeyString is the canonical text form of a key tuple, used to match keys
// read from the database against keys taken from rows.
func KeyString(vals []any) string {
	var b strings.Builder
	for i, v := range vals {
		if i > 0 {
			b.WriteByte('\x1f')
		}
		switch x := v.(type) {
		case nil:
		case []byte:
			b.Write(x)
		default:
			fmt.Fprint(&b, x)
		}
	}
	return b.String()
}
