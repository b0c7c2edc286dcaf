// Package sqlite implements a SQLite-backed storage.Repository.
package sqlite

// Config holds SQLite repository configuration derived from storage.Config.
type Config struct {
	// DSN is a SQLite connection string or file path, e.g.:
	//   "file:rowpipe.db?cache=shared"
	//   "rowpipe.db" (interpreted by the driver)
	DSN string

	// MaxConns caps open connections; zero keeps the database/sql default.
	MaxConns int
}
