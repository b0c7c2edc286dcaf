package sqlite

import (
	"errors"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"rowpipe/internal/storage"
)

// translate maps SQLite result codes onto SQLSTATE values. SQLite reports
// every integrity failure as SQLITE_CONSTRAINT; the extended code picks the
// matching class 23 state.
func translate(err error) error {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return err
	}
	code := se.Code()
	state := ""
	switch code {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		state = "23505"
	case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
		state = "23503"
	case sqlite3.SQLITE_CONSTRAINT_NOTNULL:
		state = "23502"
	case sqlite3.SQLITE_CONSTRAINT_CHECK:
		state = "23514"
	default:
		switch code & 0xff {
		case sqlite3.SQLITE_CONSTRAINT:
			state = "23000"
		case sqlite3.SQLITE_MISMATCH, sqlite3.SQLITE_TOOBIG, sqlite3.SQLITE_RANGE:
			state = "22000"
		case sqlite3.SQLITE_ERROR:
			if strings.Contains(se.Error(), "no such table") {
				state = "42S02"
			}
		}
	}
	if state == "" {
		return err
	}
	return &storage.SQLError{State: state, Message: se.Error(), Err: err}
}
