package storage

import (
	"errors"
	"fmt"
	"strings"
)

// ErrRowNotFound is returned for an update that matched no row.
var ErrRowNotFound = errors.New("row not found")

// SQLError is a driver error translated to a SQLSTATE. Backends translate
// their native errors into it so the pipeline can classify failures without
// importing drivers.
type SQLError struct {
	State   string
	Message string
	Err     error
}

func (e *SQLError) Error() string {
	if e.Message == "" && e.Err != nil {
		return fmt.Sprintf("%s (SQLSTATE %s)", e.Err, e.State)
	}
	return fmt.Sprintf("%s (SQLSTATE %s)", e.Message, e.State)
}

func (e *SQLError) Unwrap() error { return e.Err }

// BatchError reports the row of a batch that failed. Index is the row's
// position in the batch, or -1 when the driver cannot tell (bulk loads).
type BatchError struct {
	Index int
	Err   error
}

func (e *BatchError) Error() string {
	if e.Index < 0 {
		return "batch: " + e.Err.Error()
	}
	return fmt.Sprintf("batch row %d: %s", e.Index, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// Class is the pipeline's view of a write failure.
type Class int

const (
	// ClassFatal aborts the run; the connection may be unusable.
	ClassFatal Class = iota
	// ClassData is SQLSTATE class 22, a bad value in the row.
	ClassData
	// ClassConstraint is SQLSTATE class 23, an integrity violation.
	ClassConstraint
	// ClassMissingObject means the target table no longer exists.
	ClassMissingObject
	// ClassNotFound is an update that matched no row.
	ClassNotFound
)

func (c Class) String() string {
	switch c {
	case ClassData:
		return "data"
	case ClassConstraint:
		return "constraint"
	case ClassMissingObject:
		return "missing_object"
	case ClassNotFound:
		return "not_found"
	}
	return "fatal"
}

// Classify returns the class of err.
func Classify(err error) Class {
	if errors.Is(err, ErrRowNotFound) {
		return ClassNotFound
	}
	var se *SQLError
	if !errors.As(err, &se) {
		return ClassFatal
	}
	switch {
	case strings.HasPrefix(se.State, "22"):
		return ClassData
	case strings.HasPrefix(se.State, "23"):
		return ClassConstraint
	case se.State == "42P01" || se.State == "42S02":
		return ClassMissingObject
	}
	return ClassFatal
}
