package dataiter

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// SetupRow is the pseudo row ordinal used for errors found while a pipeline
// is being built, before any row has been read.
const SetupRow = -1

var (
	// ErrAborted is matched by every *AbortError.
	ErrAborted = errors.New("dataiter: run aborted")

	// ErrConfigured is returned when a stage is reconfigured after it began
	// producing rows.
	ErrConfigured = errors.New("dataiter: stage already started")

	// ErrTableDeleted is the optimistic-conflict error recorded when the
	// destination table disappears while rows are being written.
	ErrTableDeleted = errors.New("table was deleted while the import was running")
)

// FieldError is a validation failure scoped to one field of one row.
type FieldError struct {
	Field   string
	Message string
	// Repeated marks a field error already reported for an earlier row. It
	// is kept for counting but left out of summaries unless verbose.
	Repeated bool
}

func (e FieldError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// RowErrors collects everything recorded against one row ordinal.
type RowErrors struct {
	Row    int
	Global []error
	Fields []FieldError
}

// Messages returns the row's error messages, skipping repeated field errors
// unless all is true.
func (r RowErrors) Messages(all bool) []string {
	var out []string
	for _, e := range r.Global {
		out = append(out, e.Error())
	}
	for _, f := range r.Fields {
		if f.Repeated && !all {
			continue
		}
		out = append(out, f.Error())
	}
	return out
}

// ErrorSink is the shared collector of per-row errors for one run. It is safe
// for concurrent use; the statement stage's background worker writes to it.
type ErrorSink struct {
	mu      sync.Mutex
	verbose bool
	rows    map[int]*RowErrors
	order   []int
	last    int
	fields  map[string]struct{}
}

// NewErrorSink returns an empty sink.
func NewErrorSink(verbose bool) *ErrorSink {
	return &ErrorSink{
		verbose: verbose,
		rows:    map[int]*RowErrors{},
		fields:  map[string]struct{}{},
	}
}

func (s *ErrorSink) row(ordinal int) *RowErrors {
	s.last = ordinal
	r, ok := s.rows[ordinal]
	if !ok {
		r = &RowErrors{Row: ordinal}
		s.rows[ordinal] = r
		s.order = append(s.order, ordinal)
	}
	return r
}

// AddFieldError records a field-scoped error against row ordinal.
func (s *ErrorSink) AddFieldError(ordinal int, field, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToLower(field)
	_, seen := s.fields[key]
	s.fields[key] = struct{}{}
	r := s.row(ordinal)
	for _, f := range r.Fields {
		if strings.EqualFold(f.Field, field) && f.Message == msg {
			return
		}
	}
	r.Fields = append(r.Fields, FieldError{Field: field, Message: msg, Repeated: seen && !s.verbose})
}

// AddRowError records an error against the whole row.
func (s *ErrorSink) AddRowError(ordinal int, err error) {
	if err == nil {
		return
	}
	var fe FieldError
	if errors.As(err, &fe) {
		s.AddFieldError(ordinal, fe.Field, fe.Message)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.row(ordinal)
	r.Global = append(r.Global, err)
}

// AddSetupError records an error found while building the pipeline.
func (s *ErrorSink) AddSetupError(err error) {
	s.AddRowError(SetupRow, err)
}

// HasErrors reports whether anything has been recorded.
func (s *ErrorSink) HasErrors() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order) > 0
}

// RowErrorCount returns the number of distinct rows (including the setup
// pseudo row) that carry at least one error.
func (s *ErrorSink) RowErrorCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// LastRow returns the ordinal of the most recently recorded error, 0 when
// nothing has been recorded.
func (s *ErrorSink) LastRow() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// HasSetupErrors reports whether setup errors were recorded.
func (s *ErrorSink) HasSetupErrors() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rows[SetupRow]
	return ok
}

// Rows returns a snapshot of the recorded rows in insertion order.
func (s *ErrorSink) Rows() []RowErrors {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RowErrors, 0, len(s.order))
	for _, ord := range s.order {
		r := s.rows[ord]
		out = append(out, RowErrors{
			Row:    r.Row,
			Global: append([]error(nil), r.Global...),
			Fields: append([]FieldError(nil), r.Fields...),
		})
	}
	return out
}

// For returns the errors recorded for one row.
func (s *ErrorSink) For(ordinal int) (RowErrors, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[ordinal]
	if !ok {
		return RowErrors{}, false
	}
	return RowErrors{Row: r.Row, Global: append([]error(nil), r.Global...), Fields: append([]FieldError(nil), r.Fields...)}, true
}

// Error summarizes the sink; it lets a sink travel as an error value.
func (s *ErrorSink) Error() string {
	rows := s.Rows()
	if len(rows) == 0 {
		return "no errors"
	}
	var b strings.Builder
	for i, r := range rows {
		if i > 0 {
			b.WriteString("; ")
		}
		if r.Row == SetupRow {
			b.WriteString("setup: ")
		} else {
			fmt.Fprintf(&b, "row %d: ", r.Row)
		}
		msgs := r.Messages(s.verbose)
		if len(msgs) == 0 {
			msgs = r.Messages(true)[:1]
		}
		b.WriteString(strings.Join(msgs, ", "))
	}
	return b.String()
}

// AbortError stops a run. It carries the sink so callers can report every
// recorded error.
type AbortError struct {
	Errors *ErrorSink
	// Row is the last row ordinal the pump attempted, 0 when unknown.
	Row int
	// Cause is set for fatal errors that were not row-scoped.
	Cause error
}

func (e *AbortError) Error() string {
	var b strings.Builder
	b.WriteString("import aborted")
	if e.Row > 0 {
		fmt.Fprintf(&b, " at row %d", e.Row)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	if e.Errors != nil && e.Errors.HasErrors() {
		b.WriteString(": ")
		b.WriteString(e.Errors.Error())
	}
	return b.String()
}

func (e *AbortError) Is(target error) bool { return target == ErrAborted }

func (e *AbortError) Unwrap() error { return e.Cause }
