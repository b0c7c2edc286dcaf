package dataiter

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"rowpipe/internal/config"
)

// InsertMode selects how rows are written to the destination.
type InsertMode int

const (
	ModeInsert InsertMode = iota
	ModeUpdate
	ModeMerge
	ModeReplace
)

func (m InsertMode) String() string {
	switch m {
	case ModeUpdate:
		return "update"
	case ModeMerge:
		return "merge"
	case ModeReplace:
		return "replace"
	}
	return "insert"
}

// ParseMode maps a config value to an InsertMode. Empty means insert.
func ParseMode(s string) (InsertMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "insert", "import":
		return ModeInsert, nil
	case "update":
		return ModeUpdate, nil
	case "merge":
		return ModeMerge, nil
	case "replace":
		return ModeReplace, nil
	}
	return ModeInsert, fmt.Errorf("unknown insert mode %q", s)
}

const (
	defaultFailFastErrors = 1
	defaultTolerantErrors = 1000
)

// DefaultMissingValues are the indicators accepted when none are configured.
var DefaultMissingValues = map[string]string{
	"Q": "Data currently under quality control review.",
	"N": "Required field marked by site as 'data not available'.",
}

// RunContext is the configuration and error state shared by every stage of
// one run. Settings may only change before the first row is pulled.
type RunContext struct {
	mode         InsertMode
	failFast     bool
	maxRowErrors int
	verbose      bool

	allowAltKey     bool
	autoIncPassthru bool
	dataSource      string
	missingValues   map[string]string
	options         config.Options

	errors *ErrorSink
	log    zerolog.Logger
	frozen atomic.Bool

	stampOnce sync.Once
	stamp     time.Time
}

// NewRunContext returns a fail-fast insert context with the given logger.
func NewRunContext(log zerolog.Logger) *RunContext {
	return &RunContext{
		failFast:      true,
		maxRowErrors:  -1,
		missingValues: DefaultMissingValues,
		options:       config.Options{},
		errors:        NewErrorSink(false),
		log:           log,
	}
}

// FromLoad builds a RunContext from the load section of a pipeline config.
func FromLoad(l config.Load, log zerolog.Logger) (*RunContext, error) {
	mode, err := ParseMode(l.Mode)
	if err != nil {
		return nil, err
	}
	rc := NewRunContext(log)
	rc.SetInsertMode(mode)
	rc.SetFailFast(l.FailFast)
	if l.MaxRowErrors > 0 {
		rc.SetMaxRowErrors(l.MaxRowErrors)
	}
	rc.SetVerbose(l.Verbose)
	rc.SetAllowImportByAlternateKey(l.AllowImportByAlternateKey)
	rc.SetAutoIncrementPassthrough(l.AutoIncrementPassthrough)
	rc.SetDataSource(l.DataSource)
	if len(l.MissingValues) > 0 {
		rc.SetMissingValues(l.MissingValues)
	}
	return rc, nil
}

func (rc *RunContext) mutable() {
	if rc.frozen.Load() {
		panic("dataiter: RunContext modified after the run started")
	}
}

// Freeze marks the context read-only. Stages call it on their first Next.
func (rc *RunContext) Freeze() { rc.frozen.Store(true) }

func (rc *RunContext) SetInsertMode(m InsertMode) { rc.mutable(); rc.mode = m }
func (rc *RunContext) InsertMode() InsertMode     { return rc.mode }

// SetFailFast toggles fail-fast. It also moves the default error limit
// between 1 and 1000 unless a limit was set explicitly.
func (rc *RunContext) SetFailFast(b bool) { rc.mutable(); rc.failFast = b }
func (rc *RunContext) FailFast() bool     { return rc.failFast }

// SetMaxRowErrors sets an explicit error limit.
func (rc *RunContext) SetMaxRowErrors(n int) { rc.mutable(); rc.maxRowErrors = n }

// MaxRowErrors returns the explicit limit or the fail-fast dependent default.
func (rc *RunContext) MaxRowErrors() int {
	if rc.maxRowErrors >= 0 {
		return rc.maxRowErrors
	}
	if rc.failFast {
		return defaultFailFastErrors
	}
	return defaultTolerantErrors
}

// SetVerbose controls whether repeated field errors are reported. It
// replaces the sink, so call it before any error is recorded.
func (rc *RunContext) SetVerbose(b bool) {
	rc.mutable()
	rc.verbose = b
	rc.errors = NewErrorSink(b)
}
func (rc *RunContext) Verbose() bool { return rc.verbose }

func (rc *RunContext) SetAllowImportByAlternateKey(b bool) { rc.mutable(); rc.allowAltKey = b }
func (rc *RunContext) AllowImportByAlternateKey() bool     { return rc.allowAltKey }

func (rc *RunContext) SetAutoIncrementPassthrough(b bool) { rc.mutable(); rc.autoIncPassthru = b }
func (rc *RunContext) AutoIncrementPassthrough() bool     { return rc.autoIncPassthru }

func (rc *RunContext) SetDataSource(s string) { rc.mutable(); rc.dataSource = s }
func (rc *RunContext) DataSource() string     { return rc.dataSource }

// SetMissingValues replaces the set of accepted missing-value indicators.
func (rc *RunContext) SetMissingValues(m map[string]string) { rc.mutable(); rc.missingValues = m }

// IsMissingValue reports whether s is an accepted indicator.
func (rc *RunContext) IsMissingValue(s string) bool {
	_, ok := rc.missingValues[s]
	return ok
}

// SetOptions installs the free-form configuration map.
func (rc *RunContext) SetOptions(o config.Options) {
	rc.mutable()
	if o == nil {
		o = config.Options{}
	}
	rc.options = o
}
func (rc *RunContext) Options() config.Options { return rc.options }

// Timestamp returns the run's timestamp, fixed the first time it is asked
// for. Every timestamp column of the run shares it.
func (rc *RunContext) Timestamp() time.Time {
	rc.stampOnce.Do(func() { rc.stamp = time.Now().UTC() })
	return rc.stamp
}

// Errors returns the shared sink.
func (rc *RunContext) Errors() *ErrorSink { return rc.errors }

// Logger returns the run logger.
func (rc *RunContext) Logger() *zerolog.Logger { return &rc.log }

// ShouldCancel reports whether the error policy requires the run to stop.
func (rc *RunContext) ShouldCancel() bool {
	if rc.failFast && rc.errors.HasErrors() {
		return true
	}
	return rc.errors.RowErrorCount() > rc.MaxRowErrors()
}

// CheckShouldCancel returns an *AbortError when the run must stop.
func (rc *RunContext) CheckShouldCancel() error {
	if rc.ShouldCancel() {
		row := rc.errors.LastRow()
		if row == SetupRow {
			row = 0
		}
		return &AbortError{Errors: rc.errors, Row: row}
	}
	return nil
}

// Abort records err against row and returns the abort error to propagate.
func (rc *RunContext) Abort(row int, err error) error {
	rc.errors.AddRowError(row, err)
	return &AbortError{Errors: rc.errors, Row: row}
}
