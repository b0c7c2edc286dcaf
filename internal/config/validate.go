// Package config provides configuration models and helpers for rowpipe.
//
// This file adds a lightweight linter for Pipeline values. It performs static
// checks over a decoded Pipeline and returns a list of issues (errors and
// warnings) that callers can surface in a CLI or tests.
package config

import (
	"fmt"
	"strings"

	"rowpipe/internal/schema"
)

// IssueSeverity represents the severity of a configuration issue.
type IssueSeverity string

const (
	// SeverityError indicates a configuration error that should block execution.
	SeverityError IssueSeverity = "error"
	// SeverityWarning is surfaced to users but does not block execution.
	SeverityWarning IssueSeverity = "warning"
)

// Issue describes a single validation/lint finding for a Pipeline.
//
// Path is a dotted path into the config (e.g. "storage.kind",
// "target.columns[1].type"). Message is human-readable.
type Issue struct {
	Severity IssueSeverity
	Path     string
	Message  string
}

// Error implements the error interface.
func (i Issue) Error() string {
	return fmt.Sprintf("%s at %s: %s", i.Severity, i.Path, i.Message)
}

// HasErrors reports whether any issue has SeverityError.
func HasErrors(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Modes lists the accepted load modes.
var Modes = []string{"insert", "update", "merge", "replace"}

// ValidatePipeline performs static validation of a Pipeline. It does not
// mutate the pipeline.
func ValidatePipeline(p Pipeline) []Issue {
	var issues []Issue

	if strings.TrimSpace(p.Job) == "" {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "job",
			Message:  "job must not be empty; it is used for metrics labeling and identifying runs",
		})
	}
	issues = append(issues, validateSource(p.Source)...)
	issues = append(issues, validateParser(p.Parser)...)
	issues = append(issues, validateTarget(p.Target, p.Load)...)
	issues = append(issues, validateStorage(p.Storage)...)
	issues = append(issues, validateLoad(p.Load)...)
	issues = append(issues, validateMetrics(p.Metrics)...)
	return issues
}

func validateSource(s Source) []Issue {
	var issues []Issue
	if strings.TrimSpace(s.Kind) == "" {
		return append(issues, Issue{
			Severity: SeverityError,
			Path:     "source.kind",
			Message:  "source.kind must not be empty",
		})
	}
	switch s.Kind {
	case "file":
		if strings.TrimSpace(s.File.Path) == "" {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     "source.file.path",
				Message:  "file source requires a non-empty path",
			})
		}
	case "http":
		if !strings.HasPrefix(s.HTTP.URL, "http://") && !strings.HasPrefix(s.HTTP.URL, "https://") {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     "source.http.url",
				Message:  "http source requires an http(s) url",
			})
		}
		if s.HTTP.MaxRetries < 0 {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     "source.http.max_retries",
				Message:  "max_retries must be >= 0",
			})
		}
	default:
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Path:     "source.kind",
			Message:  fmt.Sprintf("unknown source kind %q; ensure a matching implementation exists", s.Kind),
		})
	}
	switch s.Compression {
	case "", "auto", "gzip", "zstd", "none":
	default:
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "source.compression",
			Message:  fmt.Sprintf("unknown compression %q", s.Compression),
		})
	}
	return issues
}

func validateParser(p Parser) []Issue {
	var issues []Issue
	switch p.Kind {
	case "":
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "parser.kind",
			Message:  "parser.kind must not be empty",
		})
	case "csv":
		if c := p.Options.String("comma", ","); len([]rune(c)) != 1 {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     "parser.options.comma",
				Message:  fmt.Sprintf("comma must be a single character, got %q", c),
			})
		}
	case "json":
	case "xml":
		if strings.TrimSpace(p.Options.String("record_tag", "")) == "" {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     "parser.options.record_tag",
				Message:  "xml parser requires record_tag",
			})
		}
	default:
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "parser.kind",
			Message:  fmt.Sprintf("unknown parser kind %q", p.Kind),
		})
	}
	return issues
}

func validateTarget(t schema.Table, l Load) []Issue {
	var issues []Issue
	if strings.TrimSpace(t.Name) == "" {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "target.table",
			Message:  "target.table must not be empty",
		})
	}
	if len(t.Columns) == 0 {
		return append(issues, Issue{
			Severity: SeverityError,
			Path:     "target.columns",
			Message:  "target.columns must not be empty; at least one destination column is required",
		})
	}

	seen := map[string]int{}
	for i, c := range t.Columns {
		path := fmt.Sprintf("target.columns[%d]", i)
		if c == nil || strings.TrimSpace(c.Name) == "" {
			issues = append(issues, Issue{Severity: SeverityError, Path: path + ".name", Message: "column name must not be empty"})
			continue
		}
		key := strings.ToLower(c.Name)
		if j, dup := seen[key]; dup {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     path + ".name",
				Message:  fmt.Sprintf("duplicate column %q (also target.columns[%d])", c.Name, j),
			})
		}
		seen[key] = i
		if c.Type != "" && !c.Type.Valid() {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     path + ".type",
				Message:  fmt.Sprintf("unknown type %q", c.Type),
			})
		}
		if c.MVColumn != "" && !c.MVEnabled {
			issues = append(issues, Issue{
				Severity: SeverityWarning,
				Path:     path + ".mv_column",
				Message:  "mv_column is set but mv_enabled is false; indicators will be ignored",
			})
		}
		if c.FK != nil && c.FK.AllowImportByAlternateKey && len(c.FK.AltKeys) == 0 && c.FK.TitleColumn == "" {
			issues = append(issues, Issue{
				Severity: SeverityWarning,
				Path:     path + ".fk",
				Message:  "allow_alternate_key is set but no alt_keys or title_column are configured",
			})
		}
	}

	mode := strings.ToLower(l.Mode)
	if mode != "" && mode != "insert" && len(t.Key()) == 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "target.columns",
			Message:  fmt.Sprintf("mode %q requires at least one primary_key column", l.Mode),
		})
	}
	return issues
}

func validateStorage(s Storage) []Issue {
	var issues []Issue
	if strings.TrimSpace(s.Kind) == "" {
		return append(issues, Issue{
			Severity: SeverityError,
			Path:     "storage.kind",
			Message:  "storage.kind must not be empty",
		})
	}
	known := map[string]struct{}{
		"postgres": {},
		"mysql":    {},
		"mssql":    {},
		"sqlite":   {},
	}
	if _, ok := known[s.Kind]; !ok {
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Path:     "storage.kind",
			Message:  fmt.Sprintf("unknown storage kind %q; ensure a matching backend is registered", s.Kind),
		})
	}
	if strings.TrimSpace(s.DSN) == "" {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "storage.dsn",
			Message:  "storage.dsn must not be empty",
		})
	}
	if s.UseCopy && s.Kind != "postgres" {
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Path:     "storage.use_copy",
			Message:  "use_copy only applies to the postgres backend",
		})
	}
	return issues
}

func validateLoad(l Load) []Issue {
	var issues []Issue

	if l.Mode != "" {
		ok := false
		for _, m := range Modes {
			if strings.EqualFold(l.Mode, m) {
				ok = true
			}
		}
		if !ok {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     "load.mode",
				Message:  fmt.Sprintf("unknown mode %q; want one of %s", l.Mode, strings.Join(Modes, ", ")),
			})
		}
	}
	if l.BatchSize < 0 {
		issues = append(issues, Issue{Severity: SeverityError, Path: "load.batch_size", Message: "batch_size must not be negative"})
	}
	if l.MaxRowErrors < 0 {
		issues = append(issues, Issue{Severity: SeverityError, Path: "load.max_row_errors", Message: "max_row_errors must not be negative"})
	}
	if l.Async && l.TxSize > 0 {
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Path:     "load.async",
			Message:  "async execution is disabled when tx_size is set",
		})
	}
	if l.Async && l.ReturnKeys {
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Path:     "load.async",
			Message:  "async execution is disabled when return_keys is set",
		})
	}
	if l.Cache.SpillLimit < 0 || l.Cache.SpillBatch < 0 || l.Cache.Prefetch < 0 {
		issues = append(issues, Issue{Severity: SeverityError, Path: "load.cache", Message: "cache sizes must not be negative"})
	}
	if l.Cache.SpillBatch > 0 && l.Cache.SpillLimit > 0 && l.Cache.SpillBatch > l.Cache.SpillLimit {
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Path:     "load.cache.spill_batch",
			Message:  "spill_batch is larger than spill_limit; every spill will empty the memory window",
		})
	}
	switch l.Sequence.Kind {
	case "", "memory":
	case "bolt":
		if strings.TrimSpace(l.Sequence.Path) == "" {
			issues = append(issues, Issue{Severity: SeverityError, Path: "load.sequence.path", Message: "bolt sequences require a path"})
		}
	default:
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "load.sequence.kind",
			Message:  fmt.Sprintf("unknown sequence kind %q", l.Sequence.Kind),
		})
	}
	return issues
}

func validateMetrics(m Metrics) []Issue {
	switch m.Backend {
	case "", "none", "pushgateway":
	case "datadog":
		if strings.TrimSpace(m.StatsdAddr) == "" {
			return []Issue{{
				Severity: SeverityWarning,
				Path:     "metrics.statsd_addr",
				Message:  "no statsd_addr; set it here, with --statsd-addr or with STATSD_ADDR",
			}}
		}
	default:
		return []Issue{{
			Severity: SeverityWarning,
			Path:     "metrics.backend",
			Message:  fmt.Sprintf("unknown metrics backend %q; metrics will be disabled", m.Backend),
		}}
	}
	return nil
}
