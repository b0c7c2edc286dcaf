// Package config defines the configuration model for a rowpipe import and the
// helpers used to load it. A pipeline names where rows come from, how they
// are parsed, the destination table they are reconciled against, where the
// table lives, and the load policy (insert mode, error limits, batching).
//
// Pipelines are loaded with koanf from one or more JSON or YAML files, with
// command-line flags layered on top and a small set of ROWPIPE_* environment
// overrides for the knobs operators tune most often.
//
// Example (trimmed):
//
//	{
//	  "job":     "people",
//	  "source":  { "kind": "file", "file": { "path": "people.csv" } },
//	  "parser":  { "kind": "csv", "options": { "has_header": true } },
//	  "target":  { "table": "people", "columns": [ { "name": "id", "type": "int", "primary_key": true } ] },
//	  "storage": { "kind": "sqlite", "dsn": "file:people.db", "auto_create_table": true },
//	  "load":    { "mode": "insert", "batch_size": 500 }
//	}
package config

import (
	"encoding/json"

	"rowpipe/internal/schema"
)

// Pipeline is the top-level object decoded from a pipeline file.
type Pipeline struct {
	// Job labels the run in logs and metrics.
	Job string `json:"job" koanf:"job"`

	Source  Source       `json:"source" koanf:"source"`
	Parser  Parser       `json:"parser" koanf:"parser"`
	Target  schema.Table `json:"target" koanf:"target"`
	Storage Storage      `json:"storage" koanf:"storage"`
	Load    Load         `json:"load" koanf:"load"`
	Metrics Metrics      `json:"metrics" koanf:"metrics"`
	Logging Logging      `json:"logging" koanf:"logging"`
}

// Source identifies the data source.
type Source struct {
	// Kind selects the source implementation: "file" or "http".
	Kind string     `json:"kind" koanf:"kind"`
	File SourceFile `json:"file" koanf:"file"`
	HTTP SourceHTTP `json:"http" koanf:"http"`

	// Compression is "auto" (by file extension, the default), "gzip",
	// "zstd" or "none".
	Compression string `json:"compression" koanf:"compression"`
}

// SourceHTTP holds configuration for the "http" source kind.
type SourceHTTP struct {
	URL                string            `json:"url" koanf:"url"`
	Headers            map[string]string `json:"headers" koanf:"headers"`
	TimeoutSeconds     int               `json:"timeout_seconds" koanf:"timeout_seconds"`
	MaxRetries         int               `json:"max_retries" koanf:"max_retries"`
	InsecureSkipVerify bool              `json:"insecure_skip_verify" koanf:"insecure_skip_verify"`
}

// SourceFile holds configuration for the "file" source kind.
type SourceFile struct {
	Path string `json:"path" koanf:"path"`
}

// Parser selects how raw bytes are turned into rows.
type Parser struct {
	// Kind is "csv", "json" or "xml".
	Kind string `json:"kind" koanf:"kind"`

	// Options is interpreted by the parser. For CSV typical keys are
	// has_header (bool), comma (string), trim_space (bool), lazy_quotes
	// (bool), header_map (object). For JSON: columns ([]string),
	// records_path (string), header_map (object).
	Options Options `json:"options" koanf:"options"`
}

// Storage selects the database that receives the rows.
type Storage struct {
	// Kind is one of "postgres", "sqlite", "mysql", "mssql".
	Kind string `json:"kind" koanf:"kind"`
	DSN  string `json:"dsn" koanf:"dsn"`

	// AutoCreateTable creates the target table from its descriptor when it
	// does not already exist.
	AutoCreateTable bool `json:"auto_create_table" koanf:"auto_create_table"`

	// UseCopy lets the postgres backend flush insert batches with COPY.
	UseCopy bool `json:"use_copy" koanf:"use_copy"`
}

// Load is the load policy of a run.
type Load struct {
	// Mode is "insert", "update", "merge" or "replace". Empty means insert.
	Mode string `json:"mode" koanf:"mode"`

	FailFast bool `json:"fail_fast" koanf:"fail_fast"`

	// MaxRowErrors overrides the error limit. Zero keeps the default, which
	// depends on FailFast.
	MaxRowErrors int  `json:"max_row_errors" koanf:"max_row_errors"`
	Verbose      bool `json:"verbose" koanf:"verbose"`

	// BatchSize is the number of rows per executed batch; zero picks a
	// default from the number of statements. TxSize commits every TxSize rows
	// without releasing the connection; zero or negative disables it.
	BatchSize int  `json:"batch_size" koanf:"batch_size"`
	TxSize    int  `json:"tx_size" koanf:"tx_size"`
	Async     bool `json:"async" koanf:"async"`

	AllowImportByAlternateKey bool   `json:"allow_import_by_alternate_key" koanf:"allow_import_by_alternate_key"`
	AutoIncrementPassthrough  bool   `json:"auto_increment_passthrough" koanf:"auto_increment_passthrough"`
	DataSource                string `json:"data_source" koanf:"data_source"`

	// ReturnKeys reads back generated keys for every inserted row.
	ReturnKeys bool `json:"return_keys" koanf:"return_keys"`

	// Embargo holds each row back from downstream stages until the batch
	// that wrote it has been executed.
	Embargo bool `json:"embargo" koanf:"embargo"`

	// TrimStrings trims and NFC-normalizes text values before conversion.
	TrimStrings bool `json:"trim_strings" koanf:"trim_strings"`

	// MissingValues maps each accepted missing-value indicator to its label.
	MissingValues map[string]string `json:"missing_values" koanf:"missing_values"`

	// BuiltIns controls the standard audit columns populated on insert.
	BuiltIns BuiltIns `json:"builtins" koanf:"builtins"`

	Cache    Cache    `json:"cache" koanf:"cache"`
	Sequence Sequence `json:"sequence" koanf:"sequence"`
}

// BuiltIns carries the values of the standard audit columns.
type BuiltIns struct {
	Container string `json:"container" koanf:"container"`
	UserID    int64  `json:"user_id" koanf:"user_id"`

	// Passthrough keeps audit values supplied by the source.
	Passthrough bool `json:"passthrough" koanf:"passthrough"`
}

// Cache configures the rewindable row cache used by prefetching stages.
type Cache struct {
	// Prefetch is the number of rows peeked ahead to fetch existing records
	// in one query; zero disables prefetching.
	Prefetch int `json:"prefetch" koanf:"prefetch"`

	// SpillLimit is the number of rows kept in memory before the oldest are
	// written to disk; zero keeps everything in memory.
	SpillLimit int    `json:"spill_limit" koanf:"spill_limit"`
	SpillBatch int    `json:"spill_batch" koanf:"spill_batch"`
	SpillDir   string `json:"spill_dir" koanf:"spill_dir"`
}

// Sequence selects the counter service behind sequence columns.
type Sequence struct {
	// Kind is "memory" or "bolt".
	Kind  string `json:"kind" koanf:"kind"`
	Path  string `json:"path" koanf:"path"`
	Block int    `json:"block" koanf:"block"`
}

// Metrics selects the metrics backend.
type Metrics struct {
	// Backend is "pushgateway", "datadog" or "none".
	Backend        string `json:"backend" koanf:"backend"`
	PushgatewayURL string `json:"pushgateway_url" koanf:"pushgateway_url"`
	StatsdAddr     string `json:"statsd_addr" koanf:"statsd_addr"`
}

// Logging configures the process logger.
type Logging struct {
	Level   string `json:"level" koanf:"level"`
	Console bool   `json:"console" koanf:"console"`
}

// Options is a small helper to fetch typed values from free-form maps. It
// performs minimal coercion and returns the provided default when a key is
// absent or of an unexpected type.
type Options map[string]any

// String returns the string value for key or def.
func (o Options) String(key, def string) string {
	if v, ok := o[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

// Bool returns the bool value for key or def.
func (o Options) Bool(key string, def bool) bool {
	if v, ok := o[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}

// Int returns the int value for key or def. JSON numbers decode as float64
// and YAML numbers as int or int64; all three are accepted.
func (o Options) Int(key string, def int) int {
	if v, ok := o[key]; ok {
		switch n := v.(type) {
		case float64:
			return int(n)
		case int:
			return n
		case int64:
			return int(n)
		}
	}
	return def
}

// Rune returns the first rune of a string value for key, or def.
func (o Options) Rune(key string, def rune) rune {
	if v, ok := o[key]; ok {
		if s, ok := v.(string); ok && len(s) > 0 {
			return []rune(s)[0]
		}
	}
	return def
}

// StringMap returns the string-valued entries of an object value.
func (o Options) StringMap(key string) map[string]string {
	res := map[string]string{}
	if v, ok := o[key]; ok {
		if m, ok := v.(map[string]any); ok {
			for k, vv := range m {
				if s, ok := vv.(string); ok {
					res[k] = s
				}
			}
		}
	}
	return res
}

// StringSlice returns a []string for an array value, or nil.
func (o Options) StringSlice(key string) []string {
	if v, ok := o[key]; ok {
		switch vv := v.(type) {
		case []any:
			out := make([]string, 0, len(vv))
			for _, x := range vv {
				if s, ok := x.(string); ok {
					out = append(out, s)
				}
			}
			return out
		case []string:
			return vv
		}
	}
	return nil
}

// Any returns the raw value for key.
func (o Options) Any(key string) any {
	return o[key]
}

// UnmarshalJSON decodes a missing or null object to an empty, non-nil map.
func (o *Options) UnmarshalJSON(b []byte) error {
	var tmp map[string]any
	if len(b) == 0 || string(b) == "null" {
		*o = Options{}
		return nil
	}
	if err := json.Unmarshal(b, &tmp); err != nil {
		return err
	}
	*o = Options(tmp)
	return nil
}
