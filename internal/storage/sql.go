package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"rowpipe/internal/schema"
)

// BuildStatement renders the SQL for spec and lists its parameters in
// placeholder order.
//
//	insert   INSERT of the supplied columns
//	update   UPDATE of the supplied non-key columns WHERE keys match
//	merge    upsert; existing rows keep columns that were not supplied
//	replace  upsert; existing rows get NULL in columns that were not supplied
func BuildStatement(d Dialect, spec StatementSpec) (string, []Parameter, error) {
	if spec.Table == "" {
		return "", nil, errors.New("statement: table is required")
	}
	if len(spec.Columns) == 0 {
		return "", nil, fmt.Errorf("statement: no columns for %s", spec.Table)
	}
	cols := make([]string, len(spec.Columns))
	params := make([]Parameter, len(spec.Columns))
	supplied := make(map[string]bool, len(spec.Columns))
	for i, c := range spec.Columns {
		cols[i] = c.Name
		params[i] = Parameter{Name: c.Name, PropertyURI: c.PropertyURI}
		supplied[strings.ToLower(c.Name)] = true
	}
	mode := spec.Mode
	if mode == "" {
		mode = ModeInsert
	}
	if mode == ModeInsert {
		return d.Insert(spec.Table, cols, spec.Returning), params, nil
	}

	if len(spec.Keys) == 0 {
		return "", nil, fmt.Errorf("statement: %s into %s needs key columns", mode, spec.Table)
	}
	isKey := make(map[string]bool, len(spec.Keys))
	for _, k := range spec.Keys {
		if !supplied[strings.ToLower(k)] {
			return "", nil, fmt.Errorf("statement: key column %s of %s is not supplied", k, spec.Table)
		}
		isKey[strings.ToLower(k)] = true
	}
	var update []string
	var updateParams, keyParams []Parameter
	for i, c := range cols {
		if isKey[strings.ToLower(c)] {
			keyParams = append(keyParams, params[i])
			continue
		}
		update = append(update, c)
		updateParams = append(updateParams, params[i])
	}

	switch mode {
	case ModeUpdate:
		if len(update) == 0 {
			return "", nil, fmt.Errorf("statement: update of %s has no non-key columns", spec.Table)
		}
		sets := make([]string, len(update))
		for i, c := range update {
			sets[i] = fmt.Sprintf("%s = %s", d.Quote(c), d.Placeholder(i+1))
		}
		where := make([]string, len(keyParams))
		for i, k := range keyParams {
			where[i] = fmt.Sprintf("%s = %s", d.Quote(k.Name), d.Placeholder(len(update)+i+1))
		}
		q := fmt.Sprintf("UPDATE %s SET %s WHERE %s", QuoteTable(d, spec.Table),
			strings.Join(sets, ", "), strings.Join(where, " AND "))
		return q, append(updateParams, keyParams...), nil
	case ModeMerge:
		return d.Upsert(spec.Table, cols, spec.Keys, update, nil), params, nil
	case ModeReplace:
		var nullify []string
		for _, c := range spec.TableColumns {
			l := strings.ToLower(c)
			if !supplied[l] && !isKey[l] {
				nullify = append(nullify, c)
			}
		}
		return d.Upsert(spec.Table, cols, spec.Keys, update, nullify), params, nil
	}
	return "", nil, fmt.Errorf("statement: unknown mode %q", mode)
}

// SelectByKeys renders a SELECT * of the rows matching any of n key tuples
// and returns it with the flattened arguments.
func SelectByKeys(d Dialect, table string, keyCols []string, keys [][]any) (string, []any) {
	args := make([]any, 0, len(keys)*len(keyCols))
	ors := make([]string, 0, len(keys))
	for _, k := range keys {
		ands := make([]string, len(keyCols))
		for j, c := range keyCols {
			args = append(args, k[j])
			ands[j] = fmt.Sprintf("%s = %s", d.Quote(c), d.Placeholder(len(args)))
		}
		ors = append(ors, "("+strings.Join(ands, " AND ")+")")
	}
	return fmt.Sprintf("SELECT * FROM %s WHERE %s", QuoteTable(d, table), strings.Join(ors, " OR ")), args
}

// SelectPairs renders the query behind Repository.LookupMap.
func SelectPairs(d Dialect, table, keyCol, valueCol string) string {
	return fmt.Sprintf("SELECT %s, %s FROM %s", d.Quote(keyCol), d.Quote(valueCol), QuoteTable(d, table))
}

// CreateTableSQL renders the DDL for t.
func CreateTableSQL(d Dialect, t *schema.Table) (string, error) {
	return d.CreateTable(t)
}

// DDLExecer runs DDL in one dialect. Every Repository is one, and so are the
// backend repositories before they are wrapped.
type DDLExecer interface {
	Dialect() Dialect
	Exec(ctx context.Context, sql string) error
}

// EnsureTable creates t when it does not exist.
func EnsureTable(ctx context.Context, repo DDLExecer, t *schema.Table) error {
	q, err := CreateTableSQL(repo.Dialect(), t)
	if err != nil {
		return fmt.Errorf("infer table definition: %w", err)
	}
	if err := repo.Exec(ctx, q); err != nil {
		return fmt.Errorf("apply DDL: %w", err)
	}
	return nil
}

// Record builds a FetchRecords entry from parallel column and value slices.
// Column names are lower-cased and the key is KeyString of the key columns.
func Record(cols []string, vals []any, keyCols []string) (string, map[string]any) {
	rec := make(map[string]any, len(cols))
	for i, c := range cols {
		rec[strings.ToLower(c)] = vals[i]
	}
	kv := make([]any, len(keyCols))
	for i, k := range keyCols {
		kv[i] = rec[strings.ToLower(k)]
	}
	return KeyString(kv), rec
}
