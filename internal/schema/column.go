// Package schema describes the shape of the rows flowing through a pipeline:
// column descriptors, their logical types and conversions, lookup (foreign
// key) descriptors, and the rules used to reconcile source column names with
// a destination table.
//
// Descriptors are plain values decoded from the pipeline config. Once a stage
// has been built around a descriptor it must be treated as immutable.
package schema

import "strings"

// Column describes one column of a row stream or of a destination table.
type Column struct {
	Name string `json:"name" koanf:"name"`
	Type Type   `json:"type" koanf:"type"`

	Nullable      bool `json:"nullable,omitempty" koanf:"nullable"`
	Required      bool `json:"required,omitempty" koanf:"required"`
	PrimaryKey    bool `json:"primary_key,omitempty" koanf:"primary_key"`
	AutoIncrement bool `json:"auto_increment,omitempty" koanf:"auto_increment"`

	// Length is the maximum text length; 0 means unbounded.
	Length int `json:"length,omitempty" koanf:"length"`

	// PropertyURI is a stable identifier that survives column renames. It is
	// preferred over Name when binding statement parameters.
	PropertyURI   string   `json:"property_uri,omitempty" koanf:"property_uri"`
	Label         string   `json:"label,omitempty" koanf:"label"`
	ImportAliases []string `json:"import_aliases,omitempty" koanf:"import_aliases"`

	// MVEnabled marks a column that accepts missing-value indicators. MVColumn
	// names the companion column holding the indicator, if any.
	MVEnabled bool   `json:"mv_enabled,omitempty" koanf:"mv_enabled"`
	MVColumn  string `json:"mv_column,omitempty" koanf:"mv_column"`

	// Sequence names a counter service used to populate the column.
	Sequence string `json:"sequence,omitempty" koanf:"sequence"`

	// Default is used when the incoming value is nil.
	Default any `json:"default,omitempty" koanf:"default"`

	// Domain restricts the allowed values (compared on their string form).
	Domain []string `json:"domain,omitempty" koanf:"domain"`

	// Pattern is an optional regular expression text values must match.
	Pattern string `json:"pattern,omitempty" koanf:"pattern"`

	// Min and Max bound numeric values when set.
	Min *float64 `json:"min,omitempty" koanf:"min"`
	Max *float64 `json:"max,omitempty" koanf:"max"`

	FK *ForeignKey `json:"fk,omitempty" koanf:"fk"`
}

// ForeignKey describes the lookup target of a column.
type ForeignKey struct {
	Table  string `json:"table" koanf:"table"`
	Column string `json:"column" koanf:"column"`

	// AltKeys are unique text columns of the lookup table that may be used
	// in place of the key value, tried in order.
	AltKeys     []string `json:"alt_keys,omitempty" koanf:"alt_keys"`
	TitleColumn string   `json:"title_column,omitempty" koanf:"title_column"`

	AllowImportByAlternateKey bool `json:"allow_alternate_key,omitempty" koanf:"allow_alternate_key"`
	MultiValued               bool `json:"multi_valued,omitempty" koanf:"multi_valued"`
}

// RowOrdinal is the descriptor of the column-0 slot every cursor exposes.
var RowOrdinal = &Column{Name: "_rowNumber", Type: TypeInt}

// Clone returns a shallow copy of c with its slices copied.
func (c *Column) Clone() *Column {
	if c == nil {
		return nil
	}
	out := *c
	out.ImportAliases = append([]string(nil), c.ImportAliases...)
	out.Domain = append([]string(nil), c.Domain...)
	return &out
}

// Renamed returns a copy of c with a different name.
func (c *Column) Renamed(name string) *Column {
	out := c.Clone()
	out.Name = name
	return out
}

// Table describes a destination table.
type Table struct {
	Name    string    `json:"table" koanf:"table"`
	Columns []*Column `json:"columns" koanf:"columns"`
}

// Column returns the column named name (case-insensitive) or nil.
func (t *Table) Column(name string) *Column {
	for _, c := range t.Columns {
		if strings.EqualFold(c.Name, name) {
			return c
		}
	}
	return nil
}

// Key returns the primary key columns in declaration order.
func (t *Table) Key() []*Column {
	var out []*Column
	for _, c := range t.Columns {
		if c.PrimaryKey {
			out = append(out, c)
		}
	}
	return out
}

// KeyNames returns the names of the primary key columns.
func (t *Table) KeyNames() []string {
	key := t.Key()
	out := make([]string, len(key))
	for i, c := range key {
		out[i] = c.Name
	}
	return out
}

// AutoIncrementColumn returns the auto-increment column, if any.
func (t *Table) AutoIncrementColumn() *Column {
	for _, c := range t.Columns {
		if c.AutoIncrement {
			return c
		}
	}
	return nil
}
