package storage

import (
	"fmt"
	"sort"
	"strings"

	"rowpipe/internal/schema"
)

// Dialect renders SQL for one database flavor.
type Dialect interface {
	Name() string
	// Quote quotes one identifier segment.
	Quote(ident string) string
	// Placeholder renders the n-th (1-based) parameter marker.
	Placeholder(n int) string
	// ColumnType maps a column descriptor to a SQL type.
	ColumnType(c *schema.Column) string
	// Insert renders a single-row insert. returning is empty or the name of
	// a generated column to read back.
	Insert(table string, cols []string, returning string) string
	// Upsert renders an insert that updates the listed columns when the key
	// already exists, and sets the nullify columns to NULL.
	Upsert(table string, cols, keys, update, nullify []string) string
	// LastInsertID reports that generated keys are read with
	// sql.Result.LastInsertId instead of a returning clause.
	LastInsertID() bool
	// CreateTable renders an idempotent CREATE TABLE for t.
	CreateTable(t *schema.Table) (string, error)
}

// Dialects for the built-in backends.
var (
	Postgres Dialect = postgresDialect{}
	SQLite   Dialect = sqliteDialect{}
	MySQL    Dialect = mysqlDialect{}
	MSSQL    Dialect = mssqlDialect{}
)

// QuoteTable quotes a possibly schema-qualified name segment by segment.
// Empty segments are ignored.
func QuoteTable(d Dialect, fqn string) string {
	parts := strings.Split(fqn, ".")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, d.Quote(p))
	}
	return strings.Join(out, ".")
}

func quoteAll(d Dialect, cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = d.Quote(c)
	}
	return out
}

func placeholders(d Dialect, from, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = d.Placeholder(from + i)
	}
	return out
}

func doubleQuote(id string) string { return `"` + strings.ReplaceAll(id, `"`, `""`) + `"` }

// ---- postgres ----

type postgresDialect struct{}

func (postgresDialect) Name() string             { return "postgres" }
func (postgresDialect) Quote(id string) string   { return doubleQuote(id) }
func (postgresDialect) Placeholder(n int) string { return fmt.Sprintf("$%d", n) }
func (postgresDialect) LastInsertID() bool       { return false }

func (postgresDialect) ColumnType(c *schema.Column) string {
	switch c.Type {
	case schema.TypeInt:
		if c.AutoIncrement {
			return "BIGINT GENERATED BY DEFAULT AS IDENTITY"
		}
		return "BIGINT"
	case schema.TypeFloat:
		return "DOUBLE PRECISION"
	case schema.TypeBool:
		return "BOOLEAN"
	case schema.TypeDate:
		return "DATE"
	case schema.TypeTimestamp:
		return "TIMESTAMPTZ"
	case schema.TypeGUID:
		return "UUID"
	}
	if c.Length > 0 {
		return fmt.Sprintf("VARCHAR(%d)", c.Length)
	}
	return "TEXT"
}

func (d postgresDialect) Insert(table string, cols []string, returning string) string {
	return insertReturning(d, table, cols, returning)
}

func insertReturning(d Dialect, table string, cols []string, returning string) string {
	s := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", QuoteTable(d, table),
		strings.Join(quoteAll(d, cols), ", "), strings.Join(placeholders(d, 1, len(cols)), ", "))
	if returning != "" {
		s += " RETURNING " + d.Quote(returning)
	}
	return s
}

func (d postgresDialect) Upsert(table string, cols, keys, update, nullify []string) string {
	return onConflict(d, table, cols, keys, update, nullify)
}

func (d postgresDialect) CreateTable(t *schema.Table) (string, error) {
	body, err := createBody(d, t, false)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n);", QuoteTable(d, t.Name), body), nil
}

// onConflict is the INSERT ... ON CONFLICT form shared by postgres and sqlite.
func onConflict(d Dialect, table string, cols, keys, update, nullify []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s)", QuoteTable(d, table),
		strings.Join(quoteAll(d, cols), ", "), strings.Join(placeholders(d, 1, len(cols)), ", "),
		strings.Join(quoteAll(d, keys), ", "))
	if len(update)+len(nullify) == 0 {
		b.WriteString(" DO NOTHING")
		return b.String()
	}
	sets := make([]string, 0, len(update)+len(nullify))
	for _, c := range update {
		sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", d.Quote(c), d.Quote(c)))
	}
	for _, c := range nullify {
		sets = append(sets, d.Quote(c)+" = NULL")
	}
	b.WriteString(" DO UPDATE SET ")
	b.WriteString(strings.Join(sets, ", "))
	return b.String()
}

// ---- sqlite ----

type sqliteDialect struct{}

func (sqliteDialect) Name() string           { return "sqlite" }
func (sqliteDialect) Quote(id string) string { return doubleQuote(id) }
func (sqliteDialect) Placeholder(int) string { return "?" }
func (sqliteDialect) LastInsertID() bool     { return false }

// SQLite stores dates and timestamps as ISO-8601 text and booleans as 0/1.
func (sqliteDialect) ColumnType(c *schema.Column) string {
	switch c.Type {
	case schema.TypeInt, schema.TypeBool:
		return "INTEGER"
	case schema.TypeFloat:
		return "REAL"
	}
	return "TEXT"
}

func (d sqliteDialect) Insert(table string, cols []string, returning string) string {
	return insertReturning(d, table, cols, returning)
}

func (d sqliteDialect) Upsert(table string, cols, keys, update, nullify []string) string {
	return onConflict(d, table, cols, keys, update, nullify)
}

func (d sqliteDialect) CreateTable(t *schema.Table) (string, error) {
	body, err := createBody(d, t, true)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n);", QuoteTable(d, t.Name), body), nil
}

// ---- mysql ----

type mysqlDialect struct{}

func (mysqlDialect) Name() string           { return "mysql" }
func (mysqlDialect) Quote(id string) string { return "`" + strings.ReplaceAll(id, "`", "``") + "`" }
func (mysqlDialect) Placeholder(int) string { return "?" }
func (mysqlDialect) LastInsertID() bool     { return true }

func (mysqlDialect) ColumnType(c *schema.Column) string {
	switch c.Type {
	case schema.TypeInt:
		if c.AutoIncrement {
			return "BIGINT AUTO_INCREMENT"
		}
		return "BIGINT"
	case schema.TypeFloat:
		return "DOUBLE"
	case schema.TypeBool:
		return "BOOLEAN"
	case schema.TypeDate:
		return "DATE"
	case schema.TypeTimestamp:
		return "DATETIME(6)"
	case schema.TypeGUID:
		return "CHAR(36)"
	}
	switch {
	case c.Length > 0:
		return fmt.Sprintf("VARCHAR(%d)", c.Length)
	case c.PrimaryKey:
		// TEXT columns cannot be keys without a prefix length.
		return "VARCHAR(255)"
	}
	return "TEXT"
}

func (d mysqlDialect) Insert(table string, cols []string, _ string) string {
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", QuoteTable(d, table),
		strings.Join(quoteAll(d, cols), ", "), strings.Join(placeholders(d, 1, len(cols)), ", "))
}

func (d mysqlDialect) Upsert(table string, cols, keys, update, nullify []string) string {
	sets := make([]string, 0, len(update)+len(nullify))
	for _, c := range update {
		sets = append(sets, fmt.Sprintf("%s = VALUES(%s)", d.Quote(c), d.Quote(c)))
	}
	for _, c := range nullify {
		sets = append(sets, d.Quote(c)+" = NULL")
	}
	if len(sets) == 0 && len(keys) > 0 {
		sets = append(sets, fmt.Sprintf("%s = %s", d.Quote(keys[0]), d.Quote(keys[0])))
	}
	return d.Insert(table, cols, "") + " ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", ")
}

func (d mysqlDialect) CreateTable(t *schema.Table) (string, error) {
	body, err := createBody(d, t, false)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n);", QuoteTable(d, t.Name), body), nil
}

// ---- mssql ----

type mssqlDialect struct{}

func (mssqlDialect) Name() string             { return "mssql" }
func (mssqlDialect) Quote(id string) string   { return "[" + strings.ReplaceAll(id, "]", "]]") + "]" }
func (mssqlDialect) Placeholder(n int) string { return fmt.Sprintf("@p%d", n) }
func (mssqlDialect) LastInsertID() bool       { return false }

func (mssqlDialect) ColumnType(c *schema.Column) string {
	switch c.Type {
	case schema.TypeInt:
		if c.AutoIncrement {
			return "BIGINT IDENTITY(1,1)"
		}
		return "BIGINT"
	case schema.TypeFloat:
		return "FLOAT"
	case schema.TypeBool:
		return "BIT"
	case schema.TypeDate:
		return "DATE"
	case schema.TypeTimestamp:
		return "DATETIME2"
	case schema.TypeGUID:
		return "UNIQUEIDENTIFIER"
	}
	switch {
	case c.Length > 0:
		return fmt.Sprintf("NVARCHAR(%d)", c.Length)
	case c.PrimaryKey:
		return "NVARCHAR(450)"
	}
	return "NVARCHAR(MAX)"
}

func (d mssqlDialect) Insert(table string, cols []string, returning string) string {
	var out string
	if returning != "" {
		out = " OUTPUT INSERTED." + d.Quote(returning)
	}
	return fmt.Sprintf("INSERT INTO %s (%s)%s VALUES (%s)", QuoteTable(d, table),
		strings.Join(quoteAll(d, cols), ", "), out, strings.Join(placeholders(d, 1, len(cols)), ", "))
}

// Upsert renders a MERGE whose source is a one-row SELECT of the parameters.
func (d mssqlDialect) Upsert(table string, cols, keys, update, nullify []string) string {
	src := make([]string, len(cols))
	for i, c := range cols {
		src[i] = fmt.Sprintf("%s AS %s", d.Placeholder(i+1), d.Quote(c))
	}
	on := make([]string, len(keys))
	for i, k := range keys {
		on[i] = fmt.Sprintf("T.%s = S.%s", d.Quote(k), d.Quote(k))
	}
	vals := make([]string, len(cols))
	for i, c := range cols {
		vals[i] = "S." + d.Quote(c)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "MERGE INTO %s WITH (HOLDLOCK) AS T USING (SELECT %s) AS S ON %s",
		QuoteTable(d, table), strings.Join(src, ", "), strings.Join(on, " AND "))
	if len(update)+len(nullify) > 0 {
		sets := make([]string, 0, len(update)+len(nullify))
		for _, c := range update {
			sets = append(sets, fmt.Sprintf("T.%s = S.%s", d.Quote(c), d.Quote(c)))
		}
		for _, c := range nullify {
			sets = append(sets, "T."+d.Quote(c)+" = NULL")
		}
		b.WriteString(" WHEN MATCHED THEN UPDATE SET ")
		b.WriteString(strings.Join(sets, ", "))
	}
	fmt.Fprintf(&b, " WHEN NOT MATCHED THEN INSERT (%s) VALUES (%s);",
		strings.Join(quoteAll(d, cols), ", "), strings.Join(vals, ", "))
	return b.String()
}

// CreateTable wraps the CREATE in an OBJECT_ID guard; T-SQL has no
// CREATE TABLE IF NOT EXISTS.
func (d mssqlDialect) CreateTable(t *schema.Table) (string, error) {
	body, err := createBody(d, t, false)
	if err != nil {
		return "", err
	}
	fqn := QuoteTable(d, t.Name)
	return fmt.Sprintf("IF OBJECT_ID(N'%s', N'U') IS NULL\nBEGIN\n  CREATE TABLE %s (\n    %s\n  );\nEND;",
		fqn, fqn, strings.ReplaceAll(body, "\n  ", "\n    ")), nil
}

// createBody renders the column and primary key clauses. Primary key columns
// are always NOT NULL. With inlineAutoInc an auto-increment integer key is
// rendered as a rowid alias (SQLite) instead of a separate constraint.
func createBody(d Dialect, t *schema.Table, inlineAutoInc bool) (string, error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", fmt.Errorf("%s ddl: table name must not be empty", d.Name())
	}
	if len(t.Columns) == 0 {
		return "", fmt.Errorf("%s ddl: at least one column is required", d.Name())
	}
	cols := make([]string, 0, len(t.Columns)+1)
	var pks []string
	inlined := false
	for _, c := range t.Columns {
		name := strings.TrimSpace(c.Name)
		if name == "" {
			return "", fmt.Errorf("%s ddl: column with empty name in table %s", d.Name(), t.Name)
		}
		var sb strings.Builder
		sb.WriteString(d.Quote(name))
		sb.WriteByte(' ')
		if inlineAutoInc && c.AutoIncrement && c.PrimaryKey && c.Type == schema.TypeInt {
			sb.WriteString("INTEGER PRIMARY KEY AUTOINCREMENT")
			inlined = true
			cols = append(cols, sb.String())
			continue
		}
		sb.WriteString(d.ColumnType(c))
		if !c.Nullable || c.PrimaryKey {
			sb.WriteString(" NOT NULL")
		}
		cols = append(cols, sb.String())
		if c.PrimaryKey {
			pks = append(pks, d.Quote(name))
		}
	}
	if len(pks) > 0 && !inlined {
		sort.Strings(pks)
		cols = append(cols, fmt.Sprintf("PRIMARY KEY (%s)", strings.Join(pks, ", ")))
	}
	return strings.Join(cols, ",\n  "), nil
}
