// record.go
package lake

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Record is one row of a table: column name -> value. Supported value
// types are string, integers, floats, bool, time.Time and nil.
type Record map[string]any

// ColumnType is the storage type of a column, in DuckDB spelling.
type ColumnType string

const (
	TypeVarchar   ColumnType = "VARCHAR"
	TypeBigint    ColumnType = "BIGINT"
	TypeDouble    ColumnType = "DOUBLE"
	TypeBoolean   ColumnType = "BOOLEAN"
	TypeTimestamp ColumnType = "TIMESTAMP"
)

// Column is a named, typed column.
type Column struct {
	Name string     `json:"name"`
	Type ColumnType `json:"type"`
}

// Schema is an ordered list of columns. Column order is lexical by name so
// that a batch of map-shaped records always produces the same layout.
type Schema struct {
	Columns []Column `json:"columns"`
}

func (s Schema) Names() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

func (s Schema) Lookup(name string) (ColumnType, bool) {
	for _, c := range s.Columns {
		if c.Name == name {
			return c.Type, true
		}
	}
	return "", false
}

// valueType classifies a single Go value. nil values carry no type
// information and are resolved by other records in the batch.
func valueType(v any) (ColumnType, bool, error) {
	switch v.(type) {
	case nil:
		return "", false, nil
	case string:
		return TypeVarchar, true, nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return TypeBigint, true, nil
	case float32, float64:
		return TypeDouble, true, nil
	case bool:
		return TypeBoolean, true, nil
	case time.Time:
		return TypeTimestamp, true, nil
	default:
		return "", false, fmt.Errorf("unsupported value type %T", v)
	}
}

// widen resolves two observed types for the same column. BIGINT widens to
// DOUBLE; any other mismatch is a schema conflict.
func widen(column string, a, b ColumnType) (ColumnType, error) {
	if a == b {
		return a, nil
	}
	if (a == TypeBigint && b == TypeDouble) || (a == TypeDouble && b == TypeBigint) {
		return TypeDouble, nil
	}
	return "", &SchemaConflictError{Column: column, Existing: a, Incoming: b}
}

// inferSchema derives the batch schema from every record in the batch.
// Columns whose values are all nil default to VARCHAR.
func inferSchema(records []Record) (Schema, error) {
	types := make(map[string]ColumnType)
	seen := make(map[string]bool)

	for i, rec := range records {
		for name, val := range rec {
			seen[name] = true
			t, ok, err := valueType(val)
			if err != nil {
				return Schema{}, fmt.Errorf("record %d, column %q: %w", i, name, err)
			}
			if !ok {
				continue
			}
			if prev, found := types[name]; found {
				merged, err := widen(name, prev, t)
				if err != nil {
					return Schema{}, err
				}
				types[name] = merged
			} else {
				types[name] = t
			}
		}
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)

	schema := Schema{Columns: make([]Column, 0, len(names))}
	for _, name := range names {
		t, ok := types[name]
		if !ok {
			t = TypeVarchar
		}
		schema.Columns = append(schema.Columns, Column{Name: name, Type: t})
	}
	return schema, nil
}

// unifySchemas unions the existing table schema with the incoming batch
// schema. Existing columns keep their position; batch-only columns are
// appended. The on-disk schema stays a strict superset over time.
func unifySchemas(existing, batch Schema) (Schema, error) {
	out := Schema{Columns: make([]Column, 0, len(existing.Columns)+len(batch.Columns))}
	for _, c := range existing.Columns {
		t := c.Type
		if bt, ok := batch.Lookup(c.Name); ok {
			merged, err := widen(c.Name, t, bt)
			if err != nil {
				return Schema{}, err
			}
			t = merged
		}
		out.Columns = append(out.Columns, Column{Name: c.Name, Type: t})
	}
	for _, c := range batch.Columns {
		if _, ok := existing.Lookup(c.Name); !ok {
			out.Columns = append(out.Columns, c)
		}
	}
	return out, nil
}

// normalizeDuckType maps a DuckDB DESCRIBE type string onto the closed set
// of column types the store works with.
func normalizeDuckType(t string) ColumnType {
	upper := strings.ToUpper(strings.TrimSpace(t))
	switch {
	case strings.HasPrefix(upper, "TIMESTAMP"):
		return TypeTimestamp
	case upper == "TINYINT" || upper == "SMALLINT" || upper == "INTEGER" ||
		upper == "BIGINT" || upper == "HUGEINT" ||
		upper == "UTINYINT" || upper == "USMALLINT" || upper == "UINTEGER" || upper == "UBIGINT":
		return TypeBigint
	case upper == "FLOAT" || upper == "REAL" || upper == "DOUBLE" || strings.HasPrefix(upper, "DECIMAL"):
		return TypeDouble
	case upper == "BOOLEAN":
		return TypeBoolean
	default:
		return TypeVarchar
	}
}

// quoteIdent quotes a SQL identifier.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// quotePath quotes a file path for embedding in a read_parquet call.
func quotePath(path string) string {
	return `'` + strings.ReplaceAll(path, `'`, `''`) + `'`
}
