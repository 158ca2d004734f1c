// Package table is the in-memory tabular batch passed from sources (CSV,
// warehouse) to the parquet stage.
package table

import (
	"fmt"
	"strconv"
	"strings"
)

// Type is a column's logical type. Each maps to one DuckDB type.
type Type int

const (
	Varchar Type = iota
	BigInt
	Double
	Boolean
	Date
	Timestamp
	// Decimal is exact fixed point. Column.Precision and Column.Scale give
	// its width; values travel as canonical decimal strings.
	Decimal
)

// MaxDecimalPrecision is the widest DECIMAL the extract engine stores.
const MaxDecimalPrecision = 38

var typeNames = [...]string{
	Varchar:   "VARCHAR",
	BigInt:    "BIGINT",
	Double:    "DOUBLE",
	Boolean:   "BOOLEAN",
	Date:      "DATE",
	Timestamp: "TIMESTAMP",
	Decimal:   "DECIMAL",
}

// SQL returns the DuckDB type name.
func (t Type) SQL() string {
	if int(t) < 0 || int(t) >= len(typeNames) {
		return "VARCHAR"
	}
	return typeNames[t]
}

func (t Type) String() string { return t.SQL() }

// Column is a named, typed column.
type Column struct {
	Name string
	Type Type

	// Precision and Scale are set for Decimal columns only.
	Precision int
	Scale     int
}

// SQL returns the DuckDB type of c, including the width of decimals.
func (c Column) SQL() string {
	if c.Type == Decimal {
		return fmt.Sprintf("DECIMAL(%d,%d)", c.Precision, c.Scale)
	}
	return c.Type.SQL()
}

// Batch is a set of rows sharing one schema. Each row has exactly
// len(Columns) values; nil is NULL.
type Batch struct {
	Columns []Column
	Rows    [][]any
}

// Len returns the number of rows.
func (b Batch) Len() int { return len(b.Rows) }

// Names returns the column names in order.
func (b Batch) Names() []string {
	out := make([]string, len(b.Columns))
	for i, c := range b.Columns {
		out[i] = c.Name
	}
	return out
}

// Validate checks that the batch has at least one column, unique non-empty
// column names and rows of the right width.
func (b Batch) Validate() error {
	if len(b.Columns) == 0 {
		return fmt.Errorf("table: batch has no columns")
	}
	seen := make(map[string]struct{}, len(b.Columns))
	for i, c := range b.Columns {
		if strings.TrimSpace(c.Name) == "" {
			return fmt.Errorf("table: column %d has an empty name", i)
		}
		k := strings.ToLower(c.Name)
		if _, dup := seen[k]; dup {
			return fmt.Errorf("table: duplicate column %q", c.Name)
		}
		seen[k] = struct{}{}
	}
	for i, r := range b.Rows {
		if len(r) != len(b.Columns) {
			return fmt.Errorf("table: row %d has %d values, want %d", i, len(r), len(b.Columns))
		}
	}
	return nil
}

// SameSchema reports whether a and b have the same column names and types
// (decimal width included) in the same order.
func SameSchema(a, b []Column) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// QuoteIdent quotes s as a SQL identifier.
func QuoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// QuoteLiteral quotes s as a SQL string literal.
func QuoteLiteral(s string) string {
	return `'` + strings.ReplaceAll(s, `'`, `''`) + `'`
}

// UniqueNames makes names usable as one table's columns: empty names become
// column_<i> and case-insensitive duplicates get the first free ".N"
// suffix, so "a.1,a,a" becomes "a.1,a,a.2".
func UniqueNames(names []string) []string {
	out := make([]string, len(names))
	used := make(map[string]bool, len(names))
	next := make(map[string]int, len(names))
	for i, n := range names {
		if strings.TrimSpace(n) == "" {
			n = "column_" + strconv.Itoa(i)
		}
		key := strings.ToLower(n)
		if used[key] {
			base := n
			for {
				next[key]++
				n = base + "." + strconv.Itoa(next[key])
				if !used[strings.ToLower(n)] {
					break
				}
			}
		}
		used[strings.ToLower(n)] = true
		out[i] = n
	}
	return out
}
