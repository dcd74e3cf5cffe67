// Package table holds the small in-memory tables exchanged between the
// cross-validation harness, the search loop and persistence, plus a
// SQL-like aggregation engine used to reduce per-fold metrics to a scalar.
package table

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"strconv"
)

// Table is a named, ordered set of columns with row-major cells.
// Cells hold int, float64, string or nil.
type Table struct {
	Name    string
	Columns []string
	Rows    [][]any
}

// New creates an empty table.
func New(name string, columns ...string) *Table {
	return &Table{
		Name:    name,
		Columns: append([]string(nil), columns...),
	}
}

// Len returns the number of rows.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

// Append adds a row; the cell count must match the schema.
func (t *Table) Append(cells ...any) error {
	if len(cells) != len(t.Columns) {
		return fmt.Errorf("table %s: row has %d cells, schema has %d columns", t.Name, len(cells), len(t.Columns))
	}
	t.Rows = append(t.Rows, append([]any(nil), cells...))
	return nil
}

// ColumnIndex returns the position of name, or -1.
func (t *Table) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// Cell returns the cell at row i of column name.
func (t *Table) Cell(i int, name string) (any, bool) {
	j := t.ColumnIndex(name)
	if j < 0 || i < 0 || i >= len(t.Rows) {
		return nil, false
	}
	return t.Rows[i][j], true
}

// Float returns the numeric cell at row i of column name.
func (t *Table) Float(i int, name string) (float64, bool) {
	c, ok := t.Cell(i, name)
	if !ok {
		return 0, false
	}
	return AsFloat(c)
}

// Prepend returns a copy of t with a leading constant column.
func (t *Table) Prepend(column string, value any) *Table {
	out := New(t.Name, append([]string{column}, t.Columns...)...)
	out.Rows = make([][]any, len(t.Rows))
	for i, r := range t.Rows {
		row := make([]any, 0, len(r)+1)
		row = append(row, value)
		out.Rows[i] = append(row, r...)
	}
	return out
}

// Concat appends the rows of others onto a copy of t. Schemas must match.
func Concat(name string, columns []string, parts ...*Table) (*Table, error) {
	out := New(name, columns...)
	for _, p := range parts {
		if p == nil {
			continue
		}
		if !SameColumns(p.Columns, columns) {
			return nil, fmt.Errorf("table %s: cannot concat schema %v onto %v", name, p.Columns, columns)
		}
		for _, r := range p.Rows {
			out.Rows = append(out.Rows, append([]any(nil), r...))
		}
	}
	return out, nil
}

// SameColumns reports whether two schemas are identical.
func SameColumns(a, b []string) bool {
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

// AsFloat converts a numeric cell.
func AsFloat(c any) (float64, bool) {
	switch v := c.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

// FormatCell renders a cell for CSV output.
func FormatCell(c any) string {
	switch v := c.(type) {
	case nil:
		return ""
	case string:
		return v
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		if math.IsNaN(v) {
			return "NaN"
		}
		return strconv.FormatFloat(v, 'g', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

// ParseCell infers int, float64, nil (empty) or string.
func ParseCell(s string) any {
	if s == "" {
		return nil
	}
	if i, err := strconv.Atoi(s); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// WriteCSV writes a header row followed by all rows.
func (t *Table) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Columns); err != nil {
		return err
	}
	record := make([]string, len(t.Columns))
	for _, r := range t.Rows {
		for j, c := range r {
			record[j] = FormatCell(c)
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadCSV reads a table written by WriteCSV.
func ReadCSV(r io.Reader, name string) (*Table, error) {
	cr := csv.NewReader(r)
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("table %s: %w", name, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("table %s: missing header", name)
	}
	t := New(name, records[0]...)
	for _, rec := range records[1:] {
		row := make([]any, len(rec))
		for j, s := range rec {
			row[j] = ParseCell(s)
		}
		if err := t.Append(row...); err != nil {
			return nil, err
		}
	}
	return t, nil
}
