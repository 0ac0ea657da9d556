// Package output assembles extraction results into the output table and
// writes it as CSV or into a SQLite feature store.
package output

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"ctradiomics/internal/models"
)

// Table is the ordered result of a batch run: the provenance columns
// followed by every feature key in engine order.
type Table struct {
	Columns []string
	Rows    []models.OutputRow
}

// NewTable builds a table from rows. Feature columns are the union of the
// rows' keys in first-seen order; with one parameter file every row has the
// same keys.
func NewTable(rows []models.OutputRow) *Table {
	columns := append([]string(nil), models.ProvenanceColumns...)
	seen := make(map[string]bool, len(columns))
	for _, c := range columns {
		seen[c] = true
	}
	for _, r := range rows {
		if r.Features == nil {
			continue
		}
		for _, k := range r.Features.Keys() {
			if !seen[k] {
				seen[k] = true
				columns = append(columns, k)
			}
		}
	}
	return &Table{Columns: columns, Rows: rows}
}

// Len is the number of rows.
func (t *Table) Len() int { return len(t.Rows) }

// FeatureColumns returns the columns after the provenance prefix.
func (t *Table) FeatureColumns() []string {
	return t.Columns[len(models.ProvenanceColumns):]
}

// Record renders row i in column order. Missing features are empty.
func (t *Table) Record(i int) []string {
	row := t.Rows[i]
	record := row.Provenance.Values()
	for _, col := range t.FeatureColumns() {
		var cell string
		if row.Features != nil {
			if v, ok := row.Features.Get(col); ok {
				cell = FormatValue(v)
			}
		}
		record = append(record, cell)
	}
	return record
}

// FormatValue renders a feature value as a table cell. Floats use the
// shortest representation that round-trips; tuples are written as
// "(a, b, c)"; structured values as JSON.
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	case []int:
		parts := make([]string, len(x))
		for i, n := range x {
			parts[i] = strconv.Itoa(n)
		}
		return tuple(parts)
	case []float64:
		parts := make([]string, len(x))
		for i, f := range x {
			parts[i] = strconv.FormatFloat(f, 'g', -1, 64)
		}
		return tuple(parts)
	case fmt.Stringer:
		return x.String()
	}
	if b, err := json.Marshal(v); err == nil {
		return string(b)
	}
	return fmt.Sprint(v)
}

func tuple(parts []string) string {
	return "(" + strings.Join(parts, ", ") + ")"
}

// numericValue returns v as a float when it is a scalar number.
func numericValue(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	}
	return 0, false
}
