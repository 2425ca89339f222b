package tables

import "sort"

// IDColumn is the column that carries the record id in flat formats.
const IDColumn = "id"

// FieldNames returns the sorted union of field names across records.
// A field literally named "id" is left out; the record id owns that column.
func FieldNames(records []Record) []string {
	seen := make(map[string]struct{})
	for _, r := range records {
		for name := range r.Fields {
			if name == IDColumn {
				continue
			}
			seen[name] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Columns returns the flat column set of a batch: the field name union plus
// the id column, sorted.
func Columns(records []Record) []string {
	cols := append(FieldNames(records), IDColumn)
	sort.Strings(cols)
	return cols
}

// FlatRow renders one record against a column set. Missing fields yield
// ok=false so callers can choose between an empty cell and NULL.
func FlatRow(r Record, columns []string, sep string) (cells []string, present []bool) {
	cells = make([]string, len(columns))
	present = make([]bool, len(columns))
	for i, col := range columns {
		if col == IDColumn {
			cells[i], present[i] = r.ID, true
			continue
		}
		v, ok := r.Field(col)
		if !ok || v.IsNull() {
			continue
		}
		cells[i], present[i] = v.Text(sep), true
	}
	return cells, present
}

// SchemaVersion is bumped on breaking changes to the output layout.
const SchemaVersion = "1.0.0"
