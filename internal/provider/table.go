package provider

import (
	"encoding/json"
	"fmt"
)

// Table is the tabular payload returned by the remote data provider:
// named columns over string-typed rows. The acquisition layer treats
// it as opaque; only the indicator stage interprets the columns, which
// is why values stay as strings until then.
type Table struct {
	Columns []string   `json:"columns"`
	Rows    [][]string `json:"rows"`
}

// Empty reports whether the table holds no rows.
func (t *Table) Empty() bool {
	return t == nil || len(t.Rows) == 0
}

// ColumnIndex returns the position of an exactly-named column.
func (t *Table) ColumnIndex(name string) (int, bool) {
	for i, c := range t.Columns {
		if c == name {
			return i, true
		}
	}
	return 0, false
}

// Marshal serializes the table for cache storage.
func (t *Table) Marshal() ([]byte, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("encode table: %w", err)
	}
	return data, nil
}

// UnmarshalTable decodes a cached payload back into a Table. A
// payload that does not decode, or that decodes into a malformed
// table, returns an error so the caller can treat it as a cache miss.
func UnmarshalTable(data []byte) (*Table, error) {
	var t Table
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode table: %w", err)
	}
	for i, row := range t.Rows {
		if len(row) != len(t.Columns) {
			return nil, fmt.Errorf("decode table: row %d has %d cells, want %d", i, len(row), len(t.Columns))
		}
	}
	return &t, nil
}
