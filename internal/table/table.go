// Package table implements the rectangular, typed, column-named dataset
// exchanged between the Fetcher, Sandbox, and Mailer components.
package table

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
)

// Kind identifies the dynamic type carried by a Cell.
type Kind int

const (
	KindNull Kind = iota
	KindString
	KindInt
	KindFloat
	KindBool
)

// Cell is one typed value in a Table. Only one of the fields is meaningful,
// selected by Kind.
type Cell struct {
	Kind Kind
	Str string
	Int int64
	Float float64
	Bool bool
}

func Null() Cell { return Cell{Kind: KindNull} }
func String(s string) Cell { return Cell{Kind: KindString, Str: s} }
func Int(i int64) Cell { return Cell{Kind: KindInt, Int: i} }
func Float(f float64) Cell { return Cell{Kind: KindFloat, Float: f} }
func Bool(b bool) Cell { return Cell{Kind: KindBool, Bool: b} }

// String renders the cell the way it appears in a CSV field or error message.
func (c Cell) String() string {
	switch c.Kind {
	case KindNull:
		return ""
	case KindString:
		return c.Str
	case KindInt:
		return strconv.FormatInt(c.Int, 10)
	case KindFloat:
		return strconv.FormatFloat(c.Float, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(c.Bool)
	default:
		return ""
	}
}

// Number returns the cell as a float64, for arithmetic in the Sandbox.
func (c Cell) Number() (float64, bool) {
	switch c.Kind {
	case KindInt:
		return float64(c.Int), true
	case KindFloat:
		return c.Float, true
	default:
		return 0, false
	}
}

// Truthy implements tablescript's boolean-coercion rule: bools are
// themselves, numbers are truthy if non-zero, strings if non-empty, null
// is always falsy.
func (c Cell) Truthy() bool {
	switch c.Kind {
	case KindBool:
		return c.Bool
	case KindInt:
		return c.Int != 0
	case KindFloat:
		return c.Float != 0
	case KindString:
		return c.Str != ""
	case KindNull:
		return false
	default:
		return false
	}
}

// Table is a rectangular dataset: an ordered list of column names and a
// list of rows, each row holding exactly len(Columns) cells in the same
// order as Columns.
type Table struct {
	Columns []string
	Rows [][]Cell
}

// New builds an empty table with the given column order.
func New(columns []string) *Table {
	return &Table{Columns: append([]string(nil), columns...)}
}

// ColumnIndex returns the position of a column name, or -1.
func (t *Table) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// AppendRow appends a row, which must have one cell per column.
func (t *Table) AppendRow(row []Cell) error {
	if len(row) != len(t.Columns) {
		return fmt.Errorf("table: row has %d cells, want %d", len(row), len(t.Columns))
	}
	t.Rows = append(t.Rows, row)
	return nil
}

// ToCSV serializes the table as header row + one row per record, quoting
// fields that contain the separator, a quote, or a newline.
func (t *Table) ToCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Columns); err != nil {
		return fmt.Errorf("table: write header: %w", err)
	}
	for _, row := range t.Rows {
		rec := make([]string, len(row))
		for i, c := range row {
			rec[i] = c.String()
		}
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("table: write row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// CSVBytes is a convenience wrapper around ToCSV.
func (t *Table) CSVBytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := t.ToCSV(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// FromCSV parses a CSV document with a header row. Every cell is kept as a
// string; callers that need typed cells (the Sandbox) re-infer types with
// InferCell. This mirrors how the HTTP/JSON path produces typed cells
// directly but the CSV path defers typing, since CSV carries no type
// information of its own.
func FromCSV(r io.Reader) (*Table, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("table: parse csv: %w", err)
	}
	if len(records) == 0 {
		return &Table{}, nil
	}
	t := New(records[0])
	for _, rec := range records[1:] {
		row := make([]Cell, len(t.Columns))
		for i := range t.Columns {
			if i < len(rec) {
				row[i] = InferCell(rec[i])
			} else {
				row[i] = Null()
			}
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

// InferCell guesses a scalar type for a raw CSV field: int, then float,
// then bool, falling back to string. This is the only place untyped text
// is promoted to a typed Cell.
func InferCell(s string) Cell {
	if s == "" {
		return String(s)
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return Int(i)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return Float(f)
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return Bool(b)
	}
	return String(s)
}

// cellFromJSON converts a decoded JSON value (as produced by
// decodeOrdered) into a typed Cell.
func cellFromJSON(v interface{}) Cell {
	switch x := v.(type) {
	case nil:
		return Null()
	case bool:
		return Bool(x)
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return Int(i)
		}
		f, _ := x.Float64()
		return Float(f)
	case string:
		return String(x)
	default:
		return String(fmt.Sprintf("%v", x))
	}
}
