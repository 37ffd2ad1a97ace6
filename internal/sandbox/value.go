package sandbox

import (
	"fmt"

	"github.com/datajob/engine/internal/table"
)

// Value is any runtime value tablescript expressions evaluate to.
type Value interface{ isValue() }

type Number float64
type String string
type Bool bool

// TableVal wraps a *table.Table as a first-class value (what `data` is
// bound to, and what filter/groupby/sort/topn/select produce).
type TableVal struct{ Table *table.Table }

// Row is the per-row scope a lambda's parameter is bound to inside
// filter's predicate.
type Row struct {
	Columns []string
	Cells   []table.Cell
}

func (Number) isValue()   {}
func (String) isValue()   {}
func (Bool) isValue()     {}
func (TableVal) isValue() {}
func (Row) isValue()      {}

func (r Row) field(name string) (table.Cell, error) {
	for i, c := range r.Columns {
		if c == name {
			return r.Cells[i], nil
		}
	}
	return table.Cell{}, fmt.Errorf("tablescript: row has no field %q", name)
}

func cellToValue(c table.Cell) Value {
	switch c.Kind {
	case table.KindInt:
		return Number(float64(c.Int))
	case table.KindFloat:
		return Number(c.Float)
	case table.KindBool:
		return Bool(c.Bool)
	case table.KindString:
		return String(c.Str)
	default:
		return String("")
	}
}

func valueToCell(v Value) (table.Cell, error) {
	switch x := v.(type) {
	case Number:
		f := float64(x)
		if f == float64(int64(f)) {
			return table.Int(int64(f)), nil
		}
		return table.Float(f), nil
	case String:
		return table.String(string(x)), nil
	case Bool:
		return table.Bool(bool(x)), nil
	default:
		return table.Cell{}, fmt.Errorf("tablescript: cannot convert %T to a cell", v)
	}
}

func truthy(v Value) bool {
	switch x := v.(type) {
	case Bool:
		return bool(x)
	case Number:
		return x != 0
	case String:
		return x != ""
	default:
		return false
	}
}
