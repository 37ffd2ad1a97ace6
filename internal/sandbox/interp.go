package sandbox

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/datajob/engine/internal/table"
)

// env is a chained variable scope: child scopes (lambda parameters) look
// up through parent scopes (the global bindings, including `data`).
type env struct {
	vars map[string]Value
	parent *env
}

func newEnv(parent *env) *env {
	return &env{vars: map[string]Value{}, parent: parent}
}

func (e *env) get(name string) (Value, bool) {
	if v, ok := e.vars[name]; ok {
		return v, true
	}
	if e.parent != nil {
		return e.parent.get(name)
	}
	return nil, false
}

func (e *env) set(name string, v Value) { e.vars[name] = v }

func evalProgram(prog *Program, input *table.Table) (*table.Table, error) {
	global := newEnv(nil)
	global.set("data", TableVal{Table: input})

	for _, stmt := range prog.Statements {
		v, err := eval(stmt.Expr, global)
		if err != nil {
			return nil, err
		}
		global.set(stmt.Name, v)
	}

	result, ok := global.get("result")
	if !ok {
		return nil, fmt.Errorf("tablescript: transform did not bind result")
	}
	tv, ok := result.(TableVal)
	if !ok {
		return nil, fmt.Errorf("tablescript: result must be a table, got %T", result)
	}
	return tv.Table, nil
}

func eval(n Node, e *env) (Value, error) {
	switch x := n.(type) {
	case *NumberLit:
		return Number(x.Value), nil
	case *StringLit:
		return String(x.Value), nil
	case *BoolLit:
		return Bool(x.Value), nil
	case *Ident:
		v, ok := e.get(x.Name)
		if !ok {
			return nil, fmt.Errorf("tablescript: undefined name %q", x.Name)
		}
		return v, nil
	case *Unary:
		return evalUnary(x, e)
	case *Binary:
		return evalBinary(x, e)
	case *FieldAccess:
		return evalFieldAccess(x, e)
	case *Call:
		return evalCall(x, e)
	case *Lambda:
		return nil, fmt.Errorf("tablescript: lambda is only valid as a function argument")
	default:
		return nil, fmt.Errorf("tablescript: cannot evaluate %T", n)
	}
}

func evalUnary(x *Unary, e *env) (Value, error) {
	v, err := eval(x.Expr, e)
	if err != nil {
		return nil, err
	}
	switch x.Op {
	case "-":
		n, ok := v.(Number)
		if !ok {
			return nil, fmt.Errorf("tablescript: unary '-' needs a number")
		}
		return -n, nil
	case "!":
		return Bool(!truthy(v)), nil
	default:
		return nil, fmt.Errorf("tablescript: unknown unary operator %q", x.Op)
	}
}

func evalBinary(x *Binary, e *env) (Value, error) {
	left, err := eval(x.Left, e)
	if err != nil {
		return nil, err
	}

	// Short-circuit boolean operators.
	if x.Op == "&&" {
		if !truthy(left) {
			return Bool(false), nil
		}
		right, err := eval(x.Right, e)
		if err != nil {
			return nil, err
		}
		return Bool(truthy(right)), nil
	}
	if x.Op == "||" {
		if truthy(left) {
			return Bool(true), nil
		}
		right, err := eval(x.Right, e)
		if err != nil {
			return nil, err
		}
		return Bool(truthy(right)), nil
	}

	right, err := eval(x.Right, e)
	if err != nil {
		return nil, err
	}

	switch x.Op {
	case "==":
		return Bool(valuesEqual(left, right)), nil
	case "!=":
		return Bool(!valuesEqual(left, right)), nil
	}

	ln, lok := left.(Number)
	rn, rok := right.(Number)
	if lok && rok {
		switch x.Op {
		case "+":
			return ln + rn, nil
		case "-":
			return ln - rn, nil
		case "*":
			return ln * rn, nil
		case "/":
			if rn == 0 {
				return nil, fmt.Errorf("tablescript: division by zero")
			}
			return ln / rn, nil
		case "<":
			return Bool(ln < rn), nil
		case "<=":
			return Bool(ln <= rn), nil
		case ">":
			return Bool(ln > rn), nil
		case ">=":
			return Bool(ln >= rn), nil
		}
	}
	if x.Op == "+" {
		ls, lok := left.(String)
		rs, rok := right.(String)
		if lok && rok {
			return ls + rs, nil
		}
	}
	return nil, fmt.Errorf("tablescript: operator %q not defined for %T and %T", x.Op, left, right)
}

func valuesEqual(a, b Value) bool {
	switch x := a.(type) {
	case Number:
		y, ok := b.(Number)
		return ok && x == y
	case String:
		y, ok := b.(String)
		return ok && x == y
	case Bool:
		y, ok := b.(Bool)
		return ok && x == y
	default:
		return false
	}
}

func evalFieldAccess(x *FieldAccess, e *env) (Value, error) {
	target, err := eval(x.Target, e)
	if err != nil {
		return nil, err
	}
	row, ok := target.(Row)
	if !ok {
		return nil, fmt.Errorf("tablescript: '.%s' used on a non-row value", x.Field)
	}
	cell, err := row.field(x.Field)
	if err != nil {
		return nil, err
	}
	return cellToValue(cell), nil
}

func applyLambda(l *Lambda, row Row, e *env) (Value, error) {
	child := newEnv(e)
	child.set(l.Param, row)
	return eval(l.Body, child)
}

func asTable(n Node, e *env) (*table.Table, error) {
	v, err := eval(n, e)
	if err != nil {
		return nil, err
	}
	tv, ok := v.(TableVal)
	if !ok {
		return nil, fmt.Errorf("tablescript: expected a table, got %T", v)
	}
	return tv.Table, nil
}

func asString(n Node, e *env) (string, error) {
	v, err := eval(n, e)
	if err != nil {
		return "", err
	}
	s, ok := v.(String)
	if !ok {
		return "", fmt.Errorf("tablescript: expected a string, got %T", v)
	}
	return string(s), nil
}

func asNumber(n Node, e *env) (float64, error) {
	v, err := eval(n, e)
	if err != nil {
		return 0, err
	}
	num, ok := v.(Number)
	if !ok {
		return 0, fmt.Errorf("tablescript: expected a number, got %T", v)
	}
	return float64(num), nil
}

func evalCall(c *Call, e *env) (Value, error) {
	switch c.Name {
	case "filter":
		return builtinFilter(c, e)
	case "select":
		return builtinSelect(c, e)
	case "sort":
		return builtinSort(c, e)
	case "topn":
		return builtinTopN(c, e)
	case "groupby":
		return builtinGroupBy(c, e)
	case "sleep":
		return builtinSleep(c, e)
	case "abs":
		n, err := requireOneNumber(c, e)
		if err != nil {
			return nil, err
		}
		return Number(math.Abs(float64(n))), nil
	case "round":
		n, err := requireOneNumber(c, e)
		if err != nil {
			return nil, err
		}
		return Number(math.Round(float64(n))), nil
	case "sum", "count", "avg", "min", "max":
		return nil, fmt.Errorf("tablescript: %s(...) is only valid as groupby's aggregate argument", c.Name)
	default:
		return nil, fmt.Errorf("tablescript: unknown function %q", c.Name)
	}
}

func requireOneNumber(c *Call, e *env) (Number, error) {
	if len(c.Args) != 1 {
		return 0, fmt.Errorf("tablescript: %s takes exactly one argument", c.Name)
	}
	n, err := asNumber(c.Args[0], e)
	return Number(n), err
}

func builtinFilter(c *Call, e *env) (Value, error) {
	if len(c.Args) != 2 {
		return nil, fmt.Errorf("tablescript: filter(table, predicate) takes two arguments")
	}
	src, err := asTable(c.Args[0], e)
	if err != nil {
		return nil, err
	}
	lambda, ok := c.Args[1].(*Lambda)
	if !ok {
		return nil, fmt.Errorf("tablescript: filter's second argument must be a `row -> expr` predicate")
	}

	out := table.New(src.Columns)
	for _, cells := range src.Rows {
		row := Row{Columns: src.Columns, Cells: cells}
		v, err := applyLambda(lambda, row, e)
		if err != nil {
			return nil, err
		}
		if truthy(v) {
			out.Rows = append(out.Rows, cells)
		}
	}
	return TableVal{Table: out}, nil
}

func builtinSelect(c *Call, e *env) (Value, error) {
	if len(c.Args) < 2 {
		return nil, fmt.Errorf("tablescript: select(table, columns...) needs at least one column")
	}
	src, err := asTable(c.Args[0], e)
	if err != nil {
		return nil, err
	}
	var cols []string
	var idx []int
	for _, a := range c.Args[1:] {
		name, err := asString(a, e)
		if err != nil {
			return nil, err
		}
		i := src.ColumnIndex(name)
		if i < 0 {
			return nil, fmt.Errorf("tablescript: select: no such column %q", name)
		}
		cols = append(cols, name)
		idx = append(idx, i)
	}
	out := table.New(cols)
	for _, cells := range src.Rows {
		row := make([]table.Cell, len(idx))
		for j, i := range idx {
			row[j] = cells[i]
		}
		out.Rows = append(out.Rows, row)
	}
	return TableVal{Table: out}, nil
}

func builtinSort(c *Call, e *env) (Value, error) {
	if len(c.Args) < 2 || len(c.Args) > 3 {
		return nil, fmt.Errorf("tablescript: sort(table, column, desc?) takes two or three arguments")
	}
	src, err := asTable(c.Args[0], e)
	if err != nil {
		return nil, err
	}
	col, err := asString(c.Args[1], e)
	if err != nil {
		return nil, err
	}
	idx := src.ColumnIndex(col)
	if idx < 0 {
		return nil, fmt.Errorf("tablescript: sort: no such column %q", col)
	}
	desc := false
	if len(c.Args) == 3 {
		v, err := eval(c.Args[2], e)
		if err != nil {
			return nil, err
		}
		desc = truthy(v)
	}

	out := table.New(src.Columns)
	out.Rows = append(out.Rows, src.Rows...)
	sort.SliceStable(out.Rows, func(i, j int) bool {
		less := cellLess(out.Rows[i][idx], out.Rows[j][idx])
		if desc {
			return cellLess(out.Rows[j][idx], out.Rows[i][idx])
		}
		return less
	})
	return TableVal{Table: out}, nil
}

func cellLess(a, b table.Cell) bool {
	if an, aok := a.Number(); aok {
		if bn, bok := b.Number(); bok {
			return an < bn
		}
	}
	return a.String() < b.String()
}

func builtinTopN(c *Call, e *env) (Value, error) {
	if len(c.Args) != 2 {
		return nil, fmt.Errorf("tablescript: topn(table, n) takes two arguments")
	}
	src, err := asTable(c.Args[0], e)
	if err != nil {
		return nil, err
	}
	n, err := asNumber(c.Args[1], e)
	if err != nil {
		return nil, err
	}
	count := int(n)
	if count > len(src.Rows) {
		count = len(src.Rows)
	}
	if count < 0 {
		count = 0
	}
	out := table.New(src.Columns)
	out.Rows = append(out.Rows, src.Rows[:count]...)
	return TableVal{Table: out}, nil
}

func builtinGroupBy(c *Call, e *env) (Value, error) {
	if len(c.Args) != 3 {
		return nil, fmt.Errorf("tablescript: groupby(table, column, aggregate) takes three arguments")
	}
	src, err := asTable(c.Args[0], e)
	if err != nil {
		return nil, err
	}
	groupCol, err := asString(c.Args[1], e)
	if err != nil {
		return nil, err
	}
	groupIdx := src.ColumnIndex(groupCol)
	if groupIdx < 0 {
		return nil, fmt.Errorf("tablescript: groupby: no such column %q", groupCol)
	}
	aggCall, ok := c.Args[2].(*Call)
	if !ok {
		return nil, fmt.Errorf("tablescript: groupby's third argument must be sum/count/avg/min/max(...)")
	}
	var aggCol string
	var aggIdx = -1
	if aggCall.Name != "count" {
		if len(aggCall.Args) != 1 {
			return nil, fmt.Errorf("tablescript: %s(column) takes exactly one column argument", aggCall.Name)
		}
		aggCol, err = asString(aggCall.Args[0], e)
		if err != nil {
			return nil, err
		}
		aggIdx = src.ColumnIndex(aggCol)
		if aggIdx < 0 {
			return nil, fmt.Errorf("tablescript: groupby: no such column %q", aggCol)
		}
	}

	type bucket struct {
		key table.Cell
		values []float64
		count int
	}
	order := []string{}
	buckets := map[string]*bucket{}
	for _, cells := range src.Rows {
		key := cells[groupIdx]
		k := key.String()
		b, ok := buckets[k]
		if !ok {
			b = &bucket{key: key}
			buckets[k] = b
			order = append(order, k)
		}
		b.count++
		if aggIdx >= 0 {
			if f, ok := cells[aggIdx].Number(); ok {
				b.values = append(b.values, f)
			}
		}
	}

	aggColumnName := "count"
	if aggCall.Name != "count" {
		aggColumnName = aggCall.Name + "_" + aggCol
	}
	out := table.New([]string{groupCol, aggColumnName})
	for _, k := range order {
		b := buckets[k]
		var agg float64
		switch aggCall.Name {
		case "count":
			agg = float64(b.count)
		case "sum":
			agg = sumFloats(b.values)
		case "avg":
			if len(b.values) > 0 {
				agg = sumFloats(b.values) / float64(len(b.values))
			}
		case "min":
			agg = minFloats(b.values)
		case "max":
			agg = maxFloats(b.values)
		default:
			return nil, fmt.Errorf("tablescript: unknown aggregate %q", aggCall.Name)
		}
		out.Rows = append(out.Rows, []table.Cell{b.key, numberCell(agg)})
	}
	return TableVal{Table: out}, nil
}

func numberCell(f float64) table.Cell {
	if f == math.Trunc(f) {
		return table.Int(int64(f))
	}
	return table.Float(f)
}

func sumFloats(xs []float64) float64 {
	var s float64
	for _, x := range xs {
		s += x
	}
	return s
}

func minFloats(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	m := xs[0]
	for _, x := range xs[1:] {
		if x < m {
			m = x
		}
	}
	return m
}

func maxFloats(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	m := xs[0]
	for _, x := range xs[1:] {
		if x > m {
			m = x
		}
	}
	return m
}

// builtinSleep busy-sleeps for the given number of seconds without
// observing any cancellation signal. It exists so tests can deterministically
// exercise the Sandbox's hard deadline: the goroutine evaluating
// it keeps running past the deadline rather than being interrupted, since
// Run abandons a stuck script's goroutine instead of killing it.
func builtinSleep(c *Call, e *env) (Value, error) {
	n, err := requireOneNumber(c, e)
	if err != nil {
		return nil, err
	}
	time.Sleep(time.Duration(float64(n) * float64(time.Second)))
	return Bool(true), nil
}
