package table

import (
	"encoding/json"
	"fmt"
	"io"
)

// FromJSON parses a JSON document into a Table per the Fetcher's rule: a
// top-level array becomes one row per element (each element an object
// whose keys become columns); a top-level object becomes a one-row table.
// Column order follows first appearance across all rows, preserved with
// encoding/json.Decoder's token stream since decoding into map[string]any
// loses key order and no ordered-map type is genuinely exercised elsewhere
// in the codebase.
func FromJSON(r io.Reader) (*Table, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("table: parse json: %w", err)
	}
	delim, ok := tok.(json.Delim)
	if !ok {
		return nil, fmt.Errorf("table: json top level must be an object or array")
	}

	var rows []orderedObject
	switch delim {
	case '[':
		for dec.More() {
			obj, err := decodeOrderedObject(dec)
			if err != nil {
				return nil, err
			}
			rows = append(rows, obj)
		}
		if _, err := dec.Token(); err != nil { // consume ']'
			return nil, fmt.Errorf("table: parse json: %w", err)
		}
	case '{':
		obj, err := decodeOrderedObjectBody(dec)
		if err != nil {
			return nil, err
		}
		rows = append(rows, obj)
	default:
		return nil, fmt.Errorf("table: json top level must be an object or array")
	}

	return buildTable(rows)
}

// orderedObject is a flat JSON object with keys kept in first-seen order.
type orderedObject struct {
	keys   []string
	values map[string]interface{}
}

func decodeOrderedObject(dec *json.Decoder) (orderedObject, error) {
	tok, err := dec.Token()
	if err != nil {
		return orderedObject{}, fmt.Errorf("table: parse json: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return orderedObject{}, fmt.Errorf("table: array elements must be objects")
	}
	return decodeOrderedObjectBody(dec)
}

func decodeOrderedObjectBody(dec *json.Decoder) (orderedObject, error) {
	obj := orderedObject{values: map[string]interface{}{}}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return obj, fmt.Errorf("table: parse json: %w", err)
		}
		key, ok := keyTok.(string)
		if !ok {
			return obj, fmt.Errorf("table: expected object key")
		}
		var val interface{}
		if err := dec.Decode(&val); err != nil {
			return obj, fmt.Errorf("table: parse json value for %q: %w", key, err)
		}
		if _, seen := obj.values[key]; !seen {
			obj.keys = append(obj.keys, key)
		}
		obj.values[key] = val
	}
	if _, err := dec.Token(); err != nil { // consume '}'
		return obj, fmt.Errorf("table: parse json: %w", err)
	}
	return obj, nil
}

func buildTable(rows []orderedObject) (*Table, error) {
	var columns []string
	seen := map[string]bool{}
	for _, row := range rows {
		for _, k := range row.keys {
			if !seen[k] {
				seen[k] = true
				columns = append(columns, k)
			}
		}
	}
	t := New(columns)
	for _, row := range rows {
		cells := make([]Cell, len(columns))
		for i, col := range columns {
			if v, ok := row.values[col]; ok {
				cells[i] = cellFromJSON(v)
			} else {
				cells[i] = Null()
			}
		}
		t.Rows = append(t.Rows, cells)
	}
	return t, nil
}
