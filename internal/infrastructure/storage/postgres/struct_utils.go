package postgres

import (
	"reflect"
	"sync"
)

// column is one db-tagged field, addressed by its index path so that fields
// promoted from embedded structs resolve with a single FieldByIndex.
type column struct {
	name  string
	index []int
}

// layouts caches the flattened column list per struct type.
var layouts sync.Map // reflect.Type -> []column

func layoutOf(t reflect.Type) []column {
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if cached, ok := layouts.Load(t); ok {
		return cached.([]column)
	}

	var cols []column
	if t.Kind() == reflect.Struct {
		cols = collectColumns(t, nil)
	}
	layouts.Store(t, cols)
	return cols
}

func collectColumns(t reflect.Type, prefix []int) []column {
	var cols []column
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		path := append(append([]int(nil), prefix...), i)

		if f.Anonymous && f.Type.Kind() == reflect.Struct {
			cols = append(cols, collectColumns(f.Type, path)...)
			continue
		}

		tag := f.Tag.Get("db")
		if tag == "" || tag == "-" {
			continue
		}
		cols = append(cols, column{name: tag, index: path})
	}
	return cols
}

// ExtractDBColumns returns the "db" tag names of T in declaration order,
// embedded structs inlined. Intended for package-level column lists:
//
//	var lotColumns = ExtractDBColumns[ledger.StockLot]()
func ExtractDBColumns[T any]() []string {
	cols := layoutOf(reflect.TypeOf((*T)(nil)).Elem())
	if len(cols) == 0 {
		return nil
	}
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.name
	}
	return names
}

// StructToMap maps db column names to field values, ready for squirrel SetMap.
// Non-struct values yield nil.
func StructToMap(v any) map[string]any {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Ptr {
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil
	}

	cols := layoutOf(rv.Type())
	res := make(map[string]any, len(cols))
	for _, c := range cols {
		res[c.name] = rv.FieldByIndex(c.index).Interface()
	}
	return res
}
