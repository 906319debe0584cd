package connectors

import (
	"encoding/json"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// jsonRowsToRecord converts decoded JSON rows to an Arrow record. Missing
// fields and values of the wrong kind become nulls.
func jsonRowsToRecord(alloc memory.Allocator, schema *arrow.Schema, rows []map[string]any) arrow.Record {
	b := array.NewRecordBuilder(alloc, schema)
	defer b.Release()

	for _, row := range rows {
		for i, f := range schema.Fields() {
			val, exists := row[f.Name]
			if !exists || val == nil {
				b.Field(i).AppendNull()
				continue
			}
			appendJSONValue(b.Field(i), val)
		}
	}
	return b.NewRecord()
}

func appendJSONValue(bldr array.Builder, val any) {
	switch b := bldr.(type) {
	case *array.Int64Builder:
		if n, ok := jsonInt(val); ok {
			b.Append(n)
			return
		}
	case *array.Int32Builder:
		if n, ok := jsonInt(val); ok {
			b.Append(int32(n))
			return
		}
	case *array.Float64Builder:
		if f, ok := jsonFloat(val); ok {
			b.Append(f)
			return
		}
	case *array.Float32Builder:
		if f, ok := jsonFloat(val); ok {
			b.Append(float32(f))
			return
		}
	case *array.StringBuilder:
		if s, ok := val.(string); ok {
			b.Append(s)
		} else {
			b.Append(fmt.Sprint(val))
		}
		return
	case *array.BooleanBuilder:
		if v, ok := val.(bool); ok {
			b.Append(v)
			return
		}
	}
	bldr.AppendNull()
}

func jsonInt(val any) (int64, bool) {
	switch v := val.(type) {
	case float64:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	}
	return 0, false
}

func jsonFloat(val any) (float64, bool) {
	switch v := val.(type) {
	case float64:
		return v, true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

// rowToJSON encodes one row of rec as a JSON object.
func rowToJSON(rec arrow.Record, row int) ([]byte, error) {
	schema := rec.Schema()
	obj := make(map[string]any, schema.NumFields())
	for col, f := range schema.Fields() {
		obj[f.Name] = jsonValue(rec.Column(col), row)
	}
	return json.Marshal(obj)
}

// keyToJSON encodes the keyBy columns of one row.
func keyToJSON(rec arrow.Record, row int, keyBy []string) ([]byte, error) {
	schema := rec.Schema()
	obj := make(map[string]any, len(keyBy))
	for _, name := range keyBy {
		idx := schema.FieldIndices(name)
		if len(idx) == 0 {
			continue
		}
		obj[name] = jsonValue(rec.Column(idx[0]), row)
	}
	return json.Marshal(obj)
}

func jsonValue(arr arrow.Array, row int) any {
	if arr.IsNull(row) {
		return nil
	}
	switch a := arr.(type) {
	case *array.Int64:
		return a.Value(row)
	case *array.Int32:
		return a.Value(row)
	case *array.Float64:
		return a.Value(row)
	case *array.Float32:
		return a.Value(row)
	case *array.Boolean:
		return a.Value(row)
	case *array.String:
		return a.Value(row)
	default:
		return arr.ValueStr(row)
	}
}
