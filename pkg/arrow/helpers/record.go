// Package helpers provides convenience functions for working with Arrow records.
package helpers

import (
	"context"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/compute"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// ColumnIndex returns the index of a named column, or -1.
func ColumnIndex(rec arrow.Record, name string) int {
	idx := rec.Schema().FieldIndices(name)
	if len(idx) == 0 {
		return -1
	}
	return idx[0]
}

// Filter keeps the rows where mask is true. The caller releases the result.
func Filter(ctx context.Context, alloc memory.Allocator, rec arrow.Record, mask arrow.Array) (arrow.Record, error) {
	out, err := compute.FilterRecordBatch(compute.WithAllocator(ctx, alloc), rec, mask, compute.DefaultFilterOptions())
	if err != nil {
		return nil, fmt.Errorf("filter: %w", err)
	}
	return out, nil
}

// Select returns a record holding only the named columns, in the given order.
func Select(rec arrow.Record, cols ...string) (arrow.Record, error) {
	fields := make([]arrow.Field, 0, len(cols))
	arrays := make([]arrow.Array, 0, len(cols))
	for _, name := range cols {
		i := ColumnIndex(rec, name)
		if i < 0 {
			return nil, fmt.Errorf("column %q not found", name)
		}
		fields = append(fields, rec.Schema().Field(i))
		arrays = append(arrays, rec.Column(i))
	}
	return array.NewRecord(arrow.NewSchema(fields, nil), arrays, rec.NumRows()), nil
}

// Without returns rec minus the named columns. Unknown names are ignored.
func Without(rec arrow.Record, cols ...string) arrow.Record {
	drop := make(map[string]bool, len(cols))
	for _, c := range cols {
		drop[c] = true
	}
	schema := rec.Schema()
	var fields []arrow.Field
	var arrays []arrow.Array
	for i, f := range schema.Fields() {
		if drop[f.Name] {
			continue
		}
		fields = append(fields, f)
		arrays = append(arrays, rec.Column(i))
	}
	return array.NewRecord(arrow.NewSchema(fields, nil), arrays, rec.NumRows())
}

// Renamed returns rec with columns renamed according to names (old -> new).
func Renamed(rec arrow.Record, names map[string]string) arrow.Record {
	fields := rec.Schema().Fields()
	for i := range fields {
		if n, ok := names[fields[i].Name]; ok {
			fields[i].Name = n
		}
	}
	return array.NewRecord(arrow.NewSchema(fields, nil), rec.Columns(), rec.NumRows())
}

// Concat joins records that share a schema into one.
func Concat(alloc memory.Allocator, recs []arrow.Record) (arrow.Record, error) {
	if len(recs) == 0 {
		return nil, fmt.Errorf("concat: no records")
	}
	schema := recs[0].Schema()
	cols := make([]arrow.Array, schema.NumFields())
	var rows int64
	for _, r := range recs {
		rows += r.NumRows()
	}
	for c := range cols {
		parts := make([]arrow.Array, len(recs))
		for i, r := range recs {
			parts[i] = r.Column(c)
		}
		col, err := array.Concatenate(parts, alloc)
		if err != nil {
			for _, done := range cols[:c] {
				done.Release()
			}
			return nil, fmt.Errorf("concat column %s: %w", schema.Field(c).Name, err)
		}
		cols[c] = col
	}
	out := array.NewRecord(schema, cols, rows)
	for _, col := range cols {
		col.Release()
	}
	return out, nil
}

// ColumnNames returns the column names of a record.
func ColumnNames(rec arrow.Record) []string {
	fields := rec.Schema().Fields()
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.Name
	}
	return names
}
