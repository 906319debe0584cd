package processors

import (
	"fmt"
	"sort"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/compute"

	helpers "github.com/sandboxws/isotope/pipeline/pkg/arrow/helpers"
	"github.com/sandboxws/isotope/pipeline/pkg/expr"
	"github.com/sandboxws/isotope/pipeline/pkg/processor"
)

// StageFunc adapts a function to Stage.
type StageFunc func(rec arrow.Record) (arrow.Record, error)

func (f StageFunc) Open(*processor.Context) error { return nil }

func (f StageFunc) Apply(rec arrow.Record) (arrow.Record, error) { return f(rec) }

// filterStage keeps the rows matching a SQL condition.
type filterStage struct {
	cond *expr.Expr
	ctx  *processor.Context
}

// NewFilter returns a transform that keeps rows matching condition.
func NewFilter(name, condition string) (*Transform, error) {
	cond, err := expr.Compile(condition)
	if err != nil {
		return nil, err
	}
	return NewTransform(name, &filterStage{cond: cond}), nil
}

func (f *filterStage) Open(ctx *processor.Context) error {
	f.ctx = ctx
	return nil
}

func (f *filterStage) Apply(rec arrow.Record) (arrow.Record, error) {
	mask, err := f.cond.EvalBool(f.ctx.Ctx, f.ctx.Alloc, rec)
	if err != nil {
		return nil, err
	}
	defer mask.Release()
	return helpers.Filter(f.ctx.Ctx, f.ctx.Alloc, rec, mask)
}

// mapStage computes one output column per expression.
type mapStage struct {
	names []string
	exprs []*expr.Expr
	ctx   *processor.Context
}

// NewMap returns a transform producing the given columns (output name -> SQL
// expression). Columns are emitted in name order.
func NewMap(name string, columns map[string]string) (*Transform, error) {
	s := &mapStage{}
	for col := range columns {
		s.names = append(s.names, col)
	}
	sort.Strings(s.names)
	for _, col := range s.names {
		e, err := expr.Compile(columns[col])
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", col, err)
		}
		s.exprs = append(s.exprs, e)
	}
	return NewTransform(name, s), nil
}

func (m *mapStage) Open(ctx *processor.Context) error {
	m.ctx = ctx
	return nil
}

func (m *mapStage) Apply(rec arrow.Record) (arrow.Record, error) {
	fields := make([]arrow.Field, 0, len(m.names))
	cols := make([]arrow.Array, 0, len(m.names))
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()
	for i, e := range m.exprs {
		col, err := e.Eval(m.ctx.Ctx, m.ctx.Alloc, rec)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", m.names[i], err)
		}
		fields = append(fields, arrow.Field{Name: m.names[i], Type: col.DataType(), Nullable: true})
		cols = append(cols, col)
	}
	return array.NewRecord(arrow.NewSchema(fields, nil), cols, rec.NumRows()), nil
}

// NewRename returns a transform renaming columns (old -> new).
func NewRename(name string, columns map[string]string) *Transform {
	return NewTransform(name, StageFunc(func(rec arrow.Record) (arrow.Record, error) {
		return helpers.Renamed(rec, columns), nil
	}))
}

// NewDrop returns a transform removing the named columns.
func NewDrop(name string, columns []string) *Transform {
	return NewTransform(name, StageFunc(func(rec arrow.Record) (arrow.Record, error) {
		return helpers.Without(rec, columns...), nil
	}))
}

// castStage converts columns to new types.
type castStage struct {
	targets map[string]arrow.DataType
	ctx     *processor.Context
}

// NewCast returns a transform casting the named columns.
func NewCast(name string, targets map[string]arrow.DataType) *Transform {
	return NewTransform(name, &castStage{targets: targets})
}

func (c *castStage) Open(ctx *processor.Context) error {
	c.ctx = ctx
	return nil
}

func (c *castStage) Apply(rec arrow.Record) (arrow.Record, error) {
	fields := rec.Schema().Fields()
	cols := make([]arrow.Array, len(fields))
	var owned []arrow.Array
	defer func() {
		for _, a := range owned {
			a.Release()
		}
	}()
	ctx := compute.WithAllocator(c.ctx.Ctx, c.ctx.Alloc)
	for i, f := range fields {
		col := rec.Column(i)
		target, ok := c.targets[f.Name]
		if !ok || arrow.TypeEqual(col.DataType(), target) {
			cols[i] = col
			continue
		}
		cast, err := compute.CastArray(ctx, col, compute.SafeCastOptions(target))
		if err != nil {
			return nil, fmt.Errorf("cast %s to %s: %w", f.Name, target, err)
		}
		owned = append(owned, cast)
		fields[i].Type = target
		cols[i] = cast
	}
	return array.NewRecord(arrow.NewSchema(fields, nil), cols, rec.NumRows()), nil
}

// limitStage passes the first n rows and then stops reading.
type limitStage struct {
	remaining int64
}

// NewLimit returns a transform passing at most n rows. Once the limit is
// reached it closes its input, so upstream processors stop producing.
func NewLimit(name string, n int64) *Transform {
	return NewTransform(name, &limitStage{remaining: n})
}

func (l *limitStage) Open(*processor.Context) error { return nil }

func (l *limitStage) Apply(rec arrow.Record) (arrow.Record, error) {
	if l.remaining <= 0 {
		return nil, nil
	}
	n := rec.NumRows()
	if n > l.remaining {
		n = l.remaining
	}
	l.remaining -= n
	if n == rec.NumRows() {
		rec.Retain()
		return rec, nil
	}
	return rec.NewSlice(0, n), nil
}

func (l *limitStage) Exhausted() bool { return l.remaining <= 0 }

// flatMapStage unnests a list column, repeating the other columns once per
// element.
type flatMapStage struct {
	column string
	ctx    *processor.Context
}

// NewFlatMap returns a transform unnesting the list column. Null and empty
// lists produce no rows.
func NewFlatMap(name, column string) *Transform {
	return NewTransform(name, &flatMapStage{column: column})
}

func (f *flatMapStage) Open(ctx *processor.Context) error {
	f.ctx = ctx
	return nil
}

func (f *flatMapStage) Apply(rec arrow.Record) (arrow.Record, error) {
	idx := helpers.ColumnIndex(rec, f.column)
	if idx < 0 {
		return nil, fmt.Errorf("flatmap: column %q not found", f.column)
	}
	list, ok := rec.Column(idx).(*array.List)
	if !ok {
		return nil, fmt.Errorf("flatmap: column %q is %s, not a list", f.column, rec.Column(idx).DataType())
	}

	parents := array.NewInt64Builder(f.ctx.Alloc)
	defer parents.Release()
	elems := array.NewInt64Builder(f.ctx.Alloc)
	defer elems.Release()
	offsets := list.Offsets()
	for row := 0; row < list.Len(); row++ {
		if list.IsNull(row) {
			continue
		}
		for e := offsets[row]; e < offsets[row+1]; e++ {
			parents.Append(int64(row))
			elems.Append(int64(e))
		}
	}
	if parents.Len() == 0 {
		return nil, nil
	}
	parentIdx, elemIdx := parents.NewArray(), elems.NewArray()
	defer parentIdx.Release()
	defer elemIdx.Release()

	ctx := compute.WithAllocator(f.ctx.Ctx, f.ctx.Alloc)
	schema := rec.Schema()
	fields := make([]arrow.Field, schema.NumFields())
	cols := make([]arrow.Array, schema.NumFields())
	release := func() {
		for _, c := range cols {
			if c != nil {
				c.Release()
			}
		}
	}
	for i, field := range schema.Fields() {
		var (
			col arrow.Array
			err error
		)
		if i == idx {
			field.Type = list.DataType().(*arrow.ListType).Elem()
			field.Nullable = true
			col, err = compute.TakeArray(ctx, list.ListValues(), elemIdx)
		} else {
			col, err = compute.TakeArray(ctx, rec.Column(i), parentIdx)
		}
		if err != nil {
			release()
			return nil, fmt.Errorf("flatmap: take %s: %w", field.Name, err)
		}
		fields[i], cols[i] = field, col
	}
	out := array.NewRecord(arrow.NewSchema(fields, nil), cols, int64(parentIdx.Len()))
	release()
	return out, nil
}
