package processors

import (
	"errors"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"

	"github.com/sandboxws/isotope/pipeline/pkg/arrow/helpers"
	"github.com/sandboxws/isotope/pipeline/pkg/expr"
	"github.com/sandboxws/isotope/pipeline/pkg/processor"
)

// Route splits every record across outputs by condition. Output i receives
// the rows whose first matching condition is conditions[i]; the last output
// receives rows matching none. A closed output drops its rows, and the route
// finishes once every output is closed.
type Route struct {
	processor.Base
	conds []*expr.Expr
	ctx   *processor.Context

	input    processor.Chunk
	hasInput bool
	inDone   bool
	pending  []processor.Chunk
	hasPend  []bool
	err      error
}

// NewRoute compiles conditions and returns a route with len(conditions)+1
// outputs.
func NewRoute(name string, conditions []string) (*Route, error) {
	if len(conditions) == 0 {
		return nil, fmt.Errorf("route %s: at least one condition is required", name)
	}
	r := &Route{
		Base:    processor.NewBase(name, 1, len(conditions)+1),
		pending: make([]processor.Chunk, len(conditions)+1),
		hasPend: make([]bool, len(conditions)+1),
	}
	for _, c := range conditions {
		e, err := expr.Compile(c)
		if err != nil {
			return nil, fmt.Errorf("route %s: %w", name, err)
		}
		r.conds = append(r.conds, e)
	}
	return r, nil
}

func (r *Route) Open(ctx *processor.Context) error {
	r.ctx = ctx
	return nil
}

// flush pushes pending chunks and reports whether all were delivered.
func (r *Route) flush() bool {
	done := true
	for i, out := range r.Outputs() {
		if !r.hasPend[i] {
			continue
		}
		if out.IsClosed() {
			r.pending[i].Release()
			r.pending[i], r.hasPend[i] = processor.Chunk{}, false
			continue
		}
		if !out.CanPush() {
			done = false
			continue
		}
		if err := out.Push(r.pending[i]); err != nil {
			r.err = err
			return false
		}
		r.pending[i], r.hasPend[i] = processor.Chunk{}, false
	}
	return done
}

func (r *Route) Prepare() processor.Status {
	in := r.Input(0)
	if processor.AllOutputsClosed(r) {
		in.Close()
		return processor.StatusFinished
	}
	if r.err != nil {
		return processor.StatusHasReadyWork
	}
	if !r.flush() {
		if r.err != nil {
			return processor.StatusHasReadyWork
		}
		return processor.StatusOutputIsFull
	}
	if r.hasInput {
		return processor.StatusHasReadyWork
	}
	if r.inDone {
		return r.finish()
	}

	c, err := in.Pull()
	switch {
	case err == nil:
		r.input, r.hasInput = c, true
		return processor.StatusHasReadyWork
	case errors.Is(err, processor.ErrWouldBlock):
		return processor.StatusNeedsMoreInput
	case errors.Is(err, processor.ErrEndOfStream):
		r.inDone = true
		return r.finish()
	default:
		r.err = err
		return processor.StatusHasReadyWork
	}
}

func (r *Route) finish() processor.Status {
	status := processor.StatusFinished
	for _, out := range r.Outputs() {
		if out.IsFinished() {
			continue
		}
		if !out.CanPush() {
			status = processor.StatusOutputIsFull
			continue
		}
		if err := out.Finish(); err != nil {
			r.err = err
			return processor.StatusHasReadyWork
		}
	}
	return status
}

func (r *Route) Work() error {
	if r.err != nil {
		return r.err
	}
	c := r.input
	r.input, r.hasInput = processor.Chunk{}, false
	defer c.Release()
	if c.IsControl() {
		return nil
	}

	rec := c.Record()
	rows := int(rec.NumRows())
	routed := make([]bool, rows)
	for i, cond := range r.conds {
		mask, err := cond.EvalBool(r.ctx.Ctx, r.ctx.Alloc, rec)
		if err != nil {
			return fmt.Errorf("route condition %s: %w", cond, err)
		}
		sel := make([]bool, rows)
		for row := range rows {
			if !routed[row] && mask.IsValid(row) && mask.Value(row) {
				sel[row], routed[row] = true, true
			}
		}
		mask.Release()
		if err := r.emit(i, rec, sel); err != nil {
			return err
		}
	}
	for row := range rows {
		routed[row] = !routed[row]
	}
	if err := r.emit(len(r.conds), rec, routed); err != nil {
		return err
	}
	r.ctx.Metrics.ChunksProcessed.Add(1)
	r.ctx.Metrics.RowsProcessed.Add(int64(rows))
	return nil
}

// emit stages the selected rows of rec for output i.
func (r *Route) emit(i int, rec arrow.Record, sel []bool) error {
	hit := false
	for _, s := range sel {
		if s {
			hit = true
			break
		}
	}
	if !hit || r.Output(i).IsClosed() {
		return nil
	}
	b := array.NewBooleanBuilder(r.ctx.Alloc)
	b.AppendValues(sel, nil)
	mask := b.NewArray()
	b.Release()
	defer mask.Release()

	out, err := helpers.Filter(r.ctx.Ctx, r.ctx.Alloc, rec, mask)
	if err != nil {
		return err
	}
	r.pending[i], r.hasPend[i] = processor.NewChunk(out), true
	return nil
}

// Close releases chunks the route still holds.
func (r *Route) Close() error {
	if r.hasInput {
		r.input.Release()
		r.hasInput = false
	}
	for i := range r.pending {
		if r.hasPend[i] {
			r.pending[i].Release()
			r.hasPend[i] = false
		}
	}
	return nil
}
