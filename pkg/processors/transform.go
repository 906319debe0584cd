// Package processors implements the built-in processors of the execution graph.
package processors

import (
	"errors"
	"io"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/sandboxws/isotope/pipeline/pkg/processor"
)

// Stage is a record-at-a-time function run by a Transform. Apply may return
// nil to drop the record. The input record stays owned by the caller. Stages
// implementing io.Closer are closed with their transform.
type Stage interface {
	Open(ctx *processor.Context) error
	Apply(rec arrow.Record) (arrow.Record, error)
}

// exhauster is implemented by stages that stop accepting input early.
type exhauster interface {
	Exhausted() bool
}

// Transform is a one-input, one-output processor applying a Stage.
type Transform struct {
	processor.Base
	stage Stage
	ctx   *processor.Context

	input    processor.Chunk // pulled, waiting for Work
	hasInput bool
	output   processor.Chunk // produced, waiting for the output port
	hasOut   bool
	inDone   bool
	err      error
}

// NewTransform wraps stage in a processor.
func NewTransform(name string, stage Stage) *Transform {
	return &Transform{Base: processor.NewBase(name, 1, 1), stage: stage}
}

func (t *Transform) Open(ctx *processor.Context) error {
	t.ctx = ctx
	return t.stage.Open(ctx)
}

func (t *Transform) Prepare() processor.Status {
	in, out := t.Input(0), t.Output(0)

	if out.IsClosed() {
		in.Close()
		return processor.StatusFinished
	}
	if t.err != nil {
		return processor.StatusHasReadyWork
	}
	if t.hasOut {
		if !out.CanPush() {
			return processor.StatusOutputIsFull
		}
		if err := out.Push(t.output); err != nil {
			t.err = err
			return processor.StatusHasReadyWork
		}
		t.output, t.hasOut = processor.Chunk{}, false
	}
	if t.hasInput {
		return processor.StatusHasReadyWork
	}
	if t.inDone {
		return t.finish()
	}
	if ex, ok := t.stage.(exhauster); ok && ex.Exhausted() {
		in.Close()
		return t.finish()
	}

	c, err := in.Pull()
	switch {
	case err == nil:
		t.input, t.hasInput = c, true
		return processor.StatusHasReadyWork
	case errors.Is(err, processor.ErrWouldBlock):
		return processor.StatusNeedsMoreInput
	case errors.Is(err, processor.ErrEndOfStream):
		t.inDone = true
		return t.finish()
	default:
		t.err = err
		return processor.StatusHasReadyWork
	}
}

func (t *Transform) finish() processor.Status {
	out := t.Output(0)
	if !out.CanPush() && !out.IsFinished() {
		return processor.StatusOutputIsFull
	}
	if err := out.Finish(); err != nil {
		t.err = err
		return processor.StatusHasReadyWork
	}
	return processor.StatusFinished
}

func (t *Transform) Work() error {
	if t.err != nil {
		return t.err
	}
	c := t.input
	t.input, t.hasInput = processor.Chunk{}, false
	defer c.Release()

	if c.IsControl() {
		return nil
	}
	rec, err := t.stage.Apply(c.Record())
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	if t.ctx != nil {
		t.ctx.Metrics.ChunksProcessed.Add(1)
		t.ctx.Metrics.RowsProcessed.Add(rec.NumRows())
	}
	if rec.NumRows() == 0 {
		rec.Release()
		return nil
	}
	t.output, t.hasOut = processor.NewChunk(rec), true
	return nil
}

// Close releases chunks the transform still holds.
func (t *Transform) Close() error {
	if t.hasInput {
		t.input.Release()
		t.hasInput = false
	}
	if t.hasOut {
		t.output.Release()
		t.hasOut = false
	}
	if c, ok := t.stage.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
