package processors

import (
	"io"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/sandboxws/isotope/pipeline/pkg/processor"
)

// Generator produces records for a Source. Next returns nil once exhausted.
// Generators that also implement Opener or io.Closer are opened and closed
// with their source.
type Generator interface {
	Next() (arrow.Record, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func() (arrow.Record, error)

func (f GeneratorFunc) Next() (arrow.Record, error) { return f() }

// Source is a processor without inputs that emits one generated record per Work.
type Source struct {
	processor.Base
	gen     Generator
	ctx     *processor.Context
	pending processor.Chunk
	hasPend bool
	done    bool
}

// NewSource creates a source driven by gen.
func NewSource(name string, gen Generator) *Source {
	return &Source{Base: processor.NewBase(name, 0, 1), gen: gen}
}

// NewChunkSource creates a source emitting the given records in order. It
// takes ownership of them.
func NewChunkSource(name string, recs ...arrow.Record) *Source {
	return NewSource(name, &recordList{recs: recs})
}

func (s *Source) Open(ctx *processor.Context) error {
	s.ctx = ctx
	if o, ok := s.gen.(processor.Opener); ok {
		return o.Open(ctx)
	}
	return nil
}

func (s *Source) Prepare() processor.Status {
	out := s.Output(0)
	if out.IsClosed() {
		return processor.StatusFinished
	}
	if s.hasPend {
		if !out.CanPush() {
			return processor.StatusOutputIsFull
		}
		if err := out.Push(s.pending); err != nil {
			// Unreachable after CanPush; keep the chunk for Close.
			return processor.StatusOutputIsFull
		}
		s.pending, s.hasPend = processor.Chunk{}, false
	}
	if s.done {
		if !out.CanPush() && !out.IsFinished() {
			return processor.StatusOutputIsFull
		}
		_ = out.Finish()
		return processor.StatusFinished
	}
	return processor.StatusHasReadyWork
}

func (s *Source) Work() error {
	rec, err := s.gen.Next()
	if err != nil {
		return err
	}
	if rec == nil {
		s.done = true
		return nil
	}
	if s.ctx != nil {
		s.ctx.Metrics.ChunksProcessed.Add(1)
		s.ctx.Metrics.RowsProcessed.Add(rec.NumRows())
	}
	s.pending, s.hasPend = processor.NewChunk(rec), true
	return nil
}

func (s *Source) Close() error {
	if s.hasPend {
		s.pending.Release()
		s.hasPend = false
	}
	if c, ok := s.gen.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

type recordList struct {
	recs []arrow.Record
}

func (l *recordList) Next() (arrow.Record, error) {
	if len(l.recs) == 0 {
		return nil, nil
	}
	rec := l.recs[0]
	l.recs = l.recs[1:]
	return rec, nil
}

// Close releases records that were never emitted.
func (l *recordList) Close() error {
	for _, r := range l.recs {
		r.Release()
	}
	l.recs = nil
	return nil
}
