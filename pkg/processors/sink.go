package processors

import (
	"errors"
	"io"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/sandboxws/isotope/pipeline/pkg/processor"
)

// ChunkWriter consumes records at the end of a pipeline. The record stays
// owned by the sink; writers that keep it must Retain it.
type ChunkWriter interface {
	Write(rec arrow.Record) error
}

// Sink is a processor without outputs that hands every data chunk to a writer.
// Writers that implement Opener or io.Closer are opened and closed with it.
type Sink struct {
	processor.Base
	w       ChunkWriter
	ctx     *processor.Context
	pending processor.Chunk
	hasPend bool
	err     error
}

// NewSink creates a sink writing to w.
func NewSink(name string, w ChunkWriter) *Sink {
	return &Sink{Base: processor.NewBase(name, 1, 0), w: w}
}

func (s *Sink) Open(ctx *processor.Context) error {
	s.ctx = ctx
	if o, ok := s.w.(processor.Opener); ok {
		return o.Open(ctx)
	}
	return nil
}

func (s *Sink) Prepare() processor.Status {
	if s.hasPend || s.err != nil {
		return processor.StatusHasReadyWork
	}
	c, err := s.Input(0).Pull()
	switch {
	case err == nil:
		s.pending, s.hasPend = c, true
		return processor.StatusHasReadyWork
	case errors.Is(err, processor.ErrWouldBlock):
		return processor.StatusNeedsMoreInput
	case errors.Is(err, processor.ErrEndOfStream):
		return processor.StatusFinished
	default:
		s.err = err
		return processor.StatusHasReadyWork
	}
}

func (s *Sink) Work() error {
	if s.err != nil {
		return s.err
	}
	c := s.pending
	s.pending, s.hasPend = processor.Chunk{}, false
	defer c.Release()
	if c.IsControl() {
		return nil
	}
	if s.ctx != nil {
		s.ctx.Metrics.ChunksProcessed.Add(1)
		s.ctx.Metrics.RowsProcessed.Add(c.NumRows())
	}
	return s.w.Write(c.Record())
}

func (s *Sink) Close() error {
	if s.hasPend {
		s.pending.Release()
		s.hasPend = false
	}
	if c, ok := s.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Collector is a ChunkWriter that keeps every record it receives.
type Collector struct {
	mu   sync.Mutex
	recs []arrow.Record
}

func (c *Collector) Write(rec arrow.Record) error {
	rec.Retain()
	c.mu.Lock()
	c.recs = append(c.recs, rec)
	c.mu.Unlock()
	return nil
}

// Records returns the collected records in arrival order.
func (c *Collector) Records() []arrow.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]arrow.Record(nil), c.recs...)
}

// TotalRows returns the number of collected rows.
func (c *Collector) TotalRows() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int64
	for _, r := range c.recs {
		n += r.NumRows()
	}
	return n
}

// Release drops every collected record.
func (c *Collector) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.recs {
		r.Release()
	}
	c.recs = nil
}
