// Package connectors implements sources, sinks, and remote executors that
// connect pipelines to the outside world.
package connectors

import (
	"fmt"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/sandboxws/isotope/pipeline/pkg/processor"
	"github.com/sandboxws/isotope/pipeline/pkg/processors"
)

const defaultBatchSize = 1024

// GeneratorConfig controls synthetic data generation.
type GeneratorConfig struct {
	// BatchSize is the number of rows per record. Defaults to 1024.
	BatchSize int
	// MaxRows stops the generator after this many rows. Zero means unbounded.
	MaxRows int64
	// RowsPerSecond paces generation. Zero means as fast as possible.
	RowsPerSecond int64
}

// Generator produces synthetic Arrow records for a schema. Values are derived
// from a running sequence number so output is deterministic.
type Generator struct {
	schema *arrow.Schema
	cfg    GeneratorConfig
	alloc  memory.Allocator
	now    func() time.Time

	seq   int64
	start time.Time
}

// NewGenerator creates a generator for schema.
func NewGenerator(schema *arrow.Schema, cfg GeneratorConfig) *Generator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.RowsPerSecond > 0 && int64(cfg.BatchSize) > cfg.RowsPerSecond {
		cfg.BatchSize = int(cfg.RowsPerSecond)
	}
	return &Generator{schema: schema, cfg: cfg, alloc: memory.DefaultAllocator, now: time.Now}
}

func (g *Generator) Open(ctx *processor.Context) error {
	if ctx.Alloc != nil {
		g.alloc = ctx.Alloc
	}
	for _, f := range g.schema.Fields() {
		if !generatable(f.Type) {
			return fmt.Errorf("generator: unsupported type %s for field %q", f.Type, f.Name)
		}
	}
	return nil
}

// Emitted returns the number of rows generated so far.
func (g *Generator) Emitted() int64 { return g.seq }

func (g *Generator) exhausted() bool {
	return g.cfg.MaxRows > 0 && g.seq >= g.cfg.MaxRows
}

// Delay returns how long until the next record is due. It is zero when
// generation is unpaced or exhausted.
func (g *Generator) Delay() time.Duration {
	if g.cfg.RowsPerSecond <= 0 || g.exhausted() || g.start.IsZero() {
		return 0
	}
	due := g.start.Add(time.Duration(float64(time.Second) * float64(g.seq) / float64(g.cfg.RowsPerSecond)))
	if d := due.Sub(g.now()); d > 0 {
		return d
	}
	return 0
}

// Next returns the next record, or nil once MaxRows rows were produced.
func (g *Generator) Next() (arrow.Record, error) {
	if g.exhausted() {
		return nil, nil
	}
	if g.start.IsZero() {
		g.start = g.now()
	}
	n := int64(g.cfg.BatchSize)
	if g.cfg.MaxRows > 0 && g.seq+n > g.cfg.MaxRows {
		n = g.cfg.MaxRows - g.seq
	}
	rec := g.generateBatch(g.seq, int(n))
	g.seq += n
	return rec, nil
}

func generatable(dt arrow.DataType) bool {
	switch dt.ID() {
	case arrow.INT64, arrow.INT32, arrow.FLOAT64, arrow.STRING, arrow.BOOL, arrow.TIMESTAMP:
		return true
	}
	return false
}

func (g *Generator) generateBatch(startSeq int64, numRows int) arrow.Record {
	b := array.NewRecordBuilder(g.alloc, g.schema)
	defer b.Release()

	now := g.now().UnixMilli()
	for row := 0; row < numRows; row++ {
		seq := startSeq + int64(row)
		for i, f := range g.schema.Fields() {
			switch fb := b.Field(i).(type) {
			case *array.Int64Builder:
				fb.Append(seq)
			case *array.Int32Builder:
				fb.Append(int32(seq))
			case *array.Float64Builder:
				fb.Append(float64(seq) * 1.1)
			case *array.StringBuilder:
				fb.Append(fmt.Sprintf("%s_%d", f.Name, seq))
			case *array.BooleanBuilder:
				fb.Append(seq%2 == 0)
			case *array.TimestampBuilder:
				fb.Append(arrow.Timestamp(now + seq))
			default:
				fb.AppendNull()
			}
		}
	}
	return b.NewRecord()
}

// GeneratorSource is a processors.Source driven by a Generator. When the
// generator is paced it parks on a timer instead of spinning.
type GeneratorSource struct {
	*processors.Source
	gen   *Generator
	token processor.WakeToken
	ctx   *processor.Context

	mu    sync.Mutex
	timer *time.Timer
}

// NewGeneratorSource creates a source emitting gen's records.
func NewGeneratorSource(name string, gen *Generator) *GeneratorSource {
	return &GeneratorSource{
		Source: processors.NewSource(name, gen),
		gen:    gen,
		token:  processor.NewWakeToken(),
	}
}

func (s *GeneratorSource) WakeToken() processor.WakeToken { return s.token }

func (s *GeneratorSource) Open(ctx *processor.Context) error {
	s.ctx = ctx
	return s.Source.Open(ctx)
}

func (s *GeneratorSource) Prepare() processor.Status {
	status := s.Source.Prepare()
	if status != processor.StatusHasReadyWork {
		return status
	}
	if d := s.gen.Delay(); d > 0 {
		s.arm(d)
		return processor.StatusWaitingOnAsync
	}
	return status
}

func (s *GeneratorSource) arm(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		return
	}
	s.timer = time.AfterFunc(d, func() {
		s.mu.Lock()
		s.timer = nil
		s.mu.Unlock()
		s.ctx.Signal(s.token)
	})
}

// Cancel stops a pending pacing timer.
func (s *GeneratorSource) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *GeneratorSource) Close() error {
	s.Cancel()
	return s.Source.Close()
}
