// Package engine builds a processor graph from a Plan and runs it with a
// cooperative scheduler.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("isotope/pkg/engine")

// Engine executes the processor graph described by a Plan.
type Engine struct {
	plan    *Plan
	alloc   memory.Allocator
	factory Factory
	cfg     Config
	logger  *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewEngine creates a new execution engine for the given plan.
func NewEngine(plan *Plan, alloc memory.Allocator, factory Factory, cfg Config) *Engine {
	return &Engine{
		plan:    plan,
		alloc:   alloc,
		factory: factory,
		cfg:     cfg.withDefaults(),
		logger:  slog.Default().With("pipeline", plan.Name),
	}
}

// Run builds the graph and blocks until it completes, fails, or ctx is
// cancelled.
func (e *Engine) Run(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "engine.Run",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("pipeline.name", e.plan.Name),
			attribute.Int("pipeline.processors", len(e.plan.Processors)),
			attribute.Int("pipeline.workers", e.cfg.Workers),
		),
	)
	defer span.End()

	ctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()
	defer cancel()

	graph, err := Build(e.plan, e.factory)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "build failed")
		return fmt.Errorf("build pipeline %s: %w", e.plan.Name, err)
	}

	e.logger.Info("pipeline starting", "processors", graph.Len(), "workers", e.cfg.Workers)
	if err := NewScheduler(graph, e.alloc, e.cfg, e.logger).Run(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Error("pipeline failed", "error", err)
		return err
	}
	e.logger.Info("pipeline finished")
	return nil
}

// Stop cancels a running pipeline.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		e.cancel()
	}
}

// Config returns the engine's configuration with defaults applied.
func (e *Engine) Config() Config {
	return e.cfg
}
