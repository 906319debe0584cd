package processor

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Metrics tracks per-processor counters.
type Metrics struct {
	ChunksProcessed atomic.Int64
	RowsProcessed   atomic.Int64
	Errors          atomic.Int64
}

// Context is the runtime environment handed to Opener.Open.
type Context struct {
	// Ctx is cancelled when the pipeline shuts down.
	Ctx context.Context

	// Logger scoped to this processor.
	Logger *slog.Logger

	Metrics *Metrics

	// Alloc is the Arrow allocator for chunks this processor creates.
	Alloc memory.Allocator

	// ID is the processor's index in the graph.
	ID ProcessorID

	Name string

	// Waker signals wake tokens. Async processors call it from completion
	// callbacks.
	Waker Waker
}

// NewContext creates a processor context with defaults.
func NewContext(ctx context.Context, alloc memory.Allocator, id ProcessorID, name string) *Context {
	return &Context{
		Ctx:     ctx,
		Logger:  slog.Default().With("processor", int(id), "name", name),
		Metrics: &Metrics{},
		Alloc:   alloc,
		ID:      id,
		Name:    name,
	}
}

// Done returns the context's Done channel.
func (c *Context) Done() <-chan struct{} {
	return c.Ctx.Done()
}

// Signal wakes whatever is parked on token. It is a no-op without a Waker.
func (c *Context) Signal(token WakeToken) {
	if c.Waker != nil {
		c.Waker.Signal(token)
	}
}

// Error wraps err with the processor's identity.
func (c *Context) Error(err error) error {
	return fmt.Errorf("processor %s (#%d): %w", c.Name, c.ID, err)
}
