// Package remote is the boundary between the scheduler and sub-queries that
// execute elsewhere. A Query runs an externally owned Executor on its own
// goroutine and exposes its output through non-blocking reads and listener
// callbacks, so processors never block on the network.
package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/sourcegraph/conc/panics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/sandboxws/isotope/pipeline/pkg/processor"
)

var tracer = otel.Tracer("isotope/pkg/remote")

// ErrCancelled is returned by reads after Cancel.
var ErrCancelled = errors.New("remote query cancelled")

// DefaultBufferSize is the number of chunks a query buffers ahead of its reader.
const DefaultBufferSize = 4

// Executor produces the rows of a remote sub-query. Execute calls emit for
// each chunk and returns when the query is exhausted. emit blocks while the
// query's buffer is full and fails once the query is cancelled; ownership of
// the chunk passes to emit in both cases.
type Executor interface {
	Execute(ctx context.Context, emit func(processor.Chunk) error) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, emit func(processor.Chunk) error) error

func (f ExecutorFunc) Execute(ctx context.Context, emit func(processor.Chunk) error) error {
	return f(ctx, emit)
}

// Listener receives query events. Callbacks run on the executor goroutine
// and must not block.
type Listener interface {
	// RemoteReadable is called when a chunk becomes available.
	RemoteReadable()
	// RemoteFinished is called once, with nil when the query completed cleanly.
	RemoteFinished(err error)
}

// Query is a handle for one remote sub-query.
type Query struct {
	id   ulid.ULID
	name string
	exec Executor
	data chan processor.Chunk
	done chan struct{}

	mu        sync.Mutex
	started   bool
	cancelled bool
	finished  bool
	err       error
	cancel    context.CancelFunc
	listeners []Listener
}

// NewQuery creates an unstarted query. bufferSize below one uses DefaultBufferSize.
func NewQuery(name string, exec Executor, bufferSize int) *Query {
	if bufferSize < 1 {
		bufferSize = DefaultBufferSize
	}
	return &Query{
		id:   ulid.Make(),
		name: name,
		exec: exec,
		data: make(chan processor.Chunk, bufferSize),
		done: make(chan struct{}),
	}
}

// ID returns the query's unique id.
func (q *Query) ID() ulid.ULID { return q.id }

// Name returns the query's display name.
func (q *Query) Name() string { return q.name }

// Subscribe registers l. Events that already happened are replayed to it.
func (q *Query) Subscribe(l Listener) {
	q.mu.Lock()
	q.listeners = append(q.listeners, l)
	finished, err := q.finished, q.err
	q.mu.Unlock()

	if len(q.data) > 0 {
		l.RemoteReadable()
	}
	if finished {
		l.RemoteFinished(err)
	}
}

// Start launches the executor. It returns immediately; calling it again is a no-op.
func (q *Query) Start(ctx context.Context) {
	q.mu.Lock()
	if q.started || q.cancelled {
		q.mu.Unlock()
		return
	}
	q.started = true
	ctx, q.cancel = context.WithCancel(ctx)
	q.mu.Unlock()

	go q.run(ctx)
}

func (q *Query) run(ctx context.Context) {
	ctx, span := tracer.Start(ctx, "remote.Query.Execute")
	span.SetAttributes(attribute.String("query.id", q.id.String()), attribute.String("query.name", q.name))
	defer span.End()

	var err error
	recovered := panics.Try(func() {
		err = q.exec.Execute(ctx, func(c processor.Chunk) error { return q.emit(ctx, c) })
	})
	if recovered != nil {
		err = fmt.Errorf("remote query %s panicked: %w", q.name, recovered.AsError())
	}
	if err != nil {
		span.RecordError(err)
	}
	q.finish(ctx, err)
}

func (q *Query) emit(ctx context.Context, c processor.Chunk) error {
	if err := ctx.Err(); err != nil {
		c.Release()
		return err
	}
	select {
	case q.data <- c:
	case <-ctx.Done():
		c.Release()
		return ctx.Err()
	}
	for _, l := range q.snapshotListeners() {
		l.RemoteReadable()
	}
	return nil
}

// finish records the outcome. An executor stopped by its context reports
// ErrCancelled whether the cancellation came from Cancel or from the parent
// context.
func (q *Query) finish(ctx context.Context, err error) {
	q.mu.Lock()
	if q.finished {
		q.mu.Unlock()
		return
	}
	if ctx.Err() != nil {
		q.cancelled = true
	}
	if q.cancelled {
		err = ErrCancelled
	}
	q.finished, q.err = true, err
	cancelled, cancel := q.cancelled, q.cancel
	listeners := append([]Listener(nil), q.listeners...)
	q.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if cancelled {
		q.drain()
	}
	close(q.done)
	for _, l := range listeners {
		l.RemoteFinished(err)
	}
}

func (q *Query) snapshotListeners() []Listener {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Listener(nil), q.listeners...)
}

// TryRead returns the next buffered chunk without blocking. It returns
// processor.ErrWouldBlock when nothing is buffered yet, processor.ErrEndOfStream
// once the query completed and its buffer is empty, or the query's error.
func (q *Query) TryRead() (processor.Chunk, error) {
	q.mu.Lock()
	cancelled := q.cancelled
	q.mu.Unlock()
	if cancelled {
		return processor.Chunk{}, ErrCancelled
	}

	select {
	case c := <-q.data:
		return c, nil
	default:
	}
	select {
	case <-q.done:
	default:
		return processor.Chunk{}, processor.ErrWouldBlock
	}
	// The executor may have emitted between the two selects.
	select {
	case c := <-q.data:
		return c, nil
	default:
	}
	if q.err != nil {
		return processor.Chunk{}, q.err
	}
	return processor.Chunk{}, processor.ErrEndOfStream
}

// Cancel aborts the query on a best-effort basis and releases buffered chunks.
// Cancelling an unstarted query runs its executor with a cancelled context.
func (q *Query) Cancel() {
	q.mu.Lock()
	if q.cancelled {
		q.mu.Unlock()
		return
	}
	q.cancelled = true
	started, finished, cancel := q.started, q.finished, q.cancel
	q.mu.Unlock()

	switch {
	case finished:
		q.drain()
	case started:
		// run observes the cancelled flag and drains the buffer.
		cancel()
	default:
		// The executor still runs, with a dead context, so it can release
		// whatever it owns.
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		q.mu.Lock()
		q.started = true
		q.mu.Unlock()
		go q.run(ctx)
	}
}

// Wait blocks until the executor returned and reports the query's outcome.
func (q *Query) Wait(ctx context.Context) error {
	select {
	case <-q.done:
		return q.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the query finished.
func (q *Query) Done() <-chan struct{} { return q.done }

func (q *Query) drain() {
	for {
		select {
		case c := <-q.data:
			c.Release()
		default:
			return
		}
	}
}
