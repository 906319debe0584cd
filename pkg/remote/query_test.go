package remote

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/sandboxws/isotope/pipeline/pkg/processor"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingListener struct {
	mu       sync.Mutex
	readable int
	finished []error
}

func (l *recordingListener) RemoteReadable() {
	l.mu.Lock()
	l.readable++
	l.mu.Unlock()
}

func (l *recordingListener) RemoteFinished(err error) {
	l.mu.Lock()
	l.finished = append(l.finished, err)
	l.mu.Unlock()
}

func (l *recordingListener) snapshot() (int, []error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readable, append([]error(nil), l.finished...)
}

func makeChunk(alloc memory.Allocator, v int64) processor.Chunk {
	schema := arrow.NewSchema([]arrow.Field{{Name: "v", Type: arrow.PrimitiveTypes.Int64}}, nil)
	b := array.NewInt64Builder(alloc)
	defer b.Release()
	b.Append(v)
	col := b.NewArray()
	defer col.Release()
	return processor.NewChunk(array.NewRecord(schema, []arrow.Array{col}, 1))
}

// readAll polls TryRead until the query reports a terminal result.
func readAll(t *testing.T, q *Query) ([]int64, error) {
	t.Helper()
	var got []int64
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		c, err := q.TryRead()
		switch {
		case err == nil:
			got = append(got, c.Record().Column(0).(*array.Int64).Value(0))
			c.Release()
		case errors.Is(err, processor.ErrWouldBlock):
			time.Sleep(time.Millisecond)
		case errors.Is(err, processor.ErrEndOfStream):
			return got, nil
		default:
			return got, err
		}
	}
	t.Fatal("query did not finish")
	return nil, nil
}

func TestQueryDeliversInOrder(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer alloc.AssertSize(t, 0)

	q := NewQuery("shard-0", FromChunks(makeChunk(alloc, 1), makeChunk(alloc, 2), makeChunk(alloc, 3)), 1)
	l := &recordingListener{}
	q.Subscribe(l)

	_, err := q.TryRead()
	require.ErrorIs(t, err, processor.ErrWouldBlock, "unstarted query has nothing to read")

	q.Start(context.Background())
	q.Start(context.Background())

	got, err := readAll(t, q)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2, 3}, got)
	require.NoError(t, q.Wait(context.Background()))

	readable, finished := l.snapshot()
	require.Equal(t, 3, readable)
	require.Equal(t, []error{nil}, finished)
}

func TestQueryFailure(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer alloc.AssertSize(t, 0)

	boom := errors.New("connection reset")
	q := NewQuery("shard-1", Failing(boom, makeChunk(alloc, 9)), 0)
	q.Start(context.Background())

	got, err := readAll(t, q)
	require.ErrorIs(t, err, boom)
	require.Equal(t, []int64{9}, got, "rows emitted before the failure are still readable")

	l := &recordingListener{}
	q.Subscribe(l)
	_, finished := l.snapshot()
	require.Len(t, finished, 1)
	require.ErrorIs(t, finished[0], boom)
}

func TestQueryCancelReleasesBuffered(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer alloc.AssertSize(t, 0)

	chunks := make([]processor.Chunk, 5)
	for i := range chunks {
		chunks[i] = makeChunk(alloc, int64(i))
	}
	q := NewQuery("shard-2", FromChunks(chunks...), 2)
	q.Start(context.Background())

	// Let the executor fill the buffer and block.
	require.Eventually(t, func() bool { return len(q.data) == 2 }, time.Second, time.Millisecond)
	q.Cancel()
	<-q.Done()

	_, err := q.TryRead()
	require.ErrorIs(t, err, ErrCancelled)
	require.ErrorIs(t, q.Wait(context.Background()), ErrCancelled)
}

func TestQueryCancelBeforeStart(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer alloc.AssertSize(t, 0)

	q := NewQuery("idle", FromChunks(makeChunk(alloc, 1), makeChunk(alloc, 2)), 0)
	l := &recordingListener{}
	q.Subscribe(l)
	q.Cancel()
	q.Start(context.Background())

	require.ErrorIs(t, q.Wait(context.Background()), ErrCancelled)
	require.Eventually(t, func() bool {
		_, finished := l.snapshot()
		return len(finished) == 1
	}, time.Second, time.Millisecond)
	readable, finished := l.snapshot()
	require.Zero(t, readable, "a cancelled executor emits nothing")
	require.Equal(t, []error{ErrCancelled}, finished)
}

func TestQueryParentCancelIsCancellation(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer alloc.AssertSize(t, 0)

	ctx, cancel := context.WithCancel(context.Background())
	emitted := make(chan struct{})
	q := NewQuery("shard-3", ExecutorFunc(func(ctx context.Context, emit func(processor.Chunk) error) error {
		if err := emit(makeChunk(alloc, 1)); err != nil {
			return err
		}
		close(emitted)
		<-ctx.Done()
		return ctx.Err()
	}), 2)
	q.Start(ctx)
	<-emitted
	cancel()

	require.ErrorIs(t, q.Wait(context.Background()), ErrCancelled)
	_, err := q.TryRead()
	require.ErrorIs(t, err, ErrCancelled)
}

func TestQueryRecoversPanic(t *testing.T) {
	q := NewQuery("bad", ExecutorFunc(func(context.Context, func(processor.Chunk) error) error {
		panic("decoder exploded")
	}), 0)
	q.Start(context.Background())
	err := q.Wait(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "panicked")
}
