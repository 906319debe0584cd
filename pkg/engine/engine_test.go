package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/sandboxws/isotope/pipeline/pkg/processor"
	"github.com/sandboxws/isotope/pipeline/pkg/processors"
	"github.com/sandboxws/isotope/pipeline/pkg/remote"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var tagSchema = arrow.NewSchema([]arrow.Field{{Name: "tag", Type: arrow.PrimitiveTypes.Int64}}, nil)

func tagRecord(alloc memory.Allocator, tags ...int64) arrow.Record {
	b := array.NewInt64Builder(alloc)
	defer b.Release()
	b.AppendValues(tags, nil)
	col := b.NewArray()
	defer col.Release()
	return array.NewRecord(tagSchema, []arrow.Array{col}, int64(len(tags)))
}

func tagSource(alloc memory.Allocator, name string, tags ...int64) *processors.Source {
	recs := make([]arrow.Record, len(tags))
	for i, tag := range tags {
		recs[i] = tagRecord(alloc, tag)
	}
	return processors.NewChunkSource(name, recs...)
}

func tagChunks(alloc memory.Allocator, tags ...int64) []processor.Chunk {
	chunks := make([]processor.Chunk, len(tags))
	for i, tag := range tags {
		chunks[i] = processor.NewChunk(tagRecord(alloc, tag))
	}
	return chunks
}

func collectedTags(c *processors.Collector) []int64 {
	var tags []int64
	for _, r := range c.Records() {
		col := r.Column(0).(*array.Int64)
		for i := 0; i < col.Len(); i++ {
			tags = append(tags, col.Value(i))
		}
	}
	return tags
}

func sorted(tags []int64) []int64 {
	out := append([]int64(nil), tags...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func connect(t *testing.T, out *processor.OutputPort, in *processor.InputPort) {
	t.Helper()
	require.NoError(t, processor.Connect(out, in))
}

func run(t *testing.T, g *Graph, alloc memory.Allocator, workers int) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return NewScheduler(g, alloc, Config{Workers: workers}, nil).Run(ctx)
}

// TestSchedulerFanIn runs source(3) + source(2) -> resize(2->1) -> sink.
func TestSchedulerFanIn(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	a := tagSource(alloc, "a", 1, 2, 3)
	b := tagSource(alloc, "b", 10, 20)
	resize := processors.NewResize("resize", 2, 1)
	out := &processors.Collector{}
	defer out.Release()
	sink := processors.NewSink("sink", out)

	g := NewGraph()
	for _, p := range []processor.Processor{a, b, resize, sink} {
		g.Add(p)
	}
	connect(t, a.Output(0), resize.Input(0))
	connect(t, b.Output(0), resize.Input(1))
	connect(t, resize.Output(0), sink.Input(0))

	require.NoError(t, run(t, g, alloc, 1))
	if diff := cmp.Diff([]int64{1, 2, 3, 10, 20}, sorted(collectedTags(out))); diff != "" {
		t.Errorf("sink tags (-want +got):\n%s", diff)
	}
	require.Equal(t, int64(5), resize.Moved())
}

func TestSchedulerWorkerPool(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	const sources, perSource = 4, 25
	resize := processors.NewResize("resize", sources, 2)
	outs := []*processors.Collector{{}, {}}
	defer outs[0].Release()
	defer outs[1].Release()

	g := NewGraph()
	g.Add(resize)
	var want []int64
	for s := range sources {
		tags := make([]int64, perSource)
		for i := range tags {
			tags[i] = int64(s*1000 + i)
		}
		want = append(want, tags...)
		src := tagSource(alloc, "src", tags...)
		g.Add(src)
		connect(t, src.Output(0), resize.Input(s))
	}
	for i, c := range outs {
		sink := processors.NewSink("sink", c)
		g.Add(sink)
		connect(t, resize.Output(i), sink.Input(0))
	}

	require.NoError(t, run(t, g, alloc, 4))
	got := append(collectedTags(outs[0]), collectedTags(outs[1])...)
	if diff := cmp.Diff(sorted(want), sorted(got)); diff != "" {
		t.Errorf("tags (-want +got):\n%s", diff)
	}
}

// asyncWaiter waits on its wake token until released, then emits one chunk.
type asyncWaiter struct {
	processor.Base
	alloc    memory.Allocator
	token    processor.WakeToken
	ctx      *processor.Context
	released atomic.Bool
	sent     bool
	// signalEarly makes the waiter signal its own token before parking.
	signalEarly bool

	mu       sync.Mutex
	statuses []processor.Status
}

func newAsyncWaiter(alloc memory.Allocator) *asyncWaiter {
	return &asyncWaiter{Base: processor.NewBase("waiter", 0, 1), alloc: alloc, token: processor.NewWakeToken()}
}

func (p *asyncWaiter) WakeToken() processor.WakeToken { return p.token }

func (p *asyncWaiter) Open(ctx *processor.Context) error {
	p.ctx = ctx
	return nil
}

func (p *asyncWaiter) Prepare() processor.Status {
	st := p.prepare()
	p.mu.Lock()
	p.statuses = append(p.statuses, st)
	p.mu.Unlock()
	return st
}

func (p *asyncWaiter) prepare() processor.Status {
	out := p.Output(0)
	if !p.released.Load() {
		if p.signalEarly {
			p.released.Store(true)
			p.ctx.Signal(p.token)
		}
		return processor.StatusWaitingOnAsync
	}
	if !p.sent {
		if !out.CanPush() {
			return processor.StatusOutputIsFull
		}
		return processor.StatusHasReadyWork
	}
	if !out.CanPush() && !out.IsFinished() {
		return processor.StatusOutputIsFull
	}
	_ = out.Finish()
	return processor.StatusFinished
}

func (p *asyncWaiter) Work() error {
	p.sent = true
	return p.Output(0).Push(processor.NewChunk(tagRecord(p.alloc, 7)))
}

func (p *asyncWaiter) release() {
	p.released.Store(true)
	p.ctx.Signal(p.token)
}

func (p *asyncWaiter) polls() []processor.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]processor.Status(nil), p.statuses...)
}

func TestSchedulerParksAsyncProcessor(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	waiter := newAsyncWaiter(alloc)
	out := &processors.Collector{}
	defer out.Release()
	sink := processors.NewSink("sink", out)

	g := NewGraph()
	g.Add(waiter)
	g.Add(sink)
	connect(t, waiter.Output(0), sink.Input(0))

	errCh := make(chan error, 1)
	go func() { errCh <- run(t, g, alloc, 2) }()

	require.Eventually(t, func() bool { return len(waiter.polls()) == 1 }, 5*time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, []processor.Status{processor.StatusWaitingOnAsync}, waiter.polls(), "parked processor was polled")

	waiter.release()
	require.NoError(t, <-errCh)

	polls := waiter.polls()
	require.GreaterOrEqual(t, len(polls), 3)
	require.Equal(t, processor.StatusHasReadyWork, polls[1])
	require.Equal(t, processor.StatusFinished, polls[len(polls)-1])
	require.Equal(t, []int64{7}, collectedTags(out))
}

func TestSchedulerKeepsSignalBeforePark(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	waiter := newAsyncWaiter(alloc)
	waiter.signalEarly = true
	out := &processors.Collector{}
	defer out.Release()
	sink := processors.NewSink("sink", out)

	g := NewGraph()
	g.Add(waiter)
	g.Add(sink)
	connect(t, waiter.Output(0), sink.Input(0))

	require.NoError(t, run(t, g, alloc, 1))
	require.Equal(t, []int64{7}, collectedTags(out))
}

func TestSchedulerRemoteSource(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	q := remote.NewQuery("shard", remote.FromChunks(tagChunks(alloc, 1, 2, 3, 4, 5, 6)...), 2)
	src := processors.NewRemoteSource("remote", q)
	out := &processors.Collector{}
	defer out.Release()
	sink := processors.NewSink("sink", out)

	g := NewGraph()
	g.Add(src)
	g.Add(sink)
	connect(t, src.Output(0), sink.Input(0))

	require.NoError(t, run(t, g, alloc, 2))
	require.Equal(t, []int64{1, 2, 3, 4, 5, 6}, collectedTags(out))
	require.NoError(t, q.Wait(context.Background()))
}

func TestSchedulerExpandingUnion(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	union := processors.NewExpandingUnion("union", func(context.Context) ([]*remote.Query, error) {
		return []*remote.Query{
			remote.NewQuery("s0", remote.FromChunks(tagChunks(alloc, 1, 2)...), remote.DefaultBufferSize),
			remote.NewQuery("s1", remote.FromChunks(tagChunks(alloc, 3, 4)...), remote.DefaultBufferSize),
			remote.NewQuery("s2", remote.FromChunks(tagChunks(alloc, 5, 6)...), remote.DefaultBufferSize),
		}, nil
	})
	out := &processors.Collector{}
	defer out.Release()
	sink := processors.NewSink("sink", out)

	g := NewGraph()
	g.Add(union)
	g.Add(sink)
	connect(t, union.Output(0), sink.Input(0))

	require.NoError(t, run(t, g, alloc, 2))
	require.Equal(t, []int64{1, 2, 3, 4, 5, 6}, sorted(collectedTags(out)))
	require.Equal(t, 5, g.Len())
}

func TestSchedulerExpansionFailureStalls(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	discoveryErr := errors.New("no shards")
	union := processors.NewExpandingUnion("union", func(context.Context) ([]*remote.Query, error) {
		return nil, discoveryErr
	})
	sink := processors.NewSink("sink", &processors.Collector{})

	g := NewGraph()
	g.Add(union)
	g.Add(sink)
	connect(t, union.Output(0), sink.Input(0))

	err := run(t, g, alloc, 1)
	require.ErrorIs(t, err, ErrPipelineStalled)
	require.Contains(t, err.Error(), "sink")
}

func TestSchedulerPropagatesProcessorError(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	boom := errors.New("boom")
	src := tagSource(alloc, "src", 1, 2, 3)
	bad := processors.NewTransform("bad", processors.StageFunc(func(arrow.Record) (arrow.Record, error) {
		return nil, boom
	}))
	sink := processors.NewSink("sink", &processors.Collector{})

	g := NewGraph()
	g.Add(src)
	g.Add(bad)
	g.Add(sink)
	connect(t, src.Output(0), bad.Input(0))
	connect(t, bad.Output(0), sink.Input(0))

	err := run(t, g, alloc, 2)
	require.ErrorIs(t, err, boom)
	require.Contains(t, err.Error(), "processor bad (#1)")
}

func TestSchedulerRecoversPanic(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	src := tagSource(alloc, "src", 1)
	bad := processors.NewTransform("bad", processors.StageFunc(func(arrow.Record) (arrow.Record, error) {
		panic("unexpected")
	}))
	sink := processors.NewSink("sink", &processors.Collector{})

	g := NewGraph()
	g.Add(src)
	g.Add(bad)
	g.Add(sink)
	connect(t, src.Output(0), bad.Input(0))
	connect(t, bad.Output(0), sink.Input(0))

	err := run(t, g, alloc, 1)
	require.Error(t, err)
	require.Contains(t, err.Error(), "processor bad (#1)")
	require.Contains(t, err.Error(), "unexpected")
}

// cancellingWriter cancels the run once it has seen enough rows.
type cancellingWriter struct {
	rows   atomic.Int64
	after  int64
	cancel context.CancelFunc
}

func (w *cancellingWriter) Write(rec arrow.Record) error {
	if w.rows.Add(rec.NumRows()) >= w.after {
		w.cancel()
	}
	return nil
}

func TestSchedulerCancellation(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	var n int64
	endless := processors.NewSource("endless", processors.GeneratorFunc(func() (arrow.Record, error) {
		n++
		return tagRecord(alloc, n), nil
	}))
	w := &cancellingWriter{after: 10, cancel: stop}
	sink := processors.NewSink("sink", w)

	q := remote.NewQuery("hanging", remote.ExecutorFunc(func(ctx context.Context, _ func(processor.Chunk) error) error {
		<-ctx.Done()
		return ctx.Err()
	}), 1)
	hanging := processors.NewRemoteSource("hanging", q)
	sink2 := processors.NewSink("sink2", &processors.Collector{})

	g := NewGraph()
	for _, p := range []processor.Processor{endless, sink, hanging, sink2} {
		g.Add(p)
	}
	connect(t, endless.Output(0), sink.Input(0))
	connect(t, hanging.Output(0), sink2.Input(0))

	err := NewScheduler(g, alloc, Config{Workers: 1}, nil).Run(runCtx)
	require.ErrorIs(t, err, context.Canceled)
	require.GreaterOrEqual(t, w.rows.Load(), int64(10))
	require.ErrorIs(t, q.Wait(ctx), remote.ErrCancelled)
}

func TestSchedulerDependencyGatesData(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	started, release := make(chan struct{}), make(chan struct{})
	q := remote.NewQuery("build-side", remote.ExecutorFunc(func(ctx context.Context, _ func(processor.Chunk) error) error {
		close(started)
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}), 1)
	coord := processors.NewCoordinator("coord", q)
	data := tagSource(alloc, "data", 1, 2, 3, 4, 5)
	dep := processors.NewDependentTransform("dependent")
	out := &processors.Collector{}
	defer out.Release()
	sink := processors.NewSink("sink", out)

	g := NewGraph()
	for _, p := range []processor.Processor{coord, data, dep, sink} {
		g.Add(p)
	}
	connect(t, data.Output(0), dep.Input(0))
	connect(t, dep.Output(0), sink.Input(0))
	require.NoError(t, dep.ConnectToScheduler(coord))

	errCh := make(chan error, 1)
	go func() { errCh <- run(t, g, alloc, 2) }()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("coordinator never started its query")
	}
	time.Sleep(50 * time.Millisecond)
	require.Zero(t, out.TotalRows(), "dependent emitted before its signal")

	close(release)
	require.NoError(t, <-errCh)
	require.Equal(t, []int64{1, 2, 3, 4, 5}, collectedTags(out))
	require.Equal(t, processors.CoordinatorSignaled, coord.State())
}

func TestSchedulerDependencyFailure(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	remoteErr := errors.New("build side failed")
	coord := processors.NewCoordinator("coord", remote.NewQuery("build-side", remote.Failing(remoteErr), 1))
	data := tagSource(alloc, "data", 1, 2)
	dep := processors.NewDependentTransform("dependent")
	sink := processors.NewSink("sink", &processors.Collector{})

	g := NewGraph()
	for _, p := range []processor.Processor{coord, data, dep, sink} {
		g.Add(p)
	}
	connect(t, data.Output(0), dep.Input(0))
	connect(t, dep.Output(0), sink.Input(0))
	require.NoError(t, dep.ConnectToScheduler(coord))

	err := run(t, g, alloc, 1)
	require.ErrorIs(t, err, remoteErr)
	require.Contains(t, err.Error(), "processor dependent (#2)")
}

func TestSchedulerCoordinatorReleasesQueryRows(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	// More rows than the query buffers: the coordinator must keep
	// discarding them for the query to complete.
	rows := make([]processor.Chunk, 3)
	for i := range rows {
		rows[i] = processor.NewChunk(tagRecord(alloc, int64(100+i)))
	}
	q := remote.NewQuery("build-side", remote.FromChunks(rows...), 1)
	coord := processors.NewCoordinator("coord", q)
	data := tagSource(alloc, "data", 1, 2)
	dep := processors.NewDependentTransform("dependent")
	out := &processors.Collector{}
	defer out.Release()
	sink := processors.NewSink("sink", out)

	g := NewGraph()
	for _, p := range []processor.Processor{coord, data, dep, sink} {
		g.Add(p)
	}
	connect(t, data.Output(0), dep.Input(0))
	connect(t, dep.Output(0), sink.Input(0))
	require.NoError(t, dep.ConnectToScheduler(coord))

	require.NoError(t, run(t, g, alloc, 2))
	require.Equal(t, []int64{1, 2}, collectedTags(out))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = q.Wait(ctx)
}

func TestSchedulerRejectsUnconnectedPort(t *testing.T) {
	g := NewGraph()
	g.Add(processors.NewSink("sink", &processors.Collector{}))
	err := run(t, g, memory.DefaultAllocator, 1)
	require.ErrorIs(t, err, ErrInvalidPlan)
}

func TestSchedulerRunsOnce(t *testing.T) {
	g := NewGraph()
	s := NewScheduler(g, nil, Config{Workers: 1}, nil)
	require.NoError(t, s.Run(context.Background()))
	require.Error(t, s.Run(context.Background()))
}

// ── plans ───────────────────────────────────────────────────────────

func testRegistry(alloc memory.Allocator, out *processors.Collector) Registry {
	return StandardRegistry().With(Registry{
		"values": func(n Node) (processor.Processor, error) {
			var tags []int64
			for i := 1; i <= n.IntArg("count", 0); i++ {
				tags = append(tags, int64(i))
			}
			return tagSource(alloc, n.ID, tags...), nil
		},
		"collect": func(n Node) (processor.Processor, error) {
			return processors.NewSink(n.ID, out), nil
		},
	})
}

const yamlPlan = `
name: plan-test
processors:
  - id: left
    type: values
    args: {count: 4}
  - id: right
    type: values
    args: {count: 3}
  - id: merge
    type: resize
    args: {inputs: 2, outputs: 1}
  - id: big
    type: filter
    args: {condition: "tag > 2"}
  - id: out
    type: collect
edges:
  - {from: left, to: merge}
  - {from: right, to: merge, to_port: 1}
  - {from: merge, to: big}
  - {from: big, to: out}
`

func TestEngineRunsYAMLPlan(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	path := filepath.Join(t.TempDir(), "plan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yamlPlan), 0o644))
	plan, err := LoadPlan(path)
	require.NoError(t, err)
	require.Equal(t, "plan-test", plan.Name)

	out := &processors.Collector{}
	defer out.Release()
	e := NewEngine(plan, alloc, testRegistry(alloc, out).Create, Config{Workers: 2})
	require.NoError(t, e.Run(context.Background()))
	require.Equal(t, []int64{3, 3, 4}, sorted(collectedTags(out)))
}

func TestEngineUnknownType(t *testing.T) {
	plan := &Plan{Name: "p", Processors: []Node{{ID: "x", Type: "nope"}}}
	e := NewEngine(plan, memory.DefaultAllocator, StandardRegistry().Create, Config{Workers: 1})
	err := e.Run(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), `unknown processor type "nope"`)
}

func TestBuildRejectsBadPort(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	out := &processors.Collector{}
	plan := &Plan{
		Name: "p",
		Processors: []Node{
			{ID: "src", Type: "values"},
			{ID: "out", Type: "collect"},
		},
		Edges: []Edge{{From: "src", To: "out", ToPort: 3}},
	}
	_, err := Build(plan, testRegistry(alloc, out).Create)
	require.ErrorIs(t, err, ErrInvalidPlan)
}

func TestValidatePlan(t *testing.T) {
	base := func() *Plan {
		return &Plan{
			Name: "p",
			Processors: []Node{
				{ID: "a", Type: "values"},
				{ID: "b", Type: "filter"},
				{ID: "c", Type: "collect"},
			},
			Edges: []Edge{{From: "a", To: "b"}, {From: "b", To: "c"}},
		}
	}
	tests := []struct {
		name   string
		mutate func(*Plan)
		want   string
	}{
		{"valid", func(*Plan) {}, ""},
		{"missing name", func(p *Plan) { p.Name = "" }, "name is required"},
		{"no processors", func(p *Plan) { p.Processors = nil }, "at least one processor"},
		{"duplicate id", func(p *Plan) { p.Processors[1].ID = "a" }, "duplicate processor id: a"},
		{"empty type", func(p *Plan) { p.Processors[0].Type = "" }, "empty type"},
		{"unknown edge target", func(p *Plan) { p.Edges[0].To = "zz" }, `to "zz" does not exist`},
		{"self loop", func(p *Plan) { p.Edges[0].To = "a" }, "self-loop"},
		{"port reused", func(p *Plan) { p.Edges = append(p.Edges, Edge{From: "a", To: "c", ToPort: 1}) }, "output a:0 already used"},
		{"cycle", func(p *Plan) { p.Edges = append(p.Edges, Edge{From: "c", To: "a", FromPort: 0}) }, "cycle detected: a -> b -> c -> a"},
		{"dependency cycle", func(p *Plan) {
			p.Dependencies = []Dependency{{Dependent: "a", Coordinator: "c"}}
		}, "cycle detected"},
		{"unknown coordinator", func(p *Plan) {
			p.Dependencies = []Dependency{{Dependent: "b", Coordinator: "zz"}}
		}, `coordinator "zz" does not exist`},
		{"schema mismatch", func(p *Plan) {
			p.Processors[0].OutputSchema = []Field{{Name: "tag", Type: "int64"}}
			p.Processors[1].InputSchema = []Field{{Name: "tag", Type: "utf8"}}
		}, `field "tag" type mismatch`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := base()
			tt.mutate(p)
			err := ValidatePlan(p)
			if tt.want == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrInvalidPlan)
			require.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestPlanSerializationRoundtrip(t *testing.T) {
	plan := &Plan{
		Name: "roundtrip",
		Processors: []Node{
			{ID: "src", Type: "values", Args: map[string]any{"count": 5}},
			{ID: "m", Type: "map", Args: map[string]any{"columns": map[string]any{"double": "tag * 2"}},
				InputSchema: []Field{{Name: "tag", Type: "int64"}}},
			{ID: "d", Type: "drop", Args: map[string]any{"columns": []any{"tag"}}},
			{ID: "out", Type: "collect"},
		},
		Edges: []Edge{{From: "src", To: "m"}, {From: "m", To: "d"}, {From: "d", To: "out"}},
	}

	data, err := SerializePlan(plan)
	require.NoError(t, err)
	got, err := DeserializePlan(data)
	require.NoError(t, err)

	if diff := cmp.Diff(plan, got); diff != "" {
		t.Errorf("plan mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, 5, got.Processors[0].IntArg("count", 0))
	require.Equal(t, map[string]string{"double": "tag * 2"}, got.Processors[1].StringMapArg("columns"))
	require.Equal(t, []string{"tag"}, got.Processors[2].StringsArg("columns"))
}

func TestLoadPlanFormats(t *testing.T) {
	dir := t.TempDir()
	plan, err := ParsePlan([]byte(yamlPlan))
	require.NoError(t, err)

	bin, err := SerializePlan(plan)
	require.NoError(t, err)
	binPath := filepath.Join(dir, "plan.pb")
	require.NoError(t, os.WriteFile(binPath, bin, 0o644))

	jsonPath := filepath.Join(dir, "plan.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"name":"json-plan","processors":[{"id":"a","type":"values","args":{"count":2}}]}`), 0o644))

	fromBin, err := LoadPlan(binPath)
	require.NoError(t, err)
	if diff := cmp.Diff(plan, fromBin); diff != "" {
		t.Errorf("binary plan mismatch (-want +got):\n%s", diff)
	}

	fromJSON, err := LoadPlan(jsonPath)
	require.NoError(t, err)
	require.Equal(t, "json-plan", fromJSON.Name)
	require.Equal(t, 2, fromJSON.Processors[0].IntArg("count", 0))

	_, err = LoadPlan(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
}

const routePlan = `
name: route-test
processors:
  - {id: src, type: values, args: {count: 5}}
  - {id: split, type: route, args: {conditions: ["tag < 3"]}}
  - {id: first, type: limit, args: {rows: 1}}
  - {id: low, type: collect}
  - {id: high, type: collect}
edges:
  - {from: src, to: split}
  - {from: split, to: first}
  - {from: first, to: low}
  - {from: split, from_port: 1, to: high}
`

func TestEngineRunsRoutePlan(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	plan, err := ParsePlan([]byte(routePlan))
	require.NoError(t, err)
	out := &processors.Collector{}
	defer out.Release()
	e := NewEngine(plan, alloc, testRegistry(alloc, out).Create, Config{Workers: 3})
	require.NoError(t, e.Run(context.Background()))
	require.Equal(t, []int64{1, 3, 4, 5}, sorted(collectedTags(out)))
}

func TestSchemaOf(t *testing.T) {
	s, err := SchemaOf([]Field{{Name: "id", Type: "INT64"}, {Name: "name", Type: "utf8"}})
	require.NoError(t, err)
	require.Equal(t, "id", s.Field(0).Name)
	require.True(t, arrow.TypeEqual(arrow.PrimitiveTypes.Int64, s.Field(0).Type))
	require.True(t, s.Field(1).Nullable)

	_, err = SchemaOf([]Field{{Name: "x", Type: "decimal"}})
	require.ErrorContains(t, err, `unknown arrow type "decimal"`)
	_, err = SchemaOf(nil)
	require.ErrorIs(t, err, ErrInvalidPlan)
}
