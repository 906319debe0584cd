// Command isotope-bench measures scheduler throughput on a YSB-style
// pipeline built directly from processors:
//
//	N sources -> resize(N->1) -> filter(view) -> map(ad_id, event_time) -> count
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/spf13/pflag"

	"github.com/sandboxws/isotope/pipeline/pkg/arrow/helpers"
	"github.com/sandboxws/isotope/pipeline/pkg/engine"
	"github.com/sandboxws/isotope/pipeline/pkg/processor"
	"github.com/sandboxws/isotope/pipeline/pkg/processors"
)

var adSchema = arrow.NewSchema([]arrow.Field{
	{Name: "ad_id", Type: arrow.BinaryTypes.String},
	{Name: "ad_type", Type: arrow.BinaryTypes.String},
	{Name: "event_type", Type: arrow.BinaryTypes.String},
	{Name: "event_time", Type: arrow.PrimitiveTypes.Int64},
	{Name: "ip_address", Type: arrow.BinaryTypes.String},
}, nil)

var campaigns = func() []string {
	c := make([]string, 100)
	for i := range c {
		c[i] = fmt.Sprintf("campaign_%04d", i)
	}
	return c
}()

// Four views per click.
var eventTypes = []string{"view", "view", "view", "view", "click"}

type counter struct{ rows atomic.Int64 }

func (c *counter) Write(rec arrow.Record) error {
	c.rows.Add(rec.NumRows())
	return nil
}

func main() {
	sources := pflag.Int("sources", 4, "number of generator sources")
	batches := pflag.Int("batches", 1000, "batches per source (0 runs until interrupted)")
	batchSize := pflag.Int("batch-size", 4096, "rows per batch")
	workers := pflag.Int("workers", 0, "scheduler workers (0 uses GOMAXPROCS)")
	pflag.Parse()

	alloc := helpers.NewCountingAllocator(memory.DefaultAllocator)
	g, sink, err := buildGraph(alloc, *sources, *batches, *batchSize)
	if err != nil {
		slog.Error("build graph", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go report(ctx, sink)

	slog.Info("starting benchmark", "sources", *sources, "batches", *batches, "batch_size", *batchSize)
	start := time.Now()
	err = engine.NewScheduler(g, alloc, engine.Config{Workers: *workers}, nil).Run(ctx)
	elapsed := time.Since(start)

	generated := int64(*sources) * int64(*batches) * int64(*batchSize)
	slog.Info("benchmark finished",
		"elapsed", elapsed,
		"generated", generated,
		"views", sink.rows.Load(),
		"events/sec", int64(float64(generated)/elapsed.Seconds()),
		"peak_bytes", alloc.Peak(),
		"live_bytes", alloc.Live(),
	)
	if err != nil && ctx.Err() == nil {
		slog.Error("pipeline failed", "error", err)
		os.Exit(1)
	}
}

func buildGraph(alloc memory.Allocator, sources, batches, batchSize int) (*engine.Graph, *counter, error) {
	merge := processors.NewResize("merge", sources, 1)
	views, err := processors.NewFilter("views", "event_type = 'view'")
	if err != nil {
		return nil, nil, err
	}
	project, err := processors.NewMap("project", map[string]string{
		"ad_id":      "ad_id",
		"event_time": "event_time",
	})
	if err != nil {
		return nil, nil, err
	}
	sink := &counter{}
	out := processors.NewSink("count", sink)

	g := engine.NewGraph()
	for _, p := range []processor.Processor{merge, views, project, out} {
		g.Add(p)
	}
	for i := range sources {
		src := processors.NewSource(fmt.Sprintf("gen-%d", i), eventGenerator(alloc, batches, batchSize))
		g.Add(src)
		if err := processor.Connect(src.Output(0), merge.Input(i)); err != nil {
			return nil, nil, err
		}
	}
	for _, pair := range [][2]processor.Processor{{merge, views}, {views, project}, {project, out}} {
		if err := processor.Connect(pair[0].Outputs()[0], pair[1].Inputs()[0]); err != nil {
			return nil, nil, err
		}
	}
	return g, sink, nil
}

func eventGenerator(alloc memory.Allocator, batches, batchSize int) processors.GeneratorFunc {
	emitted := 0
	return func() (arrow.Record, error) {
		if batches > 0 && emitted >= batches {
			return nil, nil
		}
		emitted++
		return generateBatch(alloc, batchSize), nil
	}
}

func generateBatch(alloc memory.Allocator, n int) arrow.Record {
	b := array.NewRecordBuilder(alloc, adSchema)
	defer b.Release()
	adID := b.Field(0).(*array.StringBuilder)
	adType := b.Field(1).(*array.StringBuilder)
	eventType := b.Field(2).(*array.StringBuilder)
	eventTime := b.Field(3).(*array.Int64Builder)
	ip := b.Field(4).(*array.StringBuilder)

	now := time.Now().UnixMilli()
	for i := range n {
		adID.Append(campaigns[i%len(campaigns)])
		adType.Append("banner")
		eventType.Append(eventTypes[i%len(eventTypes)])
		eventTime.Append(now + int64(i))
		ip.Append("10.0.0.1")
	}
	return b.NewRecord()
}

func report(ctx context.Context, c *counter) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	var last int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cur := c.rows.Load()
			slog.Info("throughput", "views/sec", cur-last, "total", cur)
			last = cur
		}
	}
}
